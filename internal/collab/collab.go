// Package collab manages workbook collaborators, edit sessions and the
// realtime event hub.
package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/klytics/sheetkit/internal/audit"
	"github.com/klytics/sheetkit/internal/authz"
	"github.com/klytics/sheetkit/internal/config"
	"github.com/klytics/sheetkit/internal/model"
	"github.com/klytics/sheetkit/internal/store"
)

// Collaborator is a sharing grant joined with the grantee's account.
type Collaborator struct {
	model.Sharing
	Username string `json:"username"`
	Email    string `json:"email"`
	External bool   `json:"external"`
}

// Service implements collaboration operations.
type Service struct {
	store  *store.Store
	authz  *authz.Service
	events Publisher
	policy *config.Policy
	audit  audit.Recorder
	log    *zap.Logger
	now    func() time.Time
}

// New builds the service. policy may be nil.
func New(st *store.Store, az *authz.Service, events Publisher, policy *config.Policy, rec audit.Recorder, log *zap.Logger) *Service {
	if events == nil {
		events = NopPublisher{}
	}
	if rec == nil {
		rec = audit.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: st, authz: az, events: events, policy: policy, audit: rec, log: log, now: time.Now}
}

func (s *Service) collaborator(ctx context.Context, sh model.Sharing) (Collaborator, error) {
	c := Collaborator{Sharing: sh}
	u, err := s.store.Users.Get(ctx, sh.UserID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return c, err
	}
	if u != nil {
		c.Username, c.Email = u.Username, u.Email
		c.External = s.policy.IsExternal(u.Email)
	}
	return c, nil
}

// GetCollaborators lists the unexpired grants on a workbook.
func (s *Service) GetCollaborators(ctx context.Context, actorID, workbookID string) ([]Collaborator, error) {
	if err := s.authz.Require(ctx, actorID, workbookID, authz.WorkbookRead); err != nil {
		return nil, err
	}
	grants, err := s.store.Sharing.ListByWorkbook(ctx, workbookID)
	if err != nil {
		return nil, err
	}
	out := make([]Collaborator, 0, len(grants))
	for _, g := range store.Active(grants, s.now()) {
		c, err := s.collaborator(ctx, g)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Service) resolveUser(ctx context.Context, user string) (*model.User, error) {
	u, err := s.store.Users.Get(ctx, user)
	if errors.Is(err, store.ErrNotFound) {
		u, err = s.store.Users.GetByUsername(ctx, user)
	}
	if err != nil {
		return nil, fmt.Errorf("user %q: %w", user, err)
	}
	return u, nil
}

// AddCollaborator grants a user, named by ID or username, access to a
// workbook. An expired grant for the same user is renewed.
func (s *Service) AddCollaborator(ctx context.Context, actorID, workbookID, user string, perm model.Permission, expiresAt *time.Time) (*Collaborator, error) {
	if !model.ValidPermission(perm) {
		return nil, fmt.Errorf("%w: unknown permission %q", model.ErrInvalid, perm)
	}
	now := s.now().UTC()
	if expiresAt != nil && !expiresAt.After(now) {
		return nil, fmt.Errorf("%w: expiry must be in the future", model.ErrInvalid)
	}
	if err := s.authz.Require(ctx, actorID, workbookID, authz.WorkbookShare); err != nil {
		return nil, err
	}
	u, err := s.resolveUser(ctx, user)
	if err != nil {
		return nil, err
	}

	var grant *model.Sharing
	err = s.store.WithTx(ctx, func(tx *store.Store) error {
		wb, err := tx.Workbooks.Get(ctx, workbookID)
		if err != nil {
			return err
		}
		if wb.OwnerID == u.ID {
			return fmt.Errorf("%s owns workbook %s: %w", u.Username, workbookID, store.ErrConflict)
		}

		existing, err := tx.Sharing.GetByWorkbookAndUser(ctx, workbookID, u.ID)
		switch {
		case err == nil && !existing.Expired(now):
			return fmt.Errorf("%s is already a collaborator: %w", u.Username, store.ErrConflict)
		case err == nil:
			existing.Permission, existing.ExpiresAt = perm, expiresAt
			if err := tx.Sharing.Update(ctx, existing); err != nil {
				return err
			}
			grant = existing
		case errors.Is(err, store.ErrNotFound):
			grant = &model.Sharing{ID: uuid.NewString(), WorkbookID: workbookID, UserID: u.ID,
				Permission: perm, SharedAt: now, ExpiresAt: expiresAt}
			if err := tx.Sharing.Add(ctx, grant); err != nil {
				return err
			}
		default:
			return err
		}

		if !wb.IsShared {
			wb.IsShared = true
			return tx.Workbooks.Update(ctx, wb)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.authz.Invalidate(workbookID, u.ID)
	s.audit.LogAuditEvent(ctx, actorID, "collaborator.add", workbookID, "user="+u.ID+" permission="+string(perm))
	c, err := s.collaborator(ctx, *grant)
	if err != nil {
		return nil, err
	}
	if c.External {
		s.log.Warn("workbook shared outside the organization", zap.String("workbook", workbookID), zap.String("email", u.Email))
		s.audit.LogAuditEvent(ctx, actorID, "sharing.external", workbookID, "email="+u.Email)
	}
	s.events.Publish(Event{Type: EventCollaboratorChanged, WorkbookID: workbookID, UserID: actorID, At: now, Data: c})
	return &c, nil
}

// UpdateCollaboratorPermissions changes an existing collaborator's permission.
func (s *Service) UpdateCollaboratorPermissions(ctx context.Context, actorID, workbookID, collaboratorID string, perm model.Permission) error {
	if err := s.authz.Require(ctx, actorID, workbookID, authz.WorkbookShare); err != nil {
		return err
	}
	if _, err := s.store.Sharing.GetByWorkbookAndUser(ctx, workbookID, collaboratorID); err != nil {
		return err
	}
	if err := s.authz.UpdateUserPermissionsForWorkbook(ctx, collaboratorID, workbookID, perm); err != nil {
		return err
	}
	s.events.Publish(Event{Type: EventCollaboratorChanged, WorkbookID: workbookID, UserID: actorID, At: s.now().UTC()})
	return nil
}

// RemoveCollaborator revokes a grant. The workbook stops being shared
// when its last grant goes.
func (s *Service) RemoveCollaborator(ctx context.Context, actorID, workbookID, collaboratorID string) error {
	if err := s.authz.Require(ctx, actorID, workbookID, authz.WorkbookShare); err != nil {
		return err
	}
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.Sharing.Delete(ctx, workbookID, collaboratorID); err != nil {
			return err
		}
		rest, err := tx.Sharing.ListByWorkbook(ctx, workbookID)
		if err != nil || len(rest) > 0 {
			return err
		}
		wb, err := tx.Workbooks.Get(ctx, workbookID)
		if err != nil {
			return err
		}
		wb.IsShared = false
		return tx.Workbooks.Update(ctx, wb)
	})
	if err != nil {
		return err
	}
	s.authz.Invalidate(workbookID, collaboratorID)
	s.audit.LogAuditEvent(ctx, actorID, "collaborator.remove", workbookID, "user="+collaboratorID)
	s.events.Publish(Event{Type: EventCollaboratorChanged, WorkbookID: workbookID, UserID: actorID, At: s.now().UTC()})
	return nil
}

// StartSession opens an edit session, or returns the caller's active one.
func (s *Service) StartSession(ctx context.Context, userID, workbookID string) (*model.EditSession, error) {
	if err := s.authz.Require(ctx, userID, workbookID, authz.WorkbookRead); err != nil {
		return nil, err
	}
	if sess, err := s.store.Sessions.ActiveForUser(ctx, workbookID, userID); err == nil {
		return sess, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	sess := &model.EditSession{ID: uuid.NewString(), WorkbookID: workbookID, UserID: userID, StartTime: s.now().UTC()}
	if err := s.store.Sessions.Add(ctx, sess); err != nil {
		// A concurrent call opened the session first.
		if errors.Is(err, store.ErrConflict) {
			return s.store.Sessions.ActiveForUser(ctx, workbookID, userID)
		}
		return nil, err
	}
	s.audit.LogAuditEvent(ctx, userID, "session.start", workbookID, "session="+sess.ID)
	s.events.Publish(Event{Type: EventSessionStarted, WorkbookID: workbookID, UserID: userID, At: sess.StartTime, Data: sess})
	return sess, nil
}

// EndSession closes one of the caller's sessions.
func (s *Service) EndSession(ctx context.Context, userID, sessionID string) error {
	sess, err := s.store.Sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.UserID != userID {
		return fmt.Errorf("%w: session %s belongs to another user", authz.ErrForbidden, sessionID)
	}
	now := s.now().UTC()
	if err := s.store.Sessions.EndSession(ctx, sessionID, now); err != nil {
		return err
	}
	s.audit.LogAuditEvent(ctx, userID, "session.end", sess.WorkbookID, "session="+sess.ID)
	s.events.Publish(Event{Type: EventSessionEnded, WorkbookID: sess.WorkbookID, UserID: userID, At: now})
	return nil
}

// ActiveSessions lists the open sessions on a workbook.
func (s *Service) ActiveSessions(ctx context.Context, actorID, workbookID string) ([]model.EditSession, error) {
	if err := s.authz.Require(ctx, actorID, workbookID, authz.WorkbookRead); err != nil {
		return nil, err
	}
	return s.store.Sessions.GetActiveSessionsForWorkbook(ctx, workbookID)
}
