// Package authz decides what a user may do with a workbook.
//
// Owners and system admins may do everything. Other users get the role
// carried by their active sharing grant. Decisions are cached in the kv
// store and invalidated whenever a grant changes.
package authz

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/klytics/sheetkit/internal/audit"
	"github.com/klytics/sheetkit/internal/kv"
	"github.com/klytics/sheetkit/internal/model"
	"github.com/klytics/sheetkit/internal/store"
)

// ErrForbidden is returned when a user lacks a required action.
var ErrForbidden = errors.New("forbidden")

// Action is a single thing a user can do to a workbook.
type Action string

const (
	WorkbookRead   Action = "workbook.read"
	WorkbookWrite  Action = "workbook.write"
	WorkbookDelete Action = "workbook.delete"
	WorkbookShare  Action = "workbook.share"
	CellRead       Action = "cell.read"
	CellWrite      Action = "cell.write"
	ChartWrite     Action = "chart.write"
	Comment        Action = "comment"
)

// Role is a named bundle of actions.
type Role string

const (
	RoleOwner     Role = "owner"
	RoleEditor    Role = "editor"
	RoleCommenter Role = "commenter"
	RoleViewer    Role = "viewer"
	RoleNone      Role = ""
)

var roles = map[Role][]Action{
	RoleOwner:     {WorkbookRead, WorkbookWrite, WorkbookDelete, WorkbookShare, CellRead, CellWrite, ChartWrite, Comment},
	RoleEditor:    {WorkbookRead, WorkbookWrite, CellRead, CellWrite, ChartWrite, Comment},
	RoleCommenter: {WorkbookRead, CellRead, Comment},
	RoleViewer:    {WorkbookRead, CellRead},
}

// RoleForPermission maps a sharing permission to its role.
func RoleForPermission(p model.Permission) Role {
	switch p {
	case model.PermEdit:
		return RoleEditor
	case model.PermComment:
		return RoleCommenter
	case model.PermReadOnly:
		return RoleViewer
	}
	return RoleNone
}

// Actions returns the actions granted by r.
func (r Role) Actions() []Action {
	return append([]Action(nil), roles[r]...)
}

// Grant is the resolved access of one user to one workbook.
type Grant struct {
	Role    Role     `json:"role"`
	Actions []Action `json:"actions"`
}

// Has reports whether the grant includes a.
func (g Grant) Has(a Action) bool {
	for _, x := range g.Actions {
		if x == a {
			return true
		}
	}
	return false
}

// Service resolves and updates workbook permissions.
type Service struct {
	store *store.Store
	kv    *kv.Store
	audit audit.Recorder
	ttl   time.Duration
	log   *zap.Logger
	now   func() time.Time
}

// New builds the service. ttl is how long resolved grants are cached.
func New(st *store.Store, kvs *kv.Store, rec audit.Recorder, ttl time.Duration, log *zap.Logger) *Service {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if rec == nil {
		rec = audit.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: st, kv: kvs, audit: rec, ttl: ttl, log: log, now: time.Now}
}

func cacheKey(workbookID, userID string) string {
	return "authz:" + workbookID + ":" + userID
}

// cached is a grant as held in the kv store. Until is set when the
// grant comes from a sharing entry that expires.
type cached struct {
	Grant
	Until *time.Time `json:"until,omitempty"`
}

// GetUserPermissionsForWorkbook resolves the user's grant. A missing
// workbook is store.ErrNotFound; a user without access gets an empty grant.
// A cached grant never outlives the sharing entry it came from.
func (s *Service) GetUserPermissionsForWorkbook(ctx context.Context, userID, workbookID string) (Grant, error) {
	var c cached
	if err := s.kv.GetJSON(cacheKey(workbookID, userID), &c); err == nil {
		if c.Until == nil || s.now().Before(*c.Until) {
			return c.Grant, nil
		}
	} else if !errors.Is(err, kv.ErrNotFound) {
		s.log.Debug("permission cache read failed", zap.Error(err))
	}

	g, until, err := s.resolve(ctx, userID, workbookID)
	if err != nil {
		return Grant{}, err
	}
	ttl := s.ttl
	if until != nil {
		ttl = min(ttl, until.Sub(s.now()))
	}
	if ttl > 0 {
		if err := s.kv.SetJSON(cacheKey(workbookID, userID), cached{Grant: g, Until: until}, ttl); err != nil {
			s.log.Debug("permission cache write failed", zap.Error(err))
		}
	}
	return g, nil
}

// resolve also returns when the grant lapses, or nil when it does not.
func (s *Service) resolve(ctx context.Context, userID, workbookID string) (Grant, *time.Time, error) {
	wb, err := s.store.Workbooks.Get(ctx, workbookID)
	if err != nil {
		return Grant{}, nil, err
	}
	if wb.OwnerID == userID {
		return Grant{Role: RoleOwner, Actions: RoleOwner.Actions()}, nil, nil
	}
	u, err := s.store.Users.Get(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return Grant{Actions: []Action{}}, nil, nil
	}
	if err != nil {
		return Grant{}, nil, err
	}
	if u.Role == model.RoleAdmin {
		return Grant{Role: RoleOwner, Actions: RoleOwner.Actions()}, nil, nil
	}
	sh, err := s.store.Sharing.GetByWorkbookAndUser(ctx, workbookID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return Grant{Actions: []Action{}}, nil, nil
	}
	if err != nil {
		return Grant{}, nil, err
	}
	if sh.Expired(s.now()) {
		return Grant{Actions: []Action{}}, nil, nil
	}
	r := RoleForPermission(sh.Permission)
	return Grant{Role: r, Actions: r.Actions()}, sh.ExpiresAt, nil
}

// AuthorizeUserForWorkbook reports whether the user may perform action.
func (s *Service) AuthorizeUserForWorkbook(ctx context.Context, userID, workbookID string, action Action) (bool, error) {
	g, err := s.GetUserPermissionsForWorkbook(ctx, userID, workbookID)
	if err != nil {
		return false, err
	}
	return g.Has(action), nil
}

// Require is AuthorizeUserForWorkbook returning ErrForbidden on denial.
func (s *Service) Require(ctx context.Context, userID, workbookID string, action Action) error {
	ok, err := s.AuthorizeUserForWorkbook(ctx, userID, workbookID, action)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s on workbook %s", ErrForbidden, action, workbookID)
	}
	return nil
}

// UpdateUserPermissionsForWorkbook sets the user's sharing permission,
// creating the grant when absent, and drops the cached decision.
func (s *Service) UpdateUserPermissionsForWorkbook(ctx context.Context, userID, workbookID string, perm model.Permission) error {
	if !model.ValidPermission(perm) {
		return fmt.Errorf("%w: unknown permission %q", model.ErrInvalid, perm)
	}
	wb, err := s.store.Workbooks.Get(ctx, workbookID)
	if err != nil {
		return err
	}
	if wb.OwnerID == userID {
		return fmt.Errorf("%w: the owner's permissions cannot be changed", store.ErrConflict)
	}
	if _, err := s.store.Users.Get(ctx, userID); err != nil {
		return err
	}

	err = s.store.WithTx(ctx, func(tx *store.Store) error {
		sh, err := tx.Sharing.GetByWorkbookAndUser(ctx, workbookID, userID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return tx.Sharing.Add(ctx, &model.Sharing{
				ID: uuid.NewString(), WorkbookID: workbookID, UserID: userID,
				Permission: perm, SharedAt: s.now().UTC(),
			})
		case err != nil:
			return err
		}
		sh.Permission = perm
		return tx.Sharing.Update(ctx, sh)
	})
	if err != nil {
		return err
	}
	s.Invalidate(workbookID, userID)
	s.audit.LogAuditEvent(ctx, userID, "authz.update", workbookID, "permission="+string(perm))
	return nil
}

// Invalidate drops the cached decision for one user on one workbook.
func (s *Service) Invalidate(workbookID, userID string) {
	if err := s.kv.Delete(cacheKey(workbookID, userID)); err != nil {
		s.log.Warn("permission cache invalidation failed", zap.Error(err))
	}
}

// InvalidateWorkbook drops every cached decision on a workbook.
func (s *Service) InvalidateWorkbook(workbookID string) {
	if err := s.kv.DeletePrefix("authz:" + workbookID + ":"); err != nil {
		s.log.Warn("permission cache invalidation failed", zap.Error(err))
	}
}

// AllActions lists every action in a stable order.
func AllActions() []Action {
	out := RoleOwner.Actions()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
