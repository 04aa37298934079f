// Package incident tracks security incidents and notifies the response team.
package incident

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/klytics/sheetkit/internal/audit"
	"github.com/klytics/sheetkit/internal/email"
	"github.com/klytics/sheetkit/internal/model"
	"github.com/klytics/sheetkit/internal/store"
)

// ErrNotHigher is returned when an escalation does not raise severity.
var ErrNotHigher = fmt.Errorf("%w: new severity must be higher than the current one", model.ErrInvalid)

// Event says why the team is being notified.
type Event string

const (
	EventReported  Event = "reported"
	EventEscalated Event = "escalated"
	EventStatus    Event = "status"
)

// Notifier tells the incident team about changes.
type Notifier interface {
	Notify(ctx context.Context, ev Event, inc *model.Incident) error
}

// LogNotifier writes notifications to the log only.
type LogNotifier struct{ Log *zap.Logger }

// Notify implements Notifier.
func (n LogNotifier) Notify(_ context.Context, ev Event, inc *model.Incident) error {
	n.Log.Warn("incident "+string(ev),
		zap.String("id", inc.ID),
		zap.String("title", inc.Title),
		zap.Stringer("severity", inc.Severity),
		zap.String("status", string(inc.Status)))
	return nil
}

// MailNotifier emails the team with the incident attached as JSON.
type MailNotifier struct {
	Sender *email.Sender
	Team   []string
}

// Notify implements Notifier.
func (n MailNotifier) Notify(ctx context.Context, ev Event, inc *model.Incident) error {
	if len(n.Team) == 0 {
		return nil
	}
	data, err := json.MarshalIndent(inc, "", "  ")
	if err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Incident %s was %s.\n\n", inc.ID, ev)
	fmt.Fprintf(&b, "Title:    %s\n", inc.Title)
	fmt.Fprintf(&b, "Severity: %s\n", inc.Severity)
	fmt.Fprintf(&b, "Status:   %s\n", inc.Status)
	if inc.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", inc.Description)
	}
	if k := len(inc.EscalationHistory); k > 0 {
		last := inc.EscalationHistory[k-1]
		fmt.Fprintf(&b, "\nEscalated %s -> %s: %s\n", last.From, last.To, last.Reason)
	}
	return n.Sender.Send(ctx, email.Message{
		To:          n.Team,
		Subject:     fmt.Sprintf("[%s] Incident %s: %s", inc.Severity, ev, inc.Title),
		Body:        b.String(),
		Attachments: []email.Attachment{{Name: "incident-" + inc.ID + ".json", ContentType: "application/json", Data: data}},
	})
}

// Service manages incidents.
type Service struct {
	store    *store.Store
	notifier Notifier
	audit    audit.Recorder
	log      *zap.Logger
	now      func() time.Time
}

// New builds the service. A nil notifier logs notifications.
func New(st *store.Store, n Notifier, rec audit.Recorder, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	if n == nil {
		n = LogNotifier{Log: log}
	}
	if rec == nil {
		rec = audit.Nop{}
	}
	return &Service{store: st, notifier: n, audit: rec, log: log, now: time.Now}
}

func (s *Service) notify(ctx context.Context, ev Event, inc *model.Incident) {
	if err := s.notifier.Notify(ctx, ev, inc); err != nil {
		s.log.Error("incident notification failed", zap.String("id", inc.ID), zap.Error(err))
	}
}

// ReportIncident opens a new incident and notifies the team.
func (s *Service) ReportIncident(ctx context.Context, title, description string, severity model.Severity, reporter string) (*model.Incident, error) {
	if !severity.Valid() {
		return nil, fmt.Errorf("%w: unknown severity %d", model.ErrInvalid, severity)
	}
	now := s.now().UTC()
	inc := &model.Incident{
		ID:          uuid.NewString(),
		Title:       strings.TrimSpace(title),
		Description: description,
		Severity:    severity,
		Status:      model.StatusOpen,
		ReportedBy:  reporter,
		ReportedAt:  now,
		UpdatedAt:   now,
	}
	if err := model.Validate(inc); err != nil {
		return nil, err
	}
	if err := s.store.Incidents.Add(ctx, inc); err != nil {
		return nil, err
	}
	s.audit.LogAuditEvent(ctx, reporter, "incident.report", inc.ID, "severity="+severity.String())
	s.notify(ctx, EventReported, inc)
	return inc, nil
}

// UpdateIncidentStatus moves an incident to status.
func (s *Service) UpdateIncidentStatus(ctx context.Context, id string, status model.IncidentStatus, userID string) (*model.Incident, error) {
	if !model.ValidStatus(status) {
		return nil, fmt.Errorf("%w: unknown status %q", model.ErrInvalid, status)
	}
	inc, err := s.store.Incidents.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	prev := inc.Status
	inc.Status = status
	inc.UpdatedAt = s.now().UTC()
	if err := s.store.Incidents.Update(ctx, inc); err != nil {
		return nil, err
	}
	s.audit.LogAuditEvent(ctx, userID, "incident.status", id, fmt.Sprintf("from=%s to=%s", prev, status))
	if prev != status {
		s.notify(ctx, EventStatus, inc)
	}
	return inc, nil
}

// GetActiveIncidents returns open and investigating incidents, most
// severe first and oldest first within a severity.
func (s *Service) GetActiveIncidents(ctx context.Context) ([]model.Incident, error) {
	return s.store.Incidents.ListActive(ctx)
}

// List returns every incident.
func (s *Service) List(ctx context.Context) ([]model.Incident, error) {
	return s.store.Incidents.List(ctx)
}

// Get returns one incident.
func (s *Service) Get(ctx context.Context, id string) (*model.Incident, error) {
	return s.store.Incidents.Get(ctx, id)
}

// EscalateIncident raises severity, recording the previous value.
func (s *Service) EscalateIncident(ctx context.Context, id string, severity model.Severity, reason, userID string) (*model.Incident, error) {
	if !severity.Valid() {
		return nil, fmt.Errorf("%w: unknown severity %d", model.ErrInvalid, severity)
	}
	inc, err := s.store.Incidents.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !inc.Active() {
		return nil, fmt.Errorf("%w: incident %s is %s", store.ErrConflict, id, inc.Status)
	}
	if severity <= inc.Severity {
		return nil, ErrNotHigher
	}

	now := s.now().UTC()
	inc.EscalationHistory = append(inc.EscalationHistory, model.Escalation{
		From: inc.Severity, To: severity, Reason: reason, At: now,
	})
	inc.Severity = severity
	inc.UpdatedAt = now
	if err := s.store.Incidents.Update(ctx, inc); err != nil {
		return nil, err
	}
	s.audit.LogAuditEvent(ctx, userID, "incident.escalate", id, "severity="+severity.String())
	s.notify(ctx, EventEscalated, inc)
	return inc, nil
}
