// Package audit records security-relevant events in the store, mirrors
// them to a JSON-lines journal and archives them before purging.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/klytics/sheetkit/internal/model"
	"github.com/klytics/sheetkit/internal/store"
)

// MaxPageSize bounds GetAuditLogs pages.
const MaxPageSize = 500

// ErrInvalidPage is returned for out of range paging arguments.
var ErrInvalidPage = fmt.Errorf("%w: page must be >= 1 and page size 1..%d", model.ErrInvalid, MaxPageSize)

// Recorder is what other services need to write audit events.
type Recorder interface {
	LogAuditEvent(ctx context.Context, userID, action, resourceID, details string) error
}

type ipKey struct{}

// WithClientIP attaches the caller's address to ctx for audit records.
func WithClientIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ipKey{}, ip)
}

func clientIP(ctx context.Context) string {
	ip, _ := ctx.Value(ipKey{}).(string)
	return ip
}

// Filter selects audit records. Zero fields match everything.
type Filter struct {
	Start  time.Time
	End    time.Time
	UserID string
	Action string
}

// Page is one page of audit records.
type Page struct {
	Logs     []model.AuditLog `json:"logs"`
	Total    int              `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
}

// Service implements Recorder over the store.
type Service struct {
	store   *store.Store
	journal *Journal
	archive *Journal
	log     *zap.Logger
	now     func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithJournal mirrors every record to a JSON-lines file.
func WithJournal(path string) Option {
	return func(s *Service) { s.journal = NewJournal(path) }
}

// WithArchive writes purged records to a JSON-lines file before deletion.
func WithArchive(path string) Option {
	return func(s *Service) { s.archive = NewJournal(path) }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// New builds the audit service.
func New(st *store.Store, log *zap.Logger, opts ...Option) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Service{store: st, log: log, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// JournalPath returns the mirror file, if any.
func (s *Service) JournalPath() string { return s.journal.Path() }

// ArchivePath returns the archive file, if any.
func (s *Service) ArchivePath() string { return s.archive.Path() }

// LogAuditEvent persists one event. Secrets in details are redacted.
func (s *Service) LogAuditEvent(ctx context.Context, userID, action, resourceID, details string) error {
	if action == "" {
		return fmt.Errorf("%w: audit action is required", model.ErrInvalid)
	}
	rec := model.AuditLog{
		ID:         uuid.NewString(),
		Timestamp:  s.now().UTC(),
		UserID:     userID,
		Action:     action,
		ResourceID: resourceID,
		Details:    Redact(details),
		IPAddress:  clientIP(ctx),
	}
	if err := s.store.Audit.Add(ctx, &rec); err != nil {
		return fmt.Errorf("record audit event: %w", err)
	}
	if err := s.journal.Append(rec); err != nil {
		s.log.Warn("audit journal write failed", zap.Error(err))
	}
	s.log.Info("audit",
		zap.String("action", rec.Action),
		zap.String("user", rec.UserID),
		zap.String("resource", rec.ResourceID),
		zap.String("ip", rec.IPAddress))
	return nil
}

// GetAuditLogs returns a page of records, newest first. Pages start at 1.
func (s *Service) GetAuditLogs(ctx context.Context, f Filter, page, pageSize int) (*Page, error) {
	if page < 1 || pageSize < 1 || pageSize > MaxPageSize {
		return nil, ErrInvalidPage
	}
	if !f.Start.IsZero() && !f.End.IsZero() && f.End.Before(f.Start) {
		return nil, fmt.Errorf("%w: end is before start", model.ErrInvalid)
	}
	limit, offset := store.Page(page, pageSize)
	logs, total, err := s.store.Audit.Query(ctx, store.AuditFilter{
		Start: f.Start, End: f.End, UserID: f.UserID, Action: f.Action,
	}, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	return &Page{Logs: logs, Total: total, Page: page, PageSize: pageSize}, nil
}

// PurgeOldAuditLogs deletes records older than cutoff and returns how
// many were removed. With an archive configured the records are written
// there first and nothing is deleted if that fails.
func (s *Service) PurgeOldAuditLogs(ctx context.Context, cutoff time.Time) (int64, error) {
	if cutoff.IsZero() {
		return 0, errors.New("purge cutoff is required")
	}
	if cutoff.After(s.now()) {
		return 0, fmt.Errorf("%w: purge cutoff is in the future", model.ErrInvalid)
	}

	var n int64
	err := s.store.WithTx(ctx, func(tx *store.Store) error {
		if s.archive.Path() != "" {
			old, err := tx.Audit.ListBefore(ctx, cutoff)
			if err != nil {
				return err
			}
			if err := s.archive.Append(old...); err != nil {
				return fmt.Errorf("archive audit logs: %w", err)
			}
		}
		var err error
		n, err = tx.Audit.DeleteBefore(ctx, cutoff)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("purge audit logs: %w", err)
	}
	s.log.Info("audit logs purged", zap.Int64("count", n), zap.Time("before", cutoff))
	return n, nil
}

// Nop discards audit events.
type Nop struct{}

// LogAuditEvent implements Recorder.
func (Nop) LogAuditEvent(context.Context, string, string, string, string) error { return nil }
