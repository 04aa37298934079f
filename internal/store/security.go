package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/klytics/sheetkit/internal/model"
)

// AuditLogs persists audit events.
type AuditLogs struct{ q querier }

// AuditFilter narrows an audit query. Zero fields match everything.
type AuditFilter struct {
	Start  time.Time
	End    time.Time
	UserID string
	Action string
}

func (f AuditFilter) where() (string, []any) {
	clause := ` WHERE 1=1`
	var args []any
	if !f.Start.IsZero() {
		clause += ` AND timestamp >= ?`
		args = append(args, toNano(f.Start))
	}
	if !f.End.IsZero() {
		clause += ` AND timestamp <= ?`
		args = append(args, toNano(f.End))
	}
	if f.UserID != "" {
		clause += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if f.Action != "" {
		clause += ` AND action = ?`
		args = append(args, f.Action)
	}
	return clause, args
}

const auditColumns = `id, timestamp, user_id, action, resource_id, details, ip_address`

// Add inserts l.
func (r *AuditLogs) Add(ctx context.Context, l *model.AuditLog) error {
	_, err := r.q.ExecContext(ctx, `INSERT INTO audit_logs (`+auditColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.ID, toNano(l.Timestamp), l.UserID, l.Action, l.ResourceID, l.Details, l.IPAddress)
	return mapErr(err, "audit log")
}

// Query returns one page of matching events, newest first, and the total match count.
func (r *AuditLogs) Query(ctx context.Context, f AuditFilter, limit, offset int) ([]model.AuditLog, int, error) {
	where, args := f.where()

	var total int
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_logs`+where, args...).Scan(&total); err != nil {
		return nil, 0, mapErr(err, "audit logs")
	}

	logs, err := r.list(ctx, `SELECT `+auditColumns+` FROM audit_logs`+where+` ORDER BY timestamp DESC, rowid DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	return logs, total, err
}

// ListBefore returns every event older than cutoff, oldest first.
func (r *AuditLogs) ListBefore(ctx context.Context, cutoff time.Time) ([]model.AuditLog, error) {
	return r.list(ctx, `SELECT `+auditColumns+` FROM audit_logs WHERE timestamp < ? ORDER BY timestamp, rowid`, toNano(cutoff))
}

// DeleteBefore removes every event older than cutoff and reports how many were removed.
func (r *AuditLogs) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.q.ExecContext(ctx, `DELETE FROM audit_logs WHERE timestamp < ?`, toNano(cutoff))
	if err != nil {
		return 0, mapErr(err, "audit logs")
	}
	return res.RowsAffected()
}

// Count returns the number of stored events.
func (r *AuditLogs) Count(ctx context.Context) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_logs`).Scan(&n)
	return n, mapErr(err, "audit logs")
}

func (r *AuditLogs) list(ctx context.Context, query string, args ...any) ([]model.AuditLog, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err, "audit logs")
	}
	defer rows.Close()

	var out []model.AuditLog
	for rows.Next() {
		var (
			l  model.AuditLog
			ts int64
		)
		if err := rows.Scan(&l.ID, &ts, &l.UserID, &l.Action, &l.ResourceID, &l.Details, &l.IPAddress); err != nil {
			return nil, mapErr(err, "audit logs")
		}
		l.Timestamp = fromNano(ts)
		out = append(out, l)
	}
	return out, rows.Err()
}

// Incidents persists security incidents.
type Incidents struct{ q querier }

const incidentColumns = `id, title, description, severity, status, reported_by, reported_at, updated_at, escalations`

func scanIncident(row interface{ Scan(...any) error }) (*model.Incident, error) {
	var (
		inc               model.Incident
		sev               int
		status            string
		reported, updated int64
		escalations       string
	)
	if err := row.Scan(&inc.ID, &inc.Title, &inc.Description, &sev, &status, &inc.ReportedBy, &reported, &updated, &escalations); err != nil {
		return nil, err
	}
	inc.Severity = model.Severity(sev)
	inc.Status = model.IncidentStatus(status)
	inc.ReportedAt = fromNano(reported)
	inc.UpdatedAt = fromNano(updated)
	if err := json.Unmarshal([]byte(escalations), &inc.EscalationHistory); err != nil {
		return nil, fmt.Errorf("decode escalation history: %w", err)
	}
	return &inc, nil
}

func encodeEscalations(h []model.Escalation) (string, error) {
	if len(h) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(h)
	return string(b), err
}

// Get returns incident id.
func (r *Incidents) Get(ctx context.Context, id string) (*model.Incident, error) {
	inc, err := scanIncident(r.q.QueryRowContext(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE id = ?`, id))
	return inc, mapErr(err, "incident")
}

// Add inserts inc.
func (r *Incidents) Add(ctx context.Context, inc *model.Incident) error {
	esc, err := encodeEscalations(inc.EscalationHistory)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, `INSERT INTO incidents (`+incidentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inc.ID, inc.Title, inc.Description, int(inc.Severity), string(inc.Status), inc.ReportedBy,
		toNano(inc.ReportedAt), toNano(inc.UpdatedAt), esc)
	return mapErr(err, "incident")
}

// Update overwrites the mutable columns of inc.
func (r *Incidents) Update(ctx context.Context, inc *model.Incident) error {
	esc, err := encodeEscalations(inc.EscalationHistory)
	if err != nil {
		return err
	}
	res, err := r.q.ExecContext(ctx, `UPDATE incidents SET title = ?, description = ?, severity = ?, status = ?, updated_at = ?, escalations = ? WHERE id = ?`,
		inc.Title, inc.Description, int(inc.Severity), string(inc.Status), toNano(inc.UpdatedAt), esc, inc.ID)
	if err != nil {
		return mapErr(err, "incident")
	}
	return expectAffected(res, "incident")
}

// ListActive returns Open and Investigating incidents, most severe and oldest first.
func (r *Incidents) ListActive(ctx context.Context) ([]model.Incident, error) {
	return r.list(ctx, `SELECT `+incidentColumns+` FROM incidents WHERE status IN (?, ?) ORDER BY severity DESC, reported_at ASC`,
		string(model.StatusOpen), string(model.StatusInvestigating))
}

// List returns every incident, newest first.
func (r *Incidents) List(ctx context.Context) ([]model.Incident, error) {
	return r.list(ctx, `SELECT `+incidentColumns+` FROM incidents ORDER BY reported_at DESC`)
}

func (r *Incidents) list(ctx context.Context, query string, args ...any) ([]model.Incident, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err, "incidents")
	}
	defer rows.Close()

	var out []model.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, mapErr(err, "incidents")
		}
		out = append(out, *inc)
	}
	return out, rows.Err()
}

// Patches persists known patches and their install state.
type Patches struct{ q querier }

const patchColumns = `id, version, description, url, sha256, released_at, downloaded_at, installed_at, local_path`

func scanPatch(row interface{ Scan(...any) error }) (*model.Patch, error) {
	var (
		p                     model.Patch
		released              int64
		downloaded, installed sql.NullInt64
	)
	if err := row.Scan(&p.ID, &p.Version, &p.Description, &p.URL, &p.SHA256, &released, &downloaded, &installed, &p.LocalPath); err != nil {
		return nil, err
	}
	p.ReleasedAt = fromNano(released)
	p.DownloadedAt = fromNullNano(downloaded)
	p.InstalledAt = fromNullNano(installed)
	return &p, nil
}

// Get returns patch id.
func (r *Patches) Get(ctx context.Context, id string) (*model.Patch, error) {
	p, err := scanPatch(r.q.QueryRowContext(ctx, `SELECT `+patchColumns+` FROM patches WHERE id = ?`, id))
	return p, mapErr(err, "patch")
}

// Upsert records a patch from the feed, keeping the install state already
// stored for it. A download is kept only while the feed still publishes
// the same URL and digest.
func (r *Patches) Upsert(ctx context.Context, p *model.Patch) error {
	_, err := r.q.ExecContext(ctx, `INSERT INTO patches (`+patchColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET version = excluded.version, description = excluded.description,
		url = excluded.url, sha256 = excluded.sha256, released_at = excluded.released_at,
		downloaded_at = CASE WHEN patches.url = excluded.url AND patches.sha256 = excluded.sha256
			THEN patches.downloaded_at ELSE NULL END,
		local_path = CASE WHEN patches.url = excluded.url AND patches.sha256 = excluded.sha256
			THEN patches.local_path ELSE '' END`,
		p.ID, p.Version, p.Description, p.URL, p.SHA256, toNano(p.ReleasedAt),
		toNullNano(p.DownloadedAt), toNullNano(p.InstalledAt), p.LocalPath)
	return mapErr(err, "patch")
}

// Update overwrites the local state of p.
func (r *Patches) Update(ctx context.Context, p *model.Patch) error {
	res, err := r.q.ExecContext(ctx, `UPDATE patches SET downloaded_at = ?, installed_at = ?, local_path = ? WHERE id = ?`,
		toNullNano(p.DownloadedAt), toNullNano(p.InstalledAt), p.LocalPath, p.ID)
	if err != nil {
		return mapErr(err, "patch")
	}
	return expectAffected(res, "patch")
}

// List returns every known patch, newest release first.
func (r *Patches) List(ctx context.Context) ([]model.Patch, error) {
	return r.list(ctx, `SELECT `+patchColumns+` FROM patches ORDER BY released_at DESC`)
}

// ListInstalled returns installed patches in install order.
func (r *Patches) ListInstalled(ctx context.Context) ([]model.Patch, error) {
	return r.list(ctx, `SELECT `+patchColumns+` FROM patches WHERE installed_at IS NOT NULL ORDER BY installed_at`)
}

func (r *Patches) list(ctx context.Context, query string, args ...any) ([]model.Patch, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err, "patches")
	}
	defer rows.Close()

	var out []model.Patch
	for rows.Next() {
		p, err := scanPatch(rows)
		if err != nil {
			return nil, mapErr(err, "patches")
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}
