package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/klytics/sheetkit/internal/model"
)

// Sharing persists workbook access grants.
type Sharing struct{ q querier }

const sharingColumns = `id, workbook_id, user_id, permission, shared_at, expires_at`

func scanSharing(row interface{ Scan(...any) error }) (*model.Sharing, error) {
	var (
		s       model.Sharing
		perm    string
		shared  int64
		expires sql.NullInt64
	)
	if err := row.Scan(&s.ID, &s.WorkbookID, &s.UserID, &perm, &shared, &expires); err != nil {
		return nil, err
	}
	s.Permission = model.Permission(perm)
	s.SharedAt = fromNano(shared)
	s.ExpiresAt = fromNullNano(expires)
	return &s, nil
}

// GetByWorkbookAndUser returns the grant a user holds on a workbook, expired or not.
func (r *Sharing) GetByWorkbookAndUser(ctx context.Context, workbookID, userID string) (*model.Sharing, error) {
	s, err := scanSharing(r.q.QueryRowContext(ctx,
		`SELECT `+sharingColumns+` FROM sharing WHERE workbook_id = ? AND user_id = ?`, workbookID, userID))
	return s, mapErr(err, "collaborator")
}

// Add inserts a grant. A user holds at most one grant per workbook.
func (r *Sharing) Add(ctx context.Context, s *model.Sharing) error {
	_, err := r.q.ExecContext(ctx, `INSERT INTO sharing (`+sharingColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID, s.WorkbookID, s.UserID, string(s.Permission), toNano(s.SharedAt), toNullNano(s.ExpiresAt))
	return mapErr(err, "collaborator")
}

// Update changes the permission and expiry of a grant.
func (r *Sharing) Update(ctx context.Context, s *model.Sharing) error {
	res, err := r.q.ExecContext(ctx, `UPDATE sharing SET permission = ?, expires_at = ? WHERE workbook_id = ? AND user_id = ?`,
		string(s.Permission), toNullNano(s.ExpiresAt), s.WorkbookID, s.UserID)
	if err != nil {
		return mapErr(err, "collaborator")
	}
	return expectAffected(res, "collaborator")
}

// Delete revokes the grant a user holds on a workbook.
func (r *Sharing) Delete(ctx context.Context, workbookID, userID string) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM sharing WHERE workbook_id = ? AND user_id = ?`, workbookID, userID)
	if err != nil {
		return mapErr(err, "collaborator")
	}
	return expectAffected(res, "collaborator")
}

// ListByWorkbook returns all grants on a workbook, oldest first.
func (r *Sharing) ListByWorkbook(ctx context.Context, workbookID string) ([]model.Sharing, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+sharingColumns+` FROM sharing WHERE workbook_id = ? ORDER BY shared_at`, workbookID)
	if err != nil {
		return nil, mapErr(err, "collaborators")
	}
	defer rows.Close()

	var out []model.Sharing
	for rows.Next() {
		s, err := scanSharing(rows)
		if err != nil {
			return nil, mapErr(err, "collaborators")
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// Active filters grants that have not expired at now.
func Active(grants []model.Sharing, now time.Time) []model.Sharing {
	out := grants[:0:0]
	for _, g := range grants {
		if !g.Expired(now) {
			out = append(out, g)
		}
	}
	return out
}

// EditSessions persists edit sessions.
type EditSessions struct{ q querier }

const sessionColumns = `id, workbook_id, user_id, start_time, end_time`

func scanSession(row interface{ Scan(...any) error }) (*model.EditSession, error) {
	var (
		s     model.EditSession
		start int64
		end   sql.NullInt64
	)
	if err := row.Scan(&s.ID, &s.WorkbookID, &s.UserID, &start, &end); err != nil {
		return nil, err
	}
	s.StartTime = fromNano(start)
	s.EndTime = fromNullNano(end)
	return &s, nil
}

// Get returns session id.
func (r *EditSessions) Get(ctx context.Context, id string) (*model.EditSession, error) {
	s, err := scanSession(r.q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM edit_sessions WHERE id = ?`, id))
	return s, mapErr(err, "edit session")
}

// Add inserts s.
func (r *EditSessions) Add(ctx context.Context, s *model.EditSession) error {
	_, err := r.q.ExecContext(ctx, `INSERT INTO edit_sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?)`,
		s.ID, s.WorkbookID, s.UserID, toNano(s.StartTime), toNullNano(s.EndTime))
	return mapErr(err, "edit session")
}

// EndSession stamps the end time of an active session.
func (r *EditSessions) EndSession(ctx context.Context, id string, at time.Time) error {
	res, err := r.q.ExecContext(ctx, `UPDATE edit_sessions SET end_time = ? WHERE id = ? AND end_time IS NULL`, toNano(at), id)
	if err != nil {
		return mapErr(err, "edit session")
	}
	return expectAffected(res, "active edit session")
}

// GetActiveSessionsForWorkbook returns sessions on a workbook that have not ended.
func (r *EditSessions) GetActiveSessionsForWorkbook(ctx context.Context, workbookID string) ([]model.EditSession, error) {
	return r.list(ctx, `SELECT `+sessionColumns+` FROM edit_sessions WHERE workbook_id = ? AND end_time IS NULL ORDER BY start_time`, workbookID)
}

// ActiveForUser returns the user's open session on a workbook.
func (r *EditSessions) ActiveForUser(ctx context.Context, workbookID, userID string) (*model.EditSession, error) {
	s, err := scanSession(r.q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM edit_sessions
		WHERE workbook_id = ? AND user_id = ? AND end_time IS NULL ORDER BY start_time DESC LIMIT 1`, workbookID, userID))
	return s, mapErr(err, "edit session")
}

func (r *EditSessions) list(ctx context.Context, query string, args ...any) ([]model.EditSession, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err, "edit sessions")
	}
	defer rows.Close()

	var out []model.EditSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, mapErr(err, "edit sessions")
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// Edits persists the edit history of sessions.
type Edits struct{ q querier }

const editColumns = `id, edit_session_id, worksheet_id, cell_reference, old_value, new_value, timestamp, type, undone`

func scanEdit(row interface{ Scan(...any) error }) (*model.Edit, error) {
	var (
		e      model.Edit
		ts     int64
		typ    string
		undone int
	)
	if err := row.Scan(&e.ID, &e.EditSessionID, &e.WorksheetID, &e.CellReference, &e.OldValue, &e.NewValue, &ts, &typ, &undone); err != nil {
		return nil, err
	}
	e.Timestamp = fromNano(ts)
	e.Type = model.EditType(typ)
	e.Undone = undone == 1
	return &e, nil
}

// Get returns edit id.
func (r *Edits) Get(ctx context.Context, id string) (*model.Edit, error) {
	e, err := scanEdit(r.q.QueryRowContext(ctx, `SELECT `+editColumns+` FROM edits WHERE id = ?`, id))
	return e, mapErr(err, "edit")
}

// Add appends e to its session's history.
func (r *Edits) Add(ctx context.Context, e *model.Edit) error {
	_, err := r.q.ExecContext(ctx, `INSERT INTO edits (`+editColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.EditSessionID, e.WorksheetID, e.CellReference, e.OldValue, e.NewValue, toNano(e.Timestamp), string(e.Type), boolInt(e.Undone))
	return mapErr(err, "edit")
}

// SetUndone flips the undone flag of edit id.
func (r *Edits) SetUndone(ctx context.Context, id string, undone bool) error {
	res, err := r.q.ExecContext(ctx, `UPDATE edits SET undone = ? WHERE id = ?`, boolInt(undone), id)
	if err != nil {
		return mapErr(err, "edit")
	}
	return expectAffected(res, "edit")
}

// ListBySession returns a session's edits in the order they were made.
func (r *Edits) ListBySession(ctx context.Context, sessionID string) ([]model.Edit, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+editColumns+` FROM edits WHERE edit_session_id = ? ORDER BY rowid`, sessionID)
	if err != nil {
		return nil, mapErr(err, "edits")
	}
	defer rows.Close()

	var out []model.Edit
	for rows.Next() {
		e, err := scanEdit(rows)
		if err != nil {
			return nil, mapErr(err, "edits")
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// LastApplied returns the newest edit of a session that has not been undone.
func (r *Edits) LastApplied(ctx context.Context, sessionID string) (*model.Edit, error) {
	e, err := scanEdit(r.q.QueryRowContext(ctx, `SELECT `+editColumns+` FROM edits
		WHERE edit_session_id = ? AND undone = 0 ORDER BY rowid DESC LIMIT 1`, sessionID))
	return e, mapErr(err, "edit")
}

// LastUndone returns the edit a redo should re-apply: undone edits always
// form the tail of the history, so this is the oldest of them.
func (r *Edits) LastUndone(ctx context.Context, sessionID string) (*model.Edit, error) {
	e, err := scanEdit(r.q.QueryRowContext(ctx, `SELECT `+editColumns+` FROM edits
		WHERE edit_session_id = ? AND undone = 1 ORDER BY rowid ASC LIMIT 1`, sessionID))
	return e, mapErr(err, "edit")
}

// DiscardUndone drops the redo tail of a session.
func (r *Edits) DiscardUndone(ctx context.Context, sessionID string) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM edits WHERE edit_session_id = ? AND undone = 1`, sessionID)
	return mapErr(err, "edits")
}
