package store

import (
	"context"
	"time"

	"github.com/klytics/sheetkit/internal/model"
)

// Workbooks persists workbooks.
type Workbooks struct{ q querier }

const workbookColumns = `id, name, owner_id, created_at, last_modified_at, is_shared, classification`

func scanWorkbook(row interface{ Scan(...any) error }) (*model.Workbook, error) {
	var (
		wb               model.Workbook
		created, updated int64
		shared           int
	)
	if err := row.Scan(&wb.ID, &wb.Name, &wb.OwnerID, &created, &updated, &shared, &wb.Classification); err != nil {
		return nil, err
	}
	wb.CreatedAt = fromNano(created)
	wb.LastModifiedAt = fromNano(updated)
	wb.IsShared = shared == 1
	return &wb, nil
}

// Get returns the workbook with id.
func (r *Workbooks) Get(ctx context.Context, id string) (*model.Workbook, error) {
	wb, err := scanWorkbook(r.q.QueryRowContext(ctx, `SELECT `+workbookColumns+` FROM workbooks WHERE id = ?`, id))
	return wb, mapErr(err, "workbook")
}

// Add inserts wb.
func (r *Workbooks) Add(ctx context.Context, wb *model.Workbook) error {
	_, err := r.q.ExecContext(ctx, `INSERT INTO workbooks (`+workbookColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		wb.ID, wb.Name, wb.OwnerID, toNano(wb.CreatedAt), toNano(wb.LastModifiedAt), boolInt(wb.IsShared), wb.Classification)
	return mapErr(err, "workbook")
}

// Update overwrites the mutable columns of wb.
func (r *Workbooks) Update(ctx context.Context, wb *model.Workbook) error {
	res, err := r.q.ExecContext(ctx, `UPDATE workbooks SET name = ?, last_modified_at = ?, is_shared = ?, classification = ? WHERE id = ?`,
		wb.Name, toNano(wb.LastModifiedAt), boolInt(wb.IsShared), wb.Classification, wb.ID)
	if err != nil {
		return mapErr(err, "workbook")
	}
	return expectAffected(res, "workbook")
}

// Touch bumps the last-modified time.
func (r *Workbooks) Touch(ctx context.Context, id string, at time.Time) error {
	_, err := r.q.ExecContext(ctx, `UPDATE workbooks SET last_modified_at = ? WHERE id = ?`, toNano(at), id)
	return mapErr(err, "workbook")
}

// Delete removes the workbook and all of its worksheets, cells and grants.
func (r *Workbooks) Delete(ctx context.Context, id string) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM workbooks WHERE id = ?`, id)
	if err != nil {
		return mapErr(err, "workbook")
	}
	return expectAffected(res, "workbook")
}

// ListForUser returns workbooks the user owns or holds an unexpired grant
// on, most recently modified first, with the total count.
func (r *Workbooks) ListForUser(ctx context.Context, userID string, now time.Time, limit, offset int) ([]model.Workbook, int, error) {
	const visible = `FROM workbooks w WHERE w.owner_id = ? OR EXISTS (
		SELECT 1 FROM sharing s WHERE s.workbook_id = w.id AND s.user_id = ?
		AND (s.expires_at IS NULL OR s.expires_at > ?))`
	args := []any{userID, userID, toNano(now)}

	var total int
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) `+visible, args...).Scan(&total); err != nil {
		return nil, 0, mapErr(err, "workbooks")
	}

	rows, err := r.q.QueryContext(ctx, `SELECT w.id, w.name, w.owner_id, w.created_at, w.last_modified_at, w.is_shared, w.classification `+
		visible+` ORDER BY w.last_modified_at DESC LIMIT ? OFFSET ?`, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, mapErr(err, "workbooks")
	}
	defer rows.Close()

	var out []model.Workbook
	for rows.Next() {
		wb, err := scanWorkbook(rows)
		if err != nil {
			return nil, 0, mapErr(err, "workbooks")
		}
		out = append(out, *wb)
	}
	return out, total, rows.Err()
}

// List returns every workbook, newest first.
func (r *Workbooks) List(ctx context.Context) ([]model.Workbook, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+workbookColumns+` FROM workbooks ORDER BY last_modified_at DESC`)
	if err != nil {
		return nil, mapErr(err, "workbooks")
	}
	defer rows.Close()

	var out []model.Workbook
	for rows.Next() {
		wb, err := scanWorkbook(rows)
		if err != nil {
			return nil, mapErr(err, "workbooks")
		}
		out = append(out, *wb)
	}
	return out, rows.Err()
}

// Worksheets persists worksheets.
type Worksheets struct{ q querier }

const worksheetColumns = `id, workbook_id, name, position, created_at`

func scanWorksheet(row interface{ Scan(...any) error }) (*model.Worksheet, error) {
	var (
		ws      model.Worksheet
		created int64
	)
	if err := row.Scan(&ws.ID, &ws.WorkbookID, &ws.Name, &ws.Position, &created); err != nil {
		return nil, err
	}
	ws.CreatedAt = fromNano(created)
	return &ws, nil
}

// Get returns worksheet id, which must belong to workbookID.
func (r *Worksheets) Get(ctx context.Context, workbookID, id string) (*model.Worksheet, error) {
	ws, err := scanWorksheet(r.q.QueryRowContext(ctx,
		`SELECT `+worksheetColumns+` FROM worksheets WHERE id = ? AND workbook_id = ?`, id, workbookID))
	return ws, mapErr(err, "worksheet")
}

// GetByID returns a worksheet without scoping it to a workbook.
func (r *Worksheets) GetByID(ctx context.Context, id string) (*model.Worksheet, error) {
	ws, err := scanWorksheet(r.q.QueryRowContext(ctx, `SELECT `+worksheetColumns+` FROM worksheets WHERE id = ?`, id))
	return ws, mapErr(err, "worksheet")
}

// Add inserts ws. Names are unique within a workbook, ignoring case.
func (r *Worksheets) Add(ctx context.Context, ws *model.Worksheet) error {
	_, err := r.q.ExecContext(ctx, `INSERT INTO worksheets (`+worksheetColumns+`) VALUES (?, ?, ?, ?, ?)`,
		ws.ID, ws.WorkbookID, ws.Name, ws.Position, toNano(ws.CreatedAt))
	return mapErr(err, "worksheet")
}

// Update renames or repositions ws.
func (r *Worksheets) Update(ctx context.Context, ws *model.Worksheet) error {
	res, err := r.q.ExecContext(ctx, `UPDATE worksheets SET name = ?, position = ? WHERE id = ? AND workbook_id = ?`,
		ws.Name, ws.Position, ws.ID, ws.WorkbookID)
	if err != nil {
		return mapErr(err, "worksheet")
	}
	return expectAffected(res, "worksheet")
}

// Delete removes the worksheet and its cells, charts and rules.
func (r *Worksheets) Delete(ctx context.Context, workbookID, id string) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM worksheets WHERE id = ? AND workbook_id = ?`, id, workbookID)
	if err != nil {
		return mapErr(err, "worksheet")
	}
	return expectAffected(res, "worksheet")
}

// ListByWorkbook returns the worksheets of a workbook in tab order.
func (r *Worksheets) ListByWorkbook(ctx context.Context, workbookID string) ([]model.Worksheet, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+worksheetColumns+` FROM worksheets WHERE workbook_id = ? ORDER BY position, created_at`, workbookID)
	if err != nil {
		return nil, mapErr(err, "worksheets")
	}
	defer rows.Close()

	var out []model.Worksheet
	for rows.Next() {
		ws, err := scanWorksheet(rows)
		if err != nil {
			return nil, mapErr(err, "worksheets")
		}
		out = append(out, *ws)
	}
	return out, rows.Err()
}

// Count returns how many worksheets a workbook has.
func (r *Worksheets) Count(ctx context.Context, workbookID string) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM worksheets WHERE workbook_id = ?`, workbookID).Scan(&n)
	return n, mapErr(err, "worksheets")
}

// NextPosition returns the position after the last worksheet.
func (r *Worksheets) NextPosition(ctx context.Context, workbookID string) (int, error) {
	var n int
	err := r.q.QueryRowContext(ctx, `SELECT COALESCE(MAX(position) + 1, 0) FROM worksheets WHERE workbook_id = ?`, workbookID).Scan(&n)
	return n, mapErr(err, "worksheets")
}
