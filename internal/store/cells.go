package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klytics/sheetkit/internal/cellref"
	"github.com/klytics/sheetkit/internal/model"
)

// Cells persists cell contents. Unset cells have no row.
type Cells struct{ q querier }

const cellColumns = `worksheet_id, reference, value, formula, version, updated_at, updated_by`

func scanCell(row interface{ Scan(...any) error }) (*model.Cell, error) {
	var (
		c       model.Cell
		updated int64
	)
	if err := row.Scan(&c.WorksheetID, &c.Reference, &c.Value, &c.Formula, &c.Version, &updated, &c.UpdatedBy); err != nil {
		return nil, err
	}
	c.UpdatedAt = fromNano(updated)
	return &c, nil
}

// Get returns the cell at ref.
func (r *Cells) Get(ctx context.Context, worksheetID, ref string) (*model.Cell, error) {
	c, err := scanCell(r.q.QueryRowContext(ctx,
		`SELECT `+cellColumns+` FROM cells WHERE worksheet_id = ? AND reference = ?`, worksheetID, ref))
	return c, mapErr(err, "cell")
}

// Put writes c and bumps its version. When expectedVersion is non-negative
// the write only succeeds if the stored version (0 for an unset cell)
// still equals it; otherwise ErrConflict is returned. On success c.Version
// holds the new version.
func (r *Cells) Put(ctx context.Context, c *model.Cell, expectedVersion int64) error {
	col, row, err := cellref.Parse(c.Reference)
	if err != nil {
		return err
	}

	var current int64
	err = r.q.QueryRowContext(ctx, `SELECT version FROM cells WHERE worksheet_id = ? AND reference = ?`,
		c.WorksheetID, c.Reference).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		current = 0
	case err != nil:
		return mapErr(err, "cell")
	}

	if expectedVersion >= 0 && expectedVersion != current {
		return fmt.Errorf("cell %s is at version %d, not %d: %w", c.Reference, current, expectedVersion, ErrConflict)
	}

	if current == 0 {
		c.Version = 1
		_, err := r.q.ExecContext(ctx, `INSERT INTO cells (worksheet_id, reference, col_num, row_num, value, formula, version, updated_at, updated_by)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.WorksheetID, c.Reference, col, row, c.Value, c.Formula, c.Version, toNano(c.UpdatedAt), c.UpdatedBy)
		return mapErr(err, "cell")
	}

	res, err := r.q.ExecContext(ctx, `UPDATE cells SET value = ?, formula = ?, version = version + 1, updated_at = ?, updated_by = ?
		WHERE worksheet_id = ? AND reference = ? AND version = ?`,
		c.Value, c.Formula, toNano(c.UpdatedAt), c.UpdatedBy, c.WorksheetID, c.Reference, current)
	if err != nil {
		return mapErr(err, "cell")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("cell %s changed concurrently: %w", c.Reference, ErrConflict)
	}
	c.Version = current + 1
	return nil
}

// SetComputed stores a recalculated formula result without bumping the version.
func (r *Cells) SetComputed(ctx context.Context, worksheetID, ref, value string) error {
	_, err := r.q.ExecContext(ctx, `UPDATE cells SET value = ? WHERE worksheet_id = ? AND reference = ? AND formula != ''`,
		value, worksheetID, ref)
	return mapErr(err, "cell")
}

// Delete removes the cell at ref. Deleting an unset cell is not an error.
func (r *Cells) Delete(ctx context.Context, worksheetID, ref string) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM cells WHERE worksheet_id = ? AND reference = ?`, worksheetID, ref)
	return mapErr(err, "cell")
}

// ListRange returns the set cells inside rng in row-major order.
func (r *Cells) ListRange(ctx context.Context, worksheetID string, rng cellref.Range) ([]model.Cell, error) {
	return r.list(ctx, `SELECT `+cellColumns+` FROM cells WHERE worksheet_id = ?
		AND row_num BETWEEN ? AND ? AND col_num BETWEEN ? AND ? ORDER BY row_num, col_num`,
		worksheetID, rng.StartRow, rng.EndRow, rng.StartCol, rng.EndCol)
}

// ListByWorksheet returns every set cell of a worksheet in row-major order.
func (r *Cells) ListByWorksheet(ctx context.Context, worksheetID string) ([]model.Cell, error) {
	return r.list(ctx, `SELECT `+cellColumns+` FROM cells WHERE worksheet_id = ? ORDER BY row_num, col_num`, worksheetID)
}

func (r *Cells) list(ctx context.Context, query string, args ...any) ([]model.Cell, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err, "cells")
	}
	defer rows.Close()

	var out []model.Cell
	for rows.Next() {
		c, err := scanCell(rows)
		if err != nil {
			return nil, mapErr(err, "cells")
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// Formats persists cell formats. Cells in the default format have no row.
type Formats struct{ q querier }

// Get returns the format at ref.
func (r *Formats) Get(ctx context.Context, worksheetID, ref string) (*model.CellFormat, error) {
	var raw string
	err := r.q.QueryRowContext(ctx, `SELECT format FROM cell_formats WHERE worksheet_id = ? AND reference = ?`,
		worksheetID, ref).Scan(&raw)
	if err != nil {
		return nil, mapErr(err, "cell format")
	}
	var f model.CellFormat
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		return nil, fmt.Errorf("decode cell format: %w", err)
	}
	return &f, nil
}

// Put sets the format at ref. A zero format removes it.
func (r *Formats) Put(ctx context.Context, worksheetID, ref string, f model.CellFormat) error {
	if f.IsZero() {
		return r.Delete(ctx, worksheetID, ref)
	}
	col, row, err := cellref.Parse(ref)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, `INSERT INTO cell_formats (worksheet_id, reference, col_num, row_num, format)
		VALUES (?, ?, ?, ?, ?) ON CONFLICT(worksheet_id, reference) DO UPDATE SET format = excluded.format`,
		worksheetID, ref, col, row, string(raw))
	return mapErr(err, "cell format")
}

// Delete resets ref to the default format.
func (r *Formats) Delete(ctx context.Context, worksheetID, ref string) error {
	_, err := r.q.ExecContext(ctx, `DELETE FROM cell_formats WHERE worksheet_id = ? AND reference = ?`, worksheetID, ref)
	return mapErr(err, "cell format")
}

// ListRange returns the formats set inside rng keyed by reference.
func (r *Formats) ListRange(ctx context.Context, worksheetID string, rng cellref.Range) (map[string]model.CellFormat, error) {
	return r.list(ctx, `SELECT reference, format FROM cell_formats WHERE worksheet_id = ?
		AND row_num BETWEEN ? AND ? AND col_num BETWEEN ? AND ?`,
		worksheetID, rng.StartRow, rng.EndRow, rng.StartCol, rng.EndCol)
}

// ListByWorksheet returns every format set on a worksheet keyed by reference.
func (r *Formats) ListByWorksheet(ctx context.Context, worksheetID string) (map[string]model.CellFormat, error) {
	return r.list(ctx, `SELECT reference, format FROM cell_formats WHERE worksheet_id = ?`, worksheetID)
}

func (r *Formats) list(ctx context.Context, query string, args ...any) (map[string]model.CellFormat, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err, "cell formats")
	}
	defer rows.Close()

	out := map[string]model.CellFormat{}
	for rows.Next() {
		var ref, raw string
		if err := rows.Scan(&ref, &raw); err != nil {
			return nil, mapErr(err, "cell formats")
		}
		var f model.CellFormat
		if err := json.Unmarshal([]byte(raw), &f); err != nil {
			return nil, fmt.Errorf("decode cell format %s: %w", ref, err)
		}
		out[ref] = f
	}
	return out, rows.Err()
}

// Charts persists chart definitions.
type Charts struct{ q querier }

const chartColumns = `id, worksheet_id, title, type, data_range, anchor, created_at, updated_at`

func scanChart(row interface{ Scan(...any) error }) (*model.Chart, error) {
	var (
		ch               model.Chart
		typ              string
		created, updated int64
	)
	if err := row.Scan(&ch.ID, &ch.WorksheetID, &ch.Title, &typ, &ch.DataRange, &ch.Anchor, &created, &updated); err != nil {
		return nil, err
	}
	ch.Type = model.ChartType(typ)
	ch.CreatedAt = fromNano(created)
	ch.UpdatedAt = fromNano(updated)
	return &ch, nil
}

// Get returns chart id on worksheetID.
func (r *Charts) Get(ctx context.Context, worksheetID, id string) (*model.Chart, error) {
	ch, err := scanChart(r.q.QueryRowContext(ctx,
		`SELECT `+chartColumns+` FROM charts WHERE id = ? AND worksheet_id = ?`, id, worksheetID))
	return ch, mapErr(err, "chart")
}

// Add inserts ch.
func (r *Charts) Add(ctx context.Context, ch *model.Chart) error {
	_, err := r.q.ExecContext(ctx, `INSERT INTO charts (`+chartColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ch.ID, ch.WorksheetID, ch.Title, string(ch.Type), ch.DataRange, ch.Anchor, toNano(ch.CreatedAt), toNano(ch.UpdatedAt))
	return mapErr(err, "chart")
}

// Update overwrites the chart definition.
func (r *Charts) Update(ctx context.Context, ch *model.Chart) error {
	res, err := r.q.ExecContext(ctx, `UPDATE charts SET title = ?, type = ?, data_range = ?, anchor = ?, updated_at = ?
		WHERE id = ? AND worksheet_id = ?`,
		ch.Title, string(ch.Type), ch.DataRange, ch.Anchor, toNano(ch.UpdatedAt), ch.ID, ch.WorksheetID)
	if err != nil {
		return mapErr(err, "chart")
	}
	return expectAffected(res, "chart")
}

// Delete removes chart id.
func (r *Charts) Delete(ctx context.Context, worksheetID, id string) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM charts WHERE id = ? AND worksheet_id = ?`, id, worksheetID)
	if err != nil {
		return mapErr(err, "chart")
	}
	return expectAffected(res, "chart")
}

// ListByWorksheet returns the charts on a worksheet, oldest first.
func (r *Charts) ListByWorksheet(ctx context.Context, worksheetID string) ([]model.Chart, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+chartColumns+` FROM charts WHERE worksheet_id = ? ORDER BY created_at`, worksheetID)
	if err != nil {
		return nil, mapErr(err, "charts")
	}
	defer rows.Close()

	var out []model.Chart
	for rows.Next() {
		ch, err := scanChart(rows)
		if err != nil {
			return nil, mapErr(err, "charts")
		}
		out = append(out, *ch)
	}
	return out, rows.Err()
}

// Rules persists data validation rules.
type Rules struct{ q querier }

const ruleColumns = `id, worksheet_id, cell_range, type, parameters, error_message`

func scanRule(row interface{ Scan(...any) error }) (*model.ValidationRule, error) {
	var (
		rule   model.ValidationRule
		typ    string
		params string
	)
	if err := row.Scan(&rule.ID, &rule.WorksheetID, &rule.Range, &typ, &params, &rule.ErrorMessage); err != nil {
		return nil, err
	}
	rule.Type = model.RuleType(typ)
	if err := json.Unmarshal([]byte(params), &rule.Parameters); err != nil {
		return nil, fmt.Errorf("decode rule parameters: %w", err)
	}
	return &rule, nil
}

// Get returns rule id on worksheetID.
func (r *Rules) Get(ctx context.Context, worksheetID, id string) (*model.ValidationRule, error) {
	rule, err := scanRule(r.q.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM validation_rules WHERE id = ? AND worksheet_id = ?`, id, worksheetID))
	return rule, mapErr(err, "validation rule")
}

// Add inserts rule.
func (r *Rules) Add(ctx context.Context, rule *model.ValidationRule) error {
	params, err := json.Marshal(rule.Parameters)
	if err != nil {
		return err
	}
	if rule.Parameters == nil {
		params = []byte("[]")
	}
	_, err = r.q.ExecContext(ctx, `INSERT INTO validation_rules (`+ruleColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		rule.ID, rule.WorksheetID, rule.Range, string(rule.Type), string(params), rule.ErrorMessage)
	return mapErr(err, "validation rule")
}

// Delete removes rule id.
func (r *Rules) Delete(ctx context.Context, worksheetID, id string) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM validation_rules WHERE id = ? AND worksheet_id = ?`, id, worksheetID)
	if err != nil {
		return mapErr(err, "validation rule")
	}
	return expectAffected(res, "validation rule")
}

// ListByWorksheet returns the rules of a worksheet in creation order.
func (r *Rules) ListByWorksheet(ctx context.Context, worksheetID string) ([]model.ValidationRule, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+ruleColumns+` FROM validation_rules WHERE worksheet_id = ? ORDER BY rowid`, worksheetID)
	if err != nil {
		return nil, mapErr(err, "validation rules")
	}
	defer rows.Close()

	var out []model.ValidationRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, mapErr(err, "validation rules")
		}
		out = append(out, *rule)
	}
	return out, rows.Err()
}
