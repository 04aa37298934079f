// Package store persists sheetkit entities in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned on unique-key clashes and stale versions.
	ErrConflict = errors.New("conflict")
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store bundles the repositories over one database handle or transaction.
type Store struct {
	db *sql.DB
	tx *sql.Tx

	Users      *Users
	Workbooks  *Workbooks
	Worksheets *Worksheets
	Cells      *Cells
	Formats    *Formats
	Charts     *Charts
	Rules      *Rules
	Sharing    *Sharing
	Sessions   *EditSessions
	Edits      *Edits
	Features   *Features
	Usage      *UsageMetrics
	Audit      *AuditLogs
	Incidents  *Incidents
	Patches    *Patches
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("could not create database directory: %w", err)
		}
	}

	dsn := "file:" + path +
		"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not open database %s: %w", path, err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return newStore(db, nil, db), nil
}

func newStore(db *sql.DB, tx *sql.Tx, q querier) *Store {
	return &Store{
		db:         db,
		tx:         tx,
		Users:      &Users{q: q},
		Workbooks:  &Workbooks{q: q},
		Worksheets: &Worksheets{q: q},
		Cells:      &Cells{q: q},
		Formats:    &Formats{q: q},
		Charts:     &Charts{q: q},
		Rules:      &Rules{q: q},
		Sharing:    &Sharing{q: q},
		Sessions:   &EditSessions{q: q},
		Edits:      &Edits{q: q},
		Features:   &Features{q: q},
		Usage:      &UsageMetrics{q: q},
		Audit:      &AuditLogs{q: q},
		Incidents:  &Incidents{q: q},
		Patches:    &Patches{q: q},
	}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.tx != nil {
		return errors.New("cannot close a transaction-scoped store")
	}
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// WithTx runs fn against repositories bound to a single transaction. The
// transaction commits when fn returns nil. Nested calls reuse the outer
// transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	if s.tx != nil {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(newStore(s.db, tx, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT NOT NULL UNIQUE COLLATE NOCASE,
		email TEXT NOT NULL UNIQUE COLLATE NOCASE,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'user',
		created_at INTEGER NOT NULL,
		last_login_at INTEGER,
		is_active INTEGER NOT NULL DEFAULT 1
	)`,
	`CREATE TABLE IF NOT EXISTS workbooks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		owner_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		created_at INTEGER NOT NULL,
		last_modified_at INTEGER NOT NULL,
		is_shared INTEGER NOT NULL DEFAULT 0,
		classification TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workbooks_owner ON workbooks(owner_id)`,
	`CREATE TABLE IF NOT EXISTS worksheets (
		id TEXT PRIMARY KEY,
		workbook_id TEXT NOT NULL REFERENCES workbooks(id) ON DELETE CASCADE,
		name TEXT NOT NULL COLLATE NOCASE,
		position INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		UNIQUE(workbook_id, name)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_worksheets_name ON worksheets(workbook_id, name COLLATE NOCASE)`,
	`CREATE TABLE IF NOT EXISTS cells (
		worksheet_id TEXT NOT NULL REFERENCES worksheets(id) ON DELETE CASCADE,
		reference TEXT NOT NULL,
		col_num INTEGER NOT NULL,
		row_num INTEGER NOT NULL,
		value TEXT NOT NULL DEFAULT '',
		formula TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		updated_by TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (worksheet_id, reference)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_cells_pos ON cells(worksheet_id, row_num, col_num)`,
	`CREATE TABLE IF NOT EXISTS cell_formats (
		worksheet_id TEXT NOT NULL REFERENCES worksheets(id) ON DELETE CASCADE,
		reference TEXT NOT NULL,
		col_num INTEGER NOT NULL,
		row_num INTEGER NOT NULL,
		format TEXT NOT NULL,
		PRIMARY KEY (worksheet_id, reference)
	)`,
	`CREATE TABLE IF NOT EXISTS charts (
		id TEXT PRIMARY KEY,
		worksheet_id TEXT NOT NULL REFERENCES worksheets(id) ON DELETE CASCADE,
		title TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		data_range TEXT NOT NULL,
		anchor TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS validation_rules (
		id TEXT PRIMARY KEY,
		worksheet_id TEXT NOT NULL REFERENCES worksheets(id) ON DELETE CASCADE,
		cell_range TEXT NOT NULL,
		type TEXT NOT NULL,
		parameters TEXT NOT NULL DEFAULT '[]',
		error_message TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS sharing (
		id TEXT PRIMARY KEY,
		workbook_id TEXT NOT NULL REFERENCES workbooks(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		permission TEXT NOT NULL,
		shared_at INTEGER NOT NULL,
		expires_at INTEGER,
		UNIQUE(workbook_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS edit_sessions (
		id TEXT PRIMARY KEY,
		workbook_id TEXT NOT NULL REFERENCES workbooks(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		start_time INTEGER NOT NULL,
		end_time INTEGER
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_active ON edit_sessions(workbook_id, user_id) WHERE end_time IS NULL`,
	`CREATE TABLE IF NOT EXISTS edits (
		id TEXT PRIMARY KEY,
		edit_session_id TEXT NOT NULL REFERENCES edit_sessions(id) ON DELETE CASCADE,
		worksheet_id TEXT NOT NULL,
		cell_reference TEXT NOT NULL,
		old_value TEXT NOT NULL DEFAULT '',
		new_value TEXT NOT NULL DEFAULT '',
		timestamp INTEGER NOT NULL,
		type TEXT NOT NULL,
		undone INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_edits_session ON edits(edit_session_id)`,
	`CREATE TABLE IF NOT EXISTS features (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		description TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		is_enabled INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		last_updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS usage_metrics (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		feature_id TEXT NOT NULL REFERENCES features(id) ON DELETE CASCADE,
		timestamp INTEGER NOT NULL,
		duration INTEGER NOT NULL,
		context TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_usage_ts ON usage_metrics(timestamp)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id TEXT PRIMARY KEY,
		timestamp INTEGER NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		resource_id TEXT NOT NULL DEFAULT '',
		details TEXT NOT NULL DEFAULT '',
		ip_address TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_logs(timestamp)`,
	`CREATE TABLE IF NOT EXISTS incidents (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		severity INTEGER NOT NULL,
		status TEXT NOT NULL,
		reported_by TEXT NOT NULL DEFAULT '',
		reported_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		escalations TEXT NOT NULL DEFAULT '[]'
	)`,
	`CREATE TABLE IF NOT EXISTS patches (
		id TEXT PRIMARY KEY,
		version TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		url TEXT NOT NULL DEFAULT '',
		sha256 TEXT NOT NULL DEFAULT '',
		released_at INTEGER NOT NULL,
		downloaded_at INTEGER,
		installed_at INTEGER,
		local_path TEXT NOT NULL DEFAULT ''
	)`,
}

func migrate(db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("could not apply schema: %w", err)
		}
	}
	return nil
}

func toNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func toNullNano(t *time.Time) sql.NullInt64 {
	if t == nil || t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixNano(), Valid: true}
}

func fromNullNano(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// mapErr translates driver errors into the package sentinels.
func mapErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return fmt.Errorf("%s already exists: %w", what, ErrConflict)
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return fmt.Errorf("%s references a missing row: %w", what, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func expectAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

// Page converts 1-based page numbers to a LIMIT/OFFSET pair.
func Page(page, size int) (limit, offset int) {
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 50
	}
	return size, (page - 1) * size
}
