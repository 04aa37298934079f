package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/klytics/sheetkit/internal/model"
)

// Users persists accounts.
type Users struct{ q querier }

const userColumns = `id, username, email, password_hash, role, created_at, last_login_at, is_active`

func scanUser(row interface{ Scan(...any) error }) (*model.User, error) {
	var (
		u         model.User
		role      string
		created   int64
		lastLogin sql.NullInt64
		active    int
	)
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &role, &created, &lastLogin, &active); err != nil {
		return nil, err
	}
	u.Role = model.Role(role)
	u.CreatedAt = fromNano(created)
	u.LastLoginAt = fromNullNano(lastLogin)
	u.IsActive = active == 1
	return &u, nil
}

// Get returns the user with id.
func (r *Users) Get(ctx context.Context, id string) (*model.User, error) {
	u, err := scanUser(r.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	return u, mapErr(err, "user")
}

// GetByUsername looks a user up by username, case-insensitively.
func (r *Users) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	u, err := scanUser(r.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE username = ?`, username))
	return u, mapErr(err, "user")
}

// GetByEmail looks a user up by email, case-insensitively.
func (r *Users) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	u, err := scanUser(r.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = ?`, email))
	return u, mapErr(err, "user")
}

// Add inserts u.
func (r *Users) Add(ctx context.Context, u *model.User) error {
	_, err := r.q.ExecContext(ctx, `INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.Email, u.PasswordHash, string(u.Role), toNano(u.CreatedAt), toNullNano(u.LastLoginAt), boolInt(u.IsActive))
	return mapErr(err, "user")
}

// Update overwrites every mutable column of u.
func (r *Users) Update(ctx context.Context, u *model.User) error {
	res, err := r.q.ExecContext(ctx, `UPDATE users SET username = ?, email = ?, password_hash = ?, role = ?, last_login_at = ?, is_active = ? WHERE id = ?`,
		u.Username, u.Email, u.PasswordHash, string(u.Role), toNullNano(u.LastLoginAt), boolInt(u.IsActive), u.ID)
	if err != nil {
		return mapErr(err, "user")
	}
	return expectAffected(res, "user")
}

// SetLastLogin records a successful sign-in.
func (r *Users) SetLastLogin(ctx context.Context, id string, at time.Time) error {
	res, err := r.q.ExecContext(ctx, `UPDATE users SET last_login_at = ? WHERE id = ?`, toNano(at), id)
	if err != nil {
		return mapErr(err, "user")
	}
	return expectAffected(res, "user")
}

// Delete removes the user and everything they own.
func (r *Users) Delete(ctx context.Context, id string) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return mapErr(err, "user")
	}
	return expectAffected(res, "user")
}

// List returns all users ordered by username.
func (r *Users) List(ctx context.Context) ([]model.User, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY username`)
	if err != nil {
		return nil, mapErr(err, "users")
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, mapErr(err, "users")
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}
