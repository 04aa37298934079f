package store

import (
	"context"
	"time"

	"github.com/klytics/sheetkit/internal/model"
)

// Features persists the tracked feature catalog.
type Features struct{ q querier }

const featureColumns = `id, name, description, category, is_enabled, created_at, last_updated_at`

func scanFeature(row interface{ Scan(...any) error }) (*model.Feature, error) {
	var (
		f                model.Feature
		enabled          int
		created, updated int64
	)
	if err := row.Scan(&f.ID, &f.Name, &f.Description, &f.Category, &enabled, &created, &updated); err != nil {
		return nil, err
	}
	f.IsEnabled = enabled == 1
	f.CreatedAt = fromNano(created)
	f.LastUpdatedAt = fromNano(updated)
	return &f, nil
}

// Get returns feature id.
func (r *Features) Get(ctx context.Context, id string) (*model.Feature, error) {
	f, err := scanFeature(r.q.QueryRowContext(ctx, `SELECT `+featureColumns+` FROM features WHERE id = ?`, id))
	return f, mapErr(err, "feature")
}

// GetByName returns the feature called name.
func (r *Features) GetByName(ctx context.Context, name string) (*model.Feature, error) {
	f, err := scanFeature(r.q.QueryRowContext(ctx, `SELECT `+featureColumns+` FROM features WHERE name = ?`, name))
	return f, mapErr(err, "feature")
}

// Add inserts f.
func (r *Features) Add(ctx context.Context, f *model.Feature) error {
	_, err := r.q.ExecContext(ctx, `INSERT INTO features (`+featureColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.Name, f.Description, f.Category, boolInt(f.IsEnabled), toNano(f.CreatedAt), toNano(f.LastUpdatedAt))
	return mapErr(err, "feature")
}

// Update overwrites the mutable columns of f.
func (r *Features) Update(ctx context.Context, f *model.Feature) error {
	res, err := r.q.ExecContext(ctx, `UPDATE features SET description = ?, category = ?, is_enabled = ?, last_updated_at = ? WHERE id = ?`,
		f.Description, f.Category, boolInt(f.IsEnabled), toNano(f.LastUpdatedAt), f.ID)
	if err != nil {
		return mapErr(err, "feature")
	}
	return expectAffected(res, "feature")
}

// List returns all features ordered by category and name.
func (r *Features) List(ctx context.Context) ([]model.Feature, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+featureColumns+` FROM features ORDER BY category, name`)
	if err != nil {
		return nil, mapErr(err, "features")
	}
	defer rows.Close()

	var out []model.Feature
	for rows.Next() {
		f, err := scanFeature(rows)
		if err != nil {
			return nil, mapErr(err, "features")
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

// UsageMetrics persists feature usage events.
type UsageMetrics struct{ q querier }

// Add inserts m.
func (r *UsageMetrics) Add(ctx context.Context, m *model.UsageMetric) error {
	_, err := r.q.ExecContext(ctx, `INSERT INTO usage_metrics (id, user_id, feature_id, timestamp, duration, context) VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.FeatureID, toNano(m.Timestamp), int64(m.Duration), m.Context)
	return mapErr(err, "usage metric")
}

// ListBetween returns usage in [since, until). Zero bounds are open.
func (r *UsageMetrics) ListBetween(ctx context.Context, since, until time.Time) ([]model.UsageMetric, error) {
	query := `SELECT id, user_id, feature_id, timestamp, duration, context FROM usage_metrics WHERE 1=1`
	var args []any
	if !since.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, toNano(since))
	}
	if !until.IsZero() {
		query += ` AND timestamp < ?`
		args = append(args, toNano(until))
	}
	query += ` ORDER BY timestamp`

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err, "usage metrics")
	}
	defer rows.Close()

	var out []model.UsageMetric
	for rows.Next() {
		var (
			m   model.UsageMetric
			ts  int64
			dur int64
		)
		if err := rows.Scan(&m.ID, &m.UserID, &m.FeatureID, &ts, &dur, &m.Context); err != nil {
			return nil, mapErr(err, "usage metrics")
		}
		m.Timestamp = fromNano(ts)
		m.Duration = time.Duration(dur)
		out = append(out, m)
	}
	return out, rows.Err()
}
