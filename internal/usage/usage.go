// Package usage records feature usage and aggregates it into
// organization-wide statistics.
package usage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/klytics/sheetkit/internal/model"
	"github.com/klytics/sheetkit/internal/store"
)

// Stats holds aggregated usage across users and features.
type Stats struct {
	Since           time.Time     `json:"since,omitempty"`
	Until           time.Time     `json:"until,omitempty"`
	TotalEvents     int           `json:"total_events"`
	ActiveUsers     int           `json:"active_users"`
	TopFeatures     []FeatureStat `json:"top_features"`
	TopUsers        []UserStat    `json:"top_users"`
	AverageDuration time.Duration `json:"average_duration"`
}

// FeatureStat is a feature's share of usage.
type FeatureStat struct {
	Feature string  `json:"feature"`
	Count   int     `json:"count"`
	Pct     float64 `json:"pct"`
}

// UserStat is one user's activity count.
type UserStat struct {
	UserID string `json:"user_id"`
	Count  int    `json:"count"`
}

// Service tracks and reports usage.
type Service struct {
	store *store.Store
	log   *zap.Logger
	now   func() time.Time
}

// New builds the service.
func New(st *store.Store, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: st, log: log, now: time.Now}
}

// category is the prefix of a dotted feature name ("cell.update" -> "cell").
func category(name string) string {
	if i := strings.IndexByte(name, '.'); i > 0 {
		return name[:i]
	}
	return "general"
}

// Register returns the named feature, creating it enabled if unknown.
func (s *Service) Register(ctx context.Context, name, description string) (*model.Feature, error) {
	f, err := s.store.Features.GetByName(ctx, name)
	if err == nil || !errors.Is(err, store.ErrNotFound) {
		return f, err
	}
	now := s.now().UTC()
	f = &model.Feature{ID: uuid.NewString(), Name: name, Description: description, Category: category(name),
		IsEnabled: true, CreatedAt: now, LastUpdatedAt: now}
	if err := model.Validate(f); err != nil {
		return nil, err
	}
	if err := s.store.Features.Add(ctx, f); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return s.store.Features.GetByName(ctx, name)
		}
		return nil, err
	}
	return f, nil
}

// Track records one use of a feature. Disabled features are ignored.
func (s *Service) Track(ctx context.Context, userID, feature string, d time.Duration, detail string) error {
	f, err := s.Register(ctx, feature, "")
	if err != nil {
		return fmt.Errorf("track %s: %w", feature, err)
	}
	if !f.IsEnabled {
		return nil
	}
	m := &model.UsageMetric{ID: uuid.NewString(), UserID: userID, FeatureID: f.ID, Timestamp: s.now().UTC(), Duration: d, Context: detail}
	return s.store.Usage.Add(ctx, m)
}

// Features lists the feature catalog.
func (s *Service) Features(ctx context.Context) ([]model.Feature, error) {
	return s.store.Features.List(ctx)
}

// SetEnabled turns tracking of a feature on or off.
func (s *Service) SetEnabled(ctx context.Context, name string, enabled bool) (*model.Feature, error) {
	f, err := s.store.Features.GetByName(ctx, name)
	if err != nil {
		return nil, err
	}
	f.IsEnabled = enabled
	f.LastUpdatedAt = s.now().UTC()
	if err := s.store.Features.Update(ctx, f); err != nil {
		return nil, err
	}
	s.log.Info("feature tracking changed", zap.String("feature", name), zap.Bool("enabled", enabled))
	return f, nil
}

// Aggregate computes statistics for usage in [since, until). Zero bounds are open.
func (s *Service) Aggregate(ctx context.Context, since, until time.Time) (*Stats, error) {
	metrics, err := s.store.Usage.ListBetween(ctx, since, until)
	if err != nil {
		return nil, err
	}
	features, err := s.store.Features.List(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(features))
	for _, f := range features {
		names[f.ID] = f.Name
	}
	stats := AggregateStats(metrics, names)
	stats.Since, stats.Until = since, until
	return stats, nil
}

// AggregateStats summarizes metrics, naming features through names.
func AggregateStats(metrics []model.UsageMetric, names map[string]string) *Stats {
	stats := &Stats{TotalEvents: len(metrics)}
	if len(metrics) == 0 {
		return stats
	}

	featureCounts := make(map[string]int)
	userCounts := make(map[string]int)
	var total time.Duration
	for _, m := range metrics {
		name := names[m.FeatureID]
		if name == "" {
			name = m.FeatureID
		}
		featureCounts[name]++
		if m.UserID != "" {
			userCounts[m.UserID]++
		}
		total += m.Duration
	}
	stats.ActiveUsers = len(userCounts)
	stats.AverageDuration = total / time.Duration(len(metrics))

	for name, n := range featureCounts {
		stats.TopFeatures = append(stats.TopFeatures, FeatureStat{
			Feature: name, Count: n, Pct: float64(n) / float64(stats.TotalEvents) * 100,
		})
	}
	sort.Slice(stats.TopFeatures, func(i, j int) bool {
		if stats.TopFeatures[i].Count != stats.TopFeatures[j].Count {
			return stats.TopFeatures[i].Count > stats.TopFeatures[j].Count
		}
		return stats.TopFeatures[i].Feature < stats.TopFeatures[j].Feature
	})

	for user, n := range userCounts {
		stats.TopUsers = append(stats.TopUsers, UserStat{UserID: user, Count: n})
	}
	sort.Slice(stats.TopUsers, func(i, j int) bool {
		if stats.TopUsers[i].Count != stats.TopUsers[j].Count {
			return stats.TopUsers[i].Count > stats.TopUsers[j].Count
		}
		return stats.TopUsers[i].UserID < stats.TopUsers[j].UserID
	})
	return stats
}
