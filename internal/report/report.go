// Package report serves read-only engine statistics, cached in front of the store.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/ruleforge/internal/cache"
	"github.com/kiranshivaraju/ruleforge/internal/metrics"
	"github.com/kiranshivaraju/ruleforge/pkg/models"
)

// Store is the subset of store.Store that reports read.
type Store interface {
	RuleStats(ctx context.Context) (*models.RuleStats, error)
	AnalysisStats(ctx context.Context) (*models.AnalysisStats, error)
	ClusterStats(ctx context.Context) (*models.ClusterStats, error)
	ListDailyMetrics(ctx context.Context, from, to time.Time) ([]*models.DailyMetric, error)
}

type Reporter struct {
	store Store
	cache cache.Cache
	ttl   time.Duration
}

// New returns a Reporter. A nil cache or a non-positive ttl disables caching.
func New(s Store, c cache.Cache, ttl time.Duration) *Reporter {
	return &Reporter{store: s, cache: c, ttl: ttl}
}

func (r *Reporter) RuleStats(ctx context.Context) (*models.RuleStats, error) {
	return cached(ctx, r, "rules", cache.ReportKey("rules"), r.store.RuleStats)
}

func (r *Reporter) AnalysisStats(ctx context.Context) (*models.AnalysisStats, error) {
	return cached(ctx, r, "analyses", cache.ReportKey("analyses"), r.store.AnalysisStats)
}

func (r *Reporter) ClusterStats(ctx context.Context) (*models.ClusterStats, error) {
	return cached(ctx, r, "clusters", cache.ReportKey("clusters"), r.store.ClusterStats)
}

// DailyMetrics returns the rollups for every day from..to inclusive.
func (r *Reporter) DailyMetrics(ctx context.Context, from, to time.Time) ([]*models.DailyMetric, error) {
	from, to = models.DayStart(from), models.DayStart(to)
	if to.Before(from) {
		return nil, fmt.Errorf("daily metrics: to %s is before from %s",
			to.Format(time.DateOnly), from.Format(time.DateOnly))
	}
	key := cache.ReportKey("daily", from.Format(time.DateOnly), to.Format(time.DateOnly))
	return cached(ctx, r, "daily", key, func(ctx context.Context) ([]*models.DailyMetric, error) {
		return r.store.ListDailyMetrics(ctx, from, to)
	})
}

// Invalidate drops every cached report. Called after a stage writes.
func (r *Reporter) Invalidate(ctx context.Context) {
	if !r.enabled() {
		return
	}
	if err := r.cache.DeletePrefix(ctx, cache.ReportPrefix); err != nil {
		slog.Warn("report cache invalidation failed", "error", err)
	}
}

func (r *Reporter) enabled() bool {
	return r.cache != nil && r.ttl > 0
}

// cached is cache-aside around load. Cache failures are logged and the store
// answers instead; they never fail the request.
func cached[T any](ctx context.Context, r *Reporter, name, key string, load func(context.Context) (T, error)) (T, error) {
	if !r.enabled() {
		return load(ctx)
	}

	if raw, found, err := r.cache.Get(ctx, key); err != nil {
		slog.Warn("report cache read failed", "report", name, "error", err)
	} else if found {
		var v T
		if err := json.Unmarshal(raw, &v); err == nil {
			metrics.CacheHits.WithLabelValues(name).Inc()
			return v, nil
		}
		slog.Warn("report cache entry corrupt", "report", name, "key", key)
	}
	metrics.CacheMisses.WithLabelValues(name).Inc()

	v, err := load(ctx)
	if err != nil {
		return v, err
	}
	if raw, err := json.Marshal(v); err == nil {
		if err := r.cache.Set(ctx, key, raw, r.ttl); err != nil {
			slog.Warn("report cache write failed", "report", name, "error", err)
		}
	}
	return v, nil
}
