package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/ruleforge/internal/metrics"
	"github.com/kiranshivaraju/ruleforge/internal/store"
	"github.com/kiranshivaraju/ruleforge/pkg/models"
)

// AggregateDaily recomputes the metric row for the UTC calendar day containing
// day and replaces whatever was stored for it.
func (a *Aggregator) AggregateDaily(ctx context.Context, day time.Time) (*models.DailyMetric, error) {
	defer metrics.ObserveStage("aggregate", time.Now())

	start := models.DayStart(day)
	end := start.AddDate(0, 0, 1)

	analyses, err := a.store.ListAnalyses(ctx, store.AnalysisFilter{Since: start, Until: end})
	if err != nil {
		return nil, fmt.Errorf("list analyses for %s: %w", start.Format(time.DateOnly), err)
	}
	requests, err := a.store.CountSessions(ctx, store.SessionCountFilter{CreatedSince: start, CreatedUntil: end})
	if err != nil {
		return nil, fmt.Errorf("count sessions for %s: %w", start.Format(time.DateOnly), err)
	}
	failed, err := a.store.CountSessions(ctx, store.SessionCountFilter{
		CreatedSince: start, CreatedUntil: end, OnlyUnanalyzable: true,
	})
	if err != nil {
		return nil, fmt.Errorf("count failed sessions for %s: %w", start.Format(time.DateOnly), err)
	}

	m := &models.DailyMetric{
		Day:           start,
		RequestCount:  requests,
		AnalysisCount: len(analyses),
		FailedCount:   failed,
		UpdatedAt:     a.now(),
	}
	if n := float64(len(analyses)); n > 0 {
		for _, an := range analyses {
			m.AvgCompletion += an.Completion
			m.AvgProfessionalism += an.Professionalism
			m.AvgAppealSuccess += an.AppealSuccess
		}
		m.AvgCompletion /= n
		m.AvgProfessionalism /= n
		m.AvgAppealSuccess /= n
	}

	if err := a.store.UpsertDailyMetric(ctx, m); err != nil {
		return nil, err
	}
	slog.Info("daily metric aggregated",
		"day", start.Format(time.DateOnly),
		"requests", m.RequestCount,
		"analyses", m.AnalysisCount,
		"failed", m.FailedCount,
	)
	return m, nil
}
