package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/kiranshivaraju/ruleforge/internal/api/response"
	"github.com/kiranshivaraju/ruleforge/pkg/models"
)

const maxDailyRange = 366 * 24 * time.Hour

// Reports is the read-only reporting surface.
type Reports interface {
	RuleStats(ctx context.Context) (*models.RuleStats, error)
	AnalysisStats(ctx context.Context) (*models.AnalysisStats, error)
	ClusterStats(ctx context.Context) (*models.ClusterStats, error)
	DailyMetrics(ctx context.Context, from, to time.Time) ([]*models.DailyMetric, error)
}

// NewRuleStatsHandler returns an http.HandlerFunc for GET /api/v1/admin/stats/rules.
func NewRuleStatsHandler(rep Reports) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := rep.RuleStats(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, st)
	}
}

func NewAnalysisStatsHandler(rep Reports) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := rep.AnalysisStats(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, st)
	}
}

func NewClusterStatsHandler(rep Reports) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := rep.ClusterStats(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, st)
	}
}

// NewDailyMetricsHandler returns an http.HandlerFunc for
// GET /api/v1/admin/metrics/daily?from=YYYY-MM-DD&to=YYYY-MM-DD.
// Both bounds are inclusive; the default range is the last seven days.
func NewDailyMetricsHandler(rep Reports) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		to := models.DayStart(time.Now())
		from := to.AddDate(0, 0, -6)

		if raw := q.Get("from"); raw != "" {
			t, err := time.Parse(time.DateOnly, raw)
			if err != nil {
				response.BadRequest(w, "from must be YYYY-MM-DD")
				return
			}
			from = t
		}
		if raw := q.Get("to"); raw != "" {
			t, err := time.Parse(time.DateOnly, raw)
			if err != nil {
				response.BadRequest(w, "to must be YYYY-MM-DD")
				return
			}
			to = t
		}
		if to.Before(from) {
			response.BadRequest(w, "to must not be before from")
			return
		}
		if to.Sub(from) > maxDailyRange {
			response.BadRequest(w, "range must not exceed 366 days")
			return
		}

		list, err := rep.DailyMetrics(r.Context(), from, to)
		if err != nil {
			writeError(w, err)
			return
		}
		response.List(w, list)
	}
}
