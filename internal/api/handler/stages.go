package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/kiranshivaraju/ruleforge/internal/analyzer"
	"github.com/kiranshivaraju/ruleforge/internal/api/response"
	"github.com/kiranshivaraju/ruleforge/internal/engine"
	"github.com/kiranshivaraju/ruleforge/internal/evaluator"
	"github.com/kiranshivaraju/ruleforge/internal/knowledge"
	"github.com/kiranshivaraju/ruleforge/internal/promotion"
	"github.com/kiranshivaraju/ruleforge/internal/review"
	"github.com/kiranshivaraju/ruleforge/pkg/models"
)

const maxBatchLimit = 1000

// Stages is the operation surface of the engine.
type Stages interface {
	Analyze(ctx context.Context, limit int) (analyzer.BatchResult, error)
	Evaluate(ctx context.Context) (evaluator.Result, error)
	Promote(ctx context.Context) (promotion.PassResult, error)
	Review(ctx context.Context, limit int) (review.Result, error)
	RefreshClusters(ctx context.Context) (*knowledge.RefreshResult, error)
	ProposeRules(ctx context.Context) (*knowledge.ProposeResult, error)
	AggregateDay(ctx context.Context, day time.Time) (*models.DailyMetric, error)
	RunCycle(ctx context.Context) (*engine.CycleResult, error)
}

// parseLimit reads ?limit=, returning 0 (stage default) when absent.
func parseLimit(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > maxBatchLimit {
		return 0, false
	}
	return n, true
}

func badLimit(w http.ResponseWriter) {
	response.BadRequest(w, "limit must be an integer between 1 and "+strconv.Itoa(maxBatchLimit))
}

// NewAnalyzeHandler returns an http.HandlerFunc for POST /api/v1/admin/stages/analyze.
func NewAnalyzeHandler(s Stages) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, ok := parseLimit(r)
		if !ok {
			badLimit(w)
			return
		}
		res, err := s.Analyze(r.Context(), limit)
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, res)
	}
}

func NewEvaluateHandler(s Stages) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := s.Evaluate(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, res)
	}
}

func NewPromoteHandler(s Stages) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := s.Promote(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, res)
	}
}

func NewReviewHandler(s Stages) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, ok := parseLimit(r)
		if !ok {
			badLimit(w)
			return
		}
		res, err := s.Review(r.Context(), limit)
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, res)
	}
}

func NewRefreshClustersHandler(s Stages) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := s.RefreshClusters(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, res)
	}
}

func NewProposeHandler(s Stages) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := s.ProposeRules(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, res)
	}
}

// NewAggregateHandler returns an http.HandlerFunc for
// POST /api/v1/admin/stages/aggregate?day=YYYY-MM-DD. The day defaults to today (UTC).
func NewAggregateHandler(s Stages) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		day := time.Now().UTC()
		if raw := r.URL.Query().Get("day"); raw != "" {
			parsed, err := time.Parse(time.DateOnly, raw)
			if err != nil {
				response.BadRequest(w, "day must be YYYY-MM-DD")
				return
			}
			day = parsed
		}
		res, err := s.AggregateDay(r.Context(), day)
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, res)
	}
}

// NewCycleHandler returns an http.HandlerFunc for POST /api/v1/admin/cycle.
// A cycle in which some stages failed still returns its summary, with the
// failures listed under errors.
func NewCycleHandler(s Stages) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := s.RunCycle(r.Context())
		if res == nil {
			writeError(w, err)
			return
		}
		response.JSON(w, res)
	}
}
