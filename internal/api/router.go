package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/ruleforge/internal/api/middleware"
	"github.com/kiranshivaraju/ruleforge/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler

	AnalyzeHandler   http.HandlerFunc
	EvaluateHandler  http.HandlerFunc
	PromoteHandler   http.HandlerFunc
	ReviewHandler    http.HandlerFunc
	AggregateHandler http.HandlerFunc
	ClustersHandler  http.HandlerFunc
	ProposeHandler   http.HandlerFunc
	CycleHandler     http.HandlerFunc

	CreateRuleHandler http.HandlerFunc
	ListRulesHandler  http.HandlerFunc
	GetRuleHandler    http.HandlerFunc
	VerdictHandler    http.HandlerFunc

	IngestSessionHandler http.HandlerFunc
	SetOutcomeHandler    http.HandlerFunc

	RuleStatsHandler     http.HandlerFunc
	AnalysisStatsHandler http.HandlerFunc
	ClusterStatsHandler  http.HandlerFunc
	DailyMetricsHandler  http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	// Operator routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Route("/api/v1/admin", func(r chi.Router) {
			r.Post("/stages/analyze", orNotImplemented(deps.AnalyzeHandler))
			r.Post("/stages/evaluate", orNotImplemented(deps.EvaluateHandler))
			r.Post("/stages/promote", orNotImplemented(deps.PromoteHandler))
			r.Post("/stages/review", orNotImplemented(deps.ReviewHandler))
			r.Post("/stages/aggregate", orNotImplemented(deps.AggregateHandler))
			r.Post("/stages/clusters", orNotImplemented(deps.ClustersHandler))
			r.Post("/stages/propose", orNotImplemented(deps.ProposeHandler))
			r.Post("/cycle", orNotImplemented(deps.CycleHandler))

			r.Post("/rules", orNotImplemented(deps.CreateRuleHandler))
			r.Get("/rules", orNotImplemented(deps.ListRulesHandler))
			r.Get("/rules/{ruleID}", orNotImplemented(deps.GetRuleHandler))
			r.Post("/rules/{ruleID}/verdict", orNotImplemented(deps.VerdictHandler))

			r.Post("/sessions", orNotImplemented(deps.IngestSessionHandler))
			r.Put("/sessions/{sessionID}/outcome", orNotImplemented(deps.SetOutcomeHandler))

			r.Get("/stats/rules", orNotImplemented(deps.RuleStatsHandler))
			r.Get("/stats/analyses", orNotImplemented(deps.AnalysisStatsHandler))
			r.Get("/stats/clusters", orNotImplemented(deps.ClusterStatsHandler))
			r.Get("/metrics/daily", orNotImplemented(deps.DailyMetricsHandler))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, response.CodeNotImplemented, "Endpoint not yet implemented", nil)
	}
}
