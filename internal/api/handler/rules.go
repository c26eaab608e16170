package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/ruleforge/internal/api/response"
	"github.com/kiranshivaraju/ruleforge/internal/rules"
	"github.com/kiranshivaraju/ruleforge/internal/store"
	"github.com/kiranshivaraju/ruleforge/pkg/models"
)

const historyLimit = 20

// RuleRegistry is the registry surface the rule handlers use.
type RuleRegistry interface {
	Create(ctx context.Context, in rules.NewRule) (*models.Rule, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Rule, error)
	List(ctx context.Context, filter store.RuleFilter) ([]*models.Rule, error)
	RecentEvaluations(ctx context.Context, id uuid.UUID, limit int) ([]*models.EvaluationRecord, error)
	Transitions(ctx context.Context, id uuid.UUID) ([]*models.RuleTransition, error)
}

// VerdictApplier records operator decisions.
type VerdictApplier interface {
	ApplyVerdict(ctx context.Context, ruleID uuid.UUID, verdict, reason string) (*models.Rule, error)
}

// NewCreateRuleHandler returns an http.HandlerFunc for POST /api/v1/admin/rules.
// Rules created here are manual and start pending.
func NewCreateRuleHandler(reg RuleRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rules.NewRule
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.BadRequest(w, "Invalid JSON body")
			return
		}
		req.Source = models.RuleSourceManual
		req.SourceClusterID = nil

		rule, err := reg.Create(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		response.Created(w, rule)
	}
}

// NewListRulesHandler returns an http.HandlerFunc for
// GET /api/v1/admin/rules?status=a,b&category=c.
func NewListRulesHandler(reg RuleRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		var filter store.RuleFilter
		if raw := q.Get("status"); raw != "" {
			for _, s := range strings.Split(raw, ",") {
				s = strings.TrimSpace(s)
				if !models.ValidRuleStatus(s) {
					response.BadRequest(w, "unknown status "+s)
					return
				}
				filter.Statuses = append(filter.Statuses, s)
			}
		}
		filter.Category = q.Get("category")

		list, err := reg.List(r.Context(), filter)
		if err != nil {
			writeError(w, err)
			return
		}
		response.List(w, list)
	}
}

type ruleDetail struct {
	*models.Rule
	Evaluations []*models.EvaluationRecord `json:"evaluations"`
	Transitions []*models.RuleTransition   `json:"transitions"`
}

// NewGetRuleHandler returns an http.HandlerFunc for GET /api/v1/admin/rules/{ruleID}
// with its recent evaluations and full transition audit.
func NewGetRuleHandler(reg RuleRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := ruleID(w, r)
		if !ok {
			return
		}
		rule, err := reg.Get(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		evals, err := reg.RecentEvaluations(r.Context(), id, historyLimit)
		if err != nil {
			writeError(w, err)
			return
		}
		transitions, err := reg.Transitions(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, ruleDetail{Rule: rule, Evaluations: evals, Transitions: transitions})
	}
}

// NewVerdictHandler returns an http.HandlerFunc for
// POST /api/v1/admin/rules/{ruleID}/verdict with {"verdict": "approve"|"reject", "reason": "..."}.
func NewVerdictHandler(v VerdictApplier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := ruleID(w, r)
		if !ok {
			return
		}
		var req struct {
			Verdict string `json:"verdict"`
			Reason  string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			response.BadRequest(w, "Invalid JSON body")
			return
		}
		rule, err := v.ApplyVerdict(r.Context(), id, req.Verdict, req.Reason)
		if err != nil {
			writeError(w, err)
			return
		}
		response.JSON(w, rule)
	}
}

func ruleID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "ruleID"))
	if err != nil {
		response.BadRequest(w, "ruleID must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}
