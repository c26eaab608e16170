// Package promotion moves rules through their lifecycle from evaluator output.
package promotion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/ruleforge/internal/metrics"
	"github.com/kiranshivaraju/ruleforge/internal/rules"
	"github.com/kiranshivaraju/ruleforge/internal/store"
	"github.com/kiranshivaraju/ruleforge/pkg/models"
)

const stage = "promote"

// Thresholds are the state machine's tuning values.
type Thresholds struct {
	MinSamples  int
	Promote     float64
	Reject      float64
	Demote      float64
	DemoteAfter int
}

// Decision is what the controller would do with one rule. An empty To means
// no transition. Undecided marks a pending rule that is a review candidate.
type Decision struct {
	To        string
	Undecided bool
	Reason    string
}

// Decide applies the promotion rules to r. It has no side effects.
//
//	pending -> active    samples >= MinSamples and score >= Promote
//	pending -> rejected  samples >= MinSamples and score <  Reject
//	active  -> retired   ConsecutiveLow >= DemoteAfter
//
// Every other pending rule is undecided.
func Decide(r *models.Rule, t Thresholds) Decision {
	switch r.Status {
	case models.RuleStatusPending:
		if r.Score == nil || r.SampleCount < t.MinSamples {
			return Decision{Undecided: true, Reason: "insufficient samples"}
		}
		score := *r.Score
		switch {
		case score >= t.Promote:
			return Decision{To: models.RuleStatusActive, Reason: fmt.Sprintf("score %.3f >= promote threshold %.3f", score, t.Promote)}
		case score < t.Reject:
			return Decision{To: models.RuleStatusRejected, Reason: fmt.Sprintf("score %.3f < reject threshold %.3f", score, t.Reject)}
		default:
			return Decision{Undecided: true, Reason: "score between reject and promote thresholds"}
		}
	case models.RuleStatusActive:
		if t.DemoteAfter > 0 && r.ConsecutiveLow >= t.DemoteAfter {
			return Decision{To: models.RuleStatusRetired, Reason: fmt.Sprintf("%d consecutive scores below %.3f", r.ConsecutiveLow, t.Demote)}
		}
	}
	return Decision{}
}

// PassResult summarizes one RunPass.
type PassResult struct {
	Attempted int `json:"attempted"`
	Promoted  int `json:"promoted"`
	Rejected  int `json:"rejected"`
	Retired   int `json:"retired"`
	Undecided int `json:"undecided"`
	// Conflicts counts rules another writer moved first.
	Conflicts int `json:"conflicts"`
	Failed    int `json:"failed"`
}

type Controller struct {
	registry   *rules.Registry
	thresholds Thresholds
}

func New(registry *rules.Registry, t Thresholds) *Controller {
	return &Controller{registry: registry, thresholds: t}
}

// Thresholds returns the controller's configured thresholds.
func (c *Controller) Thresholds() Thresholds { return c.thresholds }

// RunPass decides every pending and active rule once. Re-running it without
// new evaluations is a no-op.
func (c *Controller) RunPass(ctx context.Context) (PassResult, error) {
	defer metrics.ObserveStage(stage, time.Now())

	list, err := c.registry.List(ctx, store.RuleFilter{
		Statuses: []string{models.RuleStatusPending, models.RuleStatusActive},
	})
	if err != nil {
		return PassResult{}, fmt.Errorf("list rules: %w", err)
	}

	var res PassResult
	for _, r := range list {
		if ctx.Err() != nil {
			break
		}
		res.Attempted++
		if r.Status == models.RuleStatusActive && c.thresholds.DemoteAfter > 0 {
			n, err := c.registry.TrailingLows(ctx, r, c.thresholds.Demote)
			if err != nil {
				res.Failed++
				slog.Error("count trailing low scores failed", "rule_id", r.ID, "error", err)
				continue
			}
			r.ConsecutiveLow = n
		}
		d := Decide(r, c.thresholds)
		if d.Undecided {
			res.Undecided++
			continue
		}
		if d.To == "" {
			continue
		}

		_, err := c.registry.Transition(ctx, rules.WriterPromoter, r, d.To, rules.Evidence{
			Score:       r.Score,
			SampleCount: r.SampleCount,
			Reason:      d.Reason,
		})
		switch {
		case err == nil:
		case errors.Is(err, store.ErrStaleStatus):
			res.Conflicts++
			continue
		default:
			res.Failed++
			slog.Error("rule transition failed", "rule_id", r.ID, "to", d.To, "error", err)
			continue
		}

		switch d.To {
		case models.RuleStatusActive:
			res.Promoted++
		case models.RuleStatusRejected:
			res.Rejected++
		case models.RuleStatusRetired:
			res.Retired++
		}
	}

	metrics.CountItems(stage, "promoted", res.Promoted)
	metrics.CountItems(stage, "rejected", res.Rejected)
	metrics.CountItems(stage, "retired", res.Retired)
	slog.Info("promotion pass finished",
		"attempted", res.Attempted,
		"promoted", res.Promoted,
		"rejected", res.Rejected,
		"retired", res.Retired,
		"undecided", res.Undecided,
	)
	return res, nil
}
