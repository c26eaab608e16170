// Package evaluator scores rules against recorded appeal outcomes.
package evaluator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/ruleforge/internal/metrics"
	"github.com/kiranshivaraju/ruleforge/internal/rules"
	"github.com/kiranshivaraju/ruleforge/internal/store"
	"github.com/kiranshivaraju/ruleforge/pkg/models"
)

const stage = "evaluate"

type Config struct {
	MinSamples int
	// SuccessWeight is the share of the score given to the appeal success
	// rate; the remainder goes to mean completion.
	SuccessWeight   float64
	DemoteThreshold float64
	// Window limits samples to analyses newer than now-Window. Zero means all time.
	Window time.Duration
}

// Result summarizes one EvaluateAll pass.
type Result struct {
	Attempted    int `json:"attempted"`
	Scored       int `json:"scored"`
	Insufficient int `json:"insufficient"`
	Failed       int `json:"failed"`
}

// Evaluation is the outcome for one rule.
type Evaluation struct {
	RuleID         uuid.UUID
	Score          *float64
	SampleCount    int
	ConsecutiveLow int
}

type Evaluator struct {
	registry *rules.Registry
	analyses store.AnalysisStore
	cfg      Config
	now      func() time.Time
}

func New(registry *rules.Registry, analyses store.AnalysisStore, cfg Config) *Evaluator {
	return &Evaluator{
		registry: registry,
		analyses: analyses,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// EvaluateAll scores every pending and active rule. A failure on one rule is
// counted and does not stop the pass.
func (e *Evaluator) EvaluateAll(ctx context.Context) (Result, error) {
	defer metrics.ObserveStage(stage, time.Now())

	list, err := e.registry.List(ctx, store.RuleFilter{
		Statuses: []string{models.RuleStatusPending, models.RuleStatusActive},
	})
	if err != nil {
		return Result{}, fmt.Errorf("list rules: %w", err)
	}

	now := e.now()
	samples := map[string][]*models.Analysis{}
	var res Result
	for _, rule := range list {
		if ctx.Err() != nil {
			break
		}
		res.Attempted++

		s, ok := samples[rule.Category]
		if !ok {
			s, err = e.samples(ctx, rule.Category, now)
			if err != nil {
				res.Failed++
				slog.Error("load evaluation samples failed", "rule_id", rule.ID, "category", rule.Category, "error", err)
				continue
			}
			samples[rule.Category] = s
		}

		ev, err := e.apply(ctx, rule, s, now)
		if err != nil {
			res.Failed++
			slog.Error("rule evaluation failed", "rule_id", rule.ID, "error", err)
			continue
		}
		if ev.Score == nil {
			res.Insufficient++
		} else {
			res.Scored++
		}
	}

	metrics.CountItems(stage, "scored", res.Scored)
	metrics.CountItems(stage, "insufficient", res.Insufficient)
	metrics.CountItems(stage, "failed", res.Failed)
	slog.Info("evaluation pass finished",
		"attempted", res.Attempted,
		"scored", res.Scored,
		"insufficient", res.Insufficient,
		"failed", res.Failed,
	)
	return res, nil
}

// EvaluateRule scores a single rule and persists the result.
func (e *Evaluator) EvaluateRule(ctx context.Context, rule *models.Rule) (*Evaluation, error) {
	now := e.now()
	s, err := e.samples(ctx, rule.Category, now)
	if err != nil {
		return nil, err
	}
	return e.apply(ctx, rule, s, now)
}

func (e *Evaluator) samples(ctx context.Context, category string, now time.Time) ([]*models.Analysis, error) {
	filter := store.AnalysisFilter{Tag: category, KnownOutcome: true}
	if e.cfg.Window > 0 {
		filter.Since = now.Add(-e.cfg.Window)
	}
	list, err := e.analyses.ListAnalyses(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list analyses for %q: %w", category, err)
	}
	return list, nil
}

func (e *Evaluator) apply(ctx context.Context, rule *models.Rule, samples []*models.Analysis, now time.Time) (*Evaluation, error) {
	score, n := Score(samples, e.cfg.MinSamples, e.cfg.SuccessWeight)
	ev := &Evaluation{RuleID: rule.ID, Score: score, SampleCount: n}

	err := e.registry.AppendEvaluation(ctx, rules.WriterEvaluator, &models.EvaluationRecord{
		RuleID:      rule.ID,
		Score:       ev.Score,
		SampleCount: ev.SampleCount,
		EvaluatedAt: now,
	})
	if err != nil {
		return nil, err
	}

	// The counter is recomputed from the records so overlapping passes
	// cannot lose an increment.
	ev.ConsecutiveLow, err = e.registry.TrailingLows(ctx, rule, e.cfg.DemoteThreshold)
	if err != nil {
		return nil, err
	}

	err = e.registry.UpdateScore(ctx, rules.WriterEvaluator, rule.ID, store.ScoreUpdate{
		Score:          ev.Score,
		SampleCount:    ev.SampleCount,
		ConsecutiveLow: ev.ConsecutiveLow,
		EvaluatedAt:    now,
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// Score computes the effectiveness of a rule over its applicable samples:
//
//	weight*success_rate + (1-weight)*mean(completion)/100
//
// Samples whose outcome is not success or fail are ignored. Fewer than
// minSamples usable samples yields a nil score.
func Score(samples []*models.Analysis, minSamples int, weight float64) (*float64, int) {
	var n, success int
	var completion float64
	for _, a := range samples {
		switch a.Outcome {
		case models.OutcomeSuccess:
			success++
		case models.OutcomeFail:
		default:
			continue
		}
		n++
		completion += a.Completion
	}
	if n == 0 || n < minSamples {
		return nil, n
	}
	rate := float64(success) / float64(n)
	meanCompletion := completion / float64(n) / 100
	score := weight*rate + (1-weight)*meanCompletion
	return &score, n
}
