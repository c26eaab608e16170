// Package review adjudicates pending rules the promotion controller could not
// decide, using the AI provider or an operator verdict.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/ruleforge/internal/metrics"
	"github.com/kiranshivaraju/ruleforge/internal/promotion"
	"github.com/kiranshivaraju/ruleforge/internal/rules"
	"github.com/kiranshivaraju/ruleforge/internal/store"
	"github.com/kiranshivaraju/ruleforge/internal/worker"
	"github.com/kiranshivaraju/ruleforge/pkg/models"
)

const stage = "review"

var (
	ErrNotPending     = errors.New("rule is not pending")
	ErrInvalidVerdict = errors.New("verdict must be approve or reject")
)

type Config struct {
	Thresholds    promotion.Thresholds
	MinConfidence float64
	// Cooldown keeps a rule out of automated review for this long after its
	// last review.
	Cooldown     time.Duration
	SupportLimit int
	BatchSize    int
	Concurrency  int
	Timeout      time.Duration
}

// Result summarizes one RunBatch.
type Result struct {
	Attempted int `json:"attempted"`
	Approved  int `json:"approved"`
	Rejected  int `json:"rejected"`
	// Deferred rules stay pending: provider unavailable or verdict not confident enough.
	Deferred int `json:"deferred"`
	Failed   int `json:"failed"`
}

// Outcome is the result of reviewing one rule.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeRejected Outcome = "rejected"
	OutcomeDeferred Outcome = "deferred"
)

type Reviewer struct {
	registry *rules.Registry
	analyses store.AnalysisStore
	provider models.AIProvider
	cfg      Config
	now      func() time.Time
}

func New(registry *rules.Registry, analyses store.AnalysisStore, provider models.AIProvider, cfg Config) *Reviewer {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 20
	}
	if cfg.SupportLimit <= 0 {
		cfg.SupportLimit = 20
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Reviewer{
		registry: registry,
		analyses: analyses,
		provider: provider,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Candidates returns up to limit pending rules that promotion leaves
// undecided and that are outside the review cooldown.
func (r *Reviewer) Candidates(ctx context.Context, limit int) ([]*models.Rule, error) {
	pending, err := r.registry.List(ctx, store.RuleFilter{Statuses: []string{models.RuleStatusPending}})
	if err != nil {
		return nil, fmt.Errorf("list pending rules: %w", err)
	}
	cutoff := r.now().Add(-r.cfg.Cooldown)
	out := make([]*models.Rule, 0, min(limit, len(pending)))
	for _, rule := range pending {
		if len(out) >= limit {
			break
		}
		if !promotion.Decide(rule, r.cfg.Thresholds).Undecided {
			continue
		}
		if rule.LastReviewedAt != nil && rule.LastReviewedAt.After(cutoff) {
			continue
		}
		out = append(out, rule)
	}
	return out, nil
}

// RunBatch reviews up to limit candidates (BatchSize when limit <= 0) with
// bounded parallelism. Cancelled items are not started and count as deferred.
func (r *Reviewer) RunBatch(ctx context.Context, limit int) (Result, error) {
	defer metrics.ObserveStage(stage, time.Now())
	if limit <= 0 {
		limit = r.cfg.BatchSize
	}

	candidates, err := r.Candidates(ctx, limit)
	if err != nil {
		return Result{}, err
	}

	var approved, rejected, deferred, failed atomic.Int64
	notStarted := worker.ForEach(ctx, candidates, r.cfg.Concurrency, func(ctx context.Context, rule *models.Rule) {
		outcome, err := r.ReviewRule(ctx, rule)
		if err != nil {
			failed.Add(1)
			slog.Error("rule review failed", "rule_id", rule.ID, "error", err)
			return
		}
		switch outcome {
		case OutcomeApproved:
			approved.Add(1)
		case OutcomeRejected:
			rejected.Add(1)
		default:
			deferred.Add(1)
		}
	})

	res := Result{
		Attempted: len(candidates),
		Approved:  int(approved.Load()),
		Rejected:  int(rejected.Load()),
		Deferred:  int(deferred.Load()) + len(notStarted),
		Failed:    int(failed.Load()),
	}
	metrics.CountItems(stage, "approved", res.Approved)
	metrics.CountItems(stage, "rejected", res.Rejected)
	metrics.CountItems(stage, "deferred", res.Deferred)
	metrics.CountItems(stage, "failed", res.Failed)
	slog.Info("review batch finished",
		"attempted", res.Attempted,
		"approved", res.Approved,
		"rejected", res.Rejected,
		"deferred", res.Deferred,
		"failed", res.Failed,
	)
	return res, nil
}

// ReviewRule asks the provider for a verdict on one pending rule. A provider
// failure or a verdict below MinConfidence defers the rule; only storage
// failures are returned as errors.
func (r *Reviewer) ReviewRule(ctx context.Context, rule *models.Rule) (Outcome, error) {
	support, err := r.analyses.ListAnalyses(ctx, store.AnalysisFilter{
		Tag:         rule.Category,
		NewestFirst: true,
		Limit:       r.cfg.SupportLimit,
	})
	if err != nil {
		return "", fmt.Errorf("list supporting analyses: %w", err)
	}

	req := models.ReviewRequest{Rule: *rule, Analyses: make([]models.Analysis, 0, len(support))}
	for _, a := range support {
		req.Analyses = append(req.Analyses, *a)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	start := time.Now()
	verdict, err := r.provider.Review(callCtx, req)
	cancel()
	metrics.ObserveAICall(r.provider.Name(), "review", start, err)
	if err != nil {
		slog.Warn("review deferred: provider unavailable", "rule_id", rule.ID, "error", err)
		return OutcomeDeferred, nil
	}

	if verdict.Verdict != models.VerdictApprove && verdict.Verdict != models.VerdictReject {
		slog.Warn("review deferred: unusable verdict", "rule_id", rule.ID, "verdict", verdict.Verdict)
		return OutcomeDeferred, nil
	}
	if verdict.Confidence < r.cfg.MinConfidence {
		slog.Info("review deferred: low confidence",
			"rule_id", rule.ID,
			"verdict", verdict.Verdict,
			"confidence", verdict.Confidence,
		)
		if err := r.registry.RecordReview(ctx, rules.WriterReviewer, rule.ID, models.ReviewActorAutomated); err != nil {
			return "", err
		}
		return OutcomeDeferred, nil
	}

	reason := fmt.Sprintf("automated review: %s (confidence %.2f)", verdict.Verdict, verdict.Confidence)
	if verdict.Reason != "" {
		reason += ": " + verdict.Reason
	}
	outcome, err := r.apply(ctx, rule, verdict.Verdict, reason, models.ReviewActorAutomated)
	if errors.Is(err, store.ErrStaleStatus) {
		// Someone else decided the rule while we waited on the provider.
		return OutcomeDeferred, nil
	}
	return outcome, err
}

// ApplyVerdict records an operator decision on a pending rule.
func (r *Reviewer) ApplyVerdict(ctx context.Context, ruleID uuid.UUID, verdict, reason string) (*models.Rule, error) {
	if verdict != models.VerdictApprove && verdict != models.VerdictReject {
		return nil, ErrInvalidVerdict
	}
	rule, err := r.registry.Get(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if rule.Status != models.RuleStatusPending {
		return nil, fmt.Errorf("%w: rule %s is %s", ErrNotPending, rule.ID, rule.Status)
	}
	if reason == "" {
		reason = "operator verdict: " + verdict
	}
	if _, err := r.apply(ctx, rule, verdict, reason, models.ReviewActorHuman); err != nil {
		return nil, err
	}
	return r.registry.Get(ctx, ruleID)
}

func (r *Reviewer) apply(ctx context.Context, rule *models.Rule, verdict, reason, actor string) (Outcome, error) {
	to, outcome := models.RuleStatusActive, OutcomeApproved
	if verdict == models.VerdictReject {
		to, outcome = models.RuleStatusRejected, OutcomeRejected
	}
	_, err := r.registry.Transition(ctx, rules.WriterReviewer, rule, to, rules.Evidence{
		Score:       rule.Score,
		SampleCount: rule.SampleCount,
		Reason:      reason,
		ReviewActor: actor,
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}
