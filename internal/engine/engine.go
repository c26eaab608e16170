// Package engine composes the independent stages into one evolution cycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/ruleforge/internal/analyzer"
	"github.com/kiranshivaraju/ruleforge/internal/cache"
	"github.com/kiranshivaraju/ruleforge/internal/evaluator"
	"github.com/kiranshivaraju/ruleforge/internal/knowledge"
	"github.com/kiranshivaraju/ruleforge/internal/promotion"
	"github.com/kiranshivaraju/ruleforge/internal/report"
	"github.com/kiranshivaraju/ruleforge/internal/review"
	"github.com/kiranshivaraju/ruleforge/pkg/models"
)

// ErrCycleRunning is returned when another cycle holds the cycle lock.
var ErrCycleRunning = errors.New("engine cycle already running")

// Engine exposes each stage on its own and RunCycle to run them all in order.
// Stages are safe to run concurrently with each other.
type Engine struct {
	Analyzer  *analyzer.Analyzer
	Evaluator *evaluator.Evaluator
	Promoter  *promotion.Controller
	Reviewer  *review.Reviewer
	Knowledge *knowledge.Aggregator
	// Reports is invalidated after every stage that writes. Optional.
	Reports *report.Reporter
	// Lock, when set, shares the cycle lock with other replicas.
	Lock cache.Cache

	BatchSize int
	LockTTL   time.Duration

	mu  sync.Mutex
	now func() time.Time
}

// CycleResult is the summary of one full pass over every stage.
type CycleResult struct {
	Analyze   analyzer.BatchResult     `json:"analyze"`
	Evaluate  evaluator.Result         `json:"evaluate"`
	Promote   promotion.PassResult     `json:"promote"`
	Review    review.Result            `json:"review"`
	Clusters  *knowledge.RefreshResult `json:"clusters,omitempty"`
	Proposals *knowledge.ProposeResult `json:"proposals,omitempty"`
	Daily     []*models.DailyMetric    `json:"daily,omitempty"`
	Errors    map[string]string        `json:"errors,omitempty"`
	StartedAt time.Time                `json:"started_at"`
	Duration  string                   `json:"duration"`
}

func (e *Engine) clock() time.Time {
	if e.now != nil {
		return e.now()
	}
	return time.Now().UTC()
}

func (e *Engine) batch(limit int) int {
	if limit > 0 {
		return limit
	}
	return e.BatchSize
}

func (e *Engine) invalidate(ctx context.Context) {
	if e.Reports != nil {
		e.Reports.Invalidate(context.WithoutCancel(ctx))
	}
}

// Analyze claims and analyzes up to limit sessions (0 = configured batch size).
func (e *Engine) Analyze(ctx context.Context, limit int) (analyzer.BatchResult, error) {
	defer e.invalidate(ctx)
	return e.Analyzer.RunBatch(ctx, e.batch(limit))
}

func (e *Engine) Evaluate(ctx context.Context) (evaluator.Result, error) {
	defer e.invalidate(ctx)
	return e.Evaluator.EvaluateAll(ctx)
}

func (e *Engine) Promote(ctx context.Context) (promotion.PassResult, error) {
	defer e.invalidate(ctx)
	return e.Promoter.RunPass(ctx)
}

func (e *Engine) Review(ctx context.Context, limit int) (review.Result, error) {
	defer e.invalidate(ctx)
	return e.Reviewer.RunBatch(ctx, e.batch(limit))
}

func (e *Engine) RefreshClusters(ctx context.Context) (*knowledge.RefreshResult, error) {
	defer e.invalidate(ctx)
	return e.Knowledge.RefreshClusters(ctx)
}

func (e *Engine) ProposeRules(ctx context.Context) (*knowledge.ProposeResult, error) {
	defer e.invalidate(ctx)
	return e.Knowledge.ProposeRules(ctx)
}

func (e *Engine) AggregateDay(ctx context.Context, day time.Time) (*models.DailyMetric, error) {
	defer e.invalidate(ctx)
	return e.Knowledge.AggregateDaily(ctx, day)
}

// RunCycle runs analyze, evaluate, promote, review, cluster refresh, rule
// proposal and daily aggregation in that order. A failing stage is recorded
// and the cycle moves on; only cancellation stops it early.
func (e *Engine) RunCycle(ctx context.Context) (*CycleResult, error) {
	release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	defer e.invalidate(ctx)

	start := time.Now()
	now := e.clock()
	res := &CycleResult{StartedAt: now, Errors: map[string]string{}}
	var errs []error
	// record notes a stage failure and reports whether the cycle may continue.
	record := func(stage string, err error) bool {
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("engine stage failed", "stage", stage, "error", err)
			res.Errors[stage] = err.Error()
			errs = append(errs, fmt.Errorf("%s: %w", stage, err))
		}
		return ctx.Err() == nil
	}

	stages := []func() bool{
		func() bool {
			var err error
			res.Analyze, err = e.Analyzer.RunBatch(ctx, e.BatchSize)
			return record("analyze", err)
		},
		func() bool {
			var err error
			res.Evaluate, err = e.Evaluator.EvaluateAll(ctx)
			return record("evaluate", err)
		},
		func() bool {
			var err error
			res.Promote, err = e.Promoter.RunPass(ctx)
			return record("promote", err)
		},
		func() bool {
			var err error
			res.Review, err = e.Reviewer.RunBatch(ctx, e.BatchSize)
			return record("review", err)
		},
		func() bool {
			var err error
			res.Clusters, err = e.Knowledge.RefreshClusters(ctx)
			return record("clusters", err)
		},
		func() bool {
			var err error
			res.Proposals, err = e.Knowledge.ProposeRules(ctx)
			return record("propose", err)
		},
		func() bool {
			// Yesterday is re-rolled too so analyses finished after midnight are counted.
			for _, day := range []time.Time{now.AddDate(0, 0, -1), now} {
				m, err := e.Knowledge.AggregateDaily(ctx, day)
				if m != nil {
					res.Daily = append(res.Daily, m)
				}
				if !record("aggregate", err) {
					return false
				}
			}
			return true
		},
	}
	for _, run := range stages {
		if !run() {
			break
		}
	}

	if len(res.Errors) == 0 {
		res.Errors = nil
	}
	res.Duration = time.Since(start).String()

	slog.Info("engine cycle finished",
		"analyzed", res.Analyze.Succeeded,
		"scored", res.Evaluate.Scored,
		"promoted", res.Promote.Promoted,
		"reviewed", res.Review.Attempted,
		"failed_stages", len(errs),
		"duration", res.Duration,
	)
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	return res, errors.Join(errs...)
}

// acquire takes the local cycle mutex and, when configured, the shared lock.
func (e *Engine) acquire(ctx context.Context) (func(), error) {
	if !e.mu.TryLock() {
		return nil, ErrCycleRunning
	}
	if e.Lock == nil {
		return e.mu.Unlock, nil
	}

	owner := uuid.NewString()
	ttl := e.LockTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	ok, err := e.Lock.TryLock(ctx, cache.CycleLockKey(), owner, ttl)
	if err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("acquire cycle lock: %w", err)
	}
	if !ok {
		e.mu.Unlock()
		return nil, ErrCycleRunning
	}
	return func() {
		if err := e.Lock.Unlock(context.WithoutCancel(ctx), cache.CycleLockKey(), owner); err != nil {
			slog.Warn("release cycle lock failed", "error", err)
		}
		e.mu.Unlock()
	}, nil
}
