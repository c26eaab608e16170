// Package analyzer claims unanalyzed sessions, scores them through the AI
// provider and writes exactly one Analysis per session.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/ruleforge/internal/ai"
	"github.com/kiranshivaraju/ruleforge/internal/metrics"
	"github.com/kiranshivaraju/ruleforge/internal/store"
	"github.com/kiranshivaraju/ruleforge/internal/worker"
	"github.com/kiranshivaraju/ruleforge/pkg/models"
)

var (
	// ErrNotClaimed is returned by Analyze for a session without a claim token.
	ErrNotClaimed = errors.New("session is not claimed")
	// ErrMalformedSession marks a session that can never be scored.
	ErrMalformedSession = errors.New("malformed session")
	// ErrUnanalyzable is joined to a failure that took the session out of the pool.
	ErrUnanalyzable = errors.New("session marked unanalyzable")
)

const stage = "analyze"

// Config controls claiming and scoring.
type Config struct {
	BatchSize   int
	Concurrency int
	MaxAttempts int
	ClaimTTL    time.Duration
	// Timeout bounds every scoring call.
	Timeout time.Duration
}

// BatchResult reports per-item outcomes of one RunBatch.
// Attempted always equals Succeeded + Failed + Skipped.
type BatchResult struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	// Unanalyzable counts failed items that hit a permanent failure this batch.
	Unanalyzable int `json:"unanalyzable"`
}

// Analyzer turns sessions into analyses.
type Analyzer struct {
	sessions store.SessionStore
	provider models.AIProvider
	cfg      Config
	now      func() time.Time
}

// New creates an Analyzer.
func New(sessions store.SessionStore, provider models.AIProvider, cfg Config) *Analyzer {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Analyzer{
		sessions: sessions,
		provider: provider,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ClaimUnanalyzed claims up to limit sessions for a fresh claim token.
// The token is carried on each returned session's ClaimToken.
func (a *Analyzer) ClaimUnanalyzed(ctx context.Context, limit int) ([]*models.Session, error) {
	claimed, err := a.sessions.ClaimSessions(ctx, uuid.New(), limit, a.cfg.ClaimTTL)
	if err != nil {
		return nil, fmt.Errorf("claim sessions: %w", err)
	}
	return claimed, nil
}

// Analyze scores one claimed session. On success the analysis and analyzed_at
// are written together; on failure the claim is released (and the attempt
// counted) so a later pass can retry.
func (a *Analyzer) Analyze(ctx context.Context, ses *models.Session) (*models.Analysis, error) {
	if ses.ClaimToken == nil {
		return nil, ErrNotClaimed
	}
	token := *ses.ClaimToken

	if len(ses.Messages) == 0 {
		a.release(ctx, ses, store.ReleaseOptions{
			CountAttempt: true,
			Error:        "session has no messages",
			Permanent:    true,
		})
		return nil, fmt.Errorf("session %s: %w: no messages: %w", ses.ID, ErrMalformedSession, ErrUnanalyzable)
	}

	fields := ses.FieldValues()
	result, err := a.score(ctx, ses, fields)
	if err != nil {
		if a.release(ctx, ses, store.ReleaseOptions{
			CountAttempt: true,
			Error:        err.Error(),
			MaxAttempts:  a.cfg.MaxAttempts,
		}) {
			return nil, fmt.Errorf("score session %s: %w: %w", ses.ID, err, ErrUnanalyzable)
		}
		return nil, fmt.Errorf("score session %s: %w", ses.ID, err)
	}

	analysis := &models.Analysis{
		ID:              uuid.New(),
		SessionID:       ses.ID,
		Completion:      result.Completion,
		Professionalism: result.Professionalism,
		ViolationTags:   result.ViolationTags,
		AppealSuccess:   result.AppealSuccess,
		Rationale:       result.Rationale,
		DerivedTags:     DeriveTags(fields, result),
		Provider:        a.provider.Name(),
		CreatedAt:       a.now(),
	}

	if err := a.sessions.CompleteAnalysis(ctx, token, analysis); err != nil {
		if !errors.Is(err, store.ErrClaimLost) {
			// Storage failures are not the session's fault; hand it back untouched.
			a.release(ctx, ses, store.ReleaseOptions{})
		}
		return nil, fmt.Errorf("complete analysis for session %s: %w", ses.ID, err)
	}
	analysis.Outcome = ses.Outcome
	return analysis, nil
}

func (a *Analyzer) score(ctx context.Context, ses *models.Session, fields map[string]string) (models.ScoreResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	start := time.Now()
	res, err := a.provider.Score(callCtx, models.ScoreRequest{
		SessionID:  ses.ID.String(),
		Transcript: ses.Messages,
		Fields:     fields,
	})
	if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, ai.ErrInferenceTimeout) {
		err = fmt.Errorf("%w: %w", ai.ErrInferenceTimeout, err)
	}
	metrics.ObserveAICall(a.provider.Name(), "score", start, err)
	if err != nil {
		return models.ScoreResult{}, err
	}
	return ai.SanitizeScore(res), nil
}

// release hands the claim back and reports whether the session is now unanalyzable.
func (a *Analyzer) release(ctx context.Context, ses *models.Session, opts store.ReleaseOptions) bool {
	res, err := a.sessions.ReleaseClaim(ctx, ses.ID, *ses.ClaimToken, opts)
	if err != nil {
		if !errors.Is(err, store.ErrClaimLost) {
			slog.Error("release claim failed", "session_id", ses.ID, "error", err)
		}
		return false
	}
	if res.Unanalyzable {
		slog.Warn("session marked unanalyzable",
			"session_id", ses.ID,
			"attempts", res.Attempts,
			"last_error", opts.Error,
		)
	}
	return res.Unanalyzable
}

// RunBatch claims up to limit sessions (BatchSize when limit <= 0) and
// analyzes them with bounded parallelism. One item's failure never affects
// the others. Cancelling ctx stops new items from starting; those items are
// released without spending an attempt and reported as skipped.
func (a *Analyzer) RunBatch(ctx context.Context, limit int) (BatchResult, error) {
	defer metrics.ObserveStage(stage, time.Now())
	if limit <= 0 {
		limit = a.cfg.BatchSize
	}

	claimed, err := a.ClaimUnanalyzed(ctx, limit)
	if err != nil {
		return BatchResult{}, err
	}

	var succeeded, failed, skipped, unanalyzable atomic.Int64
	notStarted := worker.ForEach(ctx, claimed, a.cfg.Concurrency, func(ctx context.Context, ses *models.Session) {
		_, err := a.Analyze(ctx, ses)
		switch {
		case err == nil:
			succeeded.Add(1)
		case errors.Is(err, store.ErrClaimLost):
			skipped.Add(1)
		default:
			failed.Add(1)
			if errors.Is(err, ErrUnanalyzable) {
				unanalyzable.Add(1)
			}
			slog.Warn("session analysis failed", "session_id", ses.ID, "error", err)
		}
	})

	detached := context.WithoutCancel(ctx)
	for _, ses := range notStarted {
		a.release(detached, ses, store.ReleaseOptions{})
	}

	res := BatchResult{
		Attempted:    len(claimed),
		Succeeded:    int(succeeded.Load()),
		Failed:       int(failed.Load()),
		Skipped:      int(skipped.Load()) + len(notStarted),
		Unanalyzable: int(unanalyzable.Load()),
	}
	metrics.CountItems(stage, "succeeded", res.Succeeded)
	metrics.CountItems(stage, "failed", res.Failed)
	metrics.CountItems(stage, "skipped", res.Skipped)

	slog.Info("analyze batch finished",
		"attempted", res.Attempted,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"skipped", res.Skipped,
	)
	return res, nil
}
