package mock

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/kiranshivaraju/ruleforge/internal/ai"
	"github.com/kiranshivaraju/ruleforge/pkg/models"
)

// MockProvider satisfies models.AIProvider for testing and local runs.
type MockProvider struct {
	Name_      string
	ScoreFunc  func(ctx context.Context, req models.ScoreRequest) (models.ScoreResult, error)
	ReviewFunc func(ctx context.Context, req models.ReviewRequest) (models.ReviewVerdict, error)

	scoreCalls  atomic.Int64
	reviewCalls atomic.Int64
}

func (m *MockProvider) Name() string { return m.Name_ }

func (m *MockProvider) Score(ctx context.Context, req models.ScoreRequest) (models.ScoreResult, error) {
	m.scoreCalls.Add(1)
	if m.ScoreFunc != nil {
		return m.ScoreFunc(ctx, req)
	}
	return models.ScoreResult{}, nil
}

func (m *MockProvider) Review(ctx context.Context, req models.ReviewRequest) (models.ReviewVerdict, error) {
	m.reviewCalls.Add(1)
	if m.ReviewFunc != nil {
		return m.ReviewFunc(ctx, req)
	}
	return models.ReviewVerdict{}, nil
}

// ScoreCalls returns how many times Score has been invoked.
func (m *MockProvider) ScoreCalls() int64 { return m.scoreCalls.Load() }

// ReviewCalls returns how many times Review has been invoked.
func (m *MockProvider) ReviewCalls() int64 { return m.reviewCalls.Load() }

// requiredFields are the appeal fields the heuristic scorer expects.
var requiredFields = []string{"name", "order_id", "reason", "evidence", "contact"}

// NewMockProvider returns a MockProvider with deterministic heuristic responses:
// completion tracks how many required fields were collected, and transcripts
// mentioning rude or apologetic phrasing pick up matching tags.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock",
		ScoreFunc: func(_ context.Context, req models.ScoreRequest) (models.ScoreResult, error) {
			collected := 0
			for _, f := range requiredFields {
				if strings.TrimSpace(req.Fields[f]) != "" {
					collected++
				}
			}
			completion := 100 * float64(collected) / float64(len(requiredFields))

			var tags []string
			professionalism := 90.0
			for _, m := range req.Transcript {
				text := strings.ToLower(m.Content)
				if m.Role == "assistant" && strings.Contains(text, "calm down") {
					tags = append(tags, "dismissive_tone")
					professionalism -= 30
				}
			}
			if req.Fields["evidence"] == "" {
				tags = append(tags, "missing_evidence")
			}

			return models.ScoreResult{
				Completion:      completion,
				Professionalism: professionalism,
				ViolationTags:   tags,
				AppealSuccess:   completion / 100 * professionalism / 100,
				Rationale:       "Heuristic grade from the mock provider",
			}, nil
		},
		ReviewFunc: func(_ context.Context, req models.ReviewRequest) (models.ReviewVerdict, error) {
			if len(req.Analyses) == 0 {
				return models.ReviewVerdict{Verdict: models.VerdictReject, Confidence: 0.3, Reason: "no supporting analyses"}, nil
			}
			success := 0
			for _, a := range req.Analyses {
				if a.Outcome == models.OutcomeSuccess {
					success++
				}
			}
			rate := float64(success) / float64(len(req.Analyses))
			if rate >= 0.5 {
				return models.ReviewVerdict{Verdict: models.VerdictApprove, Confidence: rate, Reason: "mostly successful outcomes"}, nil
			}
			return models.ReviewVerdict{Verdict: models.VerdictReject, Confidence: 1 - rate, Reason: "mostly failed outcomes"}, nil
		},
	}
}

// NewFailingProvider returns a MockProvider that always returns the given error.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_: "mock-failing",
		ScoreFunc: func(_ context.Context, _ models.ScoreRequest) (models.ScoreResult, error) {
			return models.ScoreResult{}, err
		},
		ReviewFunc: func(_ context.Context, _ models.ReviewRequest) (models.ReviewVerdict, error) {
			return models.ReviewVerdict{}, err
		},
	}
}

// NewTimeoutProvider returns a MockProvider that blocks until context is cancelled.
func NewTimeoutProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock-timeout",
		ScoreFunc: func(ctx context.Context, _ models.ScoreRequest) (models.ScoreResult, error) {
			<-ctx.Done()
			return models.ScoreResult{}, ai.ErrInferenceTimeout
		},
		ReviewFunc: func(ctx context.Context, _ models.ReviewRequest) (models.ReviewVerdict, error) {
			<-ctx.Done()
			return models.ReviewVerdict{}, ai.ErrInferenceTimeout
		},
	}
}

// Compile-time check that MockProvider implements AIProvider.
var _ models.AIProvider = (*MockProvider)(nil)
