package evaluator_test

import (
	"context"
	"testing"
	"time"

	"github.com/kiranshivaraju/ruleforge/internal/evaluator"
	"github.com/kiranshivaraju/ruleforge/internal/promotion"
	"github.com/kiranshivaraju/ruleforge/internal/rules"
	"github.com/kiranshivaraju/ruleforge/internal/store/memory"
	"github.com/kiranshivaraju/ruleforge/internal/store/storetest"
	"github.com/kiranshivaraju/ruleforge/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultConfig() evaluator.Config {
	return evaluator.Config{MinSamples: 5, SuccessWeight: 0.7, DemoteThreshold: 0.4}
}

func analysis(outcome string, completion float64) *models.Analysis {
	return &models.Analysis{Outcome: outcome, Completion: completion}
}

func TestScore(t *testing.T) {
	tests := []struct {
		name      string
		samples   []*models.Analysis
		min       int
		weight    float64
		wantNil   bool
		wantScore float64
		wantN     int
	}{
		{
			name:    "below min samples",
			samples: []*models.Analysis{analysis(models.OutcomeSuccess, 100)},
			min:     5, weight: 0.7, wantNil: true, wantN: 1,
		},
		{
			name:    "no samples",
			min:     1, weight: 0.7, wantNil: true, wantN: 0,
		},
		{
			name: "unknown outcomes excluded",
			samples: []*models.Analysis{
				analysis(models.OutcomeSuccess, 50),
				analysis(models.OutcomeUnknown, 0),
				analysis(models.OutcomeFail, 50),
			},
			min: 2, weight: 1, wantScore: 0.5, wantN: 2,
		},
		{
			name: "completion only",
			samples: []*models.Analysis{
				analysis(models.OutcomeFail, 40),
				analysis(models.OutcomeFail, 60),
			},
			min: 1, weight: 0, wantScore: 0.5, wantN: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, n := evaluator.Score(tt.samples, tt.min, tt.weight)
			assert.Equal(t, tt.wantN, n)
			if tt.wantNil {
				assert.Nil(t, score)
				return
			}
			require.NotNil(t, score)
			assert.InDelta(t, tt.wantScore, *score, 1e-9)
		})
	}
}

func TestEvaluateRule_OverlappingPassesKeepEveryLow(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	now := time.Now().UTC()
	for i := 0; i < 10; i++ {
		ses := storetest.SeedSession(t, st, models.OutcomeFail, now.Add(time.Duration(-i)*time.Minute))
		storetest.SeedAnalysis(t, st, ses, 10, "missing_evidence")
	}

	reg := rules.NewRegistry(st)
	r, err := reg.Create(ctx, rules.NewRule{Key: "failing", Category: "missing_evidence"})
	require.NoError(t, err)
	active, err := reg.Transition(ctx, rules.WriterReviewer, r, models.RuleStatusActive, rules.Evidence{})
	require.NoError(t, err)

	// Two passes evaluating the same snapshot of the rule.
	ev := evaluator.New(reg, st, defaultConfig())
	_, err = ev.EvaluateRule(ctx, active)
	require.NoError(t, err)
	second, err := ev.EvaluateRule(ctx, active)
	require.NoError(t, err)
	assert.Equal(t, 2, second.ConsecutiveLow)

	_, err = ev.EvaluateAll(ctx)
	require.NoError(t, err)
	got, err := reg.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.ConsecutiveLow)

	res, err := promotion.New(reg, promotion.Thresholds{MinSamples: 5, Promote: 0.7, Reject: 0.3, Demote: 0.4, DemoteAfter: 3}).RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retired)
	got, err = reg.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RuleStatusRetired, got.Status)
}

func TestEvaluateRule_LowsBeforeActivationDoNotCount(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		ses := storetest.SeedSession(t, st, models.OutcomeFail, now.Add(time.Duration(-i)*time.Minute))
		storetest.SeedAnalysis(t, st, ses, 10, "missing_evidence")
	}

	reg := rules.NewRegistry(st)
	r, err := reg.Create(ctx, rules.NewRule{Key: "late-approval", Category: "missing_evidence"})
	require.NoError(t, err)
	ev := evaluator.New(reg, st, defaultConfig())
	for range 3 {
		_, err = ev.EvaluateRule(ctx, r)
		require.NoError(t, err)
	}
	pending, err := reg.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, pending.ConsecutiveLow)

	_, err = reg.Transition(ctx, rules.WriterReviewer, pending, models.RuleStatusActive,
		rules.Evidence{ReviewActor: models.ReviewActorHuman})
	require.NoError(t, err)

	res, err := promotion.New(reg, promotion.Thresholds{MinSamples: 5, Promote: 0.7, Reject: 0.3, Demote: 0.4, DemoteAfter: 3}).RunPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Retired)
	got, err := reg.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RuleStatusActive, got.Status)

	after, err := ev.EvaluateRule(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, 1, after.ConsecutiveLow)
}

func TestEvaluateAll_EightOfTenSuccessful(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 10; i++ {
		outcome := models.OutcomeSuccess
		if i >= 8 {
			outcome = models.OutcomeFail
		}
		ses := storetest.SeedSession(t, st, outcome, now.Add(time.Duration(-i)*time.Minute))
		storetest.SeedAnalysis(t, st, ses, 80, "missing_evidence")
	}
	unknown := storetest.SeedSession(t, st, models.OutcomeUnknown, now)
	storetest.SeedAnalysis(t, st, unknown, 0, "missing_evidence")
	sparse := storetest.SeedSession(t, st, models.OutcomeSuccess, now)
	storetest.SeedAnalysis(t, st, sparse, 90, "dismissive_tone")

	reg := rules.NewRegistry(st)
	target, err := reg.Create(ctx, rules.NewRule{Key: "ask-evidence", Category: "missing_evidence"})
	require.NoError(t, err)
	thin, err := reg.Create(ctx, rules.NewRule{Key: "calm-tone", Category: "dismissive_tone"})
	require.NoError(t, err)

	ev := evaluator.New(reg, st, defaultConfig())
	res, err := ev.EvaluateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, evaluator.Result{Attempted: 2, Scored: 1, Insufficient: 1}, res)

	got, err := reg.Get(ctx, target.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Score)
	assert.InDelta(t, 0.8, *got.Score, 1e-9)
	assert.Equal(t, 10, got.SampleCount)
	assert.Equal(t, 0, got.ConsecutiveLow)

	got, err = reg.Get(ctx, thin.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Score)
	assert.Equal(t, 1, got.SampleCount)

	recs, err := reg.RecentEvaluations(ctx, target.ID, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 10, recs[0].SampleCount)

	// A second pass appends rather than replaces.
	_, err = ev.EvaluateAll(ctx)
	require.NoError(t, err)
	recs, err = reg.RecentEvaluations(ctx, target.ID, 10)
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestEvaluateAll_SkipsTerminalRules(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	reg := rules.NewRegistry(st)

	r, err := reg.Create(ctx, rules.NewRule{Key: "gone", Category: "missing_evidence"})
	require.NoError(t, err)
	_, err = reg.Transition(ctx, rules.WriterReviewer, r, models.RuleStatusRejected, rules.Evidence{})
	require.NoError(t, err)

	res, err := evaluator.New(reg, st, defaultConfig()).EvaluateAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Attempted)
}

func TestEvaluateAll_WindowExcludesOldAnalyses(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		old := storetest.SeedSession(t, st, models.OutcomeSuccess, now.Add(-72*time.Hour))
		storetest.SeedAnalysis(t, st, old, 100, "missing_evidence")
	}
	recent := storetest.SeedSession(t, st, models.OutcomeFail, now.Add(-time.Hour))
	storetest.SeedAnalysis(t, st, recent, 10, "missing_evidence")

	reg := rules.NewRegistry(st)
	r, err := reg.Create(ctx, rules.NewRule{Key: "windowed", Category: "missing_evidence"})
	require.NoError(t, err)

	cfg := defaultConfig()
	cfg.MinSamples = 1
	cfg.Window = 24 * time.Hour
	ev, err := evaluator.New(reg, st, cfg).EvaluateRule(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, 1, ev.SampleCount)
	require.NotNil(t, ev.Score)
	assert.InDelta(t, 0.3*0.1, *ev.Score, 1e-9)
	assert.Equal(t, 1, ev.ConsecutiveLow)
}
