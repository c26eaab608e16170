package engine_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/ruleforge/internal/ai/mock"
	"github.com/kiranshivaraju/ruleforge/internal/cache"
	"github.com/kiranshivaraju/ruleforge/internal/config"
	"github.com/kiranshivaraju/ruleforge/internal/engine"
	"github.com/kiranshivaraju/ruleforge/internal/report"
	"github.com/kiranshivaraju/ruleforge/internal/rules"
	"github.com/kiranshivaraju/ruleforge/internal/store"
	"github.com/kiranshivaraju/ruleforge/internal/store/memory"
	"github.com/kiranshivaraju/ruleforge/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store    *memory.Store
	registry *rules.Registry
	lock     *cache.MemoryCache
	engine   *engine.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := memory.New()
	reg := rules.NewRegistry(s)
	c := cache.NewMemoryCache()
	e := engine.New(engine.Deps{
		Store:            s,
		Registry:         reg,
		Provider:         mock.NewMockProvider(),
		Reports:          report.New(s, c, time.Minute),
		Lock:             c,
		InferenceTimeout: time.Second,
	}, config.DefaultEngine())
	return &fixture{store: s, registry: reg, lock: c, engine: e}
}

// seedAppeal stores a session the mock provider grades at completion 80 with
// a missing_evidence violation.
func (f *fixture) seedAppeal(t *testing.T, outcome string) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, f.store.CreateSession(context.Background(), &models.Session{
		ID: uuid.New(),
		Messages: []models.Message{
			{Role: "user", Content: "I want to appeal my parking ticket", CreatedAt: now},
			{Role: "assistant", Content: "I can help with that.", CreatedAt: now},
		},
		Fields: map[string]models.CollectedField{
			"name":     {Value: "Dana"},
			"order_id": {Value: "T-77"},
			"reason":   {Value: "sign was hidden"},
			"contact":  {Value: "dana@example.com"},
		},
		Outcome:   outcome,
		CreatedAt: now,
		UpdatedAt: now,
	}))
}

func TestRunCycle_PromotesEffectiveRule(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for i := range 10 {
		outcome := models.OutcomeSuccess
		if i >= 8 {
			outcome = models.OutcomeFail
		}
		f.seedAppeal(t, outcome)
	}
	manual, err := f.registry.Create(ctx, rules.NewRule{
		Key:      "ask-for-evidence",
		Category: "missing_evidence",
	})
	require.NoError(t, err)

	res, err := f.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Nil(t, res.Errors)
	assert.Equal(t, 10, res.Analyze.Succeeded)
	assert.Equal(t, 1, res.Evaluate.Scored)
	assert.Equal(t, 1, res.Promote.Promoted)
	require.NotNil(t, res.Proposals)
	assert.Equal(t, 1, res.Proposals.Proposed)
	assert.Len(t, res.Daily, 2)
	assert.Equal(t, 10, res.Daily[1].AnalysisCount)

	got, err := f.registry.Get(ctx, manual.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RuleStatusActive, got.Status)
	require.NotNil(t, got.Score)
	assert.InDelta(t, 0.8, *got.Score, 1e-9)
	assert.Equal(t, 10, got.SampleCount)

	// The cluster-proposed rule is pending until the next cycle scores it.
	proposed, err := f.registry.List(ctx, store.RuleFilter{Statuses: []string{models.RuleStatusPending}})
	require.NoError(t, err)
	require.Len(t, proposed, 1)
	assert.Equal(t, models.RuleSourceCluster, proposed[0].Source)

	second, err := f.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Analyze.Attempted)
	assert.Equal(t, 0, second.Clusters.Created)
	assert.Equal(t, 0, second.Proposals.Proposed)
	assert.Equal(t, 1, second.Promote.Promoted)

	active, err := f.registry.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestRunCycle_RejectsConcurrentCycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ok, err := f.lock.TryLock(ctx, cache.CycleLockKey(), "other-replica", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.engine.RunCycle(ctx)
	assert.ErrorIs(t, err, engine.ErrCycleRunning)

	require.NoError(t, f.lock.Unlock(ctx, cache.CycleLockKey(), "other-replica"))
	_, err = f.engine.RunCycle(ctx)
	assert.NoError(t, err)

	// The lock is released after the cycle.
	ok, err = f.lock.TryLock(ctx, cache.CycleLockKey(), "other-replica", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunCycle_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.seedAppeal(t, models.OutcomeSuccess)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.engine.RunCycle(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Nil(t, res.Clusters, "later stages do not run")
}

func TestStageMethods(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for range 3 {
		f.seedAppeal(t, models.OutcomeSuccess)
	}

	br, err := f.engine.Analyze(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, br.Attempted)

	m, err := f.engine.AggregateDay(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 3, m.RequestCount)
	assert.Equal(t, 2, m.AnalysisCount)
}

func TestScheduler_RunsJobsAndRecoversPanics(t *testing.T) {
	var runs, panics atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())

	s := engine.NewScheduler(
		engine.Job{Name: "count", Every: 10 * time.Millisecond, Run: func(context.Context) error {
			runs.Add(1)
			return nil
		}},
		engine.Job{Name: "panics", Every: 10 * time.Millisecond, Run: func(context.Context) error {
			panics.Add(1)
			panic("boom")
		}},
		engine.Job{Name: "fails", Every: 10 * time.Millisecond, Run: func(context.Context) error {
			return errors.New("stage failed")
		}},
		engine.Job{Name: "disabled", Every: 0, Run: func(context.Context) error {
			t.Error("disabled job ran")
			return nil
		}},
	)
	s.Start(ctx)

	require.Eventually(t, func() bool {
		return runs.Load() >= 3 && panics.Load() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	s.Wait()
}

func TestScheduler_NoOverlap(t *testing.T) {
	var active, maxActive, runs atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := engine.NewScheduler(engine.Job{Name: "slow", Every: 5 * time.Millisecond, Run: func(context.Context) error {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		active.Add(-1)
		runs.Add(1)
		return nil
	}})
	s.Start(ctx)

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	s.Wait()
	assert.Equal(t, int32(1), maxActive.Load())
}

func TestJobs_StandardSchedule(t *testing.T) {
	f := newFixture(t)
	jobs := engine.Jobs(f.engine, time.Minute, time.Minute, 0, time.Hour)
	require.Len(t, jobs, 4)
	names := make([]string, 0, len(jobs))
	for _, j := range jobs {
		names = append(names, j.Name)
		require.NoError(t, j.Run(context.Background()))
	}
	assert.Equal(t, []string{"analyze", "evaluate", "review", "knowledge"}, names)
}
