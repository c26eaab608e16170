// Package storetest holds the behavioural suite every store.Store backend must pass.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/ruleforge/internal/store"
	"github.com/kiranshivaraju/ruleforge/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) store.Store

// Run executes the full suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("SessionCreateGet", func(t *testing.T) { testSessionCreateGet(t, newStore(t)) })
	t.Run("SessionOutcome", func(t *testing.T) { testSessionOutcome(t, newStore(t)) })
	t.Run("ClaimExclusive", func(t *testing.T) { testClaimExclusive(t, newStore(t)) })
	t.Run("ClaimConcurrent", func(t *testing.T) { testClaimConcurrent(t, newStore(t)) })
	t.Run("ClaimStaleReclaim", func(t *testing.T) { testClaimStaleReclaim(t, newStore(t)) })
	t.Run("CompleteAnalysis", func(t *testing.T) { testCompleteAnalysis(t, newStore(t)) })
	t.Run("CompleteAnalysisWrongToken", func(t *testing.T) { testCompleteWrongToken(t, newStore(t)) })
	t.Run("ReleaseClaim", func(t *testing.T) { testReleaseClaim(t, newStore(t)) })
	t.Run("ListAnalysesFilters", func(t *testing.T) { testListAnalyses(t, newStore(t)) })
	t.Run("RuleCRUD", func(t *testing.T) { testRuleCRUD(t, newStore(t)) })
	t.Run("RuleTransitionCAS", func(t *testing.T) { testRuleTransition(t, newStore(t)) })
	t.Run("RuleEvaluations", func(t *testing.T) { testRuleEvaluations(t, newStore(t)) })
	t.Run("ClusterRefresh", func(t *testing.T) { testClusterRefresh(t, newStore(t)) })
	t.Run("DailyMetricUpsert", func(t *testing.T) { testDailyMetric(t, newStore(t)) })
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// SeedSession inserts a session with the given outcome and one message.
func SeedSession(t *testing.T, s store.Store, outcome string, createdAt time.Time) *models.Session {
	t.Helper()
	ses := &models.Session{
		ID: uuid.New(),
		Messages: []models.Message{
			{Role: "user", Content: "My order never arrived", CreatedAt: createdAt},
			{Role: "assistant", Content: "Let me help you file an appeal.", CreatedAt: createdAt},
		},
		Fields: map[string]models.CollectedField{
			"order_id": {Value: "A-1001"},
		},
		Outcome:   outcome,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	require.NoError(t, s.CreateSession(context.Background(), ses))
	return ses
}

// SeedAnalysis claims ses and completes it with an analysis carrying tags.
func SeedAnalysis(t *testing.T, s store.Store, ses *models.Session, completion float64, tags ...string) *models.Analysis {
	t.Helper()
	ctx := context.Background()
	token := uuid.New()
	claimed, err := s.ClaimSessions(ctx, token, 1000, time.Hour)
	require.NoError(t, err)

	a := &models.Analysis{
		ID:              uuid.New(),
		SessionID:       ses.ID,
		Completion:      completion,
		Professionalism: 80,
		ViolationTags:   []string{},
		AppealSuccess:   0.5,
		Rationale:       "seeded",
		DerivedTags:     tags,
		Provider:        "mock",
		CreatedAt:       ses.CreatedAt,
	}
	require.NoError(t, s.CompleteAnalysis(ctx, token, a))

	// Give back anything else the broad claim picked up.
	for _, c := range claimed {
		if c.ID == ses.ID {
			continue
		}
		_, err := s.ReleaseClaim(ctx, c.ID, token, store.ReleaseOptions{})
		require.NoError(t, err)
	}
	return a
}

func testSessionCreateGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	ses := SeedSession(t, s, models.OutcomeUnknown, now())

	got, err := s.GetSession(ctx, ses.ID)
	require.NoError(t, err)
	assert.Equal(t, ses.ID, got.ID)
	assert.Len(t, got.Messages, 2)
	assert.Equal(t, "A-1001", got.Fields["order_id"].Value)
	assert.Nil(t, got.AnalyzedAt)
	assert.False(t, got.Unanalyzable)

	_, err = s.GetSession(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)

	err = s.CreateSession(ctx, ses)
	assert.ErrorIs(t, err, store.ErrDuplicateKey)
}

func testSessionOutcome(t *testing.T, s store.Store) {
	ctx := context.Background()
	ses := SeedSession(t, s, models.OutcomeUnknown, now())

	require.NoError(t, s.SetSessionOutcome(ctx, ses.ID, models.OutcomeSuccess))
	got, err := s.GetSession(ctx, ses.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSuccess, got.Outcome)

	assert.Error(t, s.SetSessionOutcome(ctx, ses.ID, "maybe"))
	assert.ErrorIs(t, s.SetSessionOutcome(ctx, uuid.New(), models.OutcomeFail), store.ErrNotFound)
}

func testClaimExclusive(t *testing.T, s store.Store) {
	ctx := context.Background()
	base := now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		SeedSession(t, s, models.OutcomeUnknown, base.Add(time.Duration(i)*time.Minute))
	}

	first, err := s.ClaimSessions(ctx, uuid.New(), 3, time.Hour)
	require.NoError(t, err)
	assert.Len(t, first, 3)

	second, err := s.ClaimSessions(ctx, uuid.New(), 10, time.Hour)
	require.NoError(t, err)
	assert.Len(t, second, 2)

	seen := map[uuid.UUID]bool{}
	for _, ses := range append(first, second...) {
		assert.False(t, seen[ses.ID], "session %s claimed twice", ses.ID)
		seen[ses.ID] = true
		require.NotNil(t, ses.ClaimToken)
	}

	none, err := s.ClaimSessions(ctx, uuid.New(), 10, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, none)

	st, err := s.AnalysisStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Pending)
	assert.Equal(t, 5, st.Claimed)
}

func testClaimConcurrent(t *testing.T, s store.Store) {
	ctx := context.Background()
	const total = 40
	for i := 0; i < total; i++ {
		SeedSession(t, s, models.OutcomeUnknown, now())
	}

	var mu sync.Mutex
	counts := map[uuid.UUID]int{}
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := s.ClaimSessions(ctx, uuid.New(), 3, time.Hour)
				if !assert.NoError(t, err) || len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, c := range claimed {
					counts[c.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, counts, total)
	for id, n := range counts {
		assert.Equal(t, 1, n, "session %s claimed %d times", id, n)
	}
}

func testClaimStaleReclaim(t *testing.T, s store.Store) {
	ctx := context.Background()
	ses := SeedSession(t, s, models.OutcomeUnknown, now())

	stale := uuid.New()
	claimed, err := s.ClaimSessions(ctx, stale, 1, time.Hour)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	time.Sleep(20 * time.Millisecond)

	fresh := uuid.New()
	reclaimed, err := s.ClaimSessions(ctx, fresh, 1, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, ses.ID, reclaimed[0].ID)

	// The abandoned worker can no longer complete.
	err = s.CompleteAnalysis(ctx, stale, &models.Analysis{
		ID: uuid.New(), SessionID: ses.ID, Completion: 50, Professionalism: 50,
		ViolationTags: []string{}, DerivedTags: []string{}, CreatedAt: now(),
	})
	assert.ErrorIs(t, err, store.ErrClaimLost)
}

func testCompleteAnalysis(t *testing.T, s store.Store) {
	ctx := context.Background()
	ses := SeedSession(t, s, models.OutcomeSuccess, now())
	a := SeedAnalysis(t, s, ses, 75, "field:order_id")

	got, err := s.GetSession(ctx, ses.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AnalyzedAt)
	assert.Nil(t, got.ClaimToken)

	list, err := s.ListAnalyses(ctx, store.AnalysisFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, models.OutcomeSuccess, list[0].Outcome)
	assert.Equal(t, []string{"field:order_id"}, list[0].DerivedTags)

	// Analyzed sessions are never claimed again.
	claimed, err := s.ClaimSessions(ctx, uuid.New(), 10, 0)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	st, err := s.AnalysisStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Total)
	assert.InDelta(t, 75, st.AvgCompletion, 0.001)
}

func testCompleteWrongToken(t *testing.T, s store.Store) {
	ctx := context.Background()
	ses := SeedSession(t, s, models.OutcomeUnknown, now())
	_, err := s.ClaimSessions(ctx, uuid.New(), 1, time.Hour)
	require.NoError(t, err)

	err = s.CompleteAnalysis(ctx, uuid.New(), &models.Analysis{
		ID: uuid.New(), SessionID: ses.ID, Completion: 10, Professionalism: 10,
		ViolationTags: []string{}, DerivedTags: []string{}, CreatedAt: now(),
	})
	assert.ErrorIs(t, err, store.ErrClaimLost)

	list, err := s.ListAnalyses(ctx, store.AnalysisFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func testReleaseClaim(t *testing.T, s store.Store) {
	ctx := context.Background()
	ses := SeedSession(t, s, models.OutcomeUnknown, now())

	for attempt := 1; attempt <= 3; attempt++ {
		token := uuid.New()
		claimed, err := s.ClaimSessions(ctx, token, 1, time.Hour)
		require.NoError(t, err)
		require.Len(t, claimed, 1, "attempt %d", attempt)

		res, err := s.ReleaseClaim(ctx, ses.ID, token, store.ReleaseOptions{
			CountAttempt: true, Error: "timeout", MaxAttempts: 3,
		})
		require.NoError(t, err)
		assert.Equal(t, attempt, res.Attempts)
		assert.Equal(t, attempt == 3, res.Unanalyzable)
	}

	claimed, err := s.ClaimSessions(ctx, uuid.New(), 1, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, claimed)

	got, err := s.GetSession(ctx, ses.ID)
	require.NoError(t, err)
	assert.True(t, got.Unanalyzable)
	assert.Equal(t, "timeout", got.LastError)

	n, err := s.CountSessions(ctx, store.SessionCountFilter{OnlyUnanalyzable: true})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.ReleaseClaim(ctx, ses.ID, uuid.New(), store.ReleaseOptions{})
	assert.ErrorIs(t, err, store.ErrClaimLost)

	other := SeedSession(t, s, models.OutcomeUnknown, now())
	token := uuid.New()
	_, err = s.ClaimSessions(ctx, token, 1, time.Hour)
	require.NoError(t, err)
	res, err := s.ReleaseClaim(ctx, other.ID, token, store.ReleaseOptions{Permanent: true})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Attempts)
	assert.True(t, res.Unanalyzable)
}

func testListAnalyses(t *testing.T, s store.Store) {
	ctx := context.Background()
	day := now().Add(-48 * time.Hour)

	old := SeedSession(t, s, models.OutcomeSuccess, day)
	SeedAnalysis(t, s, old, 60, "missing_evidence")
	recent := SeedSession(t, s, models.OutcomeFail, day.Add(24*time.Hour))
	SeedAnalysis(t, s, recent, 40, "missing_evidence", "field:order_id")
	unknown := SeedSession(t, s, models.OutcomeUnknown, day.Add(25*time.Hour))
	SeedAnalysis(t, s, unknown, 90, "missing_evidence")

	all, err := s.ListAnalyses(ctx, store.AnalysisFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, old.ID, all[0].SessionID)

	since, err := s.ListAnalyses(ctx, store.AnalysisFilter{Since: day.Add(time.Hour)})
	require.NoError(t, err)
	assert.Len(t, since, 2)

	tagged, err := s.ListAnalyses(ctx, store.AnalysisFilter{Tag: "field:order_id"})
	require.NoError(t, err)
	require.Len(t, tagged, 1)
	assert.Equal(t, recent.ID, tagged[0].SessionID)

	known, err := s.ListAnalyses(ctx, store.AnalysisFilter{Tag: "missing_evidence", KnownOutcome: true})
	require.NoError(t, err)
	assert.Len(t, known, 2)

	newest, err := s.ListAnalyses(ctx, store.AnalysisFilter{NewestFirst: true, Limit: 1})
	require.NoError(t, err)
	require.Len(t, newest, 1)
	assert.Equal(t, unknown.ID, newest[0].SessionID)

	n, err := s.CountSessions(ctx, store.SessionCountFilter{
		CreatedSince: day.Add(time.Hour), CreatedUntil: day.Add(48 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func newRule(key string) *models.Rule {
	ts := now()
	return &models.Rule{
		ID:         uuid.New(),
		Key:        key,
		Name:       "Rule " + key,
		Category:   "missing_evidence",
		Definition: "Ask for evidence before filing.",
		Status:     models.RuleStatusPending,
		Source:     models.RuleSourceManual,
		CreatedAt:  ts,
		UpdatedAt:  ts,
	}
}

func testRuleCRUD(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := newRule("ask-evidence")
	require.NoError(t, s.CreateRule(ctx, r))

	got, err := s.GetRule(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "ask-evidence", got.Key)
	assert.Nil(t, got.Score)

	dup := newRule("ask-evidence")
	assert.ErrorIs(t, s.CreateRule(ctx, dup), store.ErrDuplicateKey)

	_, err = s.GetRule(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)

	score := 0.82
	require.NoError(t, s.UpdateRuleScore(ctx, r.ID, store.ScoreUpdate{
		Score: &score, SampleCount: 12, ConsecutiveLow: 0, EvaluatedAt: now(),
	}))
	got, err = s.GetRule(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Score)
	assert.InDelta(t, 0.82, *got.Score, 1e-9)
	assert.Equal(t, 12, got.SampleCount)
	assert.NotNil(t, got.LastEvaluatedAt)

	other := newRule("calm-tone")
	other.Category = "dismissive_tone"
	require.NoError(t, s.CreateRule(ctx, other))

	pending, err := s.ListRules(ctx, store.RuleFilter{Statuses: []string{models.RuleStatusPending}})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, r.ID, pending[0].ID, "scored rules sort first")

	byCat, err := s.ListRules(ctx, store.RuleFilter{Category: "dismissive_tone"})
	require.NoError(t, err)
	require.Len(t, byCat, 1)

	require.NoError(t, s.RecordReview(ctx, r.ID, store.ReviewStamp{Actor: models.ReviewActorAutomated, At: now()}))
	got, err = s.GetRule(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastReviewActor)
	assert.Equal(t, models.ReviewActorAutomated, *got.LastReviewActor)

	st, err := s.RuleStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Total)
	assert.Equal(t, 2, st.ByStatus[models.RuleStatusPending])
	require.NotNil(t, st.AvgScore)
	assert.InDelta(t, 0.82, *st.AvgScore, 1e-9)
}

func testRuleTransition(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := newRule("transition-me")
	require.NoError(t, s.CreateRule(ctx, r))

	tr := &models.RuleTransition{
		ID: uuid.New(), RuleID: r.ID,
		From: models.RuleStatusPending, To: models.RuleStatusActive,
		Actor: "promoter", SampleCount: 7, Reason: "score above threshold", At: now(),
	}
	require.NoError(t, s.TransitionRule(ctx, tr, nil))

	got, err := s.GetRule(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RuleStatusActive, got.Status)

	// Replaying the same compare-and-set fails: the rule is no longer pending.
	replay := *tr
	replay.ID = uuid.New()
	assert.ErrorIs(t, s.TransitionRule(ctx, &replay, nil), store.ErrStaleStatus)

	missing := *tr
	missing.ID = uuid.New()
	missing.RuleID = uuid.New()
	assert.ErrorIs(t, s.TransitionRule(ctx, &missing, nil), store.ErrNotFound)

	retire := &models.RuleTransition{
		ID: uuid.New(), RuleID: r.ID,
		From: models.RuleStatusActive, To: models.RuleStatusRetired,
		Actor: "reviewer", Reason: "outdated", At: now(),
	}
	require.NoError(t, s.TransitionRule(ctx, retire, &store.ReviewStamp{Actor: models.ReviewActorHuman, At: now()}))

	got, err = s.GetRule(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RuleStatusRetired, got.Status)
	require.NotNil(t, got.LastReviewActor)
	assert.Equal(t, models.ReviewActorHuman, *got.LastReviewActor)

	history, err := s.ListTransitions(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, models.RuleStatusActive, history[0].To)
	assert.Equal(t, models.RuleStatusRetired, history[1].To)
}

func testRuleEvaluations(t *testing.T, s store.Store) {
	ctx := context.Background()
	r := newRule("evaluated")
	require.NoError(t, s.CreateRule(ctx, r))

	base := now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		score := float64(i) / 10
		require.NoError(t, s.AppendEvaluation(ctx, &models.EvaluationRecord{
			ID: uuid.New(), RuleID: r.ID, Score: &score, SampleCount: i,
			EvaluatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	require.NoError(t, s.AppendEvaluation(ctx, &models.EvaluationRecord{
		ID: uuid.New(), RuleID: r.ID, Score: nil, SampleCount: 0, EvaluatedAt: base.Add(time.Hour),
	}))

	recs, err := s.ListEvaluations(ctx, r.ID, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Nil(t, recs[0].Score, "newest first")
	require.NotNil(t, recs[1].Score)
	assert.InDelta(t, 0.2, *recs[1].Score, 1e-9)
}

func testClusterRefresh(t *testing.T, s store.Store) {
	ctx := context.Background()
	a1 := SeedAnalysis(t, s, SeedSession(t, s, models.OutcomeFail, now()), 40, "missing_evidence")
	a2 := SeedAnalysis(t, s, SeedSession(t, s, models.OutcomeFail, now()), 45, "missing_evidence")

	ts := now()
	c := &models.KnowledgeCluster{
		ID: uuid.New(), Type: models.ClusterTypeViolation, Fingerprint: "fp-1",
		Signature: []string{"missing_evidence"}, Summary: "2 analyses", DominantTag: "missing_evidence",
		MemberCount: 2, Active: true, RefreshedAt: ts, CreatedAt: ts,
		Members: []uuid.UUID{a1.ID, a2.ID},
	}
	require.NoError(t, s.SaveClusterRefresh(ctx, models.ClusterTypeViolation, []*models.KnowledgeCluster{c}))

	members, err := s.ClusterMembers(ctx, c.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{a1.ID, a2.ID}, members)

	// A second refresh replaces membership and keeps the signature.
	c.Members = []uuid.UUID{a1.ID}
	c.MemberCount = 1
	c.Summary = "1 analysis"
	require.NoError(t, s.SaveClusterRefresh(ctx, models.ClusterTypeViolation, []*models.KnowledgeCluster{c}))

	members, err = s.ClusterMembers(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{a1.ID}, members)

	list, err := s.ListClusters(ctx, store.ClusterFilter{Type: models.ClusterTypeViolation})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, 1, list[0].MemberCount)
	assert.Equal(t, []string{"missing_evidence"}, list[0].Signature)

	// A cluster of another type is rejected.
	bad := *c
	bad.ID = uuid.New()
	bad.Type = models.ClusterTypeSuccess
	assert.Error(t, s.SaveClusterRefresh(ctx, models.ClusterTypeViolation, []*models.KnowledgeCluster{&bad}))

	rule := newRule("from-cluster")
	rule.Source = models.RuleSourceCluster
	rule.SourceClusterID = &c.ID
	require.NoError(t, s.CreateRule(ctx, rule))
	got, err := s.GetRuleBySourceCluster(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, rule.ID, got.ID)
	_, err = s.GetRuleBySourceCluster(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)

	st, err := s.ClusterStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Total)
	assert.Equal(t, 1, st.Active)
	assert.Equal(t, 1, st.ByType[models.ClusterTypeViolation])
}

func testDailyMetric(t *testing.T, s store.Store) {
	ctx := context.Background()
	day := models.DayStart(now())

	m := &models.DailyMetric{Day: day.Add(5 * time.Hour), RequestCount: 4, AnalysisCount: 3, UpdatedAt: now()}
	require.NoError(t, s.UpsertDailyMetric(ctx, m))

	m.RequestCount = 10
	m.AnalysisCount = 9
	m.AvgCompletion = 72.5
	require.NoError(t, s.UpsertDailyMetric(ctx, m))

	got, err := s.GetDailyMetric(ctx, day)
	require.NoError(t, err)
	assert.True(t, got.Day.Equal(day))
	assert.Equal(t, 10, got.RequestCount)
	assert.InDelta(t, 72.5, got.AvgCompletion, 1e-9)

	_, err = s.GetDailyMetric(ctx, day.AddDate(0, 0, -3))
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.UpsertDailyMetric(ctx, &models.DailyMetric{Day: day.AddDate(0, 0, -1), UpdatedAt: now()}))
	list, err := s.ListDailyMetrics(ctx, day.AddDate(0, 0, -7), day)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.True(t, list[0].Day.Before(list[1].Day))
}
