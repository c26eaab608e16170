package knowledge_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/ruleforge/internal/knowledge"
	"github.com/kiranshivaraju/ruleforge/internal/rules"
	"github.com/kiranshivaraju/ruleforge/internal/store"
	"github.com/kiranshivaraju/ruleforge/internal/store/memory"
	"github.com/kiranshivaraju/ruleforge/internal/store/storetest"
	"github.com/kiranshivaraju/ruleforge/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T, minProposal int) (*memory.Store, *rules.Registry, *knowledge.Aggregator) {
	t.Helper()
	s := memory.New()
	reg := rules.NewRegistry(s)
	agg := knowledge.New(s, reg, knowledge.Config{Similarity: 0.5, MinProposal: minProposal})
	return s, reg, agg
}

func seed(t *testing.T, s *memory.Store, outcome string, at time.Time, tags ...string) *models.Analysis {
	t.Helper()
	ses := storetest.SeedSession(t, s, outcome, at)
	return storetest.SeedAnalysis(t, s, ses, 70, tags...)
}

func membership(t *testing.T, s *memory.Store, typ string) map[uuid.UUID][]uuid.UUID {
	t.Helper()
	ctx := context.Background()
	clusters, err := s.ListClusters(ctx, store.ClusterFilter{Type: typ})
	require.NoError(t, err)
	out := map[uuid.UUID][]uuid.UUID{}
	for _, c := range clusters {
		ids, err := s.ClusterMembers(ctx, c.ID)
		require.NoError(t, err)
		out[c.ID] = ids
	}
	return out
}

func TestRefreshClusters_GroupsBySimilarity(t *testing.T) {
	ctx := context.Background()
	s, _, agg := setup(t, 5)
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)

	for i := range 3 {
		seed(t, s, models.OutcomeFail, base.Add(time.Duration(i)*time.Second), "no_greeting", "outcome-estimate:low")
	}
	// Jaccard({no_greeting, rude_tone}, {no_greeting}) = 0.5, so this joins the first cluster.
	seed(t, s, models.OutcomeFail, base.Add(5*time.Second), "no_greeting", "rude_tone")
	for i := range 2 {
		seed(t, s, models.OutcomeSuccess, base.Add(time.Duration(10+i)*time.Second), "missing_refund_info", "field:order_id")
	}

	res, err := agg.RefreshClusters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Inactive)

	clusters, err := s.ListClusters(ctx, store.ClusterFilter{Type: models.ClusterTypeViolation})
	require.NoError(t, err)
	require.Len(t, clusters, 2)
	assert.Equal(t, "no_greeting", clusters[0].DominantTag)
	assert.Equal(t, 4, clusters[0].MemberCount)
	assert.Equal(t, []string{"no_greeting"}, clusters[0].Signature)
	assert.Equal(t, "missing_refund_info", clusters[1].DominantTag)
	assert.Equal(t, 2, clusters[1].MemberCount)
	assert.Contains(t, clusters[0].Summary, "4 analyses")

	success, err := s.ListClusters(ctx, store.ClusterFilter{Type: models.ClusterTypeSuccess})
	require.NoError(t, err)
	require.Len(t, success, 1)
	assert.Equal(t, 2, success[0].MemberCount)
	assert.Equal(t, "field:order_id", success[0].DominantTag)

	industry, err := s.ListClusters(ctx, store.ClusterFilter{Type: models.ClusterTypeIndustry})
	require.NoError(t, err)
	assert.Empty(t, industry)
}

func TestRefreshClusters_Idempotent(t *testing.T) {
	ctx := context.Background()
	s, _, agg := setup(t, 5)
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)
	seed(t, s, models.OutcomeSuccess, base, "industry:parking", "no_greeting", "field:industry")
	seed(t, s, models.OutcomeFail, base.Add(time.Second), "industry:parking", "rude_tone", "field:industry")
	seed(t, s, models.OutcomeFail, base.Add(2*time.Second), "late_reply")
	seed(t, s, models.OutcomeSuccess, base.Add(3*time.Second), "late_reply", "no_greeting")

	first, err := agg.RefreshClusters(ctx)
	require.NoError(t, err)
	assert.Positive(t, first.Created)

	before := map[string]map[uuid.UUID][]uuid.UUID{}
	for _, typ := range models.ClusterTypes {
		before[typ] = membership(t, s, typ)
	}

	second, err := agg.RefreshClusters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, first.Assigned, second.Assigned)
	for _, typ := range models.ClusterTypes {
		assert.Equal(t, before[typ], membership(t, s, typ), typ)
	}
}

func TestRefreshClusters_NewAnalysisJoinsExistingCluster(t *testing.T) {
	ctx := context.Background()
	s, _, agg := setup(t, 5)
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)
	seed(t, s, models.OutcomeFail, base, "no_greeting")

	_, err := agg.RefreshClusters(ctx)
	require.NoError(t, err)

	seed(t, s, models.OutcomeFail, base.Add(time.Minute), "no_greeting", "rude_tone")
	res, err := agg.RefreshClusters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Created)

	clusters, err := s.ListClusters(ctx, store.ClusterFilter{Type: models.ClusterTypeViolation})
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.Equal(t, 2, clusters[0].MemberCount)
	assert.Equal(t, []string{"no_greeting"}, clusters[0].Signature, "signatures never change")
}

func TestRefreshClusters_TieGoesToOldestAndEmptyGoInactive(t *testing.T) {
	ctx := context.Background()
	s, _, agg := setup(t, 5)
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)

	mk := func(sig string, at time.Time) *models.KnowledgeCluster {
		return &models.KnowledgeCluster{
			ID:          uuid.New(),
			Type:        models.ClusterTypeViolation,
			Fingerprint: knowledge.Fingerprint(models.ClusterTypeViolation, []string{sig}),
			Signature:   []string{sig},
			Active:      true,
			RefreshedAt: at,
			CreatedAt:   at,
		}
	}
	older := mk("late_reply", base)
	newer := mk("no_greeting", base.Add(time.Second))
	unused := mk("wrong_language", base.Add(2*time.Second))
	require.NoError(t, s.SaveClusterRefresh(ctx, models.ClusterTypeViolation,
		[]*models.KnowledgeCluster{older, newer, unused}))

	a := seed(t, s, models.OutcomeFail, base.Add(time.Minute), "late_reply", "no_greeting")

	res, err := agg.RefreshClusters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Created)

	members := membership(t, s, models.ClusterTypeViolation)
	assert.Equal(t, []uuid.UUID{a.ID}, members[older.ID])
	assert.Empty(t, members[newer.ID])

	clusters, err := s.ListClusters(ctx, store.ClusterFilter{Type: models.ClusterTypeViolation, ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.Equal(t, older.ID, clusters[0].ID)
}

func TestAggregateDaily(t *testing.T) {
	ctx := context.Background()
	s, _, agg := setup(t, 5)
	day := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)

	// One session on the day that could not be analyzed.
	broken := storetest.SeedSession(t, s, models.OutcomeUnknown, day.Add(time.Hour))
	token := uuid.New()
	_, err := s.ClaimSessions(ctx, token, 10, time.Hour)
	require.NoError(t, err)
	_, err = s.ReleaseClaim(ctx, broken.ID, token, store.ReleaseOptions{Permanent: true})
	require.NoError(t, err)

	ses1 := storetest.SeedSession(t, s, models.OutcomeSuccess, day.Add(2*time.Hour))
	storetest.SeedAnalysis(t, s, ses1, 60)
	ses2 := storetest.SeedSession(t, s, models.OutcomeFail, day.Add(3*time.Hour))
	storetest.SeedAnalysis(t, s, ses2, 80)
	storetest.SeedSession(t, s, models.OutcomeUnknown, day.Add(4*time.Hour))

	next := storetest.SeedSession(t, s, models.OutcomeFail, day.Add(25*time.Hour))
	storetest.SeedAnalysis(t, s, next, 10)

	m, err := agg.AggregateDaily(ctx, day.Add(13*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, day, m.Day)
	assert.Equal(t, 4, m.RequestCount)
	assert.Equal(t, 2, m.AnalysisCount)
	assert.Equal(t, 1, m.FailedCount)
	assert.InDelta(t, 70, m.AvgCompletion, 1e-9)
	assert.InDelta(t, 80, m.AvgProfessionalism, 1e-9)
	assert.InDelta(t, 0.5, m.AvgAppealSuccess, 1e-9)

	again, err := agg.AggregateDaily(ctx, day)
	require.NoError(t, err)
	again.UpdatedAt = m.UpdatedAt
	assert.Equal(t, m, again)

	stored, err := s.GetDailyMetric(ctx, day)
	require.NoError(t, err)
	assert.Equal(t, 4, stored.RequestCount)
}

func TestAggregateDaily_EmptyDay(t *testing.T) {
	_, _, agg := setup(t, 5)
	m, err := agg.AggregateDaily(context.Background(), time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Zero(t, m.RequestCount)
	assert.Zero(t, m.AvgCompletion)
}

func TestProposeRules(t *testing.T) {
	ctx := context.Background()
	s, reg, agg := setup(t, 3)
	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)
	for i := range 3 {
		seed(t, s, models.OutcomeFail, base.Add(time.Duration(i)*time.Second), "no_greeting")
	}
	seed(t, s, models.OutcomeFail, base.Add(10*time.Second), "late_reply")

	_, err := agg.RefreshClusters(ctx)
	require.NoError(t, err)

	res, err := agg.ProposeRules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Proposed)

	proposed, err := reg.List(ctx, store.RuleFilter{})
	require.NoError(t, err)
	require.Len(t, proposed, 1)
	r := proposed[0]
	assert.Equal(t, models.RuleStatusPending, r.Status)
	assert.Equal(t, models.RuleSourceCluster, r.Source)
	assert.Equal(t, "no_greeting", r.Category)
	require.NotNil(t, r.SourceClusterID)

	// Rejecting the rule does not make the cluster propose again.
	_, err = reg.Transition(ctx, rules.WriterPromoter, r, models.RuleStatusRejected, rules.Evidence{Reason: "test"})
	require.NoError(t, err)

	_, err = agg.RefreshClusters(ctx)
	require.NoError(t, err)
	res, err = agg.ProposeRules(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Proposed)
	assert.Equal(t, 1, res.Existing)

	all, err := reg.List(ctx, store.RuleFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
