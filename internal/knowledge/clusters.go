package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/ruleforge/internal/metrics"
	"github.com/kiranshivaraju/ruleforge/internal/store"
	"github.com/kiranshivaraju/ruleforge/pkg/models"
)

const maxSummaryBytes = 1000

// RefreshResult counts what one cluster refresh did, summed over every type.
type RefreshResult struct {
	Created     int `json:"created"`
	Active      int `json:"active"`
	Inactive    int `json:"inactive"`
	Assigned    int `json:"assigned"`
	Unclustered int `json:"unclustered"`
}

type member struct {
	analysis *models.Analysis
	features []string
}

// RefreshClusters recomputes membership for every cluster type from the full
// analysis corpus. Existing signatures seed first and are never changed; a new
// cluster is only created when no seed is similar enough to an analysis.
// Re-running over an unchanged corpus creates nothing and reassigns nothing.
func (a *Aggregator) RefreshClusters(ctx context.Context) (*RefreshResult, error) {
	defer metrics.ObserveStage("clusters", time.Now())

	analyses, err := a.store.ListAnalyses(ctx, store.AnalysisFilter{})
	if err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}

	res := &RefreshResult{}
	for _, typ := range models.ClusterTypes {
		if err := a.refreshType(ctx, typ, analyses, res); err != nil {
			return nil, fmt.Errorf("refresh %s clusters: %w", typ, err)
		}
	}
	slog.Info("knowledge clusters refreshed",
		"created", res.Created,
		"active", res.Active,
		"inactive", res.Inactive,
		"assigned", res.Assigned,
	)
	return res, nil
}

func (a *Aggregator) refreshType(ctx context.Context, typ string, analyses []*models.Analysis, res *RefreshResult) error {
	seeds, err := a.store.ListClusters(ctx, store.ClusterFilter{Type: typ})
	if err != nil {
		return err
	}

	var members []member
	for _, an := range analyses {
		f := Features(typ, an)
		if len(f) == 0 {
			res.Unclustered++
			continue
		}
		members = append(members, member{analysis: an, features: f})
	}

	// Phase 1: seed new clusters for analyses no existing signature covers.
	// New clusters get strictly increasing creation times so "oldest wins"
	// tie-breaking stays stable across refreshes.
	now := a.now().Truncate(time.Microsecond)
	created := 0
	for _, m := range members {
		if i := bestSeed(seeds, m.features); i >= 0 && Jaccard(m.features, seeds[i].Signature) >= a.cfg.Similarity {
			continue
		}
		seeds = append(seeds, &models.KnowledgeCluster{
			ID:          uuid.New(),
			Type:        typ,
			Fingerprint: Fingerprint(typ, m.features),
			Signature:   m.features,
			Active:      true,
			CreatedAt:   now.Add(time.Duration(created) * time.Microsecond),
		})
		created++
	}

	// Phase 2: every participating analysis joins its most similar seed.
	assigned := make([][]*models.Analysis, len(seeds))
	for _, m := range members {
		i := bestSeed(seeds, m.features)
		assigned[i] = append(assigned[i], m.analysis)
	}

	for i, c := range seeds {
		c.Members = make([]uuid.UUID, 0, len(assigned[i]))
		for _, an := range assigned[i] {
			c.Members = append(c.Members, an.ID)
		}
		c.MemberCount = len(c.Members)
		c.Active = c.MemberCount > 0
		c.RefreshedAt = now
		if c.Active {
			c.DominantTag = dominantTag(typ, assigned[i])
			c.Summary = summarize(typ, c.DominantTag, assigned[i])
			res.Active++
		} else {
			res.Inactive++
		}
		res.Assigned += c.MemberCount
	}
	res.Created += created

	return a.store.SaveClusterRefresh(ctx, typ, seeds)
}

// bestSeed returns the index of the seed most similar to features, preferring
// the oldest on ties, or -1 when there are no seeds.
func bestSeed(seeds []*models.KnowledgeCluster, features []string) int {
	best, bestScore := -1, -1.0
	for i, s := range seeds {
		if j := Jaccard(features, s.Signature); j > bestScore {
			best, bestScore = i, j
		}
	}
	return best
}

// dominantTag is the most frequent feature across members, alphabetical on ties.
// Industry clusters prefer their industry tag so proposals stay scoped to it.
func dominantTag(typ string, members []*models.Analysis) string {
	counts := map[string]int{}
	for _, an := range members {
		for _, f := range Features(typ, an) {
			if typ == models.ClusterTypeIndustry && !strings.HasPrefix(f, industryTagPrefix) {
				continue
			}
			counts[f]++
		}
	}
	return topTags(counts, 1)[0].tag
}

type tagCount struct {
	tag   string
	count int
}

func topTags(counts map[string]int, n int) []tagCount {
	out := make([]tagCount, 0, len(counts))
	for t, c := range counts {
		out = append(out, tagCount{t, c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].count != out[j].count {
			return out[i].count > out[j].count
		}
		return out[i].tag < out[j].tag
	})
	if len(out) > n {
		out = out[:n]
	}
	if len(out) == 0 {
		out = append(out, tagCount{})
	}
	return out
}

func summarize(typ, dominant string, members []*models.Analysis) string {
	counts := map[string]int{}
	var completion, appeal float64
	successes, known := 0, 0
	for _, an := range members {
		for _, f := range Features(typ, an) {
			counts[f]++
		}
		completion += an.Completion
		appeal += an.AppealSuccess
		switch an.Outcome {
		case models.OutcomeSuccess:
			successes++
			known++
		case models.OutcomeFail:
			known++
		}
	}
	n := float64(len(members))

	var b strings.Builder
	fmt.Fprintf(&b, "%d analyses around %q; avg completion %.1f, avg appeal estimate %.2f",
		len(members), dominant, completion/n, appeal/n)
	if known > 0 {
		fmt.Fprintf(&b, ", success rate %.0f%% of %d known outcomes", 100*float64(successes)/float64(known), known)
	}
	top := topTags(counts, 5)
	parts := make([]string, 0, len(top))
	for _, tc := range top {
		parts = append(parts, fmt.Sprintf("%s (%d)", tc.tag, tc.count))
	}
	fmt.Fprintf(&b, "; top tags: %s", strings.Join(parts, ", "))
	return truncateString(b.String(), maxSummaryBytes)
}
