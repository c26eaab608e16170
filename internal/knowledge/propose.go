package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kiranshivaraju/ruleforge/internal/rules"
	"github.com/kiranshivaraju/ruleforge/internal/store"
	"github.com/kiranshivaraju/ruleforge/pkg/models"
)

// Cluster types that can seed rule proposals.
var proposalTypes = []string{models.ClusterTypeViolation, models.ClusterTypeIndustry}

type ProposeResult struct {
	Considered int `json:"considered"`
	Proposed   int `json:"proposed"`
	Existing   int `json:"existing"`
	Failed     int `json:"failed"`
}

// ProposeRules creates a pending rule for every active violation or industry
// cluster with enough members that has not already produced one. A cluster
// proposes at most once, even after its rule is rejected or retired.
func (a *Aggregator) ProposeRules(ctx context.Context) (*ProposeResult, error) {
	res := &ProposeResult{}
	for _, typ := range proposalTypes {
		clusters, err := a.store.ListClusters(ctx, store.ClusterFilter{Type: typ, ActiveOnly: true})
		if err != nil {
			return res, fmt.Errorf("list %s clusters: %w", typ, err)
		}
		for _, c := range clusters {
			if c.MemberCount < a.cfg.MinProposal || c.DominantTag == "" {
				continue
			}
			res.Considered++
			if err := ctx.Err(); err != nil {
				return res, err
			}

			_, err := a.store.GetRuleBySourceCluster(ctx, c.ID)
			if err == nil {
				res.Existing++
				continue
			}
			if !errors.Is(err, store.ErrNotFound) {
				slog.Error("lookup cluster rule failed", "cluster_id", c.ID, "error", err)
				res.Failed++
				continue
			}

			id := c.ID
			_, err = a.registry.Create(ctx, rules.NewRule{
				Key:             proposalKey(c),
				Name:            proposalName(c),
				Category:        c.DominantTag,
				Definition:      c.Summary,
				Source:          models.RuleSourceCluster,
				SourceClusterID: &id,
			})
			switch {
			case err == nil:
				res.Proposed++
			case errors.Is(err, store.ErrDuplicateKey):
				res.Existing++
			default:
				slog.Error("propose rule failed", "cluster_id", c.ID, "error", err)
				res.Failed++
			}
		}
	}
	if res.Proposed > 0 {
		slog.Info("rules proposed from clusters", "proposed", res.Proposed, "considered", res.Considered)
	}
	return res, nil
}

func proposalKey(c *models.KnowledgeCluster) string {
	prefix := "violation"
	if c.Type == models.ClusterTypeIndustry {
		prefix = "industry"
	}
	return fmt.Sprintf("cluster.%s.%s", prefix, c.Fingerprint[:12])
}

func proposalName(c *models.KnowledgeCluster) string {
	tag := strings.ReplaceAll(strings.TrimPrefix(c.DominantTag, industryTagPrefix), "_", " ")
	if c.Type == models.ClusterTypeIndustry {
		return "Industry pattern: " + tag
	}
	return "Recurring violation: " + tag
}
