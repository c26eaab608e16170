// Package knowledge rolls analyses up into daily metrics and knowledge
// clusters, and proposes rules from recurring clusters.
package knowledge

import (
	"time"

	"github.com/kiranshivaraju/ruleforge/internal/rules"
	"github.com/kiranshivaraju/ruleforge/internal/store"
)

type Config struct {
	// Similarity is the minimum Jaccard similarity between an analysis's
	// features and a cluster signature for the analysis to join it.
	Similarity float64
	// MinProposal is the member count a cluster needs before a rule is proposed from it.
	MinProposal int
}

// Store is the persistence the aggregator needs.
type Store interface {
	store.AnalysisStore
	store.ClusterStore
	store.MetricStore
	store.RuleStore
}

type Aggregator struct {
	store    Store
	registry *rules.Registry
	cfg      Config
	now      func() time.Time
}

func New(s Store, registry *rules.Registry, cfg Config) *Aggregator {
	if cfg.Similarity <= 0 || cfg.Similarity > 1 {
		cfg.Similarity = 0.5
	}
	return &Aggregator{
		store:    s,
		registry: registry,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}
