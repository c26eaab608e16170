package engine

import (
	"time"

	"github.com/kiranshivaraju/ruleforge/internal/analyzer"
	"github.com/kiranshivaraju/ruleforge/internal/cache"
	"github.com/kiranshivaraju/ruleforge/internal/config"
	"github.com/kiranshivaraju/ruleforge/internal/evaluator"
	"github.com/kiranshivaraju/ruleforge/internal/knowledge"
	"github.com/kiranshivaraju/ruleforge/internal/promotion"
	"github.com/kiranshivaraju/ruleforge/internal/report"
	"github.com/kiranshivaraju/ruleforge/internal/review"
	"github.com/kiranshivaraju/ruleforge/internal/rules"
	"github.com/kiranshivaraju/ruleforge/internal/store"
	"github.com/kiranshivaraju/ruleforge/pkg/models"
)

// Deps are the collaborators every stage shares.
type Deps struct {
	Store    store.Store
	Registry *rules.Registry
	Provider models.AIProvider
	Reports  *report.Reporter
	Lock     cache.Cache
	// InferenceTimeout bounds every scoring and review call.
	InferenceTimeout time.Duration
}

// Thresholds maps engine config onto promotion thresholds.
func Thresholds(cfg config.EngineConfig) promotion.Thresholds {
	return promotion.Thresholds{
		MinSamples:  cfg.MinSamples,
		Promote:     cfg.PromoteThreshold,
		Reject:      cfg.RejectThreshold,
		Demote:      cfg.DemoteThreshold,
		DemoteAfter: cfg.DemoteAfter,
	}
}

// New wires every stage from cfg.
func New(d Deps, cfg config.EngineConfig) *Engine {
	th := Thresholds(cfg)
	return &Engine{
		Analyzer: analyzer.New(d.Store, d.Provider, analyzer.Config{
			BatchSize:   cfg.BatchSize,
			Concurrency: cfg.WorkerConcurrency,
			MaxAttempts: cfg.MaxAnalysisAttempts,
			ClaimTTL:    cfg.ClaimTTL,
			Timeout:     d.InferenceTimeout,
		}),
		Evaluator: evaluator.New(d.Registry, d.Store, evaluator.Config{
			MinSamples:      cfg.MinSamples,
			SuccessWeight:   cfg.SuccessWeight,
			DemoteThreshold: cfg.DemoteThreshold,
			Window:          cfg.EvalWindow,
		}),
		Promoter: promotion.New(d.Registry, th),
		Reviewer: review.New(d.Registry, d.Store, d.Provider, review.Config{
			Thresholds:    th,
			MinConfidence: cfg.ReviewMinConfidence,
			Cooldown:      cfg.ReviewCooldown,
			SupportLimit:  cfg.ReviewSupportLimit,
			BatchSize:     cfg.BatchSize,
			Concurrency:   cfg.WorkerConcurrency,
			Timeout:       d.InferenceTimeout,
		}),
		Knowledge: knowledge.New(d.Store, d.Registry, knowledge.Config{
			Similarity:  cfg.ClusterSimilarity,
			MinProposal: cfg.ClusterMinProposal,
		}),
		Reports:   d.Reports,
		Lock:      d.Lock,
		BatchSize: cfg.BatchSize,
		LockTTL:   cfg.ClaimTTL,
	}
}
