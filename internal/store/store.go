package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/ruleforge/pkg/models"
)

var (
	ErrNotFound     = errors.New("resource not found")
	ErrDuplicateKey = errors.New("duplicate key violation")
	// ErrClaimLost means the session is no longer held by the caller's claim token.
	ErrClaimLost = errors.New("session claim lost")
	// ErrStaleStatus means a rule's status changed since the caller read it.
	ErrStaleStatus = errors.New("rule status changed concurrently")
)

// Store is the data access interface. All database operations go through here.
// Components depend on the narrower interfaces it embeds.
type Store interface {
	Ping(ctx context.Context) error
	SessionStore
	AnalysisStore
	RuleStore
	ClusterStore
	MetricStore
}

// SessionStore owns sessions and the analyzer's claim protocol.
type SessionStore interface {
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error)
	SetSessionOutcome(ctx context.Context, id uuid.UUID, outcome string) error

	// ClaimSessions atomically claims up to limit unanalyzed sessions for token.
	// Claims older than staleAfter are treated as abandoned and may be re-claimed.
	ClaimSessions(ctx context.Context, token uuid.UUID, limit int, staleAfter time.Duration) ([]*models.Session, error)
	// CompleteAnalysis writes the analysis and stamps analyzed_at in one
	// transaction. Returns ErrClaimLost if token no longer holds the session.
	CompleteAnalysis(ctx context.Context, token uuid.UUID, a *models.Analysis) error
	// ReleaseClaim returns the session to the unanalyzed pool.
	ReleaseClaim(ctx context.Context, id, token uuid.UUID, opts ReleaseOptions) (*ReleaseResult, error)
}

// AnalysisStore reads the immutable analysis corpus.
type AnalysisStore interface {
	ListAnalyses(ctx context.Context, filter AnalysisFilter) ([]*models.Analysis, error)
	CountSessions(ctx context.Context, filter SessionCountFilter) (int, error)
	AnalysisStats(ctx context.Context) (*models.AnalysisStats, error)
}

// RuleStore persists rules, their evaluation history and transition audit.
type RuleStore interface {
	CreateRule(ctx context.Context, r *models.Rule) error
	GetRule(ctx context.Context, id uuid.UUID) (*models.Rule, error)
	GetRuleBySourceCluster(ctx context.Context, clusterID uuid.UUID) (*models.Rule, error)
	ListRules(ctx context.Context, filter RuleFilter) ([]*models.Rule, error)
	UpdateRuleScore(ctx context.Context, id uuid.UUID, upd ScoreUpdate) error
	// TransitionRule moves a rule from t.From to t.To only if its status is
	// still t.From, and records the audit row. Returns ErrStaleStatus otherwise.
	TransitionRule(ctx context.Context, t *models.RuleTransition, review *ReviewStamp) error
	RecordReview(ctx context.Context, id uuid.UUID, stamp ReviewStamp) error
	AppendEvaluation(ctx context.Context, rec *models.EvaluationRecord) error
	ListEvaluations(ctx context.Context, ruleID uuid.UUID, limit int) ([]*models.EvaluationRecord, error)
	ListTransitions(ctx context.Context, ruleID uuid.UUID) ([]*models.RuleTransition, error)
	RuleStats(ctx context.Context) (*models.RuleStats, error)
}

// ClusterStore persists knowledge clusters and their memberships.
type ClusterStore interface {
	ListClusters(ctx context.Context, filter ClusterFilter) ([]*models.KnowledgeCluster, error)
	ClusterMembers(ctx context.Context, clusterID uuid.UUID) ([]uuid.UUID, error)
	// SaveClusterRefresh upserts every cluster of clusterType and replaces the
	// memberships of that type, atomically.
	SaveClusterRefresh(ctx context.Context, clusterType string, clusters []*models.KnowledgeCluster) error
	ClusterStats(ctx context.Context) (*models.ClusterStats, error)
}

// MetricStore persists daily rollups.
type MetricStore interface {
	UpsertDailyMetric(ctx context.Context, m *models.DailyMetric) error
	GetDailyMetric(ctx context.Context, day time.Time) (*models.DailyMetric, error)
	ListDailyMetrics(ctx context.Context, from, to time.Time) ([]*models.DailyMetric, error)
}

// ReleaseOptions control how a failed claim is returned.
type ReleaseOptions struct {
	// CountAttempt increments analysis_attempts and records Error.
	CountAttempt bool
	Error        string
	// MaxAttempts marks the session unanalyzable once attempts reach it (0 = never).
	MaxAttempts int
	// Permanent marks the session unanalyzable regardless of attempts.
	Permanent bool
}

// ReleaseResult reports the session state after a release.
type ReleaseResult struct {
	Attempts     int
	Unanalyzable bool
}

type AnalysisFilter struct {
	Since time.Time
	Until time.Time
	Tag   string
	// KnownOutcome restricts to sessions whose outcome is success or fail.
	KnownOutcome bool
	// NewestFirst orders by created_at descending; default is ascending.
	NewestFirst bool
	Limit       int
}

type SessionCountFilter struct {
	CreatedSince     time.Time
	CreatedUntil     time.Time
	OnlyUnanalyzable bool
}

type RuleFilter struct {
	Statuses []string
	Category string
}

// ScoreUpdate carries the evaluator-owned rule fields.
type ScoreUpdate struct {
	Score          *float64
	SampleCount    int
	ConsecutiveLow int
	EvaluatedAt    time.Time
}

// ReviewStamp records who last reviewed a rule.
type ReviewStamp struct {
	Actor string
	At    time.Time
}

type ClusterFilter struct {
	Type       string
	ActiveOnly bool
}
