package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	RuleStatusPending  = "pending"
	RuleStatusActive   = "active"
	RuleStatusRejected = "rejected"
	RuleStatusRetired  = "retired"
)

// ValidRuleStatus reports whether s is a recognised rule status.
func ValidRuleStatus(s string) bool {
	switch s {
	case RuleStatusPending, RuleStatusActive, RuleStatusRejected, RuleStatusRetired:
		return true
	}
	return false
}

const (
	RuleSourceManual  = "manual"
	RuleSourceCluster = "cluster"
)

const (
	ReviewActorHuman     = "human"
	ReviewActorAutomated = "automated"
)

// Rule is a named behavioral heuristic with a lifecycle. Score and SampleCount
// stay nil/zero until the evaluator has enough applicable outcomes.
type Rule struct {
	ID              uuid.UUID  `db:"id"                json:"id"`
	Key             string     `db:"key"               json:"key"`
	Name            string     `db:"name"              json:"name"`
	Category        string     `db:"category"          json:"category"`
	Definition      string     `db:"definition"        json:"definition"`
	Status          string     `db:"status"            json:"status"`
	Score           *float64   `db:"score"             json:"score"`
	SampleCount     int        `db:"sample_count"      json:"sample_count"`
	ConsecutiveLow  int        `db:"consecutive_low"   json:"consecutive_low"`
	Source          string     `db:"source"            json:"source"`
	SourceClusterID *uuid.UUID `db:"source_cluster_id" json:"source_cluster_id,omitempty"`
	LastEvaluatedAt *time.Time `db:"last_evaluated_at" json:"last_evaluated_at,omitempty"`
	LastReviewedAt  *time.Time `db:"last_reviewed_at"  json:"last_reviewed_at,omitempty"`
	LastReviewActor *string    `db:"last_review_actor" json:"last_review_actor,omitempty"`
	CreatedAt       time.Time  `db:"created_at"        json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"        json:"updated_at"`
}

// EvaluationRecord is one evaluator pass over a rule. Records are append-only.
type EvaluationRecord struct {
	ID          uuid.UUID `db:"id"           json:"id"`
	RuleID      uuid.UUID `db:"rule_id"      json:"rule_id"`
	Score       *float64  `db:"score"        json:"score"`
	SampleCount int       `db:"sample_count" json:"sample_count"`
	EvaluatedAt time.Time `db:"evaluated_at" json:"evaluated_at"`
}

// RuleTransition is the audit row written alongside every status change.
type RuleTransition struct {
	ID          uuid.UUID `db:"id"           json:"id"`
	RuleID      uuid.UUID `db:"rule_id"      json:"rule_id"`
	From        string    `db:"from_status"  json:"from"`
	To          string    `db:"to_status"    json:"to"`
	Actor       string    `db:"actor"        json:"actor"`
	Score       *float64  `db:"score"        json:"score"`
	SampleCount int       `db:"sample_count" json:"sample_count"`
	Reason      string    `db:"reason"       json:"reason"`
	At          time.Time `db:"at"           json:"at"`
}

// RuleStats summarizes the registry for dashboards.
type RuleStats struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
	AvgScore *float64       `json:"avg_score"`
}
