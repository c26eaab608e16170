package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	ClusterTypeIndustry  = "industry_pattern"
	ClusterTypeViolation = "violation_pattern"
	ClusterTypeSuccess   = "success_factor"
)

// ClusterTypes lists every cluster type in refresh order.
var ClusterTypes = []string{ClusterTypeIndustry, ClusterTypeViolation, ClusterTypeSuccess}

// KnowledgeCluster groups analyses that share a recurring pattern.
// Signature is fixed at creation; membership is recomputed on every refresh.
type KnowledgeCluster struct {
	ID          uuid.UUID `db:"id"           json:"id"`
	Type        string    `db:"type"         json:"type"`
	Fingerprint string    `db:"fingerprint"  json:"fingerprint"`
	Signature   []string  `db:"signature"    json:"signature"`
	Summary     string    `db:"summary"      json:"summary"`
	DominantTag string    `db:"dominant_tag" json:"dominant_tag"`
	MemberCount int       `db:"member_count" json:"member_count"`
	Active      bool      `db:"active"       json:"active"`
	RefreshedAt time.Time `db:"refreshed_at" json:"refreshed_at"`
	CreatedAt   time.Time `db:"created_at"   json:"created_at"`

	// Members is populated only when a refresh is being saved.
	Members []uuid.UUID `db:"-" json:"-"`
}

// ClusterStats summarizes the knowledge clusters.
type ClusterStats struct {
	Total  int            `json:"total"`
	Active int            `json:"active"`
	ByType map[string]int `json:"by_type"`
}
