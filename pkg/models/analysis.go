package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// Analysis is the scored, immutable snapshot of one analyzed session.
// Outcome is not part of the record: it is joined from the owning session on read.
type Analysis struct {
	ID              uuid.UUID `db:"id"               json:"id"`
	SessionID       uuid.UUID `db:"session_id"       json:"session_id"`
	Completion      float64   `db:"completion"       json:"completion"`
	Professionalism float64   `db:"professionalism"  json:"professionalism"`
	ViolationTags   []string  `db:"violation_tags"   json:"violation_tags"`
	AppealSuccess   float64   `db:"appeal_success"   json:"appeal_success"`
	Rationale       string    `db:"rationale"        json:"rationale"`
	DerivedTags     []string  `db:"derived_tags"     json:"derived_tags"`
	Provider        string    `db:"provider"         json:"provider"`
	CreatedAt       time.Time `db:"created_at"       json:"created_at"`

	Outcome string `db:"-" json:"outcome,omitempty"`
}

// HasTag reports whether tag is among the analysis's derived tags.
func (a *Analysis) HasTag(tag string) bool {
	return slices.Contains(a.DerivedTags, tag)
}

// AnalysisStats summarizes the analysis corpus and the analyzer backlog.
type AnalysisStats struct {
	Total              int     `json:"total"`
	AvgCompletion      float64 `json:"avg_completion"`
	AvgProfessionalism float64 `json:"avg_professionalism"`
	AvgAppealSuccess   float64 `json:"avg_appeal_success"`
	Pending            int     `json:"pending"`
	Claimed            int     `json:"claimed"`
	Unanalyzable       int     `json:"unanalyzable"`
}
