package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	OutcomeSuccess = "success"
	OutcomeFail    = "fail"
	OutcomeUnknown = "unknown"
)

// Message is one turn of a conversation.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// FieldChange is one historical value of a collected field.
type FieldChange struct {
	Value     string    `json:"value"`
	ChangedAt time.Time `json:"changed_at"`
}

// CollectedField is a structured value the assistant gathered during a session.
type CollectedField struct {
	Value   string        `json:"value"`
	History []FieldChange `json:"history,omitempty"`
}

// Session is a conversation between a user and the assistant, plus the
// bookkeeping the analyzer needs to claim it exactly once.
type Session struct {
	ID               uuid.UUID                 `db:"id"                json:"id"`
	Messages         []Message                 `db:"messages"          json:"messages"`
	Fields           map[string]CollectedField `db:"fields"            json:"fields"`
	Outcome          string                    `db:"outcome"           json:"outcome"`
	AnalyzedAt       *time.Time                `db:"analyzed_at"       json:"analyzed_at,omitempty"`
	ClaimToken       *uuid.UUID                `db:"claim_token"       json:"-"`
	ClaimedAt        *time.Time                `db:"claimed_at"        json:"claimed_at,omitempty"`
	AnalysisAttempts int                       `db:"analysis_attempts" json:"analysis_attempts"`
	LastError        string                    `db:"last_error"        json:"last_error,omitempty"`
	Unanalyzable     bool                      `db:"unanalyzable"      json:"unanalyzable"`
	CreatedAt        time.Time                 `db:"created_at"        json:"created_at"`
	UpdatedAt        time.Time                 `db:"updated_at"        json:"updated_at"`
}

// FieldValues flattens collected fields to their current values.
func (s *Session) FieldValues() map[string]string {
	out := make(map[string]string, len(s.Fields))
	for name, f := range s.Fields {
		out[name] = f.Value
	}
	return out
}

// ValidOutcome reports whether o is a recognised appeal outcome.
func ValidOutcome(o string) bool {
	switch o {
	case OutcomeSuccess, OutcomeFail, OutcomeUnknown:
		return true
	}
	return false
}
