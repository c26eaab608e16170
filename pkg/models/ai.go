// Package models contains shared data models used across the ruleforge codebase.
package models

import (
	"context"
)

// Scorer grades a finished conversation. Implementations may fail or time out;
// callers treat every result as untrusted.
type Scorer interface {
	Score(ctx context.Context, req ScoreRequest) (ScoreResult, error)
}

// Reviewer adjudicates a pending rule against the analyses that support it.
type Reviewer interface {
	Review(ctx context.Context, req ReviewRequest) (ReviewVerdict, error)
}

// AIProvider is the core interface that all AI integrations must implement.
// Stages depend on this interface, never on a concrete provider.
type AIProvider interface {
	Scorer
	Reviewer
	// Name returns the provider identifier (e.g., "openai", "anthropic").
	Name() string
}

// ScoreRequest is the input to a scoring call.
type ScoreRequest struct {
	SessionID  string
	Transcript []Message
	Fields     map[string]string
}

// ScoreResult is the raw scoring output before clamping and normalization.
type ScoreResult struct {
	Completion      float64  `json:"completion"`
	Professionalism float64  `json:"professionalism"`
	ViolationTags   []string `json:"violation_tags"`
	AppealSuccess   float64  `json:"appeal_success_estimate"`
	Rationale       string   `json:"rationale"`
}

// ReviewRequest is the input to a review call.
type ReviewRequest struct {
	Rule     Rule
	Analyses []Analysis
}

const (
	VerdictApprove = "approve"
	VerdictReject  = "reject"
)

// ReviewVerdict is the reviewer's decision on a rule.
type ReviewVerdict struct {
	Verdict    string  `json:"verdict"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}
