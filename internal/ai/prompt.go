package ai

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kiranshivaraju/ruleforge/pkg/models"
)

const scoreSystemPrompt = `You grade conversations between an appeal-assistance chatbot and a user.
Return ONLY a JSON object with these keys:
  "completion": number 0-100, share of required appeal fields the assistant collected
  "professionalism": number 0-100, tone and accuracy of the assistant
  "violation_tags": array of short snake_case tags for rule violations (empty if none)
  "appeal_success_estimate": number 0-1, likelihood the appeal succeeds
  "rationale": one or two sentences explaining the grade`

const reviewSystemPrompt = `You review proposed behavioral rules for an appeal-assistance chatbot.
Decide whether the rule should be adopted given the supporting analyses.
Return ONLY a JSON object with these keys:
  "verdict": "approve" or "reject"
  "confidence": number 0-1
  "reason": one sentence`

// maxPromptMessages bounds the transcript sent for scoring.
const maxPromptMessages = 60

// Prompt is a system prompt plus the user content to send.
type Prompt struct {
	System string
	User   string
}

// BuildScorePrompt renders a transcript and its collected fields for the scorer.
func BuildScorePrompt(req models.ScoreRequest) Prompt {
	var b strings.Builder

	b.WriteString("Collected fields:\n")
	if len(req.Fields) == 0 {
		b.WriteString("  (none)\n")
	}
	names := make([]string, 0, len(req.Fields))
	for name := range req.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "  %s: %s\n", name, truncateString(req.Fields[name], 200))
	}

	msgs := req.Transcript
	if len(msgs) > maxPromptMessages {
		msgs = msgs[len(msgs)-maxPromptMessages:]
	}
	b.WriteString("\nTranscript:\n")
	for _, m := range msgs {
		fmt.Fprintf(&b, "[%s] %s\n", m.Role, truncateString(m.Content, 1000))
	}

	return Prompt{System: scoreSystemPrompt, User: b.String()}
}

// BuildReviewPrompt renders a rule and its supporting analyses for the reviewer.
func BuildReviewPrompt(req models.ReviewRequest) Prompt {
	var b strings.Builder

	fmt.Fprintf(&b, "Rule %q (category %s):\n%s\n", req.Rule.Name, req.Rule.Category, req.Rule.Definition)
	if req.Rule.Score != nil {
		fmt.Fprintf(&b, "Measured effectiveness: %.2f over %d sessions\n", *req.Rule.Score, req.Rule.SampleCount)
	} else {
		b.WriteString("Measured effectiveness: not enough data yet\n")
	}

	fmt.Fprintf(&b, "\nSupporting analyses (%d):\n", len(req.Analyses))
	for _, a := range req.Analyses {
		outcome := a.Outcome
		if outcome == "" {
			outcome = models.OutcomeUnknown
		}
		fmt.Fprintf(&b, "- completion=%.0f professionalism=%.0f appeal=%.2f outcome=%s tags=%s: %s\n",
			a.Completion, a.Professionalism, a.AppealSuccess, outcome,
			strings.Join(a.ViolationTags, ","), truncateString(a.Rationale, 300))
	}

	return Prompt{System: reviewSystemPrompt, User: b.String()}
}
