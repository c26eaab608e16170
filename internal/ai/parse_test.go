package ai

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/kiranshivaraju/ruleforge/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScore_PlainJSON(t *testing.T) {
	r, err := ParseScore(`{"completion": 85, "professionalism": 90, "violation_tags": ["missing_evidence"], "appeal_success_estimate": 0.7, "rationale": "good"}`)
	require.NoError(t, err)
	assert.InDelta(t, 85, r.Completion, 1e-9)
	assert.InDelta(t, 90, r.Professionalism, 1e-9)
	assert.Equal(t, []string{"missing_evidence"}, r.ViolationTags)
	assert.InDelta(t, 0.7, r.AppealSuccess, 1e-9)
	assert.Equal(t, "good", r.Rationale)
}

func TestParseScore_FencedReply(t *testing.T) {
	raw := "Here is the grade:\n```json\n{\"completion\": 40, \"rationale\": \"partial\"}\n```"
	r, err := ParseScore(raw)
	require.NoError(t, err)
	assert.InDelta(t, 40, r.Completion, 1e-9)
	assert.Equal(t, "partial", r.Rationale)
}

func TestParseScore_Invalid(t *testing.T) {
	for _, raw := range []string{"", "no json here", "{broken", `{"completion": "high"}`} {
		_, err := ParseScore(raw)
		assert.True(t, errors.Is(err, ErrInvalidResponse), "raw=%q err=%v", raw, err)
	}
}

func TestParseVerdict(t *testing.T) {
	v, err := ParseVerdict(`{"verdict": " APPROVE ", "confidence": 1.7, "reason": "fits"}`)
	require.NoError(t, err)
	assert.Equal(t, models.VerdictApprove, v.Verdict)
	assert.InDelta(t, 1.0, v.Confidence, 1e-9)

	_, err = ParseVerdict(`{"verdict": "maybe", "confidence": 0.5}`)
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestSanitizeScore_Clamps(t *testing.T) {
	r := SanitizeScore(models.ScoreResult{
		Completion:      140,
		Professionalism: -3,
		AppealSuccess:   math.NaN(),
		ViolationTags:   []string{" Rude Tone", "rude_tone", "", "MISSING_EVIDENCE"},
		Rationale:       "  trimmed  ",
	})
	assert.InDelta(t, 100, r.Completion, 1e-9)
	assert.InDelta(t, 0, r.Professionalism, 1e-9)
	assert.InDelta(t, 0, r.AppealSuccess, 1e-9)
	assert.Equal(t, []string{"missing_evidence", "rude_tone"}, r.ViolationTags)
	assert.Equal(t, "trimmed", r.Rationale)
}

func TestSanitizeScore_TruncatesRationale(t *testing.T) {
	r := SanitizeScore(models.ScoreResult{Rationale: strings.Repeat("é", 3000)})
	assert.LessOrEqual(t, len(r.Rationale), maxRationaleBytes)
	assert.True(t, strings.HasPrefix(strings.Repeat("é", 3000), r.Rationale))
}

func TestNormalizeTags_NeverNil(t *testing.T) {
	assert.NotNil(t, NormalizeTags(nil))
	assert.Empty(t, NormalizeTags([]string{" ", ""}))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(ErrInferenceTimeout))
	assert.True(t, IsTransient(errors.Join(errors.New("ctx"), ErrProviderUnavailable)))
	assert.False(t, IsTransient(errors.New("boom")))
}

func TestBuildScorePrompt_SortsFieldsAndBoundsTranscript(t *testing.T) {
	msgs := make([]models.Message, maxPromptMessages+10)
	for i := range msgs {
		msgs[i] = models.Message{Role: "user", Content: "m"}
	}
	msgs[len(msgs)-1].Content = "last message"

	p := BuildScorePrompt(models.ScoreRequest{
		Transcript: msgs,
		Fields:     map[string]string{"zeta": "1", "alpha": "2"},
	})
	assert.Equal(t, scoreSystemPrompt, p.System)
	assert.Less(t, strings.Index(p.User, "alpha"), strings.Index(p.User, "zeta"))
	assert.Equal(t, maxPromptMessages, strings.Count(p.User, "[user]"))
	assert.Contains(t, p.User, "last message")
}

func TestBuildReviewPrompt(t *testing.T) {
	score := 0.55
	p := BuildReviewPrompt(models.ReviewRequest{
		Rule: models.Rule{Name: "ask for evidence", Category: "missing_evidence", Definition: "Always ask.", Score: &score, SampleCount: 7},
		Analyses: []models.Analysis{
			{Completion: 80, Outcome: models.OutcomeSuccess, ViolationTags: []string{"missing_evidence"}},
			{Completion: 20},
		},
	})
	assert.Contains(t, p.User, "ask for evidence")
	assert.Contains(t, p.User, "0.55 over 7 sessions")
	assert.Contains(t, p.User, "outcome=success")
	assert.Contains(t, p.User, "outcome=unknown")
}
