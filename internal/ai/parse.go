package ai

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/kiranshivaraju/ruleforge/pkg/models"
)

const (
	maxRationaleBytes = 2000
	maxTagBytes       = 64
	maxTags           = 20
)

// ParseScore decodes a scorer reply. The reply may wrap the JSON object in
// prose or a markdown fence.
func ParseScore(raw string) (models.ScoreResult, error) {
	var r models.ScoreResult
	if err := decodeObject(raw, &r); err != nil {
		return models.ScoreResult{}, err
	}
	return r, nil
}

// ParseVerdict decodes a reviewer reply and rejects unknown verdicts.
func ParseVerdict(raw string) (models.ReviewVerdict, error) {
	var v models.ReviewVerdict
	if err := decodeObject(raw, &v); err != nil {
		return models.ReviewVerdict{}, err
	}
	v.Verdict = strings.ToLower(strings.TrimSpace(v.Verdict))
	if v.Verdict != models.VerdictApprove && v.Verdict != models.VerdictReject {
		return models.ReviewVerdict{}, fmt.Errorf("%w: unknown verdict %q", ErrInvalidResponse, v.Verdict)
	}
	v.Confidence = clamp(v.Confidence, 0, 1)
	v.Reason = truncateString(v.Reason, maxRationaleBytes)
	return v, nil
}

func decodeObject(raw string, v any) error {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return fmt.Errorf("%w: no JSON object in reply", ErrInvalidResponse)
	}
	if err := json.Unmarshal([]byte(raw[start:end+1]), v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}

// SanitizeScore clamps every numeric field to its documented range and
// normalizes tags. NaN values collapse to the lower bound.
func SanitizeScore(r models.ScoreResult) models.ScoreResult {
	return models.ScoreResult{
		Completion:      clamp(r.Completion, 0, 100),
		Professionalism: clamp(r.Professionalism, 0, 100),
		ViolationTags:   NormalizeTags(r.ViolationTags),
		AppealSuccess:   clamp(r.AppealSuccess, 0, 1),
		Rationale:       truncateString(strings.TrimSpace(r.Rationale), maxRationaleBytes),
	}
}

// NormalizeTags lowercases, trims, snake-cases, deduplicates and sorts tags.
// Never returns nil.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		t = strings.Join(strings.Fields(t), "_")
		t = truncateString(t, maxTagBytes)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	if len(out) > maxTags {
		out = out[:maxTags]
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// truncateString truncates s to maxBytes without splitting UTF-8 runes.
func truncateString(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
