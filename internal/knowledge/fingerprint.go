package knowledge

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/kiranshivaraju/ruleforge/pkg/models"
)

const (
	fieldTagPrefix    = "field:"
	industryTagPrefix = "industry:"
	estimatePrefix    = "outcome-estimate:"
)

// Fingerprint returns a stable identifier for a cluster signature.
// Signatures are compared as sets, so order and duplicates do not matter.
func Fingerprint(clusterType string, signature []string) string {
	sig := canonical(signature)
	h := sha256.Sum256([]byte(clusterType + "\x00" + strings.Join(sig, "\x1f")))
	return fmt.Sprintf("%x", h)
}

// Features returns the feature set an analysis contributes to clusters of
// clusterType. An empty result means the analysis does not take part.
func Features(clusterType string, a *models.Analysis) []string {
	var out []string
	switch clusterType {
	case models.ClusterTypeViolation:
		out = violationTags(a)
	case models.ClusterTypeIndustry:
		for _, t := range a.DerivedTags {
			if strings.HasPrefix(t, industryTagPrefix) {
				out = append(out, t)
			}
		}
		if len(out) == 0 {
			return nil
		}
		out = append(out, violationTags(a)...)
	case models.ClusterTypeSuccess:
		if a.Outcome != models.OutcomeSuccess {
			return nil
		}
		for _, t := range a.DerivedTags {
			if strings.HasPrefix(t, fieldTagPrefix) || strings.HasPrefix(t, industryTagPrefix) ||
				strings.HasPrefix(t, estimatePrefix) {
				out = append(out, t)
			}
		}
	}
	return canonical(out)
}

// violationTags picks the normalized violation tags out of the derived set,
// so cluster tags line up with rule categories.
func violationTags(a *models.Analysis) []string {
	var out []string
	for _, t := range a.DerivedTags {
		if strings.HasPrefix(t, fieldTagPrefix) || strings.HasPrefix(t, industryTagPrefix) ||
			strings.HasPrefix(t, estimatePrefix) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Jaccard is |a ∩ b| / |a ∪ b| over two canonical sets. Two empty sets score 0.
func Jaccard(a, b []string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	inter := 0
	for _, t := range b {
		if set[t] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// canonical lowercases, trims, dedups and sorts a tag set.
func canonical(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// truncateString truncates s to at most maxBytes bytes on a valid UTF-8 boundary.
func truncateString(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
