package analyzer

import (
	"sort"
	"strings"

	"github.com/kiranshivaraju/ruleforge/pkg/models"
)

const (
	fieldTagPrefix    = "field:"
	industryTagPrefix = "industry:"
	estimateHigh      = "outcome-estimate:high"
	estimateLow       = "outcome-estimate:low"

	industryField = "industry"
	// Appeal-success estimates at or above this split count as high.
	estimateSplit = 0.5
)

// DeriveTags computes the applicability tags stored on an analysis. A rule
// applies to an analysis when the rule's category is one of these tags.
//
// The set is the normalized violation tags, plus field:<name> for every
// collected field with a non-empty value, industry:<value> when an industry
// was collected, and an outcome-estimate:high|low bucket.
func DeriveTags(fields map[string]string, score models.ScoreResult) []string {
	seen := map[string]bool{}
	add := func(tag string) {
		if tag != "" {
			seen[tag] = true
		}
	}

	for _, t := range score.ViolationTags {
		add(normalize(t))
	}
	for name, value := range fields {
		if strings.TrimSpace(value) == "" {
			continue
		}
		n := normalize(name)
		if n == "" {
			continue
		}
		add(fieldTagPrefix + n)
		if n == industryField {
			add(industryTagPrefix + normalize(value))
		}
	}
	if score.AppealSuccess >= estimateSplit {
		add(estimateHigh)
	} else {
		add(estimateLow)
	}

	tags := make([]string, 0, len(seen))
	for t := range seen {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), "_")
}
