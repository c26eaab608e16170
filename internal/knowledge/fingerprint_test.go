package knowledge

import (
	"testing"

	"github.com/kiranshivaraju/ruleforge/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestFingerprint_OrderAndCaseInsensitive(t *testing.T) {
	a := Fingerprint(models.ClusterTypeViolation, []string{"rude_tone", "No_Greeting"})
	b := Fingerprint(models.ClusterTypeViolation, []string{"no_greeting", "rude_tone", "rude_tone"})
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestFingerprint_TypeScoped(t *testing.T) {
	sig := []string{"industry:parking"}
	assert.NotEqual(t,
		Fingerprint(models.ClusterTypeIndustry, sig),
		Fingerprint(models.ClusterTypeSuccess, sig))
}

func TestJaccard(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []string
		expected float64
	}{
		{name: "identical", a: []string{"x", "y"}, b: []string{"x", "y"}, expected: 1},
		{name: "disjoint", a: []string{"x"}, b: []string{"y"}, expected: 0},
		{name: "half overlap", a: []string{"x"}, b: []string{"x", "y"}, expected: 0.5},
		{name: "one third", a: []string{"x", "y"}, b: []string{"y", "z"}, expected: 1.0 / 3},
		{name: "both empty", a: nil, b: nil, expected: 0},
		{name: "one empty", a: []string{"x"}, b: nil, expected: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, Jaccard(tt.a, tt.b), 1e-9)
		})
	}
}

func TestFeatures(t *testing.T) {
	tags := []string{"field:industry", "field:order_id", "industry:parking", "no_greeting", "outcome-estimate:high"}

	tests := []struct {
		name     string
		typ      string
		outcome  string
		tags     []string
		expected []string
	}{
		{
			name:     "violation keeps bare tags",
			typ:      models.ClusterTypeViolation,
			tags:     tags,
			expected: []string{"no_greeting"},
		},
		{
			name:     "industry adds violations",
			typ:      models.ClusterTypeIndustry,
			tags:     tags,
			expected: []string{"industry:parking", "no_greeting"},
		},
		{
			name:     "industry requires an industry tag",
			typ:      models.ClusterTypeIndustry,
			tags:     []string{"no_greeting"},
			expected: nil,
		},
		{
			name:     "success requires success outcome",
			typ:      models.ClusterTypeSuccess,
			outcome:  models.OutcomeFail,
			tags:     tags,
			expected: nil,
		},
		{
			name:     "success keeps collection tags",
			typ:      models.ClusterTypeSuccess,
			outcome:  models.OutcomeSuccess,
			tags:     tags,
			expected: []string{"field:industry", "field:order_id", "industry:parking", "outcome-estimate:high"},
		},
		{
			name:     "no violations",
			typ:      models.ClusterTypeViolation,
			tags:     []string{"field:order_id"},
			expected: []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &models.Analysis{DerivedTags: tt.tags, Outcome: tt.outcome}
			got := Features(tt.typ, a)
			if len(tt.expected) == 0 {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestTruncateString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		max      int
		expected string
	}{
		{name: "short", input: "abc", max: 10, expected: "abc"},
		{name: "exact", input: "abc", max: 3, expected: "abc"},
		{name: "ascii cut", input: "abcdef", max: 4, expected: "abcd"},
		{name: "does not split rune", input: "aé", max: 2, expected: "a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, truncateString(tt.input, tt.max))
		})
	}
}
