package analyzer

import (
	"testing"

	"github.com/kiranshivaraju/ruleforge/pkg/models"
	"github.com/stretchr/testify/assert"
)

func TestDeriveTags(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]string
		score  models.ScoreResult
		want   []string
	}{
		{
			name:  "violations and high estimate",
			score: models.ScoreResult{ViolationTags: []string{"missing_evidence"}, AppealSuccess: 0.5},
			want:  []string{"missing_evidence", "outcome-estimate:high"},
		},
		{
			name:   "fields skip empty values",
			fields: map[string]string{"Order ID": "A-1", "evidence": "  "},
			score:  models.ScoreResult{AppealSuccess: 0.49},
			want:   []string{"field:order_id", "outcome-estimate:low"},
		},
		{
			name:   "industry adds value tag",
			fields: map[string]string{"industry": "Food Delivery"},
			score:  models.ScoreResult{AppealSuccess: 0.9},
			want:   []string{"field:industry", "industry:food_delivery", "outcome-estimate:high"},
		},
		{
			name:  "duplicates collapse",
			score: models.ScoreResult{ViolationTags: []string{"Rude Tone", "rude_tone"}},
			want:  []string{"outcome-estimate:low", "rude_tone"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveTags(tt.fields, tt.score))
		})
	}
}
