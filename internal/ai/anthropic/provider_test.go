package anthropic_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kiranshivaraju/ruleforge/internal/ai"
	"github.com/kiranshivaraju/ruleforge/internal/ai/anthropic"
	"github.com/kiranshivaraju/ruleforge/internal/config"
	"github.com/kiranshivaraju/ruleforge/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvider_ScoreSendsHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant-test", r.Header.Get("x-api-key"))
		assert.NotEmpty(t, r.Header.Get("anthropic-version"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "claude-test", body["model"])
		assert.NotEmpty(t, body["system"])

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"content": [{"type": "text", "text": "{\"completion\": 60, \"appeal_success_estimate\": 0.4}"}]}`))
	}))
	defer srv.Close()

	p := anthropic.NewProvider(config.AnthropicConfig{APIKey: "sk-ant-test", BaseURL: srv.URL + "/", Model: "claude-test"})
	assert.Equal(t, "anthropic", p.Name())

	r, err := p.Score(context.Background(), models.ScoreRequest{})
	require.NoError(t, err)
	assert.InDelta(t, 60, r.Completion, 1e-9)
	assert.InDelta(t, 0.4, r.AppealSuccess, 1e-9)
}

func TestProvider_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, ai.ErrProviderUnavailable},
		{529, ai.ErrProviderUnavailable},
		{http.StatusBadRequest, ai.ErrInvalidResponse},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		p := anthropic.NewProvider(config.AnthropicConfig{APIKey: "k", BaseURL: srv.URL, Model: "m"})
		_, err := p.Review(context.Background(), models.ReviewRequest{})
		assert.ErrorIs(t, err, tt.want, "status %d", tt.status)
		srv.Close()
	}
}

func TestProvider_DeadlineIsInferenceTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	p := anthropic.NewProvider(config.AnthropicConfig{APIKey: "k", BaseURL: srv.URL, Model: "m"})
	_, err := p.Score(ctx, models.ScoreRequest{})
	assert.ErrorIs(t, err, ai.ErrInferenceTimeout)
}

func TestProvider_EmptyContentIsInvalid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": "msg_1", "type": "message", "role": "assistant", "content": []}`))
	}))
	defer srv.Close()

	p := anthropic.NewProvider(config.AnthropicConfig{APIKey: "k", BaseURL: srv.URL, Model: "m"})
	_, err := p.Review(context.Background(), models.ReviewRequest{})
	assert.ErrorIs(t, err, ai.ErrInvalidResponse)
}
