package openai_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kiranshivaraju/ruleforge/internal/ai"
	"github.com/kiranshivaraju/ruleforge/internal/ai/openai"
	"github.com/kiranshivaraju/ruleforge/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chatServer returns a test server that answers every chat completion with content.
func chatServer(t *testing.T, content string, capture *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		if capture != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(capture))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-test",
			"object":  "chat.completion",
			"created": 1,
			"model":   "test-model",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newProvider(srv *httptest.Server) *openai.Provider {
	return openai.NewProvider(openai.Options{
		Name:    "vllm",
		APIKey:  "test",
		BaseURL: srv.URL + "/v1",
		Model:   "test-model",
	})
}

func TestProvider_Name(t *testing.T) {
	assert.Equal(t, "openai", openai.NewProvider(openai.Options{}).Name())
	assert.Equal(t, "ollama", openai.NewProvider(openai.Options{Name: "ollama"}).Name())
}

func TestProvider_Score(t *testing.T) {
	var body map[string]any
	srv := chatServer(t, `{"completion": 75, "professionalism": 88, "violation_tags": ["late_reply"], "appeal_success_estimate": 0.6, "rationale": "ok"}`, &body)
	p := newProvider(srv)

	r, err := p.Score(context.Background(), models.ScoreRequest{
		Transcript: []models.Message{{Role: "user", Content: "my parcel was lost"}},
		Fields:     map[string]string{"order_id": "A1"},
	})
	require.NoError(t, err)
	assert.InDelta(t, 75, r.Completion, 1e-9)
	assert.Equal(t, []string{"late_reply"}, r.ViolationTags)

	assert.Equal(t, "test-model", body["model"])
	msgs, ok := body["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, msgs, 2)
}

func TestProvider_Review(t *testing.T) {
	srv := chatServer(t, `{"verdict": "reject", "confidence": 0.9, "reason": "harms tone"}`, nil)
	p := newProvider(srv)

	v, err := p.Review(context.Background(), models.ReviewRequest{Rule: models.Rule{Name: "r"}})
	require.NoError(t, err)
	assert.Equal(t, models.VerdictReject, v.Verdict)
	assert.InDelta(t, 0.9, v.Confidence, 1e-9)
}

func TestProvider_InvalidContent(t *testing.T) {
	srv := chatServer(t, "I cannot grade this", nil)
	p := newProvider(srv)

	_, err := p.Score(context.Background(), models.ScoreRequest{})
	assert.ErrorIs(t, err, ai.ErrInvalidResponse)
}

func TestProvider_ServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error": {"message": "overloaded", "type": "server_error"}}`))
	}))
	t.Cleanup(srv.Close)

	_, err := newProvider(srv).Score(context.Background(), models.ScoreRequest{})
	assert.ErrorIs(t, err, ai.ErrProviderUnavailable)
	assert.True(t, ai.IsTransient(err))
}

func TestProvider_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := newProvider(srv).Score(ctx, models.ScoreRequest{})
	assert.ErrorIs(t, err, ai.ErrInferenceTimeout)
}
