// Package openai implements models.AIProvider on top of any server that speaks
// the OpenAI chat-completions API (OpenAI itself, vLLM, Ollama's /v1 endpoint).
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/kiranshivaraju/ruleforge/internal/ai"
	"github.com/kiranshivaraju/ruleforge/pkg/models"
)

// Options configure a Provider.
type Options struct {
	Name    string
	APIKey  string
	BaseURL string
	Model   string
}

// Provider implements models.AIProvider using the chat-completions API.
type Provider struct {
	name   string
	model  string
	client *goopenai.Client
}

// NewProvider creates a Provider. An empty BaseURL targets api.openai.com.
func NewProvider(opts Options) *Provider {
	cfg := goopenai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	name := opts.Name
	if name == "" {
		name = "openai"
	}
	return &Provider{
		name:   name,
		model:  opts.Model,
		client: goopenai.NewClientWithConfig(cfg),
	}
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Score(ctx context.Context, req models.ScoreRequest) (models.ScoreResult, error) {
	content, err := p.complete(ctx, ai.BuildScorePrompt(req))
	if err != nil {
		return models.ScoreResult{}, err
	}
	return ai.ParseScore(content)
}

func (p *Provider) Review(ctx context.Context, req models.ReviewRequest) (models.ReviewVerdict, error) {
	content, err := p.complete(ctx, ai.BuildReviewPrompt(req))
	if err != nil {
		return models.ReviewVerdict{}, err
	}
	return ai.ParseVerdict(content)
}

func (p *Provider) complete(ctx context.Context, prompt ai.Prompt) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model: p.model,
		Messages: []goopenai.ChatCompletionMessage{
			{Role: goopenai.ChatMessageRoleSystem, Content: prompt.System},
			{Role: goopenai.ChatMessageRoleUser, Content: prompt.User},
		},
		Temperature: 0,
		ResponseFormat: &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return "", classify(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices returned", ai.ErrInvalidResponse)
	}
	return resp.Choices[0].Message.Content, nil
}

// classify maps client errors onto the ai sentinel errors.
func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ai.ErrInferenceTimeout, err)
	}

	status := 0
	var apiErr *goopenai.APIError
	var reqErr *goopenai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}
	if status >= 400 && status < 500 && status != http.StatusTooManyRequests && status != http.StatusRequestTimeout {
		return fmt.Errorf("%w: status %d: %v", ai.ErrInvalidResponse, status, err)
	}
	return fmt.Errorf("%w: %v", ai.ErrProviderUnavailable, err)
}

var _ models.AIProvider = (*Provider)(nil)
