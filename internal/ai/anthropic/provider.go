// Package anthropic implements models.AIProvider on the Anthropic Messages API.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/kiranshivaraju/ruleforge/internal/ai"
	"github.com/kiranshivaraju/ruleforge/internal/config"
	"github.com/kiranshivaraju/ruleforge/pkg/models"
)

const maxTokens = 1024

// Provider implements models.AIProvider using the Anthropic Messages API.
type Provider struct {
	model  string
	client sdk.Client
}

// NewProvider creates a Provider. Retries are left to the next stage pass.
func NewProvider(cfg config.AnthropicConfig) *Provider {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")+"/"))
	}
	return &Provider{model: cfg.Model, client: sdk.NewClient(opts...)}
}

func (p *Provider) Name() string { return "anthropic" }

func (p *Provider) Score(ctx context.Context, req models.ScoreRequest) (models.ScoreResult, error) {
	text, err := p.send(ctx, ai.BuildScorePrompt(req))
	if err != nil {
		return models.ScoreResult{}, err
	}
	return ai.ParseScore(text)
}

func (p *Provider) Review(ctx context.Context, req models.ReviewRequest) (models.ReviewVerdict, error) {
	text, err := p.send(ctx, ai.BuildReviewPrompt(req))
	if err != nil {
		return models.ReviewVerdict{}, err
	}
	return ai.ParseVerdict(text)
}

func (p *Provider) send(ctx context.Context, prompt ai.Prompt) (string, error) {
	msg, err := p.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(p.model),
		MaxTokens: maxTokens,
		System:    []sdk.TextBlockParam{{Text: prompt.System}},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt.User)),
		},
	})
	if err != nil {
		return "", classify(ctx, err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 {
		return "", fmt.Errorf("%w: empty content", ai.ErrInvalidResponse)
	}
	return b.String(), nil
}

// classify maps SDK errors onto the ai sentinels.
func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ai.ErrInferenceTimeout, err)
	}
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500 {
			return fmt.Errorf("%w: status %d", ai.ErrProviderUnavailable, apiErr.StatusCode)
		}
		return fmt.Errorf("%w: status %d: %v", ai.ErrInvalidResponse, apiErr.StatusCode, err)
	}
	return fmt.Errorf("%w: %v", ai.ErrProviderUnavailable, err)
}

var _ models.AIProvider = (*Provider)(nil)
