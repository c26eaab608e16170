// Package provider selects the configured AI capability implementation.
package provider

import (
	"fmt"

	"github.com/kiranshivaraju/ruleforge/internal/ai/anthropic"
	"github.com/kiranshivaraju/ruleforge/internal/ai/mock"
	"github.com/kiranshivaraju/ruleforge/internal/ai/openai"
	"github.com/kiranshivaraju/ruleforge/internal/config"
	"github.com/kiranshivaraju/ruleforge/pkg/models"
)

// New constructs the appropriate AI provider based on config.
// Called once at server startup. vLLM and Ollama are served by the
// OpenAI-compatible client pointed at their /v1 endpoints.
func New(cfg config.AIConfig) (models.AIProvider, error) {
	switch cfg.Provider {
	case "ollama":
		return openai.NewProvider(openai.Options{
			Name:    "ollama",
			APIKey:  "ollama",
			BaseURL: cfg.Ollama.BaseURL,
			Model:   cfg.Ollama.Model,
		}), nil
	case "vllm":
		return openai.NewProvider(openai.Options{
			Name:    "vllm",
			APIKey:  "vllm",
			BaseURL: cfg.VLLM.BaseURL,
			Model:   cfg.VLLM.Model,
		}), nil
	case "openai":
		return openai.NewProvider(openai.Options{
			Name:    "openai",
			APIKey:  cfg.OpenAI.APIKey,
			BaseURL: cfg.OpenAI.BaseURL,
			Model:   cfg.OpenAI.Model,
		}), nil
	case "anthropic":
		return anthropic.NewProvider(cfg.Anthropic), nil
	case "mock":
		return mock.NewMockProvider(), nil
	default:
		return nil, fmt.Errorf("unknown AI provider %q: must be one of ollama, vllm, openai, anthropic, mock", cfg.Provider)
	}
}
