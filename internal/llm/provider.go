package llm

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Purpose identifies which pipeline stage is calling the model.
type Purpose string

const (
	PurposePlan      Purpose = "plan"
	PurposeResearch  Purpose = "research"
	PurposeSynthesis Purpose = "synthesis"
)

// Request is a single completion call.
type Request struct {
	Purpose     Purpose
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Response carries the model output and the identity of the model that produced it.
type Response struct {
	Text  string
	Model string // "<provider>/<model>"
}

// Provider is a pluggable language-model backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Config selects and configures providers.
type Config struct {
	Provider        string // anthropic, gemini, or fallback
	MaxTokens       int
	Temperature     float64
	AnthropicAPIKey string
	AnthropicModel  string
	GeminiAPIKey    string
	GeminiModel     string

	// Logger receives fallback chain warnings. Nil discards them.
	Logger *zap.Logger
}

// New builds the provider named by cfg.Provider. "fallback" chains every
// provider that has an API key configured, Anthropic first.
func New(cfg Config) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "anthropic":
		return NewAnthropicProvider(cfg.AnthropicAPIKey, cfg.AnthropicModel, cfg.MaxTokens, cfg.Temperature), nil
	case "gemini":
		return NewGeminiProvider(cfg.GeminiAPIKey, cfg.GeminiModel, cfg.MaxTokens, cfg.Temperature)
	case "fallback":
		var chain []Provider
		if cfg.AnthropicAPIKey != "" {
			chain = append(chain, NewAnthropicProvider(cfg.AnthropicAPIKey, cfg.AnthropicModel, cfg.MaxTokens, cfg.Temperature))
		}
		if cfg.GeminiAPIKey != "" {
			g, err := NewGeminiProvider(cfg.GeminiAPIKey, cfg.GeminiModel, cfg.MaxTokens, cfg.Temperature)
			if err != nil {
				return nil, err
			}
			chain = append(chain, g)
		}
		if len(chain) == 0 {
			return nil, fmt.Errorf("fallback provider needs at least one API key (anthropic.api_key or gemini.api_key)")
		}
		return NewFallback(chain, cfg.Logger), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q (expected anthropic, gemini, or fallback)", cfg.Provider)
	}
}
