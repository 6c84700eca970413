package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultAnthropicModel = "claude-sonnet-4-5"

// AnthropicProvider wraps the Anthropic Messages API.
type AnthropicProvider struct {
	api         *anthropic.Client
	model       anthropic.Model
	maxTokens   int
	temperature float64
}

// NewAnthropicProvider creates a provider with the given API key and model.
// An empty key falls back to the SDK's ANTHROPIC_API_KEY lookup. SDK retries
// are disabled; callers own the retry policy.
func NewAnthropicProvider(apiKey, model string, maxTokens int, temperature float64, extra ...option.RequestOption) *AnthropicProvider {
	opts := []option.RequestOption{option.WithMaxRetries(0)}
	opts = append(opts, extra...)
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if model == "" {
		model = defaultAnthropicModel
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	client := anthropic.NewClient(opts...)
	return &AnthropicProvider{
		api:         &client,
		model:       anthropic.Model(model),
		maxTokens:   maxTokens,
		temperature: temperature,
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic/" + string(p.model) }

// Complete sends one message and returns the first text block of the reply.
func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	temp := req.Temperature
	if temp == 0 {
		temp = p.temperature
	}

	params := anthropic.MessageNewParams{
		Model:     p.model,
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if temp > 0 {
		params.Temperature = anthropic.Float(temp)
	}

	msg, err := p.api.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) && isTransientStatus(apiErr.StatusCode) {
			return nil, &TransientError{Provider: p.Name(), Err: err}
		}
		return nil, fmt.Errorf("anthropic API call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return nil, fmt.Errorf("no text content in API response")
	}

	model := string(msg.Model)
	if model == "" {
		model = string(p.model)
	}
	return &Response{Text: text, Model: "anthropic/" + model}, nil
}
