package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.5-flash"

// GeminiProvider wraps the Google GenAI generate-content API.
type GeminiProvider struct {
	client      *genai.Client
	model       string
	maxTokens   int
	temperature float64
}

// NewGeminiProvider creates a Gemini-backed provider.
func NewGeminiProvider(apiKey, model string, maxTokens int, temperature float64) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if model == "" {
		model = defaultGeminiModel
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiProvider{client: client, model: model, maxTokens: maxTokens, temperature: temperature}, nil
}

func (p *GeminiProvider) Name() string { return "gemini/" + p.model }

// Complete generates content for a single text prompt.
func (p *GeminiProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	temp := req.Temperature
	if temp == 0 {
		temp = p.temperature
	}

	cfg := &genai.GenerateContentConfig{
		MaxOutputTokens: int32(maxTokens),
	}
	if req.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if temp > 0 {
		cfg.Temperature = genai.Ptr(float32(temp))
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(req.Prompt), cfg)
	if err != nil {
		if code := geminiStatus(err); isTransientStatus(code) {
			return nil, &TransientError{Provider: p.Name(), Err: err}
		}
		return nil, fmt.Errorf("gemini API call: %w", err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return nil, fmt.Errorf("no text content in API response")
	}
	return &Response{Text: text, Model: p.Name()}, nil
}

func geminiStatus(err error) int {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return apiErrPtr.Code
	}
	return 0
}
