// Package llmtest provides a scripted llm.Provider for tests.
package llmtest

import (
	"context"
	"fmt"
	"sync"

	"github.com/vericase/deepresearch/internal/llm"
)

// Handler produces the reply text for one request.
type Handler func(ctx context.Context, req llm.Request) (string, error)

// Provider answers each purpose with a configured handler and records calls.
type Provider struct {
	model string

	mu       sync.Mutex
	handlers map[llm.Purpose]Handler
	calls    []llm.Request
}

// New creates a fake that reports itself as "fake/<model>".
func New(model string) *Provider {
	return &Provider{model: model, handlers: make(map[llm.Purpose]Handler)}
}

// On installs h for purpose.
func (p *Provider) On(purpose llm.Purpose, h Handler) *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[purpose] = h
	return p
}

// Reply answers purpose with a fixed text.
func (p *Provider) Reply(purpose llm.Purpose, text string) *Provider {
	return p.On(purpose, func(context.Context, llm.Request) (string, error) { return text, nil })
}

// Fail answers purpose with a fixed error.
func (p *Provider) Fail(purpose llm.Purpose, err error) *Provider {
	return p.On(purpose, func(context.Context, llm.Request) (string, error) { return "", err })
}

func (p *Provider) Name() string { return "fake/" + p.model }

func (p *Provider) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	h := p.handlers[req.Purpose]
	p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if h == nil {
		return nil, fmt.Errorf("llmtest: no handler for purpose %q", req.Purpose)
	}
	text, err := h(ctx, req)
	if err != nil {
		return nil, err
	}
	return &llm.Response{Text: text, Model: p.Name()}, nil
}

// Calls returns the recorded requests for purpose, or all requests when purpose is empty.
func (p *Provider) Calls(purpose llm.Purpose) []llm.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []llm.Request
	for _, c := range p.calls {
		if purpose == "" || c.Purpose == purpose {
			out = append(out, c)
		}
	}
	return out
}
