package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Fallback tries each provider in order and returns the first success.
// The response reports the identity of the provider that answered.
type Fallback struct {
	providers []Provider
	log       *zap.Logger
}

// NewFallback builds a chain. A nil logger is replaced with a no-op logger.
func NewFallback(providers []Provider, log *zap.Logger) *Fallback {
	if log == nil {
		log = zap.NewNop()
	}
	return &Fallback{providers: providers, log: log}
}

func (f *Fallback) Name() string {
	names := make([]string, len(f.providers))
	for i, p := range f.providers {
		names[i] = p.Name()
	}
	return "fallback(" + strings.Join(names, ",") + ")"
}

// Complete returns the first successful response. If every provider fails the
// joined error is transient only when every underlying error was transient;
// otherwise the members are flattened so IsTransient cannot find them.
func (f *Fallback) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(f.providers) == 0 {
		return nil, fmt.Errorf("no providers configured")
	}
	var errs []error
	allTransient := true
	for _, p := range f.providers {
		resp, err := p.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		f.log.Warn("provider failed, trying next",
			zap.String("provider", p.Name()),
			zap.String("purpose", string(req.Purpose)),
			zap.Error(err))
		errs = append(errs, err)
		if !IsTransient(err) {
			allTransient = false
		}
	}
	joined := errors.Join(errs...)
	if allTransient {
		return nil, &TransientError{Provider: f.Name(), Err: fmt.Errorf("all providers failed: %w", joined)}
	}
	return nil, fmt.Errorf("all providers failed: %v", joined)
}
