package research

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/vericase/deepresearch/internal/llm"
)

// RetryPolicy bounds retries of transient model failures.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy allows three attempts with exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialInterval: 500 * time.Millisecond, MaxInterval: 8 * time.Second}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	d := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	if p.MaxInterval < p.InitialInterval {
		p.MaxInterval = p.InitialInterval
	}
	return p
}

// complete calls the provider until it succeeds, fails permanently, or the
// attempt budget is spent. It returns the number of attempts made.
func (p RetryPolicy) complete(ctx context.Context, provider llm.Provider, req llm.Request, notify backoff.Notify) (*llm.Response, int, error) {
	p = p.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0.2

	attempts := 0
	op := func() (*llm.Response, error) {
		attempts++
		resp, err := provider.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil || !llm.IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(notify))
	}
	resp, err := backoff.Retry(ctx, op, opts...)
	if err != nil {
		// Retry returns the wrapper as-is when the final attempt was permanent.
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Unwrap()
		}
		return nil, attempts, err
	}
	return resp, attempts, nil
}
