package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// TransientError marks a provider failure that is worth retrying
// (rate limits, overload, server errors, timeouts).
type TransientError struct {
	Provider string
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Provider, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func isTransientStatus(code int) bool {
	switch {
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout:
		return true
	case code >= 500 && code <= 599:
		return true
	case code == 529: // anthropic overloaded
		return true
	}
	return false
}

// IsTransient reports whether err should be retried. Caller cancellation is
// never transient; per-call deadlines and network errors are.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
