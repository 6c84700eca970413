package research

import (
	"errors"
	"fmt"
)

var (
	ErrValidation           = errors.New("validation error")
	ErrPlanGeneration       = errors.New("plan generation failed")
	ErrStaleApproval        = errors.New("stale plan version")
	ErrConcurrentTransition = errors.New("concurrent transition")
	ErrResearchExhausted    = errors.New("research exhausted")
	ErrSynthesis            = errors.New("synthesis failed")
	ErrNotReady             = errors.New("report not ready")
	ErrNotFound             = errors.New("not found")
	ErrAlreadyTerminal      = errors.New("session already terminal")
)

// ValidationError reports bad caller input. No state is changed.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// PlanGenerationError means the model could not produce a usable plan. The
// session keeps its previous state and can be resumed.
type PlanGenerationError struct {
	SessionID string
	Err       error
}

func (e *PlanGenerationError) Error() string {
	return fmt.Sprintf("plan generation failed for session %s: %v", e.SessionID, e.Err)
}

func (e *PlanGenerationError) Unwrap() error { return e.Err }

func (e *PlanGenerationError) Is(target error) bool { return target == ErrPlanGeneration }

// StaleApprovalError means the caller acted on a plan version that is no
// longer active.
type StaleApprovalError struct {
	SessionID string
	Requested int
	Active    int
}

func (e *StaleApprovalError) Error() string {
	return fmt.Sprintf("session %s: plan version %d is stale (active version is %d)", e.SessionID, e.Requested, e.Active)
}

func (e *StaleApprovalError) Is(target error) bool { return target == ErrStaleApproval }

// errSessionStopped signals a background phase that the session left the
// state it was working on (cancelled, or advanced by another process).
var errSessionStopped = errors.New("session no longer in expected state")

func validationErr(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
