package gavel

import (
	"errors"
	"fmt"
)

var (
	// ErrNoDefinition means the tenant has not configured an approval
	// workflow for the entity type. Callers treat this as "no approval
	// required", not as a failure.
	ErrNoDefinition = errors.New("no workflow definition")

	// ErrInvalidDefinition is returned at registry load time; a definition
	// that resolves successfully never fails validation at runtime.
	ErrInvalidDefinition = errors.New("invalid workflow definition")

	ErrInstanceNotFound = errors.New("workflow instance not found")
	ErrStepNotFound     = errors.New("workflow step not found")
	ErrStepNotActive    = errors.New("step is not active")

	ErrUnauthenticated        = errors.New("unauthenticated")
	ErrInsufficientPermission = errors.New("insufficient permission")
	ErrOutOfTerritory         = errors.New("principal territory does not cover entity")

	// ErrStaleTransition signals a lost compare-and-set race. It stays
	// internal: the engine converts it to ErrDecisionTooLate for human
	// decisions and silently drops it on the timeout and cancel paths.
	ErrStaleTransition = errors.New("stale transition")

	// ErrDecisionTooLate means another resolution (timeout, cancellation,
	// concurrent decision) won the race. Expected outcome, not a failure.
	ErrDecisionTooLate = errors.New("decision arrived too late")

	ErrNoEscalationTarget = errors.New("no escalation target")
)

// LimitExceededError reports an approval-limit denial with both sides of
// the comparison, so the caller can render it without re-deriving context.
type LimitExceededError struct {
	Limit     float64
	Attempted float64
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("approval limit exceeded: limit %.2f, attempted %.2f", e.Limit, e.Attempted)
}

func invalidDefinition(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidDefinition, fmt.Sprintf(format, args...))
}
