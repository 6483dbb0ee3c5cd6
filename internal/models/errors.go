package models

import "errors"

var (
	// ErrValidation is the parent of every synchronous input rejection.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound is the parent of every unknown-id error.
	ErrNotFound = errors.New("not found")

	ErrInvalidSchedule   error = &kindError{msg: "invalid schedule", kind: ErrValidation}
	ErrDuplicateRule     error = &kindError{msg: "duplicate rule", kind: ErrValidation}
	ErrTaskNotFound      error = &kindError{msg: "task not found", kind: ErrNotFound}
	ErrRuleNotFound      error = &kindError{msg: "rule not found", kind: ErrNotFound}
	ErrInvalidID         error = &kindError{msg: "invalid id", kind: ErrValidation}
	ErrTargetNotFound    error = &kindError{msg: "wake target not found", kind: ErrNotFound}
	ErrAutoGeneratedRule       = errors.New("auto-generated rules are removed with their workload")

	ErrWakeTimeout   = errors.New("wake timed out")
	ErrHealthCheck   = errors.New("health check failed")
	ErrWakeCancelled = errors.New("wake cancelled")
)

// kindError is a sentinel that also matches its parent kind with errors.Is,
// so callers can test for either ErrDuplicateRule or ErrValidation.
type kindError struct {
	msg  string
	kind error
}

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Is(target error) bool { return target == e.kind }

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
