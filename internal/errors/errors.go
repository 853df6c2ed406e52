// Package errors provides structured error types for the phasedrive engine.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
var (
	ErrTimeout           = errors.New("operation timed out")
	ErrProtocolNotFound  = errors.New("protocol not found")
	ErrProtocolInvalid   = errors.New("protocol definition invalid")
	ErrStateNotFound     = errors.New("project state not found")
	ErrStateCorrupt      = errors.New("project state corrupt")
	ErrLockHeld          = errors.New("state lock held by another process")
	ErrGateNotRequested  = errors.New("gate has not been requested")
	ErrExplicitApproval  = errors.New("gate approval requires the explicit human flag")
	ErrCircuitOpen       = errors.New("build circuit breaker tripped")
	ErrPlanMissing       = errors.New("plan artifact missing")
	ErrArtifactMissing   = errors.New("phase artifact missing")
	ErrUnavailable       = errors.New("service unavailable")
)

// TaskError represents a failed external task (build worker or reviewer
// subprocess).
type TaskError struct {
	Kind     string // "build" or "review"
	Subject  string // project/phase or reviewer identity
	ExitCode int
	TimedOut bool
	Output   string // trailing output, for diagnostics
	Err      error
}

func (e *TaskError) Error() string {
	if e.TimedOut {
		return fmt.Sprintf("%s task %s timed out", e.Kind, e.Subject)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s task %s failed (exit %d): %v", e.Kind, e.Subject, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("%s task %s failed (exit %d)", e.Kind, e.Subject, e.ExitCode)
}

func (e *TaskError) Unwrap() error { return e.Err }

// NewTaskError creates a task error for a failed subprocess.
func NewTaskError(kind, subject string, exitCode int, err error) *TaskError {
	return &TaskError{Kind: kind, Subject: subject, ExitCode: exitCode, Err: err}
}

// IsRetryable returns true if the error is likely transient and worth
// retrying. Definitional errors (bad protocol, corrupt state, policy
// violations) are never retryable.
func IsRetryable(err error) bool {
	var taskErr *TaskError
	if errors.As(err, &taskErr) {
		return true
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable)
}
