package core

import (
	"context"
	"errors"
	"fmt"
)

// Pipeline errors.
var (
	// ErrStageNotFound indicates a requested stage is not registered.
	ErrStageNotFound = errors.New("stage not found")

	// ErrInvalidRegistry indicates the stage order violates a dependency.
	ErrInvalidRegistry = errors.New("invalid stage registry")

	// ErrJobAlreadyRunning indicates another worker is executing this job.
	ErrJobAlreadyRunning = errors.New("job already running")
)

// StageError wraps an error with the stage it occurred in.
type StageError struct {
	StageID   string
	StageName string
	Attempts  int
	Err       error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s (%s) after %d attempt(s): %v", e.StageName, e.StageID, e.Attempts, e.Err)
}

// Unwrap returns the underlying error.
func (e *StageError) Unwrap() error {
	return e.Err
}

// NewStageError creates a new StageError.
func NewStageError(stageID, stageName string, attempts int, err error) *StageError {
	return &StageError{StageID: stageID, StageName: stageName, Attempts: attempts, Err: err}
}

// fatalError marks an error the runner must not retry: bad input, a missing
// upstream output, a broken invariant. Everything else is assumed transient.
type fatalError struct {
	err error
}

func (e *fatalError) Error() string { return e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks err as non-retryable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// Fatalf formats a non-retryable error.
func Fatalf(format string, args ...any) error {
	return Fatal(fmt.Errorf(format, args...))
}

// IsFatal reports whether err was marked non-retryable. Cancellation of the
// run is also final. A call that merely hit its own deadline is not: a
// timed-out service request is as transient as a refused connection, and the
// retry schedule handles it.
func IsFatal(err error) bool {
	var fatal *fatalError
	if errors.As(err, &fatal) {
		return true
	}
	if IsInvariant(err) {
		return true
	}
	return errors.Is(err, context.Canceled)
}

// invariantError marks a broken storage invariant, such as a stage reading
// done with no persisted output. These fail the job immediately and keep
// the scratch artifacts for forensics even when cleanup-on-failure is on.
type invariantError struct {
	err error
}

func (e *invariantError) Error() string { return e.err.Error() }
func (e *invariantError) Unwrap() error { return e.err }

// Invariantf formats an invariant-violation error.
func Invariantf(format string, args ...any) error {
	return &invariantError{err: fmt.Errorf(format, args...)}
}

// IsInvariant reports whether err is an invariant violation.
func IsInvariant(err error) bool {
	var inv *invariantError
	return errors.As(err, &inv)
}
