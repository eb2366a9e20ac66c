package task

import (
	"context"
	"errors"
	"fmt"
)

// Common errors of the execution layer.
var (
	// ErrUnknownTaskType is returned when no executable is registered for
	// a task type.
	ErrUnknownTaskType = errors.New("unknown task type")

	// ErrInvalidParams is returned when task parameters fail decoding or
	// validation at submission time.
	ErrInvalidParams = errors.New("invalid task parameters")

	// ErrCancelled is returned by Context operations once the task has
	// been cooperatively cancelled. Long-running executables should stop
	// work when they observe it.
	ErrCancelled = errors.New("task cancelled")

	// ErrAwaitChildren is returned by a parent executable whose terminal
	// state is decided by fan-in aggregation of its children rather than
	// by its own return. The runner leaves the task RUNNING.
	ErrAwaitChildren = errors.New("awaiting child task completion")
)

// Executable is the unit of business logic bound to a task type. Execute
// may block, call external services and submit child tasks through the
// Context. It must not assume it is the only attempt: retries re-invoke
// Execute from the start with the same parameters, so side effects must be
// idempotent or guarded by conditional updates.
type Executable interface {
	// Type returns the task-type name this executable is registered under.
	Type() string

	// NewParams returns a pointer to a zero value of the typed parameter
	// struct for this task type. The registry unmarshals and validates
	// submitted parameters into it.
	NewParams() any

	// Execute runs the task logic and returns the task result, which is
	// serialized into the task record. Returning ErrAwaitChildren defers
	// completion to fan-in aggregation.
	Execute(ctx context.Context, tc *Context) (any, error)

	// IsRetryable reports whether the given execution error is transient
	// and worth another attempt.
	IsRetryable(err error) bool
}

// deadLetterError marks a failure as non-recoverable so the task is parked
// in DEAD_LETTER for operator attention instead of plain FAILED.
type deadLetterError struct {
	err error
}

func (e *deadLetterError) Error() string {
	return fmt.Sprintf("dead letter: %v", e.err)
}

func (e *deadLetterError) Unwrap() error {
	return e.err
}

// DeadLetter wraps an error so the failure is recorded as DEAD_LETTER.
func DeadLetter(err error) error {
	if err == nil {
		return nil
	}
	return &deadLetterError{err: err}
}

// IsDeadLetter reports whether the error carries the dead-letter marker.
func IsDeadLetter(err error) bool {
	var dl *deadLetterError
	return errors.As(err, &dl)
}
