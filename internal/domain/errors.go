package domain

import "errors"

// Common domain errors used across the application.
var (
	// ErrValidation is returned when a domain entity fails validation.
	// This is often wrapped with a more specific error message.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidID is returned when an ID is malformed or invalid.
	ErrInvalidID = errors.New("invalid ID")

	// ErrInvalidStatus is returned when a task status value is not one of
	// the defined Status constants.
	ErrInvalidStatus = errors.New("invalid task status")

	// ErrInvalidTransition is returned when a status change does not follow
	// an edge of the task state machine.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrResultAlreadySet is returned when a result write is attempted on a
	// task that already carries a result. Results are written at most once.
	ErrResultAlreadySet = errors.New("task result already set")

	// ErrEmptyContent is returned when required content is empty.
	ErrEmptyContent = errors.New("content cannot be empty")
)
