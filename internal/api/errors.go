package api

import (
	"errors"
	"net/http"

	"github.com/pagekeep/taskengine/internal/domain"
	"github.com/pagekeep/taskengine/internal/store"
	"github.com/pagekeep/taskengine/internal/task"
)

// MapErrorToStatusCode maps internal errors to appropriate HTTP status
// codes based on the error type. This prevents leaking internal error types
// or messages to clients.
func MapErrorToStatusCode(err error) int {
	switch {
	// Not found errors
	case store.IsNotFoundError(err):
		return http.StatusNotFound

	// Conflict errors
	case errors.Is(err, store.ErrDuplicate),
		errors.Is(err, store.ErrVersionMismatch):
		return http.StatusConflict

	// Bad request errors
	case errors.Is(err, store.ErrInvalidEntity),
		errors.Is(err, domain.ErrValidation),
		errors.Is(err, task.ErrUnknownTaskType),
		errors.Is(err, task.ErrInvalidParams):
		return http.StatusBadRequest

	// Overload
	case errors.Is(err, task.ErrQueueFull):
		return http.StatusServiceUnavailable

	// Default to internal server error
	default:
		return http.StatusInternalServerError
	}
}

// GetUserFriendlyMessage returns a message safe to show to API clients for
// the given error. Internal details stay in the logs.
func GetUserFriendlyMessage(err error, fallback string) string {
	switch {
	case store.IsNotFoundError(err):
		return "Resource not found"
	case errors.Is(err, store.ErrDuplicate):
		return "Resource already exists"
	case errors.Is(err, store.ErrVersionMismatch):
		return "Resource was modified concurrently, retry with a fresh copy"
	case errors.Is(err, task.ErrUnknownTaskType):
		return "Unknown task type"
	case errors.Is(err, task.ErrInvalidParams),
		errors.Is(err, store.ErrInvalidEntity),
		errors.Is(err, domain.ErrValidation):
		return "Invalid request data"
	case errors.Is(err, task.ErrQueueFull):
		return "Server is overloaded, try again later"
	default:
		if fallback != "" {
			return fallback
		}
		return "An internal error occurred"
	}
}
