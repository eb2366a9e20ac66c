package summarize

import "errors"

// Common errors returned by summarizer implementations.
var (
	// ErrSummarizationFailed is returned when summary generation fails for
	// any general reason.
	ErrSummarizationFailed = errors.New("failed to summarize chapter text")

	// ErrInvalidResponse is returned when the model response cannot be
	// parsed or is empty.
	ErrInvalidResponse = errors.New("invalid response from language model")

	// ErrContentBlocked is returned when the model blocks the content due
	// to safety filters.
	ErrContentBlocked = errors.New("content blocked by language model safety filters")

	// ErrTransientFailure is returned for temporary errors that might
	// resolve on retry.
	ErrTransientFailure = errors.New("transient error during summarization")

	// ErrInvalidConfig is returned when the summarizer configuration is
	// invalid.
	ErrInvalidConfig = errors.New("invalid summarizer configuration")
)
