package summarize

import (
	"context"

	"github.com/google/uuid"
)

// Summarizer defines the interface for chapter summarization services.
type Summarizer interface {
	// Summarize produces a summary of the given chapter text on behalf of
	// the given user. Implementations may block on network calls and must
	// respect context cancellation.
	Summarize(ctx context.Context, chapterText string, userID uuid.UUID) (string, error)
}
