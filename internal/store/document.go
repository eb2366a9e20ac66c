package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/pagekeep/taskengine/internal/domain"
)

// DocumentStore defines the collaborator contract the engine consumes for
// versioned domain entities: a read returning the entity with its current
// version, and a conditional update that only applies when the stored
// version still matches.
type DocumentStore interface {
	// CreateDocument persists a new document.
	CreateDocument(ctx context.Context, d *domain.Document) error

	// GetDocument retrieves a document by its ID, including its current
	// version. Returns ErrDocumentNotFound if no such document exists.
	GetDocument(ctx context.Context, id uuid.UUID) (*domain.Document, error)

	// UpdateDocument writes the document back conditionally: the update
	// applies only if the stored version equals expectedVersion, and
	// increments the version on success (reflected on the caller's copy).
	// Returns ErrVersionMismatch when the document has been modified since
	// it was read.
	UpdateDocument(ctx context.Context, d *domain.Document, expectedVersion int64) error
}
