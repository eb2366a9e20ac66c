package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pagekeep/taskengine/internal/domain"
	"github.com/pagekeep/taskengine/internal/platform/logger"
	"github.com/pagekeep/taskengine/internal/store"
)

// PostgresDocumentStore implements the store.DocumentStore interface
// using a PostgreSQL database as the storage backend. Chapters are stored
// as a single JSONB column; the version column carries the optimistic
// concurrency token.
type PostgresDocumentStore struct {
	db store.DBTX
}

// NewPostgresDocumentStore creates a new PostgreSQL implementation of the
// DocumentStore interface.
func NewPostgresDocumentStore(db store.DBTX) *PostgresDocumentStore {
	return &PostgresDocumentStore{db: db}
}

// Ensure PostgresDocumentStore implements store.DocumentStore interface
var _ store.DocumentStore = (*PostgresDocumentStore)(nil)

// CreateDocument implements store.DocumentStore.CreateDocument
func (s *PostgresDocumentStore) CreateDocument(ctx context.Context, d *domain.Document) error {
	log := logger.FromContext(ctx)

	if err := d.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	chapters, err := json.Marshal(d.Chapters)
	if err != nil {
		return fmt.Errorf("failed to marshal chapters: %w", err)
	}

	query := `
		INSERT INTO documents (id, user_id, title, chapters, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = s.db.ExecContext(ctx, query,
		d.ID, d.UserID, d.Title, chapters, d.Version, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		log.Error("failed to create document",
			"document_id", d.ID,
			"error", err)
		return mapError(err, store.ErrDocumentNotFound)
	}
	return nil
}

// GetDocument implements store.DocumentStore.GetDocument
func (s *PostgresDocumentStore) GetDocument(ctx context.Context, id uuid.UUID) (*domain.Document, error) {
	query := `
		SELECT id, user_id, title, chapters, version, created_at, updated_at
		FROM documents
		WHERE id = $1
	`
	var (
		d        domain.Document
		chapters []byte
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&d.ID, &d.UserID, &d.Title, &chapters, &d.Version, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, mapError(err, store.ErrDocumentNotFound)
	}
	if err := json.Unmarshal(chapters, &d.Chapters); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chapters for document %s: %w", id, err)
	}
	return &d, nil
}

// UpdateDocument implements store.DocumentStore.UpdateDocument. The write
// applies only when the stored version still equals expectedVersion; the
// caller's in-memory copy gets the incremented version on success.
func (s *PostgresDocumentStore) UpdateDocument(ctx context.Context, d *domain.Document, expectedVersion int64) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	chapters, err := json.Marshal(d.Chapters)
	if err != nil {
		return fmt.Errorf("failed to marshal chapters: %w", err)
	}

	query := `
		UPDATE documents
		SET title = $1, chapters = $2, version = version + 1, updated_at = $3
		WHERE id = $4 AND version = $5
	`
	result, err := s.db.ExecContext(ctx, query,
		d.Title, chapters, time.Now().UTC(), d.ID, expectedVersion)
	if err != nil {
		return mapError(err, store.ErrDocumentNotFound)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		var exists bool
		check := `SELECT EXISTS (SELECT 1 FROM documents WHERE id = $1)`
		if err := s.db.QueryRowContext(ctx, check, d.ID).Scan(&exists); err != nil {
			return mapError(err, store.ErrDocumentNotFound)
		}
		if !exists {
			return store.ErrDocumentNotFound
		}
		return store.ErrVersionMismatch
	}
	d.Version = expectedVersion + 1
	return nil
}
