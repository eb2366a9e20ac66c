package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Common validation errors for Document.
var (
	ErrEmptyDocumentID     = errors.New("document ID cannot be empty")
	ErrEmptyDocumentUserID = errors.New("document user ID cannot be empty")
	ErrEmptyDocumentTitle  = errors.New("document title cannot be empty")
	ErrChapterOutOfRange   = errors.New("chapter index out of range")
)

// Chapter is a section of a document. Summary is empty until a summarization
// task attaches one.
type Chapter struct {
	Index        int        `json:"index"`
	Title        string     `json:"title"`
	Text         string     `json:"text"`
	Summary      string     `json:"summary,omitempty"`
	SummarizedAt *time.Time `json:"summarized_at,omitempty"`
}

// Document is a user-owned entity mutated both by task side effects and by
// interactive edits. Version supports optimistic concurrency: every
// successful mutation increments it, and conditional updates match against
// the version the writer last read. The engine does not own documents; it
// only respects this CAS contract.
type Document struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Title     string    `json:"title"`
	Chapters  []Chapter `json:"chapters"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewDocument creates a new Document with version 1 and the given chapters.
func NewDocument(userID uuid.UUID, title string, chapters []Chapter) (*Document, error) {
	now := time.Now().UTC()
	d := &Document{
		ID:        uuid.New(),
		UserID:    userID,
		Title:     title,
		Chapters:  chapters,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// Validate checks if the Document has valid data.
func (d *Document) Validate() error {
	if d.ID == uuid.Nil {
		return ErrEmptyDocumentID
	}
	if d.UserID == uuid.Nil {
		return ErrEmptyDocumentUserID
	}
	if d.Title == "" {
		return ErrEmptyDocumentTitle
	}
	return nil
}

// Chapter returns the chapter at the given index.
func (d *Document) Chapter(index int) (*Chapter, error) {
	if index < 0 || index >= len(d.Chapters) {
		return nil, ErrChapterOutOfRange
	}
	return &d.Chapters[index], nil
}

// AttachSummary sets the summary of the chapter at the given index and
// stamps the summarization time. It does not touch Version; version
// advancement belongs to the store's conditional update.
func (d *Document) AttachSummary(index int, summary string) error {
	ch, err := d.Chapter(index)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	ch.Summary = summary
	ch.SummarizedAt = &now
	d.UpdatedAt = now
	return nil
}
