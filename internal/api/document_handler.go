package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pagekeep/taskengine/internal/api/shared"
	"github.com/pagekeep/taskengine/internal/domain"
	"github.com/pagekeep/taskengine/internal/store"
)

// CreateDocumentRequest represents the request body for creating a document.
type CreateDocumentRequest struct {
	UserID   uuid.UUID        `json:"user_id" validate:"required"`
	Title    string           `json:"title" validate:"required,min=1"`
	Chapters []ChapterRequest `json:"chapters" validate:"required,min=1,dive"`
}

// ChapterRequest is one chapter of a document being created.
type ChapterRequest struct {
	Title string `json:"title"`
	Text  string `json:"text" validate:"required,min=1"`
}

// DocumentResponse represents the response data for a document.
type DocumentResponse struct {
	ID        string            `json:"id"`
	UserID    string            `json:"user_id"`
	Title     string            `json:"title"`
	Chapters  []ChapterResponse `json:"chapters"`
	Version   int64             `json:"version"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// ChapterResponse is one chapter of a document in responses.
type ChapterResponse struct {
	Index        int        `json:"index"`
	Title        string     `json:"title"`
	Summary      string     `json:"summary,omitempty"`
	SummarizedAt *time.Time `json:"summarized_at,omitempty"`
	TextChars    int        `json:"text_chars"`
}

// DocumentHandler handles document-related HTTP requests.
type DocumentHandler struct {
	documents store.DocumentStore
}

// NewDocumentHandler creates a new DocumentHandler.
func NewDocumentHandler(documents store.DocumentStore) *DocumentHandler {
	return &DocumentHandler{documents: documents}
}

// CreateDocument handles POST /api/documents requests.
func (h *DocumentHandler) CreateDocument(w http.ResponseWriter, r *http.Request) {
	var req CreateDocumentRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Validation error: "+err.Error())
		return
	}

	chapters := make([]domain.Chapter, len(req.Chapters))
	for i, c := range req.Chapters {
		chapters[i] = domain.Chapter{Index: i, Title: c.Title, Text: c.Text}
	}

	doc, err := domain.NewDocument(req.UserID, req.Title, chapters)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r,
			http.StatusBadRequest, "Invalid document data", err)
		return
	}

	if err := h.documents.CreateDocument(r.Context(), doc); err != nil {
		shared.RespondWithErrorAndLog(w, r,
			MapErrorToStatusCode(err),
			GetUserFriendlyMessage(err, "Failed to create document"),
			err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusCreated, documentToResponse(doc))
}

// GetDocument handles GET /api/documents/{id} requests.
func (h *DocumentHandler) GetDocument(w http.ResponseWriter, r *http.Request) {
	id, ok := idFromRequest(w, r)
	if !ok {
		return
	}

	doc, err := h.documents.GetDocument(r.Context(), id)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r,
			MapErrorToStatusCode(err),
			GetUserFriendlyMessage(err, "Failed to load document"),
			err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, documentToResponse(doc))
}

// documentToResponse converts a domain.Document to a DocumentResponse. The
// chapter text itself is elided; clients that submitted it do not need it
// echoed back, and summaries are what this API is for.
func documentToResponse(d *domain.Document) DocumentResponse {
	chapters := make([]ChapterResponse, len(d.Chapters))
	for i, c := range d.Chapters {
		chapters[i] = ChapterResponse{
			Index:        c.Index,
			Title:        c.Title,
			Summary:      c.Summary,
			SummarizedAt: c.SummarizedAt,
			TextChars:    len(c.Text),
		}
	}
	return DocumentResponse{
		ID:        d.ID.String(),
		UserID:    d.UserID.String(),
		Title:     d.Title,
		Chapters:  chapters,
		Version:   d.Version,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}
