package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pagekeep/taskengine/internal/api/shared"
	"github.com/pagekeep/taskengine/internal/domain"
	"github.com/pagekeep/taskengine/internal/store"
)

// TaskService is the slice of the engine the task handlers depend on.
type TaskService interface {
	// Submit validates and persists a new root task and schedules it for
	// dispatch.
	Submit(ctx context.Context, userID uuid.UUID, taskType string, params any, parentID *uuid.UUID) (uuid.UUID, error)

	// Cancel requests cancellation of the task. Returns false when the
	// task was already terminal.
	Cancel(ctx context.Context, id uuid.UUID) (bool, error)
}

// SubmitTaskRequest represents the request body for submitting a new task.
type SubmitTaskRequest struct {
	UserID uuid.UUID       `json:"user_id" validate:"required"`
	Type   string          `json:"type" validate:"required,min=1"`
	Params json.RawMessage `json:"params,omitempty"`
}

// TaskResponse represents the response data for a task.
type TaskResponse struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Status        string          `json:"status"`
	Progress      json.RawMessage `json:"progress,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	ParentID      string          `json:"parent_id,omitempty"`
	SubTasks      SubTaskCounts   `json:"sub_tasks"`
	UserID        string          `json:"user_id"`
	RetryCount    int             `json:"retry_count"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// SubTaskCounts mirrors the parent's sub-task counters in responses.
type SubTaskCounts struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// TaskHandler handles task-related HTTP requests.
type TaskHandler struct {
	service   TaskService
	taskStore store.TaskStore
}

// NewTaskHandler creates a new TaskHandler.
func NewTaskHandler(service TaskService, taskStore store.TaskStore) *TaskHandler {
	return &TaskHandler{
		service:   service,
		taskStore: taskStore,
	}
}

// SubmitTask handles POST /api/tasks requests.
func (h *TaskHandler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	var req SubmitTaskRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Validation error: "+err.Error())
		return
	}

	id, err := h.service.Submit(r.Context(), req.UserID, req.Type, req.Params, nil)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r,
			MapErrorToStatusCode(err),
			GetUserFriendlyMessage(err, "Failed to submit task"),
			err)
		return
	}

	t, err := h.taskStore.GetTask(r.Context(), id)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r,
			MapErrorToStatusCode(err),
			GetUserFriendlyMessage(err, "Failed to load submitted task"),
			err)
		return
	}

	// 202: the work happens asynchronously.
	shared.RespondWithJSON(w, r, http.StatusAccepted, taskToResponse(t))
}

// GetTask handles GET /api/tasks/{id} requests.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := idFromRequest(w, r)
	if !ok {
		return
	}

	t, err := h.taskStore.GetTask(r.Context(), id)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r,
			MapErrorToStatusCode(err),
			GetUserFriendlyMessage(err, "Failed to load task"),
			err)
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(t))
}

// ListSubTasks handles GET /api/tasks/{id}/subtasks requests.
func (h *TaskHandler) ListSubTasks(w http.ResponseWriter, r *http.Request) {
	id, ok := idFromRequest(w, r)
	if !ok {
		return
	}

	children, err := h.taskStore.ListTasksByParent(r.Context(), id)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r,
			MapErrorToStatusCode(err),
			GetUserFriendlyMessage(err, "Failed to load sub-tasks"),
			err)
		return
	}

	responses := make([]TaskResponse, 0, len(children))
	for _, child := range children {
		responses = append(responses, taskToResponse(child))
	}
	shared.RespondWithJSON(w, r, http.StatusOK, responses)
}

// CancelTask handles POST /api/tasks/{id}/cancel requests.
func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	id, ok := idFromRequest(w, r)
	if !ok {
		return
	}

	cancelled, err := h.service.Cancel(r.Context(), id)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r,
			MapErrorToStatusCode(err),
			GetUserFriendlyMessage(err, "Failed to cancel task"),
			err)
		return
	}
	if !cancelled {
		// Terminal already, or unknown ID: report the current state.
		t, err := h.taskStore.GetTask(r.Context(), id)
		if err != nil {
			shared.RespondWithErrorAndLog(w, r,
				MapErrorToStatusCode(err),
				GetUserFriendlyMessage(err, "Failed to load task"),
				err)
			return
		}
		shared.RespondWithJSON(w, r, http.StatusConflict, taskToResponse(t))
		return
	}

	shared.RespondWithJSON(w, r, http.StatusAccepted, map[string]string{
		"id":     id.String(),
		"status": "cancellation requested",
	})
}

// idFromRequest parses the {id} URL parameter, writing a 400 on failure.
func idFromRequest(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid ID format")
		return uuid.Nil, false
	}
	return id, true
}

// taskToResponse converts a domain.Task to a TaskResponse.
func taskToResponse(t *domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:           t.ID.String(),
		Type:         t.Type,
		Status:       string(t.Status),
		Progress:     t.Progress,
		Result:       t.Result,
		ErrorMessage: t.ErrorMessage,
		SubTasks: SubTaskCounts{
			Completed: t.SubTasks.Completed,
			Failed:    t.SubTasks.Failed,
		},
		UserID:        t.UserID.String(),
		RetryCount:    t.RetryCount,
		NextAttemptAt: t.NextAttemptAt,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}
	if t.ParentID != nil {
		resp.ParentID = t.ParentID.String()
	}
	return resp
}
