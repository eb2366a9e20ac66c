package domain

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Status represents the current state of a task.
type Status string

// Possible task status values.
const (
	StatusQueued              Status = "QUEUED"
	StatusRunning             Status = "RUNNING"
	StatusRetrying            Status = "RETRYING"
	StatusCompleted           Status = "COMPLETED"
	StatusCompletedWithErrors Status = "COMPLETED_WITH_ERRORS"
	StatusFailed              Status = "FAILED"
	StatusCancelled           Status = "CANCELLED"
	StatusDeadLetter          Status = "DEAD_LETTER"
)

// transitions holds the legal edges of the task state machine.
// COMPLETED_WITH_ERRORS is only ever reached through fan-in aggregation of
// child outcomes, never by the parent's own execution returning.
var transitions = map[Status][]Status{
	StatusQueued:   {StatusRunning, StatusCancelled},
	StatusRunning:  {StatusCompleted, StatusCompletedWithErrors, StatusRetrying, StatusFailed, StatusDeadLetter, StatusCancelled},
	StatusRetrying: {StatusRunning, StatusCancelled},
}

// IsValid reports whether s is one of the defined status values.
func (s Status) IsValid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusRetrying, StatusCompleted,
		StatusCompletedWithErrors, StatusFailed, StatusCancelled, StatusDeadLetter:
		return true
	}
	return false
}

// IsTerminal reports whether s is a terminal status. No transition out of a
// terminal status is legal.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithErrors, StatusFailed,
		StatusCancelled, StatusDeadLetter:
		return true
	}
	return false
}

// CanTransitionTo reports whether the edge s -> next exists in the state
// machine.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// SubTaskSummary holds running counters of direct children that reached a
// terminal state. Counters are monotonically non-decreasing; they are
// incremented by the generic state aggregator and never reset.
type SubTaskSummary struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Common validation errors for Task.
var (
	ErrEmptyTaskID     = errors.New("task ID cannot be empty")
	ErrEmptyTaskType   = errors.New("task type cannot be empty")
	ErrEmptyTaskUserID = errors.New("task user ID cannot be empty")
)

// Task represents a durable unit of schedulable work. Params, Progress and
// Result are opaque JSON payloads whose shape is determined by Type through
// the executable registry. Progress is overwritten on each progress event
// (last writer wins per task); Result is written exactly once at terminal
// success.
type Task struct {
	ID            uuid.UUID       `json:"id"`
	Type          string          `json:"type"`
	Status        Status          `json:"status"`
	Params        json.RawMessage `json:"params,omitempty"`
	Progress      json.RawMessage `json:"progress,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`
	ParentID      *uuid.UUID      `json:"parent_id,omitempty"`
	SubTasks      SubTaskSummary  `json:"sub_tasks"`
	UserID        uuid.UUID       `json:"user_id"`
	NodeID        string          `json:"node_id,omitempty"`
	RetryCount    int             `json:"retry_count"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
	Version       int64           `json:"version"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// NewTask creates a new queued Task for the given user, type and params.
// A nil parentID creates a root task. Returns an error if validation fails.
func NewTask(userID uuid.UUID, taskType string, params json.RawMessage, parentID *uuid.UUID) (*Task, error) {
	now := time.Now().UTC()
	t := &Task{
		ID:        uuid.New(),
		Type:      taskType,
		Status:    StatusQueued,
		Params:    params,
		ParentID:  parentID,
		UserID:    userID,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks if the Task has valid data.
func (t *Task) Validate() error {
	if t.ID == uuid.Nil {
		return ErrEmptyTaskID
	}
	if t.Type == "" {
		return ErrEmptyTaskType
	}
	if t.UserID == uuid.Nil {
		return ErrEmptyTaskUserID
	}
	if !t.Status.IsValid() {
		return ErrInvalidStatus
	}
	if t.ParentID != nil && *t.ParentID == uuid.Nil {
		return ErrInvalidID
	}
	return nil
}

// IsRoot reports whether the task has no parent.
func (t *Task) IsRoot() bool {
	return t.ParentID == nil
}
