package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pagekeep/taskengine/internal/domain"
)

// TaskStore defines the interface for persisting task records. All writes
// that race with other workers or aggregators are conditional: they either
// match their precondition atomically or report that they did not apply.
type TaskStore interface {
	// CreateTask persists a new task record.
	// Returns ErrDuplicate if a task with the same ID already exists.
	CreateTask(ctx context.Context, t *domain.Task) error

	// GetTask retrieves a task by its ID.
	// Returns ErrTaskNotFound if no such task exists.
	GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// ClaimTask atomically transitions the task from the given status to
	// RUNNING and stamps the claiming node. Returns false (and no error)
	// when the task is no longer in the expected status, so a losing
	// worker can treat its dispatch attempt as a no-op.
	ClaimTask(ctx context.Context, id uuid.UUID, from domain.Status, nodeID string) (bool, error)

	// TransitionTask atomically moves the task from one status to another.
	// Returns false when the task was not in the expected status.
	TransitionTask(ctx context.Context, id uuid.UUID, from, to domain.Status, errMsg string) (bool, error)

	// MarkRetrying records a transient failure: sets status RETRYING,
	// the new retry count, the time of the next attempt and the error
	// message. Only applies when the task is currently RUNNING; returns
	// false otherwise.
	MarkRetrying(ctx context.Context, id uuid.UUID, retryCount int, nextAttemptAt time.Time, errMsg string) (bool, error)

	// SetProgress overwrites the task's progress payload. Last writer wins.
	// Returns ErrTaskNotFound if no such task exists.
	SetProgress(ctx context.Context, id uuid.UUID, progress json.RawMessage) error

	// SetProgressIfVersion overwrites the progress payload only when the
	// record version still matches, incrementing the version on success.
	// Returns ErrVersionMismatch when the record has advanced. Used by the
	// fan-in fold as a second line of defence behind per-parent
	// serialization.
	SetProgressIfVersion(ctx context.Context, id uuid.UUID, version int64, progress json.RawMessage) error

	// CompleteTask writes a terminal status together with an optional
	// result or error message. The result is written at most once: a
	// second terminal write on the same task returns false without
	// changing anything. Status must be terminal.
	CompleteTask(ctx context.Context, id uuid.UUID, status domain.Status, result json.RawMessage, errMsg string) (bool, error)

	// IncrementSubTaskSummary atomically adds the given deltas to the
	// parent's sub-task counters. Counters never decrease.
	IncrementSubTaskSummary(ctx context.Context, parentID uuid.UUID, completed, failed int) error

	// ListTasksByStatus retrieves tasks in the given status, most recently
	// updated last. If olderThan is non-zero, only tasks whose last update
	// is older than the duration are returned (stuck-task detection).
	ListTasksByStatus(ctx context.Context, status domain.Status, olderThan time.Duration) ([]*domain.Task, error)

	// ListTasksByParent retrieves all direct children of the given parent.
	ListTasksByParent(ctx context.Context, parentID uuid.UUID) ([]*domain.Task, error)
}
