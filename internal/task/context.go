package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pagekeep/taskengine/internal/domain"
	"github.com/pagekeep/taskengine/internal/events"
	"github.com/pagekeep/taskengine/internal/store"
)

// SubTaskSubmitter is the slice of the submission service a running task
// needs to spawn children.
type SubTaskSubmitter interface {
	Submit(ctx context.Context, userID uuid.UUID, taskType string, params any, parentID *uuid.UUID) (uuid.UUID, error)
}

// Context is the per-execution handle injected into an Executable. It
// exposes the decoded parameters, progress reporting, sub-task submission,
// cooperative cancellation and a task-scoped logger.
type Context struct {
	taskID    uuid.UUID
	taskType  string
	userID    uuid.UUID
	parentID  *uuid.UUID
	params    any
	taskStore store.TaskStore
	emitter   events.Emitter
	submitter SubTaskSubmitter
	logger    *slog.Logger
	execCtx   context.Context
}

// NewContext builds an execution context for the given task. The runner
// calls this per dispatch; it is exported so executables can be driven
// directly in tests and tools.
func NewContext(
	execCtx context.Context,
	t *domain.Task,
	params any,
	taskStore store.TaskStore,
	emitter events.Emitter,
	submitter SubTaskSubmitter,
	logger *slog.Logger,
) *Context {
	return &Context{
		taskID:    t.ID,
		taskType:  t.Type,
		userID:    t.UserID,
		parentID:  t.ParentID,
		params:    params,
		taskStore: taskStore,
		emitter:   emitter,
		submitter: submitter,
		logger:    logger,
		execCtx:   execCtx,
	}
}

// TaskID returns the ID of the executing task.
func (c *Context) TaskID() uuid.UUID {
	return c.taskID
}

// UserID returns the ID of the user the task belongs to.
func (c *Context) UserID() uuid.UUID {
	return c.userID
}

// ParentID returns the ID of the parent task, or nil for a root task.
func (c *Context) ParentID() *uuid.UUID {
	return c.parentID
}

// Params returns the decoded, validated parameter struct for the task's
// type. Callers assert it to the concrete type they registered.
func (c *Context) Params() any {
	return c.params
}

// Logger returns a logger scoped to the executing task.
func (c *Context) Logger() *slog.Logger {
	return c.logger
}

// Cancelled reports whether the task has been cooperatively cancelled.
// Polling steps must check this before each progress emission and
// self-terminate when it returns true.
func (c *Context) Cancelled() bool {
	return c.execCtx.Err() != nil
}

// ReportProgress overwrites the task's progress payload and announces a
// progress event. The store write happens here, synchronously with the
// execution, so a parent's planning progress is durable before any child
// it submits can report; the event is flagged as already persisted.
// Returns ErrCancelled without writing when the task has been cancelled.
func (c *Context) ReportProgress(ctx context.Context, progress any) error {
	if c.Cancelled() {
		return ErrCancelled
	}

	payload, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("failed to marshal progress: %w", err)
	}

	if err := c.taskStore.SetProgress(ctx, c.taskID, payload); err != nil {
		return fmt.Errorf("failed to write progress: %w", err)
	}

	ev := events.New(events.KindProgress, c.taskID, c.taskType, c.parentID)
	ev.Payload = payload
	ev.Persisted = true
	if err := c.emitter.Emit(ctx, ev); err != nil {
		return fmt.Errorf("failed to emit progress event: %w", err)
	}
	return nil
}

// SubmitSubtask submits a child task of the given type owned by the same
// user, linked to the executing task as its parent.
func (c *Context) SubmitSubtask(ctx context.Context, taskType string, params any) (uuid.UUID, error) {
	if c.Cancelled() {
		return uuid.Nil, ErrCancelled
	}
	parentID := c.taskID
	return c.submitter.Submit(ctx, c.userID, taskType, params, &parentID)
}

// SubmitSibling submits a task of the given type that reports to the same
// parent as the executing task. Chain-style batches use this to enqueue the
// next link on completion of the current one.
func (c *Context) SubmitSibling(ctx context.Context, taskType string, params any) (uuid.UUID, error) {
	if c.Cancelled() {
		return uuid.Nil, ErrCancelled
	}
	if c.parentID == nil {
		return uuid.Nil, fmt.Errorf("task %s has no parent to report a sibling to", c.taskID)
	}
	return c.submitter.Submit(ctx, c.userID, taskType, params, c.parentID)
}
