package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pagekeep/taskengine/internal/domain"
	"github.com/pagekeep/taskengine/internal/events"
	"github.com/pagekeep/taskengine/internal/store"
)

// Submitter is the submission service. It validates parameters against the
// registry, creates the durable task record, optionally links it to a
// parent, announces the submission and hands the task to the dispatch
// queue. Execution is asynchronous: Submit returns as soon as the record is
// durable.
type Submitter struct {
	taskStore store.TaskStore
	registry  *Registry
	queue     *Queue
	emitter   events.Emitter
	logger    *slog.Logger
}

// NewSubmitter creates a new Submitter.
func NewSubmitter(
	taskStore store.TaskStore,
	registry *Registry,
	queue *Queue,
	emitter events.Emitter,
	logger *slog.Logger,
) *Submitter {
	return &Submitter{
		taskStore: taskStore,
		registry:  registry,
		queue:     queue,
		emitter:   emitter,
		logger:    logger.With("component", "submitter"),
	}
}

// Submit validates the parameters, persists a QUEUED task record and
// enqueues it for dispatch. params may be the typed parameter struct or raw
// JSON. Validation failures are rejected here and never scheduled.
func (s *Submitter) Submit(
	ctx context.Context,
	userID uuid.UUID,
	taskType string,
	params any,
	parentID *uuid.UUID,
) (uuid.UUID, error) {
	raw, err := marshalParams(params)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	// Reject bad parameters at the door.
	if _, err := s.registry.DecodeParams(taskType, raw); err != nil {
		return uuid.Nil, err
	}

	t, err := domain.NewTask(userID, taskType, raw, parentID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	if err := s.taskStore.CreateTask(ctx, t); err != nil {
		return uuid.Nil, fmt.Errorf("failed to save task: %w", err)
	}

	ev := events.New(events.KindSubmitted, t.ID, t.Type, t.ParentID)
	ev.Payload = raw
	if err := s.emitter.Emit(ctx, ev); err != nil {
		s.logger.Warn("failed to emit submitted event",
			"task_id", t.ID,
			"task_type", t.Type,
			"error", err)
	}

	// A full queue is not an error for the caller: the record is durable
	// and recovery will requeue it.
	if err := s.queue.Enqueue(dispatch{TaskID: t.ID, From: domain.StatusQueued}); err != nil {
		if errors.Is(err, ErrQueueClosed) {
			return uuid.Nil, err
		}
		s.logger.Warn("dispatch queue full, task stays queued until recovery",
			"task_id", t.ID,
			"task_type", t.Type,
			"error", err)
	}

	s.logger.Info("task submitted",
		"task_id", t.ID,
		"task_type", t.Type,
		"user_id", userID,
		"parent_id", parentID)
	return t.ID, nil
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, errors.New("parameters cannot be nil")
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(params)
	}
}

// Ensure Submitter satisfies the context-facing interface.
var _ SubTaskSubmitter = (*Submitter)(nil)
