package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pagekeep/taskengine/internal/domain"
	"github.com/pagekeep/taskengine/internal/events"
	"github.com/pagekeep/taskengine/internal/store"
)

// StateAggregator is the authoritative consumer for a task's own state. It
// persists the effect of every lifecycle event on the emitting task's
// record and, when the emitting task is a child, bumps the parent's
// sub-task counters on terminal events.
//
// Idempotence is layered: a bounded, time-evicted dedup set discards most
// duplicates up front, and every write underneath is conditional, so a
// duplicate surviving eviction still applies as a no-op.
type StateAggregator struct {
	taskStore store.TaskStore
	dedup     *events.Dedup
	logger    *slog.Logger
}

// NewStateAggregator creates a new StateAggregator.
func NewStateAggregator(taskStore store.TaskStore, log *slog.Logger) *StateAggregator {
	return &StateAggregator{
		taskStore: taskStore,
		dedup:     events.NewDedup(15*time.Minute, 50000),
		logger:    log.With("component", "state_aggregator"),
	}
}

// Name identifies the aggregator in logs.
func (a *StateAggregator) Name() string {
	return "state_aggregator"
}

// HandleEvent applies the event's effect to the emitting task's record.
// Events referencing tasks that no longer exist are logged and dropped:
// at-least-once delivery plus retention races can produce orphans, and
// crashing on them would wedge the consumer.
func (a *StateAggregator) HandleEvent(ctx context.Context, e *events.Event) error {
	if a.dedup.Seen(e.ID) {
		a.logger.Debug("discarding duplicate event",
			"event_id", e.ID,
			"event_kind", e.Kind,
			"task_id", e.TaskID)
		return nil
	}

	var err error
	var applied bool

	switch e.Kind {
	case events.KindSubmitted, events.KindStarted:
		// Record creation and the claim transition are persisted
		// synchronously by the submitter and the runner.
		return nil

	case events.KindProgress:
		// Progress from the engine's own contexts is written at the
		// source; only persist for emitters that did not.
		if e.Persisted {
			return nil
		}
		err = a.taskStore.SetProgress(ctx, e.TaskID, e.Payload)

	case events.KindRetrying:
		next := time.Now().UTC()
		if e.NextAttemptAt != nil {
			next = *e.NextAttemptAt
		}
		// Usually already applied dispatch-side; the conditional write
		// makes the replay a no-op.
		_, err = a.taskStore.MarkRetrying(ctx, e.TaskID, e.RetryCount, next, e.Error)

	case events.KindCompleted:
		applied, err = a.taskStore.CompleteTask(ctx, e.TaskID, domain.StatusCompleted, e.Payload, "")
		if err == nil && applied {
			err = a.bumpParent(ctx, e, 1, 0)
		}

	case events.KindFailed:
		status := domain.StatusFailed
		if e.DeadLetter {
			status = domain.StatusDeadLetter
		}
		applied, err = a.taskStore.CompleteTask(ctx, e.TaskID, status, nil, e.Error)
		if err == nil && applied {
			err = a.bumpParent(ctx, e, 0, 1)
		}

	case events.KindCancelled:
		// The record may already be CANCELLED when the cancel hit a
		// queued task; try the statuses a cancel can interrupt.
		for _, from := range []domain.Status{domain.StatusRunning, domain.StatusQueued, domain.StatusRetrying} {
			applied, err = a.taskStore.TransitionTask(ctx, e.TaskID, from, domain.StatusCancelled, "cancelled by user")
			if err != nil || applied {
				break
			}
		}

	default:
		a.logger.Warn("ignoring event of unknown kind",
			"event_id", e.ID,
			"event_kind", e.Kind)
		return nil
	}

	if err != nil {
		if store.IsNotFoundError(err) {
			a.logger.Warn("dropping event for missing task",
				"event_id", e.ID,
				"event_kind", e.Kind,
				"task_id", e.TaskID)
			return nil
		}
		// Release the dedup entry so a redelivery gets another chance.
		a.dedup.Forget(e.ID)
		return fmt.Errorf("failed to apply %s event to task %s: %w", e.Kind, e.TaskID, err)
	}
	return nil
}

// bumpParent increments the parent's sub-task counters when the emitting
// task is a child. The increment rides on the applied flag of the child's
// terminal write, so a replayed terminal event can never double count.
func (a *StateAggregator) bumpParent(ctx context.Context, e *events.Event, completed, failed int) error {
	if e.ParentID == nil {
		return nil
	}
	err := a.taskStore.IncrementSubTaskSummary(ctx, *e.ParentID, completed, failed)
	if store.IsNotFoundError(err) {
		a.logger.Warn("dropping sub-task counter update for missing parent",
			"event_id", e.ID,
			"task_id", e.TaskID,
			"parent_id", *e.ParentID)
		return nil
	}
	return err
}

// Ensure StateAggregator implements events.Handler.
var _ events.Handler = (*StateAggregator)(nil)
