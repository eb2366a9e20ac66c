package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pagekeep/taskengine/internal/domain"
	"github.com/pagekeep/taskengine/internal/events"
	"github.com/pagekeep/taskengine/internal/store"
)

// maxFoldAttempts bounds the re-read/re-fold loop of a version-checked
// progress write. In-process folds are serialized per parent, so only
// writers outside this process (counter bumps, other nodes) can collide.
const maxFoldAttempts = 5

// Outcome is one child's terminal report as seen by a fan-in fold.
type Outcome struct {
	TaskID   uuid.UUID
	TaskType string
	// Success is true for a completed child, false for a failed or
	// cancelled one.
	Success bool
	// Cancelled is true when the child was cancelled by the user instead
	// of finishing. Cancelled children still count toward the parent's
	// expected total, or a partial cancel would park the parent forever.
	Cancelled bool
	// Result carries the completed child's result payload; folds inspect
	// it for domain outcome categories such as version conflicts. For a
	// child cancelled before it was dispatched it carries the child's
	// parameters instead.
	Result json.RawMessage
	// Error holds the failed child's message.
	Error string
	// DeadLetter is set when the child was parked in DEAD_LETTER.
	DeadLetter bool
}

// Terminal is a fold's decision that all expected children have reported:
// the parent's final status and result.
type Terminal struct {
	Status domain.Status
	Result any
}

// Folder is a domain-specific fan-in aggregator registered per child task
// type. Fold reads the parent's current progress snapshot, merges in one
// child outcome and returns the updated progress, plus the parent's
// terminal decision once every expected child has reported. Fold must be
// commutative over the set of outcomes: children report in no particular
// order.
type Folder interface {
	// ChildType returns the child task type this folder aggregates.
	ChildType() string

	// Fold merges the outcome into the parent's progress.
	Fold(ctx context.Context, parent *domain.Task, oc Outcome) (progress any, terminal *Terminal, err error)
}

// ResolveTerminal computes a parent's final status from its children's
// outcome counts: all-success completes, zero successes with failures
// fails — promoted to DEAD_LETTER when every child failed — and anything
// mixed completes with errors.
func ResolveTerminal(succeeded, failed, skipped int) domain.Status {
	switch {
	case failed == 0:
		return domain.StatusCompleted
	case succeeded == 0 && skipped == 0:
		return domain.StatusDeadLetter
	case succeeded == 0:
		return domain.StatusFailed
	default:
		return domain.StatusCompletedWithErrors
	}
}

// FanIn routes terminal child events to the Folder registered for the
// child's task type and applies the fold under a per-parent lock with a
// version-checked progress write. When a fold reports the parent done,
// FanIn writes the terminal state and announces it on the bus so observers
// (and any grandparent's counters) see the parent finish.
type FanIn struct {
	taskStore store.TaskStore
	emitter   events.Emitter
	dedup     *events.Dedup
	locks     *keyedLock
	logger    *slog.Logger

	mu      sync.RWMutex
	folders map[string]Folder
}

// NewFanIn creates a new FanIn aggregator.
func NewFanIn(taskStore store.TaskStore, emitter events.Emitter, log *slog.Logger) *FanIn {
	return &FanIn{
		taskStore: taskStore,
		emitter:   emitter,
		dedup:     events.NewDedup(15*time.Minute, 50000),
		locks:     newKeyedLock(),
		logger:    log.With("component", "fanin_aggregator"),
		folders:   make(map[string]Folder),
	}
}

// Register adds a folder for its child task type.
func (f *FanIn) Register(folder Folder) error {
	if folder == nil || folder.ChildType() == "" {
		return errors.New("folder must declare a child task type")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.folders[folder.ChildType()]; ok {
		return fmt.Errorf("folder for child type %q already registered", folder.ChildType())
	}
	f.folders[folder.ChildType()] = folder
	return nil
}

// Name identifies the aggregator in logs.
func (f *FanIn) Name() string {
	return "fanin_aggregator"
}

// HandleEvent folds terminal child events into their parent.
func (f *FanIn) HandleEvent(ctx context.Context, e *events.Event) error {
	if e.ParentID == nil {
		return nil
	}
	if e.Kind != events.KindCompleted && e.Kind != events.KindFailed && e.Kind != events.KindCancelled {
		return nil
	}

	f.mu.RLock()
	folder, ok := f.folders[e.TaskType]
	f.mu.RUnlock()
	if !ok {
		return nil
	}

	if f.dedup.Seen(e.ID) {
		f.logger.Debug("discarding duplicate event",
			"event_id", e.ID,
			"task_id", e.TaskID)
		return nil
	}

	oc := Outcome{
		TaskID:     e.TaskID,
		TaskType:   e.TaskType,
		Success:    e.Kind == events.KindCompleted,
		Cancelled:  e.Kind == events.KindCancelled,
		Result:     e.Payload,
		Error:      e.Error,
		DeadLetter: e.DeadLetter,
	}

	// Concurrent children reporting to the same parent are the race this
	// lock exists for: a naive read-modify-write here loses updates.
	unlock := f.locks.lock(*e.ParentID)
	defer unlock()

	if err := f.fold(ctx, *e.ParentID, folder, oc); err != nil {
		// Release the dedup entry so a redelivery gets another chance.
		f.dedup.Forget(e.ID)
		return err
	}
	return nil
}

func (f *FanIn) fold(ctx context.Context, parentID uuid.UUID, folder Folder, oc Outcome) error {
	for attempt := 0; attempt < maxFoldAttempts; attempt++ {
		parent, err := f.taskStore.GetTask(ctx, parentID)
		if err != nil {
			if store.IsNotFoundError(err) {
				f.logger.Warn("dropping child outcome for missing parent",
					"parent_id", parentID,
					"child_id", oc.TaskID)
				return nil
			}
			return err
		}
		if parent.Status.IsTerminal() {
			f.logger.Debug("parent already terminal, dropping child outcome",
				"parent_id", parentID,
				"child_id", oc.TaskID)
			return nil
		}

		progress, terminal, err := folder.Fold(ctx, parent, oc)
		if err != nil {
			return fmt.Errorf("fold failed for parent %s: %w", parentID, err)
		}

		raw, err := json.Marshal(progress)
		if err != nil {
			return fmt.Errorf("failed to marshal parent progress: %w", err)
		}

		err = f.taskStore.SetProgressIfVersion(ctx, parentID, parent.Version, raw)
		if store.IsVersionMismatchError(err) {
			// Another writer advanced the record; re-read and re-fold.
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to write parent progress: %w", err)
		}

		if terminal != nil {
			return f.finish(ctx, parent, terminal)
		}
		return nil
	}
	return fmt.Errorf("gave up folding child %s into parent %s after %d version conflicts",
		oc.TaskID, parentID, maxFoldAttempts)
}

// finish writes the parent's terminal state and announces it.
func (f *FanIn) finish(ctx context.Context, parent *domain.Task, terminal *Terminal) error {
	var result json.RawMessage
	if terminal.Result != nil {
		var err error
		result, err = json.Marshal(terminal.Result)
		if err != nil {
			return fmt.Errorf("failed to marshal parent result: %w", err)
		}
	}

	errMsg := ""
	if terminal.Status == domain.StatusFailed || terminal.Status == domain.StatusDeadLetter {
		errMsg = "all child tasks failed"
	}

	applied, err := f.taskStore.CompleteTask(ctx, parent.ID, terminal.Status, result, errMsg)
	if err != nil {
		return fmt.Errorf("failed to complete parent %s: %w", parent.ID, err)
	}
	if !applied {
		return nil
	}

	f.logger.Info("parent task finished by fan-in",
		"parent_id", parent.ID,
		"parent_type", parent.Type,
		"status", terminal.Status)

	// This write owns the parent's terminal transition, so any
	// grandparent's counters are bumped here; the synthetic event below
	// no-ops in the state aggregator.
	if parent.ParentID != nil {
		completed, failed := 1, 0
		if terminal.Status == domain.StatusFailed || terminal.Status == domain.StatusDeadLetter {
			completed, failed = 0, 1
		}
		if err := f.taskStore.IncrementSubTaskSummary(ctx, *parent.ParentID, completed, failed); err != nil && !store.IsNotFoundError(err) {
			f.logger.Error("failed to bump grandparent sub-task counters",
				"parent_id", parent.ID,
				"error", err)
		}
	}

	// Synthetic terminal event: observers and any grandparent counters
	// learn about the parent the same way they learn about leaf tasks.
	ev := events.New(events.KindCompleted, parent.ID, parent.Type, parent.ParentID)
	ev.Payload = result
	if terminal.Status == domain.StatusFailed || terminal.Status == domain.StatusDeadLetter {
		ev.Kind = events.KindFailed
		ev.Error = errMsg
		ev.DeadLetter = terminal.Status == domain.StatusDeadLetter
	}
	if err := f.emitter.Emit(ctx, ev); err != nil {
		f.logger.Error("failed to emit parent terminal event",
			"parent_id", parent.ID,
			"error", err)
	}
	return nil
}

// Ensure FanIn implements events.Handler.
var _ events.Handler = (*FanIn)(nil)
