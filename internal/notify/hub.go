package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pagekeep/taskengine/internal/domain"
	"github.com/pagekeep/taskengine/internal/events"
	"github.com/pagekeep/taskengine/internal/store"
)

// subscriberBuffer bounds each watcher's pending events. Push delivery is
// best effort: a watcher that cannot drain its buffer loses events rather
// than stalling the bus, and the durable task record remains the source of
// truth.
const subscriberBuffer = 32

type subscriber struct {
	ch chan *events.Event
}

// Hub fans lifecycle events out to watchers of individual tasks. Watchers
// subscribe by task ID and receive every event the hub sees for that task
// until they unsubscribe or the hub closes.
type Hub struct {
	taskStore store.TaskStore
	logger    *slog.Logger

	mu     sync.Mutex
	subs   map[uuid.UUID]map[*subscriber]struct{}
	closed bool
}

// NewHub creates a new watch hub.
func NewHub(taskStore store.TaskStore, log *slog.Logger) *Hub {
	return &Hub{
		taskStore: taskStore,
		logger:    log.With("component", "watch_hub"),
		subs:      make(map[uuid.UUID]map[*subscriber]struct{}),
	}
}

// Subscribe registers a watcher for the given task and returns its event
// channel plus a cancel function. If the task is already terminal at
// subscribe time, a synthetic terminal event is queued first so a late
// watcher still observes the outcome instead of waiting forever.
func (h *Hub) Subscribe(ctx context.Context, taskID uuid.UUID) (<-chan *events.Event, func(), error) {
	task, err := h.taskStore.GetTask(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}

	sub := &subscriber{ch: make(chan *events.Event, subscriberBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}, nil
	}
	set, ok := h.subs[taskID]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[taskID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	if task.Status.IsTerminal() {
		sub.ch <- syntheticTerminal(task)
	}

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if set, ok := h.subs[taskID]; ok {
			if _, ok := set[sub]; ok {
				delete(set, sub)
				close(sub.ch)
				if len(set) == 0 {
					delete(h.subs, taskID)
				}
			}
		}
	}
	return sub.ch, cancel, nil
}

// Publish delivers an event to every watcher of its task. Full watcher
// buffers are skipped.
func (h *Hub) Publish(e *events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	for sub := range h.subs[e.TaskID] {
		select {
		case sub.ch <- e:
		default:
			h.logger.Warn("dropping event for slow watcher",
				"task_id", e.TaskID,
				"event_kind", e.Kind)
		}
	}
}

// Close shuts the hub down and closes every watcher channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, set := range h.subs {
		for sub := range set {
			close(sub.ch)
		}
	}
	h.subs = make(map[uuid.UUID]map[*subscriber]struct{})
}

// syntheticTerminal builds the event a late watcher receives for a task
// that finished before the watch began.
func syntheticTerminal(t *domain.Task) *events.Event {
	kind := events.KindCompleted
	switch t.Status {
	case domain.StatusFailed, domain.StatusDeadLetter:
		kind = events.KindFailed
	case domain.StatusCancelled:
		kind = events.KindCancelled
	}
	e := events.New(kind, t.ID, t.Type, t.ParentID)
	e.Payload = t.Result
	e.Error = t.ErrorMessage
	e.DeadLetter = t.Status == domain.StatusDeadLetter
	return e
}
