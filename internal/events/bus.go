package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/pagekeep/taskengine/internal/platform/logger"
)

// ErrBusClosed is returned when publishing to a closed bus.
var ErrBusClosed = errors.New("event bus is closed")

// maxDeliveryAttempts is how many times the bus hands an event to a failing
// handler before dropping it. Consumers are idempotent, so redelivery of an
// already-applied event is harmless.
const maxDeliveryAttempts = 2

// Bus is an in-memory Emitter that dispatches events to subscribers.
// Each subscriber owns a buffered FIFO channel drained by a single
// goroutine, so a subscriber observes all events in publication order. For
// a single task, whose lifecycle events are published by one worker in
// emission order, this yields in-order application with no cross-task
// serialization.
type Bus struct {
	mu      sync.RWMutex
	subs    []*subscription
	bufSize int
	closed  bool
	wg      sync.WaitGroup
	logger  *slog.Logger
}

type subscription struct {
	handler Handler
	ch      chan *Event
}

// NewBus creates a new Bus. bufSize is the per-subscriber channel buffer;
// Publish blocks when a subscriber falls that far behind.
func NewBus(bufSize int, log *slog.Logger) *Bus {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Bus{
		bufSize: bufSize,
		logger:  log.With("component", "event_bus"),
	}
}

// Subscribe registers a handler and starts its consumer goroutine.
// Must not be called after Close.
func (b *Bus) Subscribe(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	sub := &subscription{
		handler: h,
		ch:      make(chan *Event, b.bufSize),
	}
	b.subs = append(b.subs, sub)

	b.wg.Add(1)
	go b.consume(sub)

	b.logger.Debug("registered event handler",
		"handler", h.Name(),
		"handler_count", len(b.subs))
}

// Emit publishes the event to every subscriber's queue in order.
// Blocks when a subscriber's buffer is full, unless ctx is cancelled first.
func (b *Bus) Emit(ctx context.Context, event *Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	b.logger.Debug("emitting event",
		"event_id", event.ID,
		"event_kind", event.Kind,
		"task_id", event.TaskID,
		"task_type", event.TaskType)

	if len(subs) == 0 {
		b.logger.Warn("no handlers registered for event",
			"event_id", event.ID,
			"event_kind", event.Kind)
		return nil
	}

	for _, sub := range subs {
		select {
		case sub.ch <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close stops accepting events, drains the subscriber queues and waits for
// all consumer goroutines to finish.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.ch)
	}
	b.wg.Wait()
	b.logger.Info("event bus closed")
}

// consume drains one subscriber's queue serially, redelivering failed
// events up to maxDeliveryAttempts before dropping them.
func (b *Bus) consume(sub *subscription) {
	defer b.wg.Done()

	log := b.logger.With("handler", sub.handler.Name())
	for event := range sub.ch {
		ctx := logger.WithLogger(context.Background(), log)

		var err error
		for attempt := 1; attempt <= maxDeliveryAttempts; attempt++ {
			err = sub.handler.HandleEvent(ctx, event)
			if err == nil {
				break
			}
			log.Warn("handler failed to process event",
				"error", err,
				"attempt", attempt,
				"event_id", event.ID,
				"event_kind", event.Kind,
				"task_id", event.TaskID)
		}
		if err != nil {
			log.Error("dropping event after repeated handler failures",
				"error", err,
				"event_id", event.ID,
				"event_kind", event.Kind,
				"task_id", event.TaskID)
		}
	}
}

// Ensure Bus implements Emitter.
var _ Emitter = (*Bus)(nil)
