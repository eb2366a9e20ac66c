package task

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pagekeep/taskengine/internal/domain"
)

// Common errors returned by the Queue.
var (
	ErrQueueClosed = errors.New("task queue is closed")
	ErrQueueFull   = errors.New("task queue is full")
)

// dispatch is a pointer into the task store: the record ID plus the status
// the claim CAS must find. Carrying the expected status keeps re-dispatch
// after a retry on the same code path as first dispatch.
type dispatch struct {
	TaskID uuid.UUID
	From   domain.Status
}

// Queue is a buffered in-memory dispatch queue feeding the worker pool.
// A full queue is not fatal: the task record stays QUEUED and is picked up
// by startup recovery or the watchdog.
type Queue struct {
	mu     sync.Mutex
	ch     chan dispatch
	logger *slog.Logger
	closed bool
}

// NewQueue creates a new dispatch queue with the specified buffer size.
func NewQueue(size int, logger *slog.Logger) *Queue {
	if size <= 0 {
		size = 100
	}
	return &Queue{
		ch:     make(chan dispatch, size),
		logger: logger.With("component", "task_queue"),
	}
}

// Enqueue adds a dispatch to the queue.
// Returns an error if the queue is full or closed.
func (q *Queue) Enqueue(d dispatch) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.ch <- d:
		q.logger.Debug("task enqueued",
			"task_id", d.TaskID,
			"from_status", d.From,
			"queue_len", len(q.ch),
			"queue_cap", cap(q.ch))
		return nil
	default:
		return fmt.Errorf("%w: queue capacity %d reached", ErrQueueFull, cap(q.ch))
	}
}

// Close closes the queue, preventing further submission.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.ch)
		q.logger.Info("task queue closed")
	}
}

// Chan returns a read-only channel for consuming dispatches.
func (q *Queue) Chan() <-chan dispatch {
	return q.ch
}
