package task

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// cancelRegistry tracks the cancel function of every execution in flight on
// this node so a user cancel can flip the cooperative flag. Remote calls
// already dispatched are not aborted; the worker discards their result.
type cancelRegistry struct {
	mu      sync.Mutex
	running map[uuid.UUID]context.CancelFunc
}

func newCancelRegistry() *cancelRegistry {
	return &cancelRegistry{
		running: make(map[uuid.UUID]context.CancelFunc),
	}
}

// register derives a cancellable context for the execution and tracks its
// cancel function. The returned release must be called when execution ends.
func (r *cancelRegistry) register(parent context.Context, id uuid.UUID) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)

	r.mu.Lock()
	r.running[id] = cancel
	r.mu.Unlock()

	release := func() {
		r.mu.Lock()
		delete(r.running, id)
		r.mu.Unlock()
		cancel()
	}
	return ctx, release
}

// cancel flips the cooperative flag of a task executing on this node.
// Returns false when the task is not running here.
func (r *cancelRegistry) cancel(id uuid.UUID) bool {
	r.mu.Lock()
	cancelFn, ok := r.running[id]
	r.mu.Unlock()

	if ok {
		cancelFn()
	}
	return ok
}
