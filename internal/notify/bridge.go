package notify

import (
	"context"

	"github.com/pagekeep/taskengine/internal/events"
)

// Bridge forwards bus events into the watch hub. It is a plain bus
// subscriber so watchers see the same at-least-once stream the aggregators
// consume; watcher-facing delivery itself is best effort.
type Bridge struct {
	hub *Hub
}

// NewBridge creates a bridge feeding the given hub.
func NewBridge(hub *Hub) *Bridge {
	return &Bridge{hub: hub}
}

// Name identifies the bridge in logs.
func (b *Bridge) Name() string {
	return "watch_bridge"
}

// HandleEvent publishes the event to the hub. It never fails: there is no
// effect to retry.
func (b *Bridge) HandleEvent(ctx context.Context, e *events.Event) error {
	b.hub.Publish(e)
	return nil
}

var _ events.Handler = (*Bridge)(nil)
