// Package events provides the lifecycle event model and the in-process bus
// that decouples task execution from state persistence.
//
// Every lifecycle transition of a task is announced as an Event carrying a
// globally unique event ID. Delivery is at-least-once: a handler that fails
// gets the event redelivered, and duplicates can reach any consumer, so all
// consumers are expected to be idempotent (see Dedup). Per subscriber,
// events are delivered in publication order through a single consumer
// goroutine, which gives each task's own lifecycle events in-order
// application.
//
// The primary components are:
//   - Event: a single lifecycle transition with its payload
//   - Handler: interface for components that consume events
//   - Emitter: interface for components that publish events
//   - Bus: the in-memory Emitter with per-subscriber FIFO delivery
//   - Dedup: a bounded, time-evicted set of processed event IDs
package events
