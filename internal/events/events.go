package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the lifecycle transition an event announces.
type Kind string

// Lifecycle event kinds.
const (
	KindSubmitted Kind = "submitted"
	KindStarted   Kind = "started"
	KindProgress  Kind = "progress"
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
	KindRetrying  Kind = "retrying"
	KindCancelled Kind = "cancelled"
)

// Event represents a single lifecycle transition of a task. It carries the
// transition's payload (progress or result) without direct dependencies on
// the task package.
type Event struct {
	// ID is a globally unique identifier for this event, used by
	// idempotent consumers to discard duplicates.
	ID uuid.UUID `json:"id"`

	// Kind indicates which lifecycle transition occurred.
	Kind Kind `json:"kind"`

	// TaskID identifiers the task the transition belongs to.
	TaskID uuid.UUID `json:"task_id"`

	// TaskType is the task-type name of the emitting task.
	TaskType string `json:"task_type"`

	// ParentID is set when the emitting task is a child of another task.
	ParentID *uuid.UUID `json:"parent_id,omitempty"`

	// Payload contains the transition's data serialized as JSON: the
	// progress snapshot for progress events, the result for completions.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Error holds the failure message for failed and retrying events.
	Error string `json:"error,omitempty"`

	// DeadLetter flags a failure as non-recoverable, promoting the task to
	// DEAD_LETTER instead of FAILED.
	DeadLetter bool `json:"dead_letter,omitempty"`

	// RetryCount is the attempt count after a retrying event.
	RetryCount int `json:"retry_count,omitempty"`

	// NextAttemptAt is the scheduled time of the next attempt for
	// retrying events.
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`

	// Persisted marks a transition whose record effect was already written
	// at the source (the claim-side progress write). The state aggregator
	// skips persistence for such events; observers still consume them.
	Persisted bool `json:"persisted,omitempty"`

	// EmittedAt is the timestamp when the event was created.
	EmittedAt time.Time `json:"emitted_at"`
}

// New creates an Event of the given kind for the given task with a fresh
// event ID.
func New(kind Kind, taskID uuid.UUID, taskType string, parentID *uuid.UUID) *Event {
	return &Event{
		ID:        uuid.New(),
		Kind:      kind,
		TaskID:    taskID,
		TaskType:  taskType,
		ParentID:  parentID,
		EmittedAt: time.Now().UTC(),
	}
}

// UnmarshalPayload decodes the event payload into the provided structure.
func (e *Event) UnmarshalPayload(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// Terminal reports whether the event announces a terminal transition.
func (e *Event) Terminal() bool {
	switch e.Kind {
	case KindCompleted, KindFailed, KindCancelled:
		return true
	}
	return false
}

// Handler defines an interface for components that consume events.
// Handlers must be idempotent: delivery is at-least-once.
type Handler interface {
	// Name identifies the handler in logs.
	Name() string

	// HandleEvent processes the given event within the provided context.
	// Returns an error if the event cannot be handled successfully; the
	// bus may redeliver the event in that case.
	HandleEvent(ctx context.Context, event *Event) error
}

// Emitter defines an interface for components that publish events.
// This allows the executor to announce transitions without direct knowledge
// of the consumers.
type Emitter interface {
	// Emit publishes the given event to all subscribers.
	Emit(ctx context.Context, event *Event) error
}
