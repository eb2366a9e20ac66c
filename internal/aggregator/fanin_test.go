package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagekeep/taskengine/internal/domain"
	"github.com/pagekeep/taskengine/internal/events"
	"github.com/pagekeep/taskengine/internal/store/memstore"
)

// captureEmitter records emitted events for assertions.
type captureEmitter struct {
	mu     sync.Mutex
	events []*events.Event
}

func (c *captureEmitter) Emit(_ context.Context, ev *events.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *captureEmitter) all() []*events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*events.Event(nil), c.events...)
}

type foldProgress struct {
	Total     int `json:"total"`
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// countingFolder folds child outcomes into simple counters and finishes the
// parent once every expected child has reported.
type countingFolder struct{}

func (countingFolder) ChildType() string { return "chapter_summary" }

func (countingFolder) Fold(_ context.Context, parent *domain.Task, oc Outcome) (any, *Terminal, error) {
	var p foldProgress
	if err := json.Unmarshal(parent.Progress, &p); err != nil {
		return nil, nil, fmt.Errorf("failed to decode parent progress: %w", err)
	}
	if p.Total == 0 {
		return nil, nil, fmt.Errorf("parent %s has no planned total yet", parent.ID)
	}

	switch {
	case oc.Cancelled:
		p.Cancelled++
	case oc.Success:
		p.Processed++
		p.Succeeded++
	default:
		p.Processed++
		p.Failed++
	}

	if p.Processed+p.Cancelled < p.Total {
		return p, nil, nil
	}
	return p, &Terminal{
		Status: ResolveTerminal(p.Succeeded, p.Failed, p.Cancelled),
		Result: map[string]int{"succeeded": p.Succeeded, "failed": p.Failed},
	}, nil
}

func newFanIn(t *testing.T) (*FanIn, *memstore.Store, *captureEmitter) {
	t.Helper()
	s := memstore.New()
	emitter := &captureEmitter{}
	f := NewFanIn(s, emitter, discardLogger())
	require.NoError(t, f.Register(countingFolder{}))
	return f, s, emitter
}

// createRunningParent creates a RUNNING parent with a planned total in its
// progress, optionally under a grandparent.
func createRunningParent(t *testing.T, s *memstore.Store, total int, grandparentID *uuid.UUID) *domain.Task {
	t.Helper()
	ctx := context.Background()

	parent, err := domain.NewTask(uuid.New(), "batch_summary", json.RawMessage(`{}`), grandparentID)
	require.NoError(t, err)
	require.NoError(t, s.CreateTask(ctx, parent))
	claimed, err := s.ClaimTask(ctx, parent.ID, domain.StatusQueued, "test-node")
	require.NoError(t, err)
	require.True(t, claimed)

	progress, err := json.Marshal(foldProgress{Total: total})
	require.NoError(t, err)
	require.NoError(t, s.SetProgress(ctx, parent.ID, progress))
	return parent
}

func childEvent(kind events.Kind, parentID uuid.UUID) *events.Event {
	return events.New(kind, uuid.New(), "chapter_summary", &parentID)
}

func TestResolveTerminal(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		succeeded int
		failed    int
		skipped   int
		want      domain.Status
	}{
		{"all succeeded", 3, 0, 0, domain.StatusCompleted},
		{"skips still complete", 2, 0, 1, domain.StatusCompleted},
		{"all failed", 0, 3, 0, domain.StatusDeadLetter},
		{"failures and skips only", 0, 2, 1, domain.StatusFailed},
		{"mixed", 2, 1, 0, domain.StatusCompletedWithErrors},
		{"mixed with skips", 1, 1, 1, domain.StatusCompletedWithErrors},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveTerminal(tt.succeeded, tt.failed, tt.skipped))
		})
	}
}

func TestFanInMixedOutcomes(t *testing.T) {
	t.Parallel()
	f, s, emitter := newFanIn(t)
	ctx := context.Background()

	grandparent := createRunningParent(t, s, 1, nil)
	parent := createRunningParent(t, s, 3, &grandparent.ID)

	require.NoError(t, f.HandleEvent(ctx, childEvent(events.KindCompleted, parent.ID)))
	require.NoError(t, f.HandleEvent(ctx, childEvent(events.KindFailed, parent.ID)))

	// Two of three reported: the parent is still running.
	got, err := s.GetTask(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)

	require.NoError(t, f.HandleEvent(ctx, childEvent(events.KindCompleted, parent.ID)))

	got, err = s.GetTask(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompletedWithErrors, got.Status)
	assert.JSONEq(t, `{"succeeded":2,"failed":1}`, string(got.Result))

	// COMPLETED_WITH_ERRORS counts as a success for the level above.
	gp, err := s.GetTask(ctx, grandparent.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, gp.SubTasks.Completed)
	assert.Equal(t, 0, gp.SubTasks.Failed)

	// The parent's finish is announced like any leaf completion.
	evs := emitter.all()
	require.Len(t, evs, 1)
	assert.Equal(t, events.KindCompleted, evs[0].Kind)
	assert.Equal(t, parent.ID, evs[0].TaskID)
}

func TestFanInAllChildrenFailed(t *testing.T) {
	t.Parallel()
	f, s, emitter := newFanIn(t)
	ctx := context.Background()

	grandparent := createRunningParent(t, s, 1, nil)
	parent := createRunningParent(t, s, 2, &grandparent.ID)

	require.NoError(t, f.HandleEvent(ctx, childEvent(events.KindFailed, parent.ID)))
	require.NoError(t, f.HandleEvent(ctx, childEvent(events.KindFailed, parent.ID)))

	got, err := s.GetTask(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeadLetter, got.Status)
	assert.Equal(t, "all child tasks failed", got.ErrorMessage)

	gp, err := s.GetTask(ctx, grandparent.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, gp.SubTasks.Completed)
	assert.Equal(t, 1, gp.SubTasks.Failed)

	evs := emitter.all()
	require.Len(t, evs, 1)
	assert.Equal(t, events.KindFailed, evs[0].Kind)
	assert.True(t, evs[0].DeadLetter)
}

func TestFanInCountsCancelledChildren(t *testing.T) {
	t.Parallel()
	f, s, emitter := newFanIn(t)
	ctx := context.Background()

	parent := createRunningParent(t, s, 2, nil)

	require.NoError(t, f.HandleEvent(ctx, childEvent(events.KindCompleted, parent.ID)))

	// A user-cancelled child still counts toward the expected total, or
	// the parent would sit in RUNNING forever.
	require.NoError(t, f.HandleEvent(ctx, childEvent(events.KindCancelled, parent.ID)))

	got, err := s.GetTask(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status, "no failures means a clean completion")

	var p foldProgress
	require.NoError(t, json.Unmarshal(got.Progress, &p))
	assert.Equal(t, 1, p.Succeeded)
	assert.Equal(t, 1, p.Cancelled)

	evs := emitter.all()
	require.Len(t, evs, 1)
	assert.Equal(t, events.KindCompleted, evs[0].Kind)
}

func TestFanInDiscardsDuplicateEvents(t *testing.T) {
	t.Parallel()
	f, s, _ := newFanIn(t)
	ctx := context.Background()

	parent := createRunningParent(t, s, 3, nil)

	ev := childEvent(events.KindCompleted, parent.ID)
	require.NoError(t, f.HandleEvent(ctx, ev))
	require.NoError(t, f.HandleEvent(ctx, ev))

	got, err := s.GetTask(ctx, parent.ID)
	require.NoError(t, err)
	var p foldProgress
	require.NoError(t, json.Unmarshal(got.Progress, &p))
	assert.Equal(t, 1, p.Processed, "replayed event must fold once")
}

func TestFanInDropsOutcomeForTerminalParent(t *testing.T) {
	t.Parallel()
	f, s, emitter := newFanIn(t)
	ctx := context.Background()

	parent := createRunningParent(t, s, 2, nil)
	applied, err := s.CompleteTask(ctx, parent.ID, domain.StatusCancelled, nil, "cancelled by user")
	require.NoError(t, err)
	require.True(t, applied)

	require.NoError(t, f.HandleEvent(ctx, childEvent(events.KindCompleted, parent.ID)))

	got, err := s.GetTask(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Empty(t, emitter.all())
}

func TestFanInIgnoresUnrelatedEvents(t *testing.T) {
	t.Parallel()
	f, s, _ := newFanIn(t)
	ctx := context.Background()

	parent := createRunningParent(t, s, 2, nil)

	// No parent: not a child outcome.
	assert.NoError(t, f.HandleEvent(ctx, events.New(events.KindCompleted, uuid.New(), "chapter_summary", nil)))

	// Non-terminal kinds are not outcomes.
	assert.NoError(t, f.HandleEvent(ctx, childEvent(events.KindProgress, parent.ID)))
	assert.NoError(t, f.HandleEvent(ctx, childEvent(events.KindStarted, parent.ID)))

	// No folder registered for the child type.
	ev := events.New(events.KindCompleted, uuid.New(), "unknown_child", &parent.ID)
	assert.NoError(t, f.HandleEvent(ctx, ev))

	got, err := s.GetTask(ctx, parent.ID)
	require.NoError(t, err)
	var p foldProgress
	require.NoError(t, json.Unmarshal(got.Progress, &p))
	assert.Equal(t, 0, p.Processed)
}

func TestFanInRegisterRejectsDuplicates(t *testing.T) {
	t.Parallel()
	f, _, _ := newFanIn(t)
	assert.Error(t, f.Register(countingFolder{}))
	assert.Error(t, f.Register(nil))
}
