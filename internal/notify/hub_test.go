package notify

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagekeep/taskengine/internal/domain"
	"github.com/pagekeep/taskengine/internal/events"
	"github.com/pagekeep/taskengine/internal/store/memstore"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func createRunningTask(t *testing.T, s *memstore.Store) *domain.Task {
	t.Helper()
	ctx := context.Background()

	task, err := domain.NewTask(uuid.New(), "chapter_summary", json.RawMessage(`{}`), nil)
	require.NoError(t, err)
	require.NoError(t, s.CreateTask(ctx, task))
	claimed, err := s.ClaimTask(ctx, task.ID, domain.StatusQueued, "test-node")
	require.NoError(t, err)
	require.True(t, claimed)
	return task
}

func TestHubDeliversToWatchers(t *testing.T) {
	t.Parallel()
	s := memstore.New()
	h := NewHub(s, discardLogger())
	t.Cleanup(h.Close)

	task := createRunningTask(t, s)
	other := createRunningTask(t, s)

	ch, cancel, err := h.Subscribe(context.Background(), task.ID)
	require.NoError(t, err)
	defer cancel()

	otherCh, otherCancel, err := h.Subscribe(context.Background(), other.ID)
	require.NoError(t, err)
	defer otherCancel()

	ev := events.New(events.KindProgress, task.ID, task.Type, nil)
	h.Publish(ev)

	got := <-ch
	assert.Equal(t, ev.ID, got.ID)
	assert.Empty(t, otherCh, "watchers only see their own task")
}

func TestHubSubscribeUnknownTask(t *testing.T) {
	t.Parallel()
	h := NewHub(memstore.New(), discardLogger())
	t.Cleanup(h.Close)

	_, _, err := h.Subscribe(context.Background(), uuid.New())
	assert.Error(t, err)
}

func TestHubLateWatcherSeesTerminalEvent(t *testing.T) {
	t.Parallel()
	s := memstore.New()
	h := NewHub(s, discardLogger())
	t.Cleanup(h.Close)

	task := createRunningTask(t, s)
	applied, err := s.CompleteTask(context.Background(), task.ID, domain.StatusCompleted, json.RawMessage(`{"chars":10}`), "")
	require.NoError(t, err)
	require.True(t, applied)

	// The task finished before anyone watched; the subscription still
	// starts with its outcome.
	ch, cancel, err := h.Subscribe(context.Background(), task.ID)
	require.NoError(t, err)
	defer cancel()

	got := <-ch
	assert.Equal(t, events.KindCompleted, got.Kind)
	assert.JSONEq(t, `{"chars":10}`, string(got.Payload))
	assert.True(t, got.Terminal())
}

func TestHubLateWatcherSeesDeadLetter(t *testing.T) {
	t.Parallel()
	s := memstore.New()
	h := NewHub(s, discardLogger())
	t.Cleanup(h.Close)

	task := createRunningTask(t, s)
	applied, err := s.CompleteTask(context.Background(), task.ID, domain.StatusDeadLetter, nil, "document is gone")
	require.NoError(t, err)
	require.True(t, applied)

	ch, cancel, err := h.Subscribe(context.Background(), task.ID)
	require.NoError(t, err)
	defer cancel()

	got := <-ch
	assert.Equal(t, events.KindFailed, got.Kind)
	assert.True(t, got.DeadLetter)
	assert.Equal(t, "document is gone", got.Error)
}

func TestHubDropsEventsForSlowWatcher(t *testing.T) {
	t.Parallel()
	s := memstore.New()
	h := NewHub(s, discardLogger())
	t.Cleanup(h.Close)

	task := createRunningTask(t, s)

	ch, cancel, err := h.Subscribe(context.Background(), task.ID)
	require.NoError(t, err)
	defer cancel()

	// Nobody drains the channel: overflow is dropped, Publish never blocks.
	for i := 0; i < subscriberBuffer+10; i++ {
		h.Publish(events.New(events.KindProgress, task.ID, task.Type, nil))
	}
	assert.Len(t, ch, subscriberBuffer)
}

func TestHubUnsubscribe(t *testing.T) {
	t.Parallel()
	s := memstore.New()
	h := NewHub(s, discardLogger())
	t.Cleanup(h.Close)

	task := createRunningTask(t, s)

	ch, cancel, err := h.Subscribe(context.Background(), task.ID)
	require.NoError(t, err)

	cancel()
	cancel() // idempotent

	_, open := <-ch
	assert.False(t, open)

	// Publishing after the watcher left is a no-op.
	h.Publish(events.New(events.KindProgress, task.ID, task.Type, nil))
}

func TestHubClose(t *testing.T) {
	t.Parallel()
	s := memstore.New()
	h := NewHub(s, discardLogger())

	task := createRunningTask(t, s)

	ch, cancel, err := h.Subscribe(context.Background(), task.ID)
	require.NoError(t, err)
	defer cancel()

	h.Close()
	h.Close() // idempotent

	_, open := <-ch
	assert.False(t, open)

	// A subscription against a closed hub gets a closed channel back.
	late, _, err := h.Subscribe(context.Background(), task.ID)
	require.NoError(t, err)
	_, open = <-late
	assert.False(t, open)
}
