package memstore

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagekeep/taskengine/internal/domain"
	"github.com/pagekeep/taskengine/internal/store"
)

func newQueuedTask(t *testing.T, s *Store) *domain.Task {
	t.Helper()
	task, err := domain.NewTask(uuid.New(), "chapter_summary", json.RawMessage(`{}`), nil)
	require.NoError(t, err)
	require.NoError(t, s.CreateTask(context.Background(), task))
	return task
}

func TestCreateAndGetTask(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	task := newQueuedTask(t, s)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, domain.StatusQueued, got.Status)

	// Duplicate IDs are rejected.
	assert.ErrorIs(t, s.CreateTask(ctx, task), store.ErrDuplicate)

	// The store hands out copies, not aliases.
	got.Status = domain.StatusFailed
	again, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, again.Status)

	_, err = s.GetTask(ctx, uuid.New())
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
	assert.True(t, store.IsNotFoundError(err))
}

func TestClaimTaskIsExclusive(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	task := newQueuedTask(t, s)

	// Two nodes race for the same record; the conditional update lets
	// exactly one through, the loser no-ops without error.
	nodes := []string{"node-a", "node-b"}
	claims := make([]bool, len(nodes))
	errs := make([]error, len(nodes))

	var wg sync.WaitGroup
	for i := range nodes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claims[i], errs[i] = s.ClaimTask(ctx, task.ID, domain.StatusQueued, nodes[i])
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.NotEqual(t, claims[0], claims[1], "exactly one racing claim must win")

	winner := nodes[0]
	if claims[1] {
		winner = nodes[1]
	}
	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, got.Status)
	assert.Equal(t, winner, got.NodeID, "the winning node is stamped on the record")
	assert.Equal(t, int64(2), got.Version, "claim advances the version")

	// A replay after the race still loses.
	claimed, err := s.ClaimTask(ctx, task.ID, domain.StatusQueued, "node-c")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestTransitionTask(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	task := newQueuedTask(t, s)

	applied, err := s.TransitionTask(ctx, task.ID, domain.StatusQueued, domain.StatusCancelled, "cancelled by user")
	require.NoError(t, err)
	assert.True(t, applied)

	// The record is no longer QUEUED, so a replay is a no-op.
	applied, err = s.TransitionTask(ctx, task.ID, domain.StatusQueued, domain.StatusCancelled, "cancelled by user")
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Equal(t, "cancelled by user", got.ErrorMessage)
}

func TestMarkRetrying(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	task := newQueuedTask(t, s)
	next := time.Now().UTC().Add(5 * time.Second)

	// Only RUNNING tasks can be marked retrying.
	applied, err := s.MarkRetrying(ctx, task.ID, 1, next, "model timeout")
	require.NoError(t, err)
	assert.False(t, applied)

	_, err = s.ClaimTask(ctx, task.ID, domain.StatusQueued, "node-a")
	require.NoError(t, err)

	applied, err = s.MarkRetrying(ctx, task.ID, 1, next, "model timeout")
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRetrying, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.NextAttemptAt)
	assert.WithinDuration(t, next, *got.NextAttemptAt, time.Millisecond)
	assert.Equal(t, "model timeout", got.ErrorMessage)
}

func TestSetProgressIfVersion(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	task := newQueuedTask(t, s)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)

	err = s.SetProgressIfVersion(ctx, task.ID, got.Version, json.RawMessage(`{"total":3}`))
	require.NoError(t, err)

	// The stale version must not overwrite the newer progress.
	err = s.SetProgressIfVersion(ctx, task.ID, got.Version, json.RawMessage(`{"total":99}`))
	assert.ErrorIs(t, err, store.ErrVersionMismatch)
	assert.True(t, store.IsVersionMismatchError(err))

	fresh, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"total":3}`, string(fresh.Progress))

	err = s.SetProgressIfVersion(ctx, uuid.New(), 1, nil)
	assert.ErrorIs(t, err, store.ErrTaskNotFound)
}

func TestCompleteTaskAtMostOnce(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	task := newQueuedTask(t, s)
	_, err := s.ClaimTask(ctx, task.ID, domain.StatusQueued, "node-a")
	require.NoError(t, err)

	applied, err := s.CompleteTask(ctx, task.ID, domain.StatusCompleted, json.RawMessage(`{"ok":true}`), "")
	require.NoError(t, err)
	assert.True(t, applied)

	// A replayed terminal write is absorbed without changing the record.
	applied, err = s.CompleteTask(ctx, task.ID, domain.StatusCompleted, json.RawMessage(`{"ok":false}`), "")
	require.NoError(t, err)
	assert.False(t, applied)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))

	// Non-terminal statuses are rejected outright.
	_, err = s.CompleteTask(ctx, task.ID, domain.StatusRunning, nil, "")
	assert.Error(t, err)
}

func TestCompleteTaskRequiresLegalEdge(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	// A QUEUED task has no edge to COMPLETED; only the claim path leads
	// there.
	task := newQueuedTask(t, s)
	applied, err := s.CompleteTask(ctx, task.ID, domain.StatusCompleted, nil, "")
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestIncrementSubTaskSummary(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	parent := newQueuedTask(t, s)

	require.NoError(t, s.IncrementSubTaskSummary(ctx, parent.ID, 1, 0))
	require.NoError(t, s.IncrementSubTaskSummary(ctx, parent.ID, 1, 1))

	got, err := s.GetTask(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.SubTasks.Completed)
	assert.Equal(t, 1, got.SubTasks.Failed)

	assert.ErrorIs(t, s.IncrementSubTaskSummary(ctx, uuid.New(), 1, 0), store.ErrTaskNotFound)
}

func TestListTasksByStatusAndParent(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	parent := newQueuedTask(t, s)
	childA, err := domain.NewTask(parent.UserID, "chapter_summary", nil, &parent.ID)
	require.NoError(t, err)
	require.NoError(t, s.CreateTask(ctx, childA))
	childB, err := domain.NewTask(parent.UserID, "chapter_summary", nil, &parent.ID)
	require.NoError(t, err)
	require.NoError(t, s.CreateTask(ctx, childB))

	queued, err := s.ListTasksByStatus(ctx, domain.StatusQueued, 0)
	require.NoError(t, err)
	assert.Len(t, queued, 3)

	// Nothing has been sitting around for an hour.
	stale, err := s.ListTasksByStatus(ctx, domain.StatusQueued, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, stale)

	children, err := s.ListTasksByParent(ctx, parent.ID)
	require.NoError(t, err)
	assert.Len(t, children, 2)
}

func TestDocumentConditionalUpdate(t *testing.T) {
	t.Parallel()
	s := New()
	ctx := context.Background()

	doc, err := domain.NewDocument(uuid.New(), "Essays", []domain.Chapter{
		{Index: 0, Title: "One", Text: "First chapter."},
	})
	require.NoError(t, err)
	require.NoError(t, s.CreateDocument(ctx, doc))

	first, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	second, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)

	require.NoError(t, first.AttachSummary(0, "summary from writer one"))
	require.NoError(t, s.UpdateDocument(ctx, first, first.Version))
	assert.Equal(t, int64(2), first.Version, "successful update reflects the new version on the caller's copy")

	// The second writer read version 1; its write must not clobber the
	// first writer's summary.
	require.NoError(t, second.AttachSummary(0, "summary from writer two"))
	err = s.UpdateDocument(ctx, second, second.Version)
	assert.ErrorIs(t, err, store.ErrVersionMismatch)

	stored, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "summary from writer one", stored.Chapters[0].Summary)
	assert.Equal(t, int64(2), stored.Version)

	err = s.UpdateDocument(ctx, &domain.Document{ID: uuid.New(), UserID: uuid.New(), Title: "x"}, 1)
	assert.ErrorIs(t, err, store.ErrDocumentNotFound)
}
