package task

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagekeep/taskengine/internal/domain"
	"github.com/pagekeep/taskengine/internal/events"
	"github.com/pagekeep/taskengine/internal/store/memstore"
)

func newSubmitter(t *testing.T, queueSize int) (*Submitter, *memstore.Store, *Queue, *events.Bus) {
	t.Helper()
	log := discardLogger()
	s := memstore.New()
	bus := events.NewBus(16, log)
	t.Cleanup(bus.Close)
	q := NewQueue(queueSize, log)
	r := NewRegistry()
	require.NoError(t, r.Register(&stubExec{taskType: "stub"}))
	return NewSubmitter(s, r, q, bus, log), s, q, bus
}

func TestSubmitPersistsAndEnqueues(t *testing.T) {
	t.Parallel()
	sub, s, q, _ := newSubmitter(t, 4)
	ctx := context.Background()
	userID := uuid.New()

	id, err := sub.Submit(ctx, userID, "stub", &stubParams{Name: "essays"}, nil)
	require.NoError(t, err)

	got, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, got.Status)
	assert.Equal(t, userID, got.UserID)
	assert.JSONEq(t, `{"name":"essays","count":0}`, string(got.Params))

	d := <-q.Chan()
	assert.Equal(t, id, d.TaskID)
	assert.Equal(t, domain.StatusQueued, d.From)
}

func TestSubmitRejectsBadInput(t *testing.T) {
	t.Parallel()
	sub, s, _, _ := newSubmitter(t, 4)
	ctx := context.Background()

	_, err := sub.Submit(ctx, uuid.New(), "nope", &stubParams{Name: "x"}, nil)
	assert.ErrorIs(t, err, ErrUnknownTaskType)

	_, err = sub.Submit(ctx, uuid.New(), "stub", &stubParams{Count: 1}, nil)
	assert.ErrorIs(t, err, ErrInvalidParams)

	_, err = sub.Submit(ctx, uuid.New(), "stub", nil, nil)
	assert.ErrorIs(t, err, ErrInvalidParams)

	// Nothing was persisted for any of the rejected submissions.
	queued, err := s.ListTasksByStatus(ctx, domain.StatusQueued, 0)
	require.NoError(t, err)
	assert.Empty(t, queued)
}

func TestSubmitSurvivesFullQueue(t *testing.T) {
	t.Parallel()
	sub, s, q, _ := newSubmitter(t, 1)
	ctx := context.Background()

	// Fill the dispatch queue.
	require.NoError(t, q.Enqueue(dispatch{TaskID: uuid.New(), From: domain.StatusQueued}))

	// The record is durable, so the submission still succeeds; recovery
	// picks the task up later.
	id, err := sub.Submit(ctx, uuid.New(), "stub", &stubParams{Name: "essays"}, nil)
	require.NoError(t, err)

	got, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, got.Status)
}
