// Package memstore provides in-memory implementations of the store
// interfaces with the same conditional-update semantics as the Postgres
// implementations. It backs the engine's tests and the dev mode that runs
// without a database.
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pagekeep/taskengine/internal/domain"
	"github.com/pagekeep/taskengine/internal/store"
)

// Store is an in-memory TaskStore and DocumentStore. All methods are safe
// for concurrent use; conditional updates are atomic under the store mutex.
type Store struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*domain.Task
	docs  map[uuid.UUID]*domain.Document
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		tasks: make(map[uuid.UUID]*domain.Task),
		docs:  make(map[uuid.UUID]*domain.Document),
	}
}

// CreateTask persists a new task record.
func (s *Store) CreateTask(_ context.Context, t *domain.Task) error {
	if err := t.Validate(); err != nil {
		return store.NewStoreError("task", "create", "validation failed", store.ErrInvalidEntity)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[t.ID]; ok {
		return store.ErrDuplicate
	}
	s.tasks[t.ID] = cloneTask(t)
	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(_ context.Context, id uuid.UUID) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	return cloneTask(t), nil
}

// ClaimTask atomically transitions the task from the given status to
// RUNNING, stamping the claiming node.
func (s *Store) ClaimTask(_ context.Context, id uuid.UUID, from domain.Status, nodeID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return false, store.ErrTaskNotFound
	}
	if t.Status != from {
		return false, nil
	}
	t.Status = domain.StatusRunning
	t.NodeID = nodeID
	t.Version++
	t.UpdatedAt = time.Now().UTC()
	return true, nil
}

// TransitionTask atomically moves the task from one status to another.
func (s *Store) TransitionTask(_ context.Context, id uuid.UUID, from, to domain.Status, errMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return false, store.ErrTaskNotFound
	}
	if t.Status != from {
		return false, nil
	}
	t.Status = to
	if errMsg != "" {
		t.ErrorMessage = errMsg
	}
	t.Version++
	t.UpdatedAt = time.Now().UTC()
	return true, nil
}

// MarkRetrying records a transient failure on a RUNNING task.
func (s *Store) MarkRetrying(_ context.Context, id uuid.UUID, retryCount int, nextAttemptAt time.Time, errMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return false, store.ErrTaskNotFound
	}
	if t.Status != domain.StatusRunning {
		return false, nil
	}
	next := nextAttemptAt.UTC()
	t.Status = domain.StatusRetrying
	t.RetryCount = retryCount
	t.NextAttemptAt = &next
	t.ErrorMessage = errMsg
	t.Version++
	t.UpdatedAt = time.Now().UTC()
	return true, nil
}

// SetProgress overwrites the task's progress payload. Last writer wins.
func (s *Store) SetProgress(_ context.Context, id uuid.UUID, progress json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	t.Progress = cloneRaw(progress)
	t.Version++
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// SetProgressIfVersion overwrites the progress payload only when the record
// version still matches.
func (s *Store) SetProgressIfVersion(_ context.Context, id uuid.UUID, version int64, progress json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return store.ErrTaskNotFound
	}
	if t.Version != version {
		return store.ErrVersionMismatch
	}
	t.Progress = cloneRaw(progress)
	t.Version++
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// CompleteTask writes a terminal status with an optional result. The write
// applies only when the task's current status has an edge to the terminal
// status, which makes a second terminal write a no-op.
func (s *Store) CompleteTask(_ context.Context, id uuid.UUID, status domain.Status, result json.RawMessage, errMsg string) (bool, error) {
	if !status.IsTerminal() {
		return false, store.NewStoreError("task", "complete", "status is not terminal", store.ErrInvalidEntity)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return false, store.ErrTaskNotFound
	}
	if !t.Status.CanTransitionTo(status) {
		return false, nil
	}
	if t.Result != nil && result != nil {
		return false, store.ErrResultAlreadySet
	}
	t.Status = status
	if result != nil {
		t.Result = cloneRaw(result)
	}
	t.ErrorMessage = errMsg
	t.Version++
	t.UpdatedAt = time.Now().UTC()
	return true, nil
}

// IncrementSubTaskSummary atomically adds the deltas to the parent's
// sub-task counters.
func (s *Store) IncrementSubTaskSummary(_ context.Context, parentID uuid.UUID, completed, failed int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[parentID]
	if !ok {
		return store.ErrTaskNotFound
	}
	t.SubTasks.Completed += completed
	t.SubTasks.Failed += failed
	t.Version++
	t.UpdatedAt = time.Now().UTC()
	return nil
}

// ListTasksByStatus retrieves tasks in the given status ordered by creation
// time.
func (s *Store) ListTasksByStatus(_ context.Context, status domain.Status, olderThan time.Duration) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	var out []*domain.Task
	for _, t := range s.tasks {
		if t.Status != status {
			continue
		}
		if olderThan > 0 && t.UpdatedAt.After(cutoff) {
			continue
		}
		out = append(out, cloneTask(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListTasksByParent retrieves all direct children of the given parent.
func (s *Store) ListTasksByParent(_ context.Context, parentID uuid.UUID) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Task
	for _, t := range s.tasks {
		if t.ParentID != nil && *t.ParentID == parentID {
			out = append(out, cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// CreateDocument persists a new document.
func (s *Store) CreateDocument(_ context.Context, d *domain.Document) error {
	if err := d.Validate(); err != nil {
		return store.NewStoreError("document", "create", "validation failed", store.ErrInvalidEntity)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.docs[d.ID]; ok {
		return store.ErrDuplicate
	}
	s.docs[d.ID] = cloneDocument(d)
	return nil
}

// GetDocument retrieves a document by ID, including its current version.
func (s *Store) GetDocument(_ context.Context, id uuid.UUID) (*domain.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.docs[id]
	if !ok {
		return nil, store.ErrDocumentNotFound
	}
	return cloneDocument(d), nil
}

// UpdateDocument writes the document back conditionally on its version.
func (s *Store) UpdateDocument(_ context.Context, d *domain.Document, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.docs[d.ID]
	if !ok {
		return store.ErrDocumentNotFound
	}
	if cur.Version != expectedVersion {
		return store.ErrVersionMismatch
	}
	next := cloneDocument(d)
	next.Version = expectedVersion + 1
	next.UpdatedAt = time.Now().UTC()
	s.docs[d.ID] = next
	d.Version = next.Version
	return nil
}

func cloneTask(t *domain.Task) *domain.Task {
	c := *t
	c.Params = cloneRaw(t.Params)
	c.Progress = cloneRaw(t.Progress)
	c.Result = cloneRaw(t.Result)
	if t.ParentID != nil {
		id := *t.ParentID
		c.ParentID = &id
	}
	if t.NextAttemptAt != nil {
		ts := *t.NextAttemptAt
		c.NextAttemptAt = &ts
	}
	return &c
}

func cloneDocument(d *domain.Document) *domain.Document {
	c := *d
	c.Chapters = make([]domain.Chapter, len(d.Chapters))
	copy(c.Chapters, d.Chapters)
	for i := range c.Chapters {
		if d.Chapters[i].SummarizedAt != nil {
			ts := *d.Chapters[i].SummarizedAt
			c.Chapters[i].SummarizedAt = &ts
		}
	}
	return &c
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

// Interface conformance checks.
var (
	_ store.TaskStore     = (*Store)(nil)
	_ store.DocumentStore = (*Store)(nil)
)
