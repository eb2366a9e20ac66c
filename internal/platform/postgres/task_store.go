package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pagekeep/taskengine/internal/domain"
	"github.com/pagekeep/taskengine/internal/platform/logger"
	"github.com/pagekeep/taskengine/internal/store"
)

// taskColumns is the column list shared by every task SELECT.
const taskColumns = `id, type, status, params, progress, result, error_message,
	parent_id, subtasks_completed, subtasks_failed, user_id, node_id,
	retry_count, next_attempt_at, version, created_at, updated_at`

// PostgresTaskStore implements the store.TaskStore interface
// using a PostgreSQL database as the storage backend.
type PostgresTaskStore struct {
	db store.DBTX
}

// NewPostgresTaskStore creates a new PostgreSQL implementation of the
// TaskStore interface. It accepts a database handle (or transaction) that
// should be initialized and managed by the caller.
func NewPostgresTaskStore(db store.DBTX) *PostgresTaskStore {
	return &PostgresTaskStore{db: db}
}

// Ensure PostgresTaskStore implements store.TaskStore interface
var _ store.TaskStore = (*PostgresTaskStore)(nil)

// CreateTask implements store.TaskStore.CreateTask
func (s *PostgresTaskStore) CreateTask(ctx context.Context, t *domain.Task) error {
	log := logger.FromContext(ctx)

	if err := t.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	query := `
		INSERT INTO tasks (id, type, status, params, progress, result,
			error_message, parent_id, subtasks_completed, subtasks_failed,
			user_id, node_id, retry_count, next_attempt_at, version,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`
	_, err := s.db.ExecContext(ctx, query,
		t.ID, t.Type, t.Status,
		nullableJSON(t.Params), nullableJSON(t.Progress), nullableJSON(t.Result),
		t.ErrorMessage, t.ParentID,
		t.SubTasks.Completed, t.SubTasks.Failed,
		t.UserID, t.NodeID, t.RetryCount, t.NextAttemptAt,
		t.Version, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		log.Error("failed to create task",
			"task_id", t.ID,
			"task_type", t.Type,
			"error", err)
		return mapError(err, store.ErrTaskNotFound)
	}
	return nil
}

// GetTask implements store.TaskStore.GetTask
func (s *PostgresTaskStore) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	return s.scanTask(s.db.QueryRowContext(ctx, query, id))
}

// ClaimTask implements store.TaskStore.ClaimTask. The WHERE clause carries
// the status precondition, so of N workers racing on the same dispatch
// exactly one sees a row update.
func (s *PostgresTaskStore) ClaimTask(ctx context.Context, id uuid.UUID, from domain.Status, nodeID string) (bool, error) {
	query := `
		UPDATE tasks
		SET status = $1, node_id = $2, version = version + 1, updated_at = $3
		WHERE id = $4 AND status = $5
	`
	return s.conditionalUpdate(ctx, id, query,
		domain.StatusRunning, nodeID, time.Now().UTC(), id, from)
}

// TransitionTask implements store.TaskStore.TransitionTask
func (s *PostgresTaskStore) TransitionTask(ctx context.Context, id uuid.UUID, from, to domain.Status, errMsg string) (bool, error) {
	if !from.CanTransitionTo(to) {
		return false, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	query := `
		UPDATE tasks
		SET status = $1, error_message = $2, version = version + 1, updated_at = $3
		WHERE id = $4 AND status = $5
	`
	return s.conditionalUpdate(ctx, id, query,
		to, errMsg, time.Now().UTC(), id, from)
}

// MarkRetrying implements store.TaskStore.MarkRetrying
func (s *PostgresTaskStore) MarkRetrying(ctx context.Context, id uuid.UUID, retryCount int, nextAttemptAt time.Time, errMsg string) (bool, error) {
	query := `
		UPDATE tasks
		SET status = $1, retry_count = $2, next_attempt_at = $3,
			error_message = $4, version = version + 1, updated_at = $5
		WHERE id = $6 AND status = $7
	`
	return s.conditionalUpdate(ctx, id, query,
		domain.StatusRetrying, retryCount, nextAttemptAt.UTC(), errMsg,
		time.Now().UTC(), id, domain.StatusRunning)
}

// SetProgress implements store.TaskStore.SetProgress
func (s *PostgresTaskStore) SetProgress(ctx context.Context, id uuid.UUID, progress json.RawMessage) error {
	query := `
		UPDATE tasks
		SET progress = $1, version = version + 1, updated_at = $2
		WHERE id = $3
	`
	result, err := s.db.ExecContext(ctx, query, nullableJSON(progress), time.Now().UTC(), id)
	if err != nil {
		return mapError(err, store.ErrTaskNotFound)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return store.ErrTaskNotFound
	}
	return nil
}

// SetProgressIfVersion implements store.TaskStore.SetProgressIfVersion. A
// zero row count means either the record advanced or it is gone; the
// follow-up read tells the two apart.
func (s *PostgresTaskStore) SetProgressIfVersion(ctx context.Context, id uuid.UUID, version int64, progress json.RawMessage) error {
	query := `
		UPDATE tasks
		SET progress = $1, version = version + 1, updated_at = $2
		WHERE id = $3 AND version = $4
	`
	result, err := s.db.ExecContext(ctx, query, nullableJSON(progress), time.Now().UTC(), id, version)
	if err != nil {
		return mapError(err, store.ErrTaskNotFound)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := s.GetTask(ctx, id); err != nil {
			return err
		}
		return store.ErrVersionMismatch
	}
	return nil
}

// CompleteTask implements store.TaskStore.CompleteTask. Terminal statuses
// are only reachable from RUNNING, and terminal states are absorbing, so
// the status guard alone makes the result write at-most-once.
func (s *PostgresTaskStore) CompleteTask(ctx context.Context, id uuid.UUID, status domain.Status, result json.RawMessage, errMsg string) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("%w: %s is not terminal", domain.ErrInvalidStatus, status)
	}
	query := `
		UPDATE tasks
		SET status = $1, result = $2, error_message = $3,
			version = version + 1, updated_at = $4
		WHERE id = $5 AND status = $6
	`
	return s.conditionalUpdate(ctx, id, query,
		status, nullableJSON(result), errMsg, time.Now().UTC(),
		id, domain.StatusRunning)
}

// IncrementSubTaskSummary implements store.TaskStore.IncrementSubTaskSummary
func (s *PostgresTaskStore) IncrementSubTaskSummary(ctx context.Context, parentID uuid.UUID, completed, failed int) error {
	query := `
		UPDATE tasks
		SET subtasks_completed = subtasks_completed + $1,
			subtasks_failed = subtasks_failed + $2,
			version = version + 1, updated_at = $3
		WHERE id = $4
	`
	result, err := s.db.ExecContext(ctx, query, completed, failed, time.Now().UTC(), parentID)
	if err != nil {
		return mapError(err, store.ErrTaskNotFound)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return store.ErrTaskNotFound
	}
	return nil
}

// ListTasksByStatus implements store.TaskStore.ListTasksByStatus
func (s *PostgresTaskStore) ListTasksByStatus(ctx context.Context, status domain.Status, olderThan time.Duration) ([]*domain.Task, error) {
	var (
		query string
		args  []any
	)
	if olderThan > 0 {
		query = `SELECT ` + taskColumns + `
			FROM tasks
			WHERE status = $1 AND updated_at < $2
			ORDER BY created_at ASC`
		args = []any{status, time.Now().UTC().Add(-olderThan)}
	} else {
		query = `SELECT ` + taskColumns + `
			FROM tasks
			WHERE status = $1
			ORDER BY created_at ASC`
		args = []any{status}
	}
	return s.queryTasks(ctx, query, args...)
}

// ListTasksByParent implements store.TaskStore.ListTasksByParent
func (s *PostgresTaskStore) ListTasksByParent(ctx context.Context, parentID uuid.UUID) ([]*domain.Task, error) {
	query := `SELECT ` + taskColumns + `
		FROM tasks
		WHERE parent_id = $1
		ORDER BY created_at ASC`
	return s.queryTasks(ctx, query, parentID)
}

// conditionalUpdate runs a precondition-carrying UPDATE and reports whether
// it applied. A zero row count with the task present is the "lost the race"
// outcome, not an error.
func (s *PostgresTaskStore) conditionalUpdate(ctx context.Context, id uuid.UUID, query string, args ...any) (bool, error) {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, mapError(err, store.ErrTaskNotFound)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		if _, err := s.GetTask(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (s *PostgresTaskStore) queryTasks(ctx context.Context, query string, args ...any) ([]*domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapError(err, store.ErrTaskNotFound)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*domain.Task
	for rows.Next() {
		t, err := s.scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", err)
	}
	return tasks, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for scanTask.
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *PostgresTaskStore) scanTask(row rowScanner) (*domain.Task, error) {
	var (
		t             domain.Task
		params        []byte
		progress      []byte
		result        []byte
		parentID      uuid.NullUUID
		nodeID        sql.NullString
		errMsg        sql.NullString
		nextAttemptAt sql.NullTime
	)
	err := row.Scan(
		&t.ID, &t.Type, &t.Status, &params, &progress, &result,
		&errMsg, &parentID, &t.SubTasks.Completed, &t.SubTasks.Failed,
		&t.UserID, &nodeID, &t.RetryCount, &nextAttemptAt,
		&t.Version, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err, store.ErrTaskNotFound)
	}

	t.Params = json.RawMessage(params)
	t.Progress = json.RawMessage(progress)
	t.Result = json.RawMessage(result)
	if parentID.Valid {
		t.ParentID = &parentID.UUID
	}
	if nodeID.Valid {
		t.NodeID = nodeID.String
	}
	if errMsg.Valid {
		t.ErrorMessage = errMsg.String
	}
	if nextAttemptAt.Valid {
		at := nextAttemptAt.Time.UTC()
		t.NextAttemptAt = &at
	}
	return &t, nil
}

// nullableJSON maps an empty payload to SQL NULL so empty json.RawMessage
// values do not fail JSONB parsing.
func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
