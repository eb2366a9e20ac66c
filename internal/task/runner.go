package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pagekeep/taskengine/internal/domain"
	"github.com/pagekeep/taskengine/internal/events"
	"github.com/pagekeep/taskengine/internal/platform/logger"
	"github.com/pagekeep/taskengine/internal/store"
)

// RunnerConfig holds configuration for the task runner.
type RunnerConfig struct {
	// WorkerCount determines how many concurrent workers process tasks.
	WorkerCount int

	// QueueSize determines the buffer size of the dispatch queue.
	QueueSize int

	// MaxRetries is the number of re-attempts granted to a task whose
	// executable reports a transient error.
	MaxRetries int

	// RetryBackoff is the base delay before the first re-attempt; it
	// doubles per attempt.
	RetryBackoff time.Duration

	// MaxRetryBackoff caps the per-attempt delay.
	MaxRetryBackoff time.Duration

	// StuckTaskAge defines how long a task can sit in RUNNING before the
	// watchdog considers it stalled and resets it.
	StuckTaskAge time.Duration

	// StuckTaskCheckInterval defines how often the watchdog runs.
	// If zero, defaults to 1 minute.
	StuckTaskCheckInterval time.Duration

	// NodeID identifies this execution node; it is stamped on records at
	// claim time and scoped by crash recovery.
	NodeID string
}

// DefaultRunnerConfig returns a RunnerConfig with reasonable defaults.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		WorkerCount:            4,
		QueueSize:              256,
		MaxRetries:             3,
		RetryBackoff:           2 * time.Second,
		MaxRetryBackoff:        2 * time.Minute,
		StuckTaskAge:           30 * time.Minute,
		StuckTaskCheckInterval: time.Minute,
	}
}

// Runner manages background task processing: it claims dispatched tasks
// with a conditional update, invokes the matching executable and announces
// every lifecycle transition on the event bus. State persistence beyond the
// claim itself belongs to the aggregators consuming those events.
type Runner struct {
	taskStore store.TaskStore
	registry  *Registry
	emitter   events.Emitter
	queue     *Queue
	submitter *Submitter
	config    RunnerConfig
	logger    *slog.Logger

	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	cancels    *cancelRegistry
}

// NewRunner creates a new Runner.
func NewRunner(
	taskStore store.TaskStore,
	registry *Registry,
	emitter events.Emitter,
	queue *Queue,
	submitter *Submitter,
	config RunnerConfig,
	log *slog.Logger,
) *Runner {
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}
	if config.StuckTaskCheckInterval == 0 {
		config.StuckTaskCheckInterval = time.Minute
	}
	if config.MaxRetryBackoff == 0 {
		config.MaxRetryBackoff = 2 * time.Minute
	}
	if config.NodeID == "" {
		config.NodeID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Runner{
		taskStore:  taskStore,
		registry:   registry,
		emitter:    emitter,
		queue:      queue,
		submitter:  submitter,
		config:     config,
		logger:     log.With("component", "task_runner", "node_id", config.NodeID),
		ctx:        ctx,
		cancelFunc: cancel,
		cancels:    newCancelRegistry(),
	}
}

// Start recovers unfinished tasks, then launches the worker pool and the
// stalled-task watchdog.
func (r *Runner) Start() error {
	if err := r.Recover(); err != nil {
		return fmt.Errorf("failed to recover tasks: %w", err)
	}

	for i := 0; i < r.config.WorkerCount; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}

	r.wg.Add(1)
	go r.watchdog()

	r.logger.Info("task runner started", "worker_count", r.config.WorkerCount)
	return nil
}

// Stop gracefully shuts down the runner: in-flight executions are cancelled
// cooperatively and all goroutines are awaited.
func (r *Runner) Stop() {
	r.cancelFunc()
	r.queue.Close()
	r.wg.Wait()
	r.logger.Info("task runner stopped")
}

// Recover requeues QUEUED records, reschedules RETRYING records and resets
// RUNNING records orphaned by a crash of this node.
func (r *Runner) Recover() error {
	ctx := logger.WithLogger(context.Background(), r.logger)

	queued, err := r.taskStore.ListTasksByStatus(ctx, domain.StatusQueued, 0)
	if err != nil {
		return fmt.Errorf("failed to list queued tasks: %w", err)
	}

	retrying, err := r.taskStore.ListTasksByStatus(ctx, domain.StatusRetrying, 0)
	if err != nil {
		return fmt.Errorf("failed to list retrying tasks: %w", err)
	}

	running, err := r.taskStore.ListTasksByStatus(ctx, domain.StatusRunning, 0)
	if err != nil {
		return fmt.Errorf("failed to list running tasks: %w", err)
	}

	r.logger.Info("recovering unfinished tasks",
		"queued_count", len(queued),
		"retrying_count", len(retrying),
		"running_count", len(running))

	for _, t := range queued {
		if err := r.queue.Enqueue(dispatch{TaskID: t.ID, From: domain.StatusQueued}); err != nil {
			r.logger.Error("failed to requeue task",
				"task_id", t.ID,
				"task_type", t.Type,
				"error", err)
		}
	}

	now := time.Now().UTC()
	for _, t := range retrying {
		delay := time.Duration(0)
		if t.NextAttemptAt != nil && t.NextAttemptAt.After(now) {
			delay = t.NextAttemptAt.Sub(now)
		}
		r.scheduleRetry(t.ID, delay)
	}

	// Only this node's orphans: records claimed by other live nodes are
	// their business.
	for _, t := range running {
		if t.NodeID != r.config.NodeID {
			continue
		}
		r.resetStalled(ctx, t, "reset after crash recovery")
	}

	return nil
}

// Cancel flags a cancellable task. A QUEUED or RETRYING task is cancelled
// in the store before it can be claimed; a RUNNING task has its cooperative
// flag flipped and self-terminates at its next check. A RUNNING parent with
// no live execution (parked while awaiting child aggregation) is cancelled
// in the store directly. Cancellation is local-only: already-submitted
// children keep running.
func (r *Runner) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	t, err := r.taskStore.GetTask(ctx, id)
	if err != nil {
		if store.IsNotFoundError(err) {
			return false, nil
		}
		return false, err
	}

	switch t.Status {
	case domain.StatusQueued, domain.StatusRetrying:
		applied, err := r.taskStore.TransitionTask(ctx, id, t.Status, domain.StatusCancelled, "cancelled by user")
		if err != nil {
			return false, err
		}
		if applied {
			ev := events.New(events.KindCancelled, t.ID, t.Type, t.ParentID)
			// The task never ran: carry its parameters so fan-in can
			// account for chain successors that will now never spawn.
			ev.Payload = t.Params
			r.emit(ctx, ev)
			return true, nil
		}
		// Lost the race with a claim; fall through to the running case.
		return r.cancels.cancel(id), nil
	case domain.StatusRunning:
		if r.cancels.cancel(id) {
			return true, nil
		}
		// No execution holds the task: it returned ErrAwaitChildren and
		// parked in RUNNING until fan-in. Cancel the record itself; late
		// child outcomes find the parent terminal and are dropped.
		applied, err := r.taskStore.TransitionTask(ctx, id, domain.StatusRunning, domain.StatusCancelled, "cancelled by user")
		if err != nil {
			return false, err
		}
		if applied {
			r.emit(ctx, events.New(events.KindCancelled, t.ID, t.Type, t.ParentID))
		}
		return applied, nil
	default:
		return false, nil
	}
}

// worker consumes dispatches until the queue closes or the runner stops.
func (r *Runner) worker(id int) {
	defer r.wg.Done()

	r.logger.Debug("starting worker", "worker_id", id)

	for {
		select {
		case <-r.ctx.Done():
			r.logger.Debug("stopping worker", "worker_id", id)
			return
		case d, ok := <-r.queue.Chan():
			if !ok {
				r.logger.Debug("dispatch queue closed, stopping worker", "worker_id", id)
				return
			}
			r.processDispatch(d, id)
		}
	}
}

// processDispatch claims and executes a single dispatched task.
func (r *Runner) processDispatch(d dispatch, workerID int) {
	log := r.logger.With(
		"task_id", d.TaskID,
		"worker_id", workerID,
	)
	ctx := logger.WithLogger(context.Background(), log)

	// The claim is the only serialization point between racing workers:
	// exactly one conditional update succeeds, the loser no-ops.
	claimed, err := r.taskStore.ClaimTask(ctx, d.TaskID, d.From, r.config.NodeID)
	if err != nil {
		if store.IsNotFoundError(err) {
			log.Warn("dispatched task no longer exists, dropping")
			return
		}
		log.Error("failed to claim task", "error", err)
		return
	}
	if !claimed {
		log.Debug("task not claimable, skipping", "expected_status", d.From)
		return
	}

	t, err := r.taskStore.GetTask(ctx, d.TaskID)
	if err != nil {
		log.Error("failed to load claimed task", "error", err)
		return
	}
	log = log.With("task_type", t.Type)
	ctx = logger.WithLogger(ctx, log)

	r.emit(ctx, events.New(events.KindStarted, t.ID, t.Type, t.ParentID))

	exec, ok := r.registry.Get(t.Type)
	if !ok {
		r.failTask(ctx, t, fmt.Errorf("%w: %s", ErrUnknownTaskType, t.Type), false)
		return
	}

	params, err := r.registry.DecodeParams(t.Type, t.Params)
	if err != nil {
		r.failTask(ctx, t, err, false)
		return
	}

	execCtx, release := r.cancels.register(r.ctx, t.ID)
	defer release()

	tc := NewContext(execCtx, t, params, r.taskStore, r.emitter, r.submitter, log)

	log.Info("executing task", "attempt", t.RetryCount+1)
	result, err := exec.Execute(execCtx, tc)

	switch {
	case errors.Is(err, ErrAwaitChildren):
		// The task stays RUNNING; fan-in aggregation of its children
		// writes the terminal state.
		log.Debug("task deferred to child aggregation")

	case execCtx.Err() != nil && r.ctx.Err() != nil:
		// Runner shutdown, not a user cancel. Leave the record RUNNING;
		// recovery resets it on the next start.
		log.Info("task interrupted by shutdown")

	case execCtx.Err() != nil:
		// User cancel: discard any result and announce the cancellation.
		log.Info("task cancelled, discarding result")
		r.emit(ctx, events.New(events.KindCancelled, t.ID, t.Type, t.ParentID))

	case err == nil:
		payload, merr := marshalResult(result)
		if merr != nil {
			r.failTask(ctx, t, merr, false)
			return
		}
		ev := events.New(events.KindCompleted, t.ID, t.Type, t.ParentID)
		ev.Payload = payload
		r.emit(ctx, ev)
		log.Info("task completed")

	case exec.IsRetryable(err) && t.RetryCount < r.config.MaxRetries:
		r.retryTask(ctx, t, err)

	default:
		r.failTask(ctx, t, err, IsDeadLetter(err))
	}
}

// retryTask records a transient failure and schedules the re-attempt.
// The RETRYING transition is written dispatch-side, like the claim, so the
// re-dispatch can never race an aggregator behind on its queue.
func (r *Runner) retryTask(ctx context.Context, t *domain.Task, cause error) {
	log := logger.FromContext(ctx)

	retryCount := t.RetryCount + 1
	delay := r.backoff(retryCount)
	nextAttempt := time.Now().UTC().Add(delay)

	applied, err := r.taskStore.MarkRetrying(ctx, t.ID, retryCount, nextAttempt, cause.Error())
	if err != nil {
		log.Error("failed to mark task retrying", "error", err)
		return
	}
	if !applied {
		log.Warn("task no longer running, skipping retry")
		return
	}

	ev := events.New(events.KindRetrying, t.ID, t.Type, t.ParentID)
	ev.Error = cause.Error()
	ev.RetryCount = retryCount
	ev.NextAttemptAt = &nextAttempt
	r.emit(ctx, ev)

	log.Warn("task failed, retrying",
		"error", cause,
		"retry_count", retryCount,
		"next_attempt_at", nextAttempt)

	r.scheduleRetry(t.ID, delay)
}

// failTask announces a permanent failure.
func (r *Runner) failTask(ctx context.Context, t *domain.Task, cause error, deadLetter bool) {
	log := logger.FromContext(ctx)
	log.Error("task failed", "error", cause, "dead_letter", deadLetter)

	ev := events.New(events.KindFailed, t.ID, t.Type, t.ParentID)
	ev.Error = cause.Error()
	ev.DeadLetter = deadLetter
	r.emit(ctx, ev)
}

// scheduleRetry enqueues a RETRYING task for re-dispatch after the delay.
func (r *Runner) scheduleRetry(id uuid.UUID, delay time.Duration) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-r.ctx.Done():
			return
		case <-timer.C:
		}

		if err := r.queue.Enqueue(dispatch{TaskID: id, From: domain.StatusRetrying}); err != nil {
			// The watchdog sweeps overdue RETRYING records, so a full
			// queue only delays the attempt.
			r.logger.Error("failed to requeue retrying task",
				"task_id", id,
				"error", err)
		}
	}()
}

// backoff computes the exponential delay before the given attempt.
func (r *Runner) backoff(retryCount int) time.Duration {
	delay := r.config.RetryBackoff
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if delay >= r.config.MaxRetryBackoff {
			return r.config.MaxRetryBackoff
		}
	}
	if delay > r.config.MaxRetryBackoff {
		delay = r.config.MaxRetryBackoff
	}
	return delay
}

// watchdog periodically resets tasks stuck in RUNNING and sweeps RETRYING
// records whose attempt time has passed without a queued dispatch.
func (r *Runner) watchdog() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.StuckTaskCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			ctx := logger.WithLogger(context.Background(), r.logger)

			stuck, err := r.taskStore.ListTasksByStatus(ctx, domain.StatusRunning, r.config.StuckTaskAge)
			if err != nil {
				r.logger.Error("failed to check for stuck tasks", "error", err)
			} else {
				for _, t := range stuck {
					// Parents awaiting fan-in legitimately sit in RUNNING;
					// child activity on the record marks them.
					if t.SubTasks.Completed+t.SubTasks.Failed > 0 {
						continue
					}
					r.resetStalled(ctx, t, "reset after being stuck in running state")
				}
			}

			overdue, err := r.taskStore.ListTasksByStatus(ctx, domain.StatusRetrying, r.config.StuckTaskCheckInterval)
			if err != nil {
				r.logger.Error("failed to check for overdue retries", "error", err)
				continue
			}
			now := time.Now().UTC()
			for _, t := range overdue {
				if t.NextAttemptAt != nil && t.NextAttemptAt.After(now) {
					continue
				}
				if err := r.queue.Enqueue(dispatch{TaskID: t.ID, From: domain.StatusRetrying}); err != nil {
					r.logger.Error("failed to requeue overdue retry",
						"task_id", t.ID,
						"error", err)
				}
			}
		}
	}
}

// resetStalled moves a RUNNING task back through RETRYING if attempts
// remain, or fails it outright.
func (r *Runner) resetStalled(ctx context.Context, t *domain.Task, reason string) {
	if t.RetryCount >= r.config.MaxRetries {
		if _, err := r.taskStore.CompleteTask(ctx, t.ID, domain.StatusFailed, nil, reason+", no attempts remain"); err != nil {
			r.logger.Error("failed to fail stalled task",
				"task_id", t.ID,
				"error", err)
		}
		return
	}

	applied, err := r.taskStore.MarkRetrying(ctx, t.ID, t.RetryCount+1, time.Now().UTC(), reason)
	if err != nil {
		r.logger.Error("failed to reset stalled task",
			"task_id", t.ID,
			"error", err)
		return
	}
	if applied {
		r.logger.Info("reset stalled task",
			"task_id", t.ID,
			"task_type", t.Type,
			"reason", reason)
		r.scheduleRetry(t.ID, 0)
	}
}

// emit publishes an event, logging instead of failing the caller when the
// bus rejects it.
func (r *Runner) emit(ctx context.Context, ev *events.Event) {
	if err := r.emitter.Emit(ctx, ev); err != nil {
		r.logger.Error("failed to emit event",
			"event_id", ev.ID,
			"event_kind", ev.Kind,
			"task_id", ev.TaskID,
			"error", err)
	}
}

func marshalResult(result any) (json.RawMessage, error) {
	if result == nil {
		return nil, nil
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task result: %w", err)
	}
	return payload, nil
}
