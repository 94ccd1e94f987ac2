package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dispatchd/internal/dispatch"
	"dispatchd/internal/handler"
	"dispatchd/internal/model"
	"dispatchd/internal/store"
)

// DefaultTimeoutS is the default timeout in seconds when none is specified.
const DefaultTimeoutS = 30

// ErrCohortUnjoinable is returned when a cohort's tasks are not in flight on
// this process and the cohort never ran to completion, so a join could wait
// forever. This happens after a restart with unfinished cohorts on disk.
var ErrCohortUnjoinable = errors.New("cohort is not joinable")

// Engine orchestrates asynchronous task execution on a fixed worker pool.
type Engine struct {
	store    store.Store
	registry *handler.Registry
	pool     *dispatch.Dispatcher
	logger   *slog.Logger
	broker   *LogBroker
	tracer   trace.Tracer

	// cohorts tracks the in-process join handle for every cohort submitted
	// since boot. Entries are kept after completion so late joins return
	// immediately instead of being refused.
	mu      sync.Mutex
	cohorts map[string]*dispatch.Cohort
}

// NewEngine creates a new execution engine on top of the given worker pool.
func NewEngine(s store.Store, reg *handler.Registry, pool *dispatch.Dispatcher, logger *slog.Logger) *Engine {
	return &Engine{
		store:    s,
		registry: reg,
		pool:     pool,
		logger:   logger,
		broker:   NewLogBroker(),
		tracer:   otel.Tracer("dispatchd-engine"),
		cohorts:  make(map[string]*dispatch.Cohort),
	}
}

// Broker returns the engine's log broker for SSE subscription.
func (e *Engine) Broker() *LogBroker {
	return e.broker
}

// Workers reports the size of the underlying worker pool.
func (e *Engine) Workers() int {
	return e.pool.Workers()
}

// QueueDepth reports how many tasks are queued and not yet picked up.
func (e *Engine) QueueDepth() int {
	return e.pool.QueueDepth()
}

// Submit creates a task record and queues it for execution. The task is
// stored with status "pending" before returning; the queued work operates on
// a copy of the task to avoid data races with the caller.
func (e *Engine) Submit(ctx context.Context, t *model.Task) error {
	if err := e.store.CreateTask(ctx, t); err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	tCopy := *t
	if err := e.pool.Submit(dispatch.WorkItem{
		Run: func() error { return e.execute(&tCopy) },
	}); err != nil {
		// The pool is shutting down. The record was already persisted, so
		// mark it failed rather than leaving it pending forever.
		e.finishFailed(t.ID, nil, fmt.Sprintf("enqueue: %v", err))
		e.broker.Close(t.ID)
		return fmt.Errorf("enqueue task: %w", err)
	}

	return nil
}

// SubmitCohort persists a cohort and its member tasks, then queues every
// member for execution under a shared join handle. Members rejected by the
// pool (shutdown racing the submit) are marked failed so the cohort still
// converges.
func (e *Engine) SubmitCohort(ctx context.Context, c *model.Cohort, tasks []*model.Task) error {
	if err := e.store.CreateCohort(ctx, c, tasks); err != nil {
		return fmt.Errorf("create cohort: %w", err)
	}

	group := dispatch.NewCohort()
	e.mu.Lock()
	e.cohorts[c.ID] = group
	e.mu.Unlock()

	var firstErr error
	for _, t := range tasks {
		tCopy := *t
		err := e.pool.Submit(dispatch.WorkItem{
			Cohort: group,
			Run:    func() error { return e.execute(&tCopy) },
		})
		if err != nil {
			e.finishFailed(tCopy.ID, nil, fmt.Sprintf("enqueue: %v", err))
			e.broker.Close(tCopy.ID)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	if firstErr != nil {
		return fmt.Errorf("enqueue cohort tasks: %w", firstErr)
	}
	return nil
}

// JoinCohort blocks until every member of the cohort has finished, or until
// ctx is done. Cohorts submitted by this process are waited on directly; for
// anything else the stored progress decides: already-complete cohorts join
// immediately, unfinished ones return ErrCohortUnjoinable.
func (e *Engine) JoinCohort(ctx context.Context, id string) error {
	e.mu.Lock()
	group, live := e.cohorts[id]
	e.mu.Unlock()

	if !live {
		c, err := e.store.GetCohort(ctx, id)
		if err != nil {
			return err
		}
		p, err := e.store.GetCohortProgress(ctx, id)
		if err != nil {
			return err
		}
		if p.Done >= c.Size {
			return nil
		}
		return ErrCohortUnjoinable
	}

	done := make(chan struct{})
	go func() {
		group.Join()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting tasks, drains the queue, and waits for in-flight
// tasks to finish.
func (e *Engine) Shutdown() {
	e.pool.Shutdown()
}

// execute runs the task lifecycle on a worker: pending→running→completed/failed.
// The returned error reports task failure to the pool's hooks; every outcome
// is already persisted by the time it returns.
func (e *Engine) execute(t *model.Task) error {
	// Close the log stream when execution finishes, regardless of outcome.
	defer e.broker.Close(t.ID)

	ctx, span := e.tracer.Start(context.Background(), "engine.execute",
		trace.WithAttributes(
			attribute.String("task.id", t.ID),
			attribute.String("task.kind", t.Kind),
		))
	defer span.End()

	// Transition to running.
	if err := e.store.UpdateTaskStatus(ctx, t.ID, model.StatusRunning); err != nil {
		e.logger.Error("failed to transition to running", "task_id", t.ID, "error", err)
		e.finishFailed(t.ID, nil, fmt.Sprintf("failed to start: %v", err))
		return err
	}

	// Capture start time immediately after the running transition so that
	// started_at stays consistent across success, failure, and resolve-error paths.
	start := time.Now().UTC()

	// Determine timeout.
	timeoutS := DefaultTimeoutS
	if t.TimeoutS != nil && *t.TimeoutS > 0 {
		timeoutS = *t.TimeoutS
	}

	execCtx, cancel := context.WithTimeout(ctx, time.Duration(timeoutS)*time.Second)
	defer cancel()

	// Build the task spec. The LogWriter dual-writes: persist to SQLite for
	// historical viewing, then publish to the broker for real-time SSE.
	var seq atomic.Int32
	spec := handler.TaskSpec{
		ID:       t.ID,
		Kind:     t.Kind,
		Payload:  t.Payload,
		TimeoutS: timeoutS,
		LogWriter: func(line string) {
			currentSeq := int(seq.Add(1) - 1)
			if err := e.store.InsertLogLine(execCtx, t.ID, currentSeq, line); err != nil {
				e.logger.Error("failed to persist log line", "task_id", t.ID, "seq", currentSeq, "error", err)
			}
			e.broker.Publish(t.ID, line)
		},
	}

	h, err := e.registry.Resolve(t.Kind)
	if err != nil {
		e.finishFailed(t.ID, &start, fmt.Sprintf("resolve handler: %v", err))
		span.SetStatus(codes.Error, "no handler")
		return err
	}

	result, err := runHandler(execCtx, h, spec)
	durationMS := int(time.Since(start).Milliseconds())

	if err != nil {
		errMsg := err.Error()
		if execCtx.Err() == context.DeadlineExceeded {
			errMsg = fmt.Sprintf("task timed out after %ds", timeoutS)
		}
		span.SetStatus(codes.Error, "handler failed")
		span.RecordError(err)
		e.finishFailed(t.ID, &start, errMsg)
		return err
	}

	// The handler ran the task to an outcome; failure lives in the result.
	now := time.Now().UTC()
	status := model.StatusCompleted
	if result.Error != "" || result.ExitCode != 0 {
		status = model.StatusFailed
	}

	outcome := &model.Task{
		ID:         t.ID,
		Status:     status,
		Output:     result.Output,
		ExitCode:   &result.ExitCode,
		Error:      result.Error,
		DurationMS: &durationMS,
		StartedAt:  &start,
		FinishedAt: &now,
	}
	if err := e.store.UpdateTask(context.Background(), outcome); err != nil {
		e.logger.Error("failed to persist task outcome", "task_id", t.ID, "error", err)
	}

	span.SetAttributes(attribute.Int("task.exit_code", result.ExitCode))
	if status == model.StatusFailed {
		msg := result.Error
		if msg == "" {
			msg = fmt.Sprintf("exit code %d", result.ExitCode)
		}
		span.SetStatus(codes.Error, msg)
		return errors.New(msg)
	}
	return nil
}

// runHandler invokes the handler, converting a panic into an error so a
// misbehaving handler still produces a persisted failed outcome.
func runHandler(ctx context.Context, h handler.Handler, spec handler.TaskSpec) (result handler.TaskResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h.Execute(ctx, spec)
}

// finishFailed marks a task as failed with the given error message.
// startedAt may be nil if execution never started.
func (e *Engine) finishFailed(id string, startedAt *time.Time, errMsg string) {
	now := time.Now().UTC()
	var durationMS int
	if startedAt != nil {
		durationMS = int(time.Since(*startedAt).Milliseconds())
	}

	t := &model.Task{
		ID:         id,
		Status:     model.StatusFailed,
		Error:      errMsg,
		DurationMS: &durationMS,
		StartedAt:  startedAt,
		FinishedAt: &now,
	}

	if err := e.store.UpdateTask(context.Background(), t); err != nil {
		e.logger.Error("failed to update failed task", "task_id", id, "error", err)
	}
}
