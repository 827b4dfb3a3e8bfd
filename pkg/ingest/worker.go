package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/memoryx/memoryx/pkg/aggregator"
	"github.com/memoryx/memoryx/pkg/extraction"
	"github.com/memoryx/memoryx/pkg/llm"
	"github.com/memoryx/memoryx/pkg/reconciler"
	"github.com/memoryx/memoryx/pkg/storage"
	"github.com/memoryx/memoryx/pkg/taskqueue"
)

// llmAttempts is how many extraction attempts a task gets, counting the
// first, when the LLM fails transiently; after the last the task fails.
const llmAttempts = 3

// llmBackoffBase is the first retry delay; each attempt doubles it.
const llmBackoffBase = 2 * time.Second

// Worker consumes ingestion tasks and drives them to a terminal state.
type Worker struct {
	queue      taskqueue.Queue
	store      storage.Store
	aggregator *aggregator.Aggregator
	reconciler *reconciler.Reconciler
	deadline   time.Duration
	workers    int
	logger     *zap.Logger
}

// Config wires a Worker pool.
type Config struct {
	Queue      taskqueue.Queue
	Store      storage.Store
	Aggregator *aggregator.Aggregator
	Reconciler *reconciler.Reconciler

	// Deadline bounds one task. Zero means 30 seconds.
	Deadline time.Duration

	// Workers is the consumer pool size. Zero means 2.
	Workers int

	Logger *zap.Logger
}

// New creates a Worker pool.
func New(cfg Config) *Worker {
	deadline := cfg.Deadline
	if deadline == 0 {
		deadline = 30 * time.Second
	}
	workers := cfg.Workers
	if workers == 0 {
		workers = 2
	}
	return &Worker{
		queue:      cfg.Queue,
		store:      cfg.Store,
		aggregator: cfg.Aggregator,
		reconciler: cfg.Reconciler,
		deadline:   deadline,
		workers:    workers,
		logger:     cfg.Logger,
	}
}

// Run consumes the queue with the configured pool size until ctx is
// cancelled. Per-owner ordering is preserved by the queue's owner keying
// plus the reconciler's per-owner lock.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	errs := make(chan error, w.workers)

	for i := 0; i < w.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.queue.Consume(ctx, w.handle); err != nil && !errors.Is(err, context.Canceled) {
				errs <- err
			}
		}()
	}

	wg.Wait()
	close(errs)
	return <-errs
}

// handle drives one task to a terminal state. It returns non-nil only when
// the task's state could not be recorded, leaving the task queued for
// redelivery.
func (w *Worker) handle(ctx context.Context, task taskqueue.Task) error {
	record, err := w.store.GetTask(ctx, task.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			w.logger.Warn("task has no record, dropping", zap.String("task_id", task.ID))
			return nil
		}
		return err
	}
	if record.Status.Terminal() {
		// Redelivered after completion; at-least-once makes this normal.
		return nil
	}

	if err := w.store.UpdateTask(ctx, task.ID, storage.TaskRunning, nil, ""); err != nil {
		return err
	}

	taskCtx, cancel := context.WithTimeout(ctx, w.deadline)
	defer cancel()

	result, err := w.process(taskCtx, task)

	switch {
	case err == nil:
		if result.Rejected > 0 {
			return w.store.UpdateTask(ctx, task.ID, storage.TaskPartial, result.Encode(), "")
		}
		return w.store.UpdateTask(ctx, task.ID, storage.TaskSuccess, result.Encode(), "")

	case errors.Is(err, reconciler.ErrFollower):
		// Relational truth is intact; the offending fact was compensated.
		return w.store.UpdateTask(ctx, task.ID, storage.TaskPartial, result.Encode(), err.Error())

	case errors.Is(err, context.DeadlineExceeded):
		w.logger.Warn("task deadline exceeded", zap.String("task_id", task.ID))
		return w.store.UpdateTask(ctx, task.ID, storage.TaskFailure, result.Encode(), "TIMEOUT")

	default:
		w.logger.Error("task failed",
			zap.String("task_id", task.ID),
			zap.String("kind", task.Kind),
			zap.Error(err),
		)
		return w.store.UpdateTask(ctx, task.ID, storage.TaskFailure, result.Encode(), err.Error())
	}
}

// process extracts and reconciles one task's candidates.
func (w *Worker) process(ctx context.Context, task taskqueue.Task) (Result, error) {
	var result Result

	facts, rejected, err := w.extractWithRetry(ctx, task)
	if err != nil {
		return result, err
	}
	result.Extracted = len(facts)
	result.Rejected = rejected

	outcomes, err := w.reconciler.ReconcileAll(ctx, task.Owner, facts, task.ID)
	for _, o := range outcomes {
		switch o.Event {
		case "ADD":
			result.Added++
		case "UPDATE":
			result.Updated++
		case "DELETE":
			result.Deleted++
		case "NOOP":
			result.Noop++
		}
	}
	return result, err
}

// extractWithRetry runs the aggregator, retrying transient LLM failures
// with exponential backoff.
func (w *Worker) extractWithRetry(ctx context.Context, task taskqueue.Task) ([]extraction.Fact, int, error) {
	var lastErr error
	for attempt := 0; attempt < llmAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, 0, ctx.Err()
			case <-time.After(llmBackoffBase << (attempt - 1)):
			}
		}

		facts, rejected, err := w.extract(ctx, task)
		if err == nil {
			return facts, rejected, nil
		}
		lastErr = err
		if !errors.Is(err, llm.ErrUnavailable) {
			return nil, 0, err
		}
		w.logger.Warn("extraction attempt failed",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return nil, 0, lastErr
}

func (w *Worker) extract(ctx context.Context, task taskqueue.Task) ([]extraction.Fact, int, error) {
	switch task.Kind {
	case taskqueue.KindMemory:
		var payload MemoryPayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return nil, 0, fmt.Errorf("decoding memory payload: %w", err)
		}
		return w.aggregator.FromContent(ctx, payload.Content)

	case taskqueue.KindMemoryBatch:
		var payload BatchPayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return nil, 0, fmt.Errorf("decoding batch payload: %w", err)
		}
		var all []extraction.Fact
		rejected := 0
		for _, content := range payload.Contents {
			facts, r, err := w.aggregator.FromContent(ctx, content)
			if err != nil {
				return nil, 0, err
			}
			all = append(all, facts...)
			rejected += r
		}
		return all, rejected, nil

	case taskqueue.KindConversation:
		var payload ConversationPayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			return nil, 0, fmt.Errorf("decoding conversation payload: %w", err)
		}
		return w.aggregator.FromSegment(ctx, payload.Segment(task.Owner))

	default:
		return nil, 0, fmt.Errorf("unknown task kind %q", task.Kind)
	}
}
