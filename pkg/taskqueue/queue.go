// Package taskqueue provides the durable queue between the accept path and
// the ingestion workers. Delivery is at-least-once: a task is removed only
// after its handler returns nil.
package taskqueue

import (
	"context"
	"errors"
	"time"

	"github.com/memoryx/memoryx/pkg/memory"
)

// Task kinds consumed by the ingestion worker.
const (
	KindMemory       = "memory"
	KindMemoryBatch  = "memory_batch"
	KindConversation = "conversation"
)

// Task is one queued unit of ingestion work. The payload is the
// kind-specific JSON document built by the accept path.
type Task struct {
	ID         string       `json:"id"`
	Kind       string       `json:"kind"`
	Owner      memory.Owner `json:"owner"`
	Payload    []byte       `json:"payload"`
	EnqueuedAt time.Time    `json:"enqueued_at"`
}

// Handler processes one task. A non-nil error leaves the task queued for
// redelivery.
type Handler func(ctx context.Context, task Task) error

// Queue is a durable task queue.
type Queue interface {
	// Enqueue appends a task. Tasks for the same owner are delivered in
	// enqueue order.
	Enqueue(ctx context.Context, task Task) error

	// Consume delivers tasks to handle until ctx is cancelled. It
	// returns ctx.Err() on cancellation or the first transport error.
	Consume(ctx context.Context, handle Handler) error

	// Close releases broker connections.
	Close() error
}

// ErrClosed is returned when operating on a closed queue.
var ErrClosed = errors.New("task queue closed")
