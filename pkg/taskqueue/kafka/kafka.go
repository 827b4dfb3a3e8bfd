// Package kafka provides a Kafka-backed task queue. Tasks are keyed by
// owner partition so a single topic partition carries all of one owner's
// tasks in order.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/memoryx/memoryx/pkg/taskqueue"
)

// DefaultGroupID is the consumer group shared by the ingestion workers.
const DefaultGroupID = "memoryx-ingest"

// Queue implements taskqueue.Queue on a Kafka topic.
type Queue struct {
	writer *kafkago.Writer
	reader *kafkago.Reader
	logger *zap.Logger
}

// Config holds configuration for the Kafka queue.
type Config struct {
	// Brokers are the bootstrap addresses.
	Brokers []string

	// Topic carries the ingestion tasks.
	Topic string

	// GroupID is the consumer group. Defaults to DefaultGroupID.
	GroupID string
}

// NewQueue creates a Kafka-backed queue.
func NewQueue(c Config, logger *zap.Logger) (*Queue, error) {
	if len(c.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if c.Topic == "" {
		return nil, fmt.Errorf("kafka topic is required")
	}

	groupID := c.GroupID
	if groupID == "" {
		groupID = DefaultGroupID
	}

	writer := &kafkago.Writer{
		Addr:  kafkago.TCP(c.Brokers...),
		Topic: c.Topic,
		// Hash on the owner key keeps one owner's tasks on one
		// partition, preserving per-owner FIFO.
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}

	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers: c.Brokers,
		Topic:   c.Topic,
		GroupID: groupID,
	})

	logger.Info("connected to Kafka",
		zap.Strings("brokers", c.Brokers),
		zap.String("topic", c.Topic),
		zap.String("group", groupID),
	)

	return &Queue{writer: writer, reader: reader, logger: logger}, nil
}

// Enqueue appends a task, keyed by owner partition.
func (q *Queue) Enqueue(ctx context.Context, task taskqueue.Task) error {
	value, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encoding task: %w", err)
	}

	err = q.writer.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(task.Owner.Partition()),
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("writing task: %w", err)
	}
	return nil
}

// Consume delivers tasks until ctx is cancelled. Offsets are committed only
// after the handler succeeds, giving at-least-once delivery.
func (q *Queue) Consume(ctx context.Context, handle taskqueue.Handler) error {
	for {
		msg, err := q.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("fetching message: %w", err)
		}

		var task taskqueue.Task
		if err := json.Unmarshal(msg.Value, &task); err != nil {
			// A poisoned message can never succeed; log and skip it.
			q.logger.Error("dropping undecodable task",
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
			if err := q.reader.CommitMessages(ctx, msg); err != nil {
				return fmt.Errorf("committing poisoned message: %w", err)
			}
			continue
		}

		// A failed task is redelivered in place: committing a later
		// offset would also commit past this one.
		for {
			err := handle(ctx, task)
			if err == nil {
				break
			}
			q.logger.Warn("task handler failed, redelivering",
				zap.String("task_id", task.ID),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
		}

		if err := q.reader.CommitMessages(ctx, msg); err != nil {
			return fmt.Errorf("committing message: %w", err)
		}
	}
}

// Close releases the writer and reader.
func (q *Queue) Close() error {
	werr := q.writer.Close()
	rerr := q.reader.Close()
	if werr != nil {
		return werr
	}
	return rerr
}
