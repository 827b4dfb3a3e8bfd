// Package client is the agent-side SDK: a durable outbox decoupling
// application calls from the network, a trigger-driven flusher with
// at-least-once delivery and retry, and the HTTP client over the server's
// REST surface.
package client

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/memoryx/memoryx/pkg/memory"
	"github.com/memoryx/memoryx/pkg/tokenizer"
)

const (
	// DefaultMaxRetry is how many failures an item survives before
	// dead-lettering.
	DefaultMaxRetry = 5

	// defaultBackoffBase is the first retry delay; each retry doubles it.
	defaultBackoffBase = time.Second

	// backoffCap clamps the exponential backoff.
	backoffCap = 60 * time.Second

	// backoffJitter is the ± fraction applied to each delay.
	backoffJitter = 0.2

	// timerResolution is how often the background loop evaluates the
	// idle and interval triggers.
	timerResolution = time.Second
)

// QueueStats is the diagnostic snapshot of the active conversation
// segment, also fed to custom trigger predicates.
type QueueStats struct {
	MessageCount     int
	Rounds           int
	TotalTokens      int
	OldestMessageAge time.Duration
	ConversationID   string
}

// Triggers configures when the flusher fires. Any satisfied trigger
// schedules a flush.
type Triggers struct {
	// Rounds fires when completed user→assistant pairs reach the
	// threshold. Zero disables.
	Rounds int

	// BatchSize fires when the queued message count reaches the
	// threshold. Zero disables.
	BatchSize int

	// MaxTokens fires when queued tokens reach the budget. Zero
	// disables.
	MaxTokens int

	// IdleTimeout fires when no activity is seen for the duration. Zero
	// disables.
	IdleTimeout time.Duration

	// Interval fires on a fixed cadence. Zero disables.
	Interval time.Duration

	// Custom is an injected predicate over stats. Nil disables.
	Custom func(QueueStats) bool
}

// Preset trigger configurations.
var (
	// PresetRealtime flushes on every message.
	PresetRealtime = Triggers{BatchSize: 1}

	// PresetBatch flushes every 50 messages or 5 seconds.
	PresetBatch = Triggers{BatchSize: 50, Interval: 5 * time.Second}

	// PresetConversation flushes on a 30k token budget or 5 idle
	// minutes.
	PresetConversation = Triggers{MaxTokens: 30000, IdleTimeout: 5 * time.Minute}
)

// Config wires a Client.
type Config struct {
	// API is the HTTP client, already registered or carrying a key.
	API *APIClient

	// OutboxPath is the SQLite outbox location. Defaults to
	// DefaultOutboxPath().
	OutboxPath string

	// Triggers selects the flush policy. Zero value means manual
	// flushing only.
	Triggers Triggers

	// MaxRetry overrides DefaultMaxRetry when positive.
	MaxRetry int

	// BackoffBase overrides the first retry delay when positive.
	BackoffBase time.Duration

	Logger *zap.Logger
}

// Client is the agent-facing SDK facade.
type Client struct {
	api      *APIClient
	outbox   *Outbox
	triggers Triggers
	counter  tokenizer.Counter
	logger   *zap.Logger

	maxRetry    int
	backoffBase time.Duration

	// flushing is the single in-flight flag: one flush pass at a time,
	// and an ongoing flush never blocks enqueues.
	flushing atomic.Bool

	mu           sync.Mutex
	lastActivity time.Time
	lastInterval time.Time

	stop     chan struct{}
	stopOnce sync.Once
	done     sync.WaitGroup
}

// New opens the outbox and starts the trigger loop.
func New(cfg Config) (*Client, error) {
	if cfg.API == nil {
		return nil, fmt.Errorf("api client is required")
	}

	path := cfg.OutboxPath
	if path == "" {
		var err error
		path, err = DefaultOutboxPath()
		if err != nil {
			return nil, err
		}
	}

	outbox, err := OpenOutbox(path)
	if err != nil {
		return nil, err
	}

	maxRetry := cfg.MaxRetry
	if maxRetry <= 0 {
		maxRetry = DefaultMaxRetry
	}
	backoffBase := cfg.BackoffBase
	if backoffBase <= 0 {
		backoffBase = defaultBackoffBase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	now := time.Now()
	c := &Client{
		api:          cfg.API,
		outbox:       outbox,
		triggers:     cfg.Triggers,
		counter:      tokenizer.NewCounter(),
		logger:       logger,
		maxRetry:     maxRetry,
		backoffBase:  backoffBase,
		lastActivity: now,
		lastInterval: now,
		stop:         make(chan struct{}),
	}

	c.done.Add(1)
	go c.timerLoop()

	return c, nil
}

// Close stops the trigger loop and releases the outbox.
func (c *Client) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	c.done.Wait()
	return c.outbox.Close()
}

// AddMemory enqueues one memory write and returns its local id. The write
// survives restarts until a flush delivers it.
func (c *Client) AddMemory(content string, metadata map[string]string) (int64, error) {
	id, err := c.outbox.EnqueueMemory(content, metadata)
	if err != nil {
		return 0, err
	}
	c.touch()
	c.maybeFlush()
	return id, nil
}

// AddMessage appends one turn to the active conversation segment and
// returns its local id.
func (c *Client) AddMessage(role, content string) (int64, error) {
	if role != memory.RoleUser && role != memory.RoleAssistant {
		return 0, fmt.Errorf("role must be %q or %q", memory.RoleUser, memory.RoleAssistant)
	}

	id, err := c.outbox.EnqueueMessage(role, content, c.counter.Count(content))
	if err != nil {
		return 0, err
	}
	c.touch()
	c.maybeFlush()
	return id, nil
}

// StartNewConversation seals the active segment (it stays queued for
// delivery) and begins a new one.
func (c *Client) StartNewConversation() error {
	return c.outbox.SealConversation()
}

// GetQueueStats snapshots the active segment for diagnostics and custom
// triggers.
func (c *Client) GetQueueStats() (QueueStats, error) {
	conversationID, err := c.outbox.CurrentConversation()
	if err != nil {
		return QueueStats{}, err
	}

	messages, err := c.outbox.segmentMessages(conversationID)
	if err != nil {
		return QueueStats{}, err
	}

	stats := QueueStats{
		MessageCount:   len(messages),
		ConversationID: conversationID,
	}
	for _, m := range messages {
		stats.TotalTokens += m.Tokens
	}
	stats.Rounds = countRounds(messages)
	if len(messages) > 0 {
		stats.OldestMessageAge = time.Since(messages[0].CreatedAt)
	}
	return stats, nil
}

// countRounds counts completed user→assistant pairs in insertion order.
// Repeated same-role messages do not advance the count.
func countRounds(messages []PendingMessage) int {
	rounds := 0
	awaitingAssistant := false
	for _, m := range messages {
		switch m.Role {
		case memory.RoleUser:
			awaitingAssistant = true
		case memory.RoleAssistant:
			if awaitingAssistant {
				rounds++
				awaitingAssistant = false
			}
		}
	}
	return rounds
}

// touch records activity for the idle trigger.
func (c *Client) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// maybeFlush evaluates the size-based triggers after an enqueue and
// schedules an immediate flush when one fires.
func (c *Client) maybeFlush() {
	stats, err := c.GetQueueStats()
	if err != nil {
		c.logger.Warn("queue stats unavailable", zap.Error(err))
		return
	}

	memories, err := c.outbox.PendingMemories(nil)
	if err != nil {
		c.logger.Warn("outbox unavailable", zap.Error(err))
		return
	}

	if c.shouldFlush(stats, len(memories)) {
		go c.flushOnce()
	}
}

// shouldFlush evaluates every trigger except idle/interval (which the
// timer loop owns).
func (c *Client) shouldFlush(stats QueueStats, pendingMemories int) bool {
	t := c.triggers
	if t.BatchSize > 0 && stats.MessageCount+pendingMemories >= t.BatchSize {
		return true
	}
	if t.Rounds > 0 && stats.Rounds >= t.Rounds {
		return true
	}
	if t.MaxTokens > 0 && stats.TotalTokens >= t.MaxTokens {
		return true
	}
	if t.Custom != nil && t.Custom(stats) {
		return true
	}
	return false
}

// timerLoop owns the idle and interval triggers.
func (c *Client) timerLoop() {
	defer c.done.Done()

	ticker := time.NewTicker(timerResolution)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}

		t := c.triggers
		now := time.Now()

		c.mu.Lock()
		idle := t.IdleTimeout > 0 && now.Sub(c.lastActivity) >= t.IdleTimeout
		interval := t.Interval > 0 && now.Sub(c.lastInterval) >= t.Interval
		if idle {
			// Reset so one idle period triggers one flush.
			c.lastActivity = now
		}
		if interval {
			c.lastInterval = now
		}
		c.mu.Unlock()

		if idle || interval {
			c.flushOnce()
		}
	}
}

// Flush forces a single flush pass. It is idempotent while a pass is in
// progress.
func (c *Client) Flush() error {
	return c.flushOnce()
}

// flushOnce runs one delivery pass over the outbox. Concurrent calls are
// collapsed by the in-flight flag.
func (c *Client) flushOnce() error {
	if !c.flushing.CompareAndSwap(false, true) {
		return nil
	}
	defer c.flushing.Store(false)

	ctx := context.Background()

	if err := c.flushMemories(ctx); err != nil {
		return err
	}
	return c.flushSegments(ctx)
}

// flushMemories delivers queued memory writes: one request for a single
// item, a batch request otherwise. Items are removed atomically on 2xx.
func (c *Client) flushMemories(ctx context.Context) error {
	pending, err := c.outbox.PendingMemories(c.eligible)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	if len(pending) == 1 {
		_, err = c.api.PostMemory(ctx, pending[0].Content, pending[0].Metadata)
	} else {
		contents := make([]string, 0, len(pending))
		for _, m := range pending {
			contents = append(contents, m.Content)
		}
		_, err = c.api.PostMemoryBatch(ctx, contents)
	}

	if err != nil {
		return c.recordMemoryFailures(pending, err)
	}

	ids := make([]int64, 0, len(pending))
	for _, m := range pending {
		ids = append(ids, m.ID)
	}
	if err := c.outbox.RemoveMemories(ids); err != nil {
		return err
	}
	return c.outbox.ResetRetries()
}

func (c *Client) recordMemoryFailures(pending []PendingMemory, cause error) error {
	for _, item := range pending {
		dead, err := c.outbox.RecordMemoryFailure(item, cause.Error(), c.maxRetry)
		if err != nil {
			return err
		}
		if dead {
			c.logger.Error("memory moved to dead letter",
				zap.Int64("local_id", item.ID),
				zap.String("last_error", cause.Error()),
			)
		}
	}
	return fmt.Errorf("memory flush failed: %w", cause)
}

// flushSegments delivers queued conversation segments, one segment per
// request, preserving message order.
func (c *Client) flushSegments(ctx context.Context) error {
	segments, err := c.outbox.PendingSegments(c.eligible)
	if err != nil {
		return err
	}

	for _, seg := range segments {
		if len(seg.Messages) == 0 {
			continue
		}

		messages := make([]FlushMessage, 0, len(seg.Messages))
		for _, m := range seg.Messages {
			messages = append(messages, FlushMessage{
				Role:      m.Role,
				Content:   m.Content,
				Timestamp: m.CreatedAt,
				Tokens:    m.Tokens,
			})
		}

		if _, err := c.api.PostConversation(ctx, seg.ConversationID, messages); err != nil {
			dead, recordErr := c.outbox.RecordSegmentFailure(seg, err.Error(), c.maxRetry)
			if recordErr != nil {
				return recordErr
			}
			if dead {
				c.logger.Error("conversation segment moved to dead letter",
					zap.String("conversation_id", seg.ConversationID),
					zap.String("last_error", err.Error()),
				)
			}
			return fmt.Errorf("conversation flush failed: %w", err)
		}

		if err := c.outbox.RemoveSegment(seg.ConversationID); err != nil {
			return err
		}

		// Delivering the active segment starts a fresh one so the
		// same id is never reused after the server has consumed it.
		if !seg.Sealed {
			current, err := c.outbox.CurrentConversation()
			if err != nil {
				return err
			}
			if current == seg.ConversationID {
				if err := c.outbox.SealConversation(); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

// eligible reports whether an item's backoff window has elapsed.
func (c *Client) eligible(retry int, lastAttempt time.Time) bool {
	if retry == 0 || lastAttempt.IsZero() {
		return true
	}
	return time.Since(lastAttempt) >= c.backoff(retry)
}

// backoff computes base·2^retry clamped to 60 s with ±20% jitter.
func (c *Client) backoff(retry int) time.Duration {
	delay := c.backoffBase << retry
	if delay > backoffCap || delay <= 0 {
		delay = backoffCap
	}
	jitter := 1 + backoffJitter*(2*rand.Float64()-1)
	return time.Duration(float64(delay) * jitter)
}

// API exposes the underlying HTTP client for direct calls (search, list,
// delete, task polling, quota).
func (c *Client) API() *APIClient {
	return c.api
}
