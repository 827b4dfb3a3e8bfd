// Package ingest runs the server-side ingestion workers: it consumes the
// durable task queue, turns each task into candidate facts via the
// aggregator, reconciles them, and records the task's terminal state in the
// relational store.
package ingest

import (
	"encoding/json"
	"time"

	"github.com/memoryx/memoryx/pkg/memory"
)

// MemoryPayload is the task body for a single direct memory write.
type MemoryPayload struct {
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// BatchPayload is the task body for a batch of direct memory writes.
type BatchPayload struct {
	Contents []string `json:"contents"`
}

// SegmentMessage is one conversation turn in a flush payload, in client
// insertion order.
type SegmentMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Tokens    int       `json:"tokens"`
}

// ConversationPayload is the task body for a conversation-segment flush.
type ConversationPayload struct {
	SegmentID string           `json:"conversation_id"`
	Messages  []SegmentMessage `json:"messages"`
}

// Segment converts the payload into the domain segment, preserving order.
func (p ConversationPayload) Segment(owner memory.Owner) memory.Segment {
	messages := make([]memory.Message, 0, len(p.Messages))
	for _, m := range p.Messages {
		messages = append(messages, memory.Message{
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: m.Timestamp,
			Tokens:    m.Tokens,
		})
	}
	return memory.Segment{ID: p.SegmentID, Owner: owner, Messages: messages}
}

// Result is the JSON document recorded with a terminal task.
type Result struct {
	Extracted int `json:"extracted"`
	Added     int `json:"added"`
	Updated   int `json:"updated"`
	Deleted   int `json:"deleted"`
	Noop      int `json:"noop"`
	Rejected  int `json:"rejected"`
}

// Encode marshals the result for the task record.
func (r Result) Encode() []byte {
	data, _ := json.Marshal(r)
	return data
}
