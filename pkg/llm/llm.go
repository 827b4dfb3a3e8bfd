// Package llm provides the chat-completion client used by fact extraction,
// reconciliation judging, and conversation summarization.
package llm

import (
	"context"
	"errors"
)

// Message is a single chat turn sent to the model.
type Message struct {
	Role    string
	Content string
}

// Client generates chat completions.
type Client interface {
	// Complete sends the messages and returns the assistant's text.
	Complete(ctx context.Context, messages []Message) (string, error)

	// Close releases client resources.
	Close() error
}

var (
	// ErrUnavailable is returned when the upstream model endpoint cannot
	// be reached. Callers retry with backoff.
	ErrUnavailable = errors.New("llm unavailable")

	// ErrBadResponse is returned when the model's output cannot be parsed
	// into the expected structure.
	ErrBadResponse = errors.New("unparseable llm response")
)
