package llm

import "context"

// Limited wraps a Client with a concurrency bound so upstream rate limits
// are respected across the worker pool.
type Limited struct {
	inner Client
	slots chan struct{}
}

// NewLimited bounds concurrent Complete calls on inner to max. A max of
// zero or less disables the bound.
func NewLimited(inner Client, max int) *Limited {
	var slots chan struct{}
	if max > 0 {
		slots = make(chan struct{}, max)
	}
	return &Limited{inner: inner, slots: slots}
}

// Complete acquires a slot (honoring ctx cancellation) and delegates.
func (l *Limited) Complete(ctx context.Context, messages []Message) (string, error) {
	if l.slots != nil {
		select {
		case l.slots <- struct{}{}:
			defer func() { <-l.slots }()
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return l.inner.Complete(ctx, messages)
}

// Close delegates to the wrapped client.
func (l *Limited) Close() error {
	return l.inner.Close()
}
