// Package tokenizer provides approximate token counting for flush-trigger
// budgets, backed by a BPE encoding with a character-based fallback.
package tokenizer

import (
	"fmt"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Counter counts tokens in text.
type Counter interface {
	Count(s string) int
}

// Tokenizer wraps a cl100k_base BPE encoding.
type Tokenizer struct {
	enc *tiktoken.Tiktoken
}

// New creates a Tokenizer using the cl100k_base encoding.
func New() (*Tokenizer, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("tokenizer: get encoding: %w", err)
	}
	return &Tokenizer{enc: enc}, nil
}

// Count returns the approximate number of tokens in s.
func (t *Tokenizer) Count(s string) int {
	return len(t.enc.Encode(s, nil, nil))
}

// Fallback estimates tokens as ceil(len(s)/4). Used when the BPE encoding
// cannot be loaded (the encoding file is fetched lazily on some platforms).
type Fallback struct{}

// Count returns ceil(len(s)/4).
func (Fallback) Count(s string) int {
	if s == "" {
		return 0
	}
	return (len(s) + 3) / 4
}

// NewCounter returns a BPE-backed Counter, falling back to the character
// estimate when the encoding is unavailable.
func NewCounter() Counter {
	t, err := New()
	if err != nil {
		return Fallback{}
	}
	return t
}
