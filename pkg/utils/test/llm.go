package testutils

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/memoryx/memoryx/pkg/llm"
)

// MockLLM is a scripted chat client. Responses are matched by a substring
// of the last user message, falling back to Default.
type MockLLM struct {
	mu sync.Mutex

	// Responses maps a substring of the last user message to the reply.
	Responses map[string]string

	// Default is returned when nothing matches.
	Default string

	// Err forces every call to fail.
	Err error

	// Calls records the last user message of each invocation.
	Calls []string
}

func NewMockLLM() *MockLLM {
	return &MockLLM{Responses: make(map[string]string)}
}

func (m *MockLLM) Complete(_ context.Context, messages []llm.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return "", m.Err
	}

	last := ""
	for _, msg := range messages {
		if msg.Role == "user" {
			last = msg.Content
		}
	}
	m.Calls = append(m.Calls, last)

	for needle, response := range m.Responses {
		if needle != "" && strings.Contains(last, needle) {
			return response, nil
		}
	}
	if m.Default != "" {
		return m.Default, nil
	}
	return "", fmt.Errorf("no scripted response for: %s", last)
}

func (m *MockLLM) Close() error {
	return nil
}
