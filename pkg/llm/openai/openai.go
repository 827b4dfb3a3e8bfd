// Package openai implements pkg/llm's Client against any OpenAI-compatible
// chat-completions endpoint (OpenAI, Ollama, vLLM, DeepSeek, Qwen).
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/memoryx/memoryx/pkg/llm"
)

// Config holds configuration for the OpenAI-compatible client.
type Config struct {
	// BaseURL is the chat-completions endpoint, e.g.
	// "http://localhost:11434/v1" for Ollama.
	BaseURL string

	// APIKey authenticates against the endpoint. Optional for local
	// deployments.
	APIKey string

	// Model is the model name sent with every request.
	Model string

	// Temperature applies to every request. Extraction and judging want
	// low temperatures; defaults to 0.1.
	Temperature float32
}

// Client wraps go-openai for chat completions.
type Client struct {
	api         *goopenai.Client
	model       string
	temperature float32
}

// New creates a chat-completion client.
func New(cfg Config) (*Client, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm model is required")
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		// go-openai requires a non-empty token even when the endpoint
		// ignores it.
		apiKey = "unused"
	}

	clientCfg := goopenai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	}
	clientCfg.HTTPClient = &http.Client{Timeout: 120 * time.Second}

	temperature := cfg.Temperature
	if temperature == 0 {
		temperature = 0.1
	}

	return &Client{
		api:         goopenai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		temperature: temperature,
	}, nil
}

// Complete sends the messages and returns the assistant's text.
func (c *Client) Complete(ctx context.Context, messages []llm.Message) (string, error) {
	req := goopenai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: c.temperature,
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, goopenai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		var apiErr *goopenai.APIError
		if errors.As(err, &apiErr) && apiErr.HTTPStatusCode >= 400 && apiErr.HTTPStatusCode < 500 {
			return "", fmt.Errorf("chat completion rejected: %w", err)
		}
		return "", fmt.Errorf("%w: %v", llm.ErrUnavailable, err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty choices", llm.ErrBadResponse)
	}

	return resp.Choices[0].Message.Content, nil
}

// Close releases client resources.
func (c *Client) Close() error {
	return nil
}
