package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// APIClient is the thin HTTP client over the server's REST surface.
type APIClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewAPIClient creates an API client. The key may be empty until
// auto-registration runs.
func NewAPIClient(baseURL, apiKey string) *APIClient {
	return &APIClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SetAPIKey installs the key issued by auto-registration.
func (a *APIClient) SetAPIKey(key string) {
	a.apiKey = key
}

// apiError is a non-2xx response from the server.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Body)
}

// IsClientFault reports whether err is a 4xx response, which retrying
// cannot fix.
func IsClientFault(err error) bool {
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Status >= 400 && apiErr.Status < 500
}

func (a *APIClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if a.apiKey != "" {
		req.Header.Set("X-API-Key", a.apiKey)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &apiError{Status: resp.StatusCode, Body: string(data)}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// TaskAck is the server's acknowledgment of an ingestion request.
type TaskAck struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// PostMemory submits a single memory write.
func (a *APIClient) PostMemory(ctx context.Context, content string, metadata map[string]string) (TaskAck, error) {
	var ack TaskAck
	err := a.do(ctx, http.MethodPost, "/v1/memories", map[string]any{
		"content":  content,
		"metadata": metadata,
	}, &ack)
	return ack, err
}

// PostMemoryBatch submits several memory writes as one request.
func (a *APIClient) PostMemoryBatch(ctx context.Context, contents []string) (TaskAck, error) {
	memories := make([]map[string]any, 0, len(contents))
	for _, content := range contents {
		memories = append(memories, map[string]any{"content": content})
	}

	var ack TaskAck
	err := a.do(ctx, http.MethodPost, "/v1/memories/batch", map[string]any{
		"memories": memories,
	}, &ack)
	return ack, err
}

// FlushMessage is one conversation turn sent to the server in insertion
// order.
type FlushMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Tokens    int       `json:"tokens"`
}

// FlushAck acknowledges an accepted conversation segment.
type FlushAck struct {
	TaskID         string `json:"task_id"`
	ExtractedCount int    `json:"extracted_count"`
}

// PostConversation submits one sealed or active segment, one segment per
// request, preserving message order.
func (a *APIClient) PostConversation(ctx context.Context, conversationID string, messages []FlushMessage) (FlushAck, error) {
	var ack FlushAck
	err := a.do(ctx, http.MethodPost, "/v1/conversations/flush", map[string]any{
		"conversation_id": conversationID,
		"messages":        messages,
	}, &ack)
	return ack, err
}

// SearchResult is one ranked memory from search.
type SearchResult struct {
	ID       string  `json:"id"`
	Content  string  `json:"content"`
	Category string  `json:"category"`
	Score    float64 `json:"score"`
}

// SearchResponse is the server's search result.
type SearchResponse struct {
	Data            []SearchResult `json:"data"`
	RelatedMemories []SearchResult `json:"related_memories"`
	RemainingQuota  int            `json:"remaining_quota"`
}

// Search runs a semantic search.
func (a *APIClient) Search(ctx context.Context, query string, limit int) (SearchResponse, error) {
	var resp SearchResponse
	err := a.do(ctx, http.MethodPost, "/v1/memories/search", map[string]any{
		"query": query,
		"limit": limit,
	}, &resp)
	return resp, err
}

// ListResponse is the server's memory listing.
type ListResponse struct {
	Data []struct {
		ID        string `json:"id"`
		Content   string `json:"content"`
		Category  string `json:"category"`
		CreatedAt string `json:"created_at"`
		UpdatedAt string `json:"updated_at"`
		Version   int    `json:"version"`
	} `json:"data"`
	Total int `json:"total"`
}

// List pages through stored memories.
func (a *APIClient) List(ctx context.Context, limit, offset int) (ListResponse, error) {
	var resp ListResponse
	path := fmt.Sprintf("/v1/memories/list?limit=%d&offset=%d", limit, offset)
	err := a.do(ctx, http.MethodGet, path, nil, &resp)
	return resp, err
}

// Delete removes a memory by id.
func (a *APIClient) Delete(ctx context.Context, memoryID string) error {
	return a.do(ctx, http.MethodDelete, "/v1/memories/"+memoryID, nil, nil)
}

// TaskStatus is the server's task state.
type TaskStatus struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// GetTaskStatus polls one task.
func (a *APIClient) GetTaskStatus(ctx context.Context, taskID string) (TaskStatus, error) {
	var status TaskStatus
	err := a.do(ctx, http.MethodGet, "/v1/memories/task/"+taskID, nil, &status)
	return status, err
}

// Quota is the server's usage snapshot.
type Quota struct {
	Tier     string `json:"tier"`
	Memories struct {
		Used  int `json:"used"`
		Limit int `json:"limit"`
	} `json:"memories"`
	Searches struct {
		Used     int    `json:"used"`
		Limit    int    `json:"limit"`
		ResetsAt string `json:"resets_at"`
	} `json:"searches"`
}

// GetQuota reads the caller's quota.
func (a *APIClient) GetQuota(ctx context.Context) (Quota, error) {
	var quota Quota
	err := a.do(ctx, http.MethodGet, "/v1/quota", nil, &quota)
	return quota, err
}

// Registration is the server's auto-registration response.
type Registration struct {
	AgentID   string `json:"agent_id"`
	APIKey    string `json:"api_key"`
	ProjectID string `json:"project_id"`
}

// AutoRegister registers this machine by fingerprint and installs the
// issued key on the client.
func (a *APIClient) AutoRegister(ctx context.Context, fingerprint, agentType, agentName, platform, platformVersion string) (Registration, error) {
	var reg Registration
	err := a.do(ctx, http.MethodPost, "/agents/auto-register", map[string]any{
		"machine_fingerprint": fingerprint,
		"agent_type":          agentType,
		"agent_name":          agentName,
		"platform":            platform,
		"platform_version":    platformVersion,
	}, &reg)
	if err != nil {
		return reg, err
	}
	a.apiKey = reg.APIKey
	return reg, nil
}
