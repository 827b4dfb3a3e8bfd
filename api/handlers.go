package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/memoryx/memoryx/pkg/ingest"
	"github.com/memoryx/memoryx/pkg/memory"
	"github.com/memoryx/memoryx/pkg/storage"
	"github.com/memoryx/memoryx/pkg/taskqueue"
)

// AddMemoryRequest is the body of POST /v1/memories.
type AddMemoryRequest struct {
	Content   string            `json:"content"`
	ProjectID string            `json:"project_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// AddMemoryBatchRequest is the body of POST /v1/memories/batch.
type AddMemoryBatchRequest struct {
	Memories []struct {
		Content  string            `json:"content"`
		Metadata map[string]string `json:"metadata,omitempty"`
	} `json:"memories"`
	ProjectID string `json:"project_id,omitempty"`
}

// TaskResponse acknowledges an accepted ingestion request.
type TaskResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// handleAddMemory accepts a single memory write and enqueues its
// extraction.
func (s *Server) handleAddMemory(c *fiber.Ctx) error {
	var req AddMemoryRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "malformed body"})
	}
	if strings.TrimSpace(req.Content) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "content is required"})
	}

	agent := currentAgent(c)
	owner := ownerFor(agent, req.ProjectID)

	payload, _ := json.Marshal(ingest.MemoryPayload{Content: req.Content, Metadata: req.Metadata})
	task, err := s.submitTask(c.Context(), owner, taskqueue.KindMemory, payload, "")
	if err != nil {
		s.logger.Error("memory submission failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: "internal error"})
	}

	return c.Status(fiber.StatusAccepted).JSON(TaskResponse{TaskID: task.ID, Status: string(task.Status)})
}

// handleAddMemoryBatch accepts a batch of memory writes as one task.
func (s *Server) handleAddMemoryBatch(c *fiber.Ctx) error {
	var req AddMemoryBatchRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "malformed body"})
	}
	if len(req.Memories) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "memories are required"})
	}

	contents := make([]string, 0, len(req.Memories))
	for _, m := range req.Memories {
		if strings.TrimSpace(m.Content) == "" {
			return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "memory content is required"})
		}
		contents = append(contents, m.Content)
	}

	agent := currentAgent(c)
	owner := ownerFor(agent, req.ProjectID)

	payload, _ := json.Marshal(ingest.BatchPayload{Contents: contents})
	task, err := s.submitTask(c.Context(), owner, taskqueue.KindMemoryBatch, payload, "")
	if err != nil {
		s.logger.Error("batch submission failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: "internal error"})
	}

	return c.Status(fiber.StatusAccepted).JSON(TaskResponse{TaskID: task.ID, Status: string(task.Status)})
}

// submitTask records the task and enqueues it. With a dedup key, a
// resubmission within the idempotency window returns the original task
// without enqueuing again.
func (s *Server) submitTask(ctx context.Context, owner memory.Owner, kind string, payload []byte, dedupKey string) (storage.TaskRecord, error) {
	record := storage.TaskRecord{
		ID:       uuid.NewString(),
		Owner:    owner,
		Kind:     kind,
		DedupKey: dedupKey,
		Payload:  payload,
	}

	record, created, err := s.store.CreateTask(ctx, record, s.config.IdempotencyWindow)
	if err != nil {
		return record, fmt.Errorf("creating task: %w", err)
	}
	if !created {
		return record, nil
	}

	err = s.queue.Enqueue(ctx, taskqueue.Task{
		ID:      record.ID,
		Kind:    kind,
		Owner:   owner,
		Payload: payload,
	})
	if err != nil {
		return record, fmt.Errorf("enqueuing task: %w", err)
	}

	return record, nil
}

// MemoryItem is one row of GET /v1/memories/list.
type MemoryItem struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Category  string `json:"category"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
	Version   int    `json:"version"`
}

// ListResponse is the body of GET /v1/memories/list.
type ListResponse struct {
	Data  []MemoryItem `json:"data"`
	Total int          `json:"total"`
}

// handleListMemories pages through the owner's live memories.
func (s *Server) handleListMemories(c *fiber.Ctx) error {
	agent := currentAgent(c)
	owner := ownerFor(agent, c.Query("project_id"))

	limit := c.QueryInt("limit", 50)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := c.QueryInt("offset", 0)
	if offset < 0 {
		offset = 0
	}

	records, total, err := s.store.ListMemories(c.Context(), owner, limit, offset)
	if err != nil {
		s.logger.Error("list memories failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: "internal error"})
	}

	items := make([]MemoryItem, 0, len(records))
	for _, rec := range records {
		content := rec.Content
		if rec.Encrypted {
			if s.envelope == nil {
				continue
			}
			content, err = s.envelope.Open(rec.Content)
			if err != nil {
				s.logger.Error("opening memory content failed",
					zap.String("memory_id", rec.ID),
					zap.Error(err),
				)
				continue
			}
		}
		items = append(items, MemoryItem{
			ID:        rec.ID,
			Content:   content,
			Category:  string(rec.Category),
			CreatedAt: rec.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
			UpdatedAt: rec.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
			Version:   rec.Version,
		})
	}

	return c.JSON(ListResponse{Data: items, Total: total})
}

// handleDeleteMemory soft-deletes a memory across all three stores.
func (s *Server) handleDeleteMemory(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "memory id required"})
	}

	agent := currentAgent(c)
	owner := ownerFor(agent, c.Query("project_id"))

	if err := s.reconciler.DeleteMemory(c.Context(), owner, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{Error: "memory not found"})
		}
		s.logger.Error("delete memory failed", zap.String("memory_id", id), zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: "internal error"})
	}

	return c.JSON(fiber.Map{"success": true})
}

// TaskStatusResponse is the body of GET /v1/memories/task/:task_id.
type TaskStatusResponse struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// handleTaskStatus reads a task's durable state from the relational store.
func (s *Server) handleTaskStatus(c *fiber.Ctx) error {
	taskID := c.Params("task_id")

	record, err := s.store.GetTask(c.Context(), taskID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{Error: "task not found"})
		}
		s.logger.Error("task lookup failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: "internal error"})
	}

	// Tasks are visible only to their owner.
	agent := currentAgent(c)
	if record.Owner.UserID != agent.UserID {
		return c.Status(fiber.StatusNotFound).JSON(ErrorResponse{Error: "task not found"})
	}

	return c.JSON(TaskStatusResponse{
		Status: string(record.Status),
		Result: record.Result,
		Error:  record.Error,
	})
}

// QuotaResponse is the body of GET /v1/quota.
type QuotaResponse struct {
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

// handleQuota reports the caller's usage snapshot.
func (s *Server) handleQuota(c *fiber.Ctx) error {
	agent := currentAgent(c)

	usage, err := s.store.GetQuota(c.Context(), agent.UserID, agent.Tier)
	if err != nil {
		s.logger.Error("quota lookup failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: "internal error"})
	}

	var resp QuotaResponse
	resp.Tier = usage.Tier
	resp.Memories.Used = usage.MemoriesUsed
	resp.Memories.Limit = usage.MemoriesLimit
	resp.Searches.Used = usage.SearchesUsed
	resp.Searches.Limit = usage.SearchesLimit
	resp.Searches.ResetsAt = usage.SearchResetsAt.Format("2006-01-02T15:04:05Z07:00")
	return c.JSON(resp)
}
