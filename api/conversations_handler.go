package api

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/memoryx/memoryx/pkg/ingest"
	"github.com/memoryx/memoryx/pkg/memory"
	"github.com/memoryx/memoryx/pkg/taskqueue"
)

// FlushMessage is one conversation turn in a flush request, in client
// insertion order.
type FlushMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Tokens    int       `json:"tokens"`
}

// ConversationFlushRequest is the body of POST /v1/conversations/flush.
type ConversationFlushRequest struct {
	ConversationID string         `json:"conversation_id"`
	ProjectID      string         `json:"project_id,omitempty"`
	Messages       []FlushMessage `json:"messages"`
}

// ConversationFlushResponse acknowledges an accepted segment. The accepted
// count reflects the messages taken into the segment; extraction itself is
// asynchronous and reported through the task endpoint.
type ConversationFlushResponse struct {
	TaskID         string `json:"task_id"`
	ExtractedCount int    `json:"extracted_count"`
}

// handleConversationFlush accepts a conversation segment. The segment id
// is a deduplication key: resubmitting it within the idempotency window
// returns the original task id and extracts nothing twice.
func (s *Server) handleConversationFlush(c *fiber.Ctx) error {
	var req ConversationFlushRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "malformed body"})
	}
	if strings.TrimSpace(req.ConversationID) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "conversation_id is required"})
	}
	if len(req.Messages) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "messages are required"})
	}
	for _, m := range req.Messages {
		if m.Role != memory.RoleUser && m.Role != memory.RoleAssistant {
			return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "message role must be user or assistant"})
		}
	}

	agent := currentAgent(c)
	owner := ownerFor(agent, req.ProjectID)

	messages := make([]ingest.SegmentMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, ingest.SegmentMessage{
			Role:      m.Role,
			Content:   m.Content,
			Timestamp: m.Timestamp,
			Tokens:    m.Tokens,
		})
	}
	payload, _ := json.Marshal(ingest.ConversationPayload{
		SegmentID: req.ConversationID,
		Messages:  messages,
	})

	dedupKey := owner.Partition() + "/" + req.ConversationID
	task, err := s.submitTask(c.Context(), owner, taskqueue.KindConversation, payload, dedupKey)
	if err != nil {
		s.logger.Error("conversation submission failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: "internal error"})
	}

	return c.Status(fiber.StatusAccepted).JSON(ConversationFlushResponse{
		TaskID:         task.ID,
		ExtractedCount: len(req.Messages),
	})
}
