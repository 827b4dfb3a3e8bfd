package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/memoryx/memoryx/pkg/memory"
	"github.com/memoryx/memoryx/pkg/retriever"
)

// upgradeHint accompanies quota-exhaustion errors.
const upgradeHint = "daily search quota exhausted; upgrade your plan for a higher limit"

// SearchRequest is the body of POST /v1/memories/search.
type SearchRequest struct {
	Query     string `json:"query"`
	ProjectID string `json:"project_id,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	Category  string `json:"category,omitempty"`
}

// SearchResponse is the body of POST /v1/memories/search.
type SearchResponse struct {
	Data            []retriever.Item `json:"data"`
	RelatedMemories []retriever.Item `json:"related_memories"`
	RemainingQuota  int              `json:"remaining_quota"`
}

// handleSearch runs the GraphRAG retriever for the caller.
func (s *Server) handleSearch(c *fiber.Ctx) error {
	var req SearchRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "malformed body"})
	}

	agent := currentAgent(c)
	owner := ownerFor(agent, req.ProjectID)

	var category memory.Category
	if req.Category != "" {
		category = memory.ParseCategory(req.Category)
	}

	result, err := s.retriever.Search(c.Context(), agent.Tier, retriever.Request{
		Owner:    owner,
		Query:    req.Query,
		Limit:    req.Limit,
		Category: category,
	})
	if err != nil {
		if errors.Is(err, retriever.ErrQuotaExceeded) {
			return c.Status(fiber.StatusTooManyRequests).JSON(ErrorResponse{
				Error: "quota exceeded",
				Hint:  upgradeHint,
			})
		}
		s.logger.Error("search failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: "internal error"})
	}

	data := result.Data
	if data == nil {
		data = []retriever.Item{}
	}
	related := result.RelatedMems
	if related == nil {
		related = []retriever.Item{}
	}

	return c.JSON(SearchResponse{
		Data:            data,
		RelatedMemories: related,
		RemainingQuota:  result.RemainingQuota,
	})
}
