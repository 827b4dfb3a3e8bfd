package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/memoryx/memoryx/pkg/memory"
	"github.com/memoryx/memoryx/pkg/storage"
)

// agentKey is the fiber locals key holding the authenticated agent.
const agentKey = "agent"

// requireAPIKey resolves the X-API-Key header to an agent record. Missing
// or unknown keys are a client fault; no task is ever created for them.
func (s *Server) requireAPIKey(c *fiber.Ctx) error {
	key := c.Get("X-API-Key")
	if key == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{Error: "missing X-API-Key header"})
	}

	agent, err := s.store.ResolveAPIKey(c.Context(), HashAPIKey(s.config.SecretKey, key))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return c.Status(fiber.StatusUnauthorized).JSON(ErrorResponse{Error: "invalid API key"})
		}
		s.logger.Error("api key resolution failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: "internal error"})
	}

	c.Locals(agentKey, agent)
	return c.Next()
}

// currentAgent returns the authenticated agent set by requireAPIKey.
func currentAgent(c *fiber.Ctx) storage.AgentRecord {
	agent, _ := c.Locals(agentKey).(storage.AgentRecord)
	return agent
}

// ownerFor resolves the request's owner partition: the agent's user plus
// either the request's project override or the agent's default project.
func ownerFor(agent storage.AgentRecord, projectID string) memory.Owner {
	if projectID == "" {
		projectID = agent.ProjectID
	}
	return memory.Owner{UserID: agent.UserID, ProjectID: projectID}
}
