package api

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/memoryx/memoryx/pkg/storage"
)

// AutoRegisterRequest is the body of POST /agents/auto-register.
type AutoRegisterRequest struct {
	MachineFingerprint string `json:"machine_fingerprint"`
	AgentType          string `json:"agent_type"`
	AgentName          string `json:"agent_name"`
	Platform           string `json:"platform"`
	PlatformVersion    string `json:"platform_version"`
}

// AutoRegisterResponse returns the agent's credentials. The API key is
// shown only here; the server stores its hash.
type AutoRegisterResponse struct {
	AgentID   string `json:"agent_id"`
	APIKey    string `json:"api_key"`
	ProjectID string `json:"project_id"`
}

// handleAutoRegister registers a machine by fingerprint. A known
// fingerprint keeps its identity and gets a freshly rotated key, since
// only the key hash is stored.
func (s *Server) handleAutoRegister(c *fiber.Ctx) error {
	var req AutoRegisterRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "malformed body"})
	}

	fingerprint := strings.TrimSpace(req.MachineFingerprint)
	if len(fingerprint) != 32 {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{Error: "machine_fingerprint must be 32 hex characters"})
	}

	apiKey, err := NewAPIKey()
	if err != nil {
		s.logger.Error("api key generation failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: "internal error"})
	}

	record := storage.AgentRecord{
		ID:          uuid.NewString(),
		UserID:      uuid.NewString(),
		ProjectID:   "default",
		Fingerprint: fingerprint,
		AgentType:   req.AgentType,
		AgentName:   req.AgentName,
		Platform:    strings.TrimSpace(req.Platform + " " + req.PlatformVersion),
		Tier:        storage.TierFree,
		APIKeyHash:  HashAPIKey(s.config.SecretKey, apiKey),
	}

	agent, created, err := s.store.UpsertAgent(c.Context(), record)
	if err != nil {
		s.logger.Error("agent registration failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: "internal error"})
	}

	if !created {
		if err := s.store.RotateAPIKey(c.Context(), agent.ID, HashAPIKey(s.config.SecretKey, apiKey)); err != nil {
			s.logger.Error("api key rotation failed", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{Error: "internal error"})
		}
	}

	s.logger.Info("agent registered",
		zap.String("agent_id", agent.ID),
		zap.String("agent_type", req.AgentType),
		zap.Bool("created", created),
	)

	return c.JSON(AutoRegisterResponse{
		AgentID:   agent.ID,
		APIKey:    apiKey,
		ProjectID: agent.ProjectID,
	})
}
