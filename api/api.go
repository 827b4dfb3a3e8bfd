// Package api is the HTTP surface of the memoryx system: memory ingestion,
// conversation flush, semantic search, task polling, quota, and agent
// auto-registration.
package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/memoryx/memoryx/pkg/crypto"
	"github.com/memoryx/memoryx/pkg/reconciler"
	"github.com/memoryx/memoryx/pkg/retriever"
	"github.com/memoryx/memoryx/pkg/storage"
	"github.com/memoryx/memoryx/pkg/taskqueue"
)

// Server is the API server for the memoryx system.
type Server struct {
	config     Config
	store      storage.Store
	queue      taskqueue.Queue
	retriever  *retriever.Retriever
	reconciler *reconciler.Reconciler
	envelope   *crypto.Envelope
	logger     *zap.Logger
	app        *fiber.App
}

// Config holds the server's HTTP settings.
type Config struct {
	// ListenAddr is the address to bind, e.g. ":8080".
	ListenAddr string

	// SecretKey is the HMAC key for API-key hashing.
	SecretKey string

	// IdempotencyWindow is how long a conversation segment id
	// deduplicates resubmissions.
	IdempotencyWindow time.Duration
}

// Deps are the injected collaborators. Envelope may be nil when at-rest
// encryption is not configured.
type Deps struct {
	Store      storage.Store
	Queue      taskqueue.Queue
	Retriever  *retriever.Retriever
	Reconciler *reconciler.Reconciler
	Envelope   *crypto.Envelope
}

// NewServer creates a new API server. Collaborators are injected to allow
// sharing with the worker when both run in one process.
func NewServer(config Config, deps Deps, logger *zap.Logger) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
	})

	if config.IdempotencyWindow == 0 {
		config.IdempotencyWindow = 24 * time.Hour
	}

	s := &Server{
		config:     config,
		store:      deps.Store,
		queue:      deps.Queue,
		retriever:  deps.Retriever,
		reconciler: deps.Reconciler,
		envelope:   deps.Envelope,
		logger:     logger,
		app:        app,
	}

	app.Get("/ping", s.handlePing)
	app.Post("/agents/auto-register", s.handleAutoRegister)

	v1 := app.Group("/v1", s.requireAPIKey)
	v1.Post("/memories", s.handleAddMemory)
	v1.Post("/memories/batch", s.handleAddMemoryBatch)
	v1.Post("/memories/search", s.handleSearch)
	v1.Get("/memories/list", s.handleListMemories)
	v1.Delete("/memories/:id", s.handleDeleteMemory)
	v1.Get("/memories/task/:task_id", s.handleTaskStatus)
	v1.Post("/conversations/flush", s.handleConversationFlush)
	v1.Get("/quota", s.handleQuota)

	return s
}

// Run starts the API server on the configured address.
func (s *Server) Run() error {
	s.logger.Info("starting API server",
		zap.String("listen", s.config.ListenAddr),
	)
	return s.app.Listen(s.config.ListenAddr)
}

// Shutdown gracefully shuts down the API server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
	// Hint carries actionable guidance, e.g. the upgrade hint on quota
	// exhaustion.
	Hint string `json:"hint,omitempty"`
}

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *fiber.Ctx) error {
	return c.JSON("pong")
}
