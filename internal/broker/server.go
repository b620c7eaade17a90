// Package broker is the HTTP surface: REST endpoints for runners,
// integrations and dashboards, delegating task semantics to the engine and
// trigger resolver.
package broker

import (
	"encoding/json"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/agent-broker/internal/config"
	"github.com/p-blackswan/agent-broker/internal/engine"
	"github.com/p-blackswan/agent-broker/internal/health"
	"github.com/p-blackswan/agent-broker/internal/metrics"
	"github.com/p-blackswan/agent-broker/internal/requestid"
	"github.com/p-blackswan/agent-broker/internal/router"
	"github.com/p-blackswan/agent-broker/internal/store"
	"github.com/p-blackswan/agent-broker/internal/trigger"
)

// Version is stamped at build time.
var Version = "dev"

// Server is the broker Fiber application.
type Server struct {
	app      *fiber.App
	handlers *Handlers
	logger   zerolog.Logger
	cfg      *config.Config
}

// NewServer creates and wires the broker HTTP server.
func NewServer(
	cfg *config.Config,
	st *store.Store,
	eng *engine.Engine,
	resolver *trigger.Resolver,
	rt *router.Router,
	checker *health.Checker,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler:          customErrorHandler(logger),
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		ReadBufferSize:        8192,
		WriteBufferSize:       8192,
	})

	handlers := NewHandlers(cfg, st, eng, resolver, rt, checker, m, logger)

	s := &Server{
		app:      app,
		handlers: handlers,
		logger:   logger.With().Str("component", "server").Logger(),
		cfg:      cfg,
	}

	s.setupMiddleware(logger)
	s.setupRoutes(m)
	return s
}

func (s *Server) setupMiddleware(logger zerolog.Logger) {
	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))

	s.app.Use(func(c *fiber.Ctx) error {
		_, reqID := requestid.New(c.Context())
		c.Set("X-Request-ID", reqID)
		c.Locals("request_id", reqID)
		return c.Next()
	})

	if s.cfg.CORSOrigins != "" {
		s.app.Use(cors.New(cors.Config{
			AllowOrigins: s.cfg.CORSOrigins,
			AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-Agent-ID, X-Request-ID",
			AllowMethods: "GET, POST, PATCH, PUT, DELETE, OPTIONS",
		}))
	}

	if s.cfg.RateLimitRPS > 0 {
		s.app.Use(NewRateLimitMiddleware(RateLimitConfig{
			RPS:   s.cfg.RateLimitRPS,
			Burst: s.cfg.RateLimitBurst,
		}))
	}

	s.app.Use(NewAuthMiddleware(AuthConfig{APIKey: s.cfg.APIKey}, logger))
}

func (s *Server) setupRoutes(m *metrics.Metrics) {
	h := s.handlers

	s.app.Get("/health", h.Health)
	s.app.Get("/healthz", h.Liveness)
	s.app.Get("/readyz", h.Readiness)
	s.app.Get("/metrics", adaptor.HTTPHandler(m.Handler()))

	// Agent lifecycle.
	s.app.Post("/agents", h.RegisterAgent)
	s.app.Get("/agents", h.ListAgents)
	s.app.Get("/agents/:id", h.GetAgent)
	s.app.Get("/me", h.Me)
	s.app.Patch("/me/identity", h.UpdateIdentity)
	s.app.Post("/ping", h.Ping)
	s.app.Post("/close", h.Close)

	api := s.app.Group("/api")

	// Poll.
	api.Get("/poll", h.Poll)

	// Tasks.
	api.Post("/tasks", h.CreateTask)
	api.Get("/tasks", h.ListTasks)
	api.Get("/tasks/:id", h.GetTask)
	api.Post("/tasks/:id/claim", h.ClaimTask)
	api.Post("/tasks/:id/accept", h.AcceptTask)
	api.Post("/tasks/:id/reject", h.RejectTask)
	api.Post("/tasks/:id/finish", h.FinishTask)
	api.Post("/tasks/:id/pause", h.PauseTask)
	api.Post("/tasks/:id/resume", h.ResumeTask)
	api.Post("/tasks/:id/cancel", h.CancelTask)
	api.Post("/tasks/:id/activate", h.ActivateTask)
	api.Post("/tasks/:id/progress", h.UpdateProgress)
	api.Get("/paused-tasks", h.PausedTasks)

	// Hook endpoint for in-child cancellation checks.
	s.app.Get("/cancelled-tasks", h.CancelledTasks)

	// Session observability.
	api.Post("/session-logs", h.PostSessionLogs)
	api.Post("/session-costs", h.PostSessionCosts)
	api.Get("/session-costs/:sessionId", h.GetSessionCosts)

	// Channels.
	api.Post("/channels", h.CreateChannel)
	api.Get("/channels", h.ListChannels)
	api.Get("/channels/:id/messages", h.ListChannelMessages)
	api.Post("/channels/:id/messages", h.PostChannelMessage)
	api.Post("/channels/:id/release", h.ReleaseChannel)

	// Epics.
	api.Post("/epics", h.CreateEpic)
	api.Get("/epics", h.ListEpics)
	api.Get("/epics/:id", h.GetEpic)
	api.Patch("/epics/:id", h.UpdateEpic)

	// Services.
	api.Post("/services", h.UpsertService)
	api.Get("/services", h.ListServices)
	api.Delete("/services/:name", h.DeleteService)

	// Inbox.
	api.Get("/inbox", h.ListInbox)
	api.Post("/inbox/:id/respond", h.RespondInbox)
	api.Post("/inbox/:id/delegate", h.DelegateInbox)

	// Stored config.
	api.Get("/configs/:scope", h.ListConfigs)
	api.Put("/configs/:scope/:key", h.PutConfig)
	api.Post("/configs/reload", h.ReloadConfigs)

	// Integration webhooks: signature-verified, auth-exempt.
	s.app.Post("/webhooks/slack", h.SlackWebhook)
	s.app.Post("/webhooks/github", h.GitHubWebhook)
	s.app.Post("/webhooks/mail", h.MailWebhook)
}

// Start starts the server. Blocks until stopped.
func (s *Server) Start(addr string) error {
	s.logger.Info().Str("addr", addr).Msg("broker server starting")
	return s.app.Listen(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown() error {
	s.logger.Info().Msg("broker server shutting down")
	return s.app.Shutdown()
}

// App returns the underlying Fiber app (useful for testing).
func (s *Server) App() *fiber.App {
	return s.app
}

func customErrorHandler(logger zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}

		logger.Error().
			Err(err).
			Int("status", code).
			Str("path", c.Path()).
			Str("method", c.Method()).
			Msg("unhandled error")

		detail := err.Error()
		if code == fiber.StatusInternalServerError {
			detail = "An internal error occurred"
		}

		return c.Status(code).JSON(ProblemDetail{
			Type:     "internal_error",
			Title:    "Internal Server Error",
			Status:   code,
			Detail:   detail,
			Instance: c.Path(),
		})
	}
}
