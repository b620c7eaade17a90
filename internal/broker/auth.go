package broker

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// AuthConfig holds API authentication settings. An empty APIKey disables
// bearer auth entirely (local development).
type AuthConfig struct {
	APIKey string
}

// exemptPath reports whether a path bypasses bearer auth. Probes and
// metrics are open; webhooks carry their own signature verification.
func exemptPath(path string) bool {
	switch path {
	case "/health", "/healthz", "/readyz", "/metrics":
		return true
	}
	return strings.HasPrefix(path, "/webhooks/")
}

// NewAuthMiddleware validates the Authorization bearer token and requires
// X-Agent-ID on agent-scoped routes.
func NewAuthMiddleware(cfg AuthConfig, logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		path := c.Path()
		if exemptPath(path) {
			return c.Next()
		}

		if cfg.APIKey != "" {
			authHeader := c.Get("Authorization")
			if authHeader == "" {
				return problemResponse(c, fiber.StatusUnauthorized,
					"missing_auth", "Unauthorized",
					"Authorization header is required")
			}
			if !strings.HasPrefix(authHeader, "Bearer ") {
				return problemResponse(c, fiber.StatusUnauthorized,
					"invalid_auth_scheme", "Unauthorized",
					"Authorization header must use Bearer scheme")
			}
			if strings.TrimPrefix(authHeader, "Bearer ") != cfg.APIKey {
				logger.Warn().
					Str("path", path).
					Str("method", c.Method()).
					Msg("unauthorized request: invalid API key")
				return problemResponse(c, fiber.StatusUnauthorized,
					"invalid_api_key", "Unauthorized",
					"Invalid API key")
			}
		}

		if agentID := c.Get("X-Agent-ID"); agentID != "" {
			c.Locals("agent_id", agentID)
		}
		return c.Next()
	}
}

// agentID returns the authenticated caller's agent id, or "".
func agentID(c *fiber.Ctx) string {
	if v, ok := c.Locals("agent_id").(string); ok {
		return v
	}
	return ""
}

// requireAgentID returns the caller's agent id. When the header is absent
// it writes the 400 response and reports ok=false; the handler returns nil.
func requireAgentID(c *fiber.Ctx) (string, bool) {
	id := agentID(c)
	if id == "" {
		_ = problemResponse(c, fiber.StatusBadRequest,
			"missing_agent_id", "Bad Request",
			"X-Agent-ID header is required")
		return "", false
	}
	return id, true
}
