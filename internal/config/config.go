// Package config loads broker and runner configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the broker and the runner supervisor.
// The two binaries share one config struct; each reads the fields it needs.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	Port        int    `envconfig:"PORT" default:"3013"`
	DBPath      string `envconfig:"DB_PATH" default:"broker.db"`

	// Auth. When APIKey is empty the broker runs open (dev mode).
	APIKey string `envconfig:"API_KEY"`

	// Broker HTTP
	RateLimitRPS   int    `envconfig:"RATE_LIMIT_RPS" default:"100"`
	RateLimitBurst int    `envconfig:"RATE_LIMIT_BURST" default:"200"`
	CORSOrigins    string `envconfig:"CORS_ORIGINS"`

	// Global config import (scope,key,value entries seeded into the store
	// and exported to process env at startup).
	ConfigSeedFile string `envconfig:"CONFIG_SEED_FILE"`

	// Slack integration (optional; webhook disabled without a signing secret)
	SlackSigningSecret string `envconfig:"SLACK_SIGNING_SECRET"`
	SlackBotUserID     string `envconfig:"SLACK_BOT_USER_ID"`

	// GitHub integration (optional)
	GitHubWebhookSecret string `envconfig:"GITHUB_WEBHOOK_SECRET"`
	GitHubBotLogin      string `envconfig:"GITHUB_BOT_LOGIN"`

	// Mail integration (optional)
	MailWebhookSecret string `envconfig:"MAIL_WEBHOOK_SECRET"`

	// Runner
	MCPBaseURL         string `envconfig:"MCP_BASE_URL" default:"http://localhost:3013"`
	AgentID            string `envconfig:"AGENT_ID"`
	AgentName          string `envconfig:"AGENT_NAME"`
	IsLead             bool   `envconfig:"IS_LEAD" default:"false"`
	AgentCmd           string `envconfig:"AGENT_CMD" default:"claude"`
	MaxConcurrentTasks int    `envconfig:"MAX_CONCURRENT_TASKS" default:"1"`
	ShutdownTimeoutMS  int    `envconfig:"SHUTDOWN_TIMEOUT" default:"30000"`
	LogDir             string `envconfig:"LOG_DIR" default:"logs"`
	SessionID          string `envconfig:"SESSION_ID"`
	Yolo               bool   `envconfig:"YOLO" default:"false"`
}

// ShutdownTimeout returns the runner's graceful-shutdown budget.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutMS) * time.Millisecond
}

// SlackEnabled returns true if the Slack webhook can verify signatures.
func (c *Config) SlackEnabled() bool {
	return c.SlackSigningSecret != ""
}

// GitHubEnabled returns true if the GitHub webhook can verify signatures.
func (c *Config) GitHubEnabled() bool {
	return c.GitHubWebhookSecret != ""
}

// MailEnabled returns true if the mail webhook is configured.
func (c *Config) MailEnabled() bool {
	return c.MailWebhookSecret != ""
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}
