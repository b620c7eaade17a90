package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/p-blackswan/agent-broker/internal/config"
	"github.com/p-blackswan/agent-broker/internal/runner"
)

func main() {
	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	// Load config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	if cfg.AgentName == "" {
		logger.Fatal().Msg("AGENT_NAME is required")
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}

	logger.Info().
		Str("agent_name", cfg.AgentName).
		Str("broker_url", cfg.MCPBaseURL).
		Str("agent_cmd", cfg.AgentCmd).
		Int("max_concurrent", cfg.MaxConcurrentTasks).
		Str("session_id", cfg.SessionID).
		Msg("starting runner")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")
		cancel()
	}()

	client := runner.NewClient(cfg.MCPBaseURL, cfg.APIKey, logger)
	sup := runner.NewSupervisor(cfg, client, logger)

	if err := sup.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("runner error")
	}
}
