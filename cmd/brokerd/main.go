package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/p-blackswan/agent-broker/internal/broker"
	"github.com/p-blackswan/agent-broker/internal/config"
	"github.com/p-blackswan/agent-broker/internal/engine"
	"github.com/p-blackswan/agent-broker/internal/health"
	"github.com/p-blackswan/agent-broker/internal/metrics"
	"github.com/p-blackswan/agent-broker/internal/router"
	"github.com/p-blackswan/agent-broker/internal/store"
	"github.com/p-blackswan/agent-broker/internal/trigger"
)

const (
	staleAgentCutoff  = 10 * time.Minute
	staleInboxCutoff  = 15 * time.Minute
	retentionAge      = 30 * 24 * time.Hour
	retentionInterval = 1 * time.Hour
	gaugeInterval     = 30 * time.Second
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

	// Set log level
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Int("port", cfg.Port).
		Str("db_path", cfg.DBPath).
		Bool("slack_enabled", cfg.SlackEnabled()).
		Bool("github_enabled", cfg.GitHubEnabled()).
		Bool("mail_enabled", cfg.MailEnabled()).
		Msg("starting broker")

	// Context with graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	st, err := store.New(cfg.DBPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	// Seed stored config and export the global scope to the environment.
	if cfg.ConfigSeedFile != "" {
		n, seedErr := st.SeedConfigFromYAML(cfg.ConfigSeedFile)
		if seedErr != nil {
			logger.Warn().Err(seedErr).Str("file", cfg.ConfigSeedFile).Msg("config seed failed")
		} else if n > 0 {
			logger.Info().Int("entries", n).Msg("config seeded")
		}
	}
	if n, expErr := broker.ExportGlobalConfig(st); expErr != nil {
		logger.Warn().Err(expErr).Msg("config export failed")
	} else if n > 0 {
		logger.Info().Int("entries", n).Msg("global config exported")
	}

	// Startup recovery: agents that died without closing, inbox rows stuck
	// in processing.
	now := time.Now()
	if n, recErr := st.MarkStaleAgentsOffline(now.Add(-staleAgentCutoff).UnixMilli()); recErr != nil {
		logger.Warn().Err(recErr).Msg("stale agent sweep failed")
	} else if n > 0 {
		logger.Info().Int64("agents", n).Msg("stale agents marked offline")
	}
	if n, recErr := st.RequeueStaleInbox(now.Add(-staleInboxCutoff).UnixMilli()); recErr != nil {
		logger.Warn().Err(recErr).Msg("stale inbox sweep failed")
	} else if n > 0 {
		logger.Info().Int64("messages", n).Msg("stale inbox messages requeued")
	}

	m := metrics.New()
	eng := engine.New(st, m, logger)
	resolver := trigger.New(st, m, logger)
	rt := router.New(st, eng, m, logger)

	checker := health.NewChecker(logger)
	checker.Register("database", func(ctx context.Context) health.Status {
		if st.Ping() != nil {
			return health.StatusDown
		}
		return health.StatusOK
	})

	srv := broker.NewServer(cfg, st, eng, resolver, rt, checker, m, logger)

	// Periodic retention sweep.
	go func() {
		ticker := time.NewTicker(retentionInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				result, sweepErr := st.SweepRetention(time.Now().Add(-retentionAge).UnixMilli())
				if sweepErr != nil {
					logger.Warn().Err(sweepErr).Msg("retention sweep failed")
					continue
				}
				if result.Tasks+result.InboxRows+result.SessionLogs > 0 {
					logger.Info().
						Int64("tasks", result.Tasks).
						Int64("inbox", result.InboxRows).
						Int64("session_logs", result.SessionLogs).
						Msg("retention sweep")
				}
			}
		}
	}()

	// Keep the online-agents gauge fresh.
	go func() {
		ticker := time.NewTicker(gaugeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, gaugeErr := st.CountOnlineAgents(); gaugeErr == nil {
					m.AgentsOnline.Set(float64(n))
				}
			}
		}
	}()

	// Start HTTP server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		if srvErr := srv.Start(addr); srvErr != nil {
			logger.Fatal().Err(srvErr).Msg("server error")
		}
	}()

	// Wait for shutdown signal
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	cancel()

	if err := srv.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
	}

	logger.Info().Msg("broker stopped")
}
