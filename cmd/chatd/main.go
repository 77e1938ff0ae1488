package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/p-blackswan/chat-engine/internal/auth"
	"github.com/p-blackswan/chat-engine/internal/client"
	"github.com/p-blackswan/chat-engine/internal/config"
	"github.com/p-blackswan/chat-engine/internal/metrics"
	"github.com/p-blackswan/chat-engine/internal/mgmt"
	"github.com/p-blackswan/chat-engine/internal/optimistic"
	"github.com/p-blackswan/chat-engine/internal/protocol"
	"github.com/p-blackswan/chat-engine/internal/session"
	"github.com/p-blackswan/chat-engine/internal/threads"
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
		Str("gateway_url", cfg.GatewayURL).
		Str("mgmt_addr", cfg.MgmtListenAddr).
		Msg("starting chat engine")

	// Context with graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Metrics
	m := metrics.New()

	// Optimistic message manager
	manager := optimistic.New(optimistic.Config{
		MatchTolerance: cfg.MatchTolerance,
		ConfirmTimeout: cfg.ConfirmTimeout,
		MaxRetries:     cfg.MaxRetries,
	}, m, logger)

	// Token source. Token acquisition is external; the engine only
	// consumes the refresh contract.
	tokens := auth.NewTokenSource(cfg.Token, nil, logger)

	// Thread store
	store, err := threads.New(cfg.DBPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open thread store")
	}
	defer store.Close()

	// Session + client. The client is wired into the session's hooks via
	// closures; it is assigned before any connection is attempted.
	var cl *client.Client
	sess := session.New(session.Config{
		URL:                  cfg.GatewayURL,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		ReconnectInterval:    cfg.ReconnectInterval,
		MaxReconnectInterval: cfg.MaxReconnectInterval,
		RateLimitMessages:    cfg.RateLimitMessages,
		RateLimitWindow:      cfg.RateLimitWindow,
		HistoryLimit:         cfg.HistoryLimit,
		SweepInterval:        cfg.SweepInterval,
	}, tokens, manager, m, session.Hooks{
		OnOpen: func() {
			logger.Info().Msg("gateway connection open")
		},
		OnReconnect: func() {
			logger.Info().Msg("gateway connection re-established")
		},
		OnError: func(err error) {
			logger.Debug().Err(err).Msg("session error reported")
		},
		OnMessage: func(env *protocol.Envelope) {
			if cl != nil {
				cl.HandleEnvelope(env)
			}
		},
	}, logger)

	cl = client.New(manager, sess, store, logger)
	cl.MarkInitialized()

	// Example prompts for empty threads
	prompts, err := config.LoadPrompts(cfg.PromptsPath)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to load example prompts")
	}

	// Status API
	server := mgmt.NewServer(manager, sess, store, cl.StateContext, prompts, logger)
	go func() {
		if err := server.Listen(cfg.MgmtListenAddr); err != nil {
			logger.Error().Err(err).Msg("status API stopped")
		}
	}()

	// Metrics endpoint
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	// Run the session until shutdown
	go func() {
		if err := sess.Run(ctx); err != nil {
			logger.Error().Err(err).Msg("session stopped")
		}
	}()

	<-sigCh
	logger.Info().Msg("shutting down")
	cancel()
	_ = server.Shutdown()
	_ = sess.Close()
}
