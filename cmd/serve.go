package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/chatbridge/chatbridge/internal/api"
	"github.com/chatbridge/chatbridge/internal/completion"
	"github.com/chatbridge/chatbridge/internal/config"
	"github.com/chatbridge/chatbridge/internal/log"
	"github.com/chatbridge/chatbridge/internal/transport"
)

// Server timeout configuration.
const (
	readHeaderTimeout = 10 * time.Second
	readTimeout       = 30 * time.Second
	writeTimeout      = 0 // websocket connections are long-lived
	idleTimeout       = 2 * time.Minute
	shutdownTimeout   = 30 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the relay server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// runServe initializes and starts the HTTP server.
func runServe(parent context.Context) error {
	// .env is a development convenience; absence is not an error.
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := log.New(log.Config{
		Level: logLevel(cfg.LogLevel),
		JSON:  cfg.LogJSON,
	})
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger.Info("starting chatbridge", "version", Version, "config", cfg)

	gemini, err := completion.NewGemini(ctx, cfg.GeminiAPIKey, cfg.ModelName, logger)
	if err != nil {
		return fmt.Errorf("creating completion service: %w", err)
	}

	hub := transport.NewHub(logger)
	wsHandler := transport.NewWebSocketHandler(hub, cfg.CORSOrigins, logger)

	registry := api.NewRegistry(api.RegistryConfig{
		BotID:             cfg.BotUserID,
		Channel:           hub,
		Completion:        gemini,
		Logger:            logger,
		SystemInstruction: cfg.SystemInstruction,
		Temperature:       cfg.Temperature,
		FlushInterval:     cfg.FlushInterval,
		CallSpacing:       cfg.CallSpacing,
		MaxRetries:        cfg.MaxRetries,
		BackoffUnit:       cfg.RetryBackoffUnit,
	})
	defer registry.StopAll()

	apiServer, err := api.NewServer(api.ServerConfig{
		Logger:      logger,
		Registry:    registry,
		Hub:         hub,
		WSHandler:   wsHandler,
		CORSOrigins: cfg.CORSOrigins,
		TrustProxy:  cfg.TrustProxy,
		RateBurst:   cfg.RateBurst,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}

	api.StartReaper(ctx, registry, cfg.AgentIdleTTL, cfg.ReapInterval, logger)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	logger.Info("HTTP server ready",
		"addr", cfg.ListenAddr,
		"api", "/api/channels/{channelID}/*",
		"ws", "/ws/channels/{channelID}",
		"health", "/health",
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down HTTP server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutting down server: %w", err)
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP server: %w", err)
	}
}

// logLevel maps a config level string to slog. Unknown values were rejected
// by config validation already.
func logLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
