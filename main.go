package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meterengine/config"
	"meterengine/internal/bootstrap"
	"meterengine/internal/httpapi"
	"meterengine/internal/logger"
	"meterengine/internal/protocol"
)

func main() {
	// Load configuration - returns immutable config instance
	// Support CONFIG_FILE environment variable for flexible config loading
	configFile := os.Getenv("CONFIG_FILE")
	if configFile == "" {
		configFile = "config.json"
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		// Use fmt here since logger isn't initialized yet
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	lcfg := cfg.Logging
	logger.InitFromConfig(
		lcfg.Level,
		lcfg.Format,
		lcfg.Output,
		lcfg.FilePath,
		lcfg.MaxSize,
		lcfg.MaxBackups,
		lcfg.MaxAge,
		lcfg.Compress,
	)
	logger.Info("configuration_loaded", "config", cfg.ToSafeMap())

	// Initialize all dependencies with explicit config injection
	deps, err := bootstrap.InitApp(cfg, configFile)
	if err != nil {
		logger.Error("failed_to_initialize_app_dependencies", "error", err)
		os.Exit(1)
	}

	engine := httpapi.NewEngine(deps)

	// Create HTTP server
	server := &http.Server{
		Addr:        cfg.Addr(),
		Handler:     deps.RateLimiter.Middleware(engine),
		ReadTimeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
	}

	// Graceful shutdown: best-effort end the active session and stop the
	// broadcaster and hub before the HTTP server itself drains.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logger.Info("shutting_down_server")

		shutdownCtx := context.Background()
		if deps.Router.ActiveSessionID() != "" {
			deps.Router.Dispatch(shutdownCtx, protocol.Message{Type: protocol.MessageTypeSessionEnd})
		}
		deps.Broadcaster.Stop()
		deps.Hub.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("server_forced_to_shutdown", "error", err)
		}

		// Ensure logs are flushed
		if err := logger.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Error closing logger: %v\n", err)
		}
		logger.Info("server_shutdown_complete")
	}()

	// Log startup information
	logger.Info("server_started",
		"addr", cfg.Addr(),
		"websocket", fmt.Sprintf("ws://%s/ws", cfg.Addr()),
		"health", fmt.Sprintf("http://%s/health", cfg.Addr()),
	)
	fmt.Printf("MINDSCOPE_READY:%d\n", cfg.Server.Port)

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server_error", "error", err)
		os.Exit(1)
	}
}
