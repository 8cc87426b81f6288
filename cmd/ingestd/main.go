// Command ingestd consumes raw usage events, stores one usage record per
// event and serves aggregates over HTTP.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"usage_ingest/internal/config"
	"usage_ingest/internal/utils"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	level, ok := utils.ParseLogLevel(cfg.LogLevel)
	if !ok {
		log.Printf("Unknown log level %q, using info", cfg.LogLevel)
	}
	if os.Getenv("LOCAL") == "true" {
		level = utils.Debug
	}
	utils.SetDefaultLogLevel(level)
	logger := utils.NewLogger("ingestd")

	if cfg.InsecureJWTSecret() {
		logger.Warn("JWT_SECRET is the built-in development value; set it before exposing the admin API")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := buildService(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to build service: %v", err)
	}

	// Workers run on their own context so that in-flight batches finish
	// during shutdown.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()
	if err := svc.start(workCtx); err != nil {
		svc.close()
		log.Fatalf("Failed to start pipeline: %v", err)
	}

	// Create HTTP server
	addr := ":" + cfg.HTTPPort
	server := &http.Server{
		Addr:         addr,
		Handler:      svc.router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Usage ingest listening", "addr", addr,
			"storage", cfg.Storage.Driver,
			"transport", cfg.Transport.Backend,
			"partitions", cfg.Transport.Partitions,
			"aggregate", cfg.Aggregate.Backend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err := <-serverErr:
		logger.Error("Server error", "error", err)
	}

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}
	if err := svc.shutdown(shutdownCtx); err != nil {
		logger.Error("Unclean shutdown", "error", err)
	}
	cancelWork()

	logger.Info("Server exited")
}
