package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pipeline_server/config"
	"pipeline_server/internal/bootstrap"
	"pipeline_server/pkg/logger"

	"github.com/joho/godotenv"
)

const (
	shutdownTimeout = 30 * time.Second // Maximum time to wait for graceful shutdown
)

func main() {
	// Initialize logger early
	logger.Init(logger.Config{
		Level:   logger.LevelInfo,
		Service: "pipeline",
	})

	// Load .env file if exists (for local development)
	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config: %v", err)
	}

	app, cleanup, err := bootstrap.New(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize pipeline: %v", err)
	}
	defer cleanup()

	app.Start()

	// Graceful shutdown with timeout
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutting down (timeout: %v)...", shutdownTimeout)

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			app.Stop()
			done <- app.Fiber.Shutdown()
		}()

		select {
		case err := <-done:
			if err != nil {
				logger.Error("Error shutting down: %v", err)
			} else {
				logger.Info("Shut down gracefully")
			}
		case <-ctx.Done():
			logger.Warn("Shutdown timed out, forcing exit")
			os.Exit(1)
		}
	}()

	addr := ":" + cfg.Port
	logger.Info("Starting ops server on %s", addr)
	if err := app.Fiber.Listen(addr); err != nil {
		logger.Fatal("Failed to start server: %v", err)
	}
}
