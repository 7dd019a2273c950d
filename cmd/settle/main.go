// Command settle runs one settlement invocation (auto-release then stale
// refund) against the configured store and prints the summary as JSON.
// Intended for cron; exits non-zero when the run could not start.
package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/digivault/escrowd/internal/config"
	"github.com/digivault/escrowd/internal/logging"
	"github.com/digivault/escrowd/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, settling the in-memory demo store")
	}
	backend, err := server.OpenBackend(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open backend", "error", err)
		os.Exit(1)
	}
	defer backend.Close(logger)

	res, err := backend.Engine(cfg, logger).Run(ctx)
	if err != nil {
		logger.Error("settlement run failed", "error", err)
		backend.Close(logger)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		logger.Error("failed to write summary", "error", err)
	}
}
