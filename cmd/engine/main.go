// Package main implements the entry point for the BountyGo task engine:
// the concurrent processor with its worker pools and error handler, plus
// an operational HTTP surface for health, statistics and metrics.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/Buidl-Land/BountyGo-Backend-sub001/internal/config"
	"github.com/Buidl-Land/BountyGo-Backend-sub001/internal/platform/logger"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("engine failed: %v", err)
	}
}

// run loads configuration, wires the application and serves until SIGINT
// or SIGTERM.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	l, err := logger.Setup(cfg.Server)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}

	l.Info("engine configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"max_concurrent_tasks", cfg.Processor.MaxConcurrentTasks,
		slog.Group("degradation",
			"enabled", cfg.Degradation.Enabled,
			"error_rate_threshold", cfg.Degradation.ErrorRateThreshold))

	app, err := newApplication(cfg, l)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.start(ctx); err != nil {
		return err
	}
	return app.serve(ctx, app.router())
}
