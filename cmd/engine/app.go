package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/Buidl-Land/BountyGo-Backend-sub001/internal/config"
	"github.com/Buidl-Land/BountyGo-Backend-sub001/internal/errorhandler"
	"github.com/Buidl-Land/BountyGo-Backend-sub001/internal/metrics"
	"github.com/Buidl-Land/BountyGo-Backend-sub001/internal/perfstats"
	"github.com/Buidl-Land/BountyGo-Backend-sub001/internal/processor"
)

// application holds the wired engine components.
type application struct {
	config *config.Config
	logger *slog.Logger

	registry  *prometheus.Registry
	errors    *errorhandler.Handler
	perf      *perfstats.Monitor
	processor *processor.Processor
}

// newApplication builds every component from cfg. Nothing is started.
func newApplication(cfg *config.Config, logger *slog.Logger) (*application, error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("register go collector: %w", err)
	}

	sink := metrics.NewPrometheus(registry, cfg.Metrics.Namespace, logger)
	handler := errorhandler.NewHandler(retryConfig(cfg.Retry), degradationConfig(cfg.Degradation), logger)
	perf := perfstats.New(perfstats.DefaultMaxSamples, logger)

	proc := processor.New(processorConfig(cfg.Processor), processor.Dependencies{
		Logger:       logger,
		ErrorHandler: handler,
		Metrics:      sink,
		PerfStats:    perf,
	})
	if err := registry.Register(processor.NewCollector(proc, cfg.Metrics.Namespace)); err != nil {
		return nil, fmt.Errorf("register processor collector: %w", err)
	}

	return &application{
		config:    cfg,
		logger:    logger,
		registry:  registry,
		errors:    handler,
		perf:      perf,
		processor: proc,
	}, nil
}

// start initializes the processor and, when degradation is enabled, starts
// the monitor that lets degraded mode recover without new traffic. The
// monitor stops with ctx.
func (app *application) start(ctx context.Context) error {
	if err := app.processor.Initialize(); err != nil {
		return fmt.Errorf("failed to initialize processor: %w", err)
	}
	if app.config.Degradation.Enabled {
		go app.errors.MonitorDegradation(ctx, app.config.Degradation.CheckInterval)
	}
	return nil
}

// cleanup shuts the processor down within the configured timeout.
func (app *application) cleanup(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, app.config.Processor.ShutdownTimeout)
	defer cancel()

	if err := app.processor.Shutdown(ctx); err != nil {
		app.logger.Error("processor shutdown incomplete", "error", err)
		return err
	}
	return nil
}

func processorConfig(c config.ProcessorConfig) processor.Config {
	return processor.Config{
		MaxConcurrentTasks: c.MaxConcurrentTasks,
		WorkerTimeout:      c.WorkerTimeout,
		QueueSize:          c.QueueSize,
		AgentWorkers:       c.AgentWorkers,
		AgentQueueSize:     c.AgentQueueSize,
		ShutdownTimeout:    c.ShutdownTimeout,
		Breaker: processor.BreakerConfig{
			FailureThreshold: c.BreakerFailureThreshold,
			RecoveryTimeout:  c.BreakerRecoveryTimeout,
		},
	}
}

func retryConfig(c config.RetryConfig) errorhandler.RetryConfig {
	return errorhandler.RetryConfig{
		MaxAttempts:   c.MaxAttempts,
		Strategy:      errorhandler.RetryStrategy(c.Strategy),
		BaseDelay:     c.BaseDelay,
		MaxDelay:      c.MaxDelay,
		BackoffFactor: c.BackoffFactor,
		Jitter:        c.Jitter,
	}
}

func degradationConfig(c config.DegradationConfig) errorhandler.DegradationConfig {
	return errorhandler.DegradationConfig{
		Enabled:            c.Enabled,
		ErrorRateThreshold: c.ErrorRateThreshold,
		RecoveryTime:       c.RecoveryTime,
		Level:              errorhandler.DegradationLevel(c.Level),
		Window:             c.Window,
		MinSamples:         c.MinSamples,
	}
}
