package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server      ServerConfig      `mapstructure:"server" validate:"required"`
	Processor   ProcessorConfig   `mapstructure:"processor" validate:"required"`
	Retry       RetryConfig       `mapstructure:"retry" validate:"required"`
	Degradation DegradationConfig `mapstructure:"degradation" validate:"required"`
	Metrics     MetricsConfig     `mapstructure:"metrics" validate:"required"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port            int           `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel        string        `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// ProcessorConfig sizes the worker pools and circuit breakers.
type ProcessorConfig struct {
	MaxConcurrentTasks int           `mapstructure:"max_concurrent_tasks" validate:"gt=0"`
	WorkerTimeout      time.Duration `mapstructure:"worker_timeout" validate:"gt=0"`
	// QueueSize of 0 means unbounded
	QueueSize               int           `mapstructure:"queue_size" validate:"gte=0"`
	AgentWorkers            int           `mapstructure:"agent_workers" validate:"gt=0"`
	AgentQueueSize          int           `mapstructure:"agent_queue_size" validate:"gte=0"`
	ShutdownTimeout         time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	BreakerFailureThreshold int           `mapstructure:"breaker_failure_threshold" validate:"gt=0"`
	BreakerRecoveryTimeout  time.Duration `mapstructure:"breaker_recovery_timeout" validate:"gt=0"`
}

// RetryConfig is the default retry policy of the error handler.
type RetryConfig struct {
	MaxAttempts   int           `mapstructure:"max_attempts" validate:"gt=0"`
	Strategy      string        `mapstructure:"strategy" validate:"required,oneof=exponential_backoff fixed_interval linear_backoff no_retry"`
	BaseDelay     time.Duration `mapstructure:"base_delay" validate:"gte=0"`
	MaxDelay      time.Duration `mapstructure:"max_delay" validate:"gtefield=BaseDelay"`
	BackoffFactor float64       `mapstructure:"backoff_factor" validate:"gte=1"`
	Jitter        bool          `mapstructure:"jitter"`
}

// DegradationConfig controls automatic degraded mode.
type DegradationConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	ErrorRateThreshold float64       `mapstructure:"error_rate_threshold" validate:"gt=0,lte=1"`
	RecoveryTime       time.Duration `mapstructure:"recovery_time" validate:"gte=0"`
	Level              string        `mapstructure:"level" validate:"required,oneof=none partial fallback minimal"`
	Window             time.Duration `mapstructure:"window" validate:"gt=0"`
	MinSamples         int           `mapstructure:"min_samples" validate:"gte=0"`
	CheckInterval      time.Duration `mapstructure:"check_interval" validate:"gt=0"`
}

// MetricsConfig contains Prometheus export settings.
type MetricsConfig struct {
	Namespace string `mapstructure:"namespace" validate:"required,alphanum"`
}
