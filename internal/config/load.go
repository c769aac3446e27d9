package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable Load reads.
const EnvPrefix = "BOUNTYGO"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("processor.max_concurrent_tasks", 10)
	v.SetDefault("processor.worker_timeout", "300s")
	v.SetDefault("processor.queue_size", 1000)
	v.SetDefault("processor.agent_workers", 2)
	v.SetDefault("processor.agent_queue_size", 100)
	v.SetDefault("processor.shutdown_timeout", "30s")
	v.SetDefault("processor.breaker_failure_threshold", 5)
	v.SetDefault("processor.breaker_recovery_timeout", "60s")

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.strategy", "exponential_backoff")
	v.SetDefault("retry.base_delay", "1s")
	v.SetDefault("retry.max_delay", "60s")
	v.SetDefault("retry.backoff_factor", 2.0)
	v.SetDefault("retry.jitter", true)

	v.SetDefault("degradation.enabled", true)
	v.SetDefault("degradation.error_rate_threshold", 0.2)
	v.SetDefault("degradation.recovery_time", "10m")
	v.SetDefault("degradation.level", "partial")
	v.SetDefault("degradation.window", "5m")
	v.SetDefault("degradation.min_samples", 0)
	v.SetDefault("degradation.check_interval", "30s")

	v.SetDefault("metrics.namespace", "bountygo")
}

// Load configuration from environment variables and optionally config files.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return &cfg, nil
}
