package errorhandler

import (
	"maps"
	"time"
)

// RetryStrategy selects how the delay between attempts grows.
type RetryStrategy string

// Retry strategies
const (
	StrategyExponentialBackoff RetryStrategy = "exponential_backoff"
	StrategyFixedInterval      RetryStrategy = "fixed_interval"
	StrategyLinearBackoff      RetryStrategy = "linear_backoff"
	StrategyNoRetry            RetryStrategy = "no_retry"
)

// RetryConfig describes a retry policy.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first
	MaxAttempts   int
	Strategy      RetryStrategy
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool

	// CategoryConfigs overrides the policy per error category.
	// Only consulted on the handler's top-level config.
	CategoryConfigs map[Category]RetryConfig
}

// DefaultRetryConfig returns 3 attempts of exponential backoff from 1s,
// doubling, capped at 60s, with jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		Strategy:      StrategyExponentialBackoff,
		BaseDelay:     time.Second,
		MaxDelay:      60 * time.Second,
		BackoffFactor: 2,
		Jitter:        true,
	}
}

func policy(attempts int, strategy RetryStrategy, base, maxDelay time.Duration) RetryConfig {
	c := DefaultRetryConfig()
	c.MaxAttempts = attempts
	c.Strategy = strategy
	c.BaseDelay = base
	c.MaxDelay = maxDelay
	return c
}

// DefaultCategoryConfigs returns the built-in per-category retry policies.
func DefaultCategoryConfigs() map[Category]RetryConfig {
	return map[Category]RetryConfig{
		CategoryNetwork:        policy(5, StrategyExponentialBackoff, 2*time.Second, 30*time.Second),
		CategoryModelAPI:       policy(3, StrategyExponentialBackoff, time.Second, 15*time.Second),
		CategoryRateLimit:      policy(2, StrategyFixedInterval, 60*time.Second, 60*time.Second),
		CategoryTimeout:        policy(2, StrategyLinearBackoff, 5*time.Second, 60*time.Second),
		CategoryConfiguration:  policy(1, StrategyNoRetry, 0, 0),
		CategoryValidation:     policy(1, StrategyNoRetry, 0, 0),
		CategoryAuthentication: policy(1, StrategyNoRetry, 0, 0),
	}
}

// withCategoryDefaults returns c with built-in category policies filled in
// for every category c does not configure itself.
func withCategoryDefaults(c RetryConfig) RetryConfig {
	merged := DefaultCategoryConfigs()
	maps.Copy(merged, c.CategoryConfigs)
	c.CategoryConfigs = merged
	return c
}

// DegradationLevel names how much functionality is shed while degraded.
type DegradationLevel string

// Degradation levels
const (
	DegradationNone     DegradationLevel = "none"
	DegradationPartial  DegradationLevel = "partial"
	DegradationFallback DegradationLevel = "fallback"
	DegradationMinimal  DegradationLevel = "minimal"
)

// DegradationConfig controls when the handler enters and leaves degraded mode.
type DegradationConfig struct {
	Enabled bool

	// ErrorRateThreshold is the failure fraction in [0,1] that triggers degradation
	ErrorRateThreshold float64

	// RecoveryTime is how long the system must stay healthy before degradation ends
	RecoveryTime time.Duration

	Level DegradationLevel

	// Window is the rolling period the error rate is computed over
	Window time.Duration

	// MinSamples is the number of outcomes needed in Window before the
	// error rate alone can trigger degradation. Zero disables the gate.
	MinSamples int
}

// DefaultDegradationConfig returns the default degradation policy.
func DefaultDegradationConfig() DegradationConfig {
	return DegradationConfig{
		Enabled:            true,
		ErrorRateThreshold: 0.2,
		RecoveryTime:       10 * time.Minute,
		Level:              DegradationPartial,
		Window:             5 * time.Minute,
		MinSamples:         0,
	}
}
