package processor

import (
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// Breaker guards calls to a failing dependency.
type Breaker interface {
	Execute(fn func() (any, error)) (any, error)
}

// BreakerConfig is the trip policy for circuit breakers.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker
	FailureThreshold int

	// RecoveryTimeout is how long the breaker stays open before a trial call
	RecoveryTimeout time.Duration
}

// DefaultBreakerConfig opens after 5 consecutive failures and retries after 60s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
	}
}

// BreakerFactory builds the breaker for a key.
type BreakerFactory func(key string, cfg BreakerConfig) Breaker

// NewGoBreaker returns a BreakerFactory backed by sony/gobreaker. State
// transitions are logged.
func NewGoBreaker(logger *slog.Logger) BreakerFactory {
	return func(key string, cfg BreakerConfig) Breaker {
		threshold := uint32(max(cfg.FailureThreshold, 1))
		return gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        key,
			MaxRequests: 1,
			Timeout:     cfg.RecoveryTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= threshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state changed",
					"breaker", name,
					"from", from.String(),
					"to", to.String())
			},
		})
	}
}

// breakerState reports a breaker's state when it exposes one.
func breakerState(b Breaker) string {
	if s, ok := b.(interface{ State() gobreaker.State }); ok {
		return s.State().String()
	}
	return "unknown"
}
