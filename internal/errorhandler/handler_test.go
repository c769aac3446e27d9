package errorhandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Buidl-Land/BountyGo-Backend-sub001/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ task.ErrorPolicy = (*Handler)(nil)

// fakeClock is a manually advanced time source
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHandler(retry RetryConfig, degradation DegradationConfig) (*Handler, *fakeClock) {
	clock := &fakeClock{t: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	h := NewHandler(retry, degradation, setupTestLogger())
	h.now = clock.Now
	h.jitter = func() float64 { return 0.5 }
	return h, clock
}

func noJitter(c RetryConfig) RetryConfig {
	c.Jitter = false
	return c
}

func TestNewHandler(t *testing.T) {
	h, _ := newTestHandler(DefaultRetryConfig(), DefaultDegradationConfig())

	c := h.RetryConfig()
	assert.Equal(t, 3, c.MaxAttempts)
	assert.Equal(t, StrategyExponentialBackoff, c.Strategy)
	assert.Equal(t, time.Second, c.BaseDelay)
	assert.Equal(t, 60*time.Second, c.MaxDelay)
	assert.Equal(t, 2.0, c.BackoffFactor)
	assert.True(t, c.Jitter)

	network := h.ConfigFor(CategoryNetwork)
	assert.Equal(t, 5, network.MaxAttempts)
	assert.Equal(t, 2*time.Second, network.BaseDelay)
	assert.Equal(t, 30*time.Second, network.MaxDelay)

	assert.Equal(t, StrategyFixedInterval, h.ConfigFor(CategoryRateLimit).Strategy)
	assert.Equal(t, StrategyLinearBackoff, h.ConfigFor(CategoryTimeout).Strategy)
	assert.Equal(t, StrategyNoRetry, h.ConfigFor(CategoryConfiguration).Strategy)

	processing := h.ConfigFor(CategoryProcessing)
	assert.Equal(t, 3, processing.MaxAttempts)
	assert.Nil(t, processing.CategoryConfigs)
}

func TestNewHandler_CustomConfig(t *testing.T) {
	custom := DefaultRetryConfig()
	custom.MaxAttempts = 5
	custom.CategoryConfigs = map[Category]RetryConfig{
		CategoryNetwork: {MaxAttempts: 9, Strategy: StrategyFixedInterval},
	}

	degradation := DefaultDegradationConfig()
	degradation.ErrorRateThreshold = 0.5
	degradation.Window = 0

	h, _ := newTestHandler(custom, degradation)

	assert.Equal(t, 5, h.RetryConfig().MaxAttempts)
	assert.Equal(t, 9, h.ConfigFor(CategoryNetwork).MaxAttempts)
	assert.Equal(t, 3, h.ConfigFor(CategoryModelAPI).MaxAttempts)
	assert.Equal(t, 0.5, h.degradation.ErrorRateThreshold)
	assert.Equal(t, DefaultDegradationConfig().Window, h.degradation.Window)
}

func TestRetryDelay(t *testing.T) {
	h, _ := newTestHandler(DefaultRetryConfig(), DefaultDegradationConfig())

	tests := []struct {
		name   string
		config RetryConfig
		want   []time.Duration
	}{
		{
			name:   "exponential",
			config: RetryConfig{Strategy: StrategyExponentialBackoff, BaseDelay: time.Second, MaxDelay: time.Minute, BackoffFactor: 2},
			want:   []time.Duration{time.Second, 2 * time.Second, 4 * time.Second},
		},
		{
			name:   "fixed",
			config: RetryConfig{Strategy: StrategyFixedInterval, BaseDelay: 5 * time.Second, MaxDelay: time.Minute},
			want:   []time.Duration{5 * time.Second, 5 * time.Second, 5 * time.Second},
		},
		{
			name:   "linear",
			config: RetryConfig{Strategy: StrategyLinearBackoff, BaseDelay: 2 * time.Second, MaxDelay: time.Minute},
			want:   []time.Duration{2 * time.Second, 4 * time.Second, 6 * time.Second},
		},
		{
			name:   "capped at max delay",
			config: RetryConfig{Strategy: StrategyExponentialBackoff, BaseDelay: 10 * time.Second, MaxDelay: 20 * time.Second, BackoffFactor: 2},
			want:   []time.Duration{10 * time.Second, 20 * time.Second, 20 * time.Second},
		},
		{
			name:   "no retry",
			config: RetryConfig{Strategy: StrategyNoRetry, BaseDelay: time.Second},
			want:   []time.Duration{0, 0, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i, want := range tt.want {
				assert.Equal(t, want, h.RetryDelay(tt.config, i+1), "attempt %d", i+1)
			}
		})
	}
}

func TestRetryDelay_Unbounded(t *testing.T) {
	h, _ := newTestHandler(DefaultRetryConfig(), DefaultDegradationConfig())
	c := RetryConfig{Strategy: StrategyExponentialBackoff, BaseDelay: time.Second, BackoffFactor: 2}

	assert.Equal(t, time.Duration(math.MaxInt64), h.RetryDelay(c, 2000))
	assert.Equal(t, 1024*time.Second, h.RetryDelay(c, 11))
}

func TestRetryDelay_Jitter(t *testing.T) {
	h := NewHandler(DefaultRetryConfig(), DefaultDegradationConfig(), setupTestLogger())
	c := RetryConfig{Strategy: StrategyFixedInterval, BaseDelay: 10 * time.Second, MaxDelay: time.Minute, Jitter: true}

	for range 100 {
		d := h.RetryDelay(c, 1)
		assert.GreaterOrEqual(t, d, 5*time.Second)
		assert.Less(t, d, 15*time.Second)
	}
}

func TestShouldRetry(t *testing.T) {
	h, _ := newTestHandler(DefaultRetryConfig(), DefaultDegradationConfig())
	network := New(CategoryNetwork, "connection refused")

	assert.True(t, h.ShouldRetry(network, 1))
	assert.True(t, h.ShouldRetry(network, 3))
	assert.False(t, h.ShouldRetry(network, 5))
	assert.False(t, h.ShouldRetry(network, 6))

	assert.False(t, h.ShouldRetry(New(CategoryNetwork, "gone").WithRecoverable(false), 1))
	assert.False(t, h.ShouldRetry(New(CategoryConfiguration, "missing key"), 1))
	assert.False(t, h.ShouldRetry(nil, 1))

	assert.True(t, h.ShouldRetry(errors.New("something odd"), 2))
	assert.False(t, h.ShouldRetry(errors.New("something odd"), 3))
}

func TestRetryable(t *testing.T) {
	h, _ := newTestHandler(DefaultRetryConfig(), DefaultDegradationConfig())

	assert.True(t, h.Retryable(New(CategoryModelAPI, "502 from provider")))
	assert.True(t, h.Retryable(errors.New("connection reset")))
	assert.False(t, h.Retryable(New(CategoryValidation, "bad input")))
	assert.False(t, h.Retryable(New(CategoryTimeout, "slow").WithRecoverable(false)))
	assert.False(t, h.Retryable(nil))
}

func TestHandler_AsPoolErrorPolicy(t *testing.T) {
	h, _ := newTestHandler(DefaultRetryConfig(), DefaultDegradationConfig())
	pool := task.NewWorkerPool(task.WorkerPoolConfig{
		Name:          "policy",
		MaxWorkers:    1,
		WorkerTimeout: 5 * time.Second,
		QueueSize:     10,
	}, setupTestLogger(), task.WithErrorPolicy(h))
	pool.Start()
	t.Cleanup(func() {
		_ = pool.Stop(time.Second)
	})

	tests := []struct {
		message string
		want    int32
	}{
		{"boom", 4},
		{"invalid JSON in model output", 4},
		{"api authentication token expired", 4},
		{"missing config value", 1},
	}
	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			var runs atomic.Int32
			id, err := pool.SubmitTask(context.Background(), task.AsyncWork(func(context.Context) (any, error) {
				runs.Add(1)
				return nil, errors.New(tt.message)
			}), task.WithMaxRetries(3))
			require.NoError(t, err)

			result, err := pool.GetTaskResult(context.Background(), id, 3*time.Second)
			require.NoError(t, err)
			assert.Equal(t, task.TaskStatusFailed, result.Status)
			assert.Equal(t, tt.want, runs.Load())
		})
	}
}

func TestShouldDegrade(t *testing.T) {
	t.Run("error rate at threshold", func(t *testing.T) {
		h, _ := newTestHandler(DefaultRetryConfig(), DefaultDegradationConfig())
		for range 8 {
			h.ObserveSuccess()
		}
		h.RecordError(errors.New("boom"), nil)
		assert.False(t, h.ShouldDegrade())

		h.RecordError(errors.New("boom"), nil)
		assert.True(t, h.ShouldDegrade())
		assert.InDelta(t, 0.2, h.Stats().ErrorRate, 1e-9)
	})

	t.Run("rate below threshold", func(t *testing.T) {
		h, _ := newTestHandler(DefaultRetryConfig(), DefaultDegradationConfig())
		for range 9 {
			h.ObserveSuccess()
		}
		h.RecordError(errors.New("boom"), nil)
		assert.False(t, h.ShouldDegrade())
	})

	t.Run("single failure with default config", func(t *testing.T) {
		h, _ := newTestHandler(DefaultRetryConfig(), DefaultDegradationConfig())
		h.RecordError(errors.New("boom"), nil)
		assert.Equal(t, 1.0, h.Stats().ErrorRate)
		assert.True(t, h.ShouldDegrade())
	})

	t.Run("too few samples", func(t *testing.T) {
		degradation := DefaultDegradationConfig()
		degradation.MinSamples = 10
		h, _ := newTestHandler(DefaultRetryConfig(), degradation)
		for range 5 {
			h.RecordError(errors.New("boom"), nil)
		}
		assert.Equal(t, 1.0, h.Stats().ErrorRate)
		assert.False(t, h.ShouldDegrade())

		for range 5 {
			h.RecordError(errors.New("boom"), nil)
		}
		assert.True(t, h.ShouldDegrade())
	})

	t.Run("critical errors", func(t *testing.T) {
		h, _ := newTestHandler(DefaultRetryConfig(), DefaultDegradationConfig())
		for range 7 {
			h.ObserveSuccess()
		}
		for range 3 {
			h.RecordError(New(CategoryResource, "out of memory").WithSeverity(SeverityCritical), nil)
		}
		assert.True(t, h.ShouldDegrade())
	})

	t.Run("disabled", func(t *testing.T) {
		degradation := DefaultDegradationConfig()
		degradation.Enabled = false
		h, _ := newTestHandler(DefaultRetryConfig(), degradation)
		for range 20 {
			h.RecordError(New(CategoryResource, "oom").WithSeverity(SeverityCritical), nil)
		}
		assert.False(t, h.ShouldDegrade())
	})
}

func TestDegradationStateMachine(t *testing.T) {
	h, clock := newTestHandler(DefaultRetryConfig(), DefaultDegradationConfig())
	ctx := context.Background()
	start := clock.Now()

	for range 3 {
		h.HandleError(ctx, New(CategoryResource, "out of memory").WithSeverity(SeverityCritical), nil, "extract")
	}
	require.True(t, h.DegradationActive())
	assert.Equal(t, start, h.DegradationSince())
	assert.False(t, h.ShouldRecoverFromDegradation())

	// the critical errors age out of the window
	clock.Advance(6 * time.Minute)
	h.ObserveSuccess()
	assert.True(t, h.ShouldRecoverFromDegradation())
	assert.True(t, h.DegradationActive())

	clock.Advance(5 * time.Minute)
	h.CheckDegradation()
	assert.True(t, h.DegradationActive())

	// a critical error restarts the healthy period
	h.HandleError(ctx, New(CategoryStorage, "corrupt index").WithSeverity(SeverityCritical), nil, "store")
	clock.Advance(6 * time.Minute)
	h.CheckDegradation()
	assert.True(t, h.DegradationActive())

	clock.Advance(9 * time.Minute)
	h.CheckDegradation()
	assert.True(t, h.DegradationActive())

	clock.Advance(2 * time.Minute)
	h.CheckDegradation()
	assert.False(t, h.DegradationActive())
	assert.True(t, h.DegradationSince().IsZero())
}

func TestActivateDeactivateDegradation(t *testing.T) {
	h, clock := newTestHandler(DefaultRetryConfig(), DefaultDegradationConfig())

	h.ActivateDegradation()
	assert.True(t, h.DegradationActive())
	assert.Equal(t, clock.Now(), h.DegradationSince())

	clock.Advance(time.Minute)
	h.ActivateDegradation()
	assert.NotEqual(t, clock.Now(), h.DegradationSince())

	h.DeactivateDegradation()
	assert.False(t, h.DegradationActive())
	assert.True(t, h.DegradationSince().IsZero())
	assert.False(t, h.ShouldRecoverFromDegradation())
}

func TestRecordError(t *testing.T) {
	h, clock := newTestHandler(DefaultRetryConfig(), DefaultDegradationConfig())

	assert.Nil(t, h.RecordError(nil, nil))

	e := h.RecordError(errors.New("connection refused"), map[string]any{"agent": "parser"})
	require.NotNil(t, e)
	assert.Equal(t, CategoryNetwork, e.Category)
	assert.Equal(t, "parser", e.Context["agent"])

	h.RecordError(New(CategoryModelAPI, "bad gateway").WithSeverity(SeverityHigh), nil)

	stats := h.Stats()
	assert.Equal(t, 2, stats.TotalErrors)
	assert.Equal(t, map[Category]int{CategoryNetwork: 1, CategoryModelAPI: 1}, stats.CategoryCounts)
	assert.Equal(t, map[Severity]int{SeverityMedium: 1, SeverityHigh: 1}, stats.SeverityCounts)
	assert.Equal(t, clock.Now(), stats.LastErrorTime)
	assert.Len(t, stats.RecentErrors, 2)
}

func TestRecordError_RecentIsBounded(t *testing.T) {
	h, _ := newTestHandler(DefaultRetryConfig(), DefaultDegradationConfig())

	for i := range 150 {
		h.RecordError(fmt.Errorf("failure %d", i), nil)
	}

	stats := h.Stats()
	assert.Equal(t, 150, stats.TotalErrors)
	require.Len(t, stats.RecentErrors, maxRecentErrors)
	assert.Contains(t, stats.RecentErrors[0].Error(), "failure 50")
	assert.Contains(t, stats.RecentErrors[99].Error(), "failure 149")
}

func TestErrorSummary(t *testing.T) {
	h, _ := newTestHandler(DefaultRetryConfig(), DefaultDegradationConfig())
	h.HandleError(context.Background(), errors.New("API rejected api_key=abcdef123456"), nil, "extract")

	summary := h.ErrorSummary()
	assert.Equal(t, 1, summary.TotalErrors)
	assert.Equal(t, 1, summary.CategoryBreakdown["model_api"])
	assert.Equal(t, 1, summary.SeverityBreakdown["medium"])
	require.Len(t, summary.RecentErrors, 1)
	assert.NotContains(t, summary.RecentErrors[0], "abcdef123456")
	assert.NotNil(t, summary.LastErrorTime)
	assert.True(t, summary.DegradationActive)
	assert.Equal(t, DegradationPartial, summary.DegradationLevel)

	raw, err := json.Marshal(summary)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	for _, key := range []string{"total_errors", "category_breakdown", "severity_breakdown", "degradation_active"} {
		assert.Contains(t, decoded, key)
	}
}

func TestResetStats(t *testing.T) {
	h, _ := newTestHandler(DefaultRetryConfig(), DefaultDegradationConfig())
	h.RecordError(errors.New("boom"), nil)
	h.ActivateDegradation()

	h.ResetStats()

	stats := h.Stats()
	assert.Zero(t, stats.TotalErrors)
	assert.Zero(t, stats.ErrorRate)
	assert.Empty(t, stats.RecentErrors)
	assert.Empty(t, stats.CategoryCounts)
	assert.True(t, stats.LastErrorTime.IsZero())
	assert.True(t, h.DegradationActive())
}

func TestObserveFailure(t *testing.T) {
	h, _ := newTestHandler(DefaultRetryConfig(), DefaultDegradationConfig())

	h.ObserveFailure(errors.New("connection reset"), map[string]string{"task_id": "t-1"})

	stats := h.Stats()
	require.Len(t, stats.RecentErrors, 1)
	assert.Equal(t, "t-1", stats.RecentErrors[0].Context["task_id"])
	assert.Equal(t, 1.0, stats.ErrorRate)
}

func TestRetryWithBackoff(t *testing.T) {
	fast := noJitter(RetryConfig{
		MaxAttempts:   3,
		Strategy:      StrategyExponentialBackoff,
		BaseDelay:     time.Millisecond,
		MaxDelay:      10 * time.Millisecond,
		BackoffFactor: 2,
	})

	t.Run("succeeds after transient failures", func(t *testing.T) {
		h, _ := newTestHandler(DefaultRetryConfig(), DefaultDegradationConfig())
		var calls atomic.Int32

		result, err := h.RetryWithBackoff(context.Background(), func(context.Context) (any, error) {
			if calls.Add(1) < 3 {
				return nil, New(CategoryNetwork, "connection reset")
			}
			return "fetched", nil
		}, fast)

		require.NoError(t, err)
		assert.Equal(t, "fetched", result)
		assert.Equal(t, int32(3), calls.Load())
		assert.Equal(t, 2, h.Stats().TotalErrors)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		h, _ := newTestHandler(DefaultRetryConfig(), DefaultDegradationConfig())
		var calls atomic.Int32
		cause := New(CategoryNetwork, "connection reset")

		c := fast
		c.MaxAttempts = 2
		_, err := h.RetryWithBackoff(context.Background(), func(context.Context) (any, error) {
			calls.Add(1)
			return nil, cause
		}, c)

		assert.ErrorIs(t, err, cause)
		assert.Equal(t, int32(2), calls.Load())
	})

	t.Run("no retry strategy", func(t *testing.T) {
		h, _ := newTestHandler(DefaultRetryConfig(), DefaultDegradationConfig())
		var calls atomic.Int32

		c := fast
		c.Strategy = StrategyNoRetry
		_, err := h.RetryWithBackoff(context.Background(), func(context.Context) (any, error) {
			calls.Add(1)
			return nil, errors.New("connection reset")
		}, c)

		assert.Error(t, err)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("non-retryable category", func(t *testing.T) {
		h, _ := newTestHandler(DefaultRetryConfig(), DefaultDegradationConfig())
		var calls atomic.Int32

		_, err := h.RetryWithBackoff(context.Background(), func(context.Context) (any, error) {
			calls.Add(1)
			return nil, New(CategoryConfiguration, "missing model name")
		}, fast)

		var classified *Error
		require.ErrorAs(t, err, &classified)
		assert.Equal(t, CategoryConfiguration, classified.Category)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("cancelled context", func(t *testing.T) {
		h, _ := newTestHandler(DefaultRetryConfig(), DefaultDegradationConfig())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := h.RetryWithBackoff(ctx, func(context.Context) (any, error) {
			return "never", nil
		}, fast)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestRecoveryAction(t *testing.T) {
	h, _ := newTestHandler(DefaultRetryConfig(), DefaultDegradationConfig())

	tests := []struct {
		name string
		err  error
		want RecoveryAction
	}{
		{"nil", nil, ""},
		{"network", New(CategoryNetwork, "reset"), ActionRetry},
		{"timeout", context.DeadlineExceeded, ActionRetry},
		{"model api", New(CategoryModelAPI, "502"), ActionFallback},
		{"processing", errors.New("something odd"), ActionFallback},
		{"rate limit", New(CategoryRateLimit, "429"), ActionWait},
		{"configuration", New(CategoryConfiguration, "missing"), ActionFixConfig},
		{"validation", New(CategoryValidation, "bad"), ActionFail},
		{"non-recoverable", New(CategoryNetwork, "gone").WithRecoverable(false), ActionFail},
		{"critical", New(CategoryStorage, "corrupt").WithSeverity(SeverityCritical), ActionDegrade},
		{"resource", New(CategoryResource, "oom"), ActionDegrade},
		{"cancelled", context.Canceled, ActionFail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, h.RecoveryAction(tt.err))
		})
	}
}

func TestMonitorDegradation(t *testing.T) {
	h, _ := newTestHandler(DefaultRetryConfig(), DefaultDegradationConfig())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.MonitorDegradation(ctx, 5*time.Millisecond)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
}
