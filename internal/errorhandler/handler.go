package errorhandler

import (
	"context"
	"log/slog"
	"maps"
	"math"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/Buidl-Land/BountyGo-Backend-sub001/internal/redact"
)

const (
	// maxRecentErrors bounds ErrorStats.RecentErrors
	maxRecentErrors = 100

	// maxOutcomes bounds the rolling outcome log behind the error rate
	maxOutcomes = 10000

	// criticalLookback is how many of the latest errors are scanned for
	// critical severity, and criticalThreshold how many trigger degradation
	criticalLookback  = 10
	criticalThreshold = 3

	// summaryRecentErrors is how many recent errors ErrorSummary lists
	summaryRecentErrors = 10
)

// ErrorStats is a snapshot of recorded errors.
type ErrorStats struct {
	TotalErrors    int
	ErrorRate      float64
	RecentErrors   []*Error
	CategoryCounts map[Category]int
	SeverityCounts map[Severity]int
	LastErrorTime  time.Time
}

// Summary is the reporting view of the handler state.
type Summary struct {
	TotalErrors       int              `json:"total_errors"`
	ErrorRate         float64          `json:"error_rate"`
	CategoryBreakdown map[string]int   `json:"category_breakdown"`
	SeverityBreakdown map[string]int   `json:"severity_breakdown"`
	RecentErrors      []string         `json:"recent_errors"`
	LastErrorTime     *time.Time       `json:"last_error_time,omitempty"`
	DegradationActive bool             `json:"degradation_active"`
	DegradationLevel  DegradationLevel `json:"degradation_level"`
	DegradationSince  *time.Time       `json:"degradation_since,omitempty"`
}

type record struct {
	err *Error
	at  time.Time
}

type outcome struct {
	at     time.Time
	failed bool
}

// Handler classifies errors, decides retries, keeps error statistics and
// runs the degradation state machine. It is safe for concurrent use.
type Handler struct {
	retry       RetryConfig
	degradation DegradationConfig
	logger      *slog.Logger

	// now and jitter are replaced in tests
	now    func() time.Time
	jitter func() float64

	mu             sync.Mutex
	total          int
	recent         []record
	outcomes       []outcome
	categoryCounts map[Category]int
	severityCounts map[Severity]int
	lastErrorTime  time.Time
	degraded       bool
	degradedSince  time.Time
	healthySince   time.Time
}

// NewHandler returns a Handler. Categories without a policy in
// retry.CategoryConfigs get the built-in defaults.
func NewHandler(retry RetryConfig, degradation DegradationConfig, logger *slog.Logger) *Handler {
	if degradation.Window <= 0 {
		degradation.Window = DefaultDegradationConfig().Window
	}
	return &Handler{
		retry:          withCategoryDefaults(retry),
		degradation:    degradation,
		logger:         logger.With("component", "error_handler"),
		now:            time.Now,
		jitter:         rand.Float64,
		categoryCounts: make(map[Category]int),
		severityCounts: make(map[Severity]int),
	}
}

// RetryConfig returns the handler's top-level retry policy.
func (h *Handler) RetryConfig() RetryConfig {
	c := h.retry
	c.CategoryConfigs = maps.Clone(h.retry.CategoryConfigs)
	return c
}

// ConfigFor returns the retry policy for category.
func (h *Handler) ConfigFor(category Category) RetryConfig {
	if c, ok := h.retry.CategoryConfigs[category]; ok {
		return c
	}
	c := h.retry
	c.CategoryConfigs = nil
	return c
}

// ShouldRetry reports whether another attempt is allowed after attempt
// (1-based) failed with err.
func (h *Handler) ShouldRetry(err error, attempt int) bool {
	e := Classify(err, nil)
	if e == nil || !e.Recoverable {
		return false
	}
	c := h.ConfigFor(e.Category)
	if c.Strategy == StrategyNoRetry {
		return false
	}
	return attempt < c.MaxAttempts
}

// Retryable reports whether err may be retried at all, ignoring attempt counts.
func (h *Handler) Retryable(err error) bool {
	e := Classify(err, nil)
	if e == nil || !e.Recoverable {
		return false
	}
	return h.ConfigFor(e.Category).Strategy != StrategyNoRetry
}

// RetryDelay returns the wait before the attempt following attempt (1-based).
// The result is capped at MaxDelay before jitter scales it by a random
// factor in [0.5, 1.5).
func (h *Handler) RetryDelay(c RetryConfig, attempt int) time.Duration {
	attempt = max(attempt, 1)
	factor := c.BackoffFactor
	if factor <= 0 {
		factor = 2
	}

	var d float64
	switch c.Strategy {
	case StrategyNoRetry:
		return 0
	case StrategyFixedInterval:
		d = float64(c.BaseDelay)
	case StrategyLinearBackoff:
		d = float64(c.BaseDelay) * float64(attempt)
	default:
		d = float64(c.BaseDelay)
		for range attempt - 1 {
			d *= factor
		}
	}

	if c.MaxDelay > 0 && d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	if c.Jitter {
		d *= 0.5 + h.jitter()
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// RecordError classifies err and adds it to the statistics.
func (h *Handler) RecordError(err error, fields map[string]any) *Error {
	e := Classify(err, fields)
	if e == nil {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.recordErrorLocked(e, h.now())
	return e
}

func (h *Handler) recordErrorLocked(e *Error, now time.Time) {
	h.total++
	h.categoryCounts[e.Category]++
	h.severityCounts[e.Severity]++
	h.lastErrorTime = now

	h.recent = append(h.recent, record{err: e, at: now})
	if len(h.recent) > maxRecentErrors {
		h.recent = slices.Delete(h.recent, 0, len(h.recent)-maxRecentErrors)
	}
	h.addOutcomeLocked(now, true)
}

func (h *Handler) addOutcomeLocked(now time.Time, failed bool) {
	h.outcomes = append(h.outcomes, outcome{at: now, failed: failed})

	cutoff := now.Add(-h.degradation.Window)
	drop := 0
	for drop < len(h.outcomes) && h.outcomes[drop].at.Before(cutoff) {
		drop++
	}
	drop = max(drop, len(h.outcomes)-maxOutcomes)
	if drop > 0 {
		h.outcomes = slices.Delete(h.outcomes, 0, drop)
	}
}

// HandleError records err, logs it and advances the degradation state.
func (h *Handler) HandleError(ctx context.Context, err error, fields map[string]any, operation string) *Error {
	e := Classify(err, fields)
	if e == nil {
		return nil
	}

	h.mu.Lock()
	now := h.now()
	h.recordErrorLocked(e, now)
	h.evaluateLocked(now)
	h.mu.Unlock()

	h.logger.Log(ctx, logLevel(e.Severity), "error handled",
		"operation", operation,
		"category", string(e.Category),
		"severity", string(e.Severity),
		"recoverable", e.Recoverable,
		"error", redact.Error(e))
	return e
}

// ObserveFailure records a failed task attempt.
func (h *Handler) ObserveFailure(err error, attrs map[string]string) {
	fields := make(map[string]any, len(attrs))
	for k, v := range attrs {
		fields[k] = v
	}
	h.HandleError(context.Background(), err, fields, "task_execution")
}

// ObserveSuccess records a successful attempt, lowering the error rate.
func (h *Handler) ObserveSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	h.addOutcomeLocked(now, false)
	h.evaluateLocked(now)
}

func logLevel(s Severity) slog.Level {
	switch s {
	case SeverityCritical, SeverityHigh:
		return slog.LevelError
	case SeverityMedium:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// errorRateLocked returns failures over outcomes within the window and
// the number of outcomes considered.
func (h *Handler) errorRateLocked(now time.Time) (float64, int) {
	cutoff := now.Add(-h.degradation.Window)
	var total, failed int
	for _, o := range h.outcomes {
		if o.at.Before(cutoff) {
			continue
		}
		total++
		if o.failed {
			failed++
		}
	}
	if total == 0 {
		return 0, 0
	}
	return float64(failed) / float64(total), total
}

func (h *Handler) recentCriticalLocked(now time.Time) int {
	cutoff := now.Add(-h.degradation.Window)
	count := 0
	for _, r := range h.recent[max(0, len(h.recent)-criticalLookback):] {
		if r.err.Severity == SeverityCritical && !r.at.Before(cutoff) {
			count++
		}
	}
	return count
}

func (h *Handler) shouldDegradeLocked(now time.Time) bool {
	if !h.degradation.Enabled {
		return false
	}
	rate, samples := h.errorRateLocked(now)
	if samples >= h.degradation.MinSamples && rate >= h.degradation.ErrorRateThreshold {
		return true
	}
	return h.recentCriticalLocked(now) >= criticalThreshold
}

func (h *Handler) healthyLocked(now time.Time) bool {
	rate, _ := h.errorRateLocked(now)
	return rate < h.degradation.ErrorRateThreshold && h.recentCriticalLocked(now) == 0
}

// ShouldDegrade reports whether the current error picture warrants
// degraded mode: the windowed error rate reached the threshold (over at
// least MinSamples outcomes when that gate is set), or criticalThreshold
// of the latest criticalLookback errors are critical.
func (h *Handler) ShouldDegrade() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.shouldDegradeLocked(h.now())
}

// ShouldRecoverFromDegradation reports whether degraded mode is active and
// the system currently looks healthy.
func (h *Handler) ShouldRecoverFromDegradation() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.degraded && h.healthyLocked(h.now())
}

// CheckDegradation advances the degradation state machine without a new event.
func (h *Handler) CheckDegradation() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.evaluateLocked(h.now())
}

// evaluateLocked enters degraded mode when warranted and leaves it once
// the system has stayed healthy for RecoveryTime.
func (h *Handler) evaluateLocked(now time.Time) {
	if !h.degraded {
		if h.shouldDegradeLocked(now) {
			h.activateLocked(now)
		}
		return
	}

	if !h.healthyLocked(now) {
		h.healthySince = time.Time{}
		return
	}
	if h.healthySince.IsZero() {
		h.healthySince = now
	}
	if now.Sub(h.healthySince) >= h.degradation.RecoveryTime {
		h.deactivateLocked(now)
	}
}

// ActivateDegradation enters degraded mode. It is a no-op if already active.
func (h *Handler) ActivateDegradation() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.activateLocked(h.now())
}

func (h *Handler) activateLocked(now time.Time) {
	if h.degraded {
		return
	}
	h.degraded = true
	h.degradedSince = now
	h.healthySince = time.Time{}

	rate, _ := h.errorRateLocked(now)
	h.logger.Warn("degradation mode activated",
		"level", string(h.degradation.Level),
		"error_rate", rate)
}

// DeactivateDegradation leaves degraded mode. It is a no-op if not active.
func (h *Handler) DeactivateDegradation() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deactivateLocked(h.now())
}

func (h *Handler) deactivateLocked(now time.Time) {
	if !h.degraded {
		return
	}
	h.logger.Info("degradation mode deactivated",
		"duration", now.Sub(h.degradedSince).String())
	h.degraded = false
	h.degradedSince = time.Time{}
	h.healthySince = time.Time{}
}

// DegradationActive reports whether degraded mode is on.
func (h *Handler) DegradationActive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.degraded
}

// DegradationSince returns when degraded mode was entered, or the zero
// time if it is not active.
func (h *Handler) DegradationSince() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.degradedSince
}

// MonitorDegradation re-evaluates the degradation state every interval
// until ctx is done, so recovery happens even when no new events arrive.
func (h *Handler) MonitorDegradation(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.CheckDegradation()
		}
	}
}

// Stats returns a snapshot of the error statistics.
func (h *Handler) Stats() ErrorStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	rate, _ := h.errorRateLocked(h.now())
	recent := make([]*Error, len(h.recent))
	for i, r := range h.recent {
		recent[i] = r.err
	}
	return ErrorStats{
		TotalErrors:    h.total,
		ErrorRate:      rate,
		RecentErrors:   recent,
		CategoryCounts: maps.Clone(h.categoryCounts),
		SeverityCounts: maps.Clone(h.severityCounts),
		LastErrorTime:  h.lastErrorTime,
	}
}

// ErrorSummary returns the reporting view of the statistics with error
// messages redacted.
func (h *Handler) ErrorSummary() Summary {
	h.mu.Lock()
	defer h.mu.Unlock()

	rate, _ := h.errorRateLocked(h.now())
	s := Summary{
		TotalErrors:       h.total,
		ErrorRate:         rate,
		CategoryBreakdown: make(map[string]int, len(h.categoryCounts)),
		SeverityBreakdown: make(map[string]int, len(h.severityCounts)),
		RecentErrors:      []string{},
		DegradationActive: h.degraded,
		DegradationLevel:  h.degradation.Level,
	}
	for c, n := range h.categoryCounts {
		s.CategoryBreakdown[string(c)] = n
	}
	for sev, n := range h.severityCounts {
		s.SeverityBreakdown[string(sev)] = n
	}
	for _, r := range h.recent[max(0, len(h.recent)-summaryRecentErrors):] {
		s.RecentErrors = append(s.RecentErrors, string(r.err.Category)+": "+redact.Error(r.err))
	}
	if !h.lastErrorTime.IsZero() {
		t := h.lastErrorTime
		s.LastErrorTime = &t
	}
	if h.degraded {
		t := h.degradedSince
		s.DegradationSince = &t
	}
	return s
}

// ResetStats clears the error statistics. Degradation state is kept.
func (h *Handler) ResetStats() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.total = 0
	h.recent = nil
	h.outcomes = nil
	clear(h.categoryCounts)
	clear(h.severityCounts)
	h.lastErrorTime = time.Time{}
}
