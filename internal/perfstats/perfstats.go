// Package perfstats keeps bounded in-memory duration samples per operation
// name and summarizes them.
package perfstats

import (
	"log/slog"
	"slices"
	"sync"
	"time"
)

// DefaultMaxSamples is the per-operation sample bound used when none is configured.
const DefaultMaxSamples = 1000

// recentSamples is how many of the latest samples a Summary carries.
const recentSamples = 10

// Summary describes the retained samples of one operation.
type Summary struct {
	Count  int             `json:"count"`
	Avg    time.Duration   `json:"avg"`
	Min    time.Duration   `json:"min"`
	Max    time.Duration   `json:"max"`
	Recent []time.Duration `json:"recent"`
}

// Monitor records operation durations. The zero value is not usable; call New.
type Monitor struct {
	mu         sync.RWMutex
	samples    map[string][]time.Duration
	maxSamples int
	logger     *slog.Logger
}

// New returns a Monitor keeping at most maxSamples durations per operation.
func New(maxSamples int, logger *slog.Logger) *Monitor {
	if maxSamples <= 0 {
		maxSamples = DefaultMaxSamples
	}
	return &Monitor{
		samples:    make(map[string][]time.Duration),
		maxSamples: maxSamples,
		logger:     logger.With("component", "perfstats"),
	}
}

// Record adds a duration sample for name, evicting the oldest sample when
// the bound is reached.
func (m *Monitor) Record(name string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := append(m.samples[name], d)
	if len(s) > m.maxSamples {
		s = slices.Delete(s, 0, len(s)-m.maxSamples)
	}
	m.samples[name] = s
}

// Stats summarizes the samples recorded for name. It reports false when
// there are none.
func (m *Monitor) Stats(name string) (Summary, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := m.samples[name]
	if len(s) == 0 {
		return Summary{}, false
	}
	return summarize(s), true
}

// All summarizes every operation with at least one sample.
func (m *Monitor) All() map[string]Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Summary, len(m.samples))
	for name, s := range m.samples {
		if len(s) > 0 {
			out[name] = summarize(s)
		}
	}
	return out
}

func summarize(s []time.Duration) Summary {
	var total time.Duration
	for _, d := range s {
		total += d
	}
	return Summary{
		Count:  len(s),
		Avg:    total / time.Duration(len(s)),
		Min:    slices.Min(s),
		Max:    slices.Max(s),
		Recent: slices.Clone(s[max(0, len(s)-recentSamples):]),
	}
}
