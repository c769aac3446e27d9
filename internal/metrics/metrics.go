// Package metrics defines the sink that engine components report counters
// and latencies to, and its Prometheus implementation.
package metrics

import (
	"errors"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sink receives metric observations. Names are dotted paths such as
// "worker_pool.tasks_processed"; labels are free-form.
type Sink interface {
	IncrementCounter(name string, labels map[string]string)
	ObserveDuration(name string, labels map[string]string, d time.Duration)
}

// Noop discards every observation.
type Noop struct{}

// IncrementCounter implements Sink.
func (Noop) IncrementCounter(string, map[string]string) {}

// ObserveDuration implements Sink.
func (Noop) ObserveDuration(string, map[string]string, time.Duration) {}

// ErrLabelMismatch is logged when a metric is reported with a label set
// different from the one it was first registered with.
var ErrLabelMismatch = errors.New("metric label names differ from registration")

type counterVec struct {
	vec    *prometheus.CounterVec
	labels []string
}

type histogramVec struct {
	vec    *prometheus.HistogramVec
	labels []string
}

// Prometheus registers a vector per metric name on first use.
//
// Counters are exported as <namespace>_<name>_total and durations as
// <namespace>_<name>_seconds histograms.
type Prometheus struct {
	namespace string
	factory   promauto.Factory
	logger    *slog.Logger

	mu         sync.Mutex
	counters   map[string]*counterVec
	histograms map[string]*histogramVec
}

// NewPrometheus creates a sink registering its collectors on reg.
func NewPrometheus(reg prometheus.Registerer, namespace string, logger *slog.Logger) *Prometheus {
	return &Prometheus{
		namespace:  namespace,
		factory:    promauto.With(reg),
		logger:     logger.With("component", "metrics"),
		counters:   make(map[string]*counterVec),
		histograms: make(map[string]*histogramVec),
	}
}

// IncrementCounter implements Sink.
func (p *Prometheus) IncrementCounter(name string, labels map[string]string) {
	keys := labelNames(labels)

	p.mu.Lock()
	c, ok := p.counters[name]
	if !ok {
		c = &counterVec{
			vec: p.factory.NewCounterVec(prometheus.CounterOpts{
				Namespace: p.namespace,
				Name:      sanitize(name) + "_total",
				Help:      "Total " + name + " events.",
			}, keys),
			labels: keys,
		}
		p.counters[name] = c
	}
	p.mu.Unlock()

	if !slices.Equal(c.labels, keys) {
		p.logger.Warn("dropping counter observation",
			"metric", name,
			"error", ErrLabelMismatch,
			"registered", c.labels,
			"got", keys)
		return
	}
	c.vec.With(prometheus.Labels(labels)).Inc()
}

// ObserveDuration implements Sink.
func (p *Prometheus) ObserveDuration(name string, labels map[string]string, d time.Duration) {
	keys := labelNames(labels)

	p.mu.Lock()
	h, ok := p.histograms[name]
	if !ok {
		h = &histogramVec{
			vec: p.factory.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: p.namespace,
				Name:      sanitize(name) + "_seconds",
				Help:      "Duration of " + name + " in seconds.",
				Buckets:   prometheus.DefBuckets,
			}, keys),
			labels: keys,
		}
		p.histograms[name] = h
	}
	p.mu.Unlock()

	if !slices.Equal(h.labels, keys) {
		p.logger.Warn("dropping duration observation",
			"metric", name,
			"error", ErrLabelMismatch,
			"registered", h.labels,
			"got", keys)
		return
	}
	h.vec.With(prometheus.Labels(labels)).Observe(d.Seconds())
}

func labelNames(labels map[string]string) []string {
	return slices.Sorted(maps.Keys(labels))
}

// sanitize maps a dotted metric path onto the Prometheus name charset.
func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}
