package processor

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Buidl-Land/BountyGo-Backend-sub001/internal/task"
)

// Collector exports pool gauges from Processor.Stats at scrape time.
type Collector struct {
	processor *Processor

	queueDepth     *prometheus.Desc
	activeWorkers  *prometheus.Desc
	pendingResults *prometheus.Desc
	degraded       *prometheus.Desc
}

// NewCollector returns a prometheus.Collector for p. Register it with the
// same registry as the metrics sink.
func NewCollector(p *Processor, namespace string) *Collector {
	return &Collector{
		processor: p,
		queueDepth: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "queue_depth"),
			"Number of tasks waiting in the pool queue",
			[]string{"pool"}, nil),
		activeWorkers: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "active_workers"),
			"Number of running worker goroutines",
			[]string{"pool"}, nil),
		pendingResults: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "pool", "pending_results"),
			"Number of tasks tracked and not yet released",
			[]string{"pool"}, nil),
		degraded: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "error_handler", "degradation_active"),
			"1 while degraded mode is active",
			nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queueDepth
	ch <- c.activeWorkers
	ch <- c.pendingResults
	ch <- c.degraded
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.processor.Stats()

	c.collectPool(ch, stats.MainPool)
	for _, pool := range stats.AgentPools {
		c.collectPool(ch, pool)
	}

	if stats.Errors != nil {
		var v float64
		if stats.Errors.DegradationActive {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(c.degraded, prometheus.GaugeValue, v)
	}
}

func (c *Collector) collectPool(ch chan<- prometheus.Metric, s task.PoolStats) {
	ch <- prometheus.MustNewConstMetric(c.queueDepth, prometheus.GaugeValue, float64(s.Queue.CurrentSize), s.Name)
	ch <- prometheus.MustNewConstMetric(c.activeWorkers, prometheus.GaugeValue, float64(s.ActiveWorkers), s.Name)
	ch <- prometheus.MustNewConstMetric(c.pendingResults, prometheus.GaugeValue, float64(s.PendingResults), s.Name)
}
