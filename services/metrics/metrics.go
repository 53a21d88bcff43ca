// Package metrics exposes Prometheus counters for the cache, fetcher and
// task queue. All methods are safe on a nil *Metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups every collector the service exports
type Metrics struct {
	cacheHits       prometheus.Counter
	cacheMisses     prometheus.Counter
	cacheStaleReads prometheus.Counter
	apiCalls        *prometheus.CounterVec
	apiLatency      *prometheus.HistogramVec
	tasksProcessed  *prometheus.CounterVec
	queueDepth      *prometheus.GaugeVec
}

// New registers the collectors on reg
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		cacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "stocknity",
			Name:      "cache_hits_total",
			Help:      "Fresh cache reads that returned a payload.",
		}),
		cacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "stocknity",
			Name:      "cache_misses_total",
			Help:      "Fresh cache reads that returned nothing.",
		}),
		cacheStaleReads: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "stocknity",
			Name:      "cache_stale_reads_total",
			Help:      "Any-age reads that returned an expired payload.",
		}),
		apiCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stocknity",
			Name:      "upstream_calls_total",
			Help:      "Upstream source calls by source and outcome.",
		}, []string{"source", "outcome"}),
		apiLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stocknity",
			Name:      "upstream_call_seconds",
			Help:      "Upstream source call latency.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"source"}),
		tasksProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stocknity",
			Name:      "tasks_processed_total",
			Help:      "Tasks handled by the worker pool by type and outcome.",
		}, []string{"type", "outcome"}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "stocknity",
			Name:      "queue_tasks",
			Help:      "Tasks per queue state at the last health check.",
		}, []string{"state"}),
	}
}

func (m *Metrics) CacheHit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

func (m *Metrics) CacheMiss() {
	if m != nil {
		m.cacheMisses.Inc()
	}
}

func (m *Metrics) StaleRead() {
	if m != nil {
		m.cacheStaleReads.Inc()
	}
}

// UpstreamCall records one source call; outcome is ok, rate_limited or error
func (m *Metrics) UpstreamCall(source, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.apiCalls.WithLabelValues(source, outcome).Inc()
	m.apiLatency.WithLabelValues(source).Observe(seconds)
}

func (m *Metrics) TaskProcessed(taskType, outcome string) {
	if m != nil {
		m.tasksProcessed.WithLabelValues(taskType, outcome).Inc()
	}
}

func (m *Metrics) QueueDepth(pending, processing, completed, failed int64) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues("pending").Set(float64(pending))
	m.queueDepth.WithLabelValues("processing").Set(float64(processing))
	m.queueDepth.WithLabelValues("completed").Set(float64(completed))
	m.queueDepth.WithLabelValues("failed").Set(float64(failed))
}
