// Package metrics defines the prometheus instruments of the engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const Namespace = "category_engine"

// Cache lookup results.
const (
	ResultHit   = "hit"
	ResultMiss  = "miss"
	ResultStale = "stale"
)

var RedisOperationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

type Metrics struct {
	CacheLookups       *prometheus.CounterVec
	CacheWrites        *prometheus.CounterVec
	CacheInvalidations *prometheus.CounterVec
	CacheBackendErrors *prometheus.CounterVec

	RedisOperationDuration *prometheus.HistogramVec

	SyncRuns        *prometheus.CounterVec
	SyncDuration    *prometheus.HistogramVec
	CountFailures   *prometheus.CounterVec
	Rebuilds        *prometheus.CounterVec
	RebuildDuration prometheus.Histogram
	PrunedTotal     *prometheus.CounterVec

	AnalyticsErrors prometheus.Counter
}

// New registers the instruments with the default registerer. Call it once
// per process.
func New() *Metrics {
	return NewWithRegistry(Namespace, prometheus.DefaultRegisterer)
}

// Discard returns instruments bound to a private registry.
func Discard() *Metrics {
	return NewWithRegistry(Namespace, prometheus.NewRegistry())
}

func NewWithRegistry(namespace string, registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)

	return &Metrics{
		CacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "lookups_total",
				Help:      "Cache lookups by result (hit/miss/stale)",
			},
			[]string{"result"},
		),
		CacheWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "writes_total",
				Help:      "Cache writes by outcome (stored/discarded/failed)",
			},
			[]string{"outcome"},
		),
		CacheInvalidations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "invalidations_total",
				Help:      "Cache invalidations by scope (group/key)",
			},
			[]string{"scope"},
		),
		CacheBackendErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "cache",
				Name:      "backend_errors_total",
				Help:      "Errors returned by a cache backend by operation",
			},
			[]string{"backend", "operation"},
		),
		RedisOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "redis",
				Name:      "operation_duration_seconds",
				Help:      "Latency of redis commands",
				Buckets:   RedisOperationBuckets,
			},
			[]string{"operation"},
		),
		SyncRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "runs_total",
				Help:      "Per-item sync runs by kind and final state",
			},
			[]string{"kind", "state"},
		),
		SyncDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "duration_seconds",
				Help:      "Duration of per-item sync runs",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		CountFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "categories",
				Name:      "count_failures_total",
				Help:      "Categories whose count could not be refreshed",
			},
			[]string{"kind"},
		),
		Rebuilds: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "categories",
				Name:      "rebuilds_total",
				Help:      "Full rebuilds by result (committed/rolled_back/rejected)",
			},
			[]string{"result"},
		),
		RebuildDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "categories",
				Name:      "rebuild_duration_seconds",
				Help:      "Duration of full rebuilds",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			},
		),
		PrunedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "categories",
				Name:      "pruned_total",
				Help:      "Empty categories removed by maintenance",
			},
			[]string{"kind"},
		),
		AnalyticsErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "analytics",
				Name:      "errors_total",
				Help:      "Combination tracking calls that failed",
			},
		),
	}
}

// ObserveRedis records the latency of one redis command.
func (m *Metrics) ObserveRedis(operation string, start time.Time) {
	m.RedisOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

// OrDiscard returns m, or private instruments when m is nil.
func OrDiscard(m *Metrics) *Metrics {
	if m == nil {
		return Discard()
	}

	return m
}
