// Package metrics exports Prometheus collectors for the memory layer.
// All recording methods are safe on a nil *Metrics, so components can be
// built without instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tiermem"

// Metrics holds every collector.
type Metrics struct {
	registry *prometheus.Registry

	blockAppends *prometheus.CounterVec
	blockTrims   *prometheus.CounterVec
	cacheLookups *prometheus.CounterVec

	tagInserts *prometheus.CounterVec
	tagMerges  prometheus.Counter

	edgeChanges *prometheus.CounterVec

	degradedReads *prometheus.CounterVec

	consolidationRuns     *prometheus.CounterVec
	consolidationDuration prometheus.Histogram
	queueDepth            prometheus.Gauge
	deadLetters           prometheus.Counter

	syncRuns  *prometheus.CounterVec
	syncItems *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry registers all collectors on registry.
func NewWithRegistry(registry *prometheus.Registry) *Metrics {
	m := &Metrics{registry: registry}

	m.blockAppends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "blocks",
		Name:      "appends_total",
		Help:      "Block appends by label and result",
	}, []string{"label", "result"})

	m.blockTrims = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "blocks",
		Name:      "trims_total",
		Help:      "Appends that trimmed the oldest content to stay within the limit",
	}, []string{"label"})

	m.cacheLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "blocks",
		Name:      "cache_lookups_total",
		Help:      "Block-id cache lookups by result (hit, miss, stale)",
	}, []string{"result"})

	m.tagInserts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tags",
		Name:      "inserts_total",
		Help:      "Tagged passage inserts by result",
	}, []string{"result"})

	m.tagMerges = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tags",
		Name:      "merged_entries_total",
		Help:      "Duplicate tag entries folded into a primary entry",
	})

	m.edgeChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "graph",
		Name:      "edge_changes_total",
		Help:      "Edge mutations by kind (created, reinforced, weakened, deleted)",
	}, []string{"kind"})

	m.degradedReads = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "degraded_reads_total",
		Help:      "Read paths that failed and returned an empty result",
	}, []string{"operation"})

	m.consolidationRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "consolidation",
		Name:      "runs_total",
		Help:      "Consolidation runs by terminal status",
	}, []string{"status"})

	m.consolidationDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "consolidation",
		Name:      "run_duration_seconds",
		Help:      "Consolidation run duration",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	})

	m.queueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "consolidation",
		Name:      "queue_depth",
		Help:      "Consolidation jobs waiting for a worker",
	})

	m.deadLetters = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "consolidation",
		Name:      "dead_letters_total",
		Help:      "Consolidation jobs that exhausted their retries",
	})

	m.syncRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bridge",
		Name:      "sync_runs_total",
		Help:      "Bridge sync runs by direction and status",
	}, []string{"direction", "status"})

	m.syncItems = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bridge",
		Name:      "synced_items_total",
		Help:      "Items written by bridge syncs",
	}, []string{"direction"})

	registry.MustRegister(
		m.blockAppends, m.blockTrims, m.cacheLookups,
		m.tagInserts, m.tagMerges,
		m.edgeChanges, m.degradedReads,
		m.consolidationRuns, m.consolidationDuration, m.queueDepth, m.deadLetters,
		m.syncRuns, m.syncItems,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) BlockAppend(label string, err error) {
	if m == nil {
		return
	}
	m.blockAppends.WithLabelValues(label, result(err)).Inc()
}

func (m *Metrics) BlockTrim(label string) {
	if m == nil {
		return
	}
	m.blockTrims.WithLabelValues(label).Inc()
}

// CacheLookup records a block-id cache lookup; outcome is hit, miss or stale.
func (m *Metrics) CacheLookup(outcome string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(outcome).Inc()
}

func (m *Metrics) TagInsert(err error) {
	if m == nil {
		return
	}
	m.tagInserts.WithLabelValues(result(err)).Inc()
}

func (m *Metrics) TagsMerged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.tagMerges.Add(float64(n))
}

func (m *Metrics) EdgeChange(kind string) {
	if m == nil {
		return
	}
	m.edgeChanges.WithLabelValues(kind).Inc()
}

// DegradedRead records a read path that swallowed an error.
func (m *Metrics) DegradedRead(operation string) {
	if m == nil {
		return
	}
	m.degradedReads.WithLabelValues(operation).Inc()
}

func (m *Metrics) ConsolidationRun(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.consolidationRuns.WithLabelValues(status).Inc()
	m.consolidationDuration.Observe(d.Seconds())
}

func (m *Metrics) QueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

func (m *Metrics) DeadLetter() {
	if m == nil {
		return
	}
	m.deadLetters.Inc()
}

func (m *Metrics) SyncRun(direction, status string, items int) {
	if m == nil {
		return
	}
	m.syncRuns.WithLabelValues(direction, status).Inc()
	if items > 0 {
		m.syncItems.WithLabelValues(direction).Add(float64(items))
	}
}
