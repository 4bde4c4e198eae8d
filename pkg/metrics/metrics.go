// Package metrics wraps a dedicated Prometheus registry with the counters,
// gauges, and histograms SearchEngine and the orchestrator report against.
// A nil *Recorder is a valid no-op collaborator so tests and embedded
// deployments never need to wire a registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CacheOutcome labels a search's cache behavior for the latency histogram.
type CacheOutcome string

const (
	CacheHit           CacheOutcome = "hit"
	CacheMiss          CacheOutcome = "miss"
	CacheAdaptiveRetry CacheOutcome = "adaptive_retry"
)

// SnapshotReason labels why a snapshot was taken.
type SnapshotReason string

const (
	SnapshotReasonInterval  SnapshotReason = "interval"
	SnapshotReasonThreshold SnapshotReason = "threshold"
	SnapshotReasonForced    SnapshotReason = "forced"
	SnapshotReasonManual    SnapshotReason = "manual"
	SnapshotReasonShutdown  SnapshotReason = "shutdown"
)

// Recorder owns a dedicated prometheus.Registry (never the global default
// registerer, so multiple Recorders — one per test — never collide).
type Recorder struct {
	registry *prometheus.Registry

	searchLatency    *prometheus.HistogramVec
	documentsIndexed prometheus.Counter
	documentsRemoved prometheus.Counter
	indexSize        prometheus.Gauge
	tombstoneRatio   prometheus.Gauge
	snapshotOutcomes *prometheus.CounterVec
}

// New constructs a Recorder registered against a fresh registry.
func New() *Recorder {
	r := &Recorder{registry: prometheus.NewRegistry()}

	r.searchLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vecsync_search_duration_seconds",
		Help:    "Duration of SearchEngine.Search calls.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"outcome"})

	r.documentsIndexed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vecsync_documents_indexed_total",
		Help: "Total number of addPoint calls.",
	})
	r.documentsRemoved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vecsync_documents_removed_total",
		Help: "Total number of removePoint calls.",
	})
	r.indexSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vecsync_index_size",
		Help: "Current number of live (non-tombstoned) points.",
	})
	r.tombstoneRatio = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vecsync_tombstone_ratio",
		Help: "Fraction of graph nodes currently tombstoned.",
	})
	r.snapshotOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "vecsync_snapshot_outcomes_total",
		Help: "Snapshot attempts labeled by reason and outcome.",
	}, []string{"reason", "outcome"})

	r.registry.MustRegister(
		r.searchLatency,
		r.documentsIndexed,
		r.documentsRemoved,
		r.indexSize,
		r.tombstoneRatio,
		r.snapshotOutcomes,
	)
	return r
}

// Registry exposes the underlying registry for a metrics HTTP handler.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// ObserveSearch records a completed search's latency and cache outcome.
func (r *Recorder) ObserveSearch(outcome CacheOutcome, d time.Duration) {
	if r == nil {
		return
	}
	r.searchLatency.WithLabelValues(string(outcome)).Observe(d.Seconds())
}

// IncDocumentsIndexed increments the indexed-documents counter.
func (r *Recorder) IncDocumentsIndexed() {
	if r == nil {
		return
	}
	r.documentsIndexed.Inc()
}

// IncDocumentsRemoved increments the removed-documents counter.
func (r *Recorder) IncDocumentsRemoved() {
	if r == nil {
		return
	}
	r.documentsRemoved.Inc()
}

// SetIndexSize records the current live point count.
func (r *Recorder) SetIndexSize(n int) {
	if r == nil {
		return
	}
	r.indexSize.Set(float64(n))
}

// SetTombstoneRatio records the current tombstone fraction.
func (r *Recorder) SetTombstoneRatio(ratio float64) {
	if r == nil {
		return
	}
	r.tombstoneRatio.Set(ratio)
}

// ObserveSnapshot records a snapshot attempt.
func (r *Recorder) ObserveSnapshot(reason SnapshotReason, success bool) {
	if r == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	r.snapshotOutcomes.WithLabelValues(string(reason), outcome).Inc()
}
