package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Transaction Pipeline metrics
	NotOpenVerifyFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "csm_not_open_verify_failures_total",
			Help: "Pre-replication validation failures of kind 'container not open'",
		},
	)

	StartTransactionVerifyFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "csm_start_transaction_verify_failures_total",
			Help: "Pre-replication validation failures other than container-not-open",
		},
	)

	BlockAlreadyFinalizedRejections = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "csm_block_already_finalized_rejections_total",
			Help: "Transactions rejected before replication because their block was already finalized",
		},
	)

	// State-Machine Data Cache metrics
	CacheEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "csm_cache_evictions_total",
			Help: "Entries evicted from the state-machine data cache under byte pressure",
		},
	)

	CacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "csm_cache_misses_total",
			Help: "Follower-read requests for state-machine data not found in cache",
		},
	)

	CacheBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "csm_cache_bytes",
			Help: "Current bytes held by the state-machine data cache",
		},
	)

	// Apply Coordinator metrics
	ApplyInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "csm_apply_in_flight",
			Help: "Apply transactions currently admitted past the semaphore",
		},
	)

	ApplyToleratedFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "csm_apply_tolerated_failures_total",
			Help: "Apply results in the tolerated set, by result code",
		},
		[]string{"result"},
	)

	ApplyFatalFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "csm_apply_fatal_failures_total",
			Help: "Apply results outside the tolerated set, each of which flips health",
		},
	)

	LastAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "csm_last_applied_index",
			Help: "Highest contiguously applied log index",
		},
	)

	ApplyDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "csm_apply_duration_seconds",
			Help:    "Time from admission to completion of an apply transaction",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Write path metrics
	ChunkWriteFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "csm_chunk_write_failures_total",
			Help: "WriteChunk dispatches that returned a non-tolerated result",
		},
	)

	ChunkWriteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "csm_chunk_write_duration_seconds",
			Help:    "Time taken to dispatch and complete a WriteChunk",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReadChunkFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "csm_read_chunk_fallbacks_total",
			Help: "Cache misses serviced by re-dispatching a ReadChunk to the dispatcher",
		},
	)

	ReadChunkFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "csm_read_chunk_failures_total",
			Help: "ReadChunk fallback dispatches that returned a non-tolerated result",
		},
	)

	// Health
	HealthFlips = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "csm_health_flips_total",
			Help: "Number of times health transitioned true->false (should never exceed 1 per instance)",
		},
	)

	// Snapshot & Recovery metrics
	SnapshotDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "csm_snapshot_duration_seconds",
			Help:    "Time taken to persist a snapshot of the container->BCSID map",
			Buckets: prometheus.DefBuckets,
		},
	)

	SnapshotFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "csm_snapshot_failures_total",
			Help: "Snapshot attempts that failed, including refusals while unhealthy",
		},
	)
)

func init() {
	prometheus.MustRegister(
		NotOpenVerifyFailures,
		StartTransactionVerifyFailures,
		BlockAlreadyFinalizedRejections,
		CacheEvictions,
		CacheMisses,
		CacheBytes,
		ApplyInFlight,
		ApplyToleratedFailures,
		ApplyFatalFailures,
		LastAppliedIndex,
		ApplyDuration,
		ChunkWriteFailures,
		ChunkWriteDuration,
		ReadChunkFallbacks,
		ReadChunkFailures,
		HealthFlips,
		SnapshotDuration,
		SnapshotFailures,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	t.observe(histogram, labels...)
}

func (t *Timer) observe(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
