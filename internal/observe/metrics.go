// Package observe provides the worker's observability primitives:
// Prometheus metrics and the slog structured-logging conventions used
// throughout the pipeline. A direct Prometheus registry is the
// proportionate choice here (no distributed tracing or multi-backend
// export is needed); github.com/prometheus/client_golang is itself a
// real dependency already present in the pack.
package observe

import "github.com/prometheus/client_golang/prometheus"

// chunkLatencyBuckets are tuned for provider round-trips (seconds),
// which typically run from a few seconds up past a minute for longer
// chunks or retried requests.
var chunkLatencyBuckets = []float64{1, 2.5, 5, 10, 20, 40, 60, 120}

// Metrics holds every Prometheus instrument the worker records against.
// All fields are safe for concurrent use; the underlying client_golang
// types handle their own synchronization.
type Metrics struct {
	// JobsTotal counts jobs reaching a terminal status. Labels: status.
	JobsTotal *prometheus.CounterVec

	// ChunkAttemptsTotal counts every provider call the driver makes,
	// including retries. Labels: provider, outcome.
	ChunkAttemptsTotal *prometheus.CounterVec

	// ChunkDuration tracks provider round-trip latency per chunk attempt.
	// Labels: provider.
	ChunkDuration *prometheus.HistogramVec

	// CoverageRetriesTotal counts driver coverage-gap retries. Labels: provider.
	CoverageRetriesTotal *prometheus.CounterVec

	// MergeDroppedSegmentsTotal counts overlap segments the merger dropped
	// as duplicates.
	MergeDroppedSegmentsTotal prometheus.Counter

	// BoundaryWarningsTotal counts chunk boundary-gap warnings the merger
	// raised (first/last segment far from its chunk edge).
	BoundaryWarningsTotal prometheus.Counter

	// ActiveWorkers tracks how many worker goroutines currently hold a
	// claimed job.
	ActiveWorkers prometheus.Gauge

	// QueueClaimDuration tracks how long a Claim() poll took, a proxy for
	// queue contention.
	QueueClaimDuration prometheus.Histogram
}

// NewMetrics creates and registers every instrument against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transcribe_jobs_total",
			Help: "Total jobs reaching a terminal status, by status.",
		}, []string{"status"}),

		ChunkAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transcribe_chunk_attempts_total",
			Help: "Total provider transcription attempts, by provider and outcome.",
		}, []string{"provider", "outcome"}),

		ChunkDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "transcribe_chunk_duration_seconds",
			Help:    "Provider round-trip latency per chunk attempt, by provider.",
			Buckets: chunkLatencyBuckets,
		}, []string{"provider"}),

		CoverageRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transcribe_coverage_retries_total",
			Help: "Total chunk coverage-gap retries, by provider.",
		}, []string{"provider"}),

		MergeDroppedSegmentsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transcribe_merge_dropped_segments_total",
			Help: "Total overlap segments dropped as duplicates during merge.",
		}),

		BoundaryWarningsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transcribe_boundary_warnings_total",
			Help: "Total chunk boundary-gap warnings raised during merge.",
		}),

		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transcribe_active_workers",
			Help: "Worker goroutines currently holding a claimed job.",
		}),

		QueueClaimDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "transcribe_queue_claim_duration_seconds",
			Help:    "Time spent in a single queue Claim() call.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.JobsTotal,
		m.ChunkAttemptsTotal,
		m.ChunkDuration,
		m.CoverageRetriesTotal,
		m.MergeDroppedSegmentsTotal,
		m.BoundaryWarningsTotal,
		m.ActiveWorkers,
		m.QueueClaimDuration,
	)
	return m
}

// RecordJob increments JobsTotal for the job's terminal status.
func (m *Metrics) RecordJob(status string) {
	m.JobsTotal.WithLabelValues(status).Inc()
}

// RecordChunkAttempt increments ChunkAttemptsTotal and observes
// ChunkDuration for one provider call.
func (m *Metrics) RecordChunkAttempt(provider, outcome string, seconds float64) {
	m.ChunkAttemptsTotal.WithLabelValues(provider, outcome).Inc()
	m.ChunkDuration.WithLabelValues(provider).Observe(seconds)
}

// RecordCoverageRetry increments CoverageRetriesTotal for provider.
func (m *Metrics) RecordCoverageRetry(provider string) {
	m.CoverageRetriesTotal.WithLabelValues(provider).Inc()
}

// RecordMergeDrops increments MergeDroppedSegmentsTotal by n.
func (m *Metrics) RecordMergeDrops(n int) {
	m.MergeDroppedSegmentsTotal.Add(float64(n))
}

// RecordBoundaryWarnings increments BoundaryWarningsTotal by n.
func (m *Metrics) RecordBoundaryWarnings(n int) {
	m.BoundaryWarningsTotal.Add(float64(n))
}
