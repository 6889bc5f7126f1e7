package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "stream_buffer_active_sessions",
		Help: "Number of active buffering sessions",
	})

	sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stream_buffer_sessions_ended_total",
		Help: "Total number of ended sessions by cause",
	}, []string{"cause"}) // cause: "removed" or "expired"

	// Ingestion metrics
	chunksIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stream_buffer_chunks_ingested_total",
		Help: "Total number of accepted audio chunks",
	})

	bytesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stream_buffer_bytes_ingested_total",
		Help: "Total number of accepted audio bytes",
	})

	chunksDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stream_buffer_chunks_dropped_total",
		Help: "Total number of rejected or evicted audio chunks",
	}, []string{"reason"})

	// Flush metrics
	flushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stream_buffer_flushes_total",
		Help: "Total number of assembled flush payloads by trigger",
	}, []string{"reason"})

	flushBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stream_buffer_flush_payload_bytes",
		Help:    "Size of assembled flush payloads in bytes",
		Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
	})

	// Dispatch metrics
	dispatchRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stream_buffer_dispatch_requests_total",
		Help: "Total number of transcription dispatches",
	}, []string{"status"})

	dispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stream_buffer_dispatch_latency_seconds",
		Help:    "Transcription dispatch latency in seconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	})

	qualityScore = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "stream_buffer_worker_quality_score",
		Help:    "Smoothed dispatch quality score observed after each dispatch",
		Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
	})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stream_buffer_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stream_buffer_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})
)

// RecordSessionStart records a newly created session
func RecordSessionStart() {
	activeSessions.Inc()
}

// RecordSessionEnd records a session leaving the registry
func RecordSessionEnd(expired bool) {
	activeSessions.Dec()
	cause := "removed"
	if expired {
		cause = "expired"
	}
	sessionsTotal.WithLabelValues(cause).Inc()
}

// RecordChunkIngested records an accepted chunk
func RecordChunkIngested(size int) {
	chunksIngested.Inc()
	bytesIngested.Add(float64(size))
}

// RecordChunkDropped records a rejected or evicted chunk
func RecordChunkDropped(reason string) {
	chunksDropped.WithLabelValues(reason).Inc()
}

// RecordFlush records an assembled payload
func RecordFlush(reason string, size int) {
	flushesTotal.WithLabelValues(reason).Inc()
	flushBytes.Observe(float64(size))
}

// RecordDispatch records the outcome and latency of one dispatch
func RecordDispatch(success bool, latency time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	dispatchRequests.WithLabelValues(status).Inc()
	dispatchLatency.Observe(latency.Seconds())
}

// ObserveQualityScore records a worker's smoothed quality score
func ObserveQualityScore(score float64) {
	qualityScore.Observe(score)
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
