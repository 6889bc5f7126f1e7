package buffer

import (
	"time"

	"github.com/lexiqai/stream-buffer/internal/audio"
)

// SessionMetrics holds the counters owned by one Manager.
// Counters never decrease; LastFlushTime and AvgFlushInterval are overwritten on each flush.
type SessionMetrics struct {
	ChunksReceived     uint64
	ChunksProcessed    uint64
	ChunksDropped      uint64
	BytesIngested      uint64
	BytesProcessed     uint64
	LastFlushTime      time.Time
	AvgFlushInterval   time.Duration
	SpeechRatio        float64
	DecodeFailures     uint64
	DispatchFailures   uint64
	BackpressureEvents uint64
}

// MetricsSnapshot is a point-in-time view of a session for monitoring
type MetricsSnapshot struct {
	SessionID          string       `json:"session_id"`
	Active             bool         `json:"active"`
	Format             audio.Format `json:"format"`
	Classifier         string       `json:"classifier"`
	BufferedChunks     int          `json:"buffered_chunks"`
	BufferedBytes      int          `json:"buffered_bytes"`
	ChunksReceived     uint64       `json:"chunks_received"`
	ChunksProcessed    uint64       `json:"chunks_processed"`
	ChunksDropped      uint64       `json:"chunks_dropped"`
	BytesIngested      uint64       `json:"bytes_ingested"`
	BytesProcessed     uint64       `json:"bytes_processed"`
	LastFlushTime      time.Time    `json:"last_flush_time"`
	AvgFlushIntervalMs int64        `json:"avg_flush_interval_ms"`
	SpeechRatio        float64      `json:"speech_ratio"`
	DecodeFailures     uint64       `json:"decode_failures"`
	DispatchFailures   uint64       `json:"dispatch_failures"`
	BackpressureEvents uint64       `json:"backpressure_events"`
	IdleMs             int64        `json:"idle_ms"`
	AgeMs              int64        `json:"age_ms"`
}
