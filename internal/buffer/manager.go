package buffer

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/stream-buffer/internal/audio"
	"github.com/lexiqai/stream-buffer/internal/observability"
)

// flushIntervalWindow is how many recent flush intervals feed the rolling average
const flushIntervalWindow = 10

// FlushReason names the trigger behind a flush decision
type FlushReason string

const (
	FlushNone             FlushReason = ""
	FlushForcedInterval   FlushReason = "forced_interval"
	FlushForcedSize       FlushReason = "forced_size"
	FlushEndOfUtterance   FlushReason = "end_of_utterance"
	FlushSustainedSilence FlushReason = "sustained_silence"
	FlushWorkerAdaptive   FlushReason = "worker_adaptive"
)

// PayloadMetadata describes an assembled flush payload
type PayloadMetadata struct {
	FlushID       string       `json:"flush_id"`
	SessionID     string       `json:"session_id"`
	ChunkCount    int          `json:"chunk_count"`
	TotalBytes    int          `json:"total_bytes"`
	SpeechRatio   float64      `json:"speech_ratio"`
	MeanEnergy    float64      `json:"mean_energy"`
	FirstSequence uint64       `json:"first_sequence"`
	LastSequence  uint64       `json:"last_sequence"`
	Format        audio.Format `json:"format"`
	MimeType      string       `json:"mime_type,omitempty"`
	Reason        FlushReason  `json:"reason,omitempty"`
	AssembledAt   time.Time    `json:"assembled_at"`
}

// Payload is the audio handed to the transcription dispatcher
type Payload struct {
	Data     []byte
	Format   audio.Format
	Metadata PayloadMetadata
}

// Empty reports whether the payload carries no audio
func (p Payload) Empty() bool {
	return len(p.Data) == 0
}

// Option configures a Manager
type Option func(*Manager)

// WithClock replaces the time source
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithDetector enables frame-level voice activity detection
func WithDetector(detector audio.FrameDetector) Option {
	return func(m *Manager) {
		m.detector = detector
	}
}

// WithLogger sets the session logger
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// Manager buffers the audio of one session and decides when it should be flushed.
// All state is guarded by a single mutex; every method is safe for concurrent use.
type Manager struct {
	id            string
	correlationID string
	cfg           Config

	mu     sync.Mutex
	active bool

	chunks  []audio.AudioChunk
	raw     []byte
	nextSeq uint64

	format        audio.Format
	formatChecked bool
	reconstructor *audio.ContainerReconstructor
	detector      audio.FrameDetector
	classifier    audio.Classifier

	// Highest sequence included in the last assembled payload
	lastFlushedSeq    uint64
	flushedSinceReset bool

	metrics        SessionMetrics
	flushIntervals *audio.Ring[time.Duration]
	createdAt      time.Time
	lastActivity   time.Time
	lastFlush      time.Time

	now    func() time.Time
	logger zerolog.Logger
}

// NewManager creates the buffer manager for a session
func NewManager(sessionID string, cfg Config, opts ...Option) *Manager {
	correlationID := observability.NewCorrelationID()
	m := &Manager{
		id:             sessionID,
		correlationID:  correlationID,
		cfg:            cfg,
		active:         true,
		format:         audio.FormatUnknown,
		reconstructor:  audio.NewContainerReconstructor(),
		flushIntervals: audio.NewRing[time.Duration](flushIntervalWindow),
		now:            time.Now,
		logger:         observability.WithSession(sessionID, correlationID),
	}
	for _, opt := range opts {
		opt(m)
	}

	var detector audio.FrameDetector
	if cfg.EnableVAD {
		detector = m.detector
	}
	classifierCfg := audio.DefaultClassifierConfig()
	classifierCfg.EnergyThreshold = cfg.MinEnergyThreshold
	m.classifier = audio.NewClassifier(classifierCfg, detector)

	now := m.now()
	m.createdAt = now
	m.lastActivity = now
	m.lastFlush = now

	return m
}

// CorrelationID ties together every log line written for this session
func (m *Manager) CorrelationID() string {
	return m.correlationID
}

// ID returns the session identifier
func (m *Manager) ID() string {
	return m.id
}

// IngestChunk buffers one fragment. It returns false if the session has ended,
// the byte ceiling would be exceeded, or the chunk was dropped by quality gating.
func (m *Manager) IngestChunk(data []byte, mimeType string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.active {
		observability.RecordChunkDropped("ended")
		return false
	}

	now := m.now()
	m.lastActivity = now
	m.metrics.ChunksReceived++

	if len(data) == 0 {
		m.metrics.DecodeFailures++
		m.drop("empty")
		return false
	}

	if len(m.raw)+len(data) > m.cfg.MaxBytes {
		m.metrics.BackpressureEvents++
		m.drop("backpressure")
		m.logger.Debug().
			Int("buffered_bytes", len(m.raw)).
			Int("chunk_bytes", len(data)).
			Msg("Buffer full, rejecting chunk")
		return false
	}

	chunk := audio.NewAudioChunk(append([]byte(nil), data...), mimeType, 0, now)

	if !m.formatChecked {
		m.formatChecked = true
		m.format = m.reconstructor.DetectFormat(chunk.Data)
		if m.reconstructor.CaptureHeader(chunk.Data, m.format) {
			m.logger.Debug().
				Str("format", string(m.format)).
				Int("header_bytes", chunk.Size).
				Msg("Captured container header")
		}
	}

	chunk.HasSpeech, chunk.Energy = m.classify(chunk.Data, mimeType)

	if m.cfg.EnableQualityGating &&
		len(m.chunks) > m.cfg.QualityGateMinChunks &&
		chunk.Energy < m.cfg.MinEnergyThreshold {
		m.drop("quality")
		return false
	}

	m.nextSeq++
	chunk.Sequence = m.nextSeq
	m.chunks = append(m.chunks, chunk)
	m.raw = append(m.raw, chunk.Data...)
	m.metrics.BytesIngested += uint64(chunk.Size)
	m.metrics.SpeechRatio = m.classifier.SpeechRatio()
	observability.RecordChunkIngested(chunk.Size)

	// Evict the oldest chunks once the window is full
	for len(m.chunks) > m.cfg.MaxChunks() {
		evicted := m.chunks[0]
		m.chunks = m.chunks[1:]
		m.raw = m.raw[evicted.Size:]
		m.drop("evicted")
	}

	return true
}

// classify scores a chunk, decoding μ-law first so energy reflects linear PCM
func (m *Manager) classify(data []byte, mimeType string) (bool, float64) {
	pcm := data
	if audio.IsMulaw(mimeType) {
		decoded, err := audio.ConvertPCMUToPCM(data)
		if err != nil {
			m.metrics.DecodeFailures++
		} else {
			pcm = decoded
		}
	}

	if !m.cfg.EnableVAD {
		return true, audio.NormalizedEnergy(pcm)
	}
	return m.classifier.Analyze(pcm, m.cfg.SampleRate)
}

func (m *Manager) drop(reason string) {
	m.metrics.ChunksDropped++
	observability.RecordChunkDropped(reason)
}

// ShouldFlush reports whether the buffered audio should be flushed now
func (m *Manager) ShouldFlush() bool {
	flush, _ := m.FlushDecision()
	return flush
}

// FlushDecision evaluates, in strict priority order, the forced triggers,
// the minimum interval floor and finally the adaptive speech heuristics.
func (m *Manager) FlushDecision() (bool, FlushReason) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Nothing buffered, nothing to flush
	if !m.active || len(m.chunks) == 0 {
		return false, FlushNone
	}

	since := m.now().Sub(m.lastFlush)

	if since > m.cfg.MaxFlushInterval {
		return true, FlushForcedInterval
	}
	if len(m.raw) > m.cfg.MaxBytes/2 {
		return true, FlushForcedSize
	}

	if since < m.cfg.MinFlushInterval {
		return false, FlushNone
	}

	if !m.cfg.EnableVAD {
		return false, FlushNone
	}

	ratio := m.classifier.SpeechRatio()
	if ratio > m.cfg.SpeechRatioHigh && m.trailingSilence() {
		return true, FlushEndOfUtterance
	}
	if ratio < m.cfg.SpeechRatioLow && since >= 2*m.cfg.MinFlushInterval {
		return true, FlushSustainedSilence
	}

	return false, FlushNone
}

// trailingSilence reports whether the most recent chunks are all non-speech
func (m *Manager) trailingSilence() bool {
	n := m.cfg.TrailingSilenceChunks
	if n <= 0 || len(m.chunks) < n {
		return false
	}
	for _, c := range m.chunks[len(m.chunks)-n:] {
		if c.HasSpeech {
			return false
		}
	}
	return true
}

// AssembleFlushPayload rebuilds the container from the buffered chunks and
// records the flush. An empty session yields an empty payload of unknown format
// and restarts the flush interval, so audio arriving after a long silence is not
// force-flushed on its own.
func (m *Manager) AssembleFlushPayload() Payload {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.chunks) == 0 {
		m.lastFlush = m.now()
		return Payload{Format: audio.FormatUnknown}
	}

	now := m.now()
	fragments := make([][]byte, len(m.chunks))
	totalBytes := 0
	energySum := 0.0
	var newChunks, newBytes uint64
	for i, c := range m.chunks {
		fragments[i] = c.Data
		totalBytes += c.Size
		energySum += c.Energy
		if c.Sequence > m.lastFlushedSeq {
			newChunks++
			newBytes += uint64(c.Size)
		}
	}

	data := m.reconstructor.Reconstruct(fragments, m.format)

	first := m.chunks[0].Sequence
	last := m.chunks[len(m.chunks)-1].Sequence
	meta := PayloadMetadata{
		FlushID:       uuid.New().String(),
		SessionID:     m.id,
		ChunkCount:    len(m.chunks),
		TotalBytes:    totalBytes,
		SpeechRatio:   m.classifier.SpeechRatio(),
		MeanEnergy:    energySum / float64(len(m.chunks)),
		FirstSequence: first,
		LastSequence:  last,
		Format:        m.format,
		MimeType:      m.chunks[len(m.chunks)-1].MimeType,
		AssembledAt:   now,
	}

	m.metrics.ChunksProcessed += newChunks
	m.metrics.BytesProcessed += newBytes
	m.flushIntervals.Push(now.Sub(m.lastFlush))
	m.metrics.AvgFlushInterval = averageInterval(m.flushIntervals)
	m.metrics.LastFlushTime = now
	m.lastFlush = now
	m.lastFlushedSeq = last
	m.flushedSinceReset = true

	m.logger.Debug().
		Str("flush_id", meta.FlushID).
		Int("chunks", meta.ChunkCount).
		Int("payload_bytes", len(data)).
		Float64("speech_ratio", meta.SpeechRatio).
		Msg("Assembled flush payload")

	return Payload{
		Data:     data,
		Format:   m.format,
		Metadata: meta,
	}
}

// ResetWithOverlap drops flushed audio except for a trailing overlap window
// sized by the overlap duration. Chunks that arrived after the last assembled
// payload are kept so they are dispatched with the next flush.
func (m *Manager) ResetWithOverlap() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.active {
		return
	}

	boundary := m.lastFlushedSeq
	if !m.flushedSinceReset && len(m.chunks) > 0 {
		boundary = m.chunks[len(m.chunks)-1].Sequence
	}

	split := len(m.chunks)
	for i, c := range m.chunks {
		if c.Sequence > boundary {
			split = i
			break
		}
	}
	flushed, pending := m.chunks[:split], m.chunks[split:]

	budget := m.cfg.OverlapBytes()
	keepFrom := len(flushed)
	used := 0
	for i := len(flushed) - 1; i >= 0; i-- {
		if used+flushed[i].Size > budget {
			break
		}
		used += flushed[i].Size
		keepFrom = i
	}

	retained := make([]audio.AudioChunk, 0, len(flushed)-keepFrom+len(pending))
	retained = append(retained, flushed[keepFrom:]...)
	retained = append(retained, pending...)

	raw := make([]byte, 0, used)
	for _, c := range retained {
		raw = append(raw, c.Data...)
	}

	m.chunks = retained
	m.raw = raw
	m.flushedSinceReset = false
}

// RecordDispatchFailure counts a failed dispatch of this session's audio
func (m *Manager) RecordDispatchFailure() {
	m.mu.Lock()
	m.metrics.DispatchFailures++
	m.mu.Unlock()
}

// GetMetrics returns a snapshot of the session counters and live signals
func (m *Manager) GetMetrics() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	return MetricsSnapshot{
		SessionID:          m.id,
		Active:             m.active,
		Format:             m.format,
		Classifier:         m.classifier.Name(),
		BufferedChunks:     len(m.chunks),
		BufferedBytes:      len(m.raw),
		ChunksReceived:     m.metrics.ChunksReceived,
		ChunksProcessed:    m.metrics.ChunksProcessed,
		ChunksDropped:      m.metrics.ChunksDropped,
		BytesIngested:      m.metrics.BytesIngested,
		BytesProcessed:     m.metrics.BytesProcessed,
		LastFlushTime:      m.metrics.LastFlushTime,
		AvgFlushIntervalMs: averageInterval(m.flushIntervals).Milliseconds(),
		SpeechRatio:        m.classifier.SpeechRatio(),
		DecodeFailures:     m.metrics.DecodeFailures,
		DispatchFailures:   m.metrics.DispatchFailures,
		BackpressureEvents: m.metrics.BackpressureEvents,
		IdleMs:             now.Sub(m.lastActivity).Milliseconds(),
		AgeMs:              now.Sub(m.createdAt).Milliseconds(),
	}
}

// IdleTime returns the time since the last ingestion attempt
func (m *Manager) IdleTime() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now().Sub(m.lastActivity)
}

// ShouldTimeout reports whether the session has been idle past its timeout
func (m *Manager) ShouldTimeout() bool {
	return m.IdleTime() > m.cfg.IdleTimeout
}

// EndSession marks the session inactive and releases its buffers. It is idempotent.
func (m *Manager) EndSession() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.active {
		return
	}
	m.active = false
	m.chunks = nil
	m.raw = nil

	m.logger.Info().
		Uint64("chunks_received", m.metrics.ChunksReceived).
		Uint64("chunks_processed", m.metrics.ChunksProcessed).
		Uint64("chunks_dropped", m.metrics.ChunksDropped).
		Msg("Session ended")
}

// Ended reports whether EndSession has been called
func (m *Manager) Ended() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.active
}

// Format returns the container format detected for the session
func (m *Manager) Format() audio.Format {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.format
}

// Header returns the captured container header, if any
func (m *Manager) Header() ([]byte, bool) {
	m.mu.Lock()
	format := m.format
	m.mu.Unlock()
	return m.reconstructor.Header(format)
}

func averageInterval(r *audio.Ring[time.Duration]) time.Duration {
	values := r.Values()
	if len(values) == 0 {
		return 0
	}
	var sum time.Duration
	for _, v := range values {
		sum += v
	}
	return sum / time.Duration(len(values))
}
