package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/stream-buffer/internal/buffer"
	"github.com/lexiqai/stream-buffer/internal/observability"
	"github.com/lexiqai/stream-buffer/internal/resilience"
)

// ErrRejected is reported when a dispatcher returns a non-OK result without an error
var ErrRejected = errors.New("dispatch returned a non-ok result")

// Result is the outcome of transcribing one payload
type Result struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	OK         bool    `json:"ok"`
}

// Dispatcher sends an assembled payload to the transcription backend
type Dispatcher interface {
	Dispatch(ctx context.Context, payload buffer.Payload) (Result, error)
}

// DispatchFunc adapts a function to the Dispatcher interface
type DispatchFunc func(ctx context.Context, payload buffer.Payload) (Result, error)

// Dispatch calls f
func (f DispatchFunc) Dispatch(ctx context.Context, payload buffer.Payload) (Result, error) {
	return f(ctx, payload)
}

// ResultHandler receives every successful transcription
type ResultHandler func(sessionID string, result Result, meta buffer.PayloadMetadata)

// Session is the part of a buffer manager the worker drives
type Session interface {
	ID() string
	CorrelationID() string
	FlushDecision() (bool, buffer.FlushReason)
	AssembleFlushPayload() buffer.Payload
	ResetWithOverlap()
	RecordDispatchFailure()
	IdleTime() time.Duration
	Ended() bool
}

var _ Session = (*buffer.Manager)(nil)

// Config tunes the worker's polling cadence, adaptive interval and backoff
type Config struct {
	MinSleep      time.Duration
	BaseSleep     time.Duration
	MaxSleep      time.Duration
	IdleThreshold time.Duration

	InitialInterval time.Duration
	MinInterval     time.Duration
	MaxInterval     time.Duration

	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64

	DispatchTimeout time.Duration

	InitialQuality float64
	HighQuality    float64
	QualityStep    float64
	QualityPenalty float64
}

// DefaultConfig returns the default worker tuning
func DefaultConfig() Config {
	return Config{
		MinSleep:          50 * time.Millisecond,
		BaseSleep:         100 * time.Millisecond,
		MaxSleep:          time.Second,
		IdleThreshold:     5 * time.Second,
		InitialInterval:   4 * time.Second,
		MinInterval:       1500 * time.Millisecond,
		MaxInterval:       8 * time.Second,
		InitialBackoff:    250 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		DispatchTimeout:   30 * time.Second,
		InitialQuality:    0.7,
		HighQuality:       0.8,
		QualityStep:       0.1,
		QualityPenalty:    0.2,
	}
}

// Stats is a snapshot of a worker's adaptive state
type Stats struct {
	SessionID           string    `json:"session_id"`
	Dispatches          uint64    `json:"dispatches"`
	Successes           uint64    `json:"successes"`
	Failures            uint64    `json:"failures"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Quality             float64   `json:"quality"`
	AdaptiveIntervalMs  int64     `json:"adaptive_interval_ms"`
	LastSuccess         time.Time `json:"last_success,omitempty"`
	LastError           string    `json:"last_error,omitempty"`
}

// Option configures a Worker
type Option func(*Worker)

// WithResultHandler registers the callback for successful transcriptions
func WithResultHandler(h ResultHandler) Option {
	return func(w *Worker) {
		w.onResult = h
	}
}

// WithClock replaces the time source
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		w.now = now
	}
}

// WithLogger sets the worker logger
func WithLogger(logger zerolog.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

// Worker polls one session for flushes and dispatches the assembled audio
type Worker struct {
	session    Session
	dispatcher Dispatcher
	cfg        Config
	onResult   ResultHandler
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) bool
	logger     zerolog.Logger

	mu           sync.Mutex
	failures     int
	quality      float64
	interval     time.Duration
	lastFlush    time.Time
	lastSuccess  time.Time
	lastSentSeq  uint64
	lastErr      string
	dispatches   uint64
	successes    uint64
	failureTotal uint64
}

// NewWorker creates a worker for session
func NewWorker(session Session, dispatcher Dispatcher, cfg Config, opts ...Option) *Worker {
	w := &Worker{
		session:    session,
		dispatcher: dispatcher,
		cfg:        cfg,
		now:        time.Now,
		sleep:      sleepContext,
		logger:     observability.WithSession(session.ID(), session.CorrelationID()).With().Str("component", "dispatch_worker").Logger(),
		quality:    cfg.InitialQuality,
		interval:   cfg.InitialInterval,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.lastFlush = w.now()
	return w
}

// Run polls the session until it ends or ctx is cancelled
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Debug().Msg("Dispatch worker started")
	defer w.logger.Debug().Msg("Dispatch worker stopped")

	for {
		if ctx.Err() != nil || w.session.Ended() {
			return nil
		}

		wait := w.Tick(ctx)
		if wait <= 0 {
			wait = w.nextSleep()
		}
		if !w.sleep(ctx, wait) {
			return nil
		}
	}
}

// Tick runs one loop iteration. It returns a backoff to wait after a failed
// dispatch, or zero to let the regular polling cadence apply.
func (w *Worker) Tick(ctx context.Context) time.Duration {
	flush, reason := w.session.FlushDecision()
	if !flush && w.adaptiveDue() {
		flush, reason = true, buffer.FlushWorkerAdaptive
	}
	if !flush {
		return 0
	}

	payload := w.session.AssembleFlushPayload()
	if payload.Empty() || !w.hasNewAudio(payload) {
		w.mu.Lock()
		w.lastFlush = w.now()
		w.mu.Unlock()
		return 0
	}
	payload.Metadata.Reason = reason
	observability.RecordFlush(string(reason), len(payload.Data))

	start := w.now()
	result, err := w.dispatch(ctx, payload)
	latency := w.now().Sub(start)
	observability.RecordDispatch(err == nil, latency)

	if err != nil {
		return w.onFailure(payload, err)
	}
	w.onSuccess(payload, result, latency)
	return 0
}

func (w *Worker) dispatch(ctx context.Context, payload buffer.Payload) (Result, error) {
	dctx := ctx
	if w.cfg.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, w.cfg.DispatchTimeout)
		defer cancel()
	}

	result, err := w.dispatcher.Dispatch(dctx, payload)
	if err != nil {
		return Result{}, fmt.Errorf("dispatch flush %s: %w", payload.Metadata.FlushID, err)
	}
	if !result.OK {
		return Result{}, fmt.Errorf("dispatch flush %s: %w", payload.Metadata.FlushID, ErrRejected)
	}
	return result, nil
}

// adaptiveDue reports whether the worker's own interval has elapsed
func (w *Worker) adaptiveDue() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.now().Sub(w.lastFlush) > w.interval
}

// hasNewAudio is false when the payload only repeats audio already delivered
func (w *Worker) hasNewAudio(payload buffer.Payload) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return payload.Metadata.LastSequence > w.lastSentSeq
}

func (w *Worker) onSuccess(payload buffer.Payload, result Result, latency time.Duration) {
	w.session.ResetWithOverlap()

	w.mu.Lock()
	now := w.now()
	w.dispatches++
	w.successes++
	w.failures = 0
	w.lastErr = ""
	w.lastSuccess = now
	w.lastFlush = now
	w.lastSentSeq = payload.Metadata.LastSequence
	w.quality = min(1.0, w.quality+w.cfg.QualityStep)
	w.interval = max(w.cfg.MinInterval, time.Duration(float64(w.interval)*0.9))
	quality := w.quality
	w.mu.Unlock()

	observability.ObserveQualityScore(quality)
	w.logger.Debug().
		Str("flush_id", payload.Metadata.FlushID).
		Str("reason", string(payload.Metadata.Reason)).
		Int("payload_bytes", len(payload.Data)).
		Dur("latency", latency).
		Float64("confidence", result.Confidence).
		Msg("Dispatched flush")

	if w.onResult != nil {
		w.onResult(w.session.ID(), result, payload.Metadata)
	}
}

func (w *Worker) onFailure(payload buffer.Payload, err error) time.Duration {
	w.session.RecordDispatchFailure()

	w.mu.Lock()
	w.dispatches++
	w.failureTotal++
	w.failures++
	w.lastErr = err.Error()
	w.quality = max(0.0, w.quality-w.cfg.QualityPenalty)
	w.interval = min(w.cfg.MaxInterval, time.Duration(float64(w.interval)*1.25))
	failures := w.failures
	quality := w.quality
	w.mu.Unlock()

	backoff := resilience.CalculateBackoff(failures-1, w.cfg.InitialBackoff, w.cfg.MaxBackoff, w.cfg.BackoffMultiplier)

	observability.ObserveQualityScore(quality)
	w.logger.Warn().
		Err(err).
		Str("flush_id", payload.Metadata.FlushID).
		Int("consecutive_failures", failures).
		Dur("backoff", backoff).
		Msg("Dispatch failed, buffer retained")

	return backoff
}

// nextSleep picks the polling delay: idle, failing, healthy, degraded, in that order
func (w *Worker) nextSleep() time.Duration {
	idle := w.session.IdleTime()

	w.mu.Lock()
	failures := w.failures
	quality := w.quality
	w.mu.Unlock()

	var d time.Duration
	switch {
	case idle > w.cfg.IdleThreshold:
		d = w.cfg.MaxSleep
	case failures > 0:
		d = w.cfg.BaseSleep * time.Duration(1+failures)
	case quality >= w.cfg.HighQuality:
		d = w.cfg.BaseSleep
	default:
		d = w.cfg.BaseSleep * 3 / 2
	}

	return min(max(d, w.cfg.MinSleep), w.cfg.MaxSleep)
}

// Stats returns a snapshot of the worker state
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	return Stats{
		SessionID:           w.session.ID(),
		Dispatches:          w.dispatches,
		Successes:           w.successes,
		Failures:            w.failureTotal,
		ConsecutiveFailures: w.failures,
		Quality:             w.quality,
		AdaptiveIntervalMs:  w.interval.Milliseconds(),
		LastSuccess:         w.lastSuccess,
		LastError:           w.lastErr,
	}
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
