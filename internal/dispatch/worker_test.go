package dispatch

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lexiqai/stream-buffer/internal/audio"
	"github.com/lexiqai/stream-buffer/internal/buffer"
)

type fakeSession struct {
	mu        sync.Mutex
	id        string
	flush     bool
	reason    buffer.FlushReason
	payload   buffer.Payload
	idle      time.Duration
	ended     bool
	assembles int
	resets    int
	failures  int
}

func newFakeSession(id string) *fakeSession {
	return &fakeSession{
		id: id,
		payload: buffer.Payload{
			Data:   []byte{1, 2, 3, 4},
			Format: audio.FormatWebM,
			Metadata: buffer.PayloadMetadata{
				FlushID:      "flush-1",
				SessionID:    id,
				LastSequence: 1,
			},
		},
	}
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) CorrelationID() string { return "corr-" + s.id }

func (s *fakeSession) FlushDecision() (bool, buffer.FlushReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flush, s.reason
}

func (s *fakeSession) AssembleFlushPayload() buffer.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assembles++
	return s.payload
}

func (s *fakeSession) ResetWithOverlap() {
	s.mu.Lock()
	s.resets++
	s.mu.Unlock()
}

func (s *fakeSession) RecordDispatchFailure() {
	s.mu.Lock()
	s.failures++
	s.mu.Unlock()
}

func (s *fakeSession) IdleTime() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idle
}

func (s *fakeSession) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

func (s *fakeSession) setFlush(flush bool, reason buffer.FlushReason) {
	s.mu.Lock()
	s.flush, s.reason = flush, reason
	s.mu.Unlock()
}

func (s *fakeSession) setSequence(seq uint64) {
	s.mu.Lock()
	s.payload.Metadata.LastSequence = seq
	s.mu.Unlock()
}

type workerClock struct {
	now time.Time
}

func (c *workerClock) Now() time.Time { return c.now }

func newTestWorker(s Session, d Dispatcher, opts ...Option) (*Worker, *workerClock) {
	clock := &workerClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return NewWorker(s, d, DefaultConfig(), opts...), clock
}

func succeed(text string) Dispatcher {
	return DispatchFunc(func(ctx context.Context, p buffer.Payload) (Result, error) {
		return Result{Text: text, Confidence: 0.9, OK: true}, nil
	})
}

func TestWorker_NoFlush(t *testing.T) {
	s := newFakeSession("s1")
	w, _ := newTestWorker(s, succeed("hello"))

	if backoff := w.Tick(context.Background()); backoff != 0 {
		t.Errorf("Expected no backoff, got %v", backoff)
	}
	if s.assembles != 0 {
		t.Errorf("Expected no assemble, got %d", s.assembles)
	}
}

func TestWorker_DispatchSuccess(t *testing.T) {
	s := newFakeSession("s1")
	s.setFlush(true, buffer.FlushEndOfUtterance)

	var got Result
	var gotMeta buffer.PayloadMetadata
	w, _ := newTestWorker(s, succeed("hello"), WithResultHandler(func(id string, r Result, meta buffer.PayloadMetadata) {
		got = r
		gotMeta = meta
	}))

	if backoff := w.Tick(context.Background()); backoff != 0 {
		t.Errorf("Expected no backoff, got %v", backoff)
	}

	if got.Text != "hello" {
		t.Errorf("Expected text 'hello', got '%s'", got.Text)
	}
	if gotMeta.Reason != buffer.FlushEndOfUtterance {
		t.Errorf("Expected reason end_of_utterance, got %s", gotMeta.Reason)
	}
	if s.resets != 1 {
		t.Errorf("Expected 1 reset, got %d", s.resets)
	}

	stats := w.Stats()
	if stats.Successes != 1 || stats.ConsecutiveFailures != 0 {
		t.Errorf("Expected 1 success and no failures, got %+v", stats)
	}
	if stats.Quality < 0.79 || stats.Quality > 0.81 {
		t.Errorf("Expected quality to rise to 0.8, got %f", stats.Quality)
	}
	if stats.AdaptiveIntervalMs != 3600 {
		t.Errorf("Expected adaptive interval to shrink to 3600ms, got %d", stats.AdaptiveIntervalMs)
	}
}

func TestWorker_DispatchFailureKeepsBuffer(t *testing.T) {
	s := newFakeSession("s1")
	s.setFlush(true, buffer.FlushForcedInterval)

	called := false
	w, _ := newTestWorker(s, DispatchFunc(func(ctx context.Context, p buffer.Payload) (Result, error) {
		return Result{}, errors.New("connection refused")
	}), WithResultHandler(func(string, Result, buffer.PayloadMetadata) {
		called = true
	}))

	expected := []time.Duration{250 * time.Millisecond, 500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second}
	for i, want := range expected {
		if got := w.Tick(context.Background()); got != want {
			t.Errorf("Expected backoff %v after failure %d, got %v", want, i+1, got)
		}
	}

	if s.resets != 0 {
		t.Errorf("Expected buffer not to be reset, got %d resets", s.resets)
	}
	if s.failures != len(expected) {
		t.Errorf("Expected %d recorded failures, got %d", len(expected), s.failures)
	}
	if called {
		t.Error("Expected no result callback on failure")
	}

	stats := w.Stats()
	if stats.ConsecutiveFailures != len(expected) {
		t.Errorf("Expected %d consecutive failures, got %d", len(expected), stats.ConsecutiveFailures)
	}
	if stats.Quality != 0 {
		t.Errorf("Expected quality bounded at 0, got %f", stats.Quality)
	}
	if stats.AdaptiveIntervalMs != 8000 {
		t.Errorf("Expected adaptive interval capped at 8000ms, got %d", stats.AdaptiveIntervalMs)
	}
	if stats.LastError == "" {
		t.Error("Expected last error to be recorded")
	}
}

func TestWorker_NonOKResultIsFailure(t *testing.T) {
	s := newFakeSession("s1")
	s.setFlush(true, buffer.FlushForcedInterval)
	w, _ := newTestWorker(s, DispatchFunc(func(ctx context.Context, p buffer.Payload) (Result, error) {
		return Result{OK: false}, nil
	}))

	if backoff := w.Tick(context.Background()); backoff == 0 {
		t.Error("Expected a backoff after a non-ok result")
	}
	if w.Stats().Failures != 1 {
		t.Errorf("Expected 1 failure, got %d", w.Stats().Failures)
	}
}

func TestWorker_SuccessAfterFailureResets(t *testing.T) {
	s := newFakeSession("s1")
	s.setFlush(true, buffer.FlushForcedInterval)

	fail := true
	w, _ := newTestWorker(s, DispatchFunc(func(ctx context.Context, p buffer.Payload) (Result, error) {
		if fail {
			return Result{}, errors.New("timeout")
		}
		return Result{Text: "ok", OK: true}, nil
	}))

	w.Tick(context.Background())
	w.Tick(context.Background())
	fail = false
	w.Tick(context.Background())

	stats := w.Stats()
	if stats.ConsecutiveFailures != 0 {
		t.Errorf("Expected failures reset after success, got %d", stats.ConsecutiveFailures)
	}
	if stats.Dispatches != 3 || stats.Successes != 1 || stats.Failures != 2 {
		t.Errorf("Expected 3 dispatches / 1 success / 2 failures, got %+v", stats)
	}
}

func TestWorker_AdaptiveTrigger(t *testing.T) {
	s := newFakeSession("s1")
	var reasons []buffer.FlushReason
	w, clock := newTestWorker(s, succeed("hi"), WithResultHandler(func(id string, r Result, meta buffer.PayloadMetadata) {
		reasons = append(reasons, meta.Reason)
	}))

	clock.now = clock.now.Add(3 * time.Second)
	w.Tick(context.Background())
	if s.assembles != 0 {
		t.Error("Expected no flush before the adaptive interval")
	}

	clock.now = clock.now.Add(2 * time.Second)
	w.Tick(context.Background())
	if len(reasons) != 1 || reasons[0] != buffer.FlushWorkerAdaptive {
		t.Errorf("Expected one worker adaptive flush, got %v", reasons)
	}
}

func TestWorker_SkipsAlreadyDeliveredAudio(t *testing.T) {
	s := newFakeSession("s1")
	s.setFlush(true, buffer.FlushForcedInterval)

	dispatched := 0
	w, _ := newTestWorker(s, DispatchFunc(func(ctx context.Context, p buffer.Payload) (Result, error) {
		dispatched++
		return Result{OK: true}, nil
	}))

	w.Tick(context.Background())
	w.Tick(context.Background())
	if dispatched != 1 {
		t.Errorf("Expected overlap-only payload not to be dispatched again, got %d dispatches", dispatched)
	}

	s.setSequence(2)
	w.Tick(context.Background())
	if dispatched != 2 {
		t.Errorf("Expected new audio to be dispatched, got %d dispatches", dispatched)
	}
}

func TestWorker_EmptyPayloadNotDispatched(t *testing.T) {
	s := newFakeSession("s1")
	s.setFlush(true, buffer.FlushForcedInterval)
	s.payload = buffer.Payload{Format: audio.FormatUnknown}

	dispatched := false
	w, _ := newTestWorker(s, DispatchFunc(func(ctx context.Context, p buffer.Payload) (Result, error) {
		dispatched = true
		return Result{OK: true}, nil
	}))

	w.Tick(context.Background())
	if dispatched {
		t.Error("Expected empty payload not to be dispatched")
	}
}

func TestWorker_DispatchTimeout(t *testing.T) {
	s := newFakeSession("s1")
	s.setFlush(true, buffer.FlushForcedInterval)

	cfg := DefaultConfig()
	cfg.DispatchTimeout = 10 * time.Millisecond
	w := NewWorker(s, DispatchFunc(func(ctx context.Context, p buffer.Payload) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}), cfg)

	if backoff := w.Tick(context.Background()); backoff == 0 {
		t.Error("Expected a timed out dispatch to back off")
	}
	if !strings.Contains(w.Stats().LastError, "deadline exceeded") {
		t.Errorf("Expected the timeout to be recorded, got '%s'", w.Stats().LastError)
	}
}

func TestWorker_NextSleep(t *testing.T) {
	s := newFakeSession("s1")
	w, _ := newTestWorker(s, succeed(""))

	// Initial quality 0.7 is below the high-quality mark
	if got := w.nextSleep(); got != 150*time.Millisecond {
		t.Errorf("Expected 150ms for moderate quality, got %v", got)
	}

	w.quality = 0.9
	if got := w.nextSleep(); got != 100*time.Millisecond {
		t.Errorf("Expected 100ms for high quality, got %v", got)
	}

	w.failures = 2
	if got := w.nextSleep(); got != 300*time.Millisecond {
		t.Errorf("Expected 300ms with 2 failures, got %v", got)
	}

	w.failures = 50
	if got := w.nextSleep(); got != time.Second {
		t.Errorf("Expected sleep clamped to 1s, got %v", got)
	}

	w.failures = 0
	s.idle = 6 * time.Second
	if got := w.nextSleep(); got != time.Second {
		t.Errorf("Expected max sleep when idle, got %v", got)
	}
}

func TestWorker_RunStopsWhenSessionEnds(t *testing.T) {
	s := newFakeSession("s1")
	w := NewWorker(s, succeed(""), DefaultConfig())

	ticks := 0
	w.sleep = func(ctx context.Context, d time.Duration) bool {
		ticks++
		if ticks == 3 {
			s.mu.Lock()
			s.ended = true
			s.mu.Unlock()
		}
		return true
	}

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected nil error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected worker to stop after the session ended")
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	s := newFakeSession("s1")
	w := NewWorker(s, succeed(""), DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected nil error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected worker to stop on cancel")
	}
}

func TestWorker_WithRealManager(t *testing.T) {
	cfg := buffer.DefaultConfig()
	cfg.EnableVAD = false
	cfg.MaxFlushInterval = 20 * time.Millisecond
	cfg.MinFlushInterval = 10 * time.Millisecond
	m := buffer.NewManager("real", cfg)

	chunk := make([]byte, 640)
	for i := range chunk {
		chunk[i] = byte(i)
	}
	m.IngestChunk(chunk, "audio/pcm")

	results := make(chan buffer.PayloadMetadata, 1)
	wcfg := DefaultConfig()
	wcfg.MinSleep = time.Millisecond
	wcfg.BaseSleep = 5 * time.Millisecond
	w := NewWorker(m, succeed("text"), wcfg, WithResultHandler(func(id string, r Result, meta buffer.PayloadMetadata) {
		select {
		case results <- meta:
		default:
		}
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	select {
	case meta := <-results:
		if meta.ChunkCount != 1 || meta.SessionID != "real" {
			t.Errorf("Expected one chunk from session 'real', got %+v", meta)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected a forced flush to be dispatched")
	}

	m.EndSession()
}

func TestWorker_LogsSessionCorrelationID(t *testing.T) {
	m := buffer.NewManager("corr", buffer.DefaultConfig())
	w := NewWorker(m, succeed(""), DefaultConfig())

	var buf bytes.Buffer
	l := w.logger.Output(&buf)
	l.Info().Msg("worker line")

	if m.CorrelationID() == "" {
		t.Fatal("Expected manager to carry a correlation id")
	}
	if !strings.Contains(buf.String(), m.CorrelationID()) {
		t.Errorf("Expected worker log to carry correlation id %s, got %s", m.CorrelationID(), buf.String())
	}
}
