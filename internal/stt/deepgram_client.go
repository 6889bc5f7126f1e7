package stt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest"
	restinterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/stream-buffer/internal/audio"
	"github.com/lexiqai/stream-buffer/internal/buffer"
	"github.com/lexiqai/stream-buffer/internal/dispatch"
	"github.com/lexiqai/stream-buffer/internal/observability"
	"github.com/lexiqai/stream-buffer/internal/resilience"
)

const serviceName = "deepgram"

// Options configures the Deepgram dispatcher
type Options struct {
	APIKey     string
	Model      string
	Language   string
	SampleRate int // Assumed rate for headerless PCM payloads

	// MulawSampleRate is the assumed rate for headerless μ-law payloads
	MulawSampleRate int

	MaxFailures  int
	ResetTimeout time.Duration
	Retry        *resilience.RetryConfig
}

// transcribeFunc matches the pre-recorded listen API
type transcribeFunc func(ctx context.Context, src io.Reader, opts *interfaces.PreRecordedTranscriptionOptions) (*restinterfaces.PreRecordedResponse, error)

// DeepgramClient transcribes flush payloads with Deepgram's pre-recorded API.
// It implements dispatch.Dispatcher.
type DeepgramClient struct {
	opts           Options
	transcribe     transcribeFunc
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger
}

var _ dispatch.Dispatcher = (*DeepgramClient)(nil)

// NewDeepgramClient creates a Deepgram dispatcher
func NewDeepgramClient(opts Options) (*DeepgramClient, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("deepgram api key is required")
	}

	c := listenClient.NewREST(opts.APIKey, &interfaces.ClientOptions{})
	dg := api.New(c)

	return newDeepgramClient(opts, dg.FromStream), nil
}

func newDeepgramClient(opts Options, transcribe transcribeFunc) *DeepgramClient {
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.MulawSampleRate <= 0 {
		opts.MulawSampleRate = 8000
	}
	if opts.Retry == nil {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	return &DeepgramClient{
		opts:           opts,
		transcribe:     transcribe,
		circuitBreaker: resilience.NewCircuitBreaker(serviceName, opts.MaxFailures, opts.ResetTimeout),
		logger:         observability.WithComponent("deepgram"),
	}
}

// Dispatch sends one payload for transcription. Transient failures are retried;
// an open circuit fails fast.
func (d *DeepgramClient) Dispatch(ctx context.Context, payload buffer.Payload) (dispatch.Result, error) {
	if payload.Empty() {
		return dispatch.Result{OK: true}, nil
	}

	body, err := d.requestBody(payload)
	if err != nil {
		return dispatch.Result{}, err
	}
	tOptions := d.transcriptionOptions()

	var result dispatch.Result
	err = resilience.Retry(ctx, func(ctx context.Context) error {
		return d.circuitBreaker.Call(func() error {
			res, err := d.transcribe(ctx, bytes.NewReader(body), tOptions)
			if err != nil {
				return fmt.Errorf("deepgram transcription failed: %w", classifyError(err))
			}
			result = toResult(res)
			return nil
		})
	}, d.opts.Retry, resilience.IsRetryableNetworkError)
	if err != nil {
		return dispatch.Result{}, err
	}

	d.logger.Debug().
		Str("session_id", payload.Metadata.SessionID).
		Str("flush_id", payload.Metadata.FlushID).
		Int("transcript_length", len(result.Text)).
		Float64("confidence", result.Confidence).
		Msg("Deepgram transcription received")

	return result, nil
}

// requestBody returns container payloads as is and wraps headerless audio in WAV
func (d *DeepgramClient) requestBody(payload buffer.Payload) ([]byte, error) {
	if payload.Format != audio.FormatUnknown {
		return payload.Data, nil
	}

	var (
		body []byte
		err  error
	)
	if audio.IsMulaw(payload.Metadata.MimeType) {
		body, err = audio.WrapWAV(payload.Data, d.opts.MulawSampleRate, audio.WAVFormatMuLaw)
	} else {
		body, err = audio.WrapWAV(payload.Data, d.opts.SampleRate, audio.WAVFormatPCM)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to wrap headerless audio: %w", err)
	}
	return body, nil
}

func (d *DeepgramClient) transcriptionOptions() *interfaces.PreRecordedTranscriptionOptions {
	return &interfaces.PreRecordedTranscriptionOptions{
		Model:       d.opts.Model,
		Language:    d.opts.Language,
		Punctuate:   true,
		SmartFormat: true,
	}
}

// HealthCheck reports unhealthy while the circuit is open. The error carries
// the breaker's request statistics for the readiness payload.
func (d *DeepgramClient) HealthCheck(ctx context.Context) (bool, error) {
	state, requests, failures, failureRate := d.circuitBreaker.GetStats()
	if state == resilience.StateOpen {
		return false, fmt.Errorf("%w: %d of %d requests failed (%.1f%%)",
			resilience.ErrCircuitOpen, failures, requests, failureRate)
	}
	return true, nil
}

// toResult picks the first alternative of the first channel
func toResult(res *restinterfaces.PreRecordedResponse) dispatch.Result {
	if res == nil || res.Results == nil {
		return dispatch.Result{OK: true}
	}
	channels := res.Results.Channels
	if len(channels) == 0 || len(channels[0].Alternatives) == 0 {
		return dispatch.Result{OK: true}
	}

	alt := channels[0].Alternatives[0]
	return dispatch.Result{
		Text:       alt.Transcript,
		Confidence: alt.Confidence,
		OK:         true,
	}
}

// classifyError marks rate limiting and server-side failures as retryable
func classifyError(err error) error {
	var statusErr *interfaces.StatusError
	if errors.As(err, &statusErr) && statusErr.Resp != nil {
		code := statusErr.Resp.StatusCode
		if code == http.StatusTooManyRequests || code >= http.StatusInternalServerError {
			return resilience.NewRetryableError(err)
		}
	}
	return err
}
