package stt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	restinterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/rest/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"

	"github.com/lexiqai/stream-buffer/internal/audio"
	"github.com/lexiqai/stream-buffer/internal/buffer"
	"github.com/lexiqai/stream-buffer/internal/resilience"
)

const sampleResponse = `{
	"request_id": "req-1",
	"results": {
		"channels": [
			{"alternatives": [{"transcript": "hello world", "confidence": 0.93}]}
		]
	}
}`

func decodeResponse(t *testing.T, body string) *restinterfaces.PreRecordedResponse {
	t.Helper()
	var res restinterfaces.PreRecordedResponse
	if err := json.Unmarshal([]byte(body), &res); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return &res
}

func testOptions() Options {
	return Options{
		Model:        "nova-2",
		Language:     "en-US",
		MaxFailures:  2,
		ResetTimeout: time.Minute,
		Retry: &resilience.RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    time.Millisecond,
			MaxBackoff:        5 * time.Millisecond,
			BackoffMultiplier: 2,
		},
	}
}

func testPayload(format audio.Format) buffer.Payload {
	return buffer.Payload{
		Data:     []byte{1, 2, 3, 4},
		Format:   format,
		Metadata: buffer.PayloadMetadata{SessionID: "s1", FlushID: "f1"},
	}
}

func TestNewDeepgramClient_RequiresKey(t *testing.T) {
	if _, err := NewDeepgramClient(Options{}); err == nil {
		t.Error("Expected error without an API key")
	}
}

func TestDeepgramClient_Dispatch(t *testing.T) {
	var gotOpts *interfaces.PreRecordedTranscriptionOptions
	var gotBytes []byte
	d := newDeepgramClient(testOptions(), func(ctx context.Context, src io.Reader, opts *interfaces.PreRecordedTranscriptionOptions) (*restinterfaces.PreRecordedResponse, error) {
		gotOpts = opts
		gotBytes, _ = io.ReadAll(src)
		return decodeResponse(t, sampleResponse), nil
	})

	result, err := d.Dispatch(context.Background(), testPayload(audio.FormatWebM))
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !result.OK || result.Text != "hello world" {
		t.Errorf("Expected 'hello world', got %+v", result)
	}
	if result.Confidence != 0.93 {
		t.Errorf("Expected confidence 0.93, got %f", result.Confidence)
	}
	if len(gotBytes) != 4 {
		t.Errorf("Expected container payload to be streamed unchanged, got %d bytes", len(gotBytes))
	}
	if gotOpts.Model != "nova-2" || gotOpts.Language != "en-US" || !gotOpts.Punctuate {
		t.Errorf("Expected model, language and punctuation to be set, got %+v", gotOpts)
	}
}

func TestDeepgramClient_HeaderlessAudioWrapped(t *testing.T) {
	d := newDeepgramClient(testOptions(), nil)

	pcm := testPayload(audio.FormatUnknown)
	body, err := d.requestBody(pcm)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if audio.DetectFormat(body) != audio.FormatWAV {
		t.Errorf("Expected PCM to be wrapped in wav, got %s", audio.DetectFormat(body))
	}
	if rate := binary.LittleEndian.Uint32(body[24:28]); rate != 16000 {
		t.Errorf("Expected PCM sample rate 16000, got %d", rate)
	}

	mulaw := testPayload(audio.FormatUnknown)
	mulaw.Metadata.MimeType = "audio/x-mulaw"
	body, err = d.requestBody(mulaw)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if code := binary.LittleEndian.Uint16(body[20:22]); code != audio.WAVFormatMuLaw {
		t.Errorf("Expected μ-law format code, got %d", code)
	}
	if rate := binary.LittleEndian.Uint32(body[24:28]); rate != 8000 {
		t.Errorf("Expected μ-law sample rate 8000, got %d", rate)
	}
}

func TestDeepgramClient_EmptyTranscript(t *testing.T) {
	d := newDeepgramClient(testOptions(), func(ctx context.Context, src io.Reader, opts *interfaces.PreRecordedTranscriptionOptions) (*restinterfaces.PreRecordedResponse, error) {
		return decodeResponse(t, `{"results": {"channels": []}}`), nil
	})

	result, err := d.Dispatch(context.Background(), testPayload(audio.FormatOgg))
	if err != nil || !result.OK || result.Text != "" {
		t.Errorf("Expected empty successful result, got %+v (%v)", result, err)
	}
}

func TestDeepgramClient_RetriesTransientErrors(t *testing.T) {
	calls := 0
	d := newDeepgramClient(testOptions(), func(ctx context.Context, src io.Reader, opts *interfaces.PreRecordedTranscriptionOptions) (*restinterfaces.PreRecordedResponse, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("503 service unavailable")
		}
		return decodeResponse(t, sampleResponse), nil
	})

	result, err := d.Dispatch(context.Background(), testPayload(audio.FormatWebM))
	if err != nil || result.Text != "hello world" {
		t.Errorf("Expected success after retry, got %+v (%v)", result, err)
	}
	if calls != 2 {
		t.Errorf("Expected 2 calls, got %d", calls)
	}
}

func TestDeepgramClient_CircuitOpens(t *testing.T) {
	calls := 0
	d := newDeepgramClient(testOptions(), func(ctx context.Context, src io.Reader, opts *interfaces.PreRecordedTranscriptionOptions) (*restinterfaces.PreRecordedResponse, error) {
		calls++
		return nil, errors.New("401 unauthorized")
	})

	for i := 0; i < 2; i++ {
		if _, err := d.Dispatch(context.Background(), testPayload(audio.FormatWebM)); err == nil {
			t.Fatal("Expected dispatch to fail")
		}
	}
	ok, healthErr := d.HealthCheck(context.Background())
	if ok || !errors.Is(healthErr, resilience.ErrCircuitOpen) {
		t.Fatalf("Expected circuit to open, got %v (%v)", ok, healthErr)
	}
	if !strings.Contains(healthErr.Error(), "2 of 2 requests failed") {
		t.Errorf("Expected breaker stats in health error, got %v", healthErr)
	}

	_, err := d.Dispatch(context.Background(), testPayload(audio.FormatWebM))
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
	if calls != 2 {
		t.Errorf("Expected no call while open, got %d calls", calls)
	}

}

func statusError(code int) error {
	req := httptest.NewRequest(http.MethodPost, "https://api.deepgram.com/v1/listen", nil)
	return &interfaces.StatusError{
		Resp: &http.Response{
			StatusCode: code,
			Status:     fmt.Sprintf("%d %s", code, http.StatusText(code)),
			Request:    req,
		},
	}
}

func TestDeepgramClient_RetriesServerErrors(t *testing.T) {
	calls := 0
	d := newDeepgramClient(testOptions(), func(ctx context.Context, src io.Reader, opts *interfaces.PreRecordedTranscriptionOptions) (*restinterfaces.PreRecordedResponse, error) {
		calls++
		if calls == 1 {
			return nil, statusError(http.StatusInternalServerError)
		}
		return decodeResponse(t, sampleResponse), nil
	})

	result, err := d.Dispatch(context.Background(), testPayload(audio.FormatWebM))
	if err != nil || result.Text != "hello world" {
		t.Errorf("Expected success after retry, got %+v (%v)", result, err)
	}
	if calls != 2 {
		t.Errorf("Expected 2 calls, got %d", calls)
	}
}

func TestDeepgramClient_ClientErrorsNotRetried(t *testing.T) {
	calls := 0
	d := newDeepgramClient(testOptions(), func(ctx context.Context, src io.Reader, opts *interfaces.PreRecordedTranscriptionOptions) (*restinterfaces.PreRecordedResponse, error) {
		calls++
		return nil, statusError(http.StatusBadRequest)
	})

	_, err := d.Dispatch(context.Background(), testPayload(audio.FormatWebM))
	if err == nil {
		t.Fatal("Expected dispatch to fail")
	}
	if resilience.IsRetryable(err) {
		t.Errorf("Expected a 400 not to be marked retryable, got %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
}

func TestClassifyError(t *testing.T) {
	tests := map[int]bool{
		http.StatusTooManyRequests:     true,
		http.StatusInternalServerError: true,
		http.StatusBadGateway:          true,
		http.StatusUnauthorized:        false,
		http.StatusBadRequest:          false,
	}
	for code, want := range tests {
		if got := resilience.IsRetryable(classifyError(statusError(code))); got != want {
			t.Errorf("classifyError(%d) retryable = %v, expected %v", code, got, want)
		}
	}

	plain := errors.New("boom")
	if classifyError(plain) != plain {
		t.Error("Expected errors without a status to pass through")
	}
}

func TestToResult_MissingResults(t *testing.T) {
	if r := toResult(nil); !r.OK || r.Text != "" {
		t.Errorf("Expected empty OK result for nil response, got %+v", r)
	}
	if r := toResult(&restinterfaces.PreRecordedResponse{}); !r.OK || r.Text != "" {
		t.Errorf("Expected empty OK result without results, got %+v", r)
	}
	if r := toResult(&restinterfaces.PreRecordedResponse{Results: &restinterfaces.Result{}}); !r.OK || r.Text != "" {
		t.Errorf("Expected empty OK result without channels, got %+v", r)
	}
}

func TestDeepgramClient_EmptyPayload(t *testing.T) {
	d := newDeepgramClient(testOptions(), func(ctx context.Context, src io.Reader, opts *interfaces.PreRecordedTranscriptionOptions) (*restinterfaces.PreRecordedResponse, error) {
		t.Error("Expected no call for an empty payload")
		return nil, nil
	})

	result, err := d.Dispatch(context.Background(), buffer.Payload{})
	if err != nil || !result.OK {
		t.Errorf("Expected empty payload to succeed trivially, got %+v (%v)", result, err)
	}
}
