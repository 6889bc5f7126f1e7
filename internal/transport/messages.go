package transport

import (
	"github.com/lexiqai/stream-buffer/internal/buffer"
	"github.com/lexiqai/stream-buffer/internal/dispatch"
)

// Inbound event types
const (
	EventStart = "start"
	EventMedia = "media"
	EventStop  = "stop"
)

// Outbound event types
const (
	EventReady      = "ready"
	EventTranscript = "transcript"
	EventStatus     = "status"
	EventError      = "error"
)

// ClientMessage is a JSON control or media frame sent by the client.
// Binary frames carry raw audio and need no envelope.
type ClientMessage struct {
	Event     string `json:"event"`
	SessionID string `json:"session_id,omitempty"`
	MimeType  string `json:"mime_type,omitempty"`
	Payload   string `json:"payload,omitempty"` // Base64 encoded audio
}

// ServerMessage is a JSON frame sent to the client
type ServerMessage struct {
	Event      string          `json:"event"`
	SessionID  string          `json:"session_id"`
	Transcript *TranscriptInfo `json:"transcript,omitempty"`
	Status     *SessionStatus  `json:"status,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// TranscriptInfo carries one dispatch result back to the client
type TranscriptInfo struct {
	Text          string             `json:"text"`
	Confidence    float64            `json:"confidence"`
	FlushID       string             `json:"flush_id"`
	Reason        buffer.FlushReason `json:"reason,omitempty"`
	FirstSequence uint64             `json:"first_sequence"`
	LastSequence  uint64             `json:"last_sequence"`
}

// SessionStatus combines buffer metrics with the dispatch worker state
type SessionStatus struct {
	Buffer buffer.MetricsSnapshot `json:"buffer"`
	Worker *dispatch.Stats        `json:"worker,omitempty"`
}

// SessionsResponse is the body of the sessions endpoint
type SessionsResponse struct {
	Count    int                      `json:"count"`
	Sessions map[string]SessionStatus `json:"sessions"`
}
