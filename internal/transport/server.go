package transport

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/stream-buffer/internal/buffer"
	"github.com/lexiqai/stream-buffer/internal/dispatch"
	"github.com/lexiqai/stream-buffer/internal/observability"
)

const (
	defaultMimeType = "audio/webm"
	writeWait       = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Origin checks are left to the fronting proxy
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// StatsSource looks up dispatch worker stats by session id
type StatsSource interface {
	Stats(sessionID string) (dispatch.Stats, bool)
}

// Option configures a Server
type Option func(*Server)

// WithStatsSource includes worker stats in status frames and the sessions endpoint
func WithStatsSource(src StatsSource) Option {
	return func(s *Server) {
		s.stats = src
	}
}

// WithStatusInterval enables periodic status frames on every connection
func WithStatusInterval(d time.Duration) Option {
	return func(s *Server) {
		s.statusInterval = d
	}
}

// Server bridges WebSocket audio streams to buffering sessions
type Server struct {
	registry       *buffer.Registry
	stats          StatsSource
	statusInterval time.Duration
	logger         zerolog.Logger

	mu    sync.RWMutex
	conns map[string]*connection
}

// NewServer creates a transport server backed by registry
func NewServer(registry *buffer.Registry, opts ...Option) *Server {
	s := &Server{
		registry: registry,
		logger:   observability.WithComponent("transport"),
		conns:    make(map[string]*connection),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// connection is one client socket. Reads happen on a single goroutine;
// writes are serialized by writeMu.
type connection struct {
	sessionID string
	ws        *websocket.Conn
	mimeType  string
	logger    zerolog.Logger

	writeMu sync.Mutex
	done    chan struct{}
}

func (c *connection) send(msg ServerMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteJSON(msg)
}

// HandleStream is the WebSocket entry point for audio streams.
// Query parameters: session_id (generated when absent) and mime_type.
func (s *Server) HandleStream() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written an error response
			s.logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
			return
		}
		defer ws.Close()

		sessionID := r.URL.Query().Get("session_id")
		if sessionID == "" {
			sessionID = uuid.New().String()
		}
		mimeType := r.URL.Query().Get("mime_type")
		if mimeType == "" {
			mimeType = defaultMimeType
		}

		m := s.registry.GetOrCreate(sessionID)
		conn := &connection{
			sessionID: sessionID,
			ws:        ws,
			mimeType:  mimeType,
			logger:    observability.WithSession(sessionID, m.CorrelationID()),
			done:      make(chan struct{}),
		}
		ws.SetReadLimit(int64(s.registry.Config().MaxBytes))

		s.attach(conn)
		defer s.detach(conn)
		defer close(conn.done)

		conn.logger.Info().
			Str("mime_type", mimeType).
			Str("remote_addr", r.RemoteAddr).
			Msg("Audio stream connected")

		if err := conn.send(ServerMessage{Event: EventReady, SessionID: sessionID}); err != nil {
			conn.logger.Warn().Err(err).Msg("Failed to send ready frame")
			return
		}

		if s.statusInterval > 0 {
			go s.broadcastStatus(conn)
		}

		s.readLoop(conn)
	}
}

func (s *Server) readLoop(conn *connection) {
	for {
		msgType, data, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				conn.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			// The session stays registered until stopped or swept
			conn.logger.Info().Msg("Audio stream disconnected")
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			s.ingest(conn, data)

		case websocket.TextMessage:
			var msg ClientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				conn.logger.Debug().Err(err).Msg("Failed to parse client message")
				s.sendError(conn, "invalid message")
				continue
			}
			if stop := s.handleMessage(conn, msg); stop {
				return
			}
		}
	}
}

// handleMessage processes a JSON frame and reports whether the stream ended
func (s *Server) handleMessage(conn *connection, msg ClientMessage) bool {
	switch msg.Event {
	case EventStart:
		if msg.MimeType != "" {
			conn.mimeType = msg.MimeType
		}
		conn.logger.Debug().Str("mime_type", conn.mimeType).Msg("Stream started")

	case EventMedia:
		data, err := base64.StdEncoding.DecodeString(msg.Payload)
		if err != nil {
			conn.logger.Debug().Err(err).Msg("Failed to decode base64 audio")
			s.sendError(conn, "invalid payload encoding")
			return false
		}
		if msg.MimeType != "" {
			conn.mimeType = msg.MimeType
		}
		s.ingest(conn, data)

	case EventStop:
		s.registry.Remove(conn.sessionID)
		conn.logger.Info().Msg("Stream stopped by client")
		return true

	default:
		s.sendError(conn, "unknown event: "+msg.Event)
	}
	return false
}

// ingest hands a chunk to the session, recreating it if it was swept while connected
func (s *Server) ingest(conn *connection, data []byte) {
	m := s.registry.GetOrCreate(conn.sessionID)
	if !m.IngestChunk(data, conn.mimeType) {
		conn.logger.Debug().
			Int("bytes", len(data)).
			Msg("Chunk not buffered")
	}
}

func (s *Server) sendError(conn *connection, reason string) {
	if err := conn.send(ServerMessage{Event: EventError, SessionID: conn.sessionID, Error: reason}); err != nil {
		conn.logger.Debug().Err(err).Msg("Failed to send error frame")
	}
}

func (s *Server) broadcastStatus(conn *connection) {
	ticker := time.NewTicker(s.statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.done:
			return
		case <-ticker.C:
			status, ok := s.sessionStatus(conn.sessionID)
			if !ok {
				continue
			}
			if err := conn.send(ServerMessage{Event: EventStatus, SessionID: conn.sessionID, Status: &status}); err != nil {
				conn.logger.Debug().Err(err).Msg("Failed to send status frame")
				return
			}
		}
	}
}

func (s *Server) sessionStatus(sessionID string) (SessionStatus, bool) {
	m, ok := s.registry.Get(sessionID)
	if !ok {
		return SessionStatus{}, false
	}
	return s.withWorker(sessionID, m.GetMetrics()), true
}

func (s *Server) withWorker(sessionID string, snapshot buffer.MetricsSnapshot) SessionStatus {
	status := SessionStatus{Buffer: snapshot}
	if s.stats != nil {
		if ws, ok := s.stats.Stats(sessionID); ok {
			status.Worker = &ws
		}
	}
	return status
}

// Publish delivers a transcription result to the session's connection, if one is attached.
// It matches dispatch.ResultHandler.
func (s *Server) Publish(sessionID string, result dispatch.Result, meta buffer.PayloadMetadata) {
	s.mu.RLock()
	conn, ok := s.conns[sessionID]
	s.mu.RUnlock()
	if !ok {
		s.logger.Debug().Str("session_id", sessionID).Msg("No connection for transcript, dropping")
		return
	}

	msg := ServerMessage{
		Event:     EventTranscript,
		SessionID: sessionID,
		Transcript: &TranscriptInfo{
			Text:          result.Text,
			Confidence:    result.Confidence,
			FlushID:       meta.FlushID,
			Reason:        meta.Reason,
			FirstSequence: meta.FirstSequence,
			LastSequence:  meta.LastSequence,
		},
	}
	if err := conn.send(msg); err != nil {
		conn.logger.Warn().Err(err).Msg("Failed to send transcript")
	}
}

// HandleSessions serves the metrics of every registered session as JSON
func (s *Server) HandleSessions() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		all := s.registry.AllMetrics()
		resp := SessionsResponse{
			Count:    len(all),
			Sessions: make(map[string]SessionStatus, len(all)),
		}
		for id, snapshot := range all {
			resp.Sessions[id] = s.withWorker(id, snapshot)
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to encode sessions response")
		}
	}
}

// Connections returns the number of attached client sockets
func (s *Server) Connections() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

func (s *Server) attach(conn *connection) {
	s.mu.Lock()
	s.conns[conn.sessionID] = conn
	s.mu.Unlock()
}

func (s *Server) detach(conn *connection) {
	s.mu.Lock()
	if s.conns[conn.sessionID] == conn {
		delete(s.conns, conn.sessionID)
	}
	s.mu.Unlock()
}

// Close sends a close frame to every attached client. Hijacked connections
// are not tracked by http.Server.Shutdown.
func (s *Server) Close() {
	s.mu.RLock()
	conns := make([]*connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, c := range conns {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	}
}
