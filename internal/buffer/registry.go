package buffer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/stream-buffer/internal/audio"
	"github.com/lexiqai/stream-buffer/internal/observability"
)

// DefaultSweepInterval is how often the registry looks for idle sessions
const DefaultSweepInterval = 30 * time.Second

// SessionHook is called once for every newly created session, outside the registry lock
type SessionHook func(sessionID string, m *Manager)

// RegistryOption configures a Registry
type RegistryOption func(*Registry)

// WithSweepInterval sets how often idle sessions are reclaimed
func WithSweepInterval(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.sweepInterval = d
		}
	}
}

// WithDetectorFactory supplies a frame-level voice activity backend for new sessions
func WithDetectorFactory(factory audio.DetectorFactory) RegistryOption {
	return func(r *Registry) {
		r.detectorFactory = factory
	}
}

// WithSessionHook registers a callback for newly created sessions
func WithSessionHook(hook SessionHook) RegistryOption {
	return func(r *Registry) {
		r.hooks = append(r.hooks, hook)
	}
}

// WithManagerOptions applies extra options to every manager the registry creates
func WithManagerOptions(opts ...Option) RegistryOption {
	return func(r *Registry) {
		r.managerOpts = append(r.managerOpts, opts...)
	}
}

// WithRegistryLogger sets the registry logger
func WithRegistryLogger(logger zerolog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// Registry tracks the active session managers of the process
type Registry struct {
	cfg             Config
	sweepInterval   time.Duration
	detectorFactory audio.DetectorFactory
	hooks           []SessionHook
	managerOpts     []Option
	logger          zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*Manager
}

// NewRegistry creates a registry whose sessions share cfg unless overridden
func NewRegistry(cfg Config, opts ...RegistryOption) *Registry {
	r := &Registry{
		cfg:           cfg,
		sweepInterval: DefaultSweepInterval,
		logger:        observability.WithComponent("registry"),
		sessions:      make(map[string]*Manager),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the shared session configuration
func (r *Registry) Config() Config {
	return r.cfg
}

// GetOrCreate returns the manager for sessionID, creating it with the shared config if needed
func (r *Registry) GetOrCreate(sessionID string) *Manager {
	return r.GetOrCreateWithConfig(sessionID, r.cfg)
}

// GetOrCreateWithConfig is GetOrCreate with a per-session config override.
// The override only applies when the session does not exist yet.
func (r *Registry) GetOrCreateWithConfig(sessionID string, cfg Config) *Manager {
	r.mu.RLock()
	m, exists := r.sessions[sessionID]
	r.mu.RUnlock()
	if exists {
		return m
	}

	r.mu.Lock()
	if m, exists = r.sessions[sessionID]; exists {
		r.mu.Unlock()
		return m
	}
	m = NewManager(sessionID, cfg, r.managerOptions(cfg)...)
	r.sessions[sessionID] = m
	count := len(r.sessions)
	r.mu.Unlock()

	observability.RecordSessionStart()
	r.logger.Info().
		Str("session_id", sessionID).
		Str("correlation_id", m.CorrelationID()).
		Int("active_sessions", count).
		Msg("Created buffering session")

	for _, hook := range r.hooks {
		hook(sessionID, m)
	}
	return m
}

// managerOptions builds the options for a new manager, probing for a frame detector
func (r *Registry) managerOptions(cfg Config) []Option {
	opts := make([]Option, 0, len(r.managerOpts)+1)
	if cfg.EnableVAD && r.detectorFactory != nil {
		detector, err := r.detectorFactory(cfg.VADAggressiveness)
		if err != nil {
			r.logger.Warn().Err(err).Msg("Frame detector unavailable, using energy classification")
		} else if detector != nil {
			opts = append(opts, WithDetector(detector))
		}
	}
	return append(opts, r.managerOpts...)
}

// Get returns the manager for sessionID if it exists
func (r *Registry) Get(sessionID string) (*Manager, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, exists := r.sessions[sessionID]
	return m, exists
}

// Remove ends and discards a session. Returns false if it was not registered.
func (r *Registry) Remove(sessionID string) bool {
	r.mu.Lock()
	m, exists := r.sessions[sessionID]
	if exists {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()

	if !exists {
		return false
	}
	m.EndSession()
	observability.RecordSessionEnd(false)
	return true
}

// Len returns the number of registered sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// AllMetrics returns a metrics snapshot for every registered session
func (r *Registry) AllMetrics() map[string]MetricsSnapshot {
	r.mu.RLock()
	managers := make(map[string]*Manager, len(r.sessions))
	for id, m := range r.sessions {
		managers[id] = m
	}
	r.mu.RUnlock()

	out := make(map[string]MetricsSnapshot, len(managers))
	for id, m := range managers {
		out[id] = m.GetMetrics()
	}
	return out
}

// Sweep removes every session that has timed out or already ended.
// Returns the number of sessions removed.
func (r *Registry) Sweep() int {
	r.mu.RLock()
	candidates := make(map[string]*Manager)
	for id, m := range r.sessions {
		candidates[id] = m
	}
	r.mu.RUnlock()

	removed := 0
	for id, m := range candidates {
		if !m.Ended() && !m.ShouldTimeout() {
			continue
		}

		r.mu.Lock()
		// The id may have been recreated since the scan
		current, exists := r.sessions[id]
		if exists && current == m {
			delete(r.sessions, id)
		}
		r.mu.Unlock()
		if !exists || current != m {
			continue
		}

		idle := m.IdleTime()
		m.EndSession()
		observability.RecordSessionEnd(true)
		removed++

		r.logger.Info().
			Str("session_id", id).
			Dur("idle", idle).
			Msg("Expired idle session")
	}
	return removed
}

// Run sweeps idle sessions every sweep interval until ctx is cancelled
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	r.logger.Info().
		Dur("interval", r.sweepInterval).
		Dur("idle_timeout", r.cfg.IdleTimeout).
		Msg("Session sweep started")

	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("Session sweep stopping")
			return nil
		case <-ticker.C:
			if n := r.Sweep(); n > 0 {
				r.logger.Debug().
					Int("removed", n).
					Int("active_sessions", r.Len()).
					Msg("Sweep completed")
			}
		}
	}
}

// Close ends every registered session
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Manager)
	r.mu.Unlock()

	for _, m := range sessions {
		m.EndSession()
		observability.RecordSessionEnd(false)
	}
}
