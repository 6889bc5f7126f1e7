package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/lexiqai/stream-buffer/internal/buffer"
	"github.com/lexiqai/stream-buffer/internal/dispatch"
)

// Config holds all configuration for the stream buffer service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Deepgram STT API configuration
	DeepgramAPIKey   string `envconfig:"DEEPGRAM_API_KEY" required:"true"`
	DeepgramModel    string `envconfig:"DEEPGRAM_MODEL" default:"nova-2"` // nova-2, enhanced, base
	DeepgramLanguage string `envconfig:"DEEPGRAM_LANGUAGE" default:"en"`  // Language code (en, es, fr, etc.)

	// Optional gRPC health endpoint of a self-hosted transcription backend
	TranscriberHealthAddr string `envconfig:"TRANSCRIBER_HEALTH_ADDR" default:""`

	// Session buffering
	BufferMaxDurationMs    int `envconfig:"BUFFER_MAX_DURATION_MS" default:"30000"`
	BufferMaxBytes         int `envconfig:"BUFFER_MAX_BYTES" default:"5242880"`
	BufferMinFlushMs       int `envconfig:"BUFFER_MIN_FLUSH_MS" default:"1000"`
	BufferMaxFlushMs       int `envconfig:"BUFFER_MAX_FLUSH_MS" default:"8000"`
	BufferOverlapMs        int `envconfig:"BUFFER_OVERLAP_MS" default:"500"`
	SessionIdleTimeoutMs   int `envconfig:"SESSION_IDLE_TIMEOUT_MS" default:"15000"`
	SessionSweepIntervalMs int `envconfig:"SESSION_SWEEP_INTERVAL_MS" default:"30000"`

	// Voice activity and quality gating
	VADAggressiveness    int     `envconfig:"VAD_AGGRESSIVENESS" default:"2"` // 0 (least) to 3 (most aggressive)
	VADSampleRate        int     `envconfig:"VAD_SAMPLE_RATE" default:"16000"`
	VADEnabled           bool    `envconfig:"VAD_ENABLED" default:"true"`
	QualityGatingEnabled bool    `envconfig:"QUALITY_GATING_ENABLED" default:"true"`
	MinEnergyThreshold   float64 `envconfig:"MIN_ENERGY_THRESHOLD" default:"0.01"` // Normalized RMS, 0..1

	// Dispatch worker
	WorkerMinSleepMs   int `envconfig:"WORKER_MIN_SLEEP_MS" default:"50"`
	WorkerMaxSleepMs   int `envconfig:"WORKER_MAX_SLEEP_MS" default:"1000"`
	WorkerMaxBackoffMs int `envconfig:"WORKER_MAX_BACKOFF_MS" default:"5000"`

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Attempts per dispatch
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds

	// Status frames pushed to connected clients; 0 disables them
	StatusBroadcastIntervalMs int `envconfig:"STATUS_BROADCAST_INTERVAL_MS" default:"2000"`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express
func (c *Config) Validate() error {
	if c.DeepgramAPIKey == "" {
		return fmt.Errorf("DEEPGRAM_API_KEY is required")
	}
	if err := c.BufferConfig().Validate(); err != nil {
		return fmt.Errorf("invalid buffer config: %w", err)
	}
	if c.WorkerMinSleepMs <= 0 || c.WorkerMinSleepMs > c.WorkerMaxSleepMs {
		return fmt.Errorf("worker sleep bounds invalid: min=%dms max=%dms", c.WorkerMinSleepMs, c.WorkerMaxSleepMs)
	}
	if c.SessionSweepIntervalMs <= 0 {
		return fmt.Errorf("SESSION_SWEEP_INTERVAL_MS must be positive, got %d", c.SessionSweepIntervalMs)
	}
	return nil
}

// BufferConfig projects the session buffering settings
func (c *Config) BufferConfig() buffer.Config {
	cfg := buffer.DefaultConfig()
	cfg.MaxDuration = ms(c.BufferMaxDurationMs)
	cfg.MaxBytes = c.BufferMaxBytes
	cfg.MinFlushInterval = ms(c.BufferMinFlushMs)
	cfg.MaxFlushInterval = ms(c.BufferMaxFlushMs)
	cfg.Overlap = ms(c.BufferOverlapMs)
	cfg.IdleTimeout = ms(c.SessionIdleTimeoutMs)
	cfg.VADAggressiveness = c.VADAggressiveness
	cfg.SampleRate = c.VADSampleRate
	cfg.EnableVAD = c.VADEnabled
	cfg.EnableQualityGating = c.QualityGatingEnabled
	cfg.MinEnergyThreshold = c.MinEnergyThreshold
	return cfg
}

// WorkerConfig projects the dispatch worker settings
func (c *Config) WorkerConfig() dispatch.Config {
	cfg := dispatch.DefaultConfig()
	cfg.MinSleep = ms(c.WorkerMinSleepMs)
	cfg.MaxSleep = ms(c.WorkerMaxSleepMs)
	cfg.MaxBackoff = ms(c.WorkerMaxBackoffMs)
	cfg.MaxInterval = ms(c.BufferMaxFlushMs)

	// The worker's own trigger never undercuts the buffer's hard floor
	cfg.MinInterval = min(max(cfg.MinInterval, ms(c.BufferMinFlushMs)), cfg.MaxInterval)
	cfg.InitialInterval = min(max(cfg.InitialInterval, cfg.MinInterval), cfg.MaxInterval)
	return cfg
}

// SweepInterval returns how often idle sessions are reclaimed
func (c *Config) SweepInterval() time.Duration {
	return ms(c.SessionSweepIntervalMs)
}

// StatusInterval returns the status frame period, zero when disabled
func (c *Config) StatusInterval() time.Duration {
	return ms(c.StatusBroadcastIntervalMs)
}

// ResetTimeout returns the circuit breaker reset timeout
func (c *Config) ResetTimeout() time.Duration {
	return time.Duration(c.CircuitBreakerResetTimeout) * time.Second
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
