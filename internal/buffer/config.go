package buffer

import (
	"fmt"
	"time"
)

// Config holds the thresholds governing buffering for a session.
// A Config is treated as immutable once handed to a Registry or Manager.
type Config struct {
	MaxDuration         time.Duration // bounds the chunk window, see MaxChunks
	MaxBytes            int           // admission ceiling for buffered bytes
	MinFlushInterval    time.Duration // hard floor between flushes
	MaxFlushInterval    time.Duration // forced flush ceiling
	Overlap             time.Duration // audio retained across a flush
	IdleTimeout         time.Duration // session expiry after inactivity
	VADAggressiveness   int           // 0-3, passed to frame detectors
	SampleRate          int           // Hz, used for frame sizing and overlap bytes
	EnableVAD           bool
	EnableQualityGating bool
	MinEnergyThreshold  float64 // normalized RMS energy, 0.0 - 1.0

	// Adaptive flush heuristics. Empirically tuned; kept configurable.
	SpeechRatioHigh       float64 // above this, trailing silence ends an utterance
	SpeechRatioLow        float64 // below this, sustained silence flushes
	TrailingSilenceChunks int     // non-speech chunks that end an utterance
	QualityGateMinChunks  int     // chunks required before quality gating applies
	ChunkResolution       time.Duration
}

// DefaultConfig returns the default buffering configuration
func DefaultConfig() Config {
	return Config{
		MaxDuration:         30 * time.Second,
		MaxBytes:            5 * 1024 * 1024,
		MinFlushInterval:    1000 * time.Millisecond,
		MaxFlushInterval:    8000 * time.Millisecond,
		Overlap:             500 * time.Millisecond,
		IdleTimeout:         15 * time.Second,
		VADAggressiveness:   2,
		SampleRate:          16000,
		EnableVAD:           true,
		EnableQualityGating: true,
		MinEnergyThreshold:  0.01,

		SpeechRatioHigh:       0.3,
		SpeechRatioLow:        0.1,
		TrailingSilenceChunks: 3,
		QualityGateMinChunks:  5,
		ChunkResolution:       100 * time.Millisecond,
	}
}

// Validate checks the configuration for values the manager cannot work with
func (c Config) Validate() error {
	if c.MaxBytes <= 0 {
		return fmt.Errorf("max bytes must be positive, got %d", c.MaxBytes)
	}
	if c.MinFlushInterval < 0 || c.MaxFlushInterval <= 0 {
		return fmt.Errorf("flush intervals must be positive, got min=%v max=%v", c.MinFlushInterval, c.MaxFlushInterval)
	}
	if c.MinFlushInterval > c.MaxFlushInterval {
		return fmt.Errorf("min flush interval %v exceeds max flush interval %v", c.MinFlushInterval, c.MaxFlushInterval)
	}
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample rate must be positive, got %d", c.SampleRate)
	}
	if c.VADAggressiveness < 0 || c.VADAggressiveness > 3 {
		return fmt.Errorf("vad aggressiveness must be between 0 and 3, got %d", c.VADAggressiveness)
	}
	if c.MinEnergyThreshold < 0 || c.MinEnergyThreshold > 1 {
		return fmt.Errorf("min energy threshold must be between 0 and 1, got %f", c.MinEnergyThreshold)
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle timeout must be positive, got %v", c.IdleTimeout)
	}
	return nil
}

// MaxChunks is the capacity of the chunk window derived from MaxDuration
func (c Config) MaxChunks() int {
	resolution := c.ChunkResolution
	if resolution <= 0 {
		resolution = 100 * time.Millisecond
	}
	n := int(c.MaxDuration / resolution)
	if n < 1 {
		return 1
	}
	return n
}

// OverlapBytes converts the overlap duration into a byte budget for 16-bit mono audio
func (c Config) OverlapBytes() int {
	return int(c.Overlap.Milliseconds()) * c.SampleRate * 2 / 1000
}
