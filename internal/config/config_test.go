package config

import (
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	t.Setenv("DEEPGRAM_API_KEY", "test-deepgram-key")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.DeepgramAPIKey != "test-deepgram-key" {
		t.Errorf("Expected DeepgramAPIKey 'test-deepgram-key', got '%s'", cfg.DeepgramAPIKey)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	t.Setenv("DEEPGRAM_API_KEY", "")

	_, err := LoadFromEnv()
	if err == nil {
		t.Error("Expected error when required keys are missing")
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DEEPGRAM_API_KEY", "test-deepgram-key")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Expected default Port '8080', got '%s'", cfg.Port)
	}
	if cfg.DeepgramModel != "nova-2" {
		t.Errorf("Expected default DeepgramModel 'nova-2', got '%s'", cfg.DeepgramModel)
	}
	if cfg.BufferMaxBytes != 5242880 {
		t.Errorf("Expected default BufferMaxBytes 5242880, got %d", cfg.BufferMaxBytes)
	}
	if cfg.SessionSweepIntervalMs != 30000 {
		t.Errorf("Expected default SessionSweepIntervalMs 30000, got %d", cfg.SessionSweepIntervalMs)
	}
	if !cfg.VADEnabled || !cfg.QualityGatingEnabled {
		t.Error("Expected voice activity and quality gating enabled by default")
	}
	if cfg.MinEnergyThreshold != 0.01 {
		t.Errorf("Expected default MinEnergyThreshold 0.01, got %f", cfg.MinEnergyThreshold)
	}
	if cfg.CircuitBreakerMaxFailures != 5 {
		t.Errorf("Expected default CircuitBreakerMaxFailures 5, got %d", cfg.CircuitBreakerMaxFailures)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("Expected default LogLevel 'info', got '%s'", cfg.LogLevel)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("DEEPGRAM_API_KEY", "test-deepgram-key")
	t.Setenv("BUFFER_MIN_FLUSH_MS", "500")
	t.Setenv("BUFFER_MAX_FLUSH_MS", "4000")
	t.Setenv("VAD_ENABLED", "false")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	bc := cfg.BufferConfig()
	if bc.MinFlushInterval != 500*time.Millisecond || bc.MaxFlushInterval != 4*time.Second {
		t.Errorf("Expected flush bounds 500ms/4s, got %v/%v", bc.MinFlushInterval, bc.MaxFlushInterval)
	}
	if bc.EnableVAD {
		t.Error("Expected voice activity detection disabled")
	}
}

func TestLoad_InvalidFlushBounds(t *testing.T) {
	t.Setenv("DEEPGRAM_API_KEY", "test-deepgram-key")
	t.Setenv("BUFFER_MIN_FLUSH_MS", "9000")
	t.Setenv("BUFFER_MAX_FLUSH_MS", "8000")

	if _, err := LoadFromEnv(); err == nil {
		t.Error("Expected error when min flush exceeds max flush")
	}
}

func TestLoad_InvalidNumber(t *testing.T) {
	t.Setenv("DEEPGRAM_API_KEY", "test-deepgram-key")
	t.Setenv("BUFFER_MAX_BYTES", "lots")

	if _, err := LoadFromEnv(); err == nil {
		t.Error("Expected error for a non-numeric value")
	}
}

func TestBufferConfig_Defaults(t *testing.T) {
	t.Setenv("DEEPGRAM_API_KEY", "test-deepgram-key")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	bc := cfg.BufferConfig()
	if bc.MaxDuration != 30*time.Second {
		t.Errorf("Expected max duration 30s, got %v", bc.MaxDuration)
	}
	if bc.Overlap != 500*time.Millisecond {
		t.Errorf("Expected overlap 500ms, got %v", bc.Overlap)
	}
	if bc.IdleTimeout != 15*time.Second {
		t.Errorf("Expected idle timeout 15s, got %v", bc.IdleTimeout)
	}
	if bc.VADAggressiveness != 2 || bc.SampleRate != 16000 {
		t.Errorf("Expected aggressiveness 2 at 16000Hz, got %d at %d", bc.VADAggressiveness, bc.SampleRate)
	}
	if cfg.SweepInterval() != 30*time.Second {
		t.Errorf("Expected sweep interval 30s, got %v", cfg.SweepInterval())
	}
}

func TestWorkerConfig(t *testing.T) {
	t.Setenv("DEEPGRAM_API_KEY", "test-deepgram-key")
	t.Setenv("BUFFER_MAX_FLUSH_MS", "3000")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	wc := cfg.WorkerConfig()
	if wc.MinSleep != 50*time.Millisecond || wc.MaxSleep != time.Second {
		t.Errorf("Expected sleep bounds 50ms/1s, got %v/%v", wc.MinSleep, wc.MaxSleep)
	}
	if wc.MaxBackoff != 5*time.Second {
		t.Errorf("Expected max backoff 5s, got %v", wc.MaxBackoff)
	}
	if wc.MaxInterval != 3*time.Second || wc.InitialInterval != 3*time.Second {
		t.Errorf("Expected adaptive interval capped at 3s, got initial %v max %v", wc.InitialInterval, wc.MaxInterval)
	}
}

func TestWorkerConfig_IntervalFloorFollowsBuffer(t *testing.T) {
	t.Setenv("DEEPGRAM_API_KEY", "test-deepgram-key")
	t.Setenv("BUFFER_MIN_FLUSH_MS", "2000")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	wc := cfg.WorkerConfig()
	if wc.MinInterval != 2*time.Second {
		t.Errorf("Expected adaptive floor of 2s, got %v", wc.MinInterval)
	}
	if wc.InitialInterval != 4*time.Second {
		t.Errorf("Expected initial interval 4s, got %v", wc.InitialInterval)
	}
	if wc.MaxInterval != 8*time.Second {
		t.Errorf("Expected max interval 8s, got %v", wc.MaxInterval)
	}
}
