package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/lexiqai/stream-buffer/internal/audio"
	"github.com/lexiqai/stream-buffer/internal/buffer"
	"github.com/lexiqai/stream-buffer/internal/config"
	"github.com/lexiqai/stream-buffer/internal/dispatch"
	"github.com/lexiqai/stream-buffer/internal/observability"
	"github.com/lexiqai/stream-buffer/internal/resilience"
	"github.com/lexiqai/stream-buffer/internal/stt"
	"github.com/lexiqai/stream-buffer/internal/transport"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("log_level", cfg.LogLevel).
		Bool("vad_enabled", cfg.VADEnabled).
		Int("vad_aggressiveness", cfg.VADAggressiveness).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Stream buffer service starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	retry := resilience.DefaultRetryConfig()
	retry.MaxAttempts = cfg.RetryMaxAttempts
	retry.InitialBackoff = time.Duration(cfg.RetryInitialBackoff) * time.Millisecond

	deepgram, err := stt.NewDeepgramClient(stt.Options{
		APIKey:       cfg.DeepgramAPIKey,
		Model:        cfg.DeepgramModel,
		Language:     cfg.DeepgramLanguage,
		SampleRate:   cfg.VADSampleRate,
		MaxFailures:  cfg.CircuitBreakerMaxFailures,
		ResetTimeout: cfg.ResetTimeout(),
		Retry:        retry,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create Deepgram client")
	}

	// The transport server publishes transcripts and is built after the registry,
	// so the result handler resolves it late.
	var streams *transport.Server
	pool := dispatch.NewPool(deepgram, cfg.WorkerConfig(), dispatch.WithResultHandler(
		func(sessionID string, result dispatch.Result, meta buffer.PayloadMetadata) {
			streams.Publish(sessionID, result, meta)
		},
	))

	registry := buffer.NewRegistry(cfg.BufferConfig(),
		buffer.WithSweepInterval(cfg.SweepInterval()),
		buffer.WithDetectorFactory(audio.WebRTCDetectorFactory),
		buffer.WithSessionHook(func(_ string, m *buffer.Manager) {
			pool.Start(ctx, m)
		}),
	)

	streams = transport.NewServer(registry,
		transport.WithStatsSource(pool),
		transport.WithStatusInterval(cfg.StatusInterval()),
	)

	// Create HTTP server
	mux := http.NewServeMux()
	mux.HandleFunc("/streams/audio", streams.HandleStream())
	mux.HandleFunc("/sessions", streams.HandleSessions())
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	checks := map[string]observability.HealthCheckFunc{
		"deepgram": deepgram.HealthCheck,
	}
	if cfg.TranscriberHealthAddr != "" {
		probe, err := stt.NewGRPCProbe(cfg.TranscriberHealthAddr, "", 2*time.Second)
		if err != nil {
			logger.Fatal().Err(err).Str("addr", cfg.TranscriberHealthAddr).Msg("Failed to create transcriber health probe")
		}
		defer probe.Close()
		checks["transcriber"] = probe.Check
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// WriteTimeout is left unset; WebSocket writes carry their own deadlines
	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/streams/audio", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return registry.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down server...")

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		err := server.Shutdown(shutdownCtx)
		streams.Close()
		registry.Close()
		pool.Wait()
		return err
	})

	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("Server stopped with error")
	}
	logger.Info().Msg("Server exited gracefully")
}
