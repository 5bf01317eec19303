// Package main is the entrypoint for the dispatchd agent.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/dispatchd/dispatchd/internal/agent"
	"github.com/dispatchd/dispatchd/pkg/metrics"
	"github.com/dispatchd/dispatchd/pkg/tracing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := agent.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg)
	logger.Info().
		Str("agent_name", cfg.AgentName).
		Str("server", cfg.ServerURL).
		Int("max_concurrency", cfg.MaxConcurrency).
		Msg("starting dispatchd agent")

	agentMetrics := metrics.NewAgentMetrics()

	var tracer *tracing.Tracer
	tracingEndpoint := os.Getenv("DISPATCHD_TRACING_ENDPOINT")
	tracingEnabled := os.Getenv("DISPATCHD_TRACING_ENABLED") == "true"
	if tracingEnabled && tracingEndpoint != "" {
		tracer, err = tracing.InitTracer(tracing.Config{
			ServiceName:    "dispatchd-agent",
			ServiceVersion: agent.Version,
			Endpoint:       tracingEndpoint,
			Insecure:       os.Getenv("DISPATCHD_TRACING_INSECURE") != "false",
			SampleRate:     1.0,
			Environment:    os.Getenv("DISPATCHD_ENVIRONMENT"),
			Enabled:        true,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("failed to initialize tracing - continuing without tracing")
		} else {
			logger.Info().Str("endpoint", tracingEndpoint).Msg("tracing initialized")
		}
	}

	metricsPort := os.Getenv("DISPATCHD_AGENT_METRICS_PORT")
	if metricsPort == "" {
		metricsPort = "9092"
	}
	metricsServer := &http.Server{
		Addr:         ":" + metricsPort,
		Handler:      agentMetrics.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("address", metricsServer.Addr).Msg("starting agent metrics server")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	agnt, err := agent.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go reportResourceMetrics(ctx, agnt, agentMetrics.Agent, cfg.MaxConcurrency)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := agnt.Start(ctx); err != nil {
			errCh <- err
		}
	}()

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-errCh:
		logger.Error().Err(err).Msg("agent error")
		return err
	}

	logger.Info().Msg("initiating graceful shutdown")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}

	if err := agnt.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
		return err
	}

	if tracer != nil {
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("tracer shutdown error")
		}
	}

	logger.Info().Msg("agent shutdown complete")
	return nil
}

// setupLogger creates a logger based on configuration.
func setupLogger(cfg *agent.Config) zerolog.Logger {
	var logger zerolog.Logger

	if cfg.LogFormat == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
			With().Timestamp().Logger()
	} else {
		logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}

	switch cfg.LogLevel {
	case "debug":
		logger = logger.Level(zerolog.DebugLevel)
	case "warn":
		logger = logger.Level(zerolog.WarnLevel)
	case "error":
		logger = logger.Level(zerolog.ErrorLevel)
	default:
		logger = logger.Level(zerolog.InfoLevel)
	}

	return logger.With().Str("component", "main").Logger()
}

// reportResourceMetrics bridges the agent's resource monitor and process
// counts into the Prometheus registry.
func reportResourceMetrics(ctx context.Context, agnt *agent.Agent, m *metrics.AgentMetrics, maxConcurrency int) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			usage := agnt.HostUsage()
			m.SetCPUUsage(usage.CPUPercent)
			if usage.MemoryTotalBytes > 0 {
				m.SetMemoryUsage(float64(usage.MemoryUsedBytes) / float64(usage.MemoryTotalBytes) * 100)
				m.SetMemoryBytes(
					uint64(usage.MemoryUsedBytes),
					uint64(usage.MemoryTotalBytes-usage.MemoryUsedBytes),
					uint64(usage.MemoryTotalBytes),
				)
			}
			active := agnt.ActiveProcesses()
			m.SetActiveProcesses(float64(active))
			m.SetCapacity(active, maxConcurrency)
		}
	}
}
