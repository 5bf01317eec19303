// Package main is the entry point for the dispatchd server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dispatchd/dispatchd/internal/config"
	"github.com/dispatchd/dispatchd/internal/database"
	"github.com/dispatchd/dispatchd/internal/gateway"
	"github.com/dispatchd/dispatchd/internal/leader"
	"github.com/dispatchd/dispatchd/internal/notify"
	"github.com/dispatchd/dispatchd/internal/output"
	"github.com/dispatchd/dispatchd/internal/registry"
	"github.com/dispatchd/dispatchd/internal/scheduler"
	"github.com/dispatchd/dispatchd/internal/server"
	"github.com/dispatchd/dispatchd/internal/wire"
	"github.com/dispatchd/dispatchd/migrations"
	"github.com/dispatchd/dispatchd/pkg/health"
	"github.com/dispatchd/dispatchd/pkg/metrics"
	"github.com/dispatchd/dispatchd/pkg/tracing"
)

// Build information, set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	logger := setupLogger()
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("commit", commit).
		Str("build_time", buildTime).
		Str("go_version", runtime.Version()).
		Msg("starting dispatchd server")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	slogLogger := setupSlog(cfg.Log)
	slog.SetDefault(slogLogger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	appMetrics := metrics.NewServerMetrics()

	var tracer *tracing.Tracer
	if cfg.Observability.TracingEnabled && cfg.Observability.TracingEndpoint != "" {
		tracer, err = tracing.InitTracer(tracing.Config{
			ServiceName:    "dispatchd-server",
			ServiceVersion: version,
			Endpoint:       cfg.Observability.TracingEndpoint,
			Insecure:       cfg.Observability.TracingInsecure,
			SampleRate:     cfg.Observability.TracingSampleRate,
			Environment:    cfg.Observability.Environment,
			Enabled:        true,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("failed to initialize tracing - continuing without tracing")
		} else {
			logger.Info().
				Str("endpoint", cfg.Observability.TracingEndpoint).
				Float64("sample_rate", cfg.Observability.TracingSampleRate).
				Msg("tracing initialized")
		}
	}

	logger.Info().Msg("connecting to database")
	dbCfg := database.DefaultConfig(cfg.Database.URL)
	dbCfg.MaxConns = int32(cfg.Database.MaxConns)
	dbCfg.MinConns = int32(cfg.Database.MinConns)
	dbCfg.MaxConnLifetime = cfg.Database.ConnMaxLifetime
	dbCfg.MaxConnIdleTime = cfg.Database.ConnMaxIdleTime
	dbCfg.ConnectAttempts = uint64(cfg.Database.ConnectAttempts)
	db, err := database.New(ctx, dbCfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	if cfg.Database.MigrateOnStart {
		migrator, err := database.NewMigrator(db, migrations.FS, ".")
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to load migrations")
		}
		applied, err := migrator.Up(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to run migrations")
		}
		if applied > 0 {
			logger.Info().Int("applied", applied).Msg("migrations applied")
		}
	}

	repos := database.NewRepositories(db)

	// Agent gateway: broker fans out agent events, the registry tracks
	// live connections, the message handler speaks the wire protocol.
	broker := gateway.NewBroker(cfg.Agents.EventBufferSize, logger)
	agentRegistry := gateway.NewRegistry(broker, logger)
	messages := gateway.NewMessageHandler(repos.Agents, agentRegistry, broker, logger)

	var wsAuth gateway.Authenticator
	if cfg.Auth.AgentToken != "" {
		wsAuth = gateway.TokenAuthenticator{Token: cfg.Auth.AgentToken}
	} else {
		logger.Warn().Msg("agent token not set - agent websocket accepts unauthenticated connections")
		wsAuth = gateway.NoopAuthenticator{}
	}
	wsHandler := gateway.NewHandler(messages, wsAuth, cfg.Server.AllowedOrigins, logger)

	hostname, _ := os.Hostname()
	elector := leader.NewElector(repos.Locks, slogLogger, leader.Config{
		LockName:      cfg.Leader.LockName,
		HolderID:      fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8]),
		TTL:           cfg.Leader.TTL,
		RenewInterval: cfg.Leader.RenewInterval,
	})

	outputs, archive, err := wire.NewOutputStore(cfg.Storage, slogLogger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create output archive")
	}
	if archive != nil {
		if err := archive.Connect(ctx); err != nil {
			logger.Warn().Err(err).Msg("output archive unreachable - oversized output stays truncated inline until it returns")
		} else {
			logger.Info().
				Str("bucket", cfg.Storage.Bucket).
				Str("endpoint", cfg.Storage.Endpoint).
				Msg("output archive initialized")
		}
	}

	scanner := scheduler.NewScanner(repos.Schedules, repos.Jobs, repos.Instances, repos.Agents, elector, slogLogger, scheduler.ScannerConfig{
		ScanInterval:    cfg.Scheduler.ScanInterval,
		JanitorInterval: cfg.Scheduler.JanitorInterval,
		BatchSize:       cfg.Scheduler.BatchSize,
		AgentTTL:        cfg.Agents.HeartbeatTTL,
	})
	dispatcher := scheduler.NewDispatcher(repos.Instances, repos.Agents, agentRegistry, broker, slogLogger, scheduler.DispatcherConfig{
		AgentTTL: cfg.Agents.HeartbeatTTL,
		MaxBatch: cfg.Scheduler.DispatchMaxBatch,
	})
	persister := scheduler.NewPersister(repos.Instances, repos.Schedules, repos.Jobs, outputs, broker, slogLogger, scheduler.PersisterConfig{
		TailLimit: cfg.Scheduler.OutputTailLimit,
	})

	var sweeper *output.Sweeper
	if cfg.Storage.SweepEnabled && archive != nil {
		sweeper = output.NewSweeper(repos.Instances, archive, elector, slogLogger, output.SweeperConfig{
			Interval:  cfg.Storage.SweepInterval,
			Retention: cfg.Storage.Retention,
			BatchSize: cfg.Storage.SweepBatchSize,
		})
	}

	var notifier *notify.Service
	if notifyCfg := wire.NotifyConfig(cfg); notifyCfg.Enabled() {
		notifier = notify.NewService(notifyCfg, repos.Instances, repos.Jobs, broker, slogLogger)
	}

	var syncer *registry.Syncer
	if cfg.RegistryEnabled() {
		manifests := registry.NewRegistry(repos.Jobs, repos.Schedules, slogLogger)
		syncer = registry.NewSyncer(manifests, repos.Jobs, registry.SyncerConfig{
			Dir:          cfg.Registry.ManifestDir,
			Interval:     cfg.Registry.SyncInterval,
			PruneMissing: cfg.Registry.PruneMissing,
		}, slogLogger)
	}

	checks := []health.Check{wire.NewDatabaseCheck(db)}
	if archive != nil {
		checks = append(checks, wire.NewArchiveCheck(archive))
	}
	checks = append(checks, wire.NewGatewayCheck(agentRegistry))

	apiOpts := []server.APIOption{
		server.WithLiveOutput(persister),
		server.WithLeadership(elector),
		server.WithAgentTTL(cfg.Agents.HeartbeatTTL),
		server.WithReadinessChecks(checks...),
	}
	if archive != nil {
		apiOpts = append(apiOpts,
			server.WithArchive(archive),
			server.WithOutputURLTTL(cfg.Storage.URLExpiry),
		)
	}
	api := server.NewAPI(repos, agentRegistry, logger, apiOpts...)

	httpServer := server.NewHTTPServer(server.HTTPConfig{
		Port:           cfg.Server.HTTPPort,
		EnableCORS:     true,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    120 * time.Second,
		WebSocketPath:  "/ws/agent",
		EnableTracing:  tracer != nil,
		APIToken:       cfg.Auth.APIToken,
		JWTSecret:      cfg.Auth.JWTSecret,
		Metrics:        appMetrics.Server,
	}, api, wsHandler, logger)

	metricsCfg := server.DefaultMetricsServerConfig()
	metricsCfg.Port = cfg.Server.MetricsPort
	metricsServer := server.NewMetricsServer(metricsCfg, appMetrics, logger)

	// Event consumers subscribe before the websocket starts accepting
	// agents, so no agent event can slip past unobserved.
	if err := elector.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start elector")
	}
	if err := persister.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start persister")
	}
	if err := dispatcher.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start dispatcher")
	}
	if err := scanner.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start scanner")
	}
	if sweeper != nil {
		if err := sweeper.Start(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to start output sweeper")
		}
	}
	if notifier != nil {
		if err := notifier.Start(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to start notifier")
		}
		logger.Info().Msg("notification service started")
	}
	if syncer != nil {
		if err := syncer.Start(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to sync job manifests")
		}
	}

	errCh := make(chan error, 2)

	go func() {
		if err := httpServer.Start(ctx); err != nil {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()
	go func() {
		if err := metricsServer.Start(ctx); err != nil {
			errCh <- fmt.Errorf("metrics server error: %w", err)
		}
	}()

	logger.Info().
		Int("http_port", cfg.Server.HTTPPort).
		Int("metrics_port", cfg.Server.MetricsPort).
		Msg("dispatchd server started")

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
	}

	logger.Info().Msg("initiating graceful shutdown")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	var shutdownErr error

	// New work stops flowing in before the consumers drain: API and
	// websocket first, then the loops, the elector last so the lock is
	// released after everything leader-gated has stopped.
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
		shutdownErr = err
	}
	agentRegistry.CloseAll()

	if syncer != nil {
		if err := syncer.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("manifest syncer shutdown error")
			shutdownErr = err
		}
	}
	if notifier != nil {
		if err := notifier.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("notifier shutdown error")
			shutdownErr = err
		}
	}
	if sweeper != nil {
		if err := sweeper.Stop(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("output sweeper shutdown error")
			shutdownErr = err
		}
	}
	if err := scanner.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("scanner shutdown error")
		shutdownErr = err
	}
	if err := dispatcher.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("dispatcher shutdown error")
		shutdownErr = err
	}
	if err := persister.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("persister shutdown error")
		shutdownErr = err
	}
	if err := elector.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("elector shutdown error")
		shutdownErr = err
	}
	if err := metricsServer.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
		shutdownErr = err
	}

	if tracer != nil {
		if err := tracer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("tracer shutdown error")
			shutdownErr = err
		}
	}

	if shutdownErr != nil {
		logger.Error().Msg("shutdown completed with errors")
		os.Exit(1)
	}

	logger.Info().Msg("shutdown completed successfully")
}

// setupLogger initializes the zerolog logger. It reads the environment
// directly because it runs before configuration is loaded.
func setupLogger() zerolog.Logger {
	format := os.Getenv("DISPATCHD_LOG_FORMAT")
	level := os.Getenv("DISPATCHD_LOG_LEVEL")

	var logLevel zerolog.Level
	switch level {
	case "debug":
		logLevel = zerolog.DebugLevel
	case "warn":
		logLevel = zerolog.WarnLevel
	case "error":
		logLevel = zerolog.ErrorLevel
	default:
		logLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(logLevel)

	var logger zerolog.Logger
	if format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		logger = zerolog.New(os.Stdout)
	}

	return logger.With().
		Timestamp().
		Str("service", "dispatchd-server").
		Logger()
}

// setupSlog builds the slog logger handed to the background components.
func setupSlog(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "console" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
