// Package config provides configuration management for the dispatchd server.
// Configuration is loaded from environment variables with the DISPATCHD_ prefix.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration settings for the server.
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Storage       StorageConfig
	Auth          AuthConfig
	Agents        AgentsConfig
	Leader        LeaderConfig
	Scheduler     SchedulerConfig
	Registry      RegistryConfig
	Notify        NotifyConfig
	Log           LogConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP and metrics server settings.
type ServerConfig struct {
	// HTTPPort is the port for the REST API and agent websocket (default: 8080)
	HTTPPort int
	// MetricsPort is the port for Prometheus metrics (default: 9091)
	MetricsPort int
	// ShutdownTimeout is the graceful shutdown timeout (default: 30s)
	ShutdownTimeout time.Duration
	// AllowedOrigins restricts CORS and websocket origins (default: *)
	AllowedOrigins []string
	// BaseURL is the externally reachable address, used for links in
	// notifications (optional)
	BaseURL string
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	// URL is the PostgreSQL connection string (required)
	URL string
	// MaxConns is the maximum number of pool connections (default: 25)
	MaxConns int
	// MinConns is the minimum number of pool connections (default: 5)
	MinConns int
	// ConnMaxLifetime is the maximum connection lifetime (default: 1h)
	ConnMaxLifetime time.Duration
	// ConnMaxIdleTime is the maximum idle time for connections (default: 30m)
	ConnMaxIdleTime time.Duration
	// ConnectAttempts is how many times to retry the initial connect (default: 5)
	ConnectAttempts int
	// MigrateOnStart runs pending migrations during startup (default: true)
	MigrateOnStart bool
}

// StorageConfig holds S3/MinIO output archive settings. The archive is
// optional: with no bucket configured oversized output is truncated inline.
type StorageConfig struct {
	// Endpoint is the S3/MinIO endpoint (empty means AWS S3)
	Endpoint string
	// Bucket is the bucket name for archived output (enables the archive)
	Bucket string
	// Region is the bucket region (default: us-east-1)
	Region string
	// AccessKeyID is the access key
	AccessKeyID string
	// SecretAccessKey is the secret key
	SecretAccessKey string
	// UseSSL enables TLS for MinIO connections (default: true)
	UseSSL bool
	// InlineLimit is the largest output kept entirely on the instance row
	// (default: 64KiB)
	InlineLimit int
	// URLExpiry is how long presigned download links stay valid (default: 1h)
	URLExpiry time.Duration
	// SweepEnabled enables periodic deletion of expired output (default: false)
	SweepEnabled bool
	// SweepInterval is how often to run the sweep (default: 1h)
	SweepInterval time.Duration
	// Retention controls how long archived output is kept (default: 30d)
	Retention time.Duration
	// SweepBatchSize limits objects deleted per run (default: 100)
	SweepBatchSize int
}

// AuthConfig holds authentication settings. Empty tokens disable the
// corresponding check, which is only sensible on a private network.
type AuthConfig struct {
	// APIToken is the static bearer token required on mutating API routes
	APIToken string
	// AgentToken is the bearer token agents present at the websocket
	// handshake
	AgentToken string
	// JWTSecret optionally enables HS256 JWT bearer tokens on the API
	JWTSecret string
}

// AgentsConfig holds agent coordination settings.
type AgentsConfig struct {
	// HeartbeatTTL is how long before a silent agent counts as offline
	// (default: 90s)
	HeartbeatTTL time.Duration
	// EventBufferSize is the per-subscriber agent event buffer (default: 256)
	EventBufferSize int
}

// LeaderConfig holds leader election settings.
type LeaderConfig struct {
	// LockName is the shared lock row name (default: dispatchd-leader)
	LockName string
	// TTL is how long an acquisition stays valid without renewal (default: 15s)
	TTL time.Duration
	// RenewInterval is the tick between acquisition attempts (default: 5s)
	RenewInterval time.Duration
}

// SchedulerConfig holds materialization and dispatch settings.
type SchedulerConfig struct {
	// ScanInterval is the schedule evaluation tick (default: 5s)
	ScanInterval time.Duration
	// JanitorInterval is the orphan recovery tick (default: 30s)
	JanitorInterval time.Duration
	// BatchSize caps schedules evaluated per tick (default: 50)
	BatchSize int
	// DispatchMaxBatch caps tasks claimed by one agent poll (default: 16)
	DispatchMaxBatch int
	// OutputTailLimit bounds the in-memory live output tail per running
	// instance (default: 64KiB)
	OutputTailLimit int
}

// RegistryConfig holds declarative job manifest settings.
type RegistryConfig struct {
	// ManifestDir is a directory of YAML job manifests synced into the
	// store on startup and on an interval (empty disables)
	ManifestDir string
	// SyncInterval is how often the directory is re-read (default: 1m)
	SyncInterval time.Duration
	// PruneMissing pauses jobs whose manifests disappeared (default: false)
	PruneMissing bool
}

// NotifyConfig holds failure notification settings.
type NotifyConfig struct {
	// WebhookURL enables the generic webhook channel
	WebhookURL string
	// WebhookSecret signs webhook payloads with HMAC-SHA256
	WebhookSecret string
	// SlackWebhookURL enables the Slack channel
	SlackWebhookURL string
	// SlackChannel overrides the webhook's default channel
	SlackChannel string
	// Workers is the number of delivery workers (default: 5)
	Workers int
	// QueueSize bounds the delivery queue (default: 1000)
	QueueSize int
	// ThrottleWindow suppresses repeats per job and type (default: 5m)
	ThrottleWindow time.Duration
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error) (default: info)
	Level string
	// Format is the log format (json, console) (default: json)
	Format string
}

// ObservabilityConfig holds observability settings.
type ObservabilityConfig struct {
	// TracingEnabled enables OpenTelemetry tracing (default: false)
	TracingEnabled bool
	// TracingEndpoint is the OTLP collector endpoint (e.g., "localhost:4318")
	TracingEndpoint string
	// TracingInsecure disables TLS for the tracing connection (default: true)
	TracingInsecure bool
	// TracingSampleRate is the sampling rate (0.0 to 1.0) (default: 1.0)
	TracingSampleRate float64
	// Environment is the deployment environment (e.g., "production", "staging")
	Environment string
}

// Load reads configuration from environment variables.
// Environment variables use the DISPATCHD_ prefix.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			HTTPPort:        getEnvInt("DISPATCHD_HTTP_PORT", 8080),
			MetricsPort:     getEnvInt("DISPATCHD_METRICS_PORT", 9091),
			ShutdownTimeout: getEnvDuration("DISPATCHD_SHUTDOWN_TIMEOUT", 30*time.Second),
			AllowedOrigins:  getEnvList("DISPATCHD_CORS_ALLOWED_ORIGINS", []string{"*"}),
			BaseURL:         getEnv("DISPATCHD_BASE_URL", ""),
		},
		Database: DatabaseConfig{
			URL:             getEnv("DISPATCHD_DATABASE_URL", ""),
			MaxConns:        getEnvInt("DISPATCHD_DATABASE_MAX_CONNS", 25),
			MinConns:        getEnvInt("DISPATCHD_DATABASE_MIN_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DISPATCHD_DATABASE_CONN_MAX_LIFETIME", time.Hour),
			ConnMaxIdleTime: getEnvDuration("DISPATCHD_DATABASE_CONN_MAX_IDLE_TIME", 30*time.Minute),
			ConnectAttempts: getEnvInt("DISPATCHD_DATABASE_CONNECT_ATTEMPTS", 5),
			MigrateOnStart:  getEnvBool("DISPATCHD_DATABASE_MIGRATE", true),
		},
		Storage: StorageConfig{
			Endpoint:        getEnv("DISPATCHD_STORAGE_ENDPOINT", ""),
			Bucket:          getEnv("DISPATCHD_STORAGE_BUCKET", ""),
			Region:          getEnv("DISPATCHD_STORAGE_REGION", "us-east-1"),
			AccessKeyID:     getEnv("DISPATCHD_STORAGE_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("DISPATCHD_STORAGE_SECRET_ACCESS_KEY", ""),
			UseSSL:          getEnvBool("DISPATCHD_STORAGE_USE_SSL", true),
			InlineLimit:     getEnvInt("DISPATCHD_STORAGE_INLINE_LIMIT", 64*1024),
			URLExpiry:       getEnvDuration("DISPATCHD_STORAGE_URL_EXPIRY", time.Hour),
			SweepEnabled:    getEnvBool("DISPATCHD_STORAGE_SWEEP_ENABLED", false),
			SweepInterval:   getEnvDuration("DISPATCHD_STORAGE_SWEEP_INTERVAL", time.Hour),
			Retention:       getEnvDuration("DISPATCHD_STORAGE_RETENTION", 30*24*time.Hour),
			SweepBatchSize:  getEnvInt("DISPATCHD_STORAGE_SWEEP_BATCH_SIZE", 100),
		},
		Auth: AuthConfig{
			APIToken:   getEnv("DISPATCHD_AUTH_API_TOKEN", ""),
			AgentToken: getEnv("DISPATCHD_AUTH_AGENT_TOKEN", ""),
			JWTSecret:  getEnv("DISPATCHD_AUTH_JWT_SECRET", ""),
		},
		Agents: AgentsConfig{
			HeartbeatTTL:    getEnvDuration("DISPATCHD_AGENT_HEARTBEAT_TTL", 90*time.Second),
			EventBufferSize: getEnvInt("DISPATCHD_AGENT_EVENT_BUFFER_SIZE", 256),
		},
		Leader: LeaderConfig{
			LockName:      getEnv("DISPATCHD_LEADER_LOCK_NAME", "dispatchd-leader"),
			TTL:           getEnvDuration("DISPATCHD_LEADER_TTL", 15*time.Second),
			RenewInterval: getEnvDuration("DISPATCHD_LEADER_RENEW_INTERVAL", 5*time.Second),
		},
		Scheduler: SchedulerConfig{
			ScanInterval:     getEnvDuration("DISPATCHD_SCHEDULER_SCAN_INTERVAL", 5*time.Second),
			JanitorInterval:  getEnvDuration("DISPATCHD_SCHEDULER_JANITOR_INTERVAL", 30*time.Second),
			BatchSize:        getEnvInt("DISPATCHD_SCHEDULER_BATCH_SIZE", 50),
			DispatchMaxBatch: getEnvInt("DISPATCHD_SCHEDULER_DISPATCH_MAX_BATCH", 16),
			OutputTailLimit:  getEnvInt("DISPATCHD_SCHEDULER_OUTPUT_TAIL_LIMIT", 64*1024),
		},
		Registry: RegistryConfig{
			ManifestDir:  getEnv("DISPATCHD_REGISTRY_MANIFEST_DIR", ""),
			SyncInterval: getEnvDuration("DISPATCHD_REGISTRY_SYNC_INTERVAL", time.Minute),
			PruneMissing: getEnvBool("DISPATCHD_REGISTRY_PRUNE_MISSING", false),
		},
		Notify: NotifyConfig{
			WebhookURL:      getEnv("DISPATCHD_NOTIFY_WEBHOOK_URL", ""),
			WebhookSecret:   getEnv("DISPATCHD_NOTIFY_WEBHOOK_SECRET", ""),
			SlackWebhookURL: getEnv("DISPATCHD_NOTIFY_SLACK_WEBHOOK_URL", ""),
			SlackChannel:    getEnv("DISPATCHD_NOTIFY_SLACK_CHANNEL", ""),
			Workers:         getEnvInt("DISPATCHD_NOTIFY_WORKERS", 5),
			QueueSize:       getEnvInt("DISPATCHD_NOTIFY_QUEUE_SIZE", 1000),
			ThrottleWindow:  getEnvDuration("DISPATCHD_NOTIFY_THROTTLE_WINDOW", 5*time.Minute),
		},
		Log: LogConfig{
			Level:  getEnv("DISPATCHD_LOG_LEVEL", "info"),
			Format: getEnv("DISPATCHD_LOG_FORMAT", "json"),
		},
		Observability: ObservabilityConfig{
			TracingEnabled:    getEnvBool("DISPATCHD_TRACING_ENABLED", false),
			TracingEndpoint:   getEnv("DISPATCHD_TRACING_ENDPOINT", ""),
			TracingInsecure:   getEnvBool("DISPATCHD_TRACING_INSECURE", true),
			TracingSampleRate: getEnvFloat("DISPATCHD_TRACING_SAMPLE_RATE", 1.0),
			Environment:       getEnv("DISPATCHD_ENVIRONMENT", "development"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set and valid.
func (c *Config) Validate() error {
	var errs []error

	// Server validation
	if c.Server.HTTPPort < 1 || c.Server.HTTPPort > 65535 {
		errs = append(errs, errors.New("DISPATCHD_HTTP_PORT must be between 1 and 65535"))
	}
	if c.Server.MetricsPort < 1 || c.Server.MetricsPort > 65535 {
		errs = append(errs, errors.New("DISPATCHD_METRICS_PORT must be between 1 and 65535"))
	}
	if c.Server.HTTPPort == c.Server.MetricsPort {
		errs = append(errs, errors.New("DISPATCHD_METRICS_PORT must differ from DISPATCHD_HTTP_PORT"))
	}

	// Database validation (required)
	if c.Database.URL == "" {
		errs = append(errs, errors.New("DISPATCHD_DATABASE_URL is required"))
	}
	if c.Database.MaxConns < 1 {
		errs = append(errs, errors.New("DISPATCHD_DATABASE_MAX_CONNS must be at least 1"))
	}
	if c.Database.MinConns < 0 {
		errs = append(errs, errors.New("DISPATCHD_DATABASE_MIN_CONNS cannot be negative"))
	}
	if c.Database.MinConns > c.Database.MaxConns {
		errs = append(errs, errors.New("DISPATCHD_DATABASE_MIN_CONNS cannot exceed MAX_CONNS"))
	}

	// Storage validation (conditional)
	if c.StorageEnabled() {
		if c.Storage.AccessKeyID == "" {
			errs = append(errs, errors.New("DISPATCHD_STORAGE_ACCESS_KEY_ID is required when a bucket is configured"))
		}
		if c.Storage.SecretAccessKey == "" {
			errs = append(errs, errors.New("DISPATCHD_STORAGE_SECRET_ACCESS_KEY is required when a bucket is configured"))
		}
		if c.Storage.InlineLimit < 1024 {
			errs = append(errs, errors.New("DISPATCHD_STORAGE_INLINE_LIMIT must be at least 1024 bytes"))
		}
	}
	if c.Storage.SweepEnabled {
		if !c.StorageEnabled() {
			errs = append(errs, errors.New("DISPATCHD_STORAGE_SWEEP_ENABLED requires a configured bucket"))
		}
		if c.Storage.Retention <= 0 {
			errs = append(errs, errors.New("DISPATCHD_STORAGE_RETENTION must be greater than 0 when the sweep is enabled"))
		}
		if c.Storage.SweepInterval <= 0 {
			errs = append(errs, errors.New("DISPATCHD_STORAGE_SWEEP_INTERVAL must be greater than 0 when the sweep is enabled"))
		}
		if c.Storage.SweepBatchSize <= 0 {
			errs = append(errs, errors.New("DISPATCHD_STORAGE_SWEEP_BATCH_SIZE must be greater than 0 when the sweep is enabled"))
		}
	}

	// Auth validation (conditional)
	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		errs = append(errs, errors.New("DISPATCHD_AUTH_JWT_SECRET must be at least 32 characters"))
	}

	// Agent validation
	if c.Agents.HeartbeatTTL < 10*time.Second {
		errs = append(errs, errors.New("DISPATCHD_AGENT_HEARTBEAT_TTL must be at least 10 seconds"))
	}
	if c.Agents.EventBufferSize < 1 {
		errs = append(errs, errors.New("DISPATCHD_AGENT_EVENT_BUFFER_SIZE must be at least 1"))
	}

	// Leader validation
	if c.Leader.LockName == "" {
		errs = append(errs, errors.New("DISPATCHD_LEADER_LOCK_NAME cannot be empty"))
	}
	if c.Leader.TTL < time.Second {
		errs = append(errs, errors.New("DISPATCHD_LEADER_TTL must be at least 1 second"))
	}
	if c.Leader.RenewInterval >= c.Leader.TTL {
		errs = append(errs, errors.New("DISPATCHD_LEADER_RENEW_INTERVAL must be below DISPATCHD_LEADER_TTL"))
	}

	// Scheduler validation
	if c.Scheduler.ScanInterval < 100*time.Millisecond {
		errs = append(errs, errors.New("DISPATCHD_SCHEDULER_SCAN_INTERVAL must be at least 100ms"))
	}
	if c.Scheduler.BatchSize < 1 {
		errs = append(errs, errors.New("DISPATCHD_SCHEDULER_BATCH_SIZE must be at least 1"))
	}
	if c.Scheduler.DispatchMaxBatch < 1 {
		errs = append(errs, errors.New("DISPATCHD_SCHEDULER_DISPATCH_MAX_BATCH must be at least 1"))
	}

	// Registry validation (conditional)
	if c.Registry.ManifestDir != "" && c.Registry.SyncInterval <= 0 {
		errs = append(errs, errors.New("DISPATCHD_REGISTRY_SYNC_INTERVAL must be greater than 0 when a manifest directory is configured"))
	}

	// Notify validation
	if c.Notify.SlackChannel != "" && c.Notify.SlackWebhookURL == "" {
		errs = append(errs, errors.New("DISPATCHD_NOTIFY_SLACK_CHANNEL requires DISPATCHD_NOTIFY_SLACK_WEBHOOK_URL"))
	}
	if c.NotifyEnabled() && c.Notify.Workers < 1 {
		errs = append(errs, errors.New("DISPATCHD_NOTIFY_WORKERS must be at least 1"))
	}

	// Log validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, errors.New("DISPATCHD_LOG_LEVEL must be one of: debug, info, warn, error"))
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[strings.ToLower(c.Log.Format)] {
		errs = append(errs, errors.New("DISPATCHD_LOG_FORMAT must be one of: json, console"))
	}

	// Tracing validation (conditional)
	if c.Observability.TracingEnabled && c.Observability.TracingEndpoint == "" {
		errs = append(errs, errors.New("DISPATCHD_TRACING_ENDPOINT is required when tracing is enabled"))
	}
	if c.Observability.TracingSampleRate < 0 || c.Observability.TracingSampleRate > 1 {
		errs = append(errs, errors.New("DISPATCHD_TRACING_SAMPLE_RATE must be between 0.0 and 1.0"))
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}

	return nil
}

// ValidationError contains multiple validation errors.
type ValidationError struct {
	Errors []error
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d validation errors:\n", len(e.Errors)))
	for i, err := range e.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Unwrap returns the underlying errors for errors.Is/As compatibility.
func (e *ValidationError) Unwrap() []error {
	return e.Errors
}

// StorageEnabled returns true if the output archive is configured.
func (c *Config) StorageEnabled() bool {
	return c.Storage.Bucket != ""
}

// NotifyEnabled returns true if at least one notification channel is
// configured.
func (c *Config) NotifyEnabled() bool {
	return c.Notify.WebhookURL != "" || c.Notify.SlackWebhookURL != ""
}

// RegistryEnabled returns true if a manifest directory is configured.
func (c *Config) RegistryEnabled() bool {
	return c.Registry.ManifestDir != ""
}

// AuthEnabled returns true if API requests must carry credentials.
func (c *Config) AuthEnabled() bool {
	return c.Auth.APIToken != "" || c.Auth.JWTSecret != ""
}

// Helper functions for reading environment variables

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
