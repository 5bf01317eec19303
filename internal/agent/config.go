// Package agent implements the dispatchd agent. The agent keeps one
// logical websocket connection to the server, polls for work when it has
// spare capacity, runs acquired tasks through the process manager, and
// reports every task state transition back upstream.
package agent

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds all configuration settings for the agent.
type Config struct {
	// AgentID is the unique identifier for this agent (UUID). If empty,
	// a generated id is persisted in the journal and reused across
	// restarts.
	AgentID string

	// AgentName is a human-readable name for the agent.
	AgentName string

	// ServerURL is the websocket endpoint of the server (required),
	// e.g. ws://localhost:8080/ws/agent.
	ServerURL string

	// Token is the bearer token presented on the websocket handshake.
	Token string

	// Labels are key-value pairs matched against job label selectors.
	Labels map[string]string

	// MaxConcurrency is the maximum number of concurrently running
	// processes (default: 4).
	MaxConcurrency int

	// StateDir is the directory for the local journal (default:
	// /var/lib/dispatchd).
	StateDir string

	// PollInterval is the work acquisition cadence (default: 3s).
	PollInterval time.Duration

	// HeartbeatInterval is the liveness reporting cadence (default: 15s).
	HeartbeatInterval time.Duration

	// ReconnectMinInterval is the minimum reconnection backoff (default: 1s).
	ReconnectMinInterval time.Duration

	// ReconnectMaxInterval is the maximum reconnection backoff (default: 60s).
	ReconnectMaxInterval time.Duration

	// SampleInterval is the per-process resource sampling cadence
	// (default: 5s).
	SampleInterval time.Duration

	// KillGracePeriod bounds how long a killed process may take to exit
	// before it is declared a zombie (default: 10s).
	KillGracePeriod time.Duration

	// DockerEnabled enables the container executor (default: true).
	DockerEnabled bool

	// DockerHost is the Docker daemon socket (default: unix:///var/run/docker.sock).
	DockerHost string

	// SecretsProvider enables secret resolution (vault).
	SecretsProvider string

	// VaultAddress is the Vault API address for secret resolution.
	VaultAddress string

	// VaultToken is the Vault token for secret resolution.
	VaultToken string

	// VaultNamespace is the optional Vault namespace header.
	VaultNamespace string

	// VaultMount is the KV mount path (default: secret).
	VaultMount string

	// VaultTimeout is the HTTP timeout for Vault requests (default: 10s).
	VaultTimeout time.Duration

	// ResourceCheckInterval is how often to sample host resources
	// (default: 10s).
	ResourceCheckInterval time.Duration

	// CPUThreshold is the host CPU percentage above which no new work is
	// acquired (default: 90).
	CPUThreshold float64

	// MemoryThreshold is the host memory percentage above which no new
	// work is acquired (default: 90).
	MemoryThreshold float64

	// DiskThreshold is the disk usage percentage above which no new work
	// is acquired (default: 90).
	DiskThreshold float64

	// LogLevel is the log level (debug, info, warn, error) (default: info).
	LogLevel string

	// LogFormat is the log format (json, console) (default: json).
	LogFormat string
}

// Load reads agent configuration from environment variables.
// Environment variables use the DISPATCHD_AGENT_ prefix.
func Load() (*Config, error) {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}

	cfg := &Config{
		AgentID:               getEnv("DISPATCHD_AGENT_ID", ""),
		AgentName:             getEnv("DISPATCHD_AGENT_NAME", hostname),
		ServerURL:             getEnv("DISPATCHD_AGENT_SERVER_URL", ""),
		Token:                 getEnv("DISPATCHD_AGENT_TOKEN", ""),
		Labels:                getEnvMap("DISPATCHD_AGENT_LABELS"),
		MaxConcurrency:        getEnvInt("DISPATCHD_AGENT_MAX_CONCURRENCY", 4),
		StateDir:              getEnv("DISPATCHD_AGENT_STATE_DIR", "/var/lib/dispatchd"),
		PollInterval:          getEnvDuration("DISPATCHD_AGENT_POLL_INTERVAL", 3*time.Second),
		HeartbeatInterval:     getEnvDuration("DISPATCHD_AGENT_HEARTBEAT_INTERVAL", 15*time.Second),
		ReconnectMinInterval:  getEnvDuration("DISPATCHD_AGENT_RECONNECT_MIN_INTERVAL", 1*time.Second),
		ReconnectMaxInterval:  getEnvDuration("DISPATCHD_AGENT_RECONNECT_MAX_INTERVAL", 60*time.Second),
		SampleInterval:        getEnvDuration("DISPATCHD_AGENT_SAMPLE_INTERVAL", 5*time.Second),
		KillGracePeriod:       getEnvDuration("DISPATCHD_AGENT_KILL_GRACE_PERIOD", 10*time.Second),
		DockerEnabled:         getEnvBool("DISPATCHD_AGENT_DOCKER_ENABLED", true),
		DockerHost:            getEnv("DISPATCHD_AGENT_DOCKER_HOST", "unix:///var/run/docker.sock"),
		SecretsProvider:       getEnv("DISPATCHD_AGENT_SECRETS_PROVIDER", ""),
		VaultAddress:          getEnv("DISPATCHD_AGENT_SECRETS_VAULT_ADDR", ""),
		VaultToken:            getEnv("DISPATCHD_AGENT_SECRETS_VAULT_TOKEN", ""),
		VaultNamespace:        getEnv("DISPATCHD_AGENT_SECRETS_VAULT_NAMESPACE", ""),
		VaultMount:            getEnv("DISPATCHD_AGENT_SECRETS_VAULT_MOUNT", "secret"),
		VaultTimeout:          getEnvDuration("DISPATCHD_AGENT_SECRETS_VAULT_TIMEOUT", 10*time.Second),
		ResourceCheckInterval: getEnvDuration("DISPATCHD_AGENT_RESOURCE_CHECK_INTERVAL", 10*time.Second),
		CPUThreshold:          getEnvFloat64("DISPATCHD_AGENT_CPU_THRESHOLD", 90.0),
		MemoryThreshold:       getEnvFloat64("DISPATCHD_AGENT_MEMORY_THRESHOLD", 90.0),
		DiskThreshold:         getEnvFloat64("DISPATCHD_AGENT_DISK_THRESHOLD", 90.0),
		LogLevel:              getEnv("DISPATCHD_AGENT_LOG_LEVEL", "info"),
		LogFormat:             getEnv("DISPATCHD_AGENT_LOG_FORMAT", "json"),
	}

	if cfg.SecretsProvider == "" && cfg.VaultAddress != "" {
		cfg.SecretsProvider = "vault"
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set and valid.
func (c *Config) Validate() error {
	var errs []error

	if c.ServerURL == "" {
		errs = append(errs, errors.New("DISPATCHD_AGENT_SERVER_URL is required"))
	} else if !strings.HasPrefix(c.ServerURL, "ws://") && !strings.HasPrefix(c.ServerURL, "wss://") {
		errs = append(errs, errors.New("DISPATCHD_AGENT_SERVER_URL must start with ws:// or wss://"))
	}

	if c.AgentID != "" {
		if _, err := uuid.Parse(c.AgentID); err != nil {
			errs = append(errs, errors.New("DISPATCHD_AGENT_ID must be a valid UUID"))
		}
	}

	if c.MaxConcurrency < 1 {
		errs = append(errs, errors.New("DISPATCHD_AGENT_MAX_CONCURRENCY must be at least 1"))
	}
	if c.MaxConcurrency > 100 {
		errs = append(errs, errors.New("DISPATCHD_AGENT_MAX_CONCURRENCY cannot exceed 100"))
	}

	if c.StateDir != "" && !strings.HasPrefix(c.StateDir, "/") && runtime.GOOS != "windows" {
		errs = append(errs, errors.New("DISPATCHD_AGENT_STATE_DIR must be an absolute path"))
	}

	if c.PollInterval < 500*time.Millisecond {
		errs = append(errs, errors.New("DISPATCHD_AGENT_POLL_INTERVAL must be at least 500ms"))
	}
	if c.HeartbeatInterval < 5*time.Second {
		errs = append(errs, errors.New("DISPATCHD_AGENT_HEARTBEAT_INTERVAL must be at least 5 seconds"))
	}
	if c.ReconnectMinInterval < 100*time.Millisecond {
		errs = append(errs, errors.New("DISPATCHD_AGENT_RECONNECT_MIN_INTERVAL must be at least 100ms"))
	}
	if c.ReconnectMaxInterval < c.ReconnectMinInterval {
		errs = append(errs, errors.New("DISPATCHD_AGENT_RECONNECT_MAX_INTERVAL must be >= MIN_INTERVAL"))
	}
	if c.SampleInterval < time.Second {
		errs = append(errs, errors.New("DISPATCHD_AGENT_SAMPLE_INTERVAL must be at least 1 second"))
	}
	if c.KillGracePeriod < time.Second {
		errs = append(errs, errors.New("DISPATCHD_AGENT_KILL_GRACE_PERIOD must be at least 1 second"))
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, errors.New("DISPATCHD_AGENT_LOG_LEVEL must be one of: debug, info, warn, error"))
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		errs = append(errs, errors.New("DISPATCHD_AGENT_LOG_FORMAT must be one of: json, console"))
	}

	if c.SecretsProvider != "" && c.SecretsProvider != "vault" {
		errs = append(errs, errors.New("DISPATCHD_AGENT_SECRETS_PROVIDER must be empty or 'vault'"))
	}
	if c.SecretsProvider == "vault" {
		if c.VaultAddress == "" {
			errs = append(errs, errors.New("DISPATCHD_AGENT_SECRETS_VAULT_ADDR is required when secrets provider is vault"))
		}
		if c.VaultToken == "" {
			errs = append(errs, errors.New("DISPATCHD_AGENT_SECRETS_VAULT_TOKEN is required when secrets provider is vault"))
		}
	}

	if c.CPUThreshold <= 0 || c.CPUThreshold > 100 {
		errs = append(errs, errors.New("DISPATCHD_AGENT_CPU_THRESHOLD must be between 0 and 100"))
	}
	if c.MemoryThreshold <= 0 || c.MemoryThreshold > 100 {
		errs = append(errs, errors.New("DISPATCHD_AGENT_MEMORY_THRESHOLD must be between 0 and 100"))
	}
	if c.DiskThreshold <= 0 || c.DiskThreshold > 100 {
		errs = append(errs, errors.New("DISPATCHD_AGENT_DISK_THRESHOLD must be between 0 and 100"))
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

func getEnvFloat64(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
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

func getEnvMap(key string) map[string]string {
	result := make(map[string]string)
	if value := os.Getenv(key); value != "" {
		pairs := strings.Split(value, ",")
		for _, pair := range pairs {
			kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
			if len(kv) == 2 {
				result[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
			}
		}
	}
	return result
}
