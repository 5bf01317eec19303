package agent

import (
	"errors"
	"os"
	"testing"
	"time"
)

// clearEnvs clears all DISPATCHD_AGENT_ environment variables
func clearEnvs(t *testing.T) func() {
	t.Helper()
	saved := make(map[string]string)
	for _, env := range os.Environ() {
		for i := 0; i < len(env); i++ {
			if env[i] == '=' {
				key := env[:i]
				if len(key) > 16 && key[:16] == "DISPATCHD_AGENT_" {
					saved[key] = env[i+1:]
					os.Unsetenv(key)
				}
				break
			}
		}
	}
	return func() {
		for key, val := range saved {
			os.Setenv(key, val)
		}
	}
}

func validConfig() Config {
	return Config{
		AgentName:             "test-agent",
		ServerURL:             "ws://localhost:8080/ws/agent",
		Token:                 "token",
		MaxConcurrency:        4,
		StateDir:              "/var/lib/dispatchd",
		PollInterval:          3 * time.Second,
		HeartbeatInterval:     15 * time.Second,
		ReconnectMinInterval:  1 * time.Second,
		ReconnectMaxInterval:  60 * time.Second,
		SampleInterval:        5 * time.Second,
		KillGracePeriod:       10 * time.Second,
		LogLevel:              "info",
		LogFormat:             "json",
		ResourceCheckInterval: 10 * time.Second,
		CPUThreshold:          90,
		MemoryThreshold:       90,
		DiskThreshold:         90,
	}
}

func TestConfig_Validate_Required(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Config)
		wantErrs []string
	}{
		{
			name:     "missing server URL",
			mutate:   func(c *Config) { c.ServerURL = "" },
			wantErrs: []string{"DISPATCHD_AGENT_SERVER_URL is required"},
		},
		{
			name:     "server URL without websocket scheme",
			mutate:   func(c *Config) { c.ServerURL = "http://localhost:8080" },
			wantErrs: []string{"DISPATCHD_AGENT_SERVER_URL must start with ws:// or wss://"},
		},
		{
			name:     "malformed agent id",
			mutate:   func(c *Config) { c.AgentID = "not-a-uuid" },
			wantErrs: []string{"DISPATCHD_AGENT_ID must be a valid UUID"},
		},
		{
			name:     "relative state dir",
			mutate:   func(c *Config) { c.StateDir = "relative/path" },
			wantErrs: []string{"DISPATCHD_AGENT_STATE_DIR must be an absolute path"},
		},
		{
			name:     "valid config",
			mutate:   func(c *Config) {},
			wantErrs: nil,
		},
		{
			name:     "valid config with agent id",
			mutate:   func(c *Config) { c.AgentID = "a2f1bc3e-21e0-4f6c-9c27-5e0e4a1b2c3d" },
			wantErrs: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErrs == nil {
				if err != nil {
					t.Errorf("Validate() error = %v, want nil", err)
				}
				return
			}

			if err == nil {
				t.Errorf("Validate() error = nil, want errors containing %v", tt.wantErrs)
				return
			}
			for _, want := range tt.wantErrs {
				if !containsSubstring(err.Error(), want) {
					t.Errorf("Validate() error = %q, want to contain %q", err.Error(), want)
				}
			}
		})
	}
}

func TestConfig_Validate_MaxConcurrency(t *testing.T) {
	tests := []struct {
		name        string
		value       int
		wantErr     bool
		errContains string
	}{
		{"zero", 0, true, "must be at least 1"},
		{"negative", -1, true, "must be at least 1"},
		{"one", 1, false, ""},
		{"fifty", 50, false, ""},
		{"hundred", 100, false, ""},
		{"over hundred", 101, true, "cannot exceed 100"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.MaxConcurrency = tt.value

			err := cfg.Validate()
			if tt.wantErr {
				if err == nil {
					t.Errorf("Validate() error = nil, want error containing %q", tt.errContains)
					return
				}
				if !containsSubstring(err.Error(), tt.errContains) {
					t.Errorf("Validate() error = %q, want to contain %q", err.Error(), tt.errContains)
				}
			} else if err != nil {
				t.Errorf("Validate() error = %v, want nil", err)
			}
		})
	}
}

func TestConfig_Validate_Intervals(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Config)
		errContains string
	}{
		{
			name:        "poll interval too short",
			mutate:      func(c *Config) { c.PollInterval = 100 * time.Millisecond },
			errContains: "DISPATCHD_AGENT_POLL_INTERVAL must be at least 500ms",
		},
		{
			name:        "heartbeat interval too short",
			mutate:      func(c *Config) { c.HeartbeatInterval = 1 * time.Second },
			errContains: "DISPATCHD_AGENT_HEARTBEAT_INTERVAL must be at least 5 seconds",
		},
		{
			name:        "reconnect min interval too short",
			mutate:      func(c *Config) { c.ReconnectMinInterval = 10 * time.Millisecond },
			errContains: "DISPATCHD_AGENT_RECONNECT_MIN_INTERVAL must be at least 100ms",
		},
		{
			name: "reconnect max below min",
			mutate: func(c *Config) {
				c.ReconnectMinInterval = 30 * time.Second
				c.ReconnectMaxInterval = 10 * time.Second
			},
			errContains: "DISPATCHD_AGENT_RECONNECT_MAX_INTERVAL must be >= MIN_INTERVAL",
		},
		{
			name:        "sample interval too short",
			mutate:      func(c *Config) { c.SampleInterval = 100 * time.Millisecond },
			errContains: "DISPATCHD_AGENT_SAMPLE_INTERVAL must be at least 1 second",
		},
		{
			name:        "kill grace period too short",
			mutate:      func(c *Config) { c.KillGracePeriod = 100 * time.Millisecond },
			errContains: "DISPATCHD_AGENT_KILL_GRACE_PERIOD must be at least 1 second",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if err == nil || !containsSubstring(err.Error(), tt.errContains) {
				t.Errorf("Validate() error = %v, want to contain %q", err, tt.errContains)
			}
		})
	}
}

func TestConfig_Validate_LogSettings(t *testing.T) {
	t.Run("invalid log level", func(t *testing.T) {
		cfg := validConfig()
		cfg.LogLevel = "verbose"
		err := cfg.Validate()
		if err == nil || !containsSubstring(err.Error(), "DISPATCHD_AGENT_LOG_LEVEL must be one of") {
			t.Errorf("expected log level error, got %v", err)
		}
	})

	t.Run("invalid log format", func(t *testing.T) {
		cfg := validConfig()
		cfg.LogFormat = "xml"
		err := cfg.Validate()
		if err == nil || !containsSubstring(err.Error(), "DISPATCHD_AGENT_LOG_FORMAT must be one of") {
			t.Errorf("expected log format error, got %v", err)
		}
	})

	t.Run("level is case insensitive", func(t *testing.T) {
		cfg := validConfig()
		cfg.LogLevel = "DEBUG"
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate() error = %v, want nil", err)
		}
	})
}

func TestConfig_Validate_Secrets(t *testing.T) {
	t.Run("unknown provider", func(t *testing.T) {
		cfg := validConfig()
		cfg.SecretsProvider = "aws"
		err := cfg.Validate()
		if err == nil || !containsSubstring(err.Error(), "must be empty or 'vault'") {
			t.Errorf("expected provider error, got %v", err)
		}
	})

	t.Run("vault without address and token", func(t *testing.T) {
		cfg := validConfig()
		cfg.SecretsProvider = "vault"
		err := cfg.Validate()
		if err == nil {
			t.Fatal("Validate() error = nil, want vault errors")
		}
		if !containsSubstring(err.Error(), "DISPATCHD_AGENT_SECRETS_VAULT_ADDR is required") {
			t.Errorf("missing vault address error, got %v", err)
		}
		if !containsSubstring(err.Error(), "DISPATCHD_AGENT_SECRETS_VAULT_TOKEN is required") {
			t.Errorf("missing vault token error, got %v", err)
		}
	})

	t.Run("vault fully configured", func(t *testing.T) {
		cfg := validConfig()
		cfg.SecretsProvider = "vault"
		cfg.VaultAddress = "http://localhost:8200"
		cfg.VaultToken = "s.token"
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate() error = %v, want nil", err)
		}
	})
}

func TestConfig_Validate_ResourceThresholds(t *testing.T) {
	tests := []struct {
		name    string
		value   float64
		wantErr bool
	}{
		{"zero", 0, true},
		{"negative", -5, true},
		{"over hundred", 101, true},
		{"boundary", 100, false},
		{"typical", 85.5, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			cfg.CPUThreshold = tt.value

			err := cfg.Validate()
			if tt.wantErr && (err == nil || !containsSubstring(err.Error(), "DISPATCHD_AGENT_CPU_THRESHOLD")) {
				t.Errorf("Validate() error = %v, want CPU threshold error", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Validate() error = %v, want nil", err)
			}
		})
	}
}

func TestLoad_FromEnvironment(t *testing.T) {
	cleanup := clearEnvs(t)
	defer cleanup()

	os.Setenv("DISPATCHD_AGENT_NAME", "worker-7")
	os.Setenv("DISPATCHD_AGENT_SERVER_URL", "wss://dispatchd.example.com/ws/agent")
	os.Setenv("DISPATCHD_AGENT_TOKEN", "secret-token")
	os.Setenv("DISPATCHD_AGENT_MAX_CONCURRENCY", "8")
	os.Setenv("DISPATCHD_AGENT_LABELS", "env=prod,region=us-east-1")
	os.Setenv("DISPATCHD_AGENT_POLL_INTERVAL", "2s")
	os.Setenv("DISPATCHD_AGENT_HEARTBEAT_INTERVAL", "45s")
	os.Setenv("DISPATCHD_AGENT_LOG_LEVEL", "debug")
	os.Setenv("DISPATCHD_AGENT_DOCKER_ENABLED", "false")
	os.Setenv("DISPATCHD_AGENT_CPU_THRESHOLD", "85.5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.AgentName != "worker-7" {
		t.Errorf("AgentName = %q, want %q", cfg.AgentName, "worker-7")
	}
	if cfg.ServerURL != "wss://dispatchd.example.com/ws/agent" {
		t.Errorf("ServerURL = %q, want wss url", cfg.ServerURL)
	}
	if cfg.Token != "secret-token" {
		t.Errorf("Token = %q, want %q", cfg.Token, "secret-token")
	}
	if cfg.MaxConcurrency != 8 {
		t.Errorf("MaxConcurrency = %d, want %d", cfg.MaxConcurrency, 8)
	}
	if cfg.Labels["env"] != "prod" {
		t.Errorf("Labels[env] = %q, want %q", cfg.Labels["env"], "prod")
	}
	if cfg.Labels["region"] != "us-east-1" {
		t.Errorf("Labels[region] = %q, want %q", cfg.Labels["region"], "us-east-1")
	}
	if cfg.PollInterval != 2*time.Second {
		t.Errorf("PollInterval = %v, want %v", cfg.PollInterval, 2*time.Second)
	}
	if cfg.HeartbeatInterval != 45*time.Second {
		t.Errorf("HeartbeatInterval = %v, want %v", cfg.HeartbeatInterval, 45*time.Second)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if cfg.DockerEnabled != false {
		t.Errorf("DockerEnabled = %v, want %v", cfg.DockerEnabled, false)
	}
	if cfg.CPUThreshold != 85.5 {
		t.Errorf("CPUThreshold = %v, want %v", cfg.CPUThreshold, 85.5)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cleanup := clearEnvs(t)
	defer cleanup()

	os.Setenv("DISPATCHD_AGENT_SERVER_URL", "ws://localhost:8080/ws/agent")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.AgentID != "" {
		t.Errorf("AgentID = %q, want empty (journal-assigned)", cfg.AgentID)
	}
	if cfg.AgentName == "" {
		t.Error("AgentName is empty, want hostname default")
	}
	if cfg.MaxConcurrency != 4 {
		t.Errorf("MaxConcurrency = %d, want default %d", cfg.MaxConcurrency, 4)
	}
	if cfg.StateDir != "/var/lib/dispatchd" {
		t.Errorf("StateDir = %q, want default", cfg.StateDir)
	}
	if cfg.PollInterval != 3*time.Second {
		t.Errorf("PollInterval = %v, want default %v", cfg.PollInterval, 3*time.Second)
	}
	if cfg.HeartbeatInterval != 15*time.Second {
		t.Errorf("HeartbeatInterval = %v, want default %v", cfg.HeartbeatInterval, 15*time.Second)
	}
	if cfg.ReconnectMinInterval != 1*time.Second {
		t.Errorf("ReconnectMinInterval = %v, want default %v", cfg.ReconnectMinInterval, 1*time.Second)
	}
	if cfg.ReconnectMaxInterval != 60*time.Second {
		t.Errorf("ReconnectMaxInterval = %v, want default %v", cfg.ReconnectMaxInterval, 60*time.Second)
	}
	if cfg.SampleInterval != 5*time.Second {
		t.Errorf("SampleInterval = %v, want default %v", cfg.SampleInterval, 5*time.Second)
	}
	if cfg.KillGracePeriod != 10*time.Second {
		t.Errorf("KillGracePeriod = %v, want default %v", cfg.KillGracePeriod, 10*time.Second)
	}
	if cfg.DockerEnabled != true {
		t.Errorf("DockerEnabled = %v, want default %v", cfg.DockerEnabled, true)
	}
	if cfg.DockerHost != "unix:///var/run/docker.sock" {
		t.Errorf("DockerHost = %q, want default", cfg.DockerHost)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want default %q", cfg.LogLevel, "info")
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q, want default %q", cfg.LogFormat, "json")
	}
	if cfg.CPUThreshold != 90.0 {
		t.Errorf("CPUThreshold = %v, want default %v", cfg.CPUThreshold, 90.0)
	}
	if cfg.VaultMount != "secret" {
		t.Errorf("VaultMount = %q, want default %q", cfg.VaultMount, "secret")
	}
}

func TestLoad_VaultProviderInferred(t *testing.T) {
	cleanup := clearEnvs(t)
	defer cleanup()

	os.Setenv("DISPATCHD_AGENT_SERVER_URL", "ws://localhost:8080/ws/agent")
	os.Setenv("DISPATCHD_AGENT_SECRETS_VAULT_ADDR", "http://localhost:8200")
	os.Setenv("DISPATCHD_AGENT_SECRETS_VAULT_TOKEN", "s.token")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.SecretsProvider != "vault" {
		t.Errorf("SecretsProvider = %q, want %q", cfg.SecretsProvider, "vault")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	cleanup := clearEnvs(t)
	defer cleanup()

	// Missing server URL and an out-of-range concurrency
	os.Setenv("DISPATCHD_AGENT_MAX_CONCURRENCY", "200")

	_, err := Load()
	if err == nil {
		t.Error("Load() error = nil, want validation error")
	}
}

func TestValidationError(t *testing.T) {
	t.Run("single error", func(t *testing.T) {
		ve := &ValidationError{Errors: []error{errors.New("field X is required")}}
		if ve.Error() != "field X is required" {
			t.Errorf("Error() = %q, want single error message", ve.Error())
		}
	})

	t.Run("multiple errors are numbered", func(t *testing.T) {
		ve := &ValidationError{Errors: []error{
			errors.New("field X is required"),
			errors.New("field Y is invalid"),
		}}
		got := ve.Error()
		if !containsSubstring(got, "2 validation errors") {
			t.Errorf("Error() = %q, want count header", got)
		}
		if !containsSubstring(got, "1. field X is required") || !containsSubstring(got, "2. field Y is invalid") {
			t.Errorf("Error() = %q, want numbered entries", got)
		}
	})

	t.Run("unwrap exposes wrapped errors", func(t *testing.T) {
		sentinel := errors.New("boom")
		ve := &ValidationError{Errors: []error{sentinel}}
		if !errors.Is(ve, sentinel) {
			t.Error("errors.Is() = false, want true through Unwrap")
		}
	})
}

func containsSubstring(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
