package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setTestEnv sets environment variables for testing and returns a cleanup function.
func setTestEnv(t *testing.T, envVars map[string]string) {
	t.Helper()

	// Store original values
	original := make(map[string]string)
	for key := range envVars {
		original[key] = os.Getenv(key)
	}

	// Set new values
	for key, value := range envVars {
		os.Setenv(key, value)
	}

	// Register cleanup
	t.Cleanup(func() {
		for key, value := range original {
			if value == "" {
				os.Unsetenv(key)
			} else {
				os.Setenv(key, value)
			}
		}
	})
}

// minimalValidEnv returns the minimum required environment variables for a valid config.
func minimalValidEnv() map[string]string {
	return map[string]string{
		"DISPATCHD_DATABASE_URL": "postgres://localhost/dispatchd",
	}
}

func TestLoad_WithValidConfig(t *testing.T) {
	env := minimalValidEnv()
	env["DISPATCHD_HTTP_PORT"] = "8081"
	env["DISPATCHD_METRICS_PORT"] = "9191"
	env["DISPATCHD_LOG_LEVEL"] = "debug"
	env["DISPATCHD_LOG_FORMAT"] = "console"
	setTestEnv(t, env)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8081, cfg.Server.HTTPPort)
	assert.Equal(t, 9191, cfg.Server.MetricsPort)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoad_Defaults(t *testing.T) {
	setTestEnv(t, minimalValidEnv())

	cfg, err := Load()
	require.NoError(t, err)

	// Server defaults
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 9091, cfg.Server.MetricsPort)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)

	// Database defaults
	assert.Equal(t, 25, cfg.Database.MaxConns)
	assert.Equal(t, 5, cfg.Database.MinConns)
	assert.Equal(t, time.Hour, cfg.Database.ConnMaxLifetime)
	assert.Equal(t, 5, cfg.Database.ConnectAttempts)
	assert.True(t, cfg.Database.MigrateOnStart)

	// Storage defaults
	assert.Equal(t, "us-east-1", cfg.Storage.Region)
	assert.True(t, cfg.Storage.UseSSL)
	assert.Equal(t, 64*1024, cfg.Storage.InlineLimit)
	assert.Equal(t, time.Hour, cfg.Storage.URLExpiry)
	assert.Equal(t, 30*24*time.Hour, cfg.Storage.Retention)

	// Agent defaults
	assert.Equal(t, 90*time.Second, cfg.Agents.HeartbeatTTL)
	assert.Equal(t, 256, cfg.Agents.EventBufferSize)

	// Leader defaults
	assert.Equal(t, "dispatchd-leader", cfg.Leader.LockName)
	assert.Equal(t, 15*time.Second, cfg.Leader.TTL)
	assert.Equal(t, 5*time.Second, cfg.Leader.RenewInterval)

	// Scheduler defaults
	assert.Equal(t, 5*time.Second, cfg.Scheduler.ScanInterval)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.JanitorInterval)
	assert.Equal(t, 50, cfg.Scheduler.BatchSize)
	assert.Equal(t, 16, cfg.Scheduler.DispatchMaxBatch)

	// Notify defaults
	assert.Equal(t, 5, cfg.Notify.Workers)
	assert.Equal(t, 1000, cfg.Notify.QueueSize)
	assert.Equal(t, 5*time.Minute, cfg.Notify.ThrottleWindow)

	// Log defaults
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_MissingDatabaseURL(t *testing.T) {
	env := minimalValidEnv()
	delete(env, "DISPATCHD_DATABASE_URL")
	setTestEnv(t, env)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DISPATCHD_DATABASE_URL is required")
}

func TestLoad_StorageRequiresCredentials(t *testing.T) {
	env := minimalValidEnv()
	env["DISPATCHD_STORAGE_BUCKET"] = "dispatchd-output"
	setTestEnv(t, env)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DISPATCHD_STORAGE_ACCESS_KEY_ID")
	assert.Contains(t, err.Error(), "DISPATCHD_STORAGE_SECRET_ACCESS_KEY")
}

func TestLoad_StorageComplete(t *testing.T) {
	env := minimalValidEnv()
	env["DISPATCHD_STORAGE_ENDPOINT"] = "localhost:9000"
	env["DISPATCHD_STORAGE_BUCKET"] = "dispatchd-output"
	env["DISPATCHD_STORAGE_ACCESS_KEY_ID"] = "minioadmin"
	env["DISPATCHD_STORAGE_SECRET_ACCESS_KEY"] = "minioadmin123"
	env["DISPATCHD_STORAGE_USE_SSL"] = "false"
	setTestEnv(t, env)

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.StorageEnabled())
	assert.Equal(t, "localhost:9000", cfg.Storage.Endpoint)
	assert.False(t, cfg.Storage.UseSSL)
}

func TestLoad_SweepRequiresBucket(t *testing.T) {
	env := minimalValidEnv()
	env["DISPATCHD_STORAGE_SWEEP_ENABLED"] = "true"
	setTestEnv(t, env)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DISPATCHD_STORAGE_SWEEP_ENABLED requires a configured bucket")
}

func TestLoad_ShortJWTSecret(t *testing.T) {
	env := minimalValidEnv()
	env["DISPATCHD_AUTH_JWT_SECRET"] = "too-short"
	setTestEnv(t, env)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 32 characters")
}

func TestLoad_InvalidPort(t *testing.T) {
	tests := []struct {
		name    string
		envVar  string
		value   string
		wantErr string
	}{
		{
			name:    "HTTP port too high",
			envVar:  "DISPATCHD_HTTP_PORT",
			value:   "99999",
			wantErr: "DISPATCHD_HTTP_PORT must be between 1 and 65535",
		},
		{
			name:    "HTTP port zero",
			envVar:  "DISPATCHD_HTTP_PORT",
			value:   "0",
			wantErr: "DISPATCHD_HTTP_PORT must be between 1 and 65535",
		},
		{
			name:    "metrics port invalid",
			envVar:  "DISPATCHD_METRICS_PORT",
			value:   "0",
			wantErr: "DISPATCHD_METRICS_PORT must be between 1 and 65535",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := minimalValidEnv()
			env[tt.envVar] = tt.value
			setTestEnv(t, env)

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_PortCollision(t *testing.T) {
	env := minimalValidEnv()
	env["DISPATCHD_HTTP_PORT"] = "8080"
	env["DISPATCHD_METRICS_PORT"] = "8080"
	setTestEnv(t, env)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must differ")
}

func TestLoad_AgentHeartbeatTooShort(t *testing.T) {
	env := minimalValidEnv()
	env["DISPATCHD_AGENT_HEARTBEAT_TTL"] = "5s"
	setTestEnv(t, env)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least 10 seconds")
}

func TestLoad_RenewIntervalBelowTTL(t *testing.T) {
	env := minimalValidEnv()
	env["DISPATCHD_LEADER_TTL"] = "5s"
	env["DISPATCHD_LEADER_RENEW_INTERVAL"] = "10s"
	setTestEnv(t, env)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DISPATCHD_LEADER_RENEW_INTERVAL must be below")
}

func TestLoad_DatabaseMinExceedsMax(t *testing.T) {
	env := minimalValidEnv()
	env["DISPATCHD_DATABASE_MAX_CONNS"] = "5"
	env["DISPATCHD_DATABASE_MIN_CONNS"] = "10"
	setTestEnv(t, env)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DISPATCHD_DATABASE_MIN_CONNS cannot exceed MAX_CONNS")
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	env := minimalValidEnv()
	env["DISPATCHD_LOG_LEVEL"] = "verbose"
	setTestEnv(t, env)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DISPATCHD_LOG_LEVEL must be one of")
}

func TestLoad_InvalidLogFormat(t *testing.T) {
	env := minimalValidEnv()
	env["DISPATCHD_LOG_FORMAT"] = "xml"
	setTestEnv(t, env)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DISPATCHD_LOG_FORMAT must be one of")
}

func TestLoad_TracingRequiresEndpoint(t *testing.T) {
	env := minimalValidEnv()
	env["DISPATCHD_TRACING_ENABLED"] = "true"
	setTestEnv(t, env)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DISPATCHD_TRACING_ENDPOINT is required")
}

func TestLoad_SlackChannelRequiresWebhook(t *testing.T) {
	env := minimalValidEnv()
	env["DISPATCHD_NOTIFY_SLACK_CHANNEL"] = "#ops"
	setTestEnv(t, env)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DISPATCHD_NOTIFY_SLACK_CHANNEL requires")
}

func TestLoad_CORSList(t *testing.T) {
	env := minimalValidEnv()
	env["DISPATCHD_CORS_ALLOWED_ORIGINS"] = "https://ui.example.com, https://admin.example.com"
	setTestEnv(t, env)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"https://ui.example.com", "https://admin.example.com"}, cfg.Server.AllowedOrigins)
}

func TestLoad_DurationParsing(t *testing.T) {
	env := minimalValidEnv()
	env["DISPATCHD_SHUTDOWN_TIMEOUT"] = "45s"
	env["DISPATCHD_SCHEDULER_SCAN_INTERVAL"] = "1s"
	env["DISPATCHD_AGENT_HEARTBEAT_TTL"] = "2m"
	setTestEnv(t, env)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, time.Second, cfg.Scheduler.ScanInterval)
	assert.Equal(t, 2*time.Minute, cfg.Agents.HeartbeatTTL)
}

func TestHelpers(t *testing.T) {
	t.Run("storage enabled with bucket", func(t *testing.T) {
		env := minimalValidEnv()
		env["DISPATCHD_STORAGE_BUCKET"] = "b"
		env["DISPATCHD_STORAGE_ACCESS_KEY_ID"] = "ak"
		env["DISPATCHD_STORAGE_SECRET_ACCESS_KEY"] = "sk"
		setTestEnv(t, env)

		cfg, err := Load()
		require.NoError(t, err)
		assert.True(t, cfg.StorageEnabled())
	})

	t.Run("everything disabled by default", func(t *testing.T) {
		setTestEnv(t, minimalValidEnv())

		cfg, err := Load()
		require.NoError(t, err)
		assert.False(t, cfg.StorageEnabled())
		assert.False(t, cfg.NotifyEnabled())
		assert.False(t, cfg.RegistryEnabled())
		assert.False(t, cfg.AuthEnabled())
	})

	t.Run("notify enabled with slack", func(t *testing.T) {
		env := minimalValidEnv()
		env["DISPATCHD_NOTIFY_SLACK_WEBHOOK_URL"] = "https://hooks.slack.com/x"
		setTestEnv(t, env)

		cfg, err := Load()
		require.NoError(t, err)
		assert.True(t, cfg.NotifyEnabled())
	})

	t.Run("auth enabled with token", func(t *testing.T) {
		env := minimalValidEnv()
		env["DISPATCHD_AUTH_API_TOKEN"] = "secret"
		setTestEnv(t, env)

		cfg, err := Load()
		require.NoError(t, err)
		assert.True(t, cfg.AuthEnabled())
	})
}

func TestValidationError_SingleError(t *testing.T) {
	err := &ValidationError{
		Errors: []error{
			assert.AnError,
		},
	}
	assert.Equal(t, assert.AnError.Error(), err.Error())
}

func TestValidationError_MultipleErrors(t *testing.T) {
	err := &ValidationError{
		Errors: []error{
			assert.AnError,
			assert.AnError,
		},
	}
	msg := err.Error()
	assert.Contains(t, msg, "2 validation errors")
}

func TestValidationError_Unwrap(t *testing.T) {
	e1 := assert.AnError
	e2 := assert.AnError
	err := &ValidationError{
		Errors: []error{e1, e2},
	}

	unwrapped := err.Unwrap()
	assert.Len(t, unwrapped, 2)
	assert.Equal(t, e1, unwrapped[0])
	assert.Equal(t, e2, unwrapped[1])
}

func TestGetEnv_InvalidValues(t *testing.T) {
	t.Run("invalid int falls back to default", func(t *testing.T) {
		setTestEnv(t, map[string]string{"TEST_INT": "not-a-number"})
		assert.Equal(t, 42, getEnvInt("TEST_INT", 42))
	})

	t.Run("invalid bool falls back to default", func(t *testing.T) {
		setTestEnv(t, map[string]string{"TEST_BOOL": "not-a-bool"})
		assert.True(t, getEnvBool("TEST_BOOL", true))
	})

	t.Run("invalid duration falls back to default", func(t *testing.T) {
		setTestEnv(t, map[string]string{"TEST_DUR": "not-a-duration"})
		assert.Equal(t, 5*time.Second, getEnvDuration("TEST_DUR", 5*time.Second))
	})

	t.Run("blank list entries dropped", func(t *testing.T) {
		setTestEnv(t, map[string]string{"TEST_LIST": " , ,a, b"})
		assert.Equal(t, []string{"a", "b"}, getEnvList("TEST_LIST", nil))
	})
}
