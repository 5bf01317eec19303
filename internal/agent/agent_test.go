package agent

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dispatchd/dispatchd/internal/protocol"
)

func registrationResponse(t *testing.T, success bool, reason string) *protocol.CommandMessage {
	t.Helper()
	cmd, err := protocol.NewCommand(protocol.CommandAgentRegistered, protocol.AgentRegisteredPayload{
		Success: success,
		Reason:  reason,
	})
	require.NoError(t, err)
	return cmd
}

func TestDecodeRegistration(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		err := decodeRegistration(registrationResponse(t, true, ""))
		assert.NoError(t, err)
	})

	t.Run("rejected is fatal", func(t *testing.T) {
		err := decodeRegistration(registrationResponse(t, false, "unknown token"))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrRegistrationRejected)
		assert.Contains(t, err.Error(), "unknown token")
	})

	t.Run("rejected without a reason", func(t *testing.T) {
		err := decodeRegistration(registrationResponse(t, false, ""))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrRegistrationRejected)
		assert.Contains(t, err.Error(), "no reason given")
	})
}

func TestAgent_AcquirePayload(t *testing.T) {
	t.Run("spare capacity asks for work", func(t *testing.T) {
		a := newTestAgent(t)
		a.cfg.Labels = map[string]string{"region": "us-east-1"}
		now := time.Now()

		payload := a.acquirePayload(now)
		require.NotNil(t, payload)
		assert.Equal(t, a.agentID, payload.AgentID)
		assert.Equal(t, 2, payload.MaxTasks)
		assert.Equal(t, 2, payload.AcquireCount)
		assert.Equal(t, "us-east-1", payload.Labels["region"])
		assert.True(t, payload.MaxScheduledAt.Equal(now.Add(a.cfg.PollInterval)))
	})

	t.Run("queued work claims slots", func(t *testing.T) {
		a := newTestAgent(t)
		a.queue.push(journalTask("waiting"))

		payload := a.acquirePayload(time.Now())
		require.NotNil(t, payload)
		assert.Equal(t, 1, payload.AcquireCount)
	})

	t.Run("no spare capacity means no request", func(t *testing.T) {
		a := newTestAgent(t)
		a.queue.push(journalTask("one"))
		a.queue.push(journalTask("two"))

		assert.Nil(t, a.acquirePayload(time.Now()))
	})

	t.Run("timer-held work claims slots", func(t *testing.T) {
		a := newTestAgent(t)
		held := journalTask("held")
		held.ScheduledAt = time.Now().Add(time.Minute)
		a.acceptTask(held)

		payload := a.acquirePayload(time.Now())
		require.NotNil(t, payload)
		assert.Equal(t, 1, payload.AcquireCount)
	})

	t.Run("loaded host stops asking", func(t *testing.T) {
		a := newTestAgent(t)
		// Any real machine is over this threshold.
		a.cfg.MemoryThreshold = 0.0001

		assert.Nil(t, a.acquirePayload(time.Now()))
	})
}

func TestAgent_RecoverStartupState(t *testing.T) {
	a := newTestAgent(t)

	due := journalTask("due")
	due.ScheduledAt = time.Now().Add(-time.Minute)
	future := journalTask("future")
	future.ScheduledAt = time.Now().Add(time.Hour)
	interrupted := journalTask("interrupted")

	for _, task := range []protocol.ScheduledTask{due, future, interrupted} {
		_, err := a.journal.Record(task)
		require.NoError(t, err)
	}
	require.NoError(t, a.journal.SetStatus(interrupted.TaskInstanceID, journalRunning))

	require.NoError(t, a.recoverStartupState())

	// Acquired entries are re-armed on their original schedule.
	assert.Equal(t, 1, a.queue.len())
	got, ok := a.queue.pop(context.Background())
	require.True(t, ok)
	assert.Equal(t, due.TaskInstanceID, got.TaskInstanceID)
	assert.True(t, a.timers.Contains(future.TaskInstanceID))

	// The interrupted run is settled and staged for reporting.
	a.staleMu.Lock()
	stale := append([]uuid.UUID(nil), a.stale...)
	a.staleMu.Unlock()
	require.Len(t, stale, 1)
	assert.Equal(t, interrupted.TaskInstanceID, stale[0])

	entries, err := a.journal.Pending()
	require.NoError(t, err)
	for _, entry := range entries {
		assert.NotEqual(t, interrupted.TaskInstanceID, entry.InstanceID,
			"interrupted run should be settled")
	}
}

func TestAgent_New(t *testing.T) {
	cfg := &Config{
		AgentName:            "test-agent",
		ServerURL:            "ws://localhost:8080/ws/agent",
		MaxConcurrency:       2,
		StateDir:             t.TempDir(),
		PollInterval:         3 * time.Second,
		HeartbeatInterval:    15 * time.Second,
		ReconnectMinInterval: time.Second,
		ReconnectMaxInterval: 60 * time.Second,
		SampleInterval:       5 * time.Second,
		KillGracePeriod:      10 * time.Second,
		CPUThreshold:         90,
		MemoryThreshold:      90,
		DiskThreshold:        90,
		LogLevel:             "info",
		LogFormat:            "json",
	}

	t.Run("generates and keeps an identity", func(t *testing.T) {
		a, err := New(cfg)
		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, a.agentID)

		first := a.agentID
		require.NoError(t, a.journal.Close())

		// Same state dir, same identity.
		b, err := New(cfg)
		require.NoError(t, err)
		assert.Equal(t, first, b.agentID)
		require.NoError(t, b.journal.Close())
	})

	t.Run("honors a pinned identity", func(t *testing.T) {
		pinned := uuid.New()
		cfgCopy := *cfg
		cfgCopy.AgentID = pinned.String()
		cfgCopy.StateDir = t.TempDir()

		a, err := New(&cfgCopy)
		require.NoError(t, err)
		assert.Equal(t, pinned, a.agentID)
		require.NoError(t, a.journal.Close())
	})

	t.Run("stop before start is a no-op", func(t *testing.T) {
		cfgCopy := *cfg
		cfgCopy.StateDir = t.TempDir()

		a, err := New(&cfgCopy)
		require.NoError(t, err)
		assert.NoError(t, a.Stop(context.Background()))
		require.NoError(t, a.journal.Close())
	})
}
