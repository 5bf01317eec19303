package proc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHandle is a controllable process handle. Tests drive the exit
// through exitCh and observe kills through the killed flag.
type fakeHandle struct {
	exitCh  chan int
	waitErr error

	mu         sync.Mutex
	killed     bool
	killErr    error
	exitOnKill *int
	usage      Usage
	usageErr   error
	usageCalls int
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{exitCh: make(chan int, 1)}
}

func (h *fakeHandle) exit(code int) {
	select {
	case h.exitCh <- code:
	default:
	}
}

func (h *fakeHandle) Wait(ctx context.Context) (int, error) {
	select {
	case code := <-h.exitCh:
		return code, h.waitErr
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (h *fakeHandle) Kill(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.killed = true
	if h.killErr != nil {
		return h.killErr
	}
	if h.exitOnKill != nil {
		h.exit(*h.exitOnKill)
	}
	return nil
}

func (h *fakeHandle) Usage(ctx context.Context) (Usage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.usageCalls++
	return h.usage, h.usageErr
}

func (h *fakeHandle) wasKilled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.killed
}

func (h *fakeHandle) sampled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.usageCalls > 0
}

// fakeLauncher hands out pre-stubbed handles in order.
type fakeLauncher struct {
	mu     sync.Mutex
	queue  []*fakeHandle
	err    error
	sinks  map[uuid.UUID]*Sink
	writes int
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{sinks: make(map[uuid.UUID]*Sink)}
}

func (l *fakeLauncher) stub(handles ...*fakeHandle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.queue = append(l.queue, handles...)
}

func (l *fakeLauncher) Name() string { return "fake" }

func (l *fakeLauncher) Launch(ctx context.Context, spec Spec, output *Sink) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	var h *fakeHandle
	if len(l.queue) > 0 {
		h, l.queue = l.queue[0], l.queue[1:]
	} else {
		h = newFakeHandle()
	}
	l.sinks[spec.InstanceID] = output
	return h, nil
}

func intPtr(v int) *int { return &v }

func newTestManager(t *testing.T, cfg Config, launchers ...Launcher) *Manager {
	t.Helper()

	if len(launchers) == 0 {
		launchers = []Launcher{newFakeLauncher()}
	}
	m := NewManager(NewRegistry(launchers...), nil, zerolog.Nop(), cfg)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, m.Stop(ctx))
	})
	return m
}

func fakeSpec() Spec {
	return Spec{
		InstanceID: uuid.New(),
		Executor:   "fake",
		Command:    "work",
	}
}

// waitTerminal returns the first non-started event for the instance.
func waitTerminal(t *testing.T, sub *Subscription, id uuid.UUID) Event {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub.Events():
			if ev.InstanceID != id || ev.Kind == EventStarted {
				continue
			}
			return ev
		case <-deadline:
			t.Fatal("timed out waiting for terminal event")
		}
	}
}

func waitEvent(t *testing.T, sub *Subscription, id uuid.UUID, kind EventKind) Event {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub.Events():
			if ev.InstanceID == id && ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func TestManager_Spawn(t *testing.T) {
	t.Run("runs a process to completion", func(t *testing.T) {
		launcher := newFakeLauncher()
		handle := newFakeHandle()
		launcher.stub(handle)
		m := newTestManager(t, Config{MaxConcurrent: 2}, launcher)

		sub := m.Subscribe()
		defer sub.Close()

		spec := fakeSpec()
		id, err := m.Spawn(context.Background(), spec)
		require.NoError(t, err)
		require.Equal(t, spec.InstanceID, id)

		waitEvent(t, sub, id, EventStarted)
		assert.Equal(t, 1, m.Active())

		handle.exit(0)
		ev := waitTerminal(t, sub, id)
		assert.Equal(t, EventExited, ev.Kind)
		require.NotNil(t, ev.ExitCode)
		assert.Equal(t, 0, *ev.ExitCode)
		require.NotNil(t, ev.Metrics)
		assert.Equal(t, 0, m.Active())
	})

	t.Run("reports a nonzero exit", func(t *testing.T) {
		launcher := newFakeLauncher()
		handle := newFakeHandle()
		launcher.stub(handle)
		m := newTestManager(t, Config{MaxConcurrent: 2}, launcher)

		sub := m.Subscribe()
		defer sub.Close()

		id, err := m.Spawn(context.Background(), fakeSpec())
		require.NoError(t, err)

		handle.exit(3)
		ev := waitTerminal(t, sub, id)
		assert.Equal(t, EventExited, ev.Kind)
		require.NotNil(t, ev.ExitCode)
		assert.Equal(t, 3, *ev.ExitCode)
	})

	t.Run("rejects unknown executors", func(t *testing.T) {
		m := newTestManager(t, Config{MaxConcurrent: 2})

		spec := fakeSpec()
		spec.Executor = "teleport"
		_, err := m.Spawn(context.Background(), spec)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no launcher registered")
	})

	t.Run("rejects duplicate instance ids", func(t *testing.T) {
		launcher := newFakeLauncher()
		handle := newFakeHandle()
		launcher.stub(handle)
		m := newTestManager(t, Config{MaxConcurrent: 4}, launcher)

		spec := fakeSpec()
		_, err := m.Spawn(context.Background(), spec)
		require.NoError(t, err)

		_, err = m.Spawn(context.Background(), spec)
		require.ErrorIs(t, err, ErrAlreadyTracked)

		handle.exit(0)
	})

	t.Run("publishes a terminal event when the launcher fails", func(t *testing.T) {
		launcher := newFakeLauncher()
		launcher.err = errors.New("binary not found")
		m := newTestManager(t, Config{MaxConcurrent: 2}, launcher)

		sub := m.Subscribe()
		defer sub.Close()

		id, err := m.Spawn(context.Background(), fakeSpec())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to launch")

		ev := waitTerminal(t, sub, id)
		assert.Equal(t, EventExited, ev.Kind)
		assert.Nil(t, ev.ExitCode)
		assert.Contains(t, ev.Cause, "failed to start")
		assert.Equal(t, 0, m.Active())
	})

	t.Run("rejects spawns before start", func(t *testing.T) {
		m := NewManager(NewRegistry(newFakeLauncher()), nil, zerolog.Nop(), Config{})

		_, err := m.Spawn(context.Background(), fakeSpec())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not running")
	})
}

func TestManager_AvailableCapacity(t *testing.T) {
	launcher := newFakeLauncher()
	first := newFakeHandle()
	second := newFakeHandle()
	launcher.stub(first, second)
	m := newTestManager(t, Config{MaxConcurrent: 2}, launcher)

	assert.Equal(t, 2, m.AvailableCapacity())

	_, err := m.Spawn(context.Background(), fakeSpec())
	require.NoError(t, err)
	assert.Equal(t, 1, m.AvailableCapacity())

	_, err = m.Spawn(context.Background(), fakeSpec())
	require.NoError(t, err)
	assert.Equal(t, 0, m.AvailableCapacity())

	// A full table refuses admission instead of going negative.
	_, err = m.Spawn(context.Background(), fakeSpec())
	require.ErrorIs(t, err, ErrNoCapacity)
	assert.Equal(t, 0, m.AvailableCapacity())

	first.exit(0)
	require.Eventually(t, func() bool {
		return m.AvailableCapacity() == 1
	}, 2*time.Second, 10*time.Millisecond)

	third := newFakeHandle()
	launcher.stub(third)
	_, err = m.Spawn(context.Background(), fakeSpec())
	require.NoError(t, err)

	second.exit(0)
	third.exit(0)
}

func TestManager_Timeout(t *testing.T) {
	t.Run("kills a process past its deadline", func(t *testing.T) {
		launcher := newFakeLauncher()
		handle := newFakeHandle()
		handle.exitOnKill = intPtr(137)
		launcher.stub(handle)
		m := newTestManager(t, Config{MaxConcurrent: 2}, launcher)

		sub := m.Subscribe()
		defer sub.Close()

		spec := fakeSpec()
		spec.Timeout = 30 * time.Millisecond
		id, err := m.Spawn(context.Background(), spec)
		require.NoError(t, err)

		ev := waitTerminal(t, sub, id)
		assert.Equal(t, EventTimeout, ev.Kind)
		assert.Contains(t, ev.Cause, "timed out after")
		assert.True(t, handle.wasKilled())
	})

	t.Run("never reports success for an expired process", func(t *testing.T) {
		// The kill races the exit; a clean exit code after the deadline
		// fired must still resolve as a timeout.
		launcher := newFakeLauncher()
		handle := newFakeHandle()
		handle.exitOnKill = intPtr(0)
		launcher.stub(handle)
		m := newTestManager(t, Config{MaxConcurrent: 2}, launcher)

		sub := m.Subscribe()
		defer sub.Close()

		spec := fakeSpec()
		spec.Timeout = 20 * time.Millisecond
		id, err := m.Spawn(context.Background(), spec)
		require.NoError(t, err)

		ev := waitTerminal(t, sub, id)
		assert.Equal(t, EventTimeout, ev.Kind)
	})
}

func TestManager_Kill(t *testing.T) {
	t.Run("kills a running process on request", func(t *testing.T) {
		launcher := newFakeLauncher()
		handle := newFakeHandle()
		handle.exitOnKill = intPtr(137)
		launcher.stub(handle)
		m := newTestManager(t, Config{MaxConcurrent: 2}, launcher)

		sub := m.Subscribe()
		defer sub.Close()

		id, err := m.Spawn(context.Background(), fakeSpec())
		require.NoError(t, err)

		require.NoError(t, m.Kill(context.Background(), id, "cancelled by operator"))

		ev := waitTerminal(t, sub, id)
		assert.Equal(t, EventKilled, ev.Kind)
		assert.Equal(t, "cancelled by operator", ev.Cause)
		assert.True(t, handle.wasKilled())
	})

	t.Run("returns ErrNotTracked for unknown instances", func(t *testing.T) {
		m := newTestManager(t, Config{MaxConcurrent: 2})

		err := m.Kill(context.Background(), uuid.New(), "whatever")
		require.ErrorIs(t, err, ErrNotTracked)
	})
}

func TestManager_ResourceLimits(t *testing.T) {
	t.Run("kills a process over its memory limit", func(t *testing.T) {
		launcher := newFakeLauncher()
		handle := newFakeHandle()
		handle.usage = Usage{MemoryBytes: 200}
		handle.exitOnKill = intPtr(137)
		launcher.stub(handle)
		m := newTestManager(t, Config{MaxConcurrent: 2, SampleInterval: 10 * time.Millisecond}, launcher)

		sub := m.Subscribe()
		defer sub.Close()

		spec := fakeSpec()
		spec.Limits.MaxMemoryBytes = 100
		id, err := m.Spawn(context.Background(), spec)
		require.NoError(t, err)

		ev := waitTerminal(t, sub, id)
		assert.Equal(t, EventResourceViolation, ev.Kind)
		assert.Contains(t, ev.Cause, "memory limit exceeded")
		assert.True(t, handle.wasKilled())
	})

	t.Run("kills a process over its cpu limit", func(t *testing.T) {
		launcher := newFakeLauncher()
		handle := newFakeHandle()
		handle.usage = Usage{CPUPercent: 80}
		handle.exitOnKill = intPtr(137)
		launcher.stub(handle)
		m := newTestManager(t, Config{MaxConcurrent: 2, SampleInterval: 10 * time.Millisecond}, launcher)

		sub := m.Subscribe()
		defer sub.Close()

		spec := fakeSpec()
		spec.Limits.MaxCPUPercent = 50
		id, err := m.Spawn(context.Background(), spec)
		require.NoError(t, err)

		ev := waitTerminal(t, sub, id)
		assert.Equal(t, EventResourceViolation, ev.Kind)
		assert.Contains(t, ev.Cause, "cpu limit exceeded")
	})

	t.Run("records peak usage in terminal metrics", func(t *testing.T) {
		launcher := newFakeLauncher()
		handle := newFakeHandle()
		handle.usage = Usage{MemoryBytes: 4096, CPUPercent: 12.5}
		launcher.stub(handle)
		m := newTestManager(t, Config{MaxConcurrent: 2, SampleInterval: 10 * time.Millisecond}, launcher)

		sub := m.Subscribe()
		defer sub.Close()

		id, err := m.Spawn(context.Background(), fakeSpec())
		require.NoError(t, err)

		require.Eventually(t, handle.sampled, 2*time.Second, 5*time.Millisecond)
		handle.exit(0)

		ev := waitTerminal(t, sub, id)
		assert.Equal(t, EventExited, ev.Kind)
		require.NotNil(t, ev.Metrics)
		assert.Equal(t, int64(4096), ev.Metrics.PeakMemoryBytes)
		assert.Equal(t, 12.5, ev.Metrics.CPUPercent)
		assert.Greater(t, ev.Metrics.Duration, time.Duration(0))
	})
}

func TestManager_Zombie(t *testing.T) {
	launcher := newFakeLauncher()
	handle := newFakeHandle()
	launcher.stub(handle)
	m := newTestManager(t, Config{MaxConcurrent: 2, KillGracePeriod: 20 * time.Millisecond}, launcher)

	sub := m.Subscribe()
	defer sub.Close()

	id, err := m.Spawn(context.Background(), fakeSpec())
	require.NoError(t, err)

	// The handle swallows the kill and never exits.
	require.NoError(t, m.Kill(context.Background(), id, "stuck"))

	ev := waitTerminal(t, sub, id)
	assert.Equal(t, EventZombie, ev.Kind)
	assert.Contains(t, ev.Cause, "exit not observed")
	assert.Equal(t, 0, m.Active())
	assert.Equal(t, 2, m.AvailableCapacity())

	// A late exit after the zombie verdict publishes nothing.
	handle.exit(0)
	select {
	case late := <-sub.Events():
		t.Fatalf("unexpected event after zombie verdict: %s", late.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestManager_Output(t *testing.T) {
	t.Run("attaches captured output to the terminal event", func(t *testing.T) {
		launcher := newFakeLauncher()
		handle := newFakeHandle()
		launcher.stub(handle)
		m := newTestManager(t, Config{MaxConcurrent: 2}, launcher)

		sub := m.Subscribe()
		defer sub.Close()

		id, err := m.Spawn(context.Background(), fakeSpec())
		require.NoError(t, err)

		launcher.mu.Lock()
		sink := launcher.sinks[id]
		launcher.mu.Unlock()
		require.NotNil(t, sink)
		sink.Write(StreamStdout, []byte("hello\n"))

		handle.exit(0)
		ev := waitTerminal(t, sub, id)
		assert.Equal(t, "hello\n", ev.Output)
	})

	t.Run("truncates output past the job limit", func(t *testing.T) {
		launcher := newFakeLauncher()
		handle := newFakeHandle()
		launcher.stub(handle)
		m := newTestManager(t, Config{MaxConcurrent: 2}, launcher)

		sub := m.Subscribe()
		defer sub.Close()

		spec := fakeSpec()
		spec.Limits.MaxOutputBytes = 8
		id, err := m.Spawn(context.Background(), spec)
		require.NoError(t, err)

		launcher.mu.Lock()
		sink := launcher.sinks[id]
		launcher.mu.Unlock()
		sink.Write(StreamStdout, []byte("0123456789abcdef"))

		handle.exit(0)
		ev := waitTerminal(t, sub, id)
		assert.Equal(t, "01234567"+TruncationMarker, ev.Output)
	})
}

func TestManager_StartStop(t *testing.T) {
	t.Run("rejects a second start", func(t *testing.T) {
		m := NewManager(NewRegistry(newFakeLauncher()), nil, zerolog.Nop(), Config{})
		require.NoError(t, m.Start(context.Background()))
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			require.NoError(t, m.Stop(ctx))
		}()

		err := m.Start(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already running")
	})

	t.Run("stop leaves running processes alive", func(t *testing.T) {
		launcher := newFakeLauncher()
		handle := newFakeHandle()
		launcher.stub(handle)
		m := NewManager(NewRegistry(launcher), nil, zerolog.Nop(), Config{MaxConcurrent: 2})
		require.NoError(t, m.Start(context.Background()))

		_, err := m.Spawn(context.Background(), fakeSpec())
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, m.Stop(ctx))

		assert.False(t, handle.wasKilled())
		assert.Equal(t, 1, m.Active())

		handle.exit(0)
	})
}
