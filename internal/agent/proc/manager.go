package proc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dispatchd/dispatchd/internal/timerq"
)

var (
	// ErrNoCapacity is returned by Spawn when every slot is taken.
	ErrNoCapacity = errors.New("process manager at capacity")
	// ErrNotTracked is returned by Kill for unknown instances.
	ErrNotTracked = errors.New("process not tracked")
	// ErrAlreadyTracked is returned by Spawn for duplicate instances.
	ErrAlreadyTracked = errors.New("instance already tracked")
)

// killRequestTimeout bounds a single kill delivery attempt.
const killRequestTimeout = 10 * time.Second

// LogForwarder receives live output chunks from managed processes.
// Implementations must not block.
type LogForwarder func(instanceID uuid.UUID, stream string, chunk []byte)

// Config configures the process manager.
type Config struct {
	// MaxConcurrent caps how many processes may be starting or running.
	MaxConcurrent int
	// SampleInterval is the resource sampling cadence.
	SampleInterval time.Duration
	// KillGracePeriod bounds how long after a kill the exit must be
	// observed before the process is declared a zombie.
	KillGracePeriod time.Duration
	// EventBuffer is each subscriber's channel depth before drop-oldest.
	EventBuffer int
}

// DefaultConfig returns the default process manager configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:   4,
		SampleInterval:  5 * time.Second,
		KillGracePeriod: 10 * time.Second,
		EventBuffer:     64,
	}
}

// killCause records why a kill was issued, which in turn decides the
// terminal state once the exit is observed.
type killCause int

const (
	killNone killCause = iota
	killRequested
	killTimeout
	killResource
)

// process is one process table entry. All mutable fields are guarded
// by the manager's mutex; spec is immutable after admission.
type process struct {
	spec      Spec
	state     State
	handle    Handle
	sink      *Sink
	startedAt time.Time

	kill  killCause
	cause string

	peakMemory int64
	lastCPU    float64
}

// Subscription is one consumer's view of the process event stream.
// Events arrive from the point of subscription onward; a consumer that
// falls behind loses its oldest buffered events and sees the lag
// counter advance. Consumers must tolerate gaps.
type Subscription struct {
	id     uint64
	ch     chan Event
	lagged atomic.Uint64
	mgr    *Manager
	once   sync.Once
}

// Events returns the receive channel for this subscription.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Lagged returns how many events this subscriber has lost to overflow.
func (s *Subscription) Lagged() uint64 {
	return s.lagged.Load()
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.mgr.removeSub(s.id)
	})
}

// Manager owns the agent's process table. Spawn admits work under the
// concurrency cap, the timer queue enforces per-process deadlines, and
// the sampling loop enforces resource limits. Nothing outside the
// manager mutates the table.
type Manager struct {
	launchers *Registry
	forward   LogForwarder
	logger    zerolog.Logger
	cfg       Config

	timers *timerq.Queue

	mu      sync.Mutex
	procs   map[uuid.UUID]*process
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	subMu  sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
}

// NewManager creates a process manager spawning through the given
// launcher registry. forward may be nil when live log streaming is not
// wanted.
func NewManager(launchers *Registry, forward LogForwarder, logger zerolog.Logger, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = def.MaxConcurrent
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = def.SampleInterval
	}
	if cfg.KillGracePeriod <= 0 {
		cfg.KillGracePeriod = def.KillGracePeriod
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}

	return &Manager{
		launchers: launchers,
		forward:   forward,
		logger:    logger.With().Str("component", "process_manager").Logger(),
		cfg:       cfg,
		timers:    timerq.NewQueue(),
		procs:     make(map[uuid.UUID]*process),
		subs:      make(map[uint64]*Subscription),
	}
}

// Start runs the deadline timers and the resource sampling loop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("process manager already running")
	}
	m.running = true

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.timers.Run(runCtx)
	}()
	go m.sampleLoop(runCtx)

	m.logger.Info().
		Int("max_concurrent", m.cfg.MaxConcurrent).
		Strs("executors", m.launchers.Kinds()).
		Msg("Process manager started")
	return nil
}

// Stop halts the timers and the sampler. Live processes are left
// untouched; a graceful agent shutdown does not kill in-flight work.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info().Msg("Process manager stopped")
	case <-ctx.Done():
		m.logger.Warn().Msg("Process manager stop timed out")
	}
	return nil
}

// Spawn admits and launches the process described by spec, returning
// the instance id it is tracked under. A failure after admission also
// publishes a terminal event, so the server learns about it through
// the usual path; the returned error is for the caller's log.
func (m *Manager) Spawn(ctx context.Context, spec Spec) (uuid.UUID, error) {
	launcher, ok := m.launchers.Lookup(spec.Executor)
	if !ok {
		return spec.InstanceID, fmt.Errorf("no launcher registered for executor %q", spec.Executor)
	}

	sink := m.newSink(spec)

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return spec.InstanceID, fmt.Errorf("process manager not running")
	}
	if _, exists := m.procs[spec.InstanceID]; exists {
		m.mu.Unlock()
		return spec.InstanceID, fmt.Errorf("instance %s: %w", spec.InstanceID, ErrAlreadyTracked)
	}
	if m.capacityLocked() <= 0 {
		m.mu.Unlock()
		return spec.InstanceID, ErrNoCapacity
	}
	p := &process{
		spec:      spec,
		state:     StateStarting,
		sink:      sink,
		startedAt: time.Now(),
	}
	m.procs[spec.InstanceID] = p
	m.mu.Unlock()

	handle, err := launcher.Launch(ctx, spec, sink)
	if err != nil {
		m.settleSpawnFailure(p, err)
		return spec.InstanceID, fmt.Errorf("failed to launch %s process: %w", spec.Executor, err)
	}

	m.mu.Lock()
	p.handle = handle
	p.state = StateRunning
	pendingKill := p.kill != killNone
	m.mu.Unlock()

	m.publish(Event{InstanceID: spec.InstanceID, Kind: EventStarted, At: time.Now()})

	if spec.Timeout > 0 {
		m.timers.Schedule(spec.InstanceID, time.Now().Add(spec.Timeout), func() {
			go m.expire(spec.InstanceID)
		})
	}
	if pendingKill {
		// A cancel landed while the launcher was still starting up.
		m.issueKill(ctx, spec.InstanceID, handle)
	}

	go m.supervise(spec.InstanceID, p, handle)

	m.logger.Info().
		Str("instance_id", spec.InstanceID.String()).
		Str("executor", spec.Executor).
		Str("command", spec.Command).
		Msg("Process started")
	return spec.InstanceID, nil
}

// Kill terminates the process for the given instance. A kill issued
// while the launcher is still starting takes effect as soon as the
// handle exists.
func (m *Manager) Kill(ctx context.Context, id uuid.UUID, reason string) error {
	m.mu.Lock()
	p, ok := m.procs[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotTracked
	}
	if p.kill == killNone {
		p.kill = killRequested
		if reason != "" {
			p.cause = reason
		}
	}
	handle := p.handle
	m.mu.Unlock()

	if handle == nil {
		return nil
	}
	m.issueKill(ctx, id, handle)
	return nil
}

// AvailableCapacity reports how many more processes may start right
// now. It never goes negative.
func (m *Manager) AvailableCapacity() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.capacityLocked()
}

// Active returns how many processes are starting or running.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeLocked()
}

// Subscribe attaches a consumer receiving every event published from
// this point onward.
func (m *Manager) Subscribe() *Subscription {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	m.nextID++
	sub := &Subscription{
		id:  m.nextID,
		ch:  make(chan Event, m.cfg.EventBuffer),
		mgr: m,
	}
	m.subs[sub.id] = sub
	return sub
}

func (m *Manager) capacityLocked() int {
	if free := m.cfg.MaxConcurrent - m.activeLocked(); free > 0 {
		return free
	}
	return 0
}

func (m *Manager) activeLocked() int {
	active := 0
	for _, p := range m.procs {
		if p.state == StateStarting || p.state == StateRunning {
			active++
		}
	}
	return active
}

func (m *Manager) newSink(spec Spec) *Sink {
	var forward func(stream string, chunk []byte)
	if m.forward != nil {
		id := spec.InstanceID
		fw := m.forward
		forward = func(stream string, chunk []byte) {
			fw(id, stream, chunk)
		}
	}
	return NewSink(spec.Limits.MaxOutputBytes, forward)
}

// supervise waits for the exit and resolves the terminal state. The
// kill cause recorded before the exit decides the outcome: a timeout
// or limit breach is never reported as a success, even when the dying
// process manages to exit zero.
func (m *Manager) supervise(id uuid.UUID, p *process, handle Handle) {
	code, waitErr := handle.Wait(context.Background())
	m.timers.Cancel(id)

	m.mu.Lock()
	cause := p.cause
	reason := p.kill
	m.mu.Unlock()

	var (
		st   State
		kind EventKind
		exit *int
	)
	switch reason {
	case killTimeout:
		st, kind = StateTimeout, EventTimeout
		cause = fmt.Sprintf("timed out after %s", p.spec.Timeout)
	case killResource:
		st, kind = StateFailed, EventResourceViolation
	case killRequested:
		st, kind = StateKilled, EventKilled
		if cause == "" {
			cause = "killed"
		}
	default:
		switch {
		case waitErr != nil:
			st, kind = StateFailed, EventExited
			cause = fmt.Sprintf("wait failed: %v", waitErr)
		case code == 0:
			st, kind = StateCompleted, EventExited
			exit = &code
		default:
			st, kind = StateFailed, EventExited
			exit = &code
		}
	}

	ev, claimed := m.settle(p, st, kind, exit, cause)
	if !claimed {
		// The zombie timer already wrote this one off.
		m.logger.Debug().
			Str("instance_id", id.String()).
			Msg("Exit observed after terminal state was settled")
		return
	}
	m.publish(ev)

	m.logger.Info().
		Str("instance_id", id.String()).
		Str("state", string(st)).
		Int("exit_code", code).
		Msg("Process finished")
}

// settle claims the terminal transition for p and removes it from the
// table. Exactly one caller wins; the loser gets claimed=false.
func (m *Manager) settle(p *process, st State, kind EventKind, exitCode *int, cause string) (Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.state.Terminal() {
		return Event{}, false
	}
	p.state = st
	delete(m.procs, p.spec.InstanceID)

	return Event{
		InstanceID: p.spec.InstanceID,
		Kind:       kind,
		At:         time.Now(),
		ExitCode:   exitCode,
		Cause:      cause,
		Output:     p.sink.String(),
		Metrics: &Metrics{
			PeakMemoryBytes: p.peakMemory,
			CPUPercent:      p.lastCPU,
			Duration:        time.Since(p.startedAt),
		},
	}, true
}

func (m *Manager) settleSpawnFailure(p *process, launchErr error) {
	ev, claimed := m.settle(p, StateFailed, EventExited, nil, fmt.Sprintf("failed to start: %v", launchErr))
	if !claimed {
		return
	}
	ev.Metrics = nil
	m.publish(ev)

	m.logger.Error().
		Err(launchErr).
		Str("instance_id", p.spec.InstanceID.String()).
		Str("executor", p.spec.Executor).
		Msg("Failed to start process")
}

// expire handles a deadline timer firing.
func (m *Manager) expire(id uuid.UUID) {
	m.mu.Lock()
	p, ok := m.procs[id]
	if !ok || p.state.Terminal() {
		m.mu.Unlock()
		return
	}
	if p.kill == killNone {
		p.kill = killTimeout
	}
	handle := p.handle
	m.mu.Unlock()

	m.logger.Warn().
		Str("instance_id", id.String()).
		Dur("timeout", p.spec.Timeout).
		Msg("Process deadline expired, killing")
	m.issueKill(context.Background(), id, handle)
}

// issueKill delivers the kill and arms the zombie timer. Scheduling
// under the instance id replaces any armed deadline timer, which is
// what we want once a kill is in flight.
func (m *Manager) issueKill(ctx context.Context, id uuid.UUID, handle Handle) {
	killCtx, cancel := context.WithTimeout(ctx, killRequestTimeout)
	defer cancel()
	if err := handle.Kill(killCtx); err != nil {
		m.logger.Error().Err(err).Str("instance_id", id.String()).Msg("Failed to kill process")
	}
	m.timers.Schedule(id, time.Now().Add(m.cfg.KillGracePeriod), func() {
		go m.declareZombie(id)
	})
}

// declareZombie writes off a killed process whose exit never arrived.
// The table slot is released so its capacity frees up; if the exit
// shows up later the supervise goroutine finds the state settled.
func (m *Manager) declareZombie(id uuid.UUID) {
	m.mu.Lock()
	p, ok := m.procs[id]
	m.mu.Unlock()
	if !ok {
		return
	}

	ev, claimed := m.settle(p, StateZombie, EventZombie, nil, "exit not observed after kill")
	if !claimed {
		return
	}
	m.publish(ev)

	m.logger.Error().
		Str("instance_id", id.String()).
		Dur("grace", m.cfg.KillGracePeriod).
		Msg("Process did not exit after kill, declaring zombie")
}

func (m *Manager) sampleLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleOnce(ctx)
		}
	}
}

// sampleOnce samples every running process and kills the ones that
// breached a configured limit.
func (m *Manager) sampleOnce(ctx context.Context) {
	type target struct {
		id     uuid.UUID
		p      *process
		handle Handle
	}

	m.mu.Lock()
	targets := make([]target, 0, len(m.procs))
	for id, p := range m.procs {
		if p.state == StateRunning && p.handle != nil {
			targets = append(targets, target{id: id, p: p, handle: p.handle})
		}
	}
	m.mu.Unlock()

	for _, t := range targets {
		usage, err := t.handle.Usage(ctx)
		if err != nil {
			m.logger.Debug().Err(err).Str("instance_id", t.id.String()).Msg("Failed to sample process usage")
			continue
		}

		limits := t.p.spec.Limits
		var breach string
		if limits.MaxMemoryBytes > 0 && usage.MemoryBytes > limits.MaxMemoryBytes {
			breach = fmt.Sprintf("memory limit exceeded: %d > %d bytes", usage.MemoryBytes, limits.MaxMemoryBytes)
		} else if limits.MaxCPUPercent > 0 && usage.CPUPercent > limits.MaxCPUPercent {
			breach = fmt.Sprintf("cpu limit exceeded: %.1f%% > %.1f%%", usage.CPUPercent, limits.MaxCPUPercent)
		}

		m.mu.Lock()
		if usage.MemoryBytes > t.p.peakMemory {
			t.p.peakMemory = usage.MemoryBytes
		}
		t.p.lastCPU = usage.CPUPercent
		kill := false
		if breach != "" && t.p.kill == killNone && !t.p.state.Terminal() {
			t.p.kill = killResource
			t.p.cause = breach
			kill = true
		}
		m.mu.Unlock()

		if kill {
			m.logger.Warn().
				Str("instance_id", t.id.String()).
				Str("breach", breach).
				Msg("Resource limit exceeded, killing process")
			m.issueKill(ctx, t.id, t.handle)
		}
	}
}

// publish delivers an event to every subscriber without blocking. A
// full subscriber loses its oldest buffered event instead.
func (m *Manager) publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	m.subMu.Lock()
	defer m.subMu.Unlock()

	for _, sub := range m.subs {
		sent := false
		for !sent {
			select {
			case sub.ch <- ev:
				sent = true
			default:
				// Full buffer: drop the oldest so fresh events keep flowing.
				select {
				case <-sub.ch:
					sub.lagged.Add(1)
				default:
				}
			}
		}
	}
}

func (m *Manager) removeSub(id uint64) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	if sub, ok := m.subs[id]; ok {
		delete(m.subs, id)
		close(sub.ch)
	}
}
