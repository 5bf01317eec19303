package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dispatchd/dispatchd/internal/agent/proc"
	"github.com/dispatchd/dispatchd/internal/protocol"
	"github.com/dispatchd/dispatchd/internal/timerq"
)

// Version is the agent version reported during registration.
const Version = "0.1.0"

const (
	// registerTimeout bounds the wait for a registration response.
	registerTimeout = 10 * time.Second
	// journalRetention is how long settled journal rows are kept for
	// duplicate-delivery detection.
	journalRetention = 24 * time.Hour
	// journalSweepPeriod is the cadence of the retention sweep.
	journalSweepPeriod = time.Hour
)

// Agent runs tasks on behalf of a dispatchd server. It keeps one
// logical connection open, polls for work when it has spare capacity,
// and supervises every launched process until it settles.
type Agent struct {
	cfg     *Config
	logger  zerolog.Logger
	agentID uuid.UUID

	conn    *Conn
	journal *Journal
	procs   *proc.Manager
	timers  *timerq.Queue
	queue   *taskQueue
	monitor *Monitor
	secrets SecretStore
	seqs    *logSequencer

	mu        sync.Mutex
	running   bool
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	shutdownCh   chan struct{}
	shuttingDown atomic.Bool

	staleMu sync.Mutex
	stale   []uuid.UUID
}

// New creates an agent from configuration. The agent identity comes
// from the config when set, otherwise from the journal so it survives
// restarts.
func New(cfg *Config) (*Agent, error) {
	logger := newLogger(cfg)

	journal, err := NewJournal(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	var agentID uuid.UUID
	if cfg.AgentID != "" {
		agentID, err = uuid.Parse(cfg.AgentID)
		if err != nil {
			journal.Close()
			return nil, fmt.Errorf("invalid agent id: %w", err)
		}
	} else {
		agentID, err = journal.EnsureAgentID()
		if err != nil {
			journal.Close()
			return nil, err
		}
	}

	launchers := []proc.Launcher{proc.NewSubprocessLauncher(logger)}
	if cfg.DockerEnabled {
		container, err := proc.NewContainerLauncher(cfg.DockerHost, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("Docker unavailable, container executor disabled")
		} else {
			launchers = append(launchers, container)
		}
	}

	var secrets SecretStore
	if cfg.SecretsProvider == "vault" {
		store, err := NewVaultStore(VaultConfig{
			Address:   cfg.VaultAddress,
			Token:     cfg.VaultToken,
			Namespace: cfg.VaultNamespace,
			Mount:     cfg.VaultMount,
			Timeout:   cfg.VaultTimeout,
		})
		if err != nil {
			journal.Close()
			return nil, fmt.Errorf("failed to configure vault: %w", err)
		}
		secrets = store
	}

	a := &Agent{
		cfg:        cfg,
		logger:     logger.With().Str("component", "agent").Logger(),
		agentID:    agentID,
		journal:    journal,
		timers:     timerq.NewQueue(),
		queue:      newTaskQueue(),
		monitor:    NewMonitor(cfg, logger),
		secrets:    secrets,
		seqs:       newLogSequencer(),
		shutdownCh: make(chan struct{}),
	}
	a.conn = NewConn(cfg, agentID, logger)
	a.procs = proc.NewManager(proc.NewRegistry(launchers...), a.forwardTaskLog, logger, proc.Config{
		MaxConcurrent:   cfg.MaxConcurrency,
		SampleInterval:  cfg.SampleInterval,
		KillGracePeriod: cfg.KillGracePeriod,
	})
	return a, nil
}

// Start runs the agent until ctx is cancelled or registration is
// rejected. It blocks.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("agent already running")
	}
	a.running = true
	a.mu.Unlock()

	a.logger.Info().
		Str("agent_id", a.agentID.String()).
		Str("server", a.cfg.ServerURL).
		Int("max_concurrency", a.cfg.MaxConcurrency).
		Msg("Starting agent")

	if err := a.procs.Start(ctx); err != nil {
		return fmt.Errorf("failed to start process manager: %w", err)
	}

	if err := a.recoverStartupState(); err != nil {
		a.logger.Error().Err(err).Msg("Journal recovery failed")
	}

	runCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.runCancel = cancel
	a.mu.Unlock()

	runners := []func(context.Context){
		a.timers.Run,
		a.resourceMonitorLoop,
		a.commandProcessor,
		a.eventRunner,
		a.heartbeatLoop,
		a.pollLoop,
		a.cleanupLoop,
	}
	for i := 0; i < a.cfg.MaxConcurrency; i++ {
		runners = append(runners, a.executeRunner)
	}
	for _, run := range runners {
		a.wg.Add(1)
		go func(run func(context.Context)) {
			defer a.wg.Done()
			run(runCtx)
		}(run)
	}

	return a.connectionLoop(ctx)
}

// connectionLoop dials, registers, and pumps the connection, redialing
// with backoff after every failure. A rejected registration is fatal.
func (a *Agent) connectionLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-a.shutdownCh:
			return nil
		default:
		}

		if err := a.conn.Dial(ctx); err != nil {
			a.logger.Error().Err(err).Msg("Failed to connect to server")
			if !a.waitForReconnect(ctx) {
				return nil
			}
			continue
		}
		a.logger.Info().Str("server", a.cfg.ServerURL).Msg("Connected to server")

		runCtx, cancelRun := context.WithCancel(ctx)
		runErr := make(chan error, 1)
		go func() {
			runErr <- a.conn.Run(runCtx)
		}()

		if err := a.register(runCtx); err != nil {
			cancelRun()
			<-runErr
			if errors.Is(err, ErrRegistrationRejected) {
				// The server will never accept this identity. Retrying
				// is pointless; let the supervisor decide.
				return err
			}
			a.logger.Error().Err(err).Msg("Registration failed")
			if !a.waitForReconnect(ctx) {
				return nil
			}
			continue
		}
		a.logger.Info().Str("agent_id", a.agentID.String()).Msg("Registered with server")
		a.conn.ResetReconnectInterval()
		a.reportStaleInstances()

		err := <-runErr
		cancelRun()
		if a.shuttingDown.Load() || ctx.Err() != nil {
			return nil
		}
		a.logger.Warn().Err(err).Msg("Connection lost")
		if !a.waitForReconnect(ctx) {
			return nil
		}
	}
}

// register announces the agent and waits for the server's verdict.
func (a *Agent) register(ctx context.Context) error {
	sub := a.conn.Subscribe()
	defer sub.Close()

	payload := protocol.RegisterAgentPayload{
		AgentID:        a.agentID,
		Name:           a.cfg.AgentName,
		Labels:         a.cfg.Labels,
		MaxConcurrency: a.cfg.MaxConcurrency,
		Version:        Version,
	}
	if err := a.conn.SendEvent(protocol.EventRegisterAgent, payload); err != nil {
		return fmt.Errorf("failed to send registration: %w", err)
	}

	timer := time.NewTimer(registerTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return fmt.Errorf("timed out waiting for registration response")
		case cmd, ok := <-sub.Commands():
			if !ok {
				return fmt.Errorf("connection closed during registration")
			}
			if cmd.Kind != protocol.CommandAgentRegistered {
				continue
			}
			return decodeRegistration(cmd)
		}
	}
}

// decodeRegistration turns the server's registration response into the
// agent's fate.
func decodeRegistration(cmd *protocol.CommandMessage) error {
	var resp protocol.AgentRegisteredPayload
	if err := cmd.DecodePayload(&resp); err != nil {
		return fmt.Errorf("failed to decode registration response: %w", err)
	}
	if !resp.Success {
		reason := resp.Reason
		if reason == "" {
			reason = "no reason given"
		}
		return fmt.Errorf("%w: %s", ErrRegistrationRejected, reason)
	}
	return nil
}

func (a *Agent) waitForReconnect(ctx context.Context) bool {
	interval := a.conn.NextReconnectInterval()
	a.logger.Info().Dur("interval", interval).Msg("Waiting before reconnect")

	select {
	case <-ctx.Done():
		return false
	case <-a.shutdownCh:
		return false
	case <-time.After(interval):
		return true
	}
}

// recoverStartupState replays the journal left behind by a previous
// process. Tasks that never started are re-armed; tasks that were
// mid-run are settled as failed and reported once a connection exists.
func (a *Agent) recoverStartupState() error {
	entries, err := a.journal.Pending()
	if err != nil {
		return fmt.Errorf("failed to read journal: %w", err)
	}

	for _, entry := range entries {
		switch entry.Status {
		case journalAcquired:
			a.logger.Info().
				Str("instance_id", entry.InstanceID.String()).
				Str("job", entry.JobName).
				Msg("Re-arming journaled task")
			a.scheduleTask(entry.Task)
		case journalRunning:
			a.logger.Warn().
				Str("instance_id", entry.InstanceID.String()).
				Str("job", entry.JobName).
				Msg("Task was mid-run at restart, settling as failed")
			if err := a.journal.SetStatus(entry.InstanceID, "failed"); err != nil {
				a.logger.Error().Err(err).Msg("Failed to journal terminal status")
			}
			a.staleMu.Lock()
			a.stale = append(a.stale, entry.InstanceID)
			a.staleMu.Unlock()
		}
	}
	return nil
}

// reportStaleInstances tells the server about tasks lost to a restart.
func (a *Agent) reportStaleInstances() {
	a.staleMu.Lock()
	stale := a.stale
	a.stale = nil
	a.staleMu.Unlock()

	for _, id := range stale {
		change := protocol.TaskInstanceChangedPayload{
			InstanceID:   id,
			AgentID:      a.agentID,
			Status:       "failed",
			ErrorMessage: strPtr("agent restarted during task execution"),
		}
		if err := a.conn.SendEvent(protocol.EventTaskInstanceChanged, change); err != nil {
			a.logger.Error().Err(err).
				Str("instance_id", id.String()).
				Msg("Failed to report restarted task")
		}
	}
}

// cleanupLoop sweeps settled journal rows past the retention window.
func (a *Agent) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(journalSweepPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.journal.Cleanup(journalRetention); err != nil {
				a.logger.Error().Err(err).Msg("Journal cleanup failed")
			}
		}
	}
}

// Stop shuts the agent down. Running task processes are left alive;
// the journal settles them as failures on the next start if they
// outlive this process.
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	cancel := a.runCancel
	a.mu.Unlock()

	a.logger.Info().Msg("Stopping agent")
	a.shuttingDown.Store(true)
	close(a.shutdownCh)
	if cancel != nil {
		cancel()
	}

	if err := a.procs.Stop(ctx); err != nil {
		a.logger.Error().Err(err).Msg("Process manager stop failed")
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn().Msg("Agent stop timed out")
	}

	a.conn.Close()
	if err := a.journal.Close(); err != nil {
		a.logger.Error().Err(err).Msg("Failed to close journal")
	}

	a.logger.Info().Msg("Agent stopped")
	return nil
}

// HostUsage returns the latest host resource sample.
func (a *Agent) HostUsage() HostUsage {
	return a.monitor.Usage()
}

// ActiveProcesses returns how many supervised processes are running.
func (a *Agent) ActiveProcesses() int {
	return a.procs.Active()
}

// newLogger builds the agent process logger from configuration.
func newLogger(cfg *Config) zerolog.Logger {
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
	return logger
}
