package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dispatchd/dispatchd/internal/database"
	"github.com/dispatchd/dispatchd/internal/gateway"
	"github.com/dispatchd/dispatchd/internal/protocol"
)

// OutputStore persists terminal task output, inline or offloaded.
type OutputStore interface {
	// Store returns the inline portion to keep on the instance row and,
	// when the output was offloaded, the archive reference.
	Store(ctx context.Context, instanceID uuid.UUID, output string) (inline string, ref *string, err error)
}

// InlineOutputStore keeps all output on the instance row.
type InlineOutputStore struct{}

func (InlineOutputStore) Store(ctx context.Context, instanceID uuid.UUID, output string) (string, *string, error) {
	return output, nil, nil
}

// PersisterConfig holds configuration for the task-state persister.
type PersisterConfig struct {
	// TailLimit bounds the in-memory live output tail per running instance.
	TailLimit int
}

// DefaultPersisterConfig returns the default persister configuration.
func DefaultPersisterConfig() PersisterConfig {
	return PersisterConfig{
		TailLimit: 64 * 1024,
	}
}

// Persister applies agent-reported task state to the store. It is the only
// writer of instance rows on the receive path, so duplicate or out-of-order
// reports settle here: a transition the lifecycle refuses is dropped, not
// an error. Completions of schedule-owned instances fan out to dependent
// schedules.
type Persister struct {
	instances database.TaskInstanceRepository
	schedules database.ScheduleRepository
	jobs      database.JobRepository
	outputs   OutputStore
	broker    *gateway.Broker
	logger    *slog.Logger
	tail      *logTail

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
	sub     *gateway.Subscription
}

// NewPersister creates a new Persister instance.
func NewPersister(
	instances database.TaskInstanceRepository,
	schedules database.ScheduleRepository,
	jobs database.JobRepository,
	outputs OutputStore,
	broker *gateway.Broker,
	logger *slog.Logger,
	cfg PersisterConfig,
) *Persister {
	if cfg.TailLimit == 0 {
		cfg = DefaultPersisterConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if outputs == nil {
		outputs = InlineOutputStore{}
	}

	return &Persister{
		instances: instances,
		schedules: schedules,
		jobs:      jobs,
		outputs:   outputs,
		broker:    broker,
		logger:    logger.With("component", "persister"),
		tail:      newLogTail(cfg.TailLimit),
		stopCh:    make(chan struct{}),
	}
}

// Start subscribes to agent events and begins persisting task state.
func (p *Persister) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("persister already running")
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.sub = p.broker.Subscribe()
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.persistLoop(ctx)
	}()

	p.logger.Info("persister started")
	return nil
}

// Stop gracefully stops the persister.
func (p *Persister) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.stopCh)
	p.sub.Close()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("persister stopped gracefully")
		return nil
	case <-ctx.Done():
		p.logger.Warn("persister stop timed out")
		return ctx.Err()
	}
}

func (p *Persister) persistLoop(ctx context.Context) {
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-p.sub.Events():
			if !ok {
				return
			}
			switch ev.Kind {
			case gateway.TaskInstanceChanged:
				if ev.TaskChange == nil {
					continue
				}
				if err := p.HandleTaskChange(ctx, ev.AgentID, ev.At, ev.TaskChange); err != nil {
					p.logger.Error("failed to persist task change",
						"instance_id", ev.TaskChange.InstanceID,
						"status", ev.TaskChange.Status,
						"error", err,
					)
				}
			case gateway.TaskLog:
				if ev.Log == nil {
					continue
				}
				p.tail.append(ev.Log.InstanceID, ev.Log.Data)
			}
		}
	}
}

// HandleTaskChange applies one agent status report.
func (p *Persister) HandleTaskChange(ctx context.Context, agentID uuid.UUID, at time.Time, change *protocol.TaskInstanceChangedPayload) error {
	status, ok := instanceStatusFromWire(change.Status)
	if !ok {
		return fmt.Errorf("unknown instance status %q", change.Status)
	}
	if at.IsZero() {
		at = time.Now()
	}

	if status == database.InstanceStatusRunning {
		if err := p.instances.MarkStarted(ctx, change.InstanceID, at); err != nil {
			if database.IsInvalidTransition(err) {
				// Duplicate or out-of-order report
				p.logger.Debug("ignoring running report", "instance_id", change.InstanceID)
				return nil
			}
			return fmt.Errorf("failed to mark instance started: %w", err)
		}
		return nil
	}

	res := database.FinishResult{
		ExitCode:     change.ExitCode,
		ErrorMessage: change.ErrorMessage,
		CompletedAt:  at,
	}
	if change.Metrics != nil {
		res.Metrics = &database.ResourceMetrics{
			PeakMemoryBytes: change.Metrics.PeakMemoryBytes,
			CPUPercent:      change.Metrics.CPUPercent,
			DurationMs:      change.Metrics.DurationMs,
		}
	}

	if err := p.instances.Finish(ctx, change.InstanceID, status, res); err != nil {
		if database.IsInvalidTransition(err) {
			p.logger.Debug("ignoring duplicate terminal report",
				"instance_id", change.InstanceID,
				"status", status,
			)
			return nil
		}
		return fmt.Errorf("failed to finish instance: %w", err)
	}

	p.tail.drop(change.InstanceID)

	if change.Output != "" {
		inline, ref, err := p.outputs.Store(ctx, change.InstanceID, change.Output)
		if err != nil {
			// Keep the capped output on the row rather than losing it.
			p.logger.Error("failed to archive output", "instance_id", change.InstanceID, "error", err)
			inline, ref = change.Output, nil
		}
		if err := p.instances.StoreOutput(ctx, change.InstanceID, inline, ref); err != nil {
			p.logger.Error("failed to store output", "instance_id", change.InstanceID, "error", err)
		}
	}

	p.logger.Info("task instance finished",
		"instance_id", change.InstanceID,
		"agent_id", agentID,
		"status", status,
	)

	if status == database.InstanceStatusSucceeded {
		p.fireDependents(ctx, change.InstanceID)
	}

	return nil
}

// LiveOutput returns the in-memory output tail of a still-running instance.
func (p *Persister) LiveOutput(instanceID uuid.UUID) (string, bool) {
	return p.tail.snapshot(instanceID)
}

// fireDependents fires dependency schedules hanging off the finished
// instance's schedule. It runs on whichever replica recorded the
// completion: the firing is anchored to the one Finish that won the
// transition, so no leadership check is needed.
func (p *Persister) fireDependents(ctx context.Context, instanceID uuid.UUID) {
	inst, err := p.instances.Get(ctx, instanceID)
	if err != nil {
		p.logger.Error("failed to load finished instance", "instance_id", instanceID, "error", err)
		return
	}
	if inst.ScheduleID == nil {
		return
	}

	deps, err := p.schedules.ListDependents(ctx, *inst.ScheduleID)
	if err != nil {
		p.logger.Error("failed to list dependent schedules",
			"schedule_id", *inst.ScheduleID,
			"error", err,
		)
		return
	}

	now := time.Now()
	for i := range deps {
		if err := fireSchedule(ctx, p.schedules, p.jobs, p.instances, p.logger, &deps[i], now); err != nil {
			p.logger.Warn("failed to fire dependent schedule",
				"schedule_id", deps[i].ID,
				"schedule_name", deps[i].Name,
				"error", err,
			)
		}
	}
}

// instanceStatusFromWire maps an agent-reported status string onto the
// instance lifecycle. Agents never report pending or acquired.
func instanceStatusFromWire(s string) (database.InstanceStatus, bool) {
	switch status := database.InstanceStatus(s); status {
	case database.InstanceStatusRunning,
		database.InstanceStatusSucceeded,
		database.InstanceStatusFailed,
		database.InstanceStatusCancelled,
		database.InstanceStatusTimeout,
		database.InstanceStatusKilled:
		return status, true
	}
	return "", false
}

// logTail keeps a bounded live output tail per running instance, serving
// reads until the terminal report stores the authoritative output.
type logTail struct {
	mu    sync.Mutex
	limit int
	tails map[uuid.UUID][]byte
}

func newLogTail(limit int) *logTail {
	return &logTail{limit: limit, tails: make(map[uuid.UUID][]byte)}
}

func (l *logTail) append(id uuid.UUID, data string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	buf := append(l.tails[id], data...)
	if over := len(buf) - l.limit; over > 0 {
		buf = buf[over:]
	}
	l.tails[id] = buf
}

func (l *logTail) snapshot(id uuid.UUID) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	buf, ok := l.tails[id]
	if !ok {
		return "", false
	}
	return string(buf), true
}

func (l *logTail) drop(id uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.tails, id)
}
