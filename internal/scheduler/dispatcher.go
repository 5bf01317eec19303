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

// CommandSender delivers commands to connected agents.
type CommandSender interface {
	SendCommand(agentID uuid.UUID, cmd *protocol.CommandMessage) error
}

// DispatcherConfig holds configuration for the dispatcher.
type DispatcherConfig struct {
	// AgentTTL is the heartbeat freshness required for dispatch.
	AgentTTL time.Duration
	// MaxBatch caps how many tasks one poll may claim.
	MaxBatch int
}

// DefaultDispatcherConfig returns the default dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		AgentTTL: 90 * time.Second,
		MaxBatch: 16,
	}
}

// Dispatcher answers agent polls. Every replica runs one: claims settle on
// the per-row conditional update, so concurrent dispatchers never hand the
// same instance to two agents.
type Dispatcher struct {
	instances database.TaskInstanceRepository
	agents    database.AgentRepository
	sender    CommandSender
	broker    *gateway.Broker
	logger    *slog.Logger

	mu       sync.Mutex
	running  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
	sub      *gateway.Subscription
	agentTTL time.Duration
	maxBatch int
}

// NewDispatcher creates a new Dispatcher instance.
func NewDispatcher(
	instances database.TaskInstanceRepository,
	agents database.AgentRepository,
	sender CommandSender,
	broker *gateway.Broker,
	logger *slog.Logger,
	cfg DispatcherConfig,
) *Dispatcher {
	if cfg.AgentTTL == 0 {
		cfg = DefaultDispatcherConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		instances: instances,
		agents:    agents,
		sender:    sender,
		broker:    broker,
		logger:    logger.With("component", "dispatcher"),
		stopCh:    make(chan struct{}),
		agentTTL:  cfg.AgentTTL,
		maxBatch:  cfg.MaxBatch,
	}
}

// Start subscribes to agent events and begins answering polls.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("dispatcher already running")
	}
	d.running = true
	d.stopCh = make(chan struct{})
	d.sub = d.broker.Subscribe()
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.dispatchLoop(ctx)
	}()

	d.logger.Info("dispatcher started", "max_batch", d.maxBatch)
	return nil
}

// Stop gracefully stops the dispatcher.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	close(d.stopCh)
	d.sub.Close()
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("dispatcher stopped gracefully")
		return nil
	case <-ctx.Done():
		d.logger.Warn("dispatcher stop timed out")
		return ctx.Err()
	}
}

func (d *Dispatcher) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-d.sub.Events():
			if !ok {
				return
			}
			if ev.Kind != gateway.TaskAcquireRequested || ev.Acquire == nil {
				continue
			}
			if err := d.HandleAcquire(ctx, ev.AgentID, ev.Acquire); err != nil {
				d.logger.Error("dispatch error", "agent_id", ev.AgentID, "error", err)
			}
		}
	}
}

// HandleAcquire answers one poll: select due pending instances matching the
// agent's labels, claim each through the conditional update, and bundle the
// wins into a single TaskAcquired command. Fewer than requested is normal;
// the agent polls again.
func (d *Dispatcher) HandleAcquire(ctx context.Context, agentID uuid.UUID, req *protocol.AcquireTaskPayload) error {
	agent, err := d.agents.Get(ctx, agentID)
	if err != nil {
		return fmt.Errorf("failed to get agent: %w", err)
	}
	if !agent.IsOnline(d.agentTTL) {
		d.logger.Debug("agent heartbeat stale, not dispatching", "agent_id", agentID)
		return nil
	}
	if !agent.AcceptsWork() {
		d.logger.Debug("agent draining, not dispatching", "agent_id", agentID)
		return nil
	}

	count := req.AcquireCount
	if count <= 0 {
		return nil
	}
	if count > d.maxBatch {
		count = d.maxBatch
	}

	candidates, err := d.instances.ListAcquirable(ctx, req.Labels, req.MaxScheduledAt, count)
	if err != nil {
		return fmt.Errorf("failed to list acquirable tasks: %w", err)
	}
	if len(candidates) == 0 {
		return nil
	}

	var tasks []protocol.ScheduledTask
	var claimed []uuid.UUID
	for i := range candidates {
		cand := &candidates[i]
		if err := d.instances.Acquire(ctx, cand.Instance.ID, agentID); err != nil {
			if database.IsNotFound(err) {
				// Lost to a concurrent dispatcher
				continue
			}
			d.logger.Warn("failed to acquire instance",
				"instance_id", cand.Instance.ID,
				"error", err,
			)
			continue
		}
		claimed = append(claimed, cand.Instance.ID)
		tasks = append(tasks, protocol.ScheduledTask{
			TaskInstanceID: cand.Instance.ID,
			Job:            jobSpec(&cand.Job),
			ScheduledAt:    cand.Instance.ScheduledAt,
			RetryCount:     cand.Instance.RetryCount,
		})
	}

	if len(tasks) == 0 {
		return nil
	}

	cmd, err := protocol.NewCommand(protocol.CommandTaskAcquired, protocol.TaskAcquiredPayload{Tasks: tasks})
	if err != nil {
		d.requeue(ctx, claimed, agentID)
		return fmt.Errorf("failed to build task_acquired command: %w", err)
	}

	if err := d.sender.SendCommand(agentID, cmd); err != nil {
		// Claims must not stay bound to an agent that never saw them.
		d.requeue(ctx, claimed, agentID)
		return fmt.Errorf("failed to send task_acquired: %w", err)
	}

	d.logger.Info("dispatched tasks",
		"agent_id", agentID,
		"count", len(tasks),
		"requested", req.AcquireCount,
	)

	return nil
}

func (d *Dispatcher) requeue(ctx context.Context, ids []uuid.UUID, agentID uuid.UUID) {
	if len(ids) == 0 {
		return
	}
	n, err := d.instances.RequeueUndelivered(ctx, ids, agentID)
	if err != nil {
		d.logger.Error("failed to requeue undelivered instances",
			"agent_id", agentID,
			"count", len(ids),
			"error", err,
		)
		return
	}
	d.logger.Info("requeued undelivered instances", "agent_id", agentID, "count", n)
}

// jobSpec snapshots a job definition into its wire form.
func jobSpec(job *database.Job) protocol.JobSpec {
	return protocol.JobSpec{
		ID:             job.ID,
		Name:           job.Name,
		Command:        job.Command,
		Args:           job.Args,
		WorkDir:        job.WorkDir,
		Env:            job.Env,
		Executor:       string(job.Executor),
		ContainerImage: job.ContainerImage,
		TimeoutMs:      job.Timeout.Milliseconds(),
		Limits: protocol.ResourceLimitsSpec{
			MaxMemoryBytes: job.Limits.MaxMemoryBytes,
			MaxCPUPercent:  job.Limits.MaxCPUPercent,
			MaxOutputBytes: job.Limits.MaxOutputBytes,
		},
	}
}
