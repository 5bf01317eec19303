package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dispatchd/dispatchd/internal/agent/proc"
	"github.com/dispatchd/dispatchd/internal/protocol"
)

// spawnRetryDelay is how long a ready task waits before retrying after
// the process table turned it away.
const spawnRetryDelay = time.Second

// taskQueue is an unbounded FIFO of tasks ready to execute. Timer fire
// callbacks push into it, so push must never block.
type taskQueue struct {
	mu     sync.Mutex
	items  []protocol.ScheduledTask
	signal chan struct{}
}

func newTaskQueue() *taskQueue {
	return &taskQueue{signal: make(chan struct{}, 1)}
}

func (q *taskQueue) push(task protocol.ScheduledTask) {
	q.mu.Lock()
	q.items = append(q.items, task)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// pop blocks until a task is available or the context is cancelled.
func (q *taskQueue) pop(ctx context.Context) (protocol.ScheduledTask, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			task := q.items[0]
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				// Wake the next waiter for the remaining backlog.
				select {
				case q.signal <- struct{}{}:
				default:
				}
			}
			return task, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return protocol.ScheduledTask{}, false
		case <-q.signal:
		}
	}
}

// remove drops a queued task that has not started yet.
func (q *taskQueue) remove(instanceID uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, task := range q.items {
		if task.TaskInstanceID == instanceID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

func (q *taskQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// commandProcessor consumes server commands from the connection and
// dispatches them.
func (a *Agent) commandProcessor(ctx context.Context) {
	sub := a.conn.Subscribe()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-sub.Commands():
			if !ok {
				return
			}
			a.handleCommand(ctx, cmd)
		}
	}
}

func (a *Agent) handleCommand(ctx context.Context, cmd *protocol.CommandMessage) {
	switch cmd.Kind {
	case protocol.CommandTaskAcquired:
		a.handleTaskAcquired(cmd)
	case protocol.CommandCancelTask:
		a.handleCancelTask(ctx, cmd)
	case protocol.CommandAgentRegistered:
		// Consumed by the registration handshake, nothing to do here.
	default:
		a.logger.Warn().Str("kind", string(cmd.Kind)).Msg("Unknown command")
	}
}

func (a *Agent) handleTaskAcquired(cmd *protocol.CommandMessage) {
	var payload protocol.TaskAcquiredPayload
	if err := cmd.DecodePayload(&payload); err != nil {
		a.logger.Error().Err(err).Msg("Failed to decode task_acquired payload")
		return
	}

	for _, task := range payload.Tasks {
		a.acceptTask(task)
	}
}

func (a *Agent) acceptTask(task protocol.ScheduledTask) {
	already, err := a.journal.Record(task)
	if err != nil {
		a.logger.Error().Err(err).
			Str("instance_id", task.TaskInstanceID.String()).
			Msg("Failed to journal acquired task")
	}
	if already {
		// The server redelivered after a reconnect. The first delivery
		// owns the instance.
		a.logger.Info().
			Str("instance_id", task.TaskInstanceID.String()).
			Str("job", task.Job.Name).
			Msg("Duplicate task delivery ignored")
		return
	}

	a.logger.Info().
		Str("instance_id", task.TaskInstanceID.String()).
		Str("job", task.Job.Name).
		Time("scheduled_at", task.ScheduledAt).
		Msg("Task acquired")
	a.scheduleTask(task)
}

// scheduleTask hands the task to the execute runners, via the timer
// queue when its scheduled time is still ahead.
func (a *Agent) scheduleTask(task protocol.ScheduledTask) {
	delay := time.Until(task.ScheduledAt)
	if delay <= 0 {
		a.queue.push(task)
		return
	}

	a.logger.Debug().
		Str("instance_id", task.TaskInstanceID.String()).
		Dur("delay", delay).
		Msg("Task held until its scheduled time")
	a.timers.Schedule(task.TaskInstanceID, task.ScheduledAt, func() {
		a.queue.push(task)
	})
}

func (a *Agent) handleCancelTask(ctx context.Context, cmd *protocol.CommandMessage) {
	var payload protocol.CancelTaskPayload
	if err := cmd.DecodePayload(&payload); err != nil {
		a.logger.Error().Err(err).Msg("Failed to decode cancel_task payload")
		return
	}

	reason := payload.Reason
	if reason == "" {
		reason = "cancelled by server"
	}

	logger := a.logger.With().Str("instance_id", payload.InstanceID.String()).Logger()

	// A task still waiting on its timer or in the queue never reached
	// the process manager, so it is settled right here.
	if a.timers.Cancel(payload.InstanceID) || a.queue.remove(payload.InstanceID) {
		logger.Info().Str("reason", reason).Msg("Cancelled task before start")
		a.settleWithoutRun(payload.InstanceID, "cancelled", reason)
		return
	}

	if err := a.procs.Kill(ctx, payload.InstanceID, reason); err != nil {
		if errors.Is(err, proc.ErrNotTracked) {
			logger.Debug().Msg("Cancel for unknown instance")
			return
		}
		logger.Error().Err(err).Msg("Failed to kill task")
	}
}

// executeRunner drains the ready queue. One runner per concurrency slot
// so a slow container image pull stalls only its own task.
func (a *Agent) executeRunner(ctx context.Context) {
	for {
		task, ok := a.queue.pop(ctx)
		if !ok {
			return
		}
		a.runTask(ctx, task)
	}
}

func (a *Agent) runTask(ctx context.Context, task protocol.ScheduledTask) {
	logger := a.logger.With().
		Str("instance_id", task.TaskInstanceID.String()).
		Str("job", task.Job.Name).
		Logger()

	env, err := resolveEnv(ctx, a.secrets, task.Job.Env)
	if err != nil {
		logger.Error().Err(err).Msg("Task environment cannot be resolved")
		a.settleWithoutRun(task.TaskInstanceID, "failed", fmt.Sprintf("configuration error: %v", err))
		return
	}

	spec := proc.Spec{
		InstanceID:     task.TaskInstanceID,
		Executor:       task.Job.Executor,
		Command:        task.Job.Command,
		Args:           task.Job.Args,
		WorkDir:        task.Job.WorkDir,
		Env:            env,
		ContainerImage: task.Job.ContainerImage,
		Timeout:        task.Timeout(),
		Limits: proc.Limits{
			MaxMemoryBytes: task.Job.Limits.MaxMemoryBytes,
			MaxCPUPercent:  task.Job.Limits.MaxCPUPercent,
			MaxOutputBytes: task.Job.Limits.MaxOutputBytes,
		},
	}

	if _, err := a.procs.Spawn(ctx, spec); err != nil {
		switch {
		case errors.Is(err, proc.ErrNoCapacity):
			// All slots taken. Park the task and retry shortly; the
			// poll loop has already stopped asking for more work.
			logger.Debug().Msg("No capacity, task parked for retry")
			a.timers.Schedule(task.TaskInstanceID, time.Now().Add(spawnRetryDelay), func() {
				a.queue.push(task)
			})
		case errors.Is(err, proc.ErrAlreadyTracked):
			logger.Debug().Msg("Task already running, dropping duplicate spawn")
		default:
			// Launch failures settle through the event pipeline as
			// well; the server ignores whichever report lands second.
			logger.Error().Err(err).Msg("Failed to start task")
			a.settleWithoutRun(task.TaskInstanceID, "failed", err.Error())
		}
		return
	}

	// Journal before the started event is processed so a crash in
	// between cannot replay the task as acquired.
	if err := a.journal.SetStatus(task.TaskInstanceID, journalRunning); err != nil {
		logger.Error().Err(err).Msg("Failed to journal running status")
	}
}

// settleWithoutRun records and reports a terminal status for a task
// that never reached the process manager.
func (a *Agent) settleWithoutRun(instanceID uuid.UUID, status, message string) {
	if err := a.journal.SetStatus(instanceID, status); err != nil {
		a.logger.Error().Err(err).
			Str("instance_id", instanceID.String()).
			Msg("Failed to journal terminal status")
	}

	change := protocol.TaskInstanceChangedPayload{
		InstanceID:   instanceID,
		AgentID:      a.agentID,
		Status:       status,
		ErrorMessage: strPtr(message),
	}
	if err := a.conn.SendEvent(protocol.EventTaskInstanceChanged, change); err != nil {
		if errors.Is(err, ErrDisconnected) {
			a.logger.Warn().
				Str("instance_id", instanceID.String()).
				Str("status", status).
				Msg("Task state report lost while disconnected")
			return
		}
		a.logger.Error().Err(err).
			Str("instance_id", instanceID.String()).
			Msg("Failed to report task state")
	}
}
