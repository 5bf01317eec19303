package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/dispatchd/dispatchd/internal/agent/proc"
	"github.com/dispatchd/dispatchd/internal/protocol"
)

// taskChange translates a process event into the wire-level status
// report the server expects. The second return is false for event kinds
// that carry no reportable transition.
func taskChange(agentID uuid.UUID, ev proc.Event) (protocol.TaskInstanceChangedPayload, bool) {
	change := protocol.TaskInstanceChangedPayload{
		InstanceID: ev.InstanceID,
		AgentID:    agentID,
	}

	switch ev.Kind {
	case proc.EventStarted:
		change.Status = "running"
		return change, true

	case proc.EventExited:
		switch {
		case ev.ExitCode == nil:
			// The process never started.
			change.Status = "failed"
			change.ErrorMessage = strPtr(ev.Cause)
		case *ev.ExitCode == 0:
			change.Status = "succeeded"
			change.ExitCode = ev.ExitCode
		default:
			change.Status = "failed"
			change.ExitCode = ev.ExitCode
			change.ErrorMessage = strPtr(fmt.Sprintf("exit code %d", *ev.ExitCode))
		}

	case proc.EventTimeout:
		change.Status = "timeout"
		change.ExitCode = ev.ExitCode
		change.ErrorMessage = strPtr(ev.Cause)

	case proc.EventKilled:
		change.Status = "killed"
		change.ExitCode = ev.ExitCode
		change.ErrorMessage = strPtr(ev.Cause)

	case proc.EventResourceViolation, proc.EventZombie:
		change.Status = "failed"
		change.ExitCode = ev.ExitCode
		change.ErrorMessage = strPtr(ev.Cause)

	default:
		return protocol.TaskInstanceChangedPayload{}, false
	}

	change.Output = ev.Output
	if ev.Metrics != nil {
		change.Metrics = &protocol.MetricsPayload{
			PeakMemoryBytes: ev.Metrics.PeakMemoryBytes,
			CPUPercent:      ev.Metrics.CPUPercent,
			DurationMs:      ev.Metrics.Duration.Milliseconds(),
		}
	}
	return change, true
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// eventRunner consumes process events and reports each transition to
// the server. It is the only path from process state to server state.
func (a *Agent) eventRunner(ctx context.Context) {
	sub := a.procs.Subscribe()
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			a.handleProcessEvent(ev)
		}
	}
}

func (a *Agent) handleProcessEvent(ev proc.Event) {
	change, ok := taskChange(a.agentID, ev)
	if !ok {
		a.logger.Warn().
			Str("kind", string(ev.Kind)).
			Str("instance_id", ev.InstanceID.String()).
			Msg("Dropping unmapped process event")
		return
	}

	if change.Status != "running" {
		// Terminal transition, settle the journal first so a crash
		// between report and write cannot resurrect the task.
		if err := a.journal.SetStatus(ev.InstanceID, change.Status); err != nil {
			a.logger.Error().Err(err).
				Str("instance_id", ev.InstanceID.String()).
				Msg("Failed to journal terminal status")
		}
		a.seqs.forget(ev.InstanceID)
	} else if err := a.journal.SetStatus(ev.InstanceID, journalRunning); err != nil {
		a.logger.Error().Err(err).
			Str("instance_id", ev.InstanceID.String()).
			Msg("Failed to journal running status")
	}

	if err := a.conn.SendEvent(protocol.EventTaskInstanceChanged, change); err != nil {
		// The server requeues tasks from agents that go quiet, so a
		// report lost to a dead connection is recovered upstream.
		if errors.Is(err, ErrDisconnected) {
			a.logger.Warn().
				Str("instance_id", ev.InstanceID.String()).
				Str("status", change.Status).
				Msg("Task state report lost while disconnected")
			return
		}
		a.logger.Error().Err(err).
			Str("instance_id", ev.InstanceID.String()).
			Msg("Failed to report task state")
	}
}

// logSequencer hands out per-instance sequence numbers for streamed log
// chunks so the server can order them.
type logSequencer struct {
	mu   sync.Mutex
	next map[uuid.UUID]int64
}

func newLogSequencer() *logSequencer {
	return &logSequencer{next: make(map[uuid.UUID]int64)}
}

func (s *logSequencer) nextSeq(id uuid.UUID) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.next[id]
	s.next[id] = n + 1
	return n
}

func (s *logSequencer) forget(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.next, id)
}

// forwardTaskLog ships one captured output chunk upstream. It is
// installed as the process manager's log forwarder and must not block.
func (a *Agent) forwardTaskLog(instanceID uuid.UUID, stream string, chunk []byte) {
	payload := protocol.LogMessagePayload{
		InstanceID: instanceID,
		AgentID:    a.agentID,
		Sequence:   a.seqs.nextSeq(instanceID),
		Stream:     stream,
		Data:       string(chunk),
	}
	if err := a.conn.SendEvent(protocol.EventLogMessage, payload); err != nil {
		if errors.Is(err, ErrDisconnected) {
			return
		}
		a.logger.Debug().Err(err).
			Str("instance_id", instanceID.String()).
			Msg("Failed to forward log chunk")
	}
}
