package agent

import (
	"context"
	"errors"
	"time"

	"github.com/dispatchd/dispatchd/internal/protocol"
)

// pollLoop asks the server for work on a fixed cadence. Dispatch is
// pull-based; the server hands out tasks only in response to these
// requests.
func (a *Agent) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.pollOnce()
		}
	}
}

func (a *Agent) pollOnce() {
	payload := a.acquirePayload(time.Now())
	if payload == nil {
		return
	}

	if err := a.conn.SendEvent(protocol.EventAcquireTask, payload); err != nil {
		if errors.Is(err, ErrDisconnected) {
			return
		}
		a.logger.Debug().Err(err).Msg("Failed to request work")
	}
}

// acquirePayload builds the next work request, or nil when the agent
// should not ask for anything.
func (a *Agent) acquirePayload(now time.Time) *protocol.AcquireTaskPayload {
	if !a.monitor.CanAcceptWork() {
		return nil
	}

	// Tasks already committed but not yet running claim slots too:
	// everything held by a timer is due within one poll horizon.
	pending := a.queue.len() + a.timers.Len()
	spare := a.procs.AvailableCapacity() - pending
	if spare <= 0 {
		return nil
	}

	return &protocol.AcquireTaskPayload{
		AgentID:        a.agentID,
		MaxTasks:       a.cfg.MaxConcurrency,
		AcquireCount:   spare,
		Labels:         a.cfg.Labels,
		MaxScheduledAt: now.Add(a.cfg.PollInterval),
	}
}

// heartbeatLoop reports liveness and capacity. The server marks agents
// stale and requeues their work when heartbeats stop arriving.
func (a *Agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload := protocol.HeartbeatPayload{
				AgentID:           a.agentID,
				RunningTasks:      a.procs.Active(),
				AvailableCapacity: a.procs.AvailableCapacity(),
			}
			if err := a.conn.SendEvent(protocol.EventHeartbeat, payload); err != nil {
				if errors.Is(err, ErrDisconnected) {
					continue
				}
				a.logger.Debug().Err(err).Msg("Failed to send heartbeat")
			}
		}
	}
}

// resourceMonitorLoop keeps the host usage snapshot fresh for the poll
// gate.
func (a *Agent) resourceMonitorLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.ResourceCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.monitor.Update()
		}
	}
}
