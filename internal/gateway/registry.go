package gateway

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dispatchd/dispatchd/internal/protocol"
)

// ErrConnectionNotFound is returned when no live connection exists for an agent.
var ErrConnectionNotFound = errors.New("agent connection not found")

// Registry tracks the live websocket connection for each registered agent.
// At most one connection per agent id; a newer registration replaces the old.
type Registry struct {
	logger zerolog.Logger
	broker *Broker

	mu         sync.RWMutex
	conns      map[uuid.UUID]*Connection
	heartbeats map[uuid.UUID]time.Time
}

// NewRegistry creates an empty connection registry.
func NewRegistry(broker *Broker, logger zerolog.Logger) *Registry {
	return &Registry{
		logger:     logger.With().Str("component", "agent_registry").Logger(),
		broker:     broker,
		conns:      make(map[uuid.UUID]*Connection),
		heartbeats: make(map[uuid.UUID]time.Time),
	}
}

// AddConnection binds a connection to an agent id. The last writer wins: an
// existing connection for the same agent is closed and replaced.
func (r *Registry) AddConnection(agentID uuid.UUID, conn *Connection) {
	r.mu.Lock()
	prev := r.conns[agentID]
	r.conns[agentID] = conn
	r.heartbeats[agentID] = time.Now()
	r.mu.Unlock()

	if prev != nil && prev != conn {
		r.logger.Warn().
			Str("agent_id", agentID.String()).
			Str("old_conn_id", prev.ID()).
			Str("new_conn_id", conn.ID()).
			Msg("replacing existing agent connection")
		prev.Close()
	}

	r.logger.Info().
		Str("agent_id", agentID.String()).
		Str("conn_id", conn.ID()).
		Str("remote_addr", conn.RemoteAddr()).
		Msg("agent connection registered")
}

// RemoveConnection drops the mapping for an agent, but only if it still
// points at the given connection. A replaced connection disconnecting later
// must not evict its successor. Returns true if the mapping was removed.
func (r *Registry) RemoveConnection(agentID uuid.UUID, conn *Connection) bool {
	r.mu.Lock()
	current, ok := r.conns[agentID]
	if !ok || current != conn {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, agentID)
	delete(r.heartbeats, agentID)
	r.mu.Unlock()

	r.logger.Info().
		Str("agent_id", agentID.String()).
		Str("conn_id", conn.ID()).
		Msg("agent connection removed")

	r.broker.Publish(AgentEvent{
		Kind:    AgentUnregistered,
		AgentID: agentID,
	})
	return true
}

// UpdateHeartbeat records a heartbeat time for an agent. Heartbeats are
// monotonic: a timestamp older than the recorded one is ignored. Returns
// false when the agent has no live connection.
func (r *Registry) UpdateHeartbeat(agentID uuid.UUID, at time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[agentID]; !ok {
		return false
	}
	if last, ok := r.heartbeats[agentID]; ok && at.Before(last) {
		return true
	}
	r.heartbeats[agentID] = at
	return true
}

// LastHeartbeat returns the most recent heartbeat time for an agent.
func (r *Registry) LastHeartbeat(agentID uuid.UUID) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	at, ok := r.heartbeats[agentID]
	return at, ok
}

// SendCommand delivers a command to one agent.
func (r *Registry) SendCommand(agentID uuid.UUID, cmd *protocol.CommandMessage) error {
	r.mu.RLock()
	conn, ok := r.conns[agentID]
	r.mu.RUnlock()

	if !ok {
		return ErrConnectionNotFound
	}
	if !conn.SendCommand(cmd) {
		return errors.New("agent connection not accepting commands")
	}
	return nil
}

// Broadcast sends a command to every connected agent. Returns the number of
// agents the command was queued for.
func (r *Registry) Broadcast(cmd *protocol.CommandMessage) int {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	sent := 0
	for _, conn := range conns {
		if conn.SendCommand(cmd) {
			sent++
		}
	}
	return sent
}

// ListOnline returns the ids of all agents with a live connection.
func (r *Registry) ListOnline() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]uuid.UUID, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// OnlineCount returns the number of agents with a live connection.
func (r *Registry) OnlineCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// IsOnline reports whether an agent has a live connection.
func (r *Registry) IsOnline(agentID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[agentID]
	return ok
}

// CloseAll tears down every connection, used during shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.conns = make(map[uuid.UUID]*Connection)
	r.heartbeats = make(map[uuid.UUID]time.Time)
	r.mu.Unlock()

	for _, conn := range conns {
		conn.Close()
	}
	r.logger.Info().Int("count", len(conns)).Msg("closed all agent connections")
}
