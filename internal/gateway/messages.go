package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dispatchd/dispatchd/internal/database"
	"github.com/dispatchd/dispatchd/internal/protocol"
)

// dbTimeout bounds repository calls made from connection pumps.
const dbTimeout = 5 * time.Second

// MessageHandler classifies inbound agent frames, drives the registration
// handshake, and republishes everything else as typed events on the broker.
// Business logic lives in the broker's subscribers, not here.
type MessageHandler struct {
	agents   database.AgentRepository
	registry *Registry
	broker   *Broker
	logger   zerolog.Logger
}

// NewMessageHandler creates a handler wired to the given registry and broker.
func NewMessageHandler(agents database.AgentRepository, registry *Registry, broker *Broker, logger zerolog.Logger) *MessageHandler {
	return &MessageHandler{
		agents:   agents,
		registry: registry,
		broker:   broker,
		logger:   logger.With().Str("component", "agent_messages").Logger(),
	}
}

// HandleInbound processes one frame from an agent connection.
func (h *MessageHandler) HandleInbound(conn *Connection, data []byte) {
	ev, err := protocol.ParseEvent(data)
	if err != nil {
		h.logger.Warn().Err(err).Str("conn_id", conn.ID()).Msg("dropping malformed event")
		return
	}

	if ev.Kind == protocol.EventRegisterAgent {
		h.handleRegister(conn, ev)
		return
	}

	agentID := conn.AgentID()
	if agentID == uuid.Nil {
		h.logger.Warn().
			Str("conn_id", conn.ID()).
			Str("kind", string(ev.Kind)).
			Msg("dropping event from unregistered connection")
		return
	}

	switch ev.Kind {
	case protocol.EventHeartbeat:
		h.handleHeartbeat(conn, agentID, ev)
	case protocol.EventAcquireTask:
		h.handleAcquire(conn, agentID, ev)
	case protocol.EventTaskInstanceChanged:
		h.handleTaskChange(conn, agentID, ev)
	case protocol.EventLogMessage:
		h.handleLog(conn, agentID, ev)
	default:
		h.logger.Warn().Str("kind", string(ev.Kind)).Msg("unhandled event kind")
	}
}

// handleRegister runs the registration handshake. A business rejection is an
// AgentRegistered reply with success=false followed by teardown, not an error.
func (h *MessageHandler) handleRegister(conn *Connection, ev *protocol.EventMessage) {
	var payload protocol.RegisterAgentPayload
	if err := ev.DecodePayload(&payload); err != nil {
		h.reject(conn, fmt.Sprintf("invalid register payload: %v", err))
		return
	}

	if err := validateRegistration(&payload); err != nil {
		h.reject(conn, err.Error())
		return
	}

	h.broker.Publish(AgentEvent{
		Kind:     AgentConnected,
		AgentID:  payload.AgentID,
		Register: &payload,
	})

	address := payload.Address
	if address == "" {
		address = conn.RemoteAddr()
	}

	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()

	err := h.agents.Upsert(ctx, &database.Agent{
		ID:             payload.AgentID,
		Name:           payload.Name,
		Address:        address,
		Labels:         payload.Labels,
		MaxConcurrency: payload.MaxConcurrency,
		Status:         database.AgentStatusRegistered,
	})
	if err != nil {
		reason := "registration failed"
		if database.IsDuplicate(err) {
			reason = fmt.Sprintf("agent name %q is registered under another id", payload.Name)
		} else {
			h.logger.Error().Err(err).Str("agent_name", payload.Name).Msg("agent upsert failed")
		}
		h.reject(conn, reason)
		return
	}

	conn.setAgentID(payload.AgentID)
	h.registry.AddConnection(payload.AgentID, conn)

	h.broker.Publish(AgentEvent{
		Kind:     AgentRegistered,
		AgentID:  payload.AgentID,
		Register: &payload,
	})

	h.reply(conn, protocol.CommandAgentRegistered, protocol.AgentRegisteredPayload{Success: true})

	h.logger.Info().
		Str("agent_id", payload.AgentID.String()).
		Str("agent_name", payload.Name).
		Int("max_concurrency", payload.MaxConcurrency).
		Msg("agent registered")
}

func (h *MessageHandler) handleHeartbeat(conn *Connection, agentID uuid.UUID, ev *protocol.EventMessage) {
	var payload protocol.HeartbeatPayload
	if err := ev.DecodePayload(&payload); err != nil {
		h.logger.Warn().Err(err).Str("agent_id", agentID.String()).Msg("invalid heartbeat payload")
		return
	}
	if payload.AgentID != agentID {
		h.logger.Warn().
			Str("agent_id", agentID.String()).
			Str("payload_agent_id", payload.AgentID.String()).
			Msg("heartbeat agent id mismatch, dropping")
		return
	}

	// Heartbeats are stamped at receipt so agent clock skew cannot push
	// the recorded time backwards or into the future.
	at := time.Now()
	h.registry.UpdateHeartbeat(agentID, at)

	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()
	if err := h.agents.UpdateHeartbeat(ctx, agentID, at, database.AgentStatusRegistered); err != nil {
		h.logger.Warn().Err(err).Str("agent_id", agentID.String()).Msg("heartbeat persist failed")
	}

	h.broker.Publish(AgentEvent{
		Kind:      AgentHeartbeat,
		AgentID:   agentID,
		At:        at,
		Heartbeat: &payload,
	})
}

func (h *MessageHandler) handleAcquire(conn *Connection, agentID uuid.UUID, ev *protocol.EventMessage) {
	var payload protocol.AcquireTaskPayload
	if err := ev.DecodePayload(&payload); err != nil {
		h.logger.Warn().Err(err).Str("agent_id", agentID.String()).Msg("invalid acquire payload")
		return
	}
	if payload.AgentID != agentID {
		h.logger.Warn().Str("agent_id", agentID.String()).Msg("acquire agent id mismatch, dropping")
		return
	}
	if payload.AcquireCount <= 0 {
		return
	}

	h.broker.Publish(AgentEvent{
		Kind:    TaskAcquireRequested,
		AgentID: agentID,
		At:      ev.Time(),
		Acquire: &payload,
	})
}

func (h *MessageHandler) handleTaskChange(conn *Connection, agentID uuid.UUID, ev *protocol.EventMessage) {
	var payload protocol.TaskInstanceChangedPayload
	if err := ev.DecodePayload(&payload); err != nil {
		h.logger.Warn().Err(err).Str("agent_id", agentID.String()).Msg("invalid task change payload")
		return
	}

	h.broker.Publish(AgentEvent{
		Kind:       TaskInstanceChanged,
		AgentID:    agentID,
		At:         ev.Time(),
		TaskChange: &payload,
	})
}

func (h *MessageHandler) handleLog(conn *Connection, agentID uuid.UUID, ev *protocol.EventMessage) {
	var payload protocol.LogMessagePayload
	if err := ev.DecodePayload(&payload); err != nil {
		h.logger.Warn().Err(err).Str("agent_id", agentID.String()).Msg("invalid log payload")
		return
	}

	h.broker.Publish(AgentEvent{
		Kind:    TaskLog,
		AgentID: agentID,
		At:      ev.Time(),
		Log:     &payload,
	})
}

// HandleDisconnect tears down a connection when its read pump exits. Only the
// connection currently mapped for the agent flips the stored status; a
// replaced connection going away must not mark its successor disconnected.
func (h *MessageHandler) HandleDisconnect(conn *Connection) {
	conn.Close()

	agentID := conn.AgentID()
	if agentID == uuid.Nil {
		h.logger.Debug().Str("conn_id", conn.ID()).Msg("unregistered connection dropped")
		return
	}

	if !h.registry.RemoveConnection(agentID, conn) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), dbTimeout)
	defer cancel()
	if err := h.agents.SetStatus(ctx, agentID, database.AgentStatusDisconnected); err != nil {
		h.logger.Warn().Err(err).Str("agent_id", agentID.String()).Msg("disconnect status persist failed")
	}

	h.logger.Info().Str("agent_id", agentID.String()).Msg("agent disconnected")
}

func (h *MessageHandler) reject(conn *Connection, reason string) {
	h.reply(conn, protocol.CommandAgentRegistered, protocol.AgentRegisteredPayload{
		Success: false,
		Reason:  reason,
	})
	h.logger.Warn().Str("conn_id", conn.ID()).Str("reason", reason).Msg("agent registration rejected")
	conn.Close()
}

func (h *MessageHandler) reply(conn *Connection, kind protocol.CommandKind, payload any) {
	cmd, err := protocol.NewCommand(kind, payload)
	if err != nil {
		h.logger.Error().Err(err).Str("kind", string(kind)).Msg("failed to build command")
		return
	}
	conn.SendCommand(cmd)
}

func validateRegistration(p *protocol.RegisterAgentPayload) error {
	if p.AgentID == uuid.Nil {
		return fmt.Errorf("agent_id is required")
	}
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	if p.MaxConcurrency <= 0 {
		return fmt.Errorf("max_concurrency must be positive")
	}
	return nil
}
