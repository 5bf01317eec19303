// Package protocol defines the JSON wire protocol spoken between the
// dispatchd control plane and its agents. Commands travel server to agent,
// events travel agent to server; both ride a websocket as single JSON
// frames.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CommandKind defines the type of a server-to-agent command.
type CommandKind string

const (
	// CommandAgentRegistered acknowledges (or rejects) a registration.
	CommandAgentRegistered CommandKind = "agent_registered"
	// CommandTaskAcquired delivers the tasks bound to the agent by a
	// preceding acquire request.
	CommandTaskAcquired CommandKind = "task_acquired"
	// CommandCancelTask orders the agent to stop a running task.
	CommandCancelTask CommandKind = "cancel_task"
)

// Valid reports whether k is a known command kind.
func (k CommandKind) Valid() bool {
	switch k {
	case CommandAgentRegistered, CommandTaskAcquired, CommandCancelTask:
		return true
	}
	return false
}

// EventKind defines the type of an agent-to-server event.
type EventKind string

const (
	// EventRegisterAgent announces an agent and its capabilities.
	EventRegisterAgent EventKind = "register_agent"
	// EventHeartbeat is the periodic liveness signal.
	EventHeartbeat EventKind = "heartbeat"
	// EventAcquireTask asks the server for runnable work.
	EventAcquireTask EventKind = "acquire_task"
	// EventTaskInstanceChanged reports a task status transition.
	EventTaskInstanceChanged EventKind = "task_instance_changed"
	// EventLogMessage streams a chunk of captured task output.
	EventLogMessage EventKind = "log_message"
)

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	switch k {
	case EventRegisterAgent, EventHeartbeat, EventAcquireTask,
		EventTaskInstanceChanged, EventLogMessage:
		return true
	}
	return false
}

// CommandMessage is the server-to-agent envelope. Envelopes are not reused:
// a retry builds a fresh one with a new id.
type CommandMessage struct {
	// ID is a time-ordered unique message identifier.
	ID uuid.UUID `json:"id"`
	// Timestamp is the creation time in epoch milliseconds.
	Timestamp int64 `json:"timestamp"`
	// Kind is the command type.
	Kind CommandKind `json:"kind"`
	// Payload contains the kind-specific body.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// EventMessage is the agent-to-server envelope.
type EventMessage struct {
	// ID is a time-ordered unique message identifier.
	ID uuid.UUID `json:"id"`
	// Timestamp is the creation time in epoch milliseconds.
	Timestamp int64 `json:"timestamp"`
	// Kind is the event type.
	Kind EventKind `json:"kind"`
	// Payload contains the kind-specific body.
	Payload json.RawMessage `json:"payload,omitempty"`
	// Metadata carries transport-level context such as the sender id.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewCommand creates a command envelope with the given kind and payload.
func NewCommand(kind CommandKind, payload interface{}) (*CommandMessage, error) {
	body, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &CommandMessage{
		ID:        newMessageID(),
		Timestamp: time.Now().UnixMilli(),
		Kind:      kind,
		Payload:   body,
	}, nil
}

// NewEvent creates an event envelope with the given kind, payload and
// metadata.
func NewEvent(kind EventKind, payload interface{}, metadata map[string]string) (*EventMessage, error) {
	body, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &EventMessage{
		ID:        newMessageID(),
		Timestamp: time.Now().UnixMilli(),
		Kind:      kind,
		Payload:   body,
		Metadata:  metadata,
	}, nil
}

func marshalPayload(payload interface{}) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return body, nil
}

// newMessageID returns a UUIDv7 so envelope ids sort by creation time.
func newMessageID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 fails only when the random source does; a v4 id loses
		// time ordering but keeps uniqueness.
		return uuid.New()
	}
	return id
}

// Bytes serializes the command to JSON.
func (m *CommandMessage) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// Time returns the envelope timestamp as a time.Time.
func (m *CommandMessage) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// DecodePayload unmarshals the command payload into v.
func (m *CommandMessage) DecodePayload(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("command %s has no payload", m.Kind)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Kind, err)
	}
	return nil
}

// Bytes serializes the event to JSON.
func (m *EventMessage) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// Time returns the envelope timestamp as a time.Time.
func (m *EventMessage) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

// DecodePayload unmarshals the event payload into v.
func (m *EventMessage) DecodePayload(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("event %s has no payload", m.Kind)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", m.Kind, err)
	}
	return nil
}

// ParseCommand deserializes a command envelope from JSON.
func ParseCommand(data []byte) (*CommandMessage, error) {
	var msg CommandMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse command: %w", err)
	}
	if !msg.Kind.Valid() {
		return nil, fmt.Errorf("unknown command kind %q", msg.Kind)
	}
	return &msg, nil
}

// ParseEvent deserializes an event envelope from JSON.
func ParseEvent(data []byte) (*EventMessage, error) {
	var msg EventMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse event: %w", err)
	}
	if !msg.Kind.Valid() {
		return nil, fmt.Errorf("unknown event kind %q", msg.Kind)
	}
	return &msg, nil
}
