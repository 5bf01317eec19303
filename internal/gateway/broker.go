package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dispatchd/dispatchd/internal/protocol"
)

// AgentEventKind classifies a republished agent event.
type AgentEventKind string

const (
	// AgentConnected fires when a registering agent's transport attaches.
	AgentConnected AgentEventKind = "connected"
	// AgentRegistered fires after the agent row is upserted.
	AgentRegistered AgentEventKind = "registered"
	// AgentUnregistered fires when a connection goes away, including the
	// synthetic event for an unclean drop.
	AgentUnregistered AgentEventKind = "unregistered"
	// AgentHeartbeat carries a liveness signal.
	AgentHeartbeat AgentEventKind = "heartbeat"
	// TaskAcquireRequested asks dispatch for runnable work.
	TaskAcquireRequested AgentEventKind = "task_acquire_requested"
	// TaskInstanceChanged reports a task status transition.
	TaskInstanceChanged AgentEventKind = "task_instance_changed"
	// TaskLog carries a chunk of streamed task output.
	TaskLog AgentEventKind = "task_log"
)

// AgentEvent is the typed form of an inbound agent message, decoupled from
// transport framing. Exactly one payload pointer is set, matching Kind.
type AgentEvent struct {
	Kind    AgentEventKind
	AgentID uuid.UUID
	At      time.Time

	Register   *protocol.RegisterAgentPayload
	Heartbeat  *protocol.HeartbeatPayload
	Acquire    *protocol.AcquireTaskPayload
	TaskChange *protocol.TaskInstanceChangedPayload
	Log        *protocol.LogMessagePayload
}

// Subscription is one consumer's view of the event stream. Events arrive
// from the point of subscription onward; when the consumer lags behind the
// buffer, the oldest events are dropped and the lag counter advances.
// Consumers must tolerate gaps.
type Subscription struct {
	id     uint64
	ch     chan AgentEvent
	lagged atomic.Uint64
	broker *Broker
	once   sync.Once
}

// Events returns the receive channel for this subscription.
func (s *Subscription) Events() <-chan AgentEvent {
	return s.ch
}

// Lagged returns how many events this subscriber has lost to overflow.
func (s *Subscription) Lagged() uint64 {
	return s.lagged.Load()
}

// Close detaches the subscription. The channel is closed once no publish
// can race with it.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.broker.remove(s.id)
	})
}

// Broker fans agent events out to subscribers.
type Broker struct {
	logger  zerolog.Logger
	bufSize int

	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
}

// DefaultBrokerBuffer is the per-subscriber buffer before drop-oldest kicks in.
const DefaultBrokerBuffer = 64

// NewBroker creates an event broker with the given per-subscriber buffer.
func NewBroker(bufSize int, logger zerolog.Logger) *Broker {
	if bufSize <= 0 {
		bufSize = DefaultBrokerBuffer
	}
	return &Broker{
		logger:  logger.With().Str("component", "agent_event_broker").Logger(),
		bufSize: bufSize,
		subs:    make(map[uint64]*Subscription),
	}
}

// Subscribe attaches a new consumer receiving every event published from
// this point onward.
func (b *Broker) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		ch:     make(chan AgentEvent, b.bufSize),
		broker: b,
	}
	b.subs[sub.id] = sub
	return sub
}

// Publish delivers an event to every subscriber without ever blocking the
// caller. A full subscriber loses its oldest buffered event instead.
func (b *Broker) Publish(ev AgentEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
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

// SubscriberCount returns the number of attached subscriptions.
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broker) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}
