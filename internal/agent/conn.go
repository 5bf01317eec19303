package agent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dispatchd/dispatchd/internal/protocol"
)

// ErrDisconnected is returned by SendEvent while no connection is live.
var ErrDisconnected = errors.New("agent not connected")

// ErrRegistrationRejected marks a registration the server refused. It is
// fatal to the agent process; the supervisor decides whether to retry.
var ErrRegistrationRejected = errors.New("registration rejected")

const (
	// connWriteWait bounds a single frame write.
	connWriteWait = 10 * time.Second
	// connReadWait is reset on every server ping. The server pings well
	// inside this window, so an idle expiry means the link is dead.
	connReadWait = 90 * time.Second
	// connHandshakeTimeout bounds the websocket dial.
	connHandshakeTimeout = 30 * time.Second
	// connMaxMessage caps inbound frame size.
	connMaxMessage = 1 << 20
	// commandBuffer is each subscriber's channel depth before drop-oldest.
	commandBuffer = 16
)

// sender serializes writes to one websocket. gorilla allows a single
// concurrent writer; every component that reports upstream goes through
// the current sender.
type sender struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (s *sender) send(msg any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_ = s.ws.SetWriteDeadline(time.Now().Add(connWriteWait))
	return s.ws.WriteJSON(msg)
}

func (s *sender) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	_ = s.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	_ = s.ws.Close()
}

// CommandSub is one consumer's view of the inbound command stream.
// A subscriber that falls behind loses its oldest buffered commands.
type CommandSub struct {
	id     uint64
	ch     chan *protocol.CommandMessage
	lagged atomic.Uint64
	conn   *Conn
	once   sync.Once
}

// Commands returns the receive channel for this subscription.
func (s *CommandSub) Commands() <-chan *protocol.CommandMessage {
	return s.ch
}

// Lagged returns how many commands this subscriber has lost to overflow.
func (s *CommandSub) Lagged() uint64 {
	return s.lagged.Load()
}

// Close detaches the subscription and closes its channel.
func (s *CommandSub) Close() {
	s.once.Do(func() {
		s.conn.removeSub(s.id)
	})
}

// Conn manages the agent's single logical connection to the server.
// Dial replaces the active sender atomically; components keep calling
// SendEvent across reconnects and see ErrDisconnected in the gaps.
type Conn struct {
	cfg     *Config
	agentID uuid.UUID
	logger  zerolog.Logger
	meta    map[string]string

	current atomic.Pointer[sender]

	subMu  sync.Mutex
	subs   map[uint64]*CommandSub
	nextID uint64

	backoffMu        sync.Mutex
	reconnectAttempt int
}

// NewConn creates a connection manager. Nothing is dialed until Dial.
func NewConn(cfg *Config, agentID uuid.UUID, logger zerolog.Logger) *Conn {
	return &Conn{
		cfg:     cfg,
		agentID: agentID,
		logger:  logger.With().Str("component", "conn").Logger(),
		meta:    map[string]string{"agent_id": agentID.String()},
		subs:    make(map[uint64]*CommandSub),
	}
}

// Dial establishes a fresh websocket connection and installs it as the
// active sender. The previous sender, if any, is closed.
func (c *Conn) Dial(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: connHandshakeTimeout}

	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	c.logger.Debug().Str("url", c.cfg.ServerURL).Msg("Connecting to server")

	ws, resp, err := dialer.DialContext(ctx, c.cfg.ServerURL, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to connect: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("failed to connect: %w", err)
	}

	ws.SetReadLimit(connMaxMessage)
	_ = ws.SetReadDeadline(time.Now().Add(connReadWait))
	ws.SetPingHandler(func(appData string) error {
		_ = ws.SetReadDeadline(time.Now().Add(connReadWait))
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(connWriteWait))
	})

	if prev := c.current.Swap(&sender{ws: ws}); prev != nil {
		prev.close()
	}

	c.logger.Info().Msg("Connected to server")
	return nil
}

// Run reads inbound commands from the active connection and fans them
// out to subscribers. It returns when the connection dies or ctx is
// cancelled; the caller owns reconnection.
func (c *Conn) Run(ctx context.Context) error {
	s := c.current.Load()
	if s == nil {
		return ErrDisconnected
	}
	ws := s.ws

	readDone := make(chan struct{})
	defer close(readDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.Close()
		case <-readDone:
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("connection closed: %w", err)
		}

		cmd, err := protocol.ParseCommand(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Dropping malformed command")
			continue
		}
		c.publish(cmd)
	}
}

// SendEvent wraps the payload in an event envelope and writes it on the
// active connection.
func (c *Conn) SendEvent(kind protocol.EventKind, payload any) error {
	s := c.current.Load()
	if s == nil {
		return ErrDisconnected
	}

	ev, err := protocol.NewEvent(kind, payload, c.meta)
	if err != nil {
		return err
	}
	if err := s.send(ev); err != nil {
		return fmt.Errorf("failed to send %s: %w", kind, err)
	}
	return nil
}

// Subscribe registers a new consumer for inbound commands.
func (c *Conn) Subscribe() *CommandSub {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.nextID++
	sub := &CommandSub{
		id:   c.nextID,
		ch:   make(chan *protocol.CommandMessage, commandBuffer),
		conn: c,
	}
	c.subs[sub.id] = sub
	return sub
}

func (c *Conn) publish(cmd *protocol.CommandMessage) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	for _, sub := range c.subs {
		sent := false
		for !sent {
			select {
			case sub.ch <- cmd:
				sent = true
			default:
				select {
				case <-sub.ch:
					sub.lagged.Add(1)
				default:
				}
			}
		}
	}
}

func (c *Conn) removeSub(id uint64) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	if sub, ok := c.subs[id]; ok {
		delete(c.subs, id)
		close(sub.ch)
	}
}

// Close tears down the active connection.
func (c *Conn) Close() {
	if prev := c.current.Swap(nil); prev != nil {
		prev.close()
	}
}

// NextReconnectInterval returns the next reconnection interval using
// exponential backoff with jitter.
func (c *Conn) NextReconnectInterval() time.Duration {
	c.backoffMu.Lock()
	defer c.backoffMu.Unlock()

	c.reconnectAttempt++

	baseInterval := float64(c.cfg.ReconnectMinInterval)
	maxInterval := float64(c.cfg.ReconnectMaxInterval)

	interval := baseInterval * math.Pow(2, float64(c.reconnectAttempt-1))
	if interval > maxInterval {
		interval = maxInterval
	}

	// ±10% jitter
	jitter := interval * 0.1
	interval = interval - jitter + (jitter * 2 * float64(time.Now().UnixNano()%100) / 100)

	return time.Duration(interval)
}

// ResetReconnectInterval resets the reconnection attempt counter.
func (c *Conn) ResetReconnectInterval() {
	c.backoffMu.Lock()
	defer c.backoffMu.Unlock()
	c.reconnectAttempt = 0
}
