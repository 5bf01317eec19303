package gateway

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/dispatchd/dispatchd/internal/protocol"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod is the period at which pings are sent. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize is the maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB

	// sendBufferSize is the buffer size for the send channel.
	sendBufferSize = 256
)

// Connection wraps one agent websocket with read/write pumps. The agent id
// stays zero until the registration event identifies the peer.
type Connection struct {
	// id is a unique identifier for this connection
	id string

	// handler classifies inbound frames and owns teardown
	handler *MessageHandler

	// conn is the underlying websocket connection
	conn *websocket.Conn

	// send is the buffered channel for outbound frames
	send chan []byte

	// remoteAddr is the peer address recorded at upgrade time
	remoteAddr string

	// mu protects connection state
	mu sync.RWMutex

	// agentID is set once the peer registers
	agentID uuid.UUID

	// closed indicates if the connection is closed
	closed bool

	// logger for this connection
	logger zerolog.Logger

	// connectedAt is when the connection was established
	connectedAt time.Time

	// lastActivity is the time of the last activity on this connection
	lastActivity time.Time
}

// NewConnection creates a connection wrapper around an upgraded websocket.
func NewConnection(ws *websocket.Conn, handler *MessageHandler, remoteAddr string, logger zerolog.Logger) *Connection {
	now := time.Now()
	c := &Connection{
		id:           uuid.New().String(),
		handler:      handler,
		conn:         ws,
		send:         make(chan []byte, sendBufferSize),
		remoteAddr:   remoteAddr,
		connectedAt:  now,
		lastActivity: now,
	}
	c.logger = logger.With().Str("component", "agent_conn").Str("conn_id", c.id).Logger()
	return c
}

// ID returns the connection's unique identifier.
func (c *Connection) ID() string {
	return c.id
}

// AgentID returns the registered agent id, or uuid.Nil before registration.
func (c *Connection) AgentID() uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.agentID
}

// RemoteAddr returns the peer address recorded at upgrade time.
func (c *Connection) RemoteAddr() string {
	return c.remoteAddr
}

// ConnectedAt returns when the connection was established.
func (c *Connection) ConnectedAt() time.Time {
	return c.connectedAt
}

// LastActivity returns the time of the last inbound frame or pong.
func (c *Connection) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

// IsClosed returns true if the connection is closed.
func (c *Connection) IsClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// setAgentID binds the registered identity to this connection.
func (c *Connection) setAgentID(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agentID = id
	c.logger = c.logger.With().Str("agent_id", id.String()).Logger()
}

func (c *Connection) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// SendCommand queues a command for delivery. Returns false if the
// connection is closed or the peer is too slow to drain its buffer.
func (c *Connection) SendCommand(cmd *protocol.CommandMessage) bool {
	data, err := cmd.Bytes()
	if err != nil {
		c.logger.Error().Err(err).Str("kind", string(cmd.Kind)).Msg("failed to encode command")
		return false
	}
	return c.sendRaw(data)
}

func (c *Connection) sendRaw(data []byte) bool {
	// The channel send stays under the lock so Close cannot close the
	// channel between the closed check and the send.
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return false
	}

	select {
	case c.send <- data:
		return true
	default:
		// Buffer full, connection is too slow
		c.logger.Warn().Msg("send buffer full, dropping command")
		return false
	}
}

// Close closes the connection. Safe to call more than once.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	close(c.send)
	c.conn.Close()

	c.logger.Debug().Msg("connection closed")
}

// ReadPump pumps inbound frames to the message handler. It runs in its own
// goroutine; returning tears the connection down.
func (c *Connection) ReadPump() {
	defer func() {
		c.handler.HandleDisconnect(c)
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.touch()
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("unexpected close error")
			}
			break
		}

		c.touch()
		c.handler.HandleInbound(c, message)
	}
}

// WritePump pumps queued frames to the websocket and keeps the peer alive
// with pings. It runs in its own goroutine.
func (c *Connection) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Close drained the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
