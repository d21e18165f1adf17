package statusws

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait is the maximum time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long the server waits for a pong reply after sending
	// a ping. The connection is closed if no pong arrives in time.
	pongWait = 60 * time.Second

	// pingPeriod is how often the server sends a ping frame to the client.
	// Must be less than pongWait so the client has time to reply.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds inbound frames. Subscribers only send
	// close/pong frames, so a small limit is sufficient.
	maxMessageSize = 512

	// sendBufferSize is the capacity of the per-subscriber event channel.
	// If the buffer fills up the subscriber is shed by PublishAgentStatus.
	sendBufferSize = 32
)

// Client is one connected status subscriber. Each client runs two
// goroutines: readPump (detects disconnection, handles pong frames) and
// writePump (serialises events onto the wire and keeps pings going).
//
// The send channel is the handoff point between PublishAgentStatus and the
// writePump. It is never closed: the hub closes done instead when the
// client is unregistered, so a publisher that raced with teardown sends
// into a buffer nobody drains rather than panicking on a closed channel.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan Update
	done chan struct{}

	// userID is the authenticated owner of this subscription.
	userID uuid.UUID

	// agentMu guards agents, which is replaced wholesale when the user's
	// connections change while the subscription is live.
	agentMu sync.RWMutex
	agents  map[uuid.UUID]struct{}

	logger *zap.Logger
}

func newClient(hub *Hub, conn *websocket.Conn, userID uuid.UUID, agents []uuid.UUID, logger *zap.Logger) *Client {
	c := &Client{
		hub:    hub,
		conn:   conn,
		send:   make(chan Update, sendBufferSize),
		done:   make(chan struct{}),
		userID: userID,
		logger: logger.With(zap.String("user_id", userID.String())),
	}
	c.setAgents(agents)
	return c
}

// observes reports whether this subscriber's capability set contains
// agentID.
func (c *Client) observes(agentID uuid.UUID) bool {
	c.agentMu.RLock()
	defer c.agentMu.RUnlock()
	_, ok := c.agents[agentID]
	return ok
}

// setAgents replaces the capability set.
func (c *Client) setAgents(agents []uuid.UUID) {
	set := make(map[uuid.UUID]struct{}, len(agents))
	for _, id := range agents {
		set[id] = struct{}{}
	}
	c.agentMu.Lock()
	c.agents = set
	c.agentMu.Unlock()
}

// run registers the client with the hub and starts the pumps. It blocks
// until the connection closes.
func (c *Client) run() {
	c.hub.Subscribe(c)

	go c.writePump()
	c.readPump()
}

// readPump reads incoming frames from the connection. Its only job is to
// detect disconnection and reset the read deadline after each pong frame;
// the protocol is server-push only.
func (c *Client) readPump() {
	defer func() {
		c.hub.Unsubscribe(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("statusws: failed to set read deadline", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("statusws: unexpected close", zap.Error(err))
			}
			return
		}
	}
}

// writePump forwards events from the send channel to the wire and sends
// periodic pings so readPump can detect stale connections. It is the only
// goroutine that writes to conn.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case update := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteJSON(update); err != nil {
				c.logger.Warn("statusws: write error", zap.Error(err))
				return
			}

		case <-c.done:
			// The hub unregistered us: send a close frame and exit.
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
