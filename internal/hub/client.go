package hub

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/conductor-sh/conductor/internal/metrics"
	"github.com/conductor-sh/conductor/internal/protocol"
)

const (
	// writeWait is the maximum time allowed to write a frame to the peer.
	writeWait = 10 * time.Second

	// pongWait is how long the server waits for a pong reply after a ping.
	pongWait = 60 * time.Second

	// pingPeriod is how often the server pings the client. Must be less
	// than pongWait so the client has time to reply.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize bounds inbound frames. Operators only send small
	// subscribe/unsubscribe messages.
	maxMessageSize = 4096

	// sendQueueSize is the capacity of the per-client event queue. When it
	// fills, the oldest queued event is dropped so the stream stays live.
	sendQueueSize = 256
)

// upgrader performs the HTTP to WebSocket protocol upgrade. CheckOrigin
// always returns true; origin validation is the reverse proxy's job.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Client represents one connected operator session. Each client runs two
// goroutines: readPump (subscription changes, disconnect detection) and
// writePump (serialises outgoing frames onto the wire).
type Client struct {
	hub  *Hub
	conn *websocket.Conn

	// send is the outbound frame queue. enqueue writes here with
	// drop-oldest semantics; writePump drains it to the wire.
	send chan []byte

	// mu guards closed and serialises enqueue so drop-oldest keeps frames
	// in FIFO order.
	mu     sync.Mutex
	closed bool

	// dropped counts events discarded from a saturated queue.
	dropped atomic.Int64

	// operatorID is the authenticated caller, recorded for logs.
	operatorID string

	logger *zap.Logger
}

// NewClient upgrades the HTTP connection and returns a Client. The caller
// must have authenticated the operator before the upgrade.
func NewClient(h *Hub, w http.ResponseWriter, r *http.Request, operatorID string, logger *zap.Logger) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	return &Client{
		hub:        h,
		conn:       conn,
		send:       make(chan []byte, sendQueueSize),
		operatorID: operatorID,
		logger: logger.With(
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("operator_id", operatorID),
		),
	}, nil
}

// Run registers the client with the hub and starts both pumps. It blocks
// until the connection closes.
func (c *Client) Run() {
	c.hub.register <- c

	go c.writePump()
	c.readPump()
}

// Dropped returns how many events this session has lost to queue pressure.
func (c *Client) Dropped() int64 {
	return c.dropped.Load()
}

// enqueue queues a frame for delivery. When the queue is full the oldest
// frame is discarded and counted; the newest event always gets a slot.
func (c *Client) enqueue(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for {
		select {
		case c.send <- frame:
			return
		default:
			select {
			case <-c.send:
				c.dropped.Add(1)
				metrics.EventsDroppedTotal.Inc()
			default:
				// writePump drained the queue between our two selects.
			}
		}
	}
}

// closeSend marks the client closed and shuts the queue, releasing the
// writePump. Called by the hub's Run loop only.
func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// readPump consumes inbound frames: worker:subscribe and worker:unsubscribe
// adjust the session's interest set, anything else is ignored. The loop
// exits on disconnect or read error, unregistering the client.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("ws: failed to set read deadline", zap.Error(err))
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("ws: unexpected close", zap.Error(err))
			}
			return
		}

		frame, err := protocol.Decode(data)
		if err != nil {
			c.logger.Debug("ws: malformed frame from operator", zap.Error(err))
			continue
		}

		switch frame.Event {
		case protocol.EventWorkerSubscribe, protocol.EventWorkerUnsubscribe:
			var payload protocol.SubscribePayload
			if err := protocol.DecodePayload(frame, &payload); err != nil {
				c.logger.Debug("ws: bad subscribe payload", zap.Error(err))
				continue
			}
			if frame.Event == protocol.EventWorkerSubscribe {
				c.hub.Subscribe(c, payload.WorkerID)
			} else {
				c.hub.Unsubscribe(c, payload.WorkerID)
			}
		default:
			// Operators have no other inbound vocabulary.
		}
	}
}

// writePump forwards queued frames to the wire and sends keepalive pings.
// It is the only goroutine that writes to conn.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("ws: failed to set write deadline", zap.Error(err))
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Warn("ws: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Warn("ws: failed to set write deadline", zap.Error(err))
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("ws: ping error", zap.Error(err))
				return
			}
		}
	}
}
