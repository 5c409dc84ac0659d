package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hilthontt/codesync/internal/infrastructure/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	// A maximum-size file of control characters grows six-fold once JSON
	// escapes it as \u00XX; the rest covers the envelope.
	maxMessageSize = 6<<20 + 64<<10

	sendBuffer = 64
)

// Handler receives decoded client events. Calls for one client are made from
// its read loop, one at a time and in arrival order.
type Handler interface {
	HandleMessage(ctx context.Context, c *Client, msg *Inbound)
	HandleDisconnect(c *Client)
}

type Client struct {
	conn    *connWrapper
	Message chan *WSMessage
	ID      string `json:"id"`
	logger  logging.Logger

	mu     sync.Mutex
	closed bool
}

func NewClient(conn *websocket.Conn, id string, logger logging.Logger) *Client {
	if logger == nil {
		logger = logging.NewNop()
	}

	return &Client{
		conn:    newConnWrapper(conn),
		Message: make(chan *WSMessage, sendBuffer), // buffered to avoid dead-locks on slow clients
		ID:      id,
		logger:  logger,
	}
}

// Send queues msg without blocking. It reports false when the client is
// closed or its buffer is full.
func (c *Client) Send(msg *WSMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}

	select {
	case c.Message <- msg:
		return true
	default:
		return false
	}
}

// IsClosed reports whether Close has been called.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close stops the write loop after it drains what is already queued.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.Message)
}

// ReadMessage runs until the connection fails, passing each event to handler.
// The disconnect callback runs exactly once on the way out.
func (c *Client) ReadMessage(ctx context.Context, handler Handler) {
	defer func() {
		handler.HandleDisconnect(c)
		c.Close()
	}()

	ws := c.conn.conn
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn(logging.WebSocket, logging.Disconnect, "ws read error", map[logging.ExtraKey]any{
					logging.ConnID:       c.ID,
					logging.ErrorMessage: err.Error(),
				})
			}
			return
		}

		var msg Inbound
		if err := json.Unmarshal(raw, &msg); err != nil || msg.Type == "" {
			c.logger.Debug(logging.WebSocket, logging.Decode, "malformed client event", map[logging.ExtraKey]any{
				logging.ConnID: c.ID,
			})
			c.Send(NewError("", "BAD_REQUEST", "Malformed event."))
			continue
		}

		handler.HandleMessage(ctx, c, &msg)
	}
}

// WriteMessage drains the send buffer to the socket and keeps it alive with
// pings. It closes the connection when it returns.
func (c *Client) WriteMessage() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.Message:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				c.logger.Warn(logging.WebSocket, logging.Broadcast, "ws write error", map[logging.ExtraKey]any{
					logging.ConnID:       c.ID,
					logging.ErrorMessage: err.Error(),
				})
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
