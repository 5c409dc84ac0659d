package ws

import (
	"sync"

	"github.com/hilthontt/codesync/internal/infrastructure/logging"
	"github.com/hilthontt/codesync/internal/infrastructure/metrics"
)

// RoomManager indexes live clients by connection id. Room membership lives in
// the presence registry; RoomManager only delivers.
type RoomManager struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  logging.Logger
	metrics *metrics.Metrics
}

func NewRoomManager(logger logging.Logger, m *metrics.Metrics) *RoomManager {
	if logger == nil {
		logger = logging.NewNop()
	}

	return &RoomManager{
		clients: make(map[string]*Client),
		logger:  logger,
		metrics: m,
	}
}

func (rm *RoomManager) AddClient(c *Client) {
	rm.mu.Lock()
	rm.clients[c.ID] = c
	n := len(rm.clients)
	rm.mu.Unlock()

	if rm.metrics != nil {
		rm.metrics.Connections.Set(float64(n))
	}
}

func (rm *RoomManager) RemoveClient(c *Client) {
	rm.mu.Lock()
	if cur, ok := rm.clients[c.ID]; ok && cur == c {
		delete(rm.clients, c.ID)
	}
	n := len(rm.clients)
	rm.mu.Unlock()

	if rm.metrics != nil {
		rm.metrics.Connections.Set(float64(n))
	}
}

// Send queues msg for connID. When the client's buffer is full a cursor
// update is dropped; anything else closes the client, since a missed delta
// would leave it out of sync. It reconnects and receives a fresh snapshot.
func (rm *RoomManager) Send(connID string, msg *WSMessage) bool {
	rm.mu.RLock()
	c, ok := rm.clients[connID]
	rm.mu.RUnlock()

	if !ok {
		return false
	}

	if c.Send(msg) {
		return true
	}
	if c.IsClosed() {
		return false
	}

	if rm.metrics != nil {
		rm.metrics.DroppedMessages.Inc()
	}

	if msg.Type == CursorMove {
		rm.logger.Debug(logging.WebSocket, logging.Broadcast, "client buffer full, cursor update dropped", map[logging.ExtraKey]any{
			logging.ConnID: connID,
		})
		return false
	}

	rm.logger.Warn(logging.WebSocket, logging.Broadcast, "client buffer full, closing slow client", map[logging.ExtraKey]any{
		logging.ConnID:    connID,
		logging.EventType: msg.Type,
	})
	rm.RemoveClient(c)
	c.Close()

	return false
}

// CloseAll closes every client's send loop, which closes its socket.
func (rm *RoomManager) CloseAll() {
	rm.mu.Lock()
	clients := make([]*Client, 0, len(rm.clients))
	for _, c := range rm.clients {
		clients = append(clients, c)
	}
	rm.mu.Unlock()

	for _, c := range clients {
		c.Close()
	}
}

func (rm *RoomManager) Len() int {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return len(rm.clients)
}
