package ws

import (
	"sync"

	"portalchat/internal/domain"
	"portalchat/internal/logger"
)

// Hub tracks live connections keyed by user ID and fans events out to them.
// Each connection has its own bounded queue; a connection that cannot keep
// up is dropped and catches up over REST after reconnecting.
type Hub struct {
	mu      sync.RWMutex
	clients map[int64]map[*Client]struct{}
	log     logger.Logger
}

var _ domain.Notifier = (*Hub)(nil)

func NewHub(log logger.Logger) *Hub {
	return &Hub{
		clients: make(map[int64]map[*Client]struct{}),
		log:     log,
	}
}

// Register adds a connection and reports whether it is the user's first.
func (h *Hub) Register(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.clients[c.userID]
	if !ok {
		conns = make(map[*Client]struct{})
		h.clients[c.userID] = conns
	}
	conns[c] = struct{}{}
	return len(conns) == 1
}

// Unregister removes a connection and reports whether it was the user's last.
func (h *Hub) Unregister(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.clients[c.userID]
	if !ok {
		return false
	}
	if _, ok := conns[c]; !ok {
		return false
	}
	delete(conns, c)
	if len(conns) == 0 {
		delete(h.clients, c.userID)
		return true
	}
	return false
}

// Publish encodes ev once and queues it on every connection of userIDs.
// Calls made in sequence are delivered to each connection in that sequence.
func (h *Hub) Publish(userIDs []int64, ev domain.Event) {
	data, err := encode(ServerMessage{Type: ev.Type, Payload: ev.Payload})
	if err != nil {
		h.log.Error("encode event", "type", ev.Type, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, uid := range userIDs {
		for c := range h.clients[uid] {
			if !c.enqueue(data) {
				h.log.Warn("send queue full, dropping connection", "user_id", uid)
			}
		}
	}
}

// Online reports whether the user has at least one live connection.
func (h *Hub) Online(userID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, conns := range h.clients {
		n += len(conns)
	}
	return n
}

// CloseAll disconnects every client. Used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, conns := range h.clients {
		for c := range conns {
			c.close()
		}
	}
}
