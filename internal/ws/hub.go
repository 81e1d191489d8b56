package ws

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// MemberSource resolves the connections currently joined to a room.
type MemberSource interface {
	Members(roomID string) []string
}

// Hub keeps the live connections of this process by id. Room membership is
// owned by the MemberSource.
type Hub struct {
	members MemberSource

	mu    sync.RWMutex
	conns map[string]*clientConn
}

func NewHub(members MemberSource) *Hub {
	return &Hub{members: members, conns: make(map[string]*clientConn)}
}

func (h *Hub) register(c *clientConn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
}

func (h *Hub) unregister(c *clientConn) {
	h.mu.Lock()
	if h.conns[c.id] == c {
		delete(h.conns, c.id)
	}
	h.mu.Unlock()
}

func (h *Hub) conn(id string) (*clientConn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[id]
	return c, ok
}

// Len is the number of live connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Deliver writes an already encoded frame to every local member of roomID.
// Connections that fail the write are closed; their reader does the cleanup.
func (h *Hub) Deliver(roomID string, frame []byte) int {
	ids := h.members.Members(roomID)

	// Take a quick snapshot of the current connections
	h.mu.RLock()
	conns := make([]*clientConn, 0, len(ids))
	for _, id := range ids {
		if c, ok := h.conns[id]; ok {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	// Do the I/O outside the lock
	sent := 0
	for _, c := range conns {
		if err := c.write(websocket.TextMessage, frame); err != nil {
			zap.L().Debug("ws.write_failed", zap.String("conn", c.id), zap.Error(err))
			c.close()
			continue
		}
		sent++
	}
	return sent
}

// BroadcastToRoom delivers to the local members of roomID only.
func (h *Hub) BroadcastToRoom(_ context.Context, roomID, event string, payload any) error {
	frame, err := encodeEnvelope(event, payload)
	if err != nil {
		return err
	}
	h.Deliver(roomID, frame)
	return nil
}

// SendToConnection is a no-op for connections that are already gone.
func (h *Hub) SendToConnection(_ context.Context, connID, event string, payload any) error {
	c, ok := h.conn(connID)
	if !ok {
		return nil
	}
	if err := c.writeEvent(event, payload); err != nil {
		c.close()
		return err
	}
	return nil
}

// CloseAll closes every live connection.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*clientConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		_ = c.rawConn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"), time.Now().Add(time.Second))
		c.close()
	}
}
