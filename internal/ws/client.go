package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// clientConn serialises writes; gorilla allows one concurrent writer only.
type clientConn struct {
	id       string
	senderID string
	rawConn  *websocket.Conn
	inbound  *rate.Limiter

	mu        sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newClientConn(id, senderID string, raw *websocket.Conn, inbound *rate.Limiter) *clientConn {
	return &clientConn{id: id, senderID: senderID, rawConn: raw, inbound: inbound, done: make(chan struct{})}
}

func (c *clientConn) write(mt int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.rawConn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.rawConn.WriteMessage(mt, data) // Text/Binary only
}

func (c *clientConn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.rawConn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.rawConn.WriteJSON(v)
}

func (c *clientConn) writeEvent(event string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return c.writeJSON(Envelope{Event: event, Body: raw})
}

func (c *clientConn) ping() error {
	return c.rawConn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *clientConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.rawConn.Close()
	})
}
