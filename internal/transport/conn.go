package transport

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // 1 MiB
)

// conn wraps one upgraded WebSocket connection: a socketID, the
// underlying gorilla connection (not safe for concurrent writers, so all
// writes go through writeMu), and the ack-correlation table EmitWithAck
// uses to wait for a client's reply to a server-initiated emit.
type conn struct {
	socketID string
	ws       *websocket.Conn

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan json.RawMessage

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(socketID string, ws *websocket.Conn) *conn {
	return &conn{
		socketID: socketID,
		ws:       ws,
		pending:  make(map[string]chan json.RawMessage),
		done:     make(chan struct{}),
	}
}

// writeJSON serializes v as a wireMessage and writes it, serialized
// against concurrent writers on the same connection.
func (c *conn) writeJSON(msg wireMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(msg)
}

// awaitAck registers ackID as pending and returns the channel its reply
// will be delivered on. The caller must eventually call resolveAck or
// cancelAck to avoid leaking the map entry.
func (c *conn) awaitAck(ackID string) chan json.RawMessage {
	ch := make(chan json.RawMessage, 1)
	c.pendingMu.Lock()
	c.pending[ackID] = ch
	c.pendingMu.Unlock()
	return ch
}

// resolveAck delivers data to the channel waiting on ackID, if any. Called
// from the read pump when an {event:"ack", ackId:...} message arrives.
func (c *conn) resolveAck(ackID string, data json.RawMessage) {
	c.pendingMu.Lock()
	ch, ok := c.pending[ackID]
	delete(c.pending, ackID)
	c.pendingMu.Unlock()
	if ok {
		ch <- data
	}
}

// cancelAck removes ackID from the pending table without delivering
// anything, used when EmitWithAck times out or its context is cancelled.
func (c *conn) cancelAck(ackID string) {
	c.pendingMu.Lock()
	delete(c.pending, ackID)
	c.pendingMu.Unlock()
}

// close marks the connection done and closes the underlying socket. Safe
// to call more than once.
func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}
