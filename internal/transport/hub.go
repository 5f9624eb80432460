package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shoutbox/messenger/internal/messaging"
	"github.com/shoutbox/messenger/internal/registry"
)

// Hub is the live WebSocket connection table. It implements
// registry.Broadcaster (disconnect announcements) and messaging.Transport
// (emit/ack/broadcast), closing the topology-first dependency loop
// described in the server's design notes: the registry and message core
// are built first against narrow interfaces, the Hub is built against
// both concrete types, then wired back in via SetBroadcaster/SetTransport.
type Hub struct {
	reg     *registry.Registry
	log     *slog.Logger
	metrics *metrics

	mu    sync.RWMutex
	conns map[string]*conn

	draining atomic.Bool
}

// NewHub returns a Hub with no live connections.
func NewHub(reg *registry.Registry, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		reg:     reg,
		log:     log,
		metrics: &metrics{},
		conns:   make(map[string]*conn),
	}
}

func (h *Hub) register(c *conn) {
	h.mu.Lock()
	h.conns[c.socketID] = c
	h.mu.Unlock()
	h.metrics.onConnect()
}

func (h *Hub) unregister(socketID string) {
	h.mu.Lock()
	delete(h.conns, socketID)
	h.mu.Unlock()
	h.metrics.onDisconnect()
}

func (h *Hub) get(socketID string) (*conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[socketID]
	return c, ok
}

// BroadcastUserDisconnected satisfies registry.Broadcaster: it emits
// user_disconnected to every remaining connected session once a user's
// last socket has gone away.
func (h *Hub) BroadcastUserDisconnected(user registry.User, reason string) {
	h.BroadcastPublic("user_disconnected", map[string]any{
		"userId":   user.UserID,
		"userName": user.UserName,
		"state":    user.State,
		"reason":   reason,
	})
}

// EmitWithAck satisfies messaging.Transport: it sends event to socketID
// with a generated ack id and blocks until the client replies, timeout
// elapses, or ctx is cancelled — whichever comes first. A missing
// connection, timeout, or malformed ack reply all surface as a non-nil
// error, exactly as messaging.Transport documents.
func (h *Hub) EmitWithAck(ctx context.Context, socketID, event string, payload any, timeout time.Duration) (messaging.DeliveryAck, error) {
	c, ok := h.get(socketID)
	if !ok {
		return messaging.DeliveryAck{}, fmt.Errorf("transport: no live connection for session %s", socketID)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return messaging.DeliveryAck{}, fmt.Errorf("marshaling payload for %s: %w", event, err)
	}

	ackID := uuid.New().String()
	replyCh := c.awaitAck(ackID)

	if err := c.writeJSON(wireMessage{Event: event, Data: data, AckID: ackID}); err != nil {
		c.cancelAck(ackID)
		return messaging.DeliveryAck{}, fmt.Errorf("emitting %s to %s: %w", event, socketID, err)
	}

	select {
	case reply := <-replyCh:
		var ack ackPayload
		if err := json.Unmarshal(reply, &ack); err != nil {
			return messaging.DeliveryAck{}, fmt.Errorf("malformed ack for %s from %s: %w", event, socketID, err)
		}
		return messaging.DeliveryAck{Success: ack.Success, Message: ack.Message}, nil
	case <-time.After(timeout):
		c.cancelAck(ackID)
		return messaging.DeliveryAck{}, fmt.Errorf("ack timed out waiting for %s from %s", event, socketID)
	case <-ctx.Done():
		c.cancelAck(ackID)
		return messaging.DeliveryAck{}, ctx.Err()
	case <-c.done:
		c.cancelAck(ackID)
		return messaging.DeliveryAck{}, fmt.Errorf("connection %s closed before acking %s", socketID, event)
	}
}

// Emit satisfies messaging.Transport: a fire-and-forget send with no ack
// expectation. A missing connection is reported but never panics the
// caller — status-update fan-out treats per-session delivery as
// best-effort.
func (h *Hub) Emit(socketID, event string, payload any) error {
	c, ok := h.get(socketID)
	if !ok {
		return fmt.Errorf("transport: no live connection for session %s", socketID)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling payload for %s: %w", event, err)
	}
	return c.writeJSON(wireMessage{Event: event, Data: data})
}

// BroadcastPublic satisfies messaging.Transport: it emits event to every
// currently registered connection, skipping (and logging) any connection
// whose write fails rather than aborting the fan-out.
func (h *Hub) BroadcastPublic(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("broadcasting: failed to marshal payload", "event", event, "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.writeJSON(wireMessage{Event: event, Data: data}); err != nil {
			h.log.Warn("broadcast emit failed for session", "socketId", c.socketID, "event", event, "error", err)
		}
	}
}

// ActiveSessionIDs satisfies messaging.Transport: it filters
// candidateSocketIDs down to the ones this Hub currently holds a live
// connection for, the intersection of registry topology and transport
// room membership described in §4.3.2.
func (h *Hub) ActiveSessionIDs(candidateSocketIDs []string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []string
	for _, id := range candidateSocketIDs {
		if _, ok := h.conns[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// Metrics returns a point-in-time snapshot of connection counters, used by
// the /health handler (§6.2). activeUsers is the distinct-user count the
// registry owns, since the Hub itself only tracks sockets.
func (h *Hub) Metrics(activeUsers int) Snapshot {
	return h.metrics.snapshot(activeUsers)
}

// Draining reports whether Shutdown has been called, so the upgrade path
// can reject new WebSocket connections during a shutdown sequence (§6.5).
func (h *Hub) Draining() bool {
	return h.draining.Load()
}

// Shutdown stops accepting new connections immediately and gives
// already-open connections until ctx is done to close on their own before
// force-closing whatever is left (§6.5). It returns once every tracked
// connection is gone.
func (h *Hub) Shutdown(ctx context.Context) {
	h.draining.Store(true)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if h.connCount() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case <-ticker.C:
		}
	}
}

func (h *Hub) connCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// closeAll force-closes every still-tracked connection. Each conn's close()
// is idempotent and itself triggers unregister via the read pump's deferred
// cleanup, so closeAll does not need to touch h.conns directly.
func (h *Hub) closeAll() {
	h.mu.RLock()
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.close()
	}
}

// errConnectionClosed describes a socket that closed normally. The read
// pump does not return it: readPump ends on any read error without telling
// a normal close apart from an I/O failure.
var errConnectionClosed = errors.New("transport: connection closed")
