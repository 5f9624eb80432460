package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shoutbox/messenger/internal/auth"
	"github.com/shoutbox/messenger/internal/registry"
	"golang.org/x/time/rate"
)

// cookieName is the fallback cookie the handshake's token is read from
// when the query string does not carry it; see extractToken for the full
// lookup order.
const cookieName = "access_token"

// Handler upgrades authenticated HTTP requests to WebSocket connections
// and runs each connection's read pump against the Dispatcher (§4.4,
// §6.1). It is the only piece of this package that talks HTTP.
type Handler struct {
	hub        *Hub
	reg        *registry.Registry
	dispatcher *Dispatcher
	verifier   *auth.Verifier
	passport   *auth.Passport
	limiter    *rateLimiter
	origins    map[string]bool
	upgrader   websocket.Upgrader
	log        *slog.Logger
}

// NewHandler wires a Handler against its already-constructed
// dependencies. allowedOrigins is the CORS/origin allow-list (§6.2);
// connRateLimit/connRateBurst feed the per-IP admission rate limiter.
func NewHandler(hub *Hub, reg *registry.Registry, dispatcher *Dispatcher, verifier *auth.Verifier, passport *auth.Passport, allowedOrigins []string, connRateLimit float64, connRateBurst int, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}

	h := &Handler{
		hub:        hub,
		reg:        reg,
		dispatcher: dispatcher,
		verifier:   verifier,
		passport:   passport,
		limiter:    newRateLimiter(rate.Limit(connRateLimit), connRateBurst),
		origins:    origins,
		log:        log,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin enforces the CORS origin allow-list (§6.2) at the WebSocket
// handshake, replacing the always-allow dev-mode check this is adapted
// from.
func (h *Handler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return h.origins[origin]
}

// ServeHTTP authenticates the handshake, admits it past the rate
// limiter, upgrades to WebSocket, registers the session with the
// registry and Hub, and runs the connection's read pump until it
// disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.hub.Draining() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	ip := clientIP(r)
	if !h.limiter.allow(ip) {
		http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	token := extractToken(r)
	if token == "" {
		http.Error(w, "missing authentication token", http.StatusUnauthorized)
		return
	}

	result, err := h.verifier.Verify(r.Context(), token, h.passport)
	if err != nil {
		h.log.Error("token verification error", "error", err)
		http.Error(w, "authentication failed", http.StatusUnauthorized)
		return
	}
	if !result.Valid {
		http.Error(w, "authentication failed: "+result.Reason, http.StatusUnauthorized)
		return
	}

	userID, _ := result.Payload["sub"].(string)
	if userID == "" {
		http.Error(w, "token missing subject claim", http.StatusUnauthorized)
		return
	}
	userName, _ := result.Payload["userName"].(string)
	if userName == "" {
		userName, _ = result.Payload["name"].(string)
	}
	if userName == "" {
		userName = userID
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	socketID := uuid.New().String()
	c := newConn(socketID, ws)
	h.hub.register(c)

	user, err := h.reg.StoreUser(r.Context(), socketID, userID, userName, true, result.Payload)
	if err != nil {
		h.log.Warn("rejecting connection", "socketId", socketID, "error", err)
		h.hub.unregister(socketID)
		c.close()
		return
	}

	_ = c.writeJSON(wireMessage{Event: "user_authenticated", Data: mustMarshal(map[string]any{
		"success":  true,
		"userId":   user.UserID,
		"userName": user.UserName,
	})})

	go func() {
		if err := h.dispatcher.core.ReconcilePending(context.Background(), socketID, userID); err != nil {
			h.log.Warn("pending reconciliation failed", "userId", userID, "error", err)
		}
	}()

	go h.pingLoop(c)
	h.readPump(c)
}

// pingLoop keeps the connection alive and lets the read pump's read
// deadline detect a peer that stops responding.
func (h *Handler) pingLoop(c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump is the connection's single reader goroutine: it routes ack
// replies back to the waiting EmitWithAck call and fans every other
// event out to its own goroutine so a slow handler never blocks the
// socket's read loop (and, in particular, never blocks incoming ack
// replies for other in-flight EmitWithAck calls on the same socket).
func (h *Handler) readPump(c *conn) {
	defer func() {
		h.hub.unregister(c.socketID)
		h.reg.DisconnectUser(c.socketID, registry.DisconnectManual)
		c.close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var msg wireMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			return
		}
		h.reg.Touch(c.socketID)

		if msg.Event == ackReplyEvent {
			c.resolveAck(msg.AckID, msg.Data)
			continue
		}

		go h.handleEvent(c, msg)
	}
}

func (h *Handler) handleEvent(c *conn, msg wireMessage) {
	env, fatal := h.dispatcher.dispatch(context.Background(), c.socketID, msg)

	reply := wireMessage{Data: mustMarshal(env)}
	if msg.AckID != "" {
		reply.Event = ackReplyEvent
		reply.AckID = msg.AckID
	} else {
		reply.Event = responseEvent
	}

	if err := c.writeJSON(reply); err != nil {
		h.log.Warn("failed to write response", "socketId", c.socketID, "event", msg.Event, "error", err)
	}

	if fatal {
		c.close()
	}
}

// extractToken implements the handshake's triple-fallback token lookup:
// query parameter, cookie, then Authorization header.
func extractToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if cookie, err := r.Cookie(cookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`null`)
	}
	return data
}
