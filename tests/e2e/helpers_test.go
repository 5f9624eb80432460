package e2e

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/shoutbox/messenger/internal/auth"
	"github.com/shoutbox/messenger/internal/config"
	"github.com/shoutbox/messenger/internal/messaging"
	"github.com/shoutbox/messenger/internal/registry"
	"github.com/shoutbox/messenger/internal/server"
	"github.com/shoutbox/messenger/internal/store"
	"github.com/shoutbox/messenger/internal/transport"
)

const testKid = "test-key-1"

// testEnv is a full in-process server wired exactly as
// cmd/messengerd/main.go wires it, backed by the in-memory store, fronted
// by an httptest.Server so real WebSocket clients can dial in.
type testEnv struct {
	httpServer *httptest.Server
	signingKey *rsa.PrivateKey
	cfg        *config.Config
}

func newTestEnv(maxConnections int) *testEnv {
	signingKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&signingKey.PublicKey)
	if err != nil {
		panic(err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})

	passport := &auth.Passport{
		Audience:   []string{"messenger-e2e"},
		Algorithms: []string{"RS256"},
		Keys:       []auth.JWK{{Kid: testKid, Algorithm: "RS256", PEM: string(pubPEM)}},
	}

	cfg := &config.Config{
		ClientURL:                     "http://allowed.example.com",
		MaxTotalConnections:           maxConnections,
		ConnRateLimit:                 1000,
		ConnRateBurst:                 1000,
		InactivityThreshold:           time.Hour,
		InactivityCheckInterval:       time.Hour,
		RequestTimeout:                5 * time.Second,
		MessageAcknowledgementTimeout: 2 * time.Second,
		PublicMessageExpireDays:       30,
		PendingMessageMaxAgeDays:      7,
	}

	discard := slog.New(slog.NewTextHandler(discardWriter{}, nil))

	memStore := store.NewMemoryStore()
	verifier := auth.NewVerifier(auth.NewJWKSCache(nil))

	reg := registry.New(memStore, cfg.MaxTotalConnections, cfg.InactivityThreshold, discard)
	core := messaging.NewCore(reg, memStore, messaging.Config{
		MessageAckTimeout:        cfg.MessageAcknowledgementTimeout,
		PendingMessageMaxAgeDays: cfg.PendingMessageMaxAgeDays,
	}, discard)
	hub := transport.NewHub(reg, discard)
	core.SetTransport(hub)
	reg.SetBroadcaster(hub)

	dispatcher := transport.NewDispatcher(hub, reg, core, memStore, memStore, cfg.RequestTimeout, cfg.MessageAcknowledgementTimeout, discard)
	wsHandler := transport.NewHandler(hub, reg, dispatcher, verifier, passport, []string{cfg.ClientURL}, cfg.ConnRateLimit, cfg.ConnRateBurst, discard)

	app := &server.App{Config: cfg, WSHandler: wsHandler, Hub: hub, Registry: reg}

	reg.StartInactivitySweep(context.Background(), cfg.InactivityCheckInterval)

	return &testEnv{
		httpServer: httptest.NewServer(app.Handler()),
		signingKey: signingKey,
		cfg:        cfg,
	}
}

func (e *testEnv) close() {
	e.httpServer.Close()
}

// token mints an RS256 token for userID/userName that the test passport
// will accept.
func (e *testEnv) token(userID, userName string) string {
	claims := jwt.MapClaims{
		"sub":      userID,
		"userName": userName,
		"aud":      "messenger-e2e",
		"exp":      time.Now().Add(time.Hour).Unix(),
		"iat":      time.Now().Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = testKid
	signed, err := tok.SignedString(e.signingKey)
	if err != nil {
		panic(err)
	}
	return signed
}

// dial opens a WebSocket connection authenticated as userID/userName.
func (e *testEnv) dial(userID, userName string) (*testClient, error) {
	url := "ws" + strings.TrimPrefix(e.httpServer.URL, "http") + "/ws?token=" + e.token(userID, userName)
	header := make(map[string][]string)
	ws, resp, err := websocket.DefaultDialer.Dial(url, header)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &testClient{ws: ws}, nil
}

// testClient is a minimal mirror of the wire protocol
// (internal/transport/wire.go) a real browser client would speak:
// {event, data, ackId} frames, with "ack" replies routed back by id.
type testClient struct {
	ws *websocket.Conn
}

type wireFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckID string          `json:"ackId,omitempty"`
}

type envelope struct {
	Success bool            `json:"success"`
	Event   string          `json:"event"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func (c *testClient) close() { c.ws.Close() }

// readEvent waits for the next frame whose event is not "ack", so callers
// can skip over ack replies to requests this client sent itself.
func (c *testClient) readEvent(timeout time.Duration) (wireFrame, error) {
	c.ws.SetReadDeadline(time.Now().Add(timeout))
	for {
		var f wireFrame
		if err := c.ws.ReadJSON(&f); err != nil {
			return f, err
		}
		if f.Event != "ack" {
			return f, nil
		}
	}
}

// call sends event with an ack id and blocks for the matching response,
// mirroring how a real client resolves a request/response round trip.
func (c *testClient) call(event string, payload any, timeout time.Duration) (envelope, error) {
	data, _ := json.Marshal(payload)
	ackID := fmt.Sprintf("ack-%d", time.Now().UnixNano())
	if err := c.ws.WriteJSON(wireFrame{Event: event, Data: data, AckID: ackID}); err != nil {
		return envelope{}, err
	}

	c.ws.SetReadDeadline(time.Now().Add(timeout))
	for {
		var f wireFrame
		if err := c.ws.ReadJSON(&f); err != nil {
			return envelope{}, err
		}
		if f.Event != "ack" || f.AckID != ackID {
			continue
		}
		var env envelope
		if err := json.Unmarshal(f.Data, &env); err != nil {
			return envelope{}, err
		}
		return env, nil
	}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
