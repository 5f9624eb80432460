package server

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shoutbox/messenger/internal/config"
	"github.com/shoutbox/messenger/internal/registry"
	"github.com/shoutbox/messenger/internal/store"
	"github.com/shoutbox/messenger/internal/transport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestApp(t *testing.T, clientURL string) *App {
	t.Helper()
	memStore := store.NewMemoryStore()
	reg := registry.New(memStore, 100, time.Hour, discardLogger())
	hub := transport.NewHub(reg, discardLogger())
	reg.SetBroadcaster(hub)

	return &App{
		Config:    &config.Config{ClientURL: clientURL},
		WSHandler: nil,
		Hub:       hub,
		Registry:  reg,
	}
}

func TestHandleHealth(t *testing.T) {
	app := newTestApp(t, "http://allowed.example.com")
	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body struct {
		Status  string `json:"status"`
		Metrics struct {
			ActiveUsers int `json:"activeUsers"`
		} `json:"metrics"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
	if body.Metrics.ActiveUsers != 0 {
		t.Errorf("activeUsers = %d, want 0", body.Metrics.ActiveUsers)
	}
}

func TestHandleHealthRejectsNonGet(t *testing.T) {
	app := newTestApp(t, "http://allowed.example.com")
	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/health", "application/json", nil)
	if err != nil {
		t.Fatalf("POST /health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func TestUnknownPathNotFound(t *testing.T) {
	app := newTestApp(t, "http://allowed.example.com")
	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/nope")
	if err != nil {
		t.Fatalf("GET /nope: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	app := newTestApp(t, "http://allowed.example.com")
	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
	req.Header.Set("Origin", "http://allowed.example.com")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://allowed.example.com" {
		t.Errorf("Access-Control-Allow-Origin = %q, want allowed origin", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Credentials"); got != "true" {
		t.Errorf("Access-Control-Allow-Credentials = %q, want \"true\"", got)
	}
}

func TestCORSRejectsUnknownOrigin(t *testing.T) {
	app := newTestApp(t, "http://allowed.example.com")
	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
	req.Header.Set("Origin", "http://evil.example.com")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Access-Control-Allow-Origin = %q, want empty for disallowed origin", got)
	}
}

func TestOptionsShortCircuits(t *testing.T) {
	app := newTestApp(t, "http://allowed.example.com")
	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/anything", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS /anything: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
