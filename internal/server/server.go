// Package server provides the HTTP handler assembly for the messaging
// server. It accepts all dependencies as parameters so that both main()
// and tests can build the same handler chain without route drift.
package server

import (
	"net/http"
	"time"

	"github.com/shoutbox/messenger/internal/config"
	"github.com/shoutbox/messenger/internal/transport"
)

// App holds all dependencies needed to build the HTTP handler.
type App struct {
	Config    *config.Config
	WSHandler *transport.Handler
	Hub       *transport.Hub
	Registry  activeUserCounter
	JWKS      issuerCounter

	// StartedAt backs the /health uptime figure. Zero means "unknown" and
	// is reported as zero uptime rather than a bogus large duration.
	StartedAt time.Time
}

// activeUserCounter is the narrow slice of registry.Registry that the
// /health handler needs, declared locally so this package depends on a
// method set rather than the concrete registry type.
type activeUserCounter interface {
	ActiveUserCount() int
}

// issuerCounter is the narrow slice of auth.JWKSCache the /health handler
// needs to report how many issuers' key sets are currently cached.
type issuerCounter interface {
	IssuerCount() int
}

// Handler builds and returns the complete HTTP handler with all routes
// registered and CORS applied.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()

	h := &handlers{app: a}
	mux.HandleFunc("/health", h.handleHealth)
	mux.Handle("/ws", a.WSHandler)

	return a.withCORS(mux)
}

// withCORS enforces the CORS allow-list (§6.2): the configured ClientURL
// is always in the allow-list, and OPTIONS requests are answered directly
// without reaching the mux so unknown paths still 404 for other methods.
func (a *App) withCORS(next http.Handler) http.Handler {
	allowed := map[string]bool{a.Config.ClientURL: true}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && allowed[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
