// Command messengerd runs the real-time messaging server: it loads
// configuration, wires the registry/message-core/transport topology, and
// serves the WebSocket and HTTP surface described in SPEC_FULL.md §6.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shoutbox/messenger/internal/auth"
	"github.com/shoutbox/messenger/internal/config"
	"github.com/shoutbox/messenger/internal/messaging"
	"github.com/shoutbox/messenger/internal/registry"
	"github.com/shoutbox/messenger/internal/server"
	"github.com/shoutbox/messenger/internal/store"
	"github.com/shoutbox/messenger/internal/transport"
)

// shutdownGrace is how long in-flight connections get to close cleanly
// after a shutdown signal before the listener is torn down anyway (§6.5).
const shutdownGrace = 10 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := config.MustLoad()

	passport, err := auth.LoadPassport(cfg.PassportPath)
	if err != nil {
		logger.Error("failed to load passport", "path", cfg.PassportPath, "error", err)
		os.Exit(1)
	}

	regStore, msgStore, convStore, closeStore, err := openStore(cfg)
	if err != nil {
		logger.Error("failed to open persistence store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	jwksCache := auth.NewJWKSCache(nil)
	verifier := auth.NewVerifier(jwksCache).WithClockSkew(cfg.JWTClockSkew)

	// Topology-first init: registry first, message core against the
	// registry and store, the Hub against both, then wire the Hub back
	// into the registry and core so disconnects and deliveries can flow.
	reg := registry.New(regStore, cfg.MaxTotalConnections, cfg.InactivityThreshold, logger)
	core := messaging.NewCore(reg, msgStore, messaging.Config{
		MessageAckTimeout:        cfg.MessageAcknowledgementTimeout,
		PendingMessageMaxAgeDays: cfg.PendingMessageMaxAgeDays,
	}, logger)
	hub := transport.NewHub(reg, logger)
	core.SetTransport(hub)
	reg.SetBroadcaster(hub)

	dispatcher := transport.NewDispatcher(hub, reg, core, msgStore, convStore, cfg.RequestTimeout, cfg.MessageAcknowledgementTimeout, logger)
	wsHandler := transport.NewHandler(hub, reg, dispatcher, verifier, passport, []string{cfg.ClientURL}, cfg.ConnRateLimit, cfg.ConnRateBurst, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg.StartInactivitySweep(ctx, cfg.InactivityCheckInterval)
	defer reg.Stop()

	startHousekeeping(ctx, convStore, cfg, logger)

	app := &server.App{
		Config:    cfg,
		WSHandler: wsHandler,
		Hub:       hub,
		Registry:  reg,
		JWKS:      jwksCache,
		StartedAt: time.Now(),
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: app.Handler(),
	}

	serveErrCh := make(chan error, 1)
	go func() {
		logger.Info("messenger server starting", "addr", "http://localhost"+httpServer.Addr)
		serveErrCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case err := <-serveErrCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer shutdownCancel()

		// hub.Shutdown stops new upgrades immediately and drains existing
		// WebSocket connections (force-closing stragglers at the grace
		// deadline) before the HTTP listener itself is torn down, since
		// hijacked connections are invisible to httpServer.Shutdown.
		hub.Shutdown(shutdownCtx)

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
			os.Exit(1)
		}
	}

	logger.Info("messenger server stopped")
}

// housekeepingStore is the cadence-driven cleanup pair both store
// backends expose but neither registry.Store nor messaging.Store
// declare, since only this periodic reaper needs them.
type housekeepingStore interface {
	CleanupOldMessages(ctx context.Context, maxAge time.Duration) (int, error)
	CleanupInactiveUserSessions(ctx context.Context, maxAge time.Duration) (int, error)
}

// startHousekeeping runs the message and inactive-session reaper once a
// day: it deletes every stored message, private or public, last updated
// more than PUBLIC_MESSAGE_EXPIRE_DAYS ago, and offline users inactive for
// more than four times INACTIVITY_THRESHOLD.
func startHousekeeping(ctx context.Context, hs housekeepingStore, cfg *config.Config, log *slog.Logger) {
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				maxAge := time.Duration(cfg.PublicMessageExpireDays) * 24 * time.Hour
				if n, err := hs.CleanupOldMessages(ctx, maxAge); err != nil {
					log.Warn("cleanup of old messages failed", "error", err)
				} else if n > 0 {
					log.Info("cleaned up old messages", "count", n)
				}
				if n, err := hs.CleanupInactiveUserSessions(ctx, cfg.InactivityThreshold*4); err != nil {
					log.Warn("cleanup of inactive sessions failed", "error", err)
				} else if n > 0 {
					log.Info("cleaned up inactive sessions", "count", n)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// openStore selects the persistence backend per USER_MANAGER_PERSIST: an
// in-memory store for development/test, or the durable relational store
// (sqlite or postgres, chosen by DATABASE_URL's scheme) otherwise.
func openStore(cfg *config.Config) (registry.Store, messaging.Store, dispatcherConvStore, func(), error) {
	if cfg.UserManagerPersist == config.UserManagerPersistMemory {
		mem := store.NewMemoryStore()
		return mem, mem, mem, func() {}, nil
	}

	dbType, dsn, err := parseDatabaseURL(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	rel, err := store.Open(dbType, dsn, cfg.DBPoolSize)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return rel, rel, rel, func() { rel.Close() }, nil
}

// dispatcherConvStore mirrors transport's unexported conversationsStore
// interface structurally; both backends satisfy it so this package never
// needs to import internal/transport's unexported type.
type dispatcherConvStore interface {
	GetUserConversationsList(ctx context.Context, userID string, opts store.ConversationsListOptions) ([]store.ConversationSummary, error)
}

// parseDatabaseURL splits a "sqlite:<path>" or "postgres://..." /
// "postgresql://..." URL into the driver type store.Open expects and its
// DSN.
func parseDatabaseURL(raw string) (dbType, dsn string, err error) {
	switch {
	case strings.HasPrefix(raw, "sqlite:"):
		return "sqlite", strings.TrimPrefix(raw, "sqlite:"), nil
	case strings.HasPrefix(raw, "postgres://"), strings.HasPrefix(raw, "postgresql://"):
		return "postgres", raw, nil
	default:
		return "", "", fmt.Errorf("DATABASE_URL must start with sqlite: or postgres(ql)://, got %q", raw)
	}
}
