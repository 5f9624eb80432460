package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// coldCacheThreshold is the in-memory user-count floor below which
// GetUsers falls back to the persistence store rather than trusting the
// cache to be complete (e.g. right after a restart).
const coldCacheThreshold = 1

// Registry is the single source of truth for live connection topology. It
// owns the user map and the socket-to-user index; the persistence store
// owns durable rows and is consulted only for the rollback-on-failure and
// cold-cache paths below.
type Registry struct {
	maxTotalConnections int
	inactivityThreshold time.Duration

	store       Store
	broadcaster Broadcaster
	log         *slog.Logger

	mu             sync.RWMutex
	usersByID      map[string]*User
	socketToUserID map[string]string
	activeSockets  int

	stopCh chan struct{}
}

// New returns a Registry with no sessions. Call SetBroadcaster once the
// transport layer exists, and StartInactivitySweep to begin the periodic
// cleanup goroutine.
func New(store Store, maxTotalConnections int, inactivityThreshold time.Duration, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		maxTotalConnections: maxTotalConnections,
		inactivityThreshold: inactivityThreshold,
		store:               store,
		broadcaster:         noopBroadcaster{},
		log:                 log,
		usersByID:           make(map[string]*User),
		socketToUserID:      make(map[string]string),
		stopCh:              make(chan struct{}),
	}
}

// SetBroadcaster wires the transport layer's disconnect-announcement
// capability into the registry, completing the topology-first
// initialization order (registry built first, transport built against
// it, then wired back in).
func (r *Registry) SetBroadcaster(b Broadcaster) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcaster = b
}

// StoreUser creates or updates a user and appends (or replaces) the
// session for socketId. It enforces MaxTotalConnections and rolls back
// the in-memory mutation if persistence fails.
func (r *Registry) StoreUser(ctx context.Context, socketID, userID, userName string, authenticated bool, claims map[string]any) (User, error) {
	r.mu.Lock()

	if r.activeSockets >= r.maxTotalConnections {
		if _, exists := r.socketToUserID[socketID]; !exists {
			r.mu.Unlock()
			return User{}, ErrCapacityExceeded
		}
	}

	now := time.Now()
	state := SessionConnected
	if authenticated {
		state = SessionAuthenticated
	}

	u, existed := r.usersByID[userID]
	var before User
	hadBefore := false
	if existed {
		before = *u
		hadBefore = true
	} else {
		u = &User{
			UserID:      userID,
			UserName:    userName,
			ConnectedAt: now,
		}
		r.usersByID[userID] = u
	}

	session := Session{
		SocketID:     socketID,
		SessionID:    uuid.New().String(),
		ConnectedAt:  now,
		LastActivity: now,
		State:        state,
		Claims:       claims,
	}

	replaced := false
	for i := range u.Sockets {
		if u.Sockets[i].SocketID == socketID {
			u.Sockets[i] = session
			replaced = true
			break
		}
	}
	if !replaced {
		u.Sockets = append(u.Sockets, session)
		r.activeSockets++
	}

	u.UserName = userName
	u.LastActivity = now
	u.State = reduceState(u.Sockets)

	if _, existedInIndex := r.socketToUserID[socketID]; !existedInIndex {
		r.socketToUserID[socketID] = userID
	}

	snapshot := *u
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.StoreUser(ctx, snapshot); err != nil {
			r.rollbackStoreUser(socketID, userID, before, hadBefore, !replaced)
			return User{}, fmt.Errorf("persisting user %s: %w", userID, err)
		}
	}

	return snapshot, nil
}

// rollbackStoreUser undoes the in-memory mutation StoreUser made when the
// persistence write that was supposed to make it durable failed.
func (r *Registry) rollbackStoreUser(socketID, userID string, before User, hadBefore, addedSocket bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !hadBefore {
		delete(r.usersByID, userID)
		delete(r.socketToUserID, socketID)
		if addedSocket {
			r.activeSockets--
		}
		return
	}

	restored := before
	r.usersByID[userID] = &restored
	if addedSocket {
		r.activeSockets--
		delete(r.socketToUserID, socketID)
	}
}

// DisconnectReason distinguishes an explicit client disconnect from one
// discovered by the inactivity sweep, for the user_disconnected broadcast
// and audit logging.
type DisconnectReason string

const (
	DisconnectManual    DisconnectReason = "manual"
	DisconnectInactivity DisconnectReason = "inactivity"
)

// DisconnectUser removes the session for socketId from its user and
// recomputes the user's state. It returns the updated user and true, or
// the zero value and false if the socket was unknown.
func (r *Registry) DisconnectUser(socketID string, reason DisconnectReason) (User, bool) {
	r.mu.Lock()

	userID, ok := r.socketToUserID[socketID]
	if !ok {
		r.mu.Unlock()
		return User{}, false
	}

	u, ok := r.usersByID[userID]
	if !ok {
		delete(r.socketToUserID, socketID)
		r.mu.Unlock()
		return User{}, false
	}

	wasLastSocket := len(u.Sockets) <= 1
	for i := range u.Sockets {
		if u.Sockets[i].SocketID == socketID {
			u.Sockets = append(u.Sockets[:i], u.Sockets[i+1:]...)
			break
		}
	}
	delete(r.socketToUserID, socketID)
	r.activeSockets--

	u.State = reduceState(u.Sockets)
	snapshot := *u
	broadcaster := r.broadcaster
	r.mu.Unlock()

	if wasLastSocket && broadcaster != nil {
		broadcaster.BroadcastUserDisconnected(snapshot, string(reason))
	}

	return snapshot, true
}

// GetUserBySocketID is an O(1) lookup via the socket-to-user index.
func (r *Registry) GetUserBySocketID(socketID string) (User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userID, ok := r.socketToUserID[socketID]
	if !ok {
		return User{}, false
	}
	u, ok := r.usersByID[userID]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// GetUser looks up a user by id without going through the socket index.
// Used by the message core to validate a recipient exists before
// accepting a send.
func (r *Registry) GetUser(userID string) (User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.usersByID[userID]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// GetUserSockets returns the sessions currently attached to userId, used
// by the message delivery path to resolve delivery targets.
func (r *Registry) GetUserSockets(userID string) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.usersByID[userID]
	if !ok {
		return nil
	}
	out := make([]Session, len(u.Sockets))
	copy(out, u.Sockets)
	return out
}

// ActiveUserCount returns the number of distinct users currently holding
// at least one live socket, used by the /health handler's metrics.
func (r *Registry) ActiveUserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, u := range r.usersByID {
		if len(u.Sockets) > 0 {
			n++
		}
	}
	return n
}

// GetUsers returns a paginated, optionally state-filtered list of users.
// When the in-memory cache holds fewer users than coldCacheThreshold it
// reloads from the persistence store first, handling the cold-start case
// right after a process restart.
func (r *Registry) GetUsers(ctx context.Context, opts GetUsersOptions) ([]User, error) {
	r.mu.RLock()
	cacheSize := len(r.usersByID)
	r.mu.RUnlock()

	if cacheSize < coldCacheThreshold && r.store != nil {
		persisted, err := r.store.GetUsers(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("reloading users from store: %w", err)
		}
		r.mu.Lock()
		for i := range persisted {
			u := persisted[i]
			r.usersByID[u.UserID] = &u
		}
		r.mu.Unlock()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	wantStates := make(map[UserState]bool, len(opts.States))
	for _, s := range opts.States {
		wantStates[s] = true
	}

	var matched []User
	for _, u := range r.usersByID {
		if len(wantStates) > 0 && !wantStates[u.State] {
			continue
		}
		matched = append(matched, *u)
	}

	start := opts.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := len(matched)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	return matched[start:end], nil
}

// failInsecureSocketID guards every side-effecting message-core operation:
// it resolves socketId to its authenticated user, or fails with
// ErrNotAuthenticated (known socket, not yet authenticated) or
// ErrUnknownSocket (socket not tracked at all).
func (r *Registry) failInsecureSocketID(socketID string) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	userID, ok := r.socketToUserID[socketID]
	if !ok {
		return User{}, ErrUnknownSocket
	}
	u, ok := r.usersByID[userID]
	if !ok {
		return User{}, ErrUnknownSocket
	}

	for _, s := range u.Sockets {
		if s.SocketID == socketID && s.State == SessionAuthenticated {
			return *u, nil
		}
	}
	return User{}, ErrNotAuthenticated
}

// RequireAuthenticated is the exported form of failInsecureSocketID used
// by other packages (message core, event dispatcher) to authorize an
// operation against a socket.
func (r *Registry) RequireAuthenticated(socketID string) (User, error) {
	return r.failInsecureSocketID(socketID)
}

// Touch updates lastActivity for socketId's session, keeping the
// inactivity sweep from reaping a connection that is still in active use.
func (r *Registry) Touch(socketID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.socketToUserID[socketID]
	if !ok {
		return
	}
	u, ok := r.usersByID[userID]
	if !ok {
		return
	}
	now := time.Now()
	u.LastActivity = now
	for i := range u.Sockets {
		if u.Sockets[i].SocketID == socketID {
			u.Sockets[i].LastActivity = now
		}
	}
}

// StartInactivitySweep launches the periodic checkInactivity goroutine,
// ticking every interval until ctx is cancelled or Stop is called.
func (r *Registry) StartInactivitySweep(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.checkInactivity()
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			}
		}
	}()
}

// Stop halts the inactivity sweep goroutine.
func (r *Registry) Stop() {
	close(r.stopCh)
}

// checkInactivity removes sessions whose lastActivity predates
// inactivityThreshold, transitioning affected users to offline and
// broadcasting a user_disconnected event with reason "inactivity" when a
// user's last session is reaped this way.
func (r *Registry) checkInactivity() {
	cutoff := time.Now().Add(-r.inactivityThreshold)

	type reaped struct {
		user User
	}
	var toBroadcast []reaped

	r.mu.Lock()
	for userID, u := range r.usersByID {
		before := len(u.Sockets)
		var kept []Session
		for _, s := range u.Sockets {
			if s.LastActivity.Before(cutoff) {
				delete(r.socketToUserID, s.SocketID)
				r.activeSockets--
				continue
			}
			kept = append(kept, s)
		}
		if len(kept) == before {
			continue
		}
		u.Sockets = kept
		u.State = reduceState(u.Sockets)
		if len(kept) == 0 {
			toBroadcast = append(toBroadcast, reaped{user: *u})
		}
		_ = userID
	}
	broadcaster := r.broadcaster
	r.mu.Unlock()

	for _, rep := range toBroadcast {
		if broadcaster != nil {
			broadcaster.BroadcastUserDisconnected(rep.user, string(DisconnectInactivity))
		}
		r.log.Info("user went offline due to inactivity", "userId", rep.user.UserID)
	}
}
