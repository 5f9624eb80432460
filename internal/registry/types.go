// Package registry maintains the live connection topology: logical users,
// their active sessions, and the socket-to-user index used to route
// messages. It is the single source of truth for "who is online right
// now"; durable rows live in the persistence store instead.
package registry

import "time"

// UserState is the reduction of a user's sockets, recomputed after every
// mutation to the Sockets slice.
type UserState string

const (
	UserConnected     UserState = "connected"
	UserAuthenticated UserState = "authenticated"
	UserDisconnected  UserState = "disconnected"
	UserOffline       UserState = "offline"
)

// SessionState is the authentication state of a single transport
// connection.
type SessionState string

const (
	SessionConnected     SessionState = "connected"
	SessionAuthenticated SessionState = "authenticated"
	SessionDisconnected  SessionState = "disconnected"
)

// Session is one transport-level connection belonging to a User.
type Session struct {
	SocketID     string
	SessionID    string
	ConnectedAt  time.Time
	LastActivity time.Time
	State        SessionState
	Claims       map[string]any
}

// User is a logical identity, possibly connected through several
// concurrent Sessions (multiple tabs, devices, and so on).
type User struct {
	UserID       string
	UserName     string
	State        UserState
	Sockets      []Session
	ConnectedAt  time.Time
	LastActivity time.Time
}

// reduceState applies the state-reduction rule: offline if there are no
// sockets, authenticated if any socket is authenticated, connected if any
// socket is merely connected, disconnected otherwise.
func reduceState(sockets []Session) UserState {
	if len(sockets) == 0 {
		return UserOffline
	}
	anyConnected := false
	for _, s := range sockets {
		if s.State == SessionAuthenticated {
			return UserAuthenticated
		}
		if s.State == SessionConnected {
			anyConnected = true
		}
	}
	if anyConnected {
		return UserConnected
	}
	return UserDisconnected
}
