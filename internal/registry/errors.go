package registry

import "errors"

// Sentinel errors returned by Registry operations. Callers use errors.Is
// to distinguish them; none of these carry dynamic detail worth wrapping.
var (
	// ErrCapacityExceeded is returned by StoreUser when admitting a new
	// session would exceed MaxTotalConnections.
	ErrCapacityExceeded = errors.New("registry: capacity exceeded")

	// ErrNotAuthenticated is returned when a socket is known but has not
	// completed authentication, so side-effecting operations refuse it.
	ErrNotAuthenticated = errors.New("registry: socket not authenticated")

	// ErrUnknownSocket is returned when a socket id has no entry in the
	// socket index at all.
	ErrUnknownSocket = errors.New("registry: unknown socket")

	// ErrUnknownUser is returned when a userId has no entry in the user
	// map.
	ErrUnknownUser = errors.New("registry: unknown user")
)
