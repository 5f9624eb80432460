package registry

import "context"

// Store is the slice of the persistence contract the registry needs: it
// durably records user rows and can answer a paginated query when the
// in-memory cache is cold. Defined here, not in the store package, so the
// registry has no import-time dependency on a concrete storage backend;
// the store package implements this interface against its own Persistence
// Store implementation.
type Store interface {
	StoreUser(ctx context.Context, user User) error
	GetUsers(ctx context.Context, opts GetUsersOptions) ([]User, error)
}

// GetUsersOptions filters and paginates a GetUsers query.
type GetUsersOptions struct {
	States []UserState
	Limit  int
	Offset int
}

// Broadcaster is the outbound capability the registry needs from the
// transport layer: announcing that a user has gone fully offline. The
// transport is built after the registry during startup but the registry
// is constructed first and wired with a Broadcaster once the transport
// exists, avoiding an import cycle between the two packages.
type Broadcaster interface {
	BroadcastUserDisconnected(user User, reason string)
}

// noopBroadcaster discards disconnect announcements. Used when a Registry
// is constructed before a transport is available yet (e.g. in tests).
type noopBroadcaster struct{}

func (noopBroadcaster) BroadcastUserDisconnected(User, string) {}
