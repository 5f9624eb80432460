package messaging

import (
	"context"
	"time"
)

// DeliveryAck is the acknowledgement shape a recipient session is
// expected to respond with when sent an update_message_status event:
// {success: true, message: 'received'}.
type DeliveryAck struct {
	Success bool
	Message string
}

// Transport is the outbound capability the message core needs from the
// event dispatcher / websocket layer: emit-with-ack to one session,
// fire-and-forget emit to one session, and a room-addressed broadcast.
// Declared here so the message core has no import-time dependency on a
// concrete transport; the transport package is built against the
// registry and wired with a reference to this package's Core instead.
type Transport interface {
	// EmitWithAck sends event to socketID and blocks for at most timeout
	// waiting for an acknowledgement. A timeout, transport error, or
	// malformed ack all surface as a non-nil error; the caller treats
	// all three identically as a per-session delivery failure.
	EmitWithAck(ctx context.Context, socketID, event string, payload any, timeout time.Duration) (DeliveryAck, error)

	// Emit fire-and-forgets event to socketID. Used for notifications
	// that don't need a delivery guarantee (status updates, typing).
	Emit(socketID, event string, payload any) error

	// BroadcastPublic emits event to every currently connected session.
	BroadcastPublic(event string, payload any)

	// ActiveSessionIDs filters candidateSocketIDs down to the ones the
	// transport considers live right now — the "intersection of
	// registry sessions and transport room membership" from §4.3.2.
	ActiveSessionIDs(candidateSocketIDs []string) []string
}
