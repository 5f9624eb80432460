// Package transport implements the Event Dispatcher and the WebSocket
// connection hub (§4.4, §6.1): it upgrades HTTP connections, authenticates
// them against the Token Verifier, tracks live sockets, and wraps every
// inbound event with the validate/timeout/respond contract. It implements
// messaging.Transport and registry.Broadcaster so the message core and
// user registry never import a concrete transport.
package transport

import (
	"encoding/json"
	"errors"
)

// wireMessage is the single envelope shape used in both directions over
// the socket: client-originated events, server-originated emits, and the
// client's ack replies to a server emit that carried an AckID.
type wireMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckID string          `json:"ackId,omitempty"`
}

// ackReplyEvent is the reserved Event value a client uses to reply to a
// server emit that requested an acknowledgement.
const ackReplyEvent = "ack"

// responseEvent is the reserved Event value used to deliver a handler's
// result when the triggering client event carried no AckID (the socket's
// "default response event" from §4.4 point 1/4).
const responseEvent = "response"

// envelope is the {success, event, result|error} shape every client
// operation resolves to (§7 "User-visible behavior").
type envelope struct {
	Success bool   `json:"success"`
	Event   string `json:"event"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ackPayload is the shape a recipient session replies with to acknowledge
// an update_message_status emit: {success: true, message: 'received'}.
type ackPayload struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ErrInvalidPayload marks a handler error as a validation failure (§4.4
// point 1, §7 "Validation"): reported to the caller as "Invalid data",
// never re-thrown, never counted as a fatal error.
var ErrInvalidPayload = errors.New("transport: invalid data")
