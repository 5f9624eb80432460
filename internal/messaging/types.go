// Package messaging implements the message status state machine, the
// send/ack/update pipeline, and pending-message reconciliation: the
// hardest subsystem in the server. It depends on the user registry for
// session topology and on two small capability interfaces (Store,
// Transport) rather than on concrete storage or transport packages.
package messaging

import "time"

// MessageType distinguishes a direct message from a broadcast to the
// reserved public room.
type MessageType string

const (
	TypePrivate MessageType = "private"
	TypePublic  MessageType = "public"
)

// Direction records which side of a private message a given row
// represents: every private send produces two rows sharing a messageId,
// one outgoing (the sender's copy) and one incoming (the recipient's).
type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Status is a message's position in the delivery lifecycle.
type Status string

const (
	StatusSent      Status = "sent"
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// PublicRoomID is the reserved identifier public broadcasts are stored
// and addressed against.
const PublicRoomID = "EVERY_ONE_ONLINE"

// Sender identifies who a message came from, duplicated onto both the
// outgoing and incoming copies so a recipient never has to look up the
// sender separately.
type Sender struct {
	UserID   string
	UserName string
}

// Message is one stored row: either the sender's outgoing copy or the
// recipient's incoming copy of a private message, or one of the two rows
// of a public broadcast (the sender's outgoing copy and the public room's
// incoming copy).
type Message struct {
	MessageID   string
	Direction   Direction
	Sender      Sender
	RecipientID string
	Content     string
	Type        MessageType
	Status      Status
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ReadAt      *time.Time
	Metadata    map[string]any
}
