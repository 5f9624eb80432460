// Package store implements the Persistence Store contract (§4.5) against
// two backends: an in-memory map for development/test, and a relational
// schema (sqlite or postgres, via uptrace/bun) for production. Both
// implementations satisfy registry.Store and messaging.Store so either
// can be handed to the user registry and message core unmodified.
package store

import (
	"time"

	"github.com/uptrace/bun"
)

// userSessionRow is the relational shape of user_sessions (§6.4).
type userSessionRow struct {
	bun.BaseModel `bun:"table:user_sessions"`

	UserID       string    `bun:"user_id,pk"`
	UserName     string    `bun:"user_name,notnull"`
	SocketsJSON  string    `bun:"sockets,type:jsonb"`
	CreatedAt    time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	ConnectedAt  time.Time `bun:"connected_at,nullzero,notnull"`
	LastActivity time.Time `bun:"last_activity,nullzero,notnull"`
	State        string    `bun:"state,notnull"`
	MetadataJSON string    `bun:"metadata,type:jsonb"`
}

// messageRow is the relational shape of messages (§6.4).
type messageRow struct {
	bun.BaseModel `bun:"table:messages"`

	ID           int64      `bun:"id,pk,autoincrement"`
	MessageID    string     `bun:"message_id,notnull"`
	SenderID     string     `bun:"sender_id,notnull"`
	SenderName   string     `bun:"sender_name"`
	RecipientID  string     `bun:"recipient_id,notnull"`
	Content      string     `bun:"content,notnull"`
	MessageType  string     `bun:"message_type,notnull,default:'private'"`
	Direction    string     `bun:"direction,notnull"`
	Status       string     `bun:"status,notnull"`
	CreatedAt    time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt    time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
	ReadAt       *time.Time `bun:"read_at"`
	MetadataJSON string     `bun:"metadata,type:jsonb"`
}
