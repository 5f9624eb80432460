package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shoutbox/messenger/internal/registry"
)

// Config holds the message core's tunable knobs, sourced from the
// process configuration.
type Config struct {
	MessageAckTimeout        time.Duration
	PendingMessageMaxAgeDays int
}

// Core owns the send-deliver-acknowledge pipeline, the status state
// machine, and pending reconciliation — the hardest subsystem in the
// server. It depends on the registry for session topology and on the
// Store/Transport interfaces declared in this package, never on a
// concrete storage or transport implementation.
type Core struct {
	registry  *registry.Registry
	store     Store
	transport Transport
	cfg       Config
	log       *slog.Logger
}

// NewCore wires a message core against the registry and the Store
// capability. Transport is supplied later via SetTransport once the
// event dispatcher exists, completing the topology-first init order.
func NewCore(reg *registry.Registry, store Store, cfg Config, log *slog.Logger) *Core {
	if log == nil {
		log = slog.Default()
	}
	return &Core{registry: reg, store: store, cfg: cfg, log: log}
}

// SetTransport wires the event dispatcher's delivery capability into the
// core once it has been constructed.
func (c *Core) SetTransport(t Transport) {
	c.transport = t
}

// predecessorsOf returns the set of statuses updateMessageStatus will
// accept as the current value when transitioning to newStatus. Every
// status but failed has exactly one predecessor in the ordered sequence;
// failed is reachable from any non-terminal status.
func predecessorsOf(newStatus Status) ([]Status, error) {
	switch newStatus {
	case StatusPending:
		return []Status{StatusSent}, nil
	case StatusDelivered:
		return []Status{StatusPending}, nil
	case StatusRead:
		return []Status{StatusDelivered}, nil
	case StatusFailed:
		return []Status{StatusSent, StatusPending, StatusDelivered}, nil
	default:
		return nil, fmt.Errorf("messaging: %q is not a valid transition target", newStatus)
	}
}

// updateStatus computes the predecessor state(s) for newStatus and asks
// the store to perform a conditional update. A zero rows-updated result
// is non-fatal: it means the message was already past this point (or
// moved via a race), logged as a warning rather than propagated.
func (c *Core) updateStatus(ctx context.Context, userID, messageID string, newStatus Status) (int, error) {
	fromSet, err := predecessorsOf(newStatus)
	if err != nil {
		return 0, err
	}
	rows, err := c.store.UpdateMessageStatus(ctx, userID, messageID, newStatus, fromSet)
	if err != nil {
		return 0, err
	}
	if rows == 0 {
		c.log.Warn("message status transition rejected by store", "messageId", messageID, "to", newStatus)
	}
	return rows, nil
}

// Send implements sendMessage(socketId, recipientId, content) → Message
// (§4.3.2): guards the sender, validates the recipient, persists both
// copies, transitions the sender's copy to pending, and resolves the
// live delivery targets. It returns the sender's stored (now-pending)
// copy and the socket ids delivery tracking should target.
func (c *Core) Send(ctx context.Context, socketID, recipientID, content string) (Message, []string, error) {
	sender, err := c.registry.RequireAuthenticated(socketID)
	if err != nil {
		return Message{}, nil, err
	}

	if content == "" {
		return Message{}, nil, fmt.Errorf("%w: content must not be empty", ErrInvalidMessage)
	}
	if recipientID == "" {
		return Message{}, nil, fmt.Errorf("%w: recipientId must not be empty", ErrInvalidMessage)
	}

	if _, ok := c.registry.GetUser(recipientID); !ok {
		return Message{}, nil, ErrUnknownRecipient
	}

	messageID := uuid.New().String()
	now := time.Now()

	outgoing := Message{
		MessageID:   messageID,
		Direction:   DirectionOutgoing,
		Sender:      Sender{UserID: sender.UserID, UserName: sender.UserName},
		RecipientID: recipientID,
		Content:     content,
		Type:        TypePrivate,
		Status:      StatusSent,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	incoming := outgoing
	incoming.Direction = DirectionIncoming

	storedOutgoing, err := c.store.StoreMessage(ctx, sender.UserID, outgoing)
	if err != nil {
		return Message{}, nil, fmt.Errorf("persisting outgoing copy of %s: %w", messageID, err)
	}
	if _, err := c.store.StoreMessage(ctx, recipientID, incoming); err != nil {
		return Message{}, nil, fmt.Errorf("persisting incoming copy of %s: %w", messageID, err)
	}

	if _, err := c.updateStatus(ctx, sender.UserID, messageID, StatusPending); err != nil {
		c.log.Warn("failed to transition new message to pending", "messageId", messageID, "error", err)
	} else {
		storedOutgoing.Status = StatusPending
	}

	sockets := c.registry.GetUserSockets(recipientID)
	candidates := make([]string, len(sockets))
	for i, s := range sockets {
		candidates[i] = s.SocketID
	}

	targets := candidates
	if c.transport != nil {
		targets = c.transport.ActiveSessionIDs(candidates)
	}

	return storedOutgoing, targets, nil
}

// GetSafeTimeouts derives the handler and delivery-tracking timeout
// budgets from a client-provided request timeout (§4.3.3/§6):
//
//	handlerTimeout  = max(clientTimeout - 1000ms, 100ms)
//	deliveryTimeout = min(messageAckTimeout, max(clientTimeout - 2000ms, 100ms), 3000ms)
//
// This keeps the ack window strictly inside the handler window with
// headroom for cleanup.
func GetSafeTimeouts(clientTimeout, messageAckTimeout time.Duration) (handlerTimeout, deliveryTimeout time.Duration) {
	handlerTimeout = clientTimeout - time.Second
	if handlerTimeout < 100*time.Millisecond {
		handlerTimeout = 100 * time.Millisecond
	}

	budget := clientTimeout - 2*time.Second
	if budget < 100*time.Millisecond {
		budget = 100 * time.Millisecond
	}

	deliveryTimeout = messageAckTimeout
	if budget < deliveryTimeout {
		deliveryTimeout = budget
	}
	if deliveryTimeout > 3*time.Second {
		deliveryTimeout = 3 * time.Second
	}
	return handlerTimeout, deliveryTimeout
}

// TrackDelivery implements trackMessageDelivery(msg, recipientId,
// deliveryTimeout) → finalStatus (§4.3.3): emits update_message_status to
// each candidate session with a per-emit timeout of
// min(deliveryTimeout-50ms, 50ms), aggregates to delivered if any session
// acknowledged or pending otherwise, and never lets a fatal error escape
// upward — any panic in the fan-out falls back to pending.
func (c *Core) TrackDelivery(ctx context.Context, msg Message, targetSocketIDs []string, deliveryTimeout time.Duration) (final Status) {
	final = StatusPending
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("panic during delivery tracking, falling back to pending", "messageId", msg.MessageID, "panic", r)
			final = StatusPending
		}
	}()

	if c.transport == nil || len(targetSocketIDs) == 0 {
		return StatusPending
	}

	perEmit := deliveryTimeout - 50*time.Millisecond
	if perEmit > 50*time.Millisecond {
		perEmit = 50 * time.Millisecond
	}
	if perEmit < 0 {
		perEmit = 0
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	anyDelivered := false

	for _, socketID := range targetSocketIDs {
		wg.Add(1)
		go func(socketID string) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					c.log.Error("panic while emitting to session, counting it as undelivered", "socketId", socketID, "messageId", msg.MessageID, "panic", r)
				}
			}()
			ack, err := c.transport.EmitWithAck(ctx, socketID, "update_message_status", msg, perEmit)
			if err != nil || !ack.Success {
				c.log.Warn("delivery failed for session", "socketId", socketID, "messageId", msg.MessageID, "error", err)
				return
			}
			mu.Lock()
			anyDelivered = true
			mu.Unlock()
		}(socketID)
	}
	wg.Wait()

	if anyDelivered {
		return StatusDelivered
	}
	return StatusPending
}

// FinalizeDelivery persists the final status from TrackDelivery via the
// state machine and notifies the sender and every recipient session of
// the outcome, regardless of whether the persistence attempt succeeded,
// so both ends' UIs converge on the same status.
func (c *Core) FinalizeDelivery(ctx context.Context, senderUserID, senderSocketID string, msg Message, recipientSocketIDs []string, final Status) {
	if _, err := c.updateStatus(ctx, senderUserID, msg.MessageID, final); err != nil {
		c.log.Warn("failed to persist final delivery status", "messageId", msg.MessageID, "error", err)
	}

	if c.transport == nil {
		return
	}
	payload := map[string]any{"messageId": msg.MessageID, "status": final}
	if senderSocketID != "" {
		_ = c.transport.Emit(senderSocketID, "update_message_status", payload)
	}
	for _, sid := range recipientSocketIDs {
		_ = c.transport.Emit(sid, "update_message_status", payload)
	}
}

// ReconcilePending implements the post-auth pending-reconciliation pass
// (§4.3.4): queries the newly-authenticated user's pending incoming
// private messages from the last 7 days, re-emits each with an ack, and
// batches the acknowledged ids into one markMessagesAsDelivered call.
// Unacknowledged messages remain pending.
func (c *Core) ReconcilePending(ctx context.Context, socketID, userID string) error {
	if c.transport == nil {
		return nil
	}

	since := time.Now().AddDate(0, 0, -c.cfg.PendingMessageMaxAgeDays).Unix()
	result, err := c.store.GetMessages(ctx, userID, GetMessagesOptions{
		Direction: DirectionIncoming,
		Status:    StatusPending,
		Type:      TypePrivate,
		Since:     &since,
	})
	if err != nil {
		return fmt.Errorf("querying pending messages for reconciliation: %w", err)
	}

	var acked []string
	for _, m := range result.Messages {
		ack, err := c.transport.EmitWithAck(ctx, socketID, "update_message_status", m, c.cfg.MessageAckTimeout)
		if err != nil || !ack.Success {
			continue
		}
		acked = append(acked, m.MessageID)
	}

	if len(acked) == 0 {
		return nil
	}
	if _, err := c.store.MarkMessagesAsDelivered(ctx, userID, acked); err != nil {
		return fmt.Errorf("marking reconciled messages delivered: %w", err)
	}
	return nil
}

// ReadFilter selects which of a recipient's unread messages MarkAsRead
// should affect: either an explicit id set, or every message from one
// conversation partner.
type ReadFilter struct {
	MessageIDs []string
	SenderID   string
}

// MarkAsReadResult is the {marked, updatedMessages} response shape from
// §4.3.5.
type MarkAsReadResult struct {
	Marked          int
	UpdatedMessages []Message
}

// MarkAsRead implements markMessagesAsRead(socketId,
// {messageIds|senderId}) (§4.3.5): guards authentication, resolves the
// unread id set, conditionally updates read_at/status in one store call,
// and notifies both the recipient's and sender's session rooms.
func (c *Core) MarkAsRead(ctx context.Context, socketID string, filter ReadFilter) (MarkAsReadResult, error) {
	user, err := c.registry.RequireAuthenticated(socketID)
	if err != nil {
		return MarkAsReadResult{}, err
	}

	unread, err := c.store.GetUnreadMessages(ctx, user.UserID, GetUnreadMessagesOptions{
		ConversationPartnerID: filter.SenderID,
		MessageIDs:            filter.MessageIDs,
		Direction:             DirectionIncoming,
	})
	if err != nil {
		return MarkAsReadResult{}, fmt.Errorf("resolving unread messages: %w", err)
	}
	if len(unread) == 0 {
		return MarkAsReadResult{}, nil
	}

	ids := make([]string, len(unread))
	for i, m := range unread {
		ids[i] = m.MessageID
	}

	updated, err := c.store.MarkMessagesAsRead(ctx, user.UserID, ids)
	if err != nil {
		return MarkAsReadResult{}, fmt.Errorf("marking messages read: %w", err)
	}

	if c.transport != nil {
		for _, m := range updated {
			for _, s := range c.registry.GetUserSockets(user.UserID) {
				_ = c.transport.Emit(s.SocketID, "update_message_status", m)
			}
			senderCopy := m
			senderCopy.Direction = DirectionOutgoing
			for _, s := range c.registry.GetUserSockets(m.Sender.UserID) {
				_ = c.transport.Emit(s.SocketID, "update_message_status", senderCopy)
			}
		}
	}

	return MarkAsReadResult{Marked: len(updated), UpdatedMessages: updated}, nil
}

// TypingIndicator implements the stateless typing passthrough (§4.3.6):
// validates the sender, resolves the recipient's live sessions, and
// emits typingIndicator to each. A recipient with no active sessions is
// logged, not treated as an error.
func (c *Core) TypingIndicator(socketID, recipientID string, isTyping bool) error {
	sender, err := c.registry.RequireAuthenticated(socketID)
	if err != nil {
		return err
	}

	sockets := c.registry.GetUserSockets(recipientID)
	if len(sockets) == 0 {
		c.log.Info("typing indicator: recipient has no active sessions", "recipientId", recipientID)
		return nil
	}

	payload := map[string]any{
		"sender":    sender.UserID,
		"isTyping":  isTyping,
		"timestamp": time.Now(),
	}
	if c.transport != nil {
		for _, s := range sockets {
			_ = c.transport.Emit(s.SocketID, "typingIndicator", payload)
		}
	}
	return nil
}

// PublicBroadcast implements the public-room send path (§4.3.7):
// validates the sender, persists one outgoing row for the sender and one
// delivered incoming row against the public room, and broadcasts the
// message to every connected session.
func (c *Core) PublicBroadcast(ctx context.Context, socketID, content string) (Message, error) {
	sender, err := c.registry.RequireAuthenticated(socketID)
	if err != nil {
		return Message{}, err
	}
	if content == "" {
		return Message{}, fmt.Errorf("%w: content must not be empty", ErrInvalidMessage)
	}

	messageID := uuid.New().String()
	now := time.Now()

	outgoing := Message{
		MessageID:   messageID,
		Direction:   DirectionOutgoing,
		Sender:      Sender{UserID: sender.UserID, UserName: sender.UserName},
		RecipientID: PublicRoomID,
		Content:     content,
		Type:        TypePublic,
		Status:      StatusDelivered,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	incoming := outgoing
	incoming.Direction = DirectionIncoming

	if _, err := c.store.StoreMessage(ctx, sender.UserID, outgoing); err != nil {
		return Message{}, fmt.Errorf("persisting sender copy of public message %s: %w", messageID, err)
	}
	stored, err := c.store.StoreMessage(ctx, PublicRoomID, incoming)
	if err != nil {
		return Message{}, fmt.Errorf("persisting public room copy of %s: %w", messageID, err)
	}

	if c.transport != nil {
		c.transport.BroadcastPublic("public_message", stored)
	}
	return stored, nil
}
