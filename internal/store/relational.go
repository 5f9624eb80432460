package store

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/shoutbox/messenger/internal/messaging"
	"github.com/shoutbox/messenger/internal/registry"
)

// StoreUser upserts a user_sessions row, overwriting the sockets snapshot
// and state on every connect/disconnect the registry asks it to persist.
func (s *RelationalStore) StoreUser(ctx context.Context, user registry.User) error {
	row, err := userToRow(user)
	if err != nil {
		return fmt.Errorf("encoding user row: %w", err)
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now()
	}

	_, err = s.db.NewInsert().
		Model(&row).
		On("CONFLICT (user_id) DO UPDATE").
		Set("user_name = EXCLUDED.user_name").
		Set("sockets = EXCLUDED.sockets").
		Set("connected_at = EXCLUDED.connected_at").
		Set("last_activity = EXCLUDED.last_activity").
		Set("state = EXCLUDED.state").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upserting user %s: %w", user.UserID, err)
	}
	return nil
}

// GetUsers returns a paginated, optionally state-filtered list of users.
func (s *RelationalStore) GetUsers(ctx context.Context, opts registry.GetUsersOptions) ([]registry.User, error) {
	q := s.db.NewSelect().Model((*userSessionRow)(nil)).OrderExpr("last_activity DESC")

	if len(opts.States) > 0 {
		states := make([]string, len(opts.States))
		for i, st := range opts.States {
			states[i] = string(st)
		}
		q = q.Where("state IN (?)", bun.In(states))
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	var rows []userSessionRow
	if err := q.Scan(ctx, &rows); err != nil {
		return nil, fmt.Errorf("querying users: %w", err)
	}

	users := make([]registry.User, len(rows))
	for i, r := range rows {
		u, err := rowToUser(r)
		if err != nil {
			return nil, fmt.Errorf("decoding user row: %w", err)
		}
		users[i] = u
	}
	return users, nil
}

// StoreMessage inserts msg, or refreshes it in place if a row with the
// same (message_id, direction) already exists — the idempotency path for
// a retried send. userID identifies which side of the conversation this
// row belongs to (the sender for an outgoing copy, the recipient for an
// incoming one) but is not itself persisted: it is implied by
// direction plus sender_id/recipient_id.
func (s *RelationalStore) StoreMessage(ctx context.Context, userID string, msg messaging.Message) (messaging.Message, error) {
	row, err := messageToRow(msg)
	if err != nil {
		return messaging.Message{}, fmt.Errorf("encoding message row: %w", err)
	}

	_, err = s.db.NewInsert().
		Model(&row).
		On("CONFLICT (message_id, direction) DO UPDATE").
		Set("content = EXCLUDED.content").
		Set("status = EXCLUDED.status").
		Set("updated_at = EXCLUDED.updated_at").
		Returning("*").
		Exec(ctx)
	if err != nil {
		return messaging.Message{}, fmt.Errorf("storing message %s (%s): %w", msg.MessageID, msg.Direction, err)
	}
	return rowToMessage(row)
}

// UpdateMessageStatus conditionally transitions the sender's outgoing
// copy of messageId: the caller must own it (sender_id = userId) and its
// current status must be a member of fromStatusSet. Returns the number
// of rows the update actually touched.
func (s *RelationalStore) UpdateMessageStatus(ctx context.Context, userID, messageID string, newStatus messaging.Status, fromStatusSet []messaging.Status) (int, error) {
	fromSet := make([]string, len(fromStatusSet))
	for i, st := range fromStatusSet {
		fromSet[i] = string(st)
	}

	result, err := s.db.NewUpdate().
		Model((*messageRow)(nil)).
		Set("status = ?", string(newStatus)).
		Set("updated_at = ?", time.Now()).
		Where("sender_id = ?", userID).
		Where("message_id = ?", messageID).
		Where("direction = ?", string(messaging.DirectionOutgoing)).
		Where("status IN (?)", bun.In(fromSet)).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("updating status of %s: %w", messageID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rows), nil
}

var unreadStatuses = []string{
	string(messaging.StatusSent),
	string(messaging.StatusPending),
	string(messaging.StatusDelivered),
}

// MarkMessagesAsRead sets status=read and read_at=now() on userId's
// incoming copies of messageIDs, returning the updated rows.
func (s *RelationalStore) MarkMessagesAsRead(ctx context.Context, userID string, messageIDs []string) ([]messaging.Message, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	now := time.Now()

	var rows []messageRow
	_, err := s.db.NewUpdate().
		Model((*messageRow)(nil)).
		Set("status = ?", string(messaging.StatusRead)).
		Set("read_at = ?", now).
		Set("updated_at = ?", now).
		Where("recipient_id = ?", userID).
		Where("direction = ?", string(messaging.DirectionIncoming)).
		Where("message_id IN (?)", bun.In(messageIDs)).
		Returning("*").
		Exec(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("marking messages read for %s: %w", userID, err)
	}
	return rowsToMessages(rows)
}

// MarkMessagesAsDelivered sets status=delivered on userId's incoming
// copies of messageIDs that are still sent or pending.
func (s *RelationalStore) MarkMessagesAsDelivered(ctx context.Context, userID string, messageIDs []string) ([]messaging.Message, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}

	var rows []messageRow
	_, err := s.db.NewUpdate().
		Model((*messageRow)(nil)).
		Set("status = ?", string(messaging.StatusDelivered)).
		Set("updated_at = ?", time.Now()).
		Where("recipient_id = ?", userID).
		Where("direction = ?", string(messaging.DirectionIncoming)).
		Where("message_id IN (?)", bun.In(messageIDs)).
		Where("status IN (?)", bun.In([]string{string(messaging.StatusSent), string(messaging.StatusPending)})).
		Returning("*").
		Exec(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("marking messages delivered for %s: %w", userID, err)
	}
	return rowsToMessages(rows)
}

// GetMessages answers the general-purpose conversation query (§4.5):
// userId's outgoing copies, incoming copies, or both depending on
// opts.Direction, filtered and paginated per opts.
func (s *RelationalStore) GetMessages(ctx context.Context, userID string, opts messaging.GetMessagesOptions) (messaging.GetMessagesResult, error) {
	q := s.db.NewSelect().Model((*messageRow)(nil))

	switch opts.Direction {
	case messaging.DirectionIncoming:
		q = q.Where("recipient_id = ? AND direction = ?", userID, string(messaging.DirectionIncoming))
	case messaging.DirectionOutgoing:
		q = q.Where("sender_id = ? AND direction = ?", userID, string(messaging.DirectionOutgoing))
	default:
		q = q.Where(
			"(sender_id = ? AND direction = ?) OR (recipient_id = ? AND direction = ?)",
			userID, string(messaging.DirectionOutgoing), userID, string(messaging.DirectionIncoming),
		)
	}

	if opts.Type != "" {
		q = q.Where("message_type = ?", string(opts.Type))
	}
	if opts.Status != "" {
		q = q.Where("status = ?", string(opts.Status))
	}
	if len(opts.MessageIDs) > 0 {
		q = q.Where("message_id IN (?)", bun.In(opts.MessageIDs))
	}
	if opts.SenderID != "" {
		q = q.Where("sender_id = ?", opts.SenderID)
	}
	if opts.RecipientID != "" {
		q = q.Where("recipient_id = ?", opts.RecipientID)
	}
	if opts.Since != nil {
		q = q.Where("created_at >= ?", time.Unix(*opts.Since, 0))
	}
	if opts.Until != nil {
		q = q.Where("created_at <= ?", time.Unix(*opts.Until, 0))
	}
	if opts.UnreadOnly {
		q = q.Where("status IN (?)", bun.In(unreadStatuses))
	}

	total, err := q.Count(ctx)
	if err != nil {
		return messaging.GetMessagesResult{}, fmt.Errorf("counting messages for %s: %w", userID, err)
	}

	q = q.OrderExpr("updated_at DESC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}

	var rows []messageRow
	if err := q.Scan(ctx, &rows); err != nil {
		return messaging.GetMessagesResult{}, fmt.Errorf("querying messages for %s: %w", userID, err)
	}

	messages, err := rowsToMessages(rows)
	if err != nil {
		return messaging.GetMessagesResult{}, err
	}

	hasMore := opts.Limit > 0 && opts.Offset+len(messages) < total
	return messaging.GetMessagesResult{Messages: messages, Total: total, HasMore: hasMore}, nil
}

// GetUnreadMessages resolves the id set MarkAsRead should act on: every
// not-yet-read incoming message from opts.ConversationPartnerID, or an
// explicit opts.MessageIDs set, narrowed to userId's inbox.
func (s *RelationalStore) GetUnreadMessages(ctx context.Context, userID string, opts messaging.GetUnreadMessagesOptions) ([]messaging.Message, error) {
	direction := opts.Direction
	if direction == "" {
		direction = messaging.DirectionIncoming
	}

	q := s.db.NewSelect().Model((*messageRow)(nil)).
		Where("recipient_id = ?", userID).
		Where("direction = ?", string(direction)).
		Where("status IN (?)", bun.In(unreadStatuses))

	if opts.ConversationPartnerID != "" {
		q = q.Where("sender_id = ?", opts.ConversationPartnerID)
	}
	if len(opts.MessageIDs) > 0 {
		q = q.Where("message_id IN (?)", bun.In(opts.MessageIDs))
	}

	var rows []messageRow
	if err := q.OrderExpr("created_at ASC").Scan(ctx, &rows); err != nil {
		return nil, fmt.Errorf("querying unread messages for %s: %w", userID, err)
	}
	return rowsToMessages(rows)
}

func rowsToMessages(rows []messageRow) ([]messaging.Message, error) {
	out := make([]messaging.Message, len(rows))
	for i, r := range rows {
		m, err := rowToMessage(r)
		if err != nil {
			return nil, fmt.Errorf("decoding message row: %w", err)
		}
		out[i] = m
	}
	return out, nil
}
