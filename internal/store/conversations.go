package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shoutbox/messenger/internal/messaging"
)

// StatusCounts tallies messages of one direction by status, for one
// conversation partner.
type StatusCounts struct {
	Sent      int
	Pending   int
	Delivered int
	Read      int
	Failed    int
}

func (c *StatusCounts) add(status string) {
	switch messaging.Status(status) {
	case messaging.StatusSent:
		c.Sent++
	case messaging.StatusPending:
		c.Pending++
	case messaging.StatusDelivered:
		c.Delivered++
	case messaging.StatusRead:
		c.Read++
	case messaging.StatusFailed:
		c.Failed++
	}
}

// ConversationSummary is one row of getUserConversationsList (§4.5): a
// grouped aggregate of a user's messages with a single other party,
// counted per direction and status.
type ConversationSummary struct {
	OtherPartyID   string
	Outgoing       StatusCounts
	Incoming       StatusCounts
	FirstMessageAt time.Time
	LastMessageAt  time.Time
}

// ConversationsListOptions filters and paginates getUserConversationsList.
type ConversationsListOptions struct {
	Type   messaging.MessageType
	Limit  int
	Offset int
}

// conversationRow is the shape of one grouped aggregate row, shared by
// the SQL and in-memory implementations below.
type conversationRow struct {
	otherPartyID string
	direction    string
	status       string
	count        int
	firstAt      time.Time
	lastAt       time.Time
}

// foldConversationRows groups raw per-(otherParty,direction,status) rows
// into one ConversationSummary per other party, sorted by lastMessageAt
// descending, then paginates.
func foldConversationRows(rows []conversationRow, opts ConversationsListOptions) []ConversationSummary {
	byParty := make(map[string]*ConversationSummary)
	var order []string

	for _, r := range rows {
		s, ok := byParty[r.otherPartyID]
		if !ok {
			s = &ConversationSummary{OtherPartyID: r.otherPartyID}
			byParty[r.otherPartyID] = s
			order = append(order, r.otherPartyID)
		}
		if messaging.Direction(r.direction) == messaging.DirectionOutgoing {
			s.Outgoing.add(r.status)
		} else {
			s.Incoming.add(r.status)
		}
		if s.FirstMessageAt.IsZero() || r.firstAt.Before(s.FirstMessageAt) {
			s.FirstMessageAt = r.firstAt
		}
		if r.lastAt.After(s.LastMessageAt) {
			s.LastMessageAt = r.lastAt
		}
	}

	summaries := make([]ConversationSummary, 0, len(order))
	for _, id := range order {
		summaries = append(summaries, *byParty[id])
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].LastMessageAt.After(summaries[j].LastMessageAt)
	})

	start := opts.Offset
	if start > len(summaries) {
		start = len(summaries)
	}
	end := len(summaries)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	return summaries[start:end]
}

// GetUserConversationsList returns userId's conversations, one row per
// other party, aggregating outgoing/incoming counts per status.
func (s *RelationalStore) GetUserConversationsList(ctx context.Context, userID string, opts ConversationsListOptions) ([]ConversationSummary, error) {
	query := `
		SELECT
			CASE WHEN direction = 'outgoing' THEN recipient_id ELSE sender_id END AS other_party_id,
			direction,
			status,
			COUNT(*) AS cnt,
			MIN(created_at) AS first_at,
			MAX(created_at) AS last_at
		FROM messages
		WHERE ((direction = 'outgoing' AND sender_id = ?) OR (direction = 'incoming' AND recipient_id = ?))`
	args := []any{userID, userID}
	if opts.Type != "" {
		query += " AND message_type = ?"
		args = append(args, string(opts.Type))
	}
	query += " GROUP BY other_party_id, direction, status"

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("aggregating conversations for %s: %w", userID, err)
	}
	defer rows.Close()

	var out []conversationRow
	for rows.Next() {
		var r conversationRow
		var cnt int
		if err := rows.Scan(&r.otherPartyID, &r.direction, &r.status, &cnt, &r.firstAt, &r.lastAt); err != nil {
			return nil, fmt.Errorf("scanning conversation aggregate row: %w", err)
		}
		for i := 0; i < cnt; i++ {
			out = append(out, r)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return foldConversationRows(out, opts), nil
}

// CleanupOldMessages deletes messages last updated before maxAge ago —
// the cadence-driven housekeeping pass from §4.5. Returns rows removed.
func (s *RelationalStore) CleanupOldMessages(ctx context.Context, maxAge time.Duration) (int, error) {
	result, err := s.db.NewDelete().
		Model((*messageRow)(nil)).
		Where("updated_at < ?", time.Now().Add(-maxAge)).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("cleaning up old messages: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rows), nil
}

// CleanupInactiveUserSessions deletes user_sessions rows that have been
// offline and untouched since before maxAge ago.
func (s *RelationalStore) CleanupInactiveUserSessions(ctx context.Context, maxAge time.Duration) (int, error) {
	result, err := s.db.NewDelete().
		Model((*userSessionRow)(nil)).
		Where("state = ?", "offline").
		Where("last_activity < ?", time.Now().Add(-maxAge)).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("cleaning up inactive user sessions: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(rows), nil
}

// GetUserConversationsList is MemoryStore's equivalent aggregate, built by
// scanning the in-memory message map instead of a grouped SQL query.
func (s *MemoryStore) GetUserConversationsList(_ context.Context, userID string, opts ConversationsListOptions) ([]ConversationSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var raw []conversationRow
	for _, m := range s.messages {
		var otherParty string
		switch m.Direction {
		case messaging.DirectionOutgoing:
			if m.Sender.UserID != userID {
				continue
			}
			otherParty = m.RecipientID
		case messaging.DirectionIncoming:
			if m.RecipientID != userID {
				continue
			}
			otherParty = m.Sender.UserID
		default:
			continue
		}
		if opts.Type != "" && m.Type != opts.Type {
			continue
		}
		raw = append(raw, conversationRow{
			otherPartyID: otherParty,
			direction:    string(m.Direction),
			status:       string(m.Status),
			firstAt:      m.CreatedAt,
			lastAt:       m.UpdatedAt,
		})
	}

	return foldConversationRows(raw, opts), nil
}

// CleanupOldMessages removes in-memory messages last updated before
// maxAge ago.
func (s *MemoryStore) CleanupOldMessages(_ context.Context, maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for k, m := range s.messages {
		if m.UpdatedAt.Before(cutoff) {
			delete(s.messages, k)
			removed++
		}
	}
	return removed, nil
}

// CleanupInactiveUserSessions removes in-memory offline users whose
// lastActivity predates maxAge ago.
func (s *MemoryStore) CleanupInactiveUserSessions(_ context.Context, maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, u := range s.users {
		if u.State == "offline" && u.LastActivity.Before(cutoff) {
			delete(s.users, id)
			removed++
		}
	}
	return removed, nil
}
