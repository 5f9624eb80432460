package store

import (
	"context"
	"sync"
	"time"

	"github.com/shoutbox/messenger/internal/messaging"
	"github.com/shoutbox/messenger/internal/registry"
)

// MemoryStore is a process-local Persistence Store implementation used
// for development and tests, where standing up sqlite/postgres is
// unnecessary overhead. It satisfies the same registry.Store and
// messaging.Store interfaces as RelationalStore and applies the same
// ownership rules (outgoing copies keyed by sender, incoming copies keyed
// by recipient), just against in-memory maps instead of SQL tables.
type MemoryStore struct {
	mu    sync.Mutex
	users map[string]registry.User
	// messages is keyed by (messageID, direction) so a private send's two
	// copies, which share a messageID, never collide.
	messages map[messageKey]messaging.Message
}

type messageKey struct {
	messageID string
	direction messaging.Direction
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[string]registry.User),
		messages: make(map[messageKey]messaging.Message),
	}
}

func (s *MemoryStore) StoreUser(_ context.Context, user registry.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[user.UserID] = user
	return nil
}

func (s *MemoryStore) GetUsers(_ context.Context, opts registry.GetUsersOptions) ([]registry.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	wantStates := make(map[registry.UserState]bool, len(opts.States))
	for _, st := range opts.States {
		wantStates[st] = true
	}

	var matched []registry.User
	for _, u := range s.users {
		if len(wantStates) > 0 && !wantStates[u.State] {
			continue
		}
		matched = append(matched, u)
	}

	start := opts.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := len(matched)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	return matched[start:end], nil
}

func (s *MemoryStore) StoreMessage(_ context.Context, _ string, msg messaging.Message) (messaging.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.UpdatedAt.IsZero() {
		msg.UpdatedAt = msg.CreatedAt
	}
	s.messages[messageKey{msg.MessageID, msg.Direction}] = msg
	return msg, nil
}

func (s *MemoryStore) UpdateMessageStatus(_ context.Context, userID, messageID string, newStatus messaging.Status, fromStatusSet []messaging.Status) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := messageKey{messageID, messaging.DirectionOutgoing}
	msg, ok := s.messages[key]
	if !ok || msg.Sender.UserID != userID {
		return 0, nil
	}
	if !statusIn(msg.Status, fromStatusSet) {
		return 0, nil
	}
	msg.Status = newStatus
	msg.UpdatedAt = time.Now()
	s.messages[key] = msg
	return 1, nil
}

func (s *MemoryStore) MarkMessagesAsRead(_ context.Context, userID string, messageIDs []string) ([]messaging.Message, error) {
	return s.markIncoming(userID, messageIDs, messaging.StatusRead, nil)
}

func (s *MemoryStore) MarkMessagesAsDelivered(_ context.Context, userID string, messageIDs []string) ([]messaging.Message, error) {
	allowedFrom := []messaging.Status{messaging.StatusSent, messaging.StatusPending}
	return s.markIncoming(userID, messageIDs, messaging.StatusDelivered, allowedFrom)
}

func (s *MemoryStore) markIncoming(userID string, messageIDs []string, newStatus messaging.Status, allowedFrom []messaging.Status) ([]messaging.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var updated []messaging.Message
	now := time.Now()
	for _, id := range messageIDs {
		key := messageKey{id, messaging.DirectionIncoming}
		msg, ok := s.messages[key]
		if !ok || msg.RecipientID != userID {
			continue
		}
		if allowedFrom != nil && !statusIn(msg.Status, allowedFrom) {
			continue
		}
		msg.Status = newStatus
		msg.UpdatedAt = now
		if newStatus == messaging.StatusRead {
			readAt := now
			msg.ReadAt = &readAt
		}
		s.messages[key] = msg
		updated = append(updated, msg)
	}
	return updated, nil
}

func (s *MemoryStore) GetMessages(_ context.Context, userID string, opts messaging.GetMessagesOptions) (messaging.GetMessagesResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idSet := make(map[string]bool, len(opts.MessageIDs))
	for _, id := range opts.MessageIDs {
		idSet[id] = true
	}

	var matched []messaging.Message
	for _, m := range s.messages {
		if !ownsMessage(m, userID, opts.Direction) {
			continue
		}
		if opts.Type != "" && m.Type != opts.Type {
			continue
		}
		if opts.Status != "" && m.Status != opts.Status {
			continue
		}
		if len(idSet) > 0 && !idSet[m.MessageID] {
			continue
		}
		if opts.SenderID != "" && m.Sender.UserID != opts.SenderID {
			continue
		}
		if opts.RecipientID != "" && m.RecipientID != opts.RecipientID {
			continue
		}
		if opts.Since != nil && m.CreatedAt.Before(time.Unix(*opts.Since, 0)) {
			continue
		}
		if opts.Until != nil && m.CreatedAt.After(time.Unix(*opts.Until, 0)) {
			continue
		}
		if opts.UnreadOnly && !statusIn(m.Status, []messaging.Status{messaging.StatusSent, messaging.StatusPending, messaging.StatusDelivered}) {
			continue
		}
		matched = append(matched, m)
	}

	sortByUpdatedAtDesc(matched)
	total := len(matched)

	start := opts.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := len(matched)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	page := matched[start:end]

	return messaging.GetMessagesResult{
		Messages: page,
		Total:    total,
		HasMore:  opts.Limit > 0 && opts.Offset+len(page) < total,
	}, nil
}

func (s *MemoryStore) GetUnreadMessages(_ context.Context, userID string, opts messaging.GetUnreadMessagesOptions) ([]messaging.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	direction := opts.Direction
	if direction == "" {
		direction = messaging.DirectionIncoming
	}

	idSet := make(map[string]bool, len(opts.MessageIDs))
	for _, id := range opts.MessageIDs {
		idSet[id] = true
	}

	var matched []messaging.Message
	for _, m := range s.messages {
		if m.Direction != direction || m.RecipientID != userID {
			continue
		}
		if !statusIn(m.Status, []messaging.Status{messaging.StatusSent, messaging.StatusPending, messaging.StatusDelivered}) {
			continue
		}
		if opts.ConversationPartnerID != "" && m.Sender.UserID != opts.ConversationPartnerID {
			continue
		}
		if len(idSet) > 0 && !idSet[m.MessageID] {
			continue
		}
		matched = append(matched, m)
	}
	sortByCreatedAtAsc(matched)
	return matched, nil
}

func ownsMessage(m messaging.Message, userID string, direction messaging.Direction) bool {
	switch direction {
	case messaging.DirectionIncoming:
		return m.Direction == messaging.DirectionIncoming && m.RecipientID == userID
	case messaging.DirectionOutgoing:
		return m.Direction == messaging.DirectionOutgoing && m.Sender.UserID == userID
	default:
		return (m.Direction == messaging.DirectionOutgoing && m.Sender.UserID == userID) ||
			(m.Direction == messaging.DirectionIncoming && m.RecipientID == userID)
	}
}

func statusIn(status messaging.Status, set []messaging.Status) bool {
	for _, s := range set {
		if status == s {
			return true
		}
	}
	return false
}

func sortByUpdatedAtDesc(messages []messaging.Message) {
	for i := 1; i < len(messages); i++ {
		for j := i; j > 0 && messages[j].UpdatedAt.After(messages[j-1].UpdatedAt); j-- {
			messages[j], messages[j-1] = messages[j-1], messages[j]
		}
	}
}

func sortByCreatedAtAsc(messages []messaging.Message) {
	for i := 1; i < len(messages); i++ {
		for j := i; j > 0 && messages[j].CreatedAt.Before(messages[j-1].CreatedAt); j-- {
			messages[j], messages[j-1] = messages[j-1], messages[j]
		}
	}
}
