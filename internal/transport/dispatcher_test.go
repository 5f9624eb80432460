package transport

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/shoutbox/messenger/internal/messaging"
	"github.com/shoutbox/messenger/internal/registry"
	"github.com/shoutbox/messenger/internal/store"
)

// fakeMsgStore is a minimal in-memory messaging.Store, enough to exercise
// the dispatcher without a real database.
type fakeMsgStore struct {
	mu       sync.Mutex
	messages map[string]map[messaging.Direction]messaging.Message
}

func newFakeMsgStore() *fakeMsgStore {
	return &fakeMsgStore{messages: make(map[string]map[messaging.Direction]messaging.Message)}
}

func (f *fakeMsgStore) StoreMessage(ctx context.Context, userID string, msg messaging.Message) (messaging.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.messages[msg.MessageID] == nil {
		f.messages[msg.MessageID] = make(map[messaging.Direction]messaging.Message)
	}
	f.messages[msg.MessageID][msg.Direction] = msg
	return msg, nil
}

func (f *fakeMsgStore) UpdateMessageStatus(ctx context.Context, userID, messageID string, newStatus messaging.Status, fromStatusSet []messaging.Status) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	byDir, ok := f.messages[messageID]
	if !ok {
		return 0, nil
	}
	updated := 0
	for dir, m := range byDir {
		for _, want := range fromStatusSet {
			if m.Status == want {
				m.Status = newStatus
				byDir[dir] = m
				updated++
				break
			}
		}
	}
	return updated, nil
}

func (f *fakeMsgStore) MarkMessagesAsRead(ctx context.Context, userID string, messageIDs []string) ([]messaging.Message, error) {
	return nil, nil
}

func (f *fakeMsgStore) MarkMessagesAsDelivered(ctx context.Context, userID string, messageIDs []string) ([]messaging.Message, error) {
	return nil, nil
}

func (f *fakeMsgStore) GetMessages(ctx context.Context, userID string, opts messaging.GetMessagesOptions) (messaging.GetMessagesResult, error) {
	return messaging.GetMessagesResult{}, nil
}

func (f *fakeMsgStore) GetUnreadMessages(ctx context.Context, userID string, opts messaging.GetUnreadMessagesOptions) ([]messaging.Message, error) {
	return nil, nil
}

// fakeConvStore satisfies conversationsStore without a real database.
type fakeConvStore struct{}

func (fakeConvStore) GetUserConversationsList(ctx context.Context, userID string, opts store.ConversationsListOptions) ([]store.ConversationSummary, error) {
	return nil, nil
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *registry.Registry) {
	t.Helper()
	reg := registry.New(nil, 100, time.Hour, nil)
	msgStore := newFakeMsgStore()
	core := messaging.NewCore(reg, msgStore, messaging.Config{MessageAckTimeout: 10 * time.Second, PendingMessageMaxAgeDays: 7}, nil)
	hub := NewHub(reg, nil)
	core.SetTransport(hub)
	reg.SetBroadcaster(hub)

	d := NewDispatcher(hub, reg, core, msgStore, fakeConvStore{}, 5*time.Second, 10*time.Second, nil)
	return d, reg
}

func TestDispatch_UnknownEvent(t *testing.T) {
	d, _ := newTestDispatcher(t)
	env, fatal := d.dispatch(context.Background(), "sock1", wireMessage{Event: "bogusEvent"})
	if fatal {
		t.Fatal("unknown event should not be fatal")
	}
	if env.Success || env.Error != "Invalid data" {
		t.Errorf("env = %+v, want Invalid data failure", env)
	}
}

func TestDispatch_SendMessage_InvalidPayload(t *testing.T) {
	d, reg := newTestDispatcher(t)
	reg.StoreUser(context.Background(), "sock1", "alice", "alice", true, nil)

	env, _ := d.dispatch(context.Background(), "sock1", wireMessage{Event: "sendMessage", Data: json.RawMessage(`not json`)})
	if env.Success || env.Error != "Invalid data" {
		t.Errorf("env = %+v, want Invalid data failure", env)
	}
}

func TestDispatch_SendMessage_UnknownRecipient(t *testing.T) {
	d, reg := newTestDispatcher(t)
	reg.StoreUser(context.Background(), "sock1", "alice", "alice", true, nil)

	data, _ := json.Marshal(sendMessagePayload{RecipientID: "bob", Content: "hi"})
	env, _ := d.dispatch(context.Background(), "sock1", wireMessage{Event: "sendMessage", Data: data})
	if env.Success {
		t.Fatal("expected failure for unknown recipient")
	}
	if env.Error == "Invalid data" || env.Error == "" {
		t.Errorf("Error = %q, want the unknown-recipient message", env.Error)
	}
}

func TestDispatch_SendMessage_Success(t *testing.T) {
	d, reg := newTestDispatcher(t)
	reg.StoreUser(context.Background(), "sock-alice", "alice", "alice", true, nil)
	reg.StoreUser(context.Background(), "sock-bob", "bob", "bob", true, nil)

	data, _ := json.Marshal(sendMessagePayload{RecipientID: "bob", Content: "hello"})
	env, fatal := d.dispatch(context.Background(), "sock-alice", wireMessage{Event: "sendMessage", Data: data})
	if fatal {
		t.Fatal("success should not be fatal")
	}
	if !env.Success {
		t.Fatalf("env = %+v, want success", env)
	}
	msg, ok := env.Result.(messaging.Message)
	if !ok {
		t.Fatalf("Result type = %T, want messaging.Message", env.Result)
	}
	if msg.Status != messaging.StatusPending {
		t.Errorf("Status = %v, want pending (ack is tracked asynchronously)", msg.Status)
	}
}

func TestDispatch_Typing_RequiresRecipient(t *testing.T) {
	d, reg := newTestDispatcher(t)
	reg.StoreUser(context.Background(), "sock1", "alice", "alice", true, nil)

	env, _ := d.dispatch(context.Background(), "sock1", wireMessage{Event: "typing", Data: json.RawMessage(`{}`)})
	if env.Success || env.Error != "Invalid data" {
		t.Errorf("env = %+v, want Invalid data failure", env)
	}
}

func TestDispatch_GetUserConnectionMetrics_UnknownUser(t *testing.T) {
	d, reg := newTestDispatcher(t)
	reg.StoreUser(context.Background(), "sock1", "alice", "alice", true, nil)

	data, _ := json.Marshal(getUserConnectionMetricsPayload{UserID: "ghost"})
	env, _ := d.dispatch(context.Background(), "sock1", wireMessage{Event: "getUserConnectionMetrics", Data: data})
	if env.Success {
		t.Fatal("expected failure for unknown user")
	}
}

func TestDispatch_RequiresAuthentication(t *testing.T) {
	d, _ := newTestDispatcher(t)

	data, _ := json.Marshal(getUsersListPayload{})
	env, _ := d.dispatch(context.Background(), "unknown-socket", wireMessage{Event: "getUsersList", Data: data})
	if env.Success {
		t.Fatal("expected failure for unauthenticated socket")
	}
}
