package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shoutbox/messenger/internal/messaging"
	"github.com/shoutbox/messenger/internal/registry"
	"github.com/shoutbox/messenger/internal/store"
)

// handlerFunc implements one wire event's business logic and returns the
// value to place in the success envelope's result field.
type handlerFunc func(ctx context.Context, d *Dispatcher, socketID string, data json.RawMessage) (any, error)

// eventSpec describes how one wire event is dispatched: its handler and,
// for sendMessage alone, a timeout derived from the payload's optional
// clientTimeout rather than the process default (§4.3.3).
type eventSpec struct {
	handler         handlerFunc
	timeoutOverride func(data json.RawMessage, base time.Duration) time.Duration
}

// conversationsStore is the slice of *store.RelationalStore/*store.MemoryStore
// the getUserConversationsList handler needs. Declared locally, the same
// narrow-interface pattern used by registry.Store and messaging.Store, so
// this package depends on a method set rather than a concrete backend type.
type conversationsStore interface {
	GetUserConversationsList(ctx context.Context, userID string, opts store.ConversationsListOptions) ([]store.ConversationSummary, error)
}

// Dispatcher wraps every inbound wire event in the validate / authorize /
// timeout-race / respond contract from §4.4, and holds the handler
// registration table for the eleven client-to-server events in §6.1.
type Dispatcher struct {
	hub      *Hub
	reg      *registry.Registry
	core     *messaging.Core
	msgStore messaging.Store
	convs    conversationsStore
	log      *slog.Logger

	defaultTimeout    time.Duration
	messageAckTimeout time.Duration

	events map[string]eventSpec
}

// NewDispatcher wires a Dispatcher against the already-constructed
// registry, message core, and persistence store. defaultTimeout is the
// per-event handler budget (DEFAULT_REQUEST_TIMEOUT); messageAckTimeout
// feeds GetSafeTimeouts for sendMessage's client-adjustable budget.
func NewDispatcher(hub *Hub, reg *registry.Registry, core *messaging.Core, msgStore messaging.Store, convs conversationsStore, defaultTimeout, messageAckTimeout time.Duration, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{
		hub:               hub,
		reg:               reg,
		core:              core,
		msgStore:          msgStore,
		convs:             convs,
		log:               log,
		defaultTimeout:    defaultTimeout,
		messageAckTimeout: messageAckTimeout,
	}
	d.events = map[string]eventSpec{
		"sendMessage": {
			handler: handleSendMessage,
			timeoutOverride: func(data json.RawMessage, base time.Duration) time.Duration {
				var p sendMessagePayload
				if err := json.Unmarshal(data, &p); err != nil || p.ClientTimeoutMS <= 0 {
					return base
				}
				handlerTimeout, _ := messaging.GetSafeTimeouts(time.Duration(p.ClientTimeoutMS)*time.Millisecond, d.messageAckTimeout)
				return handlerTimeout
			},
		},
		"markMessagesAsRead":       {handler: handleMarkMessagesAsRead},
		"markMessagesAsDelivered":  {handler: handleMarkMessagesAsDelivered},
		"getUsersList":             {handler: handleGetUsersList},
		"getUserConversation":      {handler: handleGetUserConversation},
		"getUserConversationsList": {handler: handleGetUserConversationsList},
		"getPublicMessages":        {handler: handleGetPublicMessages},
		"broadcastPublicMessage":   {handler: handleBroadcastPublicMessage},
		"typing":                   {handler: handleTyping(true)},
		"stopTyping":               {handler: handleTyping(false)},
		"getUserConnectionMetrics": {handler: handleGetUserConnectionMetrics},
	}
	return d
}

// dispatch implements the §4.4 event-wrapper contract for one inbound
// message: reject invalid/unknown events, race the handler against a
// timeout, and build the {success, event, result|error} envelope. A
// recovered panic is logged and counted as fatal but, unlike the
// single-process event-loop model this is adapted from, only tears down
// the one connection it occurred on rather than the whole process —
// a goroutine-per-connection server cannot let one bad connection exit
// every other client's session.
func (d *Dispatcher) dispatch(ctx context.Context, socketID string, msg wireMessage) (env envelope, fatal bool) {
	spec, ok := d.events[msg.Event]
	if !ok {
		d.hub.metrics.onError()
		return envelope{Success: false, Event: msg.Event, Error: "Invalid data"}, false
	}

	timeout := d.defaultTimeout
	if spec.timeoutOverride != nil {
		timeout = spec.timeoutOverride(msg.Data, d.defaultTimeout)
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan any, 1)
	errCh := make(chan error, 1)
	panicCh := make(chan any, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				panicCh <- r
			}
		}()
		result, err := spec.handler(hctx, d, socketID, msg.Data)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- result
	}()

	select {
	case result := <-resultCh:
		return envelope{Success: true, Event: msg.Event, Result: result}, false

	case err := <-errCh:
		return d.errorEnvelope(msg.Event, err), false

	case r := <-panicCh:
		d.hub.metrics.onError()
		d.log.Error("handler panicked", "event", msg.Event, "socketId", socketID, "panic", r)
		return envelope{Success: false, Event: msg.Event, Error: "Internal error"}, true

	case <-hctx.Done():
		d.hub.metrics.onError()
		return envelope{Success: false, Event: msg.Event, Error: "Request timed out"}, false
	}
}

func (d *Dispatcher) errorEnvelope(event string, err error) envelope {
	d.hub.metrics.onError()

	switch {
	case errors.Is(err, ErrInvalidPayload), errors.Is(err, messaging.ErrInvalidMessage):
		return envelope{Success: false, Event: event, Error: "Invalid data"}
	case errors.Is(err, context.DeadlineExceeded):
		return envelope{Success: false, Event: event, Error: "Request timed out"}
	default:
		// Every other predictable error (capacity, auth, unknown
		// recipient, storage failure) is swallowed into a structured
		// failure response rather than re-thrown (§7 propagation rules).
		return envelope{Success: false, Event: event, Error: err.Error()}
	}
}

// --- sendMessage --------------------------------------------------------

type sendMessagePayload struct {
	RecipientID     string `json:"recipientId"`
	Content         string `json:"content"`
	ClientTimeoutMS int64  `json:"clientTimeout,omitempty"`
}

func handleSendMessage(ctx context.Context, d *Dispatcher, socketID string, data json.RawMessage) (any, error) {
	var p sendMessagePayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPayload, err)
	}

	msg, targets, err := d.core.Send(ctx, socketID, p.RecipientID, p.Content)
	if err != nil {
		return nil, err
	}

	deliveryTimeout := d.messageAckTimeout
	if p.ClientTimeoutMS > 0 {
		_, deliveryTimeout = messaging.GetSafeTimeouts(time.Duration(p.ClientTimeoutMS)*time.Millisecond, d.messageAckTimeout)
	}

	sender, _ := d.reg.GetUserBySocketID(socketID)
	go func() {
		bg := context.Background()
		final := d.core.TrackDelivery(bg, msg, targets, deliveryTimeout)
		d.core.FinalizeDelivery(bg, sender.UserID, socketID, msg, targets, final)
	}()

	return msg, nil
}

// --- markMessagesAsRead --------------------------------------------------

type markMessagesAsReadPayload struct {
	MessageIDs []string `json:"messageIds,omitempty"`
	SenderID   string   `json:"senderId,omitempty"`
}

func handleMarkMessagesAsRead(ctx context.Context, d *Dispatcher, socketID string, data json.RawMessage) (any, error) {
	var p markMessagesAsReadPayload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidPayload, err)
		}
	}
	if len(p.MessageIDs) == 0 && p.SenderID == "" {
		return nil, fmt.Errorf("%w: messageIds or senderId required", ErrInvalidPayload)
	}

	result, err := d.core.MarkAsRead(ctx, socketID, messaging.ReadFilter{
		MessageIDs: p.MessageIDs,
		SenderID:   p.SenderID,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"marked": result.Marked, "updatedMessages": result.UpdatedMessages}, nil
}

// --- markMessagesAsDelivered ---------------------------------------------

type markMessagesAsDeliveredPayload struct {
	MessageIDs []string `json:"messageIds"`
}

func handleMarkMessagesAsDelivered(ctx context.Context, d *Dispatcher, socketID string, data json.RawMessage) (any, error) {
	var p markMessagesAsDeliveredPayload
	if err := json.Unmarshal(data, &p); err != nil || len(p.MessageIDs) == 0 {
		return nil, fmt.Errorf("%w: messageIds required", ErrInvalidPayload)
	}

	user, err := d.reg.RequireAuthenticated(socketID)
	if err != nil {
		return nil, err
	}

	updated, err := d.msgStore.MarkMessagesAsDelivered(ctx, user.UserID, p.MessageIDs)
	if err != nil {
		return nil, err
	}

	for _, m := range updated {
		for _, s := range d.reg.GetUserSockets(user.UserID) {
			_ = d.hub.Emit(s.SocketID, "update_message_status", m)
		}
		senderCopy := m
		senderCopy.Direction = messaging.DirectionOutgoing
		for _, s := range d.reg.GetUserSockets(m.Sender.UserID) {
			_ = d.hub.Emit(s.SocketID, "update_message_status", senderCopy)
		}
	}

	return map[string]any{"marked": len(updated), "updatedMessages": updated}, nil
}

// --- getUsersList ---------------------------------------------------------

type getUsersListPayload struct {
	States []string `json:"states,omitempty"`
	Limit  int      `json:"limit,omitempty"`
	Offset int      `json:"offset,omitempty"`
}

func handleGetUsersList(ctx context.Context, d *Dispatcher, socketID string, data json.RawMessage) (any, error) {
	var p getUsersListPayload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidPayload, err)
		}
	}
	if _, err := d.reg.RequireAuthenticated(socketID); err != nil {
		return nil, err
	}

	states := make([]registry.UserState, len(p.States))
	for i, s := range p.States {
		states[i] = registry.UserState(s)
	}

	users, err := d.reg.GetUsers(ctx, registry.GetUsersOptions{States: states, Limit: p.Limit, Offset: p.Offset})
	if err != nil {
		return nil, err
	}
	return users, nil
}

// --- getUserConversation ---------------------------------------------------

type getUserConversationPayload struct {
	OtherPartyID string `json:"otherPartyId"`
	Limit        int    `json:"limit,omitempty"`
	Offset       int    `json:"offset,omitempty"`
	Type         string `json:"type,omitempty"`
}

func handleGetUserConversation(ctx context.Context, d *Dispatcher, socketID string, data json.RawMessage) (any, error) {
	var p getUserConversationPayload
	if err := json.Unmarshal(data, &p); err != nil || p.OtherPartyID == "" {
		return nil, fmt.Errorf("%w: otherPartyId required", ErrInvalidPayload)
	}

	user, err := d.reg.RequireAuthenticated(socketID)
	if err != nil {
		return nil, err
	}

	msgType := messaging.MessageType(p.Type)

	outgoing, err := d.msgStore.GetMessages(ctx, user.UserID, messaging.GetMessagesOptions{
		Direction:   messaging.DirectionOutgoing,
		RecipientID: p.OtherPartyID,
		Type:        msgType,
	})
	if err != nil {
		return nil, err
	}
	incoming, err := d.msgStore.GetMessages(ctx, user.UserID, messaging.GetMessagesOptions{
		Direction: messaging.DirectionIncoming,
		SenderID:  p.OtherPartyID,
		Type:      msgType,
	})
	if err != nil {
		return nil, err
	}

	merged := append(append([]messaging.Message{}, outgoing.Messages...), incoming.Messages...)
	sort.Slice(merged, func(i, j int) bool { return merged[i].CreatedAt.After(merged[j].CreatedAt) })

	start := p.Offset
	if start > len(merged) {
		start = len(merged)
	}
	end := len(merged)
	if p.Limit > 0 && start+p.Limit < end {
		end = start + p.Limit
	}

	return map[string]any{
		"otherPartyId": p.OtherPartyID,
		"messages":     merged[start:end],
		"total":        len(merged),
	}, nil
}

// --- getUserConversationsList -----------------------------------------------

type getUserConversationsListPayload struct {
	Type   string `json:"type,omitempty"`
	Limit  int    `json:"limit,omitempty"`
	Offset int    `json:"offset,omitempty"`
}

func handleGetUserConversationsList(ctx context.Context, d *Dispatcher, socketID string, data json.RawMessage) (any, error) {
	var p getUserConversationsListPayload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidPayload, err)
		}
	}

	user, err := d.reg.RequireAuthenticated(socketID)
	if err != nil {
		return nil, err
	}

	summaries, err := d.convs.GetUserConversationsList(ctx, user.UserID, store.ConversationsListOptions{
		Type:   messaging.MessageType(p.Type),
		Limit:  p.Limit,
		Offset: p.Offset,
	})
	if err != nil {
		return nil, err
	}
	return summaries, nil
}

// --- getPublicMessages ------------------------------------------------------

type getPublicMessagesPayload struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

func handleGetPublicMessages(ctx context.Context, d *Dispatcher, socketID string, data json.RawMessage) (any, error) {
	var p getPublicMessagesPayload
	if len(data) > 0 {
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidPayload, err)
		}
	}
	if _, err := d.reg.RequireAuthenticated(socketID); err != nil {
		return nil, err
	}

	result, err := d.msgStore.GetMessages(ctx, messaging.PublicRoomID, messaging.GetMessagesOptions{
		Type:      messaging.TypePublic,
		Direction: messaging.DirectionIncoming,
		Limit:     p.Limit,
		Offset:    p.Offset,
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// --- broadcastPublicMessage --------------------------------------------------

type broadcastPublicMessagePayload struct {
	Content string `json:"content"`
}

func handleBroadcastPublicMessage(ctx context.Context, d *Dispatcher, socketID string, data json.RawMessage) (any, error) {
	var p broadcastPublicMessagePayload
	if err := json.Unmarshal(data, &p); err != nil || p.Content == "" {
		return nil, fmt.Errorf("%w: content required", ErrInvalidPayload)
	}

	msg, err := d.core.PublicBroadcast(ctx, socketID, p.Content)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// --- typing / stopTyping -------------------------------------------------

type typingPayload struct {
	RecipientID string `json:"recipientId"`
}

func handleTyping(isTyping bool) handlerFunc {
	return func(ctx context.Context, d *Dispatcher, socketID string, data json.RawMessage) (any, error) {
		var p typingPayload
		if err := json.Unmarshal(data, &p); err != nil || p.RecipientID == "" {
			return nil, fmt.Errorf("%w: recipientId required", ErrInvalidPayload)
		}
		if err := d.core.TypingIndicator(socketID, p.RecipientID, isTyping); err != nil {
			return nil, err
		}
		event := "typing"
		if !isTyping {
			event = "stopTyping"
		}
		return map[string]any{"success": true, "event": event}, nil
	}
}

// --- getUserConnectionMetrics -----------------------------------------------

type getUserConnectionMetricsPayload struct {
	UserID string `json:"userId"`
}

func handleGetUserConnectionMetrics(ctx context.Context, d *Dispatcher, socketID string, data json.RawMessage) (any, error) {
	var p getUserConnectionMetricsPayload
	if err := json.Unmarshal(data, &p); err != nil || p.UserID == "" {
		return nil, fmt.Errorf("%w: userId required", ErrInvalidPayload)
	}
	if _, err := d.reg.RequireAuthenticated(socketID); err != nil {
		return nil, err
	}

	user, ok := d.reg.GetUser(p.UserID)
	if !ok {
		return nil, registry.ErrUnknownUser
	}
	sockets := d.reg.GetUserSockets(p.UserID)

	return map[string]any{
		"userId":      user.UserID,
		"state":       user.State,
		"socketCount": len(sockets),
		"sessions":    sockets,
	}, nil
}
