package store

import (
	"encoding/json"
	"time"

	"github.com/shoutbox/messenger/internal/messaging"
	"github.com/shoutbox/messenger/internal/registry"
)

func userToRow(u registry.User) (userSessionRow, error) {
	sockets, err := json.Marshal(u.Sockets)
	if err != nil {
		return userSessionRow{}, err
	}
	return userSessionRow{
		UserID:       u.UserID,
		UserName:     u.UserName,
		SocketsJSON:  string(sockets),
		ConnectedAt:  u.ConnectedAt,
		LastActivity: u.LastActivity,
		State:        string(u.State),
		MetadataJSON: "{}",
	}, nil
}

func rowToUser(r userSessionRow) (registry.User, error) {
	var sockets []registry.Session
	if r.SocketsJSON != "" {
		if err := json.Unmarshal([]byte(r.SocketsJSON), &sockets); err != nil {
			return registry.User{}, err
		}
	}
	return registry.User{
		UserID:       r.UserID,
		UserName:     r.UserName,
		State:        registry.UserState(r.State),
		Sockets:      sockets,
		ConnectedAt:  r.ConnectedAt,
		LastActivity: r.LastActivity,
	}, nil
}

func messageToRow(msg messaging.Message) (messageRow, error) {
	metadata := "{}"
	if msg.Metadata != nil {
		b, err := json.Marshal(msg.Metadata)
		if err != nil {
			return messageRow{}, err
		}
		metadata = string(b)
	}
	createdAt := msg.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	updatedAt := msg.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	return messageRow{
		MessageID:    msg.MessageID,
		SenderID:     msg.Sender.UserID,
		SenderName:   msg.Sender.UserName,
		RecipientID:  msg.RecipientID,
		Content:      msg.Content,
		MessageType:  string(msg.Type),
		Direction:    string(msg.Direction),
		Status:       string(msg.Status),
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
		ReadAt:       msg.ReadAt,
		MetadataJSON: metadata,
	}, nil
}

func rowToMessage(r messageRow) (messaging.Message, error) {
	var metadata map[string]any
	if r.MetadataJSON != "" && r.MetadataJSON != "{}" {
		if err := json.Unmarshal([]byte(r.MetadataJSON), &metadata); err != nil {
			return messaging.Message{}, err
		}
	}
	return messaging.Message{
		MessageID:   r.MessageID,
		Direction:   messaging.Direction(r.Direction),
		Sender:      messaging.Sender{UserID: r.SenderID, UserName: r.SenderName},
		RecipientID: r.RecipientID,
		Content:     r.Content,
		Type:        messaging.MessageType(r.MessageType),
		Status:      messaging.Status(r.Status),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
		ReadAt:      r.ReadAt,
		Metadata:    metadata,
	}, nil
}
