package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrSessionExpired = errors.New("session expired")
	ErrNotConnected   = errors.New("channel not connected")
)

// User represents a conversation participant.
type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Conversation represents a conversation summary as returned by the API.
type Conversation struct {
	ID             string    `json:"id"`
	Participants   []User    `json:"participants"`
	LastMessage    *Message  `json:"lastMessage,omitempty"`
	UnreadCount    int       `json:"unreadCount"`
	UpdatedAt      time.Time `json:"updatedAt"`
	RequestID      string    `json:"requestId,omitempty"`
	ConsultationID string    `json:"consultationId,omitempty"`
}

type MessageType string

const (
	MessageTypeText   MessageType = "TEXT"
	MessageTypeFile   MessageType = "FILE"
	MessageTypeSystem MessageType = "SYSTEM"
)

// Message represents a single chat message.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	SenderName     string      `json:"senderName,omitempty"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	FileURL        string      `json:"fileUrl,omitempty"`
	FileName       string      `json:"fileName,omitempty"`
	Read           bool        `json:"read"`
	CreatedAt      time.Time   `json:"createdAt"`
}

type EventType string

// Server push events.
const (
	EventOnlineUsers  EventType = "online_users"
	EventNewMessage   EventType = "new_message"
	EventUserTyping   EventType = "user_typing"
	EventMessageError EventType = "message_error"
)

// Client commands.
const (
	CommandRegister         EventType = "register"
	CommandJoinConversation EventType = "join_conversation"
	CommandOnlineUsers      EventType = "get_online_users"
	CommandAnnounceOnline   EventType = "announce_online"
	CommandSendMessage      EventType = "send_message"
	CommandTypingStart      EventType = "typing_start"
	CommandTypingStop       EventType = "typing_stop"
	CommandMarkRead         EventType = "mark_read"
)

// Frame is the wire envelope for both directions of the channel.
type Frame struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewFrame(t EventType, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("failed to marshal %s payload: %w", t, err)
	}
	return Frame{Type: t, Data: data}, nil
}

// Event is implemented by all decoded inbound payloads. The channel decodes
// and validates at the boundary; handlers never see a malformed event.
type Event interface {
	Validate() error
}

type OnlineUsersEvent struct {
	UserIDs []string `json:"userIds"`
}

func (e *OnlineUsersEvent) Validate() error {
	for _, id := range e.UserIDs {
		if id == "" {
			return errors.New("online_users contains an empty user id")
		}
	}
	return nil
}

type NewMessageEvent struct {
	Message Message `json:"message"`
}

func (e *NewMessageEvent) Validate() error {
	switch {
	case e.Message.ID == "":
		return errors.New("new_message missing message id")
	case e.Message.ConversationID == "":
		return errors.New("new_message missing conversation id")
	case e.Message.SenderID == "":
		return errors.New("new_message missing sender id")
	}
	return nil
}

type UserTypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	UserName       string `json:"userName,omitempty"`
	IsTyping       bool   `json:"isTyping"`
}

func (e *UserTypingEvent) Validate() error {
	switch {
	case e.ConversationID == "":
		return errors.New("user_typing missing conversation id")
	case e.UserID == "":
		return errors.New("user_typing missing user id")
	case e.IsTyping && e.UserName == "":
		return errors.New("user_typing missing user name")
	}
	return nil
}

type MessageErrorEvent struct {
	Error          string `json:"error"`
	Details        string `json:"details,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

func (e *MessageErrorEvent) Validate() error {
	if e.Error == "" {
		return errors.New("message_error missing error text")
	}
	return nil
}

// DecodeEvent decodes and validates a single inbound frame.
// Unknown event types and malformed payloads are rejected here, so the
// dispatch loop never has to defend against them.
func DecodeEvent(f Frame) (Event, error) {
	var ev Event
	switch f.Type {
	case EventOnlineUsers:
		ev = &OnlineUsersEvent{}
	case EventNewMessage:
		ev = &NewMessageEvent{}
	case EventUserTyping:
		ev = &UserTypingEvent{}
	case EventMessageError:
		ev = &MessageErrorEvent{}
	default:
		return nil, fmt.Errorf("unknown event type %q", f.Type)
	}

	if err := json.Unmarshal(f.Data, ev); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", f.Type, err)
	}
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", f.Type, err)
	}
	return ev, nil
}

// Outbound command payloads.

type RegisterCommand struct {
	UserID string `json:"userId"`
}

type JoinConversationCommand struct {
	ConversationID string `json:"conversationId"`
}

type AnnounceOnlineCommand struct {
	UserID string `json:"userId"`
}

type SendMessageCommand struct {
	ConversationID string      `json:"conversationId"`
	SenderID       string      `json:"senderId"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	FileURL        string      `json:"fileUrl,omitempty"`
	FileName       string      `json:"fileName,omitempty"`
}

type TypingCommand struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	UserName       string `json:"userName,omitempty"`
}

type MarkReadCommand struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}
