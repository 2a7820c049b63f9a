package delivery

import (
	"context"

	"roomchat/internal/presence"
	"roomchat/internal/storage"
)

// Client-originated event types
const (
	EventJoinRoom    = "join-room"
	EventSendMessage = "send-message"
	EventTyping      = "typing"
)

// Server-originated event types
const (
	EventUserJoined = "user-joined"
	EventUserLeft   = "user-left"
	EventNewMessage = "new-message"
	EventUserTyping = "user-typing"

	EventMessagesCleared = "messages-cleared"
)

// Event is the envelope exchanged with a real-time transport.
// Payload is presence.User for user-joined/user-left, storage.Message for new-message,
// TypingData for user-typing and ClearedData for messages-cleared.
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// TypingData is the payload of typing and user-typing events
type TypingData struct {
	RoomID   string `json:"roomId"`
	UserName string `json:"userName"`
	IsTyping bool   `json:"isTyping"`
}

// ClearedData is the payload of messages-cleared
type ClearedData struct {
	RoomID string `json:"roomId"`
}

// Subscriber receives events addressed to one session. It is called synchronously
// and must not call back into the Conn that delivers to it.
type Subscriber func(Event)

// Transport is the real-time boundary a chat session talks to
type Transport interface {
	// Join emits join-room for user and returns the connection used for the rest of the session
	Join(ctx context.Context, roomID string, user presence.User, sub Subscriber) Conn
}

// Conn is one user's membership in one room
type Conn interface {
	// SendMessage emits send-message. It reports false when text is blank.
	SendMessage(ctx context.Context, text string) (storage.Message, bool)
	// Typing emits typing
	Typing(ctx context.Context, isTyping bool)
	// Cleared notifies every member of the room, the caller included, that the room log was cleared
	Cleared(ctx context.Context)
	// Close leaves the room. No event is delivered to the subscriber after Close returns.
	Close()
}
