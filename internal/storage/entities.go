package storage

import "time"

// Message is a single chat message record as it is persisted in a room log.
// CreatedAt (epoch milliseconds) is the ordering key, Timestamp is display only.
type Message struct {
	ID           string `json:"id"`
	Text         string `json:"text"`
	Timestamp    string `json:"timestamp"`
	Sender       string `json:"sender"`
	SenderName   string `json:"senderName"`
	SenderAvatar string `json:"senderAvatar,omitempty"`
	RoomID       string `json:"roomId"`
	CreatedAt    int64  `json:"createdAt"`
}

// Room is the metadata record kept next to a room's message log
type Room struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Participants []string `json:"participants"`
	LastMessage  *Message `json:"lastMessage,omitempty"`
	LastActivity int64    `json:"lastActivity"`
}

// Stats holds message counters for a room. Today and ThisWeek are subsets of Total.
type Stats struct {
	Total    int `json:"total"`
	Today    int `json:"today"`
	ThisWeek int `json:"thisWeek"`
}

// EpochMillis converts t to the integer representation used for CreatedAt and LastActivity
func EpochMillis(t time.Time) int64 {
	return t.UnixNano() / int64(time.Millisecond)
}

// DisplayTimestamp formats t as 24h HH:MM
func DisplayTimestamp(t time.Time) string {
	return t.Format("15:04")
}
