// Package chat holds the durable chat records shared by the store, the
// fanout engine and the wire codec.
package chat

import "time"

// Message is one durably stored chat message. ID is the server-assigned
// sequence; it only grows within the messages table.
type Message struct {
	ID              int64
	ChatID          int64
	SenderID        int64
	Text            string
	ClientMessageID string // dedup token, unique per (ChatID, SenderID)
	CreatedAt       time.Time
}

// ReadMarker is the highest message sequence a user has read in a chat.
type ReadMarker struct {
	ChatID    int64
	UserID    int64
	LastRead  int64
	UpdatedAt time.Time
}
