// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. Client messages arrive as an
// {"action", "data"} envelope; server messages leave as {"type", "data"}.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/windi/messenger/internal/chat"
)

// ErrMalformedEvent is returned for any inbound payload that cannot be
// decoded into a known, valid client message.
var ErrMalformedEvent = errors.New("malformed event")

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server actions.
const (
	ActionSendMessage = "send_message"
	ActionTyping      = "typing"
	ActionMarkRead    = "mark_read"
	ActionPing        = "ping"
)

// Server -> Client message types.
const (
	TypeNewMessage      = "new_message"
	TypeMessageRead     = "message_read"
	TypeTypingIndicator = "typing_indicator"
	TypeUserStatus      = "user_status"
	TypeMessageSent     = "message_sent"
	TypeError           = "error"
	TypePong            = "pong"
)

// Error codes carried in ErrorMsg.Code.
const (
	CodeMalformedEvent   = "malformed_event"
	CodeNotMember        = "not_member"
	CodeStoreUnavailable = "store_unavailable"
	CodeCapacityExceeded = "capacity_exceeded"
	CodeRateLimited      = "rate_limited"
	CodeInternal         = "internal_error"
)

// Presence statuses carried in UserStatusMsg.Status.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// ---------------------------------------------------------------------------
// Envelopes
// ---------------------------------------------------------------------------

// Envelope is the inbound wrapper. Data is decoded later into the struct
// selected by Action.
type Envelope struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// ServerMessage is the outbound wrapper.
type ServerMessage struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// SendMessageMsg submits a new chat message. ClientMessageID makes retries
// idempotent.
type SendMessageMsg struct {
	ChatID          int64  `json:"chat_id" validate:"gt=0"`
	Text            string `json:"text" validate:"required"`
	ClientMessageID string `json:"client_message_id" validate:"required,max=128"`
}

// TypingMsg starts or stops the typing indicator in a chat.
type TypingMsg struct {
	ChatID   int64 `json:"chat_id" validate:"gt=0"`
	IsTyping *bool `json:"is_typing" validate:"required"`
}

// MarkReadMsg moves the caller's read marker up to MessageID.
type MarkReadMsg struct {
	ChatID    int64 `json:"chat_id" validate:"gt=0"`
	MessageID int64 `json:"message_id" validate:"gt=0"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct{}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// NewMessageMsg is fanned out to chat members for every accepted message.
type NewMessageMsg struct {
	ID              int64  `json:"id"`
	ChatID          int64  `json:"chat_id"`
	SenderID        int64  `json:"sender_id"`
	Text            string `json:"text"`
	ClientMessageID string `json:"client_message_id"`
	Timestamp       string `json:"timestamp"`
}

// MessageSentMsg acknowledges a send_message to the connection that sent it.
type MessageSentMsg struct {
	NewMessageMsg
	Duplicate bool `json:"duplicate"`
}

// MessageReadMsg announces that ReaderID has read ChatID up to MessageID.
type MessageReadMsg struct {
	ChatID    int64 `json:"chat_id"`
	ReaderID  int64 `json:"reader_id"`
	MessageID int64 `json:"message_id"`
}

// TypingIndicatorMsg relays a typing start or stop.
type TypingIndicatorMsg struct {
	ChatID   int64 `json:"chat_id"`
	UserID   int64 `json:"user_id"`
	IsTyping bool  `json:"is_typing"`
}

// UserStatusMsg announces a presence transition.
type UserStatusMsg struct {
	UserID int64  `json:"user_id"`
	Status string `json:"status"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

var validate = validator.New(validator.WithRequiredStructEnabled())

// ParseClientMessage decodes raw WebSocket bytes into a typed client message.
// It returns the action, the decoded struct and an error wrapping
// ErrMalformedEvent when the envelope, the action or any field is invalid.
func ParseClientMessage(data []byte) (string, any, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if env.Action == "" {
		return "", nil, fmt.Errorf("%w: missing or empty \"action\" field", ErrMalformedEvent)
	}

	var (
		msg any
		err error
	)

	switch env.Action {
	case ActionSendMessage:
		var m SendMessageMsg
		if err = decodeData(env.Data, &m); err == nil {
			err = chat.ValidateMessage(m.Text)
		}
		msg = m
	case ActionTyping:
		var m TypingMsg
		err = decodeData(env.Data, &m)
		msg = m
	case ActionMarkRead:
		var m MarkReadMsg
		err = decodeData(env.Data, &m)
		msg = m
	case ActionPing:
		msg = PingMsg{}
	default:
		return env.Action, nil, fmt.Errorf("%w: unknown action %q", ErrMalformedEvent, env.Action)
	}

	if err != nil {
		return env.Action, nil, fmt.Errorf("%w: %q: %v", ErrMalformedEvent, env.Action, err)
	}
	return env.Action, msg, nil
}

func decodeData(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return errors.New("missing \"data\" field")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return err
	}
	return validate.Struct(dst)
}

// NewServerMessage encodes a server message of the given type. payload may be
// nil for bodiless types such as pong.
func NewServerMessage(msgType string, payload any) ([]byte, error) {
	out, err := json.Marshal(ServerMessage{Type: msgType, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// NewMessagePayload converts a stored message into its wire shape.
func NewMessagePayload(m chat.Message) NewMessageMsg {
	return NewMessageMsg{
		ID:              m.ID,
		ChatID:          m.ChatID,
		SenderID:        m.SenderID,
		Text:            m.Text,
		ClientMessageID: m.ClientMessageID,
		Timestamp:       m.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}
