package protocol

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/windi/messenger/internal/chat"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid send_message
// ---------------------------------------------------------------------------

func TestParseClientMessage_SendMessage(t *testing.T) {
	input := []byte(`{"action":"send_message","data":{"chat_id":7,"text":"hi","client_message_id":"x1"}}`)

	action, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action != ActionSendMessage {
		t.Fatalf("expected action %q, got %q", ActionSendMessage, action)
	}

	sm, ok := msg.(SendMessageMsg)
	if !ok {
		t.Fatalf("expected SendMessageMsg, got %T", msg)
	}
	if sm.ChatID != 7 || sm.Text != "hi" || sm.ClientMessageID != "x1" {
		t.Errorf("unexpected payload: %+v", sm)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing typing keeps an explicit false
// ---------------------------------------------------------------------------

func TestParseClientMessage_TypingFalse(t *testing.T) {
	input := []byte(`{"action":"typing","data":{"chat_id":3,"is_typing":false}}`)

	_, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tm := msg.(TypingMsg)
	if tm.IsTyping == nil || *tm.IsTyping {
		t.Fatalf("expected is_typing=false, got %v", tm.IsTyping)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing mark_read and ping
// ---------------------------------------------------------------------------

func TestParseClientMessage_MarkReadAndPing(t *testing.T) {
	_, msg, err := ParseClientMessage([]byte(`{"action":"mark_read","data":{"chat_id":3,"message_id":42}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mr := msg.(MarkReadMsg); mr.MessageID != 42 || mr.ChatID != 3 {
		t.Errorf("unexpected payload: %+v", mr)
	}

	action, msg, err := ParseClientMessage([]byte(`{"action":"ping"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if action != ActionPing {
		t.Errorf("expected ping, got %q", action)
	}
	if _, ok := msg.(PingMsg); !ok {
		t.Errorf("expected PingMsg, got %T", msg)
	}
}

// ---------------------------------------------------------------------------
// Test: Malformed input is always ErrMalformedEvent
// ---------------------------------------------------------------------------

func TestParseClientMessage_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"invalid JSON", `{not json`},
		{"missing action", `{"data":{}}`},
		{"unknown action", `{"action":"end_chat","data":{}}`},
		{"missing data", `{"action":"send_message"}`},
		{"zero chat id", `{"action":"send_message","data":{"chat_id":0,"text":"hi","client_message_id":"a"}}`},
		{"chat id wrong type", `{"action":"send_message","data":{"chat_id":"7","text":"hi","client_message_id":"a"}}`},
		{"empty text", `{"action":"send_message","data":{"chat_id":1,"text":"","client_message_id":"a"}}`},
		{"missing dedup token", `{"action":"send_message","data":{"chat_id":1,"text":"hi"}}`},
		{"dedup token too long", `{"action":"send_message","data":{"chat_id":1,"text":"hi","client_message_id":"` + strings.Repeat("k", 129) + `"}}`},
		{"text too long", `{"action":"send_message","data":{"chat_id":1,"text":"` + strings.Repeat("a", chat.MaxMessageBytes+1) + `","client_message_id":"a"}}`},
		{"typing without flag", `{"action":"typing","data":{"chat_id":1}}`},
		{"mark_read without message id", `{"action":"mark_read","data":{"chat_id":1}}`},
		{"null data", `{"action":"mark_read","data":null}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := ParseClientMessage([]byte(tt.input))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !errors.Is(err, ErrMalformedEvent) {
				t.Fatalf("expected ErrMalformedEvent, got %v", err)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Test: Encoding a new_message server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_NewMessage(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 500, time.UTC)
	payload := NewMessagePayload(chat.Message{
		ID: 11, ChatID: 7, SenderID: 1, Text: "hi", ClientMessageID: "x1", CreatedAt: created,
	})

	data, err := NewServerMessage(TypeNewMessage, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var out struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if out.Type != TypeNewMessage {
		t.Errorf("expected type %q, got %q", TypeNewMessage, out.Type)
	}
	if out.Data["sender_id"] != float64(1) || out.Data["chat_id"] != float64(7) || out.Data["text"] != "hi" {
		t.Errorf("unexpected data: %v", out.Data)
	}
	if out.Data["timestamp"] != "2026-03-01T12:00:00.0000005Z" {
		t.Errorf("unexpected timestamp: %v", out.Data["timestamp"])
	}
}

// ---------------------------------------------------------------------------
// Test: message_sent flattens the embedded new_message fields
// ---------------------------------------------------------------------------

func TestNewServerMessage_MessageSent(t *testing.T) {
	data, err := NewServerMessage(TypeMessageSent, MessageSentMsg{
		NewMessageMsg: NewMessageMsg{ID: 5, ChatID: 2},
		Duplicate:     true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var out struct {
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if out.Data["id"] != float64(5) || out.Data["duplicate"] != true {
		t.Errorf("unexpected data: %v", out.Data)
	}
}

// ---------------------------------------------------------------------------
// Test: Bodiless pong
// ---------------------------------------------------------------------------

func TestNewServerMessage_Pong(t *testing.T) {
	data, err := NewServerMessage(TypePong, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"type":"pong"}` {
		t.Errorf("unexpected pong encoding: %s", data)
	}
}
