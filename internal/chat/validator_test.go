package chat

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateMessage(t *testing.T) {
	tests := []struct {
		name  string
		input string
		ok    bool
	}{
		{"plain", "hi", true},
		{"unicode", "привет 👋", true},
		{"empty", "", false},
		{"too many bytes", strings.Repeat("a", MaxMessageBytes+1), false},
		{"too many runes", strings.Repeat("ж", MaxTextChars+1), false},
		{"invalid utf8", string([]byte{0xff, 0xfe}), false},
		{"exactly max runes", strings.Repeat("a", MaxTextChars), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessage(tt.input)
			if tt.ok && err != nil {
				t.Fatalf("ValidateMessage() unexpected error: %v", err)
			}
			if !tt.ok {
				if err == nil {
					t.Fatal("ValidateMessage() expected error, got nil")
				}
				if !errors.Is(err, ErrInvalidText) {
					t.Errorf("expected ErrInvalidText, got %v", err)
				}
			}
		})
	}
}
