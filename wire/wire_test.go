package wire

import (
	"errors"
	"strings"
	"testing"
)

func TestParseClientMessage(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		wantErr bool
	}{
		{"chat ok", `{"type":"chat","message":"list my devices"}`, false},
		{"chat with conversation", `{"type":"chat","message":"hi","conversation_id":"c1"}`, false},
		{"chat empty", `{"type":"chat","message":""}`, true},
		{"chat too long", `{"type":"chat","message":"` + strings.Repeat("x", MaxChatLen+1) + `"}`, true},
		{"confirm ok", `{"type":"confirm","operation_id":"op-1","confirmed":true}`, false},
		{"confirm missing op", `{"type":"confirm","confirmed":true}`, true},
		{"cancel", `{"type":"cancel"}`, false},
		{"ping", `{"type":"ping"}`, false},
		{"unknown type", `{"type":"subscribe"}`, true},
		{"not json", `{{{`, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseClientMessage([]byte(tc.payload))
			if tc.wantErr {
				if !errors.Is(err, ErrMalformedMessage) {
					t.Fatalf("expected ErrMalformedMessage, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestChatLengthBoundsAreRuneBased(t *testing.T) {
	// A multi-byte message at exactly the rune limit must pass.
	msg := strings.Repeat("界", MaxChatLen)
	m := &ClientMessage{Type: MessageChat, Message: msg}
	if err := m.Validate(); err != nil {
		t.Fatalf("max-length multibyte message rejected: %v", err)
	}
}
