// Package wire defines the message vocabulary of the agent session
// protocol: the client-to-server messages accepted over an established
// session, the server-to-client event stream, and the close codes used
// during connection teardown.
//
// The package is deliberately dependency-free so that both the gateway
// and client supervisors can share it without dragging in transport
// concerns.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Client message types.
const (
	MessageChat    = "chat"
	MessageConfirm = "confirm"
	MessageCancel  = "cancel"
	MessagePing    = "ping"
)

// Server event types.
const (
	EventTextDelta            = "text_delta"
	EventThinkingDelta        = "thinking_delta"
	EventToolCallStart        = "tool_call_start"
	EventToolCallResult       = "tool_call_result"
	EventConfirmationRequired = "confirmation_required"
	EventDone                 = "done"
	EventCancelled            = "cancelled"
	EventError                = "error"
	EventPong                 = "pong"
)

// ErrorType classifies an error event so that clients can branch on it
// programmatically rather than parsing free text.
type ErrorType string

const (
	ErrorTypeFatal         ErrorType = "fatal"
	ErrorTypeTool          ErrorType = "tool_error"
	ErrorTypeRateLimit     ErrorType = "rate_limit"
	ErrorTypeQuotaExceeded ErrorType = "quota_exceeded"
	ErrorTypeValidation    ErrorType = "validation"
	ErrorTypeAuth          ErrorType = "auth"
)

// WebSocket close codes. The 4xxx range is application-defined; clients
// use these to decide between re-acquiring a ticket and giving up.
const (
	// CloseInvalidTicket covers invalid, expired, and replayed tickets.
	// The three cases are indistinguishable on the wire: a client should
	// request a fresh ticket and reconnect.
	CloseInvalidTicket = 4001
	// CloseAuthNotConfigured means the server has no ticket authority
	// wired up. Retrying with a new ticket cannot help.
	CloseAuthNotConfigured = 4002
)

// Message length bounds for chat payloads, in characters.
const (
	MinChatLen = 1
	MaxChatLen = 10000
)

// ClientMessage is the single envelope for everything a client sends
// over an established session. Type selects which fields are relevant.
type ClientMessage struct {
	Type string `json:"type"`

	// Chat fields.
	Message        string `json:"message,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`

	// Confirm fields.
	OperationID string `json:"operation_id,omitempty"`
	Confirmed   bool   `json:"confirmed,omitempty"`
}

// ErrMalformedMessage indicates the payload could not be interpreted as
// any known client message.
var ErrMalformedMessage = errors.New("malformed client message")

// Validate checks structural validity of a decoded client message.
// Returned errors wrap ErrMalformedMessage.
func (m *ClientMessage) Validate() error {
	switch m.Type {
	case MessageChat:
		if n := len([]rune(m.Message)); n < MinChatLen || n > MaxChatLen {
			return fmt.Errorf("%w: chat message length %d outside [%d, %d]", ErrMalformedMessage, n, MinChatLen, MaxChatLen)
		}
	case MessageConfirm:
		if m.OperationID == "" {
			return fmt.Errorf("%w: confirm requires operation_id", ErrMalformedMessage)
		}
	case MessageCancel, MessagePing:
		// No payload.
	default:
		return fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, m.Type)
	}
	return nil
}

// ParseClientMessage decodes and validates a raw inbound frame.
func ParseClientMessage(data []byte) (*ClientMessage, error) {
	var m ClientMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Event is a server-to-client event. Sequence is the sole ordering
// authority: it is strictly increasing per connection with no gaps.
// Timestamp is informational and must never be used to resequence.
type Event struct {
	Type      string    `json:"type"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`

	Content string `json:"content,omitempty"`

	// Tool call fields.
	ToolCallID    string          `json:"tool_call_id,omitempty"`
	ToolName      string          `json:"tool_name,omitempty"`
	ToolArguments json.RawMessage `json:"tool_arguments,omitempty"`

	// Error classification; set only on error events.
	ErrorType ErrorType `json:"error_type,omitempty"`

	// Structured detail: operation ids, risk levels, quota counts, reset
	// times. Error and confirmation events must carry enough here for a
	// client to act without parsing Content.
	Metadata map[string]any `json:"metadata,omitempty"`
}
