// Package toolkit defines the contract between the session engine and
// the tool-calling executor that drives a conversation turn. The
// executor owns the reasoning loop and the business tools; the engine
// owns sequencing, risk vetting, quota, and the confirmation handshake.
//
// Executors checkpoint every write-capable operation by returning a
// *Suspension from Invoke or Resume. The engine classifies the
// checkpointed operation and either resumes immediately (low risk),
// asks the user to confirm, or rejects it. Read-only tools stream
// straight through without checkpointing.
package toolkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrCancelled is returned by an Emit callback once the turn has been
// cancelled. The executor must stop emitting promptly and return; the
// engine guarantees nothing emitted afterwards reaches the client.
var ErrCancelled = errors.New("turn cancelled")

// EventKind discriminates partial results streamed during a turn.
type EventKind string

const (
	KindText       EventKind = "text"
	KindThinking   EventKind = "thinking"
	KindToolStart  EventKind = "tool_start"
	KindToolResult EventKind = "tool_result"
)

// StreamEvent is one partial result emitted by the executor.
// KindThinking content must already be a redacted summary; raw
// reasoning never crosses this boundary.
type StreamEvent struct {
	Kind    EventKind
	Content string

	// Tool call fields, set for KindToolStart and KindToolResult.
	ToolCallID    string
	ToolName      string
	ToolArguments json.RawMessage
	Metadata      map[string]any
}

// Emit delivers one partial result to the engine. A returned error
// (notably ErrCancelled) obliges the executor to stop.
type Emit func(ctx context.Context, ev StreamEvent) error

// Turn is one inbound user message plus the identity context the
// executor's tools run under.
type Turn struct {
	TenantID       string
	UserID         string
	SessionID      string
	ConversationID string
	Message        string
}

// Result is the terminal outcome of a completed turn. Content is the
// final assistant message handed to the conversation sink.
type Result struct {
	Content  string
	Metadata map[string]any
}

// Continuation is the executor's opaque handle for a parked operation.
// The engine never inspects it; it only hands it back to Resume or
// discards it. It must not capture a live goroutine: the engine may
// hold it for minutes or drop it without notice.
type Continuation any

// Suspension is returned (wrapped) from Invoke or Resume when the
// executor reaches a write-capable operation that needs vetting.
type Suspension struct {
	// Prompt is the human-readable confirmation question.
	Prompt string
	// OperationType is the tool verb, used for risk classification.
	OperationType string
	// AffectedCount is how many entities the operation would touch.
	AffectedCount int
	// Continuation resumes the parked operation.
	Continuation Continuation
}

func (s *Suspension) Error() string {
	return fmt.Sprintf("operation %q (%d entities) awaiting approval", s.OperationType, s.AffectedCount)
}

// Executor drives conversation turns. Implementations must honor Emit
// errors promptly and tolerate Resume(approved=false) as a pure
// cleanup call.
type Executor interface {
	// Invoke runs a turn, streaming partial results through emit. It
	// returns a *Suspension error to checkpoint a write operation, a
	// Result on completion, or any other error for a failed turn.
	Invoke(ctx context.Context, turn Turn, emit Emit) (*Result, error)

	// Resume continues a parked operation. With approved=false the
	// executor releases the continuation's resources and returns
	// (nil, nil) without executing anything.
	Resume(ctx context.Context, cont Continuation, approved bool, emit Emit) (*Result, error)
}
