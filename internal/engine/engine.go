// Package engine implements the session protocol core: one state
// machine per connection, strict outbound event sequencing, the
// risk/quota gate, and the confirmation handshake for destructive
// operations. It is transport-agnostic; the gateway package owns the
// WebSocket plumbing and feeds decoded messages in.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/voltfleet/agentgate/quota"
	"github.com/voltfleet/agentgate/risk"
	"github.com/voltfleet/agentgate/ticket"
	"github.com/voltfleet/agentgate/toolkit"
	"github.com/voltfleet/agentgate/wire"
)

const (
	// DefaultConfirmationTimeout bounds how long a pending confirmation
	// may sit unanswered before the engine auto-cancels it. Without a
	// bound, an abandoned tab would leak a parked executor continuation
	// forever.
	DefaultConfirmationTimeout = 5 * time.Minute

	defaultEventBuffer = 256
)

// ConversationSink receives the final content of completed turns.
// Storage format and retention are the dashboard's concern.
type ConversationSink interface {
	SaveFinal(ctx context.Context, id ticket.Identity, conversationID, content string) error
}

// Engine holds the collaborators shared by every connection.
type Engine struct {
	exec   toolkit.Executor
	ledger *quota.Ledger
	policy risk.Provider
	sink   ConversationSink
	log    *slog.Logger

	confirmTimeout time.Duration
	eventBuffer    int
	now            func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets a custom logger for the Engine.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithConfirmationTimeout overrides the pending-confirmation bound.
func WithConfirmationTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.confirmTimeout = d
		}
	}
}

// WithEventBuffer sets the per-connection outbound event buffer size.
func WithEventBuffer(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.eventBuffer = n
		}
	}
}

// WithConversationSink wires the hand-off for final turn content.
func WithConversationSink(s ConversationSink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithClock overrides the time source used for event timestamps. Test hook.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func NewEngine(exec toolkit.Executor, ledger *quota.Ledger, policy risk.Provider, opts ...Option) *Engine {
	e := &Engine{
		exec:           exec,
		ledger:         ledger,
		policy:         policy,
		log:            slog.Default(),
		confirmTimeout: DefaultConfirmationTimeout,
		eventBuffer:    defaultEventBuffer,
		now:            time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// NewConn binds a freshly redeemed identity to a connection state
// machine. Ticket redemption (the connecting phase) happens in the
// transport before a Conn exists, so the returned Conn starts open.
// The Conn lives until Close is called or parent is cancelled.
func (e *Engine) NewConn(parent context.Context, identity ticket.Identity) *Conn {
	ctx, cancel := context.WithCancel(parent)
	return &Conn{
		eng:      e,
		id:       uuid.NewString(),
		identity: identity,
		state:    StateOpen,
		out:      make(chan wire.Event, e.eventBuffer),
		ctx:      ctx,
		cancel:   cancel,
	}
}
