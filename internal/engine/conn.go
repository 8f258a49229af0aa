package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voltfleet/agentgate/internal/logctx"
	"github.com/voltfleet/agentgate/risk"
	"github.com/voltfleet/agentgate/ticket"
	"github.com/voltfleet/agentgate/toolkit"
	"github.com/voltfleet/agentgate/wire"
)

// State is the connection's position in the session protocol. The
// connecting phase (ticket redemption) is owned by the transport and
// ends before a Conn exists, so it has no State here.
type State string

const (
	StateOpen                 State = "open"
	StateProcessing           State = "processing"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateClosed               State = "closed"
)

type confirmOutcome int

const (
	outcomeApproved confirmOutcome = iota
	outcomeDenied
	outcomeCancelled
)

type pendingConfirmation struct {
	operationID   string
	operationType string
	tier          risk.Tier
	affected      int
	decision      chan confirmOutcome
}

// Conn is one client session. The transport feeds decoded messages in
// through HandleMessage and drains Events; the Conn owns everything in
// between.
type Conn struct {
	eng      *Engine
	id       string
	identity ticket.Identity

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	pending    *pendingConfirmation
	turnCancel context.CancelFunc
	cancelled  bool

	emitMu sync.Mutex
	seq    uint64
	out    chan wire.Event
}

// ID returns the connection id used for log correlation.
func (c *Conn) ID() string { return c.id }

// Identity returns the ticket identity this connection was opened with.
func (c *Conn) Identity() ticket.Identity { return c.identity }

// State reports the current protocol state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Events is the outbound event stream. It is never closed; Done signals
// teardown instead, so a slow drain can never race a close.
func (c *Conn) Events() <-chan wire.Event { return c.out }

// Done is closed when the connection is torn down.
func (c *Conn) Done() <-chan struct{} { return c.ctx.Done() }

// Close tears the connection down. Any in-flight turn is cancelled and
// a parked confirmation is discarded through the executor's cleanup
// path. Safe to call more than once.
func (c *Conn) Close() {
	c.mu.Lock()
	c.state = StateClosed
	if c.turnCancel != nil {
		c.turnCancel()
	}
	c.mu.Unlock()
	c.cancel()
}

// emit stamps and enqueues one event. All emissions funnel through here
// so the sequence number is strictly increasing with no gaps regardless
// of which goroutine produced the event.
func (c *Conn) emit(ev wire.Event) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	c.seq++
	ev.Sequence = c.seq
	ev.Timestamp = c.eng.now()
	select {
	case c.out <- ev:
	case <-c.ctx.Done():
	}
}

func (c *Conn) emitError(errType wire.ErrorType, content string, meta map[string]any) {
	c.emit(wire.Event{Type: wire.EventError, ErrorType: errType, Content: content, Metadata: meta})
}

func (c *Conn) logCtx() context.Context {
	return logctx.WithConnData(c.ctx, &logctx.ConnData{
		ConnID:    c.id,
		TenantID:  c.identity.TenantID,
		UserID:    c.identity.UserID,
		SessionID: c.identity.SessionID,
	})
}

// ReportInvalid surfaces a transport-level validation failure, such as
// a malformed frame, on the event stream without touching session state.
func (c *Conn) ReportInvalid(detail string) {
	c.emitError(wire.ErrorTypeValidation, detail, nil)
}

// HandleMessage dispatches one validated client message against the
// current state. Messages that are not legal in the current state get a
// validation error event; they never disturb an in-flight turn or a
// pending confirmation.
func (c *Conn) HandleMessage(msg *wire.ClientMessage) {
	switch msg.Type {
	case wire.MessagePing:
		c.mu.Lock()
		closed := c.state == StateClosed
		c.mu.Unlock()
		if !closed {
			c.emit(wire.Event{Type: wire.EventPong})
		}

	case wire.MessageChat:
		c.handleChat(msg)

	case wire.MessageConfirm:
		c.handleConfirm(msg)

	case wire.MessageCancel:
		c.handleCancel()

	default:
		c.emitError(wire.ErrorTypeValidation, "unknown message type", map[string]any{"message_type": msg.Type})
	}
}

func (c *Conn) handleChat(msg *wire.ClientMessage) {
	c.mu.Lock()
	if c.state != StateOpen {
		state := c.state
		c.mu.Unlock()
		if state == StateClosed {
			return
		}
		c.emitError(wire.ErrorTypeValidation, "a turn is already in progress", map[string]any{"state": string(state)})
		return
	}

	conversationID := msg.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	turnCtx, turnCancel := context.WithCancel(c.ctx)
	c.state = StateProcessing
	c.cancelled = false
	c.turnCancel = turnCancel
	c.mu.Unlock()

	c.eng.log.InfoContext(c.logCtx(), "conn.turn.start", "conversation_id", conversationID)
	go c.runTurn(turnCtx, conversationID, msg.Message)
}

func (c *Conn) handleConfirm(msg *wire.ClientMessage) {
	c.mu.Lock()
	if c.state != StateAwaitingConfirmation || c.pending == nil {
		c.mu.Unlock()
		c.emitError(wire.ErrorTypeValidation, "no confirmation pending", map[string]any{"operation_id": msg.OperationID})
		return
	}
	p := c.pending
	if msg.OperationID != p.operationID {
		c.mu.Unlock()
		c.emitError(wire.ErrorTypeValidation, "operation_id does not match the pending confirmation", map[string]any{
			"operation_id":         msg.OperationID,
			"pending_operation_id": p.operationID,
		})
		return
	}
	c.mu.Unlock()

	outcome := outcomeDenied
	if msg.Confirmed {
		outcome = outcomeApproved
	}
	select {
	case p.decision <- outcome:
	default:
		// A decision is already queued for this operation.
		c.eng.log.WarnContext(c.logCtx(), "conn.confirm.duplicate", "operation_id", p.operationID)
	}
}

func (c *Conn) handleCancel() {
	c.mu.Lock()
	switch c.state {
	case StateProcessing:
		c.cancelled = true
		cancel := c.turnCancel
		c.mu.Unlock()
		c.eng.log.InfoContext(c.logCtx(), "conn.cancel", "phase", "processing")
		if cancel != nil {
			cancel()
		}
	case StateAwaitingConfirmation:
		p := c.pending
		c.mu.Unlock()
		c.eng.log.InfoContext(c.logCtx(), "conn.cancel", "phase", "awaiting_confirmation")
		if p != nil {
			select {
			case p.decision <- outcomeCancelled:
			default:
			}
		}
	default:
		c.mu.Unlock()
		// No active turn; nothing to cancel.
	}
}

func (c *Conn) isCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

// streamEmit adapts executor partial results onto the wire. Once the
// turn is cancelled it refuses further output so nothing emitted by a
// slow executor leaks past the cancelled event.
func (c *Conn) streamEmit(ctx context.Context, ev toolkit.StreamEvent) error {
	if c.isCancelled() || ctx.Err() != nil {
		return toolkit.ErrCancelled
	}

	out := wire.Event{Content: ev.Content, Metadata: ev.Metadata}
	switch ev.Kind {
	case toolkit.KindText:
		out.Type = wire.EventTextDelta
	case toolkit.KindThinking:
		out.Type = wire.EventThinkingDelta
	case toolkit.KindToolStart:
		out.Type = wire.EventToolCallStart
		out.ToolCallID = ev.ToolCallID
		out.ToolName = ev.ToolName
		out.ToolArguments = ev.ToolArguments
	case toolkit.KindToolResult:
		out.Type = wire.EventToolCallResult
		out.ToolCallID = ev.ToolCallID
		out.ToolName = ev.ToolName
	default:
		return nil
	}
	c.emit(out)
	return nil
}

// runTurn drives one turn to a terminal event. Every path out of here
// returns the connection to open (or leaves it closed) and ends the
// stream with exactly one of done, cancelled, or error.
func (c *Conn) runTurn(turnCtx context.Context, conversationID, message string) {
	defer func() {
		c.mu.Lock()
		if c.state != StateClosed {
			c.state = StateOpen
		}
		c.pending = nil
		c.turnCancel = nil
		c.mu.Unlock()
	}()

	turn := toolkit.Turn{
		TenantID:       c.identity.TenantID,
		UserID:         c.identity.UserID,
		SessionID:      c.identity.SessionID,
		ConversationID: conversationID,
		Message:        message,
	}

	res, err := c.eng.exec.Invoke(turnCtx, turn, c.streamEmit)

	for {
		if c.ctx.Err() != nil {
			// Connection is gone; nobody is reading events.
			return
		}

		// Cancellation wins over whatever the executor returned. An
		// executor that never observes its context may still run to
		// completion; its result is discarded, not delivered as done.
		if c.isCancelled() {
			var susp *toolkit.Suspension
			if errors.As(err, &susp) {
				c.discard(susp)
			}
			c.emit(wire.Event{Type: wire.EventCancelled, Content: "cancelled by user", Metadata: map[string]any{"reason": "user_cancel"}})
			c.eng.log.InfoContext(c.logCtx(), "conn.turn.cancelled", "conversation_id", conversationID)
			return
		}

		if err == nil {
			c.finishTurn(conversationID, res)
			return
		}

		var susp *toolkit.Suspension
		if errors.As(err, &susp) {
			res, err = c.handleSuspension(turnCtx, susp)
			if res == nil && err == nil {
				// Terminal outcome already emitted.
				return
			}
			continue
		}

		if errors.Is(err, toolkit.ErrCancelled) || errors.Is(err, context.Canceled) {
			c.emit(wire.Event{Type: wire.EventCancelled, Content: "cancelled by user", Metadata: map[string]any{"reason": "user_cancel"}})
			c.eng.log.InfoContext(c.logCtx(), "conn.turn.cancelled", "conversation_id", conversationID)
			return
		}

		c.emitError(wire.ErrorTypeTool, err.Error(), map[string]any{"conversation_id": conversationID})
		c.eng.log.WarnContext(c.logCtx(), "conn.turn.fail", "conversation_id", conversationID, "err", err)
		return
	}
}

// handleSuspension vets one checkpointed write operation. It returns
// the executor's continuation result when the turn should keep going,
// or (nil, nil) after emitting a terminal event itself.
func (c *Conn) handleSuspension(turnCtx context.Context, susp *toolkit.Suspension) (*toolkit.Result, error) {
	policy := c.eng.policy.Current()
	decision, cerr := policy.Classify(susp.OperationType, susp.AffectedCount)

	var ceiling *risk.CeilingError
	if errors.As(cerr, &ceiling) {
		c.discard(susp)
		c.emitError(wire.ErrorTypeValidation, ceiling.Error(), map[string]any{
			"operation_type": ceiling.OperationType,
			"risk_level":     string(ceiling.Tier),
			"device_count":   ceiling.Affected,
			"device_ceiling": ceiling.Ceiling,
		})
		c.eng.log.WarnContext(c.logCtx(), "conn.op.ceiling", "operation_type", susp.OperationType, "affected", susp.AffectedCount)
		return nil, nil
	}
	if cerr != nil {
		c.discard(susp)
		c.emitError(wire.ErrorTypeFatal, "operation could not be classified", nil)
		return nil, nil
	}

	qd, qerr := c.eng.ledger.CheckAndIncrement(c.ctx, c.identity.TenantID, 1, int64(susp.AffectedCount))
	if qerr != nil {
		c.discard(susp)
		c.emitError(wire.ErrorTypeFatal, "quota check unavailable, operation rejected", nil)
		c.eng.log.ErrorContext(c.logCtx(), "conn.quota.fail", "err", qerr)
		return nil, nil
	}
	if !qd.Allowed {
		c.discard(susp)
		c.emitError(wire.ErrorTypeQuotaExceeded, "daily quota exceeded", map[string]any{
			"operations":       qd.Operations,
			"operations_limit": qd.OpsLimit,
			"devices":          qd.Devices,
			"devices_limit":    qd.DevicesLimit,
			"reset_at":         qd.ResetAt.Format(time.RFC3339),
		})
		c.eng.log.WarnContext(c.logCtx(), "conn.quota.exceeded",
			"operations", qd.Operations, "devices", qd.Devices)
		return nil, nil
	}

	if !decision.RequiresConfirmation {
		return c.eng.exec.Resume(turnCtx, susp.Continuation, true, c.streamEmit)
	}

	return c.awaitConfirmation(turnCtx, susp, decision)
}

// awaitConfirmation parks the turn until the user decides, the timeout
// fires, or the turn is cancelled.
func (c *Conn) awaitConfirmation(turnCtx context.Context, susp *toolkit.Suspension, decision risk.Decision) (*toolkit.Result, error) {
	p := &pendingConfirmation{
		operationID:   uuid.NewString(),
		operationType: susp.OperationType,
		tier:          decision.Tier,
		affected:      susp.AffectedCount,
		decision:      make(chan confirmOutcome, 1),
	}

	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		c.discard(susp)
		return nil, nil
	}
	c.state = StateAwaitingConfirmation
	c.pending = p
	c.mu.Unlock()

	opCtx := logctx.WithOperationData(c.logCtx(), &logctx.OperationData{
		OperationID:   p.operationID,
		OperationType: p.operationType,
		RiskTier:      string(p.tier),
	})
	c.eng.log.InfoContext(opCtx, "conn.confirm.request", "affected", p.affected)

	c.emit(wire.Event{
		Type:    wire.EventConfirmationRequired,
		Content: susp.Prompt,
		Metadata: map[string]any{
			"operation_id":   p.operationID,
			"operation_type": p.operationType,
			"risk_level":     string(p.tier),
			"device_count":   p.affected,
		},
	})

	timer := time.NewTimer(c.eng.confirmTimeout)
	defer timer.Stop()

	var outcome confirmOutcome
	select {
	case outcome = <-p.decision:
	case <-timer.C:
		// Prefer a decision that raced the timer.
		select {
		case outcome = <-p.decision:
		default:
			c.clearPending()
			c.discard(susp)
			c.emit(wire.Event{Type: wire.EventCancelled, Content: "confirmation timed out", Metadata: map[string]any{
				"reason":       "confirmation_timeout",
				"operation_id": p.operationID,
			}})
			c.eng.log.InfoContext(opCtx, "conn.confirm.timeout")
			return nil, nil
		}
	case <-c.ctx.Done():
		c.clearPending()
		c.discard(susp)
		return nil, nil
	}

	c.clearPending()

	switch outcome {
	case outcomeApproved:
		c.eng.log.InfoContext(opCtx, "conn.confirm.approved")
		return c.eng.exec.Resume(turnCtx, susp.Continuation, true, c.streamEmit)
	case outcomeDenied:
		c.discard(susp)
		c.emit(wire.Event{Type: wire.EventCancelled, Content: "operation denied", Metadata: map[string]any{
			"reason":       "user_denied",
			"operation_id": p.operationID,
		}})
		c.eng.log.InfoContext(opCtx, "conn.confirm.denied")
		return nil, nil
	default:
		c.discard(susp)
		c.emit(wire.Event{Type: wire.EventCancelled, Content: "cancelled by user", Metadata: map[string]any{
			"reason":       "user_cancel",
			"operation_id": p.operationID,
		}})
		c.eng.log.InfoContext(opCtx, "conn.confirm.cancelled")
		return nil, nil
	}
}

func (c *Conn) clearPending() {
	c.mu.Lock()
	c.pending = nil
	if c.state == StateAwaitingConfirmation {
		c.state = StateProcessing
	}
	c.mu.Unlock()
}

// discard releases a parked operation without executing it. Cleanup
// runs on a background context so a cancelled turn context cannot stop
// the executor from freeing its resources.
func (c *Conn) discard(susp *toolkit.Suspension) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := c.eng.exec.Resume(ctx, susp.Continuation, false, c.streamEmit); err != nil {
		c.eng.log.WarnContext(c.logCtx(), "conn.op.discard.fail", "operation_type", susp.OperationType, "err", err)
	}
}

func (c *Conn) finishTurn(conversationID string, res *toolkit.Result) {
	content := ""
	meta := map[string]any{"conversation_id": conversationID}
	if res != nil {
		content = res.Content
		for k, v := range res.Metadata {
			meta[k] = v
		}
	}

	if c.eng.sink != nil && content != "" {
		if err := c.eng.sink.SaveFinal(c.ctx, c.identity, conversationID, content); err != nil {
			c.eng.log.WarnContext(c.logCtx(), "conn.turn.save.fail", "conversation_id", conversationID, "err", err)
		}
	}

	c.emit(wire.Event{Type: wire.EventDone, Content: content, Metadata: meta})
	c.eng.log.InfoContext(c.logCtx(), "conn.turn.done", "conversation_id", conversationID)
}
