package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/voltfleet/agentgate/kv/memory"
	"github.com/voltfleet/agentgate/quota"
	"github.com/voltfleet/agentgate/risk"
	"github.com/voltfleet/agentgate/ticket"
	"github.com/voltfleet/agentgate/toolkit"
	"github.com/voltfleet/agentgate/toolkit/toolkittest"
	"github.com/voltfleet/agentgate/wire"
)

type sinkCall struct {
	identity       ticket.Identity
	conversationID string
	content        string
}

type recordSink struct {
	mu    sync.Mutex
	calls []sinkCall
}

func (s *recordSink) SaveFinal(_ context.Context, id ticket.Identity, conversationID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sinkCall{identity: id, conversationID: conversationID, content: content})
	return nil
}

func (s *recordSink) Calls() []sinkCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sinkCall(nil), s.calls...)
}

func newTestConn(t *testing.T, exec toolkit.Executor, opts ...Option) *Conn {
	t.Helper()
	return newTestConnLedger(t, exec, nil, opts...)
}

func newTestConnLedger(t *testing.T, exec toolkit.Executor, ledger *quota.Ledger, opts ...Option) *Conn {
	t.Helper()
	if ledger == nil {
		store := memory.New()
		t.Cleanup(func() { _ = store.Close() })
		ledger = quota.NewLedger(store)
	}
	base := []Option{WithLogger(slog.New(slog.DiscardHandler))}
	eng := NewEngine(exec, ledger, risk.Static{Policy: risk.DefaultPolicy()}, append(base, opts...)...)
	conn := eng.NewConn(context.Background(), ticket.Identity{TenantID: "t1", UserID: "u1", SessionID: "s1"})
	t.Cleanup(conn.Close)
	return conn
}

func sendChat(c *Conn, message string) {
	c.HandleMessage(&wire.ClientMessage{Type: wire.MessageChat, Message: message, ConversationID: "conv-1"})
}

func nextEvent(t *testing.T, c *Conn) wire.Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return wire.Event{}
	}
}

func collectUntil(t *testing.T, c *Conn, eventType string) []wire.Event {
	t.Helper()
	var events []wire.Event
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			events = append(events, ev)
			if ev.Type == eventType {
				return events
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s, got %d events so far", eventType, len(events))
		}
	}
}

func waitState(t *testing.T, c *Conn, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", c.State(), want)
}

func assertSequential(t *testing.T, events []wire.Event, start uint64) {
	t.Helper()
	for i, ev := range events {
		want := start + uint64(i)
		if ev.Sequence != want {
			t.Fatalf("event %d (%s): sequence = %d, want %d", i, ev.Type, ev.Sequence, want)
		}
	}
}

func TestTurnStreamsAndCompletes(t *testing.T) {
	exec := &toolkittest.ScriptedExecutor{Script: []toolkittest.Action{
		{Emit: &toolkit.StreamEvent{Kind: toolkit.KindText, Content: "hel"}},
		{Emit: &toolkit.StreamEvent{Kind: toolkit.KindText, Content: "lo"}},
		{Finish: &toolkit.Result{Content: "hello"}},
	}}
	sink := &recordSink{}
	c := newTestConn(t, exec, WithConversationSink(sink))

	sendChat(c, "say hello")
	events := collectUntil(t, c, wire.EventDone)

	if len(events) != 3 {
		t.Fatalf("got %d events, want 3: %+v", len(events), events)
	}
	if events[0].Type != wire.EventTextDelta || events[0].Content != "hel" {
		t.Fatalf("event 0 = %+v", events[0])
	}
	if events[1].Type != wire.EventTextDelta || events[1].Content != "lo" {
		t.Fatalf("event 1 = %+v", events[1])
	}
	if events[2].Content != "hello" {
		t.Fatalf("done content = %q", events[2].Content)
	}
	assertSequential(t, events, 1)

	if got := exec.LastTurn(); got.TenantID != "t1" || got.ConversationID != "conv-1" || got.Message != "say hello" {
		t.Fatalf("turn = %+v", got)
	}

	waitState(t, c, StateOpen)
	calls := sink.Calls()
	if len(calls) != 1 || calls[0].conversationID != "conv-1" || calls[0].content != "hello" {
		t.Fatalf("sink calls = %+v", calls)
	}
}

func TestSequenceContinuesAcrossTurns(t *testing.T) {
	exec := &toolkittest.ScriptedExecutor{Script: []toolkittest.Action{
		{Finish: &toolkit.Result{Content: "ok"}},
	}}
	c := newTestConn(t, exec)

	sendChat(c, "first")
	first := collectUntil(t, c, wire.EventDone)
	waitState(t, c, StateOpen)

	sendChat(c, "second")
	second := collectUntil(t, c, wire.EventDone)

	assertSequential(t, first, 1)
	assertSequential(t, second, first[len(first)-1].Sequence+1)
}

func TestConfirmationApproved(t *testing.T) {
	exec := &toolkittest.ScriptedExecutor{Script: []toolkittest.Action{
		{Emit: &toolkit.StreamEvent{Kind: toolkit.KindText, Content: "about to wipe"}},
		{Suspend: &toolkit.Suspension{Prompt: "Wipe 3 devices?", OperationType: "wipe_devices", AffectedCount: 3}},
		{Emit: &toolkit.StreamEvent{Kind: toolkit.KindText, Content: "wiped"}},
		{Finish: &toolkit.Result{Content: "3 devices wiped"}},
	}}
	c := newTestConn(t, exec)

	sendChat(c, "wipe devices a b c")
	events := collectUntil(t, c, wire.EventConfirmationRequired)
	confirm := events[len(events)-1]

	if confirm.Content != "Wipe 3 devices?" {
		t.Fatalf("prompt = %q", confirm.Content)
	}
	opID, _ := confirm.Metadata["operation_id"].(string)
	if opID == "" {
		t.Fatalf("confirmation without operation_id: %+v", confirm.Metadata)
	}
	if got := confirm.Metadata["risk_level"]; got != "critical" {
		t.Fatalf("risk_level = %v", got)
	}
	if got := confirm.Metadata["device_count"]; got != 3 {
		t.Fatalf("device_count = %v", got)
	}
	if got := c.State(); got != StateAwaitingConfirmation {
		t.Fatalf("state = %s", got)
	}

	// A confirm for a different operation must not release the pending one.
	c.HandleMessage(&wire.ClientMessage{Type: wire.MessageConfirm, OperationID: "not-the-op", Confirmed: true})
	ev := nextEvent(t, c)
	if ev.Type != wire.EventError || ev.ErrorType != wire.ErrorTypeValidation {
		t.Fatalf("mismatched confirm produced %+v", ev)
	}
	if got := c.State(); got != StateAwaitingConfirmation {
		t.Fatalf("state after mismatched confirm = %s", got)
	}

	c.HandleMessage(&wire.ClientMessage{Type: wire.MessageConfirm, OperationID: opID, Confirmed: true})
	rest := collectUntil(t, c, wire.EventDone)
	if rest[0].Type != wire.EventTextDelta || rest[0].Content != "wiped" {
		t.Fatalf("post-approval events = %+v", rest)
	}

	if got := exec.ResumeCalls(); len(got) != 1 || !got[0] {
		t.Fatalf("resume calls = %v", got)
	}
	assertSequential(t, append(append(append([]wire.Event(nil), events...), ev), rest...), 1)
}

func TestConfirmationDenied(t *testing.T) {
	exec := &toolkittest.ScriptedExecutor{Script: []toolkittest.Action{
		{Suspend: &toolkit.Suspension{Prompt: "Deactivate?", OperationType: "deactivate_devices", AffectedCount: 2}},
		{Finish: &toolkit.Result{Content: "never reached"}},
	}}
	c := newTestConn(t, exec)

	sendChat(c, "deactivate")
	events := collectUntil(t, c, wire.EventConfirmationRequired)
	opID, _ := events[len(events)-1].Metadata["operation_id"].(string)

	c.HandleMessage(&wire.ClientMessage{Type: wire.MessageConfirm, OperationID: opID, Confirmed: false})
	ev := nextEvent(t, c)
	if ev.Type != wire.EventCancelled {
		t.Fatalf("denial produced %+v", ev)
	}
	if got := ev.Metadata["reason"]; got != "user_denied" {
		t.Fatalf("reason = %v", got)
	}

	if got := exec.ResumeCalls(); len(got) != 1 || got[0] {
		t.Fatalf("resume calls = %v", got)
	}
	waitState(t, c, StateOpen)
}

func TestChatWhileAwaitingConfirmationRejected(t *testing.T) {
	exec := &toolkittest.ScriptedExecutor{Script: []toolkittest.Action{
		{Suspend: &toolkit.Suspension{Prompt: "Cancel subscriptions?", OperationType: "cancel_subscriptions", AffectedCount: 1}},
		{Finish: &toolkit.Result{Content: "done"}},
	}}
	c := newTestConn(t, exec)

	sendChat(c, "cancel subs")
	events := collectUntil(t, c, wire.EventConfirmationRequired)
	opID, _ := events[len(events)-1].Metadata["operation_id"].(string)

	sendChat(c, "another message")
	ev := nextEvent(t, c)
	if ev.Type != wire.EventError || ev.ErrorType != wire.ErrorTypeValidation {
		t.Fatalf("chat during confirmation produced %+v", ev)
	}
	if got := exec.Invokes(); got != 1 {
		t.Fatalf("invokes = %d, want 1", got)
	}

	// The pending confirmation is still answerable.
	c.HandleMessage(&wire.ClientMessage{Type: wire.MessageConfirm, OperationID: opID, Confirmed: true})
	collectUntil(t, c, wire.EventDone)
}

func TestCancelDuringProcessing(t *testing.T) {
	gate := make(chan struct{})
	exec := &toolkittest.ScriptedExecutor{Script: []toolkittest.Action{
		{Emit: &toolkit.StreamEvent{Kind: toolkit.KindText, Content: "working"}},
		{Gate: gate},
		{Finish: &toolkit.Result{Content: "never reached"}},
	}}
	c := newTestConn(t, exec)

	sendChat(c, "long task")
	if ev := nextEvent(t, c); ev.Type != wire.EventTextDelta {
		t.Fatalf("first event = %+v", ev)
	}

	c.HandleMessage(&wire.ClientMessage{Type: wire.MessageCancel})
	ev := nextEvent(t, c)
	if ev.Type != wire.EventCancelled {
		t.Fatalf("cancel produced %+v", ev)
	}
	if got := ev.Metadata["reason"]; got != "user_cancel" {
		t.Fatalf("reason = %v", got)
	}
	waitState(t, c, StateOpen)
}

// contextBlindExecutor ignores its context entirely: once released it
// returns a full result even if the turn was cancelled long before.
type contextBlindExecutor struct {
	started chan struct{}
	release chan struct{}
}

func (e *contextBlindExecutor) Invoke(_ context.Context, _ toolkit.Turn, _ toolkit.Emit) (*toolkit.Result, error) {
	close(e.started)
	<-e.release
	return &toolkit.Result{Content: "finished anyway"}, nil
}

func (e *contextBlindExecutor) Resume(context.Context, toolkit.Continuation, bool, toolkit.Emit) (*toolkit.Result, error) {
	return nil, nil
}

func TestCancelOverridesLateCompletion(t *testing.T) {
	exec := &contextBlindExecutor{started: make(chan struct{}), release: make(chan struct{})}
	sink := &recordSink{}
	c := newTestConn(t, exec, WithConversationSink(sink))

	sendChat(c, "long task")
	select {
	case <-exec.started:
	case <-time.After(2 * time.Second):
		t.Fatal("executor never started")
	}

	c.HandleMessage(&wire.ClientMessage{Type: wire.MessageCancel})
	close(exec.release)

	ev := nextEvent(t, c)
	if ev.Type != wire.EventCancelled {
		t.Fatalf("terminal event after cancel: type=%s content=%q", ev.Type, ev.Content)
	}
	if got := ev.Metadata["reason"]; got != "user_cancel" {
		t.Fatalf("reason = %v", got)
	}
	waitState(t, c, StateOpen)
	if calls := sink.Calls(); len(calls) != 0 {
		t.Fatalf("cancelled turn reached the sink: %+v", calls)
	}
}

func TestConfirmationTimeout(t *testing.T) {
	exec := &toolkittest.ScriptedExecutor{Script: []toolkittest.Action{
		{Suspend: &toolkit.Suspension{Prompt: "Wipe?", OperationType: "wipe_devices", AffectedCount: 1}},
		{Finish: &toolkit.Result{Content: "never reached"}},
	}}
	c := newTestConn(t, exec, WithConfirmationTimeout(25*time.Millisecond))

	sendChat(c, "wipe")
	collectUntil(t, c, wire.EventConfirmationRequired)

	ev := nextEvent(t, c)
	if ev.Type != wire.EventCancelled {
		t.Fatalf("timeout produced %+v", ev)
	}
	if got := ev.Metadata["reason"]; got != "confirmation_timeout" {
		t.Fatalf("reason = %v", got)
	}
	if got := exec.ResumeCalls(); len(got) != 1 || got[0] {
		t.Fatalf("resume calls = %v", got)
	}
	waitState(t, c, StateOpen)
}

func TestCeilingRejectsWithoutConfirmation(t *testing.T) {
	exec := &toolkittest.ScriptedExecutor{Script: []toolkittest.Action{
		{Suspend: &toolkit.Suspension{Prompt: "Wipe 50?", OperationType: "wipe_devices", AffectedCount: 50}},
		{Finish: &toolkit.Result{Content: "never reached"}},
	}}
	c := newTestConn(t, exec)

	sendChat(c, "wipe everything")
	ev := nextEvent(t, c)
	if ev.Type != wire.EventError || ev.ErrorType != wire.ErrorTypeValidation {
		t.Fatalf("ceiling breach produced %+v", ev)
	}
	if got := ev.Metadata["device_ceiling"]; got != risk.DefaultCriticalCeiling {
		t.Fatalf("device_ceiling = %v", got)
	}
	if got := exec.ResumeCalls(); len(got) != 1 || got[0] {
		t.Fatalf("resume calls = %v", got)
	}
	waitState(t, c, StateOpen)
}

func TestQuotaExceededRejectsOperation(t *testing.T) {
	store := memory.New()
	t.Cleanup(func() { _ = store.Close() })
	ledger := quota.NewLedger(store, quota.WithDailyOperations(1))

	exec := &toolkittest.ScriptedExecutor{Script: []toolkittest.Action{
		{Suspend: &toolkit.Suspension{Prompt: "Regroup?", OperationType: "update_device_group", AffectedCount: 1}},
		{Finish: &toolkit.Result{Content: "regrouped"}},
	}}
	c := newTestConnLedger(t, exec, ledger)

	// First operation is low risk and within budget: auto-approved.
	sendChat(c, "regroup device 1")
	collectUntil(t, c, wire.EventDone)
	waitState(t, c, StateOpen)

	// Second exhausts the one-op budget.
	sendChat(c, "regroup device 2")
	var ev wire.Event
	for {
		ev = nextEvent(t, c)
		if ev.Type == wire.EventError {
			break
		}
	}
	if ev.ErrorType != wire.ErrorTypeQuotaExceeded {
		t.Fatalf("error type = %s", ev.ErrorType)
	}
	if got := ev.Metadata["operations"]; got != int64(2) {
		t.Fatalf("operations = %v", got)
	}
	if got := ev.Metadata["operations_limit"]; got != int64(1) {
		t.Fatalf("operations_limit = %v", got)
	}
	if _, ok := ev.Metadata["reset_at"]; !ok {
		t.Fatal("missing reset_at")
	}

	if got := exec.ResumeCalls(); len(got) != 2 || !got[0] || got[1] {
		t.Fatalf("resume calls = %v", got)
	}
}

func TestToolErrorKeepsConnectionOpen(t *testing.T) {
	exec := &toolkittest.ScriptedExecutor{Script: []toolkittest.Action{
		{Fail: errors.New("upstream fleet API returned 502")},
	}}
	c := newTestConn(t, exec)

	sendChat(c, "lookup devices")
	ev := nextEvent(t, c)
	if ev.Type != wire.EventError || ev.ErrorType != wire.ErrorTypeTool {
		t.Fatalf("tool failure produced %+v", ev)
	}
	waitState(t, c, StateOpen)

	sendChat(c, "try again")
	if ev := nextEvent(t, c); ev.Type != wire.EventError {
		t.Fatalf("retry produced %+v", ev)
	}
	if got := exec.Invokes(); got != 2 {
		t.Fatalf("invokes = %d, want 2", got)
	}
}

func TestPingPong(t *testing.T) {
	exec := &toolkittest.ScriptedExecutor{}
	c := newTestConn(t, exec)

	c.HandleMessage(&wire.ClientMessage{Type: wire.MessagePing})
	if ev := nextEvent(t, c); ev.Type != wire.EventPong {
		t.Fatalf("ping produced %+v", ev)
	}
}

func TestCancelWithNoTurnIsNoop(t *testing.T) {
	exec := &toolkittest.ScriptedExecutor{}
	c := newTestConn(t, exec)

	c.HandleMessage(&wire.ClientMessage{Type: wire.MessageCancel})
	c.HandleMessage(&wire.ClientMessage{Type: wire.MessagePing})
	if ev := nextEvent(t, c); ev.Type != wire.EventPong {
		t.Fatalf("expected pong after no-op cancel, got %+v", ev)
	}
}
