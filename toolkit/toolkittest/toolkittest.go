// Package toolkittest provides a scripted toolkit.Executor for testing
// the engine and gateway without a model or real tools. A script is a
// flat list of actions; Invoke walks it until it suspends, fails, or
// finishes, and an approved Resume continues from the action after the
// suspension point.
package toolkittest

import (
	"context"
	"fmt"
	"sync"

	"github.com/voltfleet/agentgate/toolkit"
)

// Action is one scripted step. Exactly one field should be set.
type Action struct {
	// Emit streams one partial result.
	Emit *toolkit.StreamEvent
	// Suspend checkpoints a write operation. The continuation is
	// filled in by the executor.
	Suspend *toolkit.Suspension
	// Fail aborts the turn with this error.
	Fail error
	// Finish completes the turn.
	Finish *toolkit.Result
	// Gate blocks until the channel is closed or the context ends,
	// letting tests control mid-stream timing.
	Gate chan struct{}
}

// ScriptedExecutor replays a fixed script. Safe for use from the
// engine's turn goroutine plus test assertions.
type ScriptedExecutor struct {
	Script []Action

	mu          sync.Mutex
	invokes     int
	lastTurn    toolkit.Turn
	resumeCalls []bool
}

var _ toolkit.Executor = (*ScriptedExecutor)(nil)

type continuation struct{ next int }

func (e *ScriptedExecutor) Invoke(ctx context.Context, turn toolkit.Turn, emit toolkit.Emit) (*toolkit.Result, error) {
	e.mu.Lock()
	e.invokes++
	e.lastTurn = turn
	e.mu.Unlock()
	return e.run(ctx, 0, emit)
}

func (e *ScriptedExecutor) Resume(ctx context.Context, cont toolkit.Continuation, approved bool, emit toolkit.Emit) (*toolkit.Result, error) {
	e.mu.Lock()
	e.resumeCalls = append(e.resumeCalls, approved)
	e.mu.Unlock()

	c, ok := cont.(continuation)
	if !ok {
		return nil, fmt.Errorf("foreign continuation %T", cont)
	}
	if !approved {
		return nil, nil
	}
	return e.run(ctx, c.next, emit)
}

func (e *ScriptedExecutor) run(ctx context.Context, start int, emit toolkit.Emit) (*toolkit.Result, error) {
	for i := start; i < len(e.Script); i++ {
		a := e.Script[i]
		switch {
		case a.Emit != nil:
			if err := emit(ctx, *a.Emit); err != nil {
				return nil, err
			}
		case a.Suspend != nil:
			s := *a.Suspend
			s.Continuation = continuation{next: i + 1}
			return nil, &s
		case a.Fail != nil:
			return nil, a.Fail
		case a.Finish != nil:
			return a.Finish, nil
		case a.Gate != nil:
			select {
			case <-a.Gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return &toolkit.Result{}, nil
}

// Invokes reports how many turns were started.
func (e *ScriptedExecutor) Invokes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.invokes
}

// LastTurn returns the most recent Invoke argument.
func (e *ScriptedExecutor) LastTurn() toolkit.Turn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastTurn
}

// ResumeCalls returns the approved flags of every Resume call in order.
func (e *ScriptedExecutor) ResumeCalls() []bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]bool(nil), e.resumeCalls...)
}
