// Package conversation hosts the per-conversation actors and the registry
// that owns them. Each actor serializes all engine callbacks for one
// conversation onto a single goroutine, which is what makes the turn state
// machine safe without locks.
package conversation

import (
	"context"
	"sync"

	"github.com/colloquy-dev/colloquy/orchestrator/alarm"
	"github.com/colloquy-dev/colloquy/orchestrator/model"
	"github.com/colloquy-dev/colloquy/orchestrator/store"
	"github.com/colloquy-dev/colloquy/orchestrator/turn"
	"github.com/colloquy-dev/colloquy/orchestrator/workflow"
)

type (
	// Actor owns one conversation. All engine entry points are funneled
	// through its inbox and run to completion one at a time.
	Actor struct {
		conversationID string
		agentID        string
		engine         *turn.Engine
		alarm          *alarm.Timer
		inbox          chan task
		closeOnce      sync.Once
		closed         chan struct{}
	}

	task struct {
		ctx  context.Context
		fn   func(context.Context)
		done chan struct{}
	}
)

const defaultInboxSize = 64

func newActor(conversationID, agentID string, inboxSize int) *Actor {
	if inboxSize <= 0 {
		inboxSize = defaultInboxSize
	}
	a := &Actor{
		conversationID: conversationID,
		agentID:        agentID,
		inbox:          make(chan task, inboxSize),
		closed:         make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *Actor) run() {
	for t := range a.inbox {
		t.fn(t.ctx)
		close(t.done)
	}
	close(a.closed)
}

// do submits fn to the inbox and waits for it to finish. Submissions after
// close fail with context.Canceled semantics via the closed channel.
func (a *Actor) do(ctx context.Context, fn func(context.Context) error) error {
	var err error
	t := task{
		ctx:  ctx,
		fn:   func(runCtx context.Context) { err = fn(runCtx) },
		done: make(chan struct{}),
	}
	select {
	case a.inbox <- t:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue submits fn without waiting for completion. Used by the alarm timer
// so its goroutine never blocks on the inbox.
func (a *Actor) enqueue(fn func(context.Context) error) {
	go func() {
		_ = a.do(context.Background(), fn)
	}()
}

func (a *Actor) close() {
	a.closeOnce.Do(func() {
		if a.alarm != nil {
			a.alarm.Clear()
		}
		close(a.inbox)
	})
	<-a.closed
}

// ConversationID returns the conversation this actor owns.
func (a *Actor) ConversationID() string { return a.conversationID }

// AgentID returns the persona agent bound to this conversation.
func (a *Actor) AgentID() string { return a.agentID }

// StartTurn starts a new turn on this conversation.
func (a *Actor) StartTurn(ctx context.Context, input map[string]any, caller store.Caller) (string, error) {
	var turnID string
	err := a.do(ctx, func(runCtx context.Context) error {
		var err error
		turnID, err = a.engine.StartTurn(runCtx, input, caller)
		return err
	})
	return turnID, err
}

// StartAgentCall starts a turn on behalf of a workflow coordinator node.
func (a *Actor) StartAgentCall(ctx context.Context, input map[string]any, caller store.Caller, cb workflow.WorkflowCallback) (string, error) {
	var turnID string
	err := a.do(ctx, func(runCtx context.Context) error {
		var err error
		turnID, err = a.engine.StartAgentCall(runCtx, input, caller, cb)
		return err
	})
	return turnID, err
}

// HandleContextAssemblyResult delivers the assembled model request.
func (a *Actor) HandleContextAssemblyResult(ctx context.Context, turnID, runID string, req model.Request) error {
	return a.do(ctx, func(runCtx context.Context) error {
		return a.engine.HandleContextAssemblyResult(runCtx, turnID, runID, req)
	})
}

// HandleContextAssemblyError reports a failed context-assembly run.
func (a *Actor) HandleContextAssemblyError(ctx context.Context, turnID, runID, message string) error {
	return a.do(ctx, func(runCtx context.Context) error {
		return a.engine.HandleContextAssemblyError(runCtx, turnID, runID, message)
	})
}

// HandleTaskResult delivers a successful task execution.
func (a *Actor) HandleTaskResult(ctx context.Context, turnID, toolCallID string, result any) error {
	return a.do(ctx, func(runCtx context.Context) error {
		return a.engine.HandleTaskResult(runCtx, turnID, toolCallID, result)
	})
}

// HandleTaskError delivers a failed task execution.
func (a *Actor) HandleTaskError(ctx context.Context, turnID, toolCallID, message string) error {
	return a.do(ctx, func(runCtx context.Context) error {
		return a.engine.HandleTaskError(runCtx, turnID, toolCallID, message)
	})
}

// HandleWorkflowResult delivers a successful workflow run.
func (a *Actor) HandleWorkflowResult(ctx context.Context, turnID, toolCallID string, result any) error {
	return a.do(ctx, func(runCtx context.Context) error {
		return a.engine.HandleWorkflowResult(runCtx, turnID, toolCallID, result)
	})
}

// HandleWorkflowError delivers a failed workflow run.
func (a *Actor) HandleWorkflowError(ctx context.Context, turnID, toolCallID, message string) error {
	return a.do(ctx, func(runCtx context.Context) error {
		return a.engine.HandleWorkflowError(runCtx, turnID, toolCallID, message)
	})
}

// HandleAgentResponse delivers a peer agent's final reasoning.
func (a *Actor) HandleAgentResponse(ctx context.Context, turnID, toolCallID, response string) error {
	return a.do(ctx, func(runCtx context.Context) error {
		return a.engine.HandleAgentResponse(runCtx, turnID, toolCallID, response)
	})
}

// HandleAgentError delivers a peer agent's refusal.
func (a *Actor) HandleAgentError(ctx context.Context, turnID, toolCallID, message string) error {
	return a.do(ctx, func(runCtx context.Context) error {
		return a.engine.HandleAgentError(runCtx, turnID, toolCallID, message)
	})
}

// HandleMemoryExtractionResult records successful extraction.
func (a *Actor) HandleMemoryExtractionResult(ctx context.Context, turnID, runID string) error {
	return a.do(ctx, func(runCtx context.Context) error {
		return a.engine.HandleMemoryExtractionResult(runCtx, turnID, runID)
	})
}

// HandleMemoryExtractionError flags the turn's extraction as failed.
func (a *Actor) HandleMemoryExtractionError(ctx context.Context, turnID, runID, message string) error {
	return a.do(ctx, func(runCtx context.Context) error {
		return a.engine.HandleMemoryExtractionError(runCtx, turnID, runID, message)
	})
}

// Alarm runs the timeout sweep.
func (a *Actor) Alarm(ctx context.Context) error {
	return a.do(ctx, func(runCtx context.Context) error {
		return a.engine.Alarm(runCtx)
	})
}
