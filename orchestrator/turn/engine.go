// Package turn implements the per-conversation turn state machine: turn
// startup, the callback handlers results funnel through, the timeout sweep,
// and turn finalization. The engine reads the stores to decide what to do
// and routes turn state transitions through the dispatcher.
package turn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/colloquy-dev/colloquy/orchestrator/alarm"
	"github.com/colloquy-dev/colloquy/orchestrator/dispatch"
	"github.com/colloquy-dev/colloquy/orchestrator/executor"
	"github.com/colloquy-dev/colloquy/orchestrator/loop"
	"github.com/colloquy-dev/colloquy/orchestrator/model"
	"github.com/colloquy-dev/colloquy/orchestrator/planner"
	"github.com/colloquy-dev/colloquy/orchestrator/store"
	"github.com/colloquy-dev/colloquy/orchestrator/telemetry"
	"github.com/colloquy-dev/colloquy/orchestrator/toolerrors"
	"github.com/colloquy-dev/colloquy/orchestrator/tools"
	"github.com/colloquy-dev/colloquy/orchestrator/trace"
	"github.com/colloquy-dev/colloquy/orchestrator/workflow"
)

type (
	// Parents routes completion callbacks to parent actors and coordinators.
	// The conversation registry implements it.
	Parents interface {
		// HandleAgentResponse delivers a delegated child's final reasoning to
		// the parent conversation's turn.
		HandleAgentResponse(ctx context.Context, conversationID, turnID, toolCallID, response string) error
		// HandleAgentResult delivers an agent turn's final reasoning to the
		// coordinator node that started it.
		HandleAgentResult(ctx context.Context, runID, nodeID, response string) error
	}

	// Config assembles an Engine.
	Config struct {
		ConversationID string
		// AgentID selects the persona driving this conversation.
		AgentID    string
		Store      *store.Store
		Dispatcher *dispatch.Dispatcher
		Loop       *loop.Driver
		Catalog    tools.Catalog
		Alarm      alarm.Scheduler
		Parents    Parents
		// Tasks re-fires task invocations on timeout retries.
		Tasks   executor.TaskExecutor
		Emitter trace.Emitter
		Logger  telemetry.Logger
		// BranchContext is forwarded opaquely to task executions.
		BranchContext map[string]any
		// WaitUntil extends the actor's lifetime for fire-and-forget calls.
		WaitUntil func(fn func(ctx context.Context))
		// OnToken receives streamed text deltas when set.
		OnToken func(string)
		Clock   func() time.Time
	}

	// Engine drives turns for one conversation.
	Engine struct {
		conversationID string
		agentID        string
		store          *store.Store
		dispatcher     *dispatch.Dispatcher
		loop           *loop.Driver
		catalog        tools.Catalog
		alarm          alarm.Scheduler
		parents        Parents
		tasks          executor.TaskExecutor
		emitter        trace.Emitter
		logger         telemetry.Logger
		branchContext  map[string]any
		waitUntil      func(fn func(ctx context.Context))
		onToken        func(string)
		now            func() time.Time
	}
)

// New constructs an Engine.
func New(cfg Config) *Engine {
	e := &Engine{
		conversationID: cfg.ConversationID,
		agentID:        cfg.AgentID,
		store:          cfg.Store,
		dispatcher:     cfg.Dispatcher,
		loop:           cfg.Loop,
		catalog:        cfg.Catalog,
		alarm:          cfg.Alarm,
		parents:        cfg.Parents,
		tasks:          cfg.Tasks,
		emitter:        cfg.Emitter,
		logger:         cfg.Logger,
		branchContext:  cfg.BranchContext,
		waitUntil:      cfg.WaitUntil,
		onToken:        cfg.OnToken,
		now:            cfg.Clock,
	}
	if e.emitter == nil {
		e.emitter = trace.NoopEmitter{}
	}
	if e.logger == nil {
		e.logger = telemetry.NewNoopLogger()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// StartTurn creates a turn for the given input, appends the user message,
// and dispatches context assembly. The model call happens later, when the
// assembly result arrives.
func (e *Engine) StartTurn(ctx context.Context, input map[string]any, caller store.Caller) (string, error) {
	persona, defs, err := e.resolve(ctx)
	if err != nil {
		e.emitError(ctx, "turn.start.error", "", err)
		return "", err
	}

	turn, err := e.store.Turns.Create(ctx, e.conversationID, caller, input)
	if err != nil {
		e.emitError(ctx, "turn.start.error", "", err)
		return "", fmt.Errorf("create turn: %w", err)
	}

	userMessage := extractMessage(input)
	if userMessage != "" {
		if _, err := e.store.Messages.Append(ctx, e.conversationID, turn.ID, store.RoleUser, userMessage); err != nil {
			return "", fmt.Errorf("append user message: %w", err)
		}
	}

	if err := e.loop.DispatchContextAssembly(ctx, loop.AssemblyParams{
		TurnID:      turn.ID,
		UserMessage: userMessage,
		Persona:     persona,
		Defs:        defs,
		DCtx:        e.dctx(),
	}); err != nil {
		e.failTurn(ctx, turn.ID, string(toolerrors.CodeInternal), err.Error())
		return "", fmt.Errorf("dispatch context assembly: %w", err)
	}
	return turn.ID, nil
}

// StartAgentCall starts a turn on behalf of a workflow coordinator node,
// embedding the callback envelope so completion can be reported back.
func (e *Engine) StartAgentCall(ctx context.Context, input map[string]any, caller store.Caller, cb workflow.WorkflowCallback) (string, error) {
	withCB := make(map[string]any, len(input)+1)
	for k, v := range input {
		withCB[k] = v
	}
	withCB[workflow.KeyWorkflowCallback] = map[string]any{
		"type":   cb.Type,
		"runId":  cb.RunID,
		"nodeId": cb.NodeID,
	}
	return e.StartTurn(ctx, withCB, caller)
}

// HandleContextAssemblyResult receives the assembled model request, runs the
// first model iteration, and checks for completion.
func (e *Engine) HandleContextAssemblyResult(ctx context.Context, turnID, runID string, req model.Request) error {
	if _, err := e.store.Turns.Get(ctx, turnID); errors.Is(err, store.ErrTurnNotFound) {
		e.warnUnknownTurn(ctx, "context_assembly", turnID)
		return nil
	} else if err != nil {
		return err
	}
	if err := e.store.Turns.LinkContextAssembly(ctx, turnID, runID); err != nil {
		return err
	}

	res, err := e.runLoop(ctx, turnID, req)
	if err != nil {
		e.failTurn(ctx, turnID, string(toolerrors.CodeInternal), err.Error())
		return err
	}
	return e.maybeCompleteTurn(ctx, turnID, res)
}

// HandleContextAssemblyError fails the turn; without an assembled request no
// model iteration can run.
func (e *Engine) HandleContextAssemblyError(ctx context.Context, turnID, runID, message string) error {
	if _, err := e.store.Turns.Get(ctx, turnID); errors.Is(err, store.ErrTurnNotFound) {
		e.warnUnknownTurn(ctx, "context_assembly_error", turnID)
		return nil
	} else if err != nil {
		return err
	}
	e.emitter.Emit(ctx, trace.Event{
		Type:           "turn.context_assembly.error",
		ConversationID: e.conversationID,
		Payload:        map[string]any{"turn_id": turnID, "run_id": runID, "err": message},
	})
	e.failTurn(ctx, turnID, string(toolerrors.CodeInternal), message)
	return nil
}

// HandleTaskResult receives a successful task execution.
func (e *Engine) HandleTaskResult(ctx context.Context, turnID, toolCallID string, result any) error {
	return e.resolveToolResult(ctx, turnID, toolCallID, store.ToolResult{Success: true, Result: result})
}

// HandleTaskError receives a failed task execution.
func (e *Engine) HandleTaskError(ctx context.Context, turnID, toolCallID, message string) error {
	return e.resolveToolResult(ctx, turnID, toolCallID, store.ToolResult{
		Error: toolerrors.New(toolerrors.CodeExecutionFailed, message),
	})
}

// HandleWorkflowResult receives a successful workflow run.
func (e *Engine) HandleWorkflowResult(ctx context.Context, turnID, toolCallID string, result any) error {
	return e.resolveToolResult(ctx, turnID, toolCallID, store.ToolResult{Success: true, Result: result})
}

// HandleWorkflowError receives a failed workflow run.
func (e *Engine) HandleWorkflowError(ctx context.Context, turnID, toolCallID, message string) error {
	return e.resolveToolResult(ctx, turnID, toolCallID, store.ToolResult{
		Error: toolerrors.New(toolerrors.CodeExecutionFailed, message),
	})
}

// HandleAgentResponse receives a delegated peer's final reasoning.
func (e *Engine) HandleAgentResponse(ctx context.Context, turnID, toolCallID, response string) error {
	return e.resolveToolResult(ctx, turnID, toolCallID, store.ToolResult{Success: true, Result: response})
}

// HandleAgentError receives a peer agent's refusal or failure.
func (e *Engine) HandleAgentError(ctx context.Context, turnID, toolCallID, message string) error {
	return e.resolveToolResult(ctx, turnID, toolCallID, store.ToolResult{
		Error: toolerrors.New(toolerrors.CodeAgentDeclined, message),
	})
}

// HandleMemoryExtractionResult records successful extraction. The turn has
// already completed; only observability remains.
func (e *Engine) HandleMemoryExtractionResult(ctx context.Context, turnID, runID string) error {
	e.emitter.Emit(ctx, trace.Event{
		Type:           "turn.memory_extraction.completed",
		ConversationID: e.conversationID,
		Payload:        map[string]any{"turn_id": turnID, "run_id": runID},
	})
	return nil
}

// HandleMemoryExtractionError flags the turn's extraction as failed.
func (e *Engine) HandleMemoryExtractionError(ctx context.Context, turnID, runID, message string) error {
	e.emitter.Emit(ctx, trace.Event{
		Type:           "turn.memory_extraction.error",
		ConversationID: e.conversationID,
		Payload:        map[string]any{"turn_id": turnID, "run_id": runID, "err": message},
	})
	err := e.store.Turns.MarkMemoryExtractionFailed(ctx, turnID)
	if errors.Is(err, store.ErrTurnNotFound) {
		e.warnUnknownTurn(ctx, "memory_extraction_error", turnID)
		return nil
	}
	return err
}

// Alarm sweeps timed-out ops. Ops with retry budget are re-armed and, for
// task targets, re-fired; exhausted ops fail with a retriable TIMEOUT and
// flow through the same path as real callbacks. The alarm is then re-armed
// to the next earliest deadline.
func (e *Engine) Alarm(ctx context.Context) error {
	now := e.now()
	timedOut, err := e.store.AsyncOps.TimedOut(ctx, now)
	if err != nil {
		return fmt.Errorf("timed out ops: %w", err)
	}

	for _, op := range timedOut {
		e.emitter.Emit(ctx, trace.Event{
			Type:           "turn.op.timeout",
			ConversationID: e.conversationID,
			Payload:        map[string]any{"turn_id": op.TurnID, "op_id": op.ID, "attempt": op.AttemptNumber},
		})

		if op.AttemptNumber < op.MaxAttempts {
			if err := e.retryOp(ctx, op); err == nil {
				continue
			} else {
				e.logger.Warn(ctx, "retry preparation failed", "op_id", op.ID, "err", err)
			}
		}

		terr := toolerrors.Timeout(fmt.Sprintf("no result within deadline (attempt %d)", op.AttemptNumber))
		if err := e.resolveToolResult(ctx, op.TurnID, op.ID, store.ToolResult{Error: terr}); err != nil {
			e.logger.Error(ctx, "timeout resolution failed", "op_id", op.ID, "err", err)
			return fmt.Errorf("resolve timeout for %s: %w", op.ID, err)
		}
	}

	if deadline, ok, err := e.store.AsyncOps.EarliestTimeout(ctx); err != nil {
		return err
	} else if ok && e.alarm != nil {
		alarm.ArmEarliest(e.alarm, deadline)
	}
	return nil
}

// retryOp resets the op for another attempt and re-fires task targets using
// the input recorded on the move.
func (e *Engine) retryOp(ctx context.Context, op store.AsyncOp) error {
	deadline, ok, err := e.store.AsyncOps.PrepareRetry(ctx, op.ID, "timeout")
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("retry budget exhausted")
	}
	if e.alarm != nil {
		alarm.ArmEarliest(e.alarm, deadline)
	}

	if op.TargetType == tools.TargetTask && e.tasks != nil {
		moves, err := e.store.Moves.GetForTurn(ctx, op.TurnID)
		if err != nil {
			return err
		}
		for _, m := range moves {
			if m.ToolCall == nil || m.ToolCall.ID != op.ID {
				continue
			}
			req := executor.TaskRequest{
				ToolCallID:     op.ID,
				ConversationID: e.conversationID,
				TurnID:         op.TurnID,
				TaskID:         op.TargetID,
				Input:          m.ToolCall.Input,
				BranchContext:  e.branchContext,
			}
			e.fireAndForget(ctx, func(callCtx context.Context) {
				if err := e.tasks.ExecuteTask(callCtx, req); err != nil {
					e.emitError(callCtx, "turn.retry.error", op.TurnID, err)
				}
			})
			break
		}
	}
	return nil
}

// resolveToolResult is the shared callback path: record the result on the
// move, finish the op, continue the model loop when the op was blocking, and
// check for completion. The waiting flag is snapshotted before the op
// transitions so the branch sees the pre-completion state.
func (e *Engine) resolveToolResult(ctx context.Context, turnID, toolCallID string, result store.ToolResult) error {
	turn, err := e.store.Turns.Get(ctx, turnID)
	if errors.Is(err, store.ErrTurnNotFound) {
		e.warnUnknownTurn(ctx, "tool_result", turnID)
		return nil
	} else if err != nil {
		return err
	}
	if turn.Terminal() {
		e.emitter.Emit(ctx, trace.Event{
			Type:           "turn.result.late",
			ConversationID: e.conversationID,
			Payload:        map[string]any{"turn_id": turnID, "tool_call_id": toolCallID},
		})
		return nil
	}

	wasWaiting := false
	if op, err := e.store.AsyncOps.Get(ctx, toolCallID); err == nil {
		wasWaiting = op.Status == store.OpWaiting
	}

	if _, err := e.store.Moves.RecordResult(ctx, turnID, toolCallID, result); err != nil {
		return fmt.Errorf("record result: %w", err)
	}

	outcome := e.dispatcher.ApplyDecisions(ctx, []planner.Decision{planner.AsyncOpCompleted{
		TurnID: turnID,
		OpID:   toolCallID,
		Result: result,
	}}, e.dctx())
	for _, applyErr := range outcome.Errors {
		e.emitError(ctx, "turn.result.error", turnID, applyErr)
	}

	var loopRes loop.Result
	if wasWaiting {
		req, err := e.buildContinuation(ctx, turnID)
		if err != nil {
			return fmt.Errorf("build continuation: %w", err)
		}
		loopRes, err = e.runLoop(ctx, turnID, req)
		if err != nil {
			e.failTurn(ctx, turnID, string(toolerrors.CodeInternal), err.Error())
			return err
		}
	}
	return e.maybeCompleteTurn(ctx, turnID, loopRes)
}

// maybeCompleteTurn finalizes the turn once nothing blocks it: no sync wait
// and zero pending ops. Completion dispatches memory extraction, records the
// tool-failure count, completes the turn exactly once, and fires any parent
// callbacks embedded in the turn input.
func (e *Engine) maybeCompleteTurn(ctx context.Context, turnID string, loopRes loop.Result) error {
	if loopRes.WaitingForSync {
		return nil
	}
	pending, err := e.store.AsyncOps.PendingCount(ctx, turnID)
	if err != nil {
		return err
	}
	if pending > 0 {
		return nil
	}

	turn, err := e.store.Turns.Get(ctx, turnID)
	if err != nil {
		return err
	}
	if turn.Terminal() {
		return nil
	}

	moves, err := e.store.Moves.GetForTurn(ctx, turnID)
	if err != nil {
		return err
	}

	persona, _, err := e.resolve(ctx)
	if err != nil {
		return err
	}
	if persona.MemoryExtraction != nil {
		res := planner.DecideMemoryExtraction(planner.MemoryExtractionParams{
			TurnID:     turnID,
			AgentID:    e.agentID,
			Transcript: moves,
			Ref: workflow.Ref{
				DefID:     persona.MemoryExtraction.WorkflowDefID,
				Version:   persona.MemoryExtraction.Version,
				ProjectID: persona.MemoryExtraction.ProjectID,
			},
		})
		for _, event := range res.Events {
			event.ConversationID = e.conversationID
			e.emitter.Emit(ctx, event)
		}
		outcome := e.dispatcher.ApplyDecisions(ctx, res.Decisions, e.dctx())
		for _, applyErr := range outcome.Errors {
			e.emitError(ctx, "turn.memory_extraction.dispatch_error", turnID, applyErr)
		}
	}

	toolFailures := 0
	for _, m := range moves {
		if m.ToolResult != nil && !m.ToolResult.Success {
			toolFailures++
		}
	}
	var issues *store.Issues
	if toolFailures > 0 {
		issues = &store.Issues{ToolFailures: toolFailures}
	}

	outcome := e.dispatcher.ApplyDecisions(ctx, []planner.Decision{planner.CompleteTurn{
		TurnID: turnID,
		Issues: issues,
	}}, e.dctx())
	for _, applyErr := range outcome.Errors {
		e.emitError(ctx, "turn.complete.error", turnID, applyErr)
		return applyErr
	}

	finalReasoning := ""
	for i := len(moves) - 1; i >= 0; i-- {
		if moves[i].Reasoning != "" {
			finalReasoning = moves[i].Reasoning
			break
		}
	}
	e.fireParentCallbacks(ctx, turn, finalReasoning)
	return nil
}

// fireParentCallbacks notifies the parent actor or coordinator embedded in
// the turn input. Failures are traced, never thrown.
func (e *Engine) fireParentCallbacks(ctx context.Context, turn store.Turn, finalReasoning string) {
	if cb, ok := workflow.ParseAgentCallback(turn.Input); ok {
		e.fireAndForget(ctx, func(callCtx context.Context) {
			if err := e.parents.HandleAgentResponse(callCtx, cb.ConversationID, cb.TurnID, cb.ToolCallID, finalReasoning); err != nil {
				e.emitError(callCtx, "turn.parent_callback.error", turn.ID, err)
				return
			}
			e.emitter.Emit(callCtx, trace.Event{
				Type:           "turn.parent_callback.sent",
				ConversationID: e.conversationID,
				Payload:        map[string]any{"turn_id": turn.ID, "parent_conversation_id": cb.ConversationID},
			})
		})
	}
	if cb, ok := workflow.ParseWorkflowCallback(turn.Input); ok {
		e.fireAndForget(ctx, func(callCtx context.Context) {
			if err := e.parents.HandleAgentResult(callCtx, cb.RunID, cb.NodeID, finalReasoning); err != nil {
				e.emitError(callCtx, "turn.parent_callback.error", turn.ID, err)
				return
			}
			e.emitter.Emit(callCtx, trace.Event{
				Type:           "turn.parent_callback.sent",
				ConversationID: e.conversationID,
				Payload:        map[string]any{"turn_id": turn.ID, "run_id": cb.RunID},
			})
		})
	}
}

func (e *Engine) runLoop(ctx context.Context, turnID string, req model.Request) (loop.Result, error) {
	_, defs, err := e.resolve(ctx)
	if err != nil {
		return loop.Result{}, err
	}
	return e.loop.RunLLMLoop(ctx, loop.Params{
		TurnID:  turnID,
		Request: req,
		Defs:    defs,
		DCtx:    e.dctx(),
		OnToken: e.onToken,
	})
}

func (e *Engine) resolve(ctx context.Context) (tools.Persona, []tools.Definition, error) {
	persona, err := e.catalog.Persona(ctx, e.agentID)
	if err != nil {
		return tools.Persona{}, nil, fmt.Errorf("load persona: %w", err)
	}
	defs, err := e.catalog.Tools(ctx, persona.ToolIDs)
	if err != nil {
		return tools.Persona{}, nil, fmt.Errorf("load tools: %w", err)
	}
	return persona, defs, nil
}

func (e *Engine) dctx() dispatch.Context {
	return dispatch.Context{
		ConversationID: e.conversationID,
		BranchContext:  e.branchContext,
		WaitUntil:      e.waitUntil,
	}
}

func (e *Engine) failTurn(ctx context.Context, turnID, code, message string) {
	outcome := e.dispatcher.ApplyDecisions(ctx, []planner.Decision{planner.FailTurn{
		TurnID:  turnID,
		Code:    code,
		Message: message,
	}}, e.dctx())
	for _, err := range outcome.Errors {
		e.emitError(ctx, "turn.fail.error", turnID, err)
	}
}

func (e *Engine) fireAndForget(ctx context.Context, fn func(context.Context)) {
	if e.waitUntil != nil {
		e.waitUntil(fn)
		return
	}
	go fn(context.WithoutCancel(ctx))
}

func (e *Engine) warnUnknownTurn(ctx context.Context, source, turnID string) {
	e.logger.Warn(ctx, "callback for unknown turn", "source", source, "turn_id", turnID)
	e.emitter.Emit(ctx, trace.Event{
		Type:           "turn.callback.unknown_turn",
		ConversationID: e.conversationID,
		Payload:        map[string]any{"source": source, "turn_id": turnID},
	})
}

func (e *Engine) emitError(ctx context.Context, typ, turnID string, err error) {
	payload := map[string]any{"err": err.Error()}
	if turnID != "" {
		payload["turn_id"] = turnID
	}
	e.emitter.Emit(ctx, trace.Event{Type: typ, ConversationID: e.conversationID, Payload: payload})
}

// extractMessage pulls the user utterance out of an opaque turn input.
func extractMessage(input map[string]any) string {
	for _, key := range []string{"message", "text"} {
		if s, ok := input[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}
