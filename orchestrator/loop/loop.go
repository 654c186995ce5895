// Package loop bridges the turn engine to the model adapter and planner. It
// resolves the tool catalog, issues model calls (raw continuation, streaming,
// or plain), runs the response through the planner, applies the resulting
// decisions, and reports whether the turn is now blocked on synchronous
// work.
package loop

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/colloquy-dev/colloquy/orchestrator/dispatch"
	"github.com/colloquy-dev/colloquy/orchestrator/model"
	"github.com/colloquy-dev/colloquy/orchestrator/planner"
	"github.com/colloquy-dev/colloquy/orchestrator/store"
	"github.com/colloquy-dev/colloquy/orchestrator/telemetry"
	"github.com/colloquy-dev/colloquy/orchestrator/tools"
	"github.com/colloquy-dev/colloquy/orchestrator/trace"
	"github.com/colloquy-dev/colloquy/orchestrator/workflow"
)

type (
	// Config assembles a Driver.
	Config struct {
		Store       *store.Store
		Dispatcher  *dispatch.Dispatcher
		Client      model.Client
		Runs        workflow.Runs
		Coordinator workflow.Coordinator
		Emitter     trace.Emitter
		Logger      telemetry.Logger
	}

	// Driver runs model iterations for one conversation.
	Driver struct {
		store       *store.Store
		dispatcher  *dispatch.Dispatcher
		client      model.Client
		runs        workflow.Runs
		coordinator workflow.Coordinator
		emitter     trace.Emitter
		logger      telemetry.Logger
	}

	// Params carries the inputs of one RunLLMLoop call.
	Params struct {
		TurnID  string
		Request model.Request
		// Defs is the persona's resolved tool list.
		Defs []tools.Definition
		// DCtx is the dispatch context of the owning conversation.
		DCtx dispatch.Context
		// OnToken enables streaming when set. Raw continuation requests
		// always use the non-streaming raw call.
		OnToken func(string)
	}

	// Result reports the turn's obligations after one iteration.
	Result struct {
		// WaitingForSync is true when at least one synchronous dispatch now
		// blocks the turn.
		WaitingForSync bool
		// PendingAsyncOps counts the turn's pending fire-and-forget ops.
		PendingAsyncOps int
	}

	// AssemblyParams carries the inputs of DispatchContextAssembly.
	AssemblyParams struct {
		TurnID      string
		UserMessage string
		Persona     tools.Persona
		Defs        []tools.Definition
		DCtx        dispatch.Context
	}
)

// New constructs a Driver.
func New(cfg Config) *Driver {
	d := &Driver{
		store:       cfg.Store,
		dispatcher:  cfg.Dispatcher,
		client:      cfg.Client,
		runs:        cfg.Runs,
		coordinator: cfg.Coordinator,
		emitter:     cfg.Emitter,
		logger:      cfg.Logger,
	}
	if d.emitter == nil {
		d.emitter = trace.NoopEmitter{}
	}
	if d.logger == nil {
		d.logger = telemetry.NewNoopLogger()
	}
	return d
}

// RunLLMLoop performs one model iteration: call the model, interpret the
// response, apply the decisions, and mark synchronous dispatches as waiting.
func (d *Driver) RunLLMLoop(ctx context.Context, params Params) (Result, error) {
	specs, lookup := planner.ResolveTools(params.Defs)

	var (
		resp model.Response
		err  error
	)
	switch {
	case params.Request.Raw():
		resp, err = d.client.CompleteRaw(ctx, params.Request, specs)
	case params.OnToken != nil:
		resp, err = d.client.Stream(ctx, params.Request, specs, params.OnToken)
	default:
		resp, err = d.client.Complete(ctx, params.Request, specs)
	}
	if err != nil {
		return Result{}, fmt.Errorf("model call: %w", err)
	}

	res := planner.InterpretResponse(planner.InterpretParams{
		TurnID:   params.TurnID,
		Response: resp,
		Lookup:   lookup,
	})
	for _, event := range res.Events {
		event.ConversationID = params.DCtx.ConversationID
		d.emitter.Emit(ctx, event)
	}

	outcome := d.dispatcher.ApplyDecisions(ctx, res.Decisions, params.DCtx)
	for _, applyErr := range outcome.Errors {
		d.emitter.Emit(ctx, trace.Event{
			Type:           "loop.apply_error",
			ConversationID: params.DCtx.ConversationID,
			Payload:        map[string]any{"turn_id": params.TurnID, "err": applyErr.Error()},
		})
	}

	// Synchronous dispatches block the turn until their results arrive.
	waiting := false
	for _, decision := range res.Decisions {
		opID, sync := syncDispatch(decision)
		if !sync {
			continue
		}
		if err := d.store.AsyncOps.MarkWaiting(ctx, params.TurnID, opID); err != nil {
			return Result{}, fmt.Errorf("mark waiting: %w", err)
		}
		waiting = true
	}

	pending, err := d.store.AsyncOps.PendingCount(ctx, params.TurnID)
	if err != nil {
		return Result{}, fmt.Errorf("pending count: %w", err)
	}
	return Result{WaitingForSync: waiting, PendingAsyncOps: pending}, nil
}

// DispatchContextAssembly packages the turn's context (recent turns, active
// turns with their pending ops, tool definitions) into a context-assembly
// run, links it to the turn, and starts the coordinator.
func (d *Driver) DispatchContextAssembly(ctx context.Context, params AssemblyParams) error {
	recent, err := d.store.Turns.GetRecent(ctx, params.DCtx.ConversationID, params.Persona.RecentTurnsLimit)
	if err != nil {
		return fmt.Errorf("recent turns: %w", err)
	}
	active, err := d.store.Turns.GetActive(ctx, params.DCtx.ConversationID)
	if err != nil {
		return fmt.Errorf("active turns: %w", err)
	}
	var activeTurns []workflow.ActiveTurn
	for _, t := range active {
		if t.ID == params.TurnID {
			continue
		}
		ops, err := d.store.AsyncOps.ListPending(ctx, t.ID)
		if err != nil {
			return fmt.Errorf("pending ops: %w", err)
		}
		activeTurns = append(activeTurns, workflow.ActiveTurn{Turn: t, PendingOps: ops})
	}

	input, err := toMap(workflow.ContextAssemblyInput{
		UserMessage:    params.UserMessage,
		RecentTurns:    recent,
		ActiveTurns:    activeTurns,
		ModelProfileID: params.Persona.ModelProfileID,
		ToolIDs:        params.Persona.ToolIDs,
		Tools:          params.Defs,
	})
	if err != nil {
		return fmt.Errorf("assembly input: %w", err)
	}
	input[workflow.KeyCallback] = workflow.Callback{
		ConversationID: params.DCtx.ConversationID,
		TurnID:         params.TurnID,
		Type:           workflow.CallbackContextAssembly,
	}.ToMap()

	runID, err := d.runs.Create(ctx, workflow.Ref{DefID: params.Persona.ContextAssemblyWorkflowID}, input)
	if err != nil {
		return fmt.Errorf("create context assembly run: %w", err)
	}
	if err := d.store.Turns.LinkContextAssembly(ctx, params.TurnID, runID); err != nil {
		return err
	}
	d.emitter.Emit(ctx, trace.Event{
		Type:           "loop.context_assembly.dispatched",
		ConversationID: params.DCtx.ConversationID,
		Payload:        map[string]any{"turn_id": params.TurnID, "run_id": runID},
	})

	conversationID := params.DCtx.ConversationID
	start := func(callCtx context.Context) {
		if err := d.coordinator.Start(callCtx, runID); err != nil {
			d.emitter.Emit(callCtx, trace.Event{
				Type:           "loop.context_assembly.error",
				ConversationID: conversationID,
				Payload:        map[string]any{"run_id": runID, "err": err.Error()},
			})
		}
	}
	if params.DCtx.WaitUntil != nil {
		params.DCtx.WaitUntil(start)
	} else {
		go start(context.WithoutCancel(ctx))
	}
	return nil
}

// syncDispatch reports whether the decision is a dispatch that blocks the
// turn, returning its tool call id.
func syncDispatch(decision planner.Decision) (string, bool) {
	switch dec := decision.(type) {
	case planner.DispatchTask:
		return dec.ToolCallID, !dec.Async
	case planner.DispatchWorkflow:
		return dec.ToolCallID, !dec.Async
	case planner.DispatchAgent:
		return dec.ToolCallID, !dec.Async
	default:
		return "", false
	}
}

func toMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
