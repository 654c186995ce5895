// Package dispatch applies planner decisions. Each decision becomes either a
// store mutation or an outbound call; application is fail-soft so one bad
// decision never aborts the rest of the list. Outbound calls are
// fire-and-forget and their results arrive later through the turn engine's
// callbacks.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/colloquy-dev/colloquy/orchestrator/alarm"
	"github.com/colloquy-dev/colloquy/orchestrator/executor"
	"github.com/colloquy-dev/colloquy/orchestrator/planner"
	"github.com/colloquy-dev/colloquy/orchestrator/store"
	"github.com/colloquy-dev/colloquy/orchestrator/telemetry"
	"github.com/colloquy-dev/colloquy/orchestrator/tools"
	"github.com/colloquy-dev/colloquy/orchestrator/trace"
	"github.com/colloquy-dev/colloquy/orchestrator/workflow"
)

// DefaultTimeout is the synchronous-tool deadline applied when a tool does
// not declare its own.
const DefaultTimeout = 120 * time.Second

type (
	// Peers is the gateway to other conversation actors. The conversation
	// registry implements it.
	Peers interface {
		// StartTurn starts a turn on the actor owning the conversation.
		StartTurn(ctx context.Context, conversationID string, input map[string]any, caller store.Caller) (turnID string, err error)
		// CreateConversation provisions a fresh conversation whose sole agent
		// participant is the given agent, returning the conversation id.
		CreateConversation(ctx context.Context, agentID string) (string, error)
	}

	// Context carries per-apply call state.
	Context struct {
		// ConversationID is the owning conversation.
		ConversationID string
		// BranchContext is forwarded opaquely to task executions.
		BranchContext map[string]any
		// WaitUntil runs fn without blocking the current callback while
		// keeping the actor alive until fn returns. Nil falls back to a plain
		// goroutine.
		WaitUntil func(fn func(ctx context.Context))
	}

	// Outcome summarizes one ApplyDecisions call.
	Outcome struct {
		// Applied counts decisions that took effect.
		Applied int
		// TurnsCreated lists ids of turns created by StartTurn decisions.
		TurnsCreated []string
		// Errors holds per-decision failures in decision order.
		Errors []error
	}

	// Config assembles a Dispatcher.
	Config struct {
		Store       *store.Store
		Runs        workflow.Runs
		Coordinator workflow.Coordinator
		Tasks       executor.TaskExecutor
		Peers       Peers
		Alarm       alarm.Scheduler
		Emitter     trace.Emitter
		Logger      telemetry.Logger
		// DefaultTimeout overrides the synchronous-tool deadline.
		DefaultTimeout time.Duration
		// Clock overrides the time source for tests.
		Clock func() time.Time
	}

	// Dispatcher applies decision lists for one conversation.
	Dispatcher struct {
		store          *store.Store
		runs           workflow.Runs
		coordinator    workflow.Coordinator
		tasks          executor.TaskExecutor
		peers          Peers
		alarm          alarm.Scheduler
		emitter        trace.Emitter
		logger         telemetry.Logger
		defaultTimeout time.Duration
		now            func() time.Time
	}
)

// New constructs a Dispatcher from the config, applying defaults for the
// emitter, logger, timeout, and clock.
func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		store:          cfg.Store,
		runs:           cfg.Runs,
		coordinator:    cfg.Coordinator,
		tasks:          cfg.Tasks,
		peers:          cfg.Peers,
		alarm:          cfg.Alarm,
		emitter:        cfg.Emitter,
		logger:         cfg.Logger,
		defaultTimeout: cfg.DefaultTimeout,
		now:            cfg.Clock,
	}
	if d.emitter == nil {
		d.emitter = trace.NoopEmitter{}
	}
	if d.logger == nil {
		d.logger = telemetry.NewNoopLogger()
	}
	if d.defaultTimeout <= 0 {
		d.defaultTimeout = DefaultTimeout
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

// ApplyDecisions applies the decisions in order. Failures are collected into
// the outcome instead of aborting the iteration.
func (d *Dispatcher) ApplyDecisions(ctx context.Context, decisions []planner.Decision, dctx Context) Outcome {
	var out Outcome
	for _, decision := range decisions {
		if err := d.apply(ctx, decision, dctx, &out); err != nil {
			d.logger.Warn(ctx, "decision failed", "conversation_id", dctx.ConversationID, "decision", fmt.Sprintf("%T", decision), "err", err)
			out.Errors = append(out.Errors, err)
			continue
		}
		out.Applied++
	}
	return out
}

func (d *Dispatcher) apply(ctx context.Context, decision planner.Decision, dctx Context, out *Outcome) error {
	switch dec := decision.(type) {
	case planner.StartTurn:
		turn, err := d.store.Turns.Create(ctx, dec.ConversationID, dec.Caller, dec.Input)
		if err != nil {
			return fmt.Errorf("create turn: %w", err)
		}
		out.TurnsCreated = append(out.TurnsCreated, turn.ID)
		return nil

	case planner.CompleteTurn:
		_, err := d.store.Turns.Complete(ctx, dec.TurnID, dec.Issues)
		return err

	case planner.FailTurn:
		_, err := d.store.Turns.Fail(ctx, dec.TurnID, dec.Code, dec.Message)
		return err

	case planner.AppendMessage:
		_, err := d.store.Messages.Append(ctx, dctx.ConversationID, dec.TurnID, dec.Role, dec.Content)
		return err

	case planner.RecordMove:
		_, err := d.store.Moves.Record(ctx, store.MoveParams{
			TurnID:     dec.TurnID,
			Reasoning:  dec.Reasoning,
			RawContent: dec.RawContent,
		})
		return err

	case planner.AsyncOpCompleted:
		return d.applyOpCompleted(ctx, dec)

	case planner.MarkWaiting:
		return d.store.AsyncOps.MarkWaiting(ctx, dec.TurnID, dec.OpID)

	case planner.ResumeFromTool:
		_, err := d.store.AsyncOps.Resume(ctx, dec.OpID, dec.Result)
		return err

	case planner.DispatchTask:
		return d.applyDispatchTask(ctx, dec, dctx)

	case planner.DispatchWorkflow:
		return d.applyDispatchWorkflow(ctx, dec, dctx)

	case planner.DispatchAgent:
		return d.applyDispatchAgent(ctx, dec, dctx)

	case planner.DispatchContextAssembly:
		// The loop driver performs the actual dispatch; only observability
		// happens here.
		d.emit(ctx, "dispatch.context_assembly", dctx.ConversationID, map[string]any{"turn_id": dec.TurnID})
		return nil

	case planner.DispatchMemoryExtraction:
		return d.applyDispatchMemoryExtraction(ctx, dec, dctx)

	default:
		return fmt.Errorf("unknown decision type %T", decision)
	}
}

// applyOpCompleted records a terminal result. Planner-synthesized failures
// (unknown tool, invalid input) target ops that were never tracked, so a row
// is inserted first when missing.
func (d *Dispatcher) applyOpCompleted(ctx context.Context, dec planner.AsyncOpCompleted) error {
	finish := func() (bool, error) {
		if dec.Result.Error != nil {
			return d.store.AsyncOps.Fail(ctx, dec.OpID, dec.Result.Error)
		}
		return d.store.AsyncOps.Complete(ctx, dec.OpID, dec.Result.Result)
	}
	_, err := finish()
	if errors.Is(err, store.ErrAsyncOpNotFound) {
		if _, terr := d.store.AsyncOps.Track(ctx, store.TrackParams{OpID: dec.OpID, TurnID: dec.TurnID}); terr != nil {
			return terr
		}
		_, err = finish()
	}
	return err
}

func (d *Dispatcher) applyDispatchTask(ctx context.Context, dec planner.DispatchTask, dctx Context) error {
	d.emit(ctx, "dispatch.task.queued", dctx.ConversationID, map[string]any{
		"turn_id":      dec.TurnID,
		"tool_call_id": dec.ToolCallID,
		"task_id":      dec.TaskID,
		"async":        dec.Async,
	})
	if err := d.recordAndTrack(ctx, moveAndTrack{
		TurnID:     dec.TurnID,
		ToolCallID: dec.ToolCallID,
		ToolID:     dec.ToolID,
		Input:      dec.Input,
		Reasoning:  dec.Reasoning,
		RawContent: dec.RawContent,
		TargetType: tools.TargetTask,
		TargetID:   dec.TaskID,
		TimeoutMs:  dec.TimeoutMs,
		Retry:      dec.Retry,
	}); err != nil {
		return err
	}

	req := executor.TaskRequest{
		ToolCallID:     dec.ToolCallID,
		ConversationID: dctx.ConversationID,
		TurnID:         dec.TurnID,
		TaskID:         dec.TaskID,
		Input:          dec.Input,
		BranchContext:  dctx.BranchContext,
	}
	d.fireAndForget(ctx, dctx, func(callCtx context.Context) {
		if err := d.tasks.ExecuteTask(callCtx, req); err != nil {
			d.emit(callCtx, "dispatch.task.error", dctx.ConversationID, map[string]any{
				"tool_call_id": dec.ToolCallID,
				"err":          err.Error(),
			})
		}
	})
	return nil
}

func (d *Dispatcher) applyDispatchWorkflow(ctx context.Context, dec planner.DispatchWorkflow, dctx Context) error {
	d.emit(ctx, "dispatch.workflow.queued", dctx.ConversationID, map[string]any{
		"turn_id":      dec.TurnID,
		"tool_call_id": dec.ToolCallID,
		"workflow_id":  dec.WorkflowID,
		"async":        dec.Async,
	})

	input := cloneInput(dec.Input)
	input[workflow.KeyCallback] = workflow.Callback{
		ConversationID: dctx.ConversationID,
		TurnID:         dec.TurnID,
		ToolCallID:     dec.ToolCallID,
		Type:           workflow.CallbackWorkflow,
	}.ToMap()
	runID, err := d.runs.Create(ctx, workflow.Ref{DefID: dec.WorkflowID}, input)
	if err != nil {
		return fmt.Errorf("create workflow run: %w", err)
	}

	if err := d.recordAndTrack(ctx, moveAndTrack{
		TurnID:     dec.TurnID,
		ToolCallID: dec.ToolCallID,
		ToolID:     dec.ToolID,
		Input:      dec.Input,
		Reasoning:  dec.Reasoning,
		RawContent: dec.RawContent,
		TargetType: tools.TargetWorkflow,
		TargetID:   dec.WorkflowID,
		TimeoutMs:  dec.TimeoutMs,
		Retry:      dec.Retry,
	}); err != nil {
		return err
	}

	d.fireAndForget(ctx, dctx, func(callCtx context.Context) {
		if err := d.coordinator.Start(callCtx, runID); err != nil {
			d.emit(callCtx, "dispatch.workflow.error", dctx.ConversationID, map[string]any{
				"run_id": runID,
				"err":    err.Error(),
			})
		}
	})
	return nil
}

func (d *Dispatcher) applyDispatchAgent(ctx context.Context, dec planner.DispatchAgent, dctx Context) error {
	d.emit(ctx, "dispatch.agent.queued", dctx.ConversationID, map[string]any{
		"turn_id":      dec.TurnID,
		"tool_call_id": dec.ToolCallID,
		"agent_id":     dec.AgentID,
		"mode":         string(dec.Mode),
		"async":        dec.Async,
	})
	if err := d.recordAndTrack(ctx, moveAndTrack{
		TurnID:     dec.TurnID,
		ToolCallID: dec.ToolCallID,
		ToolID:     dec.ToolID,
		Input:      dec.Input,
		Reasoning:  dec.Reasoning,
		RawContent: dec.RawContent,
		TargetType: tools.TargetAgent,
		TargetID:   dec.AgentID,
		TimeoutMs:  dec.TimeoutMs,
		Retry:      dec.Retry,
	}); err != nil {
		return err
	}

	switch dec.Mode {
	case tools.ModeLoopIn:
		// The peer joins this conversation; its messages land here and become
		// visible once its own callback lands.
		if _, err := d.store.Participants.Add(ctx, store.Participant{
			ConversationID:  dctx.ConversationID,
			ParticipantType: "agent",
			ParticipantID:   dec.AgentID,
			AddedByTurnID:   dec.TurnID,
		}); err != nil {
			return fmt.Errorf("add participant: %w", err)
		}
		input := cloneInput(dec.Input)
		conversationID := dctx.ConversationID
		caller := store.Caller{Type: store.CallerAgent, ID: dec.AgentID}
		d.fireAndForget(ctx, dctx, func(callCtx context.Context) {
			if _, err := d.peers.StartTurn(callCtx, conversationID, input, caller); err != nil {
				d.emit(callCtx, "dispatch.agent.error", conversationID, map[string]any{
					"tool_call_id": dec.ToolCallID,
					"err":          err.Error(),
				})
			}
		})
		return nil

	case tools.ModeDelegate:
		childID, err := d.peers.CreateConversation(ctx, dec.AgentID)
		if err != nil {
			return fmt.Errorf("create child conversation: %w", err)
		}
		input := cloneInput(dec.Input)
		input[workflow.KeyAgentCallback] = workflow.AgentCallback{
			ConversationID: dctx.ConversationID,
			TurnID:         dec.TurnID,
			ToolCallID:     dec.ToolCallID,
		}.ToMap()
		caller := store.Caller{Type: store.CallerAgent, ID: dctx.ConversationID}
		d.fireAndForget(ctx, dctx, func(callCtx context.Context) {
			if _, err := d.peers.StartTurn(callCtx, childID, input, caller); err != nil {
				d.emit(callCtx, "dispatch.agent.error", dctx.ConversationID, map[string]any{
					"tool_call_id": dec.ToolCallID,
					"err":          err.Error(),
				})
			}
		})
		return nil

	default:
		return fmt.Errorf("unknown agent mode %q", dec.Mode)
	}
}

func (d *Dispatcher) applyDispatchMemoryExtraction(ctx context.Context, dec planner.DispatchMemoryExtraction, dctx Context) error {
	d.emit(ctx, "dispatch.memory_extraction.queued", dctx.ConversationID, map[string]any{
		"turn_id":         dec.TurnID,
		"workflow_def_id": dec.Ref.DefID,
	})

	input := map[string]any{
		"agentId":    dec.AgentID,
		"transcript": dec.Transcript,
		workflow.KeyCallback: workflow.Callback{
			ConversationID: dctx.ConversationID,
			TurnID:         dec.TurnID,
			Type:           workflow.CallbackMemoryExtraction,
		}.ToMap(),
	}
	runID, err := d.runs.Create(ctx, dec.Ref, input)
	if err != nil {
		return fmt.Errorf("create memory extraction run: %w", err)
	}
	if err := d.store.Turns.LinkMemoryExtraction(ctx, dec.TurnID, runID); err != nil {
		return err
	}
	d.fireAndForget(ctx, dctx, func(callCtx context.Context) {
		if err := d.coordinator.Start(callCtx, runID); err != nil {
			d.emit(callCtx, "dispatch.memory_extraction.error", dctx.ConversationID, map[string]any{
				"run_id": runID,
				"err":    err.Error(),
			})
		}
	})
	return nil
}

type moveAndTrack struct {
	TurnID     string
	ToolCallID string
	ToolID     string
	Input      map[string]any
	Reasoning  string
	RawContent []json.RawMessage
	TargetType tools.TargetType
	TargetID   string
	TimeoutMs  int
	Retry      *tools.RetryConfig
}

// recordAndTrack records the tool-call move, tracks the async op with its
// deadline, and arms the alarm. The dispatch trace event has already been
// emitted by the caller so observers can correlate it with the tracking
// events that follow.
func (d *Dispatcher) recordAndTrack(ctx context.Context, p moveAndTrack) error {
	if _, err := d.store.Moves.Record(ctx, store.MoveParams{
		TurnID:     p.TurnID,
		Reasoning:  p.Reasoning,
		RawContent: p.RawContent,
		ToolCall:   &store.ToolCall{ID: p.ToolCallID, ToolID: p.ToolID, Input: p.Input},
	}); err != nil {
		return fmt.Errorf("record move: %w", err)
	}

	timeout := d.defaultTimeout
	if p.TimeoutMs > 0 {
		timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}
	deadline := d.now().Add(timeout)
	if _, err := d.store.AsyncOps.Track(ctx, store.TrackParams{
		OpID:       p.ToolCallID,
		TurnID:     p.TurnID,
		TargetType: p.TargetType,
		TargetID:   p.TargetID,
		TimeoutAt:  &deadline,
		Retry:      p.Retry,
	}); err != nil {
		return fmt.Errorf("track async op: %w", err)
	}
	if d.alarm != nil {
		alarm.ArmEarliest(d.alarm, deadline)
	}
	return nil
}

func (d *Dispatcher) fireAndForget(ctx context.Context, dctx Context, fn func(context.Context)) {
	if dctx.WaitUntil != nil {
		dctx.WaitUntil(fn)
		return
	}
	go fn(context.WithoutCancel(ctx))
}

func (d *Dispatcher) emit(ctx context.Context, typ, conversationID string, payload map[string]any) {
	d.emitter.Emit(ctx, trace.Event{Type: typ, ConversationID: conversationID, Payload: payload})
}

func cloneInput(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
