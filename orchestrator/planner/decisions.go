package planner

import (
	"encoding/json"

	"github.com/colloquy-dev/colloquy/orchestrator/store"
	"github.com/colloquy-dev/colloquy/orchestrator/tools"
	"github.com/colloquy-dev/colloquy/orchestrator/workflow"
)

// Decision is one intent produced by planning. The taxonomy is closed: the
// dispatcher switches exhaustively and treats unknown variants as a
// programming error.
type Decision interface {
	decision()
}

type (
	// StartTurn creates a new turn.
	StartTurn struct {
		ConversationID string
		Caller         store.Caller
		Input          map[string]any
	}

	// CompleteTurn transitions a turn to completed.
	CompleteTurn struct {
		TurnID string
		Issues *store.Issues
	}

	// FailTurn transitions a turn to failed.
	FailTurn struct {
		TurnID  string
		Code    string
		Message string
	}

	// AppendMessage appends a conversation message.
	AppendMessage struct {
		TurnID  string
		Role    store.Role
		Content string
	}

	// RecordMove records a reasoning-only move. Moves that dispatch a tool
	// are recorded by their dispatch decision instead.
	RecordMove struct {
		TurnID     string
		Reasoning  string
		RawContent []json.RawMessage
	}

	// AsyncOpCompleted records a terminal result on an async op without any
	// dispatch. The planner synthesizes it for unknown tools and invalid
	// inputs.
	AsyncOpCompleted struct {
		TurnID string
		OpID   string
		Result store.ToolResult
	}

	// MarkWaiting blocks the turn on the given op.
	MarkWaiting struct {
		TurnID string
		OpID   string
	}

	// ResumeFromTool records a success result on an op from either
	// non-terminal state.
	ResumeFromTool struct {
		TurnID string
		OpID   string
		Result any
	}

	// DispatchTask records the tool-call move, tracks the op, and fires the
	// task executor.
	DispatchTask struct {
		TurnID     string
		ToolCallID string
		// ToolID names the tool definition; TaskID names the executor target.
		ToolID string
		TaskID string
		Input  map[string]any
		// Async ops do not block the turn; sync ops are marked waiting by the
		// loop driver after apply.
		Async bool
		// TimeoutMs of 0 selects the dispatcher default.
		TimeoutMs int
		Retry     *tools.RetryConfig
		// Reasoning and RawContent ride on the recorded move.
		Reasoning  string
		RawContent []json.RawMessage
	}

	// DispatchWorkflow creates and starts a workflow run for the tool call.
	DispatchWorkflow struct {
		TurnID     string
		ToolCallID string
		ToolID     string
		WorkflowID string
		Input      map[string]any
		Async      bool
		TimeoutMs  int
		Retry      *tools.RetryConfig
		Reasoning  string
		RawContent []json.RawMessage
	}

	// DispatchAgent invokes a peer agent, either looping it into this
	// conversation or delegating to a fresh child conversation.
	DispatchAgent struct {
		TurnID     string
		ToolCallID string
		ToolID     string
		AgentID    string
		Mode       tools.AgentMode
		Input      map[string]any
		Async      bool
		TimeoutMs  int
		Retry      *tools.RetryConfig
		Reasoning  string
		RawContent []json.RawMessage
	}

	// DispatchContextAssembly is handled by the loop driver directly; the
	// dispatcher only traces it.
	DispatchContextAssembly struct {
		TurnID string
	}

	// DispatchMemoryExtraction creates and starts a memory-extraction run
	// over the turn transcript.
	DispatchMemoryExtraction struct {
		TurnID     string
		AgentID    string
		Ref        workflow.Ref
		Transcript []store.Move
	}
)

func (StartTurn) decision()                {}
func (CompleteTurn) decision()             {}
func (FailTurn) decision()                 {}
func (AppendMessage) decision()            {}
func (RecordMove) decision()               {}
func (AsyncOpCompleted) decision()         {}
func (MarkWaiting) decision()              {}
func (ResumeFromTool) decision()           {}
func (DispatchTask) decision()             {}
func (DispatchWorkflow) decision()         {}
func (DispatchAgent) decision()            {}
func (DispatchContextAssembly) decision()  {}
func (DispatchMemoryExtraction) decision() {}
