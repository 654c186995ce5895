package planner

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colloquy-dev/colloquy/orchestrator/model"
	"github.com/colloquy-dev/colloquy/orchestrator/store"
	"github.com/colloquy-dev/colloquy/orchestrator/toolerrors"
	"github.com/colloquy-dev/colloquy/orchestrator/tools"
	"github.com/colloquy-dev/colloquy/orchestrator/workflow"
)

func searchTool() tools.Definition {
	return tools.Definition{
		ID:         "search",
		Name:       "web_search",
		TargetType: tools.TargetTask,
		TargetID:   "task-search",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"q": map[string]any{"type": "string"},
			},
			"required":             []any{"q"},
			"additionalProperties": false,
		},
	}
}

func TestResolveTools(t *testing.T) {
	defs := []tools.Definition{
		searchTool(),
		{ID: "dup", Name: "web_search", TargetType: tools.TargetTask, TargetID: "other"},
		{ID: "notify", Name: "notify", TargetType: tools.TargetWorkflow, TargetID: "wf-notify", Async: true},
	}
	specs, lookup := ResolveTools(defs)
	require.Len(t, specs, 2)
	assert.Equal(t, "web_search", specs[0].Name)
	assert.Equal(t, "notify", specs[1].Name)
	// First definition wins on name collision.
	assert.Equal(t, "search", lookup["web_search"].ID)
}

func TestInterpretTextOnly(t *testing.T) {
	raw := []json.RawMessage{json.RawMessage(`{"type":"text","text":"hello"}`)}
	res := InterpretResponse(InterpretParams{
		TurnID:   "turn-1",
		Response: model.Response{Text: "hello", StopReason: model.StopEndTurn, RawContent: raw},
	})
	require.Len(t, res.Decisions, 2)
	msg, ok := res.Decisions[0].(AppendMessage)
	require.True(t, ok)
	assert.Equal(t, store.RoleAgent, msg.Role)
	assert.Equal(t, "hello", msg.Content)
	mv, ok := res.Decisions[1].(RecordMove)
	require.True(t, ok)
	assert.Equal(t, "hello", mv.Reasoning)
	assert.Equal(t, raw, mv.RawContent)
}

func TestInterpretToolDispatch(t *testing.T) {
	_, lookup := ResolveTools([]tools.Definition{searchTool()})
	raw := []json.RawMessage{json.RawMessage(`{"type":"tool_use","id":"c1"}`)}
	res := InterpretResponse(InterpretParams{
		TurnID: "turn-1",
		Response: model.Response{
			Text:       "searching",
			ToolUse:    []model.ToolUse{{ID: "c1", Name: "web_search", Input: map[string]any{"q": "x"}}},
			StopReason: model.StopToolUse,
			RawContent: raw,
		},
		Lookup: lookup,
	})

	require.Len(t, res.Decisions, 2)
	task, ok := res.Decisions[1].(DispatchTask)
	require.True(t, ok)
	assert.Equal(t, "c1", task.ToolCallID)
	assert.Equal(t, "search", task.ToolID)
	assert.Equal(t, "task-search", task.TaskID)
	assert.Equal(t, map[string]any{"q": "x"}, task.Input)
	assert.False(t, task.Async)
	assert.Equal(t, "searching", task.Reasoning)
	assert.Equal(t, raw, task.RawContent)
}

func TestInterpretUnknownTool(t *testing.T) {
	_, lookup := ResolveTools([]tools.Definition{searchTool()})
	res := InterpretResponse(InterpretParams{
		TurnID: "turn-1",
		Response: model.Response{
			ToolUse:    []model.ToolUse{{ID: "c1", Name: "nope", Input: map[string]any{}}},
			StopReason: model.StopToolUse,
		},
		Lookup: lookup,
	})

	require.Len(t, res.Decisions, 1)
	done, ok := res.Decisions[0].(AsyncOpCompleted)
	require.True(t, ok)
	assert.Equal(t, "c1", done.OpID)
	require.NotNil(t, done.Result.Error)
	assert.Equal(t, toolerrors.CodeNotFound, done.Result.Error.Code)
	assert.False(t, done.Result.Error.Retriable)
	assert.Contains(t, res.Events[0].Type, "unknown")
}

func TestInterpretInvalidInput(t *testing.T) {
	_, lookup := ResolveTools([]tools.Definition{searchTool()})
	res := InterpretResponse(InterpretParams{
		TurnID: "turn-1",
		Response: model.Response{
			ToolUse:    []model.ToolUse{{ID: "c1", Name: "web_search", Input: map[string]any{"wrong": 1}}},
			StopReason: model.StopToolUse,
		},
		Lookup: lookup,
	})

	require.Len(t, res.Decisions, 1)
	done, ok := res.Decisions[0].(AsyncOpCompleted)
	require.True(t, ok)
	require.NotNil(t, done.Result.Error)
	assert.Equal(t, toolerrors.CodeInvalidInput, done.Result.Error.Code)
	assert.False(t, done.Result.Error.Retriable)
	assert.NotEmpty(t, done.Result.Error.Paths)
}

func TestInterpretPermissiveSchema(t *testing.T) {
	def := searchTool()
	def.InputSchema = map[string]any{"description": "anything goes"}
	_, lookup := ResolveTools([]tools.Definition{def})

	res := InterpretResponse(InterpretParams{
		TurnID: "turn-1",
		Response: model.Response{
			ToolUse:    []model.ToolUse{{ID: "c1", Name: "web_search", Input: map[string]any{"whatever": true}}},
			StopReason: model.StopToolUse,
		},
		Lookup: lookup,
	})
	_, ok := res.Decisions[0].(DispatchTask)
	assert.True(t, ok)
}

func TestInterpretInputMapping(t *testing.T) {
	def := searchTool()
	def.InputSchema = nil
	def.InputMapping = map[string]string{"query": "q", "lang": "language"}
	_, lookup := ResolveTools([]tools.Definition{def})

	res := InterpretResponse(InterpretParams{
		TurnID: "turn-1",
		Response: model.Response{
			ToolUse:    []model.ToolUse{{ID: "c1", Name: "web_search", Input: map[string]any{"q": "golang"}}},
			StopReason: model.StopToolUse,
		},
		Lookup: lookup,
	})
	task, ok := res.Decisions[0].(DispatchTask)
	require.True(t, ok)
	// Mapped key present, unmapped source key dropped, missing source omitted.
	assert.Equal(t, map[string]any{"query": "golang"}, task.Input)
}

func TestInterpretAgentAndWorkflowTargets(t *testing.T) {
	defs := []tools.Definition{
		{ID: "wf", Name: "research", TargetType: tools.TargetWorkflow, TargetID: "wf-research", Async: true},
		{ID: "peer", Name: "ask_peer", TargetType: tools.TargetAgent, TargetID: "summarizer", AgentMode: tools.ModeDelegate},
	}
	_, lookup := ResolveTools(defs)

	res := InterpretResponse(InterpretParams{
		TurnID: "turn-1",
		Response: model.Response{
			ToolUse: []model.ToolUse{
				{ID: "c1", Name: "research", Input: map[string]any{"topic": "go"}},
				{ID: "c2", Name: "ask_peer", Input: map[string]any{"question": "why"}},
			},
			StopReason: model.StopToolUse,
		},
		Lookup: lookup,
	})

	require.Len(t, res.Decisions, 2)
	wf, ok := res.Decisions[0].(DispatchWorkflow)
	require.True(t, ok)
	assert.Equal(t, "wf-research", wf.WorkflowID)
	assert.True(t, wf.Async)

	agent, ok := res.Decisions[1].(DispatchAgent)
	require.True(t, ok)
	assert.Equal(t, "summarizer", agent.AgentID)
	assert.Equal(t, tools.ModeDelegate, agent.Mode)
}

func TestDecideMemoryExtraction(t *testing.T) {
	ref := workflow.Ref{DefID: "extract", Version: 2, ProjectID: "proj"}

	res := DecideMemoryExtraction(MemoryExtractionParams{TurnID: "turn-1", AgentID: "a", Ref: ref})
	assert.Empty(t, res.Decisions)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "planner.memory_extraction.skipped", res.Events[0].Type)

	res = DecideMemoryExtraction(MemoryExtractionParams{
		TurnID:     "turn-1",
		AgentID:    "a",
		Ref:        ref,
		Transcript: []store.Move{{TurnID: "turn-1", Sequence: 0, Reasoning: "did things"}},
	})
	require.Len(t, res.Decisions, 1)
	me, ok := res.Decisions[0].(DispatchMemoryExtraction)
	require.True(t, ok)
	assert.Equal(t, ref, me.Ref)
	require.Len(t, me.Transcript, 1)
}
