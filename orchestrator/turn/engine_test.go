package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colloquy-dev/colloquy/orchestrator/alarm"
	"github.com/colloquy-dev/colloquy/orchestrator/dispatch"
	"github.com/colloquy-dev/colloquy/orchestrator/executor"
	"github.com/colloquy-dev/colloquy/orchestrator/loop"
	"github.com/colloquy-dev/colloquy/orchestrator/model"
	"github.com/colloquy-dev/colloquy/orchestrator/store"
	"github.com/colloquy-dev/colloquy/orchestrator/store/inmem"
	"github.com/colloquy-dev/colloquy/orchestrator/tools"
	"github.com/colloquy-dev/colloquy/orchestrator/trace"
	"github.com/colloquy-dev/colloquy/orchestrator/workflow"
)

type fakeRuns struct {
	mu     sync.Mutex
	refs   []workflow.Ref
	inputs []map[string]any
}

func (f *fakeRuns) Create(_ context.Context, ref workflow.Ref, input map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refs = append(f.refs, ref)
	f.inputs = append(f.inputs, input)
	return fmt.Sprintf("run-%d", len(f.refs)), nil
}

type fakeCoordinator struct {
	mu      sync.Mutex
	started []string
}

func (f *fakeCoordinator) Start(_ context.Context, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, runID)
	return nil
}

type fakeExecutor struct {
	mu       sync.Mutex
	requests []executor.TaskRequest
}

func (f *fakeExecutor) ExecuteTask(_ context.Context, req executor.TaskRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return nil
}

type fakePeers struct{}

func (fakePeers) StartTurn(context.Context, string, map[string]any, store.Caller) (string, error) {
	return "peer-turn", nil
}

func (fakePeers) CreateConversation(_ context.Context, agentID string) (string, error) {
	return "child-of-" + agentID, nil
}

type parentCall struct {
	ConversationID string
	TurnID         string
	ToolCallID     string
	RunID          string
	NodeID         string
	Response       string
}

type fakeParents struct {
	mu        sync.Mutex
	responses []parentCall
	results   []parentCall
}

func (f *fakeParents) HandleAgentResponse(_ context.Context, conversationID, turnID, toolCallID, response string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, parentCall{
		ConversationID: conversationID,
		TurnID:         turnID,
		ToolCallID:     toolCallID,
		Response:       response,
	})
	return nil
}

func (f *fakeParents) HandleAgentResult(_ context.Context, runID, nodeID, response string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, parentCall{RunID: runID, NodeID: nodeID, Response: response})
	return nil
}

type fixture struct {
	engine      *Engine
	store       *store.Store
	client      *model.Scripted
	runs        *fakeRuns
	coordinator *fakeCoordinator
	tasks       *fakeExecutor
	parents     *fakeParents
	alarm       *alarm.Manual
	recorder    *trace.Recorder
	now         time.Time
}

func testPersona(extraction *tools.MemoryExtractionConfig) ([]tools.Persona, []tools.Definition) {
	personas := []tools.Persona{{
		ID:                        "persona-researcher",
		AgentID:                   "researcher",
		ModelProfileID:            "profile-default",
		ToolIDs:                   []string{"search", "research", "ask_peer"},
		RecentTurnsLimit:          5,
		ContextAssemblyWorkflowID: "assemble-context",
		MemoryExtraction:          extraction,
	}}
	defs := []tools.Definition{
		{ID: "search", Name: "web_search", TargetType: tools.TargetTask, TargetID: "task-search"},
		{ID: "research", Name: "research", TargetType: tools.TargetWorkflow, TargetID: "wf-research", Async: true},
		{ID: "ask_peer", Name: "ask_peer", TargetType: tools.TargetAgent, TargetID: "summarizer", AgentMode: tools.ModeDelegate},
	}
	return personas, defs
}

func newFixture(t *testing.T, extraction *tools.MemoryExtractionConfig, responses ...model.Response) *fixture {
	t.Helper()
	personas, defs := testPersona(extraction)
	catalog, err := tools.NewStaticCatalog(personas, defs)
	require.NoError(t, err)

	f := &fixture{
		client:      model.NewScripted(responses...),
		runs:        &fakeRuns{},
		coordinator: &fakeCoordinator{},
		tasks:       &fakeExecutor{},
		parents:     &fakeParents{},
		alarm:       alarm.NewManual(nil),
		recorder:    &trace.Recorder{},
		now:         time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }
	f.store = inmem.New(inmem.WithEmitter(f.recorder), inmem.WithClock(clock))

	dispatcher := dispatch.New(dispatch.Config{
		Store:       f.store,
		Runs:        f.runs,
		Coordinator: f.coordinator,
		Tasks:       f.tasks,
		Peers:       fakePeers{},
		Alarm:       f.alarm,
		Emitter:     f.recorder,
		Clock:       clock,
	})
	driver := loop.New(loop.Config{
		Store:       f.store,
		Dispatcher:  dispatcher,
		Client:      f.client,
		Runs:        f.runs,
		Coordinator: f.coordinator,
		Emitter:     f.recorder,
	})
	f.engine = New(Config{
		ConversationID: "conv-1",
		AgentID:        "researcher",
		Store:          f.store,
		Dispatcher:     dispatcher,
		Loop:           driver,
		Catalog:        catalog,
		Alarm:          f.alarm,
		Parents:        f.parents,
		Tasks:          f.tasks,
		Emitter:        f.recorder,
		WaitUntil:      func(fn func(context.Context)) { fn(context.Background()) },
		Clock:          clock,
	})
	return f
}

// startTurn runs StartTurn and feeds the assembled request back, as the
// context-assembly coordinator would.
func (f *fixture) startTurn(t *testing.T, input map[string]any) string {
	t.Helper()
	ctx := context.Background()
	turnID, err := f.engine.StartTurn(ctx, input, store.Caller{Type: store.CallerUser, ID: "u1"})
	require.NoError(t, err)

	turn, err := f.store.Turns.Get(ctx, turnID)
	require.NoError(t, err)
	require.NotEmpty(t, turn.ContextAssemblyRunID)

	req := model.Request{Messages: []model.Message{{Role: "user", Content: extractMessage(input)}}}
	require.NoError(t, f.engine.HandleContextAssemblyResult(ctx, turnID, turn.ContextAssemblyRunID, req))
	return turnID
}

func (f *fixture) turn(t *testing.T, turnID string) store.Turn {
	t.Helper()
	turn, err := f.store.Turns.Get(context.Background(), turnID)
	require.NoError(t, err)
	return turn
}

func countEvents(rec *trace.Recorder, typ string) int {
	n := 0
	for _, e := range rec.Events() {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func TestTextOnlyTurn(t *testing.T) {
	f := newFixture(t, nil, model.Response{Text: "hello", StopReason: model.StopEndTurn})
	turnID := f.startTurn(t, map[string]any{"message": "hi"})

	turn := f.turn(t, turnID)
	assert.Equal(t, store.TurnCompleted, turn.Status)
	assert.Nil(t, turn.Issues)

	msgs, err := f.store.Messages.GetForTurn(context.Background(), turnID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, store.RoleUser, msgs[0].Role)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, store.RoleAgent, msgs[1].Role)
	assert.Equal(t, "hello", msgs[1].Content)
}

func TestSingleSyncTool(t *testing.T) {
	raw := []json.RawMessage{json.RawMessage(`{"type":"tool_use","id":"c1","name":"web_search","input":{"q":"x"}}`)}
	f := newFixture(t, nil,
		model.Response{
			ToolUse:    []model.ToolUse{{ID: "c1", Name: "web_search", Input: map[string]any{"q": "x"}}},
			StopReason: model.StopToolUse,
			RawContent: raw,
		},
		model.Response{Text: "done", StopReason: model.StopEndTurn},
	)
	ctx := context.Background()
	turnID := f.startTurn(t, map[string]any{"message": "hi"})

	// The turn is blocked on the sync tool.
	turn := f.turn(t, turnID)
	assert.Equal(t, store.TurnActive, turn.Status)
	op, err := f.store.AsyncOps.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, store.OpWaiting, op.Status)
	require.Len(t, f.tasks.requests, 1)

	require.NoError(t, f.engine.HandleTaskResult(ctx, turnID, "c1", "ok"))

	// The continuation request replays the tool_use and carries the result.
	reqs := f.client.Requests()
	require.Len(t, reqs, 2)
	cont := reqs[1]
	require.Len(t, cont.Messages, 3)
	assert.Equal(t, "user", cont.Messages[0].Role)
	assert.Equal(t, "hi", cont.Messages[0].Content)
	assert.Equal(t, "assistant", cont.Messages[1].Role)
	assert.Equal(t, raw, cont.Messages[1].Blocks)
	require.Len(t, cont.Messages[2].Blocks, 1)
	var block map[string]any
	require.NoError(t, json.Unmarshal(cont.Messages[2].Blocks[0], &block))
	assert.Equal(t, "tool_result", block["type"])
	assert.Equal(t, "c1", block["tool_use_id"])
	assert.Equal(t, "ok", block["content"])
	_, hasErr := block["is_error"]
	assert.False(t, hasErr)

	turn = f.turn(t, turnID)
	assert.Equal(t, store.TurnCompleted, turn.Status)
	assert.Nil(t, turn.Issues)
}

func TestAsyncWorkflowTool(t *testing.T) {
	f := newFixture(t, nil, model.Response{
		ToolUse:    []model.ToolUse{{ID: "c1", Name: "research", Input: map[string]any{"topic": "go"}}},
		StopReason: model.StopToolUse,
	})
	ctx := context.Background()
	turnID := f.startTurn(t, map[string]any{"message": "research go"})

	// Async dispatch: turn stays active, not waiting, one pending op.
	turn := f.turn(t, turnID)
	assert.Equal(t, store.TurnActive, turn.Status)
	op, err := f.store.AsyncOps.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, store.OpPending, op.Status)

	require.NoError(t, f.engine.HandleWorkflowResult(ctx, turnID, "c1", map[string]any{"summary": "findings"}))

	// No continuation call was made; one model call total.
	assert.Len(t, f.client.Requests(), 1)
	turn = f.turn(t, turnID)
	assert.Equal(t, store.TurnCompleted, turn.Status)
}

func TestTimeoutThenResume(t *testing.T) {
	raw := []json.RawMessage{json.RawMessage(`{"type":"tool_use","id":"c1","name":"web_search","input":{}}`)}
	f := newFixture(t, nil,
		model.Response{
			ToolUse:    []model.ToolUse{{ID: "c1", Name: "web_search", Input: map[string]any{"q": "x"}}},
			StopReason: model.StopToolUse,
			RawContent: raw,
		},
		model.Response{Text: "giving up", StopReason: model.StopEndTurn},
	)
	ctx := context.Background()
	turnID := f.startTurn(t, map[string]any{"message": "hi"})

	deadline, armed := f.alarm.Get()
	require.True(t, armed)
	assert.Equal(t, f.now.Add(dispatch.DefaultTimeout), deadline)

	// Expiry clears the slot before the sweep runs.
	f.alarm.Clear()
	f.now = f.now.Add(dispatch.DefaultTimeout + time.Second)
	require.NoError(t, f.engine.Alarm(ctx))

	// The timeout became an error tool_result in the continuation request.
	reqs := f.client.Requests()
	require.Len(t, reqs, 2)
	last := reqs[1].Messages[len(reqs[1].Messages)-1]
	var block map[string]any
	require.NoError(t, json.Unmarshal(last.Blocks[0], &block))
	assert.Equal(t, true, block["is_error"])
	assert.Contains(t, block["content"], "Error:")

	turn := f.turn(t, turnID)
	assert.Equal(t, store.TurnCompleted, turn.Status)
	require.NotNil(t, turn.Issues)
	assert.Equal(t, 1, turn.Issues.ToolFailures)

	op, err := f.store.AsyncOps.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, store.OpFailed, op.Status)
	require.NotNil(t, op.Error)
	assert.True(t, op.Error.Retriable)
}

func TestUnknownToolClosure(t *testing.T) {
	f := newFixture(t, nil, model.Response{
		ToolUse:    []model.ToolUse{{ID: "c1", Name: "nope", Input: map[string]any{}}},
		StopReason: model.StopToolUse,
	})
	ctx := context.Background()
	turnID := f.startTurn(t, map[string]any{"message": "hi"})

	// No dispatch ran: nothing reached the executor, no move holds c1.
	assert.Empty(t, f.tasks.requests)
	moves, err := f.store.Moves.GetForTurn(ctx, turnID)
	require.NoError(t, err)
	for _, m := range moves {
		assert.Nil(t, m.ToolCall)
	}

	// The synthetic NOT_FOUND result exists exactly once.
	op, err := f.store.AsyncOps.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, store.OpFailed, op.Status)
	assert.Equal(t, 1, countEvents(f.recorder, "async_op.failed"))

	turn := f.turn(t, turnID)
	assert.Equal(t, store.TurnCompleted, turn.Status)
}

func TestDelegateCallbackFires(t *testing.T) {
	f := newFixture(t, nil, model.Response{Text: "final", StopReason: model.StopEndTurn})
	ctx := context.Background()
	input := map[string]any{
		"message": "summarize this",
		workflow.KeyAgentCallback: map[string]any{
			"conversationId": "parent-conv",
			"turnId":         "parent-turn",
			"toolCallId":     "pc1",
		},
	}
	turnID, err := f.engine.StartTurn(ctx, input, store.Caller{Type: store.CallerAgent, ID: "parent-conv"})
	require.NoError(t, err)
	turn := f.turn(t, turnID)
	req := model.Request{Messages: []model.Message{{Role: "user", Content: "summarize this"}}}
	require.NoError(t, f.engine.HandleContextAssemblyResult(ctx, turnID, turn.ContextAssemblyRunID, req))

	require.Len(t, f.parents.responses, 1)
	call := f.parents.responses[0]
	assert.Equal(t, "parent-conv", call.ConversationID)
	assert.Equal(t, "parent-turn", call.TurnID)
	assert.Equal(t, "pc1", call.ToolCallID)
	assert.Equal(t, "final", call.Response)
	assert.Equal(t, 1, countEvents(f.recorder, "turn.parent_callback.sent"))
}

func TestWorkflowCallbackFires(t *testing.T) {
	f := newFixture(t, nil, model.Response{Text: "node done", StopReason: model.StopEndTurn})
	ctx := context.Background()

	turnID, err := f.engine.StartAgentCall(ctx, map[string]any{"message": "do the node"},
		store.Caller{Type: store.CallerWorkflow, ID: "run-9"},
		workflow.WorkflowCallback{Type: "workflow", RunID: "run-9", NodeID: "node-3"})
	require.NoError(t, err)

	turn := f.turn(t, turnID)
	req := model.Request{Messages: []model.Message{{Role: "user", Content: "do the node"}}}
	require.NoError(t, f.engine.HandleContextAssemblyResult(ctx, turnID, turn.ContextAssemblyRunID, req))

	require.Len(t, f.parents.results, 1)
	assert.Equal(t, "run-9", f.parents.results[0].RunID)
	assert.Equal(t, "node-3", f.parents.results[0].NodeID)
	assert.Equal(t, "node done", f.parents.results[0].Response)
}

func TestTimeoutRetryThenExhaustion(t *testing.T) {
	personas, defs := testPersona(nil)
	defs[0].Retry = &tools.RetryConfig{MaxAttempts: 2, BackoffMs: 1000}
	catalog, err := tools.NewStaticCatalog(personas, defs)
	require.NoError(t, err)

	raw := []json.RawMessage{json.RawMessage(`{"type":"tool_use","id":"c1","name":"web_search","input":{}}`)}
	f := newFixture(t, nil,
		model.Response{
			ToolUse:    []model.ToolUse{{ID: "c1", Name: "web_search", Input: map[string]any{"q": "x"}}},
			StopReason: model.StopToolUse,
			RawContent: raw,
		},
		model.Response{Text: "gave up", StopReason: model.StopEndTurn},
	)
	f.engine.catalog = catalog
	ctx := context.Background()
	turnID := f.startTurn(t, map[string]any{"message": "hi"})

	// First expiry: retry is prepared, the task re-fires, nothing resolves.
	f.alarm.Clear()
	f.now = f.now.Add(dispatch.DefaultTimeout + time.Second)
	require.NoError(t, f.engine.Alarm(ctx))
	require.Len(t, f.tasks.requests, 2)
	op, err := f.store.AsyncOps.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 2, op.AttemptNumber)
	assert.Len(t, f.client.Requests(), 1)

	deadline, armed := f.alarm.Get()
	require.True(t, armed)
	assert.Equal(t, f.now.Add(time.Second), deadline)

	// Second expiry exhausts the budget and fails the op.
	f.alarm.Clear()
	f.now = f.now.Add(2 * time.Second)
	require.NoError(t, f.engine.Alarm(ctx))
	op, err = f.store.AsyncOps.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, store.OpFailed, op.Status)
	assert.Equal(t, store.TurnCompleted, f.turn(t, turnID).Status)
}

func TestMemoryExtractionOnCompletion(t *testing.T) {
	extraction := &tools.MemoryExtractionConfig{WorkflowDefID: "extract", Version: 3, ProjectID: "proj"}
	f := newFixture(t, extraction, model.Response{Text: "hello", StopReason: model.StopEndTurn})
	turnID := f.startTurn(t, map[string]any{"message": "hi"})

	turn := f.turn(t, turnID)
	assert.Equal(t, store.TurnCompleted, turn.Status)
	assert.NotEmpty(t, turn.MemoryExtractionRunID)

	// Two runs total: context assembly then memory extraction.
	require.Len(t, f.runs.refs, 2)
	assert.Equal(t, workflow.Ref{DefID: "extract", Version: 3, ProjectID: "proj"}, f.runs.refs[1])
	cb, ok := f.runs.inputs[1][workflow.KeyCallback].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "memory_extraction", cb["type"])

	require.NoError(t, f.engine.HandleMemoryExtractionError(context.Background(), turnID, turn.MemoryExtractionRunID, "boom"))
	turn = f.turn(t, turnID)
	require.NotNil(t, turn.Issues)
	assert.True(t, turn.Issues.MemoryExtractionFailed)
}

func TestCompletionExactlyOnce(t *testing.T) {
	f := newFixture(t, nil, model.Response{
		ToolUse: []model.ToolUse{
			{ID: "c1", Name: "research", Input: map[string]any{"topic": "a"}},
			{ID: "c2", Name: "research", Input: map[string]any{"topic": "b"}},
		},
		StopReason: model.StopToolUse,
	})
	ctx := context.Background()
	turnID := f.startTurn(t, map[string]any{"message": "hi"})

	require.NoError(t, f.engine.HandleWorkflowResult(ctx, turnID, "c1", "a done"))
	assert.Equal(t, store.TurnActive, f.turn(t, turnID).Status)

	require.NoError(t, f.engine.HandleWorkflowResult(ctx, turnID, "c2", "b done"))
	assert.Equal(t, store.TurnCompleted, f.turn(t, turnID).Status)
	assert.Equal(t, 1, countEvents(f.recorder, "turn.completed"))

	// A straggler changes nothing.
	require.NoError(t, f.engine.HandleWorkflowResult(ctx, turnID, "c2", "again"))
	assert.Equal(t, 1, countEvents(f.recorder, "turn.completed"))
}

func TestCallbackForUnknownTurnIgnored(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.engine.HandleTaskResult(context.Background(), "missing-turn", "c1", "ok"))
	assert.Equal(t, 1, countEvents(f.recorder, "turn.callback.unknown_turn"))
}

func TestContextAssemblyErrorFailsTurn(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	turnID, err := f.engine.StartTurn(ctx, map[string]any{"message": "hi"}, store.Caller{Type: store.CallerUser})
	require.NoError(t, err)

	require.NoError(t, f.engine.HandleContextAssemblyError(ctx, turnID, "run-1", "assembly blew up"))
	turn := f.turn(t, turnID)
	assert.Equal(t, store.TurnFailed, turn.Status)
	assert.Equal(t, "INTERNAL_ERROR", turn.ErrorCode)
}
