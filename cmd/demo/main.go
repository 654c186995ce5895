// Command demo runs a complete conversation end to end without any external
// services. It wires the registry to an in-memory store, a scripted model,
// and local stand-ins for the workflow coordinator and task executor, then
// drives a single user turn through tool calls, an async workflow, and
// memory extraction, printing the transcript and trace as it goes.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"goa.design/clue/log"

	"github.com/colloquy-dev/colloquy/orchestrator/conversation"
	"github.com/colloquy-dev/colloquy/orchestrator/executor"
	"github.com/colloquy-dev/colloquy/orchestrator/model"
	"github.com/colloquy-dev/colloquy/orchestrator/store"
	"github.com/colloquy-dev/colloquy/orchestrator/store/inmem"
	"github.com/colloquy-dev/colloquy/orchestrator/telemetry"
	"github.com/colloquy-dev/colloquy/orchestrator/tools"
	"github.com/colloquy-dev/colloquy/orchestrator/trace"
	"github.com/colloquy-dev/colloquy/orchestrator/workflow"
)

const catalogYAML = `
personas:
  - id: support-persona
    agent_id: support-agent
    model_profile_id: claude-sonnet
    tool_ids: [lookup_order, schedule_report]
    recent_turns_limit: 5
    context_assembly_workflow_id: assemble-context
    memory_extraction:
      workflow_def_id: extract-memories
      version: 1
      project_id: demo
tools:
  - id: lookup_order
    name: lookup_order
    description: Look up the current status of an order.
    target_type: task
    target_id: order-lookup-task
    input_schema:
      type: object
      properties:
        order_id:
          type: string
      required: [order_id]
    timeout_ms: 30000
  - id: schedule_report
    name: schedule_report
    description: Schedule a delivery report to be sent to the customer.
    target_type: workflow
    target_id: delivery-report
    async: true
    input_schema:
      type: object
      properties:
        order_id:
          type: string
        channel:
          type: string
      required: [order_id]
`

func main() {
	ctx := log.Context(context.Background(), log.WithFormat(log.FormatTerminal))
	if err := run(ctx); err != nil {
		log.Errorf(ctx, err, "demo failed")
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	catalog, err := tools.LoadCatalog(strings.NewReader(catalogYAML))
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	// The scripted client plays the model's side of the conversation: first
	// a sync order lookup, then an async report workflow, then the final
	// answer once the lookup result is in.
	client := model.NewScripted(
		model.Response{
			Text:       "Let me check that order.",
			StopReason: model.StopToolUse,
			ToolUse: []model.ToolUse{{
				ID:    "call_order",
				Name:  "lookup_order",
				Input: map[string]any{"order_id": "A-1001"},
			}},
		},
		model.Response{
			StopReason: model.StopToolUse,
			ToolUse: []model.ToolUse{{
				ID:    "call_report",
				Name:  "schedule_report",
				Input: map[string]any{"order_id": "A-1001", "channel": "email"},
			}},
		},
		model.Response{
			Text:       "Order A-1001 shipped and arrives on 2026-08-28. A delivery report will be emailed to you.",
			StopReason: model.StopEndTurn,
		},
	)

	emitter := trace.EmitterFunc(func(_ context.Context, event trace.Event) {
		fmt.Printf("  trace  %-40s conv=%s\n", event.Type, event.ConversationID)
	})
	st := inmem.New(inmem.WithEmitter(emitter))

	workflows := newLocalWorkflows()
	tasks := &localExecutor{}

	registry := conversation.NewRegistry(conversation.Config{
		Store:       st,
		Catalog:     catalog,
		Client:      client,
		Runs:        workflows,
		Coordinator: workflows,
		Tasks:       tasks,
		Emitter:     emitter,
		Logger:      telemetry.NewClueLogger(),
	})
	workflows.registry = registry
	tasks.registry = registry
	defer registry.Close(context.Background())

	conversationID, err := registry.CreateConversation(ctx, "support-agent")
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	fmt.Printf("conversation %s\n\n", conversationID)

	turnID, err := registry.StartTurn(ctx, conversationID, map[string]any{
		"message": "Where is order A-1001? Email me a delivery report when you know.",
	}, store.Caller{Type: store.CallerUser, ID: "demo-user"})
	if err != nil {
		return fmt.Errorf("start turn: %w", err)
	}

	drainCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := registry.Drain(drainCtx); err != nil {
		return fmt.Errorf("drain: %w", err)
	}

	return printTranscript(ctx, st, conversationID, turnID)
}

func printTranscript(ctx context.Context, st *store.Store, conversationID, turnID string) error {
	turn, err := st.Turns.Get(ctx, turnID)
	if err != nil {
		return err
	}
	fmt.Printf("\nturn %s: %s\n", turn.ID, turn.Status)
	if turn.Status != store.TurnCompleted {
		return errors.New("turn did not complete")
	}

	fmt.Println("\nmoves:")
	moves, err := st.Moves.GetForTurn(ctx, turnID)
	if err != nil {
		return err
	}
	for _, m := range moves {
		line := fmt.Sprintf("  #%d", m.Sequence)
		if m.Reasoning != "" {
			line += fmt.Sprintf(" %q", m.Reasoning)
		}
		if m.ToolCall != nil {
			line += fmt.Sprintf(" -> %s%v", m.ToolCall.ToolID, m.ToolCall.Input)
		}
		if m.ToolResult != nil {
			if m.ToolResult.Success {
				line += fmt.Sprintf(" = %v", m.ToolResult.Result)
			} else {
				line += fmt.Sprintf(" = error %s", m.ToolResult.Error.Code)
			}
		}
		fmt.Println(line)
	}

	fmt.Println("\nmessages:")
	messages, err := st.Messages.GetForConversation(ctx, conversationID)
	if err != nil {
		return err
	}
	for _, m := range messages {
		fmt.Printf("  %-9s %s\n", m.Role, m.Content)
	}
	return nil
}

type (
	// localWorkflows stands in for the external workflow-runs resource and
	// its coordinator. Create registers the run input; Start reads the
	// callback envelope and answers it in process.
	localWorkflows struct {
		registry *conversation.Registry

		mu   sync.Mutex
		runs map[string]localRun
		seq  int
	}

	localRun struct {
		ref   workflow.Ref
		input map[string]any
	}
)

func newLocalWorkflows() *localWorkflows {
	return &localWorkflows{runs: make(map[string]localRun)}
}

func (w *localWorkflows) Create(_ context.Context, ref workflow.Ref, input map[string]any) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seq++
	runID := fmt.Sprintf("run-%d", w.seq)
	w.runs[runID] = localRun{ref: ref, input: input}
	return runID, nil
}

func (w *localWorkflows) Start(ctx context.Context, runID string) error {
	w.mu.Lock()
	run, ok := w.runs[runID]
	w.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown run %q", runID)
	}
	cb, ok := workflow.ParseCallback(run.input)
	if !ok {
		return fmt.Errorf("run %q carries no callback", runID)
	}

	actor := w.registry.Conversation(cb.ConversationID)
	switch cb.Type {
	case workflow.CallbackContextAssembly:
		userMessage, _ := run.input["userMessage"].(string)
		req := model.Request{
			System:   "You are a shipping support agent.",
			Messages: []model.Message{{Role: "user", Content: userMessage}},
		}
		return actor.HandleContextAssemblyResult(ctx, cb.TurnID, runID, req)
	case workflow.CallbackWorkflow:
		result := map[string]any{
			"workflow": run.ref.DefID,
			"status":   "scheduled",
			"runId":    runID,
		}
		return actor.HandleWorkflowResult(ctx, cb.TurnID, cb.ToolCallID, result)
	case workflow.CallbackMemoryExtraction:
		return actor.HandleMemoryExtractionResult(ctx, cb.TurnID, runID)
	default:
		return fmt.Errorf("run %q has unexpected callback type %q", runID, cb.Type)
	}
}

// localExecutor answers task invocations in process with canned order data.
type localExecutor struct {
	registry *conversation.Registry
}

func (e *localExecutor) ExecuteTask(ctx context.Context, req executor.TaskRequest) error {
	actor := e.registry.Conversation(req.ConversationID)
	switch req.TaskID {
	case "order-lookup-task":
		orderID, _ := req.Input["order_id"].(string)
		return actor.HandleTaskResult(ctx, req.TurnID, req.ToolCallID, map[string]any{
			"orderId": orderID,
			"status":  "shipped",
			"eta":     "2026-08-28",
		})
	default:
		return actor.HandleTaskError(ctx, req.TurnID, req.ToolCallID, fmt.Sprintf("no handler for task %q", req.TaskID))
	}
}
