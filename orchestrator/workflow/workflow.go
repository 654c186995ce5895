// Package workflow defines the orchestrator's contract with the external
// workflow coordinator: run registration, coordinator startup, and the
// callback envelopes embedded in run and turn inputs. The envelopes are the
// only load-bearing wire format at this boundary.
package workflow

import (
	"context"

	"github.com/colloquy-dev/colloquy/orchestrator/store"
	"github.com/colloquy-dev/colloquy/orchestrator/tools"
)

// CallbackType discriminates what kind of work a run callback reports.
type CallbackType string

const (
	// CallbackWorkflow marks a tool-dispatched workflow run.
	CallbackWorkflow CallbackType = "workflow"
	// CallbackContextAssembly marks a context-assembly run.
	CallbackContextAssembly CallbackType = "context_assembly"
	// CallbackMemoryExtraction marks a memory-extraction run.
	CallbackMemoryExtraction CallbackType = "memory_extraction"
)

// Reserved input keys carrying callback envelopes.
const (
	// KeyCallback holds the Callback inside a workflow run input.
	KeyCallback = "_callback"
	// KeyAgentCallback holds the AgentCallback inside a delegated turn input.
	KeyAgentCallback = "_agentCallback"
	// KeyWorkflowCallback holds the WorkflowCallback inside a turn input
	// started by a workflow coordinator.
	KeyWorkflowCallback = "_workflowCallback"
)

type (
	// Callback identifies the actor a workflow run reports back to.
	Callback struct {
		ConversationID string       `json:"conversationId"`
		TurnID         string       `json:"turnId"`
		ToolCallID     string       `json:"toolCallId,omitempty"`
		Type           CallbackType `json:"type"`
	}

	// AgentCallback identifies the parent turn a delegated child conversation
	// replies to on completion.
	AgentCallback struct {
		ConversationID string `json:"conversationId"`
		TurnID         string `json:"turnId"`
		ToolCallID     string `json:"toolCallId"`
	}

	// WorkflowCallback identifies the coordinator node an agent turn replies
	// to when it was started by a workflow.
	WorkflowCallback struct {
		Type   string `json:"type"`
		RunID  string `json:"runId"`
		NodeID string `json:"nodeId"`
	}

	// Ref identifies a workflow definition. Context assembly needs only the
	// definition id; memory extraction pins a version and project scope.
	Ref struct {
		DefID     string `json:"workflowDefId"`
		Version   int    `json:"version,omitempty"`
		ProjectID string `json:"projectId,omitempty"`
	}

	// Runs registers workflow runs with the external workflow-runs resource.
	Runs interface {
		// Create registers a run and returns its id. The input carries the
		// Callback envelope under KeyCallback.
		Create(ctx context.Context, ref Ref, input map[string]any) (runID string, err error)
	}

	// Coordinator begins execution of a registered run.
	Coordinator interface {
		Start(ctx context.Context, runID string) error
	}

	// ActiveTurn annotates an in-flight turn with its pending invocations for
	// context assembly.
	ActiveTurn struct {
		Turn       store.Turn      `json:"turn"`
		PendingOps []store.AsyncOp `json:"pendingOps,omitempty"`
	}

	// ContextAssemblyInput is the payload of a context-assembly run.
	ContextAssemblyInput struct {
		UserMessage    string             `json:"userMessage"`
		RecentTurns    []store.Turn       `json:"recentTurns,omitempty"`
		ActiveTurns    []ActiveTurn       `json:"activeTurns,omitempty"`
		ModelProfileID string             `json:"modelProfileId"`
		ToolIDs        []string           `json:"toolIds,omitempty"`
		Tools          []tools.Definition `json:"tools,omitempty"`
	}
)

// ToMap renders the callback as a generic map for embedding in opaque
// inputs.
func (c Callback) ToMap() map[string]any {
	m := map[string]any{
		"conversationId": c.ConversationID,
		"turnId":         c.TurnID,
		"type":           string(c.Type),
	}
	if c.ToolCallID != "" {
		m["toolCallId"] = c.ToolCallID
	}
	return m
}

// ToMap renders the callback as a generic map.
func (c AgentCallback) ToMap() map[string]any {
	return map[string]any{
		"conversationId": c.ConversationID,
		"turnId":         c.TurnID,
		"toolCallId":     c.ToolCallID,
	}
}

// ParseCallback extracts the Callback envelope from a workflow run input.
func ParseCallback(input map[string]any) (Callback, bool) {
	raw, ok := envelope(input, KeyCallback)
	if !ok {
		return Callback{}, false
	}
	cb := Callback{
		ConversationID: stringField(raw, "conversationId"),
		TurnID:         stringField(raw, "turnId"),
		ToolCallID:     stringField(raw, "toolCallId"),
		Type:           CallbackType(stringField(raw, "type")),
	}
	return cb, cb.ConversationID != "" && cb.TurnID != ""
}

// ParseAgentCallback extracts the AgentCallback envelope from a turn input.
func ParseAgentCallback(input map[string]any) (AgentCallback, bool) {
	raw, ok := envelope(input, KeyAgentCallback)
	if !ok {
		return AgentCallback{}, false
	}
	cb := AgentCallback{
		ConversationID: stringField(raw, "conversationId"),
		TurnID:         stringField(raw, "turnId"),
		ToolCallID:     stringField(raw, "toolCallId"),
	}
	return cb, cb.ConversationID != "" && cb.TurnID != ""
}

// ParseWorkflowCallback extracts the WorkflowCallback envelope from a turn
// input.
func ParseWorkflowCallback(input map[string]any) (WorkflowCallback, bool) {
	raw, ok := envelope(input, KeyWorkflowCallback)
	if !ok {
		return WorkflowCallback{}, false
	}
	cb := WorkflowCallback{
		Type:   stringField(raw, "type"),
		RunID:  stringField(raw, "runId"),
		NodeID: stringField(raw, "nodeId"),
	}
	return cb, cb.RunID != ""
}

func envelope(input map[string]any, key string) (map[string]any, bool) {
	if input == nil {
		return nil, false
	}
	raw, ok := input[key].(map[string]any)
	return raw, ok
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
