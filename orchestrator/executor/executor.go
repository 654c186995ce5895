// Package executor defines the orchestrator's contract with the external
// task executor. Execution is fire-and-forget: the executor eventually
// reports through the originating conversation's task callbacks.
package executor

import "context"

type (
	// TaskRequest identifies one task invocation. ToolCallID doubles as the
	// idempotency key, so a retried request does not duplicate effects.
	TaskRequest struct {
		ToolCallID     string         `json:"toolCallId"`
		ConversationID string         `json:"conversationId"`
		TurnID         string         `json:"turnId"`
		TaskID         string         `json:"taskId"`
		Input          map[string]any `json:"input,omitempty"`
		// BranchContext is the conversation's opaque branch context, forwarded
		// to shell tools.
		BranchContext map[string]any `json:"branchContext,omitempty"`
	}

	// TaskExecutor accepts task invocations.
	TaskExecutor interface {
		ExecuteTask(ctx context.Context, req TaskRequest) error
	}
)
