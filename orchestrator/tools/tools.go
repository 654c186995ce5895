// Package tools exposes the tool and persona definition model shared by the
// planner, dispatcher, and loop driver. Definitions describe what a tool is
// and where its invocations go (task executor, workflow coordinator, or peer
// agent); personas bind an agent to its enabled tools, model profile, and
// memory-extraction workflow.
package tools

import "context"

// TargetType identifies which external collaborator executes a tool.
type TargetType string

const (
	// TargetTask routes the invocation to the task executor.
	TargetTask TargetType = "task"
	// TargetWorkflow routes the invocation to the workflow coordinator.
	TargetWorkflow TargetType = "workflow"
	// TargetAgent routes the invocation to a peer agent.
	TargetAgent TargetType = "agent"
)

// AgentMode selects how an agent-targeted tool engages the peer.
type AgentMode string

const (
	// ModeLoopIn adds the peer agent to the calling conversation as a
	// participant; the peer's messages land in the same conversation.
	ModeLoopIn AgentMode = "loop_in"
	// ModeDelegate runs the peer agent in a fresh child conversation that
	// reports back through a callback on completion.
	ModeDelegate AgentMode = "delegate"
)

type (
	// Definition describes one tool available to a persona.
	Definition struct {
		// ID is the durable tool identifier referenced by personas and moves.
		ID string `yaml:"id"`
		// Name is the identifier presented to the model. Must be unique within
		// a persona's resolved catalog.
		Name string `yaml:"name"`
		// Description documents the tool for prompting purposes.
		Description string `yaml:"description"`
		// TargetType selects the executing collaborator.
		TargetType TargetType `yaml:"target_type"`
		// TargetID identifies the task, workflow, or agent to invoke.
		TargetID string `yaml:"target_id"`
		// Async marks the tool as fire-and-forget: the turn keeps running and
		// only the completion check observes the result. Synchronous tools
		// block the turn until their result arrives.
		Async bool `yaml:"async"`
		// AgentMode selects loop-in vs delegate for agent-targeted tools.
		AgentMode AgentMode `yaml:"agent_mode,omitempty"`
		// InputSchema is the JSON Schema for the tool input. Schemas without a
		// "type" keyword are treated as permissive (no validation).
		InputSchema map[string]any `yaml:"input_schema,omitempty"`
		// InputMapping optionally remaps model-provided input keys before
		// dispatch: each entry is targetKey -> sourceKey. Keys absent from the
		// source are omitted.
		InputMapping map[string]string `yaml:"input_mapping,omitempty"`
		// TimeoutMs overrides the default synchronous-tool timeout.
		TimeoutMs int `yaml:"timeout_ms,omitempty"`
		// Retry configures automatic retry on timeout. Nil means no retries.
		Retry *RetryConfig `yaml:"retry,omitempty"`
	}

	// RetryConfig bounds automatic retries of a timed-out invocation.
	RetryConfig struct {
		// MaxAttempts caps total attempts including the first.
		MaxAttempts int `yaml:"max_attempts"`
		// BackoffMs is the delay applied before re-arming the deadline.
		BackoffMs int `yaml:"backoff_ms"`
	}

	// Spec is the provider-neutral tool description handed to the model
	// adapter.
	Spec struct {
		// Name is the identifier presented to the model.
		Name string
		// Description documents the tool for the model.
		Description string
		// InputSchema is the JSON Schema for the tool arguments.
		InputSchema map[string]any
	}

	// Persona binds an agent identity to its runtime configuration.
	Persona struct {
		// ID is the durable persona identifier.
		ID string `yaml:"id"`
		// AgentID names the agent this persona configures.
		AgentID string `yaml:"agent_id"`
		// ModelProfileID selects the model profile used for this persona's
		// context assembly.
		ModelProfileID string `yaml:"model_profile_id"`
		// ToolIDs enumerates the tools enabled for this persona.
		ToolIDs []string `yaml:"tool_ids,omitempty"`
		// RecentTurnsLimit bounds how many recent turns context assembly sees.
		RecentTurnsLimit int `yaml:"recent_turns_limit,omitempty"`
		// MemoryExtraction binds the persona to its memory-extraction
		// workflow. Nil disables extraction.
		MemoryExtraction *MemoryExtractionConfig `yaml:"memory_extraction,omitempty"`
		// ContextAssemblyWorkflowID names the workflow that builds the
		// provider-native model request for each turn.
		ContextAssemblyWorkflowID string `yaml:"context_assembly_workflow_id"`
	}

	// MemoryExtractionConfig identifies the memory-extraction workflow
	// definition with its project scope.
	MemoryExtractionConfig struct {
		// WorkflowDefID is the workflow definition identifier.
		WorkflowDefID string `yaml:"workflow_def_id"`
		// Version pins the workflow definition version.
		Version int `yaml:"version"`
		// ProjectID scopes the run for the coordinator.
		ProjectID string `yaml:"project_id"`
	}

	// Catalog resolves persona and tool definitions. The orchestrator core
	// consumes this narrow read interface; the backing store is external.
	Catalog interface {
		// Persona returns the persona configured for the given agent.
		Persona(ctx context.Context, agentID string) (Persona, error)
		// Tools returns the definitions for the given tool ids, skipping ids
		// with no definition.
		Tools(ctx context.Context, ids []string) ([]Definition, error)
	}
)

// Timeout reports the effective synchronous timeout for the definition in
// milliseconds, falling back to the provided default when unset.
func (d Definition) Timeout(defaultMs int) int {
	if d.TimeoutMs > 0 {
		return d.TimeoutMs
	}
	return defaultMs
}
