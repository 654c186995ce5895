// Package planner converts model output into pure decision lists. Planning
// performs no I/O: every function here returns decisions plus trace events
// and leaves all side effects to the dispatcher.
package planner

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/colloquy-dev/colloquy/orchestrator/model"
	"github.com/colloquy-dev/colloquy/orchestrator/store"
	"github.com/colloquy-dev/colloquy/orchestrator/toolerrors"
	"github.com/colloquy-dev/colloquy/orchestrator/tools"
	"github.com/colloquy-dev/colloquy/orchestrator/trace"
	"github.com/colloquy-dev/colloquy/orchestrator/workflow"
)

type (
	// Result is the outcome of one planning call.
	Result struct {
		Decisions []Decision
		Events    []trace.Event
	}

	// InterpretParams carries the inputs of InterpretResponse.
	InterpretParams struct {
		TurnID   string
		Response model.Response
		// Lookup maps tool names (as presented to the model) to definitions.
		Lookup map[string]tools.Definition
	}

	// MemoryExtractionParams carries the inputs of DecideMemoryExtraction.
	MemoryExtractionParams struct {
		TurnID     string
		AgentID    string
		Transcript []store.Move
		Ref        workflow.Ref
	}
)

// ResolveTools transforms tool definitions into provider-neutral specs plus
// a lookup map keyed by tool name. Duplicate names keep the first
// definition.
func ResolveTools(defs []tools.Definition) ([]tools.Spec, map[string]tools.Definition) {
	specs := make([]tools.Spec, 0, len(defs))
	lookup := make(map[string]tools.Definition, len(defs))
	for _, d := range defs {
		if _, ok := lookup[d.Name]; ok {
			continue
		}
		lookup[d.Name] = d
		specs = append(specs, tools.Spec{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema,
		})
	}
	return specs, lookup
}

// InterpretResponse turns one model response into decisions. Text becomes an
// agent message; each tool_use block becomes either a dispatch decision or,
// for unknown tools and invalid inputs, a synthetic failure on the op.
func InterpretResponse(params InterpretParams) Result {
	var res Result
	resp := params.Response

	if resp.Text != "" {
		res.Decisions = append(res.Decisions, AppendMessage{
			TurnID:  params.TurnID,
			Role:    store.RoleAgent,
			Content: resp.Text,
		})
	}

	// Reasoning and raw content ride on the first dispatched move so the
	// continuation rebuild can replay this assistant reply verbatim.
	reasoning := resp.Text
	rawContent := resp.RawContent
	dispatched := false

	for _, tu := range resp.ToolUse {
		def, known := params.Lookup[tu.Name]
		if !known {
			res.Decisions = append(res.Decisions, AsyncOpCompleted{
				TurnID: params.TurnID,
				OpID:   tu.ID,
				Result: store.ToolResult{
					Error: toolerrors.New(toolerrors.CodeNotFound, fmt.Sprintf("unknown tool %q", tu.Name)),
				},
			})
			res.Events = append(res.Events, trace.Event{
				Type:    "planner.tool.unknown",
				Payload: map[string]any{"turn_id": params.TurnID, "tool_name": tu.Name, "tool_call_id": tu.ID},
			})
			continue
		}

		if terr := validateInput(def.InputSchema, tu.Input); terr != nil {
			res.Decisions = append(res.Decisions, AsyncOpCompleted{
				TurnID: params.TurnID,
				OpID:   tu.ID,
				Result: store.ToolResult{Error: terr},
			})
			res.Events = append(res.Events, trace.Event{
				Type:    "planner.tool.invalid_input",
				Payload: map[string]any{"turn_id": params.TurnID, "tool_name": tu.Name, "tool_call_id": tu.ID, "paths": terr.Paths},
			})
			continue
		}

		input := mapInput(def.InputMapping, tu.Input)
		var moveReasoning string
		var moveRaw []json.RawMessage
		if !dispatched {
			moveReasoning = reasoning
			moveRaw = rawContent
			dispatched = true
		}
		res.Decisions = append(res.Decisions, dispatchDecision(params.TurnID, tu.ID, def, input, moveReasoning, moveRaw))
		res.Events = append(res.Events, trace.Event{
			Type: "planner.tool.dispatch",
			Payload: map[string]any{
				"turn_id":      params.TurnID,
				"tool_id":      def.ID,
				"tool_call_id": tu.ID,
				"target_type":  string(def.TargetType),
				"async":        def.Async,
			},
		})
	}

	// Without a dispatch there is no move to carry the reply, so record one
	// whenever the response held anything worth replaying or the final
	// reasoning readout needs it.
	if !dispatched && (resp.Text != "" || len(rawContent) > 0) {
		res.Decisions = append(res.Decisions, RecordMove{
			TurnID:     params.TurnID,
			Reasoning:  resp.Text,
			RawContent: rawContent,
		})
	}

	return res
}

// DecideMemoryExtraction plans the post-turn extraction run. An empty
// transcript skips extraction.
func DecideMemoryExtraction(params MemoryExtractionParams) Result {
	if len(params.Transcript) == 0 {
		return Result{Events: []trace.Event{{
			Type:    "planner.memory_extraction.skipped",
			Payload: map[string]any{"turn_id": params.TurnID, "reason": "empty transcript"},
		}}}
	}
	return Result{
		Decisions: []Decision{DispatchMemoryExtraction{
			TurnID:     params.TurnID,
			AgentID:    params.AgentID,
			Ref:        params.Ref,
			Transcript: params.Transcript,
		}},
		Events: []trace.Event{{
			Type:    "planner.memory_extraction.planned",
			Payload: map[string]any{"turn_id": params.TurnID, "moves": len(params.Transcript)},
		}},
	}
}

func dispatchDecision(turnID, toolCallID string, def tools.Definition, input map[string]any, reasoning string, raw []json.RawMessage) Decision {
	switch def.TargetType {
	case tools.TargetWorkflow:
		return DispatchWorkflow{
			TurnID:     turnID,
			ToolCallID: toolCallID,
			ToolID:     def.ID,
			WorkflowID: def.TargetID,
			Input:      input,
			Async:      def.Async,
			TimeoutMs:  def.TimeoutMs,
			Retry:      def.Retry,
			Reasoning:  reasoning,
			RawContent: raw,
		}
	case tools.TargetAgent:
		return DispatchAgent{
			TurnID:     turnID,
			ToolCallID: toolCallID,
			ToolID:     def.ID,
			AgentID:    def.TargetID,
			Mode:       def.AgentMode,
			Input:      input,
			Async:      def.Async,
			TimeoutMs:  def.TimeoutMs,
			Retry:      def.Retry,
			Reasoning:  reasoning,
			RawContent: raw,
		}
	default:
		return DispatchTask{
			TurnID:     turnID,
			ToolCallID: toolCallID,
			ToolID:     def.ID,
			TaskID:     def.TargetID,
			Input:      input,
			Async:      def.Async,
			TimeoutMs:  def.TimeoutMs,
			Retry:      def.Retry,
			Reasoning:  reasoning,
			RawContent: raw,
		}
	}
}

// mapInput applies the tool's input mapping (targetKey -> sourceKey). Keys
// absent from the source are omitted. Without a mapping the input passes
// through unchanged.
func mapInput(mapping map[string]string, input map[string]any) map[string]any {
	if len(mapping) == 0 {
		return input
	}
	out := make(map[string]any, len(mapping))
	for targetKey, sourceKey := range mapping {
		if v, ok := input[sourceKey]; ok {
			out[targetKey] = v
		}
	}
	return out
}

// validateInput checks the tool input against its JSON Schema. Schemas
// without an explicit "type" are permissive. Returns nil on success and an
// INVALID_INPUT error listing offending paths otherwise.
func validateInput(schema map[string]any, input map[string]any) *toolerrors.ToolError {
	if schema == nil {
		return nil
	}
	if _, ok := schema["type"]; !ok {
		return nil
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", normalize(schema)); err != nil {
		return toolerrors.Newf(toolerrors.CodeInvalidInput, "add schema resource: %v", err)
	}
	compiled, err := c.Compile("schema.json")
	if err != nil {
		return toolerrors.Newf(toolerrors.CodeInvalidInput, "compile schema: %v", err)
	}
	if input == nil {
		input = map[string]any{}
	}
	if err := compiled.Validate(normalize(input)); err != nil {
		var verr *jsonschema.ValidationError
		if errors.As(err, &verr) {
			paths := collectPaths(verr)
			return toolerrors.Invalid(fmt.Sprintf("tool input failed schema validation: %v", err), paths)
		}
		return toolerrors.Invalid(err.Error(), nil)
	}
	return nil
}

// normalize round-trips a value through JSON so the validator sees the same
// shapes json.Unmarshal produces (float64 numbers, no custom types).
func normalize(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

// collectPaths gathers the instance locations of leaf validation failures.
func collectPaths(verr *jsonschema.ValidationError) []string {
	var paths []string
	seen := make(map[string]bool)
	var walk func(*jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			p := "/" + strings.Join(e.InstanceLocation, "/")
			if !seen[p] {
				seen[p] = true
				paths = append(paths, p)
			}
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(verr)
	return paths
}
