package turn

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/colloquy-dev/colloquy/orchestrator/model"
	"github.com/colloquy-dev/colloquy/orchestrator/store"
)

// buildContinuation reconstructs the model request for a turn from the store
// alone: the turn's user message, then for each move group an assistant
// message replaying its raw content followed by a user message carrying the
// tool_result blocks for that group's tool calls. Because results are
// recorded before continuation, the rebuild is deterministic and survives a
// restart.
func (e *Engine) buildContinuation(ctx context.Context, turnID string) (model.Request, error) {
	var req model.Request

	msgs, err := e.store.Messages.GetForTurn(ctx, turnID)
	if err != nil {
		return model.Request{}, fmt.Errorf("turn messages: %w", err)
	}
	for _, m := range msgs {
		if m.Role == store.RoleUser {
			req.Messages = append(req.Messages, model.Message{Role: "user", Content: m.Content})
			break
		}
	}

	moves, err := e.store.Moves.GetForTurn(ctx, turnID)
	if err != nil {
		return model.Request{}, fmt.Errorf("turn moves: %w", err)
	}

	i := 0
	for i < len(moves) {
		if len(moves[i].RawContent) == 0 {
			i++
			continue
		}
		req.Messages = append(req.Messages, model.Message{Role: "assistant", Blocks: moves[i].RawContent})

		// Moves that follow without raw content of their own belong to the
		// same assistant reply; their tool results go into one user message.
		var blocks []json.RawMessage
		j := i
		for j < len(moves) && (j == i || len(moves[j].RawContent) == 0) {
			if moves[j].ToolCall != nil {
				blocks = append(blocks, toolResultBlock(moves[j]))
			}
			j++
		}
		if len(blocks) > 0 {
			req.Messages = append(req.Messages, model.Message{Role: "user", Blocks: blocks})
		}
		i = j
	}
	return req, nil
}

// toolResultBlock renders a move's result as a provider-native tool_result
// block. Failures render as "Error: <message>" with is_error set; results
// that are not strings are JSON-encoded.
func toolResultBlock(m store.Move) json.RawMessage {
	id := m.ToolCall.ID
	if m.ToolResult == nil {
		return model.NewToolResultBlock(id, "", false)
	}
	if !m.ToolResult.Success {
		message := ""
		if m.ToolResult.Error != nil {
			message = m.ToolResult.Error.Message
		}
		return model.NewToolResultBlock(id, "Error: "+message, true)
	}
	return model.NewToolResultBlock(id, stringify(m.ToolResult.Result), false)
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(raw)
	}
}
