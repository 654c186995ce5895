package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/colloquy-dev/colloquy/orchestrator/model"
	"github.com/colloquy-dev/colloquy/orchestrator/tools"
)

// Stream issues a Messages.NewStreaming request, invoking onToken for each
// text delta, and returns the fully assembled response once the stream ends.
func (c *Client) Stream(ctx context.Context, req model.Request, specs []tools.Spec, onToken func(string)) (model.Response, error) {
	params, err := c.encodeRequest(req, specs)
	if err != nil {
		return model.Response{}, err
	}
	stream := c.msg.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()
	if err := stream.Err(); err != nil {
		if isRateLimited(err) {
			return model.Response{}, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return model.Response{}, fmt.Errorf("anthropic messages.new stream: %w", err)
	}

	acc := newAccumulator(onToken)
	for stream.Next() {
		if err := ctx.Err(); err != nil {
			return model.Response{}, err
		}
		if err := acc.handle(stream.Current()); err != nil {
			return model.Response{}, err
		}
	}
	if err := stream.Err(); err != nil {
		return model.Response{}, fmt.Errorf("anthropic stream: %w", err)
	}
	return acc.response(), nil
}

type (
	// accumulator folds streaming events into a complete response, keyed by
	// content block index so interleaved blocks reassemble in order.
	accumulator struct {
		onToken    func(string)
		blocks     map[int]*blockState
		stopReason string
	}

	blockState struct {
		kind      string // "text" or "tool_use"
		text      strings.Builder
		id        string
		name      string
		fragments []string
	}
)

func newAccumulator(onToken func(string)) *accumulator {
	return &accumulator{onToken: onToken, blocks: make(map[int]*blockState)}
}

func (a *accumulator) handle(event sdk.MessageStreamEventUnion) error {
	switch ev := event.AsAny().(type) {
	case sdk.ContentBlockStartEvent:
		idx := int(ev.Index)
		if toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			if toolUse.ID == "" {
				return fmt.Errorf("anthropic stream: tool use block missing id")
			}
			if toolUse.Name == "" {
				return fmt.Errorf("anthropic stream: tool use block %q missing name", toolUse.ID)
			}
			a.blocks[idx] = &blockState{kind: "tool_use", id: toolUse.ID, name: toolUse.Name}
		}
		return nil
	case sdk.ContentBlockDeltaEvent:
		idx := int(ev.Index)
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return nil
			}
			b := a.blocks[idx]
			if b == nil {
				b = &blockState{kind: "text"}
				a.blocks[idx] = b
			}
			b.text.WriteString(delta.Text)
			if a.onToken != nil {
				a.onToken(delta.Text)
			}
		case sdk.InputJSONDelta:
			if delta.PartialJSON == "" {
				return nil
			}
			if b := a.blocks[idx]; b != nil && b.kind == "tool_use" {
				b.fragments = append(b.fragments, delta.PartialJSON)
			}
		}
		return nil
	case sdk.MessageDeltaEvent:
		a.stopReason = string(ev.Delta.StopReason)
		return nil
	default:
		return nil
	}
}

func (a *accumulator) response() model.Response {
	indices := make([]int, 0, len(a.blocks))
	for idx := range a.blocks {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	var resp model.Response
	var text strings.Builder
	for _, idx := range indices {
		b := a.blocks[idx]
		switch b.kind {
		case "text":
			s := b.text.String()
			if s == "" {
				continue
			}
			if text.Len() > 0 {
				text.WriteString("\n")
			}
			text.WriteString(s)
			resp.RawContent = append(resp.RawContent, textBlockJSON(s))
		case "tool_use":
			input := decodeToolInput(b.fragments)
			resp.ToolUse = append(resp.ToolUse, model.ToolUse{ID: b.id, Name: b.name, Input: input})
			resp.RawContent = append(resp.RawContent, toolUseBlockJSON(b.id, b.name, input))
		}
	}
	resp.Text = text.String()
	resp.StopReason = model.StopReason(a.stopReason)
	return resp
}

func decodeToolInput(fragments []string) map[string]any {
	joined := strings.TrimSpace(strings.Join(fragments, ""))
	if joined == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(joined), &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}
