package bedrock

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/colloquy-dev/colloquy/orchestrator/model"
	"github.com/colloquy-dev/colloquy/orchestrator/tools"
)

// Stream issues a ConverseStream call, invoking onToken for each text delta
// and returning the assembled response once the stream ends.
func (c *Client) Stream(ctx context.Context, req model.Request, specs []tools.Spec, onToken func(string)) (model.Response, error) {
	input, err := c.encodeRequest(req, specs)
	if err != nil {
		return model.Response{}, err
	}
	output, err := c.runtime.ConverseStream(ctx, &bedrockruntime.ConverseStreamInput{
		ModelId:         input.ModelId,
		Messages:        input.Messages,
		System:          input.System,
		ToolConfig:      input.ToolConfig,
		InferenceConfig: input.InferenceConfig,
	})
	if err != nil {
		if isRateLimited(err) {
			return model.Response{}, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return model.Response{}, fmt.Errorf("bedrock converse stream: %w", err)
	}
	stream := output.GetStream()
	defer stream.Close()

	acc := newAccumulator(onToken)
	for event := range stream.Events() {
		if err := acc.handle(event); err != nil {
			return model.Response{}, err
		}
	}
	if err := stream.Err(); err != nil {
		return model.Response{}, fmt.Errorf("bedrock stream: %w", err)
	}
	return acc.response(), nil
}

type (
	// accumulator assembles streaming events into a response, keyed by
	// content block index.
	accumulator struct {
		onToken    func(string)
		blocks     map[int]*blockState
		stopReason model.StopReason
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

func (a *accumulator) handle(event brtypes.ConverseStreamOutput) error {
	switch ev := event.(type) {
	case *brtypes.ConverseStreamOutputMemberContentBlockStart:
		idx, err := blockIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return err
		}
		if start, ok := ev.Value.Start.(*brtypes.ContentBlockStartMemberToolUse); ok {
			state := &blockState{kind: "tool_use"}
			if start.Value.ToolUseId != nil {
				state.id = *start.Value.ToolUseId
			}
			if start.Value.Name != nil {
				state.name = *start.Value.Name
			}
			a.blocks[idx] = state
		}
	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		idx, err := blockIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return err
		}
		switch delta := ev.Value.Delta.(type) {
		case *brtypes.ContentBlockDeltaMemberText:
			state := a.block(idx, "text")
			state.text.WriteString(delta.Value)
			if a.onToken != nil && delta.Value != "" {
				a.onToken(delta.Value)
			}
		case *brtypes.ContentBlockDeltaMemberToolUse:
			if state := a.blocks[idx]; state != nil && delta.Value.Input != nil {
				state.fragments = append(state.fragments, *delta.Value.Input)
			}
		}
	case *brtypes.ConverseStreamOutputMemberMessageStop:
		a.stopReason = translateStopReason(ev.Value.StopReason)
	}
	return nil
}

func (a *accumulator) block(idx int, kind string) *blockState {
	state, ok := a.blocks[idx]
	if !ok {
		state = &blockState{kind: kind}
		a.blocks[idx] = state
	}
	return state
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
		state := a.blocks[idx]
		switch state.kind {
		case "text":
			if state.text.Len() == 0 {
				continue
			}
			if text.Len() > 0 {
				text.WriteString("\n")
			}
			text.WriteString(state.text.String())
			resp.RawContent = append(resp.RawContent, textBlockJSON(state.text.String()))
		case "tool_use":
			input := decodeToolInput(state.fragments)
			resp.ToolUse = append(resp.ToolUse, model.ToolUse{ID: state.id, Name: state.name, Input: input})
			resp.RawContent = append(resp.RawContent, toolUseBlockJSON(state.id, state.name, input))
		}
	}
	resp.Text = text.String()
	resp.StopReason = a.stopReason
	if resp.StopReason == "" {
		resp.StopReason = model.StopEndTurn
	}
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

func blockIndex(idx *int32) (int, error) {
	if idx == nil {
		return 0, fmt.Errorf("bedrock: content block index missing")
	}
	return int(*idx), nil
}
