package bedrock

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/colloquy-dev/colloquy/orchestrator/model"
	"github.com/colloquy-dev/colloquy/orchestrator/tools"
)

type stubRuntime struct {
	lastInput *bedrockruntime.ConverseInput
	output    *bedrockruntime.ConverseOutput
	err       error
}

func (s *stubRuntime) Converse(_ context.Context, params *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	s.lastInput = params
	if s.err != nil {
		return nil, s.err
	}
	return s.output, nil
}

func (s *stubRuntime) ConverseStream(_ context.Context, _ *bedrockruntime.ConverseStreamInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error) {
	return nil, s.err
}

func converseMessage(blocks ...brtypes.ContentBlock) brtypes.ConverseOutput {
	return &brtypes.ConverseOutputMemberMessage{Value: brtypes.Message{
		Role:    brtypes.ConversationRoleAssistant,
		Content: blocks,
	}}
}

func TestComplete_TextOnly(t *testing.T) {
	rt := &stubRuntime{output: &bedrockruntime.ConverseOutput{
		Output:     converseMessage(&brtypes.ContentBlockMemberText{Value: "hello"}),
		StopReason: brtypes.StopReasonEndTurn,
	}}
	c, err := New(rt, Options{DefaultModel: "anthropic.claude-3"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := c.Complete(context.Background(), model.Request{
		System:   "be brief",
		Messages: []model.Message{{Role: "user", Content: "hi"}},
	}, nil)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "hello" {
		t.Fatalf("text = %q", resp.Text)
	}
	if resp.StopReason != model.StopEndTurn {
		t.Fatalf("stop reason = %q", resp.StopReason)
	}

	in := rt.lastInput
	if aws.ToString(in.ModelId) != "anthropic.claude-3" {
		t.Fatalf("model id = %q", aws.ToString(in.ModelId))
	}
	if len(in.System) != 1 {
		t.Fatalf("system blocks = %d", len(in.System))
	}
	if aws.ToInt32(in.InferenceConfig.MaxTokens) != defaultMaxTokens {
		t.Fatalf("max tokens = %d", aws.ToInt32(in.InferenceConfig.MaxTokens))
	}
	if len(in.Messages) != 1 || in.Messages[0].Role != brtypes.ConversationRoleUser {
		t.Fatalf("messages = %+v", in.Messages)
	}
}

func TestComplete_ToolUse(t *testing.T) {
	rt := &stubRuntime{output: &bedrockruntime.ConverseOutput{
		Output: converseMessage(
			&brtypes.ContentBlockMemberText{Value: "let me search"},
			&brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
				ToolUseId: aws.String("t1"),
				Name:      aws.String("search"),
				Input:     document.NewLazyDocument(map[string]any{"query": "go"}),
			}},
		),
		StopReason: brtypes.StopReasonToolUse,
	}}
	c, err := New(rt, Options{DefaultModel: "anthropic.claude-3"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	specs := []tools.Spec{{
		Name:        "search",
		Description: "Search the index.",
		InputSchema: map[string]any{"type": "object"},
	}}
	resp, err := c.Complete(context.Background(), model.Request{
		Messages: []model.Message{{Role: "user", Content: "find go"}},
	}, specs)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.StopReason != model.StopToolUse {
		t.Fatalf("stop reason = %q", resp.StopReason)
	}
	if len(resp.ToolUse) != 1 {
		t.Fatalf("tool use = %+v", resp.ToolUse)
	}
	call := resp.ToolUse[0]
	if call.ID != "t1" || call.Name != "search" {
		t.Fatalf("call = %+v", call)
	}
	if call.Input["query"] != "go" {
		t.Fatalf("input = %+v", call.Input)
	}
	if len(resp.RawContent) != 2 {
		t.Fatalf("raw content blocks = %d", len(resp.RawContent))
	}

	if rt.lastInput.ToolConfig == nil || len(rt.lastInput.ToolConfig.Tools) != 1 {
		t.Fatalf("tool config = %+v", rt.lastInput.ToolConfig)
	}
	spec, ok := rt.lastInput.ToolConfig.Tools[0].(*brtypes.ToolMemberToolSpec)
	if !ok {
		t.Fatalf("tool = %T", rt.lastInput.ToolConfig.Tools[0])
	}
	if aws.ToString(spec.Value.Name) != "search" {
		t.Fatalf("tool name = %q", aws.ToString(spec.Value.Name))
	}
}

func TestCompleteRaw_ReplaysBlocks(t *testing.T) {
	rt := &stubRuntime{output: &bedrockruntime.ConverseOutput{
		Output:     converseMessage(&brtypes.ContentBlockMemberText{Value: "done"}),
		StopReason: brtypes.StopReasonEndTurn,
	}}
	c, err := New(rt, Options{DefaultModel: "anthropic.claude-3"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	toolUse := json.RawMessage(`{"type":"tool_use","id":"t1","name":"search","input":{"query":"go"}}`)
	req := model.Request{Messages: []model.Message{
		{Role: "user", Content: "find go"},
		{Role: "assistant", Blocks: []json.RawMessage{toolUse}},
		{Role: "user", Blocks: []json.RawMessage{model.NewToolResultBlock("t1", "3 results", false)}},
	}}
	if _, err := c.CompleteRaw(context.Background(), req, nil); err != nil {
		t.Fatalf("CompleteRaw: %v", err)
	}

	msgs := rt.lastInput.Messages
	if len(msgs) != 3 {
		t.Fatalf("messages = %d", len(msgs))
	}
	use, ok := msgs[1].Content[0].(*brtypes.ContentBlockMemberToolUse)
	if !ok {
		t.Fatalf("assistant block = %T", msgs[1].Content[0])
	}
	if aws.ToString(use.Value.ToolUseId) != "t1" {
		t.Fatalf("tool use id = %q", aws.ToString(use.Value.ToolUseId))
	}
	result, ok := msgs[2].Content[0].(*brtypes.ContentBlockMemberToolResult)
	if !ok {
		t.Fatalf("user block = %T", msgs[2].Content[0])
	}
	if result.Value.Status != brtypes.ToolResultStatusSuccess {
		t.Fatalf("result status = %q", result.Value.Status)
	}
}

func TestEncodeRequest_Validation(t *testing.T) {
	c, err := New(&stubRuntime{}, Options{DefaultModel: "anthropic.claude-3"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := c.encodeRequest(model.Request{}, nil); err == nil {
		t.Fatal("expected error for empty messages")
	}
	if _, err := c.encodeRequest(model.Request{
		Messages: []model.Message{{Role: "system", Content: "x"}},
	}, nil); err == nil {
		t.Fatal("expected error for unsupported role")
	}
	if _, err := c.encodeRequest(model.Request{
		Messages: []model.Message{{Role: "user", Content: "x"}},
	}, []tools.Spec{{Name: "search"}}); err == nil {
		t.Fatal("expected error for missing tool description")
	}
}

func TestDecodeBlock_Unsupported(t *testing.T) {
	if _, err := decodeBlock(json.RawMessage(`{"type":"image"}`)); err == nil {
		t.Fatal("expected error for unsupported block type")
	}
}
