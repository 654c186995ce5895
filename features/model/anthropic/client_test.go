package anthropic

import (
	"context"
	"encoding/json"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/colloquy-dev/colloquy/orchestrator/model"
	"github.com/colloquy-dev/colloquy/orchestrator/tools"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error

	stream *ssestream.Stream[sdk.MessageStreamEventUnion]
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func (s *stubMessagesClient) NewStreaming(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	s.lastParams = body
	if s.stream == nil {
		s.stream = ssestream.NewStream[sdk.MessageStreamEventUnion](&testDecoder{}, nil)
	}
	return s.stream
}

func TestComplete_TextOnly(t *testing.T) {
	stub := &stubMessagesClient{}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5", MaxTokens: 128})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stub.resp = &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "world"},
		},
		StopReason: sdk.StopReasonEndTurn,
	}

	req := model.Request{Messages: []model.Message{{Role: "user", Content: "hello"}}}
	resp, err := cl.Complete(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "world" {
		t.Fatalf("unexpected text %q", resp.Text)
	}
	if resp.StopReason != model.StopEndTurn {
		t.Fatalf("unexpected stop reason %q", resp.StopReason)
	}
	if len(resp.RawContent) != 1 {
		t.Fatalf("expected 1 raw block, got %d", len(resp.RawContent))
	}
	if stub.lastParams.MaxTokens != 128 {
		t.Fatalf("unexpected max tokens %d", stub.lastParams.MaxTokens)
	}
	if string(stub.lastParams.Model) != "claude-sonnet-4-5" {
		t.Fatalf("unexpected model %q", stub.lastParams.Model)
	}
}

func TestComplete_ToolUse(t *testing.T) {
	stub := &stubMessagesClient{}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5", MaxTokens: 128})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	stub.resp = &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "text", Text: "let me check"},
			{Type: "tool_use", ID: "call-1", Name: "search", Input: json.RawMessage(`{"query":"go"}`)},
		},
		StopReason: sdk.StopReasonToolUse,
	}

	req := model.Request{Messages: []model.Message{{Role: "user", Content: "search for go"}}}
	specs := []tools.Spec{{
		Name:        "search",
		Description: "search the index",
		InputSchema: map[string]any{"type": "object"},
	}}
	resp, err := cl.Complete(context.Background(), req, specs)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(resp.ToolUse) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolUse))
	}
	call := resp.ToolUse[0]
	if call.Name != "search" || call.ID != "call-1" {
		t.Fatalf("unexpected call %+v", call)
	}
	if call.Input["query"] != "go" {
		t.Fatalf("unexpected input %v", call.Input)
	}
	if resp.StopReason != model.StopToolUse {
		t.Fatalf("unexpected stop reason %q", resp.StopReason)
	}
	// Text and tool_use blocks are both retained for continuation replay.
	if len(resp.RawContent) != 2 {
		t.Fatalf("expected 2 raw blocks, got %d", len(resp.RawContent))
	}
	if len(stub.lastParams.Tools) != 1 {
		t.Fatalf("expected 1 encoded tool, got %d", len(stub.lastParams.Tools))
	}
}

func TestCompleteRaw_ReplaysBlocks(t *testing.T) {
	stub := &stubMessagesClient{}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stub.resp = &sdk.Message{
		Content:    []sdk.ContentBlockUnion{{Type: "text", Text: "done"}},
		StopReason: sdk.StopReasonEndTurn,
	}

	req := model.Request{Messages: []model.Message{
		{Role: "user", Content: "look this up"},
		{Role: "assistant", Blocks: []json.RawMessage{
			json.RawMessage(`{"type":"tool_use","id":"call-1","name":"search","input":{"query":"go"}}`),
		}},
		{Role: "user", Blocks: []json.RawMessage{
			model.NewToolResultBlock("call-1", "three results", false),
		}},
	}}
	if _, err := cl.CompleteRaw(context.Background(), req, nil); err != nil {
		t.Fatalf("CompleteRaw: %v", err)
	}
	if len(stub.lastParams.Messages) != 3 {
		t.Fatalf("expected 3 encoded messages, got %d", len(stub.lastParams.Messages))
	}
}

func TestEncodeRequest_Validation(t *testing.T) {
	cl, err := New(&stubMessagesClient{}, Options{DefaultModel: "claude-sonnet-4-5"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := cl.encodeRequest(model.Request{}, nil); err == nil {
		t.Fatal("expected error for empty messages")
	}
	req := model.Request{Messages: []model.Message{{Role: "tool", Content: "x"}}}
	if _, err := cl.encodeRequest(req, nil); err == nil {
		t.Fatal("expected error for unsupported role")
	}
	req = model.Request{Messages: []model.Message{{Role: "user", Content: "x"}}}
	if _, err := cl.encodeRequest(req, []tools.Spec{{Name: "t"}}); err == nil {
		t.Fatal("expected error for missing tool description")
	}
}

func TestDecodeBlock_Unsupported(t *testing.T) {
	if _, err := decodeBlock(json.RawMessage(`{"type":"image"}`)); err == nil {
		t.Fatal("expected error for unsupported block type")
	}
}
