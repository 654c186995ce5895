package openai

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/colloquy-dev/colloquy/orchestrator/model"
	"github.com/colloquy-dev/colloquy/orchestrator/tools"
)

type stubChat struct {
	lastRequest openai.ChatCompletionRequest
	response    openai.ChatCompletionResponse
	err         error
}

func (s *stubChat) CreateChatCompletion(_ context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	s.lastRequest = request
	if s.err != nil {
		return openai.ChatCompletionResponse{}, s.err
	}
	return s.response, nil
}

func TestComplete_TextOnly(t *testing.T) {
	chat := &stubChat{response: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message:      openai.ChatCompletionMessage{Role: "assistant", Content: "hello"},
			FinishReason: openai.FinishReasonStop,
		}},
	}}
	c, err := New(chat, Options{DefaultModel: "gpt-4o"})
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

	req := chat.lastRequest
	if req.Model != "gpt-4o" {
		t.Fatalf("model = %q", req.Model)
	}
	if req.MaxTokens != defaultMaxTokens {
		t.Fatalf("max tokens = %d", req.MaxTokens)
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != openai.ChatMessageRoleSystem {
		t.Fatalf("messages = %+v", req.Messages)
	}
}

func TestComplete_ToolCalls(t *testing.T) {
	chat := &stubChat{response: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message: openai.ChatCompletionMessage{
				Role: "assistant",
				ToolCalls: []openai.ToolCall{{
					ID:       "t1",
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: "search", Arguments: `{"query":"go"}`},
				}},
			},
			FinishReason: openai.FinishReasonToolCalls,
		}},
	}}
	c, err := New(chat, Options{DefaultModel: "gpt-4o"})
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
	if call.ID != "t1" || call.Name != "search" || call.Input["query"] != "go" {
		t.Fatalf("call = %+v", call)
	}

	if len(chat.lastRequest.Tools) != 1 {
		t.Fatalf("tools = %+v", chat.lastRequest.Tools)
	}
	if chat.lastRequest.Tools[0].Function.Name != "search" {
		t.Fatalf("tool name = %q", chat.lastRequest.Tools[0].Function.Name)
	}
}

func TestCompleteRaw_ReplaysBlocks(t *testing.T) {
	chat := &stubChat{response: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message:      openai.ChatCompletionMessage{Role: "assistant", Content: "done"},
			FinishReason: openai.FinishReasonStop,
		}},
	}}
	c, err := New(chat, Options{DefaultModel: "gpt-4o"})
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

	msgs := chat.lastRequest.Messages
	if len(msgs) != 3 {
		t.Fatalf("messages = %+v", msgs)
	}
	if len(msgs[1].ToolCalls) != 1 || msgs[1].ToolCalls[0].ID != "t1" {
		t.Fatalf("assistant message = %+v", msgs[1])
	}
	if msgs[2].Role != openai.ChatMessageRoleTool || msgs[2].ToolCallID != "t1" || msgs[2].Content != "3 results" {
		t.Fatalf("tool message = %+v", msgs[2])
	}
}

func TestStream_EmitsFullTextOnce(t *testing.T) {
	chat := &stubChat{response: openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{
			Message:      openai.ChatCompletionMessage{Role: "assistant", Content: "hello"},
			FinishReason: openai.FinishReasonStop,
		}},
	}}
	c, err := New(chat, Options{DefaultModel: "gpt-4o"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var tokens []string
	resp, err := c.Stream(context.Background(), model.Request{
		Messages: []model.Message{{Role: "user", Content: "hi"}},
	}, nil, func(token string) { tokens = append(tokens, token) })
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if resp.Text != "hello" {
		t.Fatalf("text = %q", resp.Text)
	}
	if len(tokens) != 1 || tokens[0] != "hello" {
		t.Fatalf("tokens = %v", tokens)
	}
}

func TestComplete_RateLimited(t *testing.T) {
	chat := &stubChat{err: &openai.APIError{HTTPStatusCode: 429, Message: "slow down"}}
	c, err := New(chat, Options{DefaultModel: "gpt-4o"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = c.Complete(context.Background(), model.Request{
		Messages: []model.Message{{Role: "user", Content: "hi"}},
	}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, model.ErrRateLimited) {
		t.Fatalf("error not marked rate limited: %v", err)
	}
}

func TestEncodeRequest_Validation(t *testing.T) {
	c, err := New(&stubChat{}, Options{DefaultModel: "gpt-4o"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := c.encodeRequest(model.Request{}, nil); err == nil {
		t.Fatal("expected error for empty messages")
	}
	if _, err := c.encodeRequest(model.Request{
		Messages: []model.Message{{Role: "tool", Content: "x"}},
	}, nil); err == nil {
		t.Fatal("expected error for unsupported role")
	}
	if _, err := c.encodeRequest(model.Request{
		Messages: []model.Message{{Role: "user", Content: "x"}},
	}, []tools.Spec{{Name: "search"}}); err == nil {
		t.Fatal("expected error for missing tool description")
	}
}
