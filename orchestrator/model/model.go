// Package model defines the provider-neutral contract between the
// orchestrator and the language model adapter. The orchestrator only ever
// sees Request and Response; provider message translation lives in the
// feature adapters.
package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/colloquy-dev/colloquy/orchestrator/tools"
)

// ErrRateLimited marks provider throttling. Adapters wrap 429-style errors
// with it so middlewares can react without provider-specific knowledge.
var ErrRateLimited = errors.New("model: rate limited")

// StopReason explains why the model stopped generating.
type StopReason string

const (
	// StopEndTurn means the model finished its reply.
	StopEndTurn StopReason = "end_turn"
	// StopToolUse means the model requested tool invocations.
	StopToolUse StopReason = "tool_use"
	// StopMaxTokens means generation hit the token limit.
	StopMaxTokens StopReason = "max_tokens"
)

type (
	// Message is one conversational message in a request. Either Content or
	// Blocks is set; Blocks carries provider-native content verbatim and
	// takes precedence.
	Message struct {
		// Role is "user" or "assistant".
		Role string `json:"role"`
		// Content is plain text.
		Content string `json:"content,omitempty"`
		// Blocks holds provider-native content blocks. Continuation requests
		// use these to replay prior assistant tool_use content unchanged.
		Blocks []json.RawMessage `json:"blocks,omitempty"`
	}

	// Request is a model invocation.
	Request struct {
		// Model names the provider model to use.
		Model string `json:"model,omitempty"`
		// System is the system prompt.
		System string `json:"system,omitempty"`
		// MaxTokens caps the response length. Zero selects the adapter
		// default.
		MaxTokens int `json:"max_tokens,omitempty"`
		// Messages is the conversation so far.
		Messages []Message `json:"messages"`
	}

	// ToolUse is one tool invocation requested by the model.
	ToolUse struct {
		// ID is the provider-assigned tool call id.
		ID string `json:"id"`
		// Name is the tool name as presented to the model.
		Name string `json:"name"`
		// Input is the model-provided tool input.
		Input map[string]any `json:"input"`
	}

	// Response is the model's reply.
	Response struct {
		// Text is the concatenated text content, if any.
		Text string `json:"text,omitempty"`
		// ToolUse lists requested tool invocations in response order.
		ToolUse []ToolUse `json:"tool_use,omitempty"`
		// StopReason explains why generation stopped.
		StopReason StopReason `json:"stop_reason"`
		// RawContent holds the provider-native content blocks of this reply,
		// retained verbatim for continuation requests.
		RawContent []json.RawMessage `json:"raw_content,omitempty"`
	}

	// Client is the model adapter consumed by the loop driver.
	Client interface {
		// Complete issues a non-streaming call with a plain-text request.
		Complete(ctx context.Context, req Request, specs []tools.Spec) (Response, error)
		// CompleteRaw issues a call whose messages carry provider-native
		// content blocks (a continuation request).
		CompleteRaw(ctx context.Context, req Request, specs []tools.Spec) (Response, error)
		// Stream issues a streaming call, invoking onToken for each text
		// delta before returning the assembled response.
		Stream(ctx context.Context, req Request, specs []tools.Spec, onToken func(string)) (Response, error)
	}
)

// Raw reports whether the request is already in provider-native form: an
// assistant message is present or some message carries content blocks.
func (r Request) Raw() bool {
	for _, m := range r.Messages {
		if m.Role == "assistant" || len(m.Blocks) > 0 {
			return true
		}
	}
	return false
}

// NewToolResultBlock builds a provider-native tool_result content block
// referencing the given tool call.
func NewToolResultBlock(toolUseID, content string, isError bool) json.RawMessage {
	block := map[string]any{
		"type":        "tool_result",
		"tool_use_id": toolUseID,
		"content":     content,
	}
	if isError {
		block["is_error"] = true
	}
	raw, err := json.Marshal(block)
	if err != nil {
		panic(fmt.Sprintf("marshal tool_result block: %v", err))
	}
	return raw
}
