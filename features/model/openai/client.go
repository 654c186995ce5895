// Package openai implements model.Client on the OpenAI Chat Completions API
// using github.com/sashabaranov/go-openai. Recorded content blocks are mapped
// onto the chat message shapes the API expects: assistant tool_use blocks
// become tool calls and tool_result blocks become tool-role messages.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/colloquy-dev/colloquy/orchestrator/model"
	"github.com/colloquy-dev/colloquy/orchestrator/tools"
)

const defaultMaxTokens = 4096

type (
	// ChatClient captures the subset of the go-openai client used by the
	// adapter. Satisfied by *openai.Client.
	ChatClient interface {
		CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	}

	// Options configures the adapter.
	Options struct {
		// DefaultModel is used when the request does not name a model.
		// Required.
		DefaultModel string
		// MaxTokens caps responses when the request does not set a limit.
		// Defaults to 4096.
		MaxTokens int
	}

	// Client implements model.Client on the Chat Completions API.
	Client struct {
		chat         ChatClient
		defaultModel string
		maxTokens    int
	}
)

// New builds an OpenAI-backed model client.
func New(chat ChatClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Client{chat: chat, defaultModel: opts.DefaultModel, maxTokens: maxTokens}, nil
}

// NewFromAPIKey constructs a client using the default go-openai HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	return New(openai.NewClient(apiKey), Options{DefaultModel: defaultModel})
}

// Complete issues a chat completion request.
func (c *Client) Complete(ctx context.Context, req model.Request, specs []tools.Spec) (model.Response, error) {
	request, err := c.encodeRequest(req, specs)
	if err != nil {
		return model.Response{}, err
	}
	response, err := c.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		if isRateLimited(err) {
			return model.Response{}, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return model.Response{}, fmt.Errorf("openai chat completion: %w", err)
	}
	return translateResponse(response)
}

// CompleteRaw issues a request whose messages replay recorded content blocks.
// Encoding handles both plain and raw messages, so it shares Complete.
func (c *Client) CompleteRaw(ctx context.Context, req model.Request, specs []tools.Spec) (model.Response, error) {
	return c.Complete(ctx, req, specs)
}

// Stream completes the request without provider streaming and emits the full
// text as a single token. The Chat Completions adapter does not keep a live
// delta stream; callers that need true token streaming use the Anthropic or
// Bedrock adapters.
func (c *Client) Stream(ctx context.Context, req model.Request, specs []tools.Spec, onToken func(string)) (model.Response, error) {
	resp, err := c.Complete(ctx, req, specs)
	if err != nil {
		return model.Response{}, err
	}
	if onToken != nil && resp.Text != "" {
		onToken(resp.Text)
	}
	return resp, nil
}

func (c *Client) encodeRequest(req model.Request, specs []tools.Spec) (openai.ChatCompletionRequest, error) {
	if len(req.Messages) == 0 {
		return openai.ChatCompletionRequest{}, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	var messages []openai.ChatCompletionMessage
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		encoded, err := encodeMessage(m)
		if err != nil {
			return openai.ChatCompletionRequest{}, err
		}
		messages = append(messages, encoded...)
	}
	toolList, err := encodeTools(specs)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}
	return openai.ChatCompletionRequest{
		Model:     modelID,
		Messages:  messages,
		MaxTokens: maxTokens,
		Tools:     toolList,
	}, nil
}

// encodeMessage maps one orchestrator message onto chat messages. A message
// replaying recorded blocks can expand to several: tool_result blocks become
// individual tool-role messages.
func encodeMessage(m model.Message) ([]openai.ChatCompletionMessage, error) {
	switch m.Role {
	case "user", "assistant":
	default:
		return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
	}
	if len(m.Blocks) == 0 {
		return []openai.ChatCompletionMessage{{Role: m.Role, Content: m.Content}}, nil
	}

	var out []openai.ChatCompletionMessage
	current := openai.ChatCompletionMessage{Role: m.Role}
	flush := func() {
		if current.Content != "" || len(current.ToolCalls) > 0 {
			out = append(out, current)
			current = openai.ChatCompletionMessage{Role: m.Role}
		}
	}
	for _, raw := range m.Blocks {
		var b struct {
			Type      string         `json:"type"`
			Text      string         `json:"text"`
			ID        string         `json:"id"`
			Name      string         `json:"name"`
			Input     map[string]any `json:"input"`
			ToolUseID string         `json:"tool_use_id"`
			Content   any            `json:"content"`
		}
		if err := json.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("openai: decode content block: %w", err)
		}
		switch b.Type {
		case "text":
			current.Content += b.Text
		case "tool_use":
			args, err := json.Marshal(b.Input)
			if err != nil {
				return nil, fmt.Errorf("openai: encode tool arguments: %w", err)
			}
			current.ToolCalls = append(current.ToolCalls, openai.ToolCall{
				ID:   b.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      b.Name,
					Arguments: string(args),
				},
			})
		case "tool_result":
			flush()
			content := ""
			switch c := b.Content.(type) {
			case nil:
			case string:
				content = c
			default:
				if data, err := json.Marshal(c); err == nil {
					content = string(data)
				}
			}
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    content,
				ToolCallID: b.ToolUseID,
			})
		default:
			return nil, fmt.Errorf("openai: unsupported content block type %q", b.Type)
		}
	}
	flush()
	return out, nil
}

func encodeTools(specs []tools.Spec) ([]openai.Tool, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	toolList := make([]openai.Tool, 0, len(specs))
	for _, spec := range specs {
		if spec.Name == "" {
			continue
		}
		if spec.Description == "" {
			return nil, fmt.Errorf("openai: tool %q is missing description", spec.Name)
		}
		params, err := json.Marshal(spec.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("openai: marshal tool %q schema: %w", spec.Name, err)
		}
		toolList = append(toolList, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  json.RawMessage(params),
			},
		})
	}
	return toolList, nil
}

func translateResponse(resp openai.ChatCompletionResponse) (model.Response, error) {
	if len(resp.Choices) == 0 {
		return model.Response{}, errors.New("openai: response has no choices")
	}
	choice := resp.Choices[0]
	out := model.Response{
		Text:       choice.Message.Content,
		StopReason: translateFinishReason(choice.FinishReason),
	}
	if out.Text != "" {
		out.RawContent = append(out.RawContent, textBlockJSON(out.Text))
	}
	for _, call := range choice.Message.ToolCalls {
		input := parseToolArguments(call.Function.Arguments)
		out.ToolUse = append(out.ToolUse, model.ToolUse{
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: input,
		})
		out.RawContent = append(out.RawContent, toolUseBlockJSON(call.ID, call.Function.Name, input))
	}
	return out, nil
}

func translateFinishReason(r openai.FinishReason) model.StopReason {
	switch r {
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return model.StopToolUse
	case openai.FinishReasonLength:
		return model.StopMaxTokens
	default:
		return model.StopEndTurn
	}
}

func parseToolArguments(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

func isRateLimited(err error) bool {
	var apiErr *openai.APIError
	return errors.As(err, &apiErr) && apiErr.HTTPStatusCode == 429
}

func textBlockJSON(text string) json.RawMessage {
	raw, _ := json.Marshal(map[string]any{"type": "text", "text": text})
	return raw
}

func toolUseBlockJSON(id, name string, input map[string]any) json.RawMessage {
	raw, _ := json.Marshal(map[string]any{
		"type":  "tool_use",
		"id":    id,
		"name":  name,
		"input": input,
	})
	return raw
}
