// Package anthropic implements model.Client on the Anthropic Claude Messages
// API. It translates orchestrator requests into anthropic.Message calls using
// github.com/anthropics/anthropic-sdk-go and maps responses (text blocks and
// tool_use blocks) back into the provider-neutral structures the loop driver
// consumes.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/colloquy-dev/colloquy/orchestrator/model"
	"github.com/colloquy-dev/colloquy/orchestrator/tools"
)

const defaultMaxTokens = 4096

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by
	// the adapter. It is satisfied by *sdk.MessageService so callers can pass
	// either a real client or a test double.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
		NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
	}

	// Options configures the adapter.
	Options struct {
		// DefaultModel is the Claude model identifier used when
		// model.Request.Model is empty. Use the typed constants from
		// github.com/anthropics/anthropic-sdk-go.
		DefaultModel string

		// MaxTokens is the completion cap applied when a request does not set
		// MaxTokens. Zero selects 4096.
		MaxTokens int
	}

	// Client implements model.Client on top of Anthropic Claude Messages.
	Client struct {
		msg          MessagesClient
		defaultModel string
		maxTok       int
	}
)

// New builds an Anthropic-backed model client.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = defaultMaxTokens
	}
	return &Client{msg: msg, defaultModel: opts.DefaultModel, maxTok: maxTok}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Complete issues a non-streaming Messages.New request.
func (c *Client) Complete(ctx context.Context, req model.Request, specs []tools.Spec) (model.Response, error) {
	params, err := c.encodeRequest(req, specs)
	if err != nil {
		return model.Response{}, err
	}
	msg, err := c.msg.New(ctx, params)
	if err != nil {
		if isRateLimited(err) {
			return model.Response{}, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return model.Response{}, fmt.Errorf("anthropic messages.new: %w", err)
	}
	return translateResponse(msg)
}

// isRateLimited reports whether the SDK error is an HTTP 429.
func isRateLimited(err error) bool {
	var apierr *sdk.Error
	return errors.As(err, &apierr) && apierr.StatusCode == 429
}

// CompleteRaw issues a request whose messages replay provider-native content
// blocks. Encoding already handles both plain and raw messages, so this is
// the same call path as Complete.
func (c *Client) CompleteRaw(ctx context.Context, req model.Request, specs []tools.Spec) (model.Response, error) {
	return c.Complete(ctx, req, specs)
}

func (c *Client) encodeRequest(req model.Request, specs []tools.Spec) (sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return sdk.MessageNewParams{}, errors.New("anthropic: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}

	msgs := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		blocks, err := encodeBlocks(m)
		if err != nil {
			return sdk.MessageNewParams{}, err
		}
		if len(blocks) == 0 {
			continue
		}
		switch m.Role {
		case "user":
			msgs = append(msgs, sdk.NewUserMessage(blocks...))
		case "assistant":
			msgs = append(msgs, sdk.NewAssistantMessage(blocks...))
		default:
			return sdk.MessageNewParams{}, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(msgs) == 0 {
		return sdk.MessageNewParams{}, errors.New("anthropic: at least one user/assistant message is required")
	}

	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	toolList, err := encodeTools(specs)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}
	if len(toolList) > 0 {
		params.Tools = toolList
	}
	return params, nil
}

func encodeBlocks(m model.Message) ([]sdk.ContentBlockParamUnion, error) {
	if len(m.Blocks) == 0 {
		if m.Content == "" {
			return nil, nil
		}
		return []sdk.ContentBlockParamUnion{sdk.NewTextBlock(m.Content)}, nil
	}
	blocks := make([]sdk.ContentBlockParamUnion, 0, len(m.Blocks))
	for _, raw := range m.Blocks {
		block, err := decodeBlock(raw)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

// decodeBlock rebuilds an SDK content block from the JSON form the
// orchestrator records for continuation replays. Only the block types the
// orchestrator itself emits are supported.
func decodeBlock(raw json.RawMessage) (sdk.ContentBlockParamUnion, error) {
	var b struct {
		Type      string         `json:"type"`
		Text      string         `json:"text"`
		ID        string         `json:"id"`
		Name      string         `json:"name"`
		Input     map[string]any `json:"input"`
		ToolUseID string         `json:"tool_use_id"`
		Content   any            `json:"content"`
		IsError   bool           `json:"is_error"`
	}
	if err := json.Unmarshal(raw, &b); err != nil {
		return sdk.ContentBlockParamUnion{}, fmt.Errorf("anthropic: decode content block: %w", err)
	}
	switch b.Type {
	case "text":
		return sdk.NewTextBlock(b.Text), nil
	case "tool_use":
		return sdk.NewToolUseBlock(b.ID, b.Input, b.Name), nil
	case "tool_result":
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
		return sdk.NewToolResultBlock(b.ToolUseID, content, b.IsError), nil
	default:
		return sdk.ContentBlockParamUnion{}, fmt.Errorf("anthropic: unsupported content block type %q", b.Type)
	}
}

func encodeTools(specs []tools.Spec) ([]sdk.ToolUnionParam, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	toolList := make([]sdk.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		if spec.Name == "" {
			continue
		}
		if spec.Description == "" {
			return nil, fmt.Errorf("anthropic: tool %q is missing description", spec.Name)
		}
		schema := sdk.ToolInputSchemaParam{}
		if len(spec.InputSchema) > 0 {
			schema.ExtraFields = spec.InputSchema
		}
		u := sdk.ToolUnionParamOfTool(schema, spec.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(spec.Description)
		}
		toolList = append(toolList, u)
	}
	return toolList, nil
}

func translateResponse(msg *sdk.Message) (model.Response, error) {
	if msg == nil {
		return model.Response{}, errors.New("anthropic: response message is nil")
	}
	var resp model.Response
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text == "" {
				continue
			}
			if text.Len() > 0 {
				text.WriteString("\n")
			}
			text.WriteString(block.Text)
			resp.RawContent = append(resp.RawContent, textBlockJSON(block.Text))
		case "tool_use":
			input := toolInput(block.Input)
			resp.ToolUse = append(resp.ToolUse, model.ToolUse{
				ID:    block.ID,
				Name:  block.Name,
				Input: input,
			})
			resp.RawContent = append(resp.RawContent, toolUseBlockJSON(block.ID, block.Name, input))
		}
	}
	resp.Text = text.String()
	resp.StopReason = model.StopReason(msg.StopReason)
	return resp, nil
}

// toolInput normalizes the SDK's tool_use input payload to a plain map.
func toolInput(v any) map[string]any {
	switch in := v.(type) {
	case nil:
		return map[string]any{}
	case map[string]any:
		return in
	case json.RawMessage:
		return unmarshalInput(in)
	case []byte:
		return unmarshalInput(in)
	default:
		data, err := json.Marshal(in)
		if err != nil {
			return map[string]any{}
		}
		return unmarshalInput(data)
	}
}

func unmarshalInput(data []byte) map[string]any {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
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
