// Package bedrock implements the model client on the AWS Bedrock Converse
// API. Requests are encoded into Converse messages and tool configurations,
// responses are translated back into planner-facing text and tool calls, and
// the provider-native content blocks are retained in canonical JSON form so
// continuation requests round-trip without loss.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/colloquy-dev/colloquy/orchestrator/model"
	"github.com/colloquy-dev/colloquy/orchestrator/tools"
)

const defaultMaxTokens = 4096

type (
	// RuntimeClient is the subset of the Bedrock runtime client the adapter
	// uses. Satisfied by *bedrockruntime.Client.
	RuntimeClient interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
		ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
	}

	// Options configures the adapter.
	Options struct {
		// DefaultModel is the model identifier used when the request does not
		// name one. Required.
		DefaultModel string
		// MaxTokens caps responses when the request does not set a limit.
		// Defaults to 4096.
		MaxTokens int
	}

	// Client implements model.Client on the Bedrock Converse API.
	Client struct {
		runtime      RuntimeClient
		defaultModel string
		maxTokens    int
	}
)

// New constructs a client around an existing Bedrock runtime client.
func New(runtime RuntimeClient, opts Options) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Client{runtime: runtime, defaultModel: opts.DefaultModel, maxTokens: maxTokens}, nil
}

// NewFromConfig constructs a client from resolved AWS configuration.
func NewFromConfig(cfg aws.Config, opts Options) (*Client, error) {
	return New(bedrockruntime.NewFromConfig(cfg), opts)
}

// Complete issues a non-streaming Converse call.
func (c *Client) Complete(ctx context.Context, req model.Request, specs []tools.Spec) (model.Response, error) {
	input, err := c.encodeRequest(req, specs)
	if err != nil {
		return model.Response{}, err
	}
	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		if isRateLimited(err) {
			return model.Response{}, fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
		return model.Response{}, fmt.Errorf("bedrock converse: %w", err)
	}
	return translateResponse(output)
}

// isRateLimited reports whether err is a provider throttling signal, either
// by error code or by HTTP 429.
func isRateLimited(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	return errors.As(err, &respErr) && respErr.HTTPStatusCode() == 429
}

// CompleteRaw issues a call whose messages carry recorded content blocks.
// Encoding handles both plain and raw messages, so it shares Complete.
func (c *Client) CompleteRaw(ctx context.Context, req model.Request, specs []tools.Spec) (model.Response, error) {
	return c.Complete(ctx, req, specs)
}

func (c *Client) encodeRequest(req model.Request, specs []tools.Spec) (*bedrockruntime.ConverseInput, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	messages := make([]brtypes.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		role, err := encodeRole(m.Role)
		if err != nil {
			return nil, err
		}
		content, err := encodeBlocks(m)
		if err != nil {
			return nil, err
		}
		messages = append(messages, brtypes.Message{Role: role, Content: content})
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(modelID),
		Messages: messages,
		InferenceConfig: &brtypes.InferenceConfiguration{
			MaxTokens: aws.Int32(int32(maxTokens)),
		},
	}
	if req.System != "" {
		input.System = []brtypes.SystemContentBlock{
			&brtypes.SystemContentBlockMemberText{Value: req.System},
		}
	}
	toolConfig, err := encodeTools(specs)
	if err != nil {
		return nil, err
	}
	input.ToolConfig = toolConfig
	return input, nil
}

func encodeRole(role string) (brtypes.ConversationRole, error) {
	switch role {
	case "user":
		return brtypes.ConversationRoleUser, nil
	case "assistant":
		return brtypes.ConversationRoleAssistant, nil
	default:
		return "", fmt.Errorf("bedrock: unsupported message role %q", role)
	}
}

func encodeBlocks(m model.Message) ([]brtypes.ContentBlock, error) {
	if len(m.Blocks) == 0 {
		if m.Content == "" {
			return nil, nil
		}
		return []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}}, nil
	}
	blocks := make([]brtypes.ContentBlock, 0, len(m.Blocks))
	for _, raw := range m.Blocks {
		block, err := decodeBlock(raw)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

// decodeBlock rebuilds a Converse content block from the JSON form the
// orchestrator records for continuation replays. Only the block types the
// orchestrator itself emits are supported.
func decodeBlock(raw json.RawMessage) (brtypes.ContentBlock, error) {
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
		return nil, fmt.Errorf("bedrock: decode content block: %w", err)
	}
	switch b.Type {
	case "text":
		return &brtypes.ContentBlockMemberText{Value: b.Text}, nil
	case "tool_use":
		input := b.Input
		if input == nil {
			input = map[string]any{}
		}
		return &brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
			ToolUseId: aws.String(b.ID),
			Name:      aws.String(b.Name),
			Input:     document.NewLazyDocument(input),
		}}, nil
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
		result := brtypes.ToolResultBlock{
			ToolUseId: aws.String(b.ToolUseID),
			Content: []brtypes.ToolResultContentBlock{
				&brtypes.ToolResultContentBlockMemberText{Value: content},
			},
			Status: brtypes.ToolResultStatusSuccess,
		}
		if b.IsError {
			result.Status = brtypes.ToolResultStatusError
		}
		return &brtypes.ContentBlockMemberToolResult{Value: result}, nil
	default:
		return nil, fmt.Errorf("bedrock: unsupported content block type %q", b.Type)
	}
}

func encodeTools(specs []tools.Spec) (*brtypes.ToolConfiguration, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	toolList := make([]brtypes.Tool, 0, len(specs))
	for _, spec := range specs {
		if spec.Name == "" {
			continue
		}
		if spec.Description == "" {
			return nil, fmt.Errorf("bedrock: tool %q is missing description", spec.Name)
		}
		schema := spec.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: brtypes.ToolSpecification{
			Name:        aws.String(spec.Name),
			Description: aws.String(spec.Description),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schema)},
		}})
	}
	if len(toolList) == 0 {
		return nil, nil
	}
	return &brtypes.ToolConfiguration{Tools: toolList}, nil
}

func translateResponse(output *bedrockruntime.ConverseOutput) (model.Response, error) {
	if output == nil {
		return model.Response{}, errors.New("bedrock: response output is nil")
	}
	message, ok := output.Output.(*brtypes.ConverseOutputMemberMessage)
	if !ok {
		return model.Response{}, fmt.Errorf("bedrock: unexpected converse output %T", output.Output)
	}
	var resp model.Response
	var text strings.Builder
	for _, block := range message.Value.Content {
		switch b := block.(type) {
		case *brtypes.ContentBlockMemberText:
			if b.Value == "" {
				continue
			}
			if text.Len() > 0 {
				text.WriteString("\n")
			}
			text.WriteString(b.Value)
			resp.RawContent = append(resp.RawContent, textBlockJSON(b.Value))
		case *brtypes.ContentBlockMemberToolUse:
			input := documentInput(b.Value.Input)
			call := model.ToolUse{
				ID:    aws.ToString(b.Value.ToolUseId),
				Name:  aws.ToString(b.Value.Name),
				Input: input,
			}
			resp.ToolUse = append(resp.ToolUse, call)
			resp.RawContent = append(resp.RawContent, toolUseBlockJSON(call.ID, call.Name, input))
		}
	}
	resp.Text = text.String()
	resp.StopReason = translateStopReason(output.StopReason)
	return resp, nil
}

func translateStopReason(r brtypes.StopReason) model.StopReason {
	switch r {
	case brtypes.StopReasonToolUse:
		return model.StopToolUse
	case brtypes.StopReasonMaxTokens:
		return model.StopMaxTokens
	default:
		return model.StopEndTurn
	}
}

// documentInput normalizes a smithy document tool input to a plain map.
func documentInput(doc document.Interface) map[string]any {
	if doc == nil {
		return map[string]any{}
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil {
		return map[string]any{}
	}
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
