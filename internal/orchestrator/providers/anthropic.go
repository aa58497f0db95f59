package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/nexus/internal/orchestrator"
)

// AnthropicProvider adapts Anthropic's native tool_use wire format to the
// uniform Provider interface. It supports native tools only: Anthropic has
// no legacy functions convention.
type AnthropicProvider struct {
	client       *anthropic.Client
	defaultModel string
}

// AnthropicConfig configures the adapter construction.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// NewAnthropicProvider builds an adapter. An empty APIKey yields a provider
// whose Complete always fails, matching the OpenAI adapter's construction
// contract so callers never need to special-case missing credentials.
func NewAnthropicProvider(cfg AnthropicConfig) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)
	model := cfg.DefaultModel
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	return &AnthropicProvider{client: &client, defaultModel: model}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Capabilities() orchestrator.Capabilities {
	return orchestrator.Capabilities{SupportsNativeTools: true}
}

func (p *AnthropicProvider) Complete(ctx context.Context, req *orchestrator.CompletionRequest) (<-chan *orchestrator.StreamChunk, error) {
	if p.client == nil {
		return nil, errors.New("anthropic: client not configured")
	}

	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert messages: %w", err)
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: convert tools: %w", err)
		}
		params.Tools = tools
	}
	if req.ToolChoice != nil {
		params.ToolChoice = convertAnthropicToolChoice(*req.ToolChoice)
	}

	stream := p.client.Messages.NewStreaming(ctx, params)

	out := make(chan *orchestrator.StreamChunk)
	go processAnthropicStream(stream, out)
	return out, nil
}

func processAnthropicStream(stream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
}, out chan<- *orchestrator.StreamChunk) {
	defer close(out)

	type building struct {
		id, name string
		input    strings.Builder
	}
	var current *building
	var order []*building
	var inputTokens, outputTokens int

	flush := func(reason string) {
		var calls []orchestrator.ToolCallRequest
		for _, b := range order {
			calls = append(calls, orchestrator.ToolCallRequest{ID: b.id, Name: b.name, Input: json.RawMessage(b.input.String())})
		}
		out <- &orchestrator.StreamChunk{
			PartialToolCalls: calls,
			Finished:         true,
			FinishReason:     reason,
			Usage:            &orchestrator.Usage{InputTokens: inputTokens, OutputTokens: outputTokens},
		}
	}

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			if ms.Message.Usage.InputTokens > 0 {
				inputTokens = int(ms.Message.Usage.InputTokens)
			}
		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				b := &building{id: toolUse.ID, name: toolUse.Name}
				current = b
				order = append(order, b)
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					out <- &orchestrator.StreamChunk{DeltaText: delta.Text}
				}
			case "input_json_delta":
				if current != nil && delta.PartialJSON != "" {
					current.input.WriteString(delta.PartialJSON)
				}
			}
		case "content_block_stop":
			current = nil
		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				outputTokens = int(md.Usage.OutputTokens)
			}
		case "message_stop":
			flush("stop")
			return
		case "error":
			out <- &orchestrator.StreamChunk{Err: fmt.Errorf("anthropic: stream error")}
			return
		}
	}
	if err := stream.Err(); err != nil {
		out <- &orchestrator.StreamChunk{Err: err}
		return
	}
	flush("stop")
}

func convertAnthropicMessages(messages []orchestrator.CompletionMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, m := range messages {
		if m.Role == "system" {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if m.Role == "tool" {
			content = append(content, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false))
			result = append(result, anthropic.NewUserMessage(content...))
			continue
		}
		if m.Content != "" {
			content = append(content, anthropic.NewTextBlock(m.Content))
		}
		for _, tc := range m.ToolCalls {
			var input map[string]any
			if len(tc.Input) > 0 {
				if err := json.Unmarshal(tc.Input, &input); err != nil {
					return nil, fmt.Errorf("invalid tool call input for %s: %w", tc.Name, err)
				}
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}

		if m.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}

func convertAnthropicTools(tools []orchestrator.ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return nil, fmt.Errorf("invalid schema for %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool != nil {
			param.OfTool.Description = anthropic.String(tool.Description)
		}
		result = append(result, param)
	}
	return result, nil
}

func convertAnthropicToolChoice(tc orchestrator.ToolChoice) anthropic.ToolChoiceUnionParam {
	switch tc.Mode {
	case "none":
		return anthropic.ToolChoiceParamOfNone()
	case "required":
		return anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
	case "specific":
		return anthropic.ToolChoiceUnionParam{OfTool: &anthropic.ToolChoiceToolParam{Name: tc.Name}}
	default:
		return anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
	}
}

// IsAnthropicRetryableError reports whether err is a transient Anthropic API
// failure eligible for the Agent Loop's backoff retry (§4.1): rate limits,
// 5xx responses, and connection resets. Auth (401/403) and validation
// (400/422) errors are not retryable.
func IsAnthropicRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 401, 403, 400, 422:
			return false
		case 429, 500, 502, 503, 504:
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "timeout") || strings.Contains(msg, "connection reset") || strings.Contains(msg, "eof")
}
