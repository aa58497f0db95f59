// Package providers implements the per-provider LLM Provider Adapters:
// Anthropic's native tool_use wire format and the OpenAI-compatible
// tools/tool_calls format used by OpenAI itself and any OpenAI-compatible
// endpoint reachable via base_url override.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/nexus/internal/orchestrator"
)

// OpenAIProvider adapts the OpenAI chat-completions API (and any
// OpenAI-compatible base_url) to the uniform Provider interface.
type OpenAIProvider struct {
	client *openai.Client
	legacy bool // supports_legacy_functions instead of supports_native_tools
}

// OpenAIConfig configures the adapter construction.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	// Legacy selects the older functions/function_call wire convention
	// (spec §4.2 capability bit supports_legacy_functions) instead of the
	// tools/tool_calls convention, for provider variants that predate
	// native tool calling.
	Legacy bool
}

// NewOpenAIProvider builds an adapter using the native tools/tool_calls
// convention. baseURL overrides the default endpoint per the
// providers.<name>.base_url configuration option; an empty apiKey yields a
// provider whose Complete always fails, so construction never needs to be
// conditional on credentials being set.
func NewOpenAIProvider(apiKey, baseURL string) *OpenAIProvider {
	return NewOpenAIProviderWithConfig(OpenAIConfig{APIKey: apiKey, BaseURL: baseURL})
}

// NewOpenAIProviderWithConfig builds an adapter, optionally in legacy
// functions mode.
func NewOpenAIProviderWithConfig(cfg OpenAIConfig) *OpenAIProvider {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(clientCfg), legacy: cfg.Legacy}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Capabilities() orchestrator.Capabilities {
	if p.legacy {
		return orchestrator.Capabilities{SupportsLegacyFunctions: true}
	}
	return orchestrator.Capabilities{SupportsNativeTools: true}
}

func (p *OpenAIProvider) Complete(ctx context.Context, req *orchestrator.CompletionRequest) (<-chan *orchestrator.StreamChunk, error) {
	if p.client == nil {
		return nil, errors.New("openai: client not configured")
	}

	messages := convertMessages(req.Messages, req.System)
	chatReq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Stream:      true,
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
	}
	switch {
	case p.legacy:
		if len(req.Tools) > 0 {
			chatReq.Functions = convertLegacyFunctions(req.Tools)
		}
		if req.ToolChoice != nil {
			chatReq.FunctionCall = convertLegacyFunctionCall(*req.ToolChoice)
		}
	default:
		if len(req.Tools) > 0 {
			chatReq.Tools = convertTools(req.Tools)
		}
		if req.ToolChoice != nil {
			chatReq.ToolChoice = convertToolChoice(*req.ToolChoice)
		}
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, err
	}

	out := make(chan *orchestrator.StreamChunk)
	go processStream(ctx, stream, p.legacy, out)
	return out, nil
}

func processStream(ctx context.Context, stream *openai.ChatCompletionStream, legacy bool, out chan<- *orchestrator.StreamChunk) {
	defer close(out)
	defer stream.Close()

	type building struct {
		id, name, args string
	}
	calls := map[int]*building{}
	order := []int{}
	legacyCall := &building{}
	haveLegacyCall := false

	flush := func(reason string, usage *orchestrator.Usage) {
		var toolCalls []orchestrator.ToolCallRequest
		if haveLegacyCall {
			toolCalls = append(toolCalls, orchestrator.ToolCallRequest{
				ID:    "legacy-" + uuid.NewString(),
				Name:  legacyCall.name,
				Input: json.RawMessage(legacyCall.args),
			})
		}
		for _, idx := range order {
			b := calls[idx]
			if b == nil || b.id == "" || b.name == "" {
				continue
			}
			toolCalls = append(toolCalls, orchestrator.ToolCallRequest{ID: b.id, Name: b.name, Input: json.RawMessage(b.args)})
		}
		out <- &orchestrator.StreamChunk{PartialToolCalls: toolCalls, Finished: true, FinishReason: reason, Usage: usage}
	}

	for {
		select {
		case <-ctx.Done():
			out <- &orchestrator.StreamChunk{Err: ctx.Err()}
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				flush("stop", nil)
				return
			}
			out <- &orchestrator.StreamChunk{Err: err}
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		if choice.Delta.Content != "" {
			out <- &orchestrator.StreamChunk{DeltaText: choice.Delta.Content}
		}
		if legacy && choice.Delta.FunctionCall != nil {
			haveLegacyCall = true
			if choice.Delta.FunctionCall.Name != "" {
				legacyCall.name = choice.Delta.FunctionCall.Name
			}
			if choice.Delta.FunctionCall.Arguments != "" {
				legacyCall.args += choice.Delta.FunctionCall.Arguments
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			b, ok := calls[idx]
			if !ok {
				b = &building{}
				calls[idx] = b
				order = append(order, idx)
			}
			if tc.ID != "" {
				b.id = tc.ID
			}
			if tc.Function.Name != "" {
				b.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				b.args += tc.Function.Arguments
			}
		}
		if choice.FinishReason != "" {
			var usage *orchestrator.Usage
			if resp.Usage != nil {
				usage = &orchestrator.Usage{InputTokens: resp.Usage.PromptTokens, OutputTokens: resp.Usage.CompletionTokens}
			}
			flush(string(choice.FinishReason), usage)
			return
		}
	}
}

func convertMessages(messages []orchestrator.CompletionMessage, system string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, m := range messages {
		switch m.Role {
		case "tool":
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    m.Content,
				ToolCallID: m.ToolCallID,
			})
		case "assistant":
			msg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content}
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				})
			}
			out = append(out, msg)
		default:
			out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
		}
	}
	return out
}

func convertTools(tools []orchestrator.ToolDefinition) []openai.Tool {
	out := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		}
	}
	return out
}

func convertLegacyFunctions(tools []orchestrator.ToolDefinition) []openai.FunctionDefinition {
	out := make([]openai.FunctionDefinition, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out[i] = openai.FunctionDefinition{Name: tool.Name, Description: tool.Description, Parameters: schema}
	}
	return out
}

func convertLegacyFunctionCall(tc orchestrator.ToolChoice) any {
	switch tc.Mode {
	case "none":
		return "none"
	case "required", "specific":
		if tc.Name != "" {
			return openai.FunctionCall{Name: tc.Name}
		}
		return "auto"
	default:
		return "auto"
	}
}

func convertToolChoice(tc orchestrator.ToolChoice) any {
	switch tc.Mode {
	case "none":
		return "none"
	case "required":
		return "required"
	case "specific":
		return openai.ToolChoice{Type: openai.ToolTypeFunction, Function: openai.ToolFunction{Name: tc.Name}}
	default:
		return "auto"
	}
}

// IsOpenAIRetryableError reports whether err is a transient OpenAI API
// failure eligible for the Agent Loop's backoff retry (§4.1). Auth and
// validation errors (401, 403, 400, 422) are not retryable.
func IsOpenAIRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case 401, 403, 400, 422:
			return false
		case 429, 500, 502, 503, 504:
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "connection reset") || strings.Contains(msg, "deadline exceeded")
}
