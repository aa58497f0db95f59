// Package orchestrator implements the LLM Agent Orchestrator: the
// tool-calling conversation state machine, its provider adapters, and the
// registry that binds the closed tool set to the wire formats different
// providers speak.
package orchestrator

import (
	"context"
	"encoding/json"
)

// Provider is the uniform interface every LLM backend adapter implements.
// The Agent Loop treats providers polymorphically over Complete (which
// streams its reply as chunks) and never branches on concrete provider type.
type Provider interface {
	// Name returns the provider identifier, e.g. "anthropic", "openai".
	Name() string
	// Capabilities reports the two capability bits observed at
	// construction time from (provider, model).
	Capabilities() Capabilities
	// Complete sends a request and streams back an ordered sequence of
	// chunks, terminated by a chunk with Finished=true (or an error).
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *StreamChunk, error)
}

// Capabilities are the two wire-level tool-calling conventions a provider
// may support; a provider with neither gets tool use only via the
// tool-use system prompt and JSON fallback parsing.
type Capabilities struct {
	SupportsNativeTools     bool
	SupportsLegacyFunctions bool
}

// ToolChoice mirrors the four tool_choice variants normalized across
// providers.
type ToolChoice struct {
	Mode string // "none", "auto", "required", "specific"
	Name string // set when Mode == "specific"
}

// ToolDefinition is a schema-registry-produced tool description, provider
// agnostic.
type ToolDefinition struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// CompletionMessage is one entry in the uniform request's message history.
type CompletionMessage struct {
	Role        string // "system", "user", "assistant", "tool"
	Content     string
	ToolCalls   []ToolCallRequest
	ToolCallID  string // set when Role == "tool"
}

// ToolCallRequest is a single tool invocation the assistant requested.
type ToolCallRequest struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// CompletionRequest is the uniform request shape sent to every provider
// adapter; each adapter is responsible for translating it into its own
// wire format per the capability rules in the Provider Adapter component.
type CompletionRequest struct {
	Model       string
	System      string
	Messages    []CompletionMessage
	Tools       []ToolDefinition
	ToolChoice  *ToolChoice
	MaxTokens   int
	Temperature float64
	Stream      bool
}

// StreamChunk is one chunk of a provider's streamed response.
type StreamChunk struct {
	DeltaText        string
	PartialToolCalls []ToolCallRequest // complete as of this chunk; assembled by the adapter across deltas
	Finished         bool
	FinishReason     string
	Usage            *Usage
	Err              error
}

// Usage reports token accounting, populated on the final chunk only.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// CompletionResult is the fully assembled outcome of one Complete call,
// built by draining a provider's StreamChunk channel to completion.
type CompletionResult struct {
	Text         string
	ToolCalls    []ToolCallRequest
	FinishReason string
	Usage        *Usage
}

// Drain consumes a StreamChunk channel to completion and assembles a
// CompletionResult, returning the first error encountered (if any).
func Drain(ch <-chan *StreamChunk, onDelta func(text string)) (*CompletionResult, error) {
	result := &CompletionResult{}
	for chunk := range ch {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		if chunk.DeltaText != "" {
			result.Text += chunk.DeltaText
			if onDelta != nil {
				onDelta(chunk.DeltaText)
			}
		}
		if len(chunk.PartialToolCalls) > 0 {
			result.ToolCalls = chunk.PartialToolCalls
		}
		if chunk.Finished {
			result.FinishReason = chunk.FinishReason
			result.Usage = chunk.Usage
		}
	}
	return result, nil
}
