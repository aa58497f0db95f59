// Package models provides domain types for the orchestrator.
package models

import (
	"time"
)

// AgentEvent is the unified event broadcast over the Event Broadcaster
// (spec §4.4): every state-machine transition, streamed token, tool
// lifecycle change, and terminal error the Agent Loop produces for a work
// item is shaped as one of these, in strictly increasing Sequence order
// within a session.
type AgentEvent struct {
	// Version for forward compatibility. Current version: 1.
	Version int `json:"version"`

	// Type identifies the kind of event.
	Type AgentEventType `json:"type"`

	// Time is when the event occurred.
	Time time.Time `json:"time"`

	// Sequence is monotonic within a session for ordering guarantees
	// across the broadcaster's fan-out to multiple subscribers.
	Sequence uint64 `json:"seq"`

	WorkID    int64 `json:"work_id"`
	SessionID int64 `json:"session_id,omitempty"`

	// IterIndex is the 0-based agent loop iteration.
	IterIndex int `json:"iter_index,omitempty"`

	// Exactly one payload should be non-nil for a given Type.
	Stream *StreamEventPayload `json:"stream,omitempty"`
	Tool   *ToolEvent          `json:"tool,omitempty"`
	Error  *ErrorEventPayload  `json:"error,omitempty"`
	Status *StatusEventPayload `json:"status,omitempty"`
}

// AgentEventType identifies the kind of agent event.
type AgentEventType string

const (
	AgentEventSessionStarted  AgentEventType = "session.started"
	AgentEventSessionFinished AgentEventType = "session.finished"
	AgentEventIterStarted     AgentEventType = "iter.started"
	AgentEventIterFinished    AgentEventType = "iter.finished"

	AgentEventModelDelta     AgentEventType = "model.delta"
	AgentEventModelCompleted AgentEventType = "model.completed"

	AgentEventToolStarted  AgentEventType = "tool.started"
	AgentEventToolFinished AgentEventType = "tool.finished"

	AgentEventWorkStatus AgentEventType = "work.status"

	AgentEventError AgentEventType = "error"
)

// StreamEventPayload carries model streaming deltas and completion metadata.
type StreamEventPayload struct {
	Delta string `json:"delta,omitempty"`
	Final string `json:"final,omitempty"`

	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`

	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// ErrorEventPayload standardizes a terminal or retried error for streaming.
type ErrorEventPayload struct {
	Message   string `json:"message"`
	Kind      string `json:"kind,omitempty"`
	Retriable bool   `json:"retriable,omitempty"`
}

// StatusEventPayload announces a Work lifecycle transition.
type StatusEventPayload struct {
	Status WorkStatus `json:"status"`
}
