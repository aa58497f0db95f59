package models

import (
	"encoding/json"
	"time"
)

// ToolEventStage describes the lifecycle stage of a tool invocation as
// broadcast to subscribers over the Event Broadcaster (spec §4.4/§6).
type ToolEventStage string

const (
	ToolEventRequested ToolEventStage = "requested"
	ToolEventStarted   ToolEventStage = "started"
	ToolEventSucceeded ToolEventStage = "succeeded"
	ToolEventFailed    ToolEventStage = "failed"
	ToolEventRetrying  ToolEventStage = "retrying"
)

// ToolEvent is a lifecycle event for a single tool call, published on the
// Event Broadcaster so WebSocket/IPC subscribers can render live progress
// without polling the Conversation Store.
type ToolEvent struct {
	WorkID     int64           `json:"work_id"`
	SessionID  int64           `json:"session_id"`
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Stage      ToolEventStage  `json:"stage"`
	Attempt    int             `json:"attempt,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     string          `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at,omitempty"`
	FinishedAt time.Time       `json:"finished_at,omitempty"`
}
