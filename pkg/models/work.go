package models

import (
	"encoding/json"
	"time"
)

// WorkStatus is the lifecycle state of a Work.
type WorkStatus string

const (
	WorkPending       WorkStatus = "pending"
	WorkRunning       WorkStatus = "running"
	WorkAwaitingInput WorkStatus = "awaiting_input"
	WorkCompleted     WorkStatus = "completed"
	WorkFailed        WorkStatus = "failed"
)

// Work is a user-facing unit of activity against a project. Its
// WorkingDirectory is fixed at creation and never changes.
type Work struct {
	ID               int64      `json:"id"`
	Title            string     `json:"title"`
	ProjectID        *int64     `json:"project_id,omitempty"`
	ModelID          *string    `json:"model_id,omitempty"`
	Status           WorkStatus `json:"status"`
	GitBranch        *string    `json:"git_branch,omitempty"`
	WorkingDirectory string     `json:"working_directory"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// WorkContentType is the rendering hint for a WorkMessage.
type WorkContentType string

const (
	ContentText     WorkContentType = "text"
	ContentMarkdown WorkContentType = "markdown"
	ContentJSON     WorkContentType = "json"
	ContentCode     WorkContentType = "code"
)

// AuthorType distinguishes a human-authored WorkMessage from an AI one.
type AuthorType string

const (
	AuthorUser AuthorType = "user"
	AuthorAI   AuthorType = "ai"
)

// WorkMessage is one entry in a Work's append-only message history.
type WorkMessage struct {
	ID            int64           `json:"id"`
	WorkID        int64           `json:"work_id"`
	Content       string          `json:"content"`
	ContentType   WorkContentType `json:"content_type"`
	CodeLang      string          `json:"code_lang,omitempty"`
	AuthorType    AuthorType      `json:"author_type"`
	AuthorID      *string         `json:"author_id,omitempty"`
	SequenceOrder int32           `json:"sequence_order"`
	CreatedAt     time.Time       `json:"created_at"`
}

// AgentSessionStatus is the lifecycle state of an AgentSession.
type AgentSessionStatus string

const (
	SessionRunning   AgentSessionStatus = "running"
	SessionCompleted AgentSessionStatus = "completed"
	SessionFailed    AgentSessionStatus = "failed"
)

// AgentSession is a single conversation between a Work and an LLM provider,
// possibly spanning many turns. At most one session per work_id may be
// SessionRunning at a time.
type AgentSession struct {
	ID           int64              `json:"id"`
	WorkID       int64              `json:"work_id"`
	Provider     string             `json:"provider"`
	Model        string             `json:"model"`
	Status       AgentSessionStatus `json:"status"`
	SystemPrompt string             `json:"system_prompt,omitempty"`
	StartedAt    time.Time          `json:"started_at"`
	EndedAt      *time.Time         `json:"ended_at,omitempty"`
}

// AgentRole is the author role of an AgentMessage, following the
// system/user/assistant/tool convention shared by every provider.
type AgentRole string

const (
	AgentRoleSystem    AgentRole = "system"
	AgentRoleUser      AgentRole = "user"
	AgentRoleAssistant AgentRole = "assistant"
	AgentRoleTool      AgentRole = "tool"
)

// ToolCall is the wire-level representation of a single tool invocation
// requested by a provider within an AgentMessage, mirroring the
// orchestrator's ToolCallRequest without importing it (pkg/models must stay
// free of internal/ dependencies).
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// AgentMessage is one message in the provider-facing conversation history
// of an AgentSession.
type AgentMessage struct {
	ID         int64      `json:"id"`
	SessionID  int64      `json:"session_id"`
	Role       AgentRole  `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// ToolCallStatus is the lifecycle state of a ToolCall, monotonic
// pending -> executing -> {completed, failed}.
type ToolCallStatus string

const (
	ToolCallPending   ToolCallStatus = "pending"
	ToolCallExecuting ToolCallStatus = "executing"
	ToolCallCompleted ToolCallStatus = "completed"
	ToolCallFailed    ToolCallStatus = "failed"
)

// ToolCallRecord is the durable record of one tool dispatch, distinct from
// the wire-level ToolCall the provider emits (ToolCall above carries the
// provider-facing id/name/input; ToolCallRecord carries the persisted
// lifecycle and timing).
type ToolCallRecord struct {
	ID              int64           `json:"id"`
	SessionID       int64           `json:"session_id"`
	MessageID       *int64          `json:"message_id,omitempty"`
	ToolName        string          `json:"tool_name"`
	Request         json.RawMessage `json:"request"`
	Response        json.RawMessage `json:"response,omitempty"`
	Status          ToolCallStatus  `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	ExecutionTimeMs int64           `json:"execution_time_ms,omitempty"`
	ErrorDetails    string          `json:"error_details,omitempty"`
}

// ChunkRole distinguishes assistant text deltas from tool-originated output
// in a SessionOutputChunk stream.
type ChunkRole string

const (
	ChunkAssistant ChunkRole = "assistant"
	ChunkTool      ChunkRole = "tool"
)

// SessionOutputChunk is one append-only entry in a session's streamed
// output log, mirroring what subscribers saw over the Event Broadcaster.
type SessionOutputChunk struct {
	ID        int64     `json:"id"`
	SessionID int64     `json:"session_id"`
	Content   string    `json:"content"`
	Role      ChunkRole `json:"role"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
