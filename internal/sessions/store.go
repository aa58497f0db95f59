// Package sessions implements the Conversation Store: durable, append-only
// persistence for Works, their WorkMessages, AgentSessions, AgentMessages,
// ToolCalls, and SessionOutputChunks (spec §3, §4.6).
package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/nexus/pkg/models"
)

// Store is the Conversation Store interface. Create/Append calls assign a
// new primary key on every call; ListMessages must preserve insertion order exactly, since
// the provider's correctness depends on replaying history in the order it
// was appended (testable property 5).
type Store interface {
	// Work persistence.
	CreateWork(ctx context.Context, w *models.Work) error
	GetWork(ctx context.Context, workID int64) (*models.Work, error)
	ListWorks(ctx context.Context) ([]*models.Work, error)
	UpdateWorkStatus(ctx context.Context, workID int64, status models.WorkStatus) error

	// WorkMessage persistence (the user-facing transcript).
	AppendWorkMessage(ctx context.Context, msg *models.WorkMessage) (int64, error)
	ListWorkMessages(ctx context.Context, workID int64) ([]*models.WorkMessage, error)

	// AgentSession CRUD.
	CreateSession(ctx context.Context, workID int64, provider, model, systemPrompt string) (*models.AgentSession, error)
	GetSession(ctx context.Context, id int64) (*models.AgentSession, error)
	GetRunningSession(ctx context.Context, workID int64) (*models.AgentSession, error)
	UpdateSessionStatus(ctx context.Context, id int64, status models.AgentSessionStatus, ended *time.Time) error

	// AgentMessage (the provider-facing history of a session). toolCalls is
	// non-nil only for an assistant message that requested tool calls.
	AppendMessage(ctx context.Context, sessionID int64, role models.AgentRole, content, toolCallID string, toolCalls []models.ToolCall) (int64, error)
	ListMessages(ctx context.Context, sessionID int64) ([]*models.AgentMessage, error)

	// ToolCall lifecycle.
	CreateToolCall(ctx context.Context, sessionID int64, messageID *int64, toolName string, request []byte) (int64, error)
	UpdateToolCall(ctx context.Context, update ToolCallUpdate) error
	ListToolCalls(ctx context.Context, sessionID int64) ([]*models.ToolCallRecord, error)
	ListToolCallsForWork(ctx context.Context, workID int64) ([]*models.ToolCallRecord, error)

	// SessionOutputChunk (append-only streamed output log).
	AppendOutputChunk(ctx context.Context, sessionID int64, role models.ChunkRole, content, model string) error
	ListOutputChunks(ctx context.Context, workID int64) ([]*models.SessionOutputChunk, error)
}

// ToolCallUpdate carries the fields UpdateToolCall may change; zero values
// for ExecutionTimeMs/CompletedAt/Response/ErrorDetails mean "leave
// unchanged" except when Status itself demands them (completed/failed
// always set CompletedAt).
type ToolCallUpdate struct {
	ID              int64
	Status          models.ToolCallStatus
	Response        []byte
	ErrorDetails    string
	CompletedAt     *time.Time
	ExecutionTimeMs int64
}

// ErrNotFound is returned by Get-style lookups that find nothing, wrapped
// by callers into errkind.ErrNotFound at the orchestrator boundary.
var ErrNotFound = errors.New("sessions: not found")
