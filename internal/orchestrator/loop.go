package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/nexus/internal/backoff"
	"github.com/haasonsaas/nexus/internal/broadcast"
	"github.com/haasonsaas/nexus/internal/observability"
	"github.com/haasonsaas/nexus/internal/orchestrator/errkind"
	"github.com/haasonsaas/nexus/internal/sessions"
	"github.com/haasonsaas/nexus/pkg/models"
)

// LoopConfig bounds and tunes one Agent Loop instance (spec §4.1/§4.2).
type LoopConfig struct {
	// MaxIterations is N_max, the provider round-trip cap per turn.
	MaxIterations int
	// TurnDeadline is the overall wall-clock budget for one process_message call.
	TurnDeadline time.Duration
	// ContextWindow and MaxTokens drive the token/length guard that
	// triggers sliding-window summarization.
	ContextWindow int
	MaxTokens     int
	Temperature   float64

	RetryPolicy      backoff.BackoffPolicy
	RetryMaxAttempts int
	// IsRetryable classifies a provider transport error as retryable.
	// Auth and validation errors must return false.
	IsRetryable func(error) bool

	SystemPrompt string
}

// DefaultLoopConfig matches the defaults in spec §6's configuration table.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxIterations:    16,
		TurnDeadline:     10 * time.Minute,
		ContextWindow:    128_000,
		MaxTokens:        4096,
		Temperature:      0.2,
		RetryPolicy:      backoff.BackoffPolicy{InitialMs: 500, MaxMs: 8_000, Factor: 2, Jitter: 0.2},
		RetryMaxAttempts: 3,
		IsRetryable:      func(error) bool { return false },
	}
}

// Loop is the Agent Loop state machine: Idle -> Prompting -> Streaming ->
// AwaitingTools|Finalizing -> Executing -> Prompting (repeat) -> Finalizing
// -> Terminal.
type Loop struct {
	cfg      LoopConfig
	provider Provider
	registry *ToolRegistry
	store    sessions.Store
	bus      *broadcast.Broadcaster
	metrics  *observability.Metrics
	tracer   *observability.Tracer
}

// NewLoop builds a Loop bound to one provider and one Work's tool registry.
func NewLoop(provider Provider, registry *ToolRegistry, store sessions.Store, bus *broadcast.Broadcaster, cfg LoopConfig) *Loop {
	if cfg.IsRetryable == nil {
		cfg.IsRetryable = func(error) bool { return false }
	}
	return &Loop{cfg: cfg, provider: provider, registry: registry, store: store, bus: bus}
}

// WithMetrics attaches a Metrics recorder; nil is valid and disables recording.
func (l *Loop) WithMetrics(m *observability.Metrics) *Loop {
	l.metrics = m
	return l
}

// WithTracer attaches a distributed tracer; nil is valid and disables tracing.
func (l *Loop) WithTracer(t *observability.Tracer) *Loop {
	l.tracer = t
	return l
}

// ProcessMessage runs one full turn: persist the user message, then drive
// the provider/tool round-trip loop until a final textual answer, the
// iteration cap, or cancellation. The caller (Coordinator) holds the
// per-work mutex for the whole call.
func (l *Loop) ProcessMessage(ctx context.Context, work *models.Work, session *models.AgentSession, userText string) error {
	turnCtx, cancel := context.WithTimeout(ctx, l.cfg.TurnDeadline)
	defer cancel()

	if _, err := l.store.AppendMessage(turnCtx, session.ID, models.AgentRoleUser, userText, "", nil); err != nil {
		return errkind.NewInternalError("process_message", "append user message", err)
	}

	for iter := 0; ; iter++ {
		if err := turnCtx.Err(); err != nil {
			return l.terminalCancelled(ctx, session, err)
		}

		if iter >= l.cfg.MaxIterations {
			const budgetMsg = "iteration budget exceeded"
			if _, err := l.store.AppendMessage(ctx, session.ID, models.AgentRoleAssistant, budgetMsg, "", nil); err != nil {
				return errkind.NewInternalError("process_message", "append budget message", err)
			}
			l.publishStream(session, budgetMsg, true)
			l.metrics.RecordTurnIterations(iter)
			return nil
		}

		l.publishIterStarted(work, session, iter)

		history, err := l.store.ListMessages(turnCtx, session.ID)
		if err != nil {
			return errkind.NewInternalError("process_message", "list messages", err)
		}
		msgs := toCompletionMessages(history)
		if NeedsSummarization(msgs, l.cfg.ContextWindow, l.cfg.MaxTokens) {
			msgs = Summarize(msgs)
		}

		req := CompletionRequest{
			Model:       session.Model,
			System:      l.systemPrompt(),
			Messages:    msgs,
			Tools:       l.registry.Definitions(),
			ToolChoice:  &ToolChoice{Mode: "auto"},
			MaxTokens:   l.cfg.MaxTokens,
			Temperature: l.cfg.Temperature,
			Stream:      true,
		}

		result, err := l.completeWithRetry(turnCtx, req, session)
		if err != nil {
			return l.terminalFailed(ctx, session, err)
		}

		toolCalls := result.ToolCalls
		if len(toolCalls) == 0 && !l.provider.Capabilities().SupportsNativeTools && !l.provider.Capabilities().SupportsLegacyFunctions {
			toolCalls = ExtractFallbackToolCalls(result.Text, l.registry.Has)
		}

		if len(toolCalls) == 0 {
			if _, err := l.store.AppendMessage(turnCtx, session.ID, models.AgentRoleAssistant, result.Text, "", nil); err != nil {
				return errkind.NewInternalError("process_message", "append assistant message", err)
			}
			l.publishModelCompleted(session, result)
			l.metrics.RecordTurnIterations(iter + 1)
			return l.finalize(ctx, work, session)
		}

		assistantMsgID, err := l.persistAssistantWithTools(turnCtx, session.ID, result.Text, toolCalls)
		if err != nil {
			return err
		}

		if err := l.executeToolCalls(ctx, turnCtx, work, session, assistantMsgID, toolCalls); err != nil {
			return err
		}
	}
}

// completeWithRetry drains the provider's stream, broadcasting deltas as
// they arrive, retrying the whole round-trip on transport errors per the
// retry policy (spec §4.1 failure handling). Auth/validation errors (per
// cfg.IsRetryable) are wrapped with backoff.Permanent so RetryWithBackoff
// surfaces them immediately without consuming a retry.
func (l *Loop) completeWithRetry(ctx context.Context, req CompletionRequest, session *models.AgentSession) (*CompletionResult, error) {
	result, err := backoff.RetryWithBackoff(ctx, l.cfg.RetryPolicy, l.cfg.RetryMaxAttempts, func(attempt int) (*CompletionResult, error) {
		spanCtx, span := l.tracer.TraceProviderCall(ctx, l.provider.Name(), req.Model)
		defer span.End()

		start := time.Now()
		stream, err := l.provider.Complete(spanCtx, &req)
		if err == nil {
			var result *CompletionResult
			result, err = Drain(stream, func(delta string) {
				l.publishStream(session, delta, false)
				_ = l.store.AppendOutputChunk(ctx, session.ID, models.ChunkAssistant, delta, req.Model)
			})
			if err == nil {
				l.metrics.RecordProviderRequest(l.provider.Name(), req.Model, "success", time.Since(start).Seconds())
				return result, nil
			}
		}
		l.metrics.RecordProviderRequest(l.provider.Name(), req.Model, "error", time.Since(start).Seconds())
		l.tracer.RecordError(span, err)

		if !l.cfg.IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		if attempt < l.cfg.RetryMaxAttempts {
			l.metrics.RecordProviderRetry(l.provider.Name())
		}
		return nil, err
	})
	if err != nil {
		return nil, err
	}
	return result.Value, nil
}

func (l *Loop) persistAssistantWithTools(ctx context.Context, sessionID int64, text string, calls []ToolCallRequest) (int64, error) {
	wire := make([]models.ToolCall, len(calls))
	for i, c := range calls {
		wire[i] = models.ToolCall{ID: c.ID, Name: c.Name, Input: c.Input}
	}
	id, err := l.store.AppendMessage(ctx, sessionID, models.AgentRoleAssistant, text, "", wire)
	if err != nil {
		return 0, errkind.NewInternalError("process_message", "append assistant message", err)
	}
	return id, nil
}

// executeToolCalls dispatches each tool call sequentially, in the order the
// provider emitted them (spec §4.1 transition 4), persisting a ToolCall
// record and a tool-role AgentMessage for each.
func (l *Loop) executeToolCalls(outerCtx, turnCtx context.Context, work *models.Work, session *models.AgentSession, assistantMsgID int64, calls []ToolCallRequest) error {
	for _, call := range calls {
		if err := outerCtx.Err(); err != nil {
			return l.terminalCancelled(outerCtx, session, err)
		}

		msgID := assistantMsgID
		tcID, err := l.store.CreateToolCall(turnCtx, session.ID, &msgID, call.Name, call.Input)
		if err != nil {
			return errkind.NewInternalError("process_message", "create tool call", err)
		}
		l.publishToolEvent(work, session, call, models.ToolEventRequested, "")

		_ = l.store.UpdateToolCall(turnCtx, sessions.ToolCallUpdate{ID: tcID, Status: models.ToolCallExecuting})
		l.publishToolEvent(work, session, call, models.ToolEventStarted, "")

		// Cancellation aborts only the *next* round-trip; an in-flight
		// tool call is allowed to finish, so it runs detached from the
		// turn's cancellable context.
		execCtx := context.WithoutCancel(turnCtx)
		spanCtx, span := l.tracer.TraceToolExecution(execCtx, call.Name)
		start := time.Now()
		result, err := l.registry.Dispatch(spanCtx, call.Name, call.Input)
		elapsed := time.Since(start)

		now := time.Now()
		if err != nil {
			l.tracer.RecordError(span, err)
			span.End()
			l.metrics.RecordToolExecution(call.Name, "error", elapsed.Seconds())
			_ = l.store.UpdateToolCall(turnCtx, sessions.ToolCallUpdate{
				ID: tcID, Status: models.ToolCallFailed, ErrorDetails: err.Error(),
				CompletedAt: &now, ExecutionTimeMs: elapsed.Milliseconds(),
			})
			l.publishToolEvent(work, session, call, models.ToolEventFailed, err.Error())
			if _, aerr := l.store.AppendMessage(turnCtx, session.ID, models.AgentRoleTool, err.Error(), call.ID, nil); aerr != nil {
				return errkind.NewInternalError("process_message", "append tool error message", aerr)
			}
			continue
		}

		status := models.ToolCallCompleted
		stage := models.ToolEventSucceeded
		metricStatus := "success"
		if result.IsError {
			status = models.ToolCallFailed
			stage = models.ToolEventFailed
			metricStatus = "error"
		}
		span.End()
		l.metrics.RecordToolExecution(call.Name, metricStatus, elapsed.Seconds())
		_ = l.store.UpdateToolCall(turnCtx, sessions.ToolCallUpdate{
			ID: tcID, Status: status, Response: []byte(result.Content),
			CompletedAt: &now, ExecutionTimeMs: elapsed.Milliseconds(),
		})
		l.publishToolEvent(work, session, call, stage, "")
		_ = l.store.AppendOutputChunk(turnCtx, session.ID, models.ChunkTool, result.Content, "")

		if _, err := l.store.AppendMessage(turnCtx, session.ID, models.AgentRoleTool, result.Content, call.ID, nil); err != nil {
			return errkind.NewInternalError("process_message", "append tool result message", err)
		}
	}
	return nil
}

func (l *Loop) finalize(ctx context.Context, work *models.Work, session *models.AgentSession) error {
	now := time.Now()
	if err := l.store.UpdateSessionStatus(ctx, session.ID, models.SessionCompleted, &now); err != nil {
		return errkind.NewInternalError("process_message", "update session status", err)
	}
	if err := l.store.UpdateWorkStatus(ctx, work.ID, models.WorkCompleted); err != nil {
		return errkind.NewInternalError("process_message", "update work status", err)
	}
	if l.bus != nil {
		l.bus.Publish(models.AgentEvent{
			Type: models.AgentEventSessionFinished, WorkID: work.ID, SessionID: session.ID,
			Status: &models.StatusEventPayload{Status: models.WorkCompleted},
		})
	}
	return nil
}

func (l *Loop) terminalFailed(ctx context.Context, session *models.AgentSession, cause error) error {
	now := time.Now()
	_ = l.store.UpdateSessionStatus(ctx, session.ID, models.SessionFailed, &now)
	if l.bus != nil {
		l.bus.Publish(models.AgentEvent{
			Type: models.AgentEventError, SessionID: session.ID,
			Error: &models.ErrorEventPayload{Message: cause.Error(), Retriable: l.cfg.IsRetryable(cause)},
		})
	}
	return errkind.NewTransientError("process_message", "provider round-trip failed", cause)
}

func (l *Loop) terminalCancelled(ctx context.Context, session *models.AgentSession, cause error) error {
	now := time.Now()
	_ = l.store.UpdateSessionStatus(context.WithoutCancel(ctx), session.ID, models.SessionFailed, &now)
	return fmt.Errorf("process_message: cancelled: %w", cause)
}

func (l *Loop) systemPrompt() string {
	if !l.provider.Capabilities().SupportsNativeTools && !l.provider.Capabilities().SupportsLegacyFunctions {
		if l.cfg.SystemPrompt == "" {
			return ToolUseSystemPrompt(l.registry.Definitions())
		}
		return l.cfg.SystemPrompt + "\n\n" + ToolUseSystemPrompt(l.registry.Definitions())
	}
	return l.cfg.SystemPrompt
}

func (l *Loop) publishStream(session *models.AgentSession, delta string, final bool) {
	if l.bus == nil {
		return
	}
	payload := &models.StreamEventPayload{Delta: delta, Provider: session.Provider, Model: session.Model}
	if final {
		payload.Final = delta
	}
	l.bus.Publish(models.AgentEvent{Type: models.AgentEventModelDelta, SessionID: session.ID, Stream: payload})
}

func (l *Loop) publishModelCompleted(session *models.AgentSession, result *CompletionResult) {
	if l.bus == nil {
		return
	}
	payload := &models.StreamEventPayload{Final: result.Text, Provider: session.Provider, Model: session.Model}
	if result.Usage != nil {
		payload.InputTokens = result.Usage.InputTokens
		payload.OutputTokens = result.Usage.OutputTokens
	}
	l.bus.Publish(models.AgentEvent{Type: models.AgentEventModelCompleted, SessionID: session.ID, Stream: payload})
}

func (l *Loop) publishIterStarted(work *models.Work, session *models.AgentSession, iter int) {
	if l.bus == nil {
		return
	}
	l.bus.Publish(models.AgentEvent{Type: models.AgentEventIterStarted, WorkID: work.ID, SessionID: session.ID, IterIndex: iter})
}

func (l *Loop) publishToolEvent(work *models.Work, session *models.AgentSession, call ToolCallRequest, stage models.ToolEventStage, errMsg string) {
	if l.bus == nil {
		return
	}
	evType := models.AgentEventToolStarted
	if stage == models.ToolEventSucceeded || stage == models.ToolEventFailed {
		evType = models.AgentEventToolFinished
	}
	l.bus.Publish(models.AgentEvent{
		Type: evType, WorkID: work.ID, SessionID: session.ID,
		Tool: &models.ToolEvent{
			WorkID: work.ID, SessionID: session.ID, ToolCallID: call.ID, ToolName: call.Name,
			Stage: stage, Input: json.RawMessage(call.Input), Error: errMsg,
		},
	})
}

// toCompletionMessages converts the stored, durable AgentMessage history
// into the Provider Adapter's wire-neutral CompletionMessage slice.
func toCompletionMessages(history []*models.AgentMessage) []CompletionMessage {
	out := make([]CompletionMessage, 0, len(history))
	for _, m := range history {
		cm := CompletionMessage{Role: string(m.Role), Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, ToolCallRequest{ID: tc.ID, Name: tc.Name, Input: tc.Input})
		}
		out = append(out, cm)
	}
	return out
}
