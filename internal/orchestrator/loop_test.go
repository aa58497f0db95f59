package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/haasonsaas/nexus/internal/backoff"
	"github.com/haasonsaas/nexus/internal/orchestrator/toolapi"
	"github.com/haasonsaas/nexus/internal/sessions"
	"github.com/haasonsaas/nexus/pkg/models"
)

// scriptedProvider replays one CompletionResult per call to Complete, in
// order, as a text-delta StreamChunk (when the result has text) followed by
// a finished StreamChunk carrying its tool calls — enough to drive the loop's
// state machine deterministically without a real network call.
type scriptedProvider struct {
	caps    Capabilities
	results []CompletionResult
	calls   int
}

func (p *scriptedProvider) Name() string               { return "scripted" }
func (p *scriptedProvider) Capabilities() Capabilities { return p.caps }

func (p *scriptedProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *StreamChunk, error) {
	if p.calls >= len(p.results) {
		p.calls++
		ch := make(chan *StreamChunk, 1)
		ch <- &StreamChunk{Finished: true, FinishReason: "stop"}
		close(ch)
		return ch, nil
	}
	result := p.results[p.calls]
	p.calls++
	ch := make(chan *StreamChunk, 2)
	if result.Text != "" {
		ch <- &StreamChunk{DeltaText: result.Text}
	}
	ch <- &StreamChunk{Finished: true, FinishReason: "stop", PartialToolCalls: result.ToolCalls, Usage: &Usage{InputTokens: 10, OutputTokens: 5}}
	close(ch)
	return ch, nil
}

type echoTool struct{}

func (echoTool) Name() string        { return "read_file" }
func (echoTool) Description() string { return "echoes input back" }
func (echoTool) Schema() json.RawMessage {
	return toolapi.MustSchema(map[string]any{"type": "object"})
}
func (echoTool) Execute(ctx context.Context, params json.RawMessage) (*toolapi.Result, error) {
	return toolapi.OKResult(map[string]any{"type": "read_file_result", "content": string(params)}), nil
}

func newFixture(t *testing.T, provider *scriptedProvider) (*Loop, *models.Work, *models.AgentSession) {
	t.Helper()
	store := sessions.NewMemoryStore()
	ctx := context.Background()

	work := &models.Work{Title: "t", WorkingDirectory: "/tmp/work"}
	if err := store.CreateWork(ctx, work); err != nil {
		t.Fatalf("CreateWork: %v", err)
	}
	session, err := store.CreateSession(ctx, work.ID, "scripted", "model-x", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	registry := NewToolRegistry(echoTool{})
	cfg := DefaultLoopConfig()
	loop := NewLoop(provider, registry, store, nil, cfg)
	return loop, work, session
}

func TestLoop_NoToolCallsFinalizesImmediately(t *testing.T) {
	provider := &scriptedProvider{
		caps:    Capabilities{SupportsNativeTools: true},
		results: []CompletionResult{{Text: "hello there"}},
	}
	loop, work, session := newFixture(t, provider)

	if err := loop.ProcessMessage(context.Background(), work, session, "hi"); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}

	msgs, err := loop.store.ListMessages(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected user+assistant messages, got %d", len(msgs))
	}
	if msgs[0].Role != models.AgentRoleUser || msgs[1].Role != models.AgentRoleAssistant {
		t.Fatalf("unexpected roles: %+v %+v", msgs[0], msgs[1])
	}
	if msgs[1].Content != "hello there" {
		t.Fatalf("assistant content = %q", msgs[1].Content)
	}

	updated, err := loop.store.GetWork(context.Background(), work.ID)
	if err != nil {
		t.Fatalf("GetWork: %v", err)
	}
	if updated.Status != models.WorkCompleted {
		t.Fatalf("work status = %s, want completed", updated.Status)
	}
}

func TestLoop_ExecutesToolCallThenFinalizes(t *testing.T) {
	provider := &scriptedProvider{
		caps: Capabilities{SupportsNativeTools: true},
		results: []CompletionResult{
			{ToolCalls: []ToolCallRequest{{ID: "call-1", Name: "read_file", Input: json.RawMessage(`{"path":"a.txt"}`)}}},
			{Text: "done"},
		},
	}
	loop, work, session := newFixture(t, provider)

	if err := loop.ProcessMessage(context.Background(), work, session, "read a.txt"); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}

	msgs, err := loop.store.ListMessages(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	// user, assistant(tool_calls), tool(result), assistant(final)
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d: %+v", len(msgs), msgs)
	}
	if msgs[1].ToolCalls == nil || len(msgs[1].ToolCalls) != 1 {
		t.Fatalf("assistant message missing tool_calls: %+v", msgs[1])
	}
	if msgs[2].Role != models.AgentRoleTool || msgs[2].ToolCallID != "call-1" {
		t.Fatalf("tool result message malformed: %+v", msgs[2])
	}

	calls, err := loop.store.ListToolCalls(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("ListToolCalls: %v", err)
	}
	if len(calls) != 1 || calls[0].Status != models.ToolCallCompleted {
		t.Fatalf("unexpected tool call records: %+v", calls)
	}
}

func TestLoop_IterationCapSynthesizesBudgetMessage(t *testing.T) {
	results := make([]CompletionResult, 0, 20)
	for i := 0; i < 20; i++ {
		results = append(results, CompletionResult{
			ToolCalls: []ToolCallRequest{{ID: "call", Name: "read_file", Input: json.RawMessage(`{}`)}},
		})
	}
	provider := &scriptedProvider{caps: Capabilities{SupportsNativeTools: true}, results: results}
	loop, work, session := newFixture(t, provider)
	loop.cfg.MaxIterations = 2

	if err := loop.ProcessMessage(context.Background(), work, session, "loop forever"); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}

	msgs, err := loop.store.ListMessages(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	last := msgs[len(msgs)-1]
	if last.Content != "iteration budget exceeded" {
		t.Fatalf("last message = %q, want budget message", last.Content)
	}
}

func TestLoop_FallbackJSONExtractionWhenNoNativeTools(t *testing.T) {
	provider := &scriptedProvider{
		caps: Capabilities{}, // neither native tools nor legacy functions
		results: []CompletionResult{
			{Text: `{"type": "read_file", "path": "a.txt"}`},
			{Text: "final answer"},
		},
	}
	loop, work, session := newFixture(t, provider)

	if err := loop.ProcessMessage(context.Background(), work, session, "read it"); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}

	calls, err := loop.store.ListToolCalls(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("ListToolCalls: %v", err)
	}
	if len(calls) != 1 || calls[0].ToolName != "read_file" {
		t.Fatalf("expected one fallback-extracted tool call, got %+v", calls)
	}
}

// flakyProvider fails Complete itself (before any stream is returned) on
// its first failCount calls, then succeeds, to exercise
// completeWithRetry's backoff.RetryWithBackoff wiring.
type flakyProvider struct {
	caps      Capabilities
	failCount int
	err       error
	calls     int
	result    CompletionResult
}

func (p *flakyProvider) Name() string              { return "flaky" }
func (p *flakyProvider) Capabilities() Capabilities { return p.caps }

func (p *flakyProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *StreamChunk, error) {
	p.calls++
	if p.calls <= p.failCount {
		return nil, p.err
	}
	ch := make(chan *StreamChunk, 2)
	if p.result.Text != "" {
		ch <- &StreamChunk{DeltaText: p.result.Text}
	}
	ch <- &StreamChunk{Finished: true, FinishReason: "stop", PartialToolCalls: p.result.ToolCalls, Usage: &Usage{InputTokens: 10, OutputTokens: 5}}
	close(ch)
	return ch, nil
}

func fastRetryLoop(t *testing.T, provider Provider, isRetryable func(error) bool) (*Loop, *models.Work, *models.AgentSession) {
	t.Helper()
	store := sessions.NewMemoryStore()
	ctx := context.Background()

	work := &models.Work{Title: "t", WorkingDirectory: "/tmp/work"}
	if err := store.CreateWork(ctx, work); err != nil {
		t.Fatalf("CreateWork: %v", err)
	}
	session, err := store.CreateSession(ctx, work.ID, "flaky", "model-x", "")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	registry := NewToolRegistry(echoTool{})
	cfg := DefaultLoopConfig()
	cfg.RetryPolicy = backoff.BackoffPolicy{InitialMs: 1, MaxMs: 1, Factor: 1, Jitter: 0}
	cfg.IsRetryable = isRetryable
	loop := NewLoop(provider, registry, store, nil, cfg)
	return loop, work, session
}

func TestLoop_RetriesTransientProviderErrorThenSucceeds(t *testing.T) {
	provider := &flakyProvider{
		caps:      Capabilities{SupportsNativeTools: true},
		failCount: 2,
		err:       errors.New("429 rate limited"),
		result:    CompletionResult{Text: "recovered"},
	}
	loop, work, session := fastRetryLoop(t, provider, func(error) bool { return true })

	if err := loop.ProcessMessage(context.Background(), work, session, "hi"); err != nil {
		t.Fatalf("ProcessMessage: %v", err)
	}
	if provider.calls != 3 {
		t.Fatalf("expected 3 attempts (2 failures + 1 success), got %d", provider.calls)
	}

	msgs, err := loop.store.ListMessages(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	last := msgs[len(msgs)-1]
	if last.Content != "recovered" {
		t.Fatalf("assistant content = %q, want recovered", last.Content)
	}
}

func TestLoop_NonRetryableProviderErrorFailsWithoutConsumingRetries(t *testing.T) {
	wantErr := errors.New("401 unauthorized")
	provider := &flakyProvider{
		caps:      Capabilities{SupportsNativeTools: true},
		failCount: 99,
		err:       wantErr,
	}
	loop, work, session := fastRetryLoop(t, provider, func(error) bool { return false })

	if err := loop.ProcessMessage(context.Background(), work, session, "hi"); err == nil {
		t.Fatalf("ProcessMessage: expected a terminal failure, got nil")
	}
	if provider.calls != 1 {
		t.Fatalf("expected exactly 1 attempt for a non-retryable error, got %d", provider.calls)
	}

	session2, err := loop.store.GetSession(context.Background(), session.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if session2.Status != models.SessionFailed {
		t.Fatalf("session status = %s, want failed", session2.Status)
	}
}
