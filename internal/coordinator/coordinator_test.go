package coordinator

import (
	"context"
	"testing"

	"github.com/haasonsaas/nexus/internal/broadcast"
	"github.com/haasonsaas/nexus/internal/config"
	"github.com/haasonsaas/nexus/internal/orchestrator"
	"github.com/haasonsaas/nexus/internal/sessions"
	"github.com/haasonsaas/nexus/pkg/models"
)

// stubProvider finalizes immediately with a fixed reply, enough to drive
// the Coordinator's session lifecycle without a real network call.
type stubProvider struct{ reply string }

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Capabilities() orchestrator.Capabilities {
	return orchestrator.Capabilities{}
}

func (p *stubProvider) Complete(ctx context.Context, req *orchestrator.CompletionRequest) (<-chan *orchestrator.StreamChunk, error) {
	ch := make(chan *orchestrator.StreamChunk, 2)
	ch <- &orchestrator.StreamChunk{DeltaText: p.reply}
	ch <- &orchestrator.StreamChunk{Finished: true, FinishReason: "stop"}
	close(ch)
	return ch, nil
}

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	store := sessions.NewMemoryStore()
	bus := broadcast.New()
	cfg := config.Defaults()
	providers := map[string]orchestrator.Provider{
		cfg.Defaults.Provider: &stubProvider{reply: "ack"},
	}
	return New(store, bus, providers, cfg)
}

func TestCoordinator_CreateWorkWithoutGitBranch(t *testing.T) {
	c := newTestCoordinator(t)
	work, err := c.CreateWork(context.Background(), CreateWorkInput{Title: "demo", WorkingDirectory: "/tmp/proj"})
	if err != nil {
		t.Fatalf("CreateWork: %v", err)
	}
	if work.ID == 0 || work.Status != models.WorkPending {
		t.Fatalf("unexpected work: %+v", work)
	}
	if work.WorkingDirectory != "/tmp/proj" {
		t.Fatalf("working directory = %q", work.WorkingDirectory)
	}
}

func TestCoordinator_AppendUserMessageStartsSessionAndCompletesTurn(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()
	work, err := c.CreateWork(ctx, CreateWorkInput{Title: "demo", WorkingDirectory: "/tmp/proj"})
	if err != nil {
		t.Fatalf("CreateWork: %v", err)
	}

	if err := c.AppendUserMessage(ctx, work.ID, "hello", models.ContentText, models.AuthorUser, nil); err != nil {
		t.Fatalf("AppendUserMessage: %v", err)
	}

	transcript, err := c.GetTranscript(ctx, work.ID)
	if err != nil {
		t.Fatalf("GetTranscript: %v", err)
	}
	if len(transcript) != 1 || transcript[0].Content != "hello" {
		t.Fatalf("unexpected transcript: %+v", transcript)
	}

	updated, err := c.store.GetWork(ctx, work.ID)
	if err != nil {
		t.Fatalf("GetWork: %v", err)
	}
	if updated.Status != models.WorkCompleted {
		t.Fatalf("work status = %s, want completed", updated.Status)
	}
}

func TestCoordinator_AppendUserMessageUnknownWork(t *testing.T) {
	c := newTestCoordinator(t)
	if err := c.AppendUserMessage(context.Background(), 999, "hi", models.ContentText, models.AuthorUser, nil); err == nil {
		t.Fatal("expected error for unknown work")
	}
}

func TestCoordinator_CancelWithoutActiveTurnReturnsNotFound(t *testing.T) {
	c := newTestCoordinator(t)
	if err := c.Cancel(123); err == nil {
		t.Fatal("expected error cancelling a work with no active turn")
	}
}
