package http

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/haasonsaas/nexus/internal/broadcast"
	"github.com/haasonsaas/nexus/internal/config"
	"github.com/haasonsaas/nexus/internal/coordinator"
	"github.com/haasonsaas/nexus/internal/orchestrator"
	"github.com/haasonsaas/nexus/internal/sessions"
	"github.com/haasonsaas/nexus/pkg/models"
)

type stubProvider struct{}

func (stubProvider) Name() string { return "stub" }
func (stubProvider) Capabilities() orchestrator.Capabilities {
	return orchestrator.Capabilities{}
}
func (stubProvider) Complete(ctx context.Context, req *orchestrator.CompletionRequest) (<-chan *orchestrator.StreamChunk, error) {
	ch := make(chan *orchestrator.StreamChunk, 1)
	ch <- &orchestrator.StreamChunk{DeltaText: "ok", Finished: true, FinishReason: "stop"}
	close(ch)
	return ch, nil
}

func newTestServer(t *testing.T) (*Server, sessions.Store) {
	t.Helper()
	store := sessions.NewMemoryStore()
	cfg := config.Defaults()
	coord := coordinator.New(store, broadcast.New(), map[string]orchestrator.Provider{cfg.Defaults.Provider: stubProvider{}}, cfg)
	return New(coord, store, nil), store
}

func TestServer_CreateAndFetchWork(t *testing.T) {
	s, _ := newTestServer(t)

	body := `{"title":"demo","working_directory":"/tmp/demo"}`
	req := httptest.NewRequest("POST", "/api/works", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != 201 {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var work models.Work
	if err := json.Unmarshal(rec.Body.Bytes(), &work); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if work.ID == 0 {
		t.Fatal("expected non-zero work id")
	}

	getReq := httptest.NewRequest("GET", "/api/works/"+itoa(work.ID), nil)
	getRec := httptest.NewRecorder()
	s.ServeHTTP(getRec, getReq)
	if getRec.Code != 200 {
		t.Fatalf("get status = %d", getRec.Code)
	}
}

func TestServer_PostMessageDrivesTurn(t *testing.T) {
	s, store := newTestServer(t)

	createReq := httptest.NewRequest("POST", "/api/works", strings.NewReader(`{"title":"demo","working_directory":"/tmp/demo"}`))
	createRec := httptest.NewRecorder()
	s.ServeHTTP(createRec, createReq)
	var work models.Work
	_ = json.Unmarshal(createRec.Body.Bytes(), &work)

	msgReq := httptest.NewRequest("POST", "/api/works/"+itoa(work.ID)+"/messages", strings.NewReader(`{"content":"hi","author_type":"user"}`))
	msgRec := httptest.NewRecorder()
	s.ServeHTTP(msgRec, msgReq)
	if msgRec.Code != 202 {
		t.Fatalf("post message status = %d, body = %s", msgRec.Code, msgRec.Body.String())
	}

	updated, err := store.GetWork(context.Background(), work.ID)
	if err != nil {
		t.Fatalf("GetWork: %v", err)
	}
	if updated.Status != models.WorkCompleted {
		t.Fatalf("work status = %s, want completed", updated.Status)
	}
}

func TestServer_GetUnknownWorkReturnsNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest("GET", "/api/works/999", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != 404 {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
