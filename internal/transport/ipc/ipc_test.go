package ipc

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/haasonsaas/nexus/internal/broadcast"
	"github.com/haasonsaas/nexus/internal/config"
	"github.com/haasonsaas/nexus/internal/coordinator"
	"github.com/haasonsaas/nexus/internal/orchestrator"
	"github.com/haasonsaas/nexus/internal/sessions"
)

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	store := sessions.NewMemoryStore()
	cfg := config.Defaults()
	coord := coordinator.New(store, broadcast.New(), map[string]orchestrator.Provider{}, cfg)
	s := New(coord, store, nil)

	sockPath := filepath.Join(t.TempDir(), "nexus.sock")
	if err := s.Listen(sockPath); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go s.Serve()
	t.Cleanup(func() { s.Close() })
	return s, sockPath
}

func roundTrip(t *testing.T, sockPath string, req Request) Response {
	t.Helper()
	conn, err := net.DialTimeout("unix", sockPath, 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	lengthBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lengthBuf, uint32(len(body)))
	if _, err := conn.Write(lengthBuf); err != nil {
		t.Fatalf("write length: %v", err)
	}
	if _, err := conn.Write(body); err != nil {
		t.Fatalf("write body: %v", err)
	}

	respLenBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, respLenBuf); err != nil {
		t.Fatalf("read length: %v", err)
	}
	respLen := binary.BigEndian.Uint32(respLenBuf)
	respBody := make([]byte, respLen)
	if _, err := io.ReadFull(conn, respBody); err != nil {
		t.Fatalf("read body: %v", err)
	}
	var resp Response
	if err := json.Unmarshal(respBody, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return resp
}

func TestIPC_Ping(t *testing.T) {
	_, sockPath := startTestServer(t)
	resp := roundTrip(t, sockPath, Request{Method: "Ping"})
	if resp.Error != "" {
		t.Fatalf("unexpected error: %s", resp.Error)
	}
	if resp.Success == nil {
		t.Fatal("expected success payload")
	}
}

func TestIPC_UnknownMethod(t *testing.T) {
	_, sockPath := startTestServer(t)
	resp := roundTrip(t, sockPath, Request{Method: "Nonexistent"})
	if resp.Error == "" {
		t.Fatal("expected error for unknown method")
	}
}

func TestIPC_GetProjectByPathNotFound(t *testing.T) {
	_, sockPath := startTestServer(t)
	resp := roundTrip(t, sockPath, Request{Method: "GetProjectByPath", Params: json.RawMessage(`{"path":"/nope"}`)})
	if resp.Error == "" {
		t.Fatal("expected not-found error")
	}
}

