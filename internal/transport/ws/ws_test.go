package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/nexus/internal/broadcast"
	"github.com/haasonsaas/nexus/pkg/models"
)

func TestHandler_StreamsDeltasToClient(t *testing.T) {
	bus := broadcast.New()
	h := New(bus, nil)

	mux := httptestMux(h)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/sessions/42"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// give the server a moment to register the subscription
	time.Sleep(20 * time.Millisecond)
	bus.Publish(models.AgentEvent{
		Type:      models.AgentEventModelDelta,
		SessionID: 42,
		Stream:    &models.StreamEventPayload{Delta: "hello"},
	})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var frame wsFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if frame.ChunkText != "hello" || frame.SessionID != 42 {
		t.Fatalf("unexpected frame: %+v", frame)
	}
}

func httptestMux(h *Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/sessions/{id}", h.ServeHTTP)
	return mux
}
