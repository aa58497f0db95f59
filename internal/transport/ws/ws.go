// Package ws implements the daemon's push-channel streaming transport (spec
// §6): a WebSocket delivers assistant deltas and lifecycle/tool-call events
// for a session as they are published on the Event Broadcaster.
package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/nexus/internal/broadcast"
	"github.com/haasonsaas/nexus/pkg/models"
)

const (
	maxPayloadBytes = 1 << 20
	writeWait       = 10 * time.Second
	pongWait        = 45 * time.Second
	pingInterval    = 15 * time.Second
)

// Handler upgrades GET /ws/sessions/{id} connections and relays that
// session's events until the client disconnects or the subscription lags.
type Handler struct {
	bus      *broadcast.Broadcaster
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func New(bus *broadcast.Broadcaster, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		bus: bus,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := h.bus.Subscribe(sessionID)
	defer h.bus.Close(sub)

	go h.readPongs(conn)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-sub.Events:
			if !ok {
				return
			}
			if err := h.writeEvent(conn, ev); err != nil {
				return
			}
		case <-sub.Lagged:
			_ = h.writeFrame(conn, wsFrame{Event: "lagged"})
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPongs drains client frames (this is a push-only channel so any
// payload besides pong/close just resets the read deadline) until the
// connection closes, at which point the outer loop's write fails and exits.
func (h *Handler) readPongs(conn *websocket.Conn) {
	conn.SetReadLimit(maxPayloadBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

type wsFrame struct {
	SessionID int64              `json:"session_id"`
	ChunkText string             `json:"chunk_text,omitempty"`
	Event     string             `json:"event,omitempty"`
	Data      *models.AgentEvent `json:"data,omitempty"`
}

func (h *Handler) writeEvent(conn *websocket.Conn, ev models.AgentEvent) error {
	frame := wsFrame{SessionID: ev.SessionID, Data: &ev}
	if ev.Stream != nil && ev.Stream.Delta != "" {
		frame.ChunkText = ev.Stream.Delta
	} else {
		frame.Event = string(ev.Type)
	}
	return h.writeFrame(conn, frame)
}

func (h *Handler) writeFrame(conn *websocket.Conn, frame wsFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, payload)
}
