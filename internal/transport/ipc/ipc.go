// Package ipc implements the daemon's local Unix-domain-socket protocol
// (spec §6): a length-delimited JSON request/response exchange exposing a
// subset of operations to the CLI, framed the way the teacher's guest-agent
// vsock transport frames its own request/response pairs (4-byte length
// prefix, then a JSON body), but big-endian and over a Unix socket instead
// of vsock.
package ipc

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/haasonsaas/nexus/internal/coordinator"
	"github.com/haasonsaas/nexus/internal/orchestrator/errkind"
	"github.com/haasonsaas/nexus/internal/sessions"
	"github.com/haasonsaas/nexus/pkg/models"
)

func bgCtx() context.Context { return context.Background() }
func nowPtr() *time.Time     { t := time.Now(); return &t }

const maxMessageBytes = 10 << 20

// Request is one framed IPC request. Method names match spec §6's subset:
// Ping, Identify, CreateAiSession, GetProjectContext, GetProjectByPath,
// CompleteAiSession, FailAiSession, RecordAiOutput.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is either {Success: data} or {Error: message}.
type Response struct {
	Success json.RawMessage `json:"success,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Server accepts connections on a Unix-domain socket and serves one framed
// request at a time per connection.
type Server struct {
	coord *coordinator.Coordinator
	store sessions.Store
	log   *slog.Logger

	listener net.Listener
}

func New(coord *coordinator.Coordinator, store sessions.Store, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{coord: coord, store: store, log: log}
}

// Listen binds the Unix socket at path, removing a stale socket file first.
func (s *Server) Listen(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	s.listener = ln
	return nil
}

// Serve accepts connections until the listener is closed.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	for {
		req, err := readFrame(conn)
		if err != nil {
			if err != io.EOF {
				s.log.Debug("ipc read failed", "error", err)
			}
			return
		}
		resp := s.dispatch(req)
		if err := writeFrame(conn, resp); err != nil {
			s.log.Debug("ipc write failed", "error", err)
			return
		}
	}
}

func readFrame(conn net.Conn) (*Request, error) {
	lengthBuf := make([]byte, 4)
	if _, err := io.ReadFull(conn, lengthBuf); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBuf)
	if length > maxMessageBytes {
		return nil, errors.New("ipc: message too large")
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, err
	}
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func writeFrame(conn net.Conn, resp Response) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	lengthBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lengthBuf, uint32(len(body)))
	if _, err := conn.Write(lengthBuf); err != nil {
		return err
	}
	_, err = conn.Write(body)
	return err
}

func (s *Server) dispatch(req *Request) Response {
	handler, ok := s.handlers()[req.Method]
	if !ok {
		return errorResponse(errkind.NewValidationError(req.Method, "unknown method"))
	}
	data, err := handler(req.Params)
	if err != nil {
		return errorResponse(err)
	}
	return Response{Success: data}
}

func (s *Server) handlers() map[string]func(json.RawMessage) (json.RawMessage, error) {
	return map[string]func(json.RawMessage) (json.RawMessage, error){
		"Ping":              s.handlePing,
		"Identify":          s.handleIdentify,
		"CreateAiSession":   s.handleCreateAiSession,
		"GetProjectContext": s.handleGetProjectContext,
		"GetProjectByPath":  s.handleGetProjectByPath,
		"CompleteAiSession": s.handleCompleteAiSession,
		"FailAiSession":     s.handleFailAiSession,
		"RecordAiOutput":    s.handleRecordAiOutput,
	}
}

func (s *Server) handlePing(json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(map[string]string{"pong": "ok"})
}

func (s *Server) handleIdentify(json.RawMessage) (json.RawMessage, error) {
	return json.Marshal(map[string]string{"daemon": "nexus", "protocol": "1"})
}

type createAiSessionParams struct {
	WorkID       int64  `json:"work_id"`
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

func (s *Server) handleCreateAiSession(raw json.RawMessage) (json.RawMessage, error) {
	var p createAiSessionParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errkind.NewValidationError("CreateAiSession", "invalid params")
	}
	session, err := s.store.CreateSession(bgCtx(), p.WorkID, p.Provider, p.Model, p.SystemPrompt)
	if err != nil {
		return nil, errkind.NewInternalError("CreateAiSession", "create session", err)
	}
	return json.Marshal(session)
}

type workIDParams struct {
	WorkID int64 `json:"work_id"`
}

func (s *Server) handleGetProjectContext(raw json.RawMessage) (json.RawMessage, error) {
	var p workIDParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errkind.NewValidationError("GetProjectContext", "invalid params")
	}
	work, err := s.store.GetWork(bgCtx(), p.WorkID)
	if err != nil {
		return nil, mapErr("GetProjectContext", err)
	}
	return json.Marshal(work)
}

type pathParams struct {
	Path string `json:"path"`
}

func (s *Server) handleGetProjectByPath(raw json.RawMessage) (json.RawMessage, error) {
	var p pathParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errkind.NewValidationError("GetProjectByPath", "invalid params")
	}
	works, err := s.store.ListWorks(bgCtx())
	if err != nil {
		return nil, errkind.NewInternalError("GetProjectByPath", "list works", err)
	}
	for _, w := range works {
		if w.WorkingDirectory == p.Path {
			return json.Marshal(w)
		}
	}
	return nil, errkind.NewNotFoundError("GetProjectByPath", "no work for that path")
}

type sessionIDParams struct {
	SessionID int64 `json:"session_id"`
}

func (s *Server) handleCompleteAiSession(raw json.RawMessage) (json.RawMessage, error) {
	var p sessionIDParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errkind.NewValidationError("CompleteAiSession", "invalid params")
	}
	if err := s.store.UpdateSessionStatus(bgCtx(), p.SessionID, models.SessionCompleted, nowPtr()); err != nil {
		return nil, mapErr("CompleteAiSession", err)
	}
	return json.Marshal(map[string]bool{"ok": true})
}

func (s *Server) handleFailAiSession(raw json.RawMessage) (json.RawMessage, error) {
	var p sessionIDParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errkind.NewValidationError("FailAiSession", "invalid params")
	}
	if err := s.store.UpdateSessionStatus(bgCtx(), p.SessionID, models.SessionFailed, nowPtr()); err != nil {
		return nil, mapErr("FailAiSession", err)
	}
	return json.Marshal(map[string]bool{"ok": true})
}

type recordAiOutputParams struct {
	SessionID int64            `json:"session_id"`
	Role      models.ChunkRole `json:"role"`
	Content   string           `json:"content"`
	Model     string           `json:"model,omitempty"`
}

func (s *Server) handleRecordAiOutput(raw json.RawMessage) (json.RawMessage, error) {
	var p recordAiOutputParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, errkind.NewValidationError("RecordAiOutput", "invalid params")
	}
	if err := s.store.AppendOutputChunk(bgCtx(), p.SessionID, p.Role, p.Content, p.Model); err != nil {
		return nil, errkind.NewInternalError("RecordAiOutput", "append output chunk", err)
	}
	return json.Marshal(map[string]bool{"ok": true})
}

func errorResponse(err error) Response {
	return Response{Error: err.Error()}
}

func mapErr(op string, err error) error {
	if errors.Is(err, sessions.ErrNotFound) {
		return errkind.NewNotFoundError(op, "not found")
	}
	return errkind.NewInternalError(op, "store error", err)
}
