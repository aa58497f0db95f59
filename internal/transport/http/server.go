// Package http implements the daemon's REST surface (spec §6): the routes
// the core depends on, over a stdlib net/http ServeMux, kept as thin JSON
// handlers over the Work/Session Coordinator.
package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/haasonsaas/nexus/internal/coordinator"
	"github.com/haasonsaas/nexus/internal/orchestrator/errkind"
	"github.com/haasonsaas/nexus/internal/sessions"
	"github.com/haasonsaas/nexus/pkg/models"
)

// Server wires the Coordinator and Conversation Store to the REST routes.
type Server struct {
	coord *coordinator.Coordinator
	store sessions.Store
	log   *slog.Logger
	mux   *http.ServeMux
}

// New builds a Server and registers its routes on a fresh ServeMux.
func New(coord *coordinator.Coordinator, store sessions.Store, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{coord: coord, store: store, log: log, mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) routes() {
	s.mux.HandleFunc("POST /api/works", s.handleCreateWork)
	s.mux.HandleFunc("GET /api/works", s.handleListWorks)
	s.mux.HandleFunc("GET /api/works/{id}", s.handleGetWork)
	s.mux.HandleFunc("POST /api/works/{id}/messages", s.handlePostMessage)
	s.mux.HandleFunc("GET /api/works/{id}/messages", s.handleListMessages)
	s.mux.HandleFunc("GET /api/works/{id}/ai-outputs", s.handleListOutputs)
	s.mux.HandleFunc("GET /api/works/{id}/ai-tool-calls", s.handleListToolCalls)
	s.mux.HandleFunc("POST /api/works/{id}/cancel", s.handleCancel)
}

type createWorkRequest struct {
	Title     string  `json:"title"`
	ProjectID *int64  `json:"project_id,omitempty"`
	Model     *string `json:"model,omitempty"`
	AutoStart bool    `json:"auto_start,omitempty"`
	ToolName  string  `json:"tool_name,omitempty"`
	GitBranch *string `json:"git_branch,omitempty"`
	// WorkingDirectory is not part of the normative wire shape but is
	// required to resolve a git worktree or run tools at all; callers that
	// omit it get a single shared scratch directory per spec's silence on
	// project provisioning (see paths.projects_default).
	WorkingDirectory string `json:"working_directory,omitempty"`
}

func (s *Server) handleCreateWork(w http.ResponseWriter, r *http.Request) {
	var req createWorkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errkind.NewValidationError("create_work", "invalid JSON body"))
		return
	}
	if strings.TrimSpace(req.Title) == "" {
		writeError(w, errkind.NewValidationError("create_work", "title is required"))
		return
	}
	work, err := s.coord.CreateWork(r.Context(), coordinator.CreateWorkInput{
		Title:            req.Title,
		ProjectID:        req.ProjectID,
		ModelID:          req.Model,
		GitBranch:        req.GitBranch,
		WorkingDirectory: req.WorkingDirectory,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, work)
}

func (s *Server) handleListWorks(w http.ResponseWriter, r *http.Request) {
	works, err := s.store.ListWorks(r.Context())
	if err != nil {
		writeError(w, errkind.NewInternalError("list_works", "list works", err))
		return
	}
	writeJSON(w, http.StatusOK, works)
}

func (s *Server) handleGetWork(w http.ResponseWriter, r *http.Request) {
	id, err := workID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	work, err := s.store.GetWork(r.Context(), id)
	if err != nil {
		writeError(w, mapStoreErr("get_work", err))
		return
	}
	writeJSON(w, http.StatusOK, work)
}

type postMessageRequest struct {
	Content     string                 `json:"content"`
	ContentType models.WorkContentType `json:"content_type"`
	AuthorType  models.AuthorType      `json:"author_type"`
	AuthorID    *string                `json:"author_id,omitempty"`
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	id, err := workID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req postMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errkind.NewValidationError("append_user_message", "invalid JSON body"))
		return
	}
	if req.AuthorType == "" {
		req.AuthorType = models.AuthorUser
	}
	if err := s.coord.AppendUserMessage(r.Context(), id, req.Content, req.ContentType, req.AuthorType, req.AuthorID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id, err := workID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	msgs, err := s.coord.GetTranscript(r.Context(), id)
	if err != nil {
		writeError(w, mapStoreErr("list_messages", err))
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleListOutputs(w http.ResponseWriter, r *http.Request) {
	id, err := workID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	chunks, err := s.store.ListOutputChunks(r.Context(), id)
	if err != nil {
		writeError(w, mapStoreErr("list_ai_outputs", err))
		return
	}
	writeJSON(w, http.StatusOK, chunks)
}

func (s *Server) handleListToolCalls(w http.ResponseWriter, r *http.Request) {
	id, err := workID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	calls, err := s.store.ListToolCallsForWork(r.Context(), id)
	if err != nil {
		writeError(w, mapStoreErr("list_ai_tool_calls", err))
		return
	}
	writeJSON(w, http.StatusOK, calls)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, err := workID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.coord.Cancel(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func workID(r *http.Request) (int64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errkind.NewValidationError("parse_work_id", "work id must be an integer")
	}
	return id, nil
}

func mapStoreErr(op string, err error) error {
	if errors.Is(err, sessions.ErrNotFound) {
		return errkind.NewNotFoundError(op, "not found")
	}
	return errkind.NewInternalError(op, "store error", err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	kind := "internal"
	status := http.StatusInternalServerError
	var ke *errkind.KindError
	if errors.As(err, &ke) {
		kind = ke.Kind.String()
		status = statusForKind(ke.Kind)
	}
	writeJSON(w, status, errorResponse{Error: kind, Message: err.Error()})
}

func statusForKind(kind errkind.ErrorKind) int {
	switch kind {
	case errkind.ErrValidation, errkind.ErrSandboxViolation:
		return http.StatusBadRequest
	case errkind.ErrNotFound:
		return http.StatusNotFound
	case errkind.ErrResourceLimit:
		return http.StatusRequestEntityTooLarge
	case errkind.ErrAuthentication:
		return http.StatusUnauthorized
	case errkind.ErrTransient:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
