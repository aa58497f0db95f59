package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/nexus/internal/orchestrator/errkind"
	"github.com/haasonsaas/nexus/internal/orchestrator/sandbox"
	"github.com/haasonsaas/nexus/internal/orchestrator/toolapi"
)

// WriteTool implements write_file: full overwrite, append, or
// search/replace against an existing file.
type WriteTool struct {
	Sandbox *sandbox.Sandbox
}

func NewWriteTool(sb *sandbox.Sandbox) *WriteTool { return &WriteTool{Sandbox: sb} }

func (t *WriteTool) Name() string        { return "write_file" }
func (t *WriteTool) Description() string {
	return "Write, append, or search/replace content in a file in the working directory."
}

func (t *WriteTool) Schema() json.RawMessage {
	return toolapi.MustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":                 map[string]any{"type": "string", "description": "Path to the file, relative to the working directory."},
			"content":              map[string]any{"type": "string", "description": "Content to write, append, or replace with."},
			"create_dirs":          map[string]any{"type": "boolean", "description": "Create parent directories if missing."},
			"append":               map[string]any{"type": "boolean", "description": "Append content instead of overwriting."},
			"create_if_not_exists": map[string]any{"type": "boolean", "description": "Create the file if it does not already exist."},
			"search":               map[string]any{"type": "string", "description": "Exact text to find; paired with replace for a search/replace write."},
			"replace":              map[string]any{"type": "string", "description": "Replacement for the first occurrence of search."},
		},
		"required": []string{"path", "content"},
	})
}

type writeFileRequest struct {
	Type              string  `json:"type"`
	Path              string  `json:"path"`
	Content           string  `json:"content"`
	CreateDirs        bool    `json:"create_dirs,omitempty"`
	Append            bool    `json:"append,omitempty"`
	CreateIfNotExists bool    `json:"create_if_not_exists,omitempty"`
	Search            *string `json:"search,omitempty"`
	Replace           *string `json:"replace,omitempty"`
}

type writeFileResponse struct {
	Type         string `json:"type"`
	Path         string `json:"path"`
	BytesWritten int    `json:"bytes_written"`
	Created      bool   `json:"created"`
	Modified     bool   `json:"modified"`
}

func (t *WriteTool) Execute(ctx context.Context, params json.RawMessage) (*toolapi.Result, error) {
	var req writeFileRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return toolapi.ErrorResult(t.Name(), errkind.ErrValidation.String(), fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(req.Path) == "" {
		return toolapi.ErrorResult(t.Name(), errkind.ErrValidation.String(), "path is required"), nil
	}

	resolved, err := t.Sandbox.Resolve(req.Path)
	if err != nil {
		return toolapi.ErrorResult(t.Name(), errkind.ErrSandboxViolation.String(), "InvalidPath"), nil
	}

	_, statErr := os.Stat(resolved)
	exists := statErr == nil
	if !exists && !os.IsNotExist(statErr) {
		return toolapi.ErrorResult(t.Name(), errkind.ErrInternal.String(), statErr.Error()), nil
	}

	if !exists && !req.CreateIfNotExists && !req.CreateDirs {
		return toolapi.ErrorResult(t.Name(), errkind.ErrNotFound.String(), "FileNotFound"), nil
	}

	if req.CreateDirs {
		if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
			return toolapi.ErrorResult(t.Name(), errkind.ErrInternal.String(), fmt.Sprintf("create directory: %v", err)), nil
		}
	}

	switch {
	case req.Search != nil && req.Replace != nil:
		if !exists {
			return toolapi.ErrorResult(t.Name(), errkind.ErrNotFound.String(), "FileNotFound"), nil
		}
		existing, err := os.ReadFile(resolved)
		if err != nil {
			return toolapi.ErrorResult(t.Name(), errkind.ErrInternal.String(), err.Error()), nil
		}
		if !strings.Contains(string(existing), *req.Search) {
			return toolapi.ErrorResult(t.Name(), errkind.ErrValidation.String(), "search text not found in file"), nil
		}
		updated := strings.Replace(string(existing), *req.Search, *req.Replace, 1)
		if err := os.WriteFile(resolved, []byte(updated), 0o644); err != nil {
			return toolapi.ErrorResult(t.Name(), errkind.ErrInternal.String(), err.Error()), nil
		}
		return toolapi.OKResult(writeFileResponse{Type: t.Name(), Path: req.Path, BytesWritten: len(updated), Modified: true}), nil

	case req.Append:
		if !exists {
			return toolapi.ErrorResult(t.Name(), errkind.ErrNotFound.String(), "FileNotFound"), nil
		}
		f, err := os.OpenFile(resolved, os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return toolapi.ErrorResult(t.Name(), errkind.ErrInternal.String(), err.Error()), nil
		}
		defer f.Close()
		n, err := f.WriteString(req.Content)
		if err != nil {
			return toolapi.ErrorResult(t.Name(), errkind.ErrInternal.String(), err.Error()), nil
		}
		return toolapi.OKResult(writeFileResponse{Type: t.Name(), Path: req.Path, BytesWritten: n, Modified: true}), nil

	default:
		if err := os.WriteFile(resolved, []byte(req.Content), 0o644); err != nil {
			return toolapi.ErrorResult(t.Name(), errkind.ErrInternal.String(), err.Error()), nil
		}
		return toolapi.OKResult(writeFileResponse{
			Type:         t.Name(),
			Path:         req.Path,
			BytesWritten: len(req.Content),
			Created:      !exists,
			Modified:     exists,
		}), nil
	}
}
