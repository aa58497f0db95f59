// Package files implements the list_files, read_file, write_file, and
// apply_patch members of the closed tool set.
package files

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/haasonsaas/nexus/internal/orchestrator/errkind"
	"github.com/haasonsaas/nexus/internal/orchestrator/sandbox"
	"github.com/haasonsaas/nexus/internal/orchestrator/toolapi"
)

const defaultMaxReadBytes = 1 << 20 // 1 MiB

// ReadTool implements read_file.
type ReadTool struct {
	Sandbox         *sandbox.Sandbox
	DefaultMaxBytes int64
}

func NewReadTool(sb *sandbox.Sandbox, defaultMaxBytes int64) *ReadTool {
	if defaultMaxBytes <= 0 {
		defaultMaxBytes = defaultMaxReadBytes
	}
	return &ReadTool{Sandbox: sb, DefaultMaxBytes: defaultMaxBytes}
}

func (t *ReadTool) Name() string        { return "read_file" }
func (t *ReadTool) Description() string { return "Read a file's contents from the working directory." }

func (t *ReadTool) Schema() json.RawMessage {
	return toolapi.MustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":     map[string]any{"type": "string", "description": "Path to the file, relative to the working directory."},
			"max_size": map[string]any{"type": "integer", "description": "Maximum file size in bytes (default 1 MiB)."},
		},
		"required": []string{"path"},
	})
}

type readFileRequest struct {
	Type    string `json:"type"`
	Path    string `json:"path"`
	MaxSize int64  `json:"max_size,omitempty"`
}

type readFileResponse struct {
	Type    string `json:"type"`
	Path    string `json:"path"`
	Content string `json:"content"`
	Size    int64  `json:"size"`
	Binary  bool   `json:"binary"`
}

func (t *ReadTool) Execute(ctx context.Context, params json.RawMessage) (*toolapi.Result, error) {
	var req readFileRequest
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

	info, err := os.Stat(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return toolapi.ErrorResult(t.Name(), errkind.ErrNotFound.String(), "FileNotFound"), nil
		}
		return toolapi.ErrorResult(t.Name(), errkind.ErrInternal.String(), err.Error()), nil
	}
	if info.IsDir() {
		return toolapi.ErrorResult(t.Name(), errkind.ErrValidation.String(), "InvalidPath: is a directory"), nil
	}

	maxSize := t.DefaultMaxBytes
	if req.MaxSize > 0 {
		maxSize = req.MaxSize
	}
	if info.Size() > maxSize {
		return toolapi.ErrorResult(t.Name(), errkind.ErrResourceLimit.String(), "FileTooLarge"), nil
	}

	raw, err := os.ReadFile(resolved)
	if err != nil {
		return toolapi.ErrorResult(t.Name(), errkind.ErrInternal.String(), err.Error()), nil
	}

	if utf8.Valid(raw) {
		return toolapi.OKResult(readFileResponse{Type: t.Name(), Path: req.Path, Content: string(raw), Size: info.Size()}), nil
	}
	encoded := "[BINARY_FILE_BASE64] " + base64.StdEncoding.EncodeToString(raw)
	return toolapi.OKResult(readFileResponse{Type: t.Name(), Path: req.Path, Content: encoded, Size: info.Size(), Binary: true}), nil
}
