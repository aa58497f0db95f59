package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/haasonsaas/nexus/internal/orchestrator/errkind"
	"github.com/haasonsaas/nexus/internal/orchestrator/sandbox"
	"github.com/haasonsaas/nexus/internal/orchestrator/toolapi"
)

const defaultMaxFiles = 100

// builtinIgnored is the minimal, non-.gitignore-aware ignore list used by
// list_files (grep keeps its own skip list). Full .gitignore parsing is out of scope here, the
// same limitation the original tool carried.
var builtinIgnored = map[string]bool{
	"node_modules": true,
	".git":         true,
	"dist":         true,
	"build":        true,
	".next":        true,
	"__pycache__":  true,
	"target":       true,
}

// ListTool implements list_files.
type ListTool struct {
	Sandbox *sandbox.Sandbox
}

func NewListTool(sb *sandbox.Sandbox) *ListTool { return &ListTool{Sandbox: sb} }

func (t *ListTool) Name() string        { return "list_files" }
func (t *ListTool) Description() string { return "List files and directories under a path in the working directory." }

func (t *ListTool) Schema() json.RawMessage {
	return toolapi.MustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":           map[string]any{"type": "string", "description": "Path to list, relative to the working directory."},
			"recursive":      map[string]any{"type": "boolean", "description": "Recurse into subdirectories."},
			"include_hidden": map[string]any{"type": "boolean", "description": "Include dotfiles and dot-directories."},
			"max_files":      map[string]any{"type": "integer", "description": "Maximum number of entries to list (default 100)."},
		},
		"required": []string{"path"},
	})
}

type listFilesRequest struct {
	Type          string `json:"type"`
	Path          string `json:"path"`
	Recursive     bool   `json:"recursive,omitempty"`
	IncludeHidden bool   `json:"include_hidden,omitempty"`
	MaxFiles      int    `json:"max_files,omitempty"`
}

type fileInfo struct {
	Name     string
	RelPath  string
	IsDir    bool
	Ignored  bool
	Depth    int
}

type listFilesResponse struct {
	Type       string `json:"type"`
	Path       string `json:"path"`
	Tree       string `json:"tree"`
	TotalFiles int    `json:"total_files"`
	Truncated  bool   `json:"truncated"`
	Limit      int    `json:"limit"`
}

func (t *ListTool) Execute(ctx context.Context, params json.RawMessage) (*toolapi.Result, error) {
	var req listFilesRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return toolapi.ErrorResult(t.Name(), errkind.ErrValidation.String(), fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(req.Path) == "" {
		return toolapi.ErrorResult(t.Name(), errkind.ErrValidation.String(), "path is required"), nil
	}
	limit := req.MaxFiles
	if limit <= 0 {
		limit = defaultMaxFiles
	}

	root, err := t.Sandbox.Resolve(req.Path)
	if err != nil {
		return toolapi.ErrorResult(t.Name(), errkind.ErrSandboxViolation.String(), "InvalidPath"), nil
	}
	rootInfo, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return toolapi.ErrorResult(t.Name(), errkind.ErrNotFound.String(), "FileNotFound"), nil
		}
		return toolapi.ErrorResult(t.Name(), errkind.ErrInternal.String(), err.Error()), nil
	}
	if !rootInfo.IsDir() {
		return toolapi.ErrorResult(t.Name(), errkind.ErrValidation.String(), "InvalidPath: not a directory"), nil
	}

	entries, truncated := walkBreadthFirst(root, req.Recursive, req.IncludeHidden, limit)
	tree := formatAsTree(req.Path, entries)

	return toolapi.OKResult(listFilesResponse{
		Type:       t.Name(),
		Path:       req.Path,
		Tree:       tree,
		TotalFiles: len(entries),
		Truncated:  truncated,
		Limit:      limit,
	}), nil
}

// walkBreadthFirst mirrors the original's queue-based traversal: one level
// is fully listed (sorted, directories first) before its children are
// queued, so truncation at max_files cuts off breadth-first rather than
// depth-first.
func walkBreadthFirst(root string, recursive, includeHidden bool, limit int) ([]fileInfo, bool) {
	type queueItem struct {
		dir   string
		depth int
	}
	queue := []queueItem{{dir: root, depth: 0}}
	var out []fileInfo
	truncated := false

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		dirEntries, err := os.ReadDir(item.dir)
		if err != nil {
			continue
		}

		children := make([]os.DirEntry, 0, len(dirEntries))
		for _, de := range dirEntries {
			name := de.Name()
			if !includeHidden && strings.HasPrefix(name, ".") {
				continue
			}
			children = append(children, de)
		}
		sort.SliceStable(children, func(i, j int) bool {
			a, b := children[i], children[j]
			if a.IsDir() != b.IsDir() {
				return a.IsDir()
			}
			return strings.ToLower(a.Name()) < strings.ToLower(b.Name())
		})

		for _, de := range children {
			if len(out) >= limit {
				truncated = true
				return out, truncated
			}
			full := filepath.Join(item.dir, de.Name())
			rel, _ := filepath.Rel(root, full)
			ignored := builtinIgnored[de.Name()]
			out = append(out, fileInfo{
				Name:    de.Name(),
				RelPath: rel,
				IsDir:   de.IsDir(),
				Ignored: ignored,
				Depth:   item.depth,
			})
			if de.IsDir() && recursive && !ignored {
				queue = append(queue, queueItem{dir: full, depth: item.depth + 1})
			}
		}
	}
	return out, truncated
}

func formatAsTree(rootLabel string, entries []fileInfo) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", rootLabel)
	for _, e := range entries {
		indent := strings.Repeat("  ", e.Depth+1)
		suffix := ""
		if e.IsDir {
			suffix = "/"
		}
		ignoredSuffix := ""
		if e.Ignored {
			ignoredSuffix = " (ignored)"
		}
		fmt.Fprintf(&b, "%s%s%s%s\n", indent, e.Name, suffix, ignoredSuffix)
	}
	return b.String()
}
