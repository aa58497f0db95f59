package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/haasonsaas/nexus/internal/orchestrator/errkind"
	"github.com/haasonsaas/nexus/internal/orchestrator/sandbox"
	"github.com/haasonsaas/nexus/internal/orchestrator/toolapi"
)

// ApplyPatchTool implements apply_patch. Unlike a typical diff-apply tool
// that aborts the whole patch on the first mismatch, this one applies what
// it can and records the rest as per-chunk errors, matching the partial
// apply semantics the original tool executor implements: a chunk that
// cannot locate its old_lines is skipped, the loop continues to the next
// hunk, and success reflects whether any chunk failed.
type ApplyPatchTool struct {
	Sandbox *sandbox.Sandbox
}

func NewApplyPatchTool(sb *sandbox.Sandbox) *ApplyPatchTool { return &ApplyPatchTool{Sandbox: sb} }

func (t *ApplyPatchTool) Name() string        { return "apply_patch" }
func (t *ApplyPatchTool) Description() string { return "Apply a unified diff patch to one or more files in the working directory." }

func (t *ApplyPatchTool) Schema() json.RawMessage {
	return toolapi.MustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"patch": map[string]any{"type": "string", "description": "Unified diff text covering one or more AddFile/DeleteFile/UpdateFile hunks."},
		},
		"required": []string{"patch"},
	})
}

type applyPatchRequest struct {
	Type  string `json:"type"`
	Patch string `json:"patch"`
}

type applyPatchResponse struct {
	Type            string   `json:"type"`
	Success         bool     `json:"success"`
	FilesChanged    []string `json:"files_changed"`
	TotalAdditions  int      `json:"total_additions"`
	TotalDeletions  int      `json:"total_deletions"`
	Message         string   `json:"message"`
}

func (t *ApplyPatchTool) Execute(ctx context.Context, params json.RawMessage) (*toolapi.Result, error) {
	var req applyPatchRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return toolapi.ErrorResult(t.Name(), errkind.ErrValidation.String(), fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(req.Patch) == "" {
		return toolapi.ErrorResult(t.Name(), errkind.ErrValidation.String(), "patch is required"), nil
	}

	filePatches, err := parseUnifiedDiff(req.Patch)
	if err != nil {
		return toolapi.ErrorResult(t.Name(), errkind.ErrValidation.String(), err.Error()), nil
	}

	var filesChanged []string
	var errs []string
	totalAdd, totalDel := 0, 0

	for _, fp := range filePatches {
		resolved, err := t.Sandbox.Resolve(fp.Path)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: InvalidPath", fp.Path))
			continue
		}

		switch fp.Action {
		case actionAdd:
			if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
				errs = append(errs, fmt.Sprintf("%s: create directory: %v", fp.Path, err))
				continue
			}
			content := joinAddedLines(fp.Chunks)
			if err := os.WriteFile(resolved, []byte(content), 0o644); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", fp.Path, err))
				continue
			}
			filesChanged = append(filesChanged, fp.Path)
			totalAdd += countLines(content)

		case actionDelete:
			existing, err := os.ReadFile(resolved)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: FileNotFound", fp.Path))
				continue
			}
			if err := os.Remove(resolved); err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", fp.Path, err))
				continue
			}
			filesChanged = append(filesChanged, fp.Path)
			totalDel += countLines(string(existing))

		default: // actionUpdate
			existing, err := os.ReadFile(resolved)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: FileNotFound", fp.Path))
				continue
			}
			updated, add, del, chunkErrs, changed := applyChunks(string(existing), fp.Chunks)
			for _, ce := range chunkErrs {
				errs = append(errs, fmt.Sprintf("%s: %s", fp.Path, ce))
			}
			if changed {
				if err := os.WriteFile(resolved, []byte(updated), 0o644); err != nil {
					errs = append(errs, fmt.Sprintf("%s: %v", fp.Path, err))
					continue
				}
				filesChanged = append(filesChanged, fp.Path)
				totalAdd += add
				totalDel += del
			}
		}
	}

	resp := applyPatchResponse{
		Type:           t.Name(),
		Success:        len(errs) == 0,
		FilesChanged:   filesChanged,
		TotalAdditions: totalAdd,
		TotalDeletions: totalDel,
	}
	if len(errs) == 0 {
		resp.Message = fmt.Sprintf("applied patch to %d file(s): +%d -%d", len(filesChanged), totalAdd, totalDel)
	} else {
		resp.Message = strings.Join(errs, "; ")
	}
	return toolapi.OKResult(resp), nil
}

type patchAction int

const (
	actionUpdate patchAction = iota
	actionAdd
	actionDelete
)

type patchChunk struct {
	ContextLines []string // leading unchanged lines before the first +/- line
	OldLines     []string // context + removed lines, in original order
	NewLines     []string // context + added lines, in final order
	Added        int
	Removed      int
}

type filePatch struct {
	Path    string
	Action  patchAction
	Chunks  []patchChunk
}

var hunkHeader = regexp.MustCompile(`^@@ -(\d+)(?:,(\d+))? \+(\d+)(?:,(\d+))? @@`)

func parseUnifiedDiff(patch string) ([]filePatch, error) {
	lines := strings.Split(patch, "\n")
	var patches []filePatch
	var current *filePatch
	var currentChunk *patchChunk
	inLeadingContext := false

	flushChunk := func() {
		if current != nil && currentChunk != nil {
			current.Chunks = append(current.Chunks, *currentChunk)
			currentChunk = nil
		}
	}

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		switch {
		case strings.HasPrefix(line, "diff ") || strings.HasPrefix(line, "index "):
			continue
		case strings.HasPrefix(line, "--- "):
			flushChunk()
			oldPath := strings.TrimSpace(strings.TrimPrefix(line, "--- "))
			if i+1 >= len(lines) || !strings.HasPrefix(lines[i+1], "+++ ") {
				return nil, fmt.Errorf("invalid patch: missing +++ header")
			}
			newPath := strings.TrimSpace(strings.TrimPrefix(lines[i+1], "+++ "))
			action := actionUpdate
			if oldPath == "/dev/null" {
				action = actionAdd
			} else if newPath == "/dev/null" {
				action = actionDelete
			}
			path := newPath
			if action == actionDelete {
				path = oldPath
			}
			path = strings.TrimPrefix(strings.TrimPrefix(path, "b/"), "a/")
			patches = append(patches, filePatch{Path: path, Action: action})
			current = &patches[len(patches)-1]
			i++
		case strings.HasPrefix(line, "@@ "):
			if current == nil {
				return nil, fmt.Errorf("invalid patch: hunk without file header")
			}
			flushChunk()
			if hunkHeader.FindStringSubmatch(line) == nil {
				return nil, fmt.Errorf("invalid patch: malformed hunk header")
			}
			currentChunk = &patchChunk{}
			inLeadingContext = true
		default:
			if currentChunk == nil {
				continue
			}
			if line == "\\ No newline at end of file" || line == "" {
				continue
			}
			prefix := line[:1]
			text := ""
			if len(line) > 1 {
				text = line[1:]
			}
			switch prefix {
			case " ":
				if inLeadingContext {
					currentChunk.ContextLines = append(currentChunk.ContextLines, text)
				}
				currentChunk.OldLines = append(currentChunk.OldLines, text)
				currentChunk.NewLines = append(currentChunk.NewLines, text)
			case "-":
				inLeadingContext = false
				currentChunk.OldLines = append(currentChunk.OldLines, text)
				currentChunk.Removed++
			case "+":
				inLeadingContext = false
				currentChunk.NewLines = append(currentChunk.NewLines, text)
				currentChunk.Added++
			default:
				return nil, fmt.Errorf("invalid patch line: %s", line)
			}
		}
	}
	flushChunk()

	if len(patches) == 0 {
		return nil, fmt.Errorf("invalid patch: no file headers found")
	}
	return patches, nil
}

// applyChunks applies each chunk independently, collecting an error per
// chunk that cannot locate its anchor instead of aborting the whole file.
func applyChunks(content string, chunks []patchChunk) (updated string, additions, deletions int, errs []string, changed bool) {
	updated = content
	for n, chunk := range chunks {
		oldBlock := strings.Join(chunk.OldLines, "\n")
		newBlock := strings.Join(chunk.NewLines, "\n")

		idx := strings.Index(updated, oldBlock)
		if idx == -1 && len(chunk.ContextLines) > 0 {
			ctxBlock := strings.Join(chunk.ContextLines, "\n")
			if ctxIdx := strings.Index(updated, ctxBlock); ctxIdx != -1 {
				if rel := strings.Index(updated[ctxIdx:], oldBlock); rel != -1 {
					idx = ctxIdx + rel
				}
			}
		}
		if idx == -1 {
			errs = append(errs, fmt.Sprintf("chunk %d: could not locate context", n+1))
			continue
		}

		updated = updated[:idx] + newBlock + updated[idx+len(oldBlock):]
		changed = true
		additions += chunk.Added
		deletions += chunk.Removed
	}
	return updated, additions, deletions, errs, changed
}

func joinAddedLines(chunks []patchChunk) string {
	var lines []string
	for _, c := range chunks {
		lines = append(lines, c.NewLines...)
	}
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	return len(strings.Split(strings.TrimSuffix(s, "\n"), "\n"))
}
