// Package search implements the grep member of the closed tool set.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/haasonsaas/nexus/internal/orchestrator/errkind"
	"github.com/haasonsaas/nexus/internal/orchestrator/sandbox"
	"github.com/haasonsaas/nexus/internal/orchestrator/toolapi"
)

const (
	defaultMaxResults       = 100
	defaultMaxFilesSearched = 1000
	maxResponseBytes        = 100 * 1024
)

var skipDirs = map[string]bool{
	"target":           true,
	"node_modules":     true,
	".git":             true,
	"dist":             true,
	"build":            true,
	"__pycache__":      true,
	".next":            true,
	".nuxt":            true,
	".vuepress":        true,
	".cache":           true,
	".parcel-cache":    true,
}

var skipFiles = map[string]bool{
	"Cargo.lock":        true,
	"package-lock.json": true,
	"yarn.lock":         true,
	"pnpm-lock.yaml":    true,
}

var binaryExtensions = map[string]bool{
	".exe": true, ".dll": true, ".so": true, ".dylib": true, ".bin": true,
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".bmp": true,
	".tiff": true, ".ico": true, ".pdf": true, ".zip": true, ".tar": true,
	".gz": true, ".bz2": true, ".xz": true, ".7z": true, ".rar": true,
}

// GrepTool implements grep.
type GrepTool struct {
	Sandbox *sandbox.Sandbox
}

func NewGrepTool(sb *sandbox.Sandbox) *GrepTool { return &GrepTool{Sandbox: sb} }

func (t *GrepTool) Name() string        { return "grep" }
func (t *GrepTool) Description() string { return "Search file contents with a regular expression." }

func (t *GrepTool) Schema() json.RawMessage {
	return toolapi.MustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern":              map[string]any{"type": "string", "description": "Regular expression to search for."},
			"path":                 map[string]any{"type": "string", "description": "Directory to search, relative to the working directory (default: root)."},
			"include_pattern":      map[string]any{"type": "string", "description": "Glob to restrict which files are searched."},
			"exclude_pattern":      map[string]any{"type": "string", "description": "Glob to exclude files from the search."},
			"recursive":            map[string]any{"type": "boolean", "description": "Recurse into subdirectories (default true)."},
			"case_sensitive":       map[string]any{"type": "boolean", "description": "Case-sensitive match (default false)."},
			"include_line_numbers": map[string]any{"type": "boolean", "description": "Include line numbers in results (default true)."},
			"max_results":          map[string]any{"type": "integer", "description": "Maximum number of matches (default 100)."},
			"max_files_searched":   map[string]any{"type": "integer", "description": "Maximum number of files to scan (default 1000)."},
		},
		"required": []string{"pattern"},
	})
}

type grepRequest struct {
	Type               string `json:"type"`
	Pattern            string `json:"pattern"`
	Path               string `json:"path,omitempty"`
	IncludePattern     string `json:"include_pattern,omitempty"`
	ExcludePattern     string `json:"exclude_pattern,omitempty"`
	Recursive          *bool  `json:"recursive,omitempty"`
	CaseSensitive      bool   `json:"case_sensitive,omitempty"`
	IncludeLineNumbers *bool  `json:"include_line_numbers,omitempty"`
	MaxResults         int    `json:"max_results,omitempty"`
	MaxFilesSearched   int    `json:"max_files_searched,omitempty"`
}

type grepMatch struct {
	Path string `json:"path"`
	Line int    `json:"line,omitempty"`
	Text string `json:"text"`
}

type grepResponse struct {
	Type          string      `json:"type"`
	Matches       []grepMatch `json:"matches"`
	FilesSearched int         `json:"files_searched"`
	Truncated     bool        `json:"truncated"`
}

func (t *GrepTool) Execute(ctx context.Context, params json.RawMessage) (*toolapi.Result, error) {
	var req grepRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return toolapi.ErrorResult(t.Name(), errkind.ErrValidation.String(), fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(req.Pattern) == "" {
		return toolapi.ErrorResult(t.Name(), errkind.ErrValidation.String(), "pattern is required"), nil
	}

	reSource := req.Pattern
	if !req.CaseSensitive {
		reSource = "(?i)" + reSource
	}
	re, err := regexp.Compile(reSource)
	if err != nil {
		return toolapi.ErrorResult(t.Name(), errkind.ErrValidation.String(), fmt.Sprintf("invalid pattern: %v", err)), nil
	}

	startPath := req.Path
	if strings.TrimSpace(startPath) == "" {
		startPath = "."
	}
	root, err := t.Sandbox.Resolve(startPath)
	if err != nil {
		return toolapi.ErrorResult(t.Name(), errkind.ErrSandboxViolation.String(), "InvalidPath"), nil
	}

	var includeRe, excludeRe *regexp.Regexp
	if req.IncludePattern != "" {
		includeRe, err = regexp.Compile(GlobToRegex(req.IncludePattern))
		if err != nil {
			return toolapi.ErrorResult(t.Name(), errkind.ErrValidation.String(), fmt.Sprintf("invalid include_pattern: %v", err)), nil
		}
	}
	if req.ExcludePattern != "" {
		excludeRe, err = regexp.Compile(GlobToRegex(req.ExcludePattern))
		if err != nil {
			return toolapi.ErrorResult(t.Name(), errkind.ErrValidation.String(), fmt.Sprintf("invalid exclude_pattern: %v", err)), nil
		}
	}

	recursive := true
	if req.Recursive != nil {
		recursive = *req.Recursive
	}
	includeLineNumbers := true
	if req.IncludeLineNumbers != nil {
		includeLineNumbers = *req.IncludeLineNumbers
	}
	maxResults := req.MaxResults
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}
	maxFiles := req.MaxFilesSearched
	if maxFiles <= 0 {
		maxFiles = defaultMaxFilesSearched
	}

	var files []string
	collectFiles(root, recursive, &files, maxFiles)
	sort.Strings(files)

	var matches []grepMatch
	filesSearched := 0
	truncated := false
	payloadSize := 0

outer:
	for _, path := range files {
		if filesSearched >= maxFiles {
			truncated = true
			break
		}
		rel, _ := filepath.Rel(root, path)
		if includeRe != nil && !includeRe.MatchString(rel) {
			continue
		}
		if excludeRe != nil && excludeRe.MatchString(rel) {
			continue
		}
		if binaryExtensions[strings.ToLower(filepath.Ext(path))] {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		filesSearched++
		lines := strings.Split(string(data), "\n")
		for i, line := range lines {
			if !re.MatchString(line) {
				continue
			}
			m := grepMatch{Path: rel, Text: line}
			if includeLineNumbers {
				m.Line = i + 1
			}
			matches = append(matches, m)
			payloadSize += len(rel) + len(line) + 16
			if len(matches) >= maxResults || payloadSize >= maxResponseBytes {
				truncated = true
				break outer
			}
		}
	}

	return toolapi.OKResult(grepResponse{
		Type:          t.Name(),
		Matches:       matches,
		FilesSearched: filesSearched,
		Truncated:     truncated,
	}), nil
}

func collectFiles(root string, recursive bool, out *[]string, limit int) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if len(*out) >= limit*4 { // gather a bounded superset; final cap enforced during scan
			return
		}
		name := e.Name()
		full := filepath.Join(root, name)
		if e.IsDir() {
			if skipDirs[name] {
				continue
			}
			if recursive {
				collectFiles(full, recursive, out, limit)
			}
			continue
		}
		if skipFiles[name] {
			continue
		}
		*out = append(*out, full)
	}
}

// GlobToRegex converts a glob pattern to the regex used for include/exclude
// filtering, per the mapping: "**" -> ".*", "*" -> "[^/]*", "?" -> "[^/]",
// regex metacharacters escaped, and the result anchored unless the pattern
// already starts with "*"/"**" (start anchor) or the regex already ends in
// ".*" (end anchor). The same function is reused for both include and
// exclude filters so they never drift apart.
func GlobToRegex(glob string) string {
	var b strings.Builder
	anchorStart := !strings.HasPrefix(glob, "*")

	runes := []rune(glob)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case c == '*' && i+1 < len(runes) && runes[i+1] == '*':
			b.WriteString(".*")
			i++
		case c == '*':
			b.WriteString("[^/]*")
		case c == '?':
			b.WriteString("[^/]")
		case strings.ContainsRune(`.+^$()[]{}|\`, c):
			b.WriteByte('\\')
			b.WriteRune(c)
		default:
			b.WriteRune(c)
		}
	}

	result := b.String()
	prefix := ""
	if anchorStart {
		prefix = "^"
	}
	suffix := ""
	if !strings.HasSuffix(result, ".*") {
		suffix = "$"
	}
	return prefix + result + suffix
}
