// Package sqlreader implements the sqlite3_reader member of the closed tool
// set: read-only introspection of a SQLite database via a per-request
// connection, never the long-lived storage connection.
package sqlreader

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/haasonsaas/nexus/internal/orchestrator/errkind"
	"github.com/haasonsaas/nexus/internal/orchestrator/sandbox"
	"github.com/haasonsaas/nexus/internal/orchestrator/toolapi"
)

const (
	defaultLimit   = 100
	maxLimit       = 1000
	busyTimeoutMs  = 5000
	maxDisplayRows = 20
)

var dangerousKeywords = []string{
	"DROP", "DELETE", "UPDATE", "INSERT", "CREATE", "ALTER",
	"TRUNCATE", "EXEC", "EXECUTE", "MERGE", "CALL",
}

// ReaderTool implements sqlite3_reader.
type ReaderTool struct {
	// Sandbox constrains db_path. The Coordinator passes the work's own
	// Sandbox, so db_path resolves against the working directory and a
	// database outside it is rejected.
	Sandbox *sandbox.Sandbox
}

func NewReaderTool(sb *sandbox.Sandbox) *ReaderTool { return &ReaderTool{Sandbox: sb} }

func (t *ReaderTool) Name() string        { return "sqlite3_reader" }
func (t *ReaderTool) Description() string { return "Read-only query and schema introspection against a SQLite database." }

func (t *ReaderTool) Schema() json.RawMessage {
	return toolapi.MustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"db_path": map[string]any{"type": "string", "description": "Path to the SQLite database file."},
			"mode": map[string]any{
				"type": "object",
				"description": "Either {\"query\": \"<SELECT/PRAGMA>\"} or {\"reflect\": {\"target\": \"tables|schema|table_info|indexes|views|foreign_keys|stats\", \"table_name\": \"...\"}}.",
			},
			"limit": map[string]any{"type": "integer", "description": "Row cap, default 100, hard max 1000."},
		},
		"required": []string{"db_path", "mode"},
	})
}

type queryMode struct {
	Query string `json:"query"`
}

type reflectMode struct {
	Target    string `json:"target"`
	TableName string `json:"table_name,omitempty"`
}

type sqliteRequest struct {
	Type   string `json:"type"`
	DBPath string `json:"db_path"`
	Mode   struct {
		Query   *queryMode   `json:"query,omitempty"`
		Reflect *reflectMode `json:"reflect,omitempty"`
	} `json:"mode"`
	Limit int `json:"limit,omitempty"`
}

type sqliteResponse struct {
	Type             string           `json:"type"`
	Columns          []string         `json:"columns"`
	Rows             [][]any          `json:"rows"`
	RowCount         int              `json:"row_count"`
	Truncated        bool             `json:"truncated"`
	ExecutionTimeMs  int64            `json:"execution_time_ms"`
	FormattedOutput  string           `json:"formatted_output"`
}

func (t *ReaderTool) Execute(ctx context.Context, params json.RawMessage) (*toolapi.Result, error) {
	var req sqliteRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return toolapi.ErrorResult(t.Name(), errkind.ErrValidation.String(), fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(req.DBPath) == "" {
		return toolapi.ErrorResult(t.Name(), errkind.ErrValidation.String(), "db_path is required"), nil
	}

	resolved, err := t.Sandbox.Resolve(req.DBPath)
	if err != nil {
		return toolapi.ErrorResult(t.Name(), errkind.ErrSandboxViolation.String(), "InvalidPath"), nil
	}
	info, err := os.Stat(resolved)
	if err != nil || info.IsDir() {
		return toolapi.ErrorResult(t.Name(), errkind.ErrNotFound.String(), "database file not found"), nil
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	var query string
	isReflect := false
	reflectTarget := ""
	switch {
	case req.Mode.Reflect != nil:
		isReflect = true
		reflectTarget = req.Mode.Reflect.Target
		q, err := buildReflectionQuery(req.Mode.Reflect.Target, req.Mode.Reflect.TableName)
		if err != nil {
			return toolapi.ErrorResult(t.Name(), errkind.ErrValidation.String(), err.Error()), nil
		}
		query = q
	case req.Mode.Query != nil:
		validated, err := validateAndLimit(req.Mode.Query.Query, limit)
		if err != nil {
			return toolapi.ErrorResult(t.Name(), errkind.ErrValidation.String(), err.Error()), nil
		}
		query = validated
	default:
		return toolapi.ErrorResult(t.Name(), errkind.ErrValidation.String(), "mode must set query or reflect"), nil
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro&_busy_timeout=%d", resolved, busyTimeoutMs))
	if err != nil {
		return toolapi.ErrorResult(t.Name(), errkind.ErrInternal.String(), err.Error()), nil
	}
	defer db.Close()

	queryCtx, cancel := context.WithTimeout(ctx, busyTimeoutMs*time.Millisecond+2*time.Second)
	defer cancel()

	start := time.Now()
	columns, rows, err := runQuery(queryCtx, db, query)
	elapsed := time.Since(start)
	if err != nil {
		return toolapi.ErrorResult(t.Name(), errkind.ErrValidation.String(), err.Error()), nil
	}

	truncated := len(rows) > limit && !isReflect
	if len(rows) > limit {
		rows = rows[:limit]
	}

	resp := sqliteResponse{
		Type:            t.Name(),
		Columns:         columns,
		Rows:            rows,
		RowCount:        len(rows),
		Truncated:       truncated,
		ExecutionTimeMs: elapsed.Milliseconds(),
	}
	if isReflect {
		resp.FormattedOutput = formatReflection(reflectTarget, columns, rows)
	} else {
		resp.FormattedOutput = formatRows(columns, rows)
	}
	return toolapi.OKResult(resp), nil
}

func runQuery(ctx context.Context, db *sql.DB, query string) ([]string, [][]any, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	var out [][]any
	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		values := make([]any, len(cols))
		for i, v := range raw {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			} else {
				values[i] = v
			}
		}
		out = append(out, values)
	}
	return cols, out, rows.Err()
}

// validateAndLimit runs the security pipeline: single-statement check,
// SELECT/PRAGMA-only acceptance, dangerous-keyword scan outside string
// literals, and LIMIT injection when a SELECT lacks one. No Go SQL-AST
// parser exists anywhere in the reference stack, so step 2 (accept only
// SELECT/PRAGMA query trees) is implemented as a token-level check rather
// than a full AST walk.
func validateAndLimit(query string, limit int) (string, error) {
	trimmed := strings.TrimSpace(query)
	trimmed = strings.TrimSuffix(trimmed, ";")
	if strings.Contains(stripStringLiterals(trimmed), ";") {
		return "", fmt.Errorf("only a single statement is allowed")
	}
	if trimmed == "" {
		return "", fmt.Errorf("query is required")
	}

	upperFirst := strings.ToUpper(strings.TrimSpace(trimmed))
	isSelect := strings.HasPrefix(upperFirst, "SELECT") || strings.HasPrefix(upperFirst, "WITH")
	isPragma := strings.HasPrefix(upperFirst, "PRAGMA")
	if !isSelect && !isPragma {
		return "", fmt.Errorf("only SELECT and PRAGMA statements are allowed")
	}

	scrubbed := stripStringLiterals(trimmed)
	upperScrubbed := strings.ToUpper(scrubbed)
	for _, kw := range dangerousKeywords {
		if containsWord(upperScrubbed, kw) {
			return "", fmt.Errorf("query contains a disallowed keyword: %s", kw)
		}
	}

	if isSelect && !containsWord(upperScrubbed, "LIMIT") {
		trimmed = fmt.Sprintf("%s LIMIT %d", trimmed, limit)
	}
	return trimmed, nil
}

func stripStringLiterals(s string) string {
	var b strings.Builder
	inSingle, inDouble := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\'' && !inDouble:
			inSingle = !inSingle
			b.WriteByte(' ')
		case c == '"' && !inSingle:
			inDouble = !inDouble
			b.WriteByte(' ')
		case inSingle || inDouble:
			b.WriteByte(' ')
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func containsWord(haystack, word string) bool {
	idx := 0
	for {
		pos := strings.Index(haystack[idx:], word)
		if pos == -1 {
			return false
		}
		abs := idx + pos
		before := byte(' ')
		if abs > 0 {
			before = haystack[abs-1]
		}
		after := byte(' ')
		if abs+len(word) < len(haystack) {
			after = haystack[abs+len(word)]
		}
		if !isWordChar(before) && !isWordChar(after) {
			return true
		}
		idx = abs + len(word)
	}
}

func isWordChar(b byte) bool {
	return b == '_' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// buildReflectionQuery returns the canonical SQL for each Reflect target.
func buildReflectionQuery(target, tableName string) (string, error) {
	switch target {
	case "tables":
		return "SELECT name, sql FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name", nil
	case "schema":
		return "SELECT type, name, sql FROM sqlite_master WHERE sql IS NOT NULL ORDER BY type, name", nil
	case "table_info":
		if tableName == "" {
			return "", fmt.Errorf("table_name is required for target=table_info")
		}
		return fmt.Sprintf("PRAGMA table_info(%s)", quoteIdent(tableName)), nil
	case "indexes":
		return "SELECT name, tbl_name, sql FROM sqlite_master WHERE type='index' AND name NOT LIKE 'sqlite_%' ORDER BY tbl_name, name", nil
	case "views":
		return "SELECT name, sql FROM sqlite_master WHERE type='view' ORDER BY name", nil
	case "foreign_keys":
		if tableName == "" {
			return "", fmt.Errorf("table_name is required for target=foreign_keys")
		}
		return fmt.Sprintf("PRAGMA foreign_key_list(%s)", quoteIdent(tableName)), nil
	case "stats":
		return "SELECT name, file FROM pragma_database_list UNION ALL SELECT 'Total Tables' as name, CAST(COUNT(*) as TEXT) as file FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%'", nil
	default:
		return "", fmt.Errorf("unknown reflect target: %s", target)
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func formatReflection(target string, columns []string, rows [][]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Schema Reflection (%s)\n", target)
	writeTable(&b, columns, rows)
	return b.String()
}

func formatRows(columns []string, rows [][]any) string {
	var b strings.Builder
	writeTable(&b, columns, rows)
	return b.String()
}

func writeTable(b *strings.Builder, columns []string, rows [][]any) {
	b.WriteString(strings.Join(columns, " | "))
	b.WriteString("\n")
	shown := rows
	more := 0
	if len(rows) > maxDisplayRows {
		shown = rows[:maxDisplayRows]
		more = len(rows) - maxDisplayRows
	}
	for _, row := range shown {
		parts := make([]string, len(row))
		for i, v := range row {
			parts[i] = fmt.Sprintf("%v", v)
		}
		b.WriteString(strings.Join(parts, " | "))
		b.WriteString("\n")
	}
	if more > 0 {
		fmt.Fprintf(b, "…%d more\n", more)
	}
}
