package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/haasonsaas/nexus/pkg/models"
)

// PostgresStore is the durable Conversation Store, grounded on the
// teacher's cockroach.go connection-setup/CRUD idiom but built on
// jackc/pgx/v5's pool instead of database/sql+lib/pq, since pgx natively
// understands Go's time.Time/JSON conversions without the sql.DB scan
// shims the teacher needed.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a connection pool against dsn and verifies
// connectivity with a bounded ping, matching the teacher's
// NewCockroachStoresFromDSN contract.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 20
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the pool's connections.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Schema is the DDL this store expects to already be applied (by a
// migration tool, not by the store itself; the teacher's cockroach store
// makes the same assumption).
const Schema = `
CREATE TABLE IF NOT EXISTS works (
	id                SERIAL PRIMARY KEY,
	title             TEXT NOT NULL,
	project_id        BIGINT,
	model_id          TEXT,
	status            TEXT NOT NULL,
	git_branch        TEXT,
	working_directory TEXT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS work_messages (
	id             SERIAL PRIMARY KEY,
	work_id        BIGINT NOT NULL REFERENCES works(id),
	content        TEXT NOT NULL,
	content_type   TEXT NOT NULL,
	code_lang      TEXT,
	author_type    TEXT NOT NULL,
	author_id      TEXT,
	sequence_order INT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS agent_sessions (
	id            SERIAL PRIMARY KEY,
	work_id       BIGINT NOT NULL REFERENCES works(id),
	provider      TEXT NOT NULL,
	model         TEXT NOT NULL,
	status        TEXT NOT NULL,
	system_prompt TEXT,
	started_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	ended_at      TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS agent_messages (
	id            SERIAL PRIMARY KEY,
	session_id    BIGINT NOT NULL REFERENCES agent_sessions(id),
	role          TEXT NOT NULL,
	content       TEXT NOT NULL,
	tool_calls    JSONB,
	tool_call_id  TEXT,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS tool_calls (
	id                SERIAL PRIMARY KEY,
	session_id        BIGINT NOT NULL REFERENCES agent_sessions(id),
	message_id        BIGINT,
	tool_name         TEXT NOT NULL,
	request           JSONB NOT NULL,
	response          JSONB,
	status            TEXT NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at      TIMESTAMPTZ,
	execution_time_ms BIGINT,
	error_details     TEXT
);

CREATE TABLE IF NOT EXISTS session_output_chunks (
	id         SERIAL PRIMARY KEY,
	session_id BIGINT NOT NULL REFERENCES agent_sessions(id),
	content    TEXT NOT NULL,
	role       TEXT NOT NULL,
	model      TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *PostgresStore) CreateWork(ctx context.Context, w *models.Work) error {
	now := time.Now()
	err := s.pool.QueryRow(ctx,
		`INSERT INTO works (title, project_id, model_id, status, git_branch, working_directory, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$7) RETURNING id`,
		w.Title, w.ProjectID, w.ModelID, w.Status, w.GitBranch, w.WorkingDirectory, now,
	).Scan(&w.ID)
	if err != nil {
		return fmt.Errorf("create work: %w", err)
	}
	w.CreatedAt, w.UpdatedAt = now, now
	return nil
}

func (s *PostgresStore) GetWork(ctx context.Context, workID int64) (*models.Work, error) {
	var w models.Work
	err := s.pool.QueryRow(ctx,
		`SELECT id, title, project_id, model_id, status, git_branch, working_directory, created_at, updated_at
		 FROM works WHERE id = $1`, workID,
	).Scan(&w.ID, &w.Title, &w.ProjectID, &w.ModelID, &w.Status, &w.GitBranch, &w.WorkingDirectory, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &w, nil
}

func (s *PostgresStore) ListWorks(ctx context.Context) ([]*models.Work, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, title, project_id, model_id, status, git_branch, working_directory, created_at, updated_at
		 FROM works ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list works: %w", err)
	}
	defer rows.Close()

	var out []*models.Work
	for rows.Next() {
		var w models.Work
		if err := rows.Scan(&w.ID, &w.Title, &w.ProjectID, &w.ModelID, &w.Status, &w.GitBranch, &w.WorkingDirectory, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan work: %w", err)
		}
		out = append(out, &w)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateWorkStatus(ctx context.Context, workID int64, status models.WorkStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE works SET status = $1, updated_at = now() WHERE id = $2`, status, workID)
	if err != nil {
		return fmt.Errorf("update work status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AppendWorkMessage(ctx context.Context, msg *models.WorkMessage) (int64, error) {
	if msg.ContentType == "" {
		msg.ContentType = models.ContentText
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO work_messages (work_id, content, content_type, code_lang, author_type, author_id, sequence_order, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,
		   (SELECT COALESCE(MAX(sequence_order), 0) + 1 FROM work_messages WHERE work_id = $1),
		   now())
		 RETURNING id, sequence_order, created_at`,
		msg.WorkID, msg.Content, msg.ContentType, msg.CodeLang, msg.AuthorType, msg.AuthorID,
	).Scan(&msg.ID, &msg.SequenceOrder, &msg.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("append work message: %w", err)
	}
	return msg.ID, nil
}

func (s *PostgresStore) ListWorkMessages(ctx context.Context, workID int64) ([]*models.WorkMessage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, work_id, content, content_type, code_lang, author_type, author_id, sequence_order, created_at
		 FROM work_messages WHERE work_id = $1 ORDER BY sequence_order`, workID)
	if err != nil {
		return nil, fmt.Errorf("list work messages: %w", err)
	}
	defer rows.Close()

	var out []*models.WorkMessage
	for rows.Next() {
		var m models.WorkMessage
		var codeLang *string
		if err := rows.Scan(&m.ID, &m.WorkID, &m.Content, &m.ContentType, &codeLang, &m.AuthorType, &m.AuthorID, &m.SequenceOrder, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan work message: %w", err)
		}
		if codeLang != nil {
			m.CodeLang = *codeLang
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateSession(ctx context.Context, workID int64, provider, model, systemPrompt string) (*models.AgentSession, error) {
	sess := &models.AgentSession{WorkID: workID, Provider: provider, Model: model, Status: models.SessionRunning, SystemPrompt: systemPrompt}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO agent_sessions (work_id, provider, model, status, system_prompt, started_at)
		 VALUES ($1,$2,$3,$4,$5,now()) RETURNING id, started_at`,
		workID, provider, model, sess.Status, systemPrompt,
	).Scan(&sess.ID, &sess.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id int64) (*models.AgentSession, error) {
	var sess models.AgentSession
	err := s.pool.QueryRow(ctx,
		`SELECT id, work_id, provider, model, status, system_prompt, started_at, ended_at
		 FROM agent_sessions WHERE id = $1`, id,
	).Scan(&sess.ID, &sess.WorkID, &sess.Provider, &sess.Model, &sess.Status, &sess.SystemPrompt, &sess.StartedAt, &sess.EndedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &sess, nil
}

func (s *PostgresStore) GetRunningSession(ctx context.Context, workID int64) (*models.AgentSession, error) {
	var sess models.AgentSession
	err := s.pool.QueryRow(ctx,
		`SELECT id, work_id, provider, model, status, system_prompt, started_at, ended_at
		 FROM agent_sessions WHERE work_id = $1 AND status = $2
		 ORDER BY id DESC LIMIT 1`, workID, models.SessionRunning,
	).Scan(&sess.ID, &sess.WorkID, &sess.Provider, &sess.Model, &sess.Status, &sess.SystemPrompt, &sess.StartedAt, &sess.EndedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return &sess, nil
}

func (s *PostgresStore) UpdateSessionStatus(ctx context.Context, id int64, status models.AgentSessionStatus, ended *time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_sessions SET status = $1, ended_at = COALESCE($2, ended_at) WHERE id = $3`,
		status, ended, id)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AppendMessage(ctx context.Context, sessionID int64, role models.AgentRole, content, toolCallID string, toolCalls []models.ToolCall) (int64, error) {
	var toolCallsJSON []byte
	if len(toolCalls) > 0 {
		var err error
		toolCallsJSON, err = json.Marshal(toolCalls)
		if err != nil {
			return 0, fmt.Errorf("marshal tool calls: %w", err)
		}
	}
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO agent_messages (session_id, role, content, tool_calls, tool_call_id, created_at)
		 VALUES ($1,$2,$3,$4,$5,now()) RETURNING id`,
		sessionID, role, content, toolCallsJSON, toolCallID,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("append agent message: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, sessionID int64) ([]*models.AgentMessage, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, role, content, tool_calls, tool_call_id, created_at
		 FROM agent_messages WHERE session_id = $1 ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list agent messages: %w", err)
	}
	defer rows.Close()

	var out []*models.AgentMessage
	for rows.Next() {
		var m models.AgentMessage
		var toolCallsJSON []byte
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &toolCallsJSON, &m.ToolCallID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan agent message: %w", err)
		}
		if len(toolCallsJSON) > 0 {
			if err := json.Unmarshal(toolCallsJSON, &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("unmarshal tool calls: %w", err)
			}
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateToolCall(ctx context.Context, sessionID int64, messageID *int64, toolName string, request []byte) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO tool_calls (session_id, message_id, tool_name, request, status, created_at)
		 VALUES ($1,$2,$3,$4,$5,now()) RETURNING id`,
		sessionID, messageID, toolName, request, models.ToolCallPending,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("create tool call: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) UpdateToolCall(ctx context.Context, update ToolCallUpdate) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tool_calls
		 SET status = $1,
		     response = COALESCE($2, response),
		     error_details = CASE WHEN $3 <> '' THEN $3 ELSE error_details END,
		     completed_at = COALESCE($4, completed_at),
		     execution_time_ms = CASE WHEN $5 > 0 THEN $5 ELSE execution_time_ms END
		 WHERE id = $6`,
		update.Status, nullIfEmpty(update.Response), update.ErrorDetails, update.CompletedAt, update.ExecutionTimeMs, update.ID,
	)
	if err != nil {
		return fmt.Errorf("update tool call: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func nullIfEmpty(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

func (s *PostgresStore) ListToolCalls(ctx context.Context, sessionID int64) ([]*models.ToolCallRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, message_id, tool_name, request, response, status, created_at, completed_at, execution_time_ms, error_details
		 FROM tool_calls WHERE session_id = $1 ORDER BY id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list tool calls: %w", err)
	}
	defer rows.Close()
	return scanToolCalls(rows)
}

func (s *PostgresStore) ListToolCallsForWork(ctx context.Context, workID int64) ([]*models.ToolCallRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT tc.id, tc.session_id, tc.message_id, tc.tool_name, tc.request, tc.response, tc.status, tc.created_at, tc.completed_at, tc.execution_time_ms, tc.error_details
		 FROM tool_calls tc
		 JOIN agent_sessions s ON s.id = tc.session_id
		 WHERE s.work_id = $1 ORDER BY tc.id`, workID)
	if err != nil {
		return nil, fmt.Errorf("list tool calls for work: %w", err)
	}
	defer rows.Close()
	return scanToolCalls(rows)
}

func scanToolCalls(rows pgx.Rows) ([]*models.ToolCallRecord, error) {
	var out []*models.ToolCallRecord
	for rows.Next() {
		var tc models.ToolCallRecord
		if err := rows.Scan(&tc.ID, &tc.SessionID, &tc.MessageID, &tc.ToolName, &tc.Request, &tc.Response, &tc.Status, &tc.CreatedAt, &tc.CompletedAt, &tc.ExecutionTimeMs, &tc.ErrorDetails); err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		out = append(out, &tc)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendOutputChunk(ctx context.Context, sessionID int64, role models.ChunkRole, content, model string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO session_output_chunks (session_id, content, role, model, created_at) VALUES ($1,$2,$3,$4,now())`,
		sessionID, content, role, model)
	if err != nil {
		return fmt.Errorf("append output chunk: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListOutputChunks(ctx context.Context, workID int64) ([]*models.SessionOutputChunk, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT c.id, c.session_id, c.content, c.role, c.model, c.created_at
		 FROM session_output_chunks c
		 JOIN agent_sessions s ON s.id = c.session_id
		 WHERE s.work_id = $1 ORDER BY c.id`, workID)
	if err != nil {
		return nil, fmt.Errorf("list output chunks: %w", err)
	}
	defer rows.Close()

	var out []*models.SessionOutputChunk
	for rows.Next() {
		var c models.SessionOutputChunk
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Content, &c.Role, &c.Model, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan output chunk: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
