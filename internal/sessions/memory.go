package sessions

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/nexus/pkg/models"
)

// MemoryStore is an in-memory Store implementation for tests and local
// single-process runs, grounded on the map+mutex, clone-on-write idiom the
// teacher's original session store used.
type MemoryStore struct {
	mu sync.RWMutex

	works        map[int64]*models.Work
	workOrder    []int64
	workMessages map[int64][]*models.WorkMessage

	sessions       map[int64]*models.AgentSession
	sessionsByWork map[int64][]int64

	agentMessages      map[int64][]*models.AgentMessage
	toolCalls          map[int64]*models.ToolCallRecord
	toolCallsBySession map[int64][]int64
	outputChunks       map[int64][]*models.SessionOutputChunk

	nextWorkID     int64
	nextMessageID  int64
	nextSessionID  int64
	nextAgentMsgID int64
	nextToolCallID int64
	nextChunkID    int64
}

// NewMemoryStore builds an empty in-memory Conversation Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		works:              make(map[int64]*models.Work),
		workMessages:       make(map[int64][]*models.WorkMessage),
		sessions:           make(map[int64]*models.AgentSession),
		sessionsByWork:     make(map[int64][]int64),
		agentMessages:      make(map[int64][]*models.AgentMessage),
		toolCalls:          make(map[int64]*models.ToolCallRecord),
		toolCallsBySession: make(map[int64][]int64),
		outputChunks:       make(map[int64][]*models.SessionOutputChunk),
	}
}

func (m *MemoryStore) CreateWork(ctx context.Context, w *models.Work) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextWorkID++
	w.ID = m.nextWorkID
	now := time.Now()
	w.CreatedAt, w.UpdatedAt = now, now
	clone := *w
	m.works[w.ID] = &clone
	m.workOrder = append(m.workOrder, w.ID)
	return nil
}

func (m *MemoryStore) GetWork(ctx context.Context, workID int64) (*models.Work, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.works[workID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *w
	return &clone, nil
}

func (m *MemoryStore) ListWorks(ctx context.Context) ([]*models.Work, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Work, 0, len(m.workOrder))
	for _, id := range m.workOrder {
		clone := *m.works[id]
		out = append(out, &clone)
	}
	return out, nil
}

func (m *MemoryStore) UpdateWorkStatus(ctx context.Context, workID int64, status models.WorkStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.works[workID]
	if !ok {
		return ErrNotFound
	}
	w.Status = status
	w.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) AppendWorkMessage(ctx context.Context, msg *models.WorkMessage) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextMessageID++
	msg.ID = m.nextMessageID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	existing := m.workMessages[msg.WorkID]
	msg.SequenceOrder = int32(len(existing) + 1)
	clone := *msg
	m.workMessages[msg.WorkID] = append(existing, &clone)
	return msg.ID, nil
}

func (m *MemoryStore) ListWorkMessages(ctx context.Context, workID int64) ([]*models.WorkMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.workMessages[workID]
	out := make([]*models.WorkMessage, len(src))
	for i, msg := range src {
		clone := *msg
		out[i] = &clone
	}
	return out, nil
}

func (m *MemoryStore) CreateSession(ctx context.Context, workID int64, provider, model, systemPrompt string) (*models.AgentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSessionID++
	s := &models.AgentSession{
		ID:           m.nextSessionID,
		WorkID:       workID,
		Provider:     provider,
		Model:        model,
		Status:       models.SessionRunning,
		SystemPrompt: systemPrompt,
		StartedAt:    time.Now(),
	}
	m.sessions[s.ID] = s
	m.sessionsByWork[workID] = append(m.sessionsByWork[workID], s.ID)
	clone := *s
	return &clone, nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id int64) (*models.AgentSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *s
	return &clone, nil
}

// GetRunningSession is the only read path the Coordinator uses to decide
// whether a new session is needed, and the Coordinator calls CreateSession
// only while holding the per-work mutex. The IPC CreateAiSession method
// calls CreateSession directly, without that mutex or this check, so it
// can add a second running session for a work.
func (m *MemoryStore) GetRunningSession(ctx context.Context, workID int64) (*models.AgentSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.sessionsByWork[workID] {
		s := m.sessions[id]
		if s.Status == models.SessionRunning {
			clone := *s
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) UpdateSessionStatus(ctx context.Context, id int64, status models.AgentSessionStatus, ended *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = status
	if ended != nil {
		s.EndedAt = ended
	}
	return nil
}

func (m *MemoryStore) AppendMessage(ctx context.Context, sessionID int64, role models.AgentRole, content, toolCallID string, toolCalls []models.ToolCall) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextAgentMsgID++
	msg := &models.AgentMessage{
		ID:         m.nextAgentMsgID,
		SessionID:  sessionID,
		Role:       role,
		Content:    content,
		ToolCalls:  append([]models.ToolCall(nil), toolCalls...),
		ToolCallID: toolCallID,
		CreatedAt:  time.Now(),
	}
	m.agentMessages[sessionID] = append(m.agentMessages[sessionID], msg)
	return msg.ID, nil
}

func (m *MemoryStore) ListMessages(ctx context.Context, sessionID int64) ([]*models.AgentMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.agentMessages[sessionID]
	out := make([]*models.AgentMessage, len(src))
	copy(out, src)
	return out, nil
}

func (m *MemoryStore) CreateToolCall(ctx context.Context, sessionID int64, messageID *int64, toolName string, request []byte) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextToolCallID++
	tc := &models.ToolCallRecord{
		ID:        m.nextToolCallID,
		SessionID: sessionID,
		MessageID: messageID,
		ToolName:  toolName,
		Request:   append([]byte(nil), request...),
		Status:    models.ToolCallPending,
		CreatedAt: time.Now(),
	}
	m.toolCalls[tc.ID] = tc
	m.toolCallsBySession[sessionID] = append(m.toolCallsBySession[sessionID], tc.ID)
	return tc.ID, nil
}

func (m *MemoryStore) UpdateToolCall(ctx context.Context, update ToolCallUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tc, ok := m.toolCalls[update.ID]
	if !ok {
		return ErrNotFound
	}
	tc.Status = update.Status
	if update.Response != nil {
		tc.Response = append([]byte(nil), update.Response...)
	}
	if update.ErrorDetails != "" {
		tc.ErrorDetails = update.ErrorDetails
	}
	if update.CompletedAt != nil {
		tc.CompletedAt = update.CompletedAt
	}
	if update.ExecutionTimeMs > 0 {
		tc.ExecutionTimeMs = update.ExecutionTimeMs
	}
	return nil
}

func (m *MemoryStore) ListToolCalls(ctx context.Context, sessionID int64) ([]*models.ToolCallRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.toolCallsBySession[sessionID]
	out := make([]*models.ToolCallRecord, len(ids))
	for i, id := range ids {
		clone := *m.toolCalls[id]
		out[i] = &clone
	}
	return out, nil
}

func (m *MemoryStore) ListToolCallsForWork(ctx context.Context, workID int64) ([]*models.ToolCallRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.ToolCallRecord
	for _, sid := range m.sessionsByWork[workID] {
		for _, id := range m.toolCallsBySession[sid] {
			clone := *m.toolCalls[id]
			out = append(out, &clone)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) AppendOutputChunk(ctx context.Context, sessionID int64, role models.ChunkRole, content, model string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextChunkID++
	chunk := &models.SessionOutputChunk{
		ID:        m.nextChunkID,
		SessionID: sessionID,
		Content:   content,
		Role:      role,
		Model:     model,
		CreatedAt: time.Now(),
	}
	m.outputChunks[sessionID] = append(m.outputChunks[sessionID], chunk)
	return nil
}

func (m *MemoryStore) ListOutputChunks(ctx context.Context, workID int64) ([]*models.SessionOutputChunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.SessionOutputChunk
	for _, sid := range m.sessionsByWork[workID] {
		out = append(out, m.outputChunks[sid]...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
