// Package coordinator implements the Work/Session Coordinator (spec §4.8):
// it ties a work id, and optionally a git branch resolved to a worktree
// directory, to at most one active Agent Loop, and serializes turns on that
// work behind a per-work mutex (spec §5).
package coordinator

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/haasonsaas/nexus/internal/broadcast"
	"github.com/haasonsaas/nexus/internal/config"
	"github.com/haasonsaas/nexus/internal/observability"
	"github.com/haasonsaas/nexus/internal/orchestrator"
	"github.com/haasonsaas/nexus/internal/orchestrator/errkind"
	"github.com/haasonsaas/nexus/internal/orchestrator/providers"
	"github.com/haasonsaas/nexus/internal/orchestrator/sandbox"
	"github.com/haasonsaas/nexus/internal/orchestrator/tools/files"
	"github.com/haasonsaas/nexus/internal/orchestrator/tools/search"
	"github.com/haasonsaas/nexus/internal/orchestrator/tools/shell"
	"github.com/haasonsaas/nexus/internal/orchestrator/tools/sqlreader"
	"github.com/haasonsaas/nexus/internal/sessions"
	"github.com/haasonsaas/nexus/pkg/models"
)

// workLock is a per-work mutex with reference counting so the map entry can
// be reclaimed once no goroutine holds or is waiting on it, the same idiom
// the agent runtime used for its per-session locks.
type workLock struct {
	mu   sync.Mutex
	refs int
}

// Coordinator is the Work/Session Coordinator.
type Coordinator struct {
	store sessions.Store
	bus   *broadcast.Broadcaster
	cfg   *config.Config

	providersMu sync.RWMutex
	providers   map[string]orchestrator.Provider

	metrics *observability.Metrics
	tracer  *observability.Tracer

	locksMu sync.Mutex
	locks   map[int64]*workLock

	cancelMu sync.Mutex
	cancels  map[int64]context.CancelFunc
}

// New builds a Coordinator. providers maps a provider name ("anthropic",
// "openai") to its constructed orchestrator.Provider adapter; only
// providers with a configured api_key should appear here.
func New(store sessions.Store, bus *broadcast.Broadcaster, providers map[string]orchestrator.Provider, cfg *config.Config) *Coordinator {
	return &Coordinator{
		store:     store,
		bus:       bus,
		providers: providers,
		cfg:       cfg,
		locks:     make(map[int64]*workLock),
		cancels:   make(map[int64]context.CancelFunc),
	}
}

// WithMetrics attaches a Metrics recorder; nil disables recording.
func (c *Coordinator) WithMetrics(m *observability.Metrics) *Coordinator {
	c.metrics = m
	return c
}

// WithTracer attaches a distributed tracer; nil disables tracing.
func (c *Coordinator) WithTracer(t *observability.Tracer) *Coordinator {
	c.tracer = t
	return c
}

// UpdateProviders swaps the live provider set, e.g. after a config
// hot-reload rotates a provider's api_key (spec §7). In-flight turns keep
// using the provider adapter they already resolved in buildLoop; only the
// next AppendUserMessage sees the new set.
func (c *Coordinator) UpdateProviders(providers map[string]orchestrator.Provider) {
	c.providersMu.Lock()
	c.providers = providers
	c.providersMu.Unlock()
}

func (c *Coordinator) provider(name string) (orchestrator.Provider, bool) {
	c.providersMu.RLock()
	defer c.providersMu.RUnlock()
	p, ok := c.providers[name]
	return p, ok
}

func (c *Coordinator) lockWork(workID int64) func() {
	c.locksMu.Lock()
	lock := c.locks[workID]
	if lock == nil {
		lock = &workLock{}
		c.locks[workID] = lock
	}
	lock.refs++
	c.locksMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		c.locksMu.Lock()
		lock.refs--
		if lock.refs <= 0 {
			delete(c.locks, workID)
		}
		c.locksMu.Unlock()
	}
}

// CreateWorkInput is the subset of POST /api/works (spec §6) the
// Coordinator resolves.
type CreateWorkInput struct {
	Title            string
	ProjectID        *int64
	ModelID          *string
	GitBranch        *string
	WorkingDirectory string // the project's base working copy (required when GitBranch is set)
}

// CreateWork resolves working_directory (translating git_branch into a
// worktree path when given) and persists the new Work.
func (c *Coordinator) CreateWork(ctx context.Context, in CreateWorkInput) (*models.Work, error) {
	workingDir := in.WorkingDirectory
	if strings.TrimSpace(workingDir) == "" {
		workingDir = c.cfg.Paths.ProjectsDefault
	}
	if in.GitBranch != nil && strings.TrimSpace(*in.GitBranch) != "" {
		resolved, err := c.resolveWorktree(ctx, in.WorkingDirectory, *in.GitBranch)
		if err != nil {
			return nil, errkind.NewInternalError("create_work", "resolve worktree", err)
		}
		workingDir = resolved
	}

	w := &models.Work{
		Title:            in.Title,
		ProjectID:        in.ProjectID,
		ModelID:          in.ModelID,
		Status:           models.WorkPending,
		GitBranch:        in.GitBranch,
		WorkingDirectory: workingDir,
	}
	if err := c.store.CreateWork(ctx, w); err != nil {
		return nil, errkind.NewInternalError("create_work", "persist work", err)
	}
	return w, nil
}

// resolveWorktree prefers an existing worktree for branch under repoPath,
// otherwise creates one under a deterministic path derived from the
// configured worktrees root.
func (c *Coordinator) resolveWorktree(ctx context.Context, repoPath, branch string) (string, error) {
	root := c.cfg.Paths.WorktreesRoot
	if root == "" {
		root = filepath.Join(repoPath, ".nexus-worktrees")
	}
	target := filepath.Join(root, sanitizeBranch(branch))

	listOut, err := exec.CommandContext(ctx, "git", "-C", repoPath, "worktree", "list", "--porcelain").Output()
	if err == nil {
		if path := findWorktreeForBranch(string(listOut), branch); path != "" {
			return path, nil
		}
	}

	add := exec.CommandContext(ctx, "git", "-C", repoPath, "worktree", "add", target, branch)
	if out, err := add.CombinedOutput(); err != nil {
		addNew := exec.CommandContext(ctx, "git", "-C", repoPath, "worktree", "add", "-b", branch, target)
		if out2, err2 := addNew.CombinedOutput(); err2 != nil {
			return "", fmt.Errorf("git worktree add failed: %s / %s", strings.TrimSpace(string(out)), strings.TrimSpace(string(out2)))
		}
	}
	return target, nil
}

func findWorktreeForBranch(porcelain, branch string) string {
	ref := "refs/heads/" + branch
	var currentPath string
	for _, line := range strings.Split(porcelain, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			currentPath = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "branch "):
			if strings.TrimPrefix(line, "branch ") == ref {
				return currentPath
			}
		}
	}
	return ""
}

func sanitizeBranch(branch string) string {
	return strings.NewReplacer("/", "-", "\\", "-", "..", "-").Replace(branch)
}

// AppendUserMessage persists a user WorkMessage, then drives (or resumes)
// the Work's Agent Loop to completion before returning, per spec §5's
// per-work mutex contract. If no session is running for the work, one is
// created using the work's model (if set) and the default provider.
func (c *Coordinator) AppendUserMessage(ctx context.Context, workID int64, content string, contentType models.WorkContentType, authorType models.AuthorType, authorID *string) error {
	unlock := c.lockWork(workID)
	defer unlock()

	work, err := c.store.GetWork(ctx, workID)
	if err != nil {
		return errkind.NewNotFoundError("append_user_message", "work not found")
	}

	msg := &models.WorkMessage{WorkID: workID, Content: content, ContentType: contentType, AuthorType: authorType, AuthorID: authorID}
	if msg.ContentType == "" {
		msg.ContentType = models.ContentText
	}
	if _, err := c.store.AppendWorkMessage(ctx, msg); err != nil {
		return errkind.NewInternalError("append_user_message", "append work message", err)
	}

	if authorType != models.AuthorUser {
		return nil
	}

	session, err := c.store.GetRunningSession(ctx, workID)
	if err != nil {
		session, err = c.startSession(ctx, work)
		if err != nil {
			return err
		}
	}

	if err := c.store.UpdateWorkStatus(ctx, workID, models.WorkRunning); err != nil {
		return errkind.NewInternalError("append_user_message", "update work status", err)
	}

	turnCtx, cancel := context.WithCancel(ctx)
	c.cancelMu.Lock()
	c.cancels[workID] = cancel
	c.cancelMu.Unlock()
	defer func() {
		c.cancelMu.Lock()
		delete(c.cancels, workID)
		c.cancelMu.Unlock()
		cancel()
	}()

	loop, err := c.buildLoop(work, session)
	if err != nil {
		return err
	}
	c.metrics.WorkStarted()
	defer c.metrics.WorkFinished()
	return loop.ProcessMessage(turnCtx, work, session, content)
}

func (c *Coordinator) startSession(ctx context.Context, work *models.Work) (*models.AgentSession, error) {
	providerName := c.cfg.Defaults.Provider
	model := c.cfg.Defaults.Model
	if work.ModelID != nil && *work.ModelID != "" {
		model = *work.ModelID
	}
	if _, ok := c.provider(providerName); !ok {
		return nil, errkind.NewValidationError("append_user_message", fmt.Sprintf("provider %q is not configured", providerName))
	}
	return c.store.CreateSession(ctx, work.ID, providerName, model, "")
}

// buildLoop constructs a fresh ToolRegistry sandboxed to the work's
// working_directory and wires it into a new Loop for this turn.
func (c *Coordinator) buildLoop(work *models.Work, session *models.AgentSession) (*orchestrator.Loop, error) {
	provider, ok := c.provider(session.Provider)
	if !ok {
		return nil, errkind.NewValidationError("append_user_message", fmt.Sprintf("provider %q is not configured", session.Provider))
	}

	sb, err := sandbox.New(work.WorkingDirectory, c.cfg.Sandbox.FollowSymlinks)
	if err != nil {
		return nil, errkind.NewInternalError("append_user_message", "build sandbox", err)
	}
	registry := orchestrator.NewToolRegistry(
		files.NewListTool(sb),
		files.NewReadTool(sb, c.cfg.Limits.ReadFileMaxBytes),
		files.NewWriteTool(sb),
		files.NewApplyPatchTool(sb),
		search.NewGrepTool(sb),
		shell.NewBashTool(sb, c.cfg.Limits.BashDefaultTimeout, nil),
		sqlreader.NewReaderTool(sb),
	)

	cfg := orchestrator.DefaultLoopConfig()
	cfg.MaxIterations = c.cfg.Limits.MaxIterations
	cfg.TurnDeadline = c.cfg.Limits.TurnDeadline
	cfg.IsRetryable = retryClassifierFor(session.Provider)

	return orchestrator.NewLoop(provider, registry, c.store, c.bus, cfg).WithMetrics(c.metrics).WithTracer(c.tracer), nil
}

// retryClassifierFor picks the provider-specific transient-error classifier
// (rate limits, 5xx, connection resets) so completeWithRetry never retries
// an auth or validation failure, per spec §4.1. Any error carrying
// errkind.ErrTransient is also treated as retryable.
func retryClassifierFor(provider string) func(error) bool {
	var providerClassifier func(error) bool
	switch provider {
	case "anthropic":
		providerClassifier = providers.IsAnthropicRetryableError
	case "openai":
		providerClassifier = providers.IsOpenAIRetryableError
	default:
		providerClassifier = func(error) bool { return false }
	}
	return func(err error) bool {
		return providerClassifier(err) || errkind.Is(err, errkind.ErrTransient)
	}
}

// Cancel signals the work's in-flight turn, if any, to stop before its next
// provider round-trip; an in-flight tool call is still allowed to finish.
func (c *Coordinator) Cancel(workID int64) error {
	c.cancelMu.Lock()
	cancel, ok := c.cancels[workID]
	c.cancelMu.Unlock()
	if !ok {
		return errkind.NewNotFoundError("cancel", "no active session for this work")
	}
	cancel()
	return nil
}

// GetTranscript returns the Work's ordered, user-facing message history.
func (c *Coordinator) GetTranscript(ctx context.Context, workID int64) ([]*models.WorkMessage, error) {
	return c.store.ListWorkMessages(ctx, workID)
}
