// Package shell implements the bash member of the closed tool set, adapted
// from the teacher's background-capable exec manager down to the
// synchronous, sandboxed, single-shot contract the spec requires.
package shell

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/nexus/internal/orchestrator/errkind"
	"github.com/haasonsaas/nexus/internal/orchestrator/sandbox"
	"github.com/haasonsaas/nexus/internal/orchestrator/toolapi"
)

const defaultTimeoutSecs = 120

// BashTool implements bash: one shell command per call, run to completion
// or killed at its timeout.
type BashTool struct {
	Sandbox        *sandbox.Sandbox
	DefaultTimeout time.Duration
	Env            map[string]string
}

func NewBashTool(sb *sandbox.Sandbox, defaultTimeout time.Duration, env map[string]string) *BashTool {
	if defaultTimeout <= 0 {
		defaultTimeout = defaultTimeoutSecs * time.Second
	}
	return &BashTool{Sandbox: sb, DefaultTimeout: defaultTimeout, Env: env}
}

func (t *BashTool) Name() string        { return "bash" }
func (t *BashTool) Description() string { return "Run a shell command inside the working directory." }

func (t *BashTool) Schema() json.RawMessage {
	return toolapi.MustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command":      map[string]any{"type": "string", "description": "Shell command to execute via /bin/bash -c."},
			"working_dir":  map[string]any{"type": "string", "description": "Directory to run in, relative to the working directory."},
			"timeout_secs": map[string]any{"type": "integer", "description": "Kill the command after this many seconds (default 120)."},
			"description":  map[string]any{"type": "string", "description": "Informational note about what the command does."},
		},
		"required": []string{"command"},
	})
}

type bashRequest struct {
	Type        string `json:"type"`
	Command     string `json:"command"`
	WorkingDir  string `json:"working_dir,omitempty"`
	TimeoutSecs int     `json:"timeout_secs,omitempty"`
	Description string `json:"description,omitempty"`
}

type bashResponse struct {
	Type               string  `json:"type"`
	Stdout             string  `json:"stdout"`
	Stderr             string  `json:"stderr"`
	ExitCode           int     `json:"exit_code"`
	TimedOut           bool    `json:"timed_out"`
	ExecutionTimeSecs  float64 `json:"execution_time_secs"`
}

func (t *BashTool) Execute(ctx context.Context, params json.RawMessage) (*toolapi.Result, error) {
	var req bashRequest
	if err := json.Unmarshal(params, &req); err != nil {
		return toolapi.ErrorResult(t.Name(), errkind.ErrValidation.String(), fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(req.Command) == "" {
		return toolapi.ErrorResult(t.Name(), errkind.ErrValidation.String(), "command is required"), nil
	}

	dir := t.Sandbox.Base
	if req.WorkingDir != "" {
		resolved, err := t.Sandbox.Resolve(req.WorkingDir)
		if err != nil {
			return toolapi.ErrorResult(t.Name(), errkind.ErrSandboxViolation.String(), "InvalidPath"), nil
		}
		dir = resolved
	}

	timeout := t.DefaultTimeout
	if req.TimeoutSecs > 0 {
		timeout = time.Duration(req.TimeoutSecs) * time.Second
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/bash", "-c", req.Command)
	cmd.Dir = dir
	env := os.Environ()
	for k, v := range t.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	stdout := newLimitedBuffer(64000)
	stderr := newLimitedBuffer(64000)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	resp := bashResponse{
		Type:              t.Name(),
		Stdout:            stdout.String(),
		Stderr:            stderr.String(),
		ExecutionTimeSecs: elapsed.Seconds(),
	}
	if runCtx.Err() == context.DeadlineExceeded {
		resp.TimedOut = true
		resp.ExitCode = -1
	} else {
		resp.ExitCode = exitCode(runErr)
	}
	return toolapi.OKResult(resp), nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode()
	}
	return -1
}

type limitedBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newLimitedBuffer(max int) *limitedBuffer { return &limitedBuffer{max: max} }

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.max > 0 && len(b.buf) >= b.max {
		return len(p), nil
	}
	remaining := b.max - len(b.buf)
	if b.max > 0 && len(p) > remaining {
		b.buf = append(b.buf, p[:remaining]...)
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
