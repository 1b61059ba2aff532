package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	safeexec "github.com/haasonsaas/relay/internal/exec"
	"github.com/haasonsaas/relay/pkg/models"
)

// Approver gates exec commands. Authorize blocks until the command is
// approved, returning the approval request ID on a grant and an error
// when it is rejected or the wait times out.
type Approver interface {
	Authorize(ctx context.Context, command string, meta map[string]string) (approvalID string, err error)
}

// ExecConfig configures the exec tool.
type ExecConfig struct {
	// Workspace is the working directory commands run in.
	Workspace string

	// AllowedCommands restricts the first token of the command line.
	// Empty allows any command (approval still applies).
	AllowedCommands []string

	// DefaultTimeout bounds command runtime when the call does not set one.
	DefaultTimeout time.Duration

	// MaxOutput bounds captured stdout/stderr bytes.
	MaxOutput int
}

// ExecTool runs shell commands in the workspace, gated by an Approver.
type ExecTool struct {
	config   ExecConfig
	approver Approver
}

// NewExecTool creates an exec tool. A nil approver runs commands ungated;
// production wiring passes the approval manager.
func NewExecTool(config ExecConfig, approver Approver) *ExecTool {
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 60 * time.Second
	}
	if config.MaxOutput <= 0 {
		config.MaxOutput = 64000
	}
	return &ExecTool{config: config, approver: approver}
}

func (t *ExecTool) Name() string { return "exec" }

func (t *ExecTool) Description() string {
	return "Run a shell command in the workspace. Commands may require operator approval."
}

func (t *ExecTool) RequiredPermissions() []string {
	return []string{"exec"}
}

func (t *ExecTool) Schema() json.RawMessage {
	return mustSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Shell command to execute.",
			},
			"cwd": map[string]any{
				"type":        "string",
				"description": "Working directory (relative to workspace).",
			},
			"input": map[string]any{
				"type":        "string",
				"description": "Stdin content to pass to the command.",
			},
			"timeout_seconds": map[string]any{
				"type":        "integer",
				"description": "Timeout in seconds (0 = tool default).",
				"minimum":     0,
			},
		},
		"required": []string{"command"},
	})
}

// ExecOutput summarizes a completed command.
type ExecOutput struct {
	Command  string `json:"command"`
	Cwd      string `json:"cwd,omitempty"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr,omitempty"`
	ExitCode int    `json:"exit_code"`
	Duration string `json:"duration"`
}

func (t *ExecTool) Execute(ctx context.Context, params json.RawMessage) (*models.ToolResult, error) {
	var input struct {
		Command        string `json:"command"`
		Cwd            string `json:"cwd"`
		Input          string `json:"input"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}

	command := trimCommand(input.Command)
	if command == "" {
		return toolError("command is required"), nil
	}
	if err := t.checkAllowlist(command); err != nil {
		return toolError(err.Error()), nil
	}

	var approvalID string
	if t.approver != nil {
		id, err := t.approver.Authorize(ctx, command, map[string]string{"cwd": input.Cwd})
		if err != nil {
			return toolError(fmt.Sprintf("command not approved: %v", err)), nil
		}
		approvalID = id
	}

	timeout := t.config.DefaultTimeout
	if input.TimeoutSeconds > 0 {
		timeout = time.Duration(input.TimeoutSeconds) * time.Second
	}

	result, err := t.runCommand(ctx, command, input.Cwd, input.Input, timeout)
	if err != nil {
		return toolError(err.Error()), nil
	}

	payload, _ := json.MarshalIndent(result, "", "  ")
	out := &models.ToolResult{
		Success: result.ExitCode == 0,
		Content: string(payload),
		Error:   nonZeroExitError(result.ExitCode),
	}
	if approvalID != "" {
		out.Metadata = map[string]any{"approval_id": approvalID}
	}
	return out, nil
}

// checkAllowlist matches the first token against the configured allow
// list. The command runs through sh -c, so an allow-listed head is only
// trustworthy on a line the strict check accepts.
func (t *ExecTool) checkAllowlist(command string) error {
	if len(t.config.AllowedCommands) == 0 {
		return nil
	}
	if err := safeexec.CheckStrict(command); err != nil {
		return err
	}
	head := safeexec.Head(command)
	for _, allowed := range t.config.AllowedCommands {
		if head == allowed {
			return nil
		}
	}
	return fmt.Errorf("command %q is not in the allow list", head)
}

func (t *ExecTool) runCommand(ctx context.Context, command, cwd, stdin string, timeout time.Duration) (*ExecOutput, error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)

	dir := t.config.Workspace
	if cwd != "" {
		resolved, err := resolveWithin(t.config.Workspace, cwd)
		if err != nil {
			return nil, err
		}
		dir = resolved
	}
	if dir != "" {
		cmd.Dir = dir
	}

	stdout := newLimitedBuffer(t.config.MaxOutput)
	stderr := newLimitedBuffer(t.config.MaxOutput)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	start := time.Now()
	err := cmd.Run()
	out := &ExecOutput{
		Command:  command,
		Cwd:      cmd.Dir,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode(err),
		Duration: time.Since(start).Round(time.Millisecond).String(),
	}
	if runCtx.Err() == context.DeadlineExceeded {
		return nil, &TimeoutError{Tool: "exec", Timeout: timeout}
	}
	return out, nil
}

// resolveWithin joins rel to root and rejects escapes above the root.
func resolveWithin(root, rel string) (string, error) {
	if root == "" {
		return rel, nil
	}
	joined := filepath.Join(root, rel)
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	joinedAbs, err := filepath.Abs(joined)
	if err != nil {
		return "", err
	}
	if joinedAbs != rootAbs && !strings.HasPrefix(joinedAbs, rootAbs+string(filepath.Separator)) {
		return "", fmt.Errorf("cwd must stay inside the workspace")
	}
	return joinedAbs, nil
}

func nonZeroExitError(code int) string {
	if code == 0 {
		return ""
	}
	return fmt.Sprintf("exit status %d", code)
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

// limitedBuffer caps captured output, silently discarding the overflow.
type limitedBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newLimitedBuffer(max int) *limitedBuffer {
	return &limitedBuffer{max: max}
}

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
