package tools

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

type fakeApprover struct {
	id       string
	err      error
	commands []string
}

func (f *fakeApprover) Authorize(ctx context.Context, command string, meta map[string]string) (string, error) {
	f.commands = append(f.commands, command)
	if f.err != nil {
		return "", f.err
	}
	return f.id, nil
}

func execParams(t *testing.T, fields map[string]any) json.RawMessage {
	t.Helper()
	params, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return params
}

func TestExecToolRunsCommand(t *testing.T) {
	tool := NewExecTool(ExecConfig{Workspace: t.TempDir()}, nil)

	result, err := tool.Execute(context.Background(), execParams(t, map[string]any{
		"command": "echo hello",
	}))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success: %s", result.Error)
	}
	if !strings.Contains(result.Content, "hello") {
		t.Fatalf("expected stdout in result: %s", result.Content)
	}

	var out ExecOutput
	if err := json.Unmarshal([]byte(result.Content), &out); err != nil {
		t.Fatalf("parse result: %v", err)
	}
	if out.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", out.ExitCode)
	}
}

func TestExecToolNonZeroExit(t *testing.T) {
	tool := NewExecTool(ExecConfig{Workspace: t.TempDir()}, nil)

	result, err := tool.Execute(context.Background(), execParams(t, map[string]any{
		"command": "exit 3",
	}))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Success {
		t.Fatal("expected failure for non-zero exit")
	}
	if !strings.Contains(result.Error, "3") {
		t.Errorf("Error = %q, want exit code", result.Error)
	}
}

func TestExecToolStdin(t *testing.T) {
	tool := NewExecTool(ExecConfig{Workspace: t.TempDir()}, nil)

	result, err := tool.Execute(context.Background(), execParams(t, map[string]any{
		"command": "cat",
		"input":   "piped input",
	}))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success: %s", result.Error)
	}
	if !strings.Contains(result.Content, "piped input") {
		t.Errorf("stdin not echoed: %s", result.Content)
	}
}

func TestExecToolAllowlist(t *testing.T) {
	tool := NewExecTool(ExecConfig{
		Workspace:       t.TempDir(),
		AllowedCommands: []string{"echo"},
	}, nil)

	result, err := tool.Execute(context.Background(), execParams(t, map[string]any{
		"command": "ls -la",
	}))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Success {
		t.Fatal("ls should be rejected by the allow list")
	}
	if !strings.Contains(result.Error, "allow list") {
		t.Errorf("Error = %q", result.Error)
	}

	result, err = tool.Execute(context.Background(), execParams(t, map[string]any{
		"command": "echo allowed",
	}))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Success {
		t.Errorf("echo should pass the allow list: %s", result.Error)
	}

	// An allow-listed head cannot smuggle a second command past sh -c.
	result, err = tool.Execute(context.Background(), execParams(t, map[string]any{
		"command": "echo ok; rm -rf /tmp/scratch",
	}))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Success {
		t.Fatal("chained command should be rejected by the strict check")
	}
	if !strings.Contains(result.Error, "metachar") {
		t.Errorf("Error = %q, want shell metacharacter rejection", result.Error)
	}
}

func TestExecToolApprovalDenied(t *testing.T) {
	approver := &fakeApprover{err: errors.New("operator denied")}
	tool := NewExecTool(ExecConfig{Workspace: t.TempDir()}, approver)

	result, err := tool.Execute(context.Background(), execParams(t, map[string]any{
		"command": "rm -rf /tmp/scratch",
	}))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Success {
		t.Fatal("denied command should not run")
	}
	if !strings.Contains(result.Error, "not approved") {
		t.Errorf("Error = %q", result.Error)
	}
	if len(approver.commands) != 1 || approver.commands[0] != "rm -rf /tmp/scratch" {
		t.Errorf("approver saw %v", approver.commands)
	}
}

func TestExecToolApprovalGranted(t *testing.T) {
	approver := &fakeApprover{id: "appr-42"}
	tool := NewExecTool(ExecConfig{Workspace: t.TempDir()}, approver)

	result, err := tool.Execute(context.Background(), execParams(t, map[string]any{
		"command": "echo approved",
	}))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("approved command failed: %s", result.Error)
	}
	if len(approver.commands) != 1 {
		t.Errorf("approver called %d times, want 1", len(approver.commands))
	}
	if got := result.Metadata["approval_id"]; got != "appr-42" {
		t.Errorf("Metadata[approval_id] = %v, want appr-42", got)
	}
}

func TestExecToolUngatedResultHasNoApprovalID(t *testing.T) {
	tool := NewExecTool(ExecConfig{Workspace: t.TempDir()}, nil)

	result, err := tool.Execute(context.Background(), execParams(t, map[string]any{
		"command": "echo open",
	}))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, ok := result.Metadata["approval_id"]; ok {
		t.Errorf("Metadata = %v, want no approval_id without an approver", result.Metadata)
	}
}

func TestExecToolTimeout(t *testing.T) {
	tool := NewExecTool(ExecConfig{
		Workspace:      t.TempDir(),
		DefaultTimeout: 100 * time.Millisecond,
	}, nil)

	start := time.Now()
	result, err := tool.Execute(context.Background(), execParams(t, map[string]any{
		"command": "sleep 5",
	}))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Success {
		t.Fatal("expected timeout failure")
	}
	if !strings.Contains(result.Error, "timed out") {
		t.Errorf("Error = %q", result.Error)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("timeout took %s", elapsed)
	}
}

func TestExecToolCwdStaysInWorkspace(t *testing.T) {
	tool := NewExecTool(ExecConfig{Workspace: t.TempDir()}, nil)

	result, err := tool.Execute(context.Background(), execParams(t, map[string]any{
		"command": "pwd",
		"cwd":     "../../etc",
	}))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Success {
		t.Fatal("cwd escaping the workspace should fail")
	}
	if !strings.Contains(result.Error, "workspace") {
		t.Errorf("Error = %q", result.Error)
	}
}

func TestExecToolMissingCommand(t *testing.T) {
	tool := NewExecTool(ExecConfig{Workspace: t.TempDir()}, nil)

	result, err := tool.Execute(context.Background(), execParams(t, map[string]any{
		"command": "   ",
	}))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Success {
		t.Fatal("blank command should fail")
	}
}

func TestLimitedBufferCapsWrites(t *testing.T) {
	buf := newLimitedBuffer(10)
	n, err := buf.Write([]byte("0123456789abcdef"))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if n != 16 {
		t.Errorf("Write returned %d, want 16", n)
	}
	if got := buf.String(); got != "0123456789" {
		t.Errorf("String() = %q, want first 10 bytes", got)
	}

	// Further writes are swallowed once full.
	buf.Write([]byte("more"))
	if got := buf.String(); got != "0123456789" {
		t.Errorf("String() after overflow = %q", got)
	}
}
