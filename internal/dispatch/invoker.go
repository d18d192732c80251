package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// CLIInvoker runs agent turns by invoking a coding-agent CLI in print mode.
type CLIInvoker struct {
	// Command is the agent binary, e.g. "claude".
	Command string
	// WorkDir is the agent workspace.
	WorkDir string
	// Timeout caps one turn. Zero disables the cap.
	Timeout time.Duration
}

// NewCLIInvoker creates an invoker for the given binary and workspace.
func NewCLIInvoker(command, workDir string, timeout time.Duration) *CLIInvoker {
	if command == "" {
		command = "claude"
	}
	return &CLIInvoker{Command: command, WorkDir: workDir, Timeout: timeout}
}

// Invoke runs one agent turn and returns its stdout as the reply. The
// session key is passed so the CLI can keep per-conversation history.
func (c *CLIInvoker) Invoke(ctx context.Context, sessionKey, prompt string) (string, error) {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Command, "--session", sessionKey, "-p", prompt)
	cmd.Dir = c.WorkDir

	out, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("agent turn timed out after %s", c.Timeout)
		}
		detail := strings.TrimSpace(string(out))
		if detail != "" {
			return "", fmt.Errorf("agent command failed: %w: %s", err, detail)
		}
		return "", fmt.Errorf("agent command failed: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}
