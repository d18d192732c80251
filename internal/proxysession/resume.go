package proxysession

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ResumeDriver runs one message through a resumed CLI session and returns
// its output. Fire-and-wait: the subprocess runs to completion per message.
type ResumeDriver interface {
	Run(ctx context.Context, resumeID, cwd, text string) (string, error)
}

// DefaultResumeTimeout bounds one resumed-session invocation.
const DefaultResumeTimeout = 2 * time.Minute

// CLIResume invokes a coding-agent CLI with its --resume flag, one
// non-interactive prompt per message.
type CLIResume struct {
	Command string // binary name, e.g. "claude"
	Timeout time.Duration
}

// NewCLIResume creates a resume driver for the given CLI binary.
func NewCLIResume(command string) *CLIResume {
	if command == "" {
		command = "claude"
	}
	return &CLIResume{Command: command, Timeout: DefaultResumeTimeout}
}

// Run executes the resumed session synchronously under a hard timeout.
// A timeout is a normal failure path: error result, no panic, the
// subprocess is killed by the context.
func (c *CLIResume) Run(ctx context.Context, resumeID, cwd, text string) (string, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultResumeTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, c.Command, "--resume", resumeID, "-p", text)
	cmd.Dir = cwd

	out, err := cmd.CombinedOutput()
	if err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("resume session timed out after %s", timeout)
		}
		detail := strings.TrimSpace(string(out))
		if detail != "" {
			return "", fmt.Errorf("resume command failed: %w: %s", err, detail)
		}
		return "", fmt.Errorf("resume command failed: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}
