package proxysession

import (
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// TmuxDriver abstracts the tmux subcommands the router needs. The real
// implementation shells out to tmux; tests substitute a fake.
type TmuxDriver interface {
	SessionExists(name string) bool
	// CapturePane returns the visible pane content.
	CapturePane(name string) (string, error)
	// CaptureFullPane returns the pane content including scrollback.
	CaptureFullPane(name string) (string, error)
	// SendText sends literal text as keystrokes, without a trailing Enter.
	SendText(name, text string) error
	// SendEnter sends a single Enter keystroke.
	SendEnter(name string) error
}

// ExecTmux drives a local tmux server via the tmux binary.
type ExecTmux struct{}

func (ExecTmux) SessionExists(name string) bool {
	return exec.Command("tmux", "has-session", "-t", name).Run() == nil
}

func (ExecTmux) CapturePane(name string) (string, error) {
	return tmuxOutput("capture-pane", "-p", "-t", name)
}

func (ExecTmux) CaptureFullPane(name string) (string, error) {
	return tmuxOutput("capture-pane", "-p", "-S", "-", "-t", name)
}

// SendText uses -l so the payload is typed literally — the message itself
// can never be interpreted as containing an Enter or a key name.
func (ExecTmux) SendText(name, text string) error {
	return tmuxRun("send-keys", "-t", name, "-l", text)
}

func (ExecTmux) SendEnter(name string) error {
	return tmuxRun("send-keys", "-t", name, "Enter")
}

func tmuxRun(args ...string) error {
	if err := exec.Command("tmux", args...).Run(); err != nil {
		return fmt.Errorf("tmux %s: %w", strings.Join(args, " "), err)
	}
	return nil
}

func tmuxOutput(args ...string) (string, error) {
	out, err := exec.Command("tmux", args...).Output()
	if err != nil {
		return "", fmt.Errorf("tmux %s: %w", strings.Join(args, " "), err)
	}
	return string(out), nil
}

// --- reply-wait protocol ---

// WaitConfig tunes the reply-wait polling loop.
type WaitConfig struct {
	InitialGrace time.Duration // wait before the first poll, target needs render time
	PollInterval time.Duration
	MaxWait      time.Duration // hard wall-clock ceiling
	StableFor    time.Duration // pane must be byte-identical this long
}

// DefaultWaitConfig mirrors the interactive-session timings the gateway ships with.
func DefaultWaitConfig() WaitConfig {
	return WaitConfig{
		InitialGrace: 3 * time.Second,
		PollInterval: 1 * time.Second,
		MaxWait:      90 * time.Second,
		StableFor:    4 * time.Second,
	}
}

// replyWait tracks pane stability across polls. A response is considered
// complete when the capture has been byte-identical for StableFor and the
// pane tail looks idle.
type replyWait struct {
	cfg         WaitConfig
	lastCapture string
	stableSince time.Time
}

// observe feeds one capture sample. Returns true when the response is complete.
func (w *replyWait) observe(capture string, now time.Time) bool {
	if capture != w.lastCapture {
		w.lastCapture = capture
		w.stableSince = now
		return false
	}
	if w.stableSince.IsZero() {
		w.stableSince = now
	}
	if now.Sub(w.stableSince) < w.cfg.StableFor {
		return false
	}
	return paneIdle(capture)
}

var (
	// busyTimerRe matches the "(Ns · ...)" elapsed-run timer some CLIs render.
	busyTimerRe = regexp.MustCompile(`\(\d+s · `)

	busyWords = []string{
		"esc to interrupt",
		"Thinking",
		"Running…",
		"Working",
	}

	// spinnerGlyphs cover braille spinners plus the star glyphs coding CLIs use.
	spinnerGlyphs = "⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏✻✽✶✳"

	promptMarkers = []string{"❯", "> ", "$ ", "│ >"}
)

// paneIdle reports whether the tail of a pane capture shows an idle prompt
// and no busy markers.
func paneIdle(capture string) bool {
	tail := capture
	if len(tail) > 600 {
		tail = tail[len(tail)-600:]
	}

	if busyTimerRe.MatchString(tail) {
		return false
	}
	for _, w := range busyWords {
		if strings.Contains(tail, w) {
			return false
		}
	}
	if strings.ContainsAny(tail, spinnerGlyphs) {
		return false
	}

	lines := nonEmptyLines(tail)
	if len(lines) == 0 {
		return false
	}
	// Look for a prompt on one of the last few lines.
	start := len(lines) - 3
	if start < 0 {
		start = 0
	}
	for _, line := range lines[start:] {
		trimmed := strings.TrimSpace(line)
		for _, m := range promptMarkers {
			if strings.HasPrefix(trimmed, strings.TrimSpace(m)) {
				return true
			}
		}
	}
	return false
}

// extractNewContent diffs the before/after captures line-wise: everything
// from the first divergent line index onward is new, minus prompt-glyph
// lines and the decorative separator rule.
func extractNewContent(before, after string) string {
	beforeLines := strings.Split(before, "\n")
	afterLines := strings.Split(after, "\n")

	divergeAt := len(afterLines)
	for i := range afterLines {
		if i >= len(beforeLines) || afterLines[i] != beforeLines[i] {
			divergeAt = i
			break
		}
	}

	var kept []string
	for _, line := range afterLines[divergeAt:] {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			kept = append(kept, line)
			continue
		}
		if isPromptGlyphLine(trimmed) || isSeparatorLine(trimmed) {
			continue
		}
		kept = append(kept, line)
	}

	return strings.TrimSpace(strings.Join(kept, "\n"))
}

func isPromptGlyphLine(trimmed string) bool {
	for _, m := range promptMarkers {
		if strings.HasPrefix(trimmed, strings.TrimSpace(m)) {
			return true
		}
	}
	return false
}

// isSeparatorLine matches the horizontal rule some TUIs draw above the prompt.
func isSeparatorLine(trimmed string) bool {
	if len(trimmed) < 8 {
		return false
	}
	for _, r := range trimmed {
		if r != '─' && r != '-' && r != '━' {
			return false
		}
	}
	return true
}

func nonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}

// sendAndWait runs the full reply-wait protocol against a tmux session:
// capture before, send the payload and Enter as two independent operations,
// sleep the initial grace, then poll until the pane is stable and idle or
// the ceiling expires. Timing out is not an error — the best-available
// extraction is returned with timedOut=true so the caller can annotate it.
func sendAndWait(driver TmuxDriver, session, text string, cfg WaitConfig, sleep func(time.Duration), now func() time.Time) (reply string, timedOut bool, err error) {
	before, err := driver.CapturePane(session)
	if err != nil {
		return "", false, fmt.Errorf("capture before send: %w", err)
	}

	if err := driver.SendText(session, text); err != nil {
		return "", false, fmt.Errorf("send text: %w", err)
	}
	if err := driver.SendEnter(session); err != nil {
		return "", false, fmt.Errorf("send enter: %w", err)
	}

	sleep(cfg.InitialGrace)

	wait := replyWait{cfg: cfg}
	deadline := now().Add(cfg.MaxWait)
	last := ""
	for {
		capture, cerr := driver.CapturePane(session)
		if cerr == nil {
			last = capture
			if wait.observe(capture, now()) {
				return extractNewContent(before, capture), false, nil
			}
		}
		if now().After(deadline) {
			return extractNewContent(before, last), true, nil
		}
		sleep(cfg.PollInterval)
	}
}
