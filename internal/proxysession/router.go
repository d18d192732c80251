package proxysession

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// maxReplyChars caps proxied output sent back to the chat.
	maxReplyChars = 4000
	// screenTailChars caps the "show screen" pane dump.
	screenTailChars = 3000
)

// backCommands is the fixed detach vocabulary, matched case-insensitively
// against the whole trimmed message.
var backCommands = []string{
	"back", "exit", "quit", "detach",
	"назад", "выход", "выйти",
	"quay lại", "thoát",
	"返回", "退出",
}

// screenCommands ask for the current pane content without sending anything
// to the remote session.
var screenCommands = []string{
	"screen", "show screen",
	"экран", "покажи экран",
	"màn hình",
	"屏幕",
}

// Result is the outcome of a proxy attempt. Handled=false means no proxy
// session owns the chat and the caller must fall through to normal dispatch.
type Result struct {
	Handled  bool
	Response string
}

// Router intercepts inbound messages for conversations attached to an
// interactive session. It is consulted before agent dispatch.
type Router struct {
	store  *StateStore
	tmux   TmuxDriver
	resume ResumeDriver

	waitCfg WaitConfig
	sleep   func(time.Duration)
	now     func() time.Time
}

// NewRouter creates a Router over the given state store and drivers.
func NewRouter(store *StateStore, tmux TmuxDriver, resume ResumeDriver) *Router {
	return &Router{
		store:   store,
		tmux:    tmux,
		resume:  resume,
		waitCfg: DefaultWaitConfig(),
		sleep:   time.Sleep,
		now:     time.Now,
	}
}

// SetWaitConfig overrides the tmux reply-wait tuning.
func (r *Router) SetWaitConfig(cfg WaitConfig) {
	r.waitCfg = cfg
}

// Attach binds a conversation to an interactive session.
func (r *Router) Attach(chatID string, e Entry) error {
	if err := r.store.Set(chatID, e); err != nil {
		return err
	}
	slog.Info("proxysession: attached", "chat_id", chatID, "mode", e.Mode, "label", e.DisplayName())
	return nil
}

// TryProxyMessage routes one inbound message for a chat. When the chat has
// no proxy binding, Handled is false and the caller continues with normal
// agent dispatch.
func (r *Router) TryProxyMessage(ctx context.Context, chatID, text string) Result {
	entry, ok := r.store.Get(chatID)
	if !ok {
		return Result{Handled: false}
	}

	trimmed := strings.TrimSpace(text)
	if isBackCommand(trimmed) {
		if err := r.store.Delete(chatID); err != nil {
			slog.Warn("proxysession: detach failed", "chat_id", chatID, "error", err)
		}
		slog.Info("proxysession: detached by back-command", "chat_id", chatID)
		return Result{
			Handled:  true,
			Response: fmt.Sprintf("Detached from %s session %q. Messages go to the agent again.", entry.Mode, entry.DisplayName()),
		}
	}

	switch entry.Mode {
	case ModeTmux:
		return r.proxyTmux(chatID, entry, trimmed, text)
	case ModeResume:
		return r.proxyResume(ctx, entry, text)
	default:
		// Unknown mode in the state file: clear it rather than eating
		// messages forever.
		r.store.Delete(chatID)
		return Result{Handled: true, Response: fmt.Sprintf("Unknown session mode %q, detached.", entry.Mode)}
	}
}

func (r *Router) proxyTmux(chatID string, entry Entry, trimmed, original string) Result {
	if !r.tmux.SessionExists(entry.TmuxSession) {
		r.store.Delete(chatID)
		slog.Info("proxysession: tmux session gone, auto-detached",
			"chat_id", chatID, "session", entry.TmuxSession)
		return Result{
			Handled:  true,
			Response: fmt.Sprintf("tmux session %q not found — detached. Messages go to the agent again.", entry.TmuxSession),
		}
	}

	if isScreenCommand(trimmed) {
		capture, err := r.tmux.CaptureFullPane(entry.TmuxSession)
		if err != nil {
			return Result{Handled: true, Response: fmt.Sprintf("Failed to capture tmux session %q: %v", entry.TmuxSession, err)}
		}
		return Result{Handled: true, Response: tailChars(strings.TrimRight(capture, "\n"), screenTailChars)}
	}

	reply, timedOut, err := sendAndWait(r.tmux, entry.TmuxSession, original, r.waitCfg, r.sleep, r.now)
	if err != nil {
		return Result{Handled: true, Response: fmt.Sprintf("Failed to send to tmux session %q: %v", entry.TmuxSession, err)}
	}
	if reply == "" {
		reply = "(no response)"
	}
	reply = headChars(reply, maxReplyChars)
	if timedOut {
		reply += "\n\n(timeout — output may be incomplete)"
	}
	return Result{Handled: true, Response: reply}
}

func (r *Router) proxyResume(ctx context.Context, entry Entry, text string) Result {
	out, err := r.resume.Run(ctx, entry.ResumeID, entry.Cwd, text)
	if err != nil {
		// Transient failure: keep the binding so the user can retry.
		slog.Warn("proxysession: resume run failed", "resume_id", entry.ResumeID, "error", err)
		return Result{
			Handled:  true,
			Response: fmt.Sprintf("Resume session %q failed: %v", entry.DisplayName(), err),
		}
	}
	if out == "" {
		out = "(no response)"
	}
	return Result{Handled: true, Response: headChars(out, maxReplyChars)}
}

func isBackCommand(trimmed string) bool {
	lower := strings.ToLower(trimmed)
	for _, cmd := range backCommands {
		if lower == cmd {
			return true
		}
	}
	return false
}

func isScreenCommand(trimmed string) bool {
	lower := strings.ToLower(trimmed)
	for _, cmd := range screenCommands {
		if lower == cmd {
			return true
		}
	}
	return false
}

// headChars and tailChars truncate on rune boundaries; a reply cut mid-rune
// is invalid UTF-8 and Telegram rejects it.

func headChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func tailChars(s string, n int) string {
	if len(s) <= n {
		return s
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}
