// Package followup implements the follow-up queueing subsystem: per-session
// queues for messages that arrive while an agent run is already in progress,
// with dedup, bounded-capacity eviction, a mid-run inbox side channel, and a
// restart handoff snapshot for items that still owe an external delivery.
package followup

import (
	"strings"
	"time"
)

// summaryMaxLen bounds the fallback summary derived from the prompt.
const summaryMaxLen = 80

// RunContext is the slice of the dispatch layer's run state the queue needs.
// Produced by dispatch, read-only here.
type RunContext struct {
	WorkspaceDir string
	SessionKey   string
}

// Run is one pending follow-up unit of work for the agent.
type Run struct {
	Prompt      string
	MessageID   string // channel-native id, used for identity dedup; may be empty
	SummaryLine string // short label; falls back to a trimmed prompt prefix
	EnqueuedAt  time.Time

	// Routing identity: where the eventual reply must go. Two runs belong to
	// the same conversation thread iff all four fields are equal.
	OriginChannel   string
	OriginTo        string
	OriginAccountID string
	OriginThreadID  string

	SessionKey string
	Ctx        *RunContext
}

// SameOrigin reports whether two runs share the four-field routing identity.
func (r Run) SameOrigin(other Run) bool {
	return r.OriginChannel == other.OriginChannel &&
		r.OriginTo == other.OriginTo &&
		r.OriginAccountID == other.OriginAccountID &&
		r.OriginThreadID == other.OriginThreadID
}

// Summary returns the display label for this run: the explicit SummaryLine
// when set, otherwise a trimmed prefix of the prompt.
func (r Run) Summary() string {
	if s := strings.TrimSpace(r.SummaryLine); s != "" {
		return s
	}
	s := strings.TrimSpace(r.Prompt)
	if first := strings.IndexByte(s, '\n'); first >= 0 {
		s = s[:first]
	}
	if len(s) > summaryMaxLen {
		s = s[:summaryMaxLen] + "..."
	}
	return s
}

// Queue is one ordered follow-up queue for a routing key.
// Insertion order is delivery order. Access is serialized by the Store.
type Queue struct {
	Items          []Run
	Draining       bool // a run is actively consuming for this key
	LastEnqueuedAt time.Time
	LastCtx        *RunContext // most recent run context, workspace fallback for inbox writes
	Mode           DedupeMode  // persisted in the handoff snapshot
}
