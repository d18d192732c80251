package followup

import (
	"log/slog"
	"sync"
	"time"
)

// Store holds the per-key follow-up queues. One Store exists per gateway
// process and is passed explicitly into the dispatch layer at startup.
// All mutations go through the store mutex, so an Enqueue call is atomic
// with respect to concurrent consumers.
type Store struct {
	mu       sync.RWMutex
	queues   map[string]*Queue
	stateDir string // runtime state directory for the handoff snapshot

	// Summarize renders dropped-item summaries. Defaults to Run.Summary.
	Summarize SummarizeFunc

	now func() time.Time // injectable clock for tests
}

// EnqueueSettings carries the per-call queue tuning resolved from config.
type EnqueueSettings struct {
	Capacity int        // 0 = DefaultQueueCapacity
	Mode     DedupeMode // "" = DedupeMessageID
}

// NewStore creates a Store whose handoff snapshot lives under stateDir.
func NewStore(stateDir string) *Store {
	return &Store{
		queues:    make(map[string]*Queue),
		stateDir:  stateDir,
		Summarize: Run.Summary,
		now:       time.Now,
	}
}

// Enqueue admits or rejects a follow-up run for a routing key.
//
// Returns false with no queue mutation when the run duplicates a queued
// item. Past dedup, LastEnqueuedAt and LastCtx are recorded unconditionally
// (they mean "most recent enqueue attempt", feeding freshness heuristics
// even when the drop policy rejects). Admitted runs are appended at the
// tail; if a run is actively draining this key, the prompt is also written
// to the workspace inbox file on a detached goroutine so the in-flight
// agent can pick it up between tool calls — that write is advisory and
// never affects the result.
func (s *Store) Enqueue(key string, run Run, settings EnqueueSettings) bool {
	mode := settings.Mode
	if mode == "" {
		mode = DedupeMessageID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[key]
	if !ok {
		q = &Queue{Mode: mode}
		s.queues[key] = q
	}

	if isDuplicate(run, q.Items, mode) {
		slog.Debug("followup: duplicate rejected",
			"key", key, "message_id", run.MessageID)
		return false
	}

	q.LastEnqueuedAt = s.now()
	q.LastCtx = run.Ctx
	q.Mode = mode

	if !applyDropPolicy(key, q, settings.Capacity, s.Summarize) {
		return false
	}

	if run.EnqueuedAt.IsZero() {
		run.EnqueuedAt = s.now()
	}
	q.Items = append(q.Items, run)

	slog.Info("followup: queued",
		"key", key,
		"depth", len(q.Items),
		"draining", q.Draining,
	)

	if q.Draining {
		dir := inboxDirFor(run, q)
		if dir != "" {
			prompt := run.Prompt
			ts := s.now()
			go func() {
				if err := appendInboxEntry(dir, prompt, ts); err != nil {
					slog.Warn("followup: inbox write failed", "dir", dir, "error", err)
				}
			}()
		}
	}

	return true
}

// QueueDepth returns the number of queued items for a key, 0 when the key
// is unknown. Read-only: probing never creates a queue.
func (s *Store) QueueDepth(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if q, ok := s.queues[key]; ok {
		return len(q.Items)
	}
	return 0
}

// Dequeue pops the head of a key's queue. Returns ok=false when empty.
func (s *Store) Dequeue(key string) (Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[key]
	if !ok || len(q.Items) == 0 {
		return Run{}, false
	}
	run := q.Items[0]
	q.Items = q.Items[1:]
	return run, true
}

// SetDraining marks whether a run is actively consuming for a key.
// Creates the queue if needed so the flag survives until the first enqueue.
func (s *Store) SetDraining(key string, draining bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[key]
	if !ok {
		q = &Queue{Mode: DedupeMessageID}
		s.queues[key] = q
	}
	q.Draining = draining
}

// IsDraining reports the draining flag for a key.
func (s *Store) IsDraining(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if q, ok := s.queues[key]; ok {
		return q.Draining
	}
	return false
}

// inboxDirFor resolves the workspace directory for the inbox side-write:
// the triggering run's context first, then the queue's last-seen context
// (covers sparse run objects on repeated routing). Empty means skip.
func inboxDirFor(run Run, q *Queue) string {
	if run.Ctx != nil && run.Ctx.WorkspaceDir != "" {
		return run.Ctx.WorkspaceDir
	}
	if q.LastCtx != nil && q.LastCtx.WorkspaceDir != "" {
		return q.LastCtx.WorkspaceDir
	}
	return ""
}
