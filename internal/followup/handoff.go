package followup

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const (
	handoffFileName = "restart-handoff.json"
	handoffVersion  = 1

	// HandoffMaxAge is the staleness threshold: an older snapshot is never
	// replayed, guarding against crash-loop replay storms.
	HandoffMaxAge = 5 * time.Minute
)

// HandoffItem is the serializable projection of a Run. It carries only what
// a replay needs to resend; the live run context never hits disk.
type HandoffItem struct {
	Prompt          string `json:"prompt"`
	MessageID       string `json:"messageId,omitempty"`
	SummaryLine     string `json:"summaryLine,omitempty"`
	EnqueuedAt      int64  `json:"enqueuedAt"` // unix ms
	OriginChannel   string `json:"originChannel"`
	OriginTo        string `json:"originTo"`
	OriginAccountID string `json:"originAccountId,omitempty"`
	OriginThreadID  string `json:"originThreadId,omitempty"`
	SessionKey      string `json:"sessionKey"`
}

// HandoffQueue is one queue's slice of a handoff snapshot.
type HandoffQueue struct {
	Key   string        `json:"key"`
	Mode  DedupeMode    `json:"mode"`
	Items []HandoffItem `json:"items"`
}

// HandoffData is the top-level restart handoff snapshot.
type HandoffData struct {
	SavedAt int64          `json:"savedAt"` // unix ms
	Version int            `json:"version"`
	Queues  []HandoffQueue `json:"queues"`
}

// SubmitParams is the agent-invocation boundary used for replay: identical
// to what normal dispatch submits, so replayed items re-enter the same path.
type SubmitParams struct {
	SessionKey string
	Message    string
	MessageID  string
	Deliver    bool
	Channel    string
	To         string
	AccountID  string
	ThreadID   string
}

// SubmitFunc submits one message at the agent-invocation boundary.
type SubmitFunc func(p SubmitParams) error

func (s *Store) handoffPath() string {
	return filepath.Join(s.stateDir, handoffFileName)
}

// SaveRestartHandoff synchronously snapshots all queue items that still owe
// an external delivery (non-empty OriginTo) to the handoff file. Items with
// no external destination are transient and safe to lose on restart. Must
// run to completion before the process stops listening; a write failure is
// logged, never raised — a missed handoff degrades to lost messages, not a
// crash during shutdown.
func (s *Store) SaveRestartHandoff() {
	s.mu.RLock()
	keys := make([]string, 0, len(s.queues))
	for k := range s.queues {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	data := HandoffData{
		SavedAt: s.now().UnixMilli(),
		Version: handoffVersion,
	}
	for _, key := range keys {
		q := s.queues[key]
		if len(q.Items) == 0 {
			continue
		}
		var items []HandoffItem
		for _, run := range q.Items {
			if run.OriginTo == "" {
				continue
			}
			items = append(items, HandoffItem{
				Prompt:          run.Prompt,
				MessageID:       run.MessageID,
				SummaryLine:     run.SummaryLine,
				EnqueuedAt:      run.EnqueuedAt.UnixMilli(),
				OriginChannel:   run.OriginChannel,
				OriginTo:        run.OriginTo,
				OriginAccountID: run.OriginAccountID,
				OriginThreadID:  run.OriginThreadID,
				SessionKey:      run.SessionKey,
			})
		}
		if len(items) == 0 {
			continue
		}
		data.Queues = append(data.Queues, HandoffQueue{Key: key, Mode: q.Mode, Items: items})
	}
	s.mu.RUnlock()

	if len(data.Queues) == 0 {
		return
	}

	if err := writeHandoffFile(s.handoffPath(), &data); err != nil {
		slog.Error("handoff: save failed", "path", s.handoffPath(), "error", err)
		return
	}
	slog.Info("handoff: saved", "queues", len(data.Queues), "path", s.handoffPath())
}

// LoadAndClearRestartHandoff consumes the handoff file on startup. Returns
// nil on a clean start (no file). When the file exists it is deleted before
// its content is parsed — a crash during replay must not re-trigger the same
// replay on the next restart (at-most-once, favoring loss over crash loops).
// A snapshot older than HandoffMaxAge is discarded as stale.
func (s *Store) LoadAndClearRestartHandoff() *HandoffData {
	path := s.handoffPath()
	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("handoff: read failed", "path", path, "error", err)
			os.Remove(path)
		}
		return nil
	}

	// Delete before parsing so a poison snapshot is consumed exactly once.
	if err := os.Remove(path); err != nil {
		slog.Warn("handoff: clear failed", "path", path, "error", err)
	}

	var data HandoffData
	if err := json.Unmarshal(raw, &data); err != nil {
		slog.Warn("handoff: parse failed, discarding snapshot", "path", path, "error", err)
		return nil
	}

	age := s.now().UnixMilli() - data.SavedAt
	if age > HandoffMaxAge.Milliseconds() {
		slog.Warn("handoff: snapshot stale, discarding",
			"age_ms", age, "max_ms", HandoffMaxAge.Milliseconds())
		return nil
	}

	return &data
}

// ReplayHandoffQueues re-submits every item of a snapshot at the
// agent-invocation boundary with delivery enabled. Each item is guarded
// independently: one failure is logged and the rest still replay.
func ReplayHandoffQueues(data *HandoffData, submit SubmitFunc) {
	if data == nil {
		return
	}
	for _, q := range data.Queues {
		for _, item := range q.Items {
			err := submit(SubmitParams{
				SessionKey: item.SessionKey,
				Message:    item.Prompt,
				MessageID:  item.MessageID,
				Deliver:    true,
				Channel:    item.OriginChannel,
				To:         item.OriginTo,
				AccountID:  item.OriginAccountID,
				ThreadID:   item.OriginThreadID,
			})
			if err != nil {
				slog.Error("handoff: replay item failed",
					"key", q.Key, "session", item.SessionKey, "error", err)
				continue
			}
			slog.Info("handoff: replayed item", "key", q.Key, "to", item.OriginTo)
		}
	}
}

// writeHandoffFile persists the snapshot atomically: temp file, then rename.
func writeHandoffFile(path string, data *HandoffData) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "handoff-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}
