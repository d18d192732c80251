// Package proxysession routes conversations that have been attached to a
// live interactive session — a tmux pane or a resumed CLI session — past the
// normal agent dispatch path. While a chat is attached, its inbound messages
// go straight into the proxied session; a recognized back-command detaches.
package proxysession

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Mode identifies the proxy session backend.
type Mode string

const (
	ModeTmux   Mode = "tmux"
	ModeResume Mode = "resume"
)

// Entry is one active proxy binding for a conversation.
type Entry struct {
	Mode        Mode      `json:"mode"`
	TmuxSession string    `json:"tmuxSession,omitempty"`
	ResumeID    string    `json:"resumeId,omitempty"`
	Cwd         string    `json:"cwd,omitempty"`
	Label       string    `json:"label,omitempty"`
	SwitchedAt  time.Time `json:"switchedAt"`
}

// DisplayName returns the human-facing name for detach confirmations.
func (e Entry) DisplayName() string {
	if e.Label != "" {
		return e.Label
	}
	if e.Mode == ModeTmux {
		return e.TmuxSession
	}
	return e.ResumeID
}

// StateStore persists proxy bindings in a single JSON file keyed by chat id.
// The file is read and rewritten whole on every mutation, last-writer-wins.
// That is acceptable because mutations are driven by the single
// inbound-message path per conversation — there is exactly one logical
// writer per process.
type StateStore struct {
	path string
}

// NewStateStore creates a store backed by the given JSON file path.
func NewStateStore(path string) *StateStore {
	return &StateStore{path: path}
}

// Get returns the entry for a chat id, ok=false when not attached.
func (s *StateStore) Get(chatID string) (Entry, bool) {
	entries, err := s.load()
	if err != nil {
		return Entry{}, false
	}
	e, ok := entries[chatID]
	return e, ok
}

// Set writes or replaces the entry for a chat id.
func (s *StateStore) Set(chatID string, e Entry) error {
	entries, err := s.load()
	if err != nil {
		return err
	}
	if e.SwitchedAt.IsZero() {
		e.SwitchedAt = time.Now()
	}
	entries[chatID] = e
	return s.save(entries)
}

// Delete removes the entry for a chat id. Removing an absent entry is a no-op.
func (s *StateStore) Delete(chatID string) error {
	entries, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := entries[chatID]; !ok {
		return nil
	}
	delete(entries, chatID)
	return s.save(entries)
}

func (s *StateStore) load() (map[string]Entry, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]Entry), nil
		}
		return nil, fmt.Errorf("read session state: %w", err)
	}
	entries := make(map[string]Entry)
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse session state: %w", err)
	}
	return entries, nil
}

func (s *StateStore) save(entries map[string]Entry) error {
	raw, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(s.path, raw, 0644); err != nil {
		return fmt.Errorf("write session state: %w", err)
	}
	return nil
}
