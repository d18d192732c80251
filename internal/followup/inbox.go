package followup

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// InboxFileName is the well-known inbox file inside a run's workspace.
// An in-flight agent process polls it between tool calls to discover user
// input that arrived mid-run without a channel round-trip.
const InboxFileName = "OPENCLAW_INBOX.md"

// appendInboxEntry appends one timestamped block to the workspace inbox:
//
//	---
//	[2026-01-02T15:04:05Z]
//	<prompt>
//
// The file is append-only Markdown; the agent truncates it after reading.
func appendInboxEntry(workspaceDir, prompt string, ts time.Time) error {
	path := filepath.Join(workspaceDir, InboxFileName)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open inbox: %w", err)
	}
	defer f.Close()

	entry := fmt.Sprintf("\n---\n[%s]\n%s\n", ts.UTC().Format(time.RFC3339), prompt)
	if _, err := f.WriteString(entry); err != nil {
		return fmt.Errorf("append inbox entry: %w", err)
	}
	return nil
}
