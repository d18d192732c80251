package followup

import "strings"

// DedupeMode selects the duplicate-detection strategy for a queue.
type DedupeMode string

const (
	// DedupeMessageID matches on the channel-native message id only.
	// Candidates without an id are never considered duplicates.
	DedupeMessageID DedupeMode = "message-id"
	// DedupePrompt matches on message id when present, falling back to
	// exact prompt equality when the candidate carries no id.
	DedupePrompt DedupeMode = "prompt"
	// DedupeNone disables dedup; every candidate is admitted.
	DedupeNone DedupeMode = "none"
)

// NormalizeDedupeMode maps unknown config values to the default mode.
func NormalizeDedupeMode(s string) DedupeMode {
	switch DedupeMode(s) {
	case DedupeMessageID, DedupePrompt, DedupeNone:
		return DedupeMode(s)
	default:
		return DedupeMessageID
	}
}

// isDuplicate reports whether candidate duplicates an already-queued item.
// All matches are gated on the four-field routing identity: the same message
// id arriving for a different destination is a different conversation and is
// never a duplicate. Channel adapters with at-least-once delivery (webhook
// retries) rely on the id path; text-only channels without stable ids get
// the best-effort prompt fallback under DedupePrompt.
func isDuplicate(candidate Run, existing []Run, mode DedupeMode) bool {
	if mode == DedupeNone {
		return false
	}

	msgID := strings.TrimSpace(candidate.MessageID)
	for _, item := range existing {
		if !candidate.SameOrigin(item) {
			continue
		}
		if msgID != "" {
			if strings.TrimSpace(item.MessageID) == msgID {
				return true
			}
			continue
		}
		// No message id: only the prompt mode has a fallback.
		if mode == DedupePrompt && item.Prompt == candidate.Prompt {
			return true
		}
	}
	return false
}
