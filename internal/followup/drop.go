package followup

import "log/slog"

// DefaultQueueCapacity bounds a follow-up queue when config gives no limit.
const DefaultQueueCapacity = 10

// SummarizeFunc renders a one-line human-readable summary of a dropped item
// so eviction is never silently lossy.
type SummarizeFunc func(Run) string

// applyDropPolicy decides whether a new item may enter a bounded queue and
// evicts existing items to make room. Policy: FIFO — when the queue is at
// capacity the oldest entry is dropped, its summary surfaced through the
// summarizer. Returns true when the new item should be appended.
//
// Callers run this only after dedup has admitted the candidate, so rejected
// duplicates never trigger an eviction.
func applyDropPolicy(key string, q *Queue, capacity int, summarize SummarizeFunc) bool {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}

	for len(q.Items) >= capacity {
		dropped := q.Items[0]
		q.Items = q.Items[1:]

		summary := ""
		if summarize != nil {
			summary = summarize(dropped)
		}
		slog.Warn("followup: queue full, dropped oldest item",
			"key", key,
			"capacity", capacity,
			"dropped", summary,
		)
	}
	return true
}
