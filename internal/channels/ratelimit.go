package channels

import (
	"sync"

	"golang.org/x/time/rate"
)

// maxTrackedChats caps the number of per-chat limiters to keep memory
// bounded when chat IDs churn.
const maxTrackedChats = 4096

// ChatLimiter rate-limits outbound deliveries per chat. Safe for
// concurrent use.
type ChatLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewChatLimiter creates a limiter allowing perMinute messages per chat,
// with a small burst so short exchanges are not throttled.
func NewChatLimiter(perMinute int) *ChatLimiter {
	if perMinute <= 0 {
		perMinute = 20
	}
	return &ChatLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(perMinute) / 60.0),
		burst:    5,
	}
}

// Reserve returns the per-chat limiter, creating it on first use.
func (l *ChatLimiter) Reserve(chatID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lim, ok := l.limiters[chatID]; ok {
		return lim
	}
	if len(l.limiters) >= maxTrackedChats {
		for k := range l.limiters {
			delete(l.limiters, k)
			break
		}
	}
	lim := rate.NewLimiter(l.limit, l.burst)
	l.limiters[chatID] = lim
	return lim
}
