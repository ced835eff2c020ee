package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdleAfter  = 10 * time.Minute
	limiterSweepEvery = 1024
)

// userLimiter keeps one token bucket per user.
type userLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	entries map[string]*limiterEntry
	calls   int
	clock   func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newUserLimiter(perSecond float64, burst int) *userLimiter {
	return &userLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		entries: make(map[string]*limiterEntry),
		clock:   time.Now,
	}
}

// Allow consumes one token for userID.
func (l *userLimiter) Allow(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	l.calls++
	if l.calls%limiterSweepEvery == 0 {
		for key, entry := range l.entries {
			if now.Sub(entry.lastSeen) > limiterIdleAfter {
				delete(l.entries, key)
			}
		}
	}
	entry, ok := l.entries[userID]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.entries[userID] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}
