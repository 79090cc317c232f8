package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	loginRatePerMinute = 10
	loginBurst         = 5
	limiterIdleTTL     = 10 * time.Minute
)

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// loginLimiter throttles login initiations per client address so a single
// caller cannot mint correlation states without bound.
type loginLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	rate    rate.Limit
	burst   int
	clock   func() time.Time
}

func newLoginLimiter(clock func() time.Time) *loginLimiter {
	if clock == nil {
		clock = time.Now
	}
	return &loginLimiter{
		entries: make(map[string]*limiterEntry),
		rate:    rate.Limit(float64(loginRatePerMinute) / 60.0),
		burst:   loginBurst,
		clock:   clock,
	}
}

func (l *loginLimiter) allow(clientAddr string) bool {
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[clientAddr]
	if !ok {
		l.pruneLocked(now)
		entry = &limiterEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.entries[clientAddr] = entry
	}
	entry.lastAccess = now
	return entry.limiter.Allow()
}

func (l *loginLimiter) pruneLocked(now time.Time) {
	for addr, entry := range l.entries {
		if now.Sub(entry.lastAccess) > limiterIdleTTL {
			delete(l.entries, addr)
		}
	}
}
