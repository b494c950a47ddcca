package gateway

import (
	"sync"
	"time"
)

// SlidingWindowLimiter allows at most maxEvents events per key within a
// trailing window. Keys are typically client addresses. Safe for
// concurrent use.
type SlidingWindowLimiter struct {
	mu        sync.Mutex
	maxEvents int
	window    time.Duration
	events    map[string][]time.Time
	now       func() time.Time
}

// NewSlidingWindowLimiter creates a limiter. maxEvents and window must be
// positive.
func NewSlidingWindowLimiter(maxEvents int, window time.Duration) *SlidingWindowLimiter {
	return &SlidingWindowLimiter{
		maxEvents: maxEvents,
		window:    window,
		events:    make(map[string][]time.Time),
		now:       time.Now,
	}
}

// Allow records an event for key and reports whether it fits in the
// window. A rejected call does not consume capacity.
func (l *SlidingWindowLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	kept := l.events[key][:0]
	for _, t := range l.events[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= l.maxEvents {
		l.events[key] = kept
		return false
	}
	l.events[key] = append(kept, now)
	return true
}
