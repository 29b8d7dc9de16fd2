package httpapi

import (
	"sync"
	"time"
)

// SlidingWindowLimiter admits at most limit events within any window. Admitted
// timestamps live in a fixed ring so memory stays bounded by limit.
type SlidingWindowLimiter struct {
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	ring []time.Time
	next int
	used int
}

// NewSlidingWindowLimiter constructs a limiter allowing up to limit events per
// window. A non-positive window or limit disables limiting.
func NewSlidingWindowLimiter(window time.Duration, limit int, timeSource func() time.Time) *SlidingWindowLimiter {
	if timeSource == nil {
		timeSource = time.Now
	}
	l := &SlidingWindowLimiter{window: window, now: timeSource}
	if window > 0 && limit > 0 {
		l.ring = make([]time.Time, limit)
	}
	return l
}

// Allow reports whether the caller may proceed under the current rate limits.
func (l *SlidingWindowLimiter) Allow() bool {
	ok, _ := l.Reserve()
	return ok
}

// Reserve admits the caller or reports how long until the oldest event expires.
func (l *SlidingWindowLimiter) Reserve() (bool, time.Duration) {
	if l == nil || len(l.ring) == 0 {
		return true, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	//1.- Retire expired events from the oldest end of the ring.
	for l.used > 0 {
		oldest := l.ring[(l.next-l.used+len(l.ring))%len(l.ring)]
		if oldest.After(now.Add(-l.window)) {
			break
		}
		l.used--
	}
	if l.used == len(l.ring) {
		oldest := l.ring[l.next]
		return false, oldest.Add(l.window).Sub(now)
	}
	l.ring[l.next] = now
	l.next = (l.next + 1) % len(l.ring)
	l.used++
	return true, 0
}
