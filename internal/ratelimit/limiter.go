// Package ratelimit implements the sliding-window request limiter used to damp
// abusive webhook senders and admin API clients.
package ratelimit

import (
	"sync"
	"time"
)

const sweepInterval = 5 * time.Minute

// Limiter decides whether another event for a subject fits in the window.
type Limiter interface {
	Allow(key string) Decision
	Close()
}

// Decision is the outcome of a single Allow call.
type Decision struct {
	Allowed bool
	Count   int
	Limit   int
	Reset   time.Time
}

// Remaining is the number of further events admitted in the current window.
func (d Decision) Remaining() int {
	if d.Limit <= 0 {
		return 0
	}
	remaining := d.Limit - d.Count
	if remaining < 0 {
		return 0
	}
	return remaining
}

type memoryLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	entries map[string][]time.Time
	now     func() time.Time
	stopCh  chan struct{}
	once    sync.Once
}

// NewMemory returns an in-process sliding-window limiter allowing limit events
// per subject within window. A non-positive limit disables limiting.
func NewMemory(limit int, window time.Duration) Limiter {
	return newMemory(limit, window, time.Now, true)
}

func newMemory(limit int, window time.Duration, now func() time.Time, sweep bool) *memoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	rl := &memoryLimiter{
		limit:   limit,
		window:  window,
		entries: make(map[string][]time.Time),
		now:     now,
		stopCh:  make(chan struct{}),
	}
	if sweep {
		go rl.sweepLoop()
	}
	return rl
}

// Allow prunes timestamps outside the window, then either records the event or
// denies it. Denied attempts are not recorded.
func (rl *memoryLimiter) Allow(key string) Decision {
	if rl.limit <= 0 {
		return Decision{Allowed: true}
	}
	now := rl.now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	stamps := prune(rl.entries[key], now.Add(-rl.window))
	if len(stamps) >= rl.limit {
		rl.entries[key] = stamps
		return Decision{Allowed: false, Count: len(stamps), Limit: rl.limit, Reset: stamps[0].Add(rl.window)}
	}
	stamps = append(stamps, now)
	rl.entries[key] = stamps
	return Decision{Allowed: true, Count: len(stamps), Limit: rl.limit, Reset: stamps[0].Add(rl.window)}
}

// prune drops timestamps at or before cutoff; stamps are in arrival order.
func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(stamps) && !stamps[idx].After(cutoff) {
		idx++
	}
	if idx == 0 {
		return stamps
	}
	return append(stamps[:0], stamps[idx:]...)
}

func (rl *memoryLimiter) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.cleanup(rl.now())
		case <-rl.stopCh:
			return
		}
	}
}

func (rl *memoryLimiter) cleanup(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	cutoff := now.Add(-rl.window)
	for key, stamps := range rl.entries {
		if stamps = prune(stamps, cutoff); len(stamps) == 0 {
			delete(rl.entries, key)
		} else {
			rl.entries[key] = stamps
		}
	}
}

func (rl *memoryLimiter) Close() {
	rl.once.Do(func() {
		close(rl.stopCh)
	})
}
