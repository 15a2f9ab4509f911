// Package eventdedup collapses webhook retransmissions that arrive within a
// short window of each other.
package eventdedup

import (
	"strings"
	"sync"
	"time"
)

// Deduplicator reports whether an event identity was already seen in-window.
type Deduplicator interface {
	IsDuplicate(identity string) bool
	Close()
}

// Identity joins source, repository and provider event id into one key.
func Identity(source, repositoryID, eventID string) string {
	return strings.Join([]string{source, repositoryID, eventID}, ":")
}

type memoryDeduplicator struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
	now    func() time.Time
	stopCh chan struct{}
	once   sync.Once
}

// NewMemory returns an in-process deduplicator with the given window.
func NewMemory(window time.Duration) Deduplicator {
	return newMemory(window, time.Now, true)
}

func newMemory(window time.Duration, now func() time.Time, sweep bool) *memoryDeduplicator {
	if window <= 0 {
		window = 30 * time.Second
	}
	d := &memoryDeduplicator{
		window: window,
		seen:   make(map[string]time.Time),
		now:    now,
		stopCh: make(chan struct{}),
	}
	if sweep {
		go d.sweepLoop()
	}
	return d
}

// IsDuplicate records the first arrival and reports later in-window arrivals as
// duplicates without extending the window.
func (d *memoryDeduplicator) IsDuplicate(identity string) bool {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	if first, ok := d.seen[identity]; ok && now.Sub(first) < d.window {
		return true
	}
	d.seen[identity] = now
	return false
}

func (d *memoryDeduplicator) sweepLoop() {
	ticker := time.NewTicker(d.window)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.cleanup(d.now())
		case <-d.stopCh:
			return
		}
	}
}

func (d *memoryDeduplicator) cleanup(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for identity, first := range d.seen {
		if now.Sub(first) >= d.window {
			delete(d.seen, identity)
		}
	}
}

func (d *memoryDeduplicator) Close() {
	d.once.Do(func() {
		close(d.stopCh)
	})
}
