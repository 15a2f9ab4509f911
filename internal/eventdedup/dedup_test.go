package eventdedup

import (
	"testing"
	"time"
)

func TestMemoryDeduplicatorCollapsesRetransmissions(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	d := newMemory(30*time.Second, func() time.Time { return now }, false)
	id := Identity("github", "1234", "pr:42:opened:abc")

	if d.IsDuplicate(id) {
		t.Fatal("first arrival must not be a duplicate")
	}
	now = now.Add(10 * time.Second)
	if !d.IsDuplicate(id) {
		t.Fatal("retransmission inside window must be a duplicate")
	}
	// window is anchored on the first arrival, not extended by duplicates
	now = now.Add(21 * time.Second)
	if d.IsDuplicate(id) {
		t.Fatal("arrival after window must be accepted")
	}
}

func TestMemoryDeduplicatorDistinctIdentities(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	d := newMemory(time.Minute, func() time.Time { return now }, false)
	if d.IsDuplicate(Identity("github", "1", "a")) || d.IsDuplicate(Identity("github", "2", "a")) || d.IsDuplicate(Identity("gitlab", "1", "a")) {
		t.Fatal("distinct identities must not collide")
	}
}

func TestMemoryDeduplicatorCleanup(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	d := newMemory(time.Second, func() time.Time { return now }, false)
	d.IsDuplicate("a")
	d.cleanup(now.Add(2 * time.Second))
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.seen) != 0 {
		t.Fatalf("expected expired identities to be swept, have %d", len(d.seen))
	}
}
