package burst

import (
	"testing"
	"time"

	"github.com/partsync/partsync/internal/wire"
)

func TestBurstClassificationAfterThreeFastWrites(t *testing.T) {
	// P10 / scenario 4: after >=3 consecutive writes with inter-arrival
	// <50ms, the next emitted diff carries type=agent; after >=2s of
	// silence, classification reverts.
	start := time.UnixMilli(0)
	cur := start
	d := New().WithClock(func() time.Time { return cur })

	offsets := []time.Duration{0, 20 * time.Millisecond, 40 * time.Millisecond, 60 * time.Millisecond}
	var sawAgent bool
	for i, off := range offsets {
		cur = start.Add(off)
		d.RecordWrite()
		if i >= 2 { // 3rd write onward (0-indexed)
			if d.AuthorType() == wire.AuthorAgent {
				sawAgent = true
			}
		}
	}
	if !sawAgent {
		t.Fatal("expected agent classification from the 3rd write onward")
	}
	if d.LockType() != wire.LockAgentWriting {
		t.Fatalf("expected agent-writing lock type, got %s", d.LockType())
	}

	cur = cur.Add(2500 * time.Millisecond)
	if d.AuthorType() != wire.AuthorHuman {
		t.Fatalf("expected reversion to human after 2.5s idle, got %s", d.AuthorType())
	}
}

func TestSlowWritesNeverBurst(t *testing.T) {
	start := time.UnixMilli(0)
	cur := start
	d := New().WithClock(func() time.Time { return cur })

	for i := 0; i < 5; i++ {
		cur = cur.Add(500 * time.Millisecond)
		d.RecordWrite()
	}
	if d.AuthorType() != wire.AuthorHuman {
		t.Fatalf("expected human classification for slow writes, got %s", d.AuthorType())
	}
}

func TestDebounceShortensDuringBurst(t *testing.T) {
	start := time.UnixMilli(0)
	cur := start
	d := New().WithClock(func() time.Time { return cur })

	if d.DebounceInterval() != 300*time.Millisecond {
		t.Fatalf("expected default debounce 300ms, got %v", d.DebounceInterval())
	}

	for _, off := range []time.Duration{0, 10 * time.Millisecond, 20 * time.Millisecond} {
		cur = start.Add(off)
		d.RecordWrite()
	}
	if d.DebounceInterval() != 100*time.Millisecond {
		t.Fatalf("expected burst debounce 100ms, got %v", d.DebounceInterval())
	}
}
