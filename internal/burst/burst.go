// Package burst classifies a client's current author type — human or
// agent — from the cadence of its file writes, per spec.md §4.7.
package burst

import (
	"time"

	"github.com/partsync/partsync/internal/wire"
)

const (
	windowSize     = 20
	burstCount     = wire.AIBurstCount
	burstThreshold = time.Duration(wire.AIBurstThresholdMS) * time.Millisecond
	fallback       = 2 * time.Second
)

// Detector tracks the last windowSize write timestamps for one client and
// derives whether the client is currently in a "burst" (agent) or not.
type Detector struct {
	writes     []time.Time
	inBurst    bool
	burstUntil time.Time
	now        func() time.Time
}

// New creates a detector in the human state.
func New() *Detector {
	return &Detector{now: time.Now}
}

// WithClock overrides the detector's time source, for deterministic tests.
func (d *Detector) WithClock(now func() time.Time) *Detector {
	d.now = now
	return d
}

// RecordWrite records a write at the detector's current time and updates
// the burst classification in place.
func (d *Detector) RecordWrite() {
	d.RecordWriteAt(d.now())
}

// RecordWriteAt records a write at an explicit time, for tests.
func (d *Detector) RecordWriteAt(t time.Time) {
	d.writes = append(d.writes, t)
	if len(d.writes) > windowSize {
		d.writes = d.writes[len(d.writes)-windowSize:]
	}

	if d.recentBurst() {
		d.inBurst = true
		d.burstUntil = t.Add(fallback)
	}
}

// recentBurst reports whether the last burstCount writes all have
// consecutive inter-arrivals under burstThreshold.
func (d *Detector) recentBurst() bool {
	if len(d.writes) < burstCount {
		return false
	}
	recent := d.writes[len(d.writes)-burstCount:]
	for i := 1; i < len(recent); i++ {
		if recent[i].Sub(recent[i-1]) >= burstThreshold {
			return false
		}
	}
	return true
}

// IsAgent reports the current classification, expiring the burst state
// once the 2-second fallback timer has elapsed without a new burst.
func (d *Detector) IsAgent() bool {
	return d.IsAgentAt(d.now())
}

// IsAgentAt reports the classification as of an explicit time, for tests.
func (d *Detector) IsAgentAt(t time.Time) bool {
	if d.inBurst && !t.Before(d.burstUntil) {
		d.inBurst = false
	}
	return d.inBurst
}

// AuthorType returns the wire.AuthorType this detector currently implies.
func (d *Detector) AuthorType() wire.AuthorType {
	if d.IsAgent() {
		return wire.AuthorAgent
	}
	return wire.AuthorHuman
}

// LockType returns the wire.LockType this detector currently implies.
func (d *Detector) LockType() wire.LockType {
	if d.IsAgent() {
		return wire.LockAgentWriting
	}
	return wire.LockEditing
}

// DebounceInterval returns the debounce window this detector currently
// implies: shortened during a burst to track rapid generation.
func (d *Detector) DebounceInterval() time.Duration {
	if d.IsAgent() {
		return time.Duration(wire.AIBurstDebounceMS) * time.Millisecond
	}
	return time.Duration(wire.DebounceMS) * time.Millisecond
}
