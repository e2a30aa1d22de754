// Package locktable implements the relay's soft advisory lock table: an
// in-memory map mirrored to persistent storage, plus a runtime-only side
// table binding each lock to the connection identity of its holder.
//
// Per spec.md §9 ("Connection-to-lock binding"), the connection binding is
// modeled as a weak relation kept separately from the persisted LockState
// rows, so that RestoreFromStore never fabricates a binding for a
// connection that no longer exists.
package locktable

import (
	"sync"
	"time"

	"github.com/partsync/partsync/internal/wire"
)

// LockExpiry is the absolute age at which a lock is considered stale.
const LockExpiry = time.Duration(wire.LockExpiryMS) * time.Millisecond

// Persister is the subset of store.Store the lock table needs.
type Persister interface {
	SaveLock(l wire.LockState) error
	DeleteLock(file string) error
	LoadLocks() ([]wire.LockState, error)
}

type entry struct {
	state wire.LockState
	conn  string // runtime-only connection id, never persisted
}

// Table is the relay's single shared lock map. All access is serialized
// by mu; a threaded runtime must go through this type rather than its own
// locking, per spec.md §5.
type Table struct {
	mu      sync.Mutex
	entries map[string]entry
	store   Persister
	now     func() time.Time
}

// New creates an empty lock table backed by store for persistence. now
// defaults to time.Now and is overridable for deterministic tests.
func New(store Persister) *Table {
	return &Table{
		entries: make(map[string]entry),
		store:   store,
		now:     time.Now,
	}
}

// WithClock overrides the table's time source, for tests driving expiry.
func (t *Table) WithClock(now func() time.Time) *Table {
	t.now = now
	return t
}

// RestoreFromStore loads persisted locks at startup, dropping any already
// expired. No runtime connection binding is fabricated for restored locks.
func (t *Table) RestoreFromStore() error {
	rows, err := t.store.LoadLocks()
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for _, l := range rows {
		if now.Sub(msToTime(l.Since)) >= LockExpiry {
			_ = t.store.DeleteLock(l.File)
			continue
		}
		t.entries[l.File] = entry{state: l}
	}
	return nil
}

// AcquireResult is the outcome of Acquire.
type AcquireResult struct {
	OK       bool
	Existing *wire.LockState
}

// Acquire implements spec.md §4.3's acquire algorithm:
//  1. same holder already present -> refresh type/since/conn, persist, ok.
//  2. different holder, not expired -> fail, returning the existing lock.
//  3. absent or expired -> install new entry, persist, ok.
func (t *Table) Acquire(file, holder string, lockType wire.LockType, conn string) (AcquireResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	existing, present := t.entries[file]

	if present && existing.state.LockedBy == holder {
		existing.state.LockType = lockType
		existing.state.Since = timeToMS(now)
		existing.conn = conn
		t.entries[file] = existing
		if err := t.store.SaveLock(existing.state); err != nil {
			return AcquireResult{}, err
		}
		return AcquireResult{OK: true}, nil
	}

	if present && now.Sub(msToTime(existing.state.Since)) < LockExpiry {
		ex := existing.state
		return AcquireResult{OK: false, Existing: &ex}, nil
	}

	newEntry := entry{
		state: wire.LockState{File: file, LockedBy: holder, LockType: lockType, Since: timeToMS(now)},
		conn:  conn,
	}
	t.entries[file] = newEntry
	if err := t.store.SaveLock(newEntry.state); err != nil {
		return AcquireResult{}, err
	}
	return AcquireResult{OK: true}, nil
}

// Release removes the lock on file. If holder is non-empty and does not
// match the current holder, Release fails without mutating the table.
func (t *Table) Release(file, holder string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, present := t.entries[file]
	if !present {
		return true, nil
	}
	if holder != "" && existing.state.LockedBy != holder {
		return false, nil
	}
	delete(t.entries, file)
	if err := t.store.DeleteLock(file); err != nil {
		return false, err
	}
	return true, nil
}

// ReleaseForClient removes every lock whose holder matches, or whose
// runtime connection id matches conn when conn is non-empty. It returns
// the list of files released, used to decide whether to broadcast
// locks-changed.
func (t *Table) ReleaseForClient(holder, conn string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var released []string
	for file, e := range t.entries {
		match := e.state.LockedBy == holder || (conn != "" && e.conn == conn)
		if !match {
			continue
		}
		delete(t.entries, file)
		if err := t.store.DeleteLock(file); err != nil {
			return released, err
		}
		released = append(released, file)
	}
	return released, nil
}

// Get returns the lock for file, if any.
func (t *Table) Get(file string) (wire.LockState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[file]
	return e.state, ok
}

// GetAll returns a snapshot of every current lock.
func (t *Table) GetAll() []wire.LockState {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]wire.LockState, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e.state)
	}
	return out
}

// SweepExpired removes every lock whose age has reached LockExpiry.
// Called every 30s per spec.md §4.3; returns true if anything was removed
// so the caller knows to broadcast locks-changed.
func (t *Table) SweepExpired() (bool, error) {
	t.mu.Lock()
	now := t.now()
	var expired []string
	for file, e := range t.entries {
		if now.Sub(msToTime(e.state.Since)) >= LockExpiry {
			expired = append(expired, file)
		}
	}
	for _, file := range expired {
		delete(t.entries, file)
	}
	t.mu.Unlock()

	for _, file := range expired {
		if err := t.store.DeleteLock(file); err != nil {
			return len(expired) > 0, err
		}
	}
	return len(expired) > 0, nil
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func timeToMS(t time.Time) int64 {
	return t.UnixMilli()
}
