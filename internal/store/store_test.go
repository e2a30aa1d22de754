package store

import (
	"testing"

	"github.com/partsync/partsync/internal/wire"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestInsertDiffAssignsMonotonicID(t *testing.T) {
	s := newTestStore(t)

	id1, err := s.InsertDiff(wire.FileDiff{File: "a.txt", Patch: "p1", Author: "alice", Type: wire.AuthorHuman, Timestamp: 1, Version: "v1", PreviousVersion: "v0"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	id2, err := s.InsertDiff(wire.FileDiff{File: "a.txt", Patch: "p2", Author: "alice", Type: wire.AuthorHuman, Timestamp: 2, Version: "v2", PreviousVersion: "v1"})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if id2 <= id1 {
		t.Fatalf("expected monotonic ids, got %d then %d", id1, id2)
	}
}

func TestUpsertVersionCoherence(t *testing.T) {
	// P6: after an accepted diff d, file_versions[d.file].hash == d.version.
	s := newTestStore(t)

	if err := s.UpsertVersion("a.txt", "hash1", 100); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	v, err := s.GetVersion("a.txt")
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	if v.Hash != "hash1" {
		t.Fatalf("expected hash1, got %s", v.Hash)
	}

	if err := s.UpsertVersion("a.txt", "hash2", 200); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	v, err = s.GetVersion("a.txt")
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	if v.Hash != "hash2" || v.Timestamp != 200 {
		t.Fatalf("expected single-row replace, got %+v", v)
	}
}

func TestDiffsByFileNewestFirst(t *testing.T) {
	s := newTestStore(t)
	for i := int64(1); i <= 3; i++ {
		if _, err := s.InsertDiff(wire.FileDiff{File: "a.txt", Patch: "p", Author: "a", Type: wire.AuthorHuman, Timestamp: i, Version: "v", PreviousVersion: "v"}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	diffs, err := s.DiffsByFile("a.txt", 100)
	if err != nil {
		t.Fatalf("diffs by file: %v", err)
	}
	if len(diffs) != 3 {
		t.Fatalf("expected 3 diffs, got %d", len(diffs))
	}
	if diffs[0].Timestamp != 3 || diffs[2].Timestamp != 1 {
		t.Fatalf("expected newest first, got timestamps %d,%d,%d", diffs[0].Timestamp, diffs[1].Timestamp, diffs[2].Timestamp)
	}
}

func TestDiffsSinceOldestFirstAndFallback(t *testing.T) {
	s := newTestStore(t)
	s.InsertDiff(wire.FileDiff{File: "a.txt", Patch: "p1", Author: "a", Type: wire.AuthorHuman, Timestamp: 1, Version: "v1", PreviousVersion: "v0"})
	s.InsertDiff(wire.FileDiff{File: "a.txt", Patch: "p2", Author: "a", Type: wire.AuthorHuman, Timestamp: 2, Version: "v2", PreviousVersion: "v1"})
	s.InsertDiff(wire.FileDiff{File: "a.txt", Patch: "p3", Author: "a", Type: wire.AuthorHuman, Timestamp: 3, Version: "v3", PreviousVersion: "v2"})

	since, err := s.DiffsSince("a.txt", "v1")
	if err != nil {
		t.Fatalf("diffs since: %v", err)
	}
	if len(since) != 2 {
		t.Fatalf("expected 2 diffs since v1, got %d", len(since))
	}
	if since[0].Version != "v2" || since[1].Version != "v3" {
		t.Fatalf("expected oldest first v2,v3 got %s,%s", since[0].Version, since[1].Version)
	}

	// Unknown version -> every diff for the file.
	all, err := s.DiffsSince("a.txt", "no-such-version")
	if err != nil {
		t.Fatalf("diffs since unknown: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected fallback to all 3 diffs, got %d", len(all))
	}
}

func TestPruneKeepsNewestByTimestamp(t *testing.T) {
	// P5: count(diffs where file=F) <= MAX_DIFF_HISTORY after each insert.
	s := newTestStore(t)
	for i := int64(1); i <= 5; i++ {
		s.InsertDiff(wire.FileDiff{File: "a.txt", Patch: "p", Author: "a", Type: wire.AuthorHuman, Timestamp: i, Version: "v", PreviousVersion: "v"})
	}
	if err := s.Prune("a.txt", 3); err != nil {
		t.Fatalf("prune: %v", err)
	}
	n, err := s.CountByFile("a.txt")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Fatalf("expected 3 rows after prune, got %d", n)
	}
	diffs, err := s.DiffsByFile("a.txt", 100)
	if err != nil {
		t.Fatalf("diffs: %v", err)
	}
	for _, d := range diffs {
		if d.Timestamp < 3 {
			t.Fatalf("expected oldest rows pruned, found timestamp %d", d.Timestamp)
		}
	}
}

func TestByIDNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.ByID(999); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLockPersistenceRoundTrip(t *testing.T) {
	s := newTestStore(t)
	l := wire.LockState{File: "x.ts", LockedBy: "alice", LockType: wire.LockEditing, Since: 1000}
	if err := s.SaveLock(l); err != nil {
		t.Fatalf("save lock: %v", err)
	}
	locks, err := s.LoadLocks()
	if err != nil {
		t.Fatalf("load locks: %v", err)
	}
	if len(locks) != 1 || locks[0].LockedBy != "alice" {
		t.Fatalf("unexpected locks: %+v", locks)
	}
	if err := s.DeleteLock("x.ts"); err != nil {
		t.Fatalf("delete lock: %v", err)
	}
	locks, err = s.LoadLocks()
	if err != nil {
		t.Fatalf("load locks: %v", err)
	}
	if len(locks) != 0 {
		t.Fatalf("expected no locks after delete, got %+v", locks)
	}
}

func TestConflictInsertAndRecent(t *testing.T) {
	s := newTestStore(t)
	_, err := s.InsertConflict(wire.ConflictEvent{File: "a.txt", ConflictFile: "a.conflict-1.txt", AuthorA: "alice", AuthorB: "bob", Timestamp: 1})
	if err != nil {
		t.Fatalf("insert conflict: %v", err)
	}
	recent, err := s.RecentConflicts(10)
	if err != nil {
		t.Fatalf("recent conflicts: %v", err)
	}
	if len(recent) != 1 || recent[0].AuthorA != "alice" {
		t.Fatalf("unexpected conflicts: %+v", recent)
	}
}
