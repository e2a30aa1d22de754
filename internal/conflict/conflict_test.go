package conflict

import (
	"strings"
	"testing"

	"github.com/partsync/partsync/internal/diffengine"
	"github.com/partsync/partsync/internal/wire"
)

func TestDetectNonOverlappingMerges(t *testing.T) {
	// P1 / scenario 1: disjoint line ranges against the same previous
	// version merge cleanly with no conflict event.
	base := "line1\nline2\nline3\n"
	withAppend := base + "line4\n"
	withPrepend := "line0\n" + base

	a := wire.FileDiff{File: "foo.txt", Author: "A", Patch: diffengine.MakePatch(base, withAppend)}
	b := wire.FileDiff{File: "foo.txt", Author: "B", Patch: diffengine.MakePatch(base, withPrepend)}

	result := Detect(a, b, 1000)
	if !result.Merged {
		t.Fatalf("expected merge, got conflict: %+v", result.Event)
	}
	if result.Event != nil {
		t.Fatal("no conflict event expected on merge")
	}
}

func TestDetectOverlapProducesConflict(t *testing.T) {
	// P2 / scenario 2: overlapping new-side ranges produce exactly one
	// ConflictEvent naming both authors and a conflict file.
	base := "one\ntwo\nthree\n"
	a := wire.FileDiff{File: "foo.txt", Author: "A", Patch: diffengine.MakePatch(base, "one\nTWO-A\nthree\n")}
	b := wire.FileDiff{File: "foo.txt", Author: "B", Patch: diffengine.MakePatch(base, "one\nTWO-B\nthree\n")}

	result := Detect(a, b, 5000)
	if result.Merged {
		t.Fatal("expected conflict, got merge")
	}
	if result.Event == nil {
		t.Fatal("expected conflict event")
	}
	if result.Event.AuthorA != "A" || result.Event.AuthorB != "B" {
		t.Fatalf("unexpected authors: %+v", result.Event)
	}
	if !strings.HasPrefix(result.ConflictFile, "foo.conflict-5000.") {
		t.Fatalf("unexpected conflict file name: %s", result.ConflictFile)
	}
	if !strings.HasSuffix(result.ConflictFile, ".txt") {
		t.Fatalf("expected extension preserved, got %s", result.ConflictFile)
	}
}

func TestSynthesizeConflictFileDefaultsExtension(t *testing.T) {
	name := synthesizeConflictFile("noext", 42)
	if name != "noext.conflict-42.ts" {
		t.Fatalf("expected default ts extension, got %s", name)
	}
}

func TestDetectEmptyPatchTreatsWholeFile(t *testing.T) {
	a := wire.FileDiff{File: "f.txt", Author: "A", Patch: ""}
	b := wire.FileDiff{File: "f.txt", Author: "B", Patch: diffengine.MakePatch("x", "y")}

	result := Detect(a, b, 1)
	if result.Merged {
		t.Fatal("expected conflict when one side has zero hunks (whole-file range)")
	}
}
