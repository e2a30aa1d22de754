// Package conflict implements the relay's conflict detector: deciding
// whether an incoming patch is merge-safe against the most recent stored
// diff for the same file, per spec.md §4.4.
package conflict

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/partsync/partsync/internal/diffengine"
	"github.com/partsync/partsync/internal/wire"
)

// fullFileRange is the sentinel range used when a patch produced zero
// hunks: treat that side as touching the whole file.
var fullFileRange = diffengine.HunkRange{Start: 0, End: int(^uint(0) >> 1)}

// Result is the outcome of Detect.
type Result struct {
	Merged       bool
	Event        *wire.ConflictEvent
	ConflictFile string
}

// Detect compares the most recent stored diff (existing) for a file
// against a newly received diff (incoming), nowMS being the caller's
// clock reading used to name the conflict file.
func Detect(existing, incoming wire.FileDiff, nowMS int64) Result {
	rangesA := ranges(existing.Patch)
	rangesB := ranges(incoming.Patch)

	if !overlaps(rangesA, rangesB) {
		return Result{Merged: true}
	}

	conflictFile := synthesizeConflictFile(incoming.File, nowMS)
	event := &wire.ConflictEvent{
		File:         incoming.File,
		ConflictFile: conflictFile,
		AuthorA:      existing.Author,
		AuthorB:      incoming.Author,
		Timestamp:    nowMS,
		Resolved:     false,
	}
	return Result{Merged: false, Event: event, ConflictFile: conflictFile}
}

func ranges(patch string) []diffengine.HunkRange {
	hunks := diffengine.HunkRanges(patch)
	if len(hunks) == 0 {
		return []diffengine.HunkRange{fullFileRange}
	}
	return hunks
}

func overlaps(a, b []diffengine.HunkRange) bool {
	for _, ra := range a {
		for _, rb := range b {
			if ra.Start <= rb.End && rb.Start <= ra.End {
				return true
			}
		}
	}
	return false
}

// synthesizeConflictFile builds <base>.conflict-<now_ms>.<ext>, defaulting
// ext to "ts" when the path has none, per spec.md §4.4. The extension
// search is scoped to the final path segment so a dotted directory name
// (e.g. "dir.v2/foo") doesn't get mistaken for a file extension.
func synthesizeConflictFile(file string, nowMS int64) string {
	name := filepath.Base(file)
	dir := file[:len(file)-len(name)]

	ext := "ts"
	if idx := strings.LastIndex(name, "."); idx >= 0 && idx < len(name)-1 {
		ext = name[idx+1:]
		name = name[:idx]
	}
	return fmt.Sprintf("%s%s.conflict-%d.%s", dir, name, nowMS, ext)
}
