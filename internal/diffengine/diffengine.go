// Package diffengine wraps a third-party text-diff library behind the
// narrow interface the relay's coherence subsystem actually needs:
// produce a patch, apply a patch, and fingerprint content. The diff
// algorithm itself is out of scope for this module (spec.md §1); this
// package only adapts it.
package diffengine

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/sergi/go-diff/diffmatchpatch"
)

var dmp = diffmatchpatch.New()

// MakePatch produces a text patch in the library's native hunk format
// describing how to turn old into new.
func MakePatch(old, new string) string {
	diffs := dmp.DiffMain(old, new, false)
	patches := dmp.PatchMake(old, diffs)
	return dmp.PatchToText(patches)
}

// ApplyPatch applies a text patch to doc. ok is true iff every hunk in
// the patch applied cleanly. On partial application result is still the
// best-effort output — callers must write it rather than discard it
// (spec.md §7, "Patch application partial/failed").
func ApplyPatch(patchText string, doc string) (result string, ok bool) {
	patches, err := dmp.PatchFromText(patchText)
	if err != nil {
		return doc, false
	}
	if len(patches) == 0 {
		return doc, true
	}
	out, applied := dmp.PatchApply(patches, doc)
	allOK := true
	for _, a := range applied {
		if !a {
			allOK = false
			break
		}
	}
	return out, allOK
}

// Fingerprint returns the first 64 bits of SHA-256 over the UTF-8 bytes of
// text, hex-encoded to 16 characters. It is not cryptographically required
// to be collision-resistant beyond project scale (spec.md §9, "Hash
// truncation").
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:8])
}

// HasChanged reports whether a and b fingerprint differently, used to
// filter no-op saves before a patch is ever computed.
func HasChanged(a, b string) bool {
	return Fingerprint(a) != Fingerprint(b)
}

// HunkRange is a new-side {start,end} line range extracted from one hunk
// header, closed-inclusive. The conflict detector uses these to decide
// whether two patches overlap.
type HunkRange struct {
	Start int
	End   int
}

// HunkRanges extracts the new-side line ranges of every hunk in a patch,
// in the @@ -a,b +c,d @@ sense: start=c, end=c+d-1, with d defaulting to 1
// when absent. An empty return means the patch produced zero hunks; the
// conflict detector treats that as "touches the whole file."
func HunkRanges(patchText string) []HunkRange {
	patches, err := dmp.PatchFromText(patchText)
	if err != nil {
		return nil
	}
	ranges := make([]HunkRange, 0, len(patches))
	for _, p := range patches {
		start := p.Start2 + 1
		length := p.Length2
		if length <= 0 {
			length = 1
		}
		ranges = append(ranges, HunkRange{Start: start, End: start + length - 1})
	}
	return ranges
}
