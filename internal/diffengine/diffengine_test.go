package diffengine

import "testing"

func TestFingerprintRoundTrip(t *testing.T) {
	// P9: fingerprint(apply_patch(make_patch(a,b), a).result) == fingerprint(b)
	// when the patch applies cleanly.
	cases := []struct {
		name     string
		old, new string
	}{
		{"append line", "line1\nline2\nline3\n", "line1\nline2\nline3\nline4\n"},
		{"prepend line", "line1\nline2\n", "line0\nline1\nline2\n"},
		{"replace middle", "one\ntwo\nthree\n", "one\nTWO-A\nthree\n"},
		{"empty to content", "", "hello world\n"},
		{"no-op", "same content\n", "same content\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			patch := MakePatch(tc.old, tc.new)
			result, ok := ApplyPatch(patch, tc.old)
			if !ok {
				t.Fatalf("expected clean apply, patch=%q", patch)
			}
			if Fingerprint(result) != Fingerprint(tc.new) {
				t.Fatalf("fingerprint mismatch: got %q want %q (result=%q)",
					Fingerprint(result), Fingerprint(tc.new), result)
			}
		})
	}
}

func TestHasChanged(t *testing.T) {
	if HasChanged("same", "same") {
		t.Fatal("identical content should not be reported as changed")
	}
	if !HasChanged("a", "b") {
		t.Fatal("different content should be reported as changed")
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	a := Fingerprint("hello")
	b := Fingerprint("hello")
	if a != b {
		t.Fatalf("fingerprint not deterministic: %q vs %q", a, b)
	}
	if len(a) != 16 {
		t.Fatalf("expected 16 hex chars, got %d: %q", len(a), a)
	}
}

func TestHunkRangesEmptyPatchIsFullFile(t *testing.T) {
	ranges := HunkRanges("")
	if len(ranges) != 0 {
		t.Fatalf("expected zero hunks for empty patch, got %v", ranges)
	}
}

func TestHunkRangesNonEmpty(t *testing.T) {
	old := "a\nb\nc\nd\ne\n"
	new := "a\nb\nXX\nd\ne\n"
	patch := MakePatch(old, new)
	ranges := HunkRanges(patch)
	if len(ranges) == 0 {
		t.Fatalf("expected at least one hunk range for a replace, patch=%q", patch)
	}
	for _, r := range ranges {
		if r.Start > r.End {
			t.Fatalf("invalid range %v", r)
		}
	}
}
