package diff

import (
	"strings"
	"testing"
)

func TestArtifactSingleLineChange(t *testing.T) {
	art := Artifact("f.txt", "a\nb\nc\n", "a\nB\nc\n")

	if art.Kind != "file_diff" {
		t.Fatalf("kind = %q, want file_diff", art.Kind)
	}
	if art.Summary.Files != 1 {
		t.Errorf("files = %d, want 1", art.Summary.Files)
	}
	if art.Summary.Additions != 1 || art.Summary.Deletions != 1 {
		t.Errorf("summary = +%d/-%d, want +1/-1", art.Summary.Additions, art.Summary.Deletions)
	}
	if !strings.Contains(art.Patch, "--- a/f.txt") || !strings.Contains(art.Patch, "+++ b/f.txt") {
		t.Errorf("patch missing a/ b/ headers:\n%s", art.Patch)
	}
	if !strings.Contains(art.Patch, "-b\n") || !strings.Contains(art.Patch, "+B\n") {
		t.Errorf("patch missing expected hunk lines:\n%s", art.Patch)
	}
}

func TestArtifactAppliesCleanly(t *testing.T) {
	old := "a\nb\nc\n"
	art := Artifact("f.txt", old, "a\nB\nc\n")

	// Walk the hunk and reconstruct the new text from the old one.
	var out strings.Builder
	oldLines := strings.SplitAfter(old, "\n")
	oldLines = oldLines[:len(oldLines)-1]
	idx := 0
	for _, line := range strings.Split(art.Patch, "\n") {
		switch {
		case strings.HasPrefix(line, "---"), strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "@@"), line == "":
			continue
		case strings.HasPrefix(line, "+"):
			out.WriteString(line[1:] + "\n")
		case strings.HasPrefix(line, "-"):
			if idx >= len(oldLines) || oldLines[idx] != line[1:]+"\n" {
				t.Fatalf("deletion %q does not match old line %d", line, idx)
			}
			idx++
		case strings.HasPrefix(line, " "):
			out.WriteString(oldLines[idx])
			idx++
		}
	}
	if got := out.String(); got != "a\nB\nc\n" {
		t.Errorf("applying patch produced %q, want %q", got, "a\nB\nc\n")
	}
}

func TestArtifactNewFile(t *testing.T) {
	art := Artifact("n.txt", "", "hello\nworld\n")
	if art.Summary.Additions != 2 || art.Summary.Deletions != 0 {
		t.Errorf("summary = +%d/-%d, want +2/-0", art.Summary.Additions, art.Summary.Deletions)
	}
}

func TestArtifactNoChangeFallsBack(t *testing.T) {
	art := Artifact("same.txt", "x\n", "x\n")
	// Identical content produces no hunks; the synthetic envelope still
	// names the path.
	if !strings.Contains(art.Patch, "same.txt") {
		t.Errorf("fallback patch missing path:\n%s", art.Patch)
	}
}

func TestSummarizeSkipsHeaders(t *testing.T) {
	patch := "diff --git a/x b/x\n--- a/x\n+++ b/x\n@@ -1 +1 @@\n-old\n+new\n"
	s := Summarize(patch)
	if s.Additions != 1 || s.Deletions != 1 {
		t.Errorf("summary = +%d/-%d, want +1/-1", s.Additions, s.Deletions)
	}
}
