// Package diff builds unified-diff artifacts for file-mutating tools.
package diff

import (
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/loomhq/loom/pkg/models"
)

// Unified returns a unified diff between old and new text with 3 lines of
// context, using a/ and b/ prefixed headers.
func Unified(path, oldText, newText string) (string, error) {
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        difflib.SplitLines(oldText),
		B:        difflib.SplitLines(newText),
		FromFile: "a/" + path,
		ToFile:   "b/" + path,
		Context:  3,
	})
}

// Artifact builds a file_diff artifact for one mutated file. If diffing
// fails or produces no output, a synthetic envelope carrying the full old
// and new content is used so the consumer still sees the change.
func Artifact(path, oldText, newText string) *models.Artifact {
	patch, err := Unified(path, oldText, newText)
	if err != nil || strings.TrimSpace(patch) == "" {
		patch = syntheticPatch(path, oldText, newText)
	}
	summary := Summarize(patch)
	summary.Files = 1
	return &models.Artifact{
		Kind:    models.ArtifactFileDiff,
		Patch:   patch,
		Summary: summary,
	}
}

// syntheticPatch is the fallback envelope when no hunks could be produced:
// the whole old line set as deletions followed by the new one as additions.
func syntheticPatch(path, oldText, newText string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "--- a/%s\n+++ b/%s\n", path, path)
	for _, line := range splitKeepNonEmpty(oldText) {
		b.WriteString("-" + line + "\n")
	}
	for _, line := range splitKeepNonEmpty(newText) {
		b.WriteString("+" + line + "\n")
	}
	return b.String()
}

func splitKeepNonEmpty(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	return lines
}

// Summarize counts additions and deletions in a patch, skipping the +++/---
// file headers and any "diff " separator lines.
func Summarize(patch string) models.DiffSummary {
	var s models.DiffSummary
	for _, line := range strings.Split(patch, "\n") {
		switch {
		case strings.HasPrefix(line, "diff "),
			strings.HasPrefix(line, "+++"),
			strings.HasPrefix(line, "---"):
			continue
		case strings.HasPrefix(line, "+"):
			s.Additions++
		case strings.HasPrefix(line, "-"):
			s.Deletions++
		}
	}
	return s
}
