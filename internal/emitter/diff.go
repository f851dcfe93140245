package emitter

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// DiffLineType classifies one line of a document diff.
type DiffLineType string

const (
	DiffAdd     DiffLineType = "add"
	DiffRemove  DiffLineType = "remove"
	DiffContext DiffLineType = "context"
)

// DiffLine is one line of a unified diff, without its marker column.
type DiffLine struct {
	Type DiffLineType `json:"type"`
	Text string       `json:"text"`
}

// Diff compares the CLAUDE.md a repository carries today with a freshly
// generated one. File headers and hunk markers are reported as context.
// Identical documents yield no lines.
func Diff(existing, generated string) ([]DiffLine, error) {
	text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        splitLines(existing),
		B:        splitLines(generated),
		FromFile: "CLAUDE.md (current)",
		ToFile:   "CLAUDE.md (generated)",
		Context:  3,
	})
	if err != nil {
		return nil, err
	}

	lines := []DiffLine{}
	inHunk := false
	for _, raw := range strings.Split(text, "\n") {
		if raw == "" {
			continue
		}
		switch {
		case strings.HasPrefix(raw, "@@"):
			inHunk = true
			lines = append(lines, DiffLine{Type: DiffContext, Text: raw})
		case !inHunk:
			lines = append(lines, DiffLine{Type: DiffContext, Text: raw})
		case strings.HasPrefix(raw, "+"):
			lines = append(lines, DiffLine{Type: DiffAdd, Text: raw[1:]})
		case strings.HasPrefix(raw, "-"):
			lines = append(lines, DiffLine{Type: DiffRemove, Text: raw[1:]})
		default:
			lines = append(lines, DiffLine{Type: DiffContext, Text: strings.TrimPrefix(raw, " ")})
		}
	}
	return lines, nil
}

// splitLines keeps an empty document empty instead of one blank line.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return difflib.SplitLines(s)
}
