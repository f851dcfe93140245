// Package similarity decides whether two rule texts state the same
// convention, semantically through a Comparer or by character-sequence
// ratio as a fallback.
package similarity

import (
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// Ratio returns the SequenceMatcher similarity ratio of the lowercased
// rune sequences of a and b, in [0, 1]. Two empty strings are identical.
func Ratio(a, b string) float64 {
	if a == "" && b == "" {
		return 1
	}
	return difflib.NewMatcher(runes(a), runes(b)).Ratio()
}

func runes(s string) []string {
	s = strings.ToLower(s)
	out := make([]string, 0, len(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

// IsNearDuplicate reports whether text is more similar than threshold to
// any of existing.
func IsNearDuplicate(text string, existing []string, threshold float64) bool {
	for _, e := range existing {
		if Ratio(text, e) > threshold {
			return true
		}
	}
	return false
}

// Best returns the index and ratio of the candidate most similar to text.
// Ties go to the lowest index. Index is -1 when candidates is empty.
func Best(text string, candidates []string) (int, float64) {
	best, bestRatio := -1, 0.0
	for i, c := range candidates {
		if r := Ratio(text, c); best < 0 || r > bestRatio {
			best, bestRatio = i, r
		}
	}
	return best, bestRatio
}
