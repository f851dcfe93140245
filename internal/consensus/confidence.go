// Package consensus scores agreement between independent sources and
// synthesizes the rules of a repository into a deduplicated set.
package consensus

import (
	"math"

	"github.com/fyrsmithlabs/tacit/internal/rules"
)

const (
	// MaxConfidence caps every consensus boost.
	MaxConfidence = 0.98

	// boostPerDoubling is added for every doubling of distinct sources.
	boostPerDoubling = 0.08
)

// Confidence returns base boosted by n distinct contributors or source
// types: base when n <= 1, otherwise min(0.98, base + 0.08*log2(n)).
func Confidence(base float64, n int) float64 {
	if n <= 1 {
		return base
	}
	return math.Min(MaxConfidence, base+boostPerDoubling*math.Log2(float64(n)))
}

// Priority ranks source types when choosing which of several duplicate
// rules survives synthesis. Higher wins.
func Priority(st rules.SourceType) int {
	switch st {
	case rules.SourceCIFix:
		return 4
	case rules.SourceStructure, rules.SourceDocs:
		return 3
	case rules.SourceConfig, rules.SourceAntiPattern, rules.SourceDomain:
		return 2
	case rules.SourceChangeRequest, rules.SourceConversation:
		return 1
	default:
		return 0
	}
}
