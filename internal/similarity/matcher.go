package similarity

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultTimeout bounds a single Comparer call.
	DefaultTimeout = 10 * time.Second

	// DefaultSemanticThreshold is the minimum comparer similarity accepted.
	DefaultSemanticThreshold = 0.60

	// DefaultFallbackThreshold is the ratio a fallback match must exceed.
	DefaultFallbackThreshold = 0.65
)

// Method names how a Result was decided.
type Method string

const (
	MethodSemantic Method = "semantic"
	MethodFallback Method = "fallback"
	MethodNone     Method = "none"
)

// Match is a comparer verdict. Index is -1 when nothing matched.
type Match struct {
	Index      int     `json:"match_index"`
	Similarity float64 `json:"similarity"`
}

// Comparer judges which of candidates states the same convention as text.
type Comparer interface {
	Compare(ctx context.Context, text string, candidates []string) (Match, error)
}

// Result is the outcome of Matcher.FindMatch.
type Result struct {
	Index      int     `json:"index"`
	Similarity float64 `json:"similarity"`
	Matched    bool    `json:"matched"`
	Method     Method  `json:"method"`
}

// Matcher finds the candidate that matches a text, preferring the
// Comparer and falling back to Ratio when it is unavailable, errors,
// times out or answers with an index out of range. A well-formed comparer
// verdict of "no match" (index -1, or similarity below the semantic
// threshold) is final.
type Matcher struct {
	Comparer          Comparer
	Timeout           time.Duration
	SemanticThreshold float64
	FallbackThreshold float64
	Logger            *zap.Logger
}

// NewMatcher returns a Matcher with default thresholds.
func NewMatcher(c Comparer, logger *zap.Logger) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{
		Comparer:          c,
		Timeout:           DefaultTimeout,
		SemanticThreshold: DefaultSemanticThreshold,
		FallbackThreshold: DefaultFallbackThreshold,
		Logger:            logger,
	}
}

// FindMatch returns the best candidate for text.
func (m *Matcher) FindMatch(ctx context.Context, text string, candidates []string) Result {
	none := Result{Index: -1, Method: MethodNone}
	if len(candidates) == 0 {
		return none
	}

	if m.Comparer != nil {
		if res, decided := m.semantic(ctx, text, candidates); decided {
			return res
		}
	}

	idx, ratio := Best(text, candidates)
	if idx >= 0 && ratio > m.fallbackThreshold() {
		return Result{Index: idx, Similarity: ratio, Matched: true, Method: MethodFallback}
	}
	return none
}

func (m *Matcher) semantic(ctx context.Context, text string, candidates []string) (Result, bool) {
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	match, err := m.Comparer.Compare(ctx, text, candidates)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		m.logger().Debug("semantic comparison failed, using fallback", zap.Error(err))
		return Result{}, false
	}
	if match.Index == -1 {
		return Result{Index: -1, Method: MethodNone}, true
	}
	if match.Index < 0 || match.Index >= len(candidates) {
		m.logger().Debug("comparer index out of range, using fallback",
			zap.Int("index", match.Index), zap.Int("candidates", len(candidates)))
		return Result{}, false
	}
	if match.Similarity < m.semanticThreshold() {
		return Result{Index: -1, Similarity: match.Similarity, Method: MethodNone}, true
	}
	return Result{Index: match.Index, Similarity: match.Similarity, Matched: true, Method: MethodSemantic}, true
}

func (m *Matcher) semanticThreshold() float64 {
	if m.SemanticThreshold <= 0 {
		return DefaultSemanticThreshold
	}
	return m.SemanticThreshold
}

func (m *Matcher) fallbackThreshold() float64 {
	if m.FallbackThreshold <= 0 {
		return DefaultFallbackThreshold
	}
	return m.FallbackThreshold
}

func (m *Matcher) logger() *zap.Logger {
	if m.Logger == nil {
		return zap.NewNop()
	}
	return m.Logger
}
