package similarity

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/tacit/internal/agent"
	"github.com/fyrsmithlabs/tacit/internal/config"
	"github.com/fyrsmithlabs/tacit/internal/rules"
)

func TestRatio(t *testing.T) {
	tests := []struct {
		a, b     string
		min, max float64
	}{
		{"Always use async/await for database operations", "Use async/await for all database operations", 0.87, 0.88},
		{"Use tabs", "Deploy with containers", 0.33, 0.34},
		{"USE TESTIFY", "use testify", 1, 1},
		{"", "", 1, 1},
		{"abc", "", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.a+"|"+tt.b, func(t *testing.T) {
			r := Ratio(tt.a, tt.b)
			assert.GreaterOrEqual(t, r, tt.min)
			assert.LessOrEqual(t, r, tt.max)
		})
	}
}

func TestIsNearDuplicate(t *testing.T) {
	existing := []string{"Never commit secrets to the repository", "Pin tool versions in go.mod"}
	assert.True(t, IsNearDuplicate("Never commit secrets into the repo", existing, 0.70))
	assert.False(t, IsNearDuplicate("Deploy with containers", existing, 0.70))
	assert.False(t, IsNearDuplicate("anything", nil, 0.70))
}

type stubComparer struct {
	match Match
	err   error
	delay time.Duration
	calls int
}

func (s *stubComparer) Compare(ctx context.Context, _ string, _ []string) (Match, error) {
	s.calls++
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return Match{}, ctx.Err()
		}
	}
	return s.match, s.err
}

func TestMatcher_FindMatch(t *testing.T) {
	candidates := []string{
		"Pin tool versions in go.mod",
		"Use async/await for all database operations",
	}
	text := "Always use async/await for database operations"

	t.Run("no candidates", func(t *testing.T) {
		c := &stubComparer{match: Match{Index: 0, Similarity: 0.9}}
		res := NewMatcher(c, nil).FindMatch(context.Background(), text, nil)
		assert.False(t, res.Matched)
		assert.Equal(t, MethodNone, res.Method)
		assert.Zero(t, c.calls)
	})

	t.Run("semantic accepted", func(t *testing.T) {
		res := NewMatcher(&stubComparer{match: Match{Index: 0, Similarity: 0.6}}, nil).
			FindMatch(context.Background(), text, candidates)
		assert.True(t, res.Matched)
		assert.Equal(t, MethodSemantic, res.Method)
		assert.Equal(t, 0, res.Index)
		assert.InDelta(t, 0.6, res.Similarity, 1e-9)
	})

	t.Run("semantic below threshold is final", func(t *testing.T) {
		res := NewMatcher(&stubComparer{match: Match{Index: 1, Similarity: 0.59}}, nil).
			FindMatch(context.Background(), text, candidates)
		assert.False(t, res.Matched)
		assert.Equal(t, MethodNone, res.Method)
	})

	t.Run("semantic says none", func(t *testing.T) {
		res := NewMatcher(&stubComparer{match: Match{Index: -1}}, nil).
			FindMatch(context.Background(), text, candidates)
		assert.False(t, res.Matched)
	})

	fallbackCases := map[string]Comparer{
		"nil comparer": nil,
		"error":        &stubComparer{err: errors.New("boom")},
		"out of range": &stubComparer{match: Match{Index: 7, Similarity: 0.9}},
		"parse error":  &stubComparer{err: &agent.ParseError{What: "match", Reason: "no JSON"}},
	}
	for name, c := range fallbackCases {
		t.Run("fallback on "+name, func(t *testing.T) {
			res := NewMatcher(c, nil).FindMatch(context.Background(), text, candidates)
			assert.True(t, res.Matched)
			assert.Equal(t, MethodFallback, res.Method)
			assert.Equal(t, 1, res.Index)
			assert.Greater(t, res.Similarity, 0.65)
		})
	}

	t.Run("fallback on timeout", func(t *testing.T) {
		m := NewMatcher(&stubComparer{match: Match{Index: 0, Similarity: 1}, delay: time.Second}, nil)
		m.Timeout = 20 * time.Millisecond
		start := time.Now()
		res := m.FindMatch(context.Background(), text, candidates)
		assert.Less(t, time.Since(start), 500*time.Millisecond)
		assert.Equal(t, MethodFallback, res.Method)
		assert.Equal(t, 1, res.Index)
	})

	t.Run("fallback rejects weak ratio", func(t *testing.T) {
		res := NewMatcher(nil, nil).FindMatch(context.Background(), "Use tabs", []string{"Deploy with containers"})
		assert.False(t, res.Matched)
		assert.Equal(t, -1, res.Index)
	})
}

func TestAgentComparer(t *testing.T) {
	var prompt string
	a := agent.Func(func(_ context.Context, inv agent.Invocation) (string, error) {
		prompt = inv.Prompt
		assert.Equal(t, 1, inv.MaxTurns)
		return "```json\n{\"match_index\": 1, \"similarity\": 0.82}\n```", nil
	})

	m, err := (&AgentComparer{Agent: a}).Compare(context.Background(), "wrap errors", []string{"first", "second"})
	require.NoError(t, err)
	assert.Equal(t, Match{Index: 1, Similarity: 0.82}, m)
	assert.Contains(t, prompt, "0: first\n1: second\n")

	bad := agent.Func(func(context.Context, agent.Invocation) (string, error) { return "not sure", nil })
	_, err = (&AgentComparer{Agent: bad}).Compare(context.Background(), "x", []string{"y"})
	assert.True(t, agent.IsParseError(err))
}

// letterEmbedding is a deterministic bag-of-letters embedding.
func letterEmbedding(_ context.Context, text string) ([]float32, error) {
	v := make([]float32, 26)
	for _, r := range strings.ToLower(text) {
		if r >= 'a' && r <= 'z' {
			v[r-'a']++
		}
	}
	var norm float64
	for _, x := range v {
		norm += float64(x * x)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		v[0], norm = 1, 1
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v, nil
}

func TestEmbeddingComparer(t *testing.T) {
	c := &EmbeddingComparer{Embed: letterEmbedding}
	m, err := c.Compare(context.Background(), "zzz yyy", []string{"aaaa bbbb", "zzzz yyyy", "cccc"})
	require.NoError(t, err)
	assert.Equal(t, 1, m.Index)
	assert.InDelta(t, 1.0, m.Similarity, 1e-4)

	m, err = c.Compare(context.Background(), "x", nil)
	require.NoError(t, err)
	assert.Equal(t, -1, m.Index)
}

func TestNewComparer(t *testing.T) {
	c, err := NewComparer(config.SimilarityConfig{Comparer: "none"}, config.AgentConfig{}, agent.NoopAgent{})
	require.NoError(t, err)
	assert.Nil(t, c)

	c, err = NewComparer(config.SimilarityConfig{Comparer: "agent"}, config.AgentConfig{}, agent.NoopAgent{})
	require.NoError(t, err)
	assert.IsType(t, &AgentComparer{}, c)

	_, err = NewComparer(config.SimilarityConfig{Comparer: "embedding"}, config.AgentConfig{}, nil)
	assert.Error(t, err)

	_, err = NewComparer(config.SimilarityConfig{Comparer: "psychic"}, config.AgentConfig{}, nil)
	assert.Error(t, err)
}

func repoID(id int64) *int64 { return &id }

func TestCrossRepoPatterns(t *testing.T) {
	all := []rules.Rule{
		{ID: 1, Text: "Never commit secrets to the repository", Category: rules.CategorySecurity, Confidence: 0.8, RepoID: repoID(1)},
		{ID: 2, Text: "Never commit secrets into the repo", Category: rules.CategorySecurity, Confidence: 0.9, RepoID: repoID(2)},
		{ID: 3, Text: "Never commit secrets into the repo!", Category: rules.CategorySecurity, Confidence: 0.7, RepoID: repoID(3)},
		// Same text, same repo only: not cross-repo.
		{ID: 4, Text: "Pin tool versions in go.mod", Category: rules.CategoryWorkflow, Confidence: 0.8, RepoID: repoID(1)},
		{ID: 5, Text: "Pin tool versions in go.mod", Category: rules.CategoryWorkflow, Confidence: 0.8, RepoID: repoID(1)},
		// Different category does not group.
		{ID: 6, Text: "Never commit secrets to the repository", Category: rules.CategoryStyle, Confidence: 0.8, RepoID: repoID(2)},
		// Team-wide rules are ignored.
		{ID: 7, Text: "Never commit secrets to the repository", Category: rules.CategorySecurity, Confidence: 0.99},
	}
	names := map[int64]string{1: "acme/api", 2: "acme/web"}

	patterns := CrossRepoPatterns(all, names)
	require.Len(t, patterns, 1)
	p := patterns[0]
	assert.Equal(t, "Never commit secrets into the repo", p.Text)
	assert.Equal(t, rules.CategorySecurity, p.Category)
	assert.Equal(t, []string{"acme/api", "acme/web", "repo-3"}, p.Repos)
	assert.Equal(t, []int64{1, 2, 3}, p.RuleIDs)
	assert.Equal(t, 3, p.Frequency)
	assert.InDelta(t, 0.8, p.AvgConfidence, 1e-9)
}
