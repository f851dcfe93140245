package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/tacit/internal/agent"
	"github.com/fyrsmithlabs/tacit/internal/rules"
	"github.com/fyrsmithlabs/tacit/internal/tools"
)

func toolNames(ts []agent.Tool) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, t.Name)
	}
	return out
}

func TestDefaultAnalyzers(t *testing.T) {
	var invocations []agent.Invocation
	a := agent.Func(func(_ context.Context, inv agent.Invocation) (string, error) {
		invocations = append(invocations, inv)
		return `[{"rule_text": "Run go vet in CI", "category": "workflow", "confidence": 0.8}, {"rule_text": ""}]`, nil
	})

	analyzers := DefaultAnalyzers(a, &tools.Toolset{}, nil)
	require.Len(t, analyzers, 6)

	var sources []rules.SourceType
	for _, an := range analyzers {
		sources = append(sources, an.SourceType())
	}
	assert.Equal(t, []rules.SourceType{
		rules.SourceStructure, rules.SourceDocs, rules.SourceCIFix,
		rules.SourceConfig, rules.SourceAntiPattern, rules.SourceDomain,
	}, sources)
	assert.Equal(t, "Structural analysis", analyzers[0].Name())

	got, err := analyzers[2].Analyze(context.Background(), Target{Repo: "acme/api"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Run go vet in CI", got[0].Text)

	inv := invocations[0]
	assert.Equal(t, "ci-failure-miner", inv.Name)
	assert.Contains(t, inv.Prompt, "'acme/api'")
	assert.Equal(t, []string{tools.FetchCIFixes, tools.SearchKnowledge}, toolNames(inv.Tools))
}

func TestAgentScanner(t *testing.T) {
	s := &AgentScanner{
		Agent: agent.Func(func(_ context.Context, inv agent.Invocation) (string, error) {
			assert.Equal(t, []string{tools.FetchPRs}, toolNames(inv.Tools))
			return "Here you go:\n```json\n[{\"pr_number\": 42}, {\"pr_number\": 7}]\n```", nil
		}),
		Toolset: &tools.Toolset{},
	}
	got, err := s.Scan(context.Background(), Target{Repo: "acme/api"}, 10)
	require.NoError(t, err)
	assert.Equal(t, []int{42, 7}, got)

	s.Agent = agent.Func(func(context.Context, agent.Invocation) (string, error) { return "I could not decide", nil })
	_, err = s.Scan(context.Background(), Target{Repo: "acme/api"}, 10)
	assert.True(t, agent.IsParseError(err))
}

func TestThreadAnalyzer(t *testing.T) {
	boom := errors.New("rate limited")
	a := &ThreadAnalyzer{
		Agent:   agent.Func(func(context.Context, agent.Invocation) (string, error) { return "", boom }),
		Toolset: &tools.Toolset{},
	}
	_, err := a.AnalyzeItem(context.Background(), Target{Repo: "acme/api"}, 5)
	assert.ErrorIs(t, err, boom)

	a.Agent = agent.Func(func(_ context.Context, inv agent.Invocation) (string, error) {
		assert.Contains(t, inv.Prompt, "PR #5")
		return `{"rules": [{"rule_text": "Prefer table-driven tests", "category": "testing", "confidence": 0.9}]}`, nil
	})
	got, err := a.AnalyzeItem(context.Background(), Target{Repo: "acme/api"}, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, rules.CategoryTesting, got[0].Category)
}

func TestLocalExtractor(t *testing.T) {
	l := &LocalExtractor{
		Agent: agent.Func(func(_ context.Context, inv agent.Invocation) (string, error) {
			assert.Equal(t, []string{tools.ReadConversationLogs, tools.SearchKnowledge}, toolNames(inv.Tools))
			assert.Contains(t, inv.Prompt, `"/home/dev/acme"`)
			return "[]", nil
		}),
		Toolset: &tools.Toolset{},
	}
	got, err := l.AnalyzeLocal(context.Background(), "/home/dev/acme")
	require.NoError(t, err)
	assert.Empty(t, got)
}
