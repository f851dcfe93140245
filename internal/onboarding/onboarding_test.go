package onboarding

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/tacit/internal/agent"
	"github.com/fyrsmithlabs/tacit/internal/rules"
)

func repoID(id int64) *int64 { return &id }

func sampleRules() []rules.Rule {
	return []rules.Rule{
		{ID: 1, Text: "Keep handlers thin", Category: rules.CategoryArchitecture, Confidence: 0.75, RepoID: repoID(1)},
		{ID: 2, Text: "Never log tokens", Category: rules.CategorySecurity, Confidence: 0.95, RepoID: repoID(1)},
		{ID: 3, Text: "Use table-driven tests", Category: rules.CategoryTesting, Confidence: 0.5, FeedbackScore: 4, RepoID: repoID(1)},
		{ID: 4, Text: "Prefer small PRs", Category: rules.CategoryWorkflow, Confidence: 0.4, RepoID: repoID(2)},
		{ID: 5, Text: "Name packages in singular", Category: rules.CategoryStyle, Confidence: 0.65},
	}
}

func TestGenerate_Template(t *testing.T) {
	g := &Generator{}
	guide, err := g.Generate(context.Background(), Request{DeveloperName: " Ana ", RepoIDs: []int64{1}}, sampleRules())
	require.NoError(t, err)

	assert.Equal(t, "Ana", guide.DeveloperName)
	assert.Equal(t, "developer", guide.Role)
	assert.Equal(t, 3, guide.RuleCount)

	c := guide.Content
	assert.True(t, strings.HasPrefix(c, "# Onboarding Guide for Ana\n"))
	assert.True(t, strings.HasSuffix(c, "---\n*Generated by Tacit from team knowledge rules.*\n"))
	assert.NotContains(t, c, "Prefer small PRs")
	assert.NotContains(t, c, "Name packages in singular")

	critical := strings.Index(c, "## Critical")
	important := strings.Index(c, "## Important")
	require.Positive(t, critical)
	require.Greater(t, important, critical)
	assert.NotContains(t, c, "## Good to Know")

	// Strong feedback promotes a low-confidence rule to the first tier.
	section := c[critical:important]
	assert.Contains(t, section, "### Security\n\n- Never log tokens *(confidence: 95%)*")
	assert.Contains(t, section, "### Testing\n\n- Use table-driven tests *(confidence: 50%)*")
	assert.Less(t, strings.Index(section, "### Security"), strings.Index(section, "### Testing"))
	assert.Contains(t, c[important:], "- Keep handlers thin *(confidence: 75%)*")
}

func TestGenerate_FocusCategories(t *testing.T) {
	guide, err := (&Generator{}).Generate(context.Background(), Request{
		DeveloperName:   "Ana",
		Role:            "reviewer",
		FocusCategories: []rules.Category{"Workflow", "style"},
	}, sampleRules())
	require.NoError(t, err)
	assert.Equal(t, 2, guide.RuleCount)
	assert.Contains(t, guide.Content, "**Role:** reviewer")
	assert.Contains(t, guide.Content, "## Good to Know: Context for Later")
	assert.Contains(t, guide.Content, "Prefer small PRs")
	assert.NotContains(t, guide.Content, "Never log tokens")
}

func TestGenerate_NoRules(t *testing.T) {
	guide, err := (&Generator{}).Generate(context.Background(), Request{DeveloperName: "Ana", RepoIDs: []int64{9}}, sampleRules())
	require.NoError(t, err)
	assert.Equal(t, 0, guide.RuleCount)
	assert.Equal(t, "# Onboarding Guide for Ana\n\nNo knowledge rules found for the specified repositories. Run an extraction first.\n", guide.Content)
}

func TestGenerate_RequiresName(t *testing.T) {
	_, err := (&Generator{}).Generate(context.Background(), Request{DeveloperName: "  "}, sampleRules())
	assert.ErrorIs(t, err, rules.ErrValidation)
}

func TestGenerate_Agent(t *testing.T) {
	var got agent.Invocation
	g := &Generator{Agent: agent.Func(func(_ context.Context, inv agent.Invocation) (string, error) {
		got = inv
		return "\n# Welcome, Ana\n\nStart with security.\n", nil
	})}

	guide, err := g.Generate(context.Background(), Request{DeveloperName: "Ana"}, sampleRules())
	require.NoError(t, err)
	assert.Equal(t, "# Welcome, Ana\n\nStart with security.\n", guide.Content)
	assert.Equal(t, 5, guide.RuleCount)
	assert.Equal(t, "onboarding", got.Name)
	assert.Contains(t, got.Prompt, "- [security] (confidence 95%, feedback +0) Never log tokens")

	t.Run("falls back to the template", func(t *testing.T) {
		for name, a := range map[string]agent.Agent{
			"error": agent.Func(func(context.Context, agent.Invocation) (string, error) {
				return "", errors.New("rate limited")
			}),
			"empty reply": agent.NoopAgent{},
		} {
			guide, err := (&Generator{Agent: a}).Generate(context.Background(), Request{DeveloperName: "Ana"}, sampleRules())
			require.NoError(t, err, name)
			assert.Contains(t, guide.Content, "## Critical: You Must Know These", name)
		}
	})
}
