package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/tacit/internal/proposals"
	"github.com/fyrsmithlabs/tacit/internal/provenance"
	"github.com/fyrsmithlabs/tacit/internal/rules"
	"github.com/fyrsmithlabs/tacit/internal/similarity"
	"github.com/fyrsmithlabs/tacit/internal/store"
	"github.com/fyrsmithlabs/tacit/internal/store/storetest"
)

type fixture struct {
	store   *store.Store
	session *mcp.ClientSession
	ruleID  int64
}

func newFixture(t *testing.T, withContributor bool) *fixture {
	t.Helper()
	ctx := context.Background()
	st := storetest.New(t)
	repoID := storetest.Repo(t, st, "acme/api")
	rec := provenance.NewRecorder(st, nil)

	seed := []rules.Rule{
		{Text: "Use table-driven tests for parsers", Category: rules.CategoryTesting, Confidence: 0.8,
			SourceType: rules.SourceChangeRequest, SourceRef: "acme/api#3", RepoID: &repoID},
		{Text: "Never log access tokens", Category: rules.CategorySecurity, Confidence: 0.95,
			SourceType: rules.SourceDocs, SourceRef: "acme/api", RepoID: &repoID},
		{Text: "Keep pull requests under 400 lines", Category: rules.CategoryWorkflow, Confidence: 0.5,
			SourceType: rules.SourceConversation},
	}
	var firstID int64
	for i, r := range seed {
		saved, err := st.InsertRule(ctx, r)
		require.NoError(t, err)
		_, err = rec.Created(ctx, saved)
		require.NoError(t, err)
		if i == 0 {
			firstID = saved.ID
		}
	}

	var contributor Contributor
	if withContributor {
		contributor = proposals.NewService(st, similarity.NewMatcher(nil, nil), nil, nil)
	}
	srv, err := NewServer(nil, st, contributor)
	require.NoError(t, err)

	serverT, clientT := mcp.NewInMemoryTransports()
	ss, err := srv.MCP().Connect(ctx, serverT, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	cs, err := client.Connect(ctx, clientT, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cs.Close() })

	return &fixture{store: st, session: cs, ruleID: firstID}
}

func (f *fixture) call(t *testing.T, name string, args map[string]any, out any) *mcp.CallToolResult {
	t.Helper()
	res, err := f.session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	require.NoError(t, err)
	if out != nil && !res.IsError {
		raw, err := json.Marshal(res.StructuredContent)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(raw, out))
	}
	return res
}

func toolNames(t *testing.T, cs *mcp.ClientSession) []string {
	t.Helper()
	res, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)
	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}
	return names
}

func TestServer_Tools(t *testing.T) {
	f := newFixture(t, true)
	assert.ElementsMatch(t,
		[]string{"search_knowledge", "list_knowledge", "rule_trail", "contribute_rule"},
		toolNames(t, f.session))

	readOnly := newFixture(t, false)
	assert.ElementsMatch(t,
		[]string{"search_knowledge", "list_knowledge", "rule_trail"},
		toolNames(t, readOnly.session))
}

func TestServer_SearchKnowledge(t *testing.T) {
	f := newFixture(t, false)

	var out rulesOutput
	res := f.call(t, "search_knowledge", map[string]any{"query": "tokens"}, &out)
	require.False(t, res.IsError)
	require.Equal(t, 1, out.Count)
	assert.Equal(t, "Never log access tokens", out.Rules[0].Text)
	assert.Contains(t, res.Content[0].(*mcp.TextContent).Text, "Found 1 rules")

	res = f.call(t, "search_knowledge", map[string]any{"query": "tests", "category": "security"}, &out)
	require.False(t, res.IsError)
	assert.Zero(t, out.Count)

	res = f.call(t, "search_knowledge", map[string]any{"query": "  "}, nil)
	assert.True(t, res.IsError)

	res = f.call(t, "search_knowledge", map[string]any{"query": "tests", "repo": "acme/missing"}, nil)
	assert.True(t, res.IsError)
}

func TestServer_ListKnowledge(t *testing.T) {
	f := newFixture(t, false)

	var out rulesOutput
	f.call(t, "list_knowledge", map[string]any{}, &out)
	require.Equal(t, 3, out.Count)
	assert.Equal(t, "Never log access tokens", out.Rules[0].Text)

	f.call(t, "list_knowledge", map[string]any{"repo": "acme/api", "min_confidence": 0.6}, &out)
	assert.Equal(t, 2, out.Count)

	f.call(t, "list_knowledge", map[string]any{"limit": 1}, &out)
	assert.Equal(t, 1, out.Count)

	res := f.call(t, "list_knowledge", map[string]any{"min_confidence": 1.5}, nil)
	assert.True(t, res.IsError)
}

func TestServer_RuleTrail(t *testing.T) {
	f := newFixture(t, false)

	var out trailOutput
	res := f.call(t, "rule_trail", map[string]any{"rule_id": f.ruleID}, &out)
	require.False(t, res.IsError)
	assert.Equal(t, "Use table-driven tests for parsers", out.Rule.Text)
	require.Len(t, out.Trail, 1)
	assert.Equal(t, string(rules.EventCreated), out.Trail[0].EventType)

	res = f.call(t, "rule_trail", map[string]any{"rule_id": 9999}, nil)
	assert.True(t, res.IsError)
}

func TestServer_ContributeRule(t *testing.T) {
	f := newFixture(t, true)

	var first contributeOutput
	res := f.call(t, "contribute_rule", map[string]any{
		"rule_text":   "Always run go vet before pushing",
		"category":    "workflow",
		"confidence":  0.7,
		"contributor": "alice",
		"repo":        "acme/api",
	}, &first)
	require.False(t, res.IsError)
	assert.Equal(t, "created", first.Action)
	assert.Equal(t, 1, first.ContributorCount)

	var second contributeOutput
	f.call(t, "contribute_rule", map[string]any{
		"rule_text":   "Always run go vet before you push",
		"confidence":  0.6,
		"contributor": "bob",
	}, &second)
	assert.Equal(t, "merged", second.Action)
	assert.Equal(t, first.ProposalID, second.ProposalID)
	assert.Equal(t, 2, second.ContributorCount)
	assert.Greater(t, second.Confidence, 0.7)
	assert.Equal(t, string(similarity.MethodFallback), second.Method)

	res = f.call(t, "contribute_rule", map[string]any{
		"rule_text": "x", "confidence": 0.5, "contributor": " ",
	}, nil)
	assert.True(t, res.IsError)
}
