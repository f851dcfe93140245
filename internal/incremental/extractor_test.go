package incremental

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/tacit/internal/pipeline"
	"github.com/fyrsmithlabs/tacit/internal/proposals"
	"github.com/fyrsmithlabs/tacit/internal/provenance"
	"github.com/fyrsmithlabs/tacit/internal/rules"
	"github.com/fyrsmithlabs/tacit/internal/similarity"
	"github.com/fyrsmithlabs/tacit/internal/store"
	"github.com/fyrsmithlabs/tacit/internal/store/storetest"
)

type stubItems struct {
	candidates []rules.Candidate
	target     pipeline.Target
	number     int
}

func (s *stubItems) AnalyzeItem(_ context.Context, target pipeline.Target, number int) ([]rules.Candidate, error) {
	s.target, s.number = target, number
	return s.candidates, nil
}

func newExtractor(t *testing.T) (*Extractor, *store.Store, int64) {
	t.Helper()
	st := storetest.New(t)
	repoID := storetest.Repo(t, st, "acme/api")
	rec := provenance.NewRecorder(st, nil)
	return &Extractor{
		Store:     st,
		Recorder:  rec,
		Proposals: proposals.NewService(st, similarity.NewMatcher(nil, nil), nil, nil),
	}, st, repoID
}

func TestExtractor_Apply(t *testing.T) {
	x, st, repoID := newExtractor(t)
	ctx := context.Background()
	_, err := st.InsertRule(ctx, rules.Rule{
		Text: "Never commit secrets to the repository", Category: rules.CategorySecurity,
		Confidence: 0.9, SourceType: rules.SourceDocs, RepoID: &repoID,
	})
	require.NoError(t, err)

	ev := Event{Repo: "acme/api", Number: 42, URL: "https://github.com/acme/api/pull/42"}
	res, err := x.Apply(ctx, repoID, ev, []rules.Candidate{
		{Text: "Never commit secrets into the repo", Category: rules.CategorySecurity, Confidence: 0.95},
		{Text: "Run go test with the race detector in CI", Category: rules.CategoryTesting, Confidence: 0.90},
		{Text: "Run go test with the race detector in CI pipelines", Category: rules.CategoryTesting, Confidence: 0.90},
		{Text: "Prefer small focused pull requests", Category: rules.CategoryWorkflow, Confidence: 0.6},
		{Text: "", Confidence: 0.9},
	})
	require.NoError(t, err)
	assert.Equal(t, Result{AutoApproved: 1, ProposalsCreated: 1, Discarded: 2, Total: 5}, res)

	approved, err := st.ListRules(ctx, store.RuleFilter{Query: "race detector"})
	require.NoError(t, err)
	require.Len(t, approved, 1)
	r := approved[0]
	assert.Equal(t, rules.SourceChangeRequest, r.SourceType)
	assert.Equal(t, "acme/api#42", r.SourceRef)
	assert.Equal(t, ev.URL, r.ProvenanceURL)
	assert.Equal(t, "Auto-extracted from merged PR #42", r.ProvenanceSummary)

	trail, err := st.ListTrail(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, rules.EventAutoApproved, trail[0].EventType)
	assert.Equal(t, ev.URL, trail[0].SourceRef)

	pending, err := st.ListProposals(ctx, rules.StatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	p := pending[0]
	assert.Equal(t, "Prefer small focused pull requests", p.Text)
	assert.Equal(t, "webhook", p.ProposedBy)
	assert.Equal(t, "Auto-extracted from merged PR #42", p.SourceExcerpt)
	require.NotNil(t, p.RepoID)
	assert.Equal(t, repoID, *p.RepoID)
}

func TestExtractor_ApplyThresholdIsInclusive(t *testing.T) {
	x, _, repoID := newExtractor(t)
	res, err := x.Apply(context.Background(), repoID, Event{Repo: "acme/api", Number: 1},
		[]rules.Candidate{{Text: "Document every exported identifier", Confidence: 0.85}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.AutoApproved)

	x.AutoApproveThreshold = 0.9
	res, err = x.Apply(context.Background(), repoID, Event{Repo: "acme/api", Number: 2},
		[]rules.Candidate{{Text: "Keep migrations reversible and idempotent", Confidence: 0.85}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ProposalsCreated)
}

func TestExtractor_Extract(t *testing.T) {
	x, _, _ := newExtractor(t)
	items := &stubItems{candidates: []rules.Candidate{{Text: "Use context.Context as the first parameter", Confidence: 0.7}}}
	x.Analyzer = items

	res, err := x.Extract(context.Background(), Event{Repo: "acme/api", Number: 9, Token: "ghp_event"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ProposalsCreated)
	assert.Equal(t, 9, items.number)
	assert.Equal(t, "acme/api", items.target.Repo)
	assert.Equal(t, "ghp_event", items.target.Token.Value())

	_, err = x.Extract(context.Background(), Event{Repo: "acme/unknown", Number: 1})
	assert.ErrorIs(t, err, ErrUnknownRepository)
}
