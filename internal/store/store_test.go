package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/tacit/internal/config"
	"github.com/fyrsmithlabs/tacit/internal/rules"
)

// newTestStore opens an in-memory store with a clock that advances one
// millisecond per call, so ordering by timestamp is deterministic.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Path: MemoryPath})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	var mu sync.Mutex
	clock := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Millisecond)
		return clock
	}
	return s
}

func mustRepo(t *testing.T, s *Store, fullName string) *rules.Repository {
	t.Helper()
	repo, err := s.EnsureRepository(context.Background(), fullName, "")
	require.NoError(t, err)
	return repo
}

func mustRule(t *testing.T, s *Store, text string, conf float64, repoID *int64) *rules.Rule {
	t.Helper()
	r, err := s.InsertRule(context.Background(), rules.Rule{
		Text:       text,
		Category:   rules.CategoryStyle,
		Confidence: conf,
		SourceType: rules.SourceChangeRequest,
		RepoID:     repoID,
	})
	require.NoError(t, err)
	return r
}

func TestOpen_FileDatabaseMigratesIdempotently(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "tacit.db")

	s, err := Open(ctx, Config{Path: path})
	require.NoError(t, err)
	mustRule(t, s, "Use context as first parameter", 0.8, nil)
	require.NoError(t, s.Close())

	// Reopening re-runs every migration against the existing schema.
	s, err = Open(ctx, Config{Path: path})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.migrate(ctx))
	got, err := s.ListRules(ctx, RuleFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Use context as first parameter", got[0].Text)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(context.Background(), Config{})
	var pe *PersistenceError
	assert.ErrorAs(t, err, &pe)
}

func TestRepositories(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	repo, err := s.EnsureRepository(ctx, "acme/widgets", config.Secret("tok-1"))
	require.NoError(t, err)
	assert.Equal(t, "acme", repo.Owner)
	assert.Equal(t, "https://github.com/acme/widgets", repo.URL)
	assert.True(t, repo.HasToken)

	again, err := s.EnsureRepository(ctx, "acme/widgets", config.Secret("tok-2"))
	require.NoError(t, err)
	assert.Equal(t, repo.ID, again.ID)
	assert.Equal(t, "tok-1", again.Token.Value(), "ensure must not rotate an existing token")

	require.NoError(t, s.UpdateRepositoryToken(ctx, repo.ID, config.Secret("tok-3")))
	got, err := s.GetRepository(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, "tok-3", got.Token.Value())

	found, err := s.FindRepository(ctx, "acme/widgets")
	require.NoError(t, err)
	assert.Equal(t, repo.ID, found.ID)

	_, err = s.CreateRepository(ctx, "acme", "gadgets", "")
	require.NoError(t, err)
	all, err := s.ListRepositories(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "acme/gadgets", all[0].FullName)

	_, err = s.EnsureRepository(ctx, "not-a-repo", "")
	assert.ErrorIs(t, err, rules.ErrValidation)

	_, err = s.GetRepository(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.UpdateRepositoryToken(ctx, 999, "x"), ErrNotFound)
}

func TestDeleteRepository_KeepsRulesDropsRuns(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	repo := mustRepo(t, s, "acme/widgets")
	rule := mustRule(t, s, "Keep handlers thin and focused", 0.8, &repo.ID)
	run, err := s.CreateRun(ctx, repo.ID)
	require.NoError(t, err)

	require.NoError(t, s.DeleteRepository(ctx, repo.ID))

	got, err := s.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Nil(t, got.RepoID)

	_, err = s.GetRun(ctx, run.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInsertRule_ValidatesBeforeWriting(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.InsertRule(ctx, rules.Rule{Text: "  ", Confidence: 0.5, SourceType: rules.SourceDocs})
	assert.ErrorIs(t, err, rules.ErrEmptyText)

	_, err = s.InsertRule(ctx, rules.Rule{Text: "x", Confidence: 1.5, SourceType: rules.SourceDocs})
	assert.ErrorIs(t, err, rules.ErrConfidenceRange)

	_, err = s.InsertRule(ctx, rules.Rule{Text: "x", Confidence: 0.5, SourceType: "gossip"})
	assert.ErrorIs(t, err, rules.ErrUnknownSourceType)

	all, err := s.ListRules(ctx, RuleFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestInsertRule_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	repo := mustRepo(t, s, "acme/widgets")

	r, err := s.InsertRule(ctx, rules.Rule{
		Text:              "Run migrations through the migrate command",
		Category:          "unknown-category",
		Confidence:        0.9,
		SourceType:        rules.SourceDocs,
		SourceRef:         "README.md",
		RepoID:            &repo.ID,
		ProvenanceURL:     "https://github.com/acme/widgets/blob/main/README.md",
		ProvenanceSummary: "Documented in the README",
		ApplicablePaths:   []string{"db/migrations/**"},
	})
	require.NoError(t, err)

	got, err := s.GetRule(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, rules.CategoryGeneral, got.Category)
	assert.Equal(t, []string{"db/migrations/**"}, got.ApplicablePaths)
	assert.Equal(t, "README.md", got.SourceRef)
	assert.True(t, got.InRepo(repo.ID))
	assert.False(t, got.CreatedAt.IsZero())
}

func TestListRules_OrderingAndFilters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	repo := mustRepo(t, s, "acme/widgets")

	low := mustRule(t, s, "Prefer small pull requests", 0.6, &repo.ID)
	older := mustRule(t, s, "Name tests after behaviour", 0.9, &repo.ID)
	newer := mustRule(t, s, "Use 100% coverage_gate on CI", 0.9, nil)

	all, err := s.ListRules(ctx, RuleFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []int64{newer.ID, older.ID, low.ID}, []int64{all[0].ID, all[1].ID, all[2].ID})

	byRepo, err := s.ListRules(ctx, RuleFilter{RepoID: &repo.ID})
	require.NoError(t, err)
	assert.Len(t, byRepo, 2)

	// LIKE metacharacters in the query are literal.
	found, err := s.SearchRules(ctx, "100%", "", nil)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, newer.ID, found[0].ID)

	found, err = s.SearchRules(ctx, "_gate", rules.CategoryStyle, nil)
	require.NoError(t, err)
	assert.Len(t, found, 1)

	none, err := s.SearchRules(ctx, "tests", rules.CategoryTesting, nil)
	require.NoError(t, err)
	assert.Empty(t, none)

	limited, err := s.ListRules(ctx, RuleFilter{MinConfidence: 0.7, Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, newer.ID, limited[0].ID)
}

func TestUpdateRuleConfidence(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	r := mustRule(t, s, "Log with structured fields", 0.7, nil)

	require.NoError(t, s.UpdateRuleConfidence(ctx, r.ID, 0.88))
	got, err := s.GetRule(ctx, r.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.88, got.Confidence, 1e-9)

	assert.ErrorIs(t, s.UpdateRuleConfidence(ctx, r.ID, 1.01), rules.ErrConfidenceRange)
	assert.ErrorIs(t, s.UpdateRuleConfidence(ctx, 404, 0.5), ErrNotFound)
}

func TestDeleteRule_CascadesTrail(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	r := mustRule(t, s, "Never commit generated files", 0.8, nil)

	_, err := s.AddTrailEntry(ctx, rules.TrailEntry{RuleID: r.ID, EventType: rules.EventCreated, Description: "x"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteRule(ctx, r.ID))
	trail, err := s.ListTrail(ctx, r.ID)
	require.NoError(t, err)
	assert.Empty(t, trail)

	assert.ErrorIs(t, s.DeleteRule(ctx, r.ID), ErrNotFound)
}

func TestAddTrailEntry_RejectsUnknownRule(t *testing.T) {
	s := newTestStore(t)
	_, err := s.AddTrailEntry(context.Background(), rules.TrailEntry{RuleID: 42, EventType: rules.EventCreated})

	var pe *PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.ErrorIs(t, err, ErrConstraint)
}

func TestListTrail_Ordered(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	r := mustRule(t, s, "Document public functions", 0.8, nil)

	for _, et := range []rules.EventType{rules.EventCreated, rules.EventConfidenceBoost, rules.EventMerged} {
		_, err := s.AddTrailEntry(ctx, rules.TrailEntry{RuleID: r.ID, EventType: et})
		require.NoError(t, err)
	}
	trail, err := s.ListTrail(ctx, r.ID)
	require.NoError(t, err)
	require.Len(t, trail, 3)
	assert.Equal(t, rules.EventCreated, trail[0].EventType)
	assert.Equal(t, rules.EventMerged, trail[2].EventType)
	assert.True(t, trail[0].Timestamp.Before(trail[2].Timestamp))
}

func TestIncrementFeedback(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	r := mustRule(t, s, "Keep functions under one screen", 0.8, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.IncrementFeedback(ctx, r.ID, 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	score, err := s.IncrementFeedback(ctx, r.ID, -3)
	require.NoError(t, err)
	assert.Equal(t, 7, score)

	_, err = s.IncrementFeedback(ctx, 999, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSourceQuality(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	repo := mustRepo(t, s, "acme/widgets")

	mustRule(t, s, "One", 0.6, &repo.ID)
	two := mustRule(t, s, "Two", 0.8, &repo.ID)
	_, err := s.InsertRule(ctx, rules.Rule{Text: "Three", Confidence: 0.9, SourceType: rules.SourceCIFix, RepoID: &repo.ID})
	require.NoError(t, err)
	mustRule(t, s, "Elsewhere", 0.1, nil)
	_, err = s.IncrementFeedback(ctx, two.ID, 2)
	require.NoError(t, err)

	stats, err := s.SourceQuality(ctx, &repo.ID)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, rules.SourceChangeRequest, stats[0].SourceType)
	assert.Equal(t, 2, stats[0].Rules)
	assert.InDelta(t, 0.7, stats[0].AvgConfidence, 1e-9)
	assert.Equal(t, 2, stats[0].TotalFeedback)
	assert.Equal(t, rules.SourceCIFix, stats[1].SourceType)
}

func TestProposals_DistinctContributorCount(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	repo := mustRepo(t, s, "acme/widgets")

	p, err := s.CreateProposal(ctx, rules.Proposal{
		Text: "Wrap errors with context", Confidence: 0.8, ProposedBy: "alice",
	}, rules.Contribution{})
	require.NoError(t, err)
	assert.Equal(t, rules.StatusPending, p.Status)
	assert.Equal(t, 1, p.ContributorCount)

	seen := []int{}
	var bases []float64
	bump := func(base float64, distinct int) float64 {
		seen = append(seen, distinct)
		bases = append(bases, base)
		return base
	}
	for _, name := range []string{"bob", "bob", "carol"} {
		p, err = s.AddContribution(ctx, p.ID, rules.Contribution{
			ContributorName: name, OriginalText: "wrap errors", OriginalConfidence: 0.7, Similarity: 0.8,
		}, bump, &repo.ID)
		require.NoError(t, err)
	}
	assert.Equal(t, []int{2, 2, 3}, seen)
	assert.Equal(t, []float64{0.8, 0.8, 0.8}, bases)
	assert.Equal(t, 3, p.ContributorCount)
	require.NotNil(t, p.RepoID)
	assert.Equal(t, repo.ID, *p.RepoID)

	contribs, err := s.ListContributions(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, contribs, 4)
	assert.Equal(t, "alice", contribs[0].ContributorName)
	assert.InDelta(t, 1.0, contribs[0].Similarity, 1e-9)
}

func TestSetProposalStatus_TerminalIsFinal(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	p, err := s.CreateProposal(ctx, rules.Proposal{Text: "Squash merge only", Confidence: 0.7, ProposedBy: "dan"}, rules.Contribution{})
	require.NoError(t, err)

	rejected, err := s.SetProposalStatus(ctx, p.ID, rules.StatusRejected, "erin", "too vague")
	require.NoError(t, err)
	assert.Equal(t, rules.StatusRejected, rejected.Status)
	assert.Equal(t, "erin", rejected.ReviewedBy)
	assert.Equal(t, "too vague", rejected.FeedbackNote)
	assert.NotNil(t, rejected.ReviewedAt)

	_, err = s.SetProposalStatus(ctx, p.ID, rules.StatusApproved, "erin", "")
	assert.True(t, errors.Is(err, ErrProposalClosed))

	_, err = s.AddContribution(ctx, p.ID, rules.Contribution{
		ContributorName: "frank", OriginalText: "squash", OriginalConfidence: 0.5, Similarity: 0.9,
	}, nil, nil)
	assert.ErrorIs(t, err, ErrProposalClosed)

	pending, err := s.ListProposals(ctx, rules.StatusPending)
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = s.ListProposals(ctx, "archived")
	assert.ErrorIs(t, err, rules.ErrValidation)
}

func TestApproveProposal_IsAtomic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	p, err := s.CreateProposal(ctx, rules.Proposal{Text: "Squash merge only", Confidence: 0.7, ProposedBy: "dan"}, rules.Contribution{})
	require.NoError(t, err)

	valid := func(p *rules.Proposal, cs []rules.Contribution) (rules.Rule, rules.TrailEntry) {
		return rules.Rule{Text: p.Text, Confidence: p.Confidence, SourceType: rules.SourceConversation},
			rules.TrailEntry{EventType: rules.EventApproved, Description: "approved", SourceRef: "proposal"}
	}
	failures := map[string]ApprovalFunc{
		"invalid rule": func(p *rules.Proposal, cs []rules.Contribution) (rules.Rule, rules.TrailEntry) {
			r, e := valid(p, cs)
			r.Confidence = 1.5
			return r, e
		},
		"invalid trail entry": func(p *rules.Proposal, cs []rules.Contribution) (rules.Rule, rules.TrailEntry) {
			r, _ := valid(p, cs)
			return r, rules.TrailEntry{}
		},
	}
	for name, build := range failures {
		t.Run(name, func(t *testing.T) {
			_, _, err := s.ApproveProposal(ctx, p.ID, "erin", "", build)
			assert.ErrorIs(t, err, rules.ErrValidation)

			got, err := s.GetProposal(ctx, p.ID)
			require.NoError(t, err)
			assert.Equal(t, rules.StatusPending, got.Status)
			assert.Nil(t, got.ReviewedAt)
			all, err := s.ListRules(ctx, RuleFilter{})
			require.NoError(t, err)
			assert.Empty(t, all)
		})
	}

	var seen []rules.Contribution
	rule, approved, err := s.ApproveProposal(ctx, p.ID, "erin", "ok",
		func(p *rules.Proposal, cs []rules.Contribution) (rules.Rule, rules.TrailEntry) {
			seen = cs
			return valid(p, cs)
		})
	require.NoError(t, err)
	assert.Equal(t, rules.StatusApproved, approved.Status)
	assert.Equal(t, "erin", approved.ReviewedBy)
	require.Len(t, seen, 1)
	assert.Equal(t, "dan", seen[0].ContributorName)

	trail, err := s.ListTrail(ctx, rule.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, rule.ID, trail[0].RuleID)

	_, _, err = s.ApproveProposal(ctx, p.ID, "erin", "", valid)
	assert.ErrorIs(t, err, ErrProposalClosed)
	_, _, err = s.ApproveProposal(ctx, 999, "erin", "", valid)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRuns(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	repo := mustRepo(t, s, "acme/widgets")

	run, err := s.CreateRun(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, rules.RunRunning, run.Status)
	assert.Equal(t, "initializing", run.Stage)

	stage := "analyzing"
	items := 4
	require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{Stage: &stage, ItemsAnalyzed: &items}))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "analyzing", got.Stage)
	assert.Equal(t, 4, got.ItemsAnalyzed)
	assert.Equal(t, rules.RunRunning, got.Status)
	assert.Nil(t, got.CompletedAt)

	status := rules.RunCompleted
	done := time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpdateRun(ctx, run.ID, RunUpdate{Status: &status, CompletedAt: &done}))
	got, err = s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, done.Equal(*got.CompletedAt))

	runs, err := s.ListRuns(ctx, &repo.ID)
	require.NoError(t, err)
	assert.Len(t, runs, 1)

	_, err = s.CreateRun(ctx, 999)
	assert.ErrorIs(t, err, ErrConstraint)
}

func TestTeamMembers(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	m, err := s.CreateTeamMember(ctx, rules.TeamMember{GitHubUsername: "zoe", DisplayName: "Zoe"})
	require.NoError(t, err)
	assert.Equal(t, "developer", m.Role)

	again, err := s.CreateTeamMember(ctx, rules.TeamMember{GitHubUsername: "zoe", DisplayName: "Other"})
	require.NoError(t, err)
	assert.Equal(t, m.ID, again.ID)
	assert.Equal(t, "Zoe", again.DisplayName)

	_, err = s.CreateTeamMember(ctx, rules.TeamMember{GitHubUsername: "adam"})
	require.NoError(t, err)
	all, err := s.ListTeamMembers(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "adam", all[0].GitHubUsername)
}

func TestMinedSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	modified := time.Date(2025, 3, 4, 5, 6, 7, 890, time.UTC)

	_, err := s.GetMinedSession(ctx, "abc")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.RecordMinedSession(ctx, rules.MinedSession{})
	assert.ErrorIs(t, err, rules.ErrValidation)

	first, err := s.RecordMinedSession(ctx, rules.MinedSession{
		SessionID:      "abc",
		TranscriptPath: "/logs/proj/abc.jsonl",
		Project:        "proj",
		SizeBytes:      120,
		ModifiedAt:     modified,
		RulesFound:     2,
	})
	require.NoError(t, err)
	assert.True(t, first.Unchanged(120, modified))
	assert.False(t, first.Unchanged(121, modified))
	assert.False(t, first.MinedAt.IsZero())

	_, err = s.RecordMinedSession(ctx, rules.MinedSession{SessionID: "def", TranscriptPath: "/logs/proj/def.jsonl", ModifiedAt: modified})
	require.NoError(t, err)

	// Re-mining replaces the record instead of adding a second one.
	again, err := s.RecordMinedSession(ctx, rules.MinedSession{
		SessionID:      "abc",
		TranscriptPath: "/logs/proj/abc.jsonl",
		Project:        "proj",
		SizeBytes:      300,
		ModifiedAt:     modified.Add(time.Minute),
		RulesFound:     5,
	})
	require.NoError(t, err)
	assert.Equal(t, 5, again.RulesFound)

	list, err := s.ListMinedSessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "abc", list[0].SessionID)
	assert.Equal(t, int64(300), list[0].SizeBytes)
	assert.Equal(t, "def", list[1].SessionID)
}
