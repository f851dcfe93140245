package consensus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/tacit/internal/provenance"
	"github.com/fyrsmithlabs/tacit/internal/rules"
	"github.com/fyrsmithlabs/tacit/internal/store"
	"github.com/fyrsmithlabs/tacit/internal/store/storetest"
)

func TestConfidence(t *testing.T) {
	tests := []struct {
		base float64
		n    int
		want float64
	}{
		{0.8, 0, 0.8},
		{0.8, 1, 0.8},
		{0.8, 2, 0.88},
		{0.8, 4, 0.96},
		{0.8, 8, 0.98},
		{0.95, 2, 0.98},
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, Confidence(tt.base, tt.n), 1e-9, "base=%v n=%d", tt.base, tt.n)
	}
}

func TestPriority(t *testing.T) {
	assert.Equal(t, 4, Priority(rules.SourceCIFix))
	assert.Equal(t, 3, Priority(rules.SourceStructure))
	assert.Equal(t, 3, Priority(rules.SourceDocs))
	assert.Equal(t, 2, Priority(rules.SourceConfig))
	assert.Equal(t, 2, Priority(rules.SourceAntiPattern))
	assert.Equal(t, 2, Priority(rules.SourceDomain))
	assert.Equal(t, 1, Priority(rules.SourceChangeRequest))
	assert.Equal(t, 1, Priority(rules.SourceConversation))
}

func TestIsLowSignal(t *testing.T) {
	assert.True(t, IsLowSignal("Use tabs", 4))
	assert.True(t, IsLowSignal("Always Follow Best Practices in handlers", 4))
	assert.False(t, IsLowSignal("Wrap errors with fmt.Errorf and %w", 4))
}

func TestSurvivor(t *testing.T) {
	cluster := []rules.Rule{
		{ID: 1, SourceType: rules.SourceChangeRequest, Confidence: 0.95},
		{ID: 2, SourceType: rules.SourceDocs, Confidence: 0.7},
		{ID: 3, SourceType: rules.SourceStructure, Confidence: 0.8},
		{ID: 4, SourceType: rules.SourceStructure, Confidence: 0.8},
	}
	assert.Equal(t, 2, Survivor(cluster))

	cluster = append(cluster, rules.Rule{ID: 5, SourceType: rules.SourceCIFix, Confidence: 0.5})
	assert.Equal(t, 4, Survivor(cluster))
}

func TestSynthesize(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	repo := storetest.Repo(t, s, "acme/api")
	other := storetest.Repo(t, s, "acme/web")

	insert := func(text string, st rules.SourceType, conf float64, repoID int64) *rules.Rule {
		r, err := s.InsertRule(ctx, rules.Rule{
			Text: text, Category: rules.CategoryStyle, Confidence: conf,
			SourceType: st, SourceRef: "ref", RepoID: &repoID,
		})
		require.NoError(t, err)
		return r
	}
	insert("Follow best practices for everything here", rules.SourceChangeRequest, 0.9, repo)
	insert("Use tabs", rules.SourceDocs, 0.9, repo)
	fromPR := insert("Wrap errors with fmt.Errorf and %w", rules.SourceChangeRequest, 0.8, repo)
	fromCI := insert("Wrap errors using fmt.Errorf with %w", rules.SourceCIFix, 0.7, repo)
	docs := insert("Pin tool versions in go.mod files", rules.SourceDocs, 0.9, repo)
	untouched := insert("Wrap errors with fmt.Errorf and %w", rules.SourceChangeRequest, 0.8, other)

	syn := NewSynthesizer(s, provenance.NewRecorder(s, nil), nil)
	report, err := syn.Synthesize(ctx, repo)
	require.NoError(t, err)
	assert.Equal(t, SynthesisReport{Removed: 2, Merged: 1, Boosted: 1, Remaining: 2}, report)

	remaining, err := s.ListRules(ctx, store.RuleFilter{RepoID: &repo})
	require.NoError(t, err)
	require.Len(t, remaining, 2)
	ids := []int64{remaining[0].ID, remaining[1].ID}
	assert.ElementsMatch(t, []int64{fromCI.ID, docs.ID}, ids)

	survivor, err := s.GetRule(ctx, fromCI.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.88, survivor.Confidence, 1e-9)

	_, err = s.GetRule(ctx, fromPR.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	trail, err := s.ListTrail(ctx, fromCI.ID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, rules.EventConfidenceBoost, trail[0].EventType)
	assert.Contains(t, trail[0].Description, "from 0.70 to 0.88")
	assert.Equal(t, rules.EventMerged, trail[1].EventType)
	assert.Contains(t, trail[1].Description, "#3")

	_, err = s.GetRule(ctx, untouched.ID)
	assert.NoError(t, err)

	again, err := syn.Synthesize(ctx, repo)
	require.NoError(t, err)
	assert.Equal(t, SynthesisReport{Remaining: 2}, again)
}
