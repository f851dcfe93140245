package provenance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/tacit/internal/rules"
	"github.com/fyrsmithlabs/tacit/internal/store/storetest"
)

func TestApprovalDescription(t *testing.T) {
	tests := []struct {
		name         string
		contributors []string
		want         string
	}{
		{"single", []string{"alex"}, "Promoted from proposal #7 by sam"},
		{"same name twice", []string{"alex", "alex"}, "Promoted from proposal #7 by sam"},
		{"consensus", []string{"sarah", "alex", "bayram", "alex"},
			"Promoted from proposal #7 by sam (consensus: 3 contributors: alex, bayram, sarah)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ApprovalDescription(7, "sam", tt.contributors)
			assert.Equal(t, tt.want, got)
			if len(distinct(tt.contributors)) == 1 {
				assert.NotContains(t, got, "consensus")
			}
		})
	}
}

func TestDescriptions(t *testing.T) {
	assert.Equal(t, "Extracted from ci_fix source", CreatedDescription(rules.SourceCIFix))
	assert.Equal(t, "Auto-approved at confidence 0.90 from https://github.com/a/b/pull/3",
		AutoApprovedDescription(0.9, "https://github.com/a/b/pull/3"))
	assert.Equal(t, "Confidence boosted from 0.80 to 0.88: confirmed by 2 sources (docs, pr)",
		BoostDescription(0.8, 0.88, []rules.SourceType{rules.SourceChangeRequest, rules.SourceDocs}))
	assert.Equal(t, "Merged duplicate rules #4, #9", MergedDescription([]int64{4, 9}))
	assert.Equal(t, "Downvoted: outdated", FeedbackDescription(-1, " outdated "))
	assert.Equal(t, "Upvoted", FeedbackDescription(1, ""))
}

func TestRecorder(t *testing.T) {
	ctx := context.Background()
	s := storetest.New(t)
	repoID := storetest.Repo(t, s, "acme/api")

	rule, err := s.InsertRule(ctx, rules.Rule{
		Text:       "Wrap errors with %w",
		Category:   rules.CategoryStyle,
		Confidence: 0.9,
		SourceType: rules.SourceChangeRequest,
		SourceRef:  "acme/api#3",
		RepoID:     &repoID,
	})
	require.NoError(t, err)

	rec := NewRecorder(s, nil)
	_, err = rec.Created(ctx, rule)
	require.NoError(t, err)
	_, err = rec.AutoApproved(ctx, rule, "https://github.com/acme/api/pull/3")
	require.NoError(t, err)
	_, err = rec.Approved(ctx, rule, &rules.Proposal{ID: 2}, "sam", []string{"a", "b"})
	require.NoError(t, err)

	trail, err := s.ListTrail(ctx, rule.ID)
	require.NoError(t, err)
	require.Len(t, trail, 3)
	assert.Equal(t, rules.EventCreated, trail[0].EventType)
	assert.Equal(t, "acme/api#3", trail[0].SourceRef)
	assert.Equal(t, rules.EventAutoApproved, trail[1].EventType)
	assert.Equal(t, "https://github.com/acme/api/pull/3", trail[1].SourceRef)
	assert.Equal(t, "proposal:2", trail[2].SourceRef)
	assert.Contains(t, trail[2].Description, "consensus: 2 contributors: a, b")

	_, err = rec.Feedback(ctx, &rules.Rule{ID: 9999}, 1, "")
	assert.Error(t, err)
}
