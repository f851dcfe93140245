// Package incremental extracts rules from a single merged change request,
// as delivered by a code-host webhook. High-confidence candidates become
// rules immediately; the rest become proposals for review.
package incremental

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tacit/internal/codehost"
	"github.com/fyrsmithlabs/tacit/internal/config"
	"github.com/fyrsmithlabs/tacit/internal/pipeline"
	"github.com/fyrsmithlabs/tacit/internal/proposals"
	"github.com/fyrsmithlabs/tacit/internal/rules"
	"github.com/fyrsmithlabs/tacit/internal/similarity"
	"github.com/fyrsmithlabs/tacit/internal/store"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/tacit/internal/incremental")

const (
	DefaultAutoApproveThreshold = 0.85
	DefaultDuplicateThreshold   = 0.70

	proposedBy = "webhook"
)

// ErrUnknownRepository is returned for events of repositories that were
// never connected.
var ErrUnknownRepository = errors.New("repository is not connected")

// Store is the persistence the extractor needs.
type Store interface {
	FindRepository(ctx context.Context, fullName string) (*rules.Repository, error)
	ListRules(ctx context.Context, f store.RuleFilter) ([]rules.Rule, error)
	InsertRule(ctx context.Context, r rules.Rule) (*rules.Rule, error)
}

// Recorder writes the auto-approval trail entry.
type Recorder interface {
	AutoApproved(ctx context.Context, rule *rules.Rule, provenanceURL string) (*rules.TrailEntry, error)
}

// Proposals files candidates that need review.
type Proposals interface {
	Create(ctx context.Context, np proposals.NewProposal) (*rules.Proposal, error)
}

// Event is a merged change request.
type Event struct {
	Repo   string
	Number int
	URL    string
	Title  string
	Token  config.Secret
}

func (e Event) excerpt() string {
	return fmt.Sprintf("Auto-extracted from merged PR #%d", e.Number)
}

// Result counts the outcome of one event.
type Result struct {
	AutoApproved     int `json:"auto_approved"`
	ProposalsCreated int `json:"proposals_created"`
	Discarded        int `json:"discarded"`
	Total            int `json:"total"`
}

// Extractor turns merged change requests into rules and proposals.
type Extractor struct {
	Store     Store
	Recorder  Recorder
	Proposals Proposals
	Analyzer  pipeline.ItemAnalyzer
	Hosts     codehost.Factory
	Logger    *zap.Logger

	AutoApproveThreshold float64
	DuplicateThreshold   float64
}

func (x *Extractor) logger() *zap.Logger {
	if x.Logger == nil {
		return zap.NewNop()
	}
	return x.Logger
}

// Extract analyzes the change request of ev and applies the candidates.
func (x *Extractor) Extract(ctx context.Context, ev Event) (Result, error) {
	ctx, span := tracer.Start(ctx, "Extractor.Extract")
	defer span.End()
	span.SetAttributes(attribute.String("repo", ev.Repo), attribute.Int("number", ev.Number))

	repo, err := x.Store.FindRepository(ctx, ev.Repo)
	if errors.Is(err, store.ErrNotFound) {
		return Result{}, fmt.Errorf("%s: %w", ev.Repo, ErrUnknownRepository)
	}
	if err != nil {
		return Result{}, err
	}

	token := ev.Token.Or(repo.Token)
	target := pipeline.Target{Repo: repo.FullName, RepoID: repo.ID, Token: token}
	if x.Hosts != nil {
		target.Host = x.Hosts(ctx, token)
	}
	candidates, err := x.Analyzer.AnalyzeItem(ctx, target, ev.Number)
	if err != nil {
		return Result{}, fmt.Errorf("analyzing %s#%d: %w", ev.Repo, ev.Number, err)
	}
	return x.Apply(ctx, repo.ID, ev, candidates)
}

// Apply routes each candidate. Invalid candidates and near-duplicates of
// the repository's existing rules are discarded. Candidates at or above
// the auto-approve threshold become rules; the rest become proposals.
// Candidates accepted earlier in the same call count as existing.
func (x *Extractor) Apply(ctx context.Context, repoID int64, ev Event, candidates []rules.Candidate) (Result, error) {
	res := Result{Total: len(candidates)}

	existing, err := x.Store.ListRules(ctx, store.RuleFilter{RepoID: &repoID})
	if err != nil {
		return res, err
	}
	texts := make([]string, 0, len(existing)+len(candidates))
	for _, r := range existing {
		texts = append(texts, r.Text)
	}

	autoApprove := x.AutoApproveThreshold
	if autoApprove <= 0 {
		autoApprove = DefaultAutoApproveThreshold
	}
	dupThreshold := x.DuplicateThreshold
	if dupThreshold <= 0 {
		dupThreshold = DefaultDuplicateThreshold
	}

	for _, c := range candidates {
		if err := c.Validate(); err != nil {
			x.logger().Debug("skipping invalid candidate", zap.Error(err))
			continue
		}
		if similarity.IsNearDuplicate(c.Text, texts, dupThreshold) {
			res.Discarded++
			continue
		}

		if c.Confidence >= autoApprove {
			if err := x.autoApprove(ctx, repoID, ev, c); err != nil {
				return res, err
			}
			res.AutoApproved++
		} else {
			if _, err := x.Proposals.Create(ctx, proposals.NewProposal{
				Text:          c.Text,
				Category:      c.Category,
				Confidence:    c.Confidence,
				SourceExcerpt: ev.excerpt(),
				ProposedBy:    proposedBy,
				RepoID:        &repoID,
			}); err != nil {
				return res, err
			}
			res.ProposalsCreated++
		}
		texts = append(texts, c.Text)
	}

	x.logger().Info("incremental extraction complete",
		zap.String("repo", ev.Repo),
		zap.Int("number", ev.Number),
		zap.Int("auto_approved", res.AutoApproved),
		zap.Int("proposals", res.ProposalsCreated),
		zap.Int("discarded", res.Discarded),
		zap.Int("total", res.Total),
	)
	return res, nil
}

func (x *Extractor) autoApprove(ctx context.Context, repoID int64, ev Event, c rules.Candidate) error {
	c.ProvenanceURL = ev.URL
	c.ProvenanceSummary = ev.excerpt()
	r, err := rules.NewRule(c, rules.SourceChangeRequest, fmt.Sprintf("%s#%d", ev.Repo, ev.Number), &repoID)
	if err != nil {
		return err
	}
	saved, err := x.Store.InsertRule(ctx, r)
	if err != nil {
		return err
	}
	_, err = x.Recorder.AutoApproved(ctx, saved, ev.URL)
	return err
}
