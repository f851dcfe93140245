// Package proposals manages candidate rules awaiting review and the
// federated contribution flow that merges independent statements of the
// same convention into one proposal.
package proposals

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/tacit/internal/consensus"
	"github.com/fyrsmithlabs/tacit/internal/provenance"
	"github.com/fyrsmithlabs/tacit/internal/rules"
	"github.com/fyrsmithlabs/tacit/internal/similarity"
	"github.com/fyrsmithlabs/tacit/internal/store"
)

// Store is the persistence the service needs.
type Store interface {
	CreateProposal(ctx context.Context, p rules.Proposal, initial rules.Contribution) (*rules.Proposal, error)
	GetProposal(ctx context.Context, id int64) (*rules.Proposal, error)
	ListProposals(ctx context.Context, status rules.ProposalStatus) ([]rules.Proposal, error)
	AddContribution(ctx context.Context, proposalID int64, c rules.Contribution, confidence store.ConfidenceFunc, repoID *int64) (*rules.Proposal, error)
	ListContributions(ctx context.Context, proposalID int64) ([]rules.Contribution, error)
	SetProposalStatus(ctx context.Context, id int64, status rules.ProposalStatus, reviewer, note string) (*rules.Proposal, error)
	ApproveProposal(ctx context.Context, id int64, reviewer, note string, build store.ApprovalFunc) (*rules.Rule, *rules.Proposal, error)
	FindRepository(ctx context.Context, fullName string) (*rules.Repository, error)
}

// Matcher finds the pending proposal a contribution restates.
type Matcher interface {
	FindMatch(ctx context.Context, text string, candidates []string) similarity.Result
}

// Redactor masks credentials in excerpts.
type Redactor interface {
	Redact(text string) string
}

// Service implements proposal review and federated contribution.
type Service struct {
	store    Store
	matcher  Matcher
	redactor Redactor
	logger   *zap.Logger
}

// NewService creates a Service. redactor may be nil.
func NewService(s Store, m Matcher, redactor Redactor, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: s, matcher: m, redactor: redactor, logger: logger}
}

// NewProposal is the input of Create.
type NewProposal struct {
	Text          string         `json:"rule_text"`
	Category      rules.Category `json:"category"`
	Confidence    float64        `json:"confidence"`
	SourceExcerpt string         `json:"source_excerpt"`
	ProposedBy    string         `json:"proposed_by"`
	RepoID        *int64         `json:"repo_id,omitempty"`
}

// Contribution is one contributor's independently extracted rule.
type Contribution struct {
	ContributorName string         `json:"contributor_name"`
	Text            string         `json:"rule_text"`
	Category        rules.Category `json:"category"`
	Confidence      float64        `json:"confidence"`
	SourceExcerpt   string         `json:"source_excerpt"`
	RepoID          *int64         `json:"repo_id,omitempty"`
}

// Action is what Contribute did with a contribution.
type Action string

const (
	ActionMerged  Action = "merged"
	ActionCreated Action = "created"
)

// ContributeResult reports the outcome of Contribute.
type ContributeResult struct {
	Action     Action            `json:"action"`
	Proposal   *rules.Proposal   `json:"proposal"`
	Similarity float64           `json:"similarity_score,omitempty"`
	Method     similarity.Method `json:"method"`
}

// Detail is a proposal with its contribution history.
type Detail struct {
	Proposal      *rules.Proposal      `json:"proposal"`
	Contributions []rules.Contribution `json:"contributions"`
}

func (s *Service) redact(text string) string {
	if s.redactor == nil {
		return text
	}
	return s.redactor.Redact(text)
}

// Create validates and stores a new pending proposal with its initial
// contribution.
func (s *Service) Create(ctx context.Context, np NewProposal) (*rules.Proposal, error) {
	p := rules.Proposal{
		Text:          strings.TrimSpace(np.Text),
		Category:      rules.ParseCategory(string(np.Category)),
		Confidence:    np.Confidence,
		SourceExcerpt: s.redact(np.SourceExcerpt),
		ProposedBy:    strings.TrimSpace(np.ProposedBy),
		RepoID:        np.RepoID,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	created, err := s.store.CreateProposal(ctx, p, rules.Contribution{})
	if err != nil {
		return nil, err
	}
	s.logger.Info("proposal created",
		zap.Int64("proposal_id", created.ID),
		zap.String("proposed_by", created.ProposedBy),
	)
	return created, nil
}

// Contribute merges c into the matching pending proposal, or creates a new
// proposal when none matches. A merge recounts distinct contributors and
// recomputes the proposal confidence as the consensus of the highest
// original confidence among its contributions, so repeat contributions from
// the same person never raise it.
func (s *Service) Contribute(ctx context.Context, c Contribution) (*ContributeResult, error) {
	c.ContributorName = strings.TrimSpace(c.ContributorName)
	if c.ContributorName == "" {
		return nil, fmt.Errorf("%w: contributor name is required", rules.ErrValidation)
	}
	if err := rules.ValidateText(c.Text); err != nil {
		return nil, err
	}
	if err := rules.ValidateConfidence(c.Confidence); err != nil {
		return nil, err
	}
	excerpt := s.redact(c.SourceExcerpt)

	pending, err := s.store.ListProposals(ctx, rules.StatusPending)
	if err != nil {
		return nil, err
	}
	texts := make([]string, len(pending))
	for i, p := range pending {
		texts[i] = p.Text
	}

	match := similarity.Result{Index: -1, Method: similarity.MethodNone}
	if s.matcher != nil {
		match = s.matcher.FindMatch(ctx, c.Text, texts)
	}
	if !match.Matched {
		created, err := s.Create(ctx, NewProposal{
			Text:          c.Text,
			Category:      c.Category,
			Confidence:    c.Confidence,
			SourceExcerpt: excerpt,
			ProposedBy:    c.ContributorName,
			RepoID:        c.RepoID,
		})
		if err != nil {
			return nil, err
		}
		return &ContributeResult{Action: ActionCreated, Proposal: created, Method: match.Method}, nil
	}

	target := pending[match.Index]
	updated, err := s.store.AddContribution(ctx, target.ID, rules.Contribution{
		ContributorName:    c.ContributorName,
		OriginalText:       strings.TrimSpace(c.Text),
		OriginalConfidence: c.Confidence,
		SourceExcerpt:      excerpt,
		Similarity:         match.Similarity,
	}, consensus.Confidence, c.RepoID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("contribution merged",
		zap.Int64("proposal_id", updated.ID),
		zap.String("contributor", c.ContributorName),
		zap.Int("contributors", updated.ContributorCount),
		zap.Float64("similarity", match.Similarity),
		zap.String("method", string(match.Method)),
	)
	return &ContributeResult{
		Action:     ActionMerged,
		Proposal:   updated,
		Similarity: match.Similarity,
		Method:     match.Method,
	}, nil
}

// Batch is a set of rules one contributor extracted locally.
type Batch struct {
	ContributorName string         `json:"contributor_name"`
	Rules           []Contribution `json:"rules"`

	// ProjectHint is "owner/name" from the contributor's git remote. It
	// scopes the contributions to a connected repository when one matches.
	ProjectHint string `json:"project_hint,omitempty"`
}

// ContributeBatch runs Contribute for every rule of b in order, so later
// rules can merge into proposals created by earlier ones.
func (s *Service) ContributeBatch(ctx context.Context, b Batch) ([]ContributeResult, error) {
	var repoID *int64
	if hint := strings.TrimSpace(b.ProjectHint); hint != "" {
		repo, err := s.store.FindRepository(ctx, hint)
		switch {
		case err == nil:
			repoID = &repo.ID
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}

	results := make([]ContributeResult, 0, len(b.Rules))
	for _, c := range b.Rules {
		c.ContributorName = b.ContributorName
		if c.RepoID == nil {
			c.RepoID = repoID
		}
		res, err := s.Contribute(ctx, c)
		if err != nil {
			return results, err
		}
		results = append(results, *res)
	}
	return results, nil
}

// Approve promotes a pending proposal into a rule that keeps the
// proposal's consensus confidence, and records who approved it. The status
// change, the rule and its trail entry are stored together, so a failure
// leaves the proposal pending and approvable again.
func (s *Service) Approve(ctx context.Context, id int64, reviewer, note string) (*rules.Rule, *rules.Proposal, error) {
	rule, p, err := s.store.ApproveProposal(ctx, id, reviewer, note,
		func(p *rules.Proposal, contributions []rules.Contribution) (rules.Rule, rules.TrailEntry) {
			names := make([]string, 0, len(contributions))
			for _, c := range contributions {
				names = append(names, c.ContributorName)
			}
			return rules.Rule{
				Text:       p.Text,
				Category:   p.Category,
				Confidence: p.Confidence,
				SourceType: rules.SourceConversation,
				SourceRef:  "proposal:" + strconv.FormatInt(p.ID, 10),
				RepoID:     p.RepoID,
			}, provenance.ApprovedEntry(p, reviewer, names)
		})
	if err != nil {
		return nil, nil, err
	}

	s.logger.Info("proposal approved",
		zap.Int64("proposal_id", id),
		zap.Int64("rule_id", rule.ID),
		zap.String("reviewer", reviewer),
	)
	return rule, p, nil
}

// Reject closes a pending proposal without creating a rule.
func (s *Service) Reject(ctx context.Context, id int64, reviewer, note string) (*rules.Proposal, error) {
	p, err := s.store.SetProposalStatus(ctx, id, rules.StatusRejected, reviewer, note)
	if err != nil {
		return nil, err
	}
	s.logger.Info("proposal rejected", zap.Int64("proposal_id", id), zap.String("reviewer", reviewer))
	return p, nil
}

// List returns proposals with status, or all proposals when status is empty.
func (s *Service) List(ctx context.Context, status rules.ProposalStatus) ([]rules.Proposal, error) {
	return s.store.ListProposals(ctx, status)
}

// Get returns a proposal with its contributions.
func (s *Service) Get(ctx context.Context, id int64) (*Detail, error) {
	p, err := s.store.GetProposal(ctx, id)
	if err != nil {
		return nil, err
	}
	contributions, err := s.store.ListContributions(ctx, id)
	if err != nil {
		return nil, err
	}
	return &Detail{Proposal: p, Contributions: contributions}, nil
}
