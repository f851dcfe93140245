package rules

import (
	"strings"
	"time"

	"github.com/fyrsmithlabs/tacit/internal/config"
)

// Repository is a connected code-host repository.
type Repository struct {
	ID       int64  `json:"id"`
	Owner    string `json:"owner"`
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	URL      string `json:"github_url"`

	// Token is the per-repository host credential. It can be rotated but
	// never leaves the process in clear text.
	Token config.Secret `json:"-"`

	// HasToken mirrors Token.IsSet for API responses.
	HasToken bool `json:"has_token"`

	ConnectedAt time.Time `json:"connected_at"`
}

// SplitFullName splits "owner/name". ok is false when either half is empty.
func SplitFullName(fullName string) (owner, name string, ok bool) {
	owner, name, found := strings.Cut(strings.TrimSpace(fullName), "/")
	if !found || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", false
	}
	return owner, name, true
}

// Rule is an accepted convention in the fact base.
type Rule struct {
	ID int64 `json:"id"`

	// Text is the convention itself, phrased as an instruction.
	Text string `json:"rule_text"`

	Category Category `json:"category"`

	// Confidence is the current confidence score (0.0 - 1.0).
	Confidence float64 `json:"confidence"`

	// SourceType names the extraction source that produced the rule.
	SourceType SourceType `json:"source_type"`

	// SourceRef points at the originating item, e.g. "acme/api#42" or
	// "proposal:7".
	SourceRef string `json:"source_ref"`

	// RepoID is nil for rules that are not tied to a repository.
	RepoID *int64 `json:"repo_id"`

	// ProvenanceURL links the evidence the rule was extracted from.
	ProvenanceURL string `json:"provenance_url"`

	// ProvenanceSummary is a one-line account of where the rule came from.
	ProvenanceSummary string `json:"provenance_summary"`

	// ApplicablePaths are glob patterns scoping the rule to parts of the
	// tree. Empty means repository-wide.
	ApplicablePaths []string `json:"applicable_paths"`

	// FeedbackScore is the running sum of reviewer feedback.
	FeedbackScore int `json:"feedback_score"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks text, confidence and source type.
func (r *Rule) Validate() error {
	if err := ValidateText(r.Text); err != nil {
		return err
	}
	if err := ValidateConfidence(r.Confidence); err != nil {
		return err
	}
	if !r.SourceType.IsValid() {
		return unknownSource(r.SourceType)
	}
	return nil
}

// InRepo reports whether the rule belongs to the given repository.
func (r *Rule) InRepo(repoID int64) bool {
	return r.RepoID != nil && *r.RepoID == repoID
}

// Candidate is a rule produced by extraction that has not been persisted.
type Candidate struct {
	Text              string   `json:"rule_text"`
	Category          Category `json:"category"`
	Confidence        float64  `json:"confidence"`
	ApplicablePaths   []string `json:"applicable_paths,omitempty"`
	ProvenanceURL     string   `json:"provenance_url,omitempty"`
	ProvenanceSummary string   `json:"provenance_summary,omitempty"`
	SourceExcerpt     string   `json:"source_excerpt,omitempty"`
}

// Validate checks text and confidence.
func (c *Candidate) Validate() error {
	if err := ValidateText(c.Text); err != nil {
		return err
	}
	return ValidateConfidence(c.Confidence)
}

// NewRule builds a validated rule from a candidate.
func NewRule(c Candidate, source SourceType, sourceRef string, repoID *int64) (Rule, error) {
	r := Rule{
		Text:              strings.TrimSpace(c.Text),
		Category:          ParseCategory(string(c.Category)),
		Confidence:        c.Confidence,
		SourceType:        source,
		SourceRef:         sourceRef,
		RepoID:            repoID,
		ProvenanceURL:     c.ProvenanceURL,
		ProvenanceSummary: c.ProvenanceSummary,
		ApplicablePaths:   c.ApplicablePaths,
	}
	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	return r, nil
}

// Proposal is a candidate rule awaiting review.
type Proposal struct {
	ID            int64          `json:"id"`
	Text          string         `json:"rule_text"`
	Category      Category       `json:"category"`
	Confidence    float64        `json:"confidence"`
	SourceExcerpt string         `json:"source_excerpt"`
	ProposedBy    string         `json:"proposed_by"`
	Status        ProposalStatus `json:"status"`

	// ContributorCount is the number of distinct contributor names that
	// independently proposed this rule.
	ContributorCount int `json:"contributor_count"`

	RepoID       *int64     `json:"repo_id"`
	FeedbackNote string     `json:"feedback"`
	ReviewedBy   string     `json:"reviewed_by"`
	CreatedAt    time.Time  `json:"created_at"`
	ReviewedAt   *time.Time `json:"reviewed_at,omitempty"`
}

// Validate checks text, confidence and status.
func (p *Proposal) Validate() error {
	if err := ValidateText(p.Text); err != nil {
		return err
	}
	if err := ValidateConfidence(p.Confidence); err != nil {
		return err
	}
	if p.Status != "" && !p.Status.IsValid() {
		return ErrInvalidStatus
	}
	return nil
}

// Contribution is one contributor's independent statement of a proposal.
type Contribution struct {
	ID                 int64     `json:"id"`
	ProposalID         int64     `json:"proposal_id"`
	ContributorName    string    `json:"contributor_name"`
	OriginalText       string    `json:"original_text"`
	OriginalConfidence float64   `json:"original_confidence"`
	SourceExcerpt      string    `json:"source_excerpt"`
	Similarity         float64   `json:"similarity_score"`
	CreatedAt          time.Time `json:"created_at"`
}

// Validate checks text and both scores.
func (c *Contribution) Validate() error {
	if err := ValidateText(c.OriginalText); err != nil {
		return err
	}
	if err := ValidateConfidence(c.OriginalConfidence); err != nil {
		return err
	}
	return ValidateConfidence(c.Similarity)
}

// TrailEntry is one append-only provenance event for a rule.
type TrailEntry struct {
	ID          int64     `json:"id"`
	RuleID      int64     `json:"rule_id"`
	EventType   EventType `json:"event_type"`
	Description string    `json:"description"`
	SourceRef   string    `json:"source_ref"`
	Timestamp   time.Time `json:"timestamp"`
}

// Run records one orchestrator invocation.
type Run struct {
	ID            int64      `json:"id"`
	RepoID        int64      `json:"repo_id"`
	Status        RunStatus  `json:"status"`
	Stage         string     `json:"stage"`
	RulesFound    int        `json:"rules_found"`
	ItemsAnalyzed int        `json:"prs_analyzed"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at"`
}

// TeamMember is an entry in the optional contributor directory.
type TeamMember struct {
	ID             int64     `json:"id"`
	GitHubUsername string    `json:"github_username"`
	DisplayName    string    `json:"display_name"`
	Role           string    `json:"role"`
	CreatedAt      time.Time `json:"created_at"`
}

// MinedSession records a coding-assistant transcript that has been mined
// for rules. A transcript is mined again only when its size or
// modification time changes.
type MinedSession struct {
	SessionID      string    `json:"session_id"`
	TranscriptPath string    `json:"transcript_path"`
	Project        string    `json:"project"`
	SizeBytes      int64     `json:"size_bytes"`
	ModifiedAt     time.Time `json:"modified_at"`
	RulesFound     int       `json:"rules_found"`
	MinedAt        time.Time `json:"mined_at"`
}

// Unchanged reports whether a transcript of the given size and
// modification time is the one already mined.
func (m MinedSession) Unchanged(size int64, modified time.Time) bool {
	return m.SizeBytes == size && m.ModifiedAt.Equal(modified)
}
