package http

import (
	"github.com/fyrsmithlabs/tacit/internal/config"
	"github.com/fyrsmithlabs/tacit/internal/emitter"
	"github.com/fyrsmithlabs/tacit/internal/events"
	"github.com/fyrsmithlabs/tacit/internal/proposals"
	"github.com/fyrsmithlabs/tacit/internal/rules"
	"github.com/fyrsmithlabs/tacit/internal/similarity"
	"github.com/fyrsmithlabs/tacit/internal/store"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the body of every error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// CreateRepoRequest is the request body for POST /api/v1/repos. Either
// FullName or Owner and Name are set.
type CreateRepoRequest struct {
	Owner       string        `json:"owner"`
	Name        string        `json:"name"`
	FullName    string        `json:"full_name"`
	GitHubToken config.Secret `json:"github_token"`
}

// TokenRequest is the request body for PUT /api/v1/repos/:id/token.
type TokenRequest struct {
	GitHubToken config.Secret `json:"github_token"`
}

// ExtractRequest is the request body for POST /api/v1/extract. RepoID
// selects a connected repository; Repo names one that is connected on
// first use.
type ExtractRequest struct {
	RepoID      int64         `json:"repo_id"`
	Repo        string        `json:"repo"`
	GitHubToken config.Secret `json:"github_token"`
	MaxItems    int           `json:"max_items"`
}

// ExtractResponse is the response body for POST /api/v1/extract.
type ExtractResponse struct {
	RunID  int64  `json:"run_id"`
	Status string `json:"status"`
	Events string `json:"events"`
}

// LocalExtractRequest is the request body for POST /api/v1/local-extract.
type LocalExtractRequest struct {
	ProjectPath string `json:"project_path"`
}

// LocalExtractResponse collects the events of a local extraction.
type LocalExtractResponse struct {
	Events []events.Event `json:"events"`
}

// CreateRuleRequest is the request body for POST /api/v1/rules.
type CreateRuleRequest struct {
	Text              string           `json:"rule_text"`
	Category          string           `json:"category"`
	Confidence        float64          `json:"confidence"`
	SourceType        rules.SourceType `json:"source_type"`
	SourceRef         string           `json:"source_ref"`
	RepoID            *int64           `json:"repo_id"`
	ProvenanceURL     string           `json:"provenance_url"`
	ProvenanceSummary string           `json:"provenance_summary"`
	ApplicablePaths   []string         `json:"applicable_paths"`
}

// RuleDetail is a rule with its decision trail.
type RuleDetail struct {
	Rule  *rules.Rule        `json:"rule"`
	Trail []rules.TrailEntry `json:"decision_trail"`
}

// FeedbackRequest is the request body for POST /api/v1/rules/:id/feedback.
type FeedbackRequest struct {
	Vote string `json:"vote"` // up or down
	Note string `json:"note"`
}

// FeedbackResponse reports the new feedback score.
type FeedbackResponse struct {
	RuleID        int64 `json:"rule_id"`
	FeedbackScore int   `json:"feedback_score"`
}

// SourceQualityResponse is the response body for GET /api/v1/stats/source-quality.
type SourceQualityResponse struct {
	SourceQuality []store.SourceQuality `json:"source_quality"`
}

// ReviewRequest is the request body for approve and reject.
type ReviewRequest struct {
	ReviewedBy string `json:"reviewed_by"`
	Feedback   string `json:"feedback"`
}

// ApproveResponse is the response body for POST /api/v1/proposals/:id/approve.
type ApproveResponse struct {
	Rule     *rules.Rule     `json:"rule"`
	Proposal *rules.Proposal `json:"proposal"`
}

// ContributeResponse summarizes a contribution batch.
type ContributeResponse struct {
	Contributor string                       `json:"contributor_name"`
	Merged      int                          `json:"merged"`
	Created     int                          `json:"created"`
	Results     []proposals.ContributeResult `json:"results"`
}

// ClaudeRulesResponse is the modular rules layout of a repository.
type ClaudeRulesResponse struct {
	RepoID int64             `json:"repo_id"`
	Files  map[string]string `json:"files"`
}

// PatternsResponse is the response body for GET /api/v1/patterns/cross-repo.
type PatternsResponse struct {
	Patterns []similarity.Pattern `json:"patterns"`
}

// WebhookResponse acknowledges a webhook delivery.
type WebhookResponse struct {
	Accepted   bool   `json:"accepted"`
	Ignored    bool   `json:"ignored,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Repo       string `json:"repo,omitempty"`
	Number     int    `json:"pr_number,omitempty"`
	DeliveryID string `json:"delivery_id"`
}

// ClaudeMDDiffResponse compares a repository's CLAUDE.md with the
// generated one.
type ClaudeMDDiffResponse struct {
	RepoID    int64              `json:"repo_id"`
	Existing  string             `json:"existing"`
	Generated string             `json:"generated"`
	DiffLines []emitter.DiffLine `json:"diff_lines"`
}

// HookCaptureRequest is sent by the coding assistant's session-end hook.
type HookCaptureRequest struct {
	TranscriptPath string `json:"transcript_path"`
	Cwd            string `json:"cwd"`
	SessionID      string `json:"session_id"`
}

// HookCaptureResponse acknowledges a captured transcript.
type HookCaptureResponse struct {
	Accepted       bool   `json:"accepted"`
	TranscriptPath string `json:"transcript_path"`
}

// SessionsResponse lists mined sessions.
type SessionsResponse struct {
	Sessions []rules.MinedSession `json:"sessions"`
	Total    int                  `json:"total"`
}
