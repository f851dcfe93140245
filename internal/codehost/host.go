// Package codehost reads change requests, review threads, repository
// layout, documentation and CI history from a code host.
package codehost

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/tacit/internal/config"
)

// ChangeRequest is a pull request summary.
type ChangeRequest struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Author    string    `json:"author"`
	State     string    `json:"state"`
	Body      string    `json:"body,omitempty"`
	Labels    []string  `json:"labels,omitempty"`
	Comments  int       `json:"comments"`
	Merged    bool      `json:"merged"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Comment kinds.
const (
	KindIssueComment  = "issue_comment"
	KindReviewComment = "review_comment"
	KindReview        = "review"
)

// Comment is one entry of a change request discussion.
type Comment struct {
	Kind      string    `json:"type"`
	Number    int       `json:"pr_number,omitempty"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	Path      string    `json:"path,omitempty"`
	DiffHunk  string    `json:"diff_hunk,omitempty"`
	State     string    `json:"state,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Commit is a commit summary.
type Commit struct {
	SHA     string    `json:"sha"`
	Message string    `json:"message"`
	Author  string    `json:"author"`
	Date    time.Time `json:"date"`
}

// CIFix is a merged change request that repaired the build.
type CIFix struct {
	Number   int       `json:"pr_number"`
	Title    string    `json:"title"`
	Body     string    `json:"body,omitempty"`
	URL      string    `json:"url"`
	Files    []string  `json:"files,omitempty"`
	MergedAt time.Time `json:"merged_at"`
}

// Host is a read-only view of a code host. repo is always "owner/name".
type Host interface {
	ListChangeRequests(ctx context.Context, repo, state string, limit int) ([]ChangeRequest, error)
	Thread(ctx context.Context, repo string, number int) ([]Comment, error)
	Tree(ctx context.Context, repo string) ([]string, error)
	Commits(ctx context.Context, repo string, limit int) ([]Commit, error)
	FileContent(ctx context.Context, repo, path string) (string, error)
	Docs(ctx context.Context, repo string) (map[string]string, error)
	CIFixes(ctx context.Context, repo string, limit int) ([]CIFix, error)
	RejectedReviews(ctx context.Context, repo string, limit int) ([]Comment, error)
}

// Factory builds a Host authenticated with token.
type Factory func(ctx context.Context, token config.Secret) Host
