package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/tacit/internal/rules"
)

const proposalColumns = `id, rule_text, category, confidence, source_excerpt, proposed_by, status,
	contributor_count, repo_id, feedback, reviewed_by, created_at, reviewed_at`

const contributionColumns = `id, proposal_id, contributor_name, original_text, original_confidence,
	source_excerpt, similarity_score, created_at`

func scanProposal(row scanner) (*rules.Proposal, error) {
	var (
		p                rules.Proposal
		category, status string
		repoID           sql.NullInt64
		created          string
		reviewed         sql.NullString
	)
	if err := row.Scan(&p.ID, &p.Text, &category, &p.Confidence, &p.SourceExcerpt, &p.ProposedBy, &status,
		&p.ContributorCount, &repoID, &p.FeedbackNote, &p.ReviewedBy, &created, &reviewed); err != nil {
		return nil, err
	}
	p.Category = rules.Category(category)
	p.Status = rules.ProposalStatus(status)
	p.RepoID = int64Ptr(repoID)
	p.CreatedAt = parseTime(created)
	p.ReviewedAt = parseNullTime(reviewed)
	return &p, nil
}

func scanContribution(row scanner) (*rules.Contribution, error) {
	var (
		c       rules.Contribution
		created string
	)
	if err := row.Scan(&c.ID, &c.ProposalID, &c.ContributorName, &c.OriginalText, &c.OriginalConfidence,
		&c.SourceExcerpt, &c.Similarity, &created); err != nil {
		return nil, err
	}
	c.CreatedAt = parseTime(created)
	return &c, nil
}

func getProposal(ctx context.Context, q querier, id int64) (*rules.Proposal, error) {
	p, err := scanProposal(q.QueryRowContext(ctx,
		`SELECT `+proposalColumns+` FROM proposals WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("proposal %d: %w", id, ErrNotFound)
	}
	return p, err
}

func insertContribution(ctx context.Context, q querier, proposalID int64, c rules.Contribution, now string) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO proposal_contributions (proposal_id, contributor_name, original_text,
		   original_confidence, source_excerpt, similarity_score, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		proposalID, c.ContributorName, c.OriginalText, c.OriginalConfidence, c.SourceExcerpt, c.Similarity, now)
	return err
}

// CreateProposal stores a pending proposal together with its first
// contribution. The first contribution always has similarity 1.0.
func (s *Store) CreateProposal(ctx context.Context, p rules.Proposal, initial rules.Contribution) (*rules.Proposal, error) {
	p.Status = rules.StatusPending
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if !p.Category.IsValid() {
		p.Category = rules.CategoryGeneral
	}
	if initial.ContributorName == "" {
		initial.ContributorName = p.ProposedBy
	}
	if initial.OriginalText == "" {
		initial.OriginalText = p.Text
		initial.OriginalConfidence = p.Confidence
	}
	if initial.SourceExcerpt == "" {
		initial.SourceExcerpt = p.SourceExcerpt
	}
	initial.Similarity = 1.0
	if err := initial.Validate(); err != nil {
		return nil, err
	}

	var out *rules.Proposal
	err := s.withConn(ctx, "create proposal", func(conn *sql.Conn) error {
		return inTx(ctx, conn, func(tx *sql.Tx) error {
			now := s.stamp()
			res, err := tx.ExecContext(ctx,
				`INSERT INTO proposals (rule_text, category, confidence, source_excerpt, proposed_by,
				   status, contributor_count, repo_id, created_at)
				 VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?)`,
				strings.TrimSpace(p.Text), string(p.Category), p.Confidence, p.SourceExcerpt, p.ProposedBy,
				string(rules.StatusPending), nullInt64(p.RepoID), now)
			if err != nil {
				return err
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			if err := insertContribution(ctx, tx, id, initial, now); err != nil {
				return err
			}
			out, err = getProposal(ctx, tx, id)
			return err
		})
	})
	return out, err
}

// GetProposal returns the proposal with the given id.
func (s *Store) GetProposal(ctx context.Context, id int64) (*rules.Proposal, error) {
	var out *rules.Proposal
	err := s.withConn(ctx, "get proposal", func(conn *sql.Conn) error {
		var err error
		out, err = getProposal(ctx, conn, id)
		return err
	})
	return out, err
}

// ListProposals returns proposals with the given status, or all when status
// is empty, newest first.
func (s *Store) ListProposals(ctx context.Context, status rules.ProposalStatus) ([]rules.Proposal, error) {
	if status != "" && !status.IsValid() {
		return nil, rules.ErrInvalidStatus
	}
	query := `SELECT ` + proposalColumns + ` FROM proposals`
	var args []any
	if status != "" {
		query += " WHERE status = ?"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at DESC, id DESC"

	var out []rules.Proposal
	err := s.withConn(ctx, "list proposals", func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			p, err := scanProposal(rows)
			if err != nil {
				return err
			}
			out = append(out, *p)
		}
		return rows.Err()
	})
	return out, err
}

// ConfidenceFunc computes a proposal's confidence from its base, the highest
// original confidence among its contributions, and its distinct contributor
// count.
type ConfidenceFunc func(base float64, distinct int) float64

// AddContribution records c against a pending proposal. In one transaction
// it inserts the contribution, recounts distinct contributor names,
// recomputes confidence from the contributions and fills repo_id when the
// proposal has none.
func (s *Store) AddContribution(ctx context.Context, proposalID int64, c rules.Contribution,
	confidence ConfidenceFunc, repoID *int64) (*rules.Proposal, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(c.ContributorName) == "" {
		return nil, fmt.Errorf("%w: contributor name is required", rules.ErrValidation)
	}

	var out *rules.Proposal
	err := s.withConn(ctx, "add contribution", func(conn *sql.Conn) error {
		return inTx(ctx, conn, func(tx *sql.Tx) error {
			p, err := getProposal(ctx, tx, proposalID)
			if err != nil {
				return err
			}
			if p.Status.Terminal() {
				return fmt.Errorf("proposal %d: %w", proposalID, ErrProposalClosed)
			}
			if err := insertContribution(ctx, tx, proposalID, c, s.stamp()); err != nil {
				return err
			}

			var (
				distinct int
				base     float64
			)
			if err := tx.QueryRowContext(ctx,
				`SELECT COUNT(DISTINCT contributor_name), MAX(original_confidence)
				 FROM proposal_contributions WHERE proposal_id = ?`,
				proposalID).Scan(&distinct, &base); err != nil {
				return err
			}

			next := p.Confidence
			if confidence != nil {
				next = confidence(base, distinct)
			}
			if err := rules.ValidateConfidence(next); err != nil {
				return err
			}

			if _, err := tx.ExecContext(ctx,
				`UPDATE proposals SET contributor_count = ?, confidence = ?, repo_id = COALESCE(repo_id, ?)
				 WHERE id = ?`,
				distinct, next, nullInt64(repoID), proposalID); err != nil {
				return err
			}
			out, err = getProposal(ctx, tx, proposalID)
			return err
		})
	})
	return out, err
}

// ListContributions returns a proposal's contributions in arrival order.
func (s *Store) ListContributions(ctx context.Context, proposalID int64) ([]rules.Contribution, error) {
	var out []rules.Contribution
	err := s.withConn(ctx, "list contributions", func(conn *sql.Conn) error {
		var err error
		out, err = listContributions(ctx, conn, proposalID)
		return err
	})
	return out, err
}

func listContributions(ctx context.Context, q querier, proposalID int64) ([]rules.Contribution, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+contributionColumns+` FROM proposal_contributions
		 WHERE proposal_id = ? ORDER BY created_at ASC, id ASC`, proposalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []rules.Contribution
	for rows.Next() {
		c, err := scanContribution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// SetProposalStatus moves a pending proposal to status. Leaving a terminal
// status returns ErrProposalClosed.
func (s *Store) SetProposalStatus(ctx context.Context, id int64, status rules.ProposalStatus,
	reviewer, note string) (*rules.Proposal, error) {
	if !status.IsValid() {
		return nil, rules.ErrInvalidStatus
	}

	var out *rules.Proposal
	err := s.withConn(ctx, "set proposal status", func(conn *sql.Conn) error {
		return inTx(ctx, conn, func(tx *sql.Tx) error {
			var err error
			out, err = s.setProposalStatus(ctx, tx, id, status, reviewer, note)
			return err
		})
	})
	return out, err
}

func (s *Store) setProposalStatus(ctx context.Context, q querier, id int64, status rules.ProposalStatus,
	reviewer, note string) (*rules.Proposal, error) {
	p, err := getProposal(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if p.Status.Terminal() {
		return nil, fmt.Errorf("proposal %d is %s: %w", id, p.Status, ErrProposalClosed)
	}
	var reviewedAt any
	if status.Terminal() {
		reviewedAt = s.stamp()
	}
	if _, err := q.ExecContext(ctx,
		`UPDATE proposals SET status = ?, reviewed_by = ?, feedback = ?, reviewed_at = ? WHERE id = ?`,
		string(status), reviewer, note, reviewedAt, id); err != nil {
		return nil, err
	}
	return getProposal(ctx, q, id)
}

// ApprovalFunc builds the rule and its approval trail entry for an approved
// proposal. The entry's RuleID is filled in once the rule is stored.
type ApprovalFunc func(p *rules.Proposal, contributions []rules.Contribution) (rules.Rule, rules.TrailEntry)

// ApproveProposal marks a pending proposal approved, stores the rule build
// produces and its trail entry in one transaction. Any failure leaves the
// proposal pending.
func (s *Store) ApproveProposal(ctx context.Context, id int64, reviewer, note string,
	build ApprovalFunc) (*rules.Rule, *rules.Proposal, error) {
	var (
		rule     *rules.Rule
		proposal *rules.Proposal
	)
	err := s.withConn(ctx, "approve proposal", func(conn *sql.Conn) error {
		return inTx(ctx, conn, func(tx *sql.Tx) error {
			p, err := s.setProposalStatus(ctx, tx, id, rules.StatusApproved, reviewer, note)
			if err != nil {
				return err
			}
			contributions, err := listContributions(ctx, tx, id)
			if err != nil {
				return err
			}
			r, entry := build(p, contributions)

			now := s.stamp()
			saved, err := insertRule(ctx, tx, r, now)
			if err != nil {
				return err
			}
			entry.RuleID = saved.ID
			if _, err := insertTrailEntry(ctx, tx, entry, now); err != nil {
				return err
			}
			rule, proposal = saved, p
			return nil
		})
	})
	if err != nil {
		return nil, nil, err
	}
	return rule, proposal, nil
}
