package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/tacit/internal/rules"
)

const ruleColumns = `id, rule_text, category, confidence, source_type, source_ref, repo_id,
	provenance_url, provenance_summary, applicable_paths, feedback_score, created_at, updated_at`

func scanRule(row scanner) (*rules.Rule, error) {
	var (
		r                rules.Rule
		category, source string
		repoID           sql.NullInt64
		paths            string
		created, updated string
	)
	if err := row.Scan(&r.ID, &r.Text, &category, &r.Confidence, &source, &r.SourceRef, &repoID,
		&r.ProvenanceURL, &r.ProvenanceSummary, &paths, &r.FeedbackScore, &created, &updated); err != nil {
		return nil, err
	}
	r.Category = rules.Category(category)
	r.SourceType = rules.SourceType(source)
	r.RepoID = int64Ptr(repoID)
	if paths != "" {
		if err := json.Unmarshal([]byte(paths), &r.ApplicablePaths); err != nil {
			return nil, fmt.Errorf("decoding applicable_paths of rule %d: %w", r.ID, err)
		}
	}
	r.CreatedAt = parseTime(created)
	r.UpdatedAt = parseTime(updated)
	return &r, nil
}

func encodePaths(paths []string) (string, error) {
	if len(paths) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(paths)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// InsertRule validates and stores a rule, returning it with id and
// timestamps populated.
func (s *Store) InsertRule(ctx context.Context, r rules.Rule) (*rules.Rule, error) {
	var out *rules.Rule
	err := s.withConn(ctx, "insert rule", func(conn *sql.Conn) error {
		var err error
		out, err = insertRule(ctx, conn, r, s.stamp())
		return err
	})
	return out, err
}

func insertRule(ctx context.Context, q querier, r rules.Rule, now string) (*rules.Rule, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if !r.Category.IsValid() {
		r.Category = rules.CategoryGeneral
	}
	paths, err := encodePaths(r.ApplicablePaths)
	if err != nil {
		return nil, fmt.Errorf("%w: applicable paths: %v", rules.ErrValidation, err)
	}
	res, err := q.ExecContext(ctx,
		`INSERT INTO knowledge_rules (rule_text, category, confidence, source_type, source_ref, repo_id,
		   provenance_url, provenance_summary, applicable_paths, feedback_score, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		strings.TrimSpace(r.Text), string(r.Category), r.Confidence, string(r.SourceType), r.SourceRef,
		nullInt64(r.RepoID), r.ProvenanceURL, r.ProvenanceSummary, paths, r.FeedbackScore, now, now)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return scanRule(q.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM knowledge_rules WHERE id = ?`, id))
}

// GetRule returns the rule with the given id.
func (s *Store) GetRule(ctx context.Context, id int64) (*rules.Rule, error) {
	var out *rules.Rule
	err := s.withConn(ctx, "get rule", func(conn *sql.Conn) error {
		r, err := scanRule(conn.QueryRowContext(ctx,
			`SELECT `+ruleColumns+` FROM knowledge_rules WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("rule %d: %w", id, ErrNotFound)
		}
		out = r
		return err
	})
	return out, err
}

// RuleFilter narrows ListRules. Zero values mean "no constraint".
type RuleFilter struct {
	Category      rules.Category
	RepoID        *int64
	Query         string
	MinConfidence float64
	Limit         int
}

// ListRules returns rules matching f ordered by confidence, then newest.
func (s *Store) ListRules(ctx context.Context, f RuleFilter) ([]rules.Rule, error) {
	var (
		where []string
		args  []any
	)
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, string(f.Category))
	}
	if f.RepoID != nil {
		where = append(where, "repo_id = ?")
		args = append(args, *f.RepoID)
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		where = append(where, `rule_text LIKE ? ESCAPE '\'`)
		args = append(args, likePattern(q))
	}
	if f.MinConfidence > 0 {
		where = append(where, "confidence >= ?")
		args = append(args, f.MinConfidence)
	}

	query := `SELECT ` + ruleColumns + ` FROM knowledge_rules`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY confidence DESC, created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	var out []rules.Rule
	err := s.withConn(ctx, "list rules", func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanRule(rows)
			if err != nil {
				return err
			}
			out = append(out, *r)
		}
		return rows.Err()
	})
	return out, err
}

// SearchRules is a substring search over rule text.
func (s *Store) SearchRules(ctx context.Context, query string, category rules.Category, repoID *int64) ([]rules.Rule, error) {
	return s.ListRules(ctx, RuleFilter{Query: query, Category: category, RepoID: repoID})
}

// UpdateRuleConfidence sets a rule's confidence.
func (s *Store) UpdateRuleConfidence(ctx context.Context, id int64, confidence float64) error {
	if err := rules.ValidateConfidence(confidence); err != nil {
		return err
	}
	return s.withConn(ctx, "update rule confidence", func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx,
			`UPDATE knowledge_rules SET confidence = ?, updated_at = ? WHERE id = ?`,
			confidence, s.stamp(), id)
		if err != nil {
			return err
		}
		return requireAffected(res, fmt.Sprintf("rule %d", id))
	})
}

// DeleteRule removes a rule and, by cascade, its decision trail.
func (s *Store) DeleteRule(ctx context.Context, id int64) error {
	return s.withConn(ctx, "delete rule", func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, `DELETE FROM knowledge_rules WHERE id = ?`, id)
		if err != nil {
			return err
		}
		return requireAffected(res, fmt.Sprintf("rule %d", id))
	})
}

// IncrementFeedback atomically adds delta to a rule's feedback score and
// returns the new score.
func (s *Store) IncrementFeedback(ctx context.Context, id int64, delta int) (int, error) {
	var score int
	err := s.withConn(ctx, "increment feedback", func(conn *sql.Conn) error {
		err := conn.QueryRowContext(ctx,
			`UPDATE knowledge_rules SET feedback_score = feedback_score + ?, updated_at = ?
			 WHERE id = ? RETURNING feedback_score`,
			delta, s.stamp(), id).Scan(&score)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("rule %d: %w", id, ErrNotFound)
		}
		return err
	})
	return score, err
}

// SourceQuality aggregates rule counts, confidence and feedback per source.
type SourceQuality struct {
	SourceType    rules.SourceType `json:"source_type"`
	Rules         int              `json:"rule_count"`
	AvgConfidence float64          `json:"avg_confidence"`
	TotalFeedback int              `json:"total_feedback"`
}

// SourceQuality reports per-source statistics, optionally for one repository.
func (s *Store) SourceQuality(ctx context.Context, repoID *int64) ([]SourceQuality, error) {
	query := `SELECT source_type, COUNT(*), AVG(confidence), COALESCE(SUM(feedback_score), 0)
		FROM knowledge_rules`
	var args []any
	if repoID != nil {
		query += " WHERE repo_id = ?"
		args = append(args, *repoID)
	}
	query += " GROUP BY source_type ORDER BY COUNT(*) DESC, source_type"

	var out []SourceQuality
	err := s.withConn(ctx, "source quality", func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				q      SourceQuality
				source string
			)
			if err := rows.Scan(&source, &q.Rules, &q.AvgConfidence, &q.TotalFeedback); err != nil {
				return err
			}
			q.SourceType = rules.SourceType(source)
			out = append(out, q)
		}
		return rows.Err()
	})
	return out, err
}
