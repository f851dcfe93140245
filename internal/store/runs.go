package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/tacit/internal/rules"
)

const runColumns = `id, repo_id, status, stage, rules_found, prs_analyzed, started_at, completed_at`

func scanRun(row scanner) (*rules.Run, error) {
	var (
		r         rules.Run
		status    string
		started   string
		completed sql.NullString
	)
	if err := row.Scan(&r.ID, &r.RepoID, &status, &r.Stage, &r.RulesFound, &r.ItemsAnalyzed,
		&started, &completed); err != nil {
		return nil, err
	}
	r.Status = rules.RunStatus(status)
	r.StartedAt = parseTime(started)
	r.CompletedAt = parseNullTime(completed)
	return &r, nil
}

// CreateRun starts a new extraction run for a repository.
func (s *Store) CreateRun(ctx context.Context, repoID int64) (*rules.Run, error) {
	var out *rules.Run
	err := s.withConn(ctx, "create run", func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx,
			`INSERT INTO extraction_runs (repo_id, status, stage, started_at) VALUES (?, ?, 'initializing', ?)`,
			repoID, string(rules.RunRunning), s.stamp())
		if err != nil {
			return err
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		out, err = scanRun(conn.QueryRowContext(ctx,
			`SELECT `+runColumns+` FROM extraction_runs WHERE id = ?`, id))
		return err
	})
	return out, err
}

// RunUpdate lists run fields to change. Nil fields are left untouched.
type RunUpdate struct {
	Status        *rules.RunStatus
	Stage         *string
	RulesFound    *int
	ItemsAnalyzed *int
	CompletedAt   *time.Time
}

// UpdateRun applies the non-nil fields of u.
func (s *Store) UpdateRun(ctx context.Context, id int64, u RunUpdate) error {
	var (
		sets []string
		args []any
	)
	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*u.Status))
	}
	if u.Stage != nil {
		sets = append(sets, "stage = ?")
		args = append(args, *u.Stage)
	}
	if u.RulesFound != nil {
		sets = append(sets, "rules_found = ?")
		args = append(args, *u.RulesFound)
	}
	if u.ItemsAnalyzed != nil {
		sets = append(sets, "prs_analyzed = ?")
		args = append(args, *u.ItemsAnalyzed)
	}
	if u.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, formatTime(*u.CompletedAt))
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	return s.withConn(ctx, "update run", func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx,
			`UPDATE extraction_runs SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
		if err != nil {
			return err
		}
		return requireAffected(res, fmt.Sprintf("run %d", id))
	})
}

// GetRun returns the run with the given id.
func (s *Store) GetRun(ctx context.Context, id int64) (*rules.Run, error) {
	var out *rules.Run
	err := s.withConn(ctx, "get run", func(conn *sql.Conn) error {
		r, err := scanRun(conn.QueryRowContext(ctx,
			`SELECT `+runColumns+` FROM extraction_runs WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("run %d: %w", id, ErrNotFound)
		}
		out = r
		return err
	})
	return out, err
}

// ListRuns returns runs newest first, optionally for one repository.
func (s *Store) ListRuns(ctx context.Context, repoID *int64) ([]rules.Run, error) {
	query := `SELECT ` + runColumns + ` FROM extraction_runs`
	var args []any
	if repoID != nil {
		query += " WHERE repo_id = ?"
		args = append(args, *repoID)
	}
	query += " ORDER BY started_at DESC, id DESC"

	var out []rules.Run
	err := s.withConn(ctx, "list runs", func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanRun(rows)
			if err != nil {
				return err
			}
			out = append(out, *r)
		}
		return rows.Err()
	})
	return out, err
}
