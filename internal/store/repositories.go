package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/tacit/internal/config"
	"github.com/fyrsmithlabs/tacit/internal/rules"
)

const repoColumns = `id, owner, name, full_name, github_url, github_token, connected_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRepository(row scanner) (*rules.Repository, error) {
	var (
		r         rules.Repository
		token     string
		connected string
	)
	if err := row.Scan(&r.ID, &r.Owner, &r.Name, &r.FullName, &r.URL, &token, &connected); err != nil {
		return nil, err
	}
	r.Token = config.Secret(token)
	r.HasToken = r.Token.IsSet()
	r.ConnectedAt = parseTime(connected)
	return &r, nil
}

// CreateRepository connects a new repository.
func (s *Store) CreateRepository(ctx context.Context, owner, name string, token config.Secret) (*rules.Repository, error) {
	if owner == "" || name == "" {
		return nil, fmt.Errorf("%w: owner and name are required", rules.ErrValidation)
	}
	var repo *rules.Repository
	err := s.withConn(ctx, "create repository", func(conn *sql.Conn) error {
		var err error
		repo, err = insertRepository(ctx, conn, owner, name, token, s.stamp())
		return err
	})
	return repo, err
}

func insertRepository(ctx context.Context, conn querier, owner, name string, token config.Secret, now string) (*rules.Repository, error) {
	fullName := owner + "/" + name
	res, err := conn.ExecContext(ctx,
		`INSERT INTO repositories (owner, name, full_name, github_url, github_token, connected_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		owner, name, fullName, "https://github.com/"+fullName, token.Value(), now)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return scanRepository(conn.QueryRowContext(ctx,
		`SELECT `+repoColumns+` FROM repositories WHERE id = ?`, id))
}

// EnsureRepository returns the repository named fullName, creating it on
// first reference. A token is stored only when the repository has none;
// use UpdateRepositoryToken to rotate.
func (s *Store) EnsureRepository(ctx context.Context, fullName string, token config.Secret) (*rules.Repository, error) {
	owner, name, ok := rules.SplitFullName(fullName)
	if !ok {
		return nil, fmt.Errorf("%w: repository must be owner/name, got %q", rules.ErrValidation, fullName)
	}

	var repo *rules.Repository
	err := s.withConn(ctx, "ensure repository", func(conn *sql.Conn) error {
		return inTx(ctx, conn, func(tx *sql.Tx) error {
			existing, err := scanRepository(tx.QueryRowContext(ctx,
				`SELECT `+repoColumns+` FROM repositories WHERE full_name = ?`, owner+"/"+name))
			switch {
			case errors.Is(err, sql.ErrNoRows):
			case err != nil:
				return err
			default:
				if !existing.Token.IsSet() && token.IsSet() {
					if _, err := tx.ExecContext(ctx,
						`UPDATE repositories SET github_token = ? WHERE id = ?`, token.Value(), existing.ID); err != nil {
						return err
					}
					existing.Token = token
					existing.HasToken = true
				}
				repo = existing
				return nil
			}

			repo, err = insertRepository(ctx, tx, owner, name, token, s.stamp())
			return err
		})
	})
	return repo, err
}

// GetRepository returns the repository with the given id.
func (s *Store) GetRepository(ctx context.Context, id int64) (*rules.Repository, error) {
	var repo *rules.Repository
	err := s.withConn(ctx, "get repository", func(conn *sql.Conn) error {
		r, err := scanRepository(conn.QueryRowContext(ctx,
			`SELECT `+repoColumns+` FROM repositories WHERE id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("repository %d: %w", id, ErrNotFound)
		}
		repo = r
		return err
	})
	return repo, err
}

// FindRepository returns the repository named owner/name.
func (s *Store) FindRepository(ctx context.Context, fullName string) (*rules.Repository, error) {
	var repo *rules.Repository
	err := s.withConn(ctx, "find repository", func(conn *sql.Conn) error {
		r, err := scanRepository(conn.QueryRowContext(ctx,
			`SELECT `+repoColumns+` FROM repositories WHERE full_name = ?`, fullName))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("repository %q: %w", fullName, ErrNotFound)
		}
		repo = r
		return err
	})
	return repo, err
}

// ListRepositories returns every repository, newest first.
func (s *Store) ListRepositories(ctx context.Context) ([]rules.Repository, error) {
	var repos []rules.Repository
	err := s.withConn(ctx, "list repositories", func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx,
			`SELECT `+repoColumns+` FROM repositories ORDER BY connected_at DESC, id DESC`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			r, err := scanRepository(rows)
			if err != nil {
				return err
			}
			repos = append(repos, *r)
		}
		return rows.Err()
	})
	return repos, err
}

// UpdateRepositoryToken rotates the stored host credential.
func (s *Store) UpdateRepositoryToken(ctx context.Context, id int64, token config.Secret) error {
	return s.withConn(ctx, "update repository token", func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx,
			`UPDATE repositories SET github_token = ? WHERE id = ?`, token.Value(), id)
		if err != nil {
			return err
		}
		return requireAffected(res, fmt.Sprintf("repository %d", id))
	})
}

// DeleteRepository removes a repository. Its runs are deleted; its rules
// and proposals are kept with a cleared repository reference.
func (s *Store) DeleteRepository(ctx context.Context, id int64) error {
	return s.withConn(ctx, "delete repository", func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, `DELETE FROM repositories WHERE id = ?`, id)
		if err != nil {
			return err
		}
		return requireAffected(res, fmt.Sprintf("repository %d", id))
	})
}

func requireAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}
