package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/tacit/internal/rules"
)

// CreateTeamMember adds a member to the directory. Adding an existing
// username returns the stored member unchanged.
func (s *Store) CreateTeamMember(ctx context.Context, m rules.TeamMember) (*rules.TeamMember, error) {
	if strings.TrimSpace(m.GitHubUsername) == "" {
		return nil, fmt.Errorf("%w: github username is required", rules.ErrValidation)
	}
	if m.Role == "" {
		m.Role = "developer"
	}
	var out rules.TeamMember
	err := s.withConn(ctx, "create team member", func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx,
			`INSERT OR IGNORE INTO team_members (github_username, display_name, role, created_at)
			 VALUES (?, ?, ?, ?)`,
			m.GitHubUsername, m.DisplayName, m.Role, s.stamp()); err != nil {
			return err
		}
		var created string
		if err := conn.QueryRowContext(ctx,
			`SELECT id, github_username, display_name, role, created_at FROM team_members WHERE github_username = ?`,
			m.GitHubUsername).Scan(&out.ID, &out.GitHubUsername, &out.DisplayName, &out.Role, &created); err != nil {
			return err
		}
		out.CreatedAt = parseTime(created)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ListTeamMembers returns the directory ordered by username.
func (s *Store) ListTeamMembers(ctx context.Context) ([]rules.TeamMember, error) {
	var out []rules.TeamMember
	err := s.withConn(ctx, "list team members", func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx,
			`SELECT id, github_username, display_name, role, created_at FROM team_members ORDER BY github_username`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				m       rules.TeamMember
				created string
			)
			if err := rows.Scan(&m.ID, &m.GitHubUsername, &m.DisplayName, &m.Role, &created); err != nil {
				return err
			}
			m.CreatedAt = parseTime(created)
			out = append(out, m)
		}
		return rows.Err()
	})
	return out, err
}
