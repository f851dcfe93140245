package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/tacit/internal/rules"
)

const sessionColumns = `session_id, transcript_path, project, size_bytes, modified_at, rules_found, mined_at`

// RecordMinedSession stores the outcome of mining one transcript,
// replacing any earlier record for the same session.
func (s *Store) RecordMinedSession(ctx context.Context, m rules.MinedSession) (*rules.MinedSession, error) {
	if strings.TrimSpace(m.SessionID) == "" {
		return nil, fmt.Errorf("%w: session id is required", rules.ErrValidation)
	}
	var out *rules.MinedSession
	err := s.withConn(ctx, "record mined session", func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx,
			`INSERT INTO mined_sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(session_id) DO UPDATE SET
			     transcript_path = excluded.transcript_path,
			     project = excluded.project,
			     size_bytes = excluded.size_bytes,
			     modified_at = excluded.modified_at,
			     rules_found = excluded.rules_found,
			     mined_at = excluded.mined_at`,
			m.SessionID, m.TranscriptPath, m.Project, m.SizeBytes, formatTime(m.ModifiedAt), m.RulesFound, s.stamp()); err != nil {
			return err
		}
		var err error
		out, err = scanSession(conn.QueryRowContext(ctx,
			`SELECT `+sessionColumns+` FROM mined_sessions WHERE session_id = ?`, m.SessionID))
		return err
	})
	return out, err
}

// GetMinedSession returns ErrNotFound for a session never mined.
func (s *Store) GetMinedSession(ctx context.Context, id string) (*rules.MinedSession, error) {
	var out *rules.MinedSession
	err := s.withConn(ctx, "get mined session", func(conn *sql.Conn) error {
		var err error
		out, err = scanSession(conn.QueryRowContext(ctx,
			`SELECT `+sessionColumns+` FROM mined_sessions WHERE session_id = ?`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return err
	})
	return out, err
}

// ListMinedSessions returns every mined session, most recently mined first.
func (s *Store) ListMinedSessions(ctx context.Context) ([]rules.MinedSession, error) {
	out := []rules.MinedSession{}
	err := s.withConn(ctx, "list mined sessions", func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx,
			`SELECT `+sessionColumns+` FROM mined_sessions ORDER BY mined_at DESC, session_id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			m, err := scanSession(rows)
			if err != nil {
				return err
			}
			out = append(out, *m)
		}
		return rows.Err()
	})
	return out, err
}

func scanSession(row scanner) (*rules.MinedSession, error) {
	var (
		m                 rules.MinedSession
		modified, minedAt string
	)
	if err := row.Scan(&m.SessionID, &m.TranscriptPath, &m.Project, &m.SizeBytes, &modified, &m.RulesFound, &minedAt); err != nil {
		return nil, err
	}
	m.ModifiedAt = parseTime(modified)
	m.MinedAt = parseTime(minedAt)
	return &m, nil
}
