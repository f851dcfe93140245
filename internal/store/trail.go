package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fyrsmithlabs/tacit/internal/rules"
)

// AddTrailEntry appends a decision-trail entry. Unknown rule ids are
// rejected by the foreign key.
func (s *Store) AddTrailEntry(ctx context.Context, e rules.TrailEntry) (*rules.TrailEntry, error) {
	var out *rules.TrailEntry
	err := s.withConn(ctx, "add trail entry", func(conn *sql.Conn) error {
		var err error
		out, err = insertTrailEntry(ctx, conn, e, s.stamp())
		return err
	})
	return out, err
}

func insertTrailEntry(ctx context.Context, q querier, e rules.TrailEntry, now string) (*rules.TrailEntry, error) {
	if e.EventType == "" {
		return nil, fmt.Errorf("%w: event type is required", rules.ErrValidation)
	}
	res, err := q.ExecContext(ctx,
		`INSERT INTO decision_trail (rule_id, event_type, description, source_ref, timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		e.RuleID, string(e.EventType), e.Description, e.SourceRef, now)
	if err != nil {
		return nil, err
	}
	if e.ID, err = res.LastInsertId(); err != nil {
		return nil, err
	}
	e.Timestamp = parseTime(now)
	return &e, nil
}

// ListTrail returns a rule's trail, oldest first.
func (s *Store) ListTrail(ctx context.Context, ruleID int64) ([]rules.TrailEntry, error) {
	var out []rules.TrailEntry
	err := s.withConn(ctx, "list trail", func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx,
			`SELECT id, rule_id, event_type, description, source_ref, timestamp
			 FROM decision_trail WHERE rule_id = ? ORDER BY timestamp ASC, id ASC`, ruleID)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var (
				e         rules.TrailEntry
				eventType string
				ts        string
			)
			if err := rows.Scan(&e.ID, &e.RuleID, &eventType, &e.Description, &e.SourceRef, &ts); err != nil {
				return err
			}
			e.EventType = rules.EventType(eventType)
			e.Timestamp = parseTime(ts)
			out = append(out, e)
		}
		return rows.Err()
	})
	return out, err
}
