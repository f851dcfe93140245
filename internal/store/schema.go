package store

import (
	"context"
	"database/sql"
	"strings"
)

const schema = `
CREATE TABLE IF NOT EXISTS repositories (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    owner TEXT NOT NULL,
    name TEXT NOT NULL,
    full_name TEXT NOT NULL UNIQUE,
    github_url TEXT NOT NULL DEFAULT '',
    github_token TEXT NOT NULL DEFAULT '',
    connected_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS team_members (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    github_username TEXT NOT NULL UNIQUE,
    display_name TEXT NOT NULL DEFAULT '',
    role TEXT NOT NULL DEFAULT 'developer',
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS knowledge_rules (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    rule_text TEXT NOT NULL,
    category TEXT NOT NULL DEFAULT 'general',
    confidence REAL NOT NULL DEFAULT 0.8,
    source_type TEXT NOT NULL DEFAULT 'pr',
    source_ref TEXT NOT NULL DEFAULT '',
    repo_id INTEGER REFERENCES repositories(id) ON DELETE SET NULL,
    created_at TEXT NOT NULL DEFAULT (datetime('now')),
    updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS proposals (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    rule_text TEXT NOT NULL,
    category TEXT NOT NULL DEFAULT 'general',
    confidence REAL NOT NULL DEFAULT 0.8,
    source_excerpt TEXT NOT NULL DEFAULT '',
    proposed_by TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending',
    feedback TEXT NOT NULL DEFAULT '',
    reviewed_by TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS proposal_contributions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    proposal_id INTEGER NOT NULL REFERENCES proposals(id) ON DELETE CASCADE,
    contributor_name TEXT NOT NULL,
    original_text TEXT NOT NULL,
    original_confidence REAL NOT NULL,
    source_excerpt TEXT NOT NULL DEFAULT '',
    similarity_score REAL NOT NULL DEFAULT 1.0,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS extraction_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    repo_id INTEGER NOT NULL REFERENCES repositories(id) ON DELETE CASCADE,
    status TEXT NOT NULL DEFAULT 'running',
    stage TEXT NOT NULL DEFAULT 'initializing',
    rules_found INTEGER NOT NULL DEFAULT 0,
    prs_analyzed INTEGER NOT NULL DEFAULT 0,
    started_at TEXT NOT NULL DEFAULT (datetime('now')),
    completed_at TEXT
);

CREATE TABLE IF NOT EXISTS decision_trail (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    rule_id INTEGER NOT NULL REFERENCES knowledge_rules(id) ON DELETE CASCADE,
    event_type TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    source_ref TEXT NOT NULL DEFAULT '',
    timestamp TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS mined_sessions (
    session_id TEXT PRIMARY KEY,
    transcript_path TEXT NOT NULL,
    project TEXT NOT NULL DEFAULT '',
    size_bytes INTEGER NOT NULL DEFAULT 0,
    modified_at TEXT NOT NULL,
    rules_found INTEGER NOT NULL DEFAULT 0,
    mined_at TEXT NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_rules_repo ON knowledge_rules(repo_id);
CREATE INDEX IF NOT EXISTS idx_trail_rule ON decision_trail(rule_id);
CREATE INDEX IF NOT EXISTS idx_contrib_proposal ON proposal_contributions(proposal_id);
`

// addedColumns were introduced after the initial schema. They are applied
// with ALTER TABLE so existing databases upgrade in place.
var addedColumns = []string{
	`ALTER TABLE knowledge_rules ADD COLUMN provenance_url TEXT NOT NULL DEFAULT ''`,
	`ALTER TABLE knowledge_rules ADD COLUMN provenance_summary TEXT NOT NULL DEFAULT ''`,
	`ALTER TABLE knowledge_rules ADD COLUMN applicable_paths TEXT NOT NULL DEFAULT '[]'`,
	`ALTER TABLE knowledge_rules ADD COLUMN feedback_score INTEGER NOT NULL DEFAULT 0`,
	`ALTER TABLE proposals ADD COLUMN contributor_count INTEGER NOT NULL DEFAULT 1`,
	`ALTER TABLE proposals ADD COLUMN repo_id INTEGER REFERENCES repositories(id) ON DELETE SET NULL`,
	`ALTER TABLE proposals ADD COLUMN reviewed_at TEXT`,
}

// migrate creates the schema and applies added columns. Safe to re-run.
func (s *Store) migrate(ctx context.Context) error {
	return s.withConn(ctx, "migrate", func(conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, schema); err != nil {
			return err
		}
		for _, stmt := range addedColumns {
			if err := addColumn(ctx, conn, stmt); err != nil {
				return err
			}
		}
		return nil
	})
}

// addColumn ignores "duplicate column" errors so re-running is a no-op.
func addColumn(ctx context.Context, conn *sql.Conn, stmt string) error {
	if _, err := conn.ExecContext(ctx, stmt); err != nil {
		if !strings.Contains(err.Error(), "duplicate column") {
			return err
		}
	}
	return nil
}
