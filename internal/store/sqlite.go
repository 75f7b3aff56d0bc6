package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply sqlite pragmas: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) AutoMigrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS episodes (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			observation TEXT,
			reasoning TEXT,
			confidence REAL NOT NULL DEFAULT 0,
			success INTEGER NOT NULL DEFAULT 0,
			reward REAL NOT NULL DEFAULT 0,
			complexity REAL NOT NULL DEFAULT 0,
			efficiency REAL NOT NULL DEFAULT 0,
			quality REAL NOT NULL DEFAULT 0,
			feedback TEXT,
			created_at_unix INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_episodes_action ON episodes(action, created_at_unix);`,
		`CREATE TABLE IF NOT EXISTS policy_versions (
			version INTEGER NOT NULL UNIQUE,
			proactive REAL NOT NULL,
			autonomous REAL NOT NULL,
			escalation REAL NOT NULL,
			source TEXT,
			created_at_unix INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS audit_archive (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			severity TEXT NOT NULL,
			actor_type TEXT,
			actor_id TEXT,
			action TEXT,
			action_category TEXT,
			confidence REAL NOT NULL DEFAULT 0,
			risk_level TEXT,
			risk_factors TEXT,
			outcome_status TEXT,
			outcome_message TEXT,
			classification TEXT,
			retention_days INTEGER NOT NULL DEFAULT 0,
			created_at_unix INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_archive_created ON audit_archive(created_at_unix);`,
		`CREATE TABLE IF NOT EXISTS approval_history (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			status TEXT NOT NULL,
			urgency TEXT,
			requester TEXT,
			approver TEXT,
			confidence REAL NOT NULL DEFAULT 0,
			rejection_reason TEXT,
			comments TEXT,
			execution_success INTEGER,
			execution_feedback TEXT,
			submitted_at_unix INTEGER NOT NULL,
			decided_at_unix INTEGER
		);`,
	}
	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("apply migration: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func nullIfEmpty(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
