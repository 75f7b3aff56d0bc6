package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dwizi/agent-gate/internal/gateerr"
)

// PolicyVersion is one immutable snapshot of the global policy scalars. The
// UNIQUE version column serializes concurrent writers: the second writer of
// the same version fails instead of silently overwriting.
type PolicyVersion struct {
	Version    int
	Proactive  float64
	Autonomous float64
	Escalation float64
	Source     string
	CreatedAt  time.Time
}

type SavePolicyVersionInput struct {
	Version    int
	Proactive  float64
	Autonomous float64
	Escalation float64
	Source     string
}

func (s *Store) SavePolicyVersion(ctx context.Context, input SavePolicyVersionInput) (PolicyVersion, error) {
	record := PolicyVersion{
		Version:    input.Version,
		Proactive:  input.Proactive,
		Autonomous: input.Autonomous,
		Escalation: input.Escalation,
		Source:     strings.TrimSpace(input.Source),
		CreatedAt:  time.Now().UTC(),
	}
	if record.Version < 1 {
		return PolicyVersion{}, fmt.Errorf("policy version must be positive, got %d", record.Version)
	}

	if _, err := s.db.ExecContext(
		ctx,
		`INSERT INTO policy_versions (version, proactive, autonomous, escalation, source, created_at_unix)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		record.Version,
		record.Proactive,
		record.Autonomous,
		record.Escalation,
		nullIfEmpty(record.Source),
		record.CreatedAt.Unix(),
	); err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return PolicyVersion{}, fmt.Errorf("save policy version %d: %w", record.Version, gateerr.ErrPolicyVersionStale)
		}
		return PolicyVersion{}, fmt.Errorf("insert policy version: %w", err)
	}
	return record, nil
}

// LatestPolicyVersion returns the highest saved version, or ok=false when no
// policy has ever been saved.
func (s *Store) LatestPolicyVersion(ctx context.Context) (PolicyVersion, bool, error) {
	var record PolicyVersion
	var createdAtUnix int64
	err := s.db.QueryRowContext(
		ctx,
		`SELECT version, proactive, autonomous, escalation, COALESCE(source, ''), created_at_unix
		 FROM policy_versions
		 ORDER BY version DESC
		 LIMIT 1`,
	).Scan(&record.Version, &record.Proactive, &record.Autonomous, &record.Escalation, &record.Source, &createdAtUnix)
	if errors.Is(err, sql.ErrNoRows) {
		return PolicyVersion{}, false, nil
	}
	if err != nil {
		return PolicyVersion{}, false, fmt.Errorf("query latest policy version: %w", err)
	}
	record.CreatedAt = time.Unix(createdAtUnix, 0).UTC()
	return record, true, nil
}

func (s *Store) ListPolicyVersions(ctx context.Context, limit int) ([]PolicyVersion, error) {
	if limit < 1 {
		limit = 20
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT version, proactive, autonomous, escalation, COALESCE(source, ''), created_at_unix
		 FROM policy_versions
		 ORDER BY version DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query policy versions: %w", err)
	}
	defer rows.Close()

	versions := make([]PolicyVersion, 0, limit)
	for rows.Next() {
		var record PolicyVersion
		var createdAtUnix int64
		if err := rows.Scan(&record.Version, &record.Proactive, &record.Autonomous, &record.Escalation, &record.Source, &createdAtUnix); err != nil {
			return nil, err
		}
		record.CreatedAt = time.Unix(createdAtUnix, 0).UTC()
		versions = append(versions, record)
	}
	return versions, nil
}
