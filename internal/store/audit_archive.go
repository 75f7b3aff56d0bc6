package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dwizi/agent-gate/internal/audit"
)

// ArchivedAuditEntry is the durable flattened form of an audit ring entry.
type ArchivedAuditEntry struct {
	ID             string
	EventType      string
	Severity       string
	ActorType      string
	ActorID        string
	Action         string
	ActionCategory string
	Confidence     float64
	RiskLevel      string
	RiskFactors    string
	OutcomeStatus  string
	OutcomeMessage string
	Classification string
	RetentionDays  int
	CreatedAt      time.Time
}

// ArchiveAuditEntry copies one ring entry into the archive table. Replaying
// the same entry id is a no-op, so the caller may retry freely.
func (s *Store) ArchiveAuditEntry(ctx context.Context, entry audit.Entry) error {
	if _, err := s.db.ExecContext(
		ctx,
		`INSERT OR IGNORE INTO audit_archive (
			id, event_type, severity, actor_type, actor_id, action, action_category,
			confidence, risk_level, risk_factors, outcome_status, outcome_message,
			classification, retention_days, created_at_unix
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		string(entry.EventType),
		string(entry.Severity),
		nullIfEmpty(entry.Actor.Type),
		nullIfEmpty(entry.Actor.ID),
		nullIfEmpty(entry.Action.Name),
		nullIfEmpty(entry.Action.Category),
		entry.Reasoning.Confidence,
		nullIfEmpty(string(entry.Security.RiskLevel)),
		nullIfEmpty(strings.Join(entry.Reasoning.RiskFactors, "; ")),
		nullIfEmpty(entry.Outcome.Status),
		nullIfEmpty(entry.Outcome.Message),
		nullIfEmpty(entry.Compliance.DataClassification),
		entry.Compliance.RetentionDays,
		entry.Timestamp.Unix(),
	); err != nil {
		return fmt.Errorf("archive audit entry: %w", err)
	}
	return nil
}

func (s *Store) ListArchivedAuditEntries(ctx context.Context, limit int) ([]ArchivedAuditEntry, error) {
	if limit < 1 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, event_type, severity, COALESCE(actor_type, ''), COALESCE(actor_id, ''),
		        COALESCE(action, ''), COALESCE(action_category, ''), confidence,
		        COALESCE(risk_level, ''), COALESCE(risk_factors, ''),
		        COALESCE(outcome_status, ''), COALESCE(outcome_message, ''),
		        COALESCE(classification, ''), retention_days, created_at_unix
		 FROM audit_archive
		 ORDER BY created_at_unix DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query audit archive: %w", err)
	}
	defer rows.Close()

	entries := make([]ArchivedAuditEntry, 0, limit)
	for rows.Next() {
		var entry ArchivedAuditEntry
		var createdAtUnix int64
		if err := rows.Scan(
			&entry.ID,
			&entry.EventType,
			&entry.Severity,
			&entry.ActorType,
			&entry.ActorID,
			&entry.Action,
			&entry.ActionCategory,
			&entry.Confidence,
			&entry.RiskLevel,
			&entry.RiskFactors,
			&entry.OutcomeStatus,
			&entry.OutcomeMessage,
			&entry.Classification,
			&entry.RetentionDays,
			&createdAtUnix,
		); err != nil {
			return nil, err
		}
		if createdAtUnix > 0 {
			entry.CreatedAt = time.Unix(createdAtUnix, 0).UTC()
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
