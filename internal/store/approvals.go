package store

import (
	"context"
	"fmt"
	"time"

	"github.com/dwizi/agent-gate/internal/approval"
)

// CompletedApproval is the durable flattened form of a terminal approval
// request.
type CompletedApproval struct {
	ID                string
	Action            string
	Status            string
	Urgency           string
	Requester         string
	Approver          string
	Confidence        float64
	RejectionReason   string
	Comments          string
	ExecutionRecorded bool
	ExecutionSuccess  bool
	ExecutionFeedback string
	SubmittedAt       time.Time
	DecidedAt         time.Time
}

// SaveCompletedApproval persists a terminal approval request. INSERT OR
// REPLACE keeps the row current when execution metadata is attached later.
func (s *Store) SaveCompletedApproval(ctx context.Context, request approval.Request) error {
	var executionSuccess any
	var executionFeedback any
	if request.Execution != nil {
		executionSuccess = boolToInt(request.Execution.Success)
		executionFeedback = nullIfEmpty(request.Execution.Feedback)
	}
	var decidedAtUnix any
	if !request.DecidedAt.IsZero() {
		decidedAtUnix = request.DecidedAt.Unix()
	}

	if _, err := s.db.ExecContext(
		ctx,
		`INSERT OR REPLACE INTO approval_history (
			id, action, status, urgency, requester, approver, confidence,
			rejection_reason, comments, execution_success, execution_feedback,
			submitted_at_unix, decided_at_unix
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		request.ID,
		request.Action,
		string(request.Status),
		nullIfEmpty(string(request.Urgency)),
		nullIfEmpty(request.Requester),
		nullIfEmpty(request.Approver),
		request.Confidence,
		nullIfEmpty(request.RejectionReason),
		nullIfEmpty(request.Comments),
		executionSuccess,
		executionFeedback,
		request.SubmittedAt.Unix(),
		decidedAtUnix,
	); err != nil {
		return fmt.Errorf("save completed approval: %w", err)
	}
	return nil
}

func (s *Store) ListCompletedApprovals(ctx context.Context, limit int) ([]CompletedApproval, error) {
	if limit < 1 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, action, status, COALESCE(urgency, ''), COALESCE(requester, ''),
		        COALESCE(approver, ''), confidence, COALESCE(rejection_reason, ''),
		        COALESCE(comments, ''), execution_success, COALESCE(execution_feedback, ''),
		        submitted_at_unix, COALESCE(decided_at_unix, 0)
		 FROM approval_history
		 ORDER BY submitted_at_unix DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query approval history: %w", err)
	}
	defer rows.Close()

	approvals := make([]CompletedApproval, 0, limit)
	for rows.Next() {
		var record CompletedApproval
		var executionSuccess *int
		var submittedAtUnix, decidedAtUnix int64
		if err := rows.Scan(
			&record.ID,
			&record.Action,
			&record.Status,
			&record.Urgency,
			&record.Requester,
			&record.Approver,
			&record.Confidence,
			&record.RejectionReason,
			&record.Comments,
			&executionSuccess,
			&record.ExecutionFeedback,
			&submittedAtUnix,
			&decidedAtUnix,
		); err != nil {
			return nil, err
		}
		if executionSuccess != nil {
			record.ExecutionRecorded = true
			record.ExecutionSuccess = *executionSuccess == 1
		}
		record.SubmittedAt = time.Unix(submittedAtUnix, 0).UTC()
		if decidedAtUnix > 0 {
			record.DecidedAt = time.Unix(decidedAtUnix, 0).UTC()
		}
		approvals = append(approvals, record)
	}
	return approvals, nil
}
