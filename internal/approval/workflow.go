package approval

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dwizi/agent-gate/internal/gateerr"
	"github.com/dwizi/agent-gate/internal/notify"
	"github.com/dwizi/agent-gate/internal/safety"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusExpired   Status = "expired"
	StatusCancelled Status = "cancelled"
)

type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Policy configures how approvals for one action are handled. Consulted at
// submission and expiry time, never mutated by the workflow itself.
type Policy struct {
	ApproverRoles      []string
	MaxWait            time.Duration
	AutoRejectOnExpiry bool
	EscalateAfter      time.Duration
	EscalationRoles    []string
}

func DefaultPolicy() Policy {
	return Policy{
		ApproverRoles:      []string{"operator"},
		MaxWait:            30 * time.Minute,
		AutoRejectOnExpiry: true,
	}
}

// ExecutionResult is post-approval outcome metadata attached to an already
// approved request.
type ExecutionResult struct {
	Success    bool
	Message    string
	Feedback   string
	RecordedAt time.Time
}

// Request is one approval ask. Status moves out of pending exactly once;
// after a terminal state only execution-result metadata may be attached.
type Request struct {
	ID              string
	Action          string
	Parameters      map[string]any
	Confidence      float64
	Profile         safety.Profile
	RiskFactors     []string
	Explanation     string
	Requester       string
	SubmittedAt     time.Time
	ExpiresAt       time.Time
	Urgency         Urgency
	Status          Status
	Approver        string
	DecidedAt       time.Time
	Comments        string
	RejectionReason string
	Escalated       bool
	EscalatedAt     time.Time
	Execution       *ExecutionResult
}

// CompletedSink receives requests as they reach a terminal state, for
// durable history. Best effort.
type CompletedSink interface {
	SaveCompletedApproval(ctx context.Context, request Request) error
}

type Config struct {
	MaxCompleted  int
	SweepInterval time.Duration
}

// Workflow owns every approval request from submission to terminal state.
type Workflow struct {
	cfg        Config
	logger     *slog.Logger
	dispatcher *notify.Dispatcher
	sink       CompletedSink
	now        func() time.Time

	mu            sync.Mutex
	pending       map[string]*Request
	completed     []Request
	policies      map[string]Policy
	defaultPolicy Policy
}

func NewWorkflow(cfg Config, dispatcher *notify.Dispatcher, sink CompletedSink, logger *slog.Logger) *Workflow {
	if cfg.MaxCompleted < 1 {
		cfg.MaxCompleted = 500
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Workflow{
		cfg:           cfg,
		logger:        logger,
		dispatcher:    dispatcher,
		sink:          sink,
		now:           func() time.Time { return time.Now().UTC() },
		pending:       map[string]*Request{},
		policies:      map[string]Policy{},
		defaultPolicy: DefaultPolicy(),
	}
}

// SetClock overrides the clock, for tests.
func (w *Workflow) SetClock(now func() time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.now = now
}

// SetPolicy installs or replaces the approval policy for one action.
func (w *Workflow) SetPolicy(action string, policy Policy) {
	action = strings.TrimSpace(action)
	if action == "" {
		return
	}
	if policy.MaxWait <= 0 {
		policy.MaxWait = w.defaultPolicy.MaxWait
	}
	if len(policy.ApproverRoles) == 0 {
		policy.ApproverRoles = append([]string{}, w.defaultPolicy.ApproverRoles...)
	}
	w.mu.Lock()
	w.policies[action] = policy
	w.mu.Unlock()
	w.logger.Info("approval policy updated", "action", action, "max_wait", policy.MaxWait.String(), "auto_reject", policy.AutoRejectOnExpiry)
}

func (w *Workflow) policyFor(action string) Policy {
	if policy, ok := w.policies[action]; ok {
		return policy
	}
	return w.defaultPolicy
}

// SetDefaultPolicy replaces the fallback policy used by actions without an
// explicit one.
func (w *Workflow) SetDefaultPolicy(policy Policy) {
	if policy.MaxWait <= 0 {
		policy.MaxWait = 30 * time.Minute
	}
	if len(policy.ApproverRoles) == 0 {
		policy.ApproverRoles = []string{"operator"}
	}
	w.mu.Lock()
	w.defaultPolicy = policy
	w.mu.Unlock()
}

// PolicyFor returns the effective policy for an action.
func (w *Workflow) PolicyFor(action string) Policy {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.policyFor(strings.TrimSpace(action))
}

// Submit opens a request for a classification that requires approval and
// notifies every approver role. Fails when the classification does not
// actually require a human.
func (w *Workflow) Submit(classification safety.Classification, actionContext safety.ActionContext, parameters map[string]any, explanation string) (Request, error) {
	if !classification.RequiresApproval {
		return Request{}, fmt.Errorf("submit approval for %q: %w", classification.Action, gateerr.ErrApprovalNotRequired)
	}

	w.mu.Lock()
	policy := w.policyFor(classification.Action)
	now := w.now()
	request := &Request{
		ID:          "req_" + uuid.NewString(),
		Action:      classification.Action,
		Parameters:  parameters,
		Confidence:  classification.Confidence,
		Profile:     classification.Profile,
		RiskFactors: append([]string{}, classification.RiskFactors...),
		Explanation: explanation,
		Requester:   actionContext.Requester,
		SubmittedAt: now,
		ExpiresAt:   now.Add(policy.MaxWait),
		Urgency:     deriveUrgency(classification, actionContext),
		Status:      StatusPending,
	}
	w.pending[request.ID] = request
	snapshot := *request
	w.mu.Unlock()

	w.logger.Info("approval request submitted",
		"request_id", snapshot.ID, "action", snapshot.Action, "urgency", snapshot.Urgency,
		"requester", snapshot.Requester, "expires_at", snapshot.ExpiresAt.Format(time.RFC3339))
	w.notifyRoles(policy.ApproverRoles, notify.Notification{
		Kind:      notify.KindApprovalRequested,
		RequestID: snapshot.ID,
		Action:    snapshot.Action,
		Subject:   fmt.Sprintf("approval needed: %s", snapshot.Action),
		Body:      snapshot.Explanation,
		Urgency:   string(snapshot.Urgency),
	})
	return snapshot, nil
}

// Decide resolves a pending request exactly once.
func (w *Workflow) Decide(id, approver string, approved bool, comments string) (Request, error) {
	w.mu.Lock()
	request, ok := w.pending[id]
	if !ok {
		err := fmt.Errorf("decide approval %s: %w", id, gateerr.ErrRequestNotFound)
		if w.findCompletedLocked(id) != nil {
			err = fmt.Errorf("decide approval %s: %w", id, gateerr.ErrRequestNotPending)
		}
		w.mu.Unlock()
		return Request{}, err
	}

	request.Status = StatusRejected
	if approved {
		request.Status = StatusApproved
	}
	request.Approver = strings.TrimSpace(approver)
	request.DecidedAt = w.now()
	request.Comments = strings.TrimSpace(comments)
	if !approved && request.RejectionReason == "" {
		request.RejectionReason = "rejected by " + request.Approver
	}
	snapshot := w.completeLocked(request)
	w.mu.Unlock()

	w.logger.Info("approval decided",
		"request_id", snapshot.ID, "action", snapshot.Action, "status", snapshot.Status, "approver", snapshot.Approver)
	w.notifyRoles([]string{snapshot.Requester}, notify.Notification{
		Kind:      notify.KindApprovalDecided,
		RequestID: snapshot.ID,
		Action:    snapshot.Action,
		Subject:   fmt.Sprintf("approval %s: %s", snapshot.Status, snapshot.Action),
		Body:      snapshot.Comments,
		Urgency:   string(snapshot.Urgency),
	})
	return snapshot, nil
}

// Cancel withdraws a pending request when the upstream action is withdrawn.
func (w *Workflow) Cancel(id, reason string) (Request, error) {
	w.mu.Lock()
	request, ok := w.pending[id]
	if !ok {
		err := fmt.Errorf("cancel approval %s: %w", id, gateerr.ErrRequestNotFound)
		if w.findCompletedLocked(id) != nil {
			err = fmt.Errorf("cancel approval %s: %w", id, gateerr.ErrRequestNotPending)
		}
		w.mu.Unlock()
		return Request{}, err
	}
	request.Status = StatusCancelled
	request.DecidedAt = w.now()
	request.RejectionReason = strings.TrimSpace(reason)
	if request.RejectionReason == "" {
		request.RejectionReason = "request withdrawn"
	}
	snapshot := w.completeLocked(request)
	w.mu.Unlock()

	w.logger.Info("approval cancelled", "request_id", snapshot.ID, "action", snapshot.Action, "reason", snapshot.RejectionReason)
	return snapshot, nil
}

// RecordExecutionResult attaches outcome metadata to an approved request.
// This is not a status transition.
func (w *Workflow) RecordExecutionResult(id string, success bool, message, feedback string) (Request, error) {
	w.mu.Lock()
	request := w.findCompletedLocked(id)
	if request == nil {
		_, stillPending := w.pending[id]
		w.mu.Unlock()
		if stillPending {
			return Request{}, fmt.Errorf("record execution for %s: %w", id, gateerr.ErrRequestNotPending)
		}
		return Request{}, fmt.Errorf("record execution for %s: %w", id, gateerr.ErrRequestNotFound)
	}
	if request.Status != StatusApproved {
		status := request.Status
		w.mu.Unlock()
		return Request{}, fmt.Errorf("record execution for %s in status %s: %w", id, status, gateerr.ErrRequestNotPending)
	}
	request.Execution = &ExecutionResult{
		Success:    success,
		Message:    strings.TrimSpace(message),
		Feedback:   strings.TrimSpace(feedback),
		RecordedAt: w.now(),
	}
	snapshot := *request
	w.mu.Unlock()

	w.persistCompleted(snapshot)
	return snapshot, nil
}

// Pending lists open requests, optionally filtered to ones whose policy
// names the given approver role.
func (w *Workflow) Pending(role string) []Request {
	role = strings.TrimSpace(role)
	w.mu.Lock()
	defer w.mu.Unlock()
	result := make([]Request, 0, len(w.pending))
	for _, request := range w.pending {
		if role != "" && !roleListed(w.policyFor(request.Action).ApproverRoles, role) {
			continue
		}
		result = append(result, *request)
	}
	return result
}

// Get returns any request, pending or completed.
func (w *Workflow) Get(id string) (Request, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if request, ok := w.pending[id]; ok {
		return *request, true
	}
	if request := w.findCompletedLocked(id); request != nil {
		return *request, true
	}
	return Request{}, false
}

// History returns completed requests, most recent first.
func (w *Workflow) History(limit int) []Request {
	w.mu.Lock()
	defer w.mu.Unlock()
	if limit < 1 || limit > len(w.completed) {
		limit = len(w.completed)
	}
	result := make([]Request, limit)
	for index := 0; index < limit; index++ {
		result[index] = w.completed[len(w.completed)-1-index]
	}
	return result
}

// SweepExpired expires overdue pending requests and escalates overdue
// unescalated ones. Idempotent; re-scanning changes nothing.
func (w *Workflow) SweepExpired() int {
	w.mu.Lock()
	now := w.now()
	var expired []Request
	var escalations []escalation
	for _, request := range w.pending {
		policy := w.policyFor(request.Action)
		if !now.Before(request.ExpiresAt) {
			request.Status = StatusExpired
			request.DecidedAt = now
			if policy.AutoRejectOnExpiry {
				request.RejectionReason = "auto-rejected: no decision before expiry"
			} else {
				request.RejectionReason = "expired: needs manual review"
			}
			expired = append(expired, w.completeLocked(request))
			continue
		}
		if policy.EscalateAfter > 0 && !request.Escalated && now.Sub(request.SubmittedAt) >= policy.EscalateAfter {
			request.Escalated = true
			request.EscalatedAt = now
			escalations = append(escalations, escalation{request: *request, roles: policy.EscalationRoles})
		}
	}
	w.mu.Unlock()

	for _, request := range expired {
		w.logger.Info("approval request expired",
			"request_id", request.ID, "action", request.Action, "reason", request.RejectionReason)
		w.notifyRoles([]string{request.Requester}, notify.Notification{
			Kind:      notify.KindApprovalExpired,
			RequestID: request.ID,
			Action:    request.Action,
			Subject:   fmt.Sprintf("approval expired: %s", request.Action),
			Body:      request.RejectionReason,
			Urgency:   string(request.Urgency),
		})
	}
	for _, item := range escalations {
		w.logger.Warn("approval request escalated",
			"request_id", item.request.ID, "action", item.request.Action, "roles", strings.Join(item.roles, ","))
		w.notifyRoles(item.roles, notify.Notification{
			Kind:      notify.KindApprovalEscalated,
			RequestID: item.request.ID,
			Action:    item.request.Action,
			Subject:   fmt.Sprintf("escalation: %s still awaiting approval", item.request.Action),
			Body:      item.request.Explanation,
			Urgency:   string(item.request.Urgency),
		})
	}
	return len(expired)
}

// StartSweeper runs the expiration sweep until the context ends.
func (w *Workflow) StartSweeper(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.SweepInterval)
	defer ticker.Stop()
	w.logger.Info("approval sweeper started", "interval", w.cfg.SweepInterval.String())
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("approval sweeper stopped")
			return nil
		case <-ticker.C:
			if expired := w.SweepExpired(); expired > 0 {
				w.logger.Info("approval requests expired by sweep", "count", expired)
			}
		}
	}
}

type escalation struct {
	request Request
	roles   []string
}

func (w *Workflow) completeLocked(request *Request) Request {
	delete(w.pending, request.ID)
	w.completed = append(w.completed, *request)
	if len(w.completed) > w.cfg.MaxCompleted {
		w.completed = w.completed[len(w.completed)-w.cfg.MaxCompleted:]
	}
	snapshot := *request
	w.persistCompleted(snapshot)
	return snapshot
}

// persistCompleted writes a terminal request to the durable history without
// blocking the caller. Also used to refresh the row when execution metadata
// arrives after the decision.
func (w *Workflow) persistCompleted(snapshot Request) {
	if w.sink == nil {
		return
	}
	go func() {
		saveCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := w.sink.SaveCompletedApproval(saveCtx, snapshot); err != nil {
			w.logger.Error("approval history write failed", "request_id", snapshot.ID, "error", err)
		}
	}()
}

func (w *Workflow) findCompletedLocked(id string) *Request {
	for index := range w.completed {
		if w.completed[index].ID == id {
			return &w.completed[index]
		}
	}
	return nil
}

func (w *Workflow) notifyRoles(roles []string, template notify.Notification) {
	if w.dispatcher == nil {
		return
	}
	for _, role := range roles {
		notification := template
		notification.Recipient = role
		if _, err := w.dispatcher.Enqueue(notification); err != nil {
			w.logger.Warn("approval notification dropped", "request_id", template.RequestID, "recipient", role, "error", err)
		}
	}
}

func deriveUrgency(classification safety.Classification, actionContext safety.ActionContext) Urgency {
	switch classification.RiskLevel {
	case safety.RiskCritical:
		return UrgencyCritical
	case safety.RiskHigh:
		return UrgencyHigh
	}
	if actionContext.Urgent || len(actionContext.Participants) > 20 {
		return UrgencyHigh
	}
	switch {
	case len(classification.RiskFactors) >= 3:
		return UrgencyHigh
	case len(classification.RiskFactors) >= 1:
		return UrgencyMedium
	default:
		return UrgencyLow
	}
}

func roleListed(roles []string, role string) bool {
	for _, candidate := range roles {
		if strings.EqualFold(candidate, role) {
			return true
		}
	}
	return false
}
