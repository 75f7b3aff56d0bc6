package watcher

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dwizi/agent-gate/internal/approval"
	"github.com/dwizi/agent-gate/internal/audit"
	"github.com/dwizi/agent-gate/internal/safety"
	"github.com/dwizi/agent-gate/internal/threshold"
)

// OverrideFile is the on-disk shape of the operator policy file. Every
// section is optional; an absent section leaves the runtime defaults alone.
type OverrideFile struct {
	Profiles   []ProfileOverride   `json:"profiles,omitempty"`
	Approvals  []ApprovalOverride  `json:"approvals,omitempty"`
	Thresholds []ThresholdOverride `json:"thresholds,omitempty"`
}

type ProfileOverride struct {
	Action              string  `json:"action"`
	Category            string  `json:"category,omitempty"`
	RiskLevel           string  `json:"risk_level"`
	RequiresApproval    bool    `json:"requires_approval"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	ImpactScope         string  `json:"impact_scope,omitempty"`
	Reversible          bool    `json:"reversible"`
	MaxAutoExecutions   int     `json:"max_auto_executions,omitempty"`
	ReasoningRequired   bool    `json:"reasoning_required"`
	AuditVerbosity      string  `json:"audit_verbosity,omitempty"`
}

type ApprovalOverride struct {
	Action              string   `json:"action"`
	ApproverRoles       []string `json:"approver_roles,omitempty"`
	MaxWaitMinutes      int      `json:"max_wait_minutes,omitempty"`
	AutoRejectOnExpiry  bool     `json:"auto_reject_on_expiry"`
	EscalateAfterMinute int      `json:"escalate_after_minutes,omitempty"`
	EscalationRoles     []string `json:"escalation_roles,omitempty"`
}

type ThresholdOverride struct {
	Action string  `json:"action"`
	Value  float64 `json:"value"`
	Reason string  `json:"reason,omitempty"`
}

// Loader parses the operator policy file and pushes its overrides into the
// classifier, the approval workflow and the threshold manager.
type Loader struct {
	classifier *safety.Classifier
	approvals  *approval.Workflow
	thresholds *threshold.Manager
	auditLog   *audit.Logger
	logger     *slog.Logger
}

func NewLoader(
	classifier *safety.Classifier,
	approvals *approval.Workflow,
	thresholds *threshold.Manager,
	auditLog *audit.Logger,
	logger *slog.Logger,
) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		classifier: classifier,
		approvals:  approvals,
		thresholds: thresholds,
		auditLog:   auditLog,
		logger:     logger,
	}
}

// Load reads and applies the override file. Individual invalid entries are
// skipped with a warning so one bad action name cannot block the rest of the
// file; a file that does not parse at all is an error.
func (l *Loader) Load(path string) (OverrideFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return OverrideFile{}, fmt.Errorf("read policy file %s: %w", path, err)
	}
	var overrides OverrideFile
	if err := json.Unmarshal(raw, &overrides); err != nil {
		return OverrideFile{}, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	l.apply(overrides)
	if l.auditLog != nil {
		l.auditLog.LogSecurityEvent(
			audit.EventPolicyUpdated,
			audit.SeverityInfo,
			audit.Actor{Type: "system", ID: "policy-watcher"},
			audit.ActionRecord{Name: "policy_file_reload"},
			audit.Reasoning{Explanation: fmt.Sprintf("applied operator overrides from %s", path)},
			audit.Outcome{Status: "applied"},
			audit.SecurityContext{},
			map[string]any{
				"profiles":   len(overrides.Profiles),
				"approvals":  len(overrides.Approvals),
				"thresholds": len(overrides.Thresholds),
			},
		)
	}
	return overrides, nil
}

func (l *Loader) apply(overrides OverrideFile) {
	for _, entry := range overrides.Profiles {
		action := strings.TrimSpace(entry.Action)
		if action == "" {
			l.logger.Warn("profile override without action skipped")
			continue
		}
		l.classifier.RegisterProfile(safety.Profile{
			Action:              action,
			Category:            entry.Category,
			RiskLevel:           safety.RiskLevel(strings.ToLower(strings.TrimSpace(entry.RiskLevel))),
			RequiresApproval:    entry.RequiresApproval,
			ConfidenceThreshold: entry.ConfidenceThreshold,
			ImpactScope:         safety.ImpactScope(strings.ToLower(strings.TrimSpace(entry.ImpactScope))),
			Reversible:          entry.Reversible,
			MaxAutoExecutions:   entry.MaxAutoExecutions,
			ReasoningRequired:   entry.ReasoningRequired,
			AuditVerbosity:      entry.AuditVerbosity,
		})
		if profile, ok := l.classifier.Profile(action); ok {
			l.thresholds.ReseedProfile(profile)
		}
		l.logger.Info("safety profile overridden", "action", action, "risk_level", entry.RiskLevel)
	}

	for _, entry := range overrides.Approvals {
		action := strings.TrimSpace(entry.Action)
		if action == "" {
			l.logger.Warn("approval override without action skipped")
			continue
		}
		l.approvals.SetPolicy(action, approval.Policy{
			ApproverRoles:      entry.ApproverRoles,
			MaxWait:            time.Duration(entry.MaxWaitMinutes) * time.Minute,
			AutoRejectOnExpiry: entry.AutoRejectOnExpiry,
			EscalateAfter:      time.Duration(entry.EscalateAfterMinute) * time.Minute,
			EscalationRoles:    entry.EscalationRoles,
		})
	}

	for _, entry := range overrides.Thresholds {
		action := strings.TrimSpace(entry.Action)
		if action == "" {
			continue
		}
		reason := entry.Reason
		if reason == "" {
			reason = threshold.ReasonManualOverride
		}
		if err := l.thresholds.SetThreshold(action, entry.Value, reason); err != nil {
			l.logger.Warn("threshold override skipped", "action", action, "error", err)
		}
	}
}
