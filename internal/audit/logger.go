package audit

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dwizi/agent-gate/internal/safety"
)

type EventType string

const (
	EventActionExecution   EventType = "action_execution"
	EventApprovalRequested EventType = "approval_requested"
	EventApprovalDecision  EventType = "approval_decision"
	EventRiskDetected      EventType = "risk_detected"
	EventThresholdAdjusted EventType = "threshold_adjusted"
	EventPolicyUpdated     EventType = "policy_updated"
	EventEmergency         EventType = "emergency_mode"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

const (
	ClassificationInternal     = "internal"
	ClassificationConfidential = "confidential"
	ClassificationRestricted   = "restricted"
)

type Actor struct {
	Type      string
	ID        string
	Role      string
	SessionID string
}

type ActionRecord struct {
	Name       string
	Category   string
	Parameters map[string]any
}

type Reasoning struct {
	Confidence  float64
	Explanation string
	RiskFactors []string
	Mitigations []string
}

type Outcome struct {
	Status  string
	Message string
}

type SecurityContext struct {
	RiskLevel         safety.RiskLevel
	ApprovalRequestID string
	ThresholdMet      bool
}

type Compliance struct {
	RetentionDays      int
	DataClassification string
}

// Entry is one immutable audit record. Nothing in the public contract alters
// an entry after it is appended; only retention cleanup removes it.
type Entry struct {
	ID          string
	Timestamp   time.Time
	EventType   EventType
	Severity    Severity
	Actor       Actor
	Action      ActionRecord
	Reasoning   Reasoning
	Environment map[string]any
	Outcome     Outcome
	Security    SecurityContext
	Compliance  Compliance
}

// Alerter is the severe-event side channel, invoked for critical and error
// severities.
type Alerter interface {
	Alert(entry Entry)
}

// Archiver copies entries to durable storage, best effort.
type Archiver interface {
	ArchiveAuditEntry(ctx context.Context, entry Entry) error
}

type Config struct {
	MaxEntries    int
	RetentionDays int
	SweepInterval time.Duration
}

// Logger is the append-only ledger of safety-relevant events.
type Logger struct {
	cfg      Config
	logger   *slog.Logger
	alerter  Alerter
	archiver Archiver
	now      func() time.Time

	mu          sync.Mutex
	entries     []Entry
	subscribers map[int]chan Entry
	nextSubID   int
}

func NewLogger(cfg Config, alerter Alerter, archiver Archiver, logger *slog.Logger) *Logger {
	if cfg.MaxEntries < 1 {
		cfg.MaxEntries = 10000
	}
	if cfg.RetentionDays < 1 {
		cfg.RetentionDays = 90
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{
		cfg:         cfg,
		logger:      logger,
		alerter:     alerter,
		archiver:    archiver,
		now:         func() time.Time { return time.Now().UTC() },
		subscribers: map[int]chan Entry{},
	}
}

// SetClock overrides the clock, for tests.
func (l *Logger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// LogSecurityEvent appends one entry and returns its id. The compliance
// classification is derived here, never accepted from the caller.
func (l *Logger) LogSecurityEvent(
	eventType EventType,
	severity Severity,
	actor Actor,
	action ActionRecord,
	reasoning Reasoning,
	outcome Outcome,
	security SecurityContext,
	environment map[string]any,
) string {
	l.mu.Lock()
	entry := Entry{
		ID:          "audit_" + uuid.NewString(),
		Timestamp:   l.now(),
		EventType:   eventType,
		Severity:    severity,
		Actor:       actor,
		Action:      action,
		Reasoning:   reasoning,
		Environment: environment,
		Outcome:     outcome,
		Security:    security,
		Compliance: Compliance{
			RetentionDays:      l.cfg.RetentionDays,
			DataClassification: classify(security.RiskLevel, action.Category),
		},
	}
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.cfg.MaxEntries {
		l.entries = l.entries[len(l.entries)-l.cfg.MaxEntries:]
	}
	for _, subscriber := range l.subscribers {
		select {
		case subscriber <- entry:
		default:
		}
	}
	l.mu.Unlock()

	l.logger.Info("security event logged",
		"entry_id", entry.ID, "event_type", eventType, "severity", severity,
		"action", action.Name, "actor", actor.ID)

	if severity == SeverityCritical || severity == SeverityError {
		if l.alerter != nil {
			l.alerter.Alert(entry)
		} else {
			l.logger.Error("severe audit event without alert hook", "entry_id", entry.ID, "event_type", eventType)
		}
	}
	if l.archiver != nil {
		archiveCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := l.archiver.ArchiveAuditEntry(archiveCtx, entry); err != nil {
			l.logger.Error("audit archive write failed", "entry_id", entry.ID, "error", err)
		}
		cancel()
	}
	return entry.ID
}

// LogActionExecution records an attempted or completed action execution.
func (l *Logger) LogActionExecution(actor Actor, action ActionRecord, reasoning Reasoning, outcome Outcome, security SecurityContext) string {
	severity := SeverityInfo
	if strings.EqualFold(outcome.Status, "failure") {
		severity = SeverityError
	}
	return l.LogSecurityEvent(EventActionExecution, severity, actor, action, reasoning, outcome, security, nil)
}

// LogApprovalEvent records a request submission or decision.
func (l *Logger) LogApprovalEvent(eventType EventType, actor Actor, action ActionRecord, reasoning Reasoning, outcome Outcome, security SecurityContext) string {
	severity := SeverityInfo
	if security.RiskLevel == safety.RiskCritical {
		severity = SeverityWarning
	}
	return l.LogSecurityEvent(eventType, severity, actor, action, reasoning, outcome, security, nil)
}

// LogRiskDetection records found risk factors; critical risk escalates the
// severity so the alert hook fires.
func (l *Logger) LogRiskDetection(actor Actor, action ActionRecord, reasoning Reasoning, security SecurityContext) string {
	severity := SeverityWarning
	if security.RiskLevel == safety.RiskCritical {
		severity = SeverityCritical
	}
	outcome := Outcome{Status: "flagged", Message: strings.Join(reasoning.RiskFactors, "; ")}
	return l.LogSecurityEvent(EventRiskDetected, severity, actor, action, reasoning, outcome, security, nil)
}

// Subscribe returns a feed of new entries and a cancel function. Slow
// subscribers drop entries rather than block the ledger.
func (l *Logger) Subscribe(buffer int) (<-chan Entry, func()) {
	if buffer < 1 {
		buffer = 16
	}
	channel := make(chan Entry, buffer)
	l.mu.Lock()
	id := l.nextSubID
	l.nextSubID++
	l.subscribers[id] = channel
	l.mu.Unlock()
	cancel := func() {
		l.mu.Lock()
		if subscriber, ok := l.subscribers[id]; ok {
			delete(l.subscribers, id)
			close(subscriber)
		}
		l.mu.Unlock()
	}
	return channel, cancel
}

// CleanupExpired drops entries older than the retention window and returns
// how many were removed. Safe to call repeatedly; re-scanning is a no-op.
func (l *Logger) CleanupExpired() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().AddDate(0, 0, -l.cfg.RetentionDays)
	kept := l.entries[:0]
	removed := 0
	for _, entry := range l.entries {
		if entry.Timestamp.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	l.entries = kept
	return removed
}

// StartRetention runs the periodic retention sweep until the context ends.
func (l *Logger) StartRetention(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.SweepInterval)
	defer ticker.Stop()
	l.logger.Info("audit retention sweep started", "interval", l.cfg.SweepInterval.String(), "retention_days", l.cfg.RetentionDays)
	for {
		select {
		case <-ctx.Done():
			l.logger.Info("audit retention sweep stopped")
			return nil
		case <-ticker.C:
			if removed := l.CleanupExpired(); removed > 0 {
				l.logger.Info("expired audit entries removed", "count", removed)
			}
		}
	}
}

func (l *Logger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func classify(riskLevel safety.RiskLevel, category string) string {
	switch {
	case riskLevel == safety.RiskCritical:
		return ClassificationRestricted
	case riskLevel == safety.RiskHigh:
		return ClassificationConfidential
	case strings.EqualFold(strings.TrimSpace(category), "communication"):
		return ClassificationConfidential
	default:
		return ClassificationInternal
	}
}
