package audit

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dwizi/agent-gate/internal/safety"
)

type recordingAlerter struct {
	mu      sync.Mutex
	entries []Entry
}

func (a *recordingAlerter) Alert(entry Entry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
}

func (a *recordingAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

type recordingArchiver struct {
	mu      sync.Mutex
	entries []Entry
}

func (a *recordingArchiver) ArchiveAuditEntry(_ context.Context, entry Entry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, entry)
	return nil
}

func newTestLogger(t *testing.T, cfg Config, alerter Alerter, archiver Archiver) *Logger {
	t.Helper()
	return NewLogger(cfg, alerter, archiver, nil)
}

func TestLogSecurityEventDerivesClassification(t *testing.T) {
	logger := newTestLogger(t, Config{}, nil, nil)

	cases := []struct {
		riskLevel safety.RiskLevel
		category  string
		want      string
	}{
		{safety.RiskCritical, "document", ClassificationRestricted},
		{safety.RiskHigh, "calendar", ClassificationConfidential},
		{safety.RiskLow, "communication", ClassificationConfidential},
		{safety.RiskLow, "calendar", ClassificationInternal},
	}
	for _, testCase := range cases {
		id := logger.LogSecurityEvent(EventActionExecution, SeverityInfo,
			Actor{Type: "agent", ID: "agent-1"},
			ActionRecord{Name: "schedule_meeting", Category: testCase.category},
			Reasoning{Confidence: 0.9}, Outcome{Status: "success"},
			SecurityContext{RiskLevel: testCase.riskLevel}, nil)
		if id == "" {
			t.Fatal("expected an entry id")
		}
		entries := logger.Search(Filter{Limit: 1})
		if got := entries[0].Compliance.DataClassification; got != testCase.want {
			t.Fatalf("risk %s category %s: expected %s, got %s", testCase.riskLevel, testCase.category, testCase.want, got)
		}
	}
}

func TestSevereEventsFireAlerterAndArchiver(t *testing.T) {
	alerter := &recordingAlerter{}
	archiver := &recordingArchiver{}
	logger := newTestLogger(t, Config{}, alerter, archiver)

	logger.LogActionExecution(Actor{ID: "agent-1"},
		ActionRecord{Name: "send_email"}, Reasoning{Confidence: 0.8},
		Outcome{Status: "failure", Message: "smtp timeout"},
		SecurityContext{RiskLevel: safety.RiskHigh})
	logger.LogActionExecution(Actor{ID: "agent-1"},
		ActionRecord{Name: "get_events"}, Reasoning{Confidence: 0.9},
		Outcome{Status: "success"},
		SecurityContext{RiskLevel: safety.RiskLow})

	if alerter.count() != 1 {
		t.Fatalf("expected exactly one alert for the failure, got %d", alerter.count())
	}
	archiver.mu.Lock()
	archived := len(archiver.entries)
	archiver.mu.Unlock()
	if archived != 2 {
		t.Fatalf("expected both entries archived, got %d", archived)
	}
}

func TestRiskDetectionEscalatesCriticalSeverity(t *testing.T) {
	alerter := &recordingAlerter{}
	logger := newTestLogger(t, Config{}, alerter, nil)

	logger.LogRiskDetection(Actor{ID: "agent-1"},
		ActionRecord{Name: "delete_document"},
		Reasoning{Confidence: 0.4, RiskFactors: []string{"confidence 0.40 below threshold 0.95"}},
		SecurityContext{RiskLevel: safety.RiskCritical})

	entries := logger.Search(Filter{EventType: EventRiskDetected})
	if len(entries) != 1 {
		t.Fatalf("expected one risk event, got %d", len(entries))
	}
	if entries[0].Severity != SeverityCritical {
		t.Fatalf("expected critical severity, got %s", entries[0].Severity)
	}
	if alerter.count() != 1 {
		t.Fatal("critical risk detection must alert")
	}
}

func TestRingDropsOldestBeyondCapacity(t *testing.T) {
	logger := newTestLogger(t, Config{MaxEntries: 3}, nil, nil)

	for index := 0; index < 5; index++ {
		logger.LogSecurityEvent(EventActionExecution, SeverityInfo,
			Actor{ID: "agent-1"}, ActionRecord{Name: "get_events"},
			Reasoning{}, Outcome{Status: "success"}, SecurityContext{}, nil)
	}
	if logger.Len() != 3 {
		t.Fatalf("expected bounded ledger of 3, got %d", logger.Len())
	}
}

func TestSearchFiltersAndOrdering(t *testing.T) {
	logger := newTestLogger(t, Config{}, nil, nil)
	base := time.Date(2026, 5, 12, 9, 0, 0, 0, time.UTC)
	moment := base
	logger.SetClock(func() time.Time {
		moment = moment.Add(time.Minute)
		return moment
	})

	logger.LogSecurityEvent(EventActionExecution, SeverityInfo,
		Actor{ID: "agent-1"}, ActionRecord{Name: "get_events"},
		Reasoning{Confidence: 0.9}, Outcome{Status: "success"}, SecurityContext{}, nil)
	logger.LogSecurityEvent(EventApprovalRequested, SeverityInfo,
		Actor{ID: "agent-2"}, ActionRecord{Name: "send_email"},
		Reasoning{Confidence: 0.6}, Outcome{Status: "pending"}, SecurityContext{RiskLevel: safety.RiskHigh}, nil)
	logger.LogSecurityEvent(EventActionExecution, SeverityError,
		Actor{ID: "agent-1"}, ActionRecord{Name: "send_email"},
		Reasoning{Confidence: 0.7}, Outcome{Status: "failure"}, SecurityContext{RiskLevel: safety.RiskHigh}, nil)

	all := logger.Search(Filter{})
	if len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(all))
	}
	if !all[0].Timestamp.After(all[1].Timestamp) {
		t.Fatal("expected newest first ordering")
	}

	byAction := logger.Search(Filter{Action: "send_email"})
	if len(byAction) != 2 {
		t.Fatalf("expected 2 send_email entries, got %d", len(byAction))
	}
	byConfidence := logger.Search(Filter{MinConfidence: 0.85})
	if len(byConfidence) != 1 || byConfidence[0].Action.Name != "get_events" {
		t.Fatalf("confidence filter returned wrong entries: %+v", byConfidence)
	}
	windowed := logger.Search(Filter{From: base.Add(90 * time.Second)})
	if len(windowed) != 2 {
		t.Fatalf("expected 2 entries after window start, got %d", len(windowed))
	}
}

func TestStatsAndReport(t *testing.T) {
	logger := newTestLogger(t, Config{}, &recordingAlerter{}, nil)

	logger.LogActionExecution(Actor{ID: "agent-1"}, ActionRecord{Name: "get_events"},
		Reasoning{Confidence: 0.9}, Outcome{Status: "success"}, SecurityContext{})
	logger.LogActionExecution(Actor{ID: "agent-1"}, ActionRecord{Name: "send_email"},
		Reasoning{Confidence: 0.7}, Outcome{Status: "failure"}, SecurityContext{RiskLevel: safety.RiskHigh})
	logger.LogRiskDetection(Actor{ID: "agent-2"}, ActionRecord{Name: "delete_document"},
		Reasoning{Confidence: 0.5, RiskFactors: []string{"batch size 9 above limit"}},
		SecurityContext{RiskLevel: safety.RiskCritical})

	stats := logger.Stats(time.Time{}, time.Time{})
	if stats.TotalEvents != 3 {
		t.Fatalf("expected 3 events, got %d", stats.TotalEvents)
	}
	if stats.Violations != 2 {
		t.Fatalf("expected 2 violations, got %d", stats.Violations)
	}
	if stats.ByActor["agent-1"] != 2 {
		t.Fatalf("expected 2 events for agent-1, got %d", stats.ByActor["agent-1"])
	}
	wantMean := (0.9 + 0.7 + 0.5) / 3
	if diff := stats.MeanConfidence - wantMean; diff > 0.001 || diff < -0.001 {
		t.Fatalf("expected mean confidence %.3f, got %.3f", wantMean, stats.MeanConfidence)
	}

	report := logger.Report(time.Time{}, time.Time{})
	for _, fragment := range []string{"# Security Audit Report", "Total events: 3", "Violations: 2", "delete_document"} {
		if !strings.Contains(report, fragment) {
			t.Fatalf("report missing %q", fragment)
		}
	}
}

func TestCleanupExpiredIsIdempotent(t *testing.T) {
	logger := newTestLogger(t, Config{RetentionDays: 30}, nil, nil)
	moment := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	logger.SetClock(func() time.Time { return moment })

	logger.LogSecurityEvent(EventActionExecution, SeverityInfo,
		Actor{ID: "agent-1"}, ActionRecord{Name: "get_events"},
		Reasoning{}, Outcome{Status: "success"}, SecurityContext{}, nil)

	moment = moment.AddDate(0, 0, 31)
	logger.LogSecurityEvent(EventActionExecution, SeverityInfo,
		Actor{ID: "agent-1"}, ActionRecord{Name: "get_events"},
		Reasoning{}, Outcome{Status: "success"}, SecurityContext{}, nil)

	if removed := logger.CleanupExpired(); removed != 1 {
		t.Fatalf("expected 1 expired entry, got %d", removed)
	}
	if removed := logger.CleanupExpired(); removed != 0 {
		t.Fatalf("second sweep must be a no-op, got %d", removed)
	}
	if logger.Len() != 1 {
		t.Fatalf("expected 1 surviving entry, got %d", logger.Len())
	}
}

func TestSubscribeReceivesNewEntries(t *testing.T) {
	logger := newTestLogger(t, Config{}, nil, nil)
	feed, cancel := logger.Subscribe(4)
	defer cancel()

	logger.LogSecurityEvent(EventPolicyUpdated, SeverityInfo,
		Actor{Type: "operator", ID: "ops"}, ActionRecord{Name: "send_email"},
		Reasoning{}, Outcome{Status: "applied"}, SecurityContext{}, nil)

	select {
	case entry := <-feed:
		if entry.EventType != EventPolicyUpdated {
			t.Fatalf("unexpected event type %s", entry.EventType)
		}
	case <-time.After(time.Second):
		t.Fatal("expected subscriber to receive the entry")
	}
}
