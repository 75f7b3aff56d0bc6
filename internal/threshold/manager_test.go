package threshold

import (
	"errors"
	"testing"
	"time"

	"github.com/dwizi/agent-gate/internal/gateerr"
	"github.com/dwizi/agent-gate/internal/safety"
)

func newTestManager() *Manager {
	manager := NewManager(nil)
	manager.SetClock(func() time.Time {
		return time.Date(2026, 5, 12, 10, 0, 0, 0, time.UTC)
	})
	return manager
}

func assertBounds(t *testing.T, manager *Manager) {
	t.Helper()
	for _, cfg := range manager.Configurations() {
		if cfg.CurrentThreshold < cfg.MinThreshold || cfg.CurrentThreshold > cfg.MaxThreshold {
			t.Fatalf("threshold out of bounds for %s: %.2f not in [%.2f, %.2f]",
				cfg.Action, cfg.CurrentThreshold, cfg.MinThreshold, cfg.MaxThreshold)
		}
	}
}

func TestGetThresholdDefaultsConservative(t *testing.T) {
	manager := newTestManager()
	if got := manager.GetThreshold("never_seen"); got != DefaultThreshold {
		t.Fatalf("expected default threshold %.2f, got %.2f", DefaultThreshold, got)
	}
}

func TestSuccessStreakLowersThresholdWithinBounds(t *testing.T) {
	manager := newTestManager()
	manager.Register(Configuration{
		Action:                "schedule_meeting",
		BaseThreshold:         0.75,
		CurrentThreshold:      0.75,
		MinThreshold:          0.4,
		MaxThreshold:          0.95,
		AdjustmentSensitivity: 0.05,
	})

	for index := 0; index < 10; index++ {
		manager.RecordExecutionResult("schedule_meeting", 0.95, true, 5, "")
	}

	current := manager.GetThreshold("schedule_meeting")
	if current >= 0.75 {
		t.Fatalf("expected threshold below baseline after success streak, got %.2f", current)
	}
	metrics, ok := manager.MetricsFor("schedule_meeting")
	if !ok {
		t.Fatal("metrics missing")
	}
	if metrics.RecommendedThreshold > 0.6 {
		t.Fatalf("expected recommendation at or below 0.60, got %.2f", metrics.RecommendedThreshold)
	}
	assertBounds(t, manager)
}

func TestFailureStreakRaisesThresholdWithinBounds(t *testing.T) {
	manager := newTestManager()
	manager.Register(Configuration{
		Action:                "send_email",
		BaseThreshold:         0.7,
		CurrentThreshold:      0.7,
		MinThreshold:          0.4,
		MaxThreshold:          0.95,
		AdjustmentSensitivity: 0.05,
	})

	for index := 0; index < 10; index++ {
		success := index < 3
		manager.RecordExecutionResult("send_email", 0.8, success, 2.0, "")
	}

	current := manager.GetThreshold("send_email")
	if current <= 0.7 {
		t.Fatalf("expected threshold above baseline after failures, got %.2f", current)
	}
	if current > 0.95 {
		t.Fatalf("threshold escaped max bound: %.2f", current)
	}
	history := manager.History("send_email")
	if len(history) == 0 {
		t.Fatal("expected an adjustment history entry")
	}
	if history[len(history)-1].Reason != ReasonLowSuccessRate {
		t.Fatalf("expected %s reason, got %s", ReasonLowSuccessRate, history[len(history)-1].Reason)
	}
	assertBounds(t, manager)
}

func TestDailyAdjustmentCap(t *testing.T) {
	manager := newTestManager()
	manager.Register(Configuration{
		Action:                "share_document",
		BaseThreshold:         0.85,
		CurrentThreshold:      0.85,
		MinThreshold:          0.3,
		MaxThreshold:          0.98,
		AdjustmentSensitivity: 0.01,
	})

	// Alternate strongly between outcomes so the recommendation keeps moving.
	for index := 0; index < 60; index++ {
		success := (index/10)%2 == 0
		manager.RecordExecutionResult("share_document", 0.9, success, 0, "")
	}

	adjusted := 0
	for _, entry := range manager.History("share_document") {
		if entry.Reason != ReasonManualOverride {
			adjusted++
		}
	}
	if adjusted > 3 {
		t.Fatalf("expected at most 3 automatic adjustments per day, got %d", adjusted)
	}
	assertBounds(t, manager)
}

func TestRejectionRateRaisesRecommendation(t *testing.T) {
	manager := newTestManager()
	for index := 0; index < 10; index++ {
		manager.RecordExecutionResult("cancel_meeting", 0.9, true, 0, "")
	}
	for index := 0; index < 3; index++ {
		manager.RecordUserRejection("cancel_meeting", 0.9, "wrong meeting")
	}
	metrics, _ := manager.MetricsFor("cancel_meeting")
	if metrics.UserRejections != 3 {
		t.Fatalf("expected 3 rejections, got %d", metrics.UserRejections)
	}
	// success rate 1.0 recommends 0.6, rejection rate 0.3 adds 0.10.
	if diff := metrics.RecommendedThreshold - 0.7; diff < -0.001 || diff > 0.001 {
		t.Fatalf("expected recommendation 0.70, got %.2f", metrics.RecommendedThreshold)
	}
}

func TestSetThresholdUnknownActionFails(t *testing.T) {
	manager := newTestManager()
	if err := manager.SetThreshold("ghost_action", 0.5, ""); !errors.Is(err, gateerr.ErrActionUnknown) {
		t.Fatalf("expected ErrActionUnknown, got %v", err)
	}
	if len(manager.History("")) != 0 {
		t.Fatal("failed override must not mutate history")
	}
}

func TestEmergencyModeRaisesEverythingClamped(t *testing.T) {
	manager := newTestManager()
	manager.SeedFromProfiles([]safety.Profile{
		{Action: "get_events", RiskLevel: safety.RiskLow, ConfidenceThreshold: 0.6},
		{Action: "delete_document", RiskLevel: safety.RiskCritical, ConfidenceThreshold: 0.95},
	})

	manager.EnableEmergencyMode("prompt injection detected")

	if got := manager.GetThreshold("get_events"); got != 0.8 {
		t.Fatalf("expected 0.80 after emergency raise, got %.2f", got)
	}
	if got := manager.GetThreshold("delete_document"); got != 0.98 {
		t.Fatalf("expected clamp at 0.98, got %.2f", got)
	}
	for _, entry := range manager.History("") {
		if entry.Reason != ReasonEmergency {
			t.Fatalf("expected emergency reason, got %s", entry.Reason)
		}
	}
	assertBounds(t, manager)
}

func TestResetThresholdsToBaseline(t *testing.T) {
	manager := newTestManager()
	manager.Register(Configuration{Action: "send_email", BaseThreshold: 0.85, CurrentThreshold: 0.85, MinThreshold: 0.4, MaxThreshold: 0.98})
	if err := manager.SetThreshold("send_email", 0.5, ""); err != nil {
		t.Fatalf("override failed: %v", err)
	}
	manager.ResetThresholdsToBaseline()
	if got := manager.GetThreshold("send_email"); got != 0.85 {
		t.Fatalf("expected baseline 0.85 after reset, got %.2f", got)
	}
}

func TestReseedProfileKeepsLearnedThreshold(t *testing.T) {
	manager := newTestManager()
	manager.SeedFromProfiles([]safety.Profile{{
		Action:              "send_email",
		RiskLevel:           safety.RiskHigh,
		ConfidenceThreshold: 0.85,
	}})
	if err := manager.SetThreshold("send_email", 0.7, ReasonManualOverride); err != nil {
		t.Fatalf("set threshold failed: %v", err)
	}

	// Same risk level, new baseline: the learned value stays in bounds and
	// must survive the reseed.
	manager.ReseedProfile(safety.Profile{
		Action:              "send_email",
		RiskLevel:           safety.RiskHigh,
		ConfidenceThreshold: 0.9,
	})
	if got := manager.GetThreshold("send_email"); got != 0.7 {
		t.Fatalf("expected learned threshold 0.7 to survive reseed, got %.2f", got)
	}
	cfg, ok := manager.Configuration("send_email")
	if !ok || cfg.BaseThreshold != 0.9 {
		t.Fatalf("expected refreshed baseline 0.9, got %+v", cfg)
	}

	// Tightening the risk level pushes the minimum above the learned value;
	// the clamp must go through history.
	manager.ReseedProfile(safety.Profile{
		Action:              "send_email",
		RiskLevel:           safety.RiskCritical,
		ConfidenceThreshold: 0.9,
	})
	if got := manager.GetThreshold("send_email"); got != 0.75 {
		t.Fatalf("expected threshold clamped to critical minimum 0.75, got %.2f", got)
	}
	history := manager.History("send_email")
	if len(history) == 0 {
		t.Fatal("expected an adjustment history entry for the clamp")
	}
	last := history[len(history)-1]
	if last.Reason != ReasonProfileReseed || last.From != 0.7 || last.To != 0.75 {
		t.Fatalf("unexpected clamp entry %+v", last)
	}
	assertBounds(t, manager)
}
