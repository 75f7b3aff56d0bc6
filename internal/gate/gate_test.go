package gate

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/dwizi/agent-gate/internal/approval"
	"github.com/dwizi/agent-gate/internal/audit"
	"github.com/dwizi/agent-gate/internal/explain"
	"github.com/dwizi/agent-gate/internal/safety"
	"github.com/dwizi/agent-gate/internal/store"
	"github.com/dwizi/agent-gate/internal/threshold"
)

type fakeEpisodeSink struct {
	episodes []store.CreateEpisodeInput
}

func (f *fakeEpisodeSink) CreateEpisode(_ context.Context, input store.CreateEpisodeInput) (store.Episode, error) {
	f.episodes = append(f.episodes, input)
	return store.Episode{ID: "ep_test", Action: input.Action}, nil
}

type gateFixture struct {
	gate       *Gate
	classifier *safety.Classifier
	thresholds *threshold.Manager
	approvals  *approval.Workflow
	auditLog   *audit.Logger
	episodes   *fakeEpisodeSink
}

func newFixture(t *testing.T) *gateFixture {
	t.Helper()
	classifier := safety.NewClassifier(safety.Config{TrustedDomain: "smartmeet.example"}, nil)
	classifier.SetClock(func() time.Time {
		return time.Date(2026, 5, 12, 10, 0, 0, 0, time.UTC)
	})
	thresholds := threshold.NewManager(nil)
	thresholds.SeedFromProfiles(classifier.Profiles())
	approvals := approval.NewWorkflow(approval.Config{}, nil, nil, nil)
	auditLog := audit.NewLogger(audit.Config{}, nil, nil, nil)
	explainer := explain.NewGenerator(50, nil)
	episodes := &fakeEpisodeSink{}

	return &gateFixture{
		gate:       New(Config{}, classifier, thresholds, approvals, explainer, auditLog, episodes, nil),
		classifier: classifier,
		thresholds: thresholds,
		approvals:  approvals,
		auditLog:   auditLog,
		episodes:   episodes,
	}
}

func TestDecideExecutesCleanProposal(t *testing.T) {
	fixture := newFixture(t)

	decision, err := fixture.gate.Decide(context.Background(), Proposal{
		Action:     "get_events",
		Confidence: 0.9,
		Context:    safety.ActionContext{Requester: "alice", Participants: []string{"bob@smartmeet.example"}},
		Rationale:  "standing calendar lookup",
	})
	if err != nil {
		t.Fatalf("decide failed: %v", err)
	}
	if decision.Outcome != OutcomeExecute {
		t.Fatalf("expected execute, got %s (%v)", decision.Outcome, decision.Reasons)
	}
	if decision.ChainID == "" || !strings.Contains(decision.Explanation, "Decision Explanation") {
		t.Fatal("expected an explanation chain on the decision")
	}

	authorized := fixture.auditLog.Search(audit.Filter{EventType: audit.EventActionExecution})
	if len(authorized) != 1 || authorized[0].Outcome.Status != "authorized" {
		t.Fatalf("expected one authorized audit entry, got %+v", authorized)
	}
	if len(fixture.approvals.Pending("")) != 0 {
		t.Fatal("an executed proposal must not open an approval request")
	}
}

func TestDecideHoldsUnknownActionDespiteHighConfidence(t *testing.T) {
	fixture := newFixture(t)

	decision, err := fixture.gate.Decide(context.Background(), Proposal{
		Action:     "unknown_action_xyz",
		Confidence: 0.99,
		Context:    safety.ActionContext{Requester: "alice"},
	})
	if err != nil {
		t.Fatalf("decide failed: %v", err)
	}
	if decision.Outcome != OutcomeHold {
		t.Fatalf("unknown action must hold, got %s", decision.Outcome)
	}
	if decision.ApprovalRequest == nil || decision.ApprovalRequest.Status != approval.StatusPending {
		t.Fatalf("expected a pending approval request, got %+v", decision.ApprovalRequest)
	}
	if decision.Classification.RiskLevel != safety.RiskHigh {
		t.Fatalf("unknown action must classify high risk, got %s", decision.Classification.RiskLevel)
	}

	requested := fixture.auditLog.Search(audit.Filter{EventType: audit.EventApprovalRequested})
	if len(requested) != 1 || requested[0].Security.ApprovalRequestID != decision.ApprovalRequest.ID {
		t.Fatalf("expected an approval_requested audit entry carrying the request id, got %+v", requested)
	}
}

func TestDecideHoldsWhenDynamicThresholdNotMet(t *testing.T) {
	fixture := newFixture(t)
	if err := fixture.thresholds.SetThreshold("get_events", 0.85, ""); err != nil {
		t.Fatalf("raise threshold: %v", err)
	}

	decision, err := fixture.gate.Decide(context.Background(), Proposal{
		Action:     "get_events",
		Confidence: 0.7,
		Context:    safety.ActionContext{Requester: "alice"},
	})
	if err != nil {
		t.Fatalf("decide failed: %v", err)
	}
	if decision.Outcome != OutcomeHold {
		t.Fatalf("expected hold below dynamic threshold, got %s", decision.Outcome)
	}
	found := false
	for _, reason := range decision.Reasons {
		if strings.Contains(reason, "dynamic threshold") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a dynamic threshold reason, got %v", decision.Reasons)
	}
}

func TestDecideRejectsBelowFloor(t *testing.T) {
	fixture := newFixture(t)

	decision, err := fixture.gate.Decide(context.Background(), Proposal{
		Action:     "get_events",
		Confidence: 0.2,
		Context:    safety.ActionContext{Requester: "alice"},
	})
	if err != nil {
		t.Fatalf("decide failed: %v", err)
	}
	if decision.Outcome != OutcomeReject {
		t.Fatalf("expected reject below floor, got %s", decision.Outcome)
	}
	if len(fixture.approvals.Pending("")) != 0 {
		t.Fatal("a rejected proposal must not open an approval request")
	}

	rejected := fixture.auditLog.Search(audit.Filter{EventType: audit.EventActionExecution})
	if len(rejected) != 1 || rejected[0].Outcome.Status != "rejected" {
		t.Fatalf("expected a rejected audit entry, got %+v", rejected)
	}
}

func TestDecideLogsRiskDetection(t *testing.T) {
	fixture := newFixture(t)

	decision, err := fixture.gate.Decide(context.Background(), Proposal{
		Action:     "schedule_meeting",
		Confidence: 0.9,
		Context: safety.ActionContext{
			Requester:    "alice",
			Participants: []string{"ceo@rival.example"},
			Urgent:       true,
		},
	})
	if err != nil {
		t.Fatalf("decide failed: %v", err)
	}
	if decision.Outcome != OutcomeHold {
		t.Fatalf("risk factors must hold the proposal, got %s", decision.Outcome)
	}
	risks := fixture.auditLog.Search(audit.Filter{EventType: audit.EventRiskDetected})
	if len(risks) != 1 {
		t.Fatalf("expected one risk_detected entry, got %d", len(risks))
	}
}

func TestReportExecutionClosesTheLoop(t *testing.T) {
	fixture := newFixture(t)

	held, err := fixture.gate.Decide(context.Background(), Proposal{
		Action:     "send_email",
		Confidence: 0.9,
		Context:    safety.ActionContext{Requester: "alice"},
	})
	if err != nil {
		t.Fatalf("decide failed: %v", err)
	}
	if held.Outcome != OutcomeHold {
		t.Fatalf("send_email must require approval, got %s", held.Outcome)
	}
	if _, err := fixture.approvals.Decide(held.ApprovalRequest.ID, "bob", true, "fine"); err != nil {
		t.Fatalf("approve failed: %v", err)
	}

	err = fixture.gate.ReportExecution(context.Background(), ExecutionReport{
		Action:       "send_email",
		Confidence:   0.9,
		Success:      true,
		Satisfaction: 5,
		Feedback:     "delivered",
		RequestID:    held.ApprovalRequest.ID,
		Complexity:   0.5,
		Efficiency:   0.8,
		Quality:      0.9,
	})
	if err != nil {
		t.Fatalf("report execution failed: %v", err)
	}

	metrics, ok := fixture.thresholds.MetricsFor("send_email")
	if !ok || metrics.TotalExecutions != 1 || metrics.Succeeded != 1 {
		t.Fatalf("threshold metrics not updated: %+v", metrics)
	}
	if len(fixture.episodes.episodes) != 1 {
		t.Fatalf("expected one episode, got %d", len(fixture.episodes.episodes))
	}
	episode := fixture.episodes.episodes[0]
	if episode.Action != "send_email" || !episode.Success || episode.Reward <= 0 {
		t.Fatalf("unexpected episode %+v", episode)
	}

	attached, _ := fixture.approvals.Get(held.ApprovalRequest.ID)
	if attached.Execution == nil || !attached.Execution.Success {
		t.Fatalf("execution result not attached to approval: %+v", attached.Execution)
	}
}
