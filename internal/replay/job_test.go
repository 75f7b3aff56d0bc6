package replay

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dwizi/agent-gate/internal/gateerr"
	"github.com/dwizi/agent-gate/internal/safety"
	"github.com/dwizi/agent-gate/internal/store"
	"github.com/dwizi/agent-gate/internal/threshold"
)

type fakeEpisodes struct {
	episodes []store.Episode
}

func (f *fakeEpisodes) ListEpisodes(_ context.Context, _ store.ListEpisodesInput) ([]store.Episode, error) {
	return f.episodes, nil
}

type fakePolicies struct {
	latest *store.PolicyVersion
	saved  []store.SavePolicyVersionInput
	stale  bool
}

func (f *fakePolicies) LatestPolicyVersion(_ context.Context) (store.PolicyVersion, bool, error) {
	if f.latest == nil {
		return store.PolicyVersion{}, false, nil
	}
	return *f.latest, true, nil
}

func (f *fakePolicies) SavePolicyVersion(_ context.Context, input store.SavePolicyVersionInput) (store.PolicyVersion, error) {
	if f.stale {
		return store.PolicyVersion{}, gateerr.ErrPolicyVersionStale
	}
	f.saved = append(f.saved, input)
	return store.PolicyVersion{Version: input.Version}, nil
}

func successEpisode(action string, confidence, quality float64) store.Episode {
	return store.Episode{
		Action:     action,
		Confidence: confidence,
		Success:    true,
		Complexity: 0.5,
		Efficiency: 0.9,
		Quality:    quality,
	}
}

func failedEpisode(action string, confidence float64) store.Episode {
	return store.Episode{
		Action:     action,
		Confidence: confidence,
		Success:    false,
		Complexity: 0.5,
		Efficiency: 0.2,
		Quality:    0.2,
	}
}

func newTestJob(episodes []store.Episode, policies *fakePolicies) (*Job, *threshold.Manager) {
	manager := threshold.NewManager(nil)
	job := NewJob(Config{}, &fakeEpisodes{episodes: episodes}, policies, manager, nil, nil)
	return job, manager
}

func closeTo(got, want float64) bool {
	diff := got - want
	return diff < 1e-9 && diff > -1e-9
}

func TestRewardEngineCompositeBlend(t *testing.T) {
	engine := RewardEngine{}
	episode := successEpisode("schedule_meeting", 0.9, 0.9)
	want := 0.2*0.5 + 0.3*0.9 + 0.5*0.9
	if got := engine.Score(episode); !closeTo(got, want) {
		t.Fatalf("expected composite %.3f, got %.3f", want, got)
	}

	episode.Success = false
	if got := engine.Score(episode); !closeTo(got, want*0.5) {
		t.Fatalf("failure must halve the composite, got %.3f", got)
	}
}

func TestRewardEngineMeasure(t *testing.T) {
	engine := RewardEngine{}
	metrics := engine.Measure([]store.Episode{
		successEpisode("a", 0.9, 0.8),
		failedEpisode("a", 0.6),
	})
	if metrics.Records != 2 || metrics.Failures != 1 {
		t.Fatalf("unexpected counts %+v", metrics)
	}
	if !closeTo(metrics.SuccessRate, 0.5) {
		t.Fatalf("expected success rate 0.5, got %.3f", metrics.SuccessRate)
	}
	if !closeTo(metrics.MeanQuality, 0.5) {
		t.Fatalf("expected mean quality 0.5, got %.3f", metrics.MeanQuality)
	}
}

func TestRunBatchTooSmallMutatesNothing(t *testing.T) {
	policies := &fakePolicies{}
	job, _ := newTestJob([]store.Episode{successEpisode("a", 0.9, 0.9)}, policies)

	result, err := job.Run(context.Background())
	if !errors.Is(err, gateerr.ErrBatchTooSmall) {
		t.Fatalf("expected ErrBatchTooSmall, got %v", err)
	}
	if result.Metrics.Records != 1 {
		t.Fatalf("expected metrics for the tiny batch, got %+v", result.Metrics)
	}
	if len(policies.saved) != 0 || result.PolicySaved {
		t.Fatal("a too-small batch must not write a policy version")
	}
}

func TestRunHighSuccessBandRaisesProactivePolicy(t *testing.T) {
	policies := &fakePolicies{}
	batch := []store.Episode{
		successEpisode("schedule_meeting", 0.9, 0.9),
		successEpisode("schedule_meeting", 0.85, 0.9),
		successEpisode("get_events", 0.95, 0.9),
	}
	job, _ := newTestJob(batch, policies)

	result, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if result.Counterfactual != nil {
		t.Fatal("no failures means no counterfactual exploration")
	}

	// High success and reward: +0.5*lr proactive/autonomous, -0.5*lr
	// escalation; quality >= 0.8 adds +0.2*lr to all three.
	lr := 0.1
	wantProactive := 0.5 + 0.5*lr + 0.2*lr
	wantEscalation := 0.4 - 0.5*lr + 0.2*lr
	if !closeTo(result.After.Proactive, wantProactive) {
		t.Fatalf("expected proactive %.3f, got %.3f", wantProactive, result.After.Proactive)
	}
	if !closeTo(result.After.Escalation, wantEscalation) {
		t.Fatalf("expected escalation %.3f, got %.3f", wantEscalation, result.After.Escalation)
	}
	if result.After.Version != result.Before.Version+1 {
		t.Fatalf("expected version bump, before %d after %d", result.Before.Version, result.After.Version)
	}
	if len(policies.saved) != 1 || !result.PolicySaved {
		t.Fatal("expected exactly one policy version saved")
	}
}

func TestRunCounterfactualBlendsWinningVariant(t *testing.T) {
	policies := &fakePolicies{}
	// Failures at confidence 0.65: the default autonomous threshold 0.6
	// would have let them run; only a raised threshold gates them.
	batch := []store.Episode{
		failedEpisode("send_email", 0.65),
		failedEpisode("send_email", 0.65),
		failedEpisode("send_email", 0.65),
	}
	job, _ := newTestJob(batch, policies)

	result, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	counterfactual := result.Counterfactual
	if counterfactual == nil || !counterfactual.Applied {
		t.Fatalf("expected an applied counterfactual, got %+v", counterfactual)
	}
	if counterfactual.VariantName != "higher_all" {
		t.Fatalf("expected higher_all to win, got %s", counterfactual.VariantName)
	}
	if counterfactual.Improvement <= counterfactualImprovementGate {
		t.Fatalf("improvement %.3f must clear the gate", counterfactual.Improvement)
	}
	if counterfactual.BlendFraction > counterfactualBlendCap {
		t.Fatalf("blend %.3f exceeds cap", counterfactual.BlendFraction)
	}
	// All-failure batch lowers proactive by 0.5*lr, efficiency nudge by
	// 0.3*lr, then the blended variant adds back 0.10*blend.
	lr := 0.1
	wantProactive := 0.5 - 0.5*lr - 0.3*lr + 0.10*counterfactual.BlendFraction
	if !closeTo(result.After.Proactive, wantProactive) {
		t.Fatalf("expected proactive %.4f, got %.4f", wantProactive, result.After.Proactive)
	}
}

func TestRunOptimizesPerActionThresholds(t *testing.T) {
	policies := &fakePolicies{}
	// Five successes just under the 0.8 threshold: nothing would have been
	// approved, so a lower candidate scores far better.
	batch := []store.Episode{
		successEpisode("send_email", 0.78, 0.9),
		successEpisode("send_email", 0.78, 0.9),
		successEpisode("send_email", 0.78, 0.9),
		successEpisode("send_email", 0.78, 0.9),
		successEpisode("send_email", 0.78, 0.9),
	}
	job, manager := newTestJob(batch, policies)
	manager.SeedFromProfiles([]safety.Profile{{
		Action:              "send_email",
		RiskLevel:           safety.RiskMedium,
		ConfidenceThreshold: 0.8,
	}})

	result, err := job.Run(context.Background())
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(result.Optimizations) != 1 {
		t.Fatalf("expected one optimization, got %d", len(result.Optimizations))
	}
	optimization := result.Optimizations[0]
	if !optimization.Applied || optimization.Action != "send_email" {
		t.Fatalf("unexpected optimization %+v", optimization)
	}
	if optimization.To >= optimization.From {
		t.Fatalf("expected a lowered threshold, from %.2f to %.2f", optimization.From, optimization.To)
	}
	if got := manager.GetThreshold("send_email"); !closeTo(got, optimization.To) {
		t.Fatalf("manager threshold %.3f does not match applied proposal %.3f", got, optimization.To)
	}

	history := manager.History("send_email")
	if len(history) != 1 || history[0].Reason != threshold.ReasonReplayOptimization {
		t.Fatalf("expected a replay_optimization history entry, got %+v", history)
	}
}

func TestRunStalePolicyVersionFails(t *testing.T) {
	policies := &fakePolicies{stale: true}
	batch := []store.Episode{
		successEpisode("a", 0.9, 0.9),
		successEpisode("a", 0.9, 0.9),
		successEpisode("a", 0.9, 0.9),
	}
	job, _ := newTestJob(batch, policies)

	result, err := job.Run(context.Background())
	if !errors.Is(err, gateerr.ErrPolicyVersionStale) {
		t.Fatalf("expected ErrPolicyVersionStale, got %v", err)
	}
	if result.PolicySaved {
		t.Fatal("a stale version must not report a saved policy")
	}
}

func TestParseSchedule(t *testing.T) {
	from := time.Date(2026, 5, 12, 9, 30, 0, 0, time.UTC)
	next, err := ParseSchedule("0 3 * * *", from)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	want := time.Date(2026, 5, 13, 3, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("expected next run %s, got %s", want, next)
	}

	if _, err := ParseSchedule("not a cron", from); err == nil {
		t.Fatal("expected error for invalid expression")
	}
	if _, err := ParseSchedule("  ", from); err == nil {
		t.Fatal("expected error for empty expression")
	}
}
