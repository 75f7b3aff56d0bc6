package replay

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/dwizi/agent-gate/internal/audit"
	"github.com/dwizi/agent-gate/internal/gateerr"
	"github.com/dwizi/agent-gate/internal/store"
	"github.com/dwizi/agent-gate/internal/threshold"
)

const (
	minBatchForAdjustment = 3
	minActionSamples      = 3

	counterfactualImprovementGate = 0.01
	counterfactualBlendCap        = 0.3

	executionRateTarget  = 0.7
	maxAppliedProposals  = 3
	defaultLearningRate  = 0.1
	defaultBatchLimit    = 200
	defaultLookbackHours = 24 * 7
)

type Config struct {
	LearningRate float64
	BatchLimit   int
	Lookback     time.Duration
}

// EpisodeSource supplies the experience batch.
type EpisodeSource interface {
	ListEpisodes(ctx context.Context, input store.ListEpisodesInput) ([]store.Episode, error)
}

// PolicyStore persists versioned policy snapshots. The versioned insert is
// the single-writer guard: two jobs retuning from the same baseline collide
// on the version and the second one fails instead of losing an update.
type PolicyStore interface {
	LatestPolicyVersion(ctx context.Context) (store.PolicyVersion, bool, error)
	SavePolicyVersion(ctx context.Context, input store.SavePolicyVersionInput) (store.PolicyVersion, error)
}

type Variant struct {
	Name  string
	Shift Delta
}

func variants() []Variant {
	return []Variant{
		{Name: "lower_all", Shift: Delta{Proactive: -0.10, Autonomous: -0.10, Escalation: -0.10}},
		{Name: "higher_all", Shift: Delta{Proactive: 0.10, Autonomous: 0.10, Escalation: 0.10}},
		{Name: "more_proactive", Shift: Delta{Proactive: -0.15, Autonomous: -0.10, Escalation: 0.10}},
		{Name: "more_conservative", Shift: Delta{Proactive: 0.15, Autonomous: 0.10, Escalation: -0.10}},
	}
}

type CounterfactualResult struct {
	VariantName     string
	BaselineReward  float64
	SimulatedReward float64
	Improvement     float64
	BlendFraction   float64
	Applied         bool
}

type ActionOptimization struct {
	Action       string
	Samples      int
	From         float64
	To           float64
	CurrentScore float64
	BestScore    float64
	Improvement  float64
	Applied      bool
}

// Result is the versioned before/after pair plus everything that produced it.
type Result struct {
	StartedAt      time.Time
	FinishedAt     time.Time
	Metrics        BatchMetrics
	Before         Policy
	After          Policy
	GlobalDelta    Delta
	Counterfactual *CounterfactualResult
	Optimizations  []ActionOptimization
	PolicySaved    bool
}

// Job mines a batch of episodes and retunes global policy scalars and
// per-action confidence thresholds.
type Job struct {
	cfg        Config
	engine     RewardEngine
	episodes   EpisodeSource
	policies   PolicyStore
	thresholds *threshold.Manager
	auditLog   *audit.Logger
	logger     *slog.Logger
}

func NewJob(cfg Config, episodes EpisodeSource, policies PolicyStore, thresholds *threshold.Manager, auditLog *audit.Logger, logger *slog.Logger) *Job {
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = defaultLearningRate
	}
	if cfg.BatchLimit < 1 {
		cfg.BatchLimit = defaultBatchLimit
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = defaultLookbackHours * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Job{
		cfg:        cfg,
		episodes:   episodes,
		policies:   policies,
		thresholds: thresholds,
		auditLog:   auditLog,
		logger:     logger,
	}
}

// Run executes one replay batch. A batch below the minimum sample size
// returns metrics only, wrapped in ErrBatchTooSmall, and mutates nothing.
func (j *Job) Run(ctx context.Context) (Result, error) {
	result := Result{StartedAt: time.Now().UTC()}

	batch, err := j.episodes.ListEpisodes(ctx, store.ListEpisodesInput{
		Since: result.StartedAt.Add(-j.cfg.Lookback),
		Limit: j.cfg.BatchLimit,
	})
	if err != nil {
		return result, fmt.Errorf("load replay batch: %w", err)
	}
	result.Metrics = j.engine.Measure(batch)
	result.FinishedAt = time.Now().UTC()

	if len(batch) < minBatchForAdjustment {
		j.logger.Info("replay batch too small, metrics only", "records", len(batch), "minimum", minBatchForAdjustment)
		return result, fmt.Errorf("replay batch of %d records: %w", len(batch), gateerr.ErrBatchTooSmall)
	}

	before := DefaultPolicy()
	if saved, ok, err := j.policies.LatestPolicyVersion(ctx); err != nil {
		return result, fmt.Errorf("load current policy: %w", err)
	} else if ok {
		before = Policy{
			Version:    saved.Version,
			Proactive:  saved.Proactive,
			Autonomous: saved.Autonomous,
			Escalation: saved.Escalation,
		}
	}
	result.Before = before

	delta := j.globalDelta(result.Metrics)
	result.Counterfactual = j.explore(batch, before)
	if result.Counterfactual != nil && result.Counterfactual.Applied {
		for _, variant := range variants() {
			if variant.Name == result.Counterfactual.VariantName {
				delta = delta.add(variant.Shift.scale(result.Counterfactual.BlendFraction))
			}
		}
	}
	result.GlobalDelta = delta
	result.Optimizations = j.optimizeActions(batch)

	result.After = before.Apply(delta)
	if _, err := j.policies.SavePolicyVersion(ctx, store.SavePolicyVersionInput{
		Version:    result.After.Version,
		Proactive:  result.After.Proactive,
		Autonomous: result.After.Autonomous,
		Escalation: result.After.Escalation,
		Source:     "replay",
	}); err != nil {
		return result, fmt.Errorf("persist policy v%d: %w", result.After.Version, err)
	}
	result.PolicySaved = true
	result.FinishedAt = time.Now().UTC()

	j.logger.Info("replay batch applied",
		"records", result.Metrics.Records, "success_rate", result.Metrics.SuccessRate,
		"composite_reward", result.Metrics.CompositeReward,
		"policy_version", result.After.Version, "optimizations", len(result.Optimizations))
	if j.auditLog != nil {
		j.auditLog.LogSecurityEvent(audit.EventPolicyUpdated, audit.SeverityInfo,
			audit.Actor{Type: "system", ID: "replay"},
			audit.ActionRecord{Name: "policy_update", Category: "learning"},
			audit.Reasoning{Explanation: fmt.Sprintf("replay batch of %d records produced policy v%d", result.Metrics.Records, result.After.Version)},
			audit.Outcome{Status: "applied"},
			audit.SecurityContext{}, nil)
	}
	return result, nil
}

// globalDelta derives the signed policy shifts from the batch bands, each
// scaled by the learning rate.
func (j *Job) globalDelta(metrics BatchMetrics) Delta {
	lr := j.cfg.LearningRate
	var delta Delta

	switch {
	case metrics.SuccessRate >= 0.8 && metrics.CompositeReward >= 0.6:
		delta = delta.add(Delta{Proactive: 0.5 * lr, Autonomous: 0.5 * lr, Escalation: -0.5 * lr})
	case metrics.SuccessRate < 0.5 || metrics.MeanQuality < 0.4:
		delta = delta.add(Delta{Proactive: -0.5 * lr, Autonomous: -0.5 * lr, Escalation: 0.5 * lr})
	}
	if metrics.MeanEfficiency < 0.4 {
		delta = delta.add(Delta{Proactive: -0.3 * lr, Autonomous: -0.3 * lr, Escalation: -0.3 * lr})
	}
	if metrics.MeanQuality >= 0.8 {
		delta = delta.add(Delta{Proactive: 0.2 * lr, Autonomous: 0.2 * lr, Escalation: 0.2 * lr})
	}
	return delta
}

// explore simulates the hand-authored variants against the batch's failed
// episodes only. A winning variant is blended at a capped fraction rather
// than adopted outright.
func (j *Job) explore(batch []store.Episode, before Policy) *CounterfactualResult {
	var failed []store.Episode
	for _, episode := range batch {
		if !episode.Success {
			failed = append(failed, episode)
		}
	}
	if len(failed) == 0 {
		return nil
	}

	baseline := j.engine.SimulateBatch(failed, before)
	best := CounterfactualResult{BaselineReward: baseline, SimulatedReward: baseline}
	for _, variant := range variants() {
		candidate := before.Apply(variant.Shift)
		reward := j.engine.SimulateBatch(failed, candidate)
		if reward > best.SimulatedReward {
			best.VariantName = variant.Name
			best.SimulatedReward = reward
		}
	}
	best.Improvement = best.SimulatedReward - baseline
	if best.VariantName != "" && best.Improvement > counterfactualImprovementGate {
		best.Applied = true
		best.BlendFraction = j.cfg.LearningRate * 3
		if best.BlendFraction > counterfactualBlendCap {
			best.BlendFraction = counterfactualBlendCap
		}
		j.logger.Info("counterfactual variant blended",
			"variant", best.VariantName, "improvement", best.Improvement, "blend", best.BlendFraction)
	}
	return &best
}

// optimizeActions searches symmetric threshold candidates per action and
// applies the top proposals as manual adjustments.
func (j *Job) optimizeActions(batch []store.Episode) []ActionOptimization {
	byAction := map[string][]store.Episode{}
	for _, episode := range batch {
		byAction[episode.Action] = append(byAction[episode.Action], episode)
	}

	adjustmentRange := 0.5 * j.cfg.LearningRate
	significanceFloor := 0.1 * j.cfg.LearningRate

	var proposals []ActionOptimization
	for action, episodes := range byAction {
		if len(episodes) < minActionSamples {
			continue
		}
		current := j.thresholds.GetThreshold(action)
		currentScore := j.candidateScore(episodes, current)

		best := ActionOptimization{
			Action:       action,
			Samples:      len(episodes),
			From:         current,
			To:           current,
			CurrentScore: currentScore,
			BestScore:    currentScore,
		}
		for _, candidate := range []float64{
			current - 2*adjustmentRange,
			current - adjustmentRange,
			current + adjustmentRange,
			current + 2*adjustmentRange,
		} {
			if score := j.candidateScore(episodes, candidate); score > best.BestScore {
				best.To = candidate
				best.BestScore = score
			}
		}
		best.Improvement = best.BestScore - best.CurrentScore
		if best.Improvement > significanceFloor {
			proposals = append(proposals, best)
		}
	}

	sort.Slice(proposals, func(left, right int) bool {
		return proposals[left].Improvement > proposals[right].Improvement
	})
	if len(proposals) > maxAppliedProposals {
		proposals = proposals[:maxAppliedProposals]
	}
	for index := range proposals {
		proposal := &proposals[index]
		if err := j.thresholds.SetThreshold(proposal.Action, proposal.To, threshold.ReasonReplayOptimization); err != nil {
			j.logger.Warn("replay threshold proposal not applied", "action", proposal.Action, "error", err)
			continue
		}
		proposal.Applied = true
	}
	return proposals
}

// candidateScore balances execution rate against the quality of what would
// have been approved at the candidate threshold.
func (j *Job) candidateScore(episodes []store.Episode, candidate float64) float64 {
	approved := 0
	qualitySum := 0.0
	for _, episode := range episodes {
		if episode.Confidence >= candidate {
			approved++
			qualitySum += clamp01(episode.Quality)
		}
	}
	executionRate := float64(approved) / float64(len(episodes))
	quality := 0.0
	if approved > 0 {
		quality = qualitySum / float64(approved)
	}
	distance := executionRate - executionRateTarget
	if distance < 0 {
		distance = -distance
	}
	return 0.5*(1-distance) + 0.5*quality
}
