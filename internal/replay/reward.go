package replay

import "github.com/dwizi/agent-gate/internal/store"

// BatchMetrics aggregates one replay batch.
type BatchMetrics struct {
	Records         int
	Failures        int
	SuccessRate     float64
	CompositeReward float64
	MeanComplexity  float64
	MeanEfficiency  float64
	MeanQuality     float64
}

const (
	rewardComplexityWeight = 0.2
	rewardEfficiencyWeight = 0.3
	rewardQualityWeight    = 0.5
)

// RewardEngine scores episodes and simulates how a policy variant would have
// fared on them.
type RewardEngine struct{}

// Score blends the three sub-scores into one composite reward for a single
// episode. A failure halves the composite.
func (RewardEngine) Score(episode store.Episode) float64 {
	composite := rewardComplexityWeight*clamp01(episode.Complexity) +
		rewardEfficiencyWeight*clamp01(episode.Efficiency) +
		rewardQualityWeight*clamp01(episode.Quality)
	if !episode.Success {
		composite *= 0.5
	}
	return composite
}

// Measure computes the aggregate metrics for a batch.
func (engine RewardEngine) Measure(batch []store.Episode) BatchMetrics {
	metrics := BatchMetrics{Records: len(batch)}
	if len(batch) == 0 {
		return metrics
	}
	succeeded := 0
	rewardSum, complexitySum, efficiencySum, qualitySum := 0.0, 0.0, 0.0, 0.0
	for _, episode := range batch {
		if episode.Success {
			succeeded++
		} else {
			metrics.Failures++
		}
		rewardSum += engine.Score(episode)
		complexitySum += clamp01(episode.Complexity)
		efficiencySum += clamp01(episode.Efficiency)
		qualitySum += clamp01(episode.Quality)
	}
	count := float64(len(batch))
	metrics.SuccessRate = float64(succeeded) / count
	metrics.CompositeReward = rewardSum / count
	metrics.MeanComplexity = complexitySum / count
	metrics.MeanEfficiency = efficiencySum / count
	metrics.MeanQuality = qualitySum / count
	return metrics
}

// Simulate estimates the reward a failed episode would have earned under the
// given policy: if the policy's autonomous threshold would have held the
// action for a human instead, the failure is credited as avoided.
func (engine RewardEngine) Simulate(episode store.Episode, policy Policy) float64 {
	reward := engine.Score(episode)
	if !episode.Success && episode.Confidence < policy.Autonomous {
		reward += 0.5
	}
	return reward
}

// SimulateBatch averages Simulate over the failed episodes of a batch.
func (engine RewardEngine) SimulateBatch(failed []store.Episode, policy Policy) float64 {
	if len(failed) == 0 {
		return 0
	}
	sum := 0.0
	for _, episode := range failed {
		sum += engine.Simulate(episode, policy)
	}
	return sum / float64(len(failed))
}

func clamp01(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}
