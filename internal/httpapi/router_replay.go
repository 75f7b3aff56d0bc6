package httpapi

import (
	"errors"
	"net/http"

	"github.com/dwizi/agent-gate/internal/gateerr"
	"github.com/dwizi/agent-gate/internal/replay"
)

// handleReplayRun triggers one on-demand replay pass outside the cron
// schedule. A batch below the minimum size is reported, not failed.
func (r *router) handleReplayRun(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	if r.deps.Replay == nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "replay is disabled"})
		return
	}

	result, err := r.deps.Replay.Run(req.Context())
	if err != nil {
		if errors.Is(err, gateerr.ErrBatchTooSmall) {
			writeJSON(w, http.StatusOK, map[string]any{
				"status":  "skipped",
				"reason":  "not enough episodes for an adjustment",
				"records": result.Metrics.Records,
			})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, replayResultToMap(result))
}

func replayResultToMap(result replay.Result) map[string]any {
	body := map[string]any{
		"status":           "completed",
		"started_at_unix":  result.StartedAt.Unix(),
		"finished_at_unix": result.FinishedAt.Unix(),
		"records":          result.Metrics.Records,
		"success_rate":     result.Metrics.SuccessRate,
		"mean_reward":      result.Metrics.CompositeReward,
		"policy_saved":     result.PolicySaved,
		"before": map[string]any{
			"version":    result.Before.Version,
			"proactive":  result.Before.Proactive,
			"autonomous": result.Before.Autonomous,
			"escalation": result.Before.Escalation,
		},
		"after": map[string]any{
			"version":    result.After.Version,
			"proactive":  result.After.Proactive,
			"autonomous": result.After.Autonomous,
			"escalation": result.After.Escalation,
		},
	}
	if result.Counterfactual != nil {
		body["counterfactual"] = map[string]any{
			"variant":          result.Counterfactual.VariantName,
			"baseline_reward":  result.Counterfactual.BaselineReward,
			"simulated_reward": result.Counterfactual.SimulatedReward,
			"improvement":      result.Counterfactual.Improvement,
			"blend_fraction":   result.Counterfactual.BlendFraction,
			"applied":          result.Counterfactual.Applied,
		}
	}
	optimizations := make([]map[string]any, 0, len(result.Optimizations))
	for _, optimization := range result.Optimizations {
		optimizations = append(optimizations, map[string]any{
			"action":      optimization.Action,
			"samples":     optimization.Samples,
			"from":        optimization.From,
			"to":          optimization.To,
			"improvement": optimization.Improvement,
			"applied":     optimization.Applied,
		})
	}
	body["optimizations"] = optimizations
	return body
}
