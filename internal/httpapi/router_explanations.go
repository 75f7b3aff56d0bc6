package httpapi

import (
	"github.com/dwizi/agent-gate/internal/explain"
)

func chainToMap(chain explain.Chain, full bool) map[string]any {
	body := map[string]any{
		"id":                chain.ID,
		"action":            chain.Action,
		"generated_at_unix": chain.GeneratedAt.Unix(),
		"confidence":        chain.Decision.Confidence,
		"risk_level":        chain.Risk.RiskLevel,
		"quality":           explain.ScoreQuality(chain).Overall,
	}
	if !full {
		return body
	}
	steps := make([]map[string]any, 0, len(chain.Steps))
	for _, step := range chain.Steps {
		steps = append(steps, map[string]any{
			"index":         step.Index,
			"type":          step.Type,
			"description":   step.Description,
			"evidence":      step.Evidence,
			"confidence":    step.Confidence,
			"alternatives":  step.Alternatives,
			"chosen_reason": step.ChosenReason,
		})
	}
	tools := make([]map[string]any, 0, len(chain.ToolsUsed))
	for _, tool := range chain.ToolsUsed {
		tools = append(tools, map[string]any{
			"name":      tool.Name,
			"purpose":   tool.Purpose,
			"succeeded": tool.Succeeded,
		})
	}
	body["steps"] = steps
	body["tools_used"] = tools
	body["risk_factors"] = chain.Risk.Factors
	body["mitigations"] = chain.Risk.Mitigations
	body["narrative"] = chain.Narrative
	return body
}
