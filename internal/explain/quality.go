package explain

import "fmt"

// QualityScore rates a chain before it is shown to a human approver.
type QualityScore struct {
	Completeness    float64
	Clarity         float64
	EvidenceDensity float64
	Overall         float64
	Suggestions     []string
}

const qualitySuggestionFloor = 0.7

// ScoreQuality is a deterministic self-check: completeness from step count,
// tool coverage and risk assessment; clarity from narrative length and
// rationale; evidence density from evidence per step.
func ScoreQuality(chain Chain) QualityScore {
	score := QualityScore{}

	stepScore := ratio(len(chain.Steps), 5)
	toolScore := 1.0
	if len(chain.ToolsUsed) > 0 {
		inferences := 0
		for _, step := range chain.Steps {
			if step.Type == StepInference {
				inferences++
			}
		}
		toolScore = ratio(inferences, len(chain.ToolsUsed))
	}
	riskScore := 0.0
	if chain.Risk.RiskLevel != "" {
		riskScore = 1.0
	}
	score.Completeness = (stepScore + toolScore + riskScore) / 3

	narrativeScore := ratio(len(chain.Narrative), 200)
	rationaleScore := 0.0
	if chain.Decision.Rationale != "" {
		rationaleScore = 1.0
	}
	score.Clarity = (narrativeScore + rationaleScore) / 2

	if len(chain.Steps) > 0 {
		evidence := 0
		for _, step := range chain.Steps {
			evidence += len(step.Evidence)
		}
		perStep := float64(evidence) / float64(len(chain.Steps))
		score.EvidenceDensity = perStep / 2
		if score.EvidenceDensity > 1 {
			score.EvidenceDensity = 1
		}
	}

	score.Overall = (score.Completeness + score.Clarity + score.EvidenceDensity) / 3

	if score.Completeness < qualitySuggestionFloor {
		score.Suggestions = append(score.Suggestions, "document every reasoning stage including tool consultations and the risk assessment")
	}
	if score.Clarity < qualitySuggestionFloor {
		score.Suggestions = append(score.Suggestions, "expand the narrative and state the decision rationale explicitly")
	}
	if score.EvidenceDensity < qualitySuggestionFloor {
		score.Suggestions = append(score.Suggestions, fmt.Sprintf("attach more supporting evidence (currently %.2f per two steps)", score.EvidenceDensity*2))
	}
	return score
}

func ratio(have, want int) float64 {
	if want <= 0 || have >= want {
		return 1
	}
	if have <= 0 {
		return 0
	}
	return float64(have) / float64(want)
}
