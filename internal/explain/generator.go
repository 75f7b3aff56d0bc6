package explain

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dwizi/agent-gate/internal/safety"
)

type StepType string

const (
	StepObservation StepType = "observation"
	StepAnalysis    StepType = "analysis"
	StepInference   StepType = "inference"
	StepDecision    StepType = "decision"
	StepValidation  StepType = "validation"
)

type ReasoningStep struct {
	Index        int
	Type         StepType
	Description  string
	Evidence     []string
	Confidence   float64
	Alternatives []string
	ChosenReason string
}

// Proposal is what the reasoning collaborator put forward.
type Proposal struct {
	Action     string
	Parameters map[string]any
	Confidence float64
	Rationale  string
}

type ToolUsage struct {
	Name      string
	Purpose   string
	Succeeded bool
}

type RiskAssessment struct {
	RiskLevel   safety.RiskLevel
	Factors     []string
	Mitigations []string
}

type FinalDecision struct {
	Action     string
	Parameters map[string]any
	Confidence float64
	Rationale  string
}

// Chain is one replayable record of how a decision was justified. It is
// created once and never mutated.
type Chain struct {
	ID          string
	Action      string
	GeneratedAt time.Time
	Context     safety.ActionContext
	Steps       []ReasoningStep
	Decision    FinalDecision
	Risk        RiskAssessment
	ToolsUsed   []ToolUsage
	Narrative   string
}

// Generator assembles explanation chains and keeps a bounded
// most-recent-first history for later lookup.
type Generator struct {
	logger     *slog.Logger
	maxHistory int
	now        func() time.Time

	mu      sync.Mutex
	history []Chain
}

func NewGenerator(maxHistory int, logger *slog.Logger) *Generator {
	if maxHistory < 1 {
		maxHistory = 200
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		logger:     logger,
		maxHistory: maxHistory,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the clock, for tests.
func (g *Generator) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

// Generate builds the fixed observation, analysis, per-tool inference,
// decision, validation sequence and renders the narrative.
func (g *Generator) Generate(action string, context safety.ActionContext, proposal Proposal, toolsUsed []ToolUsage, risk RiskAssessment) Chain {
	g.mu.Lock()
	now := g.now()
	g.mu.Unlock()

	chain := Chain{
		ID:          "chain_" + uuid.NewString(),
		Action:      strings.TrimSpace(action),
		GeneratedAt: now,
		Context:     context,
		Risk:        risk,
		ToolsUsed:   toolsUsed,
		Decision: FinalDecision{
			Action:     strings.TrimSpace(action),
			Parameters: proposal.Parameters,
			Confidence: proposal.Confidence,
			Rationale:  strings.TrimSpace(proposal.Rationale),
		},
	}
	chain.Steps = buildSteps(chain.Action, context, proposal, toolsUsed, risk)
	chain.Narrative = renderNarrative(chain)

	g.mu.Lock()
	g.history = append([]Chain{chain}, g.history...)
	if len(g.history) > g.maxHistory {
		g.history = g.history[:g.maxHistory]
	}
	g.mu.Unlock()

	g.logger.Debug("explanation chain generated", "chain_id", chain.ID, "action", chain.Action, "steps", len(chain.Steps))
	return chain
}

// Chain looks a chain up by id.
func (g *Generator) Chain(id string) (Chain, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, chain := range g.history {
		if chain.ID == id {
			return chain, true
		}
	}
	return Chain{}, false
}

// History returns up to limit chains, most recent first.
func (g *Generator) History(limit int) []Chain {
	g.mu.Lock()
	defer g.mu.Unlock()
	if limit < 1 || limit > len(g.history) {
		limit = len(g.history)
	}
	result := make([]Chain, limit)
	copy(result, g.history[:limit])
	return result
}

func buildSteps(action string, context safety.ActionContext, proposal Proposal, toolsUsed []ToolUsage, risk RiskAssessment) []ReasoningStep {
	steps := make([]ReasoningStep, 0, len(toolsUsed)+4)

	observation := ReasoningStep{
		Type:        StepObservation,
		Description: fmt.Sprintf("Observed a proposal to run %q.", action),
		Confidence:  0.95,
		Evidence: []string{
			fmt.Sprintf("requester: %s", orUnknown(context.Requester)),
			fmt.Sprintf("participants: %d", len(context.Participants)),
			fmt.Sprintf("batch size: %d", context.BatchSize),
			fmt.Sprintf("urgent: %t", context.Urgent),
		},
	}
	steps = append(steps, observation)

	analysis := ReasoningStep{
		Type:        StepAnalysis,
		Description: fmt.Sprintf("Assessed %q as %s risk.", action, risk.RiskLevel),
		Confidence:  0.85,
		Evidence:    append([]string{}, risk.Factors...),
	}
	if len(analysis.Evidence) == 0 {
		analysis.Evidence = []string{"no risk factors found"}
	}
	steps = append(steps, analysis)

	for _, tool := range toolsUsed {
		confidence := 0.9
		outcome := "succeeded"
		if !tool.Succeeded {
			confidence = 0.5
			outcome = "failed"
		}
		steps = append(steps, ReasoningStep{
			Type:        StepInference,
			Description: fmt.Sprintf("Consulted tool %q: %s.", tool.Name, orUnknown(tool.Purpose)),
			Confidence:  confidence,
			Evidence:    []string{fmt.Sprintf("tool call %s", outcome)},
		})
	}

	decision := ReasoningStep{
		Type:         StepDecision,
		Description:  fmt.Sprintf("Proposed executing %q with confidence %.2f.", action, proposal.Confidence),
		Confidence:   proposal.Confidence,
		Alternatives: []string{"defer to human approval", "reject the proposal"},
		ChosenReason: chosenReason(proposal.Confidence),
	}
	if rationale := strings.TrimSpace(proposal.Rationale); rationale != "" {
		decision.Evidence = []string{rationale}
	}
	steps = append(steps, decision)

	validation := ReasoningStep{
		Type:        StepValidation,
		Description: "Validated the decision against the safety profile and mitigation strategies.",
		Confidence:  0.9,
		Evidence:    append([]string{}, risk.Mitigations...),
	}
	if len(validation.Evidence) == 0 {
		validation.Evidence = []string{"no mitigations required"}
	}
	steps = append(steps, validation)

	for index := range steps {
		steps[index].Index = index + 1
	}
	return steps
}

func chosenReason(confidence float64) string {
	switch {
	case confidence >= 0.8:
		return "high confidence supports execution"
	case confidence >= 0.6:
		return "moderate confidence; monitor after execution"
	default:
		return "low confidence; seek manual confirmation"
	}
}

func renderNarrative(chain Chain) string {
	var builder strings.Builder

	builder.WriteString(fmt.Sprintf("## Decision Explanation: %s\n\n", chain.Action))
	builder.WriteString(fmt.Sprintf("Generated at %s for requester %s.\n\n",
		chain.GeneratedAt.Format(time.RFC3339), orUnknown(chain.Context.Requester)))

	builder.WriteString("### Reasoning Steps\n\n")
	for _, step := range chain.Steps {
		builder.WriteString(fmt.Sprintf("%d. **%s** (confidence %.2f): %s\n", step.Index, step.Type, step.Confidence, step.Description))
		for _, evidence := range step.Evidence {
			builder.WriteString(fmt.Sprintf("   - %s\n", evidence))
		}
		if step.ChosenReason != "" {
			builder.WriteString(fmt.Sprintf("   - chosen because: %s\n", step.ChosenReason))
		}
	}

	builder.WriteString("\n### Final Decision\n\n")
	builder.WriteString(fmt.Sprintf("Action `%s` at confidence %.2f.\n", chain.Decision.Action, chain.Decision.Confidence))
	if chain.Decision.Rationale != "" {
		builder.WriteString(fmt.Sprintf("Rationale: %s\n", chain.Decision.Rationale))
	}

	builder.WriteString("\n### Risk Assessment\n\n")
	builder.WriteString(fmt.Sprintf("Risk level: %s.\n", chain.Risk.RiskLevel))
	for _, factor := range chain.Risk.Factors {
		builder.WriteString(fmt.Sprintf("- factor: %s\n", factor))
	}
	for _, mitigation := range chain.Risk.Mitigations {
		builder.WriteString(fmt.Sprintf("- mitigation: %s\n", mitigation))
	}

	return builder.String()
}

func orUnknown(value string) string {
	if value = strings.TrimSpace(value); value == "" {
		return "unknown"
	}
	return value
}
