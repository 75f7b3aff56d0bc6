package gate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dwizi/agent-gate/internal/approval"
	"github.com/dwizi/agent-gate/internal/audit"
	"github.com/dwizi/agent-gate/internal/explain"
	"github.com/dwizi/agent-gate/internal/safety"
	"github.com/dwizi/agent-gate/internal/store"
	"github.com/dwizi/agent-gate/internal/threshold"
)

type Outcome string

const (
	OutcomeExecute Outcome = "execute"
	OutcomeHold    Outcome = "hold"
	OutcomeReject  Outcome = "reject"
)

const defaultMinDecisionConfidence = 0.30

// Proposal is one candidate action a reasoning collaborator wants to take.
type Proposal struct {
	Action     string
	Confidence float64
	Context    safety.ActionContext
	Parameters map[string]any
	Rationale  string
	Tools      []explain.ToolUsage
}

// Decision is the gate's verdict plus everything that justified it.
type Decision struct {
	Outcome          Outcome
	Action           string
	Confidence       float64
	DynamicThreshold float64
	Classification   safety.Classification
	ApprovalRequest  *approval.Request
	ChainID          string
	Explanation      string
	Reasons          []string
}

// ExecutionReport feeds an observed outcome back into the learning loop.
type ExecutionReport struct {
	Action       string
	Confidence   float64
	Success      bool
	Satisfaction float64
	Feedback     string
	RequestID    string
	Observation  string
	Reasoning    string
	Complexity   float64
	Efficiency   float64
	Quality      float64
}

// EpisodeSink receives one episodic record per reported execution.
type EpisodeSink interface {
	CreateEpisode(ctx context.Context, input store.CreateEpisodeInput) (store.Episode, error)
}

type Config struct {
	MinDecisionConfidence float64
}

// Gate is the single decision path: classify, look up the dynamic threshold,
// then execute, hold for a human, or reject outright.
type Gate struct {
	cfg        Config
	classifier *safety.Classifier
	thresholds *threshold.Manager
	approvals  *approval.Workflow
	explainer  *explain.Generator
	auditLog   *audit.Logger
	episodes   EpisodeSink
	engine     rewardScorer
	logger     *slog.Logger
}

// rewardScorer mirrors the replay engine's composite blend without importing
// the replay package.
type rewardScorer struct{}

func (rewardScorer) score(report ExecutionReport) float64 {
	composite := 0.2*clamp01(report.Complexity) + 0.3*clamp01(report.Efficiency) + 0.5*clamp01(report.Quality)
	if !report.Success {
		composite *= 0.5
	}
	return composite
}

func New(
	cfg Config,
	classifier *safety.Classifier,
	thresholds *threshold.Manager,
	approvals *approval.Workflow,
	explainer *explain.Generator,
	auditLog *audit.Logger,
	episodes EpisodeSink,
	logger *slog.Logger,
) *Gate {
	if cfg.MinDecisionConfidence <= 0 {
		cfg.MinDecisionConfidence = defaultMinDecisionConfidence
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		cfg:        cfg,
		classifier: classifier,
		thresholds: thresholds,
		approvals:  approvals,
		explainer:  explainer,
		auditLog:   auditLog,
		episodes:   episodes,
		logger:     logger,
	}
}

// Decide runs one proposal through the full decision path.
func (g *Gate) Decide(ctx context.Context, proposal Proposal) (Decision, error) {
	action := strings.TrimSpace(proposal.Action)
	classification := g.classifier.Classify(action, proposal.Confidence, proposal.Context)
	dynamicThreshold := g.thresholds.GetThreshold(action)

	chain := g.explainer.Generate(action, proposal.Context, explain.Proposal{
		Action:     action,
		Parameters: proposal.Parameters,
		Confidence: proposal.Confidence,
		Rationale:  proposal.Rationale,
	}, proposal.Tools, explain.RiskAssessment{
		RiskLevel:   classification.RiskLevel,
		Factors:     classification.RiskFactors,
		Mitigations: classification.Mitigations,
	})

	decision := Decision{
		Action:           action,
		Confidence:       proposal.Confidence,
		DynamicThreshold: dynamicThreshold,
		Classification:   classification,
		ChainID:          chain.ID,
		Explanation:      chain.Narrative,
	}
	actor := audit.Actor{Type: "agent", ID: proposal.Context.Requester}
	actionRecord := audit.ActionRecord{Name: action, Category: classification.Profile.Category, Parameters: proposal.Parameters}
	reasoning := audit.Reasoning{
		Confidence:  proposal.Confidence,
		Explanation: proposal.Rationale,
		RiskFactors: classification.RiskFactors,
		Mitigations: classification.Mitigations,
	}
	security := audit.SecurityContext{
		RiskLevel:    classification.RiskLevel,
		ThresholdMet: proposal.Confidence >= dynamicThreshold,
	}

	if len(classification.RiskFactors) > 0 {
		g.auditLog.LogRiskDetection(actor, actionRecord, reasoning, security)
	}

	switch {
	case proposal.Confidence < g.cfg.MinDecisionConfidence:
		decision.Outcome = OutcomeReject
		decision.Reasons = append(decision.Reasons,
			fmt.Sprintf("confidence %.2f below decision floor %.2f", proposal.Confidence, g.cfg.MinDecisionConfidence))
		g.auditLog.LogActionExecution(actor, actionRecord, reasoning,
			audit.Outcome{Status: "rejected", Message: strings.Join(decision.Reasons, "; ")}, security)

	case classification.CanAutoExecute && proposal.Confidence >= dynamicThreshold:
		decision.Outcome = OutcomeExecute
		decision.Reasons = append(decision.Reasons,
			fmt.Sprintf("confidence %.2f clears dynamic threshold %.2f with no risk factors", proposal.Confidence, dynamicThreshold))
		g.classifier.RecordExecution(action)
		g.auditLog.LogActionExecution(actor, actionRecord, reasoning,
			audit.Outcome{Status: "authorized"}, security)

	default:
		decision.Outcome = OutcomeHold
		decision.Reasons = holdReasons(classification, proposal.Confidence, dynamicThreshold)
		// The profile may not require approval on its own; the gate holding
		// the action is what makes a human decision mandatory here.
		gated := classification
		gated.RequiresApproval = true
		request, err := g.approvals.Submit(gated, proposal.Context, proposal.Parameters, chain.Narrative)
		if err != nil {
			return decision, fmt.Errorf("hold %q for approval: %w", action, err)
		}
		decision.ApprovalRequest = &request
		security.ApprovalRequestID = request.ID
		g.auditLog.LogApprovalEvent(audit.EventApprovalRequested, actor, actionRecord, reasoning,
			audit.Outcome{Status: "pending", Message: "awaiting human decision"}, security)
	}

	g.logger.Info("gate decision",
		"action", action, "outcome", decision.Outcome, "confidence", proposal.Confidence,
		"dynamic_threshold", dynamicThreshold, "risk_level", classification.RiskLevel,
		"risk_factors", len(classification.RiskFactors), "chain_id", chain.ID)
	return decision, nil
}

// ReportExecution closes the loop after an authorized or approved action ran:
// threshold metrics, an episodic record for replay, the audit ledger and, for
// approved requests, the attached execution result.
func (g *Gate) ReportExecution(ctx context.Context, report ExecutionReport) error {
	action := strings.TrimSpace(report.Action)
	if action == "" {
		return fmt.Errorf("execution report without action")
	}

	g.thresholds.RecordExecutionResult(action, report.Confidence, report.Success, report.Satisfaction, report.Feedback)

	status := "success"
	if !report.Success {
		status = "failure"
	}
	g.auditLog.LogActionExecution(
		audit.Actor{Type: "agent"},
		audit.ActionRecord{Name: action},
		audit.Reasoning{Confidence: report.Confidence, Explanation: report.Reasoning},
		audit.Outcome{Status: status, Message: report.Feedback},
		audit.SecurityContext{ApprovalRequestID: report.RequestID},
	)

	if report.RequestID != "" {
		if _, err := g.approvals.RecordExecutionResult(report.RequestID, report.Success, status, report.Feedback); err != nil {
			g.logger.Warn("execution result not attached to approval", "request_id", report.RequestID, "error", err)
		}
	}

	if g.episodes != nil {
		if _, err := g.episodes.CreateEpisode(ctx, store.CreateEpisodeInput{
			Action:      action,
			Observation: report.Observation,
			Reasoning:   report.Reasoning,
			Confidence:  report.Confidence,
			Success:     report.Success,
			Reward:      g.engine.score(report),
			Complexity:  report.Complexity,
			Efficiency:  report.Efficiency,
			Quality:     report.Quality,
			Feedback:    report.Feedback,
		}); err != nil {
			return fmt.Errorf("persist episode for %q: %w", action, err)
		}
	}
	return nil
}

func holdReasons(classification safety.Classification, confidence, dynamicThreshold float64) []string {
	var reasons []string
	if classification.Profile.RequiresApproval {
		reasons = append(reasons, "action profile requires human approval")
	}
	if confidence < dynamicThreshold {
		reasons = append(reasons, fmt.Sprintf("confidence %.2f below dynamic threshold %.2f", confidence, dynamicThreshold))
	}
	if !classification.FrequencyAllowed {
		reasons = append(reasons, "auto-execution frequency budget exhausted")
	}
	if len(classification.RiskFactors) > 0 {
		reasons = append(reasons, fmt.Sprintf("%d risk factors found", len(classification.RiskFactors)))
	}
	if len(reasons) == 0 {
		reasons = append(reasons, "held for review")
	}
	return reasons
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
