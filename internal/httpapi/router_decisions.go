package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/dwizi/agent-gate/internal/approval"
	"github.com/dwizi/agent-gate/internal/explain"
	"github.com/dwizi/agent-gate/internal/gate"
	"github.com/dwizi/agent-gate/internal/safety"
)

type decisionRequest struct {
	Action       string         `json:"action"`
	Confidence   float64        `json:"confidence"`
	Requester    string         `json:"requester"`
	Participants []string       `json:"participants,omitempty"`
	Urgent       bool           `json:"urgent"`
	BatchSize    int            `json:"batch_size,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Rationale    string         `json:"rationale,omitempty"`
	Tools        []toolUsage    `json:"tools,omitempty"`
}

type toolUsage struct {
	Name      string `json:"name"`
	Purpose   string `json:"purpose,omitempty"`
	Succeeded bool   `json:"succeeded"`
}

func (r *router) handleDecisions(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var payload decisionRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	if strings.TrimSpace(payload.Action) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "action is required"})
		return
	}
	if payload.Confidence < 0 || payload.Confidence > 1 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "confidence must be within [0, 1]"})
		return
	}

	tools := make([]explain.ToolUsage, 0, len(payload.Tools))
	for _, tool := range payload.Tools {
		tools = append(tools, explain.ToolUsage{Name: tool.Name, Purpose: tool.Purpose, Succeeded: tool.Succeeded})
	}

	decision, err := r.deps.Gate.Decide(req.Context(), gate.Proposal{
		Action:     payload.Action,
		Confidence: payload.Confidence,
		Context: safety.ActionContext{
			Requester:    payload.Requester,
			Participants: payload.Participants,
			Urgent:       payload.Urgent,
			BatchSize:    payload.BatchSize,
			Parameters:   payload.Parameters,
		},
		Parameters: payload.Parameters,
		Rationale:  payload.Rationale,
		Tools:      tools,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	body := map[string]any{
		"outcome":           decision.Outcome,
		"action":            decision.Action,
		"confidence":        decision.Confidence,
		"dynamic_threshold": decision.DynamicThreshold,
		"risk_level":        decision.Classification.RiskLevel,
		"risk_factors":      decision.Classification.RiskFactors,
		"mitigations":       decision.Classification.Mitigations,
		"chain_id":          decision.ChainID,
		"explanation":       decision.Explanation,
		"reasons":           decision.Reasons,
	}
	if decision.ApprovalRequest != nil {
		body["approval_request"] = approvalToMap(*decision.ApprovalRequest)
	}
	writeJSON(w, http.StatusOK, body)
}

type executionRequest struct {
	Action       string  `json:"action"`
	Confidence   float64 `json:"confidence"`
	Success      bool    `json:"success"`
	Satisfaction float64 `json:"satisfaction,omitempty"`
	Feedback     string  `json:"feedback,omitempty"`
	RequestID    string  `json:"request_id,omitempty"`
	Observation  string  `json:"observation,omitempty"`
	Reasoning    string  `json:"reasoning,omitempty"`
	Complexity   float64 `json:"complexity"`
	Efficiency   float64 `json:"efficiency"`
	Quality      float64 `json:"quality"`
}

func (r *router) handleExecutions(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var payload executionRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	if strings.TrimSpace(payload.Action) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "action is required"})
		return
	}

	if err := r.deps.Gate.ReportExecution(req.Context(), gate.ExecutionReport{
		Action:       payload.Action,
		Confidence:   payload.Confidence,
		Success:      payload.Success,
		Satisfaction: payload.Satisfaction,
		Feedback:     payload.Feedback,
		RequestID:    payload.RequestID,
		Observation:  payload.Observation,
		Reasoning:    payload.Reasoning,
		Complexity:   payload.Complexity,
		Efficiency:   payload.Efficiency,
		Quality:      payload.Quality,
	}); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

func approvalToMap(request approval.Request) map[string]any {
	body := map[string]any{
		"id":                request.ID,
		"action":            request.Action,
		"confidence":        request.Confidence,
		"risk_level":        request.Profile.RiskLevel,
		"risk_factors":      request.RiskFactors,
		"requester":         request.Requester,
		"urgency":           request.Urgency,
		"status":            request.Status,
		"submitted_at_unix": request.SubmittedAt.Unix(),
		"expires_at_unix":   request.ExpiresAt.Unix(),
		"escalated":         request.Escalated,
	}
	if request.Approver != "" {
		body["approver"] = request.Approver
		body["decided_at_unix"] = request.DecidedAt.Unix()
	}
	if request.Comments != "" {
		body["comments"] = request.Comments
	}
	if request.RejectionReason != "" {
		body["rejection_reason"] = request.RejectionReason
	}
	if request.Execution != nil {
		body["execution"] = map[string]any{
			"success":          request.Execution.Success,
			"message":          request.Execution.Message,
			"feedback":         request.Execution.Feedback,
			"recorded_at_unix": request.Execution.RecordedAt.Unix(),
		}
	}
	return body
}
