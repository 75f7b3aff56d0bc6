package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/dwizi/agent-gate/internal/gateerr"
)

func (r *router) handleApprovalsList(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	role := strings.TrimSpace(req.URL.Query().Get("role"))
	includeHistory := false
	if raw := strings.ToLower(strings.TrimSpace(req.URL.Query().Get("include_history"))); raw == "true" || raw == "1" || raw == "yes" {
		includeHistory = true
	}
	limit := 50
	if raw := strings.TrimSpace(req.URL.Query().Get("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	pending := r.deps.Approvals.Pending(role)
	items := make([]map[string]any, 0, len(pending))
	for _, request := range pending {
		items = append(items, approvalToMap(request))
	}
	body := map[string]any{
		"items": items,
		"count": len(items),
	}
	if includeHistory {
		history := r.deps.Approvals.History(limit)
		completed := make([]map[string]any, 0, len(history))
		for _, request := range history {
			completed = append(completed, approvalToMap(request))
		}
		body["history"] = completed
	}
	writeJSON(w, http.StatusOK, body)
}

type decideApprovalRequest struct {
	RequestID string `json:"request_id"`
	Approver  string `json:"approver"`
	Approved  bool   `json:"approved"`
	Comments  string `json:"comments,omitempty"`
}

func (r *router) handleApprovalsDecide(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var payload decideApprovalRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	if strings.TrimSpace(payload.RequestID) == "" || strings.TrimSpace(payload.Approver) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "request_id and approver are required"})
		return
	}

	request, err := r.deps.Approvals.Decide(payload.RequestID, payload.Approver, payload.Approved, payload.Comments)
	if err != nil {
		writeJSON(w, approvalErrorStatus(err), map[string]string{"error": err.Error()})
		return
	}
	if !payload.Approved && r.deps.Thresholds != nil {
		// A human veto is threshold feedback: enough of them push the
		// action's dynamic threshold back up.
		r.deps.Thresholds.RecordUserRejection(request.Action, request.Confidence, request.RejectionReason)
	}
	writeJSON(w, http.StatusOK, approvalToMap(request))
}

type cancelApprovalRequest struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason,omitempty"`
}

func (r *router) handleApprovalsCancel(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var payload cancelApprovalRequest
	if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	if strings.TrimSpace(payload.RequestID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "request_id is required"})
		return
	}

	request, err := r.deps.Approvals.Cancel(payload.RequestID, payload.Reason)
	if err != nil {
		writeJSON(w, approvalErrorStatus(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, approvalToMap(request))
}

func approvalErrorStatus(err error) int {
	switch {
	case errors.Is(err, gateerr.ErrRequestNotFound):
		return http.StatusNotFound
	case errors.Is(err, gateerr.ErrRequestNotPending):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}
