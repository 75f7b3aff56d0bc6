package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dwizi/agent-gate/internal/audit"
	"github.com/dwizi/agent-gate/internal/safety"
)

func (r *router) handleAuditSearch(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	query := req.URL.Query()
	filter := audit.Filter{
		EventType: audit.EventType(strings.TrimSpace(query.Get("event_type"))),
		Severity:  audit.Severity(strings.TrimSpace(query.Get("severity"))),
		ActorID:   strings.TrimSpace(query.Get("actor_id")),
		Action:    strings.TrimSpace(query.Get("action")),
		RiskLevel: safety.RiskLevel(strings.TrimSpace(query.Get("risk_level"))),
	}
	if raw := strings.TrimSpace(query.Get("from_unix")); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			filter.From = time.Unix(parsed, 0).UTC()
		}
	}
	if raw := strings.TrimSpace(query.Get("to_unix")); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			filter.To = time.Unix(parsed, 0).UTC()
		}
	}
	if raw := strings.TrimSpace(query.Get("min_confidence")); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil {
			filter.MinConfidence = parsed
		}
	}
	if raw := strings.TrimSpace(query.Get("max_confidence")); raw != "" {
		if parsed, err := strconv.ParseFloat(raw, 64); err == nil {
			filter.MaxConfidence = parsed
		}
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			filter.Limit = parsed
		}
	}

	entries := r.deps.AuditLog.Search(filter)
	items := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		items = append(items, entryToMap(entry))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	})
}

func (r *router) handleAuditReport(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	query := req.URL.Query()
	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	if raw := strings.TrimSpace(query.Get("from_unix")); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			from = time.Unix(parsed, 0).UTC()
		}
	}
	if raw := strings.TrimSpace(query.Get("to_unix")); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			to = time.Unix(parsed, 0).UTC()
		}
	}

	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(r.deps.AuditLog.Report(from, to)))
}

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleAuditStream pushes audit entries to the client as they are appended.
func (r *router) handleAuditStream(w http.ResponseWriter, req *http.Request) {
	conn, err := streamUpgrader.Upgrade(w, req, nil)
	if err != nil {
		r.deps.Logger.Error("audit stream upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	entries, cancel := r.deps.AuditLog.Subscribe(64)
	defer cancel()

	// Drain client frames so close and ping control messages are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				cancel()
				return
			}
		}
	}()

	for {
		select {
		case <-req.Context().Done():
			return
		case entry, ok := <-entries:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(entryToMap(entry)); err != nil {
				return
			}
		}
	}
}

func (r *router) handleExplanations(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	if id := strings.TrimSpace(req.URL.Query().Get("id")); id != "" {
		chain, ok := r.deps.Explainer.Chain(id)
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "explanation chain not found"})
			return
		}
		writeJSON(w, http.StatusOK, chainToMap(chain, true))
		return
	}

	limit := 20
	if raw := strings.TrimSpace(req.URL.Query().Get("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	chains := r.deps.Explainer.History(limit)
	items := make([]map[string]any, 0, len(chains))
	for _, chain := range chains {
		items = append(items, chainToMap(chain, false))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"count": len(items),
	})
}

func entryToMap(entry audit.Entry) map[string]any {
	return map[string]any{
		"id":             entry.ID,
		"timestamp_unix": entry.Timestamp.Unix(),
		"event_type":     entry.EventType,
		"severity":       entry.Severity,
		"actor": map[string]any{
			"type":       entry.Actor.Type,
			"id":         entry.Actor.ID,
			"role":       entry.Actor.Role,
			"session_id": entry.Actor.SessionID,
		},
		"action": map[string]any{
			"name":       entry.Action.Name,
			"category":   entry.Action.Category,
			"parameters": entry.Action.Parameters,
		},
		"reasoning": map[string]any{
			"confidence":   entry.Reasoning.Confidence,
			"explanation":  entry.Reasoning.Explanation,
			"risk_factors": entry.Reasoning.RiskFactors,
			"mitigations":  entry.Reasoning.Mitigations,
		},
		"environment": entry.Environment,
		"outcome": map[string]any{
			"status":  entry.Outcome.Status,
			"message": entry.Outcome.Message,
		},
		"security": map[string]any{
			"risk_level":          entry.Security.RiskLevel,
			"approval_request_id": entry.Security.ApprovalRequestID,
			"threshold_met":       entry.Security.ThresholdMet,
		},
		"compliance": map[string]any{
			"retention_days":      entry.Compliance.RetentionDays,
			"data_classification": entry.Compliance.DataClassification,
		},
	}
}
