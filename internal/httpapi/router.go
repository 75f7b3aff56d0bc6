package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/dwizi/agent-gate/internal/approval"
	"github.com/dwizi/agent-gate/internal/audit"
	"github.com/dwizi/agent-gate/internal/config"
	"github.com/dwizi/agent-gate/internal/explain"
	"github.com/dwizi/agent-gate/internal/gate"
	"github.com/dwizi/agent-gate/internal/heartbeat"
	"github.com/dwizi/agent-gate/internal/replay"
	"github.com/dwizi/agent-gate/internal/safety"
	"github.com/dwizi/agent-gate/internal/threshold"
)

// ReplayRunner triggers one replay pass on demand.
type ReplayRunner interface {
	Run(ctx context.Context) (replay.Result, error)
}

type Dependencies struct {
	Config     config.Config
	Gate       *gate.Gate
	Classifier *safety.Classifier
	Thresholds *threshold.Manager
	Approvals  *approval.Workflow
	Explainer  *explain.Generator
	AuditLog   *audit.Logger
	Replay     ReplayRunner
	Heartbeat  *heartbeat.Registry
	Logger     *slog.Logger
}

type router struct {
	deps Dependencies
}

func NewRouter(dependencies Dependencies) http.Handler {
	if dependencies.Logger == nil {
		dependencies.Logger = slog.Default()
	}
	rt := &router{deps: dependencies}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", rt.handleHealth)
	mux.HandleFunc("/readyz", rt.handleReady)
	mux.HandleFunc("/api/v1/info", rt.handleInfo)
	mux.HandleFunc("/api/v1/decisions", rt.handleDecisions)
	mux.HandleFunc("/api/v1/executions", rt.handleExecutions)
	mux.HandleFunc("/api/v1/approvals", rt.handleApprovalsList)
	mux.HandleFunc("/api/v1/approvals/decide", rt.handleApprovalsDecide)
	mux.HandleFunc("/api/v1/approvals/cancel", rt.handleApprovalsCancel)
	mux.HandleFunc("/api/v1/audit", rt.handleAuditSearch)
	mux.HandleFunc("/api/v1/audit/report", rt.handleAuditReport)
	mux.HandleFunc("/api/v1/audit/stream", rt.handleAuditStream)
	mux.HandleFunc("/api/v1/explanations", rt.handleExplanations)
	mux.HandleFunc("/api/v1/replay/run", rt.handleReplayRun)
	return mux
}

func (r *router) handleHealth(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *router) handleReady(w http.ResponseWriter, req *http.Request) {
	if r.deps.Heartbeat == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	staleAfter := time.Duration(r.deps.Config.HeartbeatStaleSec) * time.Second
	snapshot := r.deps.Heartbeat.Snapshot(staleAfter)
	if !snapshot.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not-ready", "health": snapshot})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "health": snapshot})
}

func (r *router) handleInfo(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":            "agent-gate",
		"environment":     r.deps.Config.Environment,
		"replay_enabled":  r.deps.Config.ReplayEnabled,
		"replay_schedule": r.deps.Config.ReplaySchedule,
		"actions":         len(r.deps.Classifier.Profiles()),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
