package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/dwizi/agent-gate/internal/approval"
	"github.com/dwizi/agent-gate/internal/audit"
	"github.com/dwizi/agent-gate/internal/config"
	"github.com/dwizi/agent-gate/internal/explain"
	"github.com/dwizi/agent-gate/internal/gate"
	"github.com/dwizi/agent-gate/internal/heartbeat"
	"github.com/dwizi/agent-gate/internal/httpapi"
	"github.com/dwizi/agent-gate/internal/notify"
	"github.com/dwizi/agent-gate/internal/replay"
	"github.com/dwizi/agent-gate/internal/safety"
	"github.com/dwizi/agent-gate/internal/store"
	"github.com/dwizi/agent-gate/internal/threshold"
	"github.com/dwizi/agent-gate/internal/watcher"
)

// Runtime owns every component of the gate service and their lifecycles.
type Runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	store      *store.Store
	classifier *safety.Classifier
	thresholds *threshold.Manager
	approvals  *approval.Workflow
	explainer  *explain.Generator
	auditLog   *audit.Logger
	dispatcher *notify.Dispatcher
	gate       *gate.Gate
	replayJob  *replay.Job
	replaySch  *replay.Scheduler
	policy     *watcher.Service
	httpServer *http.Server

	heartbeat        *heartbeat.Registry
	heartbeatMonitor *heartbeat.Monitor
}

func New(cfg config.Config, logger *slog.Logger) (*Runtime, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	sqlStore, err := store.New(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := sqlStore.AutoMigrate(context.Background()); err != nil {
		sqlStore.Close()
		return nil, err
	}

	var notifiers []notify.Notifier
	if cfg.NotifyWebhookURL != "" {
		webhookNotifier, err := notify.NewWebhookNotifier(cfg.NotifyWebhookURL, time.Duration(cfg.NotifyWebhookSecs)*time.Second)
		if err != nil {
			sqlStore.Close()
			return nil, fmt.Errorf("notify webhook: %w", err)
		}
		notifiers = append(notifiers, webhookNotifier)
	}
	dispatcher := notify.NewDispatcher(cfg.NotifyQueueSize, logger.With("component", "notify"), notifiers...)
	auditLog := audit.NewLogger(audit.Config{
		MaxEntries:    cfg.AuditMaxEntries,
		RetentionDays: cfg.AuditRetentionDays,
		SweepInterval: time.Duration(cfg.AuditSweepHours) * time.Hour,
	}, newDispatchAlerter(dispatcher, logger), sqlStore, logger.With("component", "audit"))

	classifier := safety.NewClassifier(safety.Config{
		TrustedDomain:      cfg.TrustedDomain,
		BusinessHoursStart: cfg.BusinessHoursStart,
		BusinessHoursEnd:   cfg.BusinessHoursEnd,
		FrequencyWindow:    time.Duration(cfg.FrequencyWindowSec) * time.Second,
	}, logger.With("component", "classifier"))

	thresholds := threshold.NewManager(logger.With("component", "thresholds"))
	thresholds.SeedFromProfiles(classifier.Profiles())

	approvals := approval.NewWorkflow(approval.Config{
		MaxCompleted:  cfg.ApprovalMaxCompleted,
		SweepInterval: time.Duration(cfg.ApprovalSweepSec) * time.Second,
	}, dispatcher, sqlStore, logger.With("component", "approvals"))
	approvals.SetDefaultPolicy(approval.Policy{
		ApproverRoles:      cfg.ApproverRoles(),
		MaxWait:            time.Duration(cfg.DefaultMaxWaitMin) * time.Minute,
		AutoRejectOnExpiry: cfg.AutoRejectOnExpiry,
	})

	explainer := explain.NewGenerator(cfg.ExplanationHistory, logger.With("component", "explain"))

	gateway := gate.New(gate.Config{
		MinDecisionConfidence: cfg.MinDecisionConfidence,
	}, classifier, thresholds, approvals, explainer, auditLog, sqlStore, logger.With("component", "gate"))

	runtime := &Runtime{
		cfg:        cfg,
		logger:     logger,
		store:      sqlStore,
		classifier: classifier,
		thresholds: thresholds,
		approvals:  approvals,
		explainer:  explainer,
		auditLog:   auditLog,
		dispatcher: dispatcher,
		gate:       gateway,
	}

	if cfg.ReplayEnabled {
		runtime.replayJob = replay.NewJob(replay.Config{
			LearningRate: cfg.ReplayLearningRate,
			BatchLimit:   cfg.ReplayBatchLimit,
			Lookback:     time.Duration(cfg.ReplayLookbackHrs) * time.Hour,
		}, sqlStore, sqlStore, thresholds, auditLog, logger.With("component", "replay"))
		scheduler, err := replay.NewScheduler(runtime.replayJob, cfg.ReplaySchedule)
		if err != nil {
			sqlStore.Close()
			return nil, fmt.Errorf("replay schedule: %w", err)
		}
		runtime.replaySch = scheduler
	}

	if cfg.PolicyFile != "" {
		loader := watcher.NewLoader(classifier, approvals, thresholds, auditLog, logger.With("component", "policy"))
		if _, err := os.Stat(cfg.PolicyFile); err == nil {
			if _, err := loader.Load(cfg.PolicyFile); err != nil {
				logger.Error("initial policy load failed", "path", cfg.PolicyFile, "error", err)
			}
		}
		policyWatcher, err := watcher.New(cfg.PolicyFile, loader, logger.With("component", "policy-watcher"))
		if err != nil {
			sqlStore.Close()
			return nil, err
		}
		runtime.policy = policyWatcher
	}

	if cfg.HeartbeatEnabled {
		runtime.heartbeat = heartbeat.NewRegistry()
		runtime.heartbeatMonitor = heartbeat.NewMonitor(runtime.heartbeat, heartbeat.MonitorConfig{
			Interval:     time.Duration(cfg.HeartbeatIntervalSec) * time.Second,
			StaleAfter:   time.Duration(cfg.HeartbeatStaleSec) * time.Second,
			Logger:       logger.With("component", "heartbeat"),
			OnTransition: runtime.auditHeartbeatTransition,
		})
	}

	var replayRunner httpapi.ReplayRunner
	if runtime.replayJob != nil {
		replayRunner = runtime.replayJob
	}
	handler := httpapi.NewRouter(httpapi.Dependencies{
		Config:     cfg,
		Gate:       gateway,
		Classifier: classifier,
		Thresholds: thresholds,
		Approvals:  approvals,
		Explainer:  explainer,
		AuditLog:   auditLog,
		Replay:     replayRunner,
		Heartbeat:  runtime.heartbeat,
		Logger:     logger.With("component", "api"),
	})
	runtime.httpServer = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return runtime, nil
}

// auditHeartbeatTransition records component failures in the security ledger,
// so a silently dying sweeper shows up in the same place as risky actions.
func (r *Runtime) auditHeartbeatTransition(_ context.Context, transition heartbeat.Transition, _ heartbeat.Snapshot) {
	if transition.ToState != heartbeat.StateDegraded && transition.ToState != heartbeat.StateStale {
		return
	}
	r.auditLog.LogSecurityEvent(
		audit.EventRiskDetected,
		audit.SeverityWarning,
		audit.Actor{Type: "system", ID: transition.Component},
		audit.ActionRecord{Name: "component_degraded"},
		audit.Reasoning{Explanation: transition.Message},
		audit.Outcome{Status: transition.ToState, Message: transition.Error},
		audit.SecurityContext{},
		nil,
	)
}

func (r *Runtime) Close() error {
	if r.store == nil {
		return nil
	}
	return r.store.Close()
}
