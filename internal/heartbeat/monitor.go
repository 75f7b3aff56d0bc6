package heartbeat

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// Transition captures one observed component state change.
type Transition struct {
	Component string `json:"component"`
	FromState string `json:"from_state"`
	ToState   string `json:"to_state"`
	Message   string `json:"message,omitempty"`
	Error     string `json:"error,omitempty"`
}

type MonitorConfig struct {
	Interval     time.Duration
	StaleAfter   time.Duration
	Logger       *slog.Logger
	OnTransition func(context.Context, Transition, Snapshot)
}

// Monitor periodically snapshots the registry and reports state transitions,
// so a component going degraded or stale surfaces even when nothing polls
// the health endpoints.
type Monitor struct {
	registry     *Registry
	interval     time.Duration
	staleAfter   time.Duration
	logger       *slog.Logger
	onTransition func(context.Context, Transition, Snapshot)
}

func NewMonitor(registry *Registry, cfg MonitorConfig) *Monitor {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		registry:     registry,
		interval:     interval,
		staleAfter:   cfg.StaleAfter,
		logger:       logger,
		onTransition: cfg.OnTransition,
	}
}

func (m *Monitor) Start(ctx context.Context) error {
	if m.registry == nil {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.logger.Info("heartbeat monitor started", "interval", m.interval.String(), "stale_after", m.staleAfter.String())

	previous := map[string]string{}
	for {
		snapshot := m.registry.Snapshot(m.staleAfter)
		m.checkTransitions(ctx, snapshot, previous)
		select {
		case <-ctx.Done():
			m.logger.Info("heartbeat monitor stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (m *Monitor) checkTransitions(ctx context.Context, snapshot Snapshot, previous map[string]string) {
	for _, item := range snapshot.Components {
		if item.Name == "" || item.State == "" {
			continue
		}
		before, seen := previous[item.Name]
		previous[item.Name] = item.State
		if !seen || before == item.State {
			continue
		}
		level := slog.LevelInfo
		if item.State == StateDegraded || item.State == StateStale {
			level = slog.LevelWarn
		}
		m.logger.Log(ctx, level, "component state change",
			"component", item.Name, "from", before, "to", item.State,
			"message", item.Message, "error", item.Error)
		if m.onTransition != nil {
			m.onTransition(ctx, Transition{
				Component: item.Name,
				FromState: before,
				ToState:   item.State,
				Message:   strings.TrimSpace(item.Message),
				Error:     strings.TrimSpace(item.Error),
			}, snapshot)
		}
	}
}
