package threshold

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dwizi/agent-gate/internal/gateerr"
	"github.com/dwizi/agent-gate/internal/safety"
)

const (
	DefaultThreshold = 0.8

	recommendedFloor   = 0.10
	recommendedCeiling = 0.98

	minExecutionsForAdjustment = 10
	maxAdjustmentsPerDay       = 3
	trendingWindowSize         = 10

	ReasonLowSuccessRate     = "low_success_rate_detected"
	ReasonHighRejectionRate  = "high_user_rejection_rate"
	ReasonLowSatisfaction    = "low_user_satisfaction"
	ReasonPerformance        = "performance_optimization"
	ReasonEmergency          = "emergency"
	ReasonManualOverride     = "manual_override"
	ReasonBaselineReset      = "baseline_reset"
	ReasonProfileReseed      = "profile_reseed"
	ReasonReplayOptimization = "replay_optimization"
)

// Configuration is the per-action dynamic threshold state. CurrentThreshold
// always stays inside [MinThreshold, MaxThreshold].
type Configuration struct {
	Action                string
	BaseThreshold         float64
	CurrentThreshold      float64
	MinThreshold          float64
	MaxThreshold          float64
	AdjustmentSensitivity float64
	LastAdjustedAt        time.Time
	AdjustmentCount       int
	RiskLevel             safety.RiskLevel
}

// Metrics accumulates recorded outcomes for one action. It is only mutated by
// RecordExecutionResult and RecordUserRejection.
type Metrics struct {
	Action               string
	TotalExecutions      int
	Succeeded            int
	Failed               int
	UserRejections       int
	SatisfactionSum      float64
	SatisfactionCount    int
	LastSuccessRate      float64
	TrendingSuccessRate  float64
	RecommendedThreshold float64

	recentOutcomes []bool
}

func (m Metrics) MeanSatisfaction() float64 {
	if m.SatisfactionCount == 0 {
		return 0
	}
	return m.SatisfactionSum / float64(m.SatisfactionCount)
}

func (m Metrics) RejectionRate() float64 {
	if m.TotalExecutions == 0 {
		return 0
	}
	return float64(m.UserRejections) / float64(m.TotalExecutions)
}

// Adjustment is one immutable history entry.
type Adjustment struct {
	Action string
	From   float64
	To     float64
	Reason string
	At     time.Time
}

type adjustmentWindow struct {
	day   string
	count int
}

// Manager owns the dynamic confidence thresholds and the per-action
// performance metrics that drive them.
type Manager struct {
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	configs    map[string]*Configuration
	metrics    map[string]*Metrics
	history    []Adjustment
	dayWindows map[string]*adjustmentWindow
}

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		configs:    map[string]*Configuration{},
		metrics:    map[string]*Metrics{},
		dayWindows: map[string]*adjustmentWindow{},
	}
}

// SetClock overrides the clock, for tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// SeedFromProfiles registers a configuration per safety profile, deriving
// bounds from the profile's risk level.
func (m *Manager) SeedFromProfiles(profiles []safety.Profile) {
	for _, profile := range profiles {
		minBound, maxBound := boundsForRisk(profile.RiskLevel)
		m.Register(Configuration{
			Action:                profile.Action,
			BaseThreshold:         profile.ConfidenceThreshold,
			CurrentThreshold:      profile.ConfidenceThreshold,
			MinThreshold:          minBound,
			MaxThreshold:          maxBound,
			AdjustmentSensitivity: 0.05,
			RiskLevel:             profile.RiskLevel,
		})
	}
}

// ReseedProfile refreshes an action's baseline and bounds from its safety
// profile. A learned threshold survives as long as the new bounds still
// contain it; otherwise it is clamped through the history-recording
// adjustment path.
func (m *Manager) ReseedProfile(profile safety.Profile) {
	action := strings.TrimSpace(profile.Action)
	if action == "" {
		return
	}
	m.mu.Lock()
	cfg, ok := m.configs[action]
	if !ok {
		m.mu.Unlock()
		m.SeedFromProfiles([]safety.Profile{profile})
		return
	}
	minBound, maxBound := boundsForRisk(profile.RiskLevel)
	if profile.ConfidenceThreshold > 0 {
		cfg.BaseThreshold = profile.ConfidenceThreshold
	}
	cfg.MinThreshold = minBound
	cfg.MaxThreshold = maxBound
	cfg.RiskLevel = profile.RiskLevel
	if cfg.CurrentThreshold < minBound || cfg.CurrentThreshold > maxBound {
		m.applyAdjustmentLocked(cfg, cfg.CurrentThreshold, ReasonProfileReseed)
	}
	m.mu.Unlock()
}

func (m *Manager) Register(cfg Configuration) {
	cfg.Action = strings.TrimSpace(cfg.Action)
	if cfg.Action == "" {
		return
	}
	if cfg.MinThreshold <= 0 {
		cfg.MinThreshold = 0.3
	}
	if cfg.MaxThreshold <= 0 || cfg.MaxThreshold <= cfg.MinThreshold {
		cfg.MaxThreshold = 0.95
	}
	if cfg.BaseThreshold <= 0 {
		cfg.BaseThreshold = DefaultThreshold
	}
	if cfg.AdjustmentSensitivity <= 0 {
		cfg.AdjustmentSensitivity = 0.05
	}
	cfg.CurrentThreshold = clampRange(cfg.CurrentThreshold, cfg.MinThreshold, cfg.MaxThreshold)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[cfg.Action] = &cfg
}

// GetThreshold returns the current dynamic threshold, a conservative default
// for actions nobody configured.
func (m *Manager) GetThreshold(action string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg, ok := m.configs[strings.TrimSpace(action)]; ok {
		return cfg.CurrentThreshold
	}
	return DefaultThreshold
}

func (m *Manager) Configuration(action string) (Configuration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[strings.TrimSpace(action)]
	if !ok {
		return Configuration{}, false
	}
	return *cfg, true
}

func (m *Manager) Configurations() []Configuration {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]Configuration, 0, len(m.configs))
	for _, cfg := range m.configs {
		result = append(result, *cfg)
	}
	sort.Slice(result, func(left, right int) bool {
		return result[left].Action < result[right].Action
	})
	return result
}

func (m *Manager) MetricsFor(action string) (Metrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	metrics, ok := m.metrics[strings.TrimSpace(action)]
	if !ok {
		return Metrics{}, false
	}
	return *metrics, true
}

// RecordExecutionResult feeds one observed outcome back into the learning
// loop. Satisfaction is a 1-5 rating; pass 0 when the user gave none.
func (m *Manager) RecordExecutionResult(action string, confidence float64, success bool, satisfaction float64, feedback string) {
	action = strings.TrimSpace(action)
	if action == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.ensureMetricsLocked(action)
	metrics.TotalExecutions++
	if success {
		metrics.Succeeded++
	} else {
		metrics.Failed++
	}
	if satisfaction >= 1 && satisfaction <= 5 {
		metrics.SatisfactionSum += satisfaction
		metrics.SatisfactionCount++
	}
	metrics.recentOutcomes = append(metrics.recentOutcomes, success)
	if len(metrics.recentOutcomes) > trendingWindowSize {
		metrics.recentOutcomes = metrics.recentOutcomes[len(metrics.recentOutcomes)-trendingWindowSize:]
	}
	m.recomputeLocked(metrics)

	if feedback = strings.TrimSpace(feedback); feedback != "" {
		m.logger.Info("execution feedback recorded", "action", action, "success", success, "confidence", confidence, "feedback", feedback)
	}
	m.evaluateAdjustmentLocked(action)
}

// RecordUserRejection counts an explicit human veto of an executed or
// proposed action.
func (m *Manager) RecordUserRejection(action string, confidence float64, reason string) {
	action = strings.TrimSpace(action)
	if action == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics := m.ensureMetricsLocked(action)
	metrics.UserRejections++
	m.recomputeLocked(metrics)
	m.logger.Info("user rejection recorded", "action", action, "confidence", confidence, "reason", strings.TrimSpace(reason))
	m.evaluateAdjustmentLocked(action)
}

// SetThreshold is the manual override. It bypasses the evaluation gate but
// still clamps to the action's bounds and appends history.
func (m *Manager) SetThreshold(action string, value float64, reason string) error {
	action = strings.TrimSpace(action)
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[action]
	if !ok {
		m.logger.Error("threshold override for unknown action", "action", action)
		return fmt.Errorf("set threshold %q: %w", action, gateerr.ErrActionUnknown)
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = ReasonManualOverride
	}
	m.applyAdjustmentLocked(cfg, value, reason)
	return nil
}

// ResetThresholdsToBaseline returns every action to its base threshold.
func (m *Manager) ResetThresholdsToBaseline() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cfg := range m.configs {
		m.applyAdjustmentLocked(cfg, cfg.BaseThreshold, ReasonBaselineReset)
	}
}

// EnableEmergencyMode raises every threshold by 0.2 in one pass, the global
// circuit breaker after a detected incident.
func (m *Manager) EnableEmergencyMode(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cfg := range m.configs {
		m.applyAdjustmentLocked(cfg, cfg.CurrentThreshold+0.2, ReasonEmergency)
	}
	m.logger.Warn("emergency mode enabled", "reason", strings.TrimSpace(reason), "actions", len(m.configs))
}

// History returns adjustment entries, newest last. An empty action returns
// everything.
func (m *Manager) History(action string) []Adjustment {
	action = strings.TrimSpace(action)
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]Adjustment, 0, len(m.history))
	for _, entry := range m.history {
		if action == "" || entry.Action == action {
			result = append(result, entry)
		}
	}
	return result
}

func (m *Manager) ensureMetricsLocked(action string) *Metrics {
	metrics, ok := m.metrics[action]
	if !ok {
		metrics = &Metrics{Action: action, RecommendedThreshold: DefaultThreshold}
		m.metrics[action] = metrics
	}
	if _, ok := m.configs[action]; !ok {
		m.configs[action] = &Configuration{
			Action:                action,
			BaseThreshold:         DefaultThreshold,
			CurrentThreshold:      DefaultThreshold,
			MinThreshold:          0.3,
			MaxThreshold:          0.95,
			AdjustmentSensitivity: 0.05,
			RiskLevel:             safety.RiskMedium,
		}
	}
	return metrics
}

func (m *Manager) recomputeLocked(metrics *Metrics) {
	if metrics.TotalExecutions > 0 {
		metrics.LastSuccessRate = float64(metrics.Succeeded) / float64(metrics.TotalExecutions)
	}
	if len(metrics.recentOutcomes) > 0 {
		succeeded := 0
		for _, outcome := range metrics.recentOutcomes {
			if outcome {
				succeeded++
			}
		}
		metrics.TrendingSuccessRate = float64(succeeded) / float64(len(metrics.recentOutcomes))
	}

	recommended := 0.9
	switch {
	case metrics.LastSuccessRate >= 0.9:
		recommended = 0.6
	case metrics.LastSuccessRate >= 0.8:
		recommended = 0.7
	case metrics.LastSuccessRate >= 0.6:
		recommended = 0.8
	}
	if metrics.SatisfactionCount > 0 {
		if mean := metrics.MeanSatisfaction(); mean >= 4.0 {
			recommended -= 0.05
		} else if mean <= 2.5 {
			recommended += 0.10
		}
	}
	if metrics.RejectionRate() > 0.2 {
		recommended += 0.10
	}
	metrics.RecommendedThreshold = clampRange(recommended, recommendedFloor, recommendedCeiling)
}

func (m *Manager) evaluateAdjustmentLocked(action string) {
	metrics := m.metrics[action]
	cfg := m.configs[action]
	if metrics == nil || cfg == nil {
		return
	}
	if metrics.TotalExecutions < minExecutionsForAdjustment {
		return
	}
	today := m.now().Format("2006-01-02")
	window := m.dayWindows[action]
	if window == nil || window.day != today {
		window = &adjustmentWindow{day: today}
		m.dayWindows[action] = window
	}
	if window.count >= maxAdjustmentsPerDay {
		return
	}
	gap := metrics.RecommendedThreshold - cfg.CurrentThreshold
	if gap < 0 {
		gap = -gap
	}
	if gap <= cfg.AdjustmentSensitivity {
		return
	}

	reason := ReasonPerformance
	switch {
	case metrics.LastSuccessRate < 0.6:
		reason = ReasonLowSuccessRate
	case metrics.RejectionRate() > 0.2:
		reason = ReasonHighRejectionRate
	case metrics.SatisfactionCount > 0 && metrics.MeanSatisfaction() <= 2.5:
		reason = ReasonLowSatisfaction
	}
	if m.applyAdjustmentLocked(cfg, metrics.RecommendedThreshold, reason) {
		window.count++
	}
}

// applyAdjustmentLocked clamps to the action bounds and appends an immutable
// history entry; it is a no-op when the clamped value equals the current one.
func (m *Manager) applyAdjustmentLocked(cfg *Configuration, value float64, reason string) bool {
	target := clampRange(value, cfg.MinThreshold, cfg.MaxThreshold)
	if target == cfg.CurrentThreshold {
		return false
	}
	entry := Adjustment{
		Action: cfg.Action,
		From:   cfg.CurrentThreshold,
		To:     target,
		Reason: reason,
		At:     m.now(),
	}
	cfg.CurrentThreshold = target
	cfg.LastAdjustedAt = entry.At
	cfg.AdjustmentCount++
	m.history = append(m.history, entry)
	m.logger.Info("confidence threshold adjusted", "action", cfg.Action, "from", entry.From, "to", entry.To, "reason", reason)
	return true
}

func boundsForRisk(level safety.RiskLevel) (float64, float64) {
	switch level {
	case safety.RiskLow:
		return 0.30, 0.90
	case safety.RiskMedium:
		return 0.40, 0.95
	case safety.RiskHigh:
		return 0.60, 0.98
	case safety.RiskCritical:
		return 0.75, 0.98
	default:
		return 0.40, 0.95
	}
}

func clampRange(value, low, high float64) float64 {
	if value < low {
		return low
	}
	if value > high {
		return high
	}
	return value
}
