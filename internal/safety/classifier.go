package safety

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dwizi/agent-gate/internal/gateerr"
)

type Config struct {
	TrustedDomain      string
	BusinessHoursStart int
	BusinessHoursEnd   int
	FrequencyWindow    time.Duration
}

// ActionContext carries the situational data a reasoning collaborator attaches
// to a proposed action.
type ActionContext struct {
	Requester    string
	Participants []string
	Urgent       bool
	BatchSize    int
	Parameters   map[string]any
}

// Classification is the gate-facing verdict for one proposed action. Profile
// is a snapshot taken at classification time; later profile updates do not
// change it.
type Classification struct {
	Action              string
	Confidence          float64
	RiskLevel           RiskLevel
	RequiresApproval    bool
	CanAutoExecute      bool
	ConfidenceThreshold float64
	FrequencyAllowed    bool
	RiskFactors         []string
	Mitigations         []string
	Profile             Profile
	ClassifiedAt        time.Time
}

type executionWindow struct {
	start time.Time
	count int
}

// Classifier maps action names to risk profiles and frequency-gates
// auto-execution per rolling hour armed at first use.
type Classifier struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	profiles map[string]Profile
	windows  map[string]*executionWindow
}

func NewClassifier(cfg Config, logger *slog.Logger) *Classifier {
	if cfg.BusinessHoursStart < 1 {
		cfg.BusinessHoursStart = 8
	}
	if cfg.BusinessHoursEnd < 1 {
		cfg.BusinessHoursEnd = 18
	}
	if cfg.FrequencyWindow <= 0 {
		cfg.FrequencyWindow = time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{
		cfg:      cfg,
		logger:   logger,
		// Business hours are wall-clock hours, so the default clock
		// stays in the host's local zone.
		now:      time.Now,
		profiles: defaultProfiles(),
		windows:  map[string]*executionWindow{},
	}
}

// SetClock overrides the clock, for tests.
func (c *Classifier) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *Classifier) Classify(action string, confidence float64, context ActionContext) Classification {
	action = strings.TrimSpace(action)
	now := c.clockNow()

	c.mu.Lock()
	profile, known := c.profiles[action]
	if !known {
		profile = unknownProfile(action)
	}
	frequencyAllowed := c.frequencyAllowedLocked(action, profile, now)
	c.mu.Unlock()

	factors := c.riskFactors(profile, confidence, context, now)
	result := Classification{
		Action:              action,
		Confidence:          confidence,
		RiskLevel:           profile.RiskLevel,
		RequiresApproval:    profile.RequiresApproval,
		ConfidenceThreshold: profile.ConfidenceThreshold,
		FrequencyAllowed:    frequencyAllowed,
		RiskFactors:         factors,
		Profile:             profile,
		ClassifiedAt:        now,
	}
	result.CanAutoExecute = confidence >= profile.ConfidenceThreshold &&
		frequencyAllowed &&
		!profile.RequiresApproval &&
		len(factors) == 0
	if !result.CanAutoExecute {
		result.RequiresApproval = true
	}
	result.Mitigations = mitigations(result)

	if !known {
		c.logger.Warn("unknown action classified fail-safe", "action", action, "confidence", confidence)
	}
	return result
}

// RecordExecution consumes one unit of the action's frequency budget. Call it
// only when execution is actually attempted.
func (c *Classifier) RecordExecution(action string) {
	action = strings.TrimSpace(action)
	now := c.clockNow()

	c.mu.Lock()
	defer c.mu.Unlock()
	window := c.windows[action]
	if window == nil || now.Sub(window.start) >= c.cfg.FrequencyWindow {
		window = &executionWindow{start: now}
		c.windows[action] = window
	}
	window.count++
}

func (c *Classifier) Profile(action string) (Profile, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	profile, ok := c.profiles[strings.TrimSpace(action)]
	return profile, ok
}

func (c *Classifier) Profiles() []Profile {
	c.mu.Lock()
	defer c.mu.Unlock()
	result := make([]Profile, 0, len(c.profiles))
	for _, profile := range c.profiles {
		result = append(result, profile)
	}
	sort.Slice(result, func(left, right int) bool {
		return result[left].Action < result[right].Action
	})
	return result
}

// UpdateProfile merges a sparse patch into an existing profile. A patch on a
// critical-risk profile may only clear RequiresApproval when it also lowers
// the risk level in the same patch.
func (c *Classifier) UpdateProfile(action string, patch ProfilePatch) (Profile, error) {
	action = strings.TrimSpace(action)

	c.mu.Lock()
	defer c.mu.Unlock()
	profile, ok := c.profiles[action]
	if !ok {
		return Profile{}, fmt.Errorf("update profile %q: %w", action, gateerr.ErrActionUnknown)
	}
	if profile.RiskLevel == RiskCritical &&
		patch.RequiresApproval != nil && !*patch.RequiresApproval {
		if patch.RiskLevel == nil || riskRank(*patch.RiskLevel) >= riskRank(RiskCritical) {
			return Profile{}, fmt.Errorf("update profile %q: cannot clear approval requirement on a critical-risk profile", action)
		}
	}

	if patch.Category != nil {
		profile.Category = strings.TrimSpace(*patch.Category)
	}
	if patch.RiskLevel != nil {
		profile.RiskLevel = *patch.RiskLevel
	}
	if patch.RequiresApproval != nil {
		profile.RequiresApproval = *patch.RequiresApproval
	}
	if patch.ConfidenceThreshold != nil {
		profile.ConfidenceThreshold = clamp01(*patch.ConfidenceThreshold)
	}
	if patch.ImpactScope != nil {
		profile.ImpactScope = *patch.ImpactScope
	}
	if patch.Reversible != nil {
		profile.Reversible = *patch.Reversible
	}
	if patch.MaxAutoExecutions != nil && *patch.MaxAutoExecutions > 0 {
		profile.MaxAutoExecutions = *patch.MaxAutoExecutions
	}
	if patch.ReasoningRequired != nil {
		profile.ReasoningRequired = *patch.ReasoningRequired
	}
	if patch.AuditVerbosity != nil {
		profile.AuditVerbosity = strings.TrimSpace(*patch.AuditVerbosity)
	}
	c.profiles[action] = profile
	c.logger.Info("safety profile updated", "action", action, "risk_level", profile.RiskLevel, "requires_approval", profile.RequiresApproval)
	return profile, nil
}

// RegisterProfile installs or replaces a whole profile, used by the policy
// override file loader.
func (c *Classifier) RegisterProfile(profile Profile) {
	profile.Action = strings.TrimSpace(profile.Action)
	if profile.Action == "" {
		return
	}
	if profile.MaxAutoExecutions < 1 {
		profile.MaxAutoExecutions = 1
	}
	profile.ConfidenceThreshold = clamp01(profile.ConfidenceThreshold)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.profiles[profile.Action] = profile
}

func (c *Classifier) clockNow() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now()
}

func (c *Classifier) frequencyAllowedLocked(action string, profile Profile, now time.Time) bool {
	window := c.windows[action]
	if window == nil {
		return profile.MaxAutoExecutions > 0
	}
	if now.Sub(window.start) >= c.cfg.FrequencyWindow {
		// Window elapsed; budget re-arms on the next recorded execution.
		return profile.MaxAutoExecutions > 0
	}
	return window.count < profile.MaxAutoExecutions
}

func (c *Classifier) riskFactors(profile Profile, confidence float64, context ActionContext, now time.Time) []string {
	var factors []string
	if confidence < profile.ConfidenceThreshold {
		factors = append(factors, fmt.Sprintf("confidence %.2f below action threshold %.2f", confidence, profile.ConfidenceThreshold))
	}
	if len(context.Participants) > 10 {
		factors = append(factors, fmt.Sprintf("large participant set (%d participants)", len(context.Participants)))
	}
	if external := c.untrustedParticipants(context.Participants); len(external) > 0 {
		factors = append(factors, fmt.Sprintf("participants outside trusted domain: %s", strings.Join(external, ", ")))
	}
	if context.Urgent {
		factors = append(factors, "context flagged urgent")
	}
	if context.BatchSize > 5 {
		factors = append(factors, fmt.Sprintf("batch size %d exceeds safe limit", context.BatchSize))
	}
	hour := now.Hour()
	if hour < c.cfg.BusinessHoursStart || hour >= c.cfg.BusinessHoursEnd {
		factors = append(factors, fmt.Sprintf("execution outside business hours (%02d:00)", hour))
	}
	return factors
}

func (c *Classifier) untrustedParticipants(participants []string) []string {
	domain := strings.ToLower(strings.TrimSpace(c.cfg.TrustedDomain))
	if domain == "" {
		return nil
	}
	var external []string
	for _, participant := range participants {
		address := strings.ToLower(strings.TrimSpace(participant))
		at := strings.LastIndex(address, "@")
		if at < 0 {
			continue
		}
		if address[at+1:] != domain {
			external = append(external, address)
		}
	}
	return external
}

func mitigations(result Classification) []string {
	var strategies []string
	if result.RequiresApproval {
		strategies = append(strategies, "require human approval before execution")
	}
	if len(result.RiskFactors) > 0 || result.Profile.AuditVerbosity == VerbosityComprehensive {
		strategies = append(strategies, "log comprehensive audit trail")
	}
	if result.Profile.ImpactScope == ScopeExternal || result.Profile.ImpactScope == ScopeOrganization {
		strategies = append(strategies, "senior approval for external or organization-wide impact")
	}
	if !result.Profile.Reversible {
		strategies = append(strategies, "confirm irreversible effects with the requester")
	}
	if !result.FrequencyAllowed {
		strategies = append(strategies, "defer until the auto-execution budget re-arms")
	}
	return strategies
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
