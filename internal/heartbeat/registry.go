package heartbeat

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Component names reported by the gate runtime.
const (
	ComponentGate           = "gate"
	ComponentAPI            = "api"
	ComponentApprovalSweep  = "approval-sweep"
	ComponentAuditRetention = "audit-retention"
	ComponentReplay         = "replay-scheduler"
	ComponentPolicyWatcher  = "policy-watcher"
	ComponentNotify         = "notify-dispatcher"
)

const (
	StateStarting = "starting"
	StateHealthy  = "healthy"
	StateDegraded = "degraded"
	StateDisabled = "disabled"
	StateStopped  = "stopped"
	StateStale    = "stale"
)

// Reporter is what long-running components use to publish liveness.
type Reporter interface {
	Starting(component, message string)
	Beat(component, message string)
	Degrade(component, message string, err error)
	Disabled(component, message string)
	Stopped(component, message string)
}

type ComponentStatus struct {
	Name           string `json:"name"`
	State          string `json:"state"`
	Message        string `json:"message,omitempty"`
	Error          string `json:"error,omitempty"`
	LastBeatAtUnix int64  `json:"last_beat_at_unix,omitempty"`
	UpdatedAtUnix  int64  `json:"updated_at_unix"`
	Stale          bool   `json:"stale,omitempty"`
}

type Snapshot struct {
	GeneratedAtUnix int64             `json:"generated_at_unix"`
	Overall         string            `json:"overall"`
	Components      []ComponentStatus `json:"components"`
}

type record struct {
	name       string
	state      string
	message    string
	lastError  string
	lastBeatAt time.Time
	updatedAt  time.Time
}

// Registry tracks the last reported state of every runtime component and
// derives an overall health verdict for the readiness endpoints.
type Registry struct {
	mu      sync.RWMutex
	records map[string]record
	clock   func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		records: map[string]record{},
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

// SetClock replaces the registry clock for tests.
func (r *Registry) SetClock(clock func() time.Time) {
	if clock == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = clock
}

func (r *Registry) Starting(component, message string) {
	r.setState(component, StateStarting, message, "")
}

func (r *Registry) Beat(component, message string) {
	name := normalizeName(component)
	if name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock()
	entry := r.records[name]
	entry.name = name
	entry.state = StateHealthy
	entry.message = strings.TrimSpace(message)
	entry.lastError = ""
	entry.lastBeatAt = now
	entry.updatedAt = now
	r.records[name] = entry
}

func (r *Registry) Degrade(component, message string, err error) {
	errorText := ""
	if err != nil {
		errorText = strings.TrimSpace(err.Error())
	}
	r.setState(component, StateDegraded, message, errorText)
}

func (r *Registry) Disabled(component, message string) {
	r.setState(component, StateDisabled, message, "")
}

func (r *Registry) Stopped(component, message string) {
	r.setState(component, StateStopped, message, "")
}

func (r *Registry) setState(component, state, message, errorText string) {
	name := normalizeName(component)
	if name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clock()
	entry := r.records[name]
	entry.name = name
	entry.state = state
	entry.message = strings.TrimSpace(message)
	entry.lastError = strings.TrimSpace(errorText)
	entry.updatedAt = now
	if entry.lastBeatAt.IsZero() {
		entry.lastBeatAt = now
	}
	r.records[name] = entry
}

// Snapshot renders the current component table. Components that should be
// beating but have not within staleAfter are marked stale.
func (r *Registry) Snapshot(staleAfter time.Duration) Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	now := r.clock()

	results := make([]ComponentStatus, 0, len(r.records))
	for _, entry := range r.records {
		status := ComponentStatus{
			Name:    entry.name,
			State:   entry.state,
			Message: entry.message,
			Error:   entry.lastError,
		}
		if !entry.lastBeatAt.IsZero() {
			status.LastBeatAtUnix = entry.lastBeatAt.Unix()
		}
		if !entry.updatedAt.IsZero() {
			status.UpdatedAtUnix = entry.updatedAt.Unix()
		}
		if staleAfter > 0 && canBecomeStale(entry.state) {
			reference := entry.lastBeatAt
			if reference.IsZero() {
				reference = entry.updatedAt
			}
			if !reference.IsZero() && now.Sub(reference) > staleAfter {
				status.State = StateStale
				status.Stale = true
			}
		}
		results = append(results, status)
	}

	sort.Slice(results, func(left, right int) bool {
		return results[left].Name < results[right].Name
	})

	return Snapshot{
		GeneratedAtUnix: now.Unix(),
		Overall:         overallState(results),
		Components:      results,
	}
}

// Ready reports whether the runtime should answer readiness probes positively.
func (s Snapshot) Ready() bool {
	switch s.Overall {
	case StateHealthy, "idle":
		return true
	default:
		return false
	}
}

func normalizeName(component string) string {
	return strings.ToLower(strings.TrimSpace(component))
}

func canBecomeStale(state string) bool {
	switch state {
	case StateHealthy, StateStarting:
		return true
	default:
		return false
	}
}

func overallState(items []ComponentStatus) string {
	if len(items) == 0 {
		return "unknown"
	}
	hasHealthy := false
	hasStarting := false
	allInactive := true
	for _, item := range items {
		switch item.State {
		case StateDegraded, StateStale:
			return StateDegraded
		case StateHealthy:
			hasHealthy = true
			allInactive = false
		case StateStarting:
			hasStarting = true
			allInactive = false
		case StateDisabled, StateStopped:
		default:
			allInactive = false
		}
	}
	if hasStarting {
		return StateStarting
	}
	if hasHealthy {
		return StateHealthy
	}
	if allInactive {
		return "idle"
	}
	return StateHealthy
}
