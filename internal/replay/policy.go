package replay

// Policy is the small global parameter vector the replay loop retunes. Higher
// proactive/autonomous values make the agent act more on its own; a higher
// escalation value routes more decisions to humans.
type Policy struct {
	Version    int
	Proactive  float64
	Autonomous float64
	Escalation float64
}

const (
	policyScalarFloor   = 0.05
	policyScalarCeiling = 0.95
)

func DefaultPolicy() Policy {
	return Policy{
		Version:    1,
		Proactive:  0.5,
		Autonomous: 0.6,
		Escalation: 0.4,
	}
}

// Delta is a signed shift applied to each policy scalar.
type Delta struct {
	Proactive  float64
	Autonomous float64
	Escalation float64
}

func (d Delta) add(other Delta) Delta {
	return Delta{
		Proactive:  d.Proactive + other.Proactive,
		Autonomous: d.Autonomous + other.Autonomous,
		Escalation: d.Escalation + other.Escalation,
	}
}

func (d Delta) scale(factor float64) Delta {
	return Delta{
		Proactive:  d.Proactive * factor,
		Autonomous: d.Autonomous * factor,
		Escalation: d.Escalation * factor,
	}
}

// Apply returns a new policy with the delta applied, every scalar clamped and
// the version advanced.
func (p Policy) Apply(delta Delta) Policy {
	return Policy{
		Version:    p.Version + 1,
		Proactive:  clampScalar(p.Proactive + delta.Proactive),
		Autonomous: clampScalar(p.Autonomous + delta.Autonomous),
		Escalation: clampScalar(p.Escalation + delta.Escalation),
	}
}

func clampScalar(value float64) float64 {
	if value < policyScalarFloor {
		return policyScalarFloor
	}
	if value > policyScalarCeiling {
		return policyScalarCeiling
	}
	return value
}
