package safety

type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

type ImpactScope string

const (
	ScopeSelf         ImpactScope = "self"
	ScopeTeam         ImpactScope = "team"
	ScopeOrganization ImpactScope = "organization"
	ScopeExternal     ImpactScope = "external"
)

const (
	VerbosityMinimal       = "minimal"
	VerbosityStandard      = "standard"
	VerbosityComprehensive = "comprehensive"
)

// Profile describes how dangerous an action class is and how the gate must
// treat it. Profiles are immutable outside UpdateProfile.
type Profile struct {
	Action              string
	Category            string
	RiskLevel           RiskLevel
	RequiresApproval    bool
	ConfidenceThreshold float64
	ImpactScope         ImpactScope
	Reversible          bool
	MaxAutoExecutions   int
	ReasoningRequired   bool
	AuditVerbosity      string
}

// ProfilePatch is a sparse override merged field-by-field by UpdateProfile.
type ProfilePatch struct {
	Category            *string
	RiskLevel           *RiskLevel
	RequiresApproval    *bool
	ConfidenceThreshold *float64
	ImpactScope         *ImpactScope
	Reversible          *bool
	MaxAutoExecutions   *int
	ReasoningRequired   *bool
	AuditVerbosity      *string
}

func defaultProfiles() map[string]Profile {
	profiles := []Profile{
		{Action: "get_events", Category: "calendar", RiskLevel: RiskLow, ConfidenceThreshold: 0.6, ImpactScope: ScopeSelf, Reversible: true, MaxAutoExecutions: 30, AuditVerbosity: VerbosityMinimal},
		{Action: "check_availability", Category: "calendar", RiskLevel: RiskLow, ConfidenceThreshold: 0.6, ImpactScope: ScopeSelf, Reversible: true, MaxAutoExecutions: 30, AuditVerbosity: VerbosityMinimal},
		{Action: "schedule_meeting", Category: "calendar", RiskLevel: RiskMedium, ConfidenceThreshold: 0.75, ImpactScope: ScopeTeam, Reversible: true, MaxAutoExecutions: 10, AuditVerbosity: VerbosityStandard},
		{Action: "reschedule_meeting", Category: "calendar", RiskLevel: RiskMedium, ConfidenceThreshold: 0.8, ImpactScope: ScopeTeam, Reversible: true, MaxAutoExecutions: 8, AuditVerbosity: VerbosityStandard},
		{Action: "cancel_meeting", Category: "calendar", RiskLevel: RiskHigh, RequiresApproval: true, ConfidenceThreshold: 0.85, ImpactScope: ScopeTeam, Reversible: false, MaxAutoExecutions: 3, ReasoningRequired: true, AuditVerbosity: VerbosityComprehensive},
		{Action: "send_email", Category: "communication", RiskLevel: RiskHigh, RequiresApproval: true, ConfidenceThreshold: 0.85, ImpactScope: ScopeExternal, Reversible: false, MaxAutoExecutions: 5, ReasoningRequired: true, AuditVerbosity: VerbosityComprehensive},
		{Action: "search_emails", Category: "communication", RiskLevel: RiskLow, ConfidenceThreshold: 0.6, ImpactScope: ScopeSelf, Reversible: true, MaxAutoExecutions: 30, AuditVerbosity: VerbosityMinimal},
		{Action: "create_document", Category: "document", RiskLevel: RiskMedium, ConfidenceThreshold: 0.75, ImpactScope: ScopeTeam, Reversible: true, MaxAutoExecutions: 10, AuditVerbosity: VerbosityStandard},
		{Action: "share_document", Category: "document", RiskLevel: RiskHigh, RequiresApproval: true, ConfidenceThreshold: 0.85, ImpactScope: ScopeOrganization, Reversible: false, MaxAutoExecutions: 5, ReasoningRequired: true, AuditVerbosity: VerbosityComprehensive},
		{Action: "delete_document", Category: "document", RiskLevel: RiskCritical, RequiresApproval: true, ConfidenceThreshold: 0.95, ImpactScope: ScopeOrganization, Reversible: false, MaxAutoExecutions: 1, ReasoningRequired: true, AuditVerbosity: VerbosityComprehensive},
		{Action: "generate_minutes", Category: "analysis", RiskLevel: RiskLow, ConfidenceThreshold: 0.65, ImpactScope: ScopeSelf, Reversible: true, MaxAutoExecutions: 20, AuditVerbosity: VerbosityMinimal},
		{Action: "analyze_situation", Category: "analysis", RiskLevel: RiskLow, ConfidenceThreshold: 0.5, ImpactScope: ScopeSelf, Reversible: true, MaxAutoExecutions: 60, AuditVerbosity: VerbosityMinimal},
	}
	result := make(map[string]Profile, len(profiles))
	for _, profile := range profiles {
		result[profile.Action] = profile
	}
	return result
}

// unknownProfile is the fail-safe default for actions nobody registered.
func unknownProfile(action string) Profile {
	return Profile{
		Action:              action,
		Category:            "unknown",
		RiskLevel:           RiskHigh,
		RequiresApproval:    true,
		ConfidenceThreshold: 0.95,
		ImpactScope:         ScopeOrganization,
		Reversible:          false,
		MaxAutoExecutions:   1,
		ReasoningRequired:   true,
		AuditVerbosity:      VerbosityComprehensive,
	}
}

func riskRank(level RiskLevel) int {
	switch level {
	case RiskLow:
		return 0
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	default:
		return 2
	}
}
