package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type Config struct {
	Environment string
	HTTPAddr    string
	DataDir     string
	DBPath      string

	TrustedDomain      string
	BusinessHoursStart int
	BusinessHoursEnd   int
	FrequencyWindowSec int

	MinDecisionConfidence float64

	ApprovalSweepSec     int
	ApprovalMaxCompleted int
	DefaultApproverRoles string
	DefaultMaxWaitMin    int
	AutoRejectOnExpiry   bool

	AuditMaxEntries    int
	AuditRetentionDays int
	AuditSweepHours    int

	ExplanationHistory int

	NotifyQueueSize   int
	NotifyWebhookURL  string
	NotifyWebhookSecs int

	ReplayEnabled      bool
	ReplaySchedule     string
	ReplayLearningRate float64
	ReplayBatchLimit   int
	ReplayLookbackHrs  int

	PolicyFile string

	HeartbeatEnabled     bool
	HeartbeatIntervalSec int
	HeartbeatStaleSec    int
}

func FromEnv() Config {
	dataDir := stringOrDefault("AGENT_GATE_DATA_DIR", "/data")
	dbPath := stringOrDefault("AGENT_GATE_DB_PATH", filepath.Join(dataDir, "agent-gate", "gate.sqlite"))

	return Config{
		Environment: stringOrDefault("AGENT_GATE_ENV", "development"),
		HTTPAddr:    stringOrDefault("AGENT_GATE_HTTP_ADDR", ":8080"),
		DataDir:     dataDir,
		DBPath:      dbPath,

		TrustedDomain:      strings.TrimSpace(os.Getenv("AGENT_GATE_TRUSTED_DOMAIN")),
		BusinessHoursStart: intOrDefault("AGENT_GATE_BUSINESS_HOURS_START", 8),
		BusinessHoursEnd:   intOrDefault("AGENT_GATE_BUSINESS_HOURS_END", 18),
		FrequencyWindowSec: intOrDefault("AGENT_GATE_FREQUENCY_WINDOW_SECONDS", 3600),

		MinDecisionConfidence: floatOrDefault("AGENT_GATE_MIN_DECISION_CONFIDENCE", 0.30),

		ApprovalSweepSec:     intOrDefault("AGENT_GATE_APPROVAL_SWEEP_SECONDS", 60),
		ApprovalMaxCompleted: intOrDefault("AGENT_GATE_APPROVAL_MAX_COMPLETED", 500),
		DefaultApproverRoles: stringOrDefault("AGENT_GATE_DEFAULT_APPROVER_ROLES", "operator"),
		DefaultMaxWaitMin:    intOrDefault("AGENT_GATE_DEFAULT_MAX_WAIT_MINUTES", 30),
		AutoRejectOnExpiry:   boolOrDefault("AGENT_GATE_AUTO_REJECT_ON_EXPIRY", true),

		AuditMaxEntries:    intOrDefault("AGENT_GATE_AUDIT_MAX_ENTRIES", 10000),
		AuditRetentionDays: intOrDefault("AGENT_GATE_AUDIT_RETENTION_DAYS", 90),
		AuditSweepHours:    intOrDefault("AGENT_GATE_AUDIT_SWEEP_HOURS", 24),

		ExplanationHistory: intOrDefault("AGENT_GATE_EXPLANATION_HISTORY", 200),

		NotifyQueueSize:   intOrDefault("AGENT_GATE_NOTIFY_QUEUE_SIZE", 100),
		NotifyWebhookURL:  strings.TrimSpace(os.Getenv("AGENT_GATE_NOTIFY_WEBHOOK_URL")),
		NotifyWebhookSecs: intOrDefault("AGENT_GATE_NOTIFY_WEBHOOK_TIMEOUT_SECONDS", 15),

		ReplayEnabled:      boolOrDefault("AGENT_GATE_REPLAY_ENABLED", true),
		ReplaySchedule:     stringOrDefault("AGENT_GATE_REPLAY_SCHEDULE", "0 3 * * *"),
		ReplayLearningRate: floatOrDefault("AGENT_GATE_REPLAY_LEARNING_RATE", 0.1),
		ReplayBatchLimit:   intOrDefault("AGENT_GATE_REPLAY_BATCH_LIMIT", 200),
		ReplayLookbackHrs:  intOrDefault("AGENT_GATE_REPLAY_LOOKBACK_HOURS", 168),

		PolicyFile: strings.TrimSpace(os.Getenv("AGENT_GATE_POLICY_FILE")),

		HeartbeatEnabled:     boolOrDefault("AGENT_GATE_HEARTBEAT_ENABLED", true),
		HeartbeatIntervalSec: intOrDefault("AGENT_GATE_HEARTBEAT_INTERVAL_SECONDS", 30),
		HeartbeatStaleSec:    intOrDefault("AGENT_GATE_HEARTBEAT_STALE_SECONDS", 120),
	}
}

// LogLevelFromEnv maps AGENT_GATE_LOG_LEVEL onto a slog level. Unknown or
// empty values fall back to info.
func LogLevelFromEnv() slog.Level {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("AGENT_GATE_LOG_LEVEL"))) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ApproverRoles splits the configured default approver roles.
func (c Config) ApproverRoles() []string {
	parts := strings.Split(c.DefaultApproverRoles, ",")
	roles := make([]string, 0, len(parts))
	for _, part := range parts {
		if role := strings.TrimSpace(part); role != "" {
			roles = append(roles, role)
		}
	}
	return roles
}

func stringOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func intOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed < 1 {
		return fallback
	}
	return parsed
}

func boolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func floatOrDefault(name string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}
