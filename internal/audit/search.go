package audit

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dwizi/agent-gate/internal/safety"
)

// Filter narrows a search; zero values mean "any".
type Filter struct {
	EventType     EventType
	Severity      Severity
	ActorID       string
	Action        string
	From          time.Time
	To            time.Time
	MinConfidence float64
	MaxConfidence float64
	RiskLevel     safety.RiskLevel
	Limit         int
}

// Search returns matching entries, newest first.
func (l *Logger) Search(filter Filter) []Entry {
	limit := filter.Limit
	if limit < 1 {
		limit = 100
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	result := make([]Entry, 0, limit)
	for index := len(l.entries) - 1; index >= 0 && len(result) < limit; index-- {
		entry := l.entries[index]
		if !matches(entry, filter) {
			continue
		}
		result = append(result, entry)
	}
	return result
}

func matches(entry Entry, filter Filter) bool {
	if filter.EventType != "" && entry.EventType != filter.EventType {
		return false
	}
	if filter.Severity != "" && entry.Severity != filter.Severity {
		return false
	}
	if filter.ActorID != "" && entry.Actor.ID != filter.ActorID {
		return false
	}
	if filter.Action != "" && entry.Action.Name != filter.Action {
		return false
	}
	if !filter.From.IsZero() && entry.Timestamp.Before(filter.From) {
		return false
	}
	if !filter.To.IsZero() && entry.Timestamp.After(filter.To) {
		return false
	}
	if filter.MinConfidence > 0 && entry.Reasoning.Confidence < filter.MinConfidence {
		return false
	}
	if filter.MaxConfidence > 0 && entry.Reasoning.Confidence > filter.MaxConfidence {
		return false
	}
	if filter.RiskLevel != "" && entry.Security.RiskLevel != filter.RiskLevel {
		return false
	}
	return true
}

// Statistics aggregates the ledger, optionally restricted to a time window.
type Statistics struct {
	TotalEvents    int
	ByEventType    map[EventType]int
	BySeverity     map[Severity]int
	ByActor        map[string]int
	ByAction       map[string]int
	MeanConfidence float64
	Violations     int
	WindowStart    time.Time
	WindowEnd      time.Time
}

// Stats computes aggregate counts. Zero window bounds mean the whole ledger.
func (l *Logger) Stats(from, to time.Time) Statistics {
	stats := Statistics{
		ByEventType: map[EventType]int{},
		BySeverity:  map[Severity]int{},
		ByActor:     map[string]int{},
		ByAction:    map[string]int{},
		WindowStart: from,
		WindowEnd:   to,
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	confidenceSum := 0.0
	confidenceCount := 0
	for _, entry := range l.entries {
		if !from.IsZero() && entry.Timestamp.Before(from) {
			continue
		}
		if !to.IsZero() && entry.Timestamp.After(to) {
			continue
		}
		stats.TotalEvents++
		stats.ByEventType[entry.EventType]++
		stats.BySeverity[entry.Severity]++
		if entry.Actor.ID != "" {
			stats.ByActor[entry.Actor.ID]++
		}
		if entry.Action.Name != "" {
			stats.ByAction[entry.Action.Name]++
		}
		if entry.Reasoning.Confidence > 0 {
			confidenceSum += entry.Reasoning.Confidence
			confidenceCount++
		}
		if entry.Severity == SeverityError || entry.Severity == SeverityCritical || entry.EventType == EventRiskDetected {
			stats.Violations++
		}
	}
	if confidenceCount > 0 {
		stats.MeanConfidence = confidenceSum / float64(confidenceCount)
	}
	return stats
}

// Report renders statistics as a readable summary.
func (l *Logger) Report(from, to time.Time) string {
	stats := l.Stats(from, to)
	var builder strings.Builder

	builder.WriteString("# Security Audit Report\n\n")
	window := "entire ledger"
	if !from.IsZero() || !to.IsZero() {
		window = fmt.Sprintf("%s to %s", formatBound(from), formatBound(to))
	}
	builder.WriteString(fmt.Sprintf("Window: %s\n", window))
	builder.WriteString(fmt.Sprintf("Total events: %d\n", stats.TotalEvents))
	builder.WriteString(fmt.Sprintf("Mean confidence: %.2f\n", stats.MeanConfidence))
	builder.WriteString(fmt.Sprintf("Violations: %d\n\n", stats.Violations))

	builder.WriteString("## Events by type\n")
	for _, key := range sortedKeys(stats.ByEventType) {
		builder.WriteString(fmt.Sprintf("- %s: %d\n", key, stats.ByEventType[EventType(key)]))
	}
	builder.WriteString("\n## Events by severity\n")
	for _, key := range sortedKeys(stats.BySeverity) {
		builder.WriteString(fmt.Sprintf("- %s: %d\n", key, stats.BySeverity[Severity(key)]))
	}
	builder.WriteString("\n## Events by action\n")
	for _, key := range sortedStringKeys(stats.ByAction) {
		builder.WriteString(fmt.Sprintf("- %s: %d\n", key, stats.ByAction[key]))
	}
	builder.WriteString("\n## Events by actor\n")
	for _, key := range sortedStringKeys(stats.ByActor) {
		builder.WriteString(fmt.Sprintf("- %s: %d\n", key, stats.ByActor[key]))
	}
	return builder.String()
}

func formatBound(moment time.Time) string {
	if moment.IsZero() {
		return "open"
	}
	return moment.Format(time.RFC3339)
}

func sortedKeys[K ~string](counts map[K]int) []string {
	keys := make([]string, 0, len(counts))
	for key := range counts {
		keys = append(keys, string(key))
	}
	sort.Strings(keys)
	return keys
}

func sortedStringKeys(counts map[string]int) []string {
	keys := make([]string, 0, len(counts))
	for key := range counts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
