package delivery

import (
	"strings"

	"feed-relay/internal/domain/entity"
)

// Message kinds understood by ClassifyPriority.
const (
	KindError    = "error"
	KindCritical = "critical"
	KindWarning  = "warning"
	KindContent  = "content"
	KindUpdate   = "update"
	KindInfo     = "info"
	KindStatus   = "status"
)

var (
	criticalMarkers = []string{"critical", "error", "failed", "❌", "🚨"}
	warningMarkers  = []string{"warning", "⚠"}
	lowMarkers      = []string{"status", "info", "ℹ"}
)

// ClassifyPriority assigns a queue priority so operational messages are not
// starved behind routine notifications: errors and criticals first, then
// warnings, then content updates, then informational text. An unknown kind
// falls back to markers in the text.
func ClassifyPriority(kind, text string) entity.Priority {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindError, KindCritical:
		return entity.PriorityCritical
	case KindWarning:
		return entity.PriorityHigh
	case KindContent, KindUpdate:
		return entity.PriorityNormal
	case KindInfo, KindStatus:
		return entity.PriorityLow
	}

	lower := strings.ToLower(text)
	switch {
	case containsAny(lower, criticalMarkers):
		return entity.PriorityCritical
	case containsAny(lower, warningMarkers):
		return entity.PriorityHigh
	case containsAny(lower, lowMarkers):
		return entity.PriorityLow
	default:
		return entity.PriorityNormal
	}
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
