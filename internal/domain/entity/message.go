package entity

import (
	"fmt"
	"time"
)

// Priority orders outbound messages. Higher values dispatch first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// AllPriorities lists priorities from lowest to highest.
var AllPriorities = []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityCritical:
		return "CRITICAL"
	default:
		return fmt.Sprintf("PRIORITY(%d)", int(p))
	}
}

// QueuedMessage is a message held for delayed delivery.
type QueuedMessage struct {
	ID          string
	Destination string
	Payload     string
	Priority    Priority
	EnqueuedAt  time.Time
	RetryCount  int
	MaxRetries  int
	ExpiresAt   time.Time
}

// Expired reports whether the message TTL has elapsed at now.
func (m *QueuedMessage) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt)
}
