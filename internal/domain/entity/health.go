package entity

import "time"

// HealthMetric is an append-only record of one observed call.
type HealthMetric struct {
	ID             string
	Service        string
	MetricType     string
	Success        bool
	ResponseTimeMs int64
	ErrorCode      string
	Timestamp      time.Time
}

// ConnectionStatus is the state of the outbound messaging connection.
type ConnectionStatus string

const (
	StatusConnected    ConnectionStatus = "connected"
	StatusRecovering   ConnectionStatus = "recovering"
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusCircuitOpen  ConnectionStatus = "circuit_open"
)

// ConnectionState is the persisted health of the outbound connection.
type ConnectionState struct {
	Status              ConnectionStatus
	LastSuccessfulCall  *time.Time
	ConsecutiveFailures int
	CurrentRetryDelay   time.Duration
	NextRetryAt         *time.Time
	TotalDowntime       time.Duration
	OutageStartedAt     *time.Time
	LastError           string
	UpdatedAt           time.Time
}

// NewConnectionState returns the state of a fresh, healthy connection.
func NewConnectionState() ConnectionState {
	return ConnectionState{Status: StatusConnected}
}
