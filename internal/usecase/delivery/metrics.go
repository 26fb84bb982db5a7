package delivery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"feed-relay/internal/domain/entity"
)

// Loss reasons reported by delivery_messages_lost_total.
const (
	LossExpired    = "expired"
	LossEvicted    = "evicted"
	LossRejected   = "rejected"
	LossMaxRetries = "max_retries"
	LossPermanent  = "permanent"
)

var (
	// messagesLostTotal counts messages that will never be delivered
	messagesLostTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_messages_lost_total",
			Help: "Total number of outbound messages dropped without delivery",
		},
		[]string{"reason"},
	)

	// deliveryAttemptsTotal counts delivery attempts by path and result
	deliveryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_attempts_total",
			Help: "Total number of delivery attempts",
		},
		[]string{"path", "result"}, // path: direct|queue, result: success|transient|rate_limited|auth|permanent
	)

	// messagesQueuedTotal counts messages entering the outbound queue
	messagesQueuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_messages_queued_total",
			Help: "Total number of messages placed in the outbound queue",
		},
		[]string{"priority"},
	)

	// queueSize tracks the outbound queue length
	queueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "delivery_queue_size",
			Help: "Current number of messages in the outbound queue",
		},
	)

	// connectionFailuresGauge tracks consecutive failures of the messaging connection
	connectionFailuresGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "delivery_connection_consecutive_failures",
			Help: "Consecutive failed calls to the messaging API",
		},
		[]string{"connection"},
	)

	// connectionTransitionsTotal counts connection status changes
	connectionTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "delivery_connection_transitions_total",
			Help: "Total number of messaging connection status transitions",
		},
		[]string{"connection", "to"},
	)
)

// RecordLost counts a lost message.
func RecordLost(reason string) {
	messagesLostTotal.WithLabelValues(reason).Inc()
}

func recordAttempt(path string, class ErrorClass) {
	result := string(class)
	if class == ClassNone {
		result = "success"
	}
	deliveryAttemptsTotal.WithLabelValues(path, result).Inc()
}

func recordQueued(p entity.Priority) {
	messagesQueuedTotal.WithLabelValues(p.String()).Inc()
}

func setQueueSize(n int) {
	queueSize.Set(float64(n))
}

func recordConnection(name string, failures int) {
	connectionFailuresGauge.WithLabelValues(name).Set(float64(failures))
}

func recordConnectionTransition(name string, to entity.ConnectionStatus) {
	connectionTransitionsTotal.WithLabelValues(name, string(to)).Inc()
}
