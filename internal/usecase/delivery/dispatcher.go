package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"feed-relay/internal/domain/entity"
)

// OutboundMessage is a message handed to the Dispatcher.
type OutboundMessage struct {
	Destination string
	Content     string
	// Kind feeds ClassifyPriority, e.g. KindContent or KindError.
	Kind string
}

// SendResult tells how a message left the Dispatcher.
type SendResult struct {
	Delivered bool
	Queued    bool
	// MessageID is the API id when delivered, the queue id when queued.
	MessageID string
}

// Dispatcher attempts a direct delivery and falls back to the outbound
// queue, so a failed delivery is either retried within the queue TTL or
// counted as lost.
type Dispatcher struct {
	deliverer Deliverer
	queue     *Queue
	gate      *Gate
	processor *Processor
	timeout   time.Duration
	logger    *slog.Logger
}

// NewDispatcher creates a Dispatcher. processor may be nil; it is only used
// to pause draining on rate-limit responses.
func NewDispatcher(deliverer Deliverer, queue *Queue, gate *Gate, processor *Processor, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if gate == nil {
		gate = &Gate{}
	}
	if timeout <= 0 {
		timeout = DefaultProcessorConfig().DeliveryTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		deliverer: deliverer,
		queue:     queue,
		gate:      gate,
		processor: processor,
		timeout:   timeout,
		logger:    logger,
	}
}

// Send delivers msg now when the connection allows it, else queues it.
// Errors are returned only when the message is lost: ErrInvalidMessage,
// ErrPermanentFailure or ErrQueueFull.
func (d *Dispatcher) Send(ctx context.Context, msg OutboundMessage) (SendResult, error) {
	if strings.TrimSpace(msg.Destination) == "" || msg.Content == "" {
		return SendResult{}, ErrInvalidMessage
	}
	priority := ClassifyPriority(msg.Kind, msg.Content)

	if d.processor != nil && d.processor.Paused() {
		return d.enqueue(msg, priority, "rate limit pause")
	}
	if !d.gate.Allow() {
		return d.enqueue(msg, priority, "connection unavailable")
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	start := time.Now()
	res, err := d.deliverer.Deliver(callCtx, msg.Destination, msg.Content)
	cancel()
	class := d.gate.Record(ctx, err, time.Since(start))
	recordAttempt("direct", class)

	switch class {
	case ClassNone:
		return SendResult{Delivered: true, MessageID: res.MessageID}, nil
	case ClassPermanent:
		RecordLost(LossPermanent)
		d.logger.Error("message permanently rejected",
			slog.String("destination", msg.Destination),
			slog.Any("error", err))
		return SendResult{}, fmt.Errorf("%w: %w", ErrPermanentFailure, err)
	case ClassRateLimited:
		if d.processor != nil {
			wait, ok := RetryAfter(err)
			if !ok || wait <= 0 {
				wait = d.processor.cfg.DefaultPause
			}
			d.processor.Pause(wait)
		}
		if priority > entity.PriorityNormal {
			priority = entity.PriorityNormal
		}
		return d.enqueue(msg, priority, "rate limited")
	default:
		d.logger.Warn("direct delivery failed",
			slog.String("destination", msg.Destination),
			slog.String("class", string(class)),
			slog.Any("error", err))
		return d.enqueue(msg, priority, string(class))
	}
}

func (d *Dispatcher) enqueue(msg OutboundMessage, priority entity.Priority, reason string) (SendResult, error) {
	qm := &entity.QueuedMessage{
		Destination: msg.Destination,
		Payload:     msg.Content,
		Priority:    priority,
	}
	if err := d.queue.Enqueue(qm); err != nil {
		return SendResult{}, fmt.Errorf("enqueue message: %w", err)
	}
	d.logger.Info("message queued",
		slog.String("message_id", qm.ID),
		slog.String("priority", priority.String()),
		slog.String("reason", reason))
	return SendResult{Queued: true, MessageID: qm.ID}, nil
}

// Queue returns the outbound queue.
func (d *Dispatcher) Queue() *Queue {
	return d.queue
}
