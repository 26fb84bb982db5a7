package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"feed-relay/internal/domain/entity"
	"feed-relay/internal/pkg/clock"
)

// ProcessorConfig bounds the draining rate of the outbound queue.
type ProcessorConfig struct {
	BatchSize         int
	MessagesPerMinute int
	TickInterval      time.Duration
	DeliveryTimeout   time.Duration
	// DefaultPause is used when a rate-limit response carries no retry hint.
	DefaultPause time.Duration
}

// DefaultProcessorConfig drains at most 10 messages every 5s and 20 per minute.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		BatchSize:         10,
		MessagesPerMinute: 20,
		TickInterval:      5 * time.Second,
		DeliveryTimeout:   30 * time.Second,
		DefaultPause:      30 * time.Second,
	}
}

// ProcessorStats is a snapshot of the processor counters.
type ProcessorStats struct {
	Delivered   int64      `json:"delivered"`
	Failed      int64      `json:"failed"`
	Requeued    int64      `json:"requeued"`
	Lost        int64      `json:"lost"`
	Batches     int64      `json:"batches"`
	Paused      bool       `json:"paused"`
	PausedUntil *time.Time `json:"paused_until,omitempty"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
}

// Processor drains the outbound queue in the background at a bounded rate.
type Processor struct {
	cfg       ProcessorConfig
	queue     *Queue
	deliverer Deliverer
	gate      *Gate
	limiter   *rate.Limiter
	clock     clock.Clock
	logger    *slog.Logger

	mu          sync.Mutex
	pausedUntil time.Time
	stats       ProcessorStats
}

// NewProcessor creates a Processor. Non-positive config values use the defaults.
func NewProcessor(cfg ProcessorConfig, queue *Queue, deliverer Deliverer, gate *Gate, clk clock.Clock, logger *slog.Logger) *Processor {
	def := DefaultProcessorConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MessagesPerMinute <= 0 {
		cfg.MessagesPerMinute = def.MessagesPerMinute
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = def.DeliveryTimeout
	}
	if cfg.DefaultPause <= 0 {
		cfg.DefaultPause = def.DefaultPause
	}
	if gate == nil {
		gate = &Gate{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	burst := cfg.BatchSize
	if burst > cfg.MessagesPerMinute {
		burst = cfg.MessagesPerMinute
	}
	return &Processor{
		cfg:       cfg,
		queue:     queue,
		deliverer: deliverer,
		gate:      gate,
		limiter:   rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.MessagesPerMinute)), burst),
		clock:     clock.OrSystem(clk),
		logger:    logger,
	}
}

// Run drains the queue every TickInterval until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()

	p.logger.Info("queue processor started",
		slog.Int("batch_size", p.cfg.BatchSize),
		slog.Int("messages_per_minute", p.cfg.MessagesPerMinute))

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("queue processor stopped")
			return
		case <-ticker.C:
			p.ProcessBatch(ctx)
		}
	}
}

// ProcessBatch delivers up to BatchSize queued messages and returns how
// many were delivered. The batch ends at the first failure.
func (p *Processor) ProcessBatch(ctx context.Context) int {
	now := p.clock.Now()
	p.mu.Lock()
	p.stats.Batches++
	p.stats.LastRunAt = &now
	p.mu.Unlock()

	delivered := 0
	for i := 0; i < p.cfg.BatchSize; i++ {
		if ctx.Err() != nil || p.Paused() || p.queue.Len() == 0 {
			break
		}
		if err := p.limiter.Wait(ctx); err != nil {
			break
		}
		if !p.gate.Allow() {
			break
		}
		msg := p.queue.Dequeue()
		if msg == nil {
			p.gate.Cancel()
			break
		}
		if !p.deliver(ctx, msg) {
			break
		}
		delivered++
	}
	return delivered
}

func (p *Processor) deliver(ctx context.Context, msg *entity.QueuedMessage) bool {
	callCtx, cancel := context.WithTimeout(ctx, p.cfg.DeliveryTimeout)
	defer cancel()

	start := time.Now()
	_, err := p.deliverer.Deliver(callCtx, msg.Destination, msg.Payload)
	class := p.gate.Record(ctx, err, time.Since(start))
	recordAttempt("queue", class)

	if class == ClassNone {
		p.mu.Lock()
		p.stats.Delivered++
		p.mu.Unlock()
		return true
	}
	if class != ClassCanceled {
		p.mu.Lock()
		p.stats.Failed++
		p.mu.Unlock()
	}

	// a canceled call goes back untouched and keeps its retry budget
	switch class {
	case ClassCanceled:
	case ClassPermanent:
		p.lose(msg, LossPermanent, err)
		return false
	case ClassRateLimited:
		wait, ok := RetryAfter(err)
		if !ok || wait <= 0 {
			wait = p.cfg.DefaultPause
		}
		p.Pause(wait)
		if msg.Priority > entity.PriorityNormal {
			msg.Priority = entity.PriorityNormal
		}
	default:
		msg.RetryCount++
		if msg.RetryCount >= msg.MaxRetries {
			p.lose(msg, LossMaxRetries, err)
			return false
		}
	}

	if qerr := p.queue.Enqueue(msg); qerr != nil {
		p.mu.Lock()
		p.stats.Lost++
		p.mu.Unlock()
		p.logger.Error("failed to requeue message",
			slog.String("message_id", msg.ID),
			slog.Any("error", qerr))
		return false
	}
	p.mu.Lock()
	p.stats.Requeued++
	p.mu.Unlock()
	p.logger.Warn("queued delivery failed, requeued",
		slog.String("message_id", msg.ID),
		slog.String("class", string(class)),
		slog.Int("retry_count", msg.RetryCount),
		slog.Any("error", err))
	return false
}

func (p *Processor) lose(msg *entity.QueuedMessage, reason string, err error) {
	RecordLost(reason)
	p.mu.Lock()
	p.stats.Lost++
	p.mu.Unlock()
	p.logger.Error("message dropped",
		slog.String("message_id", msg.ID),
		slog.String("priority", msg.Priority.String()),
		slog.String("reason", reason),
		slog.Int("retry_count", msg.RetryCount),
		slog.Any("error", err))
}

// Pause stops draining for d. A shorter pause never cuts a longer one.
func (p *Processor) Pause(d time.Duration) {
	until := p.clock.Now().Add(d)

	p.mu.Lock()
	defer p.mu.Unlock()
	if until.After(p.pausedUntil) {
		p.pausedUntil = until
		p.logger.Warn("queue processor paused", slog.Duration("for", d))
	}
}

// Paused reports whether a rate-limit pause is in effect.
func (p *Processor) Paused() bool {
	now := p.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	return now.Before(p.pausedUntil)
}

// Stats returns a snapshot of the processor counters.
func (p *Processor) Stats() ProcessorStats {
	now := p.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.stats
	if now.Before(p.pausedUntil) {
		until := p.pausedUntil
		s.Paused = true
		s.PausedUntil = &until
	}
	return s
}
