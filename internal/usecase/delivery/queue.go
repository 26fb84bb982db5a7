package delivery

import (
	"container/heap"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"feed-relay/internal/domain/entity"
	"feed-relay/internal/pkg/clock"
)

// QueueConfig bounds the outbound queue.
type QueueConfig struct {
	MaxSize    int
	TTL        time.Duration
	MaxRetries int
}

// DefaultQueueConfig returns a queue of 1000 messages living at most 1h
// with 3 retries each.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxSize:    1000,
		TTL:        time.Hour,
		MaxRetries: 3,
	}
}

// QueueStats is a snapshot of the queue.
type QueueStats struct {
	Size        int            `json:"size"`
	ByPriority  map[string]int `json:"by_priority"`
	OldestAge   time.Duration  `json:"oldest_age"`
	AverageWait time.Duration  `json:"average_wait"`
	Expired     int64          `json:"expired"`
	Evicted     int64          `json:"evicted"`
	Rejected    int64          `json:"rejected"`
}

type queueItem struct {
	msg   *entity.QueuedMessage
	seq   uint64
	index int
}

// messageHeap orders by priority descending, then enqueue time, then arrival.
type messageHeap []*queueItem

func (h messageHeap) Len() int { return len(h) }

func (h messageHeap) Less(i, j int) bool {
	a, b := h[i].msg, h[j].msg
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.EnqueuedAt.Equal(b.EnqueuedAt) {
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	}
	return h[i].seq < h[j].seq
}

func (h messageHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *messageHeap) Push(x any) {
	item := x.(*queueItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// Queue is a bounded, priority-ordered, TTL-expiring holding area for
// messages awaiting delivery. Expired messages are purged on every access
// and counted as lost.
type Queue struct {
	cfg    QueueConfig
	clock  clock.Clock
	logger *slog.Logger

	mu        sync.Mutex
	items     messageHeap
	seq       uint64
	expired   int64
	evicted   int64
	rejected  int64
	waitTotal time.Duration
	waitCount int64
}

// NewQueue creates a Queue. Non-positive config values use the defaults.
func NewQueue(cfg QueueConfig, clk clock.Clock, logger *slog.Logger) *Queue {
	def := DefaultQueueConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{cfg: cfg, clock: clock.OrSystem(clk), logger: logger}
}

// Enqueue inserts msg. The message gets an id when it has none, a fresh
// EnqueuedAt, and an expiry and retry cap when unset. At capacity the
// oldest LOW message is evicted; without one the message is rejected.
func (q *Queue) Enqueue(msg *entity.QueuedMessage) error {
	if msg == nil || strings.TrimSpace(msg.Destination) == "" || msg.Payload == "" {
		return ErrInvalidMessage
	}
	now := q.clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()
	q.purgeExpiredLocked(now)

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.EnqueuedAt = now
	if msg.ExpiresAt.IsZero() {
		msg.ExpiresAt = now.Add(q.cfg.TTL)
	}
	if msg.MaxRetries <= 0 {
		msg.MaxRetries = q.cfg.MaxRetries
	}
	if msg.Expired(now) {
		q.expired++
		RecordLost(LossExpired)
		return fmt.Errorf("message %s: %w", msg.ID, ErrInvalidMessage)
	}

	if len(q.items) >= q.cfg.MaxSize {
		victim := q.oldestLowLocked()
		if victim == nil {
			q.rejected++
			RecordLost(LossRejected)
			q.logger.Warn("outbound queue full, message rejected",
				slog.String("message_id", msg.ID),
				slog.String("priority", msg.Priority.String()))
			return ErrQueueFull
		}
		heap.Remove(&q.items, victim.index)
		q.evicted++
		RecordLost(LossEvicted)
		q.logger.Warn("outbound queue full, evicted oldest LOW message",
			slog.String("message_id", victim.msg.ID),
			slog.String("admitted_id", msg.ID))
	}

	q.seq++
	heap.Push(&q.items, &queueItem{msg: msg, seq: q.seq})
	recordQueued(msg.Priority)
	setQueueSize(len(q.items))
	return nil
}

// Dequeue removes and returns the highest-priority, oldest message, or nil.
func (q *Queue) Dequeue() *entity.QueuedMessage {
	now := q.clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()
	q.purgeExpiredLocked(now)

	if len(q.items) == 0 {
		return nil
	}
	item := heap.Pop(&q.items).(*queueItem)
	q.waitTotal += now.Sub(item.msg.EnqueuedAt)
	q.waitCount++
	setQueueSize(len(q.items))
	return item.msg
}

// Peek returns a copy of the message Dequeue would return, or nil.
func (q *Queue) Peek() *entity.QueuedMessage {
	now := q.clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()
	q.purgeExpiredLocked(now)

	if len(q.items) == 0 {
		return nil
	}
	cp := *q.items[0].msg
	return &cp
}

// Len returns the number of live messages.
func (q *Queue) Len() int {
	now := q.clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()
	q.purgeExpiredLocked(now)
	return len(q.items)
}

// Stats returns a snapshot of the queue.
func (q *Queue) Stats() QueueStats {
	now := q.clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()
	q.purgeExpiredLocked(now)

	stats := QueueStats{
		Size:       len(q.items),
		ByPriority: make(map[string]int, len(entity.AllPriorities)),
		Expired:    q.expired,
		Evicted:    q.evicted,
		Rejected:   q.rejected,
	}
	for _, p := range entity.AllPriorities {
		stats.ByPriority[p.String()] = 0
	}
	for _, item := range q.items {
		stats.ByPriority[item.msg.Priority.String()]++
		if age := now.Sub(item.msg.EnqueuedAt); age > stats.OldestAge {
			stats.OldestAge = age
		}
	}
	if q.waitCount > 0 {
		stats.AverageWait = q.waitTotal / time.Duration(q.waitCount)
	}
	return stats
}

// purgeExpiredLocked drops expired messages. Caller holds mu.
func (q *Queue) purgeExpiredLocked(now time.Time) {
	kept := q.items[:0]
	dropped := 0
	for _, item := range q.items {
		if item.msg.Expired(now) {
			dropped++
			q.logger.Warn("outbound message expired",
				slog.String("message_id", item.msg.ID),
				slog.String("priority", item.msg.Priority.String()),
				slog.Int("retry_count", item.msg.RetryCount))
			continue
		}
		kept = append(kept, item)
	}
	if dropped == 0 {
		return
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	for i, item := range q.items {
		item.index = i
	}
	heap.Init(&q.items)
	q.expired += int64(dropped)
	messagesLostTotal.WithLabelValues(LossExpired).Add(float64(dropped))
	setQueueSize(len(q.items))
}

// oldestLowLocked finds the LOW message enqueued first. Caller holds mu.
func (q *Queue) oldestLowLocked() *queueItem {
	var oldest *queueItem
	for _, item := range q.items {
		if item.msg.Priority != entity.PriorityLow {
			continue
		}
		if oldest == nil ||
			item.msg.EnqueuedAt.Before(oldest.msg.EnqueuedAt) ||
			(item.msg.EnqueuedAt.Equal(oldest.msg.EnqueuedAt) && item.seq < oldest.seq) {
			oldest = item
		}
	}
	return oldest
}
