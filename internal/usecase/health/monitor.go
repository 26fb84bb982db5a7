// Package health aggregates the state of the resilience components into
// read-only snapshots and keeps a history of observed calls.
//
// Recording is non-blocking: call outcomes go through a bounded buffer that
// a background loop flushes to the HealthMetricRepository. When the buffer
// is full the outcome is dropped and counted, never waited on.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"feed-relay/internal/domain/entity"
	"feed-relay/internal/pkg/clock"
	"feed-relay/internal/repository"
	"feed-relay/internal/resilience/circuitbreaker"
	"feed-relay/internal/usecase/delivery"
	"feed-relay/internal/usecase/schedule"
)

// Overall health values.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Config tunes buffering, flushing and retention.
type Config struct {
	BufferSize    int
	FlushInterval time.Duration
	FlushBatch    int
	Retention     time.Duration
	// PruneSchedule is a cron spec for the retention prune.
	PruneSchedule string
	// DetailWindow is how far back GetDetailedMetrics looks.
	DetailWindow time.Duration
	// Services are the service names GetDetailedMetrics reports on.
	Services     []string
	StoreTimeout time.Duration
}

// DefaultConfig returns a 1000-entry buffer flushed every 10s, 7 days of
// retention pruned daily and a 1h detail window.
func DefaultConfig() Config {
	return Config{
		BufferSize:    1000,
		FlushInterval: 10 * time.Second,
		FlushBatch:    100,
		Retention:     7 * 24 * time.Hour,
		PruneSchedule: "@daily",
		DetailWindow:  time.Hour,
		Services:      []string{"delivery", "feed-fetch"},
		StoreTimeout:  10 * time.Second,
	}
}

// CleanupReporter exposes reconcile metrics. *schedule.Scheduler implements it.
type CleanupReporter interface {
	CleanupMetrics() schedule.CleanupMetrics
}

// Sources are the components the monitor reads. Nil sources are reported
// as absent.
type Sources struct {
	Connection  *delivery.ConnectionManager
	Queue       *delivery.Queue
	Processor   *delivery.Processor
	FeedBreaker *circuitbreaker.DomainBreaker
	APIBreaker  *circuitbreaker.DomainBreaker
	Cleanup     CleanupReporter
}

// Monitor is the health aggregation point. It implements delivery.MetricSink.
type Monitor struct {
	cfg    Config
	repo   repository.HealthMetricRepository
	src    Sources
	clock  clock.Clock
	logger *slog.Logger

	buf     chan entity.HealthMetric
	dropped atomic.Int64
	flushed atomic.Int64

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
	cron      *cron.Cron
}

// NewMonitor creates a Monitor. repo may be nil, in which case outcomes are
// only counted in memory.
func NewMonitor(cfg Config, repo repository.HealthMetricRepository, src Sources, clk clock.Clock, logger *slog.Logger) *Monitor {
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.FlushBatch <= 0 {
		cfg.FlushBatch = def.FlushBatch
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.PruneSchedule == "" {
		cfg.PruneSchedule = def.PruneSchedule
	}
	if cfg.DetailWindow <= 0 {
		cfg.DetailWindow = def.DetailWindow
	}
	if len(cfg.Services) == 0 {
		cfg.Services = def.Services
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:    cfg,
		repo:   repo,
		src:    src,
		clock:  clock.OrSystem(clk),
		logger: logger,
		buf:    make(chan entity.HealthMetric, cfg.BufferSize),
		stopCh: make(chan struct{}),
	}
}

// RecordCall buffers one call outcome. It never blocks.
func (m *Monitor) RecordCall(service, metricType string, success bool, elapsed time.Duration, errorCode string) {
	metric := entity.HealthMetric{
		ID:             uuid.NewString(),
		Service:        service,
		MetricType:     metricType,
		Success:        success,
		ResponseTimeMs: elapsed.Milliseconds(),
		ErrorCode:      errorCode,
		Timestamp:      m.clock.Now(),
	}
	recordCall(service, success)
	select {
	case m.buf <- metric:
	default:
		m.dropped.Add(1)
		metricsDroppedTotal.Inc()
	}
}

// Start launches the flush loop and the retention prune.
func (m *Monitor) Start(ctx context.Context) error {
	var err error
	m.startOnce.Do(func() {
		if m.repo == nil {
			return
		}
		c := cron.New(cron.WithLocation(time.UTC))
		if _, err = c.AddFunc(m.cfg.PruneSchedule, func() {
			pruneCtx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
			defer cancel()
			if _, perr := m.Prune(pruneCtx); perr != nil {
				m.logger.Warn("health metric prune failed", slog.Any("error", perr))
			}
		}); err != nil {
			err = fmt.Errorf("health prune schedule %q: %w", m.cfg.PruneSchedule, err)
			return
		}
		c.Start()
		m.cron = c

		m.wg.Add(1)
		go m.flushLoop(ctx)
	})
	return err
}

// Stop ends the background loops and flushes what is buffered.
func (m *Monitor) Stop(ctx context.Context) {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		if m.cron != nil {
			<-m.cron.Stop().Done()
		}
		m.wg.Wait()
		if m.repo != nil {
			m.Flush(ctx)
		}
	})
}

func (m *Monitor) flushLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			flushCtx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
			m.Flush(flushCtx)
			cancel()
		}
	}
}

// Flush writes buffered outcomes to the repository in batches and returns
// how many were written. Failed batches are dropped and logged.
func (m *Monitor) Flush(ctx context.Context) int {
	if m.repo == nil {
		return 0
	}
	written := 0
	for {
		batch := m.drain(m.cfg.FlushBatch)
		if len(batch) == 0 {
			return written
		}
		if err := m.repo.Insert(ctx, batch); err != nil {
			m.dropped.Add(int64(len(batch)))
			metricsDroppedTotal.Add(float64(len(batch)))
			m.logger.Warn("failed to persist health metrics",
				slog.Int("count", len(batch)),
				slog.Any("error", err))
			return written
		}
		written += len(batch)
		m.flushed.Add(int64(len(batch)))
	}
}

func (m *Monitor) drain(max int) []entity.HealthMetric {
	var batch []entity.HealthMetric
	for len(batch) < max {
		select {
		case metric := <-m.buf:
			batch = append(batch, metric)
		default:
			return batch
		}
	}
	return batch
}

// Prune deletes metrics older than the retention window.
func (m *Monitor) Prune(ctx context.Context) (int64, error) {
	if m.repo == nil {
		return 0, nil
	}
	before := m.clock.Now().Add(-m.cfg.Retention)
	n, err := m.repo.DeleteBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("prune health metrics: %w", err)
	}
	m.logger.Info("health metrics pruned",
		slog.Int64("deleted", n),
		slog.Time("before", before))
	return n, nil
}

// HealthStatus is the overall verdict.
type HealthStatus struct {
	Status            string                  `json:"status"`
	Connection        entity.ConnectionStatus `json:"connection,omitempty"`
	ConnectionHealthy bool                    `json:"connection_healthy"`
	QueueSize         int                     `json:"queue_size"`
	ProcessorPaused   bool                    `json:"processor_paused"`
	OpenFeedCircuits  int                     `json:"open_feed_circuits"`
	OpenAPICircuits   int                     `json:"open_api_circuits"`
	CheckedAt         time.Time               `json:"checked_at"`
}

// GetHealthStatus returns unhealthy when the messaging connection's
// circuit is open, degraded when any component is impaired and healthy
// otherwise.
func (m *Monitor) GetHealthStatus() HealthStatus {
	hs := HealthStatus{
		Status:            StatusHealthy,
		ConnectionHealthy: true,
		CheckedAt:         m.clock.Now(),
	}
	if c := m.src.Connection; c != nil {
		hs.Connection = c.State().Status
		hs.ConnectionHealthy = c.IsHealthy()
	}
	if q := m.src.Queue; q != nil {
		hs.QueueSize = q.Len()
	}
	if p := m.src.Processor; p != nil {
		hs.ProcessorPaused = p.Paused()
	}
	if b := m.src.FeedBreaker; b != nil {
		_, hs.OpenFeedCircuits = b.Counts()
	}
	if b := m.src.APIBreaker; b != nil {
		_, hs.OpenAPICircuits = b.Counts()
	}

	switch {
	case hs.Connection == entity.StatusCircuitOpen || hs.OpenAPICircuits > 0:
		hs.Status = StatusUnhealthy
	case !hs.ConnectionHealthy, hs.ProcessorPaused, hs.OpenFeedCircuits > 0:
		hs.Status = StatusDegraded
	}
	return hs
}

// ResilienceStats is a snapshot of every resilience component.
type ResilienceStats struct {
	Connection     *entity.ConnectionState   `json:"connection,omitempty"`
	Downtime       time.Duration             `json:"downtime"`
	Queue          *delivery.QueueStats      `json:"queue,omitempty"`
	Processor      *delivery.ProcessorStats  `json:"processor,omitempty"`
	FeedCircuits   []circuitbreaker.Snapshot `json:"feed_circuits"`
	APICircuits    []circuitbreaker.Snapshot `json:"api_circuits"`
	MetricsDropped int64                     `json:"metrics_dropped"`
	MetricsFlushed int64                     `json:"metrics_flushed"`
	Cleanup        *schedule.CleanupMetrics  `json:"cleanup,omitempty"`
}

// GetResilienceStats returns the component snapshots.
func (m *Monitor) GetResilienceStats() ResilienceStats {
	rs := ResilienceStats{
		MetricsDropped: m.dropped.Load(),
		MetricsFlushed: m.flushed.Load(),
	}
	if c := m.src.Connection; c != nil {
		st := c.State()
		rs.Connection = &st
		rs.Downtime = c.Downtime()
	}
	if q := m.src.Queue; q != nil {
		qs := q.Stats()
		rs.Queue = &qs
	}
	if p := m.src.Processor; p != nil {
		ps := p.Stats()
		rs.Processor = &ps
	}
	if b := m.src.FeedBreaker; b != nil {
		rs.FeedCircuits = b.Snapshot()
	}
	if b := m.src.APIBreaker; b != nil {
		rs.APICircuits = b.Snapshot()
	}
	if r := m.src.Cleanup; r != nil {
		cm := r.CleanupMetrics()
		rs.Cleanup = &cm
	}
	return rs
}

// ServiceMetrics aggregates the recorded calls of one service.
type ServiceMetrics struct {
	Calls         int            `json:"calls"`
	Successes     int            `json:"successes"`
	Failures      int            `json:"failures"`
	SuccessRate   float64        `json:"success_rate"`
	AvgResponseMs float64        `json:"avg_response_ms"`
	P95ResponseMs int64          `json:"p95_response_ms"`
	ErrorCodes    map[string]int `json:"error_codes,omitempty"`
}

// DetailedMetrics aggregates recorded calls over the detail window.
type DetailedMetrics struct {
	Since    time.Time                 `json:"since"`
	Services map[string]ServiceMetrics `json:"services"`
}

// GetDetailedMetrics aggregates persisted calls of each configured service
// over the detail window. Buffered, unflushed calls are not included.
func (m *Monitor) GetDetailedMetrics(ctx context.Context) (DetailedMetrics, error) {
	since := m.clock.Now().Add(-m.cfg.DetailWindow)
	out := DetailedMetrics{Since: since, Services: make(map[string]ServiceMetrics, len(m.cfg.Services))}
	if m.repo == nil {
		return out, nil
	}
	for _, service := range m.cfg.Services {
		rows, err := m.repo.ListSince(ctx, service, since)
		if err != nil {
			return out, fmt.Errorf("detailed metrics for %s: %w", service, err)
		}
		out.Services[service] = aggregate(rows)
	}
	return out, nil
}

// GetCleanupMetrics returns the scheduler's reconcile metrics.
func (m *Monitor) GetCleanupMetrics() schedule.CleanupMetrics {
	if m.src.Cleanup == nil {
		return schedule.CleanupMetrics{}
	}
	return m.src.Cleanup.CleanupMetrics()
}

func aggregate(rows []entity.HealthMetric) ServiceMetrics {
	sm := ServiceMetrics{Calls: len(rows)}
	if len(rows) == 0 {
		return sm
	}
	times := make([]int64, 0, len(rows))
	var total int64
	for _, r := range rows {
		if r.Success {
			sm.Successes++
		} else {
			sm.Failures++
			if r.ErrorCode != "" {
				if sm.ErrorCodes == nil {
					sm.ErrorCodes = make(map[string]int)
				}
				sm.ErrorCodes[r.ErrorCode]++
			}
		}
		total += r.ResponseTimeMs
		times = append(times, r.ResponseTimeMs)
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })
	sm.SuccessRate = float64(sm.Successes) / float64(sm.Calls)
	sm.AvgResponseMs = float64(total) / float64(sm.Calls)
	idx := (len(times)*95+99)/100 - 1
	if idx < 0 {
		idx = 0
	}
	sm.P95ResponseMs = times[idx]
	return sm
}
