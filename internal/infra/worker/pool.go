package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"feed-relay/internal/domain/entity"
	"feed-relay/internal/pkg/clock"
	"feed-relay/internal/repository"
)

var (
	// ErrNoHandler is recorded on jobs whose name has no registered handler.
	ErrNoHandler = errors.New("no handler registered for job")

	// ErrJobPanicked wraps a value recovered from a panicking handler.
	ErrJobPanicked = errors.New("job handler panicked")

	// ErrPoolRunning is returned by Run when the pool is already running.
	ErrPoolRunning = errors.New("worker pool already running")
)

// Handler processes one job. A returned error marks the job failed.
type Handler interface {
	Handle(ctx context.Context, job *entity.Job) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *entity.Job) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, job *entity.Job) error {
	return f(ctx, job)
}

// PoolConfig controls the worker pool.
type PoolConfig struct {
	// Workers is the number of shards; each shard is drained by one goroutine.
	Workers      int
	PollInterval time.Duration
	JobTimeout   time.Duration

	// PromoteInterval is the cadence of the promoter loop.
	PromoteInterval time.Duration

	// StaleActiveAfter is how long a job may stay active before it is
	// considered abandoned by a crashed worker and requeued.
	StaleActiveAfter time.Duration

	// RetainFinished is how long completed and failed jobs are kept.
	RetainFinished time.Duration

	// StoreTimeout bounds each job store call.
	StoreTimeout time.Duration
}

// DefaultPoolConfig returns 5 shards polled every second with a 2m job timeout.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:          5,
		PollInterval:     time.Second,
		JobTimeout:       2 * time.Minute,
		PromoteInterval:  time.Second,
		StaleActiveAfter: 5 * time.Minute,
		RetainFinished:   24 * time.Hour,
		StoreTimeout:     10 * time.Second,
	}
}

// PoolStats is a snapshot of the pool counters.
type PoolStats struct {
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
	Active    int   `json:"active"`
}

// Pool drains the durable job store. Jobs are claimed per shard, run to
// completion under JobTimeout and marked completed or failed.
type Pool struct {
	cfg      PoolConfig
	store    repository.JobStore
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *WorkerMetrics
	handlers map[string]Handler

	mu      sync.Mutex
	running bool
	stats   PoolStats
}

// NewPool creates a Pool. Zero config fields take their defaults; metrics
// may be nil.
func NewPool(cfg PoolConfig, store repository.JobStore, clk clock.Clock, metrics *WorkerMetrics, logger *slog.Logger) *Pool {
	def := DefaultPoolConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}
	if cfg.PromoteInterval <= 0 {
		cfg.PromoteInterval = def.PromoteInterval
	}
	if cfg.StaleActiveAfter <= 0 {
		cfg.StaleActiveAfter = def.StaleActiveAfter
	}
	if cfg.RetainFinished <= 0 {
		cfg.RetainFinished = def.RetainFinished
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = def.StoreTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:      cfg,
		store:    store,
		clock:    clock.OrSystem(clk),
		logger:   logger,
		metrics:  metrics,
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a job name. Call it before Run.
func (p *Pool) Register(name string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[name] = h
}

// Run starts the promoter loop and one goroutine per shard and blocks until
// ctx is cancelled. In-flight jobs see the cancellation through their
// context; their final state is still written to the store.
func (p *Pool) Run(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return ErrPoolRunning
	}
	p.running = true
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	p.logger.Info("worker pool starting",
		slog.Int("workers", p.cfg.Workers),
		slog.Duration("job_timeout", p.cfg.JobTimeout))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p.promoteLoop(gctx)
		return nil
	})
	for shard := 0; shard < p.cfg.Workers; shard++ {
		g.Go(func() error {
			p.shardLoop(gctx, shard)
			return nil
		})
	}
	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

func (p *Pool) shardLoop(ctx context.Context, shard int) {
	for {
		found, err := p.ProcessNext(ctx, shard)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			p.logger.Warn("failed to process job",
				slog.Int("shard", shard),
				slog.Any("error", err))
		}
		// keep draining while the shard has due work
		if found && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

func (p *Pool) promoteLoop(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PromoteInterval)
	defer ticker.Stop()
	for {
		p.Maintain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessNext claims the next due job of shard and runs it. It reports
// whether a job was claimed. The returned error is a store error; handler
// failures are recorded on the job instead.
func (p *Pool) ProcessNext(ctx context.Context, shard int) (bool, error) {
	claimCtx, cancel := context.WithTimeout(ctx, p.cfg.StoreTimeout)
	job, err := p.store.ClaimNext(claimCtx, shard, p.clock.Now())
	cancel()
	if err != nil {
		return false, fmt.Errorf("claim job on shard %d: %w", shard, err)
	}
	if job == nil {
		return false, nil
	}

	p.mu.Lock()
	h := p.handlers[job.Name]
	p.stats.Active++
	p.mu.Unlock()

	start := time.Now()
	var runErr error
	if h == nil {
		runErr = fmt.Errorf("%w: %s", ErrNoHandler, job.Name)
	} else {
		jobCtx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
		runErr = p.run(jobCtx, h, job)
		cancel()
	}
	elapsed := time.Since(start)

	status := "success"
	p.mu.Lock()
	p.stats.Active--
	p.stats.Processed++
	if runErr != nil {
		p.stats.Failed++
		status = "failure"
		if errors.Is(runErr, ErrJobPanicked) {
			p.stats.Panics++
			status = "panic"
		}
	}
	p.mu.Unlock()
	p.metrics.RecordJobRun(job.Name, status)
	p.metrics.RecordJobDuration(job.Name, elapsed.Seconds())

	// the final state is written even when shutdown cancelled the job
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.StoreTimeout)
	defer cancel()
	now := p.clock.Now()
	if runErr != nil {
		p.logger.Warn("job failed",
			slog.String("job_id", job.ID),
			slog.String("job", job.Name),
			slog.Int("shard", shard),
			slog.Int("attempts", job.Attempts),
			slog.Any("error", runErr))
		if err := p.store.Fail(storeCtx, job.ID, runErr.Error(), now); err != nil {
			return true, fmt.Errorf("mark job %s failed: %w", job.ID, err)
		}
		return true, nil
	}

	p.logger.Debug("job completed",
		slog.String("job_id", job.ID),
		slog.String("job", job.Name),
		slog.Int("shard", shard),
		slog.Duration("duration", elapsed))
	if err := p.store.Complete(storeCtx, job.ID, now); err != nil {
		return true, fmt.Errorf("mark job %s completed: %w", job.ID, err)
	}
	return true, nil
}

func (p *Pool) run(ctx context.Context, h Handler, job *entity.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job handler panicked",
				slog.String("job_id", job.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("%w: %v", ErrJobPanicked, r)
		}
	}()
	return h.Handle(ctx, job)
}

// MaintenanceResult reports one promoter pass.
type MaintenanceResult struct {
	Promoted int
	Requeued int
	Pruned   int
}

// Maintain runs one promoter pass: due repeat schedules become job
// occurrences, jobs active for longer than StaleActiveAfter are requeued
// and finished jobs older than RetainFinished are deleted. Each step runs
// even when an earlier one failed.
func (p *Pool) Maintain(ctx context.Context) MaintenanceResult {
	var res MaintenanceResult
	now := p.clock.Now()

	step := func(name string, fn func(context.Context) (int, error)) int {
		sctx, cancel := context.WithTimeout(ctx, p.cfg.StoreTimeout)
		defer cancel()
		n, err := fn(sctx)
		if err != nil && ctx.Err() == nil {
			p.logger.Warn("job maintenance step failed",
				slog.String("step", name),
				slog.Any("error", err))
		}
		return n
	}

	res.Promoted = step("promote", func(c context.Context) (int, error) {
		return p.store.PromoteRepeatables(c, now)
	})
	res.Requeued = step("requeue", func(c context.Context) (int, error) {
		return p.store.RequeueStale(c, now.Add(-p.cfg.StaleActiveAfter))
	})
	res.Pruned = step("prune", func(c context.Context) (int, error) {
		return p.store.PruneFinished(c, now.Add(-p.cfg.RetainFinished))
	})

	if res.Requeued > 0 {
		p.logger.Warn("requeued stale jobs", slog.Int("count", res.Requeued))
	}
	p.metrics.RecordMaintenance(res.Promoted, res.Requeued, res.Pruned)
	return res
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
