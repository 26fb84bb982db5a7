package delivery

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"feed-relay/internal/domain/entity"
	"feed-relay/internal/pkg/clock"
	"feed-relay/internal/repository"
	"feed-relay/internal/resilience/retry"
)

// ConnectionConfig tunes the connection state machine.
type ConnectionConfig struct {
	// Name keys the persisted state, e.g. "telegram".
	Name string

	// NetworkFailureThreshold consecutive network-class failures mark the
	// connection disconnected.
	NetworkFailureThreshold int

	// CircuitFailureThreshold consecutive failures of any class open the circuit.
	CircuitFailureThreshold int

	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration

	// HealthyGrace keeps a degraded connection reported healthy while its
	// last success is this recent.
	HealthyGrace time.Duration

	// PersistTimeout bounds each write to the state store.
	PersistTimeout time.Duration
}

// DefaultConnectionConfig returns the defaults: disconnected after 3 network
// failures, circuit open after 5 failures, retry delay 1s doubling to 5m,
// 5 minute grace window.
func DefaultConnectionConfig(name string) ConnectionConfig {
	return ConnectionConfig{
		Name:                    name,
		NetworkFailureThreshold: 3,
		CircuitFailureThreshold: 5,
		BaseRetryDelay:          time.Second,
		MaxRetryDelay:           5 * time.Minute,
		HealthyGrace:            5 * time.Minute,
		PersistTimeout:          10 * time.Second,
	}
}

// ConnectionManager tracks the health of the outbound messaging connection.
// State changes go through its methods only and are persisted
// asynchronously; the caller never waits for the store.
type ConnectionManager struct {
	cfg    ConnectionConfig
	store  repository.ConnectionStateStore
	clock  clock.Clock
	logger *slog.Logger

	mu              sync.RWMutex
	state           entity.ConnectionState
	networkFailures int

	persistCh chan entity.ConnectionState
	stopCh    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewConnectionManager creates a manager in the connected state. store may
// be nil, in which case nothing is persisted.
func NewConnectionManager(cfg ConnectionConfig, store repository.ConnectionStateStore, clk clock.Clock, logger *slog.Logger) *ConnectionManager {
	def := DefaultConnectionConfig(cfg.Name)
	if cfg.Name == "" {
		cfg.Name = "messaging"
	}
	if cfg.NetworkFailureThreshold <= 0 {
		cfg.NetworkFailureThreshold = def.NetworkFailureThreshold
	}
	if cfg.CircuitFailureThreshold <= 0 {
		cfg.CircuitFailureThreshold = def.CircuitFailureThreshold
	}
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = def.BaseRetryDelay
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = def.MaxRetryDelay
	}
	if cfg.HealthyGrace <= 0 {
		cfg.HealthyGrace = def.HealthyGrace
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = def.PersistTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionManager{
		cfg:       cfg,
		store:     store,
		clock:     clock.OrSystem(clk),
		logger:    logger,
		state:     entity.NewConnectionState(),
		persistCh: make(chan entity.ConnectionState, 1),
		stopCh:    make(chan struct{}),
	}
}

// Start restores the persisted state, so an outage that spans a restart
// keeps its downtime accounting, and starts the background persister.
func (m *ConnectionManager) Start(ctx context.Context) error {
	var loadErr error
	m.startOnce.Do(func() {
		if m.store != nil {
			loadCtx, cancel := context.WithTimeout(ctx, m.cfg.PersistTimeout)
			saved, err := m.store.Load(loadCtx, m.cfg.Name)
			cancel()
			if err != nil {
				loadErr = err
				m.logger.Error("failed to load connection state, starting connected",
					slog.String("connection", m.cfg.Name),
					slog.Any("error", err))
			} else if saved != nil {
				m.mu.Lock()
				m.state = *saved
				m.mu.Unlock()
				m.logger.Info("restored connection state",
					slog.String("connection", m.cfg.Name),
					slog.String("status", string(saved.Status)),
					slog.Int("consecutive_failures", saved.ConsecutiveFailures))
			}
		}
		m.wg.Add(1)
		go m.persistLoop()
	})
	return loadErr
}

// Stop ends the persister and writes the latest state once more.
func (m *ConnectionManager) Stop(ctx context.Context) {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		m.wg.Wait()
		if m.store == nil {
			return
		}
		saveCtx, cancel := context.WithTimeout(ctx, m.cfg.PersistTimeout)
		defer cancel()
		if err := m.store.Save(saveCtx, m.cfg.Name, m.State()); err != nil {
			m.logger.Error("failed to flush connection state",
				slog.String("connection", m.cfg.Name),
				slog.Any("error", err))
		}
	})
}

func (m *ConnectionManager) persistLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case st := <-m.persistCh:
			if m.store == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PersistTimeout)
			if err := m.store.Save(ctx, m.cfg.Name, st); err != nil {
				m.logger.Warn("failed to persist connection state",
					slog.String("connection", m.cfg.Name),
					slog.Any("error", err))
			}
			cancel()
		}
	}
}

// enqueuePersistLocked hands the state to the persister, replacing any
// snapshot it has not picked up yet. Caller holds mu.
func (m *ConnectionManager) enqueuePersistLocked() {
	st := m.state
	select {
	case m.persistCh <- st:
		return
	default:
	}
	select {
	case <-m.persistCh:
	default:
	}
	select {
	case m.persistCh <- st:
	default:
	}
}

// RecordSuccess resets the connection to connected and accrues the
// downtime of the outage that just ended.
func (m *ConnectionManager) RecordSuccess() {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.state.Status
	if m.state.OutageStartedAt != nil {
		m.state.TotalDowntime += now.Sub(*m.state.OutageStartedAt)
		m.state.OutageStartedAt = nil
	}
	m.state.Status = entity.StatusConnected
	m.state.LastSuccessfulCall = &now
	m.state.ConsecutiveFailures = 0
	m.state.CurrentRetryDelay = 0
	m.state.NextRetryAt = nil
	m.state.LastError = ""
	m.state.UpdatedAt = now
	m.networkFailures = 0

	if prev != entity.StatusConnected {
		recordConnectionTransition(m.cfg.Name, entity.StatusConnected)
		m.logger.Info("messaging connection restored",
			slog.String("connection", m.cfg.Name),
			slog.String("from", string(prev)),
			slog.Duration("total_downtime", m.state.TotalDowntime))
	}
	recordConnection(m.cfg.Name, 0)
	m.enqueuePersistLocked()
}

// RecordFailure records a failed call and advances the state machine.
func (m *ConnectionManager) RecordFailure(err error) {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.state.Status
	if m.state.OutageStartedAt == nil {
		m.state.OutageStartedAt = &now
	}
	m.state.ConsecutiveFailures++
	if retry.IsNetworkError(err) {
		m.networkFailures++
	} else {
		m.networkFailures = 0
	}

	switch {
	case m.state.ConsecutiveFailures >= m.cfg.CircuitFailureThreshold:
		m.state.Status = entity.StatusCircuitOpen
	case m.networkFailures >= m.cfg.NetworkFailureThreshold:
		m.state.Status = entity.StatusDisconnected
	default:
		m.state.Status = entity.StatusRecovering
	}

	delay := retry.Backoff(m.state.ConsecutiveFailures-1, m.cfg.BaseRetryDelay, m.cfg.MaxRetryDelay)
	next := now.Add(delay)
	m.state.CurrentRetryDelay = delay
	m.state.NextRetryAt = &next
	if err != nil {
		m.state.LastError = err.Error()
	}
	m.state.UpdatedAt = now

	if prev != m.state.Status {
		recordConnectionTransition(m.cfg.Name, m.state.Status)
		m.logger.Warn("messaging connection degraded",
			slog.String("connection", m.cfg.Name),
			slog.String("from", string(prev)),
			slog.String("to", string(m.state.Status)),
			slog.Int("consecutive_failures", m.state.ConsecutiveFailures),
			slog.Duration("retry_delay", delay),
			slog.Any("error", err))
	}
	recordConnection(m.cfg.Name, m.state.ConsecutiveFailures)
	m.enqueuePersistLocked()
}

// IsHealthy reports connected, or not circuit_open with a success inside
// the grace window.
func (m *ConnectionManager) IsHealthy() bool {
	now := m.clock.Now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.state.Status == entity.StatusConnected {
		return true
	}
	if m.state.Status == entity.StatusCircuitOpen || m.state.LastSuccessfulCall == nil {
		return false
	}
	return now.Sub(*m.state.LastSuccessfulCall) <= m.cfg.HealthyGrace
}

// CanAttempt reports whether a call may be made now. Only an open circuit
// still inside its retry delay refuses.
func (m *ConnectionManager) CanAttempt() bool {
	now := m.clock.Now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.state.Status != entity.StatusCircuitOpen || m.state.NextRetryAt == nil {
		return true
	}
	return !now.Before(*m.state.NextRetryAt)
}

// State returns a copy of the current state.
func (m *ConnectionManager) State() entity.ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Downtime returns the accumulated downtime including a running outage.
func (m *ConnectionManager) Downtime() time.Duration {
	now := m.clock.Now()

	m.mu.RLock()
	defer m.mu.RUnlock()

	total := m.state.TotalDowntime
	if m.state.OutageStartedAt != nil {
		total += now.Sub(*m.state.OutageStartedAt)
	}
	return total
}

// Name returns the connection name.
func (m *ConnectionManager) Name() string {
	return m.cfg.Name
}
