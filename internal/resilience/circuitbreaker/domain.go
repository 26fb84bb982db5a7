package circuitbreaker

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"feed-relay/internal/pkg/clock"
)

// State is the state of a keyed circuit.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// DomainConfig configures a DomainBreaker.
type DomainConfig struct {
	// Name labels metrics and logs, e.g. "feed-source" or "delivery-api".
	Name string

	// FailureThreshold is the number of consecutive failures that opens a circuit.
	FailureThreshold int

	// BaseCooldown is the first open period. Each consecutive open cycle doubles it.
	BaseCooldown time.Duration

	// MaxCooldown caps the open period.
	MaxCooldown time.Duration
}

// DefaultDomainConfig returns the breaker settings for remote domains:
// open after 5 consecutive failures for 10 minutes, doubling up to 4 hours.
func DefaultDomainConfig(name string) DomainConfig {
	return DomainConfig{
		Name:             name,
		FailureThreshold: 5,
		BaseCooldown:     10 * time.Minute,
		MaxCooldown:      4 * time.Hour,
	}
}

type domainState struct {
	state         State
	failures      int
	openCycles    int
	opensUntil    time.Time
	probeInFlight bool
	lastFailure   time.Time
}

// Snapshot is a point-in-time view of one keyed circuit.
type Snapshot struct {
	Key                 string     `json:"key"`
	State               State      `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	OpenCycles          int        `json:"open_cycles"`
	OpensUntil          *time.Time `json:"opens_until,omitempty"`
	LastFailure         *time.Time `json:"last_failure,omitempty"`
}

// DomainBreaker tracks consecutive failures per key and blocks calls to keys
// whose circuit is open. All state changes go through its methods.
type DomainBreaker struct {
	cfg    DomainConfig
	clock  clock.Clock
	logger *slog.Logger

	mu     sync.Mutex
	states map[string]*domainState
}

// NewDomainBreaker creates a DomainBreaker. Zero config fields fall back to
// DefaultDomainConfig values; a nil clock uses the system clock.
func NewDomainBreaker(cfg DomainConfig, clk clock.Clock, logger *slog.Logger) *DomainBreaker {
	def := DefaultDomainConfig(cfg.Name)
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.BaseCooldown <= 0 {
		cfg.BaseCooldown = def.BaseCooldown
	}
	if cfg.MaxCooldown < cfg.BaseCooldown {
		cfg.MaxCooldown = def.MaxCooldown
		if cfg.MaxCooldown < cfg.BaseCooldown {
			cfg.MaxCooldown = cfg.BaseCooldown
		}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DomainBreaker{
		cfg:    cfg,
		clock:  clock.OrSystem(clk),
		logger: logger,
		states: make(map[string]*domainState),
	}
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// get returns the state for key, creating it. Caller holds mu.
func (b *DomainBreaker) get(key string) *domainState {
	st := b.states[key]
	if st == nil {
		st = &domainState{state: StateClosed}
		b.states[key] = st
	}
	return st
}

// CanExecute reports whether a call to key may proceed.
// An OPEN circuit whose cooldown elapsed moves to HALF_OPEN and admits
// exactly one probe; further calls are refused until the probe is recorded.
func (b *DomainBreaker) CanExecute(key string) bool {
	key = normalizeKey(key)
	now := b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.states[key]
	if !ok {
		return true
	}

	switch st.state {
	case StateClosed:
		return true
	case StateOpen:
		if now.Before(st.opensUntil) {
			return false
		}
		b.transition(key, st, StateHalfOpen)
		st.probeInFlight = true
		return true
	case StateHalfOpen:
		if st.probeInFlight {
			return false
		}
		st.probeInFlight = true
		return true
	default:
		return true
	}
}

// RecordSuccess closes the circuit for key and resets its counters.
func (b *DomainBreaker) RecordSuccess(key string) {
	key = normalizeKey(key)

	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.states[key]
	if !ok {
		return
	}
	if st.state != StateClosed {
		b.transition(key, st, StateClosed)
	}
	st.failures = 0
	st.openCycles = 0
	st.opensUntil = time.Time{}
	st.probeInFlight = false
}

// Release returns an admitted HALF_OPEN probe slot for a call that ended
// without a verdict on the remote's health, e.g. a rate-limit response or
// a call that was never made.
func (b *DomainBreaker) Release(key string) {
	key = normalizeKey(key)

	b.mu.Lock()
	defer b.mu.Unlock()

	if st, ok := b.states[key]; ok && st.state == StateHalfOpen {
		st.probeInFlight = false
	}
}

// RecordFailure counts a failed call to key.
// A failure while the circuit is already OPEN never extends the cooldown.
// A failed HALF_OPEN probe reopens the circuit with a doubled cooldown.
func (b *DomainBreaker) RecordFailure(key string) {
	b.recordFailure(normalizeKey(key), false)
}

// RecordAuthFailure records an authorization or forbidden response, which
// opens the circuit immediately regardless of the failure count.
func (b *DomainBreaker) RecordAuthFailure(key string) {
	b.recordFailure(normalizeKey(key), true)
}

func (b *DomainBreaker) recordFailure(key string, escalate bool) {
	now := b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.get(key)
	st.failures++
	st.lastFailure = now

	switch st.state {
	case StateOpen:
		if now.Before(st.opensUntil) {
			return
		}
		// cooldown elapsed without a probe; the failure counts as a failed probe
		st.openCycles++
		b.open(key, st, now)
	case StateHalfOpen:
		st.openCycles++
		b.open(key, st, now)
	default:
		if escalate || st.failures >= b.cfg.FailureThreshold {
			b.open(key, st, now)
		}
	}
}

// open moves st to OPEN with the cooldown of its current cycle. Caller holds mu.
func (b *DomainBreaker) open(key string, st *domainState, now time.Time) {
	cooldown := b.cooldown(st.openCycles)
	st.opensUntil = now.Add(cooldown)
	st.probeInFlight = false
	b.transition(key, st, StateOpen)
	recordTrip(b.cfg.Name)
	b.logger.Warn("circuit opened",
		slog.String("breaker", b.cfg.Name),
		slog.String("domain", key),
		slog.Int("consecutive_failures", st.failures),
		slog.Int("open_cycles", st.openCycles),
		slog.Duration("cooldown", cooldown),
		slog.Time("opens_until", st.opensUntil))
}

func (b *DomainBreaker) cooldown(cycles int) time.Duration {
	d := b.cfg.BaseCooldown
	for i := 0; i < cycles; i++ {
		d *= 2
		if d >= b.cfg.MaxCooldown {
			return b.cfg.MaxCooldown
		}
	}
	return d
}

func (b *DomainBreaker) transition(key string, st *domainState, to State) {
	from := st.state
	st.state = to
	if from == to {
		return
	}
	recordStateChange(b.cfg.Name, to)
	b.logger.Info("circuit state changed",
		slog.String("breaker", b.cfg.Name),
		slog.String("domain", key),
		slog.String("from", string(from)),
		slog.String("to", string(to)))
}

// State returns the current state of key without side effects.
func (b *DomainBreaker) State(key string) State {
	key = normalizeKey(key)

	b.mu.Lock()
	defer b.mu.Unlock()

	if st, ok := b.states[key]; ok {
		return st.state
	}
	return StateClosed
}

// IsOpen reports whether key is OPEN and still cooling down.
func (b *DomainBreaker) IsOpen(key string) bool {
	key = normalizeKey(key)
	now := b.clock.Now()

	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.states[key]
	return ok && st.state == StateOpen && now.Before(st.opensUntil)
}

// Snapshot returns the state of every tracked key, sorted by key.
func (b *DomainBreaker) Snapshot() []Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Snapshot, 0, len(b.states))
	for key, st := range b.states {
		s := Snapshot{
			Key:                 key,
			State:               st.state,
			ConsecutiveFailures: st.failures,
			OpenCycles:          st.openCycles,
		}
		if !st.opensUntil.IsZero() {
			until := st.opensUntil
			s.OpensUntil = &until
		}
		if !st.lastFailure.IsZero() {
			last := st.lastFailure
			s.LastFailure = &last
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Counts returns the number of tracked keys and how many are not CLOSED.
func (b *DomainBreaker) Counts() (total, open int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, st := range b.states {
		total++
		if st.state != StateClosed {
			open++
		}
	}
	return total, open
}

// Name returns the breaker name.
func (b *DomainBreaker) Name() string {
	return b.cfg.Name
}
