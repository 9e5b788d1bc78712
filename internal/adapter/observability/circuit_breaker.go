package observability

import (
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-request-router/internal/config"
)

// CircuitBreakerState represents the state of a provider circuit breaker.
type CircuitBreakerState int

const (
	// StateClosed means the provider is healthy and calls are allowed.
	StateClosed CircuitBreakerState = iota
	// StateOpen means the provider is considered down and calls fail fast.
	StateOpen
	// StateHalfOpen means a limited number of probe calls are allowed.
	StateHalfOpen
)

// String returns the wire representation used in status payloads.
func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker tracks consecutive failures for one provider and fails fast
// while the provider is considered down. Callers ask IsAvailable before each
// call and report the outcome with RecordSuccess or RecordFailure.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	halfOpenMax      int

	mu               sync.Mutex
	state            CircuitBreakerState
	failures         int
	successes        int
	halfOpenInFlight int
	lastFailure      time.Time
	openedAt         time.Time

	now func() time.Time
}

// NewCircuitBreaker creates a closed breaker for the named provider.
func NewCircuitBreaker(name string, cfg config.BreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:             name,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		timeout:          cfg.Timeout,
		halfOpenMax:      cfg.HalfOpenMaxCalls,
		state:            StateClosed,
		now:              time.Now,
	}
	SetCircuitBreakerState(name, StateClosed)
	return cb
}

// IsAvailable reports whether a call to the provider may proceed. Once the
// open timeout has elapsed the breaker flips to half-open and admits up to
// halfOpenMax concurrent probe calls; every admitted probe must be settled
// with RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) IsAvailable() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.timeout {
			return false
		}
		cb.transition(StateHalfOpen)
		cb.successes = 0
		cb.halfOpenInFlight = 1
		return true
	case StateHalfOpen:
		if cb.halfOpenInFlight >= cb.halfOpenMax {
			return false
		}
		cb.halfOpenInFlight++
		return true
	default:
		return false
	}
}

// RecordSuccess reports a successful provider call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		if cb.halfOpenInFlight > 0 {
			cb.halfOpenInFlight--
		}
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.transition(StateClosed)
			cb.failures = 0
			cb.successes = 0
			cb.halfOpenInFlight = 0
		}
	case StateOpen:
		// Late result from a call admitted before the breaker opened.
	}
}

// RecordFailure reports a failed provider call. A failure during half-open
// reopens the breaker and restarts the recovery clock.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailure = cb.now()
	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.failureThreshold {
			cb.open()
		}
	case StateHalfOpen:
		if cb.halfOpenInFlight > 0 {
			cb.halfOpenInFlight--
		}
		cb.failures++
		cb.open()
	case StateOpen:
		cb.failures++
	}
}

func (cb *CircuitBreaker) open() {
	cb.transition(StateOpen)
	cb.openedAt = cb.now()
	cb.successes = 0
	cb.halfOpenInFlight = 0
}

func (cb *CircuitBreaker) transition(next CircuitBreakerState) {
	cb.state = next
	SetCircuitBreakerState(cb.name, next)
}

// GetState returns the current state without side effects.
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// BreakerSnapshot is a point-in-time view of one breaker for status payloads.
type BreakerSnapshot struct {
	Name        string     `json:"name"`
	State       string     `json:"state"`
	Failures    int        `json:"failure_count"`
	Successes   int        `json:"success_count"`
	LastFailure *time.Time `json:"last_failure,omitempty"`
	OpenedAt    *time.Time `json:"opened_at,omitempty"`
}

// Snapshot returns a consistent view of the breaker.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	snap := BreakerSnapshot{
		Name:      cb.name,
		State:     cb.state.String(),
		Failures:  cb.failures,
		Successes: cb.successes,
	}
	if !cb.lastFailure.IsZero() {
		t := cb.lastFailure
		snap.LastFailure = &t
	}
	if cb.state == StateOpen && !cb.openedAt.IsZero() {
		t := cb.openedAt
		snap.OpenedAt = &t
	}
	return snap
}

// Reset forces the breaker back to closed and clears all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed)
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenInFlight = 0
}

// CircuitBreakerManager holds one breaker per provider, created on demand
// with a shared configuration.
type CircuitBreakerManager struct {
	cfg      config.BreakerConfig
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewCircuitBreakerManager creates an empty manager.
func NewCircuitBreakerManager(cfg config.BreakerConfig) *CircuitBreakerManager {
	return &CircuitBreakerManager{
		cfg:      cfg,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// GetOrCreate returns the breaker for the named provider, creating it on
// first use.
func (m *CircuitBreakerManager) GetOrCreate(name string) *CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[name]; ok {
		return cb
	}
	cb = NewCircuitBreaker(name, m.cfg)
	m.breakers[name] = cb
	return cb
}

// Get returns the breaker for the named provider if it exists.
func (m *CircuitBreakerManager) Get(name string) (*CircuitBreaker, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cb, ok := m.breakers[name]
	return cb, ok
}

// Snapshots returns a snapshot of every breaker, ordered by provider name.
func (m *CircuitBreakerManager) Snapshots() []BreakerSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]BreakerSnapshot, 0, len(m.breakers))
	for _, cb := range m.breakers {
		out = append(out, cb.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reset resets the named breaker and reports whether it existed.
func (m *CircuitBreakerManager) Reset(name string) bool {
	cb, ok := m.Get(name)
	if ok {
		cb.Reset()
	}
	return ok
}

// ResetAll resets every breaker.
func (m *CircuitBreakerManager) ResetAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, cb := range m.breakers {
		cb.Reset()
	}
}
