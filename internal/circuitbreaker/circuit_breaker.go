// Package circuitbreaker keeps a failing data source out of rotation for a cool-down period.
package circuitbreaker

import (
	"sync"
	"time"

	"github.com/roi-ledger/internal/logging"
	"github.com/roi-ledger/internal/types"
)

// State represents the circuit breaker state
type State string

const (
	// StateClosed means the source is used normally
	StateClosed State = "closed"
	// StateOpen means the source is skipped
	StateOpen State = "open"
	// StateHalfOpen means a single probe call is allowed through
	StateHalfOpen State = "half_open"
)

// Config configures a circuit breaker
type Config struct {
	// Threshold is the number of consecutive transient failures that opens the breaker.
	Threshold int
	// Timeout is how long the breaker stays open before allowing a probe.
	Timeout time.Duration
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig() Config {
	return Config{
		Threshold: 5,
		Timeout:   2 * time.Minute,
	}
}

// CircuitBreaker tracks consecutive transient failures of one source.
type CircuitBreaker struct {
	name      string
	threshold int
	timeout   time.Duration
	now       func() time.Time

	mu               sync.Mutex
	state            State
	consecutiveFails int
	totalFailures    int
	probeInFlight    bool
	lastFailureTime  time.Time
	lastStateChange  time.Time
}

// NewCircuitBreaker creates a closed breaker
func NewCircuitBreaker(name string, cfg Config, now func() time.Time) *CircuitBreaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultConfig().Threshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		name:            name,
		threshold:       cfg.Threshold,
		timeout:         cfg.Timeout,
		now:             now,
		state:           StateClosed,
		lastStateChange: now(),
	}
}

// Allow reports whether the source may be called. An open breaker turns half-open once
// the timeout has elapsed and then lets exactly one probe through.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.now().Sub(cb.lastStateChange) < cb.timeout {
			return false
		}
		cb.setState(StateHalfOpen)
		cb.probeInFlight = true
		logging.WithFields(logging.Fields{
			"circuitBreaker": cb.name,
			"state":          StateHalfOpen,
		}).Info("Circuit breaker transitioning to half-open")
		return true
	case StateHalfOpen:
		if cb.probeInFlight {
			return false
		}
		cb.probeInFlight = true
		return true
	}
	return true
}

// Record feeds the outcome of one provider call. Only transient failures count against
// the source; auth and unsupported-chain failures say nothing about its health.
func (cb *CircuitBreaker) Record(kind types.ErrorKind) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch kind {
	case types.ErrorKindNone, types.ErrorKindNotFound:
		cb.onSuccess()
	case types.ErrorKindTransient:
		cb.onFailure()
	case types.ErrorKindAuth, types.ErrorKindUnsupportedChain, types.ErrorKindRateLimited:
		cb.probeInFlight = false
	}
}

func (cb *CircuitBreaker) onSuccess() {
	cb.consecutiveFails = 0
	cb.probeInFlight = false
	if cb.state != StateClosed {
		cb.setState(StateClosed)
		logging.WithFields(logging.Fields{
			"circuitBreaker": cb.name,
			"state":          StateClosed,
		}).Info("Circuit breaker closed after successful probe")
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.consecutiveFails++
	cb.totalFailures++
	cb.lastFailureTime = cb.now()
	cb.probeInFlight = false

	switch cb.state {
	case StateClosed:
		if cb.consecutiveFails >= cb.threshold {
			cb.setState(StateOpen)
			logging.WithFields(logging.Fields{
				"circuitBreaker":   cb.name,
				"state":            StateOpen,
				"consecutiveFails": cb.consecutiveFails,
			}).Warn("Circuit breaker opened due to failures")
		}
	case StateHalfOpen:
		cb.setState(StateOpen)
		logging.WithFields(logging.Fields{
			"circuitBreaker": cb.name,
			"state":          StateOpen,
		}).Warn("Circuit breaker reopened after failed probe")
	}
}

func (cb *CircuitBreaker) setState(state State) {
	cb.state = state
	cb.lastStateChange = cb.now()
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats represents circuit breaker statistics
type Stats struct {
	Name             string    `json:"name"`
	State            State     `json:"state"`
	ConsecutiveFails int       `json:"consecutiveFails"`
	TotalFailures    int       `json:"totalFailures"`
	LastFailureTime  time.Time `json:"lastFailureTime,omitempty"`
	LastStateChange  time.Time `json:"lastStateChange"`
}

// GetStats returns statistics about the circuit breaker
func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		Name:             cb.name,
		State:            cb.state,
		ConsecutiveFails: cb.consecutiveFails,
		TotalFailures:    cb.totalFailures,
		LastFailureTime:  cb.lastFailureTime,
		LastStateChange:  cb.lastStateChange,
	}
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.setState(StateClosed)
	cb.consecutiveFails = 0
	cb.probeInFlight = false
}

// Manager hands out one breaker per source name
type Manager struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewManager creates a manager whose breakers share cfg
func NewManager(cfg Config, now func() time.Time) *Manager {
	return &Manager{
		cfg:      cfg,
		now:      now,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// For gets an existing circuit breaker or creates a new one
func (m *Manager) For(name string) *CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, ok := m.breakers[name]; ok {
		return cb
	}
	cb := NewCircuitBreaker(name, m.cfg, m.now)
	m.breakers[name] = cb
	return cb
}

// AllStats returns statistics for all circuit breakers
func (m *Manager) AllStats() map[string]Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]Stats, len(m.breakers))
	for name, cb := range m.breakers {
		out[name] = cb.GetStats()
	}
	return out
}
