package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/rendis/crewflow/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Testing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the per-agent circuit breakers.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive transient failures before opening.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before half-open probing.
	Cooldown time.Duration
	// HalfOpenMax is the number of probe attempts allowed while half-open.
	HalfOpenMax int
}

// DefaultCircuitBreakerConfig returns the default configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// BreakerStats is a point-in-time view of one agent's breaker.
type BreakerStats struct {
	Agent               string `json:"agent"`
	State               string `json:"state"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	FailureThreshold    int    `json:"failure_threshold"`
	Cooldown            string `json:"cooldown"`
}

type circuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	lastFailureTime     time.Time
	halfOpenAttempts    int
}

// CircuitBreakerRegistry keeps one breaker per agent. Only transient and
// timeout failures are recorded: a permanent error says nothing about the
// agent's availability.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
	now      func() time.Time
}

// NewCircuitBreakerRegistry creates a registry. Zero config values use defaults.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	def := DefaultCircuitBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = def.Cooldown
	}
	if config.HalfOpenMax <= 0 {
		config.HalfOpenMax = def.HalfOpenMax
	}
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		now:      time.Now,
	}
}

// AllowRequest returns nil if the agent may be invoked, or a CIRCUIT_OPEN error.
func (r *CircuitBreakerRegistry) AllowRequest(agent string) error {
	cb := r.getOrCreate(agent)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitOpen:
		elapsed := r.now().Sub(cb.lastFailureTime)
		if elapsed >= r.config.Cooldown {
			cb.state = CircuitHalfOpen
			cb.halfOpenAttempts = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"agent %q unavailable: %d consecutive failures", agent, cb.consecutiveFailures).
			WithDetails(map[string]any{
				"agent":                agent,
				"consecutive_failures": cb.consecutiveFailures,
				"cooldown_remaining":   (r.config.Cooldown - elapsed).String(),
			})

	case CircuitHalfOpen:
		if cb.halfOpenAttempts >= r.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"agent %q unavailable: recovery probe in flight", agent)
		}
		cb.halfOpenAttempts++
	}
	return nil
}

// RecordSuccess closes the agent's circuit.
func (r *CircuitBreakerRegistry) RecordSuccess(agent string) {
	cb := r.getOrCreate(agent)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures = 0
	cb.halfOpenAttempts = 0
	cb.state = CircuitClosed
}

// RecordFailure counts a failure and returns the new state.
func (r *CircuitBreakerRegistry) RecordFailure(agent string) CircuitState {
	cb := r.getOrCreate(agent)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.consecutiveFailures++
	cb.lastFailureTime = r.now()

	// A failed probe reopens immediately.
	if cb.state == CircuitHalfOpen || cb.consecutiveFailures >= r.config.FailureThreshold {
		cb.state = CircuitOpen
	}
	return cb.state
}

// GetState returns the agent's state, moving open to half-open once cooled down.
func (r *CircuitBreakerRegistry) GetState(agent string) CircuitState {
	cb := r.getOrCreate(agent)
	cb.mu.Lock()
	defer cb.mu.Unlock()
	r.refreshLocked(cb)
	return cb.state
}

// Stats returns every known breaker sorted by agent name.
func (r *CircuitBreakerRegistry) Stats() []BreakerStats {
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)

	out := make([]BreakerStats, 0, len(names))
	for _, name := range names {
		cb := r.getOrCreate(name)
		cb.mu.Lock()
		r.refreshLocked(cb)
		out = append(out, BreakerStats{
			Agent:               name,
			State:               cb.state.String(),
			ConsecutiveFailures: cb.consecutiveFailures,
			FailureThreshold:    r.config.FailureThreshold,
			Cooldown:            r.config.Cooldown.String(),
		})
		cb.mu.Unlock()
	}
	return out
}

func (r *CircuitBreakerRegistry) refreshLocked(cb *circuitBreaker) {
	if cb.state == CircuitOpen && r.now().Sub(cb.lastFailureTime) >= r.config.Cooldown {
		cb.state = CircuitHalfOpen
		cb.halfOpenAttempts = 0
	}
}

func (r *CircuitBreakerRegistry) getOrCreate(agent string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[agent]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed}
		r.breakers[agent] = cb
	}
	return cb
}
