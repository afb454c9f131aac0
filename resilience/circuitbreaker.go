package resilience

import (
	"sync"
	"time"
)

// CircuitBreaker stops spawning a program while it keeps failing.
type CircuitBreaker interface {
	// Allow reports whether a spawn of program may be attempted.
	Allow(program string) bool

	// RecordSuccess notes a successful spawn.
	RecordSuccess(program string)

	// RecordFailure notes a failed spawn.
	RecordFailure(program string)

	// State returns the current circuit state for a program.
	State(program string) CircuitState

	// Reset closes the circuit for a program.
	Reset(program string)
}

// CircuitState is the circuit breaker state.
type CircuitState int

const (
	// StateClosed lets spawns through.
	StateClosed CircuitState = iota
	// StateOpen blocks all spawns.
	StateOpen
	// StateHalfOpen lets probes through to test recovery.
	StateHalfOpen
)

// String returns the state name.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the failure count that opens the circuit.
	FailureThreshold int

	// SuccessThreshold is the success count that closes it again
	// from half-open.
	SuccessThreshold int

	// Timeout is how long an open circuit waits before probing.
	Timeout time.Duration

	// PerProgram tracks each program separately.
	PerProgram bool

	// OnStateChange is called on every transition.
	OnStateChange func(program string, from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns the default configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		PerProgram:       true,
	}
}

type circuitBreaker struct {
	config   CircuitBreakerConfig
	global   *breaker
	breakers map[string]*breaker
	mu       sync.RWMutex
}

// breaker is the state machine for one program.
type breaker struct {
	program         string
	state           CircuitState
	failures        int
	successes       int
	lastFailureTime time.Time
	config          *CircuitBreakerConfig
	mu              sync.Mutex
}

// NewCircuitBreaker creates a circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) CircuitBreaker {
	cb := &circuitBreaker{
		config:   config,
		breakers: make(map[string]*breaker),
	}
	cb.global = newBreaker("", &cb.config)
	return cb
}

// Allow implements CircuitBreaker.Allow.
func (cb *circuitBreaker) Allow(program string) bool {
	return cb.breakerFor(program).allow()
}

// RecordSuccess implements CircuitBreaker.RecordSuccess.
func (cb *circuitBreaker) RecordSuccess(program string) {
	cb.breakerFor(program).recordSuccess()
}

// RecordFailure implements CircuitBreaker.RecordFailure.
func (cb *circuitBreaker) RecordFailure(program string) {
	cb.breakerFor(program).recordFailure()
}

// State implements CircuitBreaker.State.
func (cb *circuitBreaker) State(program string) CircuitState {
	return cb.breakerFor(program).getState()
}

// Reset implements CircuitBreaker.Reset.
func (cb *circuitBreaker) Reset(program string) {
	cb.breakerFor(program).reset()
}

func (cb *circuitBreaker) breakerFor(program string) *breaker {
	if !cb.config.PerProgram {
		return cb.global
	}

	cb.mu.RLock()
	b, ok := cb.breakers[program]
	cb.mu.RUnlock()

	if ok {
		return b
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if existing, ok := cb.breakers[program]; ok {
		return existing
	}

	b = newBreaker(program, &cb.config)
	cb.breakers[program] = b
	return b
}

func newBreaker(program string, config *CircuitBreakerConfig) *breaker {
	return &breaker{
		program: program,
		state:   StateClosed,
		config:  config,
	}
}

func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(b.lastFailureTime) > b.config.Timeout {
			b.transition(StateHalfOpen)
			return true
		}
		return false

	case StateHalfOpen:
		return true
	}

	return false
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0

	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.transition(StateClosed)
		}
	}
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateClosed:
		if b.failures >= b.config.FailureThreshold {
			b.transition(StateOpen)
		}

	case StateHalfOpen:
		b.transition(StateOpen)
	}
}

func (b *breaker) getState() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen && time.Since(b.lastFailureTime) > b.config.Timeout {
		b.transition(StateHalfOpen)
	}

	return b.state
}

func (b *breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failures = 0
	b.successes = 0
}

// transition moves to a new state and resets the counters it
// invalidates. Called with b.mu held.
func (b *breaker) transition(to CircuitState) {
	from := b.state
	b.state = to

	switch to {
	case StateClosed, StateHalfOpen:
		b.failures = 0
		b.successes = 0
	case StateOpen:
		b.successes = 0
	}

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.program, from, to)
	}
}
