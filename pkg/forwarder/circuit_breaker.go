package forwarder

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen is returned when circuit is open (upstream unhealthy)
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrNoHealthyUpstreams is returned when all upstreams are unhealthy
	ErrNoHealthyUpstreams = errors.New("no healthy upstream servers available")
)

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	// StateClosed forwards requests normally
	StateClosed CircuitState = iota
	// StateOpen fails fast until the open timeout expires
	StateOpen
	// StateHalfOpen lets a few probe requests through
	StateHalfOpen
)

// String returns the string representation of the circuit state
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

const halfOpenMax = 3

// CircuitBreaker tracks consecutive failures of one upstream.
type CircuitBreaker struct {
	mu        sync.Mutex
	state     CircuitState
	failures  int
	successes int
	inFlight  int
	openedAt  time.Time

	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	now              func() time.Time
}

// NewCircuitBreaker creates a closed circuit breaker
func NewCircuitBreaker(failureThreshold, successThreshold int, openTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		failureThreshold: max(failureThreshold, 1),
		successThreshold: max(successThreshold, 1),
		openTimeout:      openTimeout,
		now:              time.Now,
	}
}

// Allow reports whether a request may be sent. Every nil return must be
// followed by exactly one Done.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.openTimeout {
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.successes = 0
		cb.inFlight = 0
	case StateHalfOpen:
		if cb.inFlight >= halfOpenMax {
			return ErrCircuitOpen
		}
	}
	cb.inFlight++
	return nil
}

// Done records the result of a request admitted by Allow
func (cb *CircuitBreaker) Done(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.inFlight > 0 {
		cb.inFlight--
	}

	if err != nil {
		cb.successes = 0
		cb.failures++
		if cb.state == StateHalfOpen || cb.failures >= cb.failureThreshold {
			cb.trip()
		}
		return
	}

	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.state = StateClosed
			cb.successes = 0
		}
	}
}

func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.failures = 0
}

// Call runs fn if the circuit allows it
func (cb *CircuitBreaker) Call(fn func() error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn()
	cb.Done(err)
	return err
}

// State returns the current circuit state
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.openTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// IsHealthy reports whether requests would currently be admitted
func (cb *CircuitBreaker) IsHealthy() bool {
	return cb.State() != StateOpen
}

// Reset closes the circuit
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.inFlight = 0
}
