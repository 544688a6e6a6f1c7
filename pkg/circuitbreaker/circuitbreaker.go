package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation, requests pass through
	StateOpen                  // Circuit is open, requests fail immediately
	StateHalfOpen              // Testing if service recovered, limited requests allowed
)

func (s State) String() string {
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

// Config holds circuit breaker configuration
type Config struct {
	FailureThreshold    int           // Consecutive failures before opening
	SuccessThreshold    int           // Half-open successes needed to close
	Timeout             time.Duration // Time to wait before transitioning from open to half-open
	MaxRequestsHalfOpen int           // Concurrent probes allowed while half-open
}

// DefaultConfig returns a default circuit breaker configuration
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		MaxRequestsHalfOpen: 1,
	}
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	config Config
	now    func() time.Time

	mu               sync.Mutex
	state            State
	failureCount     int
	successCount     int
	halfOpenRequests int
	stateChangeTime  time.Time

	onStateChange func(from, to State)
}

// New creates a new circuit breaker with the given configuration
func New(config Config) *CircuitBreaker {
	return newWithClock(config, time.Now)
}

func newWithClock(config Config, now func() time.Time) *CircuitBreaker {
	return &CircuitBreaker{
		config:          config,
		now:             now,
		state:           StateClosed,
		stateChangeTime: now(),
	}
}

// OnStateChange registers a callback invoked synchronously, outside the breaker lock.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Execute runs fn through the breaker.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	_, err := Do(ctx, cb, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// Do runs fn through cb and returns its result. Context cancellation is not
// counted as a failure of the protected dependency.
func Do[T any](ctx context.Context, cb *CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	if err := cb.allow(); err != nil {
		return zero, err
	}

	result, err := fn()
	if err != nil {
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			cb.release()
			return zero, err
		}
		cb.record(false)
		return zero, err
	}
	cb.record(true)
	return result, nil
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	notify := cb.maybeHalfOpen()
	state := cb.state
	cb.mu.Unlock()
	notify()
	return state
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	notify := cb.maybeHalfOpen()
	var err error
	switch cb.state {
	case StateOpen:
		err = fmt.Errorf("%w: retry after %s", ErrOpen, cb.config.Timeout-cb.now().Sub(cb.stateChangeTime))
	case StateHalfOpen:
		if cb.halfOpenRequests >= cb.config.MaxRequestsHalfOpen {
			err = fmt.Errorf("%w: half-open probe in flight", ErrOpen)
		} else {
			cb.halfOpenRequests++
		}
	}
	cb.mu.Unlock()
	notify()
	return err
}

func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen && cb.halfOpenRequests > 0 {
		cb.halfOpenRequests--
	}
}

func (cb *CircuitBreaker) record(ok bool) {
	cb.mu.Lock()
	notify := func() {}
	if cb.state == StateHalfOpen && cb.halfOpenRequests > 0 {
		cb.halfOpenRequests--
	}
	if ok {
		cb.failureCount = 0
		cb.successCount++
		if cb.state == StateHalfOpen && cb.successCount >= cb.config.SuccessThreshold {
			notify = cb.transitionTo(StateClosed)
		}
	} else {
		cb.successCount = 0
		cb.failureCount++
		switch {
		case cb.state == StateHalfOpen:
			notify = cb.transitionTo(StateOpen)
		case cb.state == StateClosed && cb.failureCount >= cb.config.FailureThreshold:
			notify = cb.transitionTo(StateOpen)
		}
	}
	cb.mu.Unlock()
	notify()
}

func (cb *CircuitBreaker) maybeHalfOpen() func() {
	if cb.state == StateOpen && cb.now().Sub(cb.stateChangeTime) >= cb.config.Timeout {
		return cb.transitionTo(StateHalfOpen)
	}
	return func() {}
}

// transitionTo must be called with cb.mu held; the returned func fires the callback.
func (cb *CircuitBreaker) transitionTo(newState State) func() {
	if cb.state == newState {
		return func() {}
	}
	oldState := cb.state
	cb.state = newState
	cb.stateChangeTime = cb.now()
	cb.failureCount = 0
	cb.successCount = 0
	cb.halfOpenRequests = 0

	fn := cb.onStateChange
	if fn == nil {
		return func() {}
	}
	return func() { fn(oldState, newState) }
}
