// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package breaker guards the Proxy supervisor's re-Create attempts: once a
// remote process has failed too many handshakes in a row, the breaker trips
// open and the supervisor stops hammering the control channel until the
// reset timeout elapses.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Call when the breaker is open and the reset
// timeout has not yet elapsed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration.
type Config struct {
	// MaxFailures is the number of consecutive failed Create handshakes
	// before the breaker opens.
	MaxFailures int
	// ResetTimeout is how long to wait in Open state before allowing a
	// single trial re-Create in HalfOpen.
	ResetTimeout time.Duration
	// SuccessThreshold is the number of consecutive successes in HalfOpen
	// before closing again.
	SuccessThreshold int
}

// CircuitBreaker implements the circuit breaker pattern around the
// supervisor's runCreateHandshake calls.
type CircuitBreaker struct {
	mu              sync.RWMutex
	config          Config
	state           State
	failures        int
	successes       int
	lastStateChange time.Time
	onStateChange   func(from, to State)
}

// New creates a new circuit breaker.
func New(config Config) *CircuitBreaker {
	if config.MaxFailures == 0 {
		config.MaxFailures = 5
	}
	if config.ResetTimeout == 0 {
		config.ResetTimeout = 30 * time.Second
	}
	if config.SuccessThreshold == 0 {
		config.SuccessThreshold = 1
	}

	return &CircuitBreaker{
		config:          config,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Call executes fn if the breaker allows it, and records the outcome.
func (cb *CircuitBreaker) Call(fn func() error) error {
	if err := cb.beforeCall(); err != nil {
		return err
	}

	err := fn()

	cb.afterCall(err)
	return err
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastStateChange) > cb.config.ResetTimeout {
			cb.setState(StateHalfOpen)
			return nil
		}
		return ErrCircuitOpen
	case StateHalfOpen, StateClosed:
		return nil
	default:
		return ErrCircuitOpen
	}
}

func (cb *CircuitBreaker) afterCall(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.onFailure()
	} else {
		cb.onSuccess()
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.failures++
	cb.successes = 0

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.config.MaxFailures {
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		cb.setState(StateOpen)
	}
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.setState(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = time.Now()

	if newState == StateClosed {
		cb.failures = 0
		cb.successes = 0
	} else if newState == StateHalfOpen {
		cb.successes = 0
	}

	if cb.onStateChange != nil {
		go cb.onStateChange(oldState, newState)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// OnStateChange registers a callback invoked (in its own goroutine) on
// every state transition. The Proxy supervisor uses this to feed
// pkg/metrics.CircuitBreakerState without coupling this package to
// Prometheus.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Reset forces the breaker back to closed. The Proxy calls this when a
// reattach succeeds through a path other than Call: the operator-forced
// reattach behind pkg/proxy.ForceReattach.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateClosed)
}
