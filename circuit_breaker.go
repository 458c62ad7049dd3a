// circuit_breaker.go: Circuit breaker guarding payload sources
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginresolver

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
)

// CircuitBreakerState is the operational state of a CircuitBreaker.
//
//   - StateClosed: requests flow normally
//   - StateOpen: requests fail fast until RecoveryTimeout elapses
//   - StateHalfOpen: a limited number of probe requests is let through
type CircuitBreakerState int32

const (
	StateClosed CircuitBreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitBreakerState) String() string {
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

// CircuitBreaker stops hammering a payload source that keeps failing.
// Counters are atomic; state transitions take the mutex.
//
// Usage example:
//
//	cb := NewCircuitBreaker(CircuitBreakerConfig{
//	    Enabled:          true,
//	    FailureThreshold: 5,
//	    RecoveryTimeout:  30 * time.Second,
//	    SuccessThreshold: 2,
//	})
//	err := cb.Call("https://plugins.example.com", func() error {
//	    _, err := fetch()
//	    return err
//	})
type CircuitBreaker struct {
	config CircuitBreakerConfig

	state           atomic.Int32 // CircuitBreakerState
	failureCount    atomic.Int64
	successCount    atomic.Int64
	requestCount    atomic.Int64
	lastFailureTime atomic.Int64 // Unix nanoseconds

	mu sync.Mutex
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{config: config}
	cb.state.Store(int32(StateClosed))
	return cb
}

// AllowRequest reports whether a request may proceed. It may move an open
// breaker to half-open once the recovery timeout has elapsed.
func (cb *CircuitBreaker) AllowRequest() bool {
	if !cb.config.Enabled {
		return true
	}

	switch CircuitBreakerState(cb.state.Load()) {
	case StateClosed:
		return true

	case StateOpen:
		if !cb.shouldAttemptRecovery() {
			return false
		}
		cb.mu.Lock()
		if CircuitBreakerState(cb.state.Load()) == StateOpen && cb.shouldAttemptRecovery() {
			cb.state.Store(int32(StateHalfOpen))
			cb.resetCounters()
		}
		cb.mu.Unlock()
		return CircuitBreakerState(cb.state.Load()) == StateHalfOpen

	case StateHalfOpen:
		return cb.requestCount.Load() < int64(cb.config.SuccessThreshold)

	default:
		return false
	}
}

// RecordSuccess closes a half-open breaker after SuccessThreshold successes.
func (cb *CircuitBreaker) RecordSuccess() {
	if !cb.config.Enabled {
		return
	}

	cb.successCount.Add(1)
	cb.requestCount.Add(1)

	if CircuitBreakerState(cb.state.Load()) == StateHalfOpen {
		cb.mu.Lock()
		defer cb.mu.Unlock()
		if cb.successCount.Load() >= int64(cb.config.SuccessThreshold) {
			cb.state.Store(int32(StateClosed))
			cb.resetCounters()
		}
	}
}

// RecordFailure opens the breaker once the failure threshold is reached.
// Any failure while half-open reopens it.
func (cb *CircuitBreaker) RecordFailure() {
	if !cb.config.Enabled {
		return
	}

	cb.failureCount.Add(1)
	cb.requestCount.Add(1)
	cb.lastFailureTime.Store(timecache.CachedTimeNano())

	current := CircuitBreakerState(cb.state.Load())
	if current == StateOpen {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if current == StateHalfOpen || cb.shouldOpenCircuit() {
		cb.state.Store(int32(StateOpen))
	}
}

// Call runs fn when the breaker allows it and records the outcome. A
// rejected call returns a CIRCUIT_1481 error naming target.
func (cb *CircuitBreaker) Call(target string, fn func() error) error {
	if !cb.AllowRequest() {
		return NewCircuitBreakerOpenError(target)
	}
	if err := fn(); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// GetState returns the current state.
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	return CircuitBreakerState(cb.state.Load())
}

// GetStats returns a snapshot of the counters.
func (cb *CircuitBreaker) GetStats() CircuitBreakerStats {
	return CircuitBreakerStats{
		State:        cb.GetState(),
		FailureCount: cb.failureCount.Load(),
		SuccessCount: cb.successCount.Load(),
		RequestCount: cb.requestCount.Load(),
		LastFailure:  time.Unix(0, cb.lastFailureTime.Load()),
	}
}

// Reset forces the breaker closed and clears the counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state.Store(int32(StateClosed))
	cb.resetCounters()
}

func (cb *CircuitBreaker) shouldAttemptRecovery() bool {
	lastFailure := cb.lastFailureTime.Load()
	if lastFailure == 0 {
		return true
	}
	return time.Since(time.Unix(0, lastFailure)) >= cb.config.RecoveryTimeout
}

// shouldOpenCircuit must be called with the lock held.
func (cb *CircuitBreaker) shouldOpenCircuit() bool {
	if cb.requestCount.Load() < int64(cb.config.MinRequestThreshold) {
		return false
	}
	return cb.failureCount.Load() >= int64(cb.config.FailureThreshold)
}

// resetCounters must be called with the lock held.
func (cb *CircuitBreaker) resetCounters() {
	cb.failureCount.Store(0)
	cb.successCount.Store(0)
	cb.requestCount.Store(0)
}

// CircuitBreakerStats is a point-in-time view of a CircuitBreaker.
type CircuitBreakerStats struct {
	State        CircuitBreakerState `json:"state"`
	FailureCount int64               `json:"failure_count"`
	SuccessCount int64               `json:"success_count"`
	RequestCount int64               `json:"request_count"`
	LastFailure  time.Time           `json:"last_failure"`
}
