// circuit_breaker_test.go: Tests for the fetch circuit breaker
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginresolver

import (
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/agilira/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Enabled:             true,
		FailureThreshold:    3,
		RecoveryTimeout:     50 * time.Millisecond,
		MinRequestThreshold: 1,
		SuccessThreshold:    2,
	}
}

func TestCircuitBreakerState_String(t *testing.T) {
	cases := map[CircuitBreakerState]string{
		StateClosed:             "closed",
		StateOpen:               "open",
		StateHalfOpen:           "half-open",
		CircuitBreakerState(99): "unknown",
	}
	for state, want := range cases {
		assert.Equal(t, want, state.String())
	}
}

func TestCircuitBreaker_OpensAtFailureThreshold(t *testing.T) {
	cb := NewCircuitBreaker(testBreakerConfig())

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, StateClosed, cb.GetState())
	assert.True(t, cb.AllowRequest())

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.GetState())
	assert.False(t, cb.AllowRequest())

	stats := cb.GetStats()
	assert.Equal(t, int64(3), stats.FailureCount)
	assert.Equal(t, int64(3), stats.RequestCount)
	assert.False(t, stats.LastFailure.IsZero())
}

func TestCircuitBreaker_MinRequestThreshold(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.FailureThreshold = 1
	cfg.MinRequestThreshold = 3
	cb := NewCircuitBreaker(cfg)

	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, StateClosed, cb.GetState(), "too few requests to trip")

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestCircuitBreaker_RecoversThroughHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker(testBreakerConfig())
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, StateOpen, cb.GetState())

	require.Eventually(t, cb.AllowRequest, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.GetState())

	cb.RecordSuccess()
	assert.Equal(t, StateHalfOpen, cb.GetState())
	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, int64(0), cb.GetStats().RequestCount)
}

func TestCircuitBreaker_FailureWhileHalfOpenReopens(t *testing.T) {
	cb := NewCircuitBreaker(testBreakerConfig())
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	require.Eventually(t, cb.AllowRequest, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.GetState())

	cb.RecordFailure()
	assert.Equal(t, StateOpen, cb.GetState())
}

func TestCircuitBreaker_HalfOpenLimitsTrialRequests(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.SuccessThreshold = 3
	cb := NewCircuitBreaker(cfg)
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	require.Eventually(t, cb.AllowRequest, 2*time.Second, 10*time.Millisecond)

	// Two successes are recorded, the third trial slot is still free.
	cb.RecordSuccess()
	cb.RecordSuccess()
	assert.True(t, cb.AllowRequest())
}

func TestCircuitBreaker_Call(t *testing.T) {
	cb := NewCircuitBreaker(testBreakerConfig())
	boom := stderrors.New("boom")

	require.NoError(t, cb.Call("plugins.example.com", func() error { return nil }))
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Call("plugins.example.com", func() error { return boom }), boom)
	}

	called := false
	err := cb.Call("plugins.example.com", func() error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, called, "an open breaker must not run the call")
	assert.True(t, HasErrorCode(err, errors.ErrorCode(ErrCodeCircuitBreakerOpen)))
}

func TestCircuitBreaker_Disabled(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Enabled: false, FailureThreshold: 1})
	for i := 0; i < 10; i++ {
		cb.RecordFailure()
	}
	assert.True(t, cb.AllowRequest())
	assert.Equal(t, StateClosed, cb.GetState())
	assert.Equal(t, int64(0), cb.GetStats().FailureCount)
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker(testBreakerConfig())
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, StateOpen, cb.GetState())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.GetState())
	assert.True(t, cb.AllowRequest())
	stats := cb.GetStats()
	assert.Zero(t, stats.FailureCount)
	assert.Zero(t, stats.SuccessCount)
}

func TestCircuitBreaker_ConcurrentRecording(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.FailureThreshold = 1000
	cb := NewCircuitBreaker(cfg)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				if (i+j)%2 == 0 {
					cb.RecordSuccess()
				} else {
					cb.RecordFailure()
				}
				cb.AllowRequest()
			}
		}(i)
	}
	wg.Wait()

	stats := cb.GetStats()
	assert.Equal(t, int64(500), stats.RequestCount)
	assert.Equal(t, stats.RequestCount, stats.FailureCount+stats.SuccessCount)
	assert.Equal(t, StateClosed, stats.State)
}
