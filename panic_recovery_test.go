// panic_recovery_test.go: Tests for callback panic containment
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginresolver

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSafeCall_ContainsPanic(t *testing.T) {
	tl := NewTestLogger()

	assert.NotPanics(t, func() {
		safeCall(tl, func() { panic("observer exploded") })
	})

	require.True(t, tl.HasMessage("ERROR", "Panic recovered in callback"))
	args := tl.Messages[0].Args
	require.Len(t, args, 4)
	assert.Equal(t, "panic", args[0])
	assert.Equal(t, "observer exploded", args[1])
	assert.Equal(t, "stack", args[2])
	assert.Contains(t, fmt.Sprint(args[3]), "goroutine")
}

func TestSafeCall_NoPanic(t *testing.T) {
	tl := NewTestLogger()
	called := false

	safeCall(tl, func() { called = true })

	assert.True(t, called)
	assert.Empty(t, tl.Messages)
}

func TestWithStackRecover_ErrorValue(t *testing.T) {
	tl := NewTestLogger()

	func() {
		defer withStackRecover(tl)()
		var m map[string]int
		m["boom"] = 1
	}()

	require.Equal(t, 1, tl.Count("ERROR"))
	assert.Contains(t, fmt.Sprint(tl.Messages[0].Args[1]), "nil map")
}
