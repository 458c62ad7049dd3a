// panic_recovery.go: Panic recovery for caller supplied callbacks
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginresolver

import (
	"runtime"
)

// withStackRecover returns a deferred function that logs a panic with its
// stack trace instead of crashing the process.
//
//	defer withStackRecover(logger)()
func withStackRecover(logger Logger) func() {
	return func() {
		if r := recover(); r != nil {
			buf := make([]byte, 64<<10)
			n := runtime.Stack(buf, false)
			logger.Error("Panic recovered in callback",
				"panic", r,
				"stack", string(buf[:n]))
		}
	}
}

// safeCall runs fn synchronously and contains any panic it raises.
func safeCall(logger Logger, fn func()) {
	defer withStackRecover(logger)()
	fn()
}
