// errors_test.go: Tests for structured error constructors
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginresolver

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/agilira/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorConstructors_Codes(t *testing.T) {
	cause := stderrors.New("disk full")

	tests := []struct {
		name string
		err  *errors.Error
		code string
	}{
		{"malformed version", NewMalformedVersionError("1.x", cause), ErrCodeMalformedVersion},
		{"malformed constraint", NewMalformedConstraintError(">=1,<", "<", "missing version"), ErrCodeMalformedConstraint},
		{"cycle", NewCycleError([]string{"a", "b"}), ErrCodeCircularDependency},
		{"missing dependency", NewMissingDependencyError("auth"), ErrCodeMissingDependency},
		{"constraint violation", NewConstraintViolationError("auth requires logging >=2.0.0"), ErrCodeConstraintViolation},
		{"plugin not found", NewPluginNotFoundError("auth"), ErrCodePluginNotFound},
		{"plan not installable", NewPlanNotInstallableError("auth", "conflicts"), ErrCodePlanNotInstallable},
		{"backup", NewBackupError("auth", cause), ErrCodeBackupFailed},
		{"fetch", NewFetchError("https://x/auth.zip", cause), ErrCodeFetchFailed},
		{"verify", NewVerifyError("auth", "sha256:00"), ErrCodeVerifyFailed},
		{"requirement", NewRequirementError("auth", "requests>=2", cause), ErrCodeRequirementFailed},
		{"swap", NewSwapError("auth", cause), ErrCodeSwapFailed},
		{"restore", NewRestoreError("auth", "/b/auth", cause), ErrCodeRestoreFailed},
		{"backup not found", NewBackupNotFoundError("auth", "1.0.0"), ErrCodeBackupNotFound},
		{"lock timeout", NewLockTimeoutError("auth", cause), ErrCodeLockTimeout},
		{"cancelled", NewInstallCancelledError([]string{"a"}, []string{"b"}, cause), ErrCodeInstallCancelled},
		{"invalid payload", NewInvalidPayloadError("auth", cause), ErrCodeInvalidPayload},
		{"installed state", NewInstalledStateError("auth", cause), ErrCodeInstalledStateRead},
		{"stale", NewStaleResolutionError("auth", 1, 2), ErrCodeStaleResolution},
		{"registry store", NewRegistryStoreError("put", cause), ErrCodeRegistryStore},
		{"history store", NewHistoryStoreError("append", cause), ErrCodeHistoryStore},
		{"registry file", NewRegistryFileError("r.yaml", "parse", cause), ErrCodeRegistryFile},
		{"config parse", NewConfigParseError("c.yaml", cause), ErrCodeConfigParseError},
		{"config validation", NewConfigValidationError("bad", nil), ErrCodeConfigValidationError},
		{"circuit open", NewCircuitBreakerOpenError("host"), ErrCodeCircuitBreakerOpen},
		{"rate limited", NewRateLimitedError("host", cause), ErrCodeRateLimited},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NotNil(t, tt.err)
			assert.Equal(t, errors.ErrorCode(tt.code), tt.err.ErrorCode())
			assert.NotEmpty(t, tt.err.UserMessage())
			assert.True(t, HasErrorCode(tt.err, errors.ErrorCode(tt.code)))
		})
	}
}

func TestErrorConstructors_NilCause(t *testing.T) {
	err := NewBackupError("auth", nil)
	require.NotNil(t, err)
	assert.Equal(t, errors.ErrorCode(ErrCodeBackupFailed), err.ErrorCode())
	assert.Nil(t, err.Cause)
	assert.Equal(t, "auth", err.Context["plugin_id"])
	assert.Equal(t, "critical", err.Severity)
}

func TestErrorConstructors_Retryable(t *testing.T) {
	cause := stderrors.New("timeout")
	assert.True(t, NewFetchError("u", cause).IsRetryable())
	assert.True(t, NewLockTimeoutError("p", cause).IsRetryable())
	assert.True(t, NewCircuitBreakerOpenError("h").IsRetryable())
	assert.False(t, NewVerifyError("p", "c").IsRetryable())
	assert.False(t, NewSwapError("p", cause).IsRetryable())
}

func TestErrorConstructors_Context(t *testing.T) {
	stale := NewStaleResolutionError("auth", 3, 7)
	assert.Equal(t, uint64(3), stale.Context["plan_revision"])
	assert.Equal(t, uint64(7), stale.Context["current_revision"])

	completed := []string{"logging"}
	cancelled := NewInstallCancelledError(completed, []string{"auth"}, nil)
	completed[0] = "mutated"
	assert.Equal(t, []string{"logging"}, cancelled.Context["completed"], "context keeps its own copy")
	assert.Equal(t, []string{"auth"}, cancelled.Context["aborted"])
}

func TestNewCycleError_Message(t *testing.T) {
	err := NewCycleError([]string{"a", "b", "c"})
	assert.Contains(t, err.Error(), "a -> b -> c -> a")
	assert.Equal(t, []string{"a", "b", "c"}, err.Context["cycle"])

	assert.Empty(t, formatCycle(nil))
}

func TestHasErrorCode(t *testing.T) {
	inner := NewFetchError("https://x/auth.zip", stderrors.New("connection reset"))
	outer := NewRequirementError("auth", "requests", inner)

	assert.True(t, HasErrorCode(outer, errors.ErrorCode(ErrCodeRequirementFailed)))
	assert.True(t, HasErrorCode(outer, errors.ErrorCode(ErrCodeFetchFailed)), "codes deeper in the chain are found")
	assert.False(t, HasErrorCode(outer, errors.ErrorCode(ErrCodeSwapFailed)))

	wrapped := fmt.Errorf("install auth: %w", inner)
	assert.True(t, HasErrorCode(wrapped, errors.ErrorCode(ErrCodeFetchFailed)))

	assert.False(t, HasErrorCode(nil, errors.ErrorCode(ErrCodeFetchFailed)))
	assert.False(t, HasErrorCode(stderrors.New("plain"), errors.ErrorCode(ErrCodeFetchFailed)))
}
