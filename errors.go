// errors.go: Structured error definitions for resolution and installation
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginresolver

import (
	stderrors "errors"
	"strings"

	"github.com/agilira/go-errors"
)

// Error codes for the resolver engine
const (
	// Parse errors (1000-1099)
	ErrCodeMalformedVersion    = "RESOLVER_1001"
	ErrCodeMalformedConstraint = "RESOLVER_1002"

	// Graph and resolution errors (1100-1199)
	ErrCodeCircularDependency  = "RESOLVER_1101"
	ErrCodeMissingDependency   = "RESOLVER_1102"
	ErrCodeConstraintViolation = "RESOLVER_1103"
	ErrCodePluginNotFound      = "RESOLVER_1104"
	ErrCodePlanNotInstallable  = "RESOLVER_1105"

	// Orchestration errors (1200-1299)
	ErrCodeBackupFailed       = "INSTALL_1201"
	ErrCodeFetchFailed        = "INSTALL_1202"
	ErrCodeVerifyFailed       = "INSTALL_1203"
	ErrCodeRequirementFailed  = "INSTALL_1204"
	ErrCodeSwapFailed         = "INSTALL_1205"
	ErrCodeRestoreFailed      = "INSTALL_1206"
	ErrCodeBackupNotFound     = "INSTALL_1207"
	ErrCodeLockTimeout        = "INSTALL_1208"
	ErrCodeInstallCancelled   = "INSTALL_1209"
	ErrCodeInvalidPayload     = "INSTALL_1210"
	ErrCodeInstalledStateRead = "INSTALL_1211"

	// Staleness (1300-1399)
	ErrCodeStaleResolution = "RESOLVER_1301"

	// Infrastructure errors (1400-1499)
	ErrCodeRegistryStore         = "STORE_1401"
	ErrCodeHistoryStore          = "STORE_1402"
	ErrCodeRegistryFile          = "STORE_1403"
	ErrCodeConfigParseError      = "CONFIG_1451"
	ErrCodeConfigValidationError = "CONFIG_1452"
	ErrCodeCircuitBreakerOpen    = "CIRCUIT_1481"
	ErrCodeRateLimited           = "RATELIMIT_1491"
)

// Parse error constructors

func NewMalformedVersionError(raw string, cause error) *errors.Error {
	return wrap(cause, ErrCodeMalformedVersion, "Malformed version").
		WithUserMessage("The version is not a valid semantic version").
		WithContext("version", raw).
		WithSeverity("error")
}

func NewMalformedConstraintError(expr, clause, reason string) *errors.Error {
	return errors.New(ErrCodeMalformedConstraint, "Malformed version constraint: "+reason).
		WithUserMessage("The version constraint could not be parsed").
		WithContext("constraint", expr).
		WithContext("clause", clause).
		WithSeverity("error")
}

// Graph and resolution error constructors

func NewCycleError(cycle []string) *errors.Error {
	return errors.New(ErrCodeCircularDependency, "Circular dependency: "+formatCycle(cycle)).
		WithUserMessage("The dependency graph contains a cycle").
		WithContext("cycle", append([]string(nil), cycle...)).
		WithSeverity("error")
}

func NewMissingDependencyError(pluginID string) *errors.Error {
	return errors.New(ErrCodeMissingDependency, "Missing dependency").
		WithUserMessage("A referenced plugin is not present in the registry").
		WithContext("plugin_id", pluginID).
		WithSeverity("error")
}

func NewConstraintViolationError(detail string) *errors.Error {
	return errors.New(ErrCodeConstraintViolation, "Constraint violation: "+detail).
		WithUserMessage("A dependency constraint is not satisfied").
		WithSeverity("error")
}

func NewPluginNotFoundError(pluginID string) *errors.Error {
	return errors.New(ErrCodePluginNotFound, "Plugin not found").
		WithUserMessage("The requested plugin was not found in the registry").
		WithContext("plugin_id", pluginID).
		WithSeverity("error")
}

func NewPlanNotInstallableError(pluginID, message string) *errors.Error {
	return errors.New(ErrCodePlanNotInstallable, "Plan not installable: "+message).
		WithUserMessage("Only successful resolution results can be installed").
		WithContext("plugin_id", pluginID).
		WithSeverity("error")
}

// Orchestration error constructors

func NewBackupError(pluginID string, cause error) *errors.Error {
	return wrap(cause, ErrCodeBackupFailed, "Backup failed").
		WithUserMessage("Could not back up the installed plugin, no plugin was modified").
		WithContext("plugin_id", pluginID).
		WithSeverity("critical")
}

func NewFetchError(url string, cause error) *errors.Error {
	return wrap(cause, ErrCodeFetchFailed, "Payload fetch failed").
		WithUserMessage("The plugin payload could not be downloaded").
		WithContext("url", url).
		WithSeverity("error").
		AsRetryable()
}

func NewVerifyError(pluginID, checksum string) *errors.Error {
	return errors.New(ErrCodeVerifyFailed, "Checksum verification failed").
		WithUserMessage("The plugin payload does not match its checksum").
		WithContext("plugin_id", pluginID).
		WithContext("checksum", checksum).
		WithSeverity("error")
}

func NewRequirementError(pluginID, requirement string, cause error) *errors.Error {
	return wrap(cause, ErrCodeRequirementFailed, "External requirement install failed").
		WithUserMessage("An external package required by the plugin could not be installed").
		WithContext("plugin_id", pluginID).
		WithContext("requirement", requirement).
		WithSeverity("error").
		AsRetryable()
}

func NewSwapError(pluginID string, cause error) *errors.Error {
	return wrap(cause, ErrCodeSwapFailed, "Payload swap failed").
		WithUserMessage("The new plugin payload could not be put in place").
		WithContext("plugin_id", pluginID).
		WithSeverity("error")
}

func NewRestoreError(pluginID, backupPath string, cause error) *errors.Error {
	return wrap(cause, ErrCodeRestoreFailed, "Restore from backup failed").
		WithUserMessage("The plugin could not be restored from its backup").
		WithContext("plugin_id", pluginID).
		WithContext("backup_path", backupPath).
		WithSeverity("critical")
}

func NewBackupNotFoundError(pluginID, version string) *errors.Error {
	return errors.New(ErrCodeBackupNotFound, "Backup not found").
		WithUserMessage("No backup exists for the requested plugin version").
		WithContext("plugin_id", pluginID).
		WithContext("version", version).
		WithSeverity("error")
}

func NewLockTimeoutError(pluginID string, cause error) *errors.Error {
	return wrap(cause, ErrCodeLockTimeout, "Plugin lock not acquired").
		WithUserMessage("Another installation is modifying this plugin").
		WithContext("plugin_id", pluginID).
		WithSeverity("warning").
		AsRetryable()
}

func NewInstallCancelledError(completed, aborted []string, cause error) *errors.Error {
	return wrap(cause, ErrCodeInstallCancelled, "Installation cancelled").
		WithUserMessage("The installation was cancelled between steps").
		WithContext("completed", append([]string(nil), completed...)).
		WithContext("aborted", append([]string(nil), aborted...)).
		WithSeverity("warning")
}

func NewInvalidPayloadError(pluginID string, cause error) *errors.Error {
	return wrap(cause, ErrCodeInvalidPayload, "Invalid plugin payload").
		WithUserMessage("The plugin archive could not be extracted").
		WithContext("plugin_id", pluginID).
		WithSeverity("error")
}

func NewInstalledStateError(pluginID string, cause error) *errors.Error {
	return wrap(cause, ErrCodeInstalledStateRead, "Installed state unreadable").
		WithUserMessage("The installed plugin metadata could not be read").
		WithContext("plugin_id", pluginID).
		WithSeverity("error")
}

func NewStaleResolutionError(pluginID string, planRevision, currentRevision uint64) *errors.Error {
	return errors.New(ErrCodeStaleResolution, "Stale resolution").
		WithUserMessage("The registry changed after this plan was computed, resolve again").
		WithContext("plugin_id", pluginID).
		WithContext("plan_revision", planRevision).
		WithContext("current_revision", currentRevision).
		WithSeverity("error")
}

// Infrastructure error constructors

func NewRegistryStoreError(message string, cause error) *errors.Error {
	return wrap(cause, ErrCodeRegistryStore, "Registry store error: "+message).
		WithUserMessage("Plugin registry operation failed").
		WithSeverity("error")
}

func NewHistoryStoreError(message string, cause error) *errors.Error {
	return wrap(cause, ErrCodeHistoryStore, "History store error: "+message).
		WithUserMessage("Installation history operation failed").
		WithSeverity("error")
}

func NewRegistryFileError(path, message string, cause error) *errors.Error {
	return wrap(cause, ErrCodeRegistryFile, "Registry file error: "+message).
		WithUserMessage("The registry file could not be loaded").
		WithContext("path", path).
		WithSeverity("error")
}

func NewConfigParseError(path string, cause error) *errors.Error {
	return wrap(cause, ErrCodeConfigParseError, "Configuration parse error").
		WithUserMessage("Failed to parse configuration file").
		WithContext("config_path", path).
		WithSeverity("error")
}

func NewConfigValidationError(message string, cause error) *errors.Error {
	return wrap(cause, ErrCodeConfigValidationError, "Configuration validation error: "+message).
		WithUserMessage("Configuration validation failed").
		WithSeverity("error")
}

func NewCircuitBreakerOpenError(target string) *errors.Error {
	return errors.New(ErrCodeCircuitBreakerOpen, "Circuit breaker open").
		WithUserMessage("Circuit breaker is open, failing fast to prevent cascading failures").
		WithContext("target", target).
		WithSeverity("warning").
		AsRetryable()
}

func NewRateLimitedError(target string, cause error) *errors.Error {
	return wrap(cause, ErrCodeRateLimited, "Rate limit wait aborted").
		WithUserMessage("The fetch rate limit could not be honored before the deadline").
		WithContext("target", target).
		WithSeverity("warning").
		AsRetryable()
}

// wrap attaches cause when there is one; constructors are also used for
// failures detected locally.
func wrap(cause error, code errors.ErrorCode, message string) *errors.Error {
	if cause == nil {
		return errors.New(code, message)
	}
	return errors.Wrap(cause, code, message)
}

// HasErrorCode reports whether any error in err's chain carries code.
func HasErrorCode(err error, code errors.ErrorCode) bool {
	for err != nil {
		var structured *errors.Error
		if !stderrors.As(err, &structured) {
			return false
		}
		if structured.Code == code {
			return true
		}
		next := stderrors.Unwrap(structured)
		if next == nil {
			next = structured.Cause
		}
		err = next
	}
	return false
}

func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	closed := append(append([]string(nil), cycle...), cycle[0])
	return strings.Join(closed, " -> ")
}
