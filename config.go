// config.go: Engine configuration with defaults and validation
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginresolver

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// CircuitBreakerConfig configures the breaker that guards payload fetches.
//
// Example configuration:
//
//	cb := CircuitBreakerConfig{
//	    Enabled:             true,
//	    FailureThreshold:    5,    // Trip after 5 failures
//	    RecoveryTimeout:     30 * time.Second,
//	    MinRequestThreshold: 3,    // Need 3 requests before considering trip
//	    SuccessThreshold:    2,    // Need 2 successes to close circuit
//	}
type CircuitBreakerConfig struct {
	Enabled             bool          `json:"enabled" yaml:"enabled"`
	FailureThreshold    int           `json:"failure_threshold" yaml:"failure_threshold"`
	RecoveryTimeout     time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`
	MinRequestThreshold int           `json:"min_request_threshold" yaml:"min_request_threshold"`
	SuccessThreshold    int           `json:"success_threshold" yaml:"success_threshold"`
}

// RateLimitConfig bounds how fast payloads are fetched from one source.
// It is a token bucket: BurstSize tokens refilled at RequestsPerSecond.
type RateLimitConfig struct {
	Enabled           bool    `json:"enabled" yaml:"enabled"`
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	BurstSize         int     `json:"burst_size" yaml:"burst_size"`
}

// Config holds every tunable of the engine.
//
// Example usage:
//
//	cfg := DefaultConfig()
//	cfg.InstallDir = "/var/lib/app/plugins"
//	cfg.BackupDir = "/var/lib/app/plugin-backups"
//	if err := cfg.Validate(); err != nil {
//	    return err
//	}
type Config struct {
	// InstallDir holds one directory per installed plugin.
	InstallDir string `json:"install_dir" yaml:"install_dir"`

	// BackupDir holds the backups taken before every mutation.
	BackupDir string `json:"backup_dir" yaml:"backup_dir"`

	// MaxBackupsPerPlugin is the retention after a successful install.
	// Zero keeps every backup.
	MaxBackupsPerPlugin int `json:"max_backups_per_plugin" yaml:"max_backups_per_plugin"`

	FetchTimeout       time.Duration `json:"fetch_timeout" yaml:"fetch_timeout"`
	RequirementTimeout time.Duration `json:"requirement_timeout" yaml:"requirement_timeout"`
	LockTimeout        time.Duration `json:"lock_timeout" yaml:"lock_timeout"`

	// AllowUnverifiedPayloads installs payloads whose source carries no
	// checksum. By default such payloads are rejected before the fetch.
	AllowUnverifiedPayloads bool `json:"allow_unverified_payloads" yaml:"allow_unverified_payloads"`

	// StrictOptional reports present-but-out-of-range optional dependencies
	// as conflicts instead of dropping them.
	StrictOptional bool `json:"strict_optional" yaml:"strict_optional"`

	ResolutionCacheTTL     time.Duration `json:"resolution_cache_ttl" yaml:"resolution_cache_ttl"`
	CompatibilityCacheSize int           `json:"compatibility_cache_size" yaml:"compatibility_cache_size"`

	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker" yaml:"circuit_breaker"`
	RateLimit      RateLimitConfig      `json:"rate_limit" yaml:"rate_limit"`

	// HistoryFile selects the persistent history store: "*.db" and
	// "*.sqlite" use SQLite, any other path a JSON lines file. Empty keeps
	// history in memory.
	HistoryFile string `json:"history_file,omitempty" yaml:"history_file,omitempty"`

	// AuditFile enables the argus audit trail for installation attempts.
	AuditFile string `json:"audit_file,omitempty" yaml:"audit_file,omitempty"`

	// RequirementCommand is run once per external requirement, with
	// "{requirement}" replaced by the requirement spec, e.g.
	// ["pip", "install", "{requirement}"].
	RequirementCommand []string `json:"requirement_command,omitempty" yaml:"requirement_command,omitempty"`

	LogLevel string `json:"log_level" yaml:"log_level"`
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		InstallDir:             "plugins",
		BackupDir:              filepath.Join("plugins", ".backups"),
		MaxBackupsPerPlugin:    5,
		FetchTimeout:           2 * time.Minute,
		RequirementTimeout:     5 * time.Minute,
		LockTimeout:            30 * time.Second,
		ResolutionCacheTTL:     5 * time.Minute,
		CompatibilityCacheSize: 1024,
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:             true,
			FailureThreshold:    5,
			RecoveryTimeout:     30 * time.Second,
			MinRequestThreshold: 3,
			SuccessThreshold:    2,
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerSecond: 10,
			BurstSize:         20,
		},
		LogLevel: "info",
	}
}

// ApplyDefaults fills zero values with the defaults.
func (c *Config) ApplyDefaults() {
	def := DefaultConfig()
	if c.InstallDir == "" {
		c.InstallDir = def.InstallDir
	}
	if c.BackupDir == "" {
		c.BackupDir = filepath.Join(c.InstallDir, ".backups")
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = def.FetchTimeout
	}
	if c.RequirementTimeout == 0 {
		c.RequirementTimeout = def.RequirementTimeout
	}
	if c.LockTimeout == 0 {
		c.LockTimeout = def.LockTimeout
	}
	if c.ResolutionCacheTTL == 0 {
		c.ResolutionCacheTTL = def.ResolutionCacheTTL
	}
	if c.CompatibilityCacheSize == 0 {
		c.CompatibilityCacheSize = def.CompatibilityCacheSize
	}
	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.FailureThreshold == 0 {
			c.CircuitBreaker.FailureThreshold = def.CircuitBreaker.FailureThreshold
		}
		if c.CircuitBreaker.RecoveryTimeout == 0 {
			c.CircuitBreaker.RecoveryTimeout = def.CircuitBreaker.RecoveryTimeout
		}
		if c.CircuitBreaker.SuccessThreshold == 0 {
			c.CircuitBreaker.SuccessThreshold = def.CircuitBreaker.SuccessThreshold
		}
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerSecond == 0 {
			c.RateLimit.RequestsPerSecond = def.RateLimit.RequestsPerSecond
		}
		if c.RateLimit.BurstSize == 0 {
			c.RateLimit.BurstSize = def.RateLimit.BurstSize
		}
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if strings.TrimSpace(c.InstallDir) == "" {
		return NewConfigValidationError("install_dir cannot be empty", nil)
	}
	if strings.TrimSpace(c.BackupDir) == "" {
		return NewConfigValidationError("backup_dir cannot be empty", nil)
	}
	if filepath.Clean(c.InstallDir) == filepath.Clean(c.BackupDir) {
		return NewConfigValidationError("backup_dir must differ from install_dir", nil)
	}
	if c.MaxBackupsPerPlugin < 0 {
		return NewConfigValidationError("max_backups_per_plugin cannot be negative", nil)
	}
	for name, d := range map[string]time.Duration{
		"fetch_timeout":        c.FetchTimeout,
		"requirement_timeout":  c.RequirementTimeout,
		"lock_timeout":         c.LockTimeout,
		"resolution_cache_ttl": c.ResolutionCacheTTL,
	} {
		if d <= 0 {
			return NewConfigValidationError(name+" must be positive", nil)
		}
	}
	if c.CompatibilityCacheSize <= 0 {
		return NewConfigValidationError("compatibility_cache_size must be positive", nil)
	}
	if c.CircuitBreaker.Enabled && (c.CircuitBreaker.FailureThreshold <= 0 || c.CircuitBreaker.SuccessThreshold <= 0) {
		return NewConfigValidationError("circuit_breaker thresholds must be positive", nil)
	}
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.BurstSize <= 0) {
		return NewConfigValidationError("rate_limit requires positive requests_per_second and burst_size", nil)
	}
	if len(c.RequirementCommand) > 0 && strings.TrimSpace(c.RequirementCommand[0]) == "" {
		return NewConfigValidationError("requirement_command needs an executable", nil)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return NewConfigValidationError(fmt.Sprintf("unsupported log_level %q", c.LogLevel), nil)
	}
	return nil
}

// ToJSON converts the configuration to JSON.
func (c Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}
