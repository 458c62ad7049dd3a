// history.go: Append-only installation history stores
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginresolver

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agilira/argus"
)

// InstallationHistory is an append-only log of installation attempts.
// List returns attempts in append order; an empty pluginID lists all.
type InstallationHistory interface {
	Append(ctx context.Context, attempt InstallationAttempt) error
	List(ctx context.Context, pluginID string) ([]InstallationAttempt, error)
}

// MemoryHistory keeps attempts in memory.
type MemoryHistory struct {
	mu       sync.RWMutex
	attempts []InstallationAttempt
}

// NewMemoryHistory creates an empty in-memory history.
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{}
}

func (h *MemoryHistory) Append(ctx context.Context, attempt InstallationAttempt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempts = append(h.attempts, attempt)
	return nil
}

func (h *MemoryHistory) List(ctx context.Context, pluginID string) ([]InstallationAttempt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return filterAttempts(h.attempts, pluginID), nil
}

func filterAttempts(all []InstallationAttempt, pluginID string) []InstallationAttempt {
	var out []InstallationAttempt
	for _, a := range all {
		if pluginID == "" || a.PluginID == pluginID {
			out = append(out, a)
		}
	}
	return out
}

// JSONLHistory appends one JSON document per line to a file.
type JSONLHistory struct {
	path string
	mu   sync.Mutex
}

// NewJSONLHistory creates the file (and its directory) if needed.
func NewJSONLHistory(path string) (*JSONLHistory, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, NewHistoryStoreError("cannot create history directory", err)
		}
	}
	// #nosec G304 -- history path comes from configuration
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, NewHistoryStoreError("cannot open history file", err)
	}
	if err := f.Close(); err != nil {
		return nil, NewHistoryStoreError("cannot open history file", err)
	}
	return &JSONLHistory{path: path}, nil
}

func (h *JSONLHistory) Append(ctx context.Context, attempt InstallationAttempt) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := json.Marshal(attempt)
	if err != nil {
		return NewHistoryStoreError("cannot encode attempt", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// #nosec G304 -- history path comes from configuration
	f, err := os.OpenFile(h.path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return NewHistoryStoreError("cannot open history file", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return NewHistoryStoreError("cannot append attempt", err)
	}
	if err := f.Close(); err != nil {
		return NewHistoryStoreError("cannot append attempt", err)
	}
	return nil
}

func (h *JSONLHistory) List(ctx context.Context, pluginID string) ([]InstallationAttempt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	// #nosec G304 -- history path comes from configuration
	f, err := os.Open(h.path)
	if err != nil {
		return nil, NewHistoryStoreError("cannot open history file", err)
	}
	defer func() { _ = f.Close() }()

	// A decoder has no line length limit, unlike bufio.Scanner.
	var all []InstallationAttempt
	dec := json.NewDecoder(f)
	for {
		var a InstallationAttempt
		err := dec.Decode(&a)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, NewHistoryStoreError("corrupt history line", err)
		}
		all = append(all, a)
	}
	return filterAttempts(all, pluginID), nil
}

// AuditHistory forwards attempts to another history and mirrors each one
// into an argus audit trail.
type AuditHistory struct {
	next  InstallationHistory
	audit *argus.AuditLogger
}

// NewAuditHistory writes the audit trail to auditFile.
func NewAuditHistory(next InstallationHistory, auditFile string) (*AuditHistory, error) {
	audit, err := argus.NewAuditLogger(argus.AuditConfig{
		Enabled:       true,
		OutputFile:    auditFile,
		MinLevel:      argus.AuditInfo,
		BufferSize:    100,
		FlushInterval: time.Second,
	})
	if err != nil {
		return nil, NewHistoryStoreError("cannot create audit logger", err)
	}
	return &AuditHistory{next: next, audit: audit}, nil
}

func (h *AuditHistory) Append(ctx context.Context, attempt InstallationAttempt) error {
	if err := h.next.Append(ctx, attempt); err != nil {
		return err
	}
	eventType := "plugin_" + string(attempt.Action)
	if !attempt.Success {
		eventType += "_failed"
	}
	h.audit.LogSecurityEvent(eventType, "Plugin installation attempt", map[string]interface{}{
		"attempt_id":   attempt.ID,
		"plugin_id":    attempt.PluginID,
		"from_version": attempt.FromVersion.String(),
		"to_version":   attempt.ToVersion.String(),
		"success":      attempt.Success,
		"error":        attempt.Error,
		"backup_path":  attempt.BackupPath,
	})
	return nil
}

func (h *AuditHistory) List(ctx context.Context, pluginID string) ([]InstallationAttempt, error) {
	return h.next.List(ctx, pluginID)
}

// Close flushes the audit trail and closes the wrapped history if it can be
// closed.
func (h *AuditHistory) Close() error {
	err := h.audit.Close()
	if c, ok := h.next.(interface{ Close() error }); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// OpenHistory builds the history configured by cfg: SQLite for .db/.sqlite
// files, JSON lines for any other path, memory when empty. A non-empty
// AuditFile adds an argus audit trail.
func OpenHistory(ctx context.Context, cfg Config) (InstallationHistory, error) {
	var (
		history InstallationHistory
		err     error
	)
	switch ext := strings.ToLower(filepath.Ext(cfg.HistoryFile)); {
	case cfg.HistoryFile == "":
		history = NewMemoryHistory()
	case ext == ".db" || ext == ".sqlite":
		history, err = OpenSQLiteHistory(ctx, cfg.HistoryFile)
	default:
		history, err = NewJSONLHistory(cfg.HistoryFile)
	}
	if err != nil {
		return nil, err
	}
	if cfg.AuditFile == "" {
		return history, nil
	}
	return NewAuditHistory(history, cfg.AuditFile)
}
