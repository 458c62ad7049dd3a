// history_test.go: Tests for installation history stores
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginresolver

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/agilira/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleAttempts() []InstallationAttempt {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return []InstallationAttempt{
		{ID: "a1", PluginID: "logging", ToVersion: MustParseVersion("1.4.0"), Action: ActionInstall, Success: true, BackupPath: "/b/1", Timestamp: ts},
		{ID: "a2", PluginID: "auth", ToVersion: MustParseVersion("1.0.0"), Action: ActionInstall, Success: false, Error: "fetch failed", BackupPath: "/b/2", Timestamp: ts.Add(time.Second)},
		{ID: "a3", PluginID: "logging", FromVersion: MustParseVersion("1.4.0"), ToVersion: MustParseVersion("1.5.0"), Action: ActionUpdate, Success: true, BackupPath: "/b/3", Timestamp: ts.Add(2 * time.Second)},
	}
}

// historyContract exercises the behavior every InstallationHistory shares.
func historyContract(t *testing.T, h InstallationHistory) {
	t.Helper()
	ctx := context.Background()

	empty, err := h.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, empty)

	for _, a := range sampleAttempts() {
		require.NoError(t, h.Append(ctx, a))
	}

	all, err := h.List(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"a1", "a2", "a3"}, []string{all[0].ID, all[1].ID, all[2].ID})

	logging, err := h.List(ctx, "logging")
	require.NoError(t, err)
	require.Len(t, logging, 2)
	assert.Equal(t, "a3", logging[1].ID)
	assert.Equal(t, "1.4.0", logging[1].FromVersion.String())
	assert.Equal(t, "1.5.0", logging[1].ToVersion.String())
	assert.Equal(t, ActionUpdate, logging[1].Action)
	assert.True(t, logging[1].Timestamp.Equal(sampleAttempts()[2].Timestamp))
	assert.True(t, logging[0].FromVersion.IsZero())

	auth, err := h.List(ctx, "auth")
	require.NoError(t, err)
	require.Len(t, auth, 1)
	assert.False(t, auth[0].Success)
	assert.Equal(t, "fetch failed", auth[0].Error)
	assert.Equal(t, "/b/2", auth[0].BackupPath)

	none, err := h.List(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryHistory(t *testing.T) {
	historyContract(t, NewMemoryHistory())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h := NewMemoryHistory()
	assert.ErrorIs(t, h.Append(ctx, sampleAttempts()[0]), context.Canceled)
}

func TestJSONLHistory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "history.jsonl")
	h, err := NewJSONLHistory(path)
	require.NoError(t, err)
	historyContract(t, h)

	// A second handle on the same file sees the same log.
	reopened, err := NewJSONLHistory(path)
	require.NoError(t, err)
	all, err := reopened.List(context.Background(), "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestJSONLHistory_CorruptLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{not json}\n"), 0o600))
	h, err := NewJSONLHistory(path)
	require.NoError(t, err)

	_, err = h.List(context.Background(), "")
	assert.True(t, HasErrorCode(err, errors.ErrorCode(ErrCodeHistoryStore)))
}

func TestJSONLHistory_LongErrorLine(t *testing.T) {
	h, err := NewJSONLHistory(filepath.Join(t.TempDir(), "history.jsonl"))
	require.NoError(t, err)
	ctx := context.Background()

	attempts := sampleAttempts()
	long := attempts[1]
	long.Error = strings.Repeat("e", 2<<20)

	require.NoError(t, h.Append(ctx, attempts[0]))
	require.NoError(t, h.Append(ctx, long))
	require.NoError(t, h.Append(ctx, attempts[2]))

	logging, err := h.List(ctx, "logging")
	require.NoError(t, err)
	assert.Len(t, logging, 2)

	auth, err := h.List(ctx, "auth")
	require.NoError(t, err)
	require.Len(t, auth, 1)
	assert.Len(t, auth[0].Error, 2<<20)
}

func TestSQLiteHistory(t *testing.T) {
	h, err := OpenSQLiteHistory(context.Background(), ":memory:")
	require.NoError(t, err)
	defer func() { _ = h.Close() }()
	historyContract(t, h)

	// Attempt IDs are unique.
	err = h.Append(context.Background(), sampleAttempts()[0])
	assert.True(t, HasErrorCode(err, errors.ErrorCode(ErrCodeHistoryStore)))
}

func TestOpenHistory(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	tests := []struct {
		name        string
		historyFile string
		check       func(t *testing.T, h InstallationHistory)
	}{
		{"memory by default", "", func(t *testing.T, h InstallationHistory) {
			assert.IsType(t, &MemoryHistory{}, h)
		}},
		{"sqlite by extension", filepath.Join(dir, "history.db"), func(t *testing.T, h InstallationHistory) {
			assert.IsType(t, &SQLiteHistory{}, h)
		}},
		{"json lines otherwise", filepath.Join(dir, "history.jsonl"), func(t *testing.T, h InstallationHistory) {
			assert.IsType(t, &JSONLHistory{}, h)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.HistoryFile = tt.historyFile
			h, err := OpenHistory(ctx, cfg)
			require.NoError(t, err)
			tt.check(t, h)
			if c, ok := h.(interface{ Close() error }); ok {
				assert.NoError(t, c.Close())
			}
		})
	}
}

func TestAuditHistory(t *testing.T) {
	dir := t.TempDir()
	auditFile := filepath.Join(dir, "audit.jsonl")

	cfg := DefaultConfig()
	cfg.AuditFile = auditFile
	h, err := OpenHistory(context.Background(), cfg)
	require.NoError(t, err)
	audit, ok := h.(*AuditHistory)
	require.True(t, ok)

	historyContract(t, audit)
	require.NoError(t, audit.Close())

	assert.FileExists(t, auditFile)
	data, err := os.ReadFile(auditFile)
	require.NoError(t, err)
	if len(data) > 0 {
		assert.Contains(t, string(data), "plugin_install_failed")
		assert.Contains(t, string(data), "plugin_update")
	}
}
