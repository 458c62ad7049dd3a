// history_sqlite.go: SQLite backed installation history
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginresolver

import (
	"context"
	"database/sql"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

const historySchema = `
CREATE TABLE IF NOT EXISTS installation_attempts (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT NOT NULL UNIQUE,
	plugin_id    TEXT NOT NULL,
	from_version TEXT NOT NULL DEFAULT '',
	to_version   TEXT NOT NULL DEFAULT '',
	action       TEXT NOT NULL,
	success      INTEGER NOT NULL,
	error        TEXT NOT NULL DEFAULT '',
	backup_path  TEXT NOT NULL DEFAULT '',
	timestamp    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attempts_plugin ON installation_attempts (plugin_id, seq);
`

// SQLiteHistory stores attempts in a SQLite table. Rows are only ever
// inserted.
type SQLiteHistory struct {
	db *sql.DB
}

// OpenSQLiteHistory opens (and migrates) the history database at dsn.
func OpenSQLiteHistory(ctx context.Context, dsn string) (*SQLiteHistory, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, NewHistoryStoreError("open database", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, historySchema); err != nil {
		_ = db.Close()
		return nil, NewHistoryStoreError("create schema", err)
	}
	return &SQLiteHistory{db: db}, nil
}

// Close releases the database handle.
func (h *SQLiteHistory) Close() error {
	return h.db.Close()
}

func (h *SQLiteHistory) Append(ctx context.Context, a InstallationAttempt) error {
	success := 0
	if a.Success {
		success = 1
	}
	if _, err := h.db.ExecContext(ctx, `
		INSERT INTO installation_attempts
			(id, plugin_id, from_version, to_version, action, success, error, backup_path, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.PluginID, versionColumn(a.FromVersion), versionColumn(a.ToVersion),
		string(a.Action), success, a.Error, a.BackupPath, a.Timestamp.UnixNano(),
	); err != nil {
		return NewHistoryStoreError("insert attempt", err)
	}
	return nil
}

func (h *SQLiteHistory) List(ctx context.Context, pluginID string) ([]InstallationAttempt, error) {
	query := `SELECT id, plugin_id, from_version, to_version, action, success, error, backup_path, timestamp
		FROM installation_attempts`
	var args []interface{}
	if pluginID != "" {
		query += ` WHERE plugin_id = ?`
		args = append(args, pluginID)
	}
	query += ` ORDER BY seq`

	rows, err := h.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, NewHistoryStoreError("query attempts", err)
	}
	defer func() { _ = rows.Close() }()

	var out []InstallationAttempt
	for rows.Next() {
		var (
			a        InstallationAttempt
			from, to string
			action   string
			success  int
			ts       int64
		)
		if err := rows.Scan(&a.ID, &a.PluginID, &from, &to, &action, &success, &a.Error, &a.BackupPath, &ts); err != nil {
			return nil, NewHistoryStoreError("scan attempt", err)
		}
		if a.FromVersion, err = parseVersionColumn(from); err != nil {
			return nil, NewHistoryStoreError("decode from_version", err)
		}
		if a.ToVersion, err = parseVersionColumn(to); err != nil {
			return nil, NewHistoryStoreError("decode to_version", err)
		}
		a.Action = InstallAction(action)
		a.Success = success == 1
		a.Timestamp = time.Unix(0, ts)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, NewHistoryStoreError("iterate attempts", err)
	}
	return out, nil
}

func versionColumn(v Version) string {
	if v.IsZero() {
		return ""
	}
	return v.String()
}

func parseVersionColumn(s string) (Version, error) {
	if s == "" {
		return Version{}, nil
	}
	return ParseVersion(s)
}
