// registry_sqlite.go: SQLite backed plugin registry
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginresolver

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"github.com/agilira/go-timecache"
	_ "modernc.org/sqlite" // SQLite driver
)

const registrySchema = `
CREATE TABLE IF NOT EXISTS plugins (
	id            TEXT NOT NULL,
	version       TEXT NOT NULL,
	description   TEXT NOT NULL DEFAULT '',
	requirements  TEXT NOT NULL DEFAULT '[]',
	source_url    TEXT NOT NULL DEFAULT '',
	checksum      TEXT NOT NULL DEFAULT '',
	registered_at INTEGER NOT NULL,
	is_current    INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (id, version)
);
CREATE TABLE IF NOT EXISTS dependencies (
	from_id      TEXT NOT NULL,
	from_version TEXT NOT NULL,
	position     INTEGER NOT NULL,
	to_id        TEXT NOT NULL,
	constraint_expr TEXT NOT NULL,
	kind         TEXT NOT NULL,
	PRIMARY KEY (from_id, from_version, position)
);
CREATE TABLE IF NOT EXISTS registry_meta (
	key   TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);
INSERT OR IGNORE INTO registry_meta (key, value) VALUES ('revision', 0);
`

// SQLiteRegistry persists plugin records in a SQLite database. The revision
// counter lives in the database so separate processes sharing the file agree
// on staleness.
type SQLiteRegistry struct {
	db       *sql.DB
	mu       sync.Mutex
	handlers []RegistryChangeHandler
}

// OpenSQLiteRegistry opens (and migrates) the registry database at dsn.
// Use ":memory:" for a private in-memory database.
func OpenSQLiteRegistry(ctx context.Context, dsn string) (*SQLiteRegistry, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, NewRegistryStoreError("open database", err)
	}
	// A single connection keeps ":memory:" databases coherent.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, registrySchema); err != nil {
		_ = db.Close()
		return nil, NewRegistryStoreError("create schema", err)
	}
	return &SQLiteRegistry{db: db}, nil
}

// Close releases the database handle.
func (r *SQLiteRegistry) Close() error {
	return r.db.Close()
}

// OnChange registers a handler invoked after each committed mutation.
func (r *SQLiteRegistry) OnChange(handler RegistryChangeHandler) {
	if handler == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, handler)
}

func (r *SQLiteRegistry) notify(change RegistryChange) {
	r.mu.Lock()
	handlers := append([]RegistryChangeHandler(nil), r.handlers...)
	r.mu.Unlock()
	for _, h := range handlers {
		h(change)
	}
}

// Put registers a plugin version and makes it current.
func (r *SQLiteRegistry) Put(ctx context.Context, record PluginRecord) error {
	rec, err := record.normalize()
	if err != nil {
		return err
	}
	if rec.RegisteredAt.IsZero() {
		rec.RegisteredAt = timecache.CachedTime()
	}
	requirements, err := json.Marshal(rec.ExternalRequirements)
	if err != nil {
		return NewRegistryStoreError("encode requirements", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return NewRegistryStoreError("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM plugins WHERE id = ? AND version = ?`, rec.ID, rec.Version.String(),
	).Scan(&existing); err != nil {
		return NewRegistryStoreError("lookup plugin", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE plugins SET is_current = 0 WHERE id = ?`, rec.ID); err != nil {
		return NewRegistryStoreError("clear current marker", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO plugins (id, version, description, requirements, source_url, checksum, registered_at, is_current)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT (id, version) DO UPDATE SET
			description = excluded.description,
			requirements = excluded.requirements,
			source_url = excluded.source_url,
			checksum = excluded.checksum,
			registered_at = excluded.registered_at,
			is_current = 1`,
		rec.ID, rec.Version.String(), rec.Description, string(requirements),
		rec.Source.URL, rec.Source.Checksum, rec.RegisteredAt.UnixNano(),
	); err != nil {
		return NewRegistryStoreError("upsert plugin", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM dependencies WHERE from_id = ? AND from_version = ?`, rec.ID, rec.Version.String(),
	); err != nil {
		return NewRegistryStoreError("clear dependencies", err)
	}
	for i, edge := range rec.Dependencies {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO dependencies (from_id, from_version, position, to_id, constraint_expr, kind)
			VALUES (?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.Version.String(), i, edge.To, constraintExpr(edge.Constraint), edge.Kind.String(),
		); err != nil {
			return NewRegistryStoreError("insert dependency", err)
		}
	}

	revision, err := bumpRevision(ctx, tx)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return NewRegistryStoreError("commit", err)
	}

	kind := ChangeAdded
	if existing > 0 {
		kind = ChangeReplaced
	}
	r.notify(RegistryChange{PluginID: rec.ID, Version: rec.Version, Kind: kind, Revision: revision})
	return nil
}

// Remove deletes every version of id.
func (r *SQLiteRegistry) Remove(ctx context.Context, id string) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, NewRegistryStoreError("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM plugins WHERE id = ?`, id)
	if err != nil {
		return false, NewRegistryStoreError("delete plugin", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM dependencies WHERE from_id = ?`, id); err != nil {
		return false, NewRegistryStoreError("delete dependencies", err)
	}
	revision, err := bumpRevision(ctx, tx)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, NewRegistryStoreError("commit", err)
	}

	r.notify(RegistryChange{PluginID: id, Kind: ChangeRemoved, Revision: revision})
	return true, nil
}

func bumpRevision(ctx context.Context, tx *sql.Tx) (uint64, error) {
	if _, err := tx.ExecContext(ctx, `UPDATE registry_meta SET value = value + 1 WHERE key = 'revision'`); err != nil {
		return 0, NewRegistryStoreError("bump revision", err)
	}
	var revision uint64
	if err := tx.QueryRowContext(ctx, `SELECT value FROM registry_meta WHERE key = 'revision'`).Scan(&revision); err != nil {
		return 0, NewRegistryStoreError("read revision", err)
	}
	return revision, nil
}

// CurrentRevision implements RegistrySource.
func (r *SQLiteRegistry) CurrentRevision(ctx context.Context) (uint64, error) {
	var revision uint64
	if err := r.db.QueryRowContext(ctx, `SELECT value FROM registry_meta WHERE key = 'revision'`).Scan(&revision); err != nil {
		return 0, NewRegistryStoreError("read revision", err)
	}
	return revision, nil
}

// Snapshot implements RegistrySource. Records and revision are read in one
// transaction so the snapshot is consistent.
func (r *SQLiteRegistry) Snapshot(ctx context.Context) (*RegistrySnapshot, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, NewRegistryStoreError("begin snapshot", err)
	}
	defer func() { _ = tx.Rollback() }()

	var revision uint64
	if err := tx.QueryRowContext(ctx, `SELECT value FROM registry_meta WHERE key = 'revision'`).Scan(&revision); err != nil {
		return nil, NewRegistryStoreError("read revision", err)
	}

	deps, err := loadDependencies(ctx, tx)
	if err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, version, description, requirements, source_url, checksum, registered_at, is_current
		FROM plugins ORDER BY id, version`)
	if err != nil {
		return nil, NewRegistryStoreError("query plugins", err)
	}
	defer func() { _ = rows.Close() }()

	var records []PluginRecord
	current := make(map[string]Version)
	for rows.Next() {
		var (
			id, rawVersion, description, requirements, sourceURL, checksum string
			registeredAt                                                     int64
			isCurrent                                                        int
		)
		if err := rows.Scan(&id, &rawVersion, &description, &requirements, &sourceURL, &checksum, &registeredAt, &isCurrent); err != nil {
			return nil, NewRegistryStoreError("scan plugin", err)
		}
		version, err := ParseVersion(rawVersion)
		if err != nil {
			return nil, NewRegistryStoreError("stored version of "+id, err)
		}
		rec := PluginRecord{
			ID:           id,
			Version:      version,
			Dependencies: deps[id+"@"+rawVersion],
			Source:       PayloadSource{URL: sourceURL, Checksum: checksum},
			Description:  description,
			RegisteredAt: time.Unix(0, registeredAt),
		}
		if err := json.Unmarshal([]byte(requirements), &rec.ExternalRequirements); err != nil {
			return nil, NewRegistryStoreError("decode requirements of "+id, err)
		}
		if isCurrent == 1 {
			current[id] = version
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, NewRegistryStoreError("iterate plugins", err)
	}

	return NewRegistrySnapshot(revision, records, current)
}

func loadDependencies(ctx context.Context, tx *sql.Tx) (map[string][]DependencyEdge, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT from_id, from_version, to_id, constraint_expr, kind
		FROM dependencies ORDER BY from_id, from_version, position`)
	if err != nil {
		return nil, NewRegistryStoreError("query dependencies", err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string][]DependencyEdge)
	for rows.Next() {
		var fromID, fromVersion, toID, expr, rawKind string
		if err := rows.Scan(&fromID, &fromVersion, &toID, &expr, &rawKind); err != nil {
			return nil, NewRegistryStoreError("scan dependency", err)
		}
		kind, err := ParseEdgeKind(rawKind)
		if err != nil {
			return nil, NewRegistryStoreError("stored dependency kind", err)
		}
		edge, err := NewDependencyEdge(fromID, toID, expr, kind)
		if err != nil {
			return nil, NewRegistryStoreError("stored dependency constraint", err)
		}
		key := fromID + "@" + fromVersion
		out[key] = append(out[key], edge)
	}
	return out, rows.Err()
}

// constraintExpr renders a constraint for storage; "*" round-trips to the
// always-true constraint.
func constraintExpr(c VersionConstraint) string {
	return c.String()
}
