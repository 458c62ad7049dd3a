// registry_memory.go: In-memory plugin registry with revisions and change hooks
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginresolver

import (
	"context"
	"sync"

	"github.com/agilira/go-timecache"
)

// MemoryRegistry is a thread-safe in-memory registry. Every mutation bumps
// the revision, so snapshots taken before a mutation become stale.
type MemoryRegistry struct {
	mu       sync.RWMutex
	records  map[string][]PluginRecord
	current  map[string]Version
	revision uint64
	handlers []RegistryChangeHandler
}

// NewMemoryRegistry creates an empty registry at revision 0.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		records: make(map[string][]PluginRecord),
		current: make(map[string]Version),
	}
}

// Put registers a plugin version and makes it current. Registering an
// existing (id, version) pair replaces its metadata.
func (r *MemoryRegistry) Put(record PluginRecord) error {
	normalized, err := record.normalize()
	if err != nil {
		return err
	}
	if normalized.RegisteredAt.IsZero() {
		normalized.RegisteredAt = timecache.CachedTime()
	}

	r.mu.Lock()
	kind := ChangeAdded
	versions := r.records[normalized.ID]
	replaced := false
	for i, existing := range versions {
		if existing.Version.Equal(normalized.Version) {
			versions[i] = normalized
			replaced = true
			kind = ChangeReplaced
			break
		}
	}
	if !replaced {
		r.records[normalized.ID] = append(versions, normalized)
	}
	r.current[normalized.ID] = normalized.Version
	r.revision++
	change := RegistryChange{PluginID: normalized.ID, Version: normalized.Version, Kind: kind, Revision: r.revision}
	handlers := append([]RegistryChangeHandler(nil), r.handlers...)
	r.mu.Unlock()

	r.notify(handlers, change)
	return nil
}

// SetCurrent marks an already registered version as current.
func (r *MemoryRegistry) SetCurrent(id string, version Version) error {
	r.mu.Lock()
	found := false
	for _, rec := range r.records[id] {
		if rec.Version.Equal(version) {
			found = true
			break
		}
	}
	if !found {
		r.mu.Unlock()
		return NewPluginNotFoundError(id).WithContext("version", version.String())
	}
	r.current[id] = version
	r.revision++
	change := RegistryChange{PluginID: id, Version: version, Kind: ChangeCurrentChanged, Revision: r.revision}
	handlers := append([]RegistryChangeHandler(nil), r.handlers...)
	r.mu.Unlock()

	r.notify(handlers, change)
	return nil
}

// Remove deletes every version of id. It reports whether id was present.
func (r *MemoryRegistry) Remove(id string) bool {
	r.mu.Lock()
	if _, ok := r.records[id]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.records, id)
	delete(r.current, id)
	r.revision++
	change := RegistryChange{PluginID: id, Kind: ChangeRemoved, Revision: r.revision}
	handlers := append([]RegistryChangeHandler(nil), r.handlers...)
	r.mu.Unlock()

	r.notify(handlers, change)
	return true
}

// Replace swaps the whole content of the registry, used by file reloads.
func (r *MemoryRegistry) Replace(records []PluginRecord, current map[string]Version) error {
	normalized := make(map[string][]PluginRecord)
	cur := make(map[string]Version)
	for _, rec := range records {
		n, err := rec.normalize()
		if err != nil {
			return err
		}
		if n.RegisteredAt.IsZero() {
			n.RegisteredAt = timecache.CachedTime()
		}
		normalized[n.ID] = append(normalized[n.ID], n)
		if v, ok := cur[n.ID]; !ok || v.LessThan(n.Version) {
			cur[n.ID] = n.Version
		}
	}
	for id, v := range current {
		if _, ok := normalized[id]; ok {
			cur[id] = v
		}
	}

	r.mu.Lock()
	r.records = normalized
	r.current = cur
	r.revision++
	change := RegistryChange{Kind: ChangeReloaded, Revision: r.revision}
	handlers := append([]RegistryChangeHandler(nil), r.handlers...)
	r.mu.Unlock()

	r.notify(handlers, change)
	return nil
}

// OnChange registers a handler invoked synchronously after each mutation.
func (r *MemoryRegistry) OnChange(handler RegistryChangeHandler) {
	if handler == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, handler)
}

func (r *MemoryRegistry) notify(handlers []RegistryChangeHandler, change RegistryChange) {
	for _, h := range handlers {
		h(change)
	}
}

// Snapshot implements RegistrySource.
func (r *MemoryRegistry) Snapshot(ctx context.Context) (*RegistrySnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var all []PluginRecord
	for _, versions := range r.records {
		all = append(all, versions...)
	}
	current := make(map[string]Version, len(r.current))
	for id, v := range r.current {
		current[id] = v
	}
	return NewRegistrySnapshot(r.revision, all, current)
}

// CurrentRevision implements RegistrySource.
func (r *MemoryRegistry) CurrentRevision(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.revision, nil
}
