// registry.go: Plugin records, dependency edges and immutable registry snapshots
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginresolver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// EdgeKind classifies a dependency edge.
type EdgeKind int

const (
	// EdgeRequired must be satisfiable for resolution to succeed.
	EdgeRequired EdgeKind = iota
	// EdgeOptional is satisfied if present and ignored if absent.
	EdgeOptional
	// EdgeConflicts fails resolution when the target's version matches.
	EdgeConflicts
)

func (k EdgeKind) String() string {
	switch k {
	case EdgeRequired:
		return "required"
	case EdgeOptional:
		return "optional"
	case EdgeConflicts:
		return "conflicts"
	default:
		return fmt.Sprintf("EdgeKind(%d)", int(k))
	}
}

// ParseEdgeKind converts the textual form used in registry files and
// storage. The empty string is treated as "required".
func ParseEdgeKind(s string) (EdgeKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "required":
		return EdgeRequired, nil
	case "optional":
		return EdgeOptional, nil
	case "conflicts":
		return EdgeConflicts, nil
	default:
		return EdgeRequired, fmt.Errorf("unknown dependency kind %q", s)
	}
}

func (k EdgeKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *EdgeKind) UnmarshalText(text []byte) error {
	parsed, err := ParseEdgeKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// DependencyEdge is a labeled edge "From depends on To".
type DependencyEdge struct {
	From       string
	To         string
	Constraint VersionConstraint
	Kind       EdgeKind
}

// NewDependencyEdge parses expr and builds an edge of the given kind.
func NewDependencyEdge(from, to, expr string, kind EdgeKind) (DependencyEdge, error) {
	c, err := ParseConstraint(expr)
	if err != nil {
		return DependencyEdge{}, err
	}
	return DependencyEdge{From: from, To: to, Constraint: c, Kind: kind}, nil
}

// Requires builds a Required edge; it panics on a malformed expression.
func Requires(from, to, expr string) DependencyEdge {
	return DependencyEdge{From: from, To: to, Constraint: MustParseConstraint(expr), Kind: EdgeRequired}
}

// Optionally builds an Optional edge; it panics on a malformed expression.
func Optionally(from, to, expr string) DependencyEdge {
	return DependencyEdge{From: from, To: to, Constraint: MustParseConstraint(expr), Kind: EdgeOptional}
}

// ConflictsWith builds a Conflicts edge; it panics on a malformed expression.
func ConflictsWith(from, to, expr string) DependencyEdge {
	return DependencyEdge{From: from, To: to, Constraint: MustParseConstraint(expr), Kind: EdgeConflicts}
}

func (e DependencyEdge) String() string {
	return fmt.Sprintf("%s -[%s %s]-> %s", e.From, e.Kind, e.Constraint, e.To)
}

// PayloadSource tells the orchestrator where a plugin payload lives.
type PayloadSource struct {
	URL      string `json:"url,omitempty" yaml:"url,omitempty"`
	Checksum string `json:"checksum,omitempty" yaml:"checksum,omitempty"`
}

// PluginRecord is the registry's description of one version of a plugin.
type PluginRecord struct {
	ID                   string
	Version              Version
	Dependencies         []DependencyEdge
	ExternalRequirements []string
	Source               PayloadSource
	Description          string
	RegisteredAt         time.Time
}

// Clone returns a deep copy of the record.
func (r PluginRecord) Clone() PluginRecord {
	out := r
	out.Dependencies = append([]DependencyEdge(nil), r.Dependencies...)
	out.ExternalRequirements = append([]string(nil), r.ExternalRequirements...)
	return out
}

// normalize fills the edges' From with the record id and validates identity.
func (r PluginRecord) normalize() (PluginRecord, error) {
	if strings.TrimSpace(r.ID) == "" {
		return PluginRecord{}, NewRegistryStoreError("plugin id cannot be empty", nil)
	}
	if r.Version.IsZero() {
		return PluginRecord{}, NewRegistryStoreError("plugin "+r.ID+" has no version", nil)
	}
	out := r.Clone()
	for i := range out.Dependencies {
		if out.Dependencies[i].To == "" {
			return PluginRecord{}, NewRegistryStoreError("plugin "+r.ID+" declares a dependency without target", nil)
		}
		out.Dependencies[i].From = r.ID
	}
	return out, nil
}

// PluginRegistry is the read side of the registry consumed by resolution.
// Get and GetDependencies operate on each plugin's current version.
type PluginRegistry interface {
	Get(id string) (PluginRecord, bool)
	GetVersion(id string, version Version) (PluginRecord, bool)
	GetDependencies(id string) []DependencyEdge
	AllIDs() []string
	Versions(id string) []Version
	Revision() uint64
}

// RegistrySource hands out immutable snapshots of a live registry.
type RegistrySource interface {
	Snapshot(ctx context.Context) (*RegistrySnapshot, error)
	CurrentRevision(ctx context.Context) (uint64, error)
}

// ChangeKind describes a registry mutation.
type ChangeKind string

const (
	ChangeAdded          ChangeKind = "added"
	ChangeReplaced       ChangeKind = "replaced"
	ChangeRemoved        ChangeKind = "removed"
	ChangeCurrentChanged ChangeKind = "current_changed"
	ChangeReloaded       ChangeKind = "reloaded"
)

// RegistryChange is published after every registry mutation.
type RegistryChange struct {
	PluginID string
	Version  Version
	Kind     ChangeKind
	Revision uint64
}

// RegistryChangeHandler receives registry mutations.
type RegistryChangeHandler func(RegistryChange)

// ChangeNotifier is implemented by registries that publish their mutations.
type ChangeNotifier interface {
	OnChange(handler RegistryChangeHandler)
}

type snapshotEntry struct {
	versions []PluginRecord // ascending precedence
	current  int
}

// RegistrySnapshot is an immutable copy of a registry at one revision.
// It is safe for concurrent use and implements PluginRegistry.
type RegistrySnapshot struct {
	revision uint64
	plugins  map[string]*snapshotEntry
	ids      []string
}

// NewRegistrySnapshot copies records into a snapshot. current selects the
// current version per plugin; plugins missing from current use their highest
// registered version.
func NewRegistrySnapshot(revision uint64, records []PluginRecord, current map[string]Version) (*RegistrySnapshot, error) {
	snap := &RegistrySnapshot{revision: revision, plugins: make(map[string]*snapshotEntry)}

	for _, rec := range records {
		normalized, err := rec.normalize()
		if err != nil {
			return nil, err
		}
		entry, ok := snap.plugins[normalized.ID]
		if !ok {
			entry = &snapshotEntry{}
			snap.plugins[normalized.ID] = entry
		}
		entry.versions = append(entry.versions, normalized)
	}

	for id, entry := range snap.plugins {
		sort.SliceStable(entry.versions, func(i, j int) bool {
			return entry.versions[i].Version.LessThan(entry.versions[j].Version)
		})
		entry.current = len(entry.versions) - 1
		if want, ok := current[id]; ok {
			for i, rec := range entry.versions {
				if rec.Version.Equal(want) {
					entry.current = i
				}
			}
		}
		snap.ids = append(snap.ids, id)
	}
	sort.Strings(snap.ids)
	return snap, nil
}

// Revision returns the registry revision this snapshot was taken at.
func (s *RegistrySnapshot) Revision() uint64 { return s.revision }

// Get returns a copy of the current version of id.
func (s *RegistrySnapshot) Get(id string) (PluginRecord, bool) {
	entry, ok := s.plugins[id]
	if !ok {
		return PluginRecord{}, false
	}
	return entry.versions[entry.current].Clone(), true
}

// GetVersion returns a copy of a specific version of id.
func (s *RegistrySnapshot) GetVersion(id string, version Version) (PluginRecord, bool) {
	entry, ok := s.plugins[id]
	if !ok {
		return PluginRecord{}, false
	}
	for _, rec := range entry.versions {
		if rec.Version.Equal(version) {
			return rec.Clone(), true
		}
	}
	return PluginRecord{}, false
}

// GetDependencies returns the dependency edges of the current version of id.
func (s *RegistrySnapshot) GetDependencies(id string) []DependencyEdge {
	rec, ok := s.Get(id)
	if !ok {
		return nil
	}
	return rec.Dependencies
}

// AllIDs returns every plugin id in ascending order.
func (s *RegistrySnapshot) AllIDs() []string {
	return append([]string(nil), s.ids...)
}

// Versions returns the registered versions of id in ascending order.
func (s *RegistrySnapshot) Versions(id string) []Version {
	entry, ok := s.plugins[id]
	if !ok {
		return nil
	}
	out := make([]Version, len(entry.versions))
	for i, rec := range entry.versions {
		out[i] = rec.Version
	}
	return out
}

// Records returns copies of every record in the snapshot, ordered by id and
// version.
func (s *RegistrySnapshot) Records() []PluginRecord {
	var out []PluginRecord
	for _, id := range s.ids {
		for _, rec := range s.plugins[id].versions {
			out = append(out, rec.Clone())
		}
	}
	return out
}

// CurrentVersions returns the current version of every plugin.
func (s *RegistrySnapshot) CurrentVersions() map[string]Version {
	out := make(map[string]Version, len(s.plugins))
	for id, entry := range s.plugins {
		out[id] = entry.versions[entry.current].Version
	}
	return out
}

// Snapshot lets a snapshot serve as its own RegistrySource.
func (s *RegistrySnapshot) Snapshot(ctx context.Context) (*RegistrySnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s, nil
}

// CurrentRevision implements RegistrySource.
func (s *RegistrySnapshot) CurrentRevision(ctx context.Context) (uint64, error) {
	return s.revision, ctx.Err()
}
