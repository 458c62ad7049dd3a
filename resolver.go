// resolver.go: Read-only dependency resolution with result caching
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginresolver

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// InstallStep is one entry of an installation plan.
type InstallStep struct {
	PluginID             string
	Version              Version
	Source               PayloadSource
	ExternalRequirements []string
}

// ResolutionResult is the outcome of resolving a plugin. Resolution failures
// (missing plugins, violated constraints, cycles) are reported here in full
// rather than as errors.
type ResolutionResult struct {
	PluginID      string
	TargetVersion Version

	Success bool

	// InstallOrder lists the closure with dependencies first. It is empty
	// unless Success is true.
	InstallOrder []string
	Steps        []InstallStep

	Conflicts []string
	Missing   []string
	Cycle     []string
	Skipped   []string
	Message   string

	// SnapshotRevision is the registry revision the plan was computed at.
	SnapshotRevision uint64

	// Compatibility holds reports for plan entries whose installed version
	// differs from the planned one. Filled in by Engine.Resolve.
	Compatibility []CompatibilityReport
}

// Clone returns a deep copy so cached results are never shared.
func (r ResolutionResult) Clone() ResolutionResult {
	out := r
	out.InstallOrder = append([]string(nil), r.InstallOrder...)
	out.Conflicts = append([]string(nil), r.Conflicts...)
	out.Missing = append([]string(nil), r.Missing...)
	out.Cycle = append([]string(nil), r.Cycle...)
	out.Skipped = append([]string(nil), r.Skipped...)
	out.Steps = append([]InstallStep(nil), r.Steps...)
	for i := range out.Steps {
		out.Steps[i].ExternalRequirements = append([]string(nil), out.Steps[i].ExternalRequirements...)
	}
	out.Compatibility = append([]CompatibilityReport(nil), r.Compatibility...)
	for i := range out.Compatibility {
		out.Compatibility[i] = out.Compatibility[i].Clone()
	}
	return out
}

// Step returns the plan entry for id.
func (r ResolutionResult) Step(id string) (InstallStep, bool) {
	for _, s := range r.Steps {
		if s.PluginID == id {
			return s, true
		}
	}
	return InstallStep{}, false
}

// ResolverOptions configures a Resolver.
type ResolverOptions struct {
	StrictOptional bool
	CacheTTL       time.Duration
	Logger         Logger
	Metrics        *Metrics
}

// Resolver computes installation plans against snapshots of a registry.
// It is safe for concurrent use; identical concurrent requests share one
// computation and results are cached per registry revision.
type Resolver struct {
	source  RegistrySource
	opts    GraphOptions
	cache   *cache.Cache
	group   singleflight.Group
	logger  Logger
	metrics *Metrics
}

// NewResolver creates a resolver reading from source.
func NewResolver(source RegistrySource, options ResolverOptions) *Resolver {
	ttl := options.CacheTTL
	if ttl <= 0 {
		ttl = DefaultConfig().ResolutionCacheTTL
	}
	logger := options.Logger
	if logger == nil {
		logger = NewNoOpLogger()
	}
	return &Resolver{
		source:  source,
		opts:    GraphOptions{StrictOptional: options.StrictOptional},
		cache:   cache.New(ttl, 2*ttl),
		logger:  logger,
		metrics: options.Metrics,
	}
}

// Resolve resolves id (at target, or at its current version when target is
// nil) against a fresh snapshot. The error is reserved for registry access
// failures and context cancellation.
func (r *Resolver) Resolve(ctx context.Context, id string, target *Version) (ResolutionResult, error) {
	snap, err := r.source.Snapshot(ctx)
	if err != nil {
		return ResolutionResult{}, err
	}
	return r.resolveSourced(ctx, snap, id, target)
}

// ResolveSnapshot resolves against an explicit snapshot. Revisions are only
// unique within the resolver's own source, so results for caller supplied
// snapshots are computed every time and never cached.
func (r *Resolver) ResolveSnapshot(ctx context.Context, snap *RegistrySnapshot, id string, target *Version) (ResolutionResult, error) {
	if err := ctx.Err(); err != nil {
		return ResolutionResult{}, err
	}
	return r.compute(snap, id, target), nil
}

// resolveSourced serves snapshots taken from r.source, for which the
// revision identifies the content.
func (r *Resolver) resolveSourced(ctx context.Context, snap *RegistrySnapshot, id string, target *Version) (ResolutionResult, error) {
	if err := ctx.Err(); err != nil {
		return ResolutionResult{}, err
	}

	key := cacheKey(id, target, snap.Revision())
	if cached, ok := r.cache.Get(key); ok {
		r.metrics.cacheHit("resolution")
		return cached.(ResolutionResult).Clone(), nil
	}

	v, _, _ := r.group.Do(key, func() (interface{}, error) {
		result := r.compute(snap, id, target)
		r.cache.Set(key, result, cache.DefaultExpiration)
		return result, nil
	})
	return v.(ResolutionResult).Clone(), nil
}

func (r *Resolver) compute(snap *RegistrySnapshot, id string, target *Version) ResolutionResult {
	start := time.Now()
	result := Resolve(snap, id, target, r.opts)
	r.metrics.observeResolution(result.Success, time.Since(start))

	r.logger.Debug("Resolution computed",
		"plugin_id", id,
		"revision", snap.Revision(),
		"success", result.Success,
		"missing", len(result.Missing),
		"conflicts", len(result.Conflicts))
	return result
}

// Purge drops every cached result.
func (r *Resolver) Purge() {
	r.cache.Flush()
}

func cacheKey(id string, target *Version, revision uint64) string {
	t := "current"
	if target != nil {
		t = target.String()
	}
	return id + "|" + t + "|" + strconv.FormatUint(revision, 10)
}

// Resolve is the pure resolution function: it builds the closure of id in
// view and validates every edge in it. It never mutates view.
func Resolve(view PluginRegistry, id string, target *Version, opts GraphOptions) ResolutionResult {
	result := ResolutionResult{PluginID: id, SnapshotRevision: view.Revision()}
	if target != nil {
		result.TargetVersion = *target
	}

	var (
		root  PluginRecord
		found bool
	)
	if target != nil {
		root, found = view.GetVersion(id, *target)
	} else {
		root, found = view.Get(id)
	}
	if !found {
		result.Missing = []string{id}
		result.Message = "plugin not found"
		return result
	}

	graph := BuildDependencyGraph(root, view, opts)
	v := newViolations()

	for _, edge := range graph.RequiredEdges() {
		dep, ok := graph.Node(edge.To)
		if !ok {
			v.missing(edge.To)
			continue
		}
		if !edge.Constraint.Matches(dep.Version) {
			v.conflict(fmt.Sprintf("%s: requires %s, have %s", edge.To, edge.Constraint, dep.Version))
		}
	}

	for _, edge := range graph.OptionalEdges() {
		dep, _ := graph.Node(edge.To)
		if !edge.Constraint.Matches(dep.Version) {
			v.conflict(fmt.Sprintf("%s: optionally requires %s, have %s", edge.To, edge.Constraint, dep.Version))
		}
	}

	for _, edge := range graph.ConflictEdges() {
		dep, ok := graph.Node(edge.To)
		if !ok {
			dep, ok = view.Get(edge.To)
		}
		if ok && edge.Constraint.Matches(dep.Version) {
			v.conflict(fmt.Sprintf("%s: conflicts with %s %s, have %s", edge.From, edge.To, edge.Constraint, dep.Version))
		}
	}

	if cycle := graph.HasCycle(); cycle != nil {
		result.Cycle = cycle
		v.conflict("circular dependency: " + formatCycle(cycle))
	}

	for _, s := range graph.Skipped() {
		result.Skipped = append(result.Skipped,
			fmt.Sprintf("%s -> %s (%s): %s", s.Edge.From, s.Edge.To, s.Edge.Constraint, s.Reason))
	}

	result.Missing = v.missingIDs
	result.Conflicts = v.conflicts
	result.Success = len(result.Missing) == 0 && len(result.Conflicts) == 0

	if result.Success {
		order, err := graph.TopologicalOrder()
		if err != nil {
			result.Success = false
			result.Conflicts = append(result.Conflicts, err.Error())
		} else {
			result.InstallOrder = order
			for _, pluginID := range order {
				rec, _ := graph.Node(pluginID)
				result.Steps = append(result.Steps, InstallStep{
					PluginID:             rec.ID,
					Version:              rec.Version,
					Source:               rec.Source,
					ExternalRequirements: append([]string(nil), rec.ExternalRequirements...),
				})
			}
		}
	}

	if result.Success {
		result.Message = fmt.Sprintf("resolved %d plugins", len(result.InstallOrder))
	} else {
		result.Message = fmt.Sprintf("unresolved: %d missing, %d conflicts", len(result.Missing), len(result.Conflicts))
	}
	return result
}

// violations collects missing ids and conflicts without duplicates, in
// discovery order.
type violations struct {
	seenMissing  map[string]struct{}
	seenConflict map[string]struct{}
	missingIDs   []string
	conflicts    []string
}

func newViolations() *violations {
	return &violations{
		seenMissing:  make(map[string]struct{}),
		seenConflict: make(map[string]struct{}),
	}
}

func (v *violations) missing(id string) {
	if _, ok := v.seenMissing[id]; ok {
		return
	}
	v.seenMissing[id] = struct{}{}
	v.missingIDs = append(v.missingIDs, id)
}

func (v *violations) conflict(msg string) {
	if _, ok := v.seenConflict[msg]; ok {
		return
	}
	v.seenConflict[msg] = struct{}{}
	v.conflicts = append(v.conflicts, msg)
}
