// compatibility.go: Upgrade compatibility reports with risk levels
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginresolver

import (
	"fmt"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// RiskLevel grades how dangerous an in-place version change is.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
	RiskCritical
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	case RiskCritical:
		return "critical"
	default:
		return fmt.Sprintf("RiskLevel(%d)", int(r))
	}
}

func (r RiskLevel) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (r *RiskLevel) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "low":
		*r = RiskLow
	case "medium":
		*r = RiskMedium
	case "high":
		*r = RiskHigh
	case "critical":
		*r = RiskCritical
	default:
		return fmt.Errorf("unknown risk level %q", text)
	}
	return nil
}

func atLeast(current, floor RiskLevel) RiskLevel {
	if current < floor {
		return floor
	}
	return current
}

// CompatibilityReport describes moving a plugin from one version to another.
// Compatible is false whenever BreakingChanges is not empty.
type CompatibilityReport struct {
	PluginID        string    `json:"plugin_id"`
	FromVersion     Version   `json:"from_version"`
	ToVersion       Version   `json:"to_version"`
	Compatible      bool      `json:"compatible"`
	BreakingChanges []string  `json:"breaking_changes"`
	MigrationSteps  []string  `json:"migration_steps"`
	RiskLevel       RiskLevel `json:"risk_level"`
}

// Clone returns a deep copy.
func (c CompatibilityReport) Clone() CompatibilityReport {
	out := c
	out.BreakingChanges = append([]string(nil), c.BreakingChanges...)
	out.MigrationSteps = append([]string(nil), c.MigrationSteps...)
	return out
}

// CompatibilityChecker produces compatibility reports and caches them by
// (plugin, from, to). Entries never expire on their own; Invalidate drops a
// plugin's entries after a metadata edit and Purge drops everything.
type CompatibilityChecker struct {
	cache   *lru.Cache[string, CompatibilityReport]
	metrics *Metrics
}

// NewCompatibilityChecker creates a checker holding up to size reports.
func NewCompatibilityChecker(size int, metrics *Metrics) (*CompatibilityChecker, error) {
	if size <= 0 {
		size = DefaultConfig().CompatibilityCacheSize
	}
	c, err := lru.New[string, CompatibilityReport](size)
	if err != nil {
		return nil, err
	}
	return &CompatibilityChecker{cache: c, metrics: metrics}, nil
}

func compatKey(id string, from, to Version) string {
	return id + "|" + from.String() + "|" + to.String()
}

// Check reports whether id can move from one version to the other.
//
// Rules:
//   - either version missing from the registry: incompatible, Critical
//   - external requirement removed: breaking change, at least Medium
//   - external requirement added: migration step only
//   - new required plugin dependency: migration step only
//   - downgrade: migration step, at least Medium
//   - major version increase: at least High, whatever else was found
func (c *CompatibilityChecker) Check(view PluginRegistry, id string, from, to Version) CompatibilityReport {
	key := compatKey(id, from, to)
	if cached, ok := c.cache.Get(key); ok {
		c.metrics.cacheHit("compatibility")
		return cached.Clone()
	}

	report, cacheable := buildCompatibilityReport(view, id, from, to)
	c.metrics.observeCompatibility(report.RiskLevel)
	if cacheable {
		c.cache.Add(key, report.Clone())
	}
	return report
}

// Invalidate drops every cached report of id.
func (c *CompatibilityChecker) Invalidate(id string) {
	prefix := id + "|"
	for _, key := range c.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.cache.Remove(key)
		}
	}
}

// Purge drops every cached report.
func (c *CompatibilityChecker) Purge() { c.cache.Purge() }

// Len returns the number of cached reports.
func (c *CompatibilityChecker) Len() int { return c.cache.Len() }

// buildCompatibilityReport is pure. Reports about unknown versions are not
// cacheable since the version may be registered later.
func buildCompatibilityReport(view PluginRegistry, id string, from, to Version) (CompatibilityReport, bool) {
	report := CompatibilityReport{PluginID: id, FromVersion: from, ToVersion: to, RiskLevel: RiskLow}

	fromRec, okFrom := view.GetVersion(id, from)
	toRec, okTo := view.GetVersion(id, to)
	if !okFrom || !okTo {
		if !okFrom {
			report.BreakingChanges = append(report.BreakingChanges,
				fmt.Sprintf("version %s of %s is not registered", from, id))
		}
		if !okTo {
			report.BreakingChanges = append(report.BreakingChanges,
				fmt.Sprintf("version %s of %s is not registered", to, id))
		}
		report.RiskLevel = RiskCritical
		report.Compatible = false
		return report, false
	}

	removed, added := diffSets(fromRec.ExternalRequirements, toRec.ExternalRequirements)
	for _, req := range removed {
		report.BreakingChanges = append(report.BreakingChanges, "external requirement removed: "+req)
		report.RiskLevel = atLeast(report.RiskLevel, RiskMedium)
	}
	for _, req := range added {
		report.MigrationSteps = append(report.MigrationSteps, "install new requirement: "+req)
	}

	oldDeps := make(map[string]DependencyEdge)
	for _, edge := range fromRec.Dependencies {
		if edge.Kind == EdgeRequired {
			oldDeps[edge.To] = edge
		}
	}
	for _, edge := range toRec.Dependencies {
		if edge.Kind != EdgeRequired {
			continue
		}
		old, existed := oldDeps[edge.To]
		switch {
		case !existed:
			report.MigrationSteps = append(report.MigrationSteps,
				fmt.Sprintf("add dependency: %s (%s)", edge.To, edge.Constraint))
		case old.Constraint.String() != edge.Constraint.String():
			report.MigrationSteps = append(report.MigrationSteps,
				fmt.Sprintf("update dependency: %s (%s -> %s)", edge.To, old.Constraint, edge.Constraint))
		}
	}

	if to.LessThan(from) {
		report.MigrationSteps = append(report.MigrationSteps,
			fmt.Sprintf("downgrade from %s to %s", from, to))
		report.RiskLevel = atLeast(report.RiskLevel, RiskMedium)
	}

	if to.Major() > from.Major() {
		report.MigrationSteps = append(report.MigrationSteps,
			fmt.Sprintf("review major version upgrade %s -> %s", from, to))
		report.RiskLevel = atLeast(report.RiskLevel, RiskHigh)
	}

	report.Compatible = len(report.BreakingChanges) == 0
	return report, true
}

// diffSets returns sorted entries only in a (removed) and only in b (added).
func diffSets(a, b []string) (removed, added []string) {
	inA := make(map[string]struct{}, len(a))
	for _, s := range a {
		inA[s] = struct{}{}
	}
	inB := make(map[string]struct{}, len(b))
	for _, s := range b {
		inB[s] = struct{}{}
		if _, ok := inA[s]; !ok {
			added = append(added, s)
		}
	}
	for _, s := range a {
		if _, ok := inB[s]; !ok {
			removed = append(removed, s)
		}
	}
	sort.Strings(removed)
	sort.Strings(added)
	return dedupSorted(removed), dedupSorted(added)
}

func dedupSorted(s []string) []string {
	if len(s) < 2 {
		return s
	}
	out := s[:1]
	for _, v := range s[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}
