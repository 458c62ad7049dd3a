// resolver_test.go: Tests for dependency resolution and result caching
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginresolver

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_SatisfiedChain(t *testing.T) {
	snap := snapshotOf(t,
		record("A", "1.0.0", Requires("A", "B", ">=1.0.0,<2.0.0")),
		record("B", "1.5.0"),
	)

	result := Resolve(snap, "A", nil, GraphOptions{})
	assert.True(t, result.Success)
	assert.Equal(t, []string{"B", "A"}, result.InstallOrder)
	assert.Empty(t, result.Conflicts)
	assert.Empty(t, result.Missing)
	assert.Equal(t, "resolved 2 plugins", result.Message)

	require.Len(t, result.Steps, 2)
	assert.Equal(t, "B", result.Steps[0].PluginID)
	assert.True(t, result.Steps[0].Version.Equal(MustParseVersion("1.5.0")))
}

func TestResolve_ConstraintViolation(t *testing.T) {
	snap := snapshotOf(t,
		record("A", "1.0.0", Requires("A", "B", ">=2.0.0")),
		record("B", "1.5.0"),
	)

	result := Resolve(snap, "A", nil, GraphOptions{})
	assert.False(t, result.Success)
	assert.Equal(t, []string{"B: requires >=2.0.0, have 1.5.0"}, result.Conflicts)
	assert.Empty(t, result.InstallOrder)
	assert.Empty(t, result.Steps)
}

func TestResolve_Cycle(t *testing.T) {
	snap := snapshotOf(t,
		record("A", "1.0.0", Requires("A", "B", "")),
		record("B", "1.0.0", Requires("B", "A", "")),
	)

	result := Resolve(snap, "A", nil, GraphOptions{})
	assert.False(t, result.Success)
	assert.ElementsMatch(t, []string{"A", "B"}, result.Cycle)
	require.Len(t, result.Conflicts, 1)
	assert.Contains(t, result.Conflicts[0], "circular dependency: ")
	assert.Contains(t, result.Conflicts[0], "A")
	assert.Contains(t, result.Conflicts[0], "B")
	assert.Empty(t, result.InstallOrder)
}

func TestResolve_SelfDependency(t *testing.T) {
	snap := snapshotOf(t, record("A", "1.0.0", Requires("A", "A", "")))

	result := Resolve(snap, "A", nil, GraphOptions{})
	assert.False(t, result.Success)
	assert.Equal(t, []string{"A"}, result.Cycle)
	assert.Equal(t, []string{"circular dependency: A -> A"}, result.Conflicts)
}

func TestResolve_PluginNotFound(t *testing.T) {
	snap := snapshotOf(t, record("A", "1.0.0"))

	result := Resolve(snap, "ghost", nil, GraphOptions{})
	assert.False(t, result.Success)
	assert.Equal(t, []string{"ghost"}, result.Missing)
	assert.Equal(t, "plugin not found", result.Message)

	target := MustParseVersion("9.9.9")
	result = Resolve(snap, "A", &target, GraphOptions{})
	assert.False(t, result.Success)
	assert.Equal(t, []string{"A"}, result.Missing)
	assert.Equal(t, "plugin not found", result.Message)
}

func TestResolve_AggregatesAllFailures(t *testing.T) {
	snap := snapshotOf(t,
		record("app", "1.0.0",
			Requires("app", "db", ">=2.0.0"),
			Requires("app", "cache", ""),
			Requires("app", "web", "")),
		record("web", "1.0.0", Requires("web", "cache", ">=1.0.0"), Requires("web", "queue", "")),
		record("db", "1.0.0"),
	)

	result := Resolve(snap, "app", nil, GraphOptions{})
	assert.False(t, result.Success)
	assert.Equal(t, []string{"cache", "queue"}, result.Missing, "missing ids are deduplicated in discovery order")
	assert.Equal(t, []string{"db: requires >=2.0.0, have 1.0.0"}, result.Conflicts)
	assert.Equal(t, "unresolved: 2 missing, 1 conflicts", result.Message)
}

func TestResolve_ConflictsEdges(t *testing.T) {
	t.Run("triggered inside closure", func(t *testing.T) {
		snap := snapshotOf(t,
			record("app", "1.0.0", Requires("app", "lib", ""), ConflictsWith("app", "lib", "<2.0.0")),
			record("lib", "1.4.0"),
		)
		result := Resolve(snap, "app", nil, GraphOptions{})
		assert.False(t, result.Success)
		assert.Equal(t, []string{"app: conflicts with lib <2.0.0, have 1.4.0"}, result.Conflicts)
	})

	t.Run("triggered by registered plugin", func(t *testing.T) {
		snap := snapshotOf(t,
			record("app", "1.0.0", ConflictsWith("app", "legacy", "")),
			record("legacy", "0.9.0"),
		)
		result := Resolve(snap, "app", nil, GraphOptions{})
		assert.False(t, result.Success)
		assert.Equal(t, []string{"app: conflicts with legacy *, have 0.9.0"}, result.Conflicts)
	})

	t.Run("not triggered", func(t *testing.T) {
		snap := snapshotOf(t,
			record("app", "1.0.0", ConflictsWith("app", "legacy", "<1.0.0"), ConflictsWith("app", "absent", "")),
			record("legacy", "1.2.0"),
		)
		result := Resolve(snap, "app", nil, GraphOptions{})
		assert.True(t, result.Success)
		assert.Equal(t, []string{"app"}, result.InstallOrder)
	})
}

func TestResolve_OptionalEdges(t *testing.T) {
	records := []PluginRecord{
		record("app", "1.0.0",
			Optionally("app", "metrics", ">=1.0.0"),
			Optionally("app", "tracing", ">=2.0.0"),
			Optionally("app", "absent", "")),
		record("metrics", "1.1.0"),
		record("tracing", "1.0.0"),
	}

	t.Run("dropped by default", func(t *testing.T) {
		result := Resolve(snapshotOf(t, records...), "app", nil, GraphOptions{})
		assert.True(t, result.Success)
		assert.Equal(t, []string{"metrics", "app"}, result.InstallOrder)
		assert.Equal(t, []string{
			"app -> tracing (>=2.0.0): requires >=2.0.0, have 1.0.0",
			"app -> absent (*): not registered",
		}, result.Skipped)
	})

	t.Run("strict reports mismatch", func(t *testing.T) {
		result := Resolve(snapshotOf(t, records...), "app", nil, GraphOptions{StrictOptional: true})
		assert.False(t, result.Success)
		assert.Equal(t, []string{"tracing: optionally requires >=2.0.0, have 1.0.0"}, result.Conflicts)
		assert.Equal(t, []string{"app -> absent (*): not registered"}, result.Skipped)
	})
}

func TestResolve_TargetVersion(t *testing.T) {
	snap := snapshotOf(t,
		record("app", "1.0.0", Requires("app", "lib", ">=1.0.0")),
		record("app", "2.0.0", Requires("app", "lib", ">=2.0.0")),
		record("lib", "1.5.0"),
	)

	current := Resolve(snap, "app", nil, GraphOptions{})
	assert.False(t, current.Success, "current version 2.0.0 needs lib >=2.0.0")

	target := MustParseVersion("1.0.0")
	older := Resolve(snap, "app", &target, GraphOptions{})
	assert.True(t, older.Success)
	assert.True(t, older.TargetVersion.Equal(target))
	step, ok := older.Step("app")
	require.True(t, ok)
	assert.True(t, step.Version.Equal(target))
}

func TestResolve_Idempotent(t *testing.T) {
	snap := snapshotOf(t,
		record("app", "1.0.0", Requires("app", "b", ""), Requires("app", "c", ">=2.0.0"), Requires("app", "x", "")),
		record("b", "1.0.0", Requires("b", "d", "")),
		record("c", "1.0.0"),
		record("d", "1.0.0"),
	)

	first := Resolve(snap, "app", nil, GraphOptions{})
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, Resolve(snap, "app", nil, GraphOptions{}))
	}
}

func TestResolve_DoesNotMutateSnapshot(t *testing.T) {
	snap := snapshotOf(t,
		record("A", "1.0.0", Requires("A", "B", ">=1.0.0")),
		record("B", "1.0.0"),
	)
	before := snap.Records()
	Resolve(snap, "A", nil, GraphOptions{})
	assert.Equal(t, before, snap.Records())
}

// countingSource counts snapshot requests of a MemoryRegistry.
type countingSource struct {
	*MemoryRegistry
	snapshots atomic.Int64
}

func (c *countingSource) Snapshot(ctx context.Context) (*RegistrySnapshot, error) {
	c.snapshots.Add(1)
	return c.MemoryRegistry.Snapshot(ctx)
}

func TestResolver_CachesPerRevision(t *testing.T) {
	registry := NewMemoryRegistry()
	require.NoError(t, registry.Put(record("A", "1.0.0", Requires("A", "B", ">=2.0.0"))))
	require.NoError(t, registry.Put(record("B", "1.0.0")))

	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)

	resolver := NewResolver(registry, ResolverOptions{CacheTTL: time.Minute, Metrics: metrics})
	ctx := context.Background()

	first, err := resolver.Resolve(ctx, "A", nil)
	require.NoError(t, err)
	assert.False(t, first.Success)

	second, err := resolver.Resolve(ctx, "A", nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.cacheHits.WithLabelValues("resolution")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.resolutions.WithLabelValues("failure")))

	// A new revision is a new cache key.
	require.NoError(t, registry.Put(record("B", "2.0.0")))
	third, err := resolver.Resolve(ctx, "A", nil)
	require.NoError(t, err)
	assert.True(t, third.Success)
	assert.Equal(t, []string{"B", "A"}, third.InstallOrder)
	assert.Greater(t, third.SnapshotRevision, first.SnapshotRevision)
}

func TestResolver_ExplicitSnapshotsSharingARevision(t *testing.T) {
	resolver := NewResolver(NewMemoryRegistry(), ResolverOptions{CacheTTL: time.Minute})
	ctx := context.Background()

	tight := snapshotOf(t,
		record("A", "1.0.0", Requires("A", "B", ">=2.0.0")),
		record("B", "1.5.0"))
	loose := snapshotOf(t,
		record("A", "1.0.0", Requires("A", "B", ">=1.0.0")),
		record("B", "1.5.0"))
	require.Equal(t, tight.Revision(), loose.Revision())

	first, err := resolver.ResolveSnapshot(ctx, tight, "A", nil)
	require.NoError(t, err)
	assert.False(t, first.Success)

	second, err := resolver.ResolveSnapshot(ctx, loose, "A", nil)
	require.NoError(t, err)
	assert.Equal(t, Resolve(loose, "A", nil, GraphOptions{}), second)
	assert.True(t, second.Success)
	assert.Equal(t, []string{"B", "A"}, second.InstallOrder)

	again, err := resolver.ResolveSnapshot(ctx, tight, "A", nil)
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestResolver_ResultsAreIndependentCopies(t *testing.T) {
	registry := NewMemoryRegistry()
	require.NoError(t, registry.Put(record("A", "1.0.0", Requires("A", "B", ""))))
	require.NoError(t, registry.Put(record("B", "1.0.0")))

	resolver := NewResolver(registry, ResolverOptions{})
	ctx := context.Background()

	first, err := resolver.Resolve(ctx, "A", nil)
	require.NoError(t, err)
	first.InstallOrder[0] = "mutated"

	second, err := resolver.Resolve(ctx, "A", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "A"}, second.InstallOrder)
}

func TestResolver_ConcurrentRequests(t *testing.T) {
	source := &countingSource{MemoryRegistry: NewMemoryRegistry()}
	require.NoError(t, source.Put(record("A", "1.0.0", Requires("A", "B", ""))))
	require.NoError(t, source.Put(record("B", "1.0.0")))

	resolver := NewResolver(source, ResolverOptions{})
	ctx := context.Background()

	var wg sync.WaitGroup
	results := make([]ResolutionResult, 32)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := resolver.Resolve(ctx, "A", nil)
			assert.NoError(t, err)
			results[i] = r
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		assert.Equal(t, []string{"B", "A"}, r.InstallOrder)
	}
	assert.Equal(t, int64(len(results)), source.snapshots.Load())
}

func TestResolver_CancelledContext(t *testing.T) {
	registry := NewMemoryRegistry()
	require.NoError(t, registry.Put(record("A", "1.0.0")))
	resolver := NewResolver(registry, ResolverOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := resolver.Resolve(ctx, "A", nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResolver_Purge(t *testing.T) {
	registry := NewMemoryRegistry()
	require.NoError(t, registry.Put(record("A", "1.0.0")))

	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	require.NoError(t, err)
	resolver := NewResolver(registry, ResolverOptions{Metrics: metrics})
	ctx := context.Background()

	_, err = resolver.Resolve(ctx, "A", nil)
	require.NoError(t, err)
	resolver.Purge()
	_, err = resolver.Resolve(ctx, "A", nil)
	require.NoError(t, err)

	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.cacheHits.WithLabelValues("resolution")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.resolutions.WithLabelValues("success")))
}
