// Package pluginresolver decides whether a plugin and its declared requirements
// form a consistent, installable set of plugin versions, computes the order in
// which they must be installed and executes that plan with backup-before-mutate
// and rollback-on-failure guarantees.
//
// Key Features:
//   - Semantic version constraints (">=1.0.0,<2.0.0") with strict precedence rules
//   - Dependency graphs with required, optional and conflicting edges
//   - Cycle detection and deterministic topological install ordering
//   - Upgrade compatibility reports with risk levels
//   - Sequential installation with per-plugin locking, backups and rollback
//   - SQLite or in-memory registries, hot-reloadable registry files
//   - Structured errors, pluggable logging and Prometheus metrics
//
// Basic Usage:
//
//	registry := pluginresolver.NewMemoryRegistry()
//	registry.Put(pluginresolver.PluginRecord{
//		ID:      "auth",
//		Version: pluginresolver.MustParseVersion("1.2.0"),
//		Dependencies: []pluginresolver.DependencyEdge{
//			pluginresolver.Requires("auth", "logging", ">=1.0.0,<2.0.0"),
//		},
//	})
//
//	engine, err := pluginresolver.NewEngine(pluginresolver.DefaultConfig(), pluginresolver.EngineOptions{
//		Registry: registry,
//		Fetcher:  pluginresolver.NewSchemeFetcher(nil),
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	plan, err := engine.Resolve(ctx, "auth", nil)
//	if err != nil || !plan.Success {
//		log.Fatalf("cannot resolve: %v %v", err, plan.Conflicts)
//	}
//	report, err := engine.Install(ctx, plan)
//
// Resolution is read-only and safe to run concurrently. Installation is the only
// mutating operation; it serializes access to each plugin through a per-plugin
// lock. A failed step is rolled back from its own backup, earlier successful
// steps of the same run are left standing.
//
// Copyright (c) 2025 AGILira - A. Giordano
// SPDX-License-Identifier: MPL-2.0
package pluginresolver
