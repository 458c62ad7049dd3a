// engine.go: Facade wiring resolution, compatibility and installation
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginresolver

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// EngineOptions supplies the collaborators of an Engine. Only Registry and
// Fetcher are required.
type EngineOptions struct {
	Registry RegistrySource
	Fetcher  Fetcher

	// Verifier defaults to ChecksumVerifier.
	Verifier Verifier

	// Requirements defaults to an ExecRequirementInstaller when
	// Config.RequirementCommand is set.
	Requirements RequirementInstaller

	// History defaults to the store selected by Config.HistoryFile and
	// Config.AuditFile.
	History InstallationHistory

	// Logger accepts a Logger, a *slog.Logger or nil.
	Logger any

	// Metrics registers the engine's collectors when not nil.
	Metrics prometheus.Registerer
}

// Engine is the entry point of the library: it resolves plans, reports
// upgrade compatibility and installs or rolls back plugins.
type Engine struct {
	cfg          Config
	registry     RegistrySource
	resolver     *Resolver
	compat       *CompatibilityChecker
	orchestrator *InstallationOrchestrator
	history      InstallationHistory
	logger       Logger
	metrics      *Metrics

	closeOnce sync.Once
	closers   []func() error
}

// NewEngine validates cfg and wires the engine. The fetcher is wrapped with
// a per-host circuit breaker and, when enabled, a rate limiter.
func NewEngine(cfg Config, opts EngineOptions) (*Engine, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Registry == nil {
		return nil, NewConfigValidationError("engine requires a registry", nil)
	}
	if opts.Fetcher == nil {
		return nil, NewConfigValidationError("engine requires a fetcher", nil)
	}

	logger := NewLogger(opts.Logger)
	metrics, err := NewMetrics(opts.Metrics)
	if err != nil {
		return nil, NewConfigValidationError("cannot register metrics", err)
	}

	e := &Engine{cfg: cfg, registry: opts.Registry, logger: logger, metrics: metrics}

	history := opts.History
	if history == nil {
		history, err = OpenHistory(context.Background(), cfg)
		if err != nil {
			return nil, err
		}
		if c, ok := history.(interface{ Close() error }); ok {
			e.closers = append(e.closers, c.Close)
		}
	}
	e.history = history

	e.resolver = NewResolver(opts.Registry, ResolverOptions{
		StrictOptional: cfg.StrictOptional,
		CacheTTL:       cfg.ResolutionCacheTTL,
		Logger:         logger.With("component", "resolver"),
		Metrics:        metrics,
	})
	e.compat, err = NewCompatibilityChecker(cfg.CompatibilityCacheSize, metrics)
	if err != nil {
		e.close()
		return nil, err
	}

	fetcher := NewResilientFetcher(opts.Fetcher, cfg.CircuitBreaker, cfg.RateLimit, logger.With("component", "fetcher"), metrics)
	e.orchestrator, err = NewInstallationOrchestrator(OrchestratorOptions{
		Config:       cfg,
		Registry:     opts.Registry,
		Fetcher:      fetcher,
		Verifier:     opts.Verifier,
		Requirements: opts.Requirements,
		History:      history,
		Logger:       logger.With("component", "orchestrator"),
		Metrics:      metrics,
	})
	if err != nil {
		e.close()
		return nil, err
	}

	if notifier, ok := opts.Registry.(ChangeNotifier); ok {
		notifier.OnChange(e.handleRegistryChange)
	}
	return e, nil
}

// handleRegistryChange keeps the caches coherent. Resolution results are
// keyed by revision so they only need purging on reload; compatibility
// reports are keyed by version and must be dropped when metadata of an
// existing version changes.
func (e *Engine) handleRegistryChange(change RegistryChange) {
	switch change.Kind {
	case ChangeReplaced, ChangeRemoved:
		e.compat.Invalidate(change.PluginID)
	case ChangeReloaded:
		e.compat.Purge()
		e.resolver.Purge()
	}
	e.logger.Debug("Registry changed",
		"plugin_id", change.PluginID,
		"kind", string(change.Kind),
		"revision", change.Revision)
}

// Resolve computes the installation plan of id at target (nil means the
// current version). Plan entries whose installed version differs from the
// planned one carry a compatibility report.
func (e *Engine) Resolve(ctx context.Context, id string, target *Version) (ResolutionResult, error) {
	snap, err := e.registry.Snapshot(ctx)
	if err != nil {
		return ResolutionResult{}, err
	}
	result, err := e.resolver.resolveSourced(ctx, snap, id, target)
	if err != nil {
		return ResolutionResult{}, err
	}

	for _, step := range result.Steps {
		installed, present, err := e.orchestrator.InstalledVersion(step.PluginID)
		if err != nil {
			e.logger.Warn("Cannot read installed version", "plugin_id", step.PluginID, "error", err)
			continue
		}
		if !present || installed.IsZero() || installed.Equal(step.Version) {
			continue
		}
		result.Compatibility = append(result.Compatibility, e.compat.Check(snap, step.PluginID, installed, step.Version))
	}
	return result, nil
}

// CheckCompatibility reports what moving id from one version to another
// implies.
func (e *Engine) CheckCompatibility(ctx context.Context, id string, from, to Version) (CompatibilityReport, error) {
	snap, err := e.registry.Snapshot(ctx)
	if err != nil {
		return CompatibilityReport{}, err
	}
	return e.compat.Check(snap, id, from, to), nil
}

// Install executes plan. See InstallationOrchestrator.Install.
func (e *Engine) Install(ctx context.Context, plan ResolutionResult) (InstallReport, error) {
	return e.orchestrator.Install(ctx, plan)
}

// InstallAll runs independent plans concurrently. Plans sharing plugins
// serialize on the per-plugin locks. Reports are returned in plan order and
// the error is the first one encountered.
func (e *Engine) InstallAll(ctx context.Context, plans []ResolutionResult) ([]InstallReport, error) {
	reports := make([]InstallReport, len(plans))
	var g errgroup.Group
	for i, plan := range plans {
		g.Go(func() error {
			report, err := e.orchestrator.Install(ctx, plan)
			reports[i] = report
			return err
		})
	}
	return reports, g.Wait()
}

// Rollback restores id to the newest backup taken at target.
func (e *Engine) Rollback(ctx context.Context, id string, target Version) (InstallationAttempt, error) {
	return e.orchestrator.Rollback(ctx, id, target)
}

// History lists recorded attempts of id, or of every plugin when id is
// empty.
func (e *Engine) History(ctx context.Context, id string) ([]InstallationAttempt, error) {
	return e.history.List(ctx, id)
}

// Backups lists the backups of id, newest first.
func (e *Engine) Backups(id string) ([]Backup, error) {
	return e.orchestrator.Backups(id)
}

// InstalledVersion reports the installed version of id.
func (e *Engine) InstalledVersion(id string) (Version, bool, error) {
	return e.orchestrator.InstalledVersion(id)
}

// OnStepTransition registers an installation step observer.
func (e *Engine) OnStepTransition(observer StepObserver) {
	e.orchestrator.OnStepTransition(observer)
}

// Close releases stores opened by the engine. Collaborators passed in
// EngineOptions are left to the caller.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() { err = e.close() })
	return err
}

func (e *Engine) close() error {
	var first error
	for _, c := range e.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
