// orchestrator.go: Plan execution with backup-before-mutate and rollback
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginresolver

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	timecache "github.com/agilira/go-timecache"
	"github.com/google/uuid"
)

// InstallAction classifies an installation attempt.
type InstallAction string

const (
	ActionInstall  InstallAction = "install"
	ActionUpdate   InstallAction = "update"
	ActionRollback InstallAction = "rollback"
)

// StepState is the lifecycle state of one plan step.
type StepState int

const (
	StepPending StepState = iota
	StepBackedUp
	StepInstalling
	StepInstalled
	StepFailed
	StepRolledBack
)

func (s StepState) String() string {
	switch s {
	case StepPending:
		return "pending"
	case StepBackedUp:
		return "backed_up"
	case StepInstalling:
		return "installing"
	case StepInstalled:
		return "installed"
	case StepFailed:
		return "failed"
	case StepRolledBack:
		return "rolled_back"
	default:
		return fmt.Sprintf("StepState(%d)", int(s))
	}
}

// StepTransition is published to observers on every state change.
type StepTransition struct {
	PluginID  string
	Version   Version
	From      StepState
	To        StepState
	Err       error
	Timestamp time.Time
}

// StepObserver receives step transitions. Observers run synchronously on the
// installing goroutine; a panicking observer is logged and ignored.
type StepObserver func(StepTransition)

// InstallationAttempt records one executed step. It is immutable once
// created and appended to the installation history.
type InstallationAttempt struct {
	ID          string        `json:"id"`
	PluginID    string        `json:"plugin_id"`
	FromVersion Version       `json:"from_version"`
	ToVersion   Version       `json:"to_version"`
	Action      InstallAction `json:"action"`
	Success     bool          `json:"success"`
	Error       string        `json:"error,omitempty"`
	BackupPath  string        `json:"backup_path,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}

// InstallReport summarizes an installation run. Completed steps stay
// installed even when a later step fails.
type InstallReport struct {
	PluginID  string
	Attempts  []InstallationAttempt
	Completed []string
	Failed    []string
	Aborted   []string
	Skipped   []string
}

// Success reports whether every planned step completed or was skipped.
func (r InstallReport) Success() bool {
	return len(r.Failed) == 0 && len(r.Aborted) == 0
}

// OrchestratorOptions wires an InstallationOrchestrator.
type OrchestratorOptions struct {
	Config Config

	// Registry is consulted for staleness before any mutation.
	Registry RegistrySource

	Fetcher      Fetcher
	Verifier     Verifier
	Requirements RequirementInstaller
	History      InstallationHistory
	Logger       Logger
	Metrics      *Metrics
}

// InstallationOrchestrator executes resolution plans. It is the only
// component that mutates installed plugin directories, and it serializes
// each plugin through a per-plugin lock.
type InstallationOrchestrator struct {
	cfg          Config
	registry     RegistrySource
	fetcher      Fetcher
	verifier     Verifier
	requirements RequirementInstaller
	history      InstallationHistory
	store        *payloadStore
	locks        *pluginLocks
	logger       Logger
	metrics      *Metrics

	observersMu sync.RWMutex
	observers   []StepObserver
}

// NewInstallationOrchestrator validates options and fills defaults: a
// ChecksumVerifier, an in-memory history and, when Config.RequirementCommand
// is set, an ExecRequirementInstaller.
func NewInstallationOrchestrator(opts OrchestratorOptions) (*InstallationOrchestrator, error) {
	cfg := opts.Config
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Registry == nil {
		return nil, NewConfigValidationError("orchestrator requires a registry source", nil)
	}
	if opts.Fetcher == nil {
		return nil, NewConfigValidationError("orchestrator requires a fetcher", nil)
	}

	logger := opts.Logger
	if logger == nil {
		logger = NewNoOpLogger()
	}
	verifier := opts.Verifier
	if verifier == nil {
		verifier = ChecksumVerifier{}
	}
	history := opts.History
	if history == nil {
		history = NewMemoryHistory()
	}
	requirements := opts.Requirements
	if requirements == nil && len(cfg.RequirementCommand) > 0 {
		requirements = &ExecRequirementInstaller{Command: cfg.RequirementCommand}
	}

	return &InstallationOrchestrator{
		cfg:          cfg,
		registry:     opts.Registry,
		fetcher:      opts.Fetcher,
		verifier:     verifier,
		requirements: requirements,
		history:      history,
		store:        newPayloadStore(cfg.InstallDir, cfg.BackupDir, logger),
		locks:        newPluginLocks(),
		logger:       logger,
		metrics:      opts.Metrics,
	}, nil
}

// OnStepTransition registers an observer.
func (o *InstallationOrchestrator) OnStepTransition(observer StepObserver) {
	o.observersMu.Lock()
	defer o.observersMu.Unlock()
	o.observers = append(o.observers, observer)
}

func (o *InstallationOrchestrator) transition(step InstallStep, from, to StepState, err error) {
	o.observersMu.RLock()
	observers := append([]StepObserver(nil), o.observers...)
	o.observersMu.RUnlock()

	t := StepTransition{
		PluginID:  step.PluginID,
		Version:   step.Version,
		From:      from,
		To:        to,
		Err:       err,
		Timestamp: timecache.CachedTime(),
	}
	for _, observer := range observers {
		safeCall(o.logger, func() { observer(t) })
	}
}

// InstalledVersion reports the installed version of id. An installed
// directory without version information yields a zero Version.
func (o *InstallationOrchestrator) InstalledVersion(id string) (Version, bool, error) {
	return o.store.installedVersion(id)
}

// Backups lists the backups of id, newest first.
func (o *InstallationOrchestrator) Backups(id string) ([]Backup, error) {
	return o.store.listBackups(id)
}

type pendingStep struct {
	step    InstallStep
	from    Version
	present bool
	backup  Backup
}

// Install executes plan in install order.
//
// The plan must be successful and computed at the registry's current
// revision. Every step is backed up before the first one is touched; a
// backup failure aborts the run with nothing mutated. Steps then run
// sequentially and the first failure is rolled back from its own backup
// and ends the run. Cancellation is honoured between steps only.
//
// The returned report is meaningful even when err is not nil.
func (o *InstallationOrchestrator) Install(ctx context.Context, plan ResolutionResult) (InstallReport, error) {
	report := InstallReport{PluginID: plan.PluginID}
	if !plan.Success {
		return report, NewPlanNotInstallableError(plan.PluginID, plan.Message)
	}
	if len(plan.Steps) == 0 {
		return report, NewPlanNotInstallableError(plan.PluginID, "plan has no steps")
	}

	if err := o.checkFresh(ctx, plan); err != nil {
		return report, err
	}
	release, err := o.locks.acquire(ctx, plan.InstallOrder, o.cfg.LockTimeout)
	if err != nil {
		return report, err
	}
	defer release()

	// The registry may have moved while waiting for the locks.
	if err := o.checkFresh(ctx, plan); err != nil {
		return report, err
	}

	var pending []*pendingStep
	for _, step := range plan.Steps {
		from, present, err := o.store.installedVersion(step.PluginID)
		if err != nil {
			return report, err
		}
		if present && from.Equal(step.Version) {
			report.Skipped = append(report.Skipped, step.PluginID)
			continue
		}
		pending = append(pending, &pendingStep{step: step, from: from, present: present})
	}

	if err := o.backupAll(pending); err != nil {
		return report, err
	}

	for i, p := range pending {
		if ctxErr := ctx.Err(); ctxErr != nil {
			aborted := o.abort(pending[i:])
			report.Aborted = append(report.Aborted, aborted...)
			o.logger.Warn("Installation cancelled",
				"plugin_id", plan.PluginID,
				"completed", report.Completed,
				"aborted", aborted)
			return report, NewInstallCancelledError(report.Completed, aborted, ctxErr)
		}

		attempt, stepErr := o.runStep(ctx, p)
		report.Attempts = append(report.Attempts, attempt)
		if stepErr != nil {
			report.Failed = append(report.Failed, p.step.PluginID)
			report.Aborted = append(report.Aborted, o.abort(pending[i+1:])...)
			o.logger.Error("Installation step failed",
				"plugin_id", p.step.PluginID,
				"version", p.step.Version.String(),
				"backup_path", p.backup.Path,
				"error", stepErr)
			return report, stepErr
		}
		report.Completed = append(report.Completed, p.step.PluginID)
	}

	o.logger.Info("Installation completed",
		"plugin_id", plan.PluginID,
		"completed", len(report.Completed),
		"skipped", len(report.Skipped))
	return report, nil
}

func (o *InstallationOrchestrator) checkFresh(ctx context.Context, plan ResolutionResult) error {
	current, err := o.registry.CurrentRevision(ctx)
	if err != nil {
		return err
	}
	if current != plan.SnapshotRevision {
		return NewStaleResolutionError(plan.PluginID, plan.SnapshotRevision, current)
	}
	return nil
}

// backupAll backs up every pending step. On failure the backups made so far
// are removed.
func (o *InstallationOrchestrator) backupAll(pending []*pendingStep) error {
	for i, p := range pending {
		b, err := o.store.backup(p.step.PluginID)
		if err != nil {
			for _, done := range pending[:i] {
				o.discardBackup(done.backup)
			}
			return NewBackupError(p.step.PluginID, err)
		}
		p.backup = b
		o.transition(p.step, StepPending, StepBackedUp, nil)
	}
	return nil
}

// abort drops the unused backups of steps that will not run.
func (o *InstallationOrchestrator) abort(pending []*pendingStep) []string {
	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		o.discardBackup(p.backup)
		ids = append(ids, p.step.PluginID)
	}
	return ids
}

func (o *InstallationOrchestrator) discardBackup(b Backup) {
	if b.Path == "" {
		return
	}
	if err := os.RemoveAll(b.Path); err != nil {
		o.logger.Warn("Failed to remove unused backup", "path", b.Path, "error", err)
	}
}

// runStep drives one step from BackedUp to Installed, or to Failed and then
// RolledBack. Step I/O ignores cancellation of ctx and is bounded by the
// configured timeouts instead.
func (o *InstallationOrchestrator) runStep(ctx context.Context, p *pendingStep) (InstallationAttempt, error) {
	step := p.step
	action := ActionInstall
	if p.present {
		action = ActionUpdate
	}

	o.transition(step, StepBackedUp, StepInstalling, nil)
	ioCtx := context.WithoutCancel(ctx)

	err := o.ensureRequirements(ioCtx, step)
	if err == nil {
		err = o.installPayload(ioCtx, step)
	}

	attempt := InstallationAttempt{
		ID:          uuid.NewString(),
		PluginID:    step.PluginID,
		FromVersion: p.from,
		ToVersion:   step.Version,
		Action:      action,
		Success:     err == nil,
		BackupPath:  p.backup.Path,
		Timestamp:   timecache.CachedTime(),
	}

	if err == nil {
		o.transition(step, StepInstalling, StepInstalled, nil)
		if pruneErr := o.store.prune(step.PluginID, o.cfg.MaxBackupsPerPlugin); pruneErr != nil {
			o.logger.Warn("Backup pruning failed", "plugin_id", step.PluginID, "error", pruneErr)
		}
	} else {
		o.transition(step, StepInstalling, StepFailed, err)
		if restoreErr := o.store.restore(p.backup); restoreErr != nil {
			err = NewRestoreError(step.PluginID, p.backup.Path, restoreErr).WithContext("step_error", err.Error())
		} else {
			o.metrics.observeRollback("step_failure")
			o.transition(step, StepFailed, StepRolledBack, err)
		}
		attempt.Error = err.Error()
	}

	o.metrics.observeStep(action, attempt.Success)
	o.record(ctx, attempt)
	return attempt, err
}

func (o *InstallationOrchestrator) ensureRequirements(ctx context.Context, step InstallStep) error {
	if len(step.ExternalRequirements) == 0 {
		return nil
	}
	if o.requirements == nil {
		return NewRequirementError(step.PluginID, step.ExternalRequirements[0],
			fmt.Errorf("no requirement installer configured"))
	}

	ctx = ContextWithLogger(ctx, o.logger.With("plugin_id", step.PluginID))
	prober, canProbe := o.requirements.(RequirementProber)
	for _, req := range step.ExternalRequirements {
		reqCtx, cancel := context.WithTimeout(ctx, o.cfg.RequirementTimeout)
		if canProbe {
			if ok, err := prober.RequirementSatisfied(reqCtx, req); err == nil && ok {
				cancel()
				o.logger.Debug("External requirement already satisfied", "plugin_id", step.PluginID, "requirement", req)
				continue
			}
		}
		err := o.requirements.InstallRequirement(reqCtx, req)
		cancel()
		if err != nil {
			return NewRequirementError(step.PluginID, req, err)
		}
	}
	return nil
}

func (o *InstallationOrchestrator) installPayload(ctx context.Context, step InstallStep) error {
	if step.Source.URL == "" {
		return NewInvalidPayloadError(step.PluginID, fmt.Errorf("no payload source registered"))
	}
	if !o.cfg.AllowUnverifiedPayloads && step.Source.Checksum == "" {
		return NewVerifyError(step.PluginID, "")
	}

	fetchCtx, cancel := context.WithTimeout(ctx, o.cfg.FetchTimeout)
	data, err := o.fetcher.Fetch(fetchCtx, step.Source.URL)
	cancel()
	if err != nil {
		return NewFetchError(step.Source.URL, err).WithContext("plugin_id", step.PluginID)
	}

	if !o.verifier.Verify(data, step.Source.Checksum) {
		return NewVerifyError(step.PluginID, step.Source.Checksum)
	}

	staged, err := o.store.stage(step.PluginID, step.Version, data)
	if err != nil {
		return NewInvalidPayloadError(step.PluginID, err)
	}
	if err := o.store.swap(step.PluginID, staged); err != nil {
		return NewSwapError(step.PluginID, err)
	}
	return nil
}

// Rollback restores the newest backup of id taken at target. The current
// state is backed up first and the restored backup is kept.
func (o *InstallationOrchestrator) Rollback(ctx context.Context, id string, target Version) (InstallationAttempt, error) {
	release, err := o.locks.acquire(ctx, []string{id}, o.cfg.LockTimeout)
	if err != nil {
		return InstallationAttempt{}, err
	}
	defer release()

	backups, err := o.store.listBackups(id)
	if err != nil {
		return InstallationAttempt{}, NewInstalledStateError(id, err)
	}
	var source *Backup
	for i := range backups {
		if backups[i].Present && backups[i].Version.Equal(target) {
			source = &backups[i]
			break
		}
	}
	if source == nil {
		return InstallationAttempt{}, NewBackupNotFoundError(id, target.String())
	}

	from, _, err := o.store.installedVersion(id)
	if err != nil {
		return InstallationAttempt{}, err
	}
	current, err := o.store.backup(id)
	if err != nil {
		return InstallationAttempt{}, NewBackupError(id, err)
	}

	step := InstallStep{PluginID: id, Version: target}
	o.transition(step, StepPending, StepBackedUp, nil)
	o.transition(step, StepBackedUp, StepInstalling, nil)

	attempt := InstallationAttempt{
		ID:          uuid.NewString(),
		PluginID:    id,
		FromVersion: from,
		ToVersion:   target,
		Action:      ActionRollback,
		BackupPath:  source.Path,
		Timestamp:   timecache.CachedTime(),
	}

	if restoreErr := o.store.restore(*source); restoreErr != nil {
		err = NewRestoreError(id, source.Path, restoreErr)
		o.transition(step, StepInstalling, StepFailed, err)
		if undoErr := o.store.restore(current); undoErr != nil {
			o.logger.Error("Failed to return to pre-rollback state", "plugin_id", id, "backup_path", current.Path, "error", undoErr)
		} else {
			o.transition(step, StepFailed, StepRolledBack, err)
		}
		attempt.Error = err.Error()
	} else {
		attempt.Success = true
		o.transition(step, StepInstalling, StepInstalled, nil)
		o.metrics.observeRollback("manual")
		if pruneErr := o.store.prune(id, o.cfg.MaxBackupsPerPlugin, source.Path, current.Path); pruneErr != nil {
			o.logger.Warn("Backup pruning failed", "plugin_id", id, "error", pruneErr)
		}
	}

	o.metrics.observeStep(ActionRollback, attempt.Success)
	o.record(ctx, attempt)
	if err != nil {
		return attempt, err
	}
	o.logger.Info("Plugin rolled back", "plugin_id", id, "from", from.String(), "to", target.String())
	return attempt, nil
}

// record appends to the history. History failures are logged: the
// filesystem change has already happened and must not be reported as failed.
func (o *InstallationOrchestrator) record(ctx context.Context, attempt InstallationAttempt) {
	if err := o.history.Append(context.WithoutCancel(ctx), attempt); err != nil {
		o.logger.Warn("Failed to record installation attempt",
			"attempt_id", attempt.ID,
			"plugin_id", attempt.PluginID,
			"error", err)
	}
}
