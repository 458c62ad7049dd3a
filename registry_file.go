// registry_file.go: Registry files and Argus-powered hot reload
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginresolver

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agilira/argus"
)

// RegistryDocument is the on-disk form of a registry.
//
// Example (YAML):
//
//	plugins:
//	  - id: auth
//	    version: 1.2.0
//	    requirements: [libssl]
//	    source:
//	      url: https://plugins.example.com/auth-1.2.0.zip
//	      checksum: sha256:9f86d08...
//	    dependencies:
//	      - id: logging
//	        constraint: ">=1.0.0,<2.0.0"
//	      - id: legacy-auth
//	        kind: conflicts
type RegistryDocument struct {
	Plugins []RegistryEntry `json:"plugins" yaml:"plugins"`
}

// RegistryEntry is one plugin version in a RegistryDocument.
type RegistryEntry struct {
	ID           string            `json:"id" yaml:"id"`
	Version      string            `json:"version" yaml:"version"`
	Current      bool              `json:"current,omitempty" yaml:"current,omitempty"`
	Description  string            `json:"description,omitempty" yaml:"description,omitempty"`
	Requirements []string          `json:"requirements,omitempty" yaml:"requirements,omitempty"`
	Source       PayloadSource     `json:"source,omitempty" yaml:"source,omitempty"`
	Dependencies []RegistryDepLine `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

// RegistryDepLine is one declared dependency of a RegistryEntry.
type RegistryDepLine struct {
	ID         string `json:"id" yaml:"id"`
	Constraint string `json:"constraint,omitempty" yaml:"constraint,omitempty"`
	Kind       string `json:"kind,omitempty" yaml:"kind,omitempty"`
}

// Records converts the document into plugin records and the current
// version per plugin. Without an explicit current flag the highest version
// is current.
func (d RegistryDocument) Records() ([]PluginRecord, map[string]Version, error) {
	records := make([]PluginRecord, 0, len(d.Plugins))
	current := make(map[string]Version)

	for i, entry := range d.Plugins {
		if entry.ID == "" {
			return nil, nil, fmt.Errorf("plugins[%d]: id is required", i)
		}
		version, err := ParseVersion(entry.Version)
		if err != nil {
			return nil, nil, fmt.Errorf("plugins[%d] (%s): %w", i, entry.ID, err)
		}

		rec := PluginRecord{
			ID:                   entry.ID,
			Version:              version,
			ExternalRequirements: append([]string(nil), entry.Requirements...),
			Source:               entry.Source,
			Description:          entry.Description,
		}
		for j, dep := range entry.Dependencies {
			kind, err := ParseEdgeKind(dep.Kind)
			if err != nil {
				return nil, nil, fmt.Errorf("plugins[%d].dependencies[%d]: %w", i, j, err)
			}
			edge, err := NewDependencyEdge(entry.ID, dep.ID, dep.Constraint, kind)
			if err != nil {
				return nil, nil, fmt.Errorf("plugins[%d].dependencies[%d]: %w", i, j, err)
			}
			rec.Dependencies = append(rec.Dependencies, edge)
		}
		if entry.Current {
			current[entry.ID] = version
		}
		records = append(records, rec)
	}
	return records, current, nil
}

// LoadRegistryFile parses a registry document from path.
func LoadRegistryFile(path string) ([]PluginRecord, map[string]Version, error) {
	raw, err := readDocument(path)
	if err != nil {
		return nil, nil, NewRegistryFileError(path, "read failed", err)
	}
	var doc RegistryDocument
	if err := decodeDocument(raw, path, &doc); err != nil {
		return nil, nil, NewRegistryFileError(path, "parse failed", err)
	}
	records, current, err := doc.Records()
	if err != nil {
		return nil, nil, NewRegistryFileError(path, "invalid entry", err)
	}
	return records, current, nil
}

// RegistryWatchOptions configures RegistryWatcher.
type RegistryWatchOptions struct {
	PollInterval time.Duration
	CacheTTL     time.Duration
}

// DefaultRegistryWatchOptions returns sensible polling defaults.
func DefaultRegistryWatchOptions() RegistryWatchOptions {
	return RegistryWatchOptions{
		PollInterval: 2 * time.Second,
		CacheTTL:     time.Second,
	}
}

// RegistryWatcher keeps a MemoryRegistry in sync with a registry file.
// Every successful reload replaces the registry content, which bumps its
// revision and makes earlier plans stale.
//
// Example usage:
//
//	registry := NewMemoryRegistry()
//	watcher := NewRegistryWatcher("registry.yaml", registry, DefaultRegistryWatchOptions(), logger)
//	if err := watcher.Start(); err != nil {
//	    return err
//	}
//	defer watcher.Stop()
type RegistryWatcher struct {
	path     string
	registry *MemoryRegistry
	watcher  *argus.Watcher
	logger   Logger
	options  RegistryWatchOptions

	enabled  int32
	mu       sync.Mutex
	stopOnce sync.Once
	stopped  atomic.Bool
	reloads  atomic.Int64
}

// NewRegistryWatcher creates a watcher; nothing happens until Start.
func NewRegistryWatcher(path string, registry *MemoryRegistry, options RegistryWatchOptions, logger any) *RegistryWatcher {
	internalLogger := NewLogger(logger)
	if options.PollInterval <= 0 {
		options.PollInterval = DefaultRegistryWatchOptions().PollInterval
	}
	if options.CacheTTL <= 0 || options.CacheTTL > options.PollInterval {
		options.CacheTTL = options.PollInterval / 2
	}

	watcher := argus.New(argus.Config{
		PollInterval:         options.PollInterval,
		CacheTTL:             options.CacheTTL,
		MaxWatchedFiles:      1,
		OptimizationStrategy: argus.OptimizationSingleEvent,
		ErrorHandler: func(err error, filepath string) {
			internalLogger.Error("Registry file watching error", "error", err, "file", filepath)
		},
	})

	return &RegistryWatcher{
		path:     path,
		registry: registry,
		watcher:  watcher,
		logger:   internalLogger,
		options:  options,
	}
}

// Start loads the file once and begins watching it.
func (w *RegistryWatcher) Start() error {
	if w.stopped.Load() {
		return fmt.Errorf("registry watcher has been permanently stopped and cannot be restarted")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if !atomic.CompareAndSwapInt32(&w.enabled, 0, 1) {
		return fmt.Errorf("registry watcher is already running")
	}

	if err := w.Reload(); err != nil {
		atomic.StoreInt32(&w.enabled, 0)
		return err
	}
	if err := w.watcher.Watch(w.path, w.handleChange); err != nil {
		atomic.StoreInt32(&w.enabled, 0)
		return fmt.Errorf("failed to watch registry file: %w", err)
	}
	if err := w.watcher.Start(); err != nil {
		atomic.StoreInt32(&w.enabled, 0)
		return fmt.Errorf("failed to start Argus watcher: %w", err)
	}

	w.logger.Info("Registry watcher started", "path", w.path, "poll_interval", w.options.PollInterval)
	return nil
}

// Stop ends watching. A stopped watcher cannot be restarted.
func (w *RegistryWatcher) Stop() error {
	if w.stopped.Load() {
		return fmt.Errorf("registry watcher is already stopped")
	}

	var stopErr error
	w.stopOnce.Do(func() {
		w.mu.Lock()
		defer w.mu.Unlock()

		if !atomic.CompareAndSwapInt32(&w.enabled, 1, 0) {
			stopErr = fmt.Errorf("registry watcher is not running")
			return
		}
		w.stopped.Store(true)
		if err := w.watcher.Stop(); err != nil {
			stopErr = fmt.Errorf("failed to stop Argus watcher: %w", err)
			return
		}
		w.logger.Info("Registry watcher stopped")
	})
	return stopErr
}

// Reload reads the file and replaces the registry content. A file that
// fails to parse leaves the registry untouched.
func (w *RegistryWatcher) Reload() error {
	records, current, err := LoadRegistryFile(w.path)
	if err != nil {
		return err
	}
	if err := w.registry.Replace(records, current); err != nil {
		return NewRegistryFileError(w.path, "invalid records", err)
	}
	w.reloads.Add(1)
	w.logger.Info("Registry reloaded", "path", w.path, "records", len(records))
	return nil
}

// Reloads returns how many times the file was applied.
func (w *RegistryWatcher) Reloads() int64 { return w.reloads.Load() }

func (w *RegistryWatcher) handleChange(event argus.ChangeEvent) {
	if event.IsDelete {
		w.logger.Warn("Registry file was deleted, keeping last loaded content", "path", event.Path)
		return
	}
	if err := w.Reload(); err != nil {
		w.logger.Error("Registry reload failed, keeping last loaded content", "error", err, "path", event.Path)
	}
}
