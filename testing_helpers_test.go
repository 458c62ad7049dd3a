// testing_helpers_test.go: Shared fixtures for resolver and installation tests
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginresolver

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestEnvironment bundles the directories and registry used by
// installation tests.
type TestEnvironment struct {
	t        *testing.T
	Root     string
	Payloads string
	Registry *MemoryRegistry
	Config   Config
}

// NewTestEnvironment creates an isolated workspace with a fresh registry
// and a configuration pointing into it.
func NewTestEnvironment(t *testing.T) *TestEnvironment {
	t.Helper()
	root := t.TempDir()

	cfg := DefaultConfig()
	cfg.InstallDir = filepath.Join(root, "installed")
	cfg.BackupDir = filepath.Join(root, "backups")
	cfg.LockTimeout = 2 * time.Second
	cfg.FetchTimeout = 5 * time.Second
	cfg.RequirementTimeout = 5 * time.Second

	payloads := filepath.Join(root, "payloads")
	require.NoError(t, os.MkdirAll(payloads, 0o750))

	return &TestEnvironment{
		t:        t,
		Root:     root,
		Payloads: payloads,
		Registry: NewMemoryRegistry(),
		Config:   cfg,
	}
}

// WritePayload stores content as a payload file and returns its source.
func (te *TestEnvironment) WritePayload(name string, content []byte) PayloadSource {
	te.t.Helper()
	path := filepath.Join(te.Payloads, name)
	require.NoError(te.t, os.WriteFile(path, content, 0o600))
	return PayloadSource{URL: path, Checksum: SHA256Checksum(content)}
}

// Register puts a plugin version whose payload is a single text file.
func (te *TestEnvironment) Register(id, version string, deps ...DependencyEdge) PluginRecord {
	te.t.Helper()
	rec := PluginRecord{
		ID:           id,
		Version:      MustParseVersion(version),
		Dependencies: deps,
		Source:       te.WritePayload(url.PathEscape(id)+"-"+version, []byte(id+" "+version)),
	}
	require.NoError(te.t, te.Registry.Put(rec))
	return rec
}

// InstalledTree returns every file below the plugin's install directory
// keyed by relative path.
func (te *TestEnvironment) InstalledTree(id string) map[string]string {
	te.t.Helper()
	name, err := pluginDirName(id)
	require.NoError(te.t, err)
	return readTree(te.t, filepath.Join(te.Config.InstallDir, name))
}

func readTree(t *testing.T, root string) map[string]string {
	t.Helper()
	tree := make(map[string]string)
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil
	}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		tree[filepath.ToSlash(rel)] = string(data)
		return nil
	})
	require.NoError(t, err)
	return tree
}

// zipPayload builds a zip archive from name -> content.
func zipPayload(t *testing.T, files map[string]string) []byte {
	t.Helper()
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, name := range names {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(files[name]))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// Snapshot returns a snapshot of the environment registry.
func (te *TestEnvironment) Snapshot() *RegistrySnapshot {
	te.t.Helper()
	snap, err := te.Registry.Snapshot(context.Background())
	require.NoError(te.t, err)
	return snap
}

// snapshotOf builds a snapshot from records, the highest version of each id
// being current.
func snapshotOf(t *testing.T, records ...PluginRecord) *RegistrySnapshot {
	t.Helper()
	snap, err := NewRegistrySnapshot(1, records, nil)
	require.NoError(t, err)
	return snap
}

// record is a terse PluginRecord constructor.
func record(id, version string, deps ...DependencyEdge) PluginRecord {
	return PluginRecord{ID: id, Version: MustParseVersion(version), Dependencies: deps}
}

// failingFetcher fails for URLs listed in failures and delegates otherwise.
type failingFetcher struct {
	next     Fetcher
	mu       sync.Mutex
	failures map[string]error
	calls    atomic.Int64
}

func newFailingFetcher(next Fetcher) *failingFetcher {
	return &failingFetcher{next: next, failures: make(map[string]error)}
}

func (f *failingFetcher) FailOn(url string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[url] = err
}

func (f *failingFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.calls.Add(1)
	f.mu.Lock()
	err, ok := f.failures[url]
	f.mu.Unlock()
	if ok {
		return nil, err
	}
	return f.next.Fetch(ctx, url)
}

// newPayloadServer serves name -> content over HTTP.
func newPayloadServer(t *testing.T, payloads map[string][]byte) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := payloads[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	}))
	t.Cleanup(server.Close)
	return server
}

// recordingInstaller records requirement installs and fails for listed
// specs.
type recordingInstaller struct {
	mu        sync.Mutex
	installed []string
	fail      map[string]bool
	satisfied map[string]bool
}

func (r *recordingInstaller) InstallRequirement(ctx context.Context, spec string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[spec] {
		return fmt.Errorf("package %s unavailable", spec)
	}
	r.installed = append(r.installed, spec)
	return nil
}

func (r *recordingInstaller) RequirementSatisfied(ctx context.Context, spec string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.satisfied[spec], nil
}

func (r *recordingInstaller) Installed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.installed...)
}
