// payload_store.go: Installed payload directories, backups and atomic swaps
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginresolver

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	timecache "github.com/agilira/go-timecache"
	"github.com/google/uuid"
)

const (
	installedMarkerFile = ".plugin.json"
	backupManifestFile  = "backup.json"
	backupPayloadDir    = "payload"
	rawPayloadFile      = "payload"

	// maxExtractedBytes bounds the uncompressed size of one payload archive.
	maxExtractedBytes int64 = 1 << 30
)

// installedMarker is written into every installed plugin directory.
type installedMarker struct {
	PluginID    string    `json:"plugin_id"`
	Version     Version   `json:"version"`
	InstalledAt time.Time `json:"installed_at"`
}

// Backup is a full copy of a plugin's installed directory. A Backup with
// Present false records that the plugin was not installed; restoring it
// removes the plugin.
type Backup struct {
	PluginID  string    `json:"plugin_id"`
	Version   Version   `json:"version"`
	Present   bool      `json:"present"`
	CreatedAt time.Time `json:"created_at"`
	Sequence  uint64    `json:"sequence"`
	Path      string    `json:"-"`
}

// payloadStore owns the on-disk layout:
//
//	<installDir>/<dir>/                 installed payload + .plugin.json
//	<installDir>/.staging-<uuid>/       payload being prepared
//	<backupDir>/<dir>/<ver>-<uuid>/     backup.json + payload/
//
// where <dir> is pluginDirName of the plugin id.
//
// Callers hold the plugin lock for every mutating call.
type payloadStore struct {
	installDir string
	backupDir  string
	logger     Logger
	sequence   atomic.Uint64
}

func newPayloadStore(installDir, backupDir string, logger Logger) *payloadStore {
	return &payloadStore{installDir: installDir, backupDir: backupDir, logger: logger}
}

// pluginDirName maps an opaque plugin id to a single path element. The
// mapping is reversible with url.PathUnescape and never yields a name
// starting with ".", which is reserved for staging and backup directories.
func pluginDirName(id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("plugin id cannot be empty")
	}
	name := url.PathEscape(id)
	if strings.HasPrefix(name, ".") {
		name = "%2E" + name[1:]
	}
	return name, nil
}

func (s *payloadStore) pluginDir(id string) (string, error) {
	name, err := pluginDirName(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.installDir, name), nil
}

func (s *payloadStore) pluginBackupDir(id string) (string, error) {
	name, err := pluginDirName(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.backupDir, name), nil
}

// installedVersion reports the installed version of id. A directory without
// a readable marker counts as installed at an unknown (zero) version.
func (s *payloadStore) installedVersion(id string) (Version, bool, error) {
	dir, err := s.pluginDir(id)
	if err != nil {
		return Version{}, false, NewInstalledStateError(id, err)
	}
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return Version{}, false, nil
	}
	if err != nil {
		return Version{}, false, NewInstalledStateError(id, err)
	}
	if !info.IsDir() {
		return Version{}, false, NewInstalledStateError(id, fmt.Errorf("%s is not a directory", dir))
	}

	// #nosec G304 -- path built from the managed install directory
	data, err := os.ReadFile(filepath.Join(dir, installedMarkerFile))
	if err != nil {
		return Version{}, true, nil
	}
	var marker installedMarker
	if err := json.Unmarshal(data, &marker); err != nil {
		return Version{}, true, nil
	}
	return marker.Version, true, nil
}

// backup copies the installed directory of id (if any) into a new backup.
func (s *payloadStore) backup(id string) (Backup, error) {
	version, present, err := s.installedVersion(id)
	if err != nil {
		return Backup{}, err
	}
	src, _ := s.pluginDir(id)
	backupRoot, err := s.pluginBackupDir(id)
	if err != nil {
		return Backup{}, err
	}

	label := "absent"
	if present {
		label = "unknown"
		if !version.IsZero() {
			label = version.String()
		}
	}
	b := Backup{
		PluginID:  id,
		Version:   version,
		Present:   present,
		CreatedAt: timecache.CachedTime(),
		Sequence:  s.sequence.Add(1),
		Path:      filepath.Join(backupRoot, label+"-"+uuid.NewString()),
	}

	if err := os.MkdirAll(b.Path, 0o750); err != nil {
		return Backup{}, err
	}
	if present {
		if err := copyTree(src, filepath.Join(b.Path, backupPayloadDir)); err != nil {
			_ = os.RemoveAll(b.Path)
			return Backup{}, err
		}
	}
	manifest, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		_ = os.RemoveAll(b.Path)
		return Backup{}, err
	}
	if err := os.WriteFile(filepath.Join(b.Path, backupManifestFile), manifest, 0o600); err != nil {
		_ = os.RemoveAll(b.Path)
		return Backup{}, err
	}
	return b, nil
}

// restore puts the plugin directory back to the state captured by b. The
// backup itself is left in place.
func (s *payloadStore) restore(b Backup) error {
	dir, err := s.pluginDir(b.PluginID)
	if err != nil {
		return err
	}
	if !b.Present {
		return os.RemoveAll(dir)
	}
	staged, err := s.stagingDir()
	if err != nil {
		return err
	}
	if err := copyTree(filepath.Join(b.Path, backupPayloadDir), staged); err != nil {
		_ = os.RemoveAll(staged)
		return err
	}
	return s.swap(b.PluginID, staged)
}

func (s *payloadStore) stagingDir() (string, error) {
	if err := os.MkdirAll(s.installDir, 0o750); err != nil {
		return "", err
	}
	dir := filepath.Join(s.installDir, ".staging-"+uuid.NewString())
	if err := os.Mkdir(dir, 0o750); err != nil {
		return "", err
	}
	return dir, nil
}

// stage unpacks data into a fresh staging directory and writes the marker.
// Zip archives are extracted; anything else is stored as a single file.
func (s *payloadStore) stage(id string, version Version, data []byte) (string, error) {
	dir, err := s.stagingDir()
	if err != nil {
		return "", err
	}
	if isZipPayload(data) {
		err = extractZip(data, dir)
	} else {
		err = os.WriteFile(filepath.Join(dir, rawPayloadFile), data, 0o640)
	}
	if err == nil {
		err = writeMarker(dir, installedMarker{PluginID: id, Version: version, InstalledAt: timecache.CachedTime()})
	}
	if err != nil {
		_ = os.RemoveAll(dir)
		return "", err
	}
	return dir, nil
}

func writeMarker(dir string, marker installedMarker) error {
	data, err := json.MarshalIndent(marker, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, installedMarkerFile), data, 0o640)
}

// swap replaces the plugin directory with staged using renames only, so the
// live path always holds either the old or the new complete tree.
func (s *payloadStore) swap(id, staged string) error {
	dir, err := s.pluginDir(id)
	if err != nil {
		return err
	}

	old := ""
	if _, err := os.Stat(dir); err == nil {
		old = filepath.Join(s.installDir, ".old-"+uuid.NewString())
		if err := os.Rename(dir, old); err != nil {
			_ = os.RemoveAll(staged)
			return err
		}
	}
	if err := os.Rename(staged, dir); err != nil {
		if old != "" {
			_ = os.Rename(old, dir)
		}
		_ = os.RemoveAll(staged)
		return err
	}
	if old != "" {
		if err := os.RemoveAll(old); err != nil {
			s.logger.Warn("Failed to remove replaced plugin directory", "path", old, "error", err)
		}
	}
	return nil
}

// listBackups returns the backups of id, newest first.
func (s *payloadStore) listBackups(id string) ([]Backup, error) {
	root, err := s.pluginBackupDir(id)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var backups []Backup
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(root, entry.Name())
		// #nosec G304 -- path built from the managed backup directory
		data, err := os.ReadFile(filepath.Join(path, backupManifestFile))
		if err != nil {
			continue
		}
		var b Backup
		if err := json.Unmarshal(data, &b); err != nil {
			s.logger.Warn("Ignoring unreadable backup manifest", "path", path, "error", err)
			continue
		}
		b.Path = path
		backups = append(backups, b)
	}
	sort.Slice(backups, func(i, j int) bool {
		if !backups[i].CreatedAt.Equal(backups[j].CreatedAt) {
			return backups[i].CreatedAt.After(backups[j].CreatedAt)
		}
		return backups[i].Sequence > backups[j].Sequence
	})
	return backups, nil
}

// prune keeps the newest keep backups of id. Backups named in retain are
// never removed.
func (s *payloadStore) prune(id string, keep int, retain ...string) error {
	if keep <= 0 {
		return nil
	}
	backups, err := s.listBackups(id)
	if err != nil {
		return err
	}
	if len(backups) <= keep {
		return nil
	}
	for _, b := range backups[keep:] {
		if containsString(retain, b.Path) {
			continue
		}
		if err := os.RemoveAll(b.Path); err != nil {
			return err
		}
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func isZipPayload(data []byte) bool {
	return bytes.HasPrefix(data, []byte("PK\x03\x04")) || bytes.HasPrefix(data, []byte("PK\x05\x06"))
}

// extractZip unpacks data into dest, rejecting entries that would land
// outside dest.
func extractZip(data []byte, dest string) error {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return err
	}

	budget := maxExtractedBytes
	for _, f := range reader.File {
		target := filepath.Join(dest, filepath.FromSlash(f.Name))
		rel, err := filepath.Rel(dest, target)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(f.Name) {
			return fmt.Errorf("archive entry %q escapes the payload directory", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o750); err != nil {
				return err
			}
			continue
		}
		if f.Mode()&fs.ModeSymlink != 0 {
			return fmt.Errorf("archive entry %q is a symlink", f.Name)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return err
		}
		written, err := extractZipFile(f, target, budget)
		if err != nil {
			return err
		}
		budget -= written
	}
	return nil
}

func extractZipFile(f *zip.File, target string, budget int64) (int64, error) {
	rc, err := f.Open()
	if err != nil {
		return 0, err
	}
	defer func() { _ = rc.Close() }()

	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0o640
	}
	// #nosec G304 -- target validated against the staging directory
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, io.LimitReader(rc, budget+1))
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, err
	}
	if n > budget {
		return n, fmt.Errorf("archive expands beyond %d bytes", maxExtractedBytes)
	}
	return n, nil
}

// copyTree copies src into a new directory dst preserving file modes and
// symlinks.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return copyFile(path, target, info.Mode().Perm())
		default:
			return nil
		}
	})
}

func copyFile(src, dst string, mode fs.FileMode) error {
	// #nosec G304 -- copying within managed directories
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	// #nosec G304 -- copying within managed directories
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
