// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package datafetch

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// stateFileName is the per-dataset sidecar next to the artifact.
const stateFileName = ".datafetch.json"

// StateRecord remembers the last fetch or verify of one dataset.
type StateRecord struct {
	ID        string    `json:"id"`
	Mode      Mode      `json:"mode"`
	Status    Status    `json:"status"`
	Digest    Digest    `json:"digest"`
	Expected  Digest    `json:"expected,omitempty"`
	Size      int64     `json:"size"`
	ModTime   time.Time `json:"mod_time"`
	Source    string    `json:"source,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Layout maps dataset ids to local paths:
//
//	<root>/<id>/<file>             artifact (file or directory)
//	<root>/<id>/<file>.part        staging while fetching
//	<root>/<id>/<file>.rejected    bytes that failed verification
//	<root>/<id>/.datafetch.json    state record
type Layout struct {
	Root string
}

// Dir returns the subtree owned by the dataset.
func (l Layout) Dir(d DatasetDescriptor) string { return filepath.Join(l.Root, d.ID) }

// ArtifactPath is where downstream consumers read the dataset.
func (l Layout) ArtifactPath(d DatasetDescriptor) string {
	return filepath.Join(l.Dir(d), d.LocalName())
}

// StagingPath is where bytes land before verification.
func (l Layout) StagingPath(d DatasetDescriptor) string { return l.ArtifactPath(d) + ".part" }

// RejectedPath holds bytes that failed verification.
func (l Layout) RejectedPath(d DatasetDescriptor) string { return l.ArtifactPath(d) + ".rejected" }

func (l Layout) statePath(d DatasetDescriptor) string {
	return filepath.Join(l.Dir(d), stateFileName)
}

// LoadState returns the record for d, or nil if none exists.
func (l Layout) LoadState(d DatasetDescriptor) (*StateRecord, error) {
	b, err := os.ReadFile(l.statePath(d))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var rec StateRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("state record for %s: %w", d.ID, err)
	}
	return &rec, nil
}

// SaveState writes the record atomically.
func (l Layout) SaveState(d DatasetDescriptor, rec StateRecord) error {
	if err := os.MkdirAll(l.Dir(d), 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(l.statePath(d), append(b, '\n'), 0o644)
}

// ClearState removes the record so an interrupted fetch cannot look verified.
func (l Layout) ClearState(d DatasetDescriptor) error {
	err := os.Remove(l.statePath(d))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// artifactStat returns size and mtime; directory size is the sum of its files.
func artifactStat(path string) (size int64, mod time.Time, err error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, time.Time{}, err
	}
	if !fi.IsDir() {
		return fi.Size(), fi.ModTime(), nil
	}
	mod = fi.ModTime()
	err = filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		if info.ModTime().After(mod) {
			mod = info.ModTime()
		}
		return nil
	})
	return size, mod, err
}

// recordMatches reports whether rec still describes the artifact on disk.
func recordMatches(rec *StateRecord, size int64, mod time.Time) bool {
	return rec != nil && rec.Size == size && rec.ModTime.Equal(mod)
}

// writeFileAtomic writes via a temp file in the same directory, fsyncs and renames.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp, perm); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
