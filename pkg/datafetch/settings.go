// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package datafetch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// SettingsFileName is the default name of the persisted mode record inside
// the data directory.
const SettingsFileName = ".datafetch-settings.yaml"

type settingsRecord struct {
	Mode      string    `yaml:"mode"`
	UpdatedAt time.Time `yaml:"updated_at,omitempty"`
}

// SettingsStore persists the default mode. Only SaveMode and ToggleMode
// write it; fetch and status only read.
type SettingsStore struct {
	path string
}

// NewSettingsStore returns a store backed by path.
func NewSettingsStore(path string) *SettingsStore {
	return &SettingsStore{path: path}
}

// DefaultSettingsPath returns the settings record location for a data dir.
func DefaultSettingsPath(dataDir string) string {
	return filepath.Join(dataDir, SettingsFileName)
}

// Path returns the backing file.
func (s *SettingsStore) Path() string { return s.path }

// LoadMode returns the stored mode literal, or "" if no record exists.
// The value is returned unparsed so Resolve can report a bad one.
func (s *SettingsStore) LoadMode() (string, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	var rec settingsRecord
	if err := yaml.Unmarshal(b, &rec); err != nil {
		return "", fmt.Errorf("parse %s: %w", s.path, err)
	}
	return rec.Mode, nil
}

// SaveMode records m as the default.
func (s *SettingsStore) SaveMode(m Mode) error {
	if m != Quick && m != Full {
		return fmt.Errorf("invalid mode %d", int(m))
	}
	b, err := yaml.Marshal(settingsRecord{Mode: m.String(), UpdatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(s.path, b, 0o644)
}

// ToggleMode flips the stored default (quick when none is stored) and
// returns the new mode.
func (s *SettingsStore) ToggleMode() (Mode, error) {
	cur, err := s.LoadMode()
	if err != nil {
		return Quick, err
	}
	m := Quick
	if cur != "" {
		if m, err = ParseMode(cur); err != nil {
			return Quick, &ConfigurationError{Source: "settings " + s.path, Value: cur, Err: err}
		}
	}
	next := otherMode(m)
	return next, s.SaveMode(next)
}
