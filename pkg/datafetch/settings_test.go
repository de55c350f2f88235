// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package datafetch

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestSettingsStore_MissingFile(t *testing.T) {
	s := NewSettingsStore(filepath.Join(t.TempDir(), "none.yaml"))
	v, err := s.LoadMode()
	if err != nil {
		t.Fatal(err)
	}
	if v != "" {
		t.Errorf("Expected empty mode, got %q", v)
	}
}

func TestSettingsStore_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", SettingsFileName)
	s := NewSettingsStore(path)
	if err := s.SaveMode(Full); err != nil {
		t.Fatal(err)
	}
	v, err := s.LoadMode()
	if err != nil {
		t.Fatal(err)
	}
	if v != "full" {
		t.Errorf("Expected full, got %q", v)
	}
}

func TestSettingsStore_Toggle(t *testing.T) {
	s := NewSettingsStore(filepath.Join(t.TempDir(), SettingsFileName))

	m, err := s.ToggleMode()
	if err != nil {
		t.Fatal(err)
	}
	if m != Full {
		t.Errorf("Toggle from default quick should give full, got %v", m)
	}
	m, err = s.ToggleMode()
	if err != nil {
		t.Fatal(err)
	}
	if m != Quick {
		t.Errorf("Second toggle should give quick, got %v", m)
	}
	if v, _ := s.LoadMode(); v != "quick" {
		t.Errorf("Expected stored quick, got %q", v)
	}
}

func TestSettingsStore_InvalidStoredValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), SettingsFileName)
	if err := os.WriteFile(path, []byte("mode: turbo\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	s := NewSettingsStore(path)

	_, err := Resolve(ResolveInput{Settings: s})
	var ce *ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("Expected ConfigurationError from Resolve, got %v", err)
	}
	if ce.Value != "turbo" {
		t.Errorf("Expected value turbo, got %q", ce.Value)
	}

	if _, err := s.ToggleMode(); !errors.As(err, &ce) {
		t.Errorf("Expected ConfigurationError from toggle, got %v", err)
	}
}
