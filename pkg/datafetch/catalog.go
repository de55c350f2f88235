// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package datafetch

import (
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

// The catalog is compiled in: dataset identities and digests are a trust
// boundary and cannot be changed from the environment.
//
//go:embed catalog.yaml
var catalogYAML []byte

type catalogFile struct {
	Datasets []DatasetDescriptor `yaml:"datasets"`
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
	defaultErr  error
)

// DefaultRegistry returns the built-in registry, loaded once per process.
func DefaultRegistry() (*Registry, error) {
	defaultOnce.Do(func() {
		defaultReg, defaultErr = LoadCatalog(catalogYAML)
	})
	return defaultReg, defaultErr
}

// LoadCatalog parses a YAML catalog into a registry.
func LoadCatalog(b []byte) (*Registry, error) {
	var cf catalogFile
	if err := yaml.Unmarshal(b, &cf); err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}
	return NewRegistry(cf.Datasets...)
}
