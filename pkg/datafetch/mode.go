// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package datafetch

import (
	"fmt"
	"runtime"
	"strings"
)

// Mode selects between the reduced-scale and the production-scale run.
type Mode int

const (
	// Quick is the reduced-scale mode used for fast iteration.
	Quick Mode = iota
	// Full runs against complete datasets with all available workers.
	Full
)

// Environment variables consulted by Resolve, in order.
const (
	EnvDataMode     = "DATA_MODE"
	EnvNotebookMode = "NOTEBOOK_MODE"
)

func (m Mode) String() string {
	switch m {
	case Quick:
		return "quick"
	case Full:
		return "full"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	if m != Quick && m != Full {
		return nil, fmt.Errorf("invalid mode %d", int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(b []byte) error {
	v, err := ParseMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ParseMode accepts "quick" or "full", case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "quick":
		return Quick, nil
	case "full":
		return Full, nil
	default:
		return Quick, fmt.Errorf("unrecognized mode %q (expected quick or full)", s)
	}
}

// ModeConfig is the resolved, immutable parameter set for a run.
//
// Every field is a function of Mode alone; use ConfigFor to build one.
type ModeConfig struct {
	Mode           Mode    `json:"mode" yaml:"mode"`
	SampleCount    int     `json:"sample_count" yaml:"sample_count"`
	IterationCount int     `json:"iteration_count" yaml:"iteration_count"`
	FoldCount      int     `json:"fold_count" yaml:"fold_count"`
	WorkerCount    int     `json:"worker_count" yaml:"worker_count"` // -1 means all available
	TestSize       float64 `json:"test_size" yaml:"test_size"`
	RandomState    int64   `json:"random_state" yaml:"random_state"`
	MaxSamples     int     `json:"max_samples" yaml:"max_samples"` // 0 means unlimited
	CacheData      bool    `json:"cache_data" yaml:"cache_data"`
	Verbose        bool    `json:"verbose" yaml:"verbose"`
}

// ConfigFor returns the fixed policy for a mode.
func ConfigFor(m Mode) ModeConfig {
	if m == Full {
		return ModeConfig{
			Mode:           Full,
			SampleCount:    1000,
			IterationCount: 100,
			FoldCount:      5,
			WorkerCount:    -1,
			TestSize:       0.2,
			RandomState:    42,
			CacheData:      true,
			Verbose:        true,
		}
	}
	return ModeConfig{
		Mode:           Quick,
		SampleCount:    100,
		IterationCount: 10,
		FoldCount:      2,
		WorkerCount:    1,
		TestSize:       0.2,
		RandomState:    42,
		MaxSamples:     100,
	}
}

// Workers returns the concrete pool size, mapping -1 to the CPU count.
func (c ModeConfig) Workers() int {
	if c.WorkerCount < 0 {
		return runtime.NumCPU()
	}
	if c.WorkerCount == 0 {
		return 1
	}
	return c.WorkerCount
}

// Describe renders the mode and its settings for humans.
func (c ModeConfig) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Mode: %s\n", strings.ToUpper(c.Mode.String()))
	b.WriteString(strings.Repeat("=", 40) + "\n")
	b.WriteString("Settings:\n")
	fmt.Fprintf(&b, "  sample_count: %d\n", c.SampleCount)
	fmt.Fprintf(&b, "  iteration_count: %d\n", c.IterationCount)
	fmt.Fprintf(&b, "  fold_count: %d\n", c.FoldCount)
	fmt.Fprintf(&b, "  worker_count: %d\n", c.WorkerCount)
	fmt.Fprintf(&b, "  test_size: %g\n", c.TestSize)
	fmt.Fprintf(&b, "  random_state: %d\n", c.RandomState)
	if c.MaxSamples > 0 {
		fmt.Fprintf(&b, "  max_samples: %d\n", c.MaxSamples)
	} else {
		b.WriteString("  max_samples: unlimited\n")
	}
	fmt.Fprintf(&b, "  cache_data: %t\n", c.CacheData)
	fmt.Fprintf(&b, "  verbose: %t\n", c.Verbose)
	return b.String()
}

// ModeSource names the input that decided the resolved mode.
type ModeSource string

const (
	SourceFlag     ModeSource = "flag"
	SourceEnv      ModeSource = "env"
	SourceSettings ModeSource = "settings"
	SourceDefault  ModeSource = "default"
)

// SettingsLoader returns the persisted mode value, or "" when none is stored.
type SettingsLoader interface {
	LoadMode() (string, error)
}

// ResolveInput carries the three external inputs of Resolve.
type ResolveInput struct {
	// Flag is "quick", "full" or "" as chosen on the command line.
	Flag string
	// Env looks up environment variables. Nil means no environment.
	Env func(string) string
	// Settings provides the persisted default. Nil means none.
	Settings SettingsLoader
}

// Resolution is a resolved config together with where it came from.
type Resolution struct {
	Config ModeConfig
	Source ModeSource
	// Origin is the concrete input, e.g. "--full", "DATA_MODE" or a file path.
	Origin string
}

// Resolve applies the precedence flag > env > settings > quick. The first
// non-empty input decides; an unrecognized value is a ConfigurationError.
func Resolve(in ResolveInput) (Resolution, error) {
	if v := strings.TrimSpace(in.Flag); v != "" {
		m, err := ParseMode(v)
		if err != nil {
			return Resolution{}, &ConfigurationError{Source: "flag --" + v, Value: v, Err: err}
		}
		return Resolution{Config: ConfigFor(m), Source: SourceFlag, Origin: "--" + m.String()}, nil
	}

	if in.Env != nil {
		for _, key := range []string{EnvDataMode, EnvNotebookMode} {
			v := strings.TrimSpace(in.Env(key))
			if v == "" {
				continue
			}
			m, err := ParseMode(v)
			if err != nil {
				return Resolution{}, &ConfigurationError{Source: "environment " + key, Value: v, Err: err}
			}
			return Resolution{Config: ConfigFor(m), Source: SourceEnv, Origin: key}, nil
		}
	}

	if in.Settings != nil {
		v, err := in.Settings.LoadMode()
		if err != nil {
			return Resolution{}, &ConfigurationError{Source: "settings " + settingsOrigin(in.Settings), Err: err}
		}
		if v = strings.TrimSpace(v); v != "" {
			m, err := ParseMode(v)
			if err != nil {
				return Resolution{}, &ConfigurationError{Source: "settings " + settingsOrigin(in.Settings), Value: v, Err: err}
			}
			return Resolution{Config: ConfigFor(m), Source: SourceSettings, Origin: settingsOrigin(in.Settings)}, nil
		}
	}

	return Resolution{Config: ConfigFor(Quick), Source: SourceDefault, Origin: "default"}, nil
}

func settingsOrigin(s SettingsLoader) string {
	if p, ok := s.(interface{ Path() string }); ok {
		return p.Path()
	}
	return "record"
}

// FlagMode turns the pair of --quick/--full booleans into a Resolve flag.
func FlagMode(quick, full bool) (string, error) {
	switch {
	case quick && full:
		return "", &ConfigurationError{Source: "flags", Value: "--quick --full", Err: fmt.Errorf("--quick and --full are mutually exclusive")}
	case quick:
		return Quick.String(), nil
	case full:
		return Full.String(), nil
	default:
		return "", nil
	}
}
