// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package datafetch

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// Protocol is the fixed set of source kinds.
type Protocol int

const (
	ProtocolHTTP Protocol = iota + 1
	ProtocolObjectStore
	ProtocolModelHub
)

func (p Protocol) String() string {
	switch p {
	case ProtocolHTTP:
		return "http"
	case ProtocolObjectStore:
		return "object_store"
	case ProtocolModelHub:
		return "model_hub"
	default:
		return fmt.Sprintf("protocol(%d)", int(p))
	}
}

// ParseProtocol maps catalog spellings to a Protocol.
func ParseProtocol(s string) (Protocol, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "http", "https":
		return ProtocolHTTP, nil
	case "object_store", "objectstore", "s3":
		return ProtocolObjectStore, nil
	case "model_hub", "modelhub", "hf", "hub":
		return ProtocolModelHub, nil
	default:
		return 0, fmt.Errorf("unknown protocol %q", s)
	}
}

func (p Protocol) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Protocol) UnmarshalText(b []byte) error {
	v, err := ParseProtocol(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// SubsetStrategy says how quick mode shrinks a dataset.
type SubsetStrategy int

const (
	// StrategyNone fetches the same artifact in both modes.
	StrategyNone SubsetStrategy = iota
	// StrategyFirstN keeps the leading records within a byte bound.
	StrategyFirstN
	// StrategyRandomSample keeps a seeded sample of records.
	StrategyRandomSample
	// StrategyPrebuiltSmallFile fetches a separate published sample.
	StrategyPrebuiltSmallFile
)

func (s SubsetStrategy) String() string {
	switch s {
	case StrategyNone:
		return "none"
	case StrategyFirstN:
		return "first_n"
	case StrategyRandomSample:
		return "random_sample"
	case StrategyPrebuiltSmallFile:
		return "prebuilt_small_file"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// ParseSubsetStrategy maps catalog spellings to a SubsetStrategy.
func ParseSubsetStrategy(s string) (SubsetStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return StrategyNone, nil
	case "first_n", "firstn":
		return StrategyFirstN, nil
	case "random_sample", "randomsample":
		return StrategyRandomSample, nil
	case "prebuilt_small_file", "prebuiltsmallfile", "prebuilt":
		return StrategyPrebuiltSmallFile, nil
	default:
		return 0, fmt.Errorf("unknown quick subset strategy %q", s)
	}
}

func (s SubsetStrategy) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *SubsetStrategy) UnmarshalText(b []byte) error {
	v, err := ParseSubsetStrategy(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// QuickSubset describes the quick-mode rendition of a dataset.
type QuickSubset struct {
	Strategy SubsetStrategy `json:"strategy" yaml:"strategy"`
	// Source is the small-sample locator for PrebuiltSmallFile, or the
	// smaller hub revision/variant for ModelHub.
	Source string `json:"source,omitempty" yaml:"source,omitempty"`
	// Digest is the expected digest of the quick artifact.
	Digest Digest `json:"digest,omitempty" yaml:"digest,omitempty"`
	// BytesPerSample turns ModeConfig.SampleCount into a byte bound.
	BytesPerSample int64 `json:"bytes_per_sample,omitempty" yaml:"bytes_per_sample,omitempty"`
	// Header keeps the first line in FirstN and RandomSample output without
	// counting it as a sample.
	Header bool `json:"header,omitempty" yaml:"header,omitempty"`
}

// DatasetDescriptor is one registry entry.
type DatasetDescriptor struct {
	ID            string      `json:"id" yaml:"id"`
	Protocol      Protocol    `json:"protocol" yaml:"protocol"`
	Source        string      `json:"source" yaml:"source"`
	Digest        Digest      `json:"digest,omitempty" yaml:"digest,omitempty"`
	FullSizeBytes int64       `json:"full_size_bytes,omitempty" yaml:"full_size_bytes,omitempty"`
	FileName      string      `json:"file_name,omitempty" yaml:"file_name,omitempty"`
	Description   string      `json:"description,omitempty" yaml:"description,omitempty"`
	Quick         QuickSubset `json:"quick" yaml:"quick"`
}

// LocalName is the artifact name under the dataset's directory.
func (d DatasetDescriptor) LocalName() string {
	if d.FileName != "" {
		return d.FileName
	}
	if d.Protocol == ProtocolModelHub {
		if loc, err := parseHubLocator(d.Source); err == nil {
			if loc.Path != "" {
				return path.Base(loc.Path)
			}
			return path.Base(loc.Repo)
		}
	}
	src := d.Source
	if i := strings.IndexAny(src, "?#"); i >= 0 {
		src = src[:i]
	}
	return path.Base(src)
}

// Variant is the concrete retrieval plan for one mode.
type Variant struct {
	Mode        Mode
	Source      string
	Digest      Digest
	Strategy    SubsetStrategy
	SampleCount int
	// MaxBytes bounds the written artifact; 0 means unbounded.
	MaxBytes    int64
	RandomState int64
	Header      bool
	// Fallback is set when quick mode had to use the full artifact.
	Fallback bool
}

// Variant resolves what to fetch under cfg.
func (d DatasetDescriptor) Variant(cfg ModeConfig) Variant {
	full := Variant{Mode: cfg.Mode, Source: d.Source, Digest: d.Digest, Strategy: StrategyNone}
	if cfg.Mode == Full {
		return full
	}
	q := d.Quick
	bound := int64(cfg.SampleCount) * q.BytesPerSample
	switch q.Strategy {
	case StrategyFirstN:
		if q.Header {
			bound += q.BytesPerSample
		}
		return Variant{Mode: Quick, Source: d.Source, Digest: q.Digest, Strategy: StrategyFirstN,
			SampleCount: cfg.SampleCount, MaxBytes: bound, Header: q.Header}
	case StrategyRandomSample:
		return Variant{Mode: Quick, Source: d.Source, Digest: q.Digest, Strategy: StrategyRandomSample,
			SampleCount: cfg.SampleCount, RandomState: cfg.RandomState, Header: q.Header}
	case StrategyPrebuiltSmallFile:
		if q.Source == "" {
			full.Fallback = true
			return full
		}
		return Variant{Mode: Quick, Source: q.Source, Digest: q.Digest, Strategy: StrategyPrebuiltSmallFile,
			SampleCount: cfg.SampleCount, MaxBytes: bound}
	default:
		full.Fallback = d.Protocol == ProtocolModelHub
		return full
	}
}

// Unpinned returns the ids in descs whose artifact under cfg has no
// expected digest. Such artifacts can be fetched but never verified.
func Unpinned(descs []DatasetDescriptor, cfg ModeConfig) []string {
	var ids []string
	for _, d := range descs {
		if d.Variant(cfg).Digest.IsZero() {
			ids = append(ids, d.ID)
		}
	}
	return ids
}

// validate enforces the construction-time invariants of a descriptor.
func (d DatasetDescriptor) validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return errors.New("empty dataset id")
	}
	if strings.ContainsAny(d.ID, `/\`) || d.ID == "." || d.ID == ".." {
		return fmt.Errorf("dataset id %q must be a single path segment", d.ID)
	}
	if name := d.LocalName(); name == "" || name == "." || name == "/" || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("dataset %s: invalid file name %q", d.ID, name)
	}
	if err := checkLocator(d.Protocol, d.Source); err != nil {
		return fmt.Errorf("dataset %s: %w", d.ID, err)
	}

	q := d.Quick
	switch q.Strategy {
	case StrategyNone:
	case StrategyFirstN:
		if q.BytesPerSample <= 0 {
			return fmt.Errorf("dataset %s: first_n needs bytes_per_sample", d.ID)
		}
		if d.Protocol == ProtocolModelHub {
			if loc, _ := parseHubLocator(d.Source); !loc.isFile() {
				return fmt.Errorf("dataset %s: first_n needs a single hub file", d.ID)
			}
		}
	case StrategyRandomSample:
		if d.Protocol == ProtocolModelHub {
			if loc, _ := parseHubLocator(d.Source); !loc.isFile() {
				return fmt.Errorf("dataset %s: random_sample needs a single hub file", d.ID)
			}
		}
	case StrategyPrebuiltSmallFile:
		if q.Source == "" {
			if d.Protocol != ProtocolModelHub {
				return fmt.Errorf("dataset %s: prebuilt_small_file needs quick.source", d.ID)
			}
		} else {
			if err := checkLocator(d.Protocol, q.Source); err != nil {
				return fmt.Errorf("dataset %s: quick source: %w", d.ID, err)
			}
			if q.BytesPerSample <= 0 {
				return fmt.Errorf("dataset %s: prebuilt_small_file needs bytes_per_sample", d.ID)
			}
		}
	default:
		return fmt.Errorf("dataset %s: unknown quick strategy %d", d.ID, int(q.Strategy))
	}
	return nil
}

func checkLocator(p Protocol, src string) error {
	switch p {
	case ProtocolHTTP:
		return checkHTTPLocator(src)
	case ProtocolObjectStore:
		_, err := parseObjectLocator(src)
		return err
	case ProtocolModelHub:
		_, err := parseHubLocator(src)
		return err
	default:
		return fmt.Errorf("unknown protocol %d", int(p))
	}
}

// Registry is the read-only table of known datasets, in registration order.
type Registry struct {
	order []DatasetDescriptor
	byID  map[string]int
}

// NewRegistry validates and indexes descriptors. Duplicate ids, unknown
// protocols and unparsable locators are construction errors.
func NewRegistry(descs ...DatasetDescriptor) (*Registry, error) {
	r := &Registry{byID: make(map[string]int, len(descs))}
	for _, d := range descs {
		if err := d.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.byID[d.ID]; dup {
			return nil, fmt.Errorf("duplicate dataset id %q", d.ID)
		}
		r.byID[d.ID] = len(r.order)
		r.order = append(r.order, d)
	}
	return r, nil
}

// Lookup returns the descriptor for id.
func (r *Registry) Lookup(id string) (DatasetDescriptor, error) {
	i, ok := r.byID[id]
	if !ok {
		return DatasetDescriptor{}, &UnknownDatasetError{ID: id}
	}
	return r.order[i], nil
}

// All returns every descriptor in registration order.
func (r *Registry) All() []DatasetDescriptor {
	out := make([]DatasetDescriptor, len(r.order))
	copy(out, r.order)
	return out
}

// Select returns the named descriptors in registry order. Unknown ids are
// reported individually; known ones are still returned. No ids means all.
func (r *Registry) Select(ids []string) ([]DatasetDescriptor, []error) {
	if len(ids) == 0 {
		return r.All(), nil
	}
	want := make(map[string]bool, len(ids))
	var errs []error
	for _, id := range ids {
		if _, ok := r.byID[id]; !ok {
			errs = append(errs, &UnknownDatasetError{ID: id})
			continue
		}
		want[id] = true
	}
	var out []DatasetDescriptor
	for _, d := range r.order {
		if want[d.ID] {
			out = append(out, d)
		}
	}
	return out, errs
}

// Len returns the number of registered datasets.
func (r *Registry) Len() int { return len(r.order) }
