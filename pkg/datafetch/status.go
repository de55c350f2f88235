// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package datafetch

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
)

// State is the readiness of one dataset on local storage.
type State string

const (
	StateMissing  State = "missing"
	StatePresent  State = "present"  // on disk, not verified (no digest or no record)
	StateVerified State = "verified" // matches its registered digest
	StateStale    State = "stale"    // fetched for another mode, or changed since
	StateMismatch State = "mismatch" // re-hash disagrees with the registry
)

// StatusEntry is one row of a status report.
type StatusEntry struct {
	ID        string `json:"id"`
	Present   bool   `json:"present"`
	Verified  bool   `json:"verified"`
	State     State  `json:"state"`
	SizeBytes int64  `json:"size_bytes"`
	// ModeUsed is the mode the artifact was fetched in, "" when unknown.
	ModeUsed string    `json:"mode_used,omitempty"`
	Path     string    `json:"path"`
	Digest   Digest    `json:"digest,omitempty"`
	Updated  time.Time `json:"updated,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// StatusOptions controls how much work Status does.
type StatusOptions struct {
	// Rehash recomputes digests of present artifacts and refreshes their
	// state records. Without it only file metadata and records are read.
	Rehash bool
}

// Reporter summarizes local dataset state. It never touches the network.
type Reporter struct {
	Layout Layout
	Logger *slog.Logger

	// lock serializes with in-flight fetches when set by an Orchestrator.
	lock func(id string) func()
}

// NewReporter returns a reporter over the data directory root.
func NewReporter(root string, logger *slog.Logger) *Reporter {
	return &Reporter{Layout: Layout{Root: root}, Logger: logger}
}

func (r *Reporter) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.New(discardHandler{})
}

// Status reports every descriptor in order. cfg is the currently resolved
// mode; artifacts recorded under the other mode are reported stale.
func (r *Reporter) Status(ctx context.Context, descs []DatasetDescriptor, cfg ModeConfig, opts StatusOptions) ([]StatusEntry, error) {
	out := make([]StatusEntry, len(descs))
	if !opts.Rehash {
		for i, d := range descs {
			out[i] = r.inspect(d, cfg)
		}
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers())
	for i, d := range descs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			out[i] = r.rehash(d, cfg)
			return nil
		})
	}
	return out, g.Wait()
}

// inspect reads metadata and the state record only.
func (r *Reporter) inspect(d DatasetDescriptor, cfg ModeConfig) StatusEntry {
	e := StatusEntry{ID: d.ID, Path: r.Layout.ArtifactPath(d), State: StateMissing}
	size, mod, err := artifactStat(e.Path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			e.Error = err.Error()
		}
		return e
	}
	e.Present = true
	e.SizeBytes = size
	e.State = StatePresent

	rec, err := r.Layout.LoadState(d)
	if err != nil {
		e.Error = err.Error()
		return e
	}
	if rec == nil {
		return e
	}
	e.ModeUsed = rec.Mode.String()
	e.Digest = rec.Digest
	e.Updated = rec.UpdatedAt
	if !recordMatches(rec, size, mod) {
		e.State = StateStale
		return e
	}
	want := d.Variant(ConfigFor(rec.Mode))
	switch rec.Status {
	case StatusVerified:
		e.Verified = !want.Digest.IsZero() && rec.Expected.Equal(want.Digest)
	case StatusHashMismatch:
		e.State = StateMismatch
		return e
	}
	switch {
	case rec.Mode != cfg.Mode:
		e.State = StateStale
	case e.Verified:
		e.State = StateVerified
	}
	return e
}

// rehash recomputes the digest of a present artifact against the variant of
// the mode it was fetched in (the resolved mode when unknown) and rewrites
// the state record.
func (r *Reporter) rehash(d DatasetDescriptor, cfg ModeConfig) StatusEntry {
	if r.lock != nil {
		defer r.lock(d.ID)()
	}
	e := StatusEntry{ID: d.ID, Path: r.Layout.ArtifactPath(d), State: StateMissing}
	size, mod, err := artifactStat(e.Path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			e.Error = err.Error()
		}
		return e
	}
	e.Present = true
	e.SizeBytes = size
	log := r.logger().With("dataset", d.ID)

	rec, err := r.Layout.LoadState(d)
	if err != nil {
		log.Warn("ignoring unreadable state record", "err", err)
		rec = nil
	}
	modes := []Mode{cfg.Mode, otherMode(cfg.Mode)}
	if rec != nil {
		modes = []Mode{rec.Mode}
	}

	var (
		v       Variant
		outcome VerifyOutcome
		sum     Digest
	)
	for i, m := range modes {
		cand := d.Variant(ConfigFor(m))
		if i > 0 && cand.Digest.IsZero() {
			break
		}
		o, s, err := Verify(e.Path, cand.Digest)
		if err != nil {
			e.State = StatePresent
			e.Error = err.Error()
			return e
		}
		if i == 0 || o == Match {
			v, outcome, sum = cand, o, s
		}
		if o == Match {
			break
		}
	}

	e.ModeUsed = v.Mode.String()
	e.Digest = sum
	st := StatusFetched
	switch outcome {
	case Match:
		e.Verified = true
		e.State = StateVerified
		st = StatusVerified
	case Mismatch:
		e.State = StateMismatch
		e.Error = (&HashMismatchError{Path: e.Path, Expected: v.Digest, Actual: sum}).Error()
		st = StatusHashMismatch
		log.Error("digest mismatch", "expected", v.Digest.String(), "actual", sum.String())
	default:
		e.State = StatePresent
	}
	if e.State != StateMismatch && v.Mode != cfg.Mode {
		e.State = StateStale
	}

	source := v.Source
	if rec != nil && rec.Source != "" {
		source = rec.Source
	}
	now := time.Now().UTC()
	e.Updated = now
	if err := r.Layout.SaveState(d, StateRecord{
		ID: d.ID, Mode: v.Mode, Status: st, Digest: sum, Expected: v.Digest,
		Size: size, ModTime: mod, Source: source, UpdatedAt: now,
	}); err != nil {
		log.Warn("could not write state record", "err", err)
	}
	return e
}

func otherMode(m Mode) Mode {
	if m == Quick {
		return Full
	}
	return Quick
}

// Ready reports whether every entry is present and verified in the resolved
// mode. Notebooks call it before running.
func Ready(entries []StatusEntry) bool {
	for _, e := range entries {
		if e.State != StateVerified {
			return false
		}
	}
	return true
}
