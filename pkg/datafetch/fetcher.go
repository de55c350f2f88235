// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package datafetch

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"
)

// Request is everything a fetcher needs to materialize one dataset.
type Request struct {
	Descriptor DatasetDescriptor
	Variant    Variant
	// Dst is the staging path. Fetchers write a file (or, for hub trees, a
	// directory) there and nothing else.
	Dst      string
	Progress ProgressFunc
	Logger   *slog.Logger
}

func (r Request) emitter() emitter {
	return emitter{fn: r.Progress, dataset: r.Descriptor.ID, mode: r.Variant.Mode}
}

func (r Request) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.New(discardHandler{})
}

// Fetcher turns a descriptor into bytes on local storage. Transport failures
// are reported in the result (Status Failed, Err wrapping *TransportError);
// the orchestrator decides about retries.
type Fetcher interface {
	Fetch(ctx context.Context, req Request) FetchResult
}

// Fetchers dispatches by protocol.
type Fetchers map[Protocol]Fetcher

// For returns the fetcher for p.
func (f Fetchers) For(p Protocol) (Fetcher, error) {
	ft, ok := f[p]
	if !ok || ft == nil {
		return nil, fmt.Errorf("no fetcher registered for protocol %s", p)
	}
	return ft, nil
}

// check ensures every protocol used by the registry has a fetcher.
func (f Fetchers) check(reg *Registry) error {
	for _, d := range reg.All() {
		if _, err := f.For(d.Protocol); err != nil {
			return fmt.Errorf("dataset %s: %w", d.ID, err)
		}
	}
	return nil
}

// failed builds a Failed fetch result.
func failed(req Request, written int64, err error) FetchResult {
	return FetchResult{
		DatasetID:    req.Descriptor.ID,
		Mode:         req.Variant.Mode,
		LocalPath:    req.Dst,
		BytesWritten: written,
		Status:       StatusFailed,
		Stage:        StageFetch,
		Err:          err,
	}
}

// fetched builds a successful, not yet verified, fetch result.
func fetched(req Request, written int64) FetchResult {
	return FetchResult{
		DatasetID:    req.Descriptor.ID,
		Mode:         req.Variant.Mode,
		LocalPath:    req.Dst,
		BytesWritten: written,
		Status:       StatusFetched,
		Stage:        StageFetch,
	}
}

// progressReader wraps an io.Reader and emits progress events during reads.
type progressReader struct {
	reader     io.Reader
	total      int64
	downloaded int64
	path       string
	em         emitter
	lastEmit   time.Time
	interval   time.Duration
	// readErr keeps the source error apart from destination write errors.
	readErr error
}

func newProgressReader(r io.Reader, total int64, path string, em emitter) *progressReader {
	return &progressReader{
		reader:   r,
		total:    total,
		path:     path,
		em:       em,
		lastEmit: time.Now(),
		interval: 200 * time.Millisecond,
	}
}

func (pr *progressReader) Read(p []byte) (n int, err error) {
	n, err = pr.reader.Read(p)
	if n > 0 {
		pr.downloaded += int64(n)
		if time.Since(pr.lastEmit) >= pr.interval || err == io.EOF {
			pr.em.emit(ProgressEvent{
				Event:      "dataset_progress",
				Path:       pr.path,
				Downloaded: pr.downloaded,
				Total:      pr.total,
			})
			pr.lastEmit = time.Now()
		}
	}
	if err != nil && err != io.EOF {
		pr.readErr = err
	}
	return n, err
}

// writeStream copies body into dst applying the variant's subset strategy.
// On failure dst is removed and the error says whether the source (transport)
// or the bytes (subset bound) were at fault.
func writeStream(ctx context.Context, body io.Reader, dst string, v Variant, total int64, op string, em emitter) (int64, error) {
	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}
	pr := newProgressReader(body, total, dst, em)

	var written int64
	switch v.Strategy {
	case StrategyFirstN:
		written, err = copyFirstN(out, pr, v.SampleCount, v.MaxBytes, v.Header)
	case StrategyRandomSample:
		written, err = copyRandomSample(out, pr, v.SampleCount, v.RandomState, v.Header)
	case StrategyPrebuiltSmallFile:
		written, err = copyBounded(out, pr, v.MaxBytes)
	default:
		written, err = io.Copy(out, pr)
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		return written, nil
	}

	os.Remove(dst)
	if pr.readErr != nil || ctx.Err() != nil {
		cause := pr.readErr
		if cause == nil {
			cause = ctx.Err()
		}
		return written, &PartialWriteError{Path: dst, Written: written, Err: &TransportError{Op: op, Err: cause}}
	}
	return written, err
}

// copyBounded copies everything but fails once more than max bytes arrive.
func copyBounded(w io.Writer, r io.Reader, max int64) (int64, error) {
	if max <= 0 {
		return io.Copy(w, r)
	}
	n, err := io.Copy(w, io.LimitReader(r, max+1))
	if err != nil {
		return n, err
	}
	if n > max {
		return n, fmt.Errorf("%w: more than %d bytes", ErrSubsetTooLarge, max)
	}
	return n, nil
}

// discardHandler drops all log records.
type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
