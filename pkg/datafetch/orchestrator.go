// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package datafetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const tracerName = "github.com/bodaay/datafetch"

// Orchestrator runs fetch and verify over a set of datasets.
//
// Datasets run on a pool sized by ModeConfig.Workers. Work on one dataset id
// is serialized: concurrent requests for the same id and mode share a single
// fetch, and requests for the same id in different modes wait for each other.
type Orchestrator struct {
	Fetchers Fetchers
	Layout   Layout
	Retry    RetryPolicy
	Logger   *slog.Logger
	Progress ProgressFunc
	// Tracer defaults to the global OpenTelemetry provider.
	Tracer trace.Tracer

	flight  singleflight.Group
	callsMu sync.Mutex
	calls   map[string]*flightCall
	locks   sync.Map // id -> *sync.Mutex
}

// flightCall is the cancellation scope of one shared fetch. It is cancelled
// when the last caller waiting on it goes away.
type flightCall struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// NewOrchestrator checks that every protocol in reg has a fetcher.
func NewOrchestrator(reg *Registry, fetchers Fetchers, layout Layout) (*Orchestrator, error) {
	if reg == nil {
		return nil, errors.New("nil registry")
	}
	if err := fetchers.check(reg); err != nil {
		return nil, err
	}
	if layout.Root == "" {
		return nil, errors.New("empty data directory")
	}
	return &Orchestrator{
		Fetchers: fetchers,
		Layout:   layout,
		Retry:    DefaultRetryPolicy(),
	}, nil
}

func (o *Orchestrator) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.New(discardHandler{})
}

func (o *Orchestrator) tracer() trace.Tracer {
	if o.Tracer != nil {
		return o.Tracer
	}
	return otel.Tracer(tracerName)
}

func (o *Orchestrator) lock(id string) func() {
	v, _ := o.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Run fetches descs under cfg and returns one result per descriptor, in the
// same order. Per-dataset failures never stop the run; once ctx is done no
// new fetch is started.
func (o *Orchestrator) Run(ctx context.Context, descs []DatasetDescriptor, cfg ModeConfig) []FetchResult {
	ctx, span := o.tracer().Start(ctx, "datafetch.run", trace.WithAttributes(
		attribute.String("datafetch.mode", cfg.Mode.String()),
		attribute.Int("datafetch.datasets", len(descs)),
		attribute.Int("datafetch.workers", cfg.Workers()),
	))
	defer span.End()

	em := emitter{fn: o.Progress, mode: cfg.Mode}
	em.emit(ProgressEvent{Event: "run_start", Total: int64(len(descs)),
		Message: fmt.Sprintf("%d datasets, %d workers", len(descs), cfg.Workers())})
	o.logger().Info("run start", "mode", cfg.Mode.String(), "datasets", len(descs), "workers", cfg.Workers())

	results := make([]FetchResult, len(descs))
	var g errgroup.Group
	g.SetLimit(cfg.Workers())
	for i, d := range descs {
		if err := ctx.Err(); err != nil {
			results[i] = notStarted(d, cfg.Mode, err)
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = notStarted(d, cfg.Mode, err)
				return nil
			}
			results[i] = o.Fetch(ctx, d, cfg)
			return nil
		})
	}
	_ = g.Wait()

	failedN := 0
	for _, r := range results {
		if !r.Status.OK() {
			failedN++
		}
	}
	if failedN > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d datasets failed", failedN))
	}
	em.emit(ProgressEvent{Event: "done", Message: fmt.Sprintf("%d ok, %d failed", len(results)-failedN, failedN)})
	return results
}

func notStarted(d DatasetDescriptor, m Mode, err error) FetchResult {
	return FetchResult{
		DatasetID: d.ID,
		Mode:      m,
		Status:    StatusFailed,
		Stage:     StageFetch,
		Err:       &DatasetError{ID: d.ID, Stage: StageFetch, Err: err},
	}
}

// Fetch materializes one dataset. Callers asking for the same id and mode
// while a fetch is in flight wait for it and receive its result with Shared
// set. A caller whose ctx ends stops waiting; the shared fetch is aborted
// only once no caller is left, and the last one waits for the cleanup.
func (o *Orchestrator) Fetch(ctx context.Context, d DatasetDescriptor, cfg ModeConfig) FetchResult {
	v := d.Variant(cfg)
	key := d.ID + "@" + v.Mode.String()
	for {
		call := o.join(ctx, key)
		ch := o.flight.DoChan(key, func() (any, error) {
			return o.fetch(call.ctx, d, v), nil
		})

		var r singleflight.Result
		select {
		case r = <-ch:
			o.leave(key, call)
		case <-ctx.Done():
			if !o.leave(key, call) {
				return notStarted(d, v.Mode, ctx.Err())
			}
			r = <-ch
		}
		res := r.Val.(FetchResult)
		res.Shared = r.Shared
		if ctx.Err() == nil && errors.Is(res.Err, context.Canceled) {
			// joined a fetch abandoned by every earlier caller
			continue
		}
		return res
	}
}

func (o *Orchestrator) join(ctx context.Context, key string) *flightCall {
	o.callsMu.Lock()
	defer o.callsMu.Unlock()
	if o.calls == nil {
		o.calls = make(map[string]*flightCall)
	}
	c, ok := o.calls[key]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		c = &flightCall{ctx: fctx, cancel: cancel}
		o.calls[key] = c
	}
	c.waiters++
	return c
}

// leave drops one waiter and reports whether it was the last.
func (o *Orchestrator) leave(key string, c *flightCall) bool {
	o.callsMu.Lock()
	defer o.callsMu.Unlock()
	c.waiters--
	if c.waiters > 0 {
		return false
	}
	c.cancel()
	if o.calls[key] == c {
		delete(o.calls, key)
	}
	return true
}

func (o *Orchestrator) fetch(ctx context.Context, d DatasetDescriptor, v Variant) FetchResult {
	start := time.Now()
	ctx, span := o.tracer().Start(ctx, "datafetch.fetch", trace.WithAttributes(
		attribute.String("dataset.id", d.ID),
		attribute.String("dataset.mode", v.Mode.String()),
		attribute.String("dataset.protocol", d.Protocol.String()),
		attribute.String("dataset.strategy", v.Strategy.String()),
	))
	defer span.End()

	unlock := o.lock(d.ID)
	defer unlock()

	em := emitter{fn: o.Progress, dataset: d.ID, mode: v.Mode}
	log := o.logger().With("dataset", d.ID, "mode", v.Mode.String())

	res := o.fetchAndVerify(ctx, d, v, em, log)
	res.Duration = time.Since(start)

	span.SetAttributes(
		attribute.String("dataset.status", res.Status.String()),
		attribute.Int64("dataset.bytes", res.BytesWritten),
		attribute.Int("dataset.attempts", res.Attempts),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Status.String())
	}

	switch {
	case res.Status.OK():
		log.Info("dataset done", "status", res.Status.String(), "path", res.LocalPath,
			"bytes", res.BytesWritten, "digest", res.Digest.Short(), "duration", res.Duration)
	default:
		log.Error("dataset failed", "status", res.Status.String(), "stage", string(res.Stage), "err", res.Err)
		em.emit(ProgressEvent{Event: "error", Level: "error", Status: res.Status.String(), Message: res.ErrorString()})
	}
	em.emit(ProgressEvent{Event: "dataset_done", Path: res.LocalPath, Total: res.BytesWritten,
		Status: res.Status.String(), Message: res.ErrorString()})
	return res
}

func (o *Orchestrator) fetchAndVerify(ctx context.Context, d DatasetDescriptor, v Variant, em emitter, log *slog.Logger) FetchResult {
	final := o.Layout.ArtifactPath(d)
	result := FetchResult{DatasetID: d.ID, Mode: v.Mode, LocalPath: final}

	fail := func(stage Stage, status Status, err error) FetchResult {
		result.Status = status
		result.Stage = stage
		result.Err = &DatasetError{ID: d.ID, Stage: stage, Err: err}
		return result
	}

	if sum, ok := o.upToDate(d, v, final, log); ok {
		result.Status = StatusSkipped
		result.Digest = sum
		return result
	}

	if v.Fallback {
		log.Warn("no quick variant published; fetching full artifact", "source", v.Source)
		em.emit(ProgressEvent{Event: "fallback", Level: "warn",
			Message: "no quick variant published; fetching full artifact"})
	}

	if err := o.Layout.ClearState(d); err != nil {
		return fail(StageFetch, StatusFailed, err)
	}
	if err := os.MkdirAll(o.Layout.Dir(d), 0o755); err != nil {
		return fail(StageFetch, StatusFailed, err)
	}
	ft, err := o.Fetchers.For(d.Protocol)
	if err != nil {
		return fail(StageFetch, StatusFailed, err)
	}

	staging := o.Layout.StagingPath(d)
	os.RemoveAll(staging)

	var fr FetchResult
	attempts, err := o.Retry.Do(ctx, func(attempt int) error {
		fr = ft.Fetch(ctx, Request{Descriptor: d, Variant: v, Dst: staging, Progress: o.Progress, Logger: log})
		if fr.Status == StatusFailed {
			if fr.Err == nil {
				return errors.New("fetch failed")
			}
			return fr.Err
		}
		return nil
	}, func(attempt int, err error) {
		log.Warn("retrying fetch", "attempt", attempt, "err", err)
		em.emit(ProgressEvent{Event: "retry", Level: "warn", Attempt: attempt, Message: err.Error()})
	})
	result.Attempts = attempts
	result.BytesWritten = fr.BytesWritten
	if err != nil {
		os.RemoveAll(staging)
		var pw *PartialWriteError
		if ctx.Err() != nil && !errors.As(err, &pw) {
			err = &PartialWriteError{Path: staging, Written: fr.BytesWritten, Err: err}
		}
		var hm *HashMismatchError
		if errors.As(err, &hm) {
			result.Digest = hm.Actual
			return fail(StageVerify, StatusHashMismatch, err)
		}
		return fail(StageFetch, StatusFailed, err)
	}

	_, vspan := o.tracer().Start(ctx, "datafetch.verify", trace.WithAttributes(attribute.String("dataset.id", d.ID)))
	outcome, sum, err := Verify(staging, v.Digest)
	vspan.SetAttributes(attribute.String("verify.outcome", outcome.String()))
	vspan.End()
	if err != nil {
		os.RemoveAll(staging)
		return fail(StageVerify, StatusFailed, err)
	}
	result.Digest = sum

	if outcome == Mismatch {
		rejected := o.Layout.RejectedPath(d)
		os.RemoveAll(rejected)
		if err := os.Rename(staging, rejected); err != nil {
			os.RemoveAll(staging)
			rejected = ""
		}
		log.Error("digest mismatch", "expected", v.Digest.String(), "actual", sum.String(), "rejected", rejected)
		return fail(StageVerify, StatusHashMismatch, &HashMismatchError{Path: final, Expected: v.Digest, Actual: sum})
	}

	if err := os.RemoveAll(final); err != nil {
		os.RemoveAll(staging)
		return fail(StageFetch, StatusFailed, err)
	}
	if err := os.Rename(staging, final); err != nil {
		os.RemoveAll(staging)
		return fail(StageFetch, StatusFailed, err)
	}

	result.Status = StatusVerified
	if outcome == MissingExpectedHash {
		result.Status = StatusFetched
		log.Warn("no expected digest registered; artifact is unverified", "digest", sum.String())
	}
	if err := o.saveState(d, v, result.Status, sum, final); err != nil {
		log.Warn("could not write state record", "err", err)
	}
	return result
}

// upToDate reports whether the artifact already satisfies v, so no network
// call is needed. A matching state record is trusted; without one, an
// artifact with a registered digest is re-hashed and adopted on a match.
func (o *Orchestrator) upToDate(d DatasetDescriptor, v Variant, final string, log *slog.Logger) (Digest, bool) {
	size, mod, err := artifactStat(final)
	if err != nil {
		return Digest{}, false
	}
	rec, err := o.Layout.LoadState(d)
	if err != nil {
		log.Warn("ignoring unreadable state record", "err", err)
		rec = nil
	}
	if rec != nil && recordMatches(rec, size, mod) && rec.Mode == v.Mode && rec.Source == v.Source {
		switch {
		case rec.Status == StatusVerified && !v.Digest.IsZero() && rec.Expected.Equal(v.Digest):
			return rec.Digest, true
		case rec.Status == StatusFetched && v.Digest.IsZero():
			return rec.Digest, true
		}
	}
	if v.Digest.IsZero() {
		return Digest{}, false
	}
	outcome, sum, err := Verify(final, v.Digest)
	if err != nil || outcome != Match {
		return Digest{}, false
	}
	if err := o.saveState(d, v, StatusVerified, sum, final); err != nil {
		log.Warn("could not write state record", "err", err)
	}
	return sum, true
}

func (o *Orchestrator) saveState(d DatasetDescriptor, v Variant, st Status, sum Digest, final string) error {
	size, mod, err := artifactStat(final)
	if err != nil {
		return err
	}
	return o.Layout.SaveState(d, StateRecord{
		ID:        d.ID,
		Mode:      v.Mode,
		Status:    st,
		Digest:    sum,
		Expected:  v.Digest,
		Size:      size,
		ModTime:   mod,
		Source:    v.Source,
		UpdatedAt: time.Now().UTC(),
	})
}

// Verify re-hashes every present artifact and refreshes its state record.
// It holds each dataset's lock while hashing.
func (o *Orchestrator) Verify(ctx context.Context, descs []DatasetDescriptor, cfg ModeConfig) ([]StatusEntry, error) {
	ctx, span := o.tracer().Start(ctx, "datafetch.verify_all", trace.WithAttributes(
		attribute.Int("datafetch.datasets", len(descs)),
	))
	defer span.End()

	rep := &Reporter{Layout: o.Layout, Logger: o.logger(), lock: o.lock}
	entries, err := rep.Status(ctx, descs, cfg, StatusOptions{Rehash: true})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return entries, err
}
