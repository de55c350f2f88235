// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bodaay/datafetch/internal/config"
	"github.com/bodaay/datafetch/internal/observability"
	"github.com/bodaay/datafetch/pkg/datafetch"
)

// app is the per-invocation wiring shared by the commands.
type app struct {
	ro       *RootOpts
	logger   *slog.Logger
	registry *datafetch.Registry
	settings *datafetch.SettingsStore
	env      config.Config

	closers []func() error
}

func newApp(cmd *cobra.Command, ro *RootOpts) (*app, error) {
	logger, closeLog, err := newLogger(cmd, ro)
	if err != nil {
		return nil, configError(err)
	}
	a := &app{ro: ro, logger: logger, env: config.FromEnv(), closers: []func() error{closeLog}}

	a.registry = ro.registry
	if a.registry == nil {
		reg, err := datafetch.DefaultRegistry()
		if err != nil {
			a.Close()
			return nil, err
		}
		a.registry = reg
	}

	path := strings.TrimSpace(ro.Settings)
	if path == "" {
		path = datafetch.DefaultSettingsPath(ro.DataDir)
	}
	a.settings = datafetch.NewSettingsStore(path)

	shutdown, err := observability.InitTracing(cmd.Context(), observability.Options{
		Service:  "datafetch",
		Version:  cmd.Root().Version,
		Exporter: a.env.OTelExporter,
	})
	if err != nil {
		a.Close()
		return nil, configError(err)
	}
	a.closers = append(a.closers, func() error { return shutdown(context.Background()) })
	return a, nil
}

// Close flushes traces and closes the log file.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && a.logger != nil {
			a.logger.Warn("shutdown", "err", err)
		}
	}
	a.closers = nil
}

func (a *app) resolve(flag string) (datafetch.Resolution, error) {
	return datafetch.Resolve(datafetch.ResolveInput{
		Flag:     flag,
		Env:      os.Getenv,
		Settings: a.settings,
	})
}

// selectDatasets returns the named datasets, or all of them with no ids.
func (a *app) selectDatasets(ids []string) ([]datafetch.DatasetDescriptor, []error) {
	if len(ids) == 0 {
		return a.registry.All(), nil
	}
	return a.registry.Select(ids)
}

func (a *app) retryPolicy() (datafetch.RetryPolicy, error) {
	p := datafetch.DefaultRetryPolicy()
	if a.ro.Retries >= 0 {
		p.Retries = a.ro.Retries
	}
	initial, err := parseDuration("backoff-initial", a.ro.BackoffInitial)
	if err != nil {
		return p, err
	}
	if initial > 0 {
		p.Initial = initial
	}
	maxDelay, err := parseDuration("backoff-max", a.ro.BackoffMax)
	if err != nil {
		return p, err
	}
	if maxDelay > 0 {
		p.Max = maxDelay
	}
	return p, nil
}

func (a *app) orchestrator(progress datafetch.ProgressFunc) (*datafetch.Orchestrator, error) {
	retry, err := a.retryPolicy()
	if err != nil {
		return nil, configError(err)
	}
	orch, err := datafetch.NewOrchestrator(a.registry, a.env.Fetchers(a.ro.Token), datafetch.Layout{Root: a.ro.DataDir})
	if err != nil {
		return nil, err
	}
	orch.Retry = retry
	orch.Logger = a.logger
	orch.Progress = progress
	return orch, nil
}

func (a *app) reporter() *datafetch.Reporter {
	return datafetch.NewReporter(a.ro.DataDir, a.logger)
}

func (a *app) withTimeout(ctx context.Context) (context.Context, context.CancelFunc, error) {
	d, err := parseDuration("timeout", a.ro.Timeout)
	if err != nil {
		return ctx, func() {}, err
	}
	if d == 0 {
		ctx, cancel := context.WithCancel(ctx)
		return ctx, cancel, nil
	}
	ctx, cancel := context.WithTimeout(ctx, d)
	return ctx, cancel, nil
}
