// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (expected debug, info, warn or error)", s)
	}
}

// newLogger builds the process logger from the global flags. Without an
// explicit level, --verbose or --log-file only warnings reach stderr so they
// do not interleave with progress output.
func newLogger(cmd *cobra.Command, ro *RootOpts) (*slog.Logger, func() error, error) {
	level, err := parseLevel(ro.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	explicit := ro.LogFile != ""
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		explicit = true
	}
	switch {
	case ro.Verbose:
		level = slog.LevelDebug
	case ro.Quiet && level < slog.LevelWarn:
		level = slog.LevelWarn
	case !explicit && level < slog.LevelWarn:
		level = slog.LevelWarn
	}

	var w io.Writer = cmd.ErrOrStderr()
	closer := func() error { return nil }
	if ro.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(ro.LogFile), 0o755); err != nil {
			return nil, nil, fmt.Errorf("log file: %w", err)
		}
		f, err := os.OpenFile(ro.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("log file: %w", err)
		}
		w = io.MultiWriter(w, f)
		closer = f.Close
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if ro.JSONOut {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h), closer, nil
}
