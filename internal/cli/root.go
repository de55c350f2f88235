// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/bodaay/datafetch/internal/tui"
	"github.com/bodaay/datafetch/pkg/datafetch"
)

// RootOpts holds global CLI options.
type RootOpts struct {
	Token    string
	JSONOut  bool
	Quiet    bool
	Verbose  bool
	Config   string
	LogFile  string
	LogLevel string

	DataDir        string
	Settings       string
	Retries        int
	BackoffInitial string
	BackoffMax     string
	Timeout        string

	// registry replaces the built-in catalog when set.
	registry *datafetch.Registry
}

// runOpts are the flags of the default fetch command.
type runOpts struct {
	quick  bool
	full   bool
	verify bool
	status bool
}

// ExitError carries the process exit code for a finished command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// Exit codes.
const (
	ExitOK     = 0
	ExitFailed = 1
	ExitConfig = 2
)

// Execute runs the CLI with the given version string.
func Execute(version string) error {
	ctx, cancel := signalContext(context.Background())
	defer cancel()
	return execute(ctx, version, nil, os.Args[1:], os.Stdout, os.Stderr)
}

// execute runs the command tree over reg, or the built-in catalog when reg
// is nil.
func execute(ctx context.Context, version string, reg *datafetch.Registry, args []string, stdout, stderr io.Writer) error {
	root := newRootCmd(ctx, version, reg)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.ExecuteContext(ctx); err != nil {
		var ee *ExitError
		if !errors.As(err, &ee) || ee.Err != nil {
			fmt.Fprintln(stderr, "error:", err)
		}
		return err
	}
	return nil
}

func newRootCmd(ctx context.Context, version string, reg *datafetch.Registry) *cobra.Command {
	ro := &RootOpts{registry: reg}
	run := &runOpts{}

	root := &cobra.Command{
		Use:   "datafetch [ids...]",
		Short: "Fetch, verify and report the datasets the analysis notebooks need",
		Long: `Fetch every registered dataset that is not yet verified, in quick or full mode.

The mode comes from, in order: --quick/--full, DATA_MODE, NOTEBOOK_MODE,
the settings file written by 'datafetch mode set', and finally quick.

Examples:
  datafetch                 # fetch everything in the resolved mode
  datafetch --full iris     # fetch one dataset at full scale
  datafetch --status        # show what is on disk
  datafetch --verify        # re-hash everything present`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return applySettingsDefaults(cmd, ro)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoot(ctx, cmd, ro, run, args)
		},
	}

	// Global flags
	pf := root.PersistentFlags()
	pf.StringVarP(&ro.Token, "token", "t", "", "Bearer token for hub and HTTP sources (also reads HF_TOKEN env)")
	pf.BoolVar(&ro.JSONOut, "json", false, "Emit machine-readable JSON (events, results, status)")
	pf.BoolVarP(&ro.Quiet, "quiet", "q", false, "Quiet mode (plain lines, no progress bars)")
	pf.BoolVarP(&ro.Verbose, "verbose", "v", false, "Verbose logs (debug details)")
	pf.StringVar(&ro.Config, "config", "", "Path to config file (JSON or YAML)")
	pf.StringVar(&ro.LogFile, "log-file", "", "Write logs to file (in addition to stderr)")
	pf.StringVar(&ro.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	pf.StringVarP(&ro.DataDir, "data-dir", "d", "data", "Directory holding one entry per dataset id")
	pf.StringVar(&ro.Settings, "settings", "", "Mode settings file (default <data-dir>/"+datafetch.SettingsFileName+")")
	pf.IntVar(&ro.Retries, "retries", 4, "Max retry attempts per dataset after the first")
	pf.StringVar(&ro.BackoffInitial, "backoff-initial", "400ms", "Initial retry backoff duration")
	pf.StringVar(&ro.BackoffMax, "backoff-max", "10s", "Maximum retry backoff duration")
	pf.StringVar(&ro.Timeout, "timeout", "0", "Abort the run after this long (0 = no limit)")

	// Mode and action flags
	root.Flags().BoolVar(&run.quick, "quick", false, "Force quick mode for this invocation")
	root.Flags().BoolVar(&run.full, "full", false, "Force full mode for this invocation")
	root.Flags().BoolVar(&run.verify, "verify", false, "Re-hash present datasets; exit 1 on any mismatch")
	root.Flags().BoolVar(&run.status, "status", false, "Print the status table and exit")
	root.MarkFlagsMutuallyExclusive("verify", "status")

	root.AddCommand(newModeCmd(ro))
	root.AddCommand(newListCmd(ro))
	root.AddCommand(newHashCmd(ro))
	root.AddCommand(newVersionCmd(version))
	root.AddCommand(newServeCmd(ro))
	root.AddCommand(newConfigCmd())
	root.SetHelpCommand(&cobra.Command{Use: "help", Hidden: true})

	return root
}

func runRoot(ctx context.Context, cmd *cobra.Command, ro *RootOpts, run *runOpts, args []string) error {
	a, err := newApp(cmd, ro)
	if err != nil {
		return err
	}
	defer a.Close()

	flag, err := datafetch.FlagMode(run.quick, run.full)
	if err != nil {
		return configError(err)
	}
	res, err := a.resolve(flag)
	if err != nil {
		return configError(err)
	}
	a.logger.Debug("mode resolved", "mode", res.Config.Mode.String(), "source", string(res.Source), "origin", res.Origin)

	descs, unknown := a.selectDatasets(args)
	for _, err := range unknown {
		a.logger.Error("unknown dataset", "err", err)
		fmt.Fprintln(cmd.ErrOrStderr(), "error:", err)
	}

	unpinned := datafetch.Unpinned(descs, res.Config)
	if len(unpinned) > 0 && !run.status {
		a.logger.Warn("no pinned digest; these datasets stay unverified",
			"mode", res.Config.Mode.String(), "datasets", strings.Join(unpinned, ","))
	}

	ctx, cancel, err := a.withTimeout(ctx)
	if err != nil {
		return configError(err)
	}
	defer cancel()

	out := cmd.OutOrStdout()
	switch {
	case run.status:
		entries, err := a.reporter().Status(ctx, descs, res.Config, datafetch.StatusOptions{})
		if err != nil {
			return err
		}
		if ro.JSONOut {
			return writeJSON(out, newStatusReport(res, entries, unpinned))
		}
		renderStatus(out, res, entries, unpinned)
		return nil

	case run.verify:
		orch, err := a.orchestrator(nil)
		if err != nil {
			return err
		}
		entries, err := orch.Verify(ctx, descs, res.Config)
		if err != nil {
			return err
		}
		if ro.JSONOut {
			if err := writeJSON(out, newStatusReport(res, entries, unpinned)); err != nil {
				return err
			}
		} else {
			renderStatus(out, res, entries, unpinned)
		}
		var bad []string
		for _, e := range entries {
			if e.State == datafetch.StateMismatch {
				bad = append(bad, e.ID)
			}
		}
		if len(bad) > 0 {
			return &ExitError{Code: ExitFailed, Err: fmt.Errorf("hash mismatch: %s", strings.Join(bad, ", "))}
		}
		return nil
	}

	var progress datafetch.ProgressFunc
	switch {
	case ro.JSONOut:
		progress = jsonProgress(out)
	case ro.Quiet:
		progress = cliProgress(out, cmd.ErrOrStderr())
	default:
		ui := tui.NewLiveRenderer(out)
		defer ui.Close()
		progress = ui.Handler()
	}

	orch, err := a.orchestrator(progress)
	if err != nil {
		return err
	}
	if !ro.JSONOut && !ro.Quiet {
		fmt.Fprintf(out, "%s(from %s)\n\n", res.Config.Describe(), res.Origin)
	}
	results := orch.Run(ctx, descs, res.Config)

	if ro.JSONOut {
		if err := writeJSONLine(out, newRunReport(res, results)); err != nil {
			return err
		}
	}
	failed := 0
	for _, r := range results {
		if !r.Status.OK() {
			failed++
			if !ro.JSONOut {
				fmt.Fprintln(cmd.ErrOrStderr(), "error:", r.ErrorString())
			}
		}
	}
	switch {
	case failed > 0:
		return &ExitError{Code: ExitFailed, Err: fmt.Errorf("%d of %d datasets failed", failed, len(results))}
	case len(unknown) > 0:
		return &ExitError{Code: ExitFailed}
	}
	return nil
}

func configError(err error) error {
	return &ExitError{Code: ExitConfig, Err: err}
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(ch)
	}()
	return ctx, cancel
}

func parseDuration(flagName, v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if v == "" || v == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, &datafetch.ConfigurationError{Source: "flag --" + flagName, Value: v, Err: err}
	}
	if d < 0 {
		return 0, &datafetch.ConfigurationError{Source: "flag --" + flagName, Value: v, Err: errors.New("negative duration")}
	}
	return d, nil
}

// configPath returns --config or the first default config file that exists.
func configPath(ro *RootOpts) string {
	if ro.Config != "" {
		return ro.Config
	}
	home, _ := os.UserHomeDir()
	for _, name := range []string{"datafetch.json", "datafetch.yaml", "datafetch.yml"} {
		p := filepath.Join(home, ".config", name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// perInvocationFlags are never taken from a config file.
var perInvocationFlags = map[string]bool{
	"help": true, "version": true, "config": true,
	"quick": true, "full": true, "verify": true, "status": true,
}

func applySettingsDefaults(cmd *cobra.Command, ro *RootOpts) error {
	path := configPath(ro)
	if path == "" {
		return nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return configError(err)
	}

	var cfg map[string]any

	// Parse based on file extension
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return configError(fmt.Errorf("invalid YAML config file: %w", err))
		}
	default: // .json or unknown
		if err := json.Unmarshal(b, &cfg); err != nil {
			return configError(fmt.Errorf("invalid JSON config file: %w", err))
		}
	}

	// Any flag named in the file is a default; flags given on the command
	// line win. HF_TOKEN also beats a token from the file.
	var setErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if setErr != nil || f.Changed || perInvocationFlags[f.Name] {
			return
		}
		v, ok := cfg[f.Name]
		if !ok || v == nil {
			return
		}
		if f.Name == "token" && os.Getenv("HF_TOKEN") != "" {
			return
		}
		if err := f.Value.Set(fmt.Sprint(v)); err != nil {
			setErr = &datafetch.ConfigurationError{Source: "config " + path, Value: fmt.Sprint(v),
				Err: fmt.Errorf("%s: %w", f.Name, err)}
			return
		}
		f.Changed = true
	})
	if setErr != nil {
		return configError(setErr)
	}

	return nil
}

// cliProgress returns a simple text-based progress handler.
func cliProgress(out, errOut io.Writer) datafetch.ProgressFunc {
	var mu sync.Mutex
	return func(ev datafetch.ProgressEvent) {
		mu.Lock()
		defer mu.Unlock()
		switch ev.Event {
		case "run_start":
			fmt.Fprintf(out, "mode %s: %s\n", ev.Mode, ev.Message)
		case "retry":
			fmt.Fprintf(out, "retry %s (attempt %d): %s\n", ev.Dataset, ev.Attempt, ev.Message)
		case "fallback":
			fmt.Fprintf(errOut, "warning: %s: %s\n", ev.Dataset, ev.Message)
		case "dataset_done":
			fmt.Fprintf(out, "%s: %s\n", ev.Status, ev.Dataset)
		case "done":
			fmt.Fprintln(out, ev.Message)
		}
	}
}

// jsonProgress returns a JSON-lines progress handler.
func jsonProgress(w io.Writer) datafetch.ProgressFunc {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	var mu sync.Mutex
	return func(ev datafetch.ProgressEvent) {
		mu.Lock()
		_ = enc.Encode(ev)
		mu.Unlock()
	}
}

func writeJSONLine(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
