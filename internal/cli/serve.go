// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bodaay/datafetch/internal/server"
)

func newServeCmd(ro *RootOpts) *cobra.Command {
	var (
		addr    string
		port    int
		origins []string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP server for remote fetch jobs",
		Long: `Start an HTTP server that provides:
  - REST API for mode, registry, status and fetch jobs
  - WebSocket for live progress updates

The data directory is configured server-side only (not via API).

Example:
  datafetch serve
  datafetch serve --port 3000
  datafetch serve --data-dir /srv/data --allowed-origin http://localhost:5173`,
		Args: cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return applySettingsDefaults(cmd, ro)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, ro)
			if err != nil {
				return err
			}
			defer a.Close()

			retry, err := a.retryPolicy()
			if err != nil {
				return configError(err)
			}
			if !cmd.Flags().Changed("port") {
				port = a.env.ServerPort
			}

			srv, err := server.New(server.Config{
				Addr:           addr,
				Port:           port,
				DataDir:        ro.DataDir,
				SettingsPath:   a.settings.Path(),
				AllowedOrigins: origins,
				Version:        cmd.Root().Version,
				Registry:       a.registry,
				Fetchers:       a.env.Fetchers(ro.Token),
				Retry:          &retry,
				Env:            os.Getenv,
				Logger:         a.logger,
			})
			if err != nil {
				return err
			}

			if !ro.Quiet {
				fmt.Fprintf(cmd.ErrOrStderr(), "datafetch %s serving %d datasets from %s on http://%s:%d\n",
					cmd.Root().Version, a.registry.Len(), ro.DataDir, addr, port)
			}
			return srv.ListenAndServe(cmd.Context())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "0.0.0.0", "Address to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "Port to listen on (default from DATAFETCH_PORT)")
	cmd.Flags().StringSliceVar(&origins, "allowed-origin", nil, "Allowed CORS origin (repeatable, * for any)")

	return cmd
}
