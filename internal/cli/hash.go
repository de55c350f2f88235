// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bodaay/datafetch/pkg/datafetch"
)

func newHashCmd(ro *RootOpts) *cobra.Command {
	var algo string

	cmd := &cobra.Command{
		Use:   "hash PATH...",
		Short: "Print the digest of a file or directory, ready to pin in the catalog",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := datafetch.Algorithm(strings.ToLower(algo))
			if _, err := a.New(); err != nil {
				return configError(&datafetch.ConfigurationError{Source: "flag --algo", Value: algo,
					Err: fmt.Errorf("%w (supported: %s)", err, strings.Join(datafetch.Algorithms(), ", "))})
			}
			type row struct {
				Path   string `json:"path"`
				Digest string `json:"digest"`
			}
			var rows []row
			for _, p := range args {
				d, err := datafetch.DigestPath(p, a)
				if err != nil {
					return err
				}
				rows = append(rows, row{Path: p, Digest: d.String()})
			}
			out := cmd.OutOrStdout()
			if ro.JSONOut {
				return writeJSON(out, rows)
			}
			for _, r := range rows {
				fmt.Fprintf(out, "%s  %s\n", r.Digest, r.Path)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&algo, "algo", string(datafetch.DefaultAlgorithm), "Digest algorithm: "+strings.Join(datafetch.Algorithms(), ", "))

	return cmd
}
