// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bodaay/datafetch/internal/tui"
)

func newListCmd(ro *RootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the registered datasets",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return applySettingsDefaults(cmd, ro)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, ro)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			if ro.JSONOut {
				return writeJSON(out, a.registry.All())
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tPROTOCOL\tQUICK\tSIZE\tPINNED\tSOURCE")
			for _, d := range a.registry.All() {
				size := "-"
				if d.FullSizeBytes > 0 {
					size = tui.HumanBytes(d.FullSizeBytes)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					d.ID, d.Protocol, d.Quick.Strategy, size, yesNo(!d.Digest.IsZero()), d.Source)
			}
			return tw.Flush()
		},
	}
}
