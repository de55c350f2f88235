// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bodaay/datafetch/pkg/datafetch"
)

type modeReport struct {
	Mode     string               `json:"mode"`
	Source   string               `json:"source"`
	Origin   string               `json:"origin"`
	Settings string               `json:"settings_file"`
	Config   datafetch.ModeConfig `json:"config"`
}

func newModeCmd(ro *RootOpts) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mode",
		Short: "Show or change the default quick/full mode",
		Long: `Show the resolved mode, or change the default stored in the settings file.

The stored default is used only when neither --quick/--full nor
DATA_MODE/NOTEBOOK_MODE decide the mode.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return applySettingsDefaults(cmd, ro)
		},
	}
	cmd.AddCommand(newModeShowCmd(ro))
	cmd.AddCommand(newModeSetCmd(ro))
	cmd.AddCommand(newModeToggleCmd(ro))
	return cmd
}

func newModeShowCmd(ro *RootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the resolved mode and its settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, ro)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.resolve("")
			if err != nil {
				return configError(err)
			}
			out := cmd.OutOrStdout()
			if ro.JSONOut {
				return writeJSON(out, modeReport{
					Mode:     res.Config.Mode.String(),
					Source:   string(res.Source),
					Origin:   res.Origin,
					Settings: a.settings.Path(),
					Config:   res.Config,
				})
			}
			fmt.Fprint(out, res.Config.Describe())
			fmt.Fprintf(out, "Source: %s (%s)\n", res.Source, res.Origin)
			return nil
		},
	}
}

func newModeSetCmd(ro *RootOpts) *cobra.Command {
	return &cobra.Command{
		Use:       "set quick|full",
		Short:     "Store the default mode",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"quick", "full"},
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := datafetch.ParseMode(args[0])
			if err != nil {
				return configError(&datafetch.ConfigurationError{Source: "argument", Value: args[0], Err: err})
			}
			a, err := newApp(cmd, ro)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.settings.SaveMode(m); err != nil {
				return err
			}
			a.logger.Info("mode saved", "mode", m.String(), "path", a.settings.Path())
			fmt.Fprintf(cmd.OutOrStdout(), "Default mode set to %s (%s)\n", m, a.settings.Path())
			return nil
		},
	}
}

func newModeToggleCmd(ro *RootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "toggle",
		Short: "Switch the stored default between quick and full",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, ro)
			if err != nil {
				return err
			}
			defer a.Close()

			m, err := a.settings.ToggleMode()
			if err != nil {
				return configError(err)
			}
			a.logger.Info("mode toggled", "mode", m.String(), "path", a.settings.Path())
			fmt.Fprintf(cmd.OutOrStdout(), "Default mode set to %s (%s)\n", m, a.settings.Path())
			return nil
		},
	}
}
