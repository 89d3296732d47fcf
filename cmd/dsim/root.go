// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"
)

// globalFlags contains the flags shared by all commands.
type globalFlags struct {
	jsonOutput bool
	verbose    bool
}

// logger returns the logger selected by the flags or nil.
func (gf *globalFlags) logger(w io.Writer) *slog.Logger {
	switch {
	case gf.jsonOutput:
		return slog.New(slog.NewJSONHandler(w, nil))
	case gf.verbose:
		return slog.New(slog.NewTextHandler(w, nil))
	default:
		return nil
	}
}

// newRootCmd creates the root command.
func newRootCmd() *cobra.Command {
	gf := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:   "dsim",
		Short: "Deterministic network simulation runner",
		Long: `dsim runs deterministic network simulations.

Every host runs on a virtual clock, so running the same scenario
with the same seed always yields the same output.`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	rootCmd.PersistentFlags().BoolVarP(&gf.verbose, "verbose", "v", false, "Emit structured logs on stderr")
	rootCmd.PersistentFlags().BoolVar(&gf.jsonOutput, "json", false, "Emit structured logs in JSON format")
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(newRunCmd(gf))
	return rootCmd
}
