// Package cli implements the command-line entry point of spec §6: a root
// `hpcore` command with `new`, `rekey` and `run` subcommands, signal-driven
// graceful shutdown, and the "print one line to stderr, exit nonzero on
// init failure" contract. Grounded on internal/cli/cli.go's
// cobra.Command{RunE: run} + waitExit shape.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "hpcore",
	Short: "run and manage a hpcore contract node",

	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute parses os.Args and runs the matched subcommand, printing a single
// human-readable line to stderr and returning a non-nil error on any
// initialization failure (spec §6 "user-visible" contract). main is expected
// to os.Exit(1) when this returns an error.
func Execute() error {
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "increase log verbosity")
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))

	rootCmd.AddCommand(newCmd, rekeyCmd, runCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	return nil
}
