// Package cli defines Cobra command definitions for the pacetrace CLI.
// This file contains the root command and help output.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev" // set via ldflags at build time

var rootCmd = &cobra.Command{
	Use:   "pacetrace",
	Short: "Telemetry orchestration for Claude Code sessions",
	Long: `Pacetrace observes Claude Code lifecycle hooks, reconstructs each
session's traces from its transcript, and pushes them to a Langfuse-style
observability backend. It also tracks credit consumption over time.

Register the hook subcommands in your Claude Code settings; everything else
here is for inspecting what they have been doing.`,
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command. Called from main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(hookCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(cleanCmd)
	rootCmd.AddCommand(backfillCmd)
	rootCmd.AddCommand(doctorCmd)
}
