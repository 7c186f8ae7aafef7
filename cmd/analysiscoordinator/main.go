// Package main provides the entry point for the analysiscoordinator
// reference embedder: a CLI that drives one analysis end to end against a
// pool of worker processes, for demos and manual testing.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sumatoshi-tech/analysiscoordinator/cmd/analysiscoordinator/commands"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "analysiscoordinator",
		Short: "Analysis run coordinator reference embedder",
		Long: `analysiscoordinator drives a distributed image-analysis pipeline run.

Commands:
  run       Run an analysis against a manifest using a demo worker pool`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(commands.NewRunCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
