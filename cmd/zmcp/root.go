package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "zmcp",
	Short: "Multi-agent orchestration runtime",
	Long: `zmcp runs autonomous worker agents against a shared, dependency-ordered
objective graph.

The serve process supervises worker processes, dispatches objectives as
their prerequisites complete, and relays typed lifecycle events to any
number of observers. Objectives are created and inspected from this CLI;
state survives restarts through the runtime database under ~/.zmcp.

Typical flow:
  zmcp objective create "wire up the payments webhook"
  zmcp serve
  zmcp watch    (in another terminal)
  zmcp status`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(objectiveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(versionCmd)
}
