package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "qicoord",
	Short: "Decision planning and multi-agent coordination",
	Long: `Qicoord plans objectives into dependency-aware task graphs,
distributes task units across registered agents, and supervises
execution with contingencies, consensus, and conflict resolution.

Core capabilities:
- Classifies objectives and decomposes them into task plans
- Assigns task units to agents by capability, load, and priority
- Drives per-task decision sequences with backtracking
- Recovers from agent failure via requeue and contingency fallbacks
- Resolves conflicting agent reports, escalating through consensus`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
