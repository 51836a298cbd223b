// Package cmd implements the cadence CLI.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

// exitCode is set by commands that report status through the exit value:
// 0 all quiet, 1 a track needs attention, 2 the run itself failed.
var exitCode int

var rootCmd = &cobra.Command{
	Use:   "cadence",
	Short: "Tick-driven scheduler for agent work tracks",
	Long: `Cadence advances work tracks of agent personas through repeated
dispatch, review, and merge cycles.

Each track walks an ordered roster of personas. A tick inspects the
track's durable state, performs at most one transition (start a session,
nudge it, merge its pull request and advance, or escalate), and persists
the result. Run ticks from cron or a loop; crashed or concurrent ticks
are harmless.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "cadence.toml", "Path to the configuration file")
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "cadence: %v\n", err)
		return 2
	}
	return exitCode
}
