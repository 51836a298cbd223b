package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(unblockCmd)
}

var unblockCmd = &cobra.Command{
	Use:   "unblock <track>",
	Short: "Clear a track's blocked flag after fixing the cause",
	Long: `Clear the blocked flag so ticks pick the track up again.

Blocking always has a recorded reason (merge permissions, an
unresponsive session, a failed reconciliation). Fix the cause first;
unblocking resumes the track exactly where it stopped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if _, err := cfg.TrackByName(args[0]); err != nil {
			return err
		}
		if err := openStore(cfg).Unblock(args[0]); err != nil {
			return err
		}
		fmt.Printf("track %s unblocked\n", args[0])
		return nil
	},
}
