package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/franklinbaldo/cadence/internal/engine"
	"github.com/franklinbaldo/cadence/internal/style"
)

var (
	tickTrack  string
	tickAll    bool
	tickDryRun bool
)

func init() {
	rootCmd.AddCommand(tickCmd)

	tickCmd.Flags().StringVarP(&tickTrack, "track", "t", "", "Tick a single track by name")
	tickCmd.Flags().BoolVarP(&tickAll, "all", "a", false, "Tick every configured track")
	tickCmd.Flags().BoolVarP(&tickDryRun, "dry-run", "n", false, "Report the decision without changing anything")
}

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one scheduling pass",
	Long: `Run one scheduling pass over a track (or all tracks with --all).

A tick performs at most one transition per track and exits. The exit
code is 0 when everything is proceeding, 1 when any track escalated or
is blocked, and 2 when the tick itself failed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if tickTrack == "" && !tickAll {
			return fmt.Errorf("one of --track or --all is required")
		}
		if tickTrack != "" && tickAll {
			return fmt.Errorf("--track and --all are mutually exclusive")
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		eng := buildEngine(cfg, openStore(cfg))
		eng.SetOutput(os.Stdout)

		var results []*engine.Result
		if tickAll {
			results = eng.TickAll(cmd.Context(), tickDryRun)
		} else {
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Settings.TickTimeout.Std())
			defer cancel()
			results = append(results, eng.Tick(ctx, tickTrack, tickDryRun))
		}

		for _, res := range results {
			printResult(res)
			switch {
			case res.Outcome == engine.OutcomeError:
				exitCode = 2
			case res.Outcome == engine.OutcomeEscalated && exitCode < 1:
				exitCode = 1
			}
		}
		return nil
	},
}

func printResult(res *engine.Result) {
	prefix := ""
	if res.DryRun {
		prefix = "[dry-run] "
	}

	if res.Outcome == engine.OutcomeError {
		fmt.Fprintf(os.Stderr, "%s%s: error: %v\n", prefix, res.Track, res.Err)
		return
	}

	line := fmt.Sprintf("%s%s [%s/%d.%d]: %s", prefix, res.Track, res.Persona, res.Cycle, res.Slot, res.Outcome)
	if res.Reason != "" {
		line += " (" + res.Reason + ")"
	}
	fmt.Println(style.ForOutcome(string(res.Outcome)).Render(line))
}
