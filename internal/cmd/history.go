package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/franklinbaldo/cadence/internal/style"
)

var historyLimit int

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of events to show")
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent tick outcomes from the audit log",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		events, err := openStore(cfg).History(historyLimit)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			fmt.Println("no history yet")
			return nil
		}

		table := style.NewTable(
			style.Column{Name: "TIME", Width: 16},
			style.Column{Name: "TRACK", Width: 14},
			style.Column{Name: "PERSONA", Width: 12},
			style.Column{Name: "OUTCOME", Width: 20},
			style.Column{Name: "PR", Width: 6, Align: style.AlignRight},
			style.Column{Name: "REASON", Width: 44},
		)
		for _, ev := range events {
			prCol := ""
			if ev.PRNumber > 0 {
				prCol = "#" + strconv.Itoa(ev.PRNumber)
			}
			outcome := ev.Outcome
			if ev.Skipped {
				outcome += " (skipped)"
			}
			table.AddStyledRow(style.ForOutcome(ev.Outcome),
				ev.Time.Local().Format("Jan 2 15:04:05"),
				ev.Track,
				ev.Persona,
				outcome,
				prCol,
				ev.Reason,
			)
		}

		fmt.Print(table.Render())
		return nil
	},
}
