package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/franklinbaldo/cadence/internal/style"
)

func init() {
	rootCmd.AddCommand(tracksCmd)
}

var tracksCmd = &cobra.Command{
	Use:   "tracks",
	Short: "List configured tracks and their rosters",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		table := style.NewTable(
			style.Column{Name: "TRACK", Width: 14},
			style.Column{Name: "INTEGRATION", Width: 24},
			style.Column{Name: "BASE", Width: 10},
			style.Column{Name: "PERSONAS", Width: 40},
		)
		for _, tr := range cfg.Tracks {
			table.AddRow(tr.Name, tr.IntegrationBranch, tr.BaseBranch, strings.Join(tr.Personas, " → "))
		}

		fmt.Print(table.Render())
		return nil
	},
}
