package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/franklinbaldo/cadence/internal/state"
	"github.com/franklinbaldo/cadence/internal/style"
)

var statusJSON bool

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Emit track state as JSON")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show where every track stands",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store := openStore(cfg)

		states := make([]*state.TrackState, 0, len(cfg.Tracks))
		for i := range cfg.Tracks {
			tr := &cfg.Tracks[i]
			st, err := store.Load(tr.Name, tr.Personas)
			if err != nil {
				return err
			}
			states = append(states, st)
		}

		if statusJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(states)
		}

		// Give the STATE column whatever the terminal has left after the
		// fixed columns, within reason.
		stateWidth := style.TerminalWidth() - 75
		if stateWidth < 18 {
			stateWidth = 18
		}
		if stateWidth > 48 {
			stateWidth = 48
		}

		table := style.NewTable(
			style.Column{Name: "TRACK", Width: 14},
			style.Column{Name: "PERSONA", Width: 12},
			style.Column{Name: "CYCLE", Width: 5, Align: style.AlignRight},
			style.Column{Name: "SLOT", Width: 4, Align: style.AlignRight},
			style.Column{Name: "SESSION", Width: 20},
			style.Column{Name: "PR", Width: 6, Align: style.AlignRight},
			style.Column{Name: "STATE", Width: stateWidth},
		)

		for _, st := range states {
			prCol := ""
			if st.PRNumber > 0 {
				prCol = "#" + strconv.Itoa(st.PRNumber)
			}

			stateCol, rowStyle := trackState(st.Blocked, st.BlockedReason, st.ReconcileSessionID, st.SessionID, st.SessionCreatedAt)
			table.AddStyledRow(rowStyle,
				st.Name,
				st.CurrentPersona(),
				strconv.Itoa(st.CycleNumber),
				strconv.Itoa(st.SlotIndex),
				st.SessionID,
				prCol,
				stateCol,
			)
		}

		fmt.Print(table.Render())
		return nil
	},
}

func trackState(blocked bool, reason, reconcileID, sessionID string, createdAt time.Time) (string, lipgloss.Style) {
	switch {
	case blocked:
		return "blocked: " + reason, style.Bad
	case reconcileID != "":
		return "reconciling (" + reconcileID + ")", style.Warn
	case sessionID != "":
		return "session running since " + createdAt.Local().Format("Jan 2 15:04"), style.Good
	default:
		return "idle", style.Quiet
	}
}
