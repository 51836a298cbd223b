// cadence is the tick-driven scheduler for agent work tracks.
package main

import (
	"os"

	"github.com/franklinbaldo/cadence/internal/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
