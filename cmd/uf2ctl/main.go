// Command uf2ctl packages firmware into the UF2-variant OTA stream
// the device engine consumes, inspects existing streams, simulates
// applying one against an in-memory flash model, and pushes one to a
// running device over the console/OTA TCP protocol.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "uf2ctl",
		Short:         "Pack, inspect, and push OTA firmware streams",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newPackCommand())
	root.AddCommand(newInspectCommand())
	root.AddCommand(newApplyCommand())
	root.AddCommand(newPushCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "uf2ctl: %v\n", err)
		os.Exit(1)
	}
}
