// Command fiberping runs the two-scheduler ping-pong demonstration from
// examples/fibers, the command-line counterpart of
// mordor/common/examples/fibers.cpp.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mordor-go/mordor/examples/fibers"
)

func newRootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fiberping",
		Short: "Bounce a fiber between two scheduler pools",
		RunE: func(cmd *cobra.Command, args []string) error {
			fibers.Run(func(line string) {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			})
			return nil
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
