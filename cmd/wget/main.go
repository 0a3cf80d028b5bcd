// Command wget fetches a single HTTP/1.0 URL over a fiber-scheduled
// socket, the command-line counterpart of
// mordor/common/examples/wget.cpp.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mordor-go/mordor/examples/wget"
	"github.com/mordor-go/mordor/ioman"
)

func newRootCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wget <url>",
		Short: "Fetch a URL and write the response to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := ioman.New(1, true)
			if err != nil {
				return err
			}

			var fetchErr error
			done := make(chan struct{})
			mgr.Scheduler().ScheduleFunc(func(ctx context.Context) error {
				defer close(done)
				fetchErr = wget.GetToBuffered(ctx, mgr, args[0], cmd.OutOrStdout())
				mgr.Stop()
				return nil
			}, -1)

			mgr.Dispatch()
			<-done
			return fetchErr
		},
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
