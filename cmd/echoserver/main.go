// Command echoserver runs a fiber-scheduled TCP echo server, the
// command-line counterpart of mordor/common/examples/echoserver.cpp's
// socketServer/socketConnection pair.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mordor-go/mordor/examples/echoserver"
	"github.com/mordor-go/mordor/ioman"
)

func newRootCmd() *cobra.Command {
	var addr string
	var threads int

	cmd := &cobra.Command{
		Use:   "echoserver",
		Short: "Echo every byte received back to the sender",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := ioman.New(threads, false)
			if err != nil {
				return err
			}
			mgr.Start()
			defer mgr.Stop()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := echoserver.Serve(ctx, mgr, addr); err != nil {
				return err
			}
			slog.Info("echoserver listening", "addr", addr)
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:7777", "address to listen on")
	cmd.Flags().IntVar(&threads, "threads", 1, "number of scheduler worker threads")
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
