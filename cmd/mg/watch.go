package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/maintgate/internal/client"
)

const maxReconnectWait = 30 * time.Second

// reconnectWait is the first delay before reopening a broken stream.
var reconnectWait = time.Second

var watchCmd = &cobra.Command{
	Use:     "watch",
	Short:   "Stream maintenance state changes",
	GroupID: "gate",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		once, _ := cmd.Flags().GetBool("once")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		return watchStates(ctx, mgClient, cmd.OutOrStdout(), cmd.ErrOrStderr(), once)
	},
}

// errStopWatch ends a --once watch after the first event.
var errStopWatch = errors.New("stop watch")

// watchStates prints every state from the stream and reconnects with
// Last-Event-ID after a broken connection, backing off up to
// maxReconnectWait.
func watchStates(ctx context.Context, c client.MaintenanceClient, out, errOut io.Writer, once bool) error {
	lastID := ""
	wait := reconnectWait
	for {
		err := c.Watch(ctx, lastID, func(ev *client.StateEvent) error {
			lastID = ev.ID
			wait = reconnectWait
			if jsonOutput {
				if err := printJSON(out, ev.State); err != nil {
					return err
				}
			} else {
				printChange(out, ev.State)
			}
			if once {
				return errStopWatch
			}
			return nil
		})
		switch {
		case errors.Is(err, errStopWatch):
			return nil
		case ctx.Err() != nil:
			return nil
		case err != nil:
			var ae *client.APIError
			if errors.As(err, &ae) && ae.StatusCode < 500 {
				return fmt.Errorf("watching: %w", err)
			}
			fmt.Fprintf(errOut, "stream interrupted (%v); reconnecting in %s\n", err, wait)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		wait = min(2*wait, maxReconnectWait)
	}
}

func init() {
	watchCmd.Flags().Bool("once", false, "print the current state and exit")
}
