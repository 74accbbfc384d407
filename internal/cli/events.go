package cli

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/imyashkale/sitedeploy/internal/app"
	"github.com/imyashkale/sitedeploy/internal/events"
	"github.com/spf13/cobra"
)

func newEventsCommand(open Opener) *cobra.Command {
	var (
		limit  int
		follow bool
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent site and batch events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, open, func(a *app.App) error {
				out := cmd.OutOrStdout()
				if follow {
					redisPub, ok := a.Publisher.(*events.RedisPublisher)
					if !ok {
						return errors.New("--follow needs REDIS_ADDR: events are only shared between processes through Redis")
					}
					stream, err := redisPub.Subscribe(cmd.Context())
					if err != nil {
						return err
					}
					for ev := range stream {
						printEvent(out, ev)
					}
					return nil
				}

				recent, err := a.Publisher.Recent(cmd.Context(), limit)
				if err != nil {
					return err
				}
				// oldest first reads naturally in a terminal
				for i := len(recent) - 1; i >= 0; i-- {
					printEvent(out, recent[i])
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of events")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream new events until interrupted")
	return cmd
}

func printEvent(out io.Writer, ev events.Event) {
	subject := ev.Domain
	if subject == "" {
		subject = ev.SiteID
	}
	if subject == "" {
		subject = ev.BatchID
	}
	line := fmt.Sprintf("%s  %-14s %s", ev.Timestamp.Format(time.RFC3339), ev.Type, subject)
	if ev.From != "" || ev.To != "" {
		line += fmt.Sprintf(" %s -> %s", ev.From, ev.To)
	}
	if ev.Message != "" {
		line += "  " + ev.Message
	}
	fmt.Fprintln(out, line)
}
