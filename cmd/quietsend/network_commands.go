package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brojonat/quietsend/client"
	"github.com/urfave/cli/v2"
)

func networkCommands() *cli.Command {
	return &cli.Command{
		Name:    "network",
		Aliases: []string{"net"},
		Usage:   "Network throughput and congestion",
		Subcommands: []*cli.Command{
			{
				Name:  "show",
				Usage: "Show the latest snapshot and trend",
				Action: func(c *cli.Context) error {
					status, err := newClient(c).Network(context.Background())
					if err != nil {
						return fmt.Errorf("failed to get network status: %w", err)
					}
					return printOutput(c, status, func() { printNetwork(c, status) })
				},
			},
			{
				Name:  "refresh",
				Usage: "Poll telemetry now",
				Action: func(c *cli.Context) error {
					status, err := newClient(c).RefreshNetwork(context.Background())
					if err != nil {
						return fmt.Errorf("failed to refresh network status: %w", err)
					}
					return printOutput(c, status, func() { printNetwork(c, status) })
				},
			},
			networkWatchCommand(),
		},
	}
}

func networkWatchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Stream live events until interrupted",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "kind",
				Usage: "Event kind to stream: snapshot, transfer, transaction or all",
				Value: "snapshot",
			},
		},
		Action: func(c *cli.Context) error {
			kind := c.String("kind")
			switch kind {
			case "all":
				kind = ""
			case "snapshot", "transfer", "transaction":
			default:
				return fmt.Errorf("invalid --kind %q", kind)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return newClient(c).Stream(ctx, kind, func(e client.Event) error {
				return printOutput(c, e, func() { printEvent(c, e) })
			})
		},
	}
}

func printNetwork(c *cli.Context, status *client.NetworkStatus) {
	w := c.App.Writer
	if !status.Available || status.Snapshot == nil {
		fmt.Fprintln(w, "No telemetry yet.")
		return
	}
	s := status.Snapshot
	fmt.Fprintf(w, "Chain:       %s\n", s.ChainLabel)
	fmt.Fprintf(w, "TPS:         %.0f%s\n", s.TPS, staleMark(s.ThroughputStale))
	fmt.Fprintf(w, "Congestion:  %s%s\n", s.CongestionLevel, staleMark(s.CongestionStale))
	fmt.Fprintf(w, "Failure:     %s\n", formatPercent(s.FailurePercentage))
	fmt.Fprintf(w, "Observed:    %s\n", s.ObservedAt.Local().Format(time.RFC3339))
	if len(status.Trend) > 0 {
		fmt.Fprintf(w, "Trend:       %d points\n", len(status.Trend))
	}
}

func printEvent(c *cli.Context, e client.Event) {
	w := c.App.Writer
	ts := e.OccurredAt.Local().Format("15:04:05")
	switch {
	case e.Snapshot != nil:
		fmt.Fprintf(w, "[%s] tps=%.0f congestion=%s failure=%s\n",
			ts, e.Snapshot.TPS, e.Snapshot.CongestionLevel, formatPercent(e.Snapshot.FailurePercentage))
	case e.Transfer != nil:
		fmt.Fprintf(w, "[%s] transfer #%d %s (%s)\n", ts, e.Transfer.ID, e.Action, e.Transfer.Status)
	case e.Record != nil:
		fmt.Fprintf(w, "[%s] %s %s %s\n", ts, e.Record.Type, formatDelta(e.Record.AmountDeltaLamports), e.Record.Signature)
	default:
		fmt.Fprintf(w, "[%s] %s %s\n", ts, e.Kind, e.Action)
	}
}

func staleMark(stale bool) string {
	if stale {
		return " (stale)"
	}
	return ""
}
