package main

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/brojonat/quietsend/client"
	"github.com/brojonat/quietsend/service/solana"
	"github.com/urfave/cli/v2"
)

func scheduleCommands() *cli.Command {
	return &cli.Command{
		Name:    "schedule",
		Aliases: []string{"sched"},
		Usage:   "Transfers that wait for a quiet network",
		Subcommands: []*cli.Command{
			scheduleAddCommand(),
			scheduleListCommand(),
			scheduleGetCommand(),
			scheduleCancelCommand(),
		},
	}
}

func scheduleAddCommand() *cli.Command {
	return &cli.Command{
		Name:  "add",
		Usage: "Schedule a transfer that fires when the failure rate is at or below --max-failure",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:     "to",
				Usage:    "Recipient address",
				Required: true,
			},
			&cli.Float64Flag{
				Name:     "max-failure",
				Usage:    "Failure percentage ceiling (0-100)",
				Required: true,
			},
		}, amountFlags()...),
		Action: func(c *cli.Context) error {
			lamports, err := lamportsFromFlags(c)
			if err != nil {
				return err
			}
			t, err := newClient(c).AddSchedule(context.Background(), client.ScheduleParams{
				Recipient:            c.String("to"),
				AmountLamports:       lamports,
				MaxFailurePercentage: c.Float64("max-failure"),
			})
			if err != nil {
				return fmt.Errorf("failed to schedule transfer: %w", err)
			}
			return printOutput(c, t, func() {
				fmt.Fprintf(c.App.Writer, "✓ Transfer #%d scheduled\n", t.ID)
				printTransfer(c, t)
			})
		},
	}
}

func scheduleListCommand() *cli.Command {
	return &cli.Command{
		Name:    "list",
		Aliases: []string{"ls"},
		Usage:   "List scheduled transfers",
		Action: func(c *cli.Context) error {
			list, err := newClient(c).ListSchedules(context.Background())
			if err != nil {
				return fmt.Errorf("failed to list schedules: %w", err)
			}
			return printOutput(c, list, func() {
				if len(list) == 0 {
					fmt.Fprintln(c.App.Writer, "No scheduled transfers.")
					return
				}
				tw := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSTATUS\tAMOUNT\tMAX FAILURE\tRECIPIENT")
				for _, t := range list {
					fmt.Fprintf(tw, "%d\t%s\t%s SOL\t%.2f%%\t%s\n",
						t.ID, t.Status, solana.FormatSOL(t.AmountLamports), t.MaxFailurePercentage, t.Recipient)
				}
				tw.Flush()
			})
		},
	}
}

func scheduleGetCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Show one scheduled transfer",
		ArgsUsage: "ID",
		Action: func(c *cli.Context) error {
			id, err := scheduleID(c)
			if err != nil {
				return err
			}
			t, err := newClient(c).GetSchedule(context.Background(), id)
			if err != nil {
				return fmt.Errorf("failed to get schedule: %w", err)
			}
			return printOutput(c, t, func() { printTransfer(c, t) })
		},
	}
}

func scheduleCancelCommand() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Aliases:   []string{"rm"},
		Usage:     "Cancel a waiting transfer",
		ArgsUsage: "ID",
		Action: func(c *cli.Context) error {
			id, err := scheduleID(c)
			if err != nil {
				return err
			}
			if err := newClient(c).CancelSchedule(context.Background(), id); err != nil {
				return fmt.Errorf("failed to cancel schedule: %w", err)
			}
			return printOutput(c, map[string]interface{}{"id": id, "status": "canceled"}, func() {
				fmt.Fprintf(c.App.Writer, "✓ Transfer #%d canceled\n", id)
			})
		},
	}
}

func scheduleID(c *cli.Context) (uint64, error) {
	if c.NArg() < 1 {
		return 0, fmt.Errorf("schedule id is required")
	}
	id, err := strconv.ParseUint(c.Args().Get(0), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid schedule id %q", c.Args().Get(0))
	}
	return id, nil
}

func printTransfer(c *cli.Context, t *client.Transfer) {
	w := c.App.Writer
	fmt.Fprintf(w, "  ID:          %d\n", t.ID)
	fmt.Fprintf(w, "  Status:      %s\n", t.Status)
	fmt.Fprintf(w, "  Recipient:   %s\n", t.Recipient)
	fmt.Fprintf(w, "  Amount:      %s SOL\n", solana.FormatSOL(t.AmountLamports))
	fmt.Fprintf(w, "  Max failure: %.2f%%\n", t.MaxFailurePercentage)
	if t.Signature != "" {
		fmt.Fprintf(w, "  Signature:   %s\n", t.Signature)
	}
	if t.LastError != "" {
		fmt.Fprintf(w, "  Error:       %s\n", t.LastError)
	}
}
