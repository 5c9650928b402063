package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/brojonat/quietsend/client"
	"github.com/urfave/cli/v2"
)

func balanceCommand() *cli.Command {
	return &cli.Command{
		Name:  "balance",
		Usage: "Show the active key's balance",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "refresh",
				Aliases: []string{"r"},
				Usage:   "Bypass the server's balance cache",
			},
		},
		Action: func(c *cli.Context) error {
			b, err := newClient(c).Balance(context.Background(), c.Bool("refresh"))
			if err != nil {
				return fmt.Errorf("failed to get balance: %w", err)
			}
			return printOutput(c, b, func() {
				fmt.Fprintf(c.App.Writer, "%s SOL (%d lamports)\n", b.SOL, b.Lamports)
				if !b.UpdatedAt.IsZero() {
					fmt.Fprintf(c.App.Writer, "  Updated: %s\n", b.UpdatedAt.Local().Format(time.RFC3339))
				}
			})
		},
	}
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:    "history",
		Aliases: []string{"txns"},
		Usage:   "Show recent transactions of the active key",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "refresh",
				Aliases: []string{"r"},
				Usage:   "Reload history from the ledger first",
			},
		},
		Action: func(c *cli.Context) error {
			records, err := newClient(c).Transactions(context.Background(), c.Bool("refresh"))
			if err != nil {
				return fmt.Errorf("failed to get history: %w", err)
			}
			return printOutput(c, records, func() {
				if len(records) == 0 {
					fmt.Fprintln(c.App.Writer, "No transactions.")
					return
				}
				tw := tabwriter.NewWriter(c.App.Writer, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "TIME\tTYPE\tSTATUS\tAMOUNT\tSIGNATURE")
				for _, r := range records {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
						r.Timestamp.Local().Format("2006-01-02 15:04:05"), r.Type, r.Status, formatDelta(r.AmountDeltaLamports), r.Signature)
				}
				tw.Flush()
			})
		},
	}
}

func sendCommand() *cli.Command {
	return &cli.Command{
		Name:  "send",
		Usage: "Send SOL now and wait for finality",
		Flags: append([]cli.Flag{
			&cli.StringFlag{
				Name:     "to",
				Usage:    "Recipient address",
				Required: true,
			},
		}, amountFlags()...),
		Action: func(c *cli.Context) error {
			lamports, err := lamportsFromFlags(c)
			if err != nil {
				return err
			}
			rec, err := newClient(c).Send(context.Background(), c.String("to"), lamports)
			if err != nil {
				return fmt.Errorf("send failed: %w", err)
			}
			return printOutput(c, rec, func() { printRecord(c, "✓ Transfer confirmed", rec) })
		},
	}
}

func airdropCommand() *cli.Command {
	return &cli.Command{
		Name:  "airdrop",
		Usage: "Request faucet SOL (devnet and testnet only)",
		Flags: amountFlags(),
		Action: func(c *cli.Context) error {
			lamports, err := lamportsFromFlags(c)
			if err != nil {
				return err
			}
			rec, err := newClient(c).Airdrop(context.Background(), lamports)
			if err != nil {
				return fmt.Errorf("airdrop failed: %w", err)
			}
			return printOutput(c, rec, func() { printRecord(c, "✓ Airdrop confirmed", rec) })
		},
	}
}

func printRecord(c *cli.Context, title string, rec *client.TransactionRecord) {
	w := c.App.Writer
	fmt.Fprintln(w, title)
	fmt.Fprintf(w, "  Signature: %s\n", rec.Signature)
	fmt.Fprintf(w, "  Amount:    %s\n", formatDelta(rec.AmountDeltaLamports))
	fmt.Fprintf(w, "  Status:    %s\n", rec.Status)
}
