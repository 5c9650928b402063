package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/urfave/cli/v2"
)

func archiveCommand() *cli.Command {
	return &cli.Command{
		Name:  "archive",
		Usage: "Archived scheduled transfers across server runs (needs DATABASE_URL on the server)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "owner",
				Usage: "Owner address (defaults to the active key)",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum rows",
				Value: 50,
			},
		},
		Action: func(c *cli.Context) error {
			raw, err := newClient(c).ArchivedTransfers(context.Background(), c.String("owner"), c.Int("limit"))
			if err != nil {
				return fmt.Errorf("failed to list archive: %w", err)
			}
			var out interface{}
			if err := json.Unmarshal(raw, &out); err != nil {
				return fmt.Errorf("failed to decode archive: %w", err)
			}
			return printOutput(c, out, func() {
				pretty, _ := json.MarshalIndent(out, "", "  ")
				fmt.Fprintln(c.App.Writer, string(pretty))
			})
		},
	}
}
