package main

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	// A missing .env file is fine.
	_ = godotenv.Load()

	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "quietsend",
		Usage: "Congestion-aware Solana wallet CLI",
		Description: `A command-line client for the quietsend server.

Manage the server's active keypair, check balance and history, send SOL now,
or schedule transfers that wait until the network failure rate drops below a
ceiling you choose.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			keysCommands(),
			balanceCommand(),
			historyCommand(),
			sendCommand(),
			airdropCommand(),
			scheduleCommands(),
			networkCommands(),
			archiveCommand(),
			{
				Name:  "server",
				Usage: "Server utility commands",
				Subcommands: []*cli.Command{
					healthCommand(),
					versionCommand(),
				},
			},
		},
		// Global flags available to all commands
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server-url",
				Aliases: []string{"s"},
				Usage:   "quietsend server URL",
				EnvVars: []string{"SERVER_URL"},
				Value:   "http://127.0.0.1:8080",
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
			&cli.StringFlag{
				Name:  "jq",
				Usage: "jq filter applied to the JSON output (implies --json)",
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Client log level (debug, info, warn, error)",
				EnvVars: []string{"LOG_LEVEL"},
				Value:   "error",
			},
		},
	}
}
