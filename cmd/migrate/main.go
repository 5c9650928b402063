// Command migrate applies the transfer archive schema.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/brojonat/quietsend/service/db"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

func main() {
	// A missing .env file is fine.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "migrate",
		Usage: "Manage the quietsend archive schema",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL",
				EnvVars:  []string{"DATABASE_URL"},
				Required: true,
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "up",
				Usage: "Apply all pending migrations",
				Action: func(c *cli.Context) error {
					if err := db.MigrateUp(c.String("database-url")); err != nil {
						return err
					}
					return printVersion(c)
				},
			},
			{
				Name:  "down",
				Usage: "Roll back migrations",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "steps",
						Usage: "Number of migrations to roll back",
						Value: 1,
					},
				},
				Action: func(c *cli.Context) error {
					if err := db.MigrateDown(c.String("database-url"), c.Int("steps")); err != nil {
						return err
					}
					return printVersion(c)
				},
			},
			{
				Name:   "version",
				Usage:  "Show the applied schema version",
				Action: printVersion,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func printVersion(c *cli.Context) error {
	version, dirty, err := db.MigrationVersion(c.String("database-url"))
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}
	fmt.Fprintf(c.App.Writer, "schema version: %d", version)
	if dirty {
		fmt.Fprint(c.App.Writer, " (dirty)")
	}
	fmt.Fprintln(c.App.Writer)
	return nil
}
