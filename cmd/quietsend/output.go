package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/brojonat/quietsend/client"
	"github.com/brojonat/quietsend/service/solana"
	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"
)

// newClient builds an API client from the global flags.
func newClient(c *cli.Context) *client.Client {
	var level slog.Level
	switch strings.ToLower(c.String("log-level")) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	default:
		level = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	return client.NewClient(c.String("server-url"), nil, logger)
}

// printOutput writes v as JSON (optionally through the --jq filter) or
// calls human for the default rendering.
func printOutput(c *cli.Context, v interface{}, human func()) error {
	w := c.App.Writer
	if filter := c.String("jq"); filter != "" {
		return printJQ(c, filter, v)
	}
	if c.Bool("json") {
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal output: %w", err)
		}
		fmt.Fprintln(w, string(data))
		return nil
	}
	human()
	return nil
}

func printJQ(c *cli.Context, filter string, v interface{}) error {
	query, err := gojq.Parse(filter)
	if err != nil {
		return fmt.Errorf("failed to parse jq filter %q: %w", filter, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
	}

	// gojq works on plain maps and slices, not structs.
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	var input interface{}
	if err := json.Unmarshal(raw, &input); err != nil {
		return fmt.Errorf("failed to prepare jq input: %w", err)
	}

	iter := code.Run(input)
	for {
		result, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := result.(error); isErr {
			return fmt.Errorf("jq filter failed: %w", err)
		}
		if s, isString := result.(string); isString {
			fmt.Fprintln(c.App.Writer, s)
			continue
		}
		out, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal jq result: %w", err)
		}
		fmt.Fprintln(c.App.Writer, string(out))
	}
	return nil
}

// amountFlags are the mutually exclusive amount inputs.
func amountFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Uint64Flag{
			Name:  "lamports",
			Usage: "Amount in lamports",
		},
		&cli.StringFlag{
			Name:  "sol",
			Usage: "Amount in SOL (e.g. 0.25)",
		},
	}
}

// lamportsFromFlags reads exactly one of --lamports and --sol.
func lamportsFromFlags(c *cli.Context) (uint64, error) {
	hasLamports := c.IsSet("lamports")
	hasSOL := c.IsSet("sol")
	switch {
	case hasLamports && hasSOL:
		return 0, fmt.Errorf("use either --lamports or --sol, not both")
	case hasLamports:
		if c.Uint64("lamports") == 0 {
			return 0, fmt.Errorf("--lamports must be greater than zero")
		}
		return c.Uint64("lamports"), nil
	case hasSOL:
		return solana.ParseSOL(c.String("sol"))
	default:
		return 0, fmt.Errorf("an amount is required (--lamports or --sol)")
	}
}

func formatDelta(lamports int64) string {
	s := solana.FormatSignedSOL(lamports)
	if lamports > 0 {
		s = "+" + s
	}
	return s + " SOL"
}

func formatPercent(p *float64) string {
	if p == nil {
		return "unknown"
	}
	return fmt.Sprintf("%.2f%%", *p)
}
