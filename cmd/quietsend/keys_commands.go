package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/brojonat/quietsend/client"
	"github.com/brojonat/quietsend/service/keys"
	"github.com/urfave/cli/v2"
)

func keysCommands() *cli.Command {
	return &cli.Command{
		Name:  "keys",
		Usage: "Keypair management",
		Subcommands: []*cli.Command{
			keysGenerateCommand(),
			keysImportCommand(),
			keysShowCommand(),
			keysQRCommand(),
		},
	}
}

func keysGenerateCommand() *cli.Command {
	return &cli.Command{
		Name:  "generate",
		Usage: "Generate a keypair locally, or on the server with --activate",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "activate",
				Usage: "Generate on the server and make it the active keypair",
			},
		},
		Action: func(c *cli.Context) error {
			var info client.KeyInfo
			if c.Bool("activate") {
				generated, err := newClient(c).GenerateKey(context.Background())
				if err != nil {
					return fmt.Errorf("failed to generate keypair: %w", err)
				}
				info = *generated
			} else {
				km := keys.NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)))
				kp, err := km.Generate()
				if err != nil {
					return fmt.Errorf("failed to generate keypair: %w", err)
				}
				info = client.KeyInfo{PublicKey: kp.PublicKey().String(), SecretKey: kp.EncodedSecret()}
			}

			return printOutput(c, info, func() {
				w := c.App.Writer
				fmt.Fprintf(w, "✓ Keypair generated\n")
				fmt.Fprintf(w, "  Public key: %s\n", info.PublicKey)
				fmt.Fprintf(w, "  Secret key: %s\n", info.SecretKey)
				fmt.Fprintf(w, "  Keep the secret key safe; it is not stored anywhere.\n")
			})
		},
	}
}

func keysImportCommand() *cli.Command {
	return &cli.Command{
		Name:      "import",
		Usage:     "Make a base58 secret key the server's active keypair",
		ArgsUsage: "[SECRET_KEY]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "secret-key",
				Usage:   "Base58 secret key",
				EnvVars: []string{"WALLET_SECRET_KEY"},
			},
		},
		Action: func(c *cli.Context) error {
			secret := c.Args().Get(0)
			if secret == "" {
				secret = c.String("secret-key")
			}
			if secret == "" {
				return fmt.Errorf("secret key is required (argument, --secret-key or WALLET_SECRET_KEY)")
			}

			info, err := newClient(c).ImportKey(context.Background(), secret)
			if err != nil {
				return fmt.Errorf("failed to import keypair: %w", err)
			}
			return printOutput(c, info, func() {
				fmt.Fprintf(c.App.Writer, "✓ Keypair imported\n")
				fmt.Fprintf(c.App.Writer, "  Public key: %s\n", info.PublicKey)
			})
		},
	}
}

func keysShowCommand() *cli.Command {
	return &cli.Command{
		Name:  "show",
		Usage: "Show the active public key",
		Action: func(c *cli.Context) error {
			info, err := newClient(c).ActiveKey(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get active key: %w", err)
			}
			return printOutput(c, info, func() {
				fmt.Fprintf(c.App.Writer, "Public key: %s\n", info.PublicKey)
				fmt.Fprintf(c.App.Writer, "Network:    %s\n", info.Network)
			})
		},
	}
}

func keysQRCommand() *cli.Command {
	return &cli.Command{
		Name:  "qr",
		Usage: "Save a QR code of the active address for funding",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "out",
				Aliases: []string{"o"},
				Usage:   "Output PNG file",
				Value:   "quietsend-address.png",
			},
			&cli.IntFlag{
				Name:  "size",
				Usage: "Image size in pixels",
				Value: 256,
			},
		},
		Action: func(c *cli.Context) error {
			png, err := newClient(c).ActiveKeyQR(context.Background(), c.Int("size"))
			if err != nil {
				return fmt.Errorf("failed to get QR code: %w", err)
			}
			path := c.String("out")
			if err := os.WriteFile(path, png, 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", path, err)
			}
			return printOutput(c, map[string]interface{}{"file": path, "bytes": len(png)}, func() {
				fmt.Fprintf(c.App.Writer, "✓ QR code written to %s\n", path)
			})
		},
	}
}
