// Package main provides licensectl, the operator CLI for the TS Agent.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"tsagent/cmd/licensectl/commands"
	"tsagent/internal/config"
)

const (
	// apiTimeout covers the quick control-API calls.
	apiTimeout = 30 * time.Second
	// applyTimeout covers update apply, which downloads a binary.
	applyTimeout = 5 * time.Minute
)

func main() {
	cmd := newRootCommand()
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("command failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:    "licensectl",
		Usage:   "Operator CLI for the TS Agent licensing subsystem",
		Version: config.AppVersion,
		Commands: []*cli.Command{
			fingerprintCommand(),
			statusCommand(),
			refreshCommand(),
			updateCommand(),
			vaultCommand(),
		},
	}
}

// addrFlag points a command at a running agent. Fresh instance per
// command; flags carry parse state.
func addrFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "addr",
		Aliases: []string{"a"},
		Value:   defaultAgentAddr(),
		Usage:   "Base URL of the agent control API",
	}
}

func formatFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Value:   "text",
		Usage:   "Output format: 'text' or 'json'",
	}
}

func defaultAgentAddr() string {
	return fmt.Sprintf("http://127.0.0.1:%d", config.Default().Server.Port)
}

func newClient(cmd *cli.Command, timeout time.Duration) *commands.Client {
	return commands.NewClient(cmd.String("addr"), timeout)
}

func fingerprintCommand() *cli.Command {
	return &cli.Command{
		Name:  "fingerprint",
		Usage: "Compute this machine's hardware fingerprint locally",
		Flags: []cli.Flag{formatFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			paths, err := config.GetPaths()
			if err != nil {
				return fmt.Errorf("failed to resolve data directory: %w", err)
			}
			return commands.RunFingerprint(ctx, paths.MachineSeedFile, cmd.String("format"), commands.DefaultIO())
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show the agent's current license state",
		Flags: []cli.Flag{addrFlag(), formatFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return commands.RunStatus(ctx, newClient(cmd, apiTimeout), cmd.String("format"), commands.DefaultIO())
		},
	}
}

func refreshCommand() *cli.Command {
	return &cli.Command{
		Name:  "refresh",
		Usage: "Pull fresh license artifacts from the source and revalidate",
		Flags: []cli.Flag{addrFlag(), formatFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return commands.RunRefresh(ctx, newClient(cmd, apiTimeout), cmd.String("format"), commands.DefaultIO())
		},
	}
}

func updateCommand() *cli.Command {
	return &cli.Command{
		Name:  "update",
		Usage: "Check for and apply agent updates",
		Commands: []*cli.Command{
			{
				Name:  "check",
				Usage: "Check the release source for a newer version",
				Flags: []cli.Flag{addrFlag(), formatFlag()},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return commands.RunUpdateCheck(ctx, newClient(cmd, apiTimeout), cmd.String("format"), commands.DefaultIO())
				},
			},
			{
				Name:  "apply",
				Usage: "Download, verify and stage the discovered update",
				Flags: []cli.Flag{
					addrFlag(),
					formatFlag(),
					&cli.BoolFlag{
						Name:  "handoff",
						Value: false,
						Usage: "Launch the staged installer once staging succeeds",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return commands.RunUpdateApply(ctx, newClient(cmd, applyTimeout), cmd.Bool("handoff"), cmd.String("format"), commands.DefaultIO())
				},
			},
		},
	}
}

func vaultCommand() *cli.Command {
	return &cli.Command{
		Name:  "vault",
		Usage: "Manage the credential vault",
		Commands: []*cli.Command{
			{
				Name:  "encrypt",
				Usage: "Seal a value from stdin with the local vault key and print the envelope",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "key-file",
						Usage: "Vault master key path (defaults to the agent data directory)",
					},
				},
				Action: func(_ context.Context, cmd *cli.Command) error {
					keyPath := cmd.String("key-file")
					if keyPath == "" {
						cfg, err := config.Load()
						if err != nil {
							return fmt.Errorf("failed to load config: %w", err)
						}
						keyPath = cfg.Vault.KeyFile
					}
					return commands.RunVaultEncrypt(keyPath, commands.DefaultIO())
				},
			},
			{
				Name:  "migrate",
				Usage: "Re-encrypt legacy plaintext credentials in place",
				Flags: []cli.Flag{addrFlag(), formatFlag()},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return commands.RunVaultMigrate(ctx, newClient(cmd, apiTimeout), cmd.String("format"), commands.DefaultIO())
				},
			},
			{
				Name:  "list",
				Usage: "List stored credential names",
				Flags: []cli.Flag{addrFlag(), formatFlag()},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return commands.RunVaultList(ctx, newClient(cmd, apiTimeout), cmd.String("format"), commands.DefaultIO())
				},
			},
			{
				Name:  "set",
				Usage: "Store a credential, reading its value from stdin",
				Flags: []cli.Flag{
					addrFlag(),
					&cli.StringFlag{
						Name:     "name",
						Aliases:  []string{"n"},
						Required: true,
						Usage:    "Credential name",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return commands.RunVaultSet(ctx, newClient(cmd, apiTimeout), cmd.String("name"), commands.DefaultIO())
				},
			},
			{
				Name:  "delete",
				Usage: "Delete a stored credential",
				Flags: []cli.Flag{
					addrFlag(),
					&cli.StringFlag{
						Name:     "name",
						Aliases:  []string{"n"},
						Required: true,
						Usage:    "Credential name",
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return commands.RunVaultDelete(ctx, newClient(cmd, apiTimeout), cmd.String("name"), commands.DefaultIO())
				},
			},
		},
	}
}
