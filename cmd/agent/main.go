// Package main is the TS Agent daemon entry point.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/urfave/cli/v3"

	"tsagent/internal/app"
	"tsagent/internal/config"
	"tsagent/internal/infrastructure"
	"tsagent/internal/updater"
)

// finalizeTimeout bounds the update hand-off: waiting for the old
// process to exit plus the binary swap and relaunch.
const finalizeTimeout = 2 * time.Minute

func main() {
	cmd := newRootCommand()
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("agent failed", slog.Any("error", err))
		os.Exit(1)
	}
}

// newRootCommand builds the CLI tree. Running the binary with no
// subcommand starts the daemon; finalize-update is the staged binary's
// entry point during a self-update and is never invoked by operators.
func newRootCommand() *cli.Command {
	return &cli.Command{
		Name:    "agent",
		Usage:   "TS Agent daemon with a local control API",
		Version: config.AppVersion,
		Action:  runAgent,
		Commands: []*cli.Command{
			{
				Name:   "finalize-update",
				Usage:  "Complete a staged self-update (spawned by the running agent)",
				Hidden: true,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "target",
						Required: true,
						Usage:    "Path of the installed binary to replace",
					},
					&cli.IntFlag{
						Name:     "wait-pid",
						Required: true,
						Usage:    "PID of the old agent process to wait for",
					},
				},
				Action: runFinalizeUpdate,
			},
		},
	}
}

func runAgent(_ context.Context, _ *cli.Command) error {
	application, err := app.NewApplication()
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	return application.Run()
}

// runFinalizeUpdate is executed by the staged binary after HandOff: it
// waits for the old agent to exit, swaps the installed binary and
// relaunches it. Logs go to stdout; the data-dir log file still belongs
// to the exiting agent at this point.
func runFinalizeUpdate(ctx context.Context, cmd *cli.Command) error {
	if _, err := infrastructure.InitializeLogger(config.LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, finalizeTimeout)
	defer cancel()

	return updater.Finalize(ctx, cmd.String("target"), int(cmd.Int("wait-pid")))
}
