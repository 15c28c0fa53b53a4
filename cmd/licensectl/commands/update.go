package commands

import (
	"context"
	"fmt"
	"time"

	"tsagent/internal/config"
	"tsagent/internal/services"
)

// RunUpdateCheck asks the agent to fetch the release manifest and
// compare versions.
func RunUpdateCheck(ctx context.Context, client *Client, format string, io IOTuple) error {
	var check services.UpdateCheckResponse
	if err := client.Post(ctx, config.UpdateEndpoint+"/check", nil, &check); err != nil {
		return err
	}

	if format == "json" {
		return outputJSON(check, io.Writer)
	}

	if !check.UpdateAvailable || check.Manifest == nil {
		_, _ = fmt.Fprintf(io.Writer, "Agent is up to date (version %s).\n", check.CurrentVersion)
		return nil
	}

	_, _ = fmt.Fprintf(io.Writer, "Update available: %s -> %s\n", check.CurrentVersion, check.Manifest.Version)
	if check.Manifest.Notes != "" {
		_, _ = fmt.Fprintf(io.Writer, "Notes:     %s\n", check.Manifest.Notes)
	}
	if !check.Manifest.PublishedAt.IsZero() {
		_, _ = fmt.Fprintf(io.Writer, "Published: %s\n", check.Manifest.PublishedAt.Format(time.RFC3339))
	}
	_, _ = fmt.Fprintln(io.Writer, "Run 'licensectl update apply' to download and stage it.")
	return nil
}

// RunUpdateApply downloads, verifies and stages the update discovered
// by the last check. With handOff the staged installer is launched and
// the agent replaces itself.
func RunUpdateApply(ctx context.Context, client *Client, handOff bool, format string, io IOTuple) error {
	var applied services.UpdateApplyResponse
	if err := client.Post(ctx, config.UpdateEndpoint+"/apply", nil, &applied); err != nil {
		return err
	}

	if format == "json" && !handOff {
		return outputJSON(applied, io.Writer)
	}

	if applied.Staged != nil {
		_, _ = fmt.Fprintf(io.Writer, "Staged version: %s\n", applied.Staged.Version)
		_, _ = fmt.Fprintf(io.Writer, "Path:           %s\n", applied.Staged.Path)
		_, _ = fmt.Fprintf(io.Writer, "SHA-256:        %s\n", applied.Staged.SHA256)
	}

	if !handOff {
		_, _ = fmt.Fprintln(io.Writer, "Re-run with --handoff to restart the agent into it.")
		return nil
	}

	var result struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	if err := client.Post(ctx, config.UpdateEndpoint+"/handoff", nil, &result); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(io.Writer, result.Message)
	return nil
}
