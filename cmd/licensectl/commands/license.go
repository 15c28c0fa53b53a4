package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tsagent/internal/config"
	"tsagent/internal/services"
)

// RunStatus fetches and prints the agent's current license state.
func RunStatus(ctx context.Context, client *Client, format string, io IOTuple) error {
	var status services.LicenseStatusResponse
	if err := client.Get(ctx, config.LicenseEndpoint+"/status", &status); err != nil {
		return err
	}

	if format == "json" {
		return outputJSON(status, io.Writer)
	}

	_, _ = fmt.Fprintf(io.Writer, "Status:   %s\n", status.Status)
	_, _ = fmt.Fprintf(io.Writer, "Message:  %s\n", status.Message)
	if status.Licensee != "" {
		_, _ = fmt.Fprintf(io.Writer, "Licensee: %s\n", status.Licensee)
	}
	if status.Product != "" {
		_, _ = fmt.Fprintf(io.Writer, "Product:  %s\n", status.Product)
	}
	if len(status.Features) > 0 {
		_, _ = fmt.Fprintf(io.Writer, "Features: %s\n", strings.Join(status.Features, ", "))
	}
	switch {
	case status.Perpetual:
		_, _ = fmt.Fprintln(io.Writer, "Expires:  never (perpetual)")
	case status.ExpiresAt != nil:
		_, _ = fmt.Fprintf(io.Writer, "Expires:  %s (%d day(s) left)\n",
			status.ExpiresAt.Format("2006-01-02"), status.DaysLeft)
	}
	if status.Degraded {
		_, _ = fmt.Fprintln(io.Writer, "Degraded: true (fingerprint comes from the persisted seed)")
	}
	if status.Grace != nil && status.Grace.Present {
		_, _ = fmt.Fprintf(io.Writer, "Grace:    until %s (%s remaining)\n",
			status.Grace.ExpiresAt.Format(time.RFC3339),
			status.Grace.Remaining.Round(time.Minute))
	}
	_, _ = fmt.Fprintf(io.Writer, "Checked:  %s\n", status.CheckedAt.Format(time.RFC3339))
	return nil
}

// RunRefresh asks the agent to pull fresh license artifacts from the
// configured source and revalidate.
func RunRefresh(ctx context.Context, client *Client, format string, io IOTuple) error {
	var refresh services.RefreshResponse
	if err := client.Post(ctx, config.LicenseEndpoint+"/refresh", nil, &refresh); err != nil {
		return err
	}

	if format == "json" {
		return outputJSON(refresh, io.Writer)
	}

	_, _ = fmt.Fprintf(io.Writer, "Outcome: %s\n", refresh.Outcome)
	_, _ = fmt.Fprintf(io.Writer, "State:   %s\n", refresh.State)
	if refresh.Message != "" {
		_, _ = fmt.Fprintln(io.Writer, refresh.Message)
	}
	return nil
}
