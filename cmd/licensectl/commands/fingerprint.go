package commands

import (
	"context"
	"fmt"
	"time"

	"tsagent/internal/security"
)

// RunFingerprint computes this machine's hardware fingerprint locally,
// without talking to the agent. The same factors and normalization are
// used during license validation, so the printed digest is what an
// issued license must be bound to.
func RunFingerprint(ctx context.Context, seedPath, format string, io IOTuple) error {
	manager := security.NewFingerprintManager(seedPath)

	fp, err := manager.GetFingerprint(ctx)
	if err != nil {
		return fmt.Errorf("failed to compute fingerprint: %w", err)
	}

	if format == "json" {
		return outputJSON(fp, io.Writer)
	}

	_, _ = fmt.Fprintf(io.Writer, "Fingerprint:  %s\n", fp.Fingerprint)
	_, _ = fmt.Fprintf(io.Writer, "Hostname:     %s\n", fp.Hostname)
	_, _ = fmt.Fprintf(io.Writer, "MAC address:  %s\n", fp.MACAddress)
	_, _ = fmt.Fprintf(io.Writer, "CPU ID:       %s\n", fp.CPUID)
	_, _ = fmt.Fprintf(io.Writer, "Machine ID:   %s\n", fp.MachineID)
	_, _ = fmt.Fprintf(io.Writer, "OS/platform:  %s/%s\n", fp.OS, fp.Platform)
	if fp.Degraded {
		_, _ = fmt.Fprintln(io.Writer, "Degraded:     true (no hardware factors readable; identity comes from the persisted seed)")
	}
	_, _ = fmt.Fprintf(io.Writer, "Generated at: %s\n", fp.GeneratedAt.Format(time.RFC3339))
	return nil
}
