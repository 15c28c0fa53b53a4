package updater

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"tsagent/internal/infrastructure"
)

// exitPollInterval is how often the installer re-checks whether the old
// agent process is still alive.
const exitPollInterval = 200 * time.Millisecond

// Finalize is the out-of-process installer step. It runs inside the
// staged binary after HandOff: wait for the old agent (waitPID) to exit,
// replace the executable at target with a copy of this binary, then
// start the replaced target. The context bounds the whole operation.
//
// The staged copy is left in place; the restarted agent cleans the
// staging directory on its next successful check. An installer cannot
// delete the binary it is running from on every platform.
func Finalize(ctx context.Context, target string, waitPID int) error {
	logger := infrastructure.LoggerWithContext(ctx)

	if target == "" {
		return fmt.Errorf("finalize target is required")
	}
	if waitPID <= 0 {
		return fmt.Errorf("finalize wait pid is required")
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to resolve staged executable: %w", err)
	}
	if sameFile(self, target) {
		return fmt.Errorf("staged binary and target are the same file: %s", target)
	}

	logger.InfoContext(ctx, "Finalizing update",
		slog.String("component", "updater"),
		slog.String("staged", self),
		slog.String("target", target),
		slog.Int("wait_pid", waitPID),
	)

	if err := waitForExit(ctx, waitPID); err != nil {
		return fmt.Errorf("old agent process did not exit: %w", err)
	}

	if err := replaceExecutable(ctx, self, target); err != nil {
		return err
	}

	cmd := exec.Command(target)
	cmd.Dir = filepath.Dir(target)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to restart agent: %w", err)
	}
	if err := cmd.Process.Release(); err != nil {
		return fmt.Errorf("failed to detach restarted agent: %w", err)
	}

	logger.InfoContext(ctx, "Update finalized",
		slog.String("component", "updater"),
		slog.String("target", target),
	)
	return nil
}

// waitForExit polls until the process is gone or the context expires.
// The old agent launched us and is already shutting down; this normally
// resolves within a second.
func waitForExit(ctx context.Context, pid int) error {
	ticker := time.NewTicker(exitPollInterval)
	defer ticker.Stop()

	for {
		if !processAlive(pid) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// processAlive reports whether pid refers to a running process. Signal 0
// probes without delivering anything; EPERM still means alive.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		// Windows: no handle means the process is gone.
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	if err == nil {
		return true
	}
	return err == syscall.EPERM
}

// replaceExecutable swaps target with a copy of src. The old binary is
// renamed aside first because a mapped executable cannot be overwritten
// in place; on failure the original is restored.
func replaceExecutable(ctx context.Context, src, target string) error {
	logger := infrastructure.LoggerWithContext(ctx)

	backup := target + ".old"
	os.Remove(backup)

	if err := os.Rename(target, backup); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to move old binary aside: %w", err)
	}

	if err := copyFile(src, target); err != nil {
		if restoreErr := os.Rename(backup, target); restoreErr != nil {
			logger.ErrorContext(ctx, "Failed to restore old binary after copy failure",
				slog.String("component", "updater"),
				slog.String("backup", backup),
				slog.String("error", restoreErr.Error()),
			)
		}
		return fmt.Errorf("failed to install new binary: %w", err)
	}

	// Best effort: the swap already succeeded.
	if err := os.Remove(backup); err != nil && !os.IsNotExist(err) {
		logger.WarnContext(ctx, "Old binary left behind",
			slog.String("component", "updater"),
			slog.String("path", backup),
		)
	}

	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}

// sameFile reports whether two paths resolve to the same file. Missing
// paths are never the same file.
func sameFile(a, b string) bool {
	ai, err := os.Stat(a)
	if err != nil {
		return false
	}
	bi, err := os.Stat(b)
	if err != nil {
		return false
	}
	return os.SameFile(ai, bi)
}
