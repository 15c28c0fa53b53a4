// Package updater checks a release endpoint for newer agent builds,
// stages verified binaries into the update directory and hands the
// actual swap to an out-of-process installer step. The agent never
// overwrites its own executable while running.
package updater

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/go-playground/validator/v10"
	cose "github.com/veraison/go-cose"
	"golang.org/x/mod/semver"

	"tsagent/internal/config"
	apperrors "tsagent/internal/errors"
	"tsagent/internal/infrastructure"
	"tsagent/internal/license"
)

// maxUpdateManifestBytes caps the manifest download. Release manifests are
// a few hundred bytes of JSON (or a COSE envelope around it).
const maxUpdateManifestBytes = 1 << 20

// UpdateManifest describes a published agent release.
type UpdateManifest struct {
	Version     string    `json:"version" validate:"required,semver"`
	URL         string    `json:"url" validate:"required,url"`
	SHA256      string    `json:"sha256" validate:"required,len=64,hexadecimal"`
	Notes       string    `json:"notes,omitempty"`
	PublishedAt time.Time `json:"published_at"`
}

// StagedUpdate points at a downloaded and digest-verified binary waiting
// in the staging directory.
type StagedUpdate struct {
	Version  string    `json:"version"`
	Path     string    `json:"path"`
	SHA256   string    `json:"sha256"`
	Size     int64     `json:"size"`
	StagedAt time.Time `json:"staged_at"`
}

// Updater fetches release manifests, compares versions and stages
// verified binaries.
type Updater struct {
	cfg            config.UpdateConfig
	paths          *config.Paths
	client         *http.Client
	validate       *validator.Validate
	currentVersion string

	// verifyKey is nil when no verification key is configured, in which
	// case plain JSON manifests are accepted.
	verifyKey *cose.Key

	metrics *license.LicenseMetrics
}

// NewUpdater creates an updater for the configured manifest endpoint. When
// cfg.VerifyKey is set it must be the hex encoding of a CBOR COSE public
// key; the endpoint must then serve COSE_Sign1 envelopes.
func NewUpdater(cfg config.UpdateConfig, paths *config.Paths) (*Updater, error) {
	if cfg.ManifestURL == "" {
		return nil, fmt.Errorf("update manifest URL is required")
	}
	if paths == nil {
		return nil, fmt.Errorf("paths are required")
	}

	u := &Updater{
		cfg:   cfg,
		paths: paths,
		client: &http.Client{
			Timeout: 5 * time.Minute,
		},
		validate:       newManifestValidator(),
		currentVersion: normalizeVersion(config.AppVersion),
	}

	if cfg.VerifyKey != "" {
		keyBytes, err := hex.DecodeString(cfg.VerifyKey)
		if err != nil {
			return nil, fmt.Errorf("update verify key is not valid hex: %w", err)
		}
		var key cose.Key
		if err := cbor.Unmarshal(keyBytes, &key); err != nil {
			return nil, fmt.Errorf("update verify key is not a valid COSE key: %w", err)
		}
		u.verifyKey = &key
	}

	return u, nil
}

// SetMetrics attaches the shared metric set. Safe to skip in tests.
func (u *Updater) SetMetrics(metrics *license.LicenseMetrics) {
	u.metrics = metrics
}

func newManifestValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("semver", func(fl validator.FieldLevel) bool {
		return semver.IsValid(normalizeVersion(fl.Field().String()))
	})
	return v
}

// normalizeVersion gives versions the "v" prefix golang.org/x/mod/semver
// expects. Release pipelines publish both "1.5.0" and "v1.5.0" styles.
func normalizeVersion(version string) string {
	version = strings.TrimSpace(version)
	if version == "" {
		return version
	}
	if !strings.HasPrefix(version, "v") {
		version = "v" + version
	}
	return version
}

// Check fetches the release manifest and compares it against the running
// build. Returns (nil, nil) when the agent is already current.
func (u *Updater) Check(ctx context.Context) (*UpdateManifest, error) {
	logger := infrastructure.LoggerWithContext(ctx)

	manifest, err := u.fetchManifest(ctx)
	if err != nil {
		u.metrics.RecordUpdateCheck(ctx, "check_failed")
		return nil, err
	}

	remote := normalizeVersion(manifest.Version)
	if semver.Compare(remote, u.currentVersion) <= 0 {
		u.metrics.RecordUpdateCheck(ctx, "up_to_date")
		logger.DebugContext(ctx, "Agent build is current",
			slog.String("component", "updater"),
			slog.String("current", u.currentVersion),
			slog.String("published", remote),
		)
		return nil, nil
	}

	u.metrics.RecordUpdateCheck(ctx, "update_available")
	logger.InfoContext(ctx, "Update available",
		slog.String("component", "updater"),
		slog.String("current", u.currentVersion),
		slog.String("available", remote),
	)
	return manifest, nil
}

func (u *Updater) fetchManifest(ctx context.Context) (*UpdateManifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.cfg.ManifestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build manifest request: %w", err)
	}
	req.Header.Set("User-Agent", config.AppName+"/"+config.AppVersion)
	req.Header.Set("Accept", "application/json, application/cose")

	resp, err := u.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: update source returned %d", apperrors.ErrNetworkUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUpdateManifestBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading manifest body: %v", apperrors.ErrNetworkUnavailable, err)
	}
	if int64(len(body)) > maxUpdateManifestBytes {
		return nil, fmt.Errorf("update manifest exceeds %d byte cap", maxUpdateManifestBytes)
	}

	payload := body
	if u.verifyKey != nil {
		payload, err = u.openSignedManifest(body)
		if err != nil {
			return nil, err
		}
	}

	var manifest UpdateManifest
	if err := json.Unmarshal(payload, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse update manifest: %w", err)
	}
	if err := u.validate.Struct(&manifest); err != nil {
		return nil, fmt.Errorf("invalid update manifest: %w", err)
	}
	return &manifest, nil
}

// openSignedManifest verifies a COSE_Sign1 envelope and returns its
// payload. Anything short of a valid signature from the configured key is
// a verification failure; unsigned manifests are not accepted once a key
// is configured.
func (u *Updater) openSignedManifest(raw []byte) ([]byte, error) {
	verifier, err := u.verifyKey.Verifier()
	if err != nil {
		return nil, fmt.Errorf("failed to construct manifest verifier: %w", err)
	}

	var msg cose.Sign1Message
	if err := msg.UnmarshalCBOR(raw); err != nil {
		return nil, fmt.Errorf("%w: manifest is not a COSE_Sign1 envelope", apperrors.ErrUpdateVerificationFailed)
	}
	if err := msg.Verify(nil, verifier); err != nil {
		return nil, fmt.Errorf("%w: manifest signature rejected", apperrors.ErrUpdateVerificationFailed)
	}
	return msg.Payload, nil
}

// Apply downloads the release binary, verifies its digest while streaming
// to a temp file and moves it to its staging name. Nothing is staged on
// any failure path.
func (u *Updater) Apply(ctx context.Context, manifest *UpdateManifest) (*StagedUpdate, error) {
	logger := infrastructure.LoggerWithContext(ctx)

	if manifest == nil {
		return nil, fmt.Errorf("update manifest is required")
	}
	if err := u.validate.Struct(manifest); err != nil {
		return nil, fmt.Errorf("invalid update manifest: %w", err)
	}
	version := normalizeVersion(manifest.Version)

	if err := os.MkdirAll(u.paths.UpdatesDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifest.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build download request: %w", err)
	}
	req.Header.Set("User-Agent", config.AppName+"/"+config.AppVersion)

	resp, err := u.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: download returned %d", apperrors.ErrNetworkUnavailable, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(u.paths.UpdatesDir, ".download-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging temp file: %w", err)
	}
	discard := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}

	hasher := sha256.New()
	written, err := io.Copy(tmp, io.TeeReader(resp.Body, hasher))
	if err != nil {
		discard()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: downloading update binary: %v", apperrors.ErrNetworkUnavailable, err)
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	if !strings.EqualFold(digest, manifest.SHA256) {
		discard()
		logger.WarnContext(ctx, "Update binary digest mismatch",
			slog.String("component", "updater"),
			slog.String("version", version),
			slog.String("expected", manifest.SHA256),
			slog.String("actual", digest),
		)
		return nil, fmt.Errorf("%w: binary digest mismatch", apperrors.ErrUpdateVerificationFailed)
	}

	if err := tmp.Sync(); err != nil {
		discard()
		return nil, fmt.Errorf("failed to flush staged binary: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to close staged binary: %w", err)
	}

	stagedPath := u.paths.GetUpdatePath(stagedBinaryName(version))
	if err := os.Rename(tmp.Name(), stagedPath); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to stage update binary: %w", err)
	}
	if err := os.Chmod(stagedPath, 0o755); err != nil {
		os.Remove(stagedPath)
		return nil, fmt.Errorf("failed to mark staged binary executable: %w", err)
	}

	logger.InfoContext(ctx, "Update staged",
		slog.String("component", "updater"),
		slog.String("version", version),
		slog.String("path", stagedPath),
		slog.Int64("size", written),
	)

	return &StagedUpdate{
		Version:  version,
		Path:     stagedPath,
		SHA256:   digest,
		Size:     written,
		StagedAt: time.Now().UTC(),
	}, nil
}

func stagedBinaryName(version string) string {
	name := "agent-" + version
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return name
}

// HandOff launches the staged binary in finalize mode and returns. The
// child waits for this process to exit, swaps the executable in place and
// restarts the agent; the running process never overwrites itself.
func (u *Updater) HandOff(staged *StagedUpdate) error {
	if staged == nil {
		return fmt.Errorf("staged update is required")
	}

	target, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to resolve current executable: %w", err)
	}

	cmd := exec.Command(staged.Path,
		"finalize-update",
		"--target", target,
		"--wait-pid", strconv.Itoa(os.Getpid()),
	)
	cmd.Dir = filepath.Dir(staged.Path)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to launch staged installer: %w", err)
	}

	// The installer outlives this process.
	return cmd.Process.Release()
}

// AutoUpdateChecker polls for updates in the background. Stop blocks until
// the loop has exited.
type AutoUpdateChecker struct {
	updater  *Updater
	interval time.Duration
	notify   func(manifest *UpdateManifest)

	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewAutoUpdateChecker creates a checker. The notify hook may be nil; it
// is invoked from the checker goroutine when a newer build is published.
func NewAutoUpdateChecker(updater *Updater, interval time.Duration, notify func(manifest *UpdateManifest)) *AutoUpdateChecker {
	return &AutoUpdateChecker{
		updater:  updater,
		interval: interval,
		notify:   notify,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Start launches the polling loop. The context bounds each individual
// check, not the loop itself; use Stop to end the loop.
func (c *AutoUpdateChecker) Start(ctx context.Context) {
	go c.run(ctx)
}

// Stop ends the loop and waits for the goroutine to exit.
func (c *AutoUpdateChecker) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopChan)
	})
	<-c.doneChan
}

func (c *AutoUpdateChecker) run(ctx context.Context) {
	defer close(c.doneChan)

	logger := infrastructure.LoggerWithContext(ctx)
	logger.Info("Update checker started",
		slog.String("component", "update_checker"),
		slog.Duration("interval", c.interval),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.runCycle(ctx)
		case <-c.stopChan:
			logger.Info("Update checker stopped",
				slog.String("component", "update_checker"),
			)
			return
		case <-ctx.Done():
			logger.Info("Update checker context cancelled",
				slog.String("component", "update_checker"),
			)
			return
		}
	}
}

// RunCycle performs one update check immediately. Exposed so the control
// API can trigger the same path the timer uses.
func (c *AutoUpdateChecker) RunCycle(ctx context.Context) {
	c.runCycle(ctx)
}

func (c *AutoUpdateChecker) runCycle(ctx context.Context) {
	logger := infrastructure.LoggerWithContext(ctx)

	checkCtx := infrastructure.EnsureTraceID(ctx)

	manifest, err := c.updater.Check(checkCtx)
	if err != nil {
		logger.Warn("Scheduled update check failed",
			slog.String("component", "update_checker"),
			slog.String("error", err.Error()),
		)
		return
	}
	if manifest == nil {
		return
	}

	if c.notify != nil {
		c.notify(manifest)
	}
}
