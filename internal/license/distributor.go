package license

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"tsagent/internal/config"
	apperrors "tsagent/internal/errors"
	"tsagent/internal/infrastructure"
	"tsagent/internal/security"
)

// Artifact size caps. The source serves small JSON and a sealed record;
// anything larger is refused before it touches disk.
const (
	maxManifestBytes = 1 << 20
	maxLicenseBytes  = 4 << 20
)

// Distributor fetches per-fingerprint license artifacts from the
// authenticated HTTPS source and installs them atomically. Local artifacts
// are never touched until every downloaded byte has verified.
type Distributor struct {
	baseURL string
	token   string
	client  *http.Client
	paths   *config.Paths
	manager *Manager
	metrics *LicenseMetrics
}

// NewDistributor creates a distributor for the configured license source.
// The HTTP client enforces certificate pins when the operator configured
// any.
func NewDistributor(cfg config.LicensingConfig, paths *config.Paths, manager *Manager) (*Distributor, error) {
	if cfg.SourceURL == "" {
		return nil, fmt.Errorf("license source URL is not configured")
	}

	pinningCfg := security.DefaultPinningConfig()
	pinningCfg.ConnTimeout = config.ArtifactFetchTimeout
	if len(cfg.PinnedCerts) > 0 {
		pinningCfg.PinnedCerts = cfg.PinnedCerts
	}
	pinner := security.NewCertificatePinner(pinningCfg)

	return &Distributor{
		baseURL: strings.TrimRight(cfg.SourceURL, "/"),
		token:   cfg.SourceToken,
		client:  pinner.CreateSecureHTTPClient(pinningCfg),
		paths:   paths,
		manager: manager,
	}, nil
}

// SetMetrics sets the OpenTelemetry metrics for the distributor.
func (d *Distributor) SetMetrics(metrics *LicenseMetrics) {
	d.metrics = metrics
}

// Refresh fetches both artifacts for this machine's fingerprint, verifies
// them, and installs them atomically. The outcome is a verdict; only
// environmental faults (cancellation, local write errors) return an error.
func (d *Distributor) Refresh(ctx context.Context) (*RefreshResult, error) {
	return d.TraceRefresh(ctx, d.performRefresh)
}

func (d *Distributor) performRefresh(ctx context.Context) (*RefreshResult, error) {
	start := time.Now()
	logger := infrastructure.LoggerWithContext(ctx)

	result := &RefreshResult{CheckedAt: start.UTC()}

	fingerprint, err := d.manager.GetFingerprint(ctx)
	if err != nil {
		return nil, fmt.Errorf("fingerprint generation failed: %w", err)
	}

	manifestURL := fmt.Sprintf("%s/%s/%s", d.baseURL, fingerprint.Fingerprint, config.ManifestFileName)
	licenseURL := fmt.Sprintf("%s/%s/%s", d.baseURL, fingerprint.Fingerprint, config.LicenseFileName)

	// Both artifacts are fetched all-or-nothing into memory.
	var manifestData, licenseData []byte
	group, fetchCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var fetchErr error
		manifestData, fetchErr = d.fetchArtifact(fetchCtx, manifestURL, maxManifestBytes)
		return fetchErr
	})
	group.Go(func() error {
		var fetchErr error
		licenseData, fetchErr = d.fetchArtifact(fetchCtx, licenseURL, maxLicenseBytes)
		return fetchErr
	})

	if err := group.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		switch {
		case errors.Is(err, apperrors.ErrRefreshRejected):
			result.Outcome = RefreshRejected
			result.Err = err
		case errors.Is(err, apperrors.ErrNetworkUnavailable):
			result.Outcome = RefreshUnreachable
			result.Err = err
		default:
			result.Outcome = RefreshUnreachable
			result.Err = fmt.Errorf("%w: %v", apperrors.ErrNetworkUnavailable, err)
		}

		logger.Warn("License refresh did not complete",
			slog.String("component", "distributor"),
			slog.String("outcome", result.Outcome.String()),
			slog.String("error", result.Err.Error()),
		)
		return result, nil
	}

	// Verify every downloaded byte before anything is written.
	if rejectErr := d.verifyDownload(manifestData, licenseData); rejectErr != nil {
		result.Outcome = RefreshRejected
		result.Err = rejectErr
		logger.Error("License refresh rejected, local artifacts untouched",
			slog.String("component", "distributor"),
			slog.String("error", rejectErr.Error()),
		)
		return result, nil
	}

	// Same artifact already installed: no write, but the source answered
	// authoritatively, so the validity stamp is renewed.
	if identical, err := d.sameAsInstalled(licenseData); err != nil {
		return nil, err
	} else if identical {
		result.Outcome = RefreshUpToDate
		d.stampValidity(ctx, fingerprint.Fingerprint)
		logger.Info("License artifacts already up to date",
			slog.String("component", "distributor"),
			slog.Duration("duration", time.Since(start)),
		)
		return result, nil
	}

	// Install: sealed record first, manifest last, with the manager's
	// artifact lock held across both renames so a concurrent validator
	// observes either the old pair or the new pair, never a torn mix.
	d.manager.artifactMu.Lock()
	err = atomicWriteFile(d.paths.LicenseFile, licenseData, config.SecretFileMode)
	if err == nil {
		err = atomicWriteFile(d.paths.ManifestFile, manifestData, config.SecretFileMode)
	}
	d.manager.artifactMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to install license artifacts: %w", err)
	}

	d.manager.InvalidateCache()
	d.stampValidity(ctx, fingerprint.Fingerprint)

	result.Outcome = RefreshUpdated
	logger.Info("License artifacts updated",
		slog.String("component", "distributor"),
		slog.String("license_path", d.paths.LicenseFile),
		slog.Int("license_bytes", len(licenseData)),
		slog.Duration("duration", time.Since(start)),
	)
	return result, nil
}

// fetchArtifact downloads one artifact into memory with a size cap.
// Transport faults map to ErrNetworkUnavailable, authoritative refusals
// (401/403/404) and oversized bodies to ErrRefreshRejected.
func (d *Distributor) fetchArtifact(ctx context.Context, url string, maxBytes int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build artifact request: %w", err)
	}
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}
	req.Header.Set("User-Agent", config.AppName+"/"+config.AppVersion)
	req.Header.Set("Accept", "application/octet-stream, application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNetworkUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to the body read
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: source returned %d", apperrors.ErrRefreshRejected, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: source returned %d", apperrors.ErrNetworkUnavailable, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: reading artifact body: %v", apperrors.ErrNetworkUnavailable, err)
	}
	if int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("%w: artifact exceeds %d byte cap", apperrors.ErrRefreshRejected, maxBytes)
	}
	return data, nil
}

// verifyDownload checks the fetched pair end to end: manifest parses, every
// named file is accounted for, the license digest matches, and the sealed
// record opens with our key and carries a valid checksum. Returns a
// rejection sentinel on any failure.
func (d *Distributor) verifyDownload(manifestData, licenseData []byte) error {
	var manifest Manifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return fmt.Errorf("%w: manifest unparseable: %v", apperrors.ErrRefreshRejected, err)
	}
	if len(manifest.Files) == 0 {
		return fmt.Errorf("%w: manifest names no files", apperrors.ErrRefreshRejected)
	}

	verifiedLicense := false
	for name, digest := range manifest.Files {
		switch filepath.Base(name) {
		case config.LicenseFileName:
			if !security.VerifyBytesDigest(licenseData, digest) {
				return fmt.Errorf("%w: %s digest mismatch", apperrors.ErrRefreshRejected, config.LicenseFileName)
			}
			verifiedLicense = true
		default:
			// A manifest naming artifacts we did not fetch cannot be
			// verified before writing, so the whole refresh is refused.
			return fmt.Errorf("%w: manifest names unknown artifact %q", apperrors.ErrRefreshRejected, name)
		}
	}
	if !verifiedLicense {
		return fmt.Errorf("%w: manifest does not cover %s", apperrors.ErrRefreshRejected, config.LicenseFileName)
	}

	record, err := OpenRecord(licenseData, d.manager.sealKey)
	if err != nil {
		return fmt.Errorf("%w: sealed record does not open: %v", apperrors.ErrRefreshRejected, err)
	}
	if !record.VerifyChecksum() {
		return fmt.Errorf("%w: record checksum mismatch", apperrors.ErrRefreshRejected)
	}

	return nil
}

// sameAsInstalled reports whether the downloaded sealed record is
// byte-identical to the installed one.
func (d *Distributor) sameAsInstalled(licenseData []byte) (bool, error) {
	currentDigest, _, err := security.FileDigest(d.paths.LicenseFile)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to hash installed artifact: %w", err)
	}
	return security.SecureCompare(
		[]byte(currentDigest),
		[]byte(security.DigestBytes(licenseData)),
	), nil
}

// stampValidity renews the offline grace window after a successful
// authoritative answer from the source.
func (d *Distributor) stampValidity(ctx context.Context, fingerprint string) {
	if err := d.manager.Grace().StampValidity(ctx, fingerprint); err != nil {
		infrastructure.LoggerWithContext(ctx).Warn("Failed to stamp validity token",
			slog.String("component", "distributor"),
			slog.String("error", err.Error()),
		)
	}
}

// Ping checks that the license source answers at all. Used by health
// checks; any response, including an auth refusal, proves reachability.
func (d *Distributor) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, d.baseURL+"/", nil)
	if err != nil {
		return fmt.Errorf("failed to build ping request: %w", err)
	}
	if d.token != "" {
		req.Header.Set("Authorization", "Bearer "+d.token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrNetworkUnavailable, err)
	}
	resp.Body.Close()
	return nil
}

// atomicWriteFile writes via a temp file in the destination directory,
// fsyncs, then renames into place. Temp files are removed on every exit
// path.
func atomicWriteFile(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, config.SecretDirMode); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".artifact-*")
	if err != nil {
		return fmt.Errorf("failed to create temp artifact: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp artifact: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to set artifact permissions: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp artifact: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to install artifact: %w", err)
	}
	return nil
}
