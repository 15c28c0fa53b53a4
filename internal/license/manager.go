package license

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"tsagent/internal/config"
	apperrors "tsagent/internal/errors"
	"tsagent/internal/security"
)

// Manager validates the machine-local license artifacts. Validation reads
// manifest.json, verifies every artifact digest, opens the sealed record,
// checks its canonical checksum, and only then consults fingerprint binding
// and expiry. Routine invalidity is a verdict; only environmental I/O
// faults surface as errors.
type Manager struct {
	paths         *config.Paths
	sealKey       []byte
	requireOnline bool

	fingerprints *security.FingerprintManager
	grace        *GraceKeeper
	cache        *validationCache
	group        singleflight.Group

	// artifactMu serializes validation reads against the distributor's
	// two-file install. Each rename is atomic on its own, but the pair is
	// only consistent as a unit: a reader between the license rename and
	// the manifest rename would see a digest mismatch that is not real
	// tampering.
	artifactMu sync.RWMutex

	// OpenTelemetry metrics
	metrics *LicenseMetrics

	stateMutex    sync.RWMutex
	state         State
	lastResult    *ValidationResult
	onStateChange func(previous, current State)
}

// NewManager creates a license manager rooted at the resolved artifact
// paths.
func NewManager(cfg *config.Config, paths *config.Paths) (*Manager, error) {
	sealKey, err := config.GetDistributionKey(cfg.Licensing.ArtifactKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load distribution key: %w", err)
	}

	manager := &Manager{
		paths:         paths,
		sealKey:       sealKey,
		requireOnline: cfg.Licensing.RequireOnline,
		fingerprints:  security.NewFingerprintManager(paths.MachineSeedFile),
		grace:         NewGraceKeeper(paths),
		cache:         newValidationCache(cfg.Licensing.CacheTTL),
		state:         StateUnlicensed,
	}

	ctx := context.Background()
	manager.logInfo(ctx, "manager_initialization", "License manager initialized",
		slog.String("license_path", paths.LicenseFile),
		slog.String("manifest_path", paths.ManifestFile),
		slog.Bool("license_exists", config.FileExists(paths.LicenseFile)),
		slog.Bool("require_online", cfg.Licensing.RequireOnline),
		slog.Duration("cache_ttl", cfg.Licensing.CacheTTL),
	)

	return manager, nil
}

// SetMetrics sets the OpenTelemetry metrics for the manager.
func (m *Manager) SetMetrics(metrics *LicenseMetrics) {
	m.metrics = metrics
}

// SetStateChangeHandler registers a callback fired whenever the license
// state transitions. Used to push updates over the WebSocket hub.
func (m *Manager) SetStateChangeHandler(fn func(previous, current State)) {
	m.stateMutex.Lock()
	defer m.stateMutex.Unlock()
	m.onStateChange = fn
}

// State returns the last observed license state.
func (m *Manager) State() State {
	m.stateMutex.RLock()
	defer m.stateMutex.RUnlock()
	return m.state
}

// LastResult returns the most recent validation verdict, or nil before the
// first validation completes.
func (m *Manager) LastResult() *ValidationResult {
	m.stateMutex.RLock()
	defer m.stateMutex.RUnlock()
	if m.lastResult == nil {
		return nil
	}
	result := *m.lastResult
	return &result
}

// InvalidateCache drops the cached verdict so the next Validate re-reads
// the artifact files. Called after a refresh installs new artifacts.
func (m *Manager) InvalidateCache() {
	m.cache.Invalidate()
	m.fingerprints.ClearCache()
}

// Grace exposes the token keeper to the distributor and health checks.
func (m *Manager) Grace() *GraceKeeper {
	return m.grace
}

// GetFingerprint returns the current device fingerprint.
func (m *Manager) GetFingerprint(ctx context.Context) (*security.DeviceFingerprint, error) {
	return m.fingerprints.GetFingerprint(ctx)
}

// GetFingerprintComponents returns the individual fingerprint factors for
// diagnostics.
func (m *Manager) GetFingerprintComponents(ctx context.Context) (map[string]string, error) {
	return m.fingerprints.GetFingerprintComponents(ctx)
}

// CacheStats returns validation cache counters for health reporting.
func (m *Manager) CacheStats() map[string]interface{} {
	return m.cache.GetStats()
}

// Validate checks the installed license. Concurrent callers collapse into a
// single verification; fresh verdicts are cached for the configured TTL.
func (m *Manager) Validate(ctx context.Context) (*ValidationResult, error) {
	if result, ok := m.cache.Get(); ok {
		m.recordCacheHit(ctx, true)
		return result, nil
	}
	m.recordCacheHit(ctx, false)

	v, err, _ := m.group.Do("validate", func() (interface{}, error) {
		return m.TraceValidation(ctx, func(ctx context.Context) (*ValidationResult, error) {
			result, err := m.performValidation(ctx)
			if err != nil {
				return nil, err
			}

			m.cache.Set(result)
			m.setState(result.State)
			m.storeLastResult(result)
			return result, nil
		})
	})
	if err != nil {
		return nil, err
	}
	return v.(*ValidationResult), nil
}

// performValidation contains the actual validation pipeline. The check
// order is fixed: presence, integrity, fingerprint binding, expiry. A
// foreign fingerprint reports Revoked even when the license is also
// expired.
func (m *Manager) performValidation(ctx context.Context) (*ValidationResult, error) {
	start := time.Now()
	m.setState(StateVerifying)

	result := &ValidationResult{
		State:     StateUnlicensed,
		CheckedAt: start.UTC(),
	}

	fingerprint, err := m.fingerprints.GetFingerprint(ctx)
	if err != nil {
		return nil, fmt.Errorf("fingerprint generation failed: %w", err)
	}
	result.Degraded = fingerprint.Degraded

	// 1. Artifact presence
	if !config.FileExists(m.paths.LicenseFile) || !config.FileExists(m.paths.ManifestFile) {
		if m.grace.CheckEmergencyWindow(ctx) {
			result.State = StateValid
			result.Degraded = true
			m.logWarn(ctx, "license_validation", "Emergency window active without license artifacts",
				slog.String("license_path", m.paths.LicenseFile),
			)
			return result, nil
		}

		result.Err = apperrors.ErrNotLicensed
		m.logArtifactAction(ctx, slog.LevelWarn, "license_validation", "No license artifacts installed",
			fingerprint.Fingerprint,
			slog.Bool("license_exists", config.FileExists(m.paths.LicenseFile)),
			slog.Bool("manifest_exists", config.FileExists(m.paths.ManifestFile)),
		)
		return result, nil
	}

	// 2. Manifest and artifact integrity
	record, integrityErr, envErr := m.openVerifiedRecord(ctx)
	if envErr != nil {
		return nil, envErr
	}
	if integrityErr != nil {
		result.Err = integrityErr
		m.logArtifactAction(ctx, slog.LevelError, "license_validation", "License artifacts failed integrity verification",
			fingerprint.Fingerprint,
			slog.String("error", integrityErr.Error()),
		)
		return result, nil
	}

	// 3. Fingerprint binding, before expiry
	if !security.SecureCompare(
		[]byte(security.NormalizeFactor(record.Fingerprint)),
		[]byte(security.NormalizeFactor(fingerprint.Fingerprint)),
	) {
		result.State = StateRevoked
		result.Err = apperrors.ErrLicenseRevoked
		m.logArtifactAction(ctx, slog.LevelWarn, "license_validation", "License bound to a different machine",
			fingerprint.Fingerprint,
			slog.String("bound_fingerprint_hash", HashFingerprint(record.Fingerprint)),
		)
		return result, nil
	}

	// 4. Expiry. Perpetual records (nil expiry) never reach this branch.
	if record.Expired(start) {
		result.State = StateExpired
		result.Err = apperrors.ErrLicenseExpired
		result.Licensee = record.Licensee
		result.Product = record.Product
		result.ExpiresAt = record.ExpiresAt
		m.logArtifactAction(ctx, slog.LevelWarn, "license_validation", "License expired",
			fingerprint.Fingerprint,
			slog.Time("expired_at", *record.ExpiresAt),
		)
		return result, nil
	}

	// 5. Online enforcement: a locally valid license still needs proof of a
	// recent successful refresh when require_online is configured.
	if m.requireOnline {
		if graceErr := m.grace.VerifyValidity(ctx, fingerprint.Fingerprint); graceErr != nil {
			result.State = StateExpired
			result.Err = graceErr
			result.Licensee = record.Licensee
			result.Product = record.Product
			result.ExpiresAt = record.ExpiresAt
			m.logArtifactAction(ctx, slog.LevelWarn, "grace_enforcement", "Offline grace window closed",
				fingerprint.Fingerprint,
				slog.String("error", graceErr.Error()),
			)
			return result, nil
		}
	}

	result.State = StateValid
	result.Err = nil
	result.Licensee = record.Licensee
	result.Product = record.Product
	result.Features = append([]string(nil), record.Features...)
	result.ExpiresAt = record.ExpiresAt

	// A fully successful validation consumes any one-shot emergency token.
	if err := m.grace.ConsumeEmergencyToken(ctx); err != nil {
		m.logWarn(ctx, "grace_enforcement", "Failed to consume emergency token",
			slog.String("error", err.Error()),
		)
	}

	m.logArtifactAction(ctx, slog.LevelInfo, "license_validation", "License validated",
		fingerprint.Fingerprint,
		slog.String("licensee", record.Licensee),
		slog.Int("feature_count", len(record.Features)),
		slog.Bool("perpetual", record.ExpiresAt == nil),
		slog.Duration("duration", time.Since(start)),
	)

	return result, nil
}

// openVerifiedRecord loads the manifest, verifies every artifact digest,
// opens the sealed record, and checks its canonical checksum. It returns
// either the trusted record, a routine integrity sentinel, or an
// environmental error.
func (m *Manager) openVerifiedRecord(ctx context.Context) (*Record, error, error) {
	m.artifactMu.RLock()
	defer m.artifactMu.RUnlock()

	manifestData, err := os.ReadFile(m.paths.ManifestFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.ErrNotLicensed, nil
		}
		return nil, nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var manifest Manifest
	if err := json.Unmarshal(manifestData, &manifest); err != nil {
		return nil, fmt.Errorf("%w: manifest unreadable: %v", apperrors.ErrIntegrityFailure, err), nil
	}
	if len(manifest.Files) == 0 {
		return nil, fmt.Errorf("%w: manifest names no files", apperrors.ErrIntegrityFailure), nil
	}

	for name, digest := range manifest.Files {
		// Manifest entries resolve inside the license directory only.
		path := filepath.Join(m.paths.LicenseDir, filepath.Base(name))
		verification, err := security.VerifyFileDigest(path, digest)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("%w: manifest names missing file %s", apperrors.ErrIntegrityFailure, name), nil
			}
			return nil, fmt.Errorf("%w: artifact %s unverifiable: %v", apperrors.ErrIntegrityFailure, name, err), nil
		}
		if !verification.IsValid {
			return nil, fmt.Errorf("%w: artifact %s digest mismatch", apperrors.ErrIntegrityFailure, name), nil
		}
	}

	sealed, err := os.ReadFile(m.paths.LicenseFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.ErrNotLicensed, nil
		}
		return nil, nil, fmt.Errorf("failed to read license artifact: %w", err)
	}

	record, err := OpenRecord(sealed, m.sealKey)
	if err != nil {
		return nil, fmt.Errorf("%w: seal broken: %v", apperrors.ErrIntegrityFailure, err), nil
	}

	if !record.VerifyChecksum() {
		return nil, fmt.Errorf("%w: record checksum mismatch", apperrors.ErrIntegrityFailure), nil
	}

	return record, nil, nil
}

// GetLicenseInfo returns the sealed record when the installed artifacts
// verify. Routine invalidity surfaces as the taxonomy sentinel.
func (m *Manager) GetLicenseInfo(ctx context.Context) (*Record, error) {
	record, routineErr, envErr := m.openVerifiedRecord(ctx)
	if envErr != nil {
		return nil, envErr
	}
	if routineErr != nil {
		return nil, routineErr
	}
	return record, nil
}

// setState updates the tracked state and fires the transition callback.
func (m *Manager) setState(next State) {
	m.stateMutex.Lock()
	previous := m.state
	m.state = next
	callback := m.onStateChange
	m.stateMutex.Unlock()

	if m.metrics != nil {
		m.metrics.SetState(next)
	}

	if previous != next && callback != nil {
		callback(previous, next)
	}
}

func (m *Manager) storeLastResult(result *ValidationResult) {
	m.stateMutex.Lock()
	defer m.stateMutex.Unlock()
	stored := *result
	m.lastResult = &stored
}

// GetLicensePath returns the resolved license artifact path.
func (m *Manager) GetLicensePath() string {
	return m.paths.LicenseFile
}
