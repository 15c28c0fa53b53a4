package license

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tsagent/internal/config"
	apperrors "tsagent/internal/errors"
	"tsagent/internal/security"
)

// testPaths roots the agent data directory in a scratch directory.
func testPaths(t *testing.T) *config.Paths {
	t.Helper()
	t.Setenv("TSAGENT_DATA_DIR", t.TempDir())

	paths, err := config.GetPaths()
	require.NoError(t, err)
	require.NoError(t, paths.EnsureDirectories())
	return paths
}

func testManager(t *testing.T, paths *config.Paths, mutate func(cfg *config.Config)) *Manager {
	t.Helper()

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}

	manager, err := NewManager(cfg, paths)
	require.NoError(t, err)
	return manager
}

func testSealKey(t *testing.T) []byte {
	t.Helper()
	key, err := config.GetDistributionKey("")
	require.NoError(t, err)
	return key
}

func currentFingerprint(t *testing.T, manager *Manager) string {
	t.Helper()
	fingerprint, err := manager.GetFingerprint(context.Background())
	require.NoError(t, err)
	return fingerprint.Fingerprint
}

// newTestRecord builds a checksummed record bound to the given fingerprint.
func newTestRecord(t *testing.T, fingerprint string, expires *time.Time) *Record {
	t.Helper()

	record := &Record{
		ID:          uuid.NewString(),
		Licensee:    "Aurora Capital Partners",
		Product:     config.AppName,
		Fingerprint: fingerprint,
		IssuedAt:    time.Now().UTC().Add(-24 * time.Hour),
		ExpiresAt:   expires,
		Features:    []string{"realtime", "export"},
	}

	sum, err := record.ComputeChecksum()
	require.NoError(t, err)
	record.Checksum = sum
	return record
}

// installArtifacts seals the record and writes a matching manifest, the same
// layout a successful refresh produces.
func installArtifacts(t *testing.T, paths *config.Paths, record *Record) []byte {
	t.Helper()

	sealed, err := SealRecord(record, testSealKey(t))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(paths.LicenseFile, sealed, 0o600))

	manifest := Manifest{
		Files:       map[string]string{config.LicenseFileName: security.DigestBytes(sealed)},
		GeneratedAt: time.Now().UTC(),
		Licensee:    record.Licensee,
	}
	manifestData, err := json.Marshal(manifest)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(paths.ManifestFile, manifestData, 0o600))

	return sealed
}

func TestValidateNoArtifacts(t *testing.T) {
	paths := testPaths(t)
	manager := testManager(t, paths, nil)

	result, err := manager.Validate(context.Background())
	require.NoError(t, err, "missing artifacts are a verdict, not an error")

	assert.Equal(t, StateUnlicensed, result.State)
	assert.ErrorIs(t, result.Err, apperrors.ErrNotLicensed)
	assert.Equal(t, StateUnlicensed, manager.State())
}

func TestValidateHappyPath(t *testing.T) {
	paths := testPaths(t)
	manager := testManager(t, paths, nil)

	expires := time.Now().UTC().Add(90 * 24 * time.Hour)
	record := newTestRecord(t, currentFingerprint(t, manager), &expires)
	installArtifacts(t, paths, record)

	result, err := manager.Validate(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateValid, result.State)
	assert.NoError(t, result.Err)
	assert.Equal(t, record.Licensee, result.Licensee)
	assert.Equal(t, record.Product, result.Product)
	assert.Equal(t, record.Features, result.Features)
	require.NotNil(t, result.ExpiresAt)
	assert.True(t, expires.Equal(*result.ExpiresAt))
	assert.Equal(t, StateValid, manager.State())

	last := manager.LastResult()
	require.NotNil(t, last)
	assert.Equal(t, StateValid, last.State)
}

func TestValidatePerpetualRecord(t *testing.T) {
	paths := testPaths(t)
	manager := testManager(t, paths, nil)

	record := newTestRecord(t, currentFingerprint(t, manager), nil)
	installArtifacts(t, paths, record)

	result, err := manager.Validate(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateValid, result.State)
	assert.Nil(t, result.ExpiresAt)
}

func TestValidateExpired(t *testing.T) {
	paths := testPaths(t)
	manager := testManager(t, paths, nil)

	expired := time.Now().UTC().Add(-time.Hour)
	record := newTestRecord(t, currentFingerprint(t, manager), &expired)
	installArtifacts(t, paths, record)

	result, err := manager.Validate(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateExpired, result.State)
	assert.ErrorIs(t, result.Err, apperrors.ErrLicenseExpired)
	assert.Equal(t, record.Licensee, result.Licensee, "expired verdict still identifies the licensee")
	assert.Equal(t, StateExpired, manager.State())
}

func TestValidateForeignFingerprint(t *testing.T) {
	tests := []struct {
		name    string
		expires func() *time.Time
	}{
		{
			name:    "unexpired license",
			expires: func() *time.Time { e := time.Now().UTC().Add(time.Hour); return &e },
		},
		{
			// Binding is checked before expiry, so a foreign license
			// reports revoked even when it is also expired.
			name:    "expired license",
			expires: func() *time.Time { e := time.Now().UTC().Add(-time.Hour); return &e },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			paths := testPaths(t)
			manager := testManager(t, paths, nil)

			record := newTestRecord(t, "11:22:33:44:55:66|foreign|machine", tt.expires())
			installArtifacts(t, paths, record)

			result, err := manager.Validate(context.Background())
			require.NoError(t, err)

			assert.Equal(t, StateRevoked, result.State)
			assert.ErrorIs(t, result.Err, apperrors.ErrLicenseRevoked)
		})
	}
}

func TestValidateTamperedArtifacts(t *testing.T) {
	t.Run("sealed record modified after manifest", func(t *testing.T) {
		paths := testPaths(t)
		manager := testManager(t, paths, nil)

		record := newTestRecord(t, currentFingerprint(t, manager), nil)
		sealed := installArtifacts(t, paths, record)

		tampered := append([]byte(nil), sealed...)
		tampered[len(tampered)-1] ^= 0x01
		require.NoError(t, os.WriteFile(paths.LicenseFile, tampered, 0o600))

		result, err := manager.Validate(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StateUnlicensed, result.State)
		assert.ErrorIs(t, result.Err, apperrors.ErrIntegrityFailure)
	})

	t.Run("manifest digest matches but seal is garbage", func(t *testing.T) {
		paths := testPaths(t)
		manager := testManager(t, paths, nil)

		garbage := []byte("this is not a sealed record at all, but it is long enough")
		require.NoError(t, os.WriteFile(paths.LicenseFile, garbage, 0o600))

		manifest := Manifest{
			Files:       map[string]string{config.LicenseFileName: security.DigestBytes(garbage)},
			GeneratedAt: time.Now().UTC(),
		}
		manifestData, err := json.Marshal(manifest)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(paths.ManifestFile, manifestData, 0o600))

		result, err := manager.Validate(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StateUnlicensed, result.State)
		assert.ErrorIs(t, result.Err, apperrors.ErrIntegrityFailure)
	})

	t.Run("manifest names a missing file", func(t *testing.T) {
		paths := testPaths(t)
		manager := testManager(t, paths, nil)

		record := newTestRecord(t, currentFingerprint(t, manager), nil)
		installArtifacts(t, paths, record)

		var manifest Manifest
		manifestData, err := os.ReadFile(paths.ManifestFile)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(manifestData, &manifest))
		manifest.Files["extra.bin"] = security.DigestBytes([]byte("never written"))
		manifestData, err = json.Marshal(manifest)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(paths.ManifestFile, manifestData, 0o600))

		result, err := manager.Validate(context.Background())
		require.NoError(t, err)
		assert.ErrorIs(t, result.Err, apperrors.ErrIntegrityFailure)
	})

	t.Run("manifest unparseable", func(t *testing.T) {
		paths := testPaths(t)
		manager := testManager(t, paths, nil)

		record := newTestRecord(t, currentFingerprint(t, manager), nil)
		installArtifacts(t, paths, record)
		require.NoError(t, os.WriteFile(paths.ManifestFile, []byte("{broken"), 0o600))

		result, err := manager.Validate(context.Background())
		require.NoError(t, err)
		assert.ErrorIs(t, result.Err, apperrors.ErrIntegrityFailure)
	})
}

func TestValidateChecksumMismatch(t *testing.T) {
	paths := testPaths(t)
	manager := testManager(t, paths, nil)

	// Seal verifies, checksum does not: the record was reissued without
	// recomputing its canonical hash.
	record := newTestRecord(t, currentFingerprint(t, manager), nil)
	record.Licensee = "Mutated After Checksum"
	installArtifacts(t, paths, record)

	result, err := manager.Validate(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateUnlicensed, result.State)
	assert.ErrorIs(t, result.Err, apperrors.ErrIntegrityFailure)
}

func TestValidateServesCachedVerdict(t *testing.T) {
	paths := testPaths(t)
	manager := testManager(t, paths, nil)

	record := newTestRecord(t, currentFingerprint(t, manager), nil)
	installArtifacts(t, paths, record)

	first, err := manager.Validate(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateValid, first.State)

	// Removing the artifacts does not change the verdict until the cache
	// is invalidated.
	require.NoError(t, os.Remove(paths.LicenseFile))
	require.NoError(t, os.Remove(paths.ManifestFile))

	cached, err := manager.Validate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateValid, cached.State)

	manager.InvalidateCache()

	fresh, err := manager.Validate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateUnlicensed, fresh.State)

	stats := manager.CacheStats()
	assert.Equal(t, int64(1), stats["hit_count"])
}

func TestValidateRequireOnline(t *testing.T) {
	paths := testPaths(t)
	manager := testManager(t, paths, func(cfg *config.Config) {
		cfg.Licensing.RequireOnline = true
	})

	fingerprint := currentFingerprint(t, manager)
	record := newTestRecord(t, fingerprint, nil)
	installArtifacts(t, paths, record)

	// Locally valid, but no refresh has ever succeeded
	result, err := manager.Validate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateExpired, result.State)
	assert.ErrorIs(t, result.Err, apperrors.ErrGraceExpired)

	// A stamped validity token opens the gate
	require.NoError(t, manager.Grace().StampValidity(context.Background(), fingerprint))
	manager.InvalidateCache()

	result, err = manager.Validate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateValid, result.State)
}

func TestValidateEmergencyWindow(t *testing.T) {
	paths := testPaths(t)
	manager := testManager(t, paths, nil)
	ctx := context.Background()

	require.NoError(t, manager.Grace().IssueEmergencyToken(ctx))

	// No artifacts installed, but the emergency token bridges first run
	result, err := manager.Validate(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateValid, result.State)
	assert.True(t, result.Degraded)
	assert.Empty(t, result.Features, "emergency window grants no features")
	assert.True(t, config.FileExists(paths.EmergencyToken), "bridging alone does not consume the token")

	// The first fully successful validation consumes it
	record := newTestRecord(t, currentFingerprint(t, manager), nil)
	installArtifacts(t, paths, record)
	manager.InvalidateCache()

	result, err = manager.Validate(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateValid, result.State)
	assert.False(t, config.FileExists(paths.EmergencyToken))
	assert.False(t, manager.Grace().CheckEmergencyWindow(ctx))
}

func TestGetLicenseInfo(t *testing.T) {
	paths := testPaths(t)
	manager := testManager(t, paths, nil)

	_, err := manager.GetLicenseInfo(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrNotLicensed)

	record := newTestRecord(t, currentFingerprint(t, manager), nil)
	installArtifacts(t, paths, record)

	info, err := manager.GetLicenseInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, record.ID, info.ID)
	assert.Equal(t, record.Licensee, info.Licensee)
	assert.Equal(t, record.Features, info.Features)
}

func TestStateChangeHandler(t *testing.T) {
	paths := testPaths(t)
	manager := testManager(t, paths, nil)

	record := newTestRecord(t, currentFingerprint(t, manager), nil)
	installArtifacts(t, paths, record)

	var mu sync.Mutex
	var transitions [][2]State
	manager.SetStateChangeHandler(func(previous, current State) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, [2]State{previous, current})
	})

	_, err := manager.Validate(context.Background())
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, transitions)
	final := transitions[len(transitions)-1]
	assert.Equal(t, StateVerifying, final[0])
	assert.Equal(t, StateValid, final[1])
}

func TestValidateConcurrent(t *testing.T) {
	paths := testPaths(t)
	manager := testManager(t, paths, nil)

	record := newTestRecord(t, currentFingerprint(t, manager), nil)
	installArtifacts(t, paths, record)

	const workers = 8
	var wg sync.WaitGroup
	results := make([]*ValidationResult, workers)
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], errs[idx] = manager.Validate(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		require.NotNil(t, results[i])
		assert.Equal(t, StateValid, results[i].State)
	}
}

func TestGetFingerprintComponents(t *testing.T) {
	paths := testPaths(t)
	manager := testManager(t, paths, nil)

	components, err := manager.GetFingerprintComponents(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, components)
}
