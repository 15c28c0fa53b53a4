package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"tsagent/internal/config"
	"tsagent/internal/license"
	"tsagent/internal/security"
)

const sourceToken = "integration-test-token"

// testPaths roots the agent data directory in a scratch directory, the
// same way a packaged install resolves it from the environment.
func testPaths(t *testing.T) *config.Paths {
	t.Helper()
	t.Setenv("TSAGENT_DATA_DIR", t.TempDir())

	paths, err := config.GetPaths()
	require.NoError(t, err)
	require.NoError(t, paths.EnsureDirectories())
	return paths
}

func newManager(t *testing.T, paths *config.Paths, mutate func(cfg *config.Config)) *license.Manager {
	t.Helper()

	cfg := config.Default()
	if mutate != nil {
		mutate(cfg)
	}

	manager, err := license.NewManager(cfg, paths)
	require.NoError(t, err)
	return manager
}

func machineFingerprint(t *testing.T, manager *license.Manager) string {
	t.Helper()
	fingerprint, err := manager.GetFingerprint(context.Background())
	require.NoError(t, err)
	return fingerprint.Fingerprint
}

func sealKey(t *testing.T) []byte {
	t.Helper()
	key, err := config.GetDistributionKey("")
	require.NoError(t, err)
	return key
}

// issueRecord builds a checksummed record the way the admin issuance tool
// does: canonical serialization hashed after every other field is set.
func issueRecord(t *testing.T, fingerprint, licensee string, expires *time.Time) *license.Record {
	t.Helper()

	record := &license.Record{
		ID:          uuid.NewString(),
		Licensee:    licensee,
		Product:     config.AppName,
		Fingerprint: fingerprint,
		IssuedAt:    time.Now().UTC().Add(-time.Hour),
		ExpiresAt:   expires,
		Features:    []string{"automation", "reports"},
	}

	sum, err := record.ComputeChecksum()
	require.NoError(t, err)
	record.Checksum = sum
	return record
}

// artifactPair is one sealed record plus its manifest, as served by the
// source or installed on disk.
type artifactPair struct {
	sealed   []byte
	manifest []byte
}

func buildArtifacts(t *testing.T, record *license.Record) artifactPair {
	t.Helper()

	sealed, err := license.SealRecord(record, sealKey(t))
	require.NoError(t, err)

	manifest := license.Manifest{
		Files:       map[string]string{config.LicenseFileName: security.DigestBytes(sealed)},
		GeneratedAt: time.Now().UTC(),
		Licensee:    record.Licensee,
	}
	manifestData, err := json.Marshal(manifest)
	require.NoError(t, err)

	return artifactPair{sealed: sealed, manifest: manifestData}
}

func installLocal(t *testing.T, paths *config.Paths, pair artifactPair) {
	t.Helper()
	require.NoError(t, os.WriteFile(paths.LicenseFile, pair.sealed, 0o600))
	require.NoError(t, os.WriteFile(paths.ManifestFile, pair.manifest, 0o600))
}

// licenseSource is a fake artifact endpoint: per-fingerprint bundles
// behind a bearer token, the same URL layout the production source uses.
type licenseSource struct {
	mu      sync.Mutex
	bundles map[string]artifactPair
	server  *httptest.Server
}

func newLicenseSource(t *testing.T) *licenseSource {
	t.Helper()

	source := &licenseSource{bundles: make(map[string]artifactPair)}
	source.server = httptest.NewServer(http.HandlerFunc(source.handle))
	t.Cleanup(source.server.Close)
	return source
}

func (s *licenseSource) URL() string {
	return s.server.URL
}

// Publish makes the pair the current bundle for the fingerprint.
func (s *licenseSource) Publish(fingerprint string, pair artifactPair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bundles[fingerprint] = pair
}

func (s *licenseSource) handle(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer "+sourceToken {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	s.mu.Lock()
	pair, ok := s.bundles[parts[0]]
	s.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch parts[1] {
	case config.ManifestFileName:
		w.Write(pair.manifest)
	case config.LicenseFileName:
		w.Write(pair.sealed)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newDistributor(t *testing.T, source *licenseSource, paths *config.Paths, manager *license.Manager) *license.Distributor {
	t.Helper()

	cfg := config.Default()
	cfg.Licensing.SourceURL = source.URL()
	cfg.Licensing.SourceToken = sourceToken

	distributor, err := license.NewDistributor(cfg.Licensing, paths, manager)
	require.NoError(t, err)
	return distributor
}
