package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestGetPaths verifies path resolution from the data directory
func TestGetPaths(t *testing.T) {
	t.Run("all paths derive from data dir override", func(t *testing.T) {
		base := t.TempDir()
		t.Setenv("TSAGENT_DATA_DIR", base)

		paths, err := GetPaths()
		require.NoError(t, err)

		assert.Equal(t, base, paths.BaseDir)
		assert.Equal(t, filepath.Join(base, "license"), paths.LicenseDir)
		assert.Equal(t, filepath.Join(base, "license", "license.dat"), paths.LicenseFile)
		assert.Equal(t, filepath.Join(base, "license", "manifest.json"), paths.ManifestFile)
		assert.Equal(t, filepath.Join(base, "license", "validity.token"), paths.ValidityToken)
		assert.Equal(t, filepath.Join(base, "license", "emergency.token"), paths.EmergencyToken)
		assert.Equal(t, filepath.Join(base, "machine.seed"), paths.MachineSeedFile)
		assert.Equal(t, filepath.Join(base, "secret.key"), paths.VaultKeyFile)
		assert.Equal(t, filepath.Join(base, "credentials.json"), paths.CredentialsFile)
		assert.Equal(t, filepath.Join(base, "updates"), paths.UpdatesDir)
		assert.Equal(t, filepath.Join(base, "logs"), paths.LogsDir)
		assert.Equal(t, filepath.Join(base, "tmp"), paths.TempDir)
	})

	t.Run("falls back to user config dir", func(t *testing.T) {
		t.Setenv("TSAGENT_DATA_DIR", "")
		os.Unsetenv("TSAGENT_DATA_DIR")

		paths, err := GetPaths()
		if err != nil {
			// Some CI environments have no HOME; resolution failing there
			// is acceptable, silent wrong paths are not
			t.Logf("user config dir unavailable: %v", err)
			return
		}

		assert.True(t, filepath.IsAbs(paths.BaseDir))
		assert.Equal(t, "tsagent", filepath.Base(paths.BaseDir))
	})
}

// TestEnsureDirectories verifies directory creation and permissions
func TestEnsureDirectories(t *testing.T) {
	base := t.TempDir()
	t.Setenv("TSAGENT_DATA_DIR", filepath.Join(base, "nested", "tsagent"))

	paths, err := GetPaths()
	require.NoError(t, err)
	require.NoError(t, paths.EnsureDirectories())

	for _, dir := range []string{paths.BaseDir, paths.LicenseDir, paths.UpdatesDir, paths.LogsDir, paths.TempDir} {
		info, err := os.Stat(dir)
		require.NoError(t, err, "directory %s should exist", dir)
		assert.True(t, info.IsDir())
	}

	// Key-bearing directories must not be group or world accessible
	for _, dir := range []string{paths.BaseDir, paths.LicenseDir, paths.TempDir} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0700), info.Mode().Perm(), "directory %s should be owner-only", dir)
	}

	// Idempotent on second call
	assert.NoError(t, paths.EnsureDirectories())
}

// TestPathHelpers verifies the per-directory path builders
func TestPathHelpers(t *testing.T) {
	base := t.TempDir()
	t.Setenv("TSAGENT_DATA_DIR", base)

	paths, err := GetPaths()
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(base, "config.yaml"), paths.GetBasePath("config.yaml"))
	assert.Equal(t, filepath.Join(base, "logs", "agent.log"), paths.GetLogPath("agent.log"))
	assert.Equal(t, filepath.Join(base, "tmp", "license.dat.tmp"), paths.GetTempPath("license.dat.tmp"))
	assert.Equal(t, filepath.Join(base, "updates", "agent-v1.5.0"), paths.GetUpdatePath("agent-v1.5.0"))
}

// TestFileExists verifies existence checks distinguish files from directories
func TestFileExists(t *testing.T) {
	dir := t.TempDir()

	assert.False(t, FileExists(filepath.Join(dir, "missing.dat")))

	file := filepath.Join(dir, "present.dat")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0600))
	assert.True(t, FileExists(file))

	// Directories do not count as files
	assert.False(t, FileExists(dir))
}

// TestCleanTempDir verifies stale temp entries are removed
func TestCleanTempDir(t *testing.T) {
	base := t.TempDir()
	t.Setenv("TSAGENT_DATA_DIR", base)

	paths, err := GetPaths()
	require.NoError(t, err)

	t.Run("missing temp dir is not an error", func(t *testing.T) {
		assert.NoError(t, paths.CleanTempDir())
	})

	t.Run("removes files and subdirectories", func(t *testing.T) {
		require.NoError(t, paths.EnsureDirectories())
		require.NoError(t, os.WriteFile(paths.GetTempPath("stale.tmp"), []byte("x"), 0600))
		require.NoError(t, os.MkdirAll(filepath.Join(paths.TempDir, "partial"), 0700))

		require.NoError(t, paths.CleanTempDir())

		entries, err := os.ReadDir(paths.TempDir)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}
