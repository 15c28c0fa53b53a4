package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Paths provides the canonical location of every artifact the agent
// persists. Everything lives under a per-user application-data directory
// so that licenses, vault keys and grace tokens survive reinstallation.
type Paths struct {
	// BaseDir is the per-user data directory (e.g. ~/.config/tsagent)
	BaseDir string

	// License artifacts
	LicenseDir      string // base/license
	LicenseFile     string // base/license/license.dat
	ManifestFile    string // base/license/manifest.json
	ValidityToken   string // base/license/validity.token
	EmergencyToken  string // base/license/emergency.token
	MachineSeedFile string // base/machine.seed

	// Credential vault
	VaultKeyFile    string // base/secret.key
	CredentialsFile string // base/credentials.json

	// Self-update staging
	UpdatesDir string // base/updates

	// Operational directories
	LogsDir string // base/logs
	TempDir string // base/tmp
}

// GetPaths resolves the per-user data directory and derives all artifact
// paths from it. TSAGENT_DATA_DIR overrides the root, which is how tests
// point the agent at a scratch directory.
func GetPaths() (*Paths, error) {
	baseDir := os.Getenv("TSAGENT_DATA_DIR")
	if baseDir == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve user config directory: %w", err)
		}
		baseDir = filepath.Join(configDir, "tsagent")
	}

	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory: %w", err)
	}

	p := &Paths{
		BaseDir:         absBase,
		LicenseDir:      filepath.Join(absBase, "license"),
		LicenseFile:     filepath.Join(absBase, "license", "license.dat"),
		ManifestFile:    filepath.Join(absBase, "license", "manifest.json"),
		ValidityToken:   filepath.Join(absBase, "license", "validity.token"),
		EmergencyToken:  filepath.Join(absBase, "license", "emergency.token"),
		MachineSeedFile: filepath.Join(absBase, "machine.seed"),
		VaultKeyFile:    filepath.Join(absBase, "secret.key"),
		CredentialsFile: filepath.Join(absBase, "credentials.json"),
		UpdatesDir:      filepath.Join(absBase, "updates"),
		LogsDir:         filepath.Join(absBase, "logs"),
		TempDir:         filepath.Join(absBase, "tmp"),
	}

	return p, nil
}

// EnsureDirectories creates all required directories. The base directory
// is restricted to the owning user because it holds key material.
func (p *Paths) EnsureDirectories() error {
	dirs := []struct {
		path string
		perm os.FileMode
	}{
		{p.BaseDir, 0700},
		{p.LicenseDir, 0700},
		{p.UpdatesDir, 0755},
		{p.LogsDir, 0755},
		{p.TempDir, 0700},
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir.path, dir.perm); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir.path, err)
		}
		slog.Debug("Directory ensured", slog.String("path", dir.path))
	}

	return nil
}

// GetBasePath returns a path relative to the data directory
func (p *Paths) GetBasePath(filename string) string {
	return filepath.Join(p.BaseDir, filename)
}

// GetLogPath returns the path for a log file
func (p *Paths) GetLogPath(filename string) string {
	return filepath.Join(p.LogsDir, filename)
}

// GetTempPath returns a path inside the scoped temp directory
func (p *Paths) GetTempPath(filename string) string {
	return filepath.Join(p.TempDir, filename)
}

// GetUpdatePath returns a path inside the update staging directory
func (p *Paths) GetUpdatePath(filename string) string {
	return filepath.Join(p.UpdatesDir, filename)
}

// FileExists checks whether a file exists at the given path
func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// GetLicensePath returns the license artifact path with resolution logging,
// which makes support bundles self-explanatory.
func (p *Paths) GetLicensePath() string {
	slog.Debug("License path resolved",
		slog.Group("license",
			slog.String("file", p.LicenseFile),
			slog.String("manifest", p.ManifestFile),
			slog.Bool("file_exists", FileExists(p.LicenseFile)),
			slog.Bool("manifest_exists", FileExists(p.ManifestFile)),
		),
	)
	return p.LicenseFile
}

// LogPathResolution logs the resolved layout at startup
func (p *Paths) LogPathResolution() {
	slog.Info("Data directory layout resolved",
		slog.String("base_dir", p.BaseDir),
		slog.Group("directories",
			slog.String("license", p.LicenseDir),
			slog.String("updates", p.UpdatesDir),
			slog.String("logs", p.LogsDir),
			slog.String("temp", p.TempDir),
		),
		slog.Group("artifacts",
			slog.Bool("license_present", FileExists(p.LicenseFile)),
			slog.Bool("manifest_present", FileExists(p.ManifestFile)),
			slog.Bool("vault_key_present", FileExists(p.VaultKeyFile)),
			slog.Bool("machine_seed_present", FileExists(p.MachineSeedFile)),
		),
	)
}

// CleanTempDir removes everything inside the scoped temp directory. Stale
// entries from an interrupted run must not leak into the next one.
func (p *Paths) CleanTempDir() error {
	entries, err := os.ReadDir(p.TempDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read temp directory: %w", err)
	}

	for _, entry := range entries {
		path := filepath.Join(p.TempDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
	}

	return nil
}
