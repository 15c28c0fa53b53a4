package security

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

// DeviceFingerprint represents device identification information
type DeviceFingerprint struct {
	Fingerprint string    `json:"fingerprint"`
	Hostname    string    `json:"hostname"`
	MACAddress  string    `json:"mac_address"`
	CPUID       string    `json:"cpu_id"`
	MachineID   string    `json:"machine_id"`
	OS          string    `json:"os"`
	Platform    string    `json:"platform"`
	Degraded    bool      `json:"degraded"`
	GeneratedAt time.Time `json:"generated_at"`
}

// FingerprintManager handles device fingerprinting operations. The
// fingerprint is deterministic for a given machine: hardware factors are
// normalized before hashing, and when none of them can be read a random
// seed persisted under the data directory keeps the identity stable.
type FingerprintManager struct {
	seedPath      string
	cache         *DeviceFingerprint
	cacheMutex    sync.RWMutex
	cacheExpiry   time.Time
	cacheDuration time.Duration

	// memorySeed holds the degraded-mode seed when it cannot be
	// persisted; identity then survives for the process lifetime only
	seedMutex  sync.Mutex
	memorySeed string
}

// NewFingerprintManager creates a new fingerprint manager with caching.
// seedPath is where the degraded-mode seed is persisted (machine.seed).
func NewFingerprintManager(seedPath string) *FingerprintManager {
	return &FingerprintManager{
		seedPath:      seedPath,
		cacheDuration: 1 * time.Hour,
	}
}

// NormalizeFactor canonicalizes a fingerprint factor so generation and
// comparison agree: trim space, strip trailing dots, lowercase.
func NormalizeFactor(s string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(s), "."))
}

// GetMACAddress retrieves the primary network interface MAC address
func (fm *FingerprintManager) GetMACAddress() (string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("failed to get network interfaces: %w", err)
	}

	// Look for the first non-loopback, up interface with a MAC address
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		if len(iface.HardwareAddr) > 0 {
			mac := iface.HardwareAddr.String()
			if mac != "" && mac != "00:00:00:00:00:00" {
				slog.Debug("MAC address found",
					slog.String("interface", iface.Name),
					slog.String("mac", mac),
				)
				return mac, nil
			}
		}
	}

	// Fallback: use any interface with a MAC address
	for _, iface := range interfaces {
		if len(iface.HardwareAddr) > 0 {
			mac := iface.HardwareAddr.String()
			if mac != "" && mac != "00:00:00:00:00:00" {
				slog.Warn("Using fallback MAC address",
					slog.String("interface", iface.Name),
					slog.String("mac", mac),
				)
				return mac, nil
			}
		}
	}

	return "", fmt.Errorf("no valid MAC address found")
}

// GetHostname retrieves the machine hostname
func (fm *FingerprintManager) GetHostname() (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}

	hostname = NormalizeFactor(hostname)
	if hostname == "" {
		return "", fmt.Errorf("hostname is empty")
	}

	return hostname, nil
}

// GetCPUID retrieves CPU identification information (OS-specific)
func (fm *FingerprintManager) GetCPUID() (string, error) {
	switch runtime.GOOS {
	case "windows":
		return fm.getCPUIDWindows()
	case "linux":
		return fm.getCPUIDLinux()
	case "darwin":
		return fm.getCPUIDDarwin()
	default:
		cpuInfo := fmt.Sprintf("%s-%s", runtime.GOOS, runtime.GOARCH)
		slog.Warn("Using fallback CPU ID for unsupported OS",
			slog.String("os", runtime.GOOS),
			slog.String("cpu_id", cpuInfo),
		)
		return cpuInfo, nil
	}
}

// getCPUIDWindows gets CPU information on Windows systems
func (fm *FingerprintManager) getCPUIDWindows() (string, error) {
	// Processor identifier is exposed through the environment
	if procID := os.Getenv("PROCESSOR_IDENTIFIER"); procID != "" {
		hash := sha256.Sum256([]byte(NormalizeFactor(procID)))
		return hex.EncodeToString(hash[:8]), nil
	}

	cpuInfo := fmt.Sprintf("windows-%s-%s", runtime.GOARCH, os.Getenv("PROCESSOR_ARCHITECTURE"))
	hash := sha256.Sum256([]byte(cpuInfo))
	return hex.EncodeToString(hash[:8]), nil
}

// getCPUIDLinux gets CPU information on Linux systems
func (fm *FingerprintManager) getCPUIDLinux() (string, error) {
	cpuData, err := os.ReadFile("/proc/cpuinfo")
	if err == nil {
		for _, line := range strings.Split(string(cpuData), "\n") {
			if strings.HasPrefix(line, "model name") ||
				strings.HasPrefix(line, "cpu family") ||
				strings.HasPrefix(line, "processor") {
				hash := sha256.Sum256([]byte(NormalizeFactor(line)))
				return hex.EncodeToString(hash[:8]), nil
			}
		}
	}

	cpuInfo := fmt.Sprintf("linux-%s", runtime.GOARCH)
	hash := sha256.Sum256([]byte(cpuInfo))
	return hex.EncodeToString(hash[:8]), nil
}

// getCPUIDDarwin gets CPU information on macOS systems
func (fm *FingerprintManager) getCPUIDDarwin() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "sysctl", "-n", "machdep.cpu.brand_string").Output()
	if err == nil {
		brand := NormalizeFactor(string(out))
		if brand != "" {
			hash := sha256.Sum256([]byte(brand))
			return hex.EncodeToString(hash[:8]), nil
		}
	}

	cpuInfo := fmt.Sprintf("darwin-%s", runtime.GOARCH)
	hash := sha256.Sum256([]byte(cpuInfo))
	return hex.EncodeToString(hash[:8]), nil
}

// GetMachineID retrieves the OS-level machine identifier (OS-specific)
func (fm *FingerprintManager) GetMachineID() (string, error) {
	switch runtime.GOOS {
	case "linux":
		return fm.getMachineIDLinux()
	case "windows":
		return fm.getMachineIDWindows()
	case "darwin":
		return fm.getMachineIDDarwin()
	default:
		return "", fmt.Errorf("machine ID not available on %s", runtime.GOOS)
	}
}

// getMachineIDLinux reads the systemd (or dbus) machine ID
func (fm *FingerprintManager) getMachineIDLinux() (string, error) {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		id := NormalizeFactor(string(data))
		if id != "" {
			return id, nil
		}
	}
	return "", fmt.Errorf("no machine-id file found")
}

// getMachineIDWindows queries the cryptography machine GUID
func (fm *FingerprintManager) getMachineIDWindows() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "reg", "query",
		`HKLM\SOFTWARE\Microsoft\Cryptography`, "/v", "MachineGuid").Output()
	if err != nil {
		return "", fmt.Errorf("failed to query MachineGuid: %w", err)
	}

	for _, line := range strings.Split(string(out), "\n") {
		if strings.Contains(line, "MachineGuid") {
			fields := strings.Fields(line)
			if len(fields) >= 3 {
				return NormalizeFactor(fields[len(fields)-1]), nil
			}
		}
	}
	return "", fmt.Errorf("MachineGuid not present in registry output")
}

// getMachineIDDarwin extracts the IOPlatformUUID
func (fm *FingerprintManager) getMachineIDDarwin() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "ioreg", "-rd1", "-c", "IOPlatformExpertDevice").Output()
	if err != nil {
		return "", fmt.Errorf("failed to query IOPlatformExpertDevice: %w", err)
	}

	for _, line := range strings.Split(string(out), "\n") {
		if strings.Contains(line, "IOPlatformUUID") {
			parts := strings.Split(line, "\"")
			if len(parts) >= 4 {
				return NormalizeFactor(parts[3]), nil
			}
		}
	}
	return "", fmt.Errorf("IOPlatformUUID not present in ioreg output")
}

// loadOrCreateSeed returns the persisted degraded-mode seed, creating it
// on first use. The seed file is owner-only because whoever can read it
// can impersonate the machine.
func (fm *FingerprintManager) loadOrCreateSeed() string {
	fm.seedMutex.Lock()
	defer fm.seedMutex.Unlock()

	if data, err := os.ReadFile(fm.seedPath); err == nil {
		seed := strings.TrimSpace(string(data))
		if len(seed) == 64 {
			return seed
		}
		slog.Warn("Persisted machine seed is malformed, regenerating",
			slog.String("path", fm.seedPath),
		)
	}

	if fm.memorySeed != "" {
		return fm.memorySeed
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		// Last resort: derive from hostname and PID, still unique enough
		// to not collide across machines
		h := sha256.Sum256([]byte(fmt.Sprintf("%s-%d-%d", runtime.GOOS, os.Getpid(), time.Now().UnixNano())))
		copy(raw, h[:])
	}
	seed := hex.EncodeToString(raw)

	if err := os.MkdirAll(filepath.Dir(fm.seedPath), 0700); err == nil {
		if err := os.WriteFile(fm.seedPath, []byte(seed), 0600); err != nil {
			slog.Warn("Failed to persist machine seed, identity is process-scoped",
				slog.String("path", fm.seedPath),
				slog.String("error", err.Error()),
			)
		}
	}

	fm.memorySeed = seed
	return seed
}

// GetFingerprint creates a device fingerprint by combining hardware
// factors. Every factor is individually fallible; when all of them fail
// the persisted seed takes over, so this never blocks validation.
func (fm *FingerprintManager) GetFingerprint(ctx context.Context) (*DeviceFingerprint, error) {
	// Check cache first
	fm.cacheMutex.RLock()
	if fm.cache != nil && time.Now().Before(fm.cacheExpiry) {
		cached := *fm.cache
		fm.cacheMutex.RUnlock()
		return &cached, nil
	}
	fm.cacheMutex.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()

	hostname, err := fm.GetHostname()
	if err != nil {
		hostname = ""
		slog.Warn("Failed to get hostname", slog.String("error", err.Error()))
	}

	macAddr, err := fm.GetMACAddress()
	if err != nil {
		macAddr = ""
		slog.Warn("Failed to get MAC address", slog.String("error", err.Error()))
	}

	cpuID, err := fm.GetCPUID()
	if err != nil {
		cpuID = ""
		slog.Warn("Failed to get CPU ID", slog.String("error", err.Error()))
	}

	machineID, err := fm.GetMachineID()
	if err != nil {
		machineID = ""
		slog.Debug("Machine ID unavailable", slog.String("error", err.Error()))
	}

	degraded := hostname == "" && macAddr == "" && cpuID == "" && machineID == ""

	factors := []string{
		NormalizeFactor(hostname),
		NormalizeFactor(macAddr),
		NormalizeFactor(cpuID),
		NormalizeFactor(machineID),
		runtime.GOOS,
		runtime.GOARCH,
	}

	if degraded {
		seed := fm.loadOrCreateSeed()
		factors = append(factors, seed)
		slog.Warn("No hardware factors available, using persisted machine seed",
			slog.String("seed_path", fm.seedPath),
		)
	}

	combined := strings.Join(factors, "|")
	hash := sha256.Sum256([]byte(combined))
	fingerprint := hex.EncodeToString(hash[:])

	deviceFingerprint := &DeviceFingerprint{
		Fingerprint: fingerprint,
		Hostname:    hostname,
		MACAddress:  macAddr,
		CPUID:       cpuID,
		MachineID:   machineID,
		OS:          runtime.GOOS,
		Platform:    runtime.GOARCH,
		Degraded:    degraded,
		GeneratedAt: time.Now(),
	}

	// Cache the result
	fm.cacheMutex.Lock()
	fm.cache = deviceFingerprint
	fm.cacheExpiry = time.Now().Add(fm.cacheDuration)
	fm.cacheMutex.Unlock()

	slog.Info("Device fingerprint generated",
		slog.String("fingerprint", fingerprint),
		slog.String("hostname", hostname),
		slog.Bool("degraded", degraded),
		slog.Duration("generation_time", time.Since(start)),
	)

	return deviceFingerprint, nil
}

// ValidateFingerprint compares the current device fingerprint with a
// stored one using the normalized form on both sides
func (fm *FingerprintManager) ValidateFingerprint(ctx context.Context, storedFingerprint string) (bool, error) {
	current, err := fm.GetFingerprint(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to generate current fingerprint: %w", err)
	}

	matches := NormalizeFactor(current.Fingerprint) == NormalizeFactor(storedFingerprint)

	slog.Debug("Device fingerprint validation",
		slog.String("stored", storedFingerprint),
		slog.String("current", current.Fingerprint),
		slog.Bool("matches", matches),
	)

	return matches, nil
}

// GetFingerprintComponents returns individual components for diagnostics
func (fm *FingerprintManager) GetFingerprintComponents(ctx context.Context) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	macAddr, _ := fm.GetMACAddress()
	hostname, _ := fm.GetHostname()
	cpuID, _ := fm.GetCPUID()
	machineID, _ := fm.GetMachineID()

	components := map[string]string{
		"hostname":    hostname,
		"mac_address": macAddr,
		"cpu_id":      cpuID,
		"machine_id":  machineID,
		"os":          runtime.GOOS,
		"platform":    runtime.GOARCH,
	}

	return components, nil
}

// ClearCache clears the cached fingerprint
func (fm *FingerprintManager) ClearCache() {
	fm.cacheMutex.Lock()
	defer fm.cacheMutex.Unlock()

	fm.cache = nil
	fm.cacheExpiry = time.Time{}
}
