package services

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"tsagent/internal/config"
	"tsagent/internal/license"
)

// ClientCounter is the slice of the WebSocket hub the health service
// reads. Nil when the hub is not running.
type ClientCounter interface {
	ClientCount() int
}

// HealthService answers the cheap liveness and readiness probes. The
// deep component health check lives in the license package and is served
// separately.
type HealthService struct {
	version   string
	buildTime string
	buildID   string
	paths     *config.Paths
	manager   *license.Manager
	hub       ClientCounter
	startTime time.Time
	logger    *slog.Logger
}

// HealthStatus is the probe response shape.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
	Runtime   map[string]interface{} `json:"runtime,omitempty"`
	Services  map[string]interface{} `json:"services,omitempty"`
}

// ServiceHealth describes one component inside a readiness response.
type ServiceHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// AgentStats summarizes the running process for the version endpoint.
type AgentStats struct {
	UptimeSeconds    float64 `json:"uptime_seconds"`
	DataFiles        int     `json:"data_files"`
	DataSizeBytes    int64   `json:"data_size_bytes"`
	WebSocketClients int     `json:"websocket_clients"`
	GoVersion        string  `json:"go_version"`
	OS               string  `json:"os"`
	Arch             string  `json:"arch"`
}

// NewHealthService creates the probe service. hub may be nil.
func NewHealthService(version, buildTime, buildID string, paths *config.Paths, manager *license.Manager, hub ClientCounter, logger *slog.Logger) *HealthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthService{
		version:   version,
		buildTime: buildTime,
		buildID:   buildID,
		paths:     paths,
		manager:   manager,
		hub:       hub,
		startTime: time.Now(),
		logger:    logger.With(slog.String("service", "health")),
	}
}

// Liveness reports that the process is running. Always succeeds.
func (hs *HealthService) Liveness(ctx context.Context) HealthStatus {
	return HealthStatus{
		Status:    "alive",
		Timestamp: time.Now().UTC(),
		Version:   hs.version,
		Runtime: map[string]interface{}{
			"uptime":     time.Since(hs.startTime).Seconds(),
			"go_version": runtime.Version(),
			"goroutines": runtime.NumGoroutine(),
		},
	}
}

// Readiness reports whether the agent can do useful work: license state
// settled, data directory writable, vault key location reachable.
func (hs *HealthService) Readiness(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:    "ready",
		Timestamp: time.Now().UTC(),
		Version:   hs.version,
		Services:  make(map[string]interface{}),
	}

	status.Services["license"] = hs.checkLicenseReadiness()
	status.Services["data_dir"] = hs.checkDataDir()
	status.Services["websocket"] = hs.checkHub()

	for _, service := range status.Services {
		if sh, ok := service.(ServiceHealth); ok && sh.Status != "ready" {
			status.Status = "not_ready"
			break
		}
	}
	return status
}

// Version returns build and runtime information.
func (hs *HealthService) Version(ctx context.Context) map[string]interface{} {
	result := map[string]interface{}{
		"version":      hs.version,
		"go_version":   runtime.Version(),
		"os":           runtime.GOOS,
		"arch":         runtime.GOARCH,
		"uptime":       time.Since(hs.startTime).Seconds(),
		"start_time":   hs.startTime.UTC().Format(time.RFC3339),
		"current_time": time.Now().UTC().Format(time.RFC3339),
	}
	if hs.buildTime != "" {
		result["build_time"] = hs.buildTime
	}
	if hs.buildID != "" {
		result["build_id"] = hs.buildID
	}
	return result
}

// Stats walks the data directory and gathers process-level numbers.
func (hs *HealthService) Stats(ctx context.Context) (AgentStats, error) {
	var totalFiles int
	var totalSize int64

	filepath.Walk(hs.paths.BaseDir, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			totalFiles++
			totalSize += info.Size()
		}
		return nil
	})

	stats := AgentStats{
		UptimeSeconds: time.Since(hs.startTime).Seconds(),
		DataFiles:     totalFiles,
		DataSizeBytes: totalSize,
		GoVersion:     runtime.Version(),
		OS:            runtime.GOOS,
		Arch:          runtime.GOARCH,
	}
	if hs.hub != nil {
		stats.WebSocketClients = hs.hub.ClientCount()
	}
	return stats, nil
}

func (hs *HealthService) checkLicenseReadiness() ServiceHealth {
	switch state := hs.manager.State(); state {
	case license.StateValid:
		return ServiceHealth{Status: "ready", Message: "License valid"}
	case license.StateVerifying:
		return ServiceHealth{Status: "not_ready", Message: "License validation in progress"}
	default:
		// The gate middleware is already refusing licensed routes; the
		// probe mirrors that so orchestrators stop routing work here.
		return ServiceHealth{Status: "not_ready", Message: "License " + state.String()}
	}
}

func (hs *HealthService) checkDataDir() ServiceHealth {
	if _, err := os.Stat(hs.paths.BaseDir); err != nil {
		return ServiceHealth{
			Status:  "not_ready",
			Message: fmt.Sprintf("Data directory unavailable: %v", err),
		}
	}
	return ServiceHealth{Status: "ready", Message: "Data directory accessible"}
}

func (hs *HealthService) checkHub() ServiceHealth {
	if hs.hub == nil {
		return ServiceHealth{Status: "ready", Message: "Event hub not running"}
	}
	return ServiceHealth{
		Status:  "ready",
		Message: fmt.Sprintf("Event hub serving %d clients", hs.hub.ClientCount()),
	}
}
