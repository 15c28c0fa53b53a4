package license

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	apperrors "tsagent/internal/errors"
	"tsagent/internal/infrastructure"
)

// HealthStatus represents the overall health status
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentHealth represents health of a specific component
type ComponentHealth struct {
	Status    HealthStatus           `json:"status"`
	Message   string                 `json:"message"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  string                 `json:"duration,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// LicenseHealthCheck provides comprehensive health monitoring for the
// licensing subsystem
type LicenseHealthCheck struct {
	manager     *Manager
	distributor *Distributor
	config      HealthCheckConfig
}

// HealthCheckConfig configures health check behavior
type HealthCheckConfig struct {
	ValidationTimeout   time.Duration
	ConnectivityTimeout time.Duration

	// Validation slower than this is reported as degraded
	MaxValidationDuration time.Duration
}

// DefaultHealthCheckConfig returns sensible defaults
func DefaultHealthCheckConfig() HealthCheckConfig {
	return HealthCheckConfig{
		ValidationTimeout:     10 * time.Second,
		ConnectivityTimeout:   5 * time.Second,
		MaxValidationDuration: 5 * time.Second,
	}
}

// NewLicenseHealthCheck creates a new health check system. The distributor
// may be nil when no artifact source is configured.
func NewLicenseHealthCheck(manager *Manager, distributor *Distributor, config HealthCheckConfig) *LicenseHealthCheck {
	return &LicenseHealthCheck{
		manager:     manager,
		distributor: distributor,
		config:      config,
	}
}

// HealthCheckResult contains comprehensive health status
type HealthCheckResult struct {
	OverallStatus HealthStatus                `json:"status"`
	Message       string                      `json:"message"`
	Timestamp     time.Time                   `json:"timestamp"`
	Duration      string                      `json:"duration"`
	TraceID       string                      `json:"trace_id"`
	Components    map[string]*ComponentHealth `json:"components"`
	Summary       *HealthSummary              `json:"summary"`
}

// HealthSummary provides aggregated health metrics
type HealthSummary struct {
	TotalComponents     int     `json:"total_components"`
	HealthyComponents   int     `json:"healthy_components"`
	DegradedComponents  int     `json:"degraded_components"`
	UnhealthyComponents int     `json:"unhealthy_components"`
	OverallScore        float64 `json:"overall_score"`
}

// PerformHealthCheck executes comprehensive health checks
func (hc *LicenseHealthCheck) PerformHealthCheck(ctx context.Context) (*HealthCheckResult, error) {
	tracer := otel.Tracer("license-health")

	ctx, span := tracer.Start(ctx, "license.health_check",
		trace.WithAttributes(
			attribute.String("component", "license_health"),
			attribute.String("operation", "comprehensive_check"),
		),
	)
	defer span.End()

	start := time.Now()
	result := &HealthCheckResult{
		Timestamp:  start,
		Components: make(map[string]*ComponentHealth),
		TraceID:    infrastructure.TraceIDFromContext(ctx),
	}

	// Perform individual health checks
	checks := map[string]func(context.Context) *ComponentHealth{
		"license_validation":     hc.checkLicenseValidation,
		"artifact_integrity":     hc.checkArtifactIntegrity,
		"source_connectivity":    hc.checkSourceConnectivity,
		"fingerprint_generation": hc.checkFingerprintGeneration,
		"cache_system":           hc.checkCacheHealth,
		"grace_token":            hc.checkGraceToken,
	}

	// Execute checks concurrently for better performance
	type checkResult struct {
		name   string
		health *ComponentHealth
	}

	resultChan := make(chan checkResult, len(checks))

	for name, checkFunc := range checks {
		go func(n string, cf func(context.Context) *ComponentHealth) {
			checkCtx, cancel := context.WithTimeout(ctx, hc.config.ValidationTimeout)
			defer cancel()

			health := cf(checkCtx)
			resultChan <- checkResult{name: n, health: health}
		}(name, checkFunc)
	}

	// Collect results
	for i := 0; i < len(checks); i++ {
		res := <-resultChan
		result.Components[res.name] = res.health
	}

	// Calculate overall status and summary
	result.Summary = hc.calculateHealthSummary(result.Components)
	result.OverallStatus = hc.determineOverallStatus(result.Components)
	result.Duration = time.Since(start).String()
	result.Message = hc.generateStatusMessage(result.OverallStatus, result.Summary)

	// Add span attributes
	span.SetAttributes(
		attribute.String("health.overall_status", string(result.OverallStatus)),
		attribute.Int("health.total_components", result.Summary.TotalComponents),
		attribute.Int("health.healthy_components", result.Summary.HealthyComponents),
		attribute.Float64("health.overall_score", result.Summary.OverallScore),
		attribute.Float64("health.duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return result, nil
}

// checkLicenseValidation verifies license validation functionality
func (hc *LicenseHealthCheck) checkLicenseValidation(ctx context.Context) *ComponentHealth {
	start := time.Now()
	health := &ComponentHealth{
		Timestamp: start,
		Metadata:  make(map[string]interface{}),
	}

	if hc.manager == nil {
		health.Status = HealthStatusUnhealthy
		health.Message = "License manager not initialized"
		health.Error = "manager_nil"
		return health
	}

	validationCtx, cancel := context.WithTimeout(ctx, hc.config.ValidationTimeout)
	defer cancel()

	result, err := hc.manager.Validate(validationCtx)
	duration := time.Since(start)
	health.Duration = duration.String()

	health.Metadata["validation_duration_ms"] = duration.Milliseconds()
	health.Metadata["validation_timeout_ms"] = hc.config.ValidationTimeout.Milliseconds()

	if err != nil {
		health.Status = HealthStatusUnhealthy
		health.Message = "License validation could not run"
		health.Error = err.Error()
		return health
	}

	health.Metadata["state"] = result.State.String()
	health.Metadata["degraded"] = result.Degraded

	switch {
	case result.Err != nil:
		health.Status = HealthStatusDegraded
		health.Message = fmt.Sprintf("License validation verdict: %s", result.State)
		health.Error = result.Err.Error()
		health.Metadata["error_type"] = classifyLicenseError(result.Err)
	case duration > hc.config.MaxValidationDuration:
		health.Status = HealthStatusDegraded
		health.Message = fmt.Sprintf("License validation slow (%.2fs)", duration.Seconds())
	default:
		health.Status = HealthStatusHealthy
		health.Message = "License validation successful"
	}

	return health
}

// checkArtifactIntegrity verifies the installed artifacts open and verify
func (hc *LicenseHealthCheck) checkArtifactIntegrity(ctx context.Context) *ComponentHealth {
	start := time.Now()
	health := &ComponentHealth{
		Timestamp: start,
		Metadata:  make(map[string]interface{}),
	}

	if hc.manager == nil {
		health.Status = HealthStatusUnhealthy
		health.Message = "License manager not initialized"
		health.Error = "manager_nil"
		return health
	}

	record, err := hc.manager.GetLicenseInfo(ctx)
	duration := time.Since(start)
	health.Duration = duration.String()
	health.Metadata["check_duration_ms"] = duration.Milliseconds()

	switch {
	case err == nil:
		health.Status = HealthStatusHealthy
		health.Message = "License artifacts verified"
		health.Metadata["licensee"] = record.Licensee
		health.Metadata["perpetual"] = record.ExpiresAt == nil
	case errors.Is(err, apperrors.ErrNotLicensed):
		health.Status = HealthStatusDegraded
		health.Message = "No license artifacts installed"
		health.Error = err.Error()
	case errors.Is(err, apperrors.ErrIntegrityFailure):
		health.Status = HealthStatusUnhealthy
		health.Message = "License artifacts failed integrity verification"
		health.Error = err.Error()
	default:
		health.Status = HealthStatusDegraded
		health.Message = "License artifacts could not be read"
		health.Error = err.Error()
	}

	return health
}

// checkSourceConnectivity verifies the artifact source is reachable
func (hc *LicenseHealthCheck) checkSourceConnectivity(ctx context.Context) *ComponentHealth {
	start := time.Now()
	health := &ComponentHealth{
		Timestamp: start,
		Metadata:  make(map[string]interface{}),
	}

	if hc.distributor == nil {
		health.Status = HealthStatusDegraded
		health.Message = "No artifact source configured"
		health.Error = "distributor_nil"
		return health
	}

	connectivityCtx, cancel := context.WithTimeout(ctx, hc.config.ConnectivityTimeout)
	defer cancel()

	err := hc.distributor.Ping(connectivityCtx)
	duration := time.Since(start)
	health.Duration = duration.String()
	health.Metadata["connectivity_duration_ms"] = duration.Milliseconds()
	health.Metadata["timeout_ms"] = hc.config.ConnectivityTimeout.Milliseconds()

	if err != nil {
		health.Status = HealthStatusDegraded
		health.Message = "Artifact source unreachable"
		health.Error = err.Error()
		health.Metadata["error_type"] = classifyLicenseError(err)
	} else {
		health.Status = HealthStatusHealthy
		health.Message = "Artifact source reachable"
	}

	return health
}

// checkFingerprintGeneration verifies device fingerprint generation health
func (hc *LicenseHealthCheck) checkFingerprintGeneration(ctx context.Context) *ComponentHealth {
	start := time.Now()
	health := &ComponentHealth{
		Timestamp: start,
		Metadata:  make(map[string]interface{}),
	}

	if hc.manager == nil {
		health.Status = HealthStatusUnhealthy
		health.Message = "License manager not initialized"
		health.Error = "manager_nil"
		return health
	}

	fingerprintCtx, cancel := context.WithTimeout(ctx, hc.config.ValidationTimeout)
	defer cancel()

	fingerprint, err := hc.manager.GetFingerprint(fingerprintCtx)
	duration := time.Since(start)
	health.Duration = duration.String()
	health.Metadata["generation_duration_ms"] = duration.Milliseconds()

	switch {
	case err != nil:
		health.Status = HealthStatusUnhealthy
		health.Message = "Fingerprint generation failed"
		health.Error = err.Error()
	case fingerprint.Fingerprint == "":
		health.Status = HealthStatusUnhealthy
		health.Message = "Empty fingerprint generated"
	case fingerprint.Degraded:
		health.Status = HealthStatusDegraded
		health.Message = "Fingerprint generated from partial hardware factors"
		health.Metadata["fingerprint_hash"] = HashFingerprint(fingerprint.Fingerprint)
	default:
		health.Status = HealthStatusHealthy
		health.Message = "Fingerprint generation successful"
		health.Metadata["fingerprint_hash"] = HashFingerprint(fingerprint.Fingerprint)
	}

	return health
}

// checkCacheHealth verifies cache system health
func (hc *LicenseHealthCheck) checkCacheHealth(ctx context.Context) *ComponentHealth {
	health := &ComponentHealth{
		Timestamp: time.Now(),
		Metadata:  make(map[string]interface{}),
	}

	if hc.manager == nil || hc.manager.cache == nil {
		health.Status = HealthStatusDegraded
		health.Message = "Cache system not initialized"
		health.Error = "cache_nil"
		return health
	}

	stats := hc.manager.CacheStats()
	health.Metadata = stats

	if hitRatio, ok := stats["hit_ratio"].(float64); ok {
		if hitRatio < 0.5 {
			health.Status = HealthStatusDegraded
			health.Message = fmt.Sprintf("Low cache hit ratio: %.2f%%", hitRatio*100)
		} else {
			health.Status = HealthStatusHealthy
			health.Message = fmt.Sprintf("Cache performing well: %.2f%% hit ratio", hitRatio*100)
		}
	} else {
		health.Status = HealthStatusHealthy
		health.Message = "Cache system operational"
	}

	return health
}

// checkGraceToken reports the offline grace window for this machine
func (hc *LicenseHealthCheck) checkGraceToken(ctx context.Context) *ComponentHealth {
	start := time.Now()
	health := &ComponentHealth{
		Timestamp: start,
		Metadata:  make(map[string]interface{}),
	}

	if hc.manager == nil {
		health.Status = HealthStatusUnhealthy
		health.Message = "License manager not initialized"
		health.Error = "manager_nil"
		return health
	}

	fingerprint, err := hc.manager.GetFingerprint(ctx)
	if err != nil {
		health.Status = HealthStatusDegraded
		health.Message = "Cannot derive fingerprint for grace token check"
		health.Error = err.Error()
		return health
	}

	status := hc.manager.Grace().ValidityStatus(ctx, fingerprint.Fingerprint)
	health.Duration = time.Since(start).String()
	health.Metadata["require_online"] = hc.manager.requireOnline
	health.Metadata["present"] = status.Present

	switch {
	case !status.Present:
		// Only enforced when online refreshes are required
		health.Status = HealthStatusDegraded
		health.Message = "No validity token stamped yet"
	case status.Remaining <= 0:
		health.Status = HealthStatusDegraded
		health.Message = "Offline grace window lapsed"
		health.Metadata["stamped_at"] = status.StampedAt
	default:
		health.Status = HealthStatusHealthy
		health.Message = fmt.Sprintf("Grace window open for %s", status.Remaining.Round(time.Minute))
		health.Metadata["stamped_at"] = status.StampedAt
		health.Metadata["expires_at"] = status.ExpiresAt
		health.Metadata["remaining_seconds"] = int64(status.Remaining.Seconds())
	}

	return health
}

// calculateHealthSummary computes aggregate health metrics
func (hc *LicenseHealthCheck) calculateHealthSummary(components map[string]*ComponentHealth) *HealthSummary {
	summary := &HealthSummary{
		TotalComponents: len(components),
	}

	for _, health := range components {
		switch health.Status {
		case HealthStatusHealthy:
			summary.HealthyComponents++
		case HealthStatusDegraded:
			summary.DegradedComponents++
		case HealthStatusUnhealthy:
			summary.UnhealthyComponents++
		}
	}

	// Calculate overall score (healthy=1.0, degraded=0.5, unhealthy=0.0)
	if summary.TotalComponents > 0 {
		score := float64(summary.HealthyComponents) + (float64(summary.DegradedComponents) * 0.5)
		summary.OverallScore = score / float64(summary.TotalComponents)
	}

	return summary
}

// determineOverallStatus calculates overall health status
func (hc *LicenseHealthCheck) determineOverallStatus(components map[string]*ComponentHealth) HealthStatus {
	hasUnhealthy := false
	hasDegraded := false

	for _, health := range components {
		switch health.Status {
		case HealthStatusUnhealthy:
			hasUnhealthy = true
		case HealthStatusDegraded:
			hasDegraded = true
		}
	}

	if hasUnhealthy {
		return HealthStatusUnhealthy
	} else if hasDegraded {
		return HealthStatusDegraded
	}
	return HealthStatusHealthy
}

// generateStatusMessage creates human-readable status message
func (hc *LicenseHealthCheck) generateStatusMessage(status HealthStatus, summary *HealthSummary) string {
	switch status {
	case HealthStatusHealthy:
		return fmt.Sprintf("All %d license system components are healthy", summary.TotalComponents)
	case HealthStatusDegraded:
		return fmt.Sprintf("License system operational with %d degraded components out of %d",
			summary.DegradedComponents, summary.TotalComponents)
	case HealthStatusUnhealthy:
		return fmt.Sprintf("License system unhealthy: %d unhealthy, %d degraded out of %d components",
			summary.UnhealthyComponents, summary.DegradedComponents, summary.TotalComponents)
	default:
		return "Unknown health status"
	}
}

// HTTPHandler creates an HTTP handler for health checks
func (hc *LicenseHealthCheck) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		result, err := hc.PerformHealthCheck(ctx)
		if err != nil {
			http.Error(w, fmt.Sprintf("Health check failed: %v", err), http.StatusInternalServerError)
			return
		}

		// Degraded still reports 200: the subsystem is operational
		var statusCode int
		switch result.OverallStatus {
		case HealthStatusHealthy, HealthStatusDegraded:
			statusCode = http.StatusOK
		case HealthStatusUnhealthy:
			statusCode = http.StatusServiceUnavailable
		default:
			statusCode = http.StatusInternalServerError
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)

		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		encoder.Encode(result)
	}
}
