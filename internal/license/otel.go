package license

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	apperrors "tsagent/internal/errors"
)

const (
	TracerName = "license-manager"
	MeterName  = "license-manager"
)

// LicenseMetrics holds all license-specific OpenTelemetry metrics
type LicenseMetrics struct {
	// Validation metrics
	ValidationAttempts    metric.Int64Counter
	ValidationOutcomes    metric.Int64Counter
	ValidationDuration    metric.Float64Histogram
	ValidationCacheHits   metric.Int64Counter
	ValidationCacheMisses metric.Int64Counter

	// Refresh metrics
	RefreshAttempts metric.Int64Counter
	RefreshOutcomes metric.Int64Counter
	RefreshDuration metric.Float64Histogram

	// Update check metrics
	UpdateChecks metric.Int64Counter

	// Current state gauge, observed from stateValue
	StateGauge metric.Int64ObservableGauge

	stateValue atomic.Int64
}

// InitializeLicenseMetrics creates all license-specific metrics
func InitializeLicenseMetrics(meter metric.Meter) (*LicenseMetrics, error) {
	metrics := &LicenseMetrics{}

	var err error

	metrics.ValidationAttempts, err = meter.Int64Counter(
		"license_validation_attempts_total",
		metric.WithDescription("Total number of license validation attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation attempts counter: %w", err)
	}

	metrics.ValidationOutcomes, err = meter.Int64Counter(
		"license_validation_outcomes_total",
		metric.WithDescription("License validation verdicts by resulting state"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation outcomes counter: %w", err)
	}

	metrics.ValidationDuration, err = meter.Float64Histogram(
		"license_validation_duration_seconds",
		metric.WithDescription("License validation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation duration histogram: %w", err)
	}

	metrics.ValidationCacheHits, err = meter.Int64Counter(
		"license_validation_cache_hits_total",
		metric.WithDescription("Total number of license validation cache hits"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation cache hits counter: %w", err)
	}

	metrics.ValidationCacheMisses, err = meter.Int64Counter(
		"license_validation_cache_misses_total",
		metric.WithDescription("Total number of license validation cache misses"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create validation cache misses counter: %w", err)
	}

	metrics.RefreshAttempts, err = meter.Int64Counter(
		"license_refresh_attempts_total",
		metric.WithDescription("Total number of license refresh attempts"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh attempts counter: %w", err)
	}

	metrics.RefreshOutcomes, err = meter.Int64Counter(
		"license_refresh_outcomes_total",
		metric.WithDescription("License refresh attempts by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh outcomes counter: %w", err)
	}

	metrics.RefreshDuration, err = meter.Float64Histogram(
		"license_refresh_duration_seconds",
		metric.WithDescription("License refresh duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh duration histogram: %w", err)
	}

	metrics.UpdateChecks, err = meter.Int64Counter(
		"agent_update_checks_total",
		metric.WithDescription("Update manifest checks by result"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create update checks counter: %w", err)
	}

	metrics.StateGauge, err = meter.Int64ObservableGauge(
		"license_state",
		metric.WithDescription("Current license state (0 unlicensed, 1 verifying, 2 valid, 3 expired, 4 revoked)"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create state gauge: %w", err)
	}

	_, err = meter.RegisterCallback(func(_ context.Context, observer metric.Observer) error {
		observer.ObserveInt64(metrics.StateGauge, metrics.stateValue.Load())
		return nil
	}, metrics.StateGauge)
	if err != nil {
		return nil, fmt.Errorf("failed to register state gauge callback: %w", err)
	}

	return metrics, nil
}

// SetState records the current state for the gauge observation.
func (lm *LicenseMetrics) SetState(state State) {
	lm.stateValue.Store(int64(state))
}

// RecordUpdateCheck counts one update manifest check by result.
func (lm *LicenseMetrics) RecordUpdateCheck(ctx context.Context, result string) {
	if lm == nil {
		return
	}
	lm.UpdateChecks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
		attribute.String("component", "updater"),
	))
}

// TraceValidation wraps license validation with OpenTelemetry tracing
func (m *Manager) TraceValidation(ctx context.Context, fn func(context.Context) (*ValidationResult, error)) (*ValidationResult, error) {
	tracer := otel.Tracer(TracerName)

	ctx, span := tracer.Start(ctx, "license.validation",
		trace.WithAttributes(
			attribute.String("license.operation", "validation"),
			attribute.String("component", "license_manager"),
		),
	)
	defer span.End()

	start := time.Now()
	result, err := fn(ctx)
	duration := time.Since(start)

	// Record metrics if available
	if m.metrics != nil {
		m.recordValidationMetrics(ctx, duration, result, err)
	}

	span.SetAttributes(
		attribute.Float64("license.duration_ms", float64(duration.Milliseconds())),
		attribute.Bool("license.success", err == nil),
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("license.error_type", "environmental"))
		return nil, err
	}

	span.SetAttributes(
		attribute.String("license.state", result.State.String()),
		attribute.Bool("license.valid", result.State == StateValid),
		attribute.Bool("license.degraded", result.Degraded),
	)

	if result.Err != nil {
		span.SetStatus(codes.Error, result.Err.Error())
		span.SetAttributes(attribute.String("license.error_type", classifyLicenseError(result.Err)))
	} else {
		span.SetStatus(codes.Ok, "License validation successful")
	}

	return result, nil
}

// TraceRefresh wraps a distributor refresh with OpenTelemetry tracing
func (d *Distributor) TraceRefresh(ctx context.Context, fn func(context.Context) (*RefreshResult, error)) (*RefreshResult, error) {
	tracer := otel.Tracer(TracerName)

	ctx, span := tracer.Start(ctx, "license.refresh",
		trace.WithAttributes(
			attribute.String("license.operation", "refresh"),
			attribute.String("component", "distributor"),
		),
	)
	defer span.End()

	start := time.Now()
	result, err := fn(ctx)
	duration := time.Since(start)

	if d.metrics != nil {
		d.recordRefreshMetrics(ctx, duration, result, err)
	}

	span.SetAttributes(
		attribute.Float64("license.duration_ms", float64(duration.Milliseconds())),
		attribute.Bool("license.success", err == nil),
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("license.error_type", "environmental"))
		return nil, err
	}

	span.SetAttributes(attribute.String("license.refresh_outcome", result.Outcome.String()))

	switch result.Outcome {
	case RefreshUpdated, RefreshUpToDate:
		span.SetStatus(codes.Ok, "License refresh completed")
	default:
		span.SetStatus(codes.Error, result.Outcome.String())
		if result.Err != nil {
			span.SetAttributes(attribute.String("license.error_type", classifyLicenseError(result.Err)))
		}
	}

	return result, nil
}

// recordCacheHit counts validation cache hits and misses.
func (m *Manager) recordCacheHit(ctx context.Context, hit bool) {
	if m.metrics == nil {
		return
	}

	labels := metric.WithAttributes(
		attribute.String("component", "license_manager"),
	)
	if hit {
		m.metrics.ValidationCacheHits.Add(ctx, 1, labels)
	} else {
		m.metrics.ValidationCacheMisses.Add(ctx, 1, labels)
	}
}

// recordValidationMetrics records validation-specific metrics
func (m *Manager) recordValidationMetrics(ctx context.Context, duration time.Duration, result *ValidationResult, err error) {
	if m.metrics == nil {
		return
	}

	labels := metric.WithAttributes(
		attribute.String("operation", "validation"),
		attribute.String("component", "license_manager"),
	)

	m.metrics.ValidationAttempts.Add(ctx, 1, labels)
	m.metrics.ValidationDuration.Record(ctx, duration.Seconds(), labels)

	outcome := "environmental_error"
	if err == nil && result != nil {
		outcome = result.State.String()
	}
	m.metrics.ValidationOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("component", "license_manager"),
	))
}

// recordRefreshMetrics records refresh-specific metrics
func (d *Distributor) recordRefreshMetrics(ctx context.Context, duration time.Duration, result *RefreshResult, err error) {
	if d.metrics == nil {
		return
	}

	labels := metric.WithAttributes(
		attribute.String("operation", "refresh"),
		attribute.String("component", "distributor"),
	)

	d.metrics.RefreshAttempts.Add(ctx, 1, labels)
	d.metrics.RefreshDuration.Record(ctx, duration.Seconds(), labels)

	outcome := "environmental_error"
	if err == nil && result != nil {
		outcome = result.Outcome.String()
	}
	d.metrics.RefreshOutcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("component", "distributor"),
	))
}

// classifyLicenseError classifies taxonomy sentinels for span attributes
// and log labels.
func classifyLicenseError(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, apperrors.ErrNotLicensed):
		return "not_licensed"
	case errors.Is(err, apperrors.ErrLicenseExpired):
		return "expired"
	case errors.Is(err, apperrors.ErrLicenseRevoked):
		return "revoked"
	case errors.Is(err, apperrors.ErrIntegrityFailure):
		return "integrity_failure"
	case errors.Is(err, apperrors.ErrGraceExpired):
		return "grace_expired"
	case errors.Is(err, apperrors.ErrRefreshRejected):
		return "refresh_rejected"
	case errors.Is(err, apperrors.ErrNetworkUnavailable):
		return "network_unavailable"
	case errors.Is(err, apperrors.ErrUpdateVerificationFailed):
		return "update_verification_failed"
	case errors.Is(err, apperrors.ErrVaultDecryptionFailed):
		return "vault_decryption_failed"
	default:
		return "unknown"
	}
}
