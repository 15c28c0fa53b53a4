package license

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"tsagent/internal/infrastructure"
)

// logOperation logs operation start/end with duration and OpenTelemetry
// correlation.
func (m *Manager) logOperation(ctx context.Context, operation string, start time.Time, err error) {
	logger := infrastructure.LoggerWithContext(ctx)
	duration := time.Since(start)

	traceID := infrastructure.TraceIDFromContext(ctx)
	span := trace.SpanFromContext(ctx)

	if span.IsRecording() {
		span.SetAttributes(
			attribute.String("license.operation", operation),
			attribute.Float64("license.duration_ms", float64(duration.Milliseconds())),
			attribute.Bool("license.success", err == nil),
		)

		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "Operation completed successfully")
		}
	}

	attrs := []slog.Attr{
		slog.String("operation", operation),
		slog.Duration("duration", duration),
		slog.String("trace_id", traceID),
		slog.String("component", "license_manager"),
	}

	if err != nil {
		attrs = append(attrs,
			slog.String("error", err.Error()),
			slog.String("error_type", "license_operation_error"),
		)
		logger.LogAttrs(ctx, slog.LevelError, "License operation failed", attrs...)
	} else {
		logger.LogAttrs(ctx, slog.LevelInfo, "License operation completed successfully", attrs...)
	}
}

// logAction logs a specific action with structured data and OpenTelemetry
// correlation.
func (m *Manager) logAction(ctx context.Context, level slog.Level, action, result string, attrs ...slog.Attr) {
	logger := infrastructure.LoggerWithContext(ctx)
	traceID := infrastructure.TraceIDFromContext(ctx)
	span := trace.SpanFromContext(ctx)

	if span.IsRecording() {
		infrastructure.AddSpanEvent(ctx, "license."+action, map[string]interface{}{
			"action":    action,
			"result":    result,
			"component": "license_manager",
		})
	}

	allAttrs := []slog.Attr{
		slog.String("component", "license_manager"),
		slog.String("action", action),
		slog.String("result", result),
		slog.String("trace_id", traceID),
	}
	allAttrs = append(allAttrs, attrs...)

	logger.LogAttrs(ctx, level, result, allAttrs...)
}

// logArtifactAction logs artifact-level actions with the fingerprint hashed
// for audit correlation. Raw fingerprints never reach the log stream.
func (m *Manager) logArtifactAction(ctx context.Context, level slog.Level, action, result, fingerprint string, attrs ...slog.Attr) {
	span := trace.SpanFromContext(ctx)

	if span.IsRecording() {
		span.SetAttributes(
			attribute.String("license.action", action),
			attribute.String("license.result", result),
			attribute.String("license.fingerprint_hash", HashFingerprint(fingerprint)),
			attribute.String("license.operation_category", getLicenseOperationCategory(action)),
		)

		infrastructure.AddSpanEvent(ctx, "license.audit", map[string]interface{}{
			"action":           action,
			"result":           result,
			"fingerprint_hash": HashFingerprint(fingerprint),
			"security_level":   "license_operation",
		})
	}

	artifactAttrs := []slog.Attr{
		slog.String("fingerprint_hash", HashFingerprint(fingerprint)),
		slog.String("license_operation_category", getLicenseOperationCategory(action)),
		slog.String("audit_category", "license_security"),
	}
	artifactAttrs = append(artifactAttrs, attrs...)

	m.logAction(ctx, level, action, result, artifactAttrs...)
}

// HashFingerprint creates a short hash of a fingerprint for audit trails
// and diagnostics. Logs carry this instead of the raw value.
func HashFingerprint(fingerprint string) string {
	if fingerprint == "" {
		return ""
	}
	h := sha256.Sum256([]byte(fingerprint))
	return fmt.Sprintf("%x", h)[:16]
}

// getLicenseOperationCategory categorizes license operations for metrics.
func getLicenseOperationCategory(action string) string {
	switch {
	case strings.Contains(action, "validation"):
		return "validation"
	case strings.Contains(action, "refresh"):
		return "refresh"
	case strings.Contains(action, "grace"):
		return "grace"
	case strings.Contains(action, "artifact"):
		return "artifact"
	case strings.Contains(action, "cache"):
		return "cache"
	default:
		return "other"
	}
}

// Helper methods for specific log levels
func (m *Manager) logDebug(ctx context.Context, action, result string, attrs ...slog.Attr) {
	m.logAction(ctx, slog.LevelDebug, action, result, attrs...)
}

func (m *Manager) logInfo(ctx context.Context, action, result string, attrs ...slog.Attr) {
	m.logAction(ctx, slog.LevelInfo, action, result, attrs...)
}

func (m *Manager) logWarn(ctx context.Context, action, result string, attrs ...slog.Attr) {
	m.logAction(ctx, slog.LevelWarn, action, result, attrs...)
}

func (m *Manager) logError(ctx context.Context, action, result string, attrs ...slog.Attr) {
	m.logAction(ctx, slog.LevelError, action, result, attrs...)
}
