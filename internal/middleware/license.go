package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	apperrors "tsagent/internal/errors"
	"tsagent/internal/infrastructure"
	"tsagent/internal/license"
)

// LicenseGate blocks requests to the protected surface unless the installed
// license validates. The manager already collapses concurrent validations and
// caches fresh verdicts, so the gate holds no state of its own beyond the
// exclusion lists.
//
// The control surface (license, health, update, vault endpoints) is excluded
// so an operator can always diagnose and repair licensing on an unlicensed
// machine.
type LicenseGate struct {
	validator       Validator
	logger          *slog.Logger
	excludePaths    []string
	excludePrefixes []string
	enabled         bool
	metrics         *MiddlewareMetrics
}

// MiddlewareMetrics holds OpenTelemetry metrics for the license gate
type MiddlewareMetrics struct {
	RequestsTotal      metric.Int64Counter
	RequestsDenied     metric.Int64Counter
	PathExclusions     metric.Int64Counter
	ValidationDuration metric.Float64Histogram
}

// NewMiddlewareMetrics creates the gate's OpenTelemetry instruments
func NewMiddlewareMetrics(meter metric.Meter) (*MiddlewareMetrics, error) {
	requestsTotal, err := meter.Int64Counter("license_gate_requests_total",
		metric.WithDescription("Requests evaluated by the license gate"))
	if err != nil {
		return nil, err
	}

	requestsDenied, err := meter.Int64Counter("license_gate_requests_denied_total",
		metric.WithDescription("Requests denied by the license gate"))
	if err != nil {
		return nil, err
	}

	pathExclusions, err := meter.Int64Counter("license_gate_path_exclusions_total",
		metric.WithDescription("Requests that bypassed the gate via exclusion lists"))
	if err != nil {
		return nil, err
	}

	validationDuration, err := meter.Float64Histogram("license_gate_validation_duration_seconds",
		metric.WithDescription("Time spent obtaining a license verdict"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return &MiddlewareMetrics{
		RequestsTotal:      requestsTotal,
		RequestsDenied:     requestsDenied,
		PathExclusions:     pathExclusions,
		ValidationDuration: validationDuration,
	}, nil
}

// NewLicenseGate creates the license gate middleware
func NewLicenseGate(validator Validator, logger *slog.Logger) *LicenseGate {
	return &LicenseGate{
		validator: validator,
		logger:    logger.With(slog.String("component", "license_gate")),
		enabled:   true,
		excludePaths: []string{
			"/",
			"/api/license",
			"/api/update",
			"/api/vault",
			"/api/version",
			"/api/stats",
			"/ws",
			"/favicon.ico",
		},
		excludePrefixes: []string{
			"/api/license/",
			"/api/update/",
			"/api/vault/",
			"/api/health",
			"/metrics",
		},
	}
}

// Handler returns the middleware handler function
func (lg *LicenseGate) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if !lg.enabled {
			next.ServeHTTP(w, r)
			return
		}

		traceID := GetRequestID(ctx)
		if traceID == "" {
			traceID = infrastructure.TraceIDFromContext(ctx)
		}

		if lg.metrics != nil {
			lg.metrics.RequestsTotal.Add(ctx, 1, metric.WithAttributes(
				attribute.String("method", r.Method),
			))
		}

		if lg.shouldExcludePath(r.URL.Path) {
			if lg.metrics != nil {
				lg.metrics.PathExclusions.Add(ctx, 1)
			}
			lg.logger.DebugContext(ctx, "license gate bypassed for control path",
				slog.String("path", r.URL.Path),
				slog.String("trace_id", traceID))
			next.ServeHTTP(w, r)
			return
		}

		tracer := otel.Tracer("license-gate")
		ctx, span := tracer.Start(ctx, "license_gate.validate",
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.url", r.URL.Path),
			),
		)
		defer span.End()

		start := time.Now()
		result, err := lg.validator.Validate(ctx)
		elapsed := time.Since(start)

		if lg.metrics != nil {
			lg.metrics.ValidationDuration.Record(ctx, elapsed.Seconds())
		}

		// Environmental failure: the verdict could not be computed at all.
		if err != nil {
			span.RecordError(err)
			span.SetAttributes(attribute.String("license.gate", "error"))

			lg.logger.ErrorContext(ctx, "license verdict unavailable",
				slog.String("error", err.Error()),
				slog.String("path", r.URL.Path),
				slog.String("trace_id", traceID))

			lg.denied(ctx, r.URL.Path)
			problem := apperrors.NewProblemDetails(
				http.StatusServiceUnavailable,
				"/errors/license-check-unavailable",
				"License Check Unavailable",
				"The license state could not be determined. Please retry.",
				r.URL.Path+"#"+traceID,
			).WithExtension("trace_id", traceID)
			render.Render(w, r, problem)
			return
		}

		span.SetAttributes(
			attribute.String("license.state", result.State.String()),
			attribute.Bool("license.degraded", result.Degraded),
			attribute.Float64("license.duration_ms", float64(elapsed.Milliseconds())),
		)

		if result.State != license.StateValid {
			cause := result.Err
			if cause == nil {
				cause = verdictSentinel(result.State)
			}
			span.SetAttributes(attribute.String("license.denial", classifyVerdict(cause)))

			lg.logger.WarnContext(ctx, "request denied by license gate",
				slog.String("path", r.URL.Path),
				slog.String("state", result.State.String()),
				slog.String("reason", classifyVerdict(cause)),
				slog.String("trace_id", traceID))

			lg.denied(ctx, r.URL.Path)
			render.Render(w, r, apperrors.MapLicenseError(cause, traceID))
			return
		}

		next.ServeHTTP(w, r)
	})
}

// denied records the denial metric; the caller writes the response body.
func (lg *LicenseGate) denied(ctx context.Context, path string) {
	if lg.metrics != nil {
		lg.metrics.RequestsDenied.Add(ctx, 1, metric.WithAttributes(
			attribute.String("path", path),
		))
	}
}

// shouldExcludePath checks if a path bypasses the gate
func (lg *LicenseGate) shouldExcludePath(path string) bool {
	for _, excluded := range lg.excludePaths {
		if path == excluded {
			return true
		}
	}

	for _, prefix := range lg.excludePrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}

	return false
}

// AddExcludePath adds a path that bypasses the gate
func (lg *LicenseGate) AddExcludePath(path string) {
	lg.excludePaths = append(lg.excludePaths, path)
}

// AddExcludePrefix adds a path prefix that bypasses the gate
func (lg *LicenseGate) AddExcludePrefix(prefix string) {
	lg.excludePrefixes = append(lg.excludePrefixes, prefix)
}

// SetEnabled enables or disables the gate
func (lg *LicenseGate) SetEnabled(enabled bool) {
	lg.enabled = enabled
}

// SetMetrics sets the OpenTelemetry metrics for the gate
func (lg *LicenseGate) SetMetrics(metrics *MiddlewareMetrics) {
	lg.metrics = metrics
}

// verdictSentinel maps a non-valid state to its sentinel when the verdict
// carried no cause.
func verdictSentinel(state license.State) error {
	switch state {
	case license.StateExpired:
		return apperrors.ErrLicenseExpired
	case license.StateRevoked:
		return apperrors.ErrLicenseRevoked
	default:
		return apperrors.ErrNotLicensed
	}
}

// classifyVerdict categorizes denial causes for observability
func classifyVerdict(err error) string {
	switch {
	case err == nil:
		return ""
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
	case errors.Is(err, apperrors.ErrNetworkUnavailable):
		return "network_unavailable"
	default:
		return "unknown"
	}
}
