package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "tsagent/internal/errors"
	"tsagent/internal/infrastructure"
	"tsagent/internal/services"
)

// LicenseHandler serves the license control endpoints. It is a thin
// layer over services.LicenseService; verdict logic lives below it and
// error mapping lives in the errors package.
type LicenseHandler struct {
	service services.LicenseService
	logger  *slog.Logger
}

// NewLicenseHandler creates a new license handler
func NewLicenseHandler(service services.LicenseService, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "license")),
	}
}

// Routes returns the router mounted at /api/license.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()

	// Refresh reaches out to the source; everything else is local
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/status", h.GetStatus)
	r.Post("/refresh", h.Refresh)
	r.Get("/fingerprint", h.Fingerprint)
	r.Get("/diagnostics", h.Diagnostics)
	r.Post("/invalidate-cache", h.InvalidateCache)

	return r
}

// GetStatus handles GET /api/license/status. Routine invalidity
// (expired, revoked, unlicensed) is a 200 with the state in the body;
// only environmental faults produce a problem document.
func (h *LicenseHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)
	tracer := otel.Tracer("license-handler")
	start := time.Now()

	ctx, span := tracer.Start(ctx, "license_handler.get_status",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/license/status"),
			attribute.String("request_id", reqID),
		),
	)
	defer span.End()

	statusCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	response, err := h.service.GetStatus(statusCtx)
	latency := time.Since(start)

	span.SetAttributes(
		attribute.Int64("request.latency_ms", latency.Milliseconds()),
		attribute.Bool("request.success", err == nil),
	)

	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("error.type", classifyError(err)))
		h.handleError(w, r, err)
		return
	}

	span.SetAttributes(
		attribute.String("license.state", response.Status),
		attribute.Bool("license.degraded", response.Degraded),
	)

	h.logger.InfoContext(ctx, "license status served",
		slog.String("request_id", reqID),
		slog.Duration("latency", latency),
		slog.String("state", response.Status),
		slog.Int("days_left", response.DaysLeft),
	)

	render.JSON(w, r, response)
}

// Refresh handles POST /api/license/refresh: pull fresh artifacts from
// the source and revalidate. The same cycle the background scheduler
// runs, triggered on demand. Takes no request body.
func (h *LicenseHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)
	tracer := otel.Tracer("license-handler")

	ctx, span := tracer.Start(ctx, "license_handler.refresh",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", "/api/license/refresh"),
			attribute.String("request_id", reqID),
		),
	)
	defer span.End()

	h.logger.InfoContext(ctx, "license refresh requested",
		slog.String("request_id", reqID),
		slog.String("remote_addr", r.RemoteAddr),
	)

	// Kept under the 30s route timeout so the route deadline never wins
	refreshCtx, cancel := context.WithTimeout(ctx, 25*time.Second)
	defer cancel()

	response, err := h.service.Refresh(refreshCtx)
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("error.type", classifyError(err)))
		h.handleError(w, r, err)
		return
	}

	span.SetAttributes(
		attribute.String("refresh.outcome", response.Outcome),
		attribute.String("license.state", response.State),
	)
	infrastructure.AddSpanEvent(ctx, "license.refresh.complete", map[string]interface{}{
		"outcome": response.Outcome,
		"state":   response.State,
	})

	render.JSON(w, r, response)
}

// Fingerprint handles GET /api/license/fingerprint. The raw value is
// served here for the operator to quote when requesting a license; logs
// only ever carry its hash.
func (h *LicenseHandler) Fingerprint(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	fpCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	response, err := h.service.Fingerprint(fpCtx)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	render.JSON(w, r, response)
}

// Diagnostics handles GET /api/license/diagnostics, the support
// snapshot: artifact presence, cache statistics, grace window, source
// reachability.
func (h *LicenseHandler) Diagnostics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	diagCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	response, err := h.service.Diagnostics(diagCtx)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	render.JSON(w, r, response)
}

// InvalidateCache handles POST /api/license/invalidate-cache so support
// can force the next validation to hit the artifacts.
func (h *LicenseHandler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	if err := h.service.InvalidateCache(ctx); err != nil {
		h.handleError(w, r, err)
		return
	}

	response := struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
		TraceID string `json:"trace_id"`
	}{
		Success: true,
		Message: "License validation cache invalidated.",
		TraceID: reqID,
	}

	render.JSON(w, r, response)
}

// handleError centralizes error responses for the handler. Context and
// configuration failures get dedicated problem documents; everything
// else goes through the shared sentinel mapper.
func (h *LicenseHandler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)
	traceID := infrastructure.GetTraceID(ctx)
	if traceID == "" {
		traceID = reqID
	}

	h.logger.ErrorContext(ctx, "request failed",
		slog.String("error", err.Error()),
		slog.String("error_type", classifyError(err)),
		slog.String("request_id", reqID),
		slog.String("path", r.URL.Path),
		slog.String("method", r.Method),
	)

	var problem render.Renderer
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		problem = apperrors.NewProblemDetails(
			http.StatusGatewayTimeout,
			"/errors/timeout",
			"Request Timeout",
			"The request timed out while processing. Please try again.",
			r.URL.Path+"#"+reqID,
		).WithExtension("trace_id", traceID)

	case errors.Is(err, context.Canceled):
		problem = apperrors.NewProblemDetails(
			http.StatusRequestTimeout,
			"/errors/request-canceled",
			"Request Canceled",
			"The request was canceled before completion.",
			r.URL.Path+"#"+reqID,
		).WithExtension("trace_id", traceID)

	case errors.Is(err, services.ErrSourceNotConfigured):
		problem = apperrors.NewProblemDetails(
			http.StatusConflict,
			"/errors/source-not-configured",
			"Licensing Source Not Configured",
			"No licensing source URL is configured; set licensing.source_url (TSAGENT_LICENSING_SOURCE_URL) to enable refresh.",
			r.URL.Path+"#"+reqID,
		).WithExtension("trace_id", traceID)

	default:
		problem = apperrors.MapLicenseError(err, traceID)
	}

	render.Render(w, r, problem)
}

// classifyError buckets handler errors for logs and span attributes.
func classifyError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	case errors.Is(err, apperrors.ErrNetworkUnavailable):
		return "network_unavailable"
	case errors.Is(err, apperrors.ErrRefreshRejected):
		return "refresh_rejected"
	case errors.Is(err, apperrors.ErrIntegrityFailure):
		return "integrity_failure"
	case errors.Is(err, apperrors.ErrVaultDecryptionFailed):
		return "vault_decryption_failed"
	case errors.Is(err, services.ErrSourceNotConfigured):
		return "source_not_configured"
	default:
		return "internal"
	}
}
