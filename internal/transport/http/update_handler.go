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

// UpdateHandler serves the self-update control endpoints: inspect,
// check, stage, hand off. Downloads and digest checks live in the
// updater; this layer only shapes requests and responses.
type UpdateHandler struct {
	service services.UpdateService
	logger  *slog.Logger
}

// NewUpdateHandler creates a new update handler
func NewUpdateHandler(service services.UpdateService, logger *slog.Logger) *UpdateHandler {
	return &UpdateHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "update")),
	}
}

// Routes returns the router mounted at /api/update.
func (h *UpdateHandler) Routes() chi.Router {
	r := chi.NewRouter()

	// Apply downloads a full binary; give it room
	r.Use(middleware.Timeout(5 * time.Minute))

	r.Get("/status", h.Status)
	r.Post("/check", h.Check)
	r.Post("/apply", h.Apply)
	r.Post("/handoff", h.HandOff)

	return r
}

// Status handles GET /api/update/status. Purely local state: current
// version, last check, any discovered or staged update.
func (h *UpdateHandler) Status(w http.ResponseWriter, r *http.Request) {
	response, err := h.service.Status(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	render.JSON(w, r, response)
}

// Check handles POST /api/update/check: fetch the release manifest and
// compare versions. Takes no request body.
func (h *UpdateHandler) Check(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)
	tracer := otel.Tracer("update-handler")

	ctx, span := tracer.Start(ctx, "update_handler.check",
		trace.WithAttributes(
			attribute.String("http.route", "/api/update/check"),
			attribute.String("request_id", reqID),
		),
	)
	defer span.End()

	checkCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	response, err := h.service.Check(checkCtx)
	if err != nil {
		span.RecordError(err)
		h.handleError(w, r, err)
		return
	}

	span.SetAttributes(attribute.Bool("update.available", response.UpdateAvailable))
	if response.Manifest != nil {
		span.SetAttributes(attribute.String("update.version", response.Manifest.Version))
	}

	h.logger.InfoContext(ctx, "update check completed",
		slog.String("request_id", reqID),
		slog.Bool("update_available", response.UpdateAvailable),
	)

	render.JSON(w, r, response)
}

// Apply handles POST /api/update/apply: download the discovered update,
// verify its digest and leave it staged. Takes no request body; the
// manifest comes from the last check.
func (h *UpdateHandler) Apply(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)
	tracer := otel.Tracer("update-handler")

	ctx, span := tracer.Start(ctx, "update_handler.apply",
		trace.WithAttributes(
			attribute.String("http.route", "/api/update/apply"),
			attribute.String("request_id", reqID),
		),
	)
	defer span.End()

	response, err := h.service.Apply(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(attribute.String("error.type", classifyUpdateError(err)))
		h.handleError(w, r, err)
		return
	}

	span.SetAttributes(
		attribute.String("update.version", response.Staged.Version),
		attribute.Int64("update.size_bytes", response.Staged.Size),
	)
	infrastructure.AddSpanEvent(ctx, "update.staged", map[string]interface{}{
		"version": response.Staged.Version,
	})

	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, response)
}

// HandOff handles POST /api/update/handoff: launch the staged installer.
// The caller is expected to stop the agent right after a 202.
func (h *UpdateHandler) HandOff(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	if err := h.service.HandOff(ctx); err != nil {
		h.handleError(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "update hand-off accepted",
		slog.String("request_id", reqID),
	)

	response := struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
		TraceID string `json:"trace_id"`
	}{
		Success: true,
		Message: "Installer launched; restart the agent to finish the update.",
		TraceID: reqID,
	}

	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, response)
}

// handleError maps update failures to problem documents. State
// conflicts (nothing to apply, nothing staged, updates disabled) are
// 409s; verification and network failures go through the shared mapper.
func (h *UpdateHandler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)
	traceID := infrastructure.GetTraceID(ctx)
	if traceID == "" {
		traceID = reqID
	}

	h.logger.ErrorContext(ctx, "update request failed",
		slog.String("error", err.Error()),
		slog.String("error_type", classifyUpdateError(err)),
		slog.String("request_id", reqID),
		slog.String("path", r.URL.Path),
	)

	var problem render.Renderer
	switch {
	case errors.Is(err, services.ErrUpdatesDisabled):
		problem = apperrors.NewProblemDetails(
			http.StatusConflict,
			"/errors/updates-disabled",
			"Updates Disabled",
			"Update checking is disabled; set update.enabled (TSAGENT_UPDATE_ENABLED) and a manifest URL to enable it.",
			r.URL.Path+"#"+reqID,
		).WithExtension("trace_id", traceID)

	case errors.Is(err, services.ErrNoUpdateAvailable):
		problem = apperrors.NewProblemDetails(
			http.StatusConflict,
			"/errors/no-update-available",
			"No Update Available",
			"The agent is already running the latest published version.",
			r.URL.Path+"#"+reqID,
		).WithExtension("trace_id", traceID)

	case errors.Is(err, services.ErrNoStagedUpdate):
		problem = apperrors.NewProblemDetails(
			http.StatusConflict,
			"/errors/no-staged-update",
			"No Staged Update",
			"Nothing is staged for hand-off; run apply first.",
			r.URL.Path+"#"+reqID,
		).WithExtension("trace_id", traceID)

	case errors.Is(err, context.DeadlineExceeded):
		problem = apperrors.NewProblemDetails(
			http.StatusGatewayTimeout,
			"/errors/timeout",
			"Request Timeout",
			"The update operation timed out. Please try again.",
			r.URL.Path+"#"+reqID,
		).WithExtension("trace_id", traceID)

	default:
		problem = apperrors.MapLicenseError(err, traceID)
	}

	render.Render(w, r, problem)
}

// classifyUpdateError buckets update failures for logs and spans.
func classifyUpdateError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, services.ErrUpdatesDisabled):
		return "updates_disabled"
	case errors.Is(err, services.ErrNoUpdateAvailable):
		return "no_update_available"
	case errors.Is(err, services.ErrNoStagedUpdate):
		return "no_staged_update"
	case errors.Is(err, apperrors.ErrUpdateVerificationFailed):
		return "verification_failed"
	case errors.Is(err, apperrors.ErrNetworkUnavailable):
		return "network_unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal"
	}
}
