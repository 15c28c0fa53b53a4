package http

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	apperrors "tsagent/internal/errors"
	"tsagent/internal/infrastructure"
	"tsagent/internal/security"
	"tsagent/internal/services"
)

// StructValidator validates request payloads against their struct tags.
// Satisfied by the validation middleware so the router and handlers
// share one registry of custom rules.
type StructValidator interface {
	ValidateStruct(v interface{}) error
}

// VaultHandler serves the credential-vault control endpoints. The
// surface is write-only: values go in sealed, names come out, stored
// values never do.
type VaultHandler struct {
	service  services.VaultService
	validate StructValidator
	logger   *slog.Logger
}

// NewVaultHandler creates a new vault handler
func NewVaultHandler(service services.VaultService, validate StructValidator, logger *slog.Logger) *VaultHandler {
	return &VaultHandler{
		service:  service,
		validate: validate,
		logger:   logger.With(slog.String("handler", "vault")),
	}
}

// SetCredentialRequest stores one named secret. The value is accepted
// here, enveloped immediately, and never served back.
type SetCredentialRequest struct {
	Name  string `json:"name" validate:"required,credname"`
	Value string `json:"value" validate:"required"`
}

// credentialNameParam wraps a URL parameter so path-borne names pass
// the same charset rule as body-borne ones.
type credentialNameParam struct {
	Name string `json:"name" validate:"required,credname"`
}

// Routes returns the router mounted at /api/vault.
func (h *VaultHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Timeout(15 * time.Second))

	r.Get("/status", h.Status)
	r.Post("/migrate", h.Migrate)
	r.Get("/credentials", h.ListCredentials)
	r.Post("/credentials", h.SetCredential)
	r.Delete("/credentials/{name}", h.DeleteCredential)

	return r
}

// Status handles GET /api/vault/status.
func (h *VaultHandler) Status(w http.ResponseWriter, r *http.Request) {
	response, err := h.service.Status(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	render.JSON(w, r, response)
}

// Migrate handles POST /api/vault/migrate: re-encrypt any legacy
// plaintext credentials in place. Takes no request body.
func (h *VaultHandler) Migrate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	response, err := h.service.Migrate(ctx)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "vault migration served",
		slog.String("request_id", reqID),
		slog.Int("migrated", response.Migrated),
	)

	render.JSON(w, r, response)
}

// ListCredentials handles GET /api/vault/credentials. Names only.
func (h *VaultHandler) ListCredentials(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	names, err := h.service.ListCredentials(ctx)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	response := struct {
		Credentials []string `json:"credentials"`
		Count       int      `json:"count"`
		TraceID     string   `json:"trace_id"`
	}{
		Credentials: names,
		Count:       len(names),
		TraceID:     middleware.GetReqID(ctx),
	}

	render.JSON(w, r, response)
}

// SetCredential handles POST /api/vault/credentials. The plaintext
// value crosses this boundary exactly once, on the way into the vault;
// it is never logged and never readable back out.
func (h *VaultHandler) SetCredential(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	req := &SetCredentialRequest{}
	if err := render.Decode(r, req); err != nil {
		h.logger.WarnContext(ctx, "malformed set-credential request",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
		)
		render.Render(w, r, apperrors.InvalidRequestWithError(err))
		return
	}

	if err := h.validate.ValidateStruct(req); err != nil {
		h.renderValidationError(w, r, err)
		return
	}

	if err := h.service.SetCredential(ctx, req.Name, req.Value); err != nil {
		h.handleError(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "credential stored",
		slog.String("request_id", reqID),
		slog.String("name", req.Name),
	)

	response := struct {
		Success bool   `json:"success"`
		Name    string `json:"name"`
		Message string `json:"message"`
		TraceID string `json:"trace_id"`
	}{
		Success: true,
		Name:    req.Name,
		Message: "Credential stored.",
		TraceID: reqID,
	}

	render.JSON(w, r, response)
}

// DeleteCredential handles DELETE /api/vault/credentials/{name}.
func (h *VaultHandler) DeleteCredential(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	param := &credentialNameParam{Name: chi.URLParam(r, "name")}
	if err := h.validate.ValidateStruct(param); err != nil {
		h.renderValidationError(w, r, err)
		return
	}

	if err := h.service.DeleteCredential(ctx, param.Name); err != nil {
		h.handleError(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "credential deleted",
		slog.String("request_id", reqID),
		slog.String("name", param.Name),
	)

	response := struct {
		Success bool   `json:"success"`
		Name    string `json:"name"`
		Message string `json:"message"`
		TraceID string `json:"trace_id"`
	}{
		Success: true,
		Name:    param.Name,
		Message: "Credential deleted.",
		TraceID: reqID,
	}

	render.JSON(w, r, response)
}

// renderValidationError renders struct-validation failures, which come
// back from the validator as renderable API errors already.
func (h *VaultHandler) renderValidationError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *apperrors.APIError
	if errors.As(err, &apiErr) {
		render.Render(w, r, apiErr)
		return
	}
	h.handleError(w, r, err)
}

// handleError maps vault failures to problem documents. Decryption
// failures go through the shared mapper so they keep their distinct
// error code.
func (h *VaultHandler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)
	traceID := infrastructure.GetTraceID(ctx)
	if traceID == "" {
		traceID = reqID
	}

	// Error text carries credential names at most, never values
	h.logger.ErrorContext(ctx, "vault request failed",
		slog.String("error", err.Error()),
		slog.String("request_id", reqID),
		slog.String("path", r.URL.Path),
		slog.String("method", r.Method),
	)

	var problem render.Renderer
	switch {
	case errors.Is(err, services.ErrInvalidInput):
		problem = apperrors.NewProblemDetails(
			http.StatusBadRequest,
			"/errors/invalid-input",
			"Invalid Input",
			"Credential name and value must both be non-empty.",
			r.URL.Path+"#"+reqID,
		).WithExtension("trace_id", traceID)

	case errors.Is(err, security.ErrCredentialNotFound):
		problem = apperrors.NewProblemDetails(
			http.StatusNotFound,
			"/errors/credential-not-found",
			"Credential Not Found",
			"No credential with that name is stored.",
			r.URL.Path+"#"+reqID,
		).WithExtension("trace_id", traceID)

	default:
		problem = apperrors.MapLicenseError(err, traceID)
	}

	render.Render(w, r, problem)
}
