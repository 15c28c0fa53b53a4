package errors

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tsagent/internal/shared/testutil"
)

func TestNewErrorHandler(t *testing.T) {
	tests := []struct {
		name         string
		includeStack bool
	}{
		{
			name:         "create handler with stack traces",
			includeStack: true,
		},
		{
			name:         "create handler without stack traces",
			includeStack: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, _ := testutil.NewTestLogger(t)

			handler := NewErrorHandler(logger, tt.includeStack)

			assert.NotNil(t, handler)
			assert.Equal(t, tt.includeStack, handler.includeStack)
			assert.NotNil(t, handler.logger)
		})
	}
}

func TestErrorHandler_HandleError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
		wantTitle  string
	}{
		{
			name:       "handle nil error",
			err:        nil,
			wantStatus: 0, // No response written
		},
		{
			name:       "handle context deadline exceeded",
			err:        context.DeadlineExceeded,
			wantStatus: http.StatusGatewayTimeout,
			wantType:   TypeTimeout,
			wantTitle:  "Request Timeout",
		},
		{
			name:       "handle context canceled",
			err:        context.Canceled,
			wantStatus: http.StatusGatewayTimeout,
			wantType:   TypeTimeout,
			wantTitle:  "Request Timeout",
		},
		{
			name:       "handle APIError",
			err:        ErrInvalidRequest,
			wantStatus: http.StatusBadRequest,
			wantType:   TypeValidation,
			wantTitle:  "Bad Request",
		},
		{
			name:       "handle not licensed sentinel",
			err:        ErrNotLicensed,
			wantStatus: http.StatusPreconditionRequired,
			wantType:   "/errors/not-licensed",
			wantTitle:  "Not Licensed",
		},
		{
			name:       "handle wrapped expired sentinel",
			err:        fmt.Errorf("validation: %w", ErrLicenseExpired),
			wantStatus: http.StatusForbidden,
			wantType:   "/errors/license-expired",
			wantTitle:  "License Expired",
		},
		{
			name:       "handle wrapped revoked sentinel",
			err:        fmt.Errorf("validation: %w", ErrLicenseRevoked),
			wantStatus: http.StatusForbidden,
			wantType:   "/errors/license-revoked",
			wantTitle:  "License Revoked",
		},
		{
			name:       "handle vault decryption sentinel",
			err:        fmt.Errorf("credential read: %w", ErrVaultDecryptionFailed),
			wantStatus: http.StatusInternalServerError,
			wantType:   "/errors/vault-decryption-failed",
			wantTitle:  "Vault Decryption Failed",
		},
		{
			name:       "handle plain not found text",
			err:        fmt.Errorf("staged binary not found"),
			wantStatus: http.StatusNotFound,
			wantType:   TypeNotFound,
			wantTitle:  "Resource Not Found",
		},
		{
			name:       "handle unknown error",
			err:        fmt.Errorf("something unexpected"),
			wantStatus: http.StatusInternalServerError,
			wantType:   TypeInternal,
			wantTitle:  "Internal Server Error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, logs := testutil.NewTestLogger(t)
			handler := NewErrorHandler(logger, false)

			req := httptest.NewRequest(http.MethodGet, "/api/license/status", nil)
			rec := httptest.NewRecorder()

			handler.HandleError(rec, req, tt.err)

			if tt.err == nil {
				assert.Equal(t, http.StatusOK, rec.Code) // untouched recorder default
				assert.Zero(t, rec.Body.Len())
				assert.Equal(t, 0, logs.Count())
				return
			}

			assert.Equal(t, tt.wantStatus, rec.Code)

			var problem map[string]interface{}
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&problem))
			assert.Equal(t, tt.wantType, problem["type"])
			assert.Equal(t, tt.wantTitle, problem["title"])
			assert.Equal(t, "/api/license/status", problem["instance"])

			testutil.AssertLogContains(t, logs, slog.LevelError, "request failed")
		})
	}
}

func TestErrorHandler_HandleError_StackTrace(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)

	tests := []struct {
		name         string
		includeStack bool
	}{
		{name: "stack attached in development mode", includeStack: true},
		{name: "stack omitted in production mode", includeStack: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewErrorHandler(logger, tt.includeStack)

			req := httptest.NewRequest(http.MethodGet, "/api/test", nil)
			rec := httptest.NewRecorder()

			handler.HandleError(rec, req, fmt.Errorf("boom"))

			var problem map[string]interface{}
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&problem))

			_, hasStack := problem["stack"]
			assert.Equal(t, tt.includeStack, hasStack)
		})
	}
}

func TestErrorHandler_ErrorToProblem_APIErrorMapping(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	handler := NewErrorHandler(logger, false)
	req := httptest.NewRequest(http.MethodPost, "/api/vault/credentials", nil)

	tests := []struct {
		name     string
		apiErr   *APIError
		wantType string
	}{
		{
			name:     "validation code maps to validation type",
			apiErr:   ErrValidationFailed,
			wantType: TypeValidation,
		},
		{
			name:     "not found code maps to not found type",
			apiErr:   ErrUpdateNotFound,
			wantType: TypeNotFound,
		},
		{
			name:     "unauthorized code maps to unauthorized type",
			apiErr:   ErrUnauthorized,
			wantType: TypeUnauthorized,
		},
		{
			name:     "rate limit code maps to rate limit type",
			apiErr:   ErrRateLimitExceeded,
			wantType: TypeRateLimit,
		},
		{
			name:     "unknown code falls back to internal type",
			apiErr:   New(http.StatusTeapot, "SOMETHING_ELSE", "teapot"),
			wantType: TypeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			problem := handler.ErrorToProblem(tt.apiErr, req)

			assert.Equal(t, tt.wantType, problem.Type)
			assert.Equal(t, tt.apiErr.StatusCode, problem.Status)
			assert.Equal(t, "/api/vault/credentials", problem.Instance)
			assert.Equal(t, tt.apiErr.ErrorCode, problem.Extensions["error_code"])
		})
	}
}

func TestErrorHandler_ErrorToProblem_APIErrorDetails(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	handler := NewErrorHandler(logger, false)
	req := httptest.NewRequest(http.MethodGet, "/api/test", nil)

	apiErr := NewWithDetails(http.StatusBadRequest, "VALIDATION_FAILED", "bad field", "name is required")
	problem := handler.ErrorToProblem(apiErr, req)

	assert.Equal(t, "name is required", problem.Extensions["details"])
}

func TestErrorHandler_NotFound(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	handler := NewErrorHandler(logger, false)

	req := httptest.NewRequest(http.MethodGet, "/api/nope", nil)
	rec := httptest.NewRecorder()

	handler.NotFound(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)

	var problem map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&problem))
	assert.Equal(t, TypeNotFound, problem["type"])
	assert.Equal(t, "/api/nope", problem["instance"])
}

func TestErrorHandler_MethodNotAllowed(t *testing.T) {
	logger, _ := testutil.NewTestLogger(t)
	handler := NewErrorHandler(logger, false)

	req := httptest.NewRequest(http.MethodDelete, "/api/license/status", nil)
	rec := httptest.NewRecorder()

	handler.MethodNotAllowed(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	var problem map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&problem))
	assert.Equal(t, "Method Not Allowed", problem["title"])
	assert.Contains(t, problem["detail"], http.MethodDelete)
}
