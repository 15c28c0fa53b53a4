package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPredefinedLicenseErrors(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		description string
	}{
		{
			name:        "ErrNotLicensed",
			err:         ErrNotLicensed,
			description: "should be not licensed sentinel error",
		},
		{
			name:        "ErrLicenseExpired",
			err:         ErrLicenseExpired,
			description: "should be license expired sentinel error",
		},
		{
			name:        "ErrLicenseRevoked",
			err:         ErrLicenseRevoked,
			description: "should be license revoked sentinel error",
		},
		{
			name:        "ErrIntegrityFailure",
			err:         ErrIntegrityFailure,
			description: "should be integrity failure sentinel error",
		},
		{
			name:        "ErrVaultDecryptionFailed",
			err:         ErrVaultDecryptionFailed,
			description: "should be vault decryption failure sentinel error",
		},
		{
			name:        "ErrNetworkUnavailable",
			err:         ErrNetworkUnavailable,
			description: "should be network unavailable sentinel error",
		},
		{
			name:        "ErrUpdateVerificationFailed",
			err:         ErrUpdateVerificationFailed,
			description: "should be update verification failure sentinel error",
		},
		{
			name:        "ErrRefreshRejected",
			err:         ErrRefreshRejected,
			description: "should be refresh rejected sentinel error",
		},
		{
			name:        "ErrGraceExpired",
			err:         ErrGraceExpired,
			description: "should be grace expired sentinel error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotNil(t, tt.err, tt.description)
			assert.NotEmpty(t, tt.err.Error(), "error should have a message")
		})
	}
}

func TestMapLicenseError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{
			name:       "not licensed maps to precondition required",
			err:        ErrNotLicensed,
			wantStatus: http.StatusPreconditionRequired,
			wantCode:   "NOT_LICENSED",
		},
		{
			name:       "expired maps to forbidden",
			err:        ErrLicenseExpired,
			wantStatus: http.StatusForbidden,
			wantCode:   "LICENSE_EXPIRED",
		},
		{
			name:       "revoked maps to forbidden",
			err:        ErrLicenseRevoked,
			wantStatus: http.StatusForbidden,
			wantCode:   "LICENSE_REVOKED",
		},
		{
			name:       "integrity failure maps to conflict",
			err:        ErrIntegrityFailure,
			wantStatus: http.StatusConflict,
			wantCode:   "INTEGRITY_FAILURE",
		},
		{
			name:       "vault decryption maps to internal error",
			err:        ErrVaultDecryptionFailed,
			wantStatus: http.StatusInternalServerError,
			wantCode:   "VAULT_DECRYPTION_FAILED",
		},
		{
			name:       "network unavailable maps to service unavailable",
			err:        ErrNetworkUnavailable,
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   "NETWORK_UNAVAILABLE",
		},
		{
			name:       "update verification maps to conflict",
			err:        ErrUpdateVerificationFailed,
			wantStatus: http.StatusConflict,
			wantCode:   "UPDATE_VERIFICATION_FAILED",
		},
		{
			name:       "refresh rejected maps to bad gateway",
			err:        ErrRefreshRejected,
			wantStatus: http.StatusBadGateway,
			wantCode:   "REFRESH_REJECTED",
		},
		{
			name:       "grace expired maps to forbidden",
			err:        ErrGraceExpired,
			wantStatus: http.StatusForbidden,
			wantCode:   "GRACE_EXPIRED",
		},
		{
			name:       "wrapped sentinel is still recognized",
			err:        fmt.Errorf("validating artifacts: %w", ErrIntegrityFailure),
			wantStatus: http.StatusConflict,
			wantCode:   "INTEGRITY_FAILURE",
		},
		{
			name:       "unknown error maps to internal error",
			err:        fmt.Errorf("boom"),
			wantStatus: http.StatusInternalServerError,
			wantCode:   "INTERNAL_ERROR",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			renderer := MapLicenseError(tt.err, "trace-123")
			require.NotNil(t, renderer)

			pd, ok := renderer.(*ProblemDetails)
			require.True(t, ok, "renderer should be ProblemDetails")
			assert.Equal(t, tt.wantStatus, pd.Status)
			assert.Equal(t, tt.wantCode, pd.Extensions["error_code"])
			assert.Equal(t, "trace-123", pd.Extensions["trace_id"])
		})
	}
}

func TestMapLicenseError_APIErrorPassthrough(t *testing.T) {
	renderer := MapLicenseError(ErrLicenseNotFound, "trace-456")
	require.NotNil(t, renderer)

	pd, ok := renderer.(*ProblemDetails)
	require.True(t, ok)
	assert.Equal(t, http.StatusNotFound, pd.Status)
	assert.Equal(t, "LICENSE_NOT_FOUND", pd.Extensions["error_code"])
}

func TestProblemDetails_Render(t *testing.T) {
	tests := []struct {
		name       string
		problem    *ProblemDetails
		wantStatus int
	}{
		{
			name: "render 403 problem",
			problem: &ProblemDetails{
				Type:   "/errors/license-expired",
				Title:  "License Expired",
				Status: http.StatusForbidden,
				Detail: "Your license has expired",
			},
			wantStatus: http.StatusForbidden,
		},
		{
			name: "render 503 problem",
			problem: &ProblemDetails{
				Type:   "/errors/network-unavailable",
				Title:  "Network Unavailable",
				Status: http.StatusServiceUnavailable,
				Detail: "License source unreachable",
			},
			wantStatus: http.StatusServiceUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest("GET", "/test", nil)

			err := tt.problem.Render(w, r)
			assert.NoError(t, err)
		})
	}
}

func TestProblemDetails_MarshalJSON(t *testing.T) {
	pd := NewProblemDetails(
		http.StatusForbidden,
		"/errors/license-revoked",
		"License Revoked",
		"Bound to a different machine",
		"/api/license#trace-789",
	).WithExtension("error_code", "LICENSE_REVOKED").
		WithExtension("trace_id", "trace-789")

	data, err := json.Marshal(pd)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, "/errors/license-revoked", decoded["type"])
	assert.Equal(t, "License Revoked", decoded["title"])
	assert.Equal(t, float64(http.StatusForbidden), decoded["status"])
	assert.Equal(t, "Bound to a different machine", decoded["detail"])
	assert.Equal(t, "LICENSE_REVOKED", decoded["error_code"])
	assert.Equal(t, "trace-789", decoded["trace_id"])
}
