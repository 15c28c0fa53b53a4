package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "tsagent/internal/errors"
	"tsagent/internal/services"
)

// MockLicenseService implements services.LicenseService for handler tests
type MockLicenseService struct {
	mock.Mock
}

func (m *MockLicenseService) GetStatus(ctx context.Context) (*services.LicenseStatusResponse, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.LicenseStatusResponse), args.Error(1)
}

func (m *MockLicenseService) Refresh(ctx context.Context) (*services.RefreshResponse, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.RefreshResponse), args.Error(1)
}

func (m *MockLicenseService) Fingerprint(ctx context.Context) (*services.FingerprintResponse, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.FingerprintResponse), args.Error(1)
}

func (m *MockLicenseService) Diagnostics(ctx context.Context) (*services.DiagnosticsResponse, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*services.DiagnosticsResponse), args.Error(1)
}

func (m *MockLicenseService) InvalidateCache(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func decodeBody(t *testing.T, res *http.Response) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	return body
}

func TestLicenseHandler_GetStatus(t *testing.T) {
	expires := time.Now().UTC().Add(365 * 24 * time.Hour)

	tests := []struct {
		name           string
		setupMock      func(*MockLicenseService)
		expectedStatus int
		expectedBody   func(*testing.T, map[string]interface{})
	}{
		{
			name: "valid license returns state in body",
			setupMock: func(m *MockLicenseService) {
				m.On("GetStatus", mock.Anything).Return(&services.LicenseStatusResponse{
					Status:    "valid",
					Message:   "License valid until 2027-08-23",
					Licensee:  "Meridian Analytics Ltd",
					Features:  []string{"realtime"},
					ExpiresAt: &expires,
					DaysLeft:  364,
					CheckedAt: time.Now().UTC(),
					Timestamp: time.Now().UTC(),
				}, nil)
			},
			expectedStatus: http.StatusOK,
			expectedBody: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "valid", body["status"])
				assert.Equal(t, float64(364), body["days_left"])
				assert.Equal(t, "Meridian Analytics Ltd", body["licensee"])
				assert.NotNil(t, body["features"])
			},
		},
		{
			name: "expired license is a routine response, not an error",
			setupMock: func(m *MockLicenseService) {
				m.On("GetStatus", mock.Anything).Return(&services.LicenseStatusResponse{
					Status:    "expired",
					Message:   "License expired; request a renewed artifact set",
					CheckedAt: time.Now().UTC(),
					Timestamp: time.Now().UTC(),
				}, nil)
			},
			expectedStatus: http.StatusOK,
			expectedBody: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "expired", body["status"])
				assert.Contains(t, body["message"], "expired")
			},
		},
		{
			name: "integrity failure maps to conflict problem",
			setupMock: func(m *MockLicenseService) {
				m.On("GetStatus", mock.Anything).Return(nil,
					fmt.Errorf("%w: manifest hash mismatch", apperrors.ErrIntegrityFailure))
			},
			expectedStatus: http.StatusConflict,
			expectedBody: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "/errors/integrity-failure", body["type"])
				assert.Equal(t, "INTEGRITY_FAILURE", body["error_code"])
			},
		},
		{
			name: "network fault maps to service unavailable",
			setupMock: func(m *MockLicenseService) {
				m.On("GetStatus", mock.Anything).Return(nil, apperrors.ErrNetworkUnavailable)
			},
			expectedStatus: http.StatusServiceUnavailable,
			expectedBody: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "/errors/network-unavailable", body["type"])
				assert.Equal(t, "NETWORK_UNAVAILABLE", body["error_code"])
			},
		},
		{
			name: "canceled request maps to client timeout",
			setupMock: func(m *MockLicenseService) {
				m.On("GetStatus", mock.Anything).Return(nil, context.Canceled)
			},
			expectedStatus: http.StatusRequestTimeout,
			expectedBody: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "/errors/request-canceled", body["type"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockService := new(MockLicenseService)
			handler := NewLicenseHandler(mockService, discardLogger())
			tt.setupMock(mockService)

			req := httptest.NewRequest(http.MethodGet, "/api/license/status", nil)
			w := httptest.NewRecorder()

			handler.GetStatus(w, req)

			res := w.Result()
			defer res.Body.Close()

			assert.Equal(t, tt.expectedStatus, res.StatusCode)
			tt.expectedBody(t, decodeBody(t, res))
			mockService.AssertExpectations(t)
		})
	}
}

func TestLicenseHandler_Refresh(t *testing.T) {
	tests := []struct {
		name           string
		setupMock      func(*MockLicenseService)
		expectedStatus int
		expectedBody   func(*testing.T, map[string]interface{})
	}{
		{
			name: "updated artifacts report outcome and new state",
			setupMock: func(m *MockLicenseService) {
				m.On("Refresh", mock.Anything).Return(&services.RefreshResponse{
					Outcome:   "updated",
					State:     "valid",
					Message:   "New artifacts installed; license is now valid",
					CheckedAt: time.Now().UTC(),
				}, nil)
			},
			expectedStatus: http.StatusOK,
			expectedBody: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "updated", body["outcome"])
				assert.Equal(t, "valid", body["state"])
			},
		},
		{
			name: "missing source configuration is a conflict",
			setupMock: func(m *MockLicenseService) {
				m.On("Refresh", mock.Anything).Return(nil,
					fmt.Errorf("%w: refresh requires a licensing source URL", services.ErrSourceNotConfigured))
			},
			expectedStatus: http.StatusConflict,
			expectedBody: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "/errors/source-not-configured", body["type"])
				assert.Equal(t, "Licensing Source Not Configured", body["title"])
			},
		},
		{
			name: "rejected artifacts map to bad gateway",
			setupMock: func(m *MockLicenseService) {
				m.On("Refresh", mock.Anything).Return(nil,
					fmt.Errorf("%w: manifest fetch status 403", apperrors.ErrRefreshRejected))
			},
			expectedStatus: http.StatusBadGateway,
			expectedBody: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "REFRESH_REJECTED", body["error_code"])
			},
		},
		{
			name: "unreachable source maps to service unavailable",
			setupMock: func(m *MockLicenseService) {
				m.On("Refresh", mock.Anything).Return(nil, apperrors.ErrNetworkUnavailable)
			},
			expectedStatus: http.StatusServiceUnavailable,
			expectedBody: func(t *testing.T, body map[string]interface{}) {
				assert.Equal(t, "NETWORK_UNAVAILABLE", body["error_code"])
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockService := new(MockLicenseService)
			handler := NewLicenseHandler(mockService, discardLogger())
			tt.setupMock(mockService)

			req := httptest.NewRequest(http.MethodPost, "/api/license/refresh", nil)
			w := httptest.NewRecorder()

			handler.Refresh(w, req)

			res := w.Result()
			defer res.Body.Close()

			assert.Equal(t, tt.expectedStatus, res.StatusCode)
			tt.expectedBody(t, decodeBody(t, res))
			mockService.AssertExpectations(t)
		})
	}
}

func TestLicenseHandler_Fingerprint(t *testing.T) {
	mockService := new(MockLicenseService)
	handler := NewLicenseHandler(mockService, discardLogger())

	mockService.On("Fingerprint", mock.Anything).Return(&services.FingerprintResponse{
		Fingerprint: "a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d7e8f90",
		Degraded:    false,
		Components:  map[string]string{"hostname": "workstation-7", "mac": "00:1a:2b:3c:4d:5e"},
		GeneratedAt: time.Now().UTC(),
	}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/license/fingerprint", nil)
	w := httptest.NewRecorder()

	handler.Fingerprint(w, req)

	res := w.Result()
	defer res.Body.Close()

	require.Equal(t, http.StatusOK, res.StatusCode)
	body := decodeBody(t, res)
	assert.Len(t, body["fingerprint"], 64)
	assert.Equal(t, false, body["degraded"])
	components, ok := body["components"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "workstation-7", components["hostname"])
	mockService.AssertExpectations(t)
}

func TestLicenseHandler_Diagnostics(t *testing.T) {
	mockService := new(MockLicenseService)
	handler := NewLicenseHandler(mockService, discardLogger())

	mockService.On("Diagnostics", mock.Anything).Return(&services.DiagnosticsResponse{
		State:            "unlicensed",
		LicensePath:      "/home/op/.config/tsagent/license/license.dat",
		LicensePresent:   false,
		ManifestPresent:  false,
		Cache:            map[string]interface{}{"cached": false},
		SourceConfigured: false,
		Timestamp:        time.Now().UTC(),
	}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/license/diagnostics", nil)
	w := httptest.NewRecorder()

	handler.Diagnostics(w, req)

	res := w.Result()
	defer res.Body.Close()

	require.Equal(t, http.StatusOK, res.StatusCode)
	body := decodeBody(t, res)
	assert.Equal(t, "unlicensed", body["state"])
	assert.Equal(t, false, body["license_present"])
	assert.Equal(t, false, body["source_configured"])
	mockService.AssertExpectations(t)
}

func TestLicenseHandler_InvalidateCache(t *testing.T) {
	mockService := new(MockLicenseService)
	handler := NewLicenseHandler(mockService, discardLogger())

	mockService.On("InvalidateCache", mock.Anything).Return(nil)

	req := httptest.NewRequest(http.MethodPost, "/api/license/invalidate-cache", nil)
	w := httptest.NewRecorder()

	handler.InvalidateCache(w, req)

	res := w.Result()
	defer res.Body.Close()

	require.Equal(t, http.StatusOK, res.StatusCode)
	body := decodeBody(t, res)
	assert.Equal(t, true, body["success"])
	assert.Contains(t, body["message"], "invalidated")
	mockService.AssertExpectations(t)
}

// TestLicenseHandler_Routes exercises the mounted router end to end so
// route registration and the request-ID plumbing are covered together.
func TestLicenseHandler_Routes(t *testing.T) {
	mockService := new(MockLicenseService)
	mockService.On("GetStatus", mock.Anything).Return(&services.LicenseStatusResponse{
		Status: "valid", CheckedAt: time.Now().UTC(), Timestamp: time.Now().UTC(),
	}, nil)
	mockService.On("Diagnostics", mock.Anything).Return(&services.DiagnosticsResponse{
		State: "valid", Timestamp: time.Now().UTC(),
	}, nil)

	handler := NewLicenseHandler(mockService, discardLogger())
	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Mount("/api/license", handler.Routes())

	t.Run("registered routes answer", func(t *testing.T) {
		for _, path := range []string{"/api/license/status", "/api/license/diagnostics"} {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, http.StatusOK, w.Code, path)
		}
	})

	t.Run("wrong method is rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/license/refresh", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	})

	t.Run("unknown route is not found", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/license/activate", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"deadline", context.DeadlineExceeded, "timeout"},
		{"network", fmt.Errorf("%w: dial tcp", apperrors.ErrNetworkUnavailable), "network_unavailable"},
		{"rejected", apperrors.ErrRefreshRejected, "refresh_rejected"},
		{"integrity", apperrors.ErrIntegrityFailure, "integrity_failure"},
		{"vault", apperrors.ErrVaultDecryptionFailed, "vault_decryption_failed"},
		{"no source", services.ErrSourceNotConfigured, "source_not_configured"},
		{"other", fmt.Errorf("disk on fire"), "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyError(tt.err))
		})
	}
}
