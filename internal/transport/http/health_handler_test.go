package http

import (
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tsagent/internal/config"
	"tsagent/internal/license"
	"tsagent/internal/services"
)

// newHealthHandler builds the handler on a real service over a scratch
// data directory. A fresh manager reports Unlicensed, which is exactly
// the readiness shape worth pinning.
func newHealthHandler(t *testing.T) *HealthHandler {
	t.Helper()
	t.Setenv("TSAGENT_DATA_DIR", t.TempDir())

	paths, err := config.GetPaths()
	require.NoError(t, err)
	require.NoError(t, paths.EnsureDirectories())

	manager, err := license.NewManager(config.Default(), paths)
	require.NoError(t, err)

	service := services.NewHealthService("1.4.0-test", "2026-08-01T00:00:00Z", "abc123", paths, manager, nil, discardLogger())
	return NewHealthHandler(service, discardLogger())
}

func TestHealthHandler_Liveness(t *testing.T) {
	handler := newHealthHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health/live", nil)
	w := httptest.NewRecorder()

	handler.Liveness(w, req)

	res := w.Result()
	defer res.Body.Close()

	require.Equal(t, http.StatusOK, res.StatusCode)
	body := decodeBody(t, res)
	assert.Equal(t, "alive", body["status"])
	assert.Equal(t, "1.4.0-test", body["version"])
}

func TestHealthHandler_ReadinessUnlicensed(t *testing.T) {
	handler := newHealthHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/health/ready", nil)
	w := httptest.NewRecorder()

	handler.Readiness(w, req)

	res := w.Result()
	defer res.Body.Close()

	// Unlicensed agents answer 503 so orchestrators stop routing work
	require.Equal(t, http.StatusServiceUnavailable, res.StatusCode)
	body := decodeBody(t, res)
	assert.Equal(t, "not_ready", body["status"])
	assert.Contains(t, body, "services")
}

func TestHealthHandler_Version(t *testing.T) {
	handler := newHealthHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/version", nil)
	w := httptest.NewRecorder()

	handler.Version(w, req)

	res := w.Result()
	defer res.Body.Close()

	require.Equal(t, http.StatusOK, res.StatusCode)
	body := decodeBody(t, res)
	assert.Equal(t, "1.4.0-test", body["version"])
	assert.Equal(t, runtime.Version(), body["go_version"])
	assert.Equal(t, "2026-08-01T00:00:00Z", body["build_time"])
}

func TestHealthHandler_Stats(t *testing.T) {
	handler := newHealthHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	w := httptest.NewRecorder()

	handler.Stats(w, req)

	res := w.Result()
	defer res.Body.Close()

	require.Equal(t, http.StatusOK, res.StatusCode)
	body := decodeBody(t, res)
	assert.Contains(t, body, "uptime_seconds")
	assert.Equal(t, runtime.GOOS, body["os"])
}

func TestHealthHandler_Routes(t *testing.T) {
	handler := newHealthHandler(t)
	router := chi.NewRouter()
	router.Mount("/api/health", handler.Routes())

	req := httptest.NewRequest(http.MethodGet, "/api/health/live", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	// Bare /api/health doubles as the readiness probe
	req = httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
