package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tsagent/internal/services"
	"tsagent/internal/updater"
)

func TestRunUpdateCheckUpToDate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(services.UpdateCheckResponse{
			CurrentVersion:  "1.4.0",
			UpdateAvailable: false,
			CheckedAt:       time.Now().UTC(),
		})
	}))
	defer srv.Close()

	var out bytes.Buffer
	err := RunUpdateCheck(context.Background(), NewClient(srv.URL, time.Second), "text", IOTuple{Writer: &out})

	require.NoError(t, err)
	assert.Contains(t, out.String(), "up to date (version 1.4.0)")
}

func TestRunUpdateCheckAvailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(services.UpdateCheckResponse{
			CurrentVersion:  "1.4.0",
			UpdateAvailable: true,
			Manifest: &updater.UpdateManifest{
				Version:     "1.5.0",
				URL:         "https://releases.example.com/agent-1.5.0",
				SHA256:      "aa11bb22cc33dd44ee55ff667788990011223344556677889900aabbccddeeff",
				Notes:       "faster refresh retries",
				PublishedAt: time.Now().UTC(),
			},
			CheckedAt: time.Now().UTC(),
		})
	}))
	defer srv.Close()

	var out bytes.Buffer
	err := RunUpdateCheck(context.Background(), NewClient(srv.URL, time.Second), "text", IOTuple{Writer: &out})

	require.NoError(t, err)
	assert.Contains(t, out.String(), "Update available: 1.4.0 -> 1.5.0")
	assert.Contains(t, out.String(), "faster refresh retries")
}

func TestRunUpdateApply(t *testing.T) {
	staged := &updater.StagedUpdate{
		Version:  "1.5.0",
		Path:     "/data/updates/agent-1.5.0",
		SHA256:   "aa11bb22cc33dd44ee55ff667788990011223344556677889900aabbccddeeff",
		Size:     1024,
		StagedAt: time.Now().UTC(),
	}

	var handOffCalled bool
	mux := http.NewServeMux()
	mux.HandleFunc("/api/update/apply", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(services.UpdateApplyResponse{
			Staged:  staged,
			Message: "Version 1.5.0 staged; hand off to install",
		})
	})
	mux.HandleFunc("/api/update/handoff", func(w http.ResponseWriter, r *http.Request) {
		handOffCalled = true
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"message": "Installer launched; restart the agent to finish the update.",
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	t.Run("stage only", func(t *testing.T) {
		var out bytes.Buffer
		err := RunUpdateApply(context.Background(), NewClient(srv.URL, time.Second), false, "text", IOTuple{Writer: &out})

		require.NoError(t, err)
		assert.False(t, handOffCalled)
		assert.Contains(t, out.String(), "Staged version: 1.5.0")
		assert.Contains(t, out.String(), "--handoff")
	})

	t.Run("stage and hand off", func(t *testing.T) {
		var out bytes.Buffer
		err := RunUpdateApply(context.Background(), NewClient(srv.URL, time.Second), true, "text", IOTuple{Writer: &out})

		require.NoError(t, err)
		assert.True(t, handOffCalled)
		assert.Contains(t, out.String(), "Installer launched")
	})
}

func TestRunUpdateApplyNothingToApply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"title":  "Conflict",
			"status": http.StatusConflict,
			"detail": "no update available to apply",
		})
	}))
	defer srv.Close()

	var out bytes.Buffer
	err := RunUpdateApply(context.Background(), NewClient(srv.URL, time.Second), false, "text", IOTuple{Writer: &out})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no update available to apply")
}
