package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// Licensing and protection error taxonomy (sentinel errors).
// Every routine failure in the subsystem maps onto exactly one of these so
// callers can branch with errors.Is instead of string matching.
var (
	// ErrNotLicensed means no license artifact is installed on this machine.
	ErrNotLicensed = errors.New("not licensed")

	// ErrLicenseExpired means the license exists, binds to this machine,
	// but its expiry timestamp has passed.
	ErrLicenseExpired = errors.New("license expired")

	// ErrLicenseRevoked means the license is bound to a different hardware
	// fingerprint. Takes precedence over expiry.
	ErrLicenseRevoked = errors.New("license revoked for this machine")

	// ErrIntegrityFailure means an artifact failed checksum or manifest
	// verification, or its sealed payload could not be opened.
	ErrIntegrityFailure = errors.New("license integrity verification failed")

	// ErrVaultDecryptionFailed means an enveloped credential could not be
	// decrypted. The ciphertext is never passed through as plaintext.
	ErrVaultDecryptionFailed = errors.New("vault decryption failed")

	// ErrNetworkUnavailable means the license source or update endpoint
	// could not be reached. Always non-fatal.
	ErrNetworkUnavailable = errors.New("license network unavailable")

	// ErrUpdateVerificationFailed means a downloaded update or its manifest
	// failed hash or signature verification.
	ErrUpdateVerificationFailed = errors.New("update verification failed")

	// ErrRefreshRejected means the license source answered authoritatively
	// but the artifacts were refused (bad hash, 401/403/404).
	ErrRefreshRejected = errors.New("license refresh rejected")

	// ErrGraceExpired means the offline grace window for mandatory online
	// validation has lapsed, or a clock rollback was detected.
	ErrGraceExpired = errors.New("offline grace period expired")
)

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	// Additional fields for extensibility
	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON custom marshaler to include extensions
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{})

	// Add standard fields
	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status

	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}

	// Add extensions
	for k, v := range pd.Extensions {
		data[k] = v
	}

	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

// MapLicenseError maps domain errors to HTTP problem details
func MapLicenseError(err error, traceID string) render.Renderer {
	instance := fmt.Sprintf("/api/license#trace-%s", traceID)

	// Check if it's an APIError from errors.go
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.ErrorCode == "LICENSE_NOT_FOUND" {
			return NewProblemDetails(
				http.StatusNotFound,
				"/errors/license-not-found",
				"License Not Found",
				"No license file found on this machine. Request license artifacts from your issuer.",
				instance,
			).WithExtension("trace_id", traceID).
				WithExtension("error_code", "LICENSE_NOT_FOUND")
		}
	}

	switch {
	case errors.Is(err, ErrNotLicensed):
		return NewProblemDetails(
			http.StatusPreconditionRequired,
			"/errors/not-licensed",
			"Not Licensed",
			"No license is installed on this machine. Run a refresh to fetch license artifacts.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "NOT_LICENSED")

	case errors.Is(err, ErrLicenseExpired):
		return NewProblemDetails(
			http.StatusForbidden,
			"/errors/license-expired",
			"License Expired",
			"Your license has expired. Please renew to continue.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "LICENSE_EXPIRED")

	case errors.Is(err, ErrLicenseRevoked):
		return NewProblemDetails(
			http.StatusForbidden,
			"/errors/license-revoked",
			"License Revoked",
			"The installed license is bound to a different machine.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "LICENSE_REVOKED")

	case errors.Is(err, ErrIntegrityFailure):
		return NewProblemDetails(
			http.StatusConflict,
			"/errors/integrity-failure",
			"License Integrity Failure",
			"The license artifacts failed integrity verification and were rejected.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "INTEGRITY_FAILURE")

	case errors.Is(err, ErrVaultDecryptionFailed):
		return NewProblemDetails(
			http.StatusInternalServerError,
			"/errors/vault-decryption-failed",
			"Vault Decryption Failed",
			"A stored credential could not be decrypted with the local vault key.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "VAULT_DECRYPTION_FAILED")

	case errors.Is(err, ErrUpdateVerificationFailed):
		return NewProblemDetails(
			http.StatusConflict,
			"/errors/update-verification-failed",
			"Update Verification Failed",
			"The downloaded update failed hash or signature verification and was discarded.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "UPDATE_VERIFICATION_FAILED")

	case errors.Is(err, ErrRefreshRejected):
		return NewProblemDetails(
			http.StatusBadGateway,
			"/errors/refresh-rejected",
			"License Refresh Rejected",
			"The license source refused the requested artifacts. Local artifacts are unchanged.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "REFRESH_REJECTED")

	case errors.Is(err, ErrGraceExpired):
		return NewProblemDetails(
			http.StatusForbidden,
			"/errors/grace-expired",
			"Offline Grace Expired",
			"Online validation is required and the offline grace period has lapsed.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "GRACE_EXPIRED")

	case errors.Is(err, ErrNetworkUnavailable):
		return NewProblemDetails(
			http.StatusServiceUnavailable,
			"/errors/network-unavailable",
			"Network Unavailable",
			"Unable to reach the license source. Please check your connection.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "NETWORK_UNAVAILABLE")

	default:
		// Generic error
		return NewProblemDetails(
			http.StatusInternalServerError,
			"/errors/internal-error",
			"Internal Server Error",
			"An unexpected error occurred while processing your request.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "INTERNAL_ERROR")
	}
}
