package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"tsagent/internal/config"
	"tsagent/internal/infrastructure"
	"tsagent/internal/license"
)

// LicenseService provides the business logic behind the license control
// endpoints and the licensectl commands.
type LicenseService interface {
	GetStatus(ctx context.Context) (*LicenseStatusResponse, error)
	Refresh(ctx context.Context) (*RefreshResponse, error)
	Fingerprint(ctx context.Context) (*FingerprintResponse, error)
	Diagnostics(ctx context.Context) (*DiagnosticsResponse, error)
	InvalidateCache(ctx context.Context) error
}

// LicenseStatusResponse is the wire shape of GET /api/license/status.
type LicenseStatusResponse struct {
	Status    string               `json:"status"`
	Message   string               `json:"message"`
	Licensee  string               `json:"licensee,omitempty"`
	Product   string               `json:"product,omitempty"`
	Features  []string             `json:"features,omitempty"`
	ExpiresAt *time.Time           `json:"expires_at,omitempty"`
	DaysLeft  int                  `json:"days_left,omitempty"`
	Perpetual bool                 `json:"perpetual,omitempty"`
	Degraded  bool                 `json:"degraded,omitempty"`
	Grace     *license.GraceStatus `json:"grace,omitempty"`
	CheckedAt time.Time            `json:"checked_at"`
	TraceID   string               `json:"trace_id"`
	Timestamp time.Time            `json:"timestamp"`
}

// RefreshResponse is the wire shape of POST /api/license/refresh.
type RefreshResponse struct {
	Outcome   string    `json:"outcome"`
	State     string    `json:"state"`
	Message   string    `json:"message"`
	CheckedAt time.Time `json:"checked_at"`
	TraceID   string    `json:"trace_id"`
}

// FingerprintResponse carries the machine identity an operator sends to
// the vendor when requesting a license. Served only on the local control
// API; logs always carry the hashed form.
type FingerprintResponse struct {
	Fingerprint string            `json:"fingerprint"`
	Degraded    bool              `json:"degraded"`
	Components  map[string]string `json:"components"`
	GeneratedAt time.Time         `json:"generated_at"`
	TraceID     string            `json:"trace_id"`
}

// DiagnosticsResponse is troubleshooting output for support cases.
type DiagnosticsResponse struct {
	State               string                 `json:"state"`
	LicensePath         string                 `json:"license_path"`
	LicensePresent      bool                   `json:"license_present"`
	ManifestPresent     bool                   `json:"manifest_present"`
	FingerprintHash     string                 `json:"fingerprint_hash,omitempty"`
	FingerprintDegraded bool                   `json:"fingerprint_degraded"`
	Grace               *license.GraceStatus   `json:"grace,omitempty"`
	Cache               map[string]interface{} `json:"cache"`
	SourceConfigured    bool                   `json:"source_configured"`
	SourceReachable     *bool                  `json:"source_reachable,omitempty"`
	TraceID             string                 `json:"trace_id"`
	Timestamp           time.Time              `json:"timestamp"`
}

// licenseService implements LicenseService against the concrete manager
// and distributor. Tests build real managers on temp dirs instead of
// mocks; the constructors are cheap.
type licenseService struct {
	manager     *license.Manager
	distributor *license.Distributor
	paths       *config.Paths
	logger      *slog.Logger

	// notify is invoked after an API-triggered refresh cycle with the same
	// event shape the background scheduler emits.
	notify func(event license.SchedulerEvent)
}

// NewLicenseService creates the license service. distributor may be nil
// when no artifact source is configured; notify may be nil.
func NewLicenseService(manager *license.Manager, distributor *license.Distributor, paths *config.Paths, logger *slog.Logger, notify func(event license.SchedulerEvent)) LicenseService {
	if logger == nil {
		logger = slog.Default()
	}
	return &licenseService{
		manager:     manager,
		distributor: distributor,
		paths:       paths,
		logger:      logger.With(slog.String("service", "license")),
		notify:      notify,
	}
}

// GetStatus validates (served from cache within the TTL) and shapes the
// result for the wire. Routine invalidity is a normal response; only
// environmental faults surface as errors.
func (s *licenseService) GetStatus(ctx context.Context) (*LicenseStatusResponse, error) {
	traceID := traceIDFromRequest(ctx)

	result, err := s.manager.Validate(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "license status check failed",
			slog.String("trace_id", traceID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	resp := &LicenseStatusResponse{
		Status:    result.State.String(),
		Message:   statusMessage(result),
		Licensee:  result.Licensee,
		Product:   result.Product,
		Features:  result.Features,
		ExpiresAt: result.ExpiresAt,
		Degraded:  result.Degraded,
		CheckedAt: result.CheckedAt,
		TraceID:   traceID,
		Timestamp: time.Now().UTC(),
	}

	if result.State == license.StateValid && result.ExpiresAt == nil {
		resp.Perpetual = true
	}
	if result.ExpiresAt != nil {
		if days := int(time.Until(*result.ExpiresAt).Hours() / 24); days > 0 {
			resp.DaysLeft = days
		}
	}
	resp.Grace = s.graceStatus(ctx)

	return resp, nil
}

// Refresh pulls fresh artifacts and revalidates, the same cycle the
// background scheduler runs.
func (s *licenseService) Refresh(ctx context.Context) (*RefreshResponse, error) {
	traceID := traceIDFromRequest(ctx)

	if s.distributor == nil {
		return nil, fmt.Errorf("%w: refresh requires a licensing source URL", ErrSourceNotConfigured)
	}

	refresh, err := s.distributor.Refresh(ctx)
	if err != nil {
		return nil, err
	}

	// Revalidate against whatever the refresh left on disk. The cache is
	// dropped first so the verdict reflects the new artifacts, not the
	// pre-refresh ones.
	s.manager.InvalidateCache()
	result, err := s.manager.Validate(ctx)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "license refresh completed",
		slog.String("trace_id", traceID),
		slog.String("outcome", refresh.Outcome.String()),
		slog.String("state", result.State.String()),
	)

	if s.notify != nil {
		s.notify(license.SchedulerEvent{
			Outcome:   refresh.Outcome,
			State:     result.State,
			CheckedAt: refresh.CheckedAt,
		})
	}

	return &RefreshResponse{
		Outcome:   refresh.Outcome.String(),
		State:     result.State.String(),
		Message:   refreshMessage(refresh.Outcome, result.State),
		CheckedAt: refresh.CheckedAt,
		TraceID:   traceID,
	}, nil
}

// Fingerprint resolves the machine identity and its contributing factors.
func (s *licenseService) Fingerprint(ctx context.Context) (*FingerprintResponse, error) {
	traceID := traceIDFromRequest(ctx)

	fp, err := s.manager.GetFingerprint(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve machine fingerprint: %w", err)
	}
	components, err := s.manager.GetFingerprintComponents(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve fingerprint components: %w", err)
	}

	return &FingerprintResponse{
		Fingerprint: fp.Fingerprint,
		Degraded:    fp.Degraded,
		Components:  components,
		GeneratedAt: fp.GeneratedAt,
		TraceID:     traceID,
	}, nil
}

// Diagnostics assembles a support snapshot: artifact presence, cache
// statistics, grace window and source reachability. Nothing secret is
// included; the fingerprint appears only as its hash.
func (s *licenseService) Diagnostics(ctx context.Context) (*DiagnosticsResponse, error) {
	traceID := traceIDFromRequest(ctx)

	resp := &DiagnosticsResponse{
		State:            s.manager.State().String(),
		LicensePath:      s.manager.GetLicensePath(),
		LicensePresent:   config.FileExists(s.paths.LicenseFile),
		ManifestPresent:  config.FileExists(s.paths.ManifestFile),
		Cache:            s.manager.CacheStats(),
		SourceConfigured: s.distributor != nil,
		TraceID:          traceID,
		Timestamp:        time.Now().UTC(),
	}

	if fp, err := s.manager.GetFingerprint(ctx); err == nil {
		resp.FingerprintHash = license.HashFingerprint(fp.Fingerprint)
		resp.FingerprintDegraded = fp.Degraded
		resp.Grace = s.manager.Grace().ValidityStatus(ctx, fp.Fingerprint)
	}

	if s.distributor != nil {
		reachable := s.distributor.Ping(ctx) == nil
		resp.SourceReachable = &reachable
	}

	return resp, nil
}

// InvalidateCache drops the cached verdict so the next validation hits
// the artifacts.
func (s *licenseService) InvalidateCache(ctx context.Context) error {
	s.manager.InvalidateCache()
	s.logger.InfoContext(ctx, "validation cache invalidated",
		slog.String("trace_id", traceIDFromRequest(ctx)),
	)
	return nil
}

func (s *licenseService) graceStatus(ctx context.Context) *license.GraceStatus {
	fp, err := s.manager.GetFingerprint(ctx)
	if err != nil {
		return nil
	}
	return s.manager.Grace().ValidityStatus(ctx, fp.Fingerprint)
}

// traceIDFromRequest prefers the chi request ID, then the request-scoped
// trace ID the router middleware stamps, then the OpenTelemetry span for
// calls that did not come through the router.
func traceIDFromRequest(ctx context.Context) string {
	if reqID := middleware.GetReqID(ctx); reqID != "" {
		return reqID
	}
	if traceID := infrastructure.GetTraceID(ctx); traceID != "" {
		return traceID
	}
	return infrastructure.TraceIDFromContext(ctx)
}

func statusMessage(result *license.ValidationResult) string {
	switch result.State {
	case license.StateValid:
		if result.Degraded {
			return "License valid under emergency grace; refresh as soon as the source is reachable"
		}
		if result.ExpiresAt == nil {
			return "License valid (perpetual)"
		}
		return fmt.Sprintf("License valid until %s", result.ExpiresAt.UTC().Format("2006-01-02"))
	case license.StateExpired:
		if result.Err != nil {
			return "License unusable: " + result.Err.Error()
		}
		return "License expired; request a renewed artifact set"
	case license.StateRevoked:
		return "License is bound to a different machine"
	case license.StateUnlicensed:
		if result.Err != nil {
			return "Not licensed: " + result.Err.Error()
		}
		return "No license installed on this machine"
	default:
		return "License state: " + result.State.String()
	}
}

func refreshMessage(outcome license.RefreshOutcome, state license.State) string {
	switch outcome {
	case license.RefreshUpdated:
		return fmt.Sprintf("New artifacts installed; license is now %s", state)
	case license.RefreshUpToDate:
		return "Installed artifacts already match the source"
	case license.RefreshRejected:
		return "Source refused the artifacts for this machine"
	case license.RefreshUnreachable:
		return "Source unreachable; existing artifacts kept"
	default:
		return outcome.String()
	}
}
