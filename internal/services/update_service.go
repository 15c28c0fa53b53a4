package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tsagent/internal/config"
	"tsagent/internal/updater"
)

// UpdateService drives the self-update flow: check, stage, hand off.
// RecordAvailable feeds it discoveries made by the background checker.
type UpdateService interface {
	Status(ctx context.Context) (*UpdateStatusResponse, error)
	Check(ctx context.Context) (*UpdateCheckResponse, error)
	Apply(ctx context.Context) (*UpdateApplyResponse, error)
	HandOff(ctx context.Context) error
	RecordAvailable(manifest *updater.UpdateManifest)
}

// UpdateStatusResponse is the wire shape of GET /api/update/status.
type UpdateStatusResponse struct {
	CurrentVersion string                  `json:"current_version"`
	LastCheckedAt  *time.Time              `json:"last_checked_at,omitempty"`
	Available      *updater.UpdateManifest `json:"available,omitempty"`
	Staged         *updater.StagedUpdate   `json:"staged,omitempty"`
	TraceID        string                  `json:"trace_id"`
}

// UpdateCheckResponse is the wire shape of POST /api/update/check.
type UpdateCheckResponse struct {
	CurrentVersion  string                  `json:"current_version"`
	UpdateAvailable bool                    `json:"update_available"`
	Manifest        *updater.UpdateManifest `json:"manifest,omitempty"`
	CheckedAt       time.Time               `json:"checked_at"`
	TraceID         string                  `json:"trace_id"`
}

// UpdateApplyResponse is the wire shape of POST /api/update/apply.
type UpdateApplyResponse struct {
	Staged  *updater.StagedUpdate `json:"staged"`
	Message string                `json:"message"`
	TraceID string                `json:"trace_id"`
}

type updateService struct {
	updater *updater.Updater
	logger  *slog.Logger

	mu        sync.Mutex
	lastCheck time.Time
	available *updater.UpdateManifest
	staged    *updater.StagedUpdate
}

// NewUpdateService creates the update service around a configured updater.
func NewUpdateService(upd *updater.Updater, logger *slog.Logger) UpdateService {
	if logger == nil {
		logger = slog.Default()
	}
	return &updateService{
		updater: upd,
		logger:  logger.With(slog.String("service", "update")),
	}
}

// RecordAvailable remembers a manifest discovered by the background
// checker so Status and Apply see it without another round trip.
func (s *updateService) RecordAvailable(manifest *updater.UpdateManifest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCheck = time.Now().UTC()
	s.available = manifest
}

func (s *updateService) Status(ctx context.Context) (*UpdateStatusResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp := &UpdateStatusResponse{
		CurrentVersion: config.AppVersion,
		Available:      s.available,
		Staged:         s.staged,
		TraceID:        traceIDFromRequest(ctx),
	}
	if !s.lastCheck.IsZero() {
		checked := s.lastCheck
		resp.LastCheckedAt = &checked
	}
	return resp, nil
}

func (s *updateService) Check(ctx context.Context) (*UpdateCheckResponse, error) {
	if s.updater == nil {
		return nil, fmt.Errorf("%w: update checking is disabled", ErrUpdatesDisabled)
	}

	manifest, err := s.updater.Check(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	s.mu.Lock()
	s.lastCheck = now
	s.available = manifest
	s.mu.Unlock()

	return &UpdateCheckResponse{
		CurrentVersion:  config.AppVersion,
		UpdateAvailable: manifest != nil,
		Manifest:        manifest,
		CheckedAt:       now,
		TraceID:         traceIDFromRequest(ctx),
	}, nil
}

// Apply stages the most recently discovered update, checking first when
// no manifest has been seen yet.
func (s *updateService) Apply(ctx context.Context) (*UpdateApplyResponse, error) {
	if s.updater == nil {
		return nil, fmt.Errorf("%w: update checking is disabled", ErrUpdatesDisabled)
	}

	s.mu.Lock()
	manifest := s.available
	s.mu.Unlock()

	if manifest == nil {
		fresh, err := s.updater.Check(ctx)
		if err != nil {
			return nil, err
		}
		if fresh == nil {
			return nil, fmt.Errorf("%w: agent is already current", ErrNoUpdateAvailable)
		}
		manifest = fresh
		s.mu.Lock()
		s.lastCheck = time.Now().UTC()
		s.available = fresh
		s.mu.Unlock()
	}

	staged, err := s.updater.Apply(ctx, manifest)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.staged = staged
	s.mu.Unlock()

	s.logger.InfoContext(ctx, "update staged for hand-off",
		slog.String("version", staged.Version),
		slog.String("trace_id", traceIDFromRequest(ctx)),
	)

	return &UpdateApplyResponse{
		Staged:  staged,
		Message: fmt.Sprintf("Version %s staged; hand off to install", staged.Version),
		TraceID: traceIDFromRequest(ctx),
	}, nil
}

// HandOff launches the staged installer. The caller is expected to shut
// the agent down promptly afterwards.
func (s *updateService) HandOff(ctx context.Context) error {
	s.mu.Lock()
	staged := s.staged
	s.mu.Unlock()

	if staged == nil {
		return fmt.Errorf("%w: run apply first", ErrNoStagedUpdate)
	}
	if err := s.updater.HandOff(staged); err != nil {
		return err
	}

	s.logger.InfoContext(ctx, "installer handed off",
		slog.String("version", staged.Version),
		slog.String("trace_id", traceIDFromRequest(ctx)),
	)
	return nil
}
