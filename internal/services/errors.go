package services

import "errors"

// Service-level errors
var (
	// Refresh errors
	ErrSourceNotConfigured = errors.New("licensing source not configured")

	// Update errors
	ErrUpdatesDisabled   = errors.New("updates disabled")
	ErrNoUpdateAvailable = errors.New("no update available")
	ErrNoStagedUpdate    = errors.New("no staged update")

	// General errors
	ErrInvalidInput       = errors.New("invalid input")
	ErrServiceUnavailable = errors.New("service temporarily unavailable")
)
