// Package services implements the business logic layer of the agent.
// It provides a clean separation between HTTP handlers and the license,
// updater, and vault packages, ensuring that business rules are
// centralized and testable.
//
// # Architecture
//
// Services follow these architectural principles:
//
//	1. Interface-driven design for testability
//	2. Context propagation for cancellation and tracing
//	3. Dependency injection for loose coupling
//	4. Domain-focused methods that encapsulate business rules
//
// # Service Layer Responsibilities
//
// The service layer is responsible for:
//
//	- Shaping license, update, and vault state into API responses
//	- Error handling and transformation to shared sentinels
//	- Cross-cutting concerns (logging, trace propagation)
//	- Fanning validation outcomes out to the event hub
//
// # Available Services
//
// The package provides these core services:
//
//	- LicenseService: status, refresh, fingerprint, and diagnostics
//	- UpdateService: update checks, staging, and hand-off
//	- VaultService: credential vault status and migration
//	- HealthService: liveness, readiness, and version probes
//
// # Error Handling
//
// Services return sentinel errors that handlers map onto RFC 7807
// responses:
//
//	- ErrInvalidInput for malformed requests
//	- ErrSourceNotConfigured when refresh has no source URL
//	- ErrNoUpdateAvailable and ErrNoStagedUpdate for update flow misuse
//	- Shared license sentinels pass through untouched
//
// # Testing
//
// Services are tested against real managers built on temporary
// directories rather than mocks; the underlying packages are cheap to
// construct and that keeps the tests honest about wiring:
//
//	t.Setenv("TSAGENT_DATA_DIR", t.TempDir())
//	paths, _ := config.GetPaths()
//	manager, _ := license.NewManager(config.Default(), paths)
//	svc := NewLicenseService(manager, nil, paths, logger, nil)
package services
