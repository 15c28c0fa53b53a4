package config

import "time"

// Application constants - all hardcoded values for the TS Agent system
const (
	// Application Info
	AppName    = "TS Agent"
	AppVersion = "1.4.0"
	AppVendor  = "TradeSuite"

	// License Artifact Constants
	LicenseFileName  = "license.dat"
	ManifestFileName = "manifest.json"
	SeedFileName     = "machine.seed"

	// License IDs are UUIDs issued by the license service
	LicenseIDLength = 36

	// Vault Constants
	VaultEnvelopePrefix = "enc:v1:"
	VaultKeyFileName    = "secret.key"
	VaultKeySize        = 32

	// Grace Token Constants
	ValidityTokenTTL       = 72 * time.Hour
	ClockRollbackTolerance = 5 * time.Minute

	// Network Timeouts
	DefaultHTTPTimeout   = 30 * time.Second
	ArtifactFetchTimeout = 45 * time.Second
	UpdateCheckTimeout   = 20 * time.Second
	WebSocketPingPeriod  = 30 * time.Second
	WebSocketPongWait    = 60 * time.Second

	// Cache Settings
	LicenseCacheDuration = 5 * time.Minute

	// Refresh and Update Cadence
	DefaultRefreshInterval = 12 * time.Hour
	DefaultUpdateInterval  = 24 * time.Hour

	// File Permissions
	SecretFileMode = 0600
	SecretDirMode  = 0700

	// Log Settings
	DefaultLogLevel  = "info"
	DefaultLogFormat = "json"
)

// URLs and Endpoints
const (
	// API Endpoints (internal)
	APIBasePath      = "/api"
	LicenseEndpoint  = "/api/license"
	UpdateEndpoint   = "/api/update"
	VaultEndpoint    = "/api/vault"
	HealthEndpoint   = "/api/health"
	MetricsEndpoint  = "/metrics"

	// WebSocket Endpoints
	WebSocketEndpoint = "/ws"
)
