// Package config provides centralized configuration management for the TS Agent.
// It handles loading configuration from multiple sources, validation, and provides
// a type-safe API for accessing configuration values throughout the application.
//
// # Configuration Sources
//
// Configuration is loaded from the following sources in order of precedence:
//
//	1. Environment variables (highest priority)
//	2. Configuration file (YAML)
//	3. Default values (lowest priority)
//
// # Environment Variables
//
// All environment variables follow the pattern TSAGENT_* for namespacing:
//
//	TSAGENT_SERVER_PORT=8632
//	TSAGENT_LICENSING_SOURCE_URL=https://licenses.tradesuite.example/v1
//	TSAGENT_LICENSING_SOURCE_TOKEN=...
//	TSAGENT_LOGGING_LEVEL=info
//
// # Path Management
//
// The package provides centralized path management through the Paths type.
// Every persisted artifact lives under a per-user application-data directory
// so it survives reinstallation:
//
//	paths, err := config.GetPaths()
//	licensePath := paths.GetLicensePath()
//	stagingPath := paths.GetUpdatePath("agent-v1.5.0")
//
// TSAGENT_DATA_DIR overrides the root, which is how tests redirect all
// artifact I/O into a scratch directory.
//
// # Validation
//
// All configuration is validated at load time to ensure:
//
//	- Values are within acceptable ranges
//	- Durations are positive
//	- At least one allowed origin is configured
//
// # Usage
//
// Load configuration at application startup:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
