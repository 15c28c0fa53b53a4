// Package app provides application initialization and lifecycle management
// for the agent. It wires configuration, logging, telemetry, the licensing
// core, the credential vault, the self-update machinery and the local HTTP
// control plane into one process.
//
// # Architecture
//
// The app package follows a dependency injection pattern where all
// components are wired together at startup. Components that need a
// configured remote endpoint (the license distributor, the updater) are
// left nil when that endpoint is absent; the services layer answers for
// them with explicit "not configured" responses.
//
// # Initialization Flow
//
// The typical initialization sequence:
//
//	1. Load configuration from environment variables
//	2. Initialize logging and OpenTelemetry
//	3. Resolve and create the per-user data directory layout
//	4. Build the license manager, vault and update machinery
//	5. Wire the service layer and the event hub
//	6. Set up HTTP handlers and middleware
//	7. Configure the loopback HTTP server
//
// # Usage
//
// The main entry point is typically:
//
//	application, err := app.NewApplication()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := application.Run(); err != nil {
//	    log.Fatal(err)
//	}
//
// # Graceful Shutdown
//
// The package handles SIGINT and SIGTERM signals to ensure:
//
//	- Active requests are completed
//	- The refresh scheduler and update checker loops have exited
//	- WebSocket connections are closed cleanly
//	- Final metrics are flushed
//
// # Error Handling
//
// All initialization errors are returned to the caller for proper
// handling. The app does not call os.Exit() directly, allowing the main
// function to control the exit process.
package app
