// Package license implements license artifact validation and refresh for
// TS Agent. It verifies sealed license records bound to a hardware
// fingerprint, maintains offline grace windows, and keeps local artifacts
// current from the vendor distribution source.
//
// # Architecture Overview
//
// The license system consists of several components:
//
//	- Manager: Core validation logic and state machine
//	- Distributor: Artifact download and verify-before-write installation
//	- GraceKeeper: Signed validity and emergency tokens for offline operation
//	- Cache: Single-result caching of validation verdicts
//	- Health: License system health monitoring
//	- RefreshScheduler: Periodic background refresh cycles
//
// # License Validation Flow
//
// The validation process follows these steps, in order:
//
//	1. Derive the hardware fingerprint
//	2. Check artifact presence (manifest and sealed record)
//	3. Verify integrity: manifest digests, seal, record checksum
//	4. Compare the bound fingerprint against this machine
//	5. Check expiry (a nil expiry means perpetual)
//	6. Enforce the offline grace window when online refresh is required
//	7. Cache the verdict
//
// A verdict that the license is invalid is a result, not an error: callers
// receive a ValidationResult whose State explains the outcome. Errors are
// reserved for environmental faults such as unreadable disks.
//
// # Sealed Artifacts
//
// The installed artifact set consists of:
//
//	- manifest.json: SHA-256 digests of every distributed file
//	- license.dat: the license record sealed with AES-256-GCM
//
// The sealed layout is nonce||ciphertext with a 12-byte nonce. The record
// carries its own checksum over a canonical serialization, so tampering is
// detected even after a successful unseal.
//
// # Offline Grace
//
// Deployments that require online refresh tolerate outages through signed
// grace tokens:
//
//	- A validity token is stamped after each successful refresh and keeps
//	  the license usable for a bounded window while the source is down
//	- An emergency token lets a vendor provision a machine before its
//	  first successful validation; it is consumed on first use
//	- Clock rollback beyond a small tolerance invalidates the window
//
// # Refresh
//
// Refresh fetches the manifest and sealed record from per-fingerprint URLs,
// verifies everything in memory, and only then replaces local files using
// atomic renames. A rejected or unreachable source never disturbs the
// installed artifacts.
//
// # Integration
//
// The license package integrates with:
//
//	- HTTP middleware gating licensed endpoints
//	- Health checks for monitoring
//	- OpenTelemetry metrics and tracing
//	- WebSocket for real-time state updates
//
// # Error Handling
//
// Taxonomy sentinels live in the errors package:
//
//	- ErrNotLicensed: no artifacts installed
//	- ErrIntegrityFailure: digests, seal, or checksum do not verify
//	- ErrLicenseExpired / ErrLicenseRevoked: verdicts from validation
//	- ErrGraceExpired: offline grace window closed
//	- ErrRefreshRejected / ErrNetworkUnavailable: refresh outcomes
//
// # Performance
//
// Concurrent validations collapse into a single run via singleflight, and
// the most recent verdict is cached with a configurable TTL so request
// middleware can call Validate on every request.
package license
