// Package shared provides cross-cutting utilities that belong to no
// single domain package.
//
// The only subpackage today is testutil, which holds the buffered slog
// handler and log assertion helpers used by tests across the module.
// Code here must stay free of domain logic and must not import other
// internal packages, so that any package (including their tests) can
// depend on it without creating cycles.
package shared
