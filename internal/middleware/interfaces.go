package middleware

import (
	"context"

	"tsagent/internal/license"
)

// Validator is the slice of the license manager the gate depends on.
// Kept narrow so tests can substitute a stub.
type Validator interface {
	Validate(ctx context.Context) (*license.ValidationResult, error)
}
