package license

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"tsagent/internal/config"
	apperrors "tsagent/internal/errors"
	"tsagent/internal/infrastructure"
	"tsagent/internal/security"
)

// Grace token scopes
const (
	scopeValidity  = "validity"
	scopeEmergency = "emergency"
)

// graceClaims carries the signed proof of the last successful online
// validation. The fingerprint hash binds validity tokens to one machine.
type graceClaims struct {
	FingerprintHash string `json:"fph,omitempty"`
	Scope           string `json:"scope"`
	jwt.RegisteredClaims
}

// GraceStatus describes the current offline grace window for status and
// health reporting.
type GraceStatus struct {
	Present   bool          `json:"present"`
	StampedAt time.Time     `json:"stamped_at,omitempty"`
	ExpiresAt time.Time     `json:"expires_at,omitempty"`
	Remaining time.Duration `json:"remaining,omitempty"`
}

// GraceKeeper stamps and verifies the signed validity and emergency tokens
// that bridge offline periods when online validation is enforced.
type GraceKeeper struct {
	validityPath  string
	emergencyPath string
	secret        []byte
	window        time.Duration
	tolerance     time.Duration
}

// NewGraceKeeper creates a keeper writing tokens under the license
// artifact directory.
func NewGraceKeeper(paths *config.Paths) *GraceKeeper {
	return &GraceKeeper{
		validityPath:  paths.ValidityToken,
		emergencyPath: paths.EmergencyToken,
		secret:        config.GetGraceSigningSecret(),
		window:        config.ValidityTokenTTL,
		tolerance:     config.ClockRollbackTolerance,
	}
}

// validitySigningKey derives the per-machine HMAC key from the built-in
// secret and the normalized fingerprint.
func (g *GraceKeeper) validitySigningKey(fingerprint string) []byte {
	h := sha256.New()
	h.Write(g.secret)
	h.Write([]byte("|"))
	h.Write([]byte(security.NormalizeFactor(fingerprint)))
	return h.Sum(nil)
}

// emergencySigningKey derives the machine-independent key. Emergency tokens
// are provisioned before the first run, when no fingerprint is known yet.
func (g *GraceKeeper) emergencySigningKey() []byte {
	h := sha256.Sum256(g.secret)
	return h[:]
}

// StampValidity writes a fresh validity token after a successful online
// refresh. The token proves when the source last answered for this machine.
func (g *GraceKeeper) StampValidity(ctx context.Context, fingerprint string) error {
	now := time.Now()
	claims := graceClaims{
		FingerprintHash: HashFingerprint(security.NormalizeFactor(fingerprint)),
		Scope:           scopeValidity,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.window)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(g.validitySigningKey(fingerprint))
	if err != nil {
		return fmt.Errorf("failed to sign validity token: %w", err)
	}

	if err := g.writeToken(g.validityPath, signed); err != nil {
		return fmt.Errorf("failed to write validity token: %w", err)
	}

	infrastructure.LoggerWithContext(ctx).Info("Validity token stamped",
		slog.String("component", "grace_keeper"),
		slog.String("path", g.validityPath),
		slog.Time("window_until", now.Add(g.window)),
	)
	return nil
}

// VerifyValidity checks that the validity token grants an offline window
// right now. Returns nil when the gate may pass; every failure wraps
// ErrGraceExpired.
func (g *GraceKeeper) VerifyValidity(ctx context.Context, fingerprint string) error {
	claims, err := g.parseToken(g.validityPath, g.validitySigningKey(fingerprint))
	if err != nil {
		return err
	}
	if claims.Scope != scopeValidity {
		return fmt.Errorf("%w: unexpected token scope %q", apperrors.ErrGraceExpired, claims.Scope)
	}
	expectedHash := HashFingerprint(security.NormalizeFactor(fingerprint))
	if !security.SecureCompare([]byte(claims.FingerprintHash), []byte(expectedHash)) {
		return fmt.Errorf("%w: validity token bound to a different machine", apperrors.ErrGraceExpired)
	}
	return g.checkWindow(ctx, claims)
}

// ValidityStatus reports the current window without enforcing it.
func (g *GraceKeeper) ValidityStatus(ctx context.Context, fingerprint string) *GraceStatus {
	claims, err := g.parseToken(g.validityPath, g.validitySigningKey(fingerprint))
	if err != nil {
		return &GraceStatus{Present: false}
	}

	stamped := claims.IssuedAt.Time
	expires := stamped.Add(g.window)
	remaining := time.Until(expires)
	if remaining < 0 {
		remaining = 0
	}
	return &GraceStatus{
		Present:   true,
		StampedAt: stamped,
		ExpiresAt: expires,
		Remaining: remaining,
	}
}

// IssueEmergencyToken writes a one-shot first-run token. It is consumed on
// the first fully successful validation.
func (g *GraceKeeper) IssueEmergencyToken(ctx context.Context) error {
	now := time.Now()
	claims := graceClaims{
		Scope: scopeEmergency,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(g.window)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(g.emergencySigningKey())
	if err != nil {
		return fmt.Errorf("failed to sign emergency token: %w", err)
	}

	if err := g.writeToken(g.emergencyPath, signed); err != nil {
		return fmt.Errorf("failed to write emergency token: %w", err)
	}

	infrastructure.LoggerWithContext(ctx).Warn("Emergency token issued",
		slog.String("component", "grace_keeper"),
		slog.String("path", g.emergencyPath),
		slog.Time("window_until", now.Add(g.window)),
	)
	return nil
}

// CheckEmergencyWindow reports whether a one-shot emergency token currently
// grants a window.
func (g *GraceKeeper) CheckEmergencyWindow(ctx context.Context) bool {
	claims, err := g.parseToken(g.emergencyPath, g.emergencySigningKey())
	if err != nil {
		return false
	}
	if claims.Scope != scopeEmergency {
		return false
	}
	return g.checkWindow(ctx, claims) == nil
}

// ConsumeEmergencyToken removes the one-shot token. Missing is not an error.
func (g *GraceKeeper) ConsumeEmergencyToken(ctx context.Context) error {
	err := os.Remove(g.emergencyPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to remove emergency token: %w", err)
	}

	infrastructure.LoggerWithContext(ctx).Info("Emergency token consumed",
		slog.String("component", "grace_keeper"),
		slog.String("path", g.emergencyPath),
	)
	return nil
}

// parseToken reads and verifies a token file. Claims validation is done
// manually in checkWindow so rollback and lapse are distinguishable.
func (g *GraceKeeper) parseToken(path string, key []byte) (*graceClaims, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no grace token present", apperrors.ErrGraceExpired)
		}
		return nil, fmt.Errorf("failed to read grace token: %w", err)
	}

	claims := &graceClaims{}
	_, err = jwt.ParseWithClaims(string(data), claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return key, nil
	}, jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, fmt.Errorf("%w: grace token rejected: %v", apperrors.ErrGraceExpired, err)
	}
	if claims.IssuedAt == nil {
		return nil, fmt.Errorf("%w: grace token missing issued-at", apperrors.ErrGraceExpired)
	}
	return claims, nil
}

// checkWindow enforces the grace window boundaries against the wall clock.
// A clock sitting before the stamp beyond the tolerance means rollback.
func (g *GraceKeeper) checkWindow(ctx context.Context, claims *graceClaims) error {
	now := time.Now()
	stamped := claims.IssuedAt.Time

	if now.Before(stamped.Add(-g.tolerance)) {
		infrastructure.LoggerWithContext(ctx).Error("Clock rollback detected",
			slog.String("component", "grace_keeper"),
			slog.Time("stamped_at", stamped),
			slog.Time("current_time", now),
		)
		return fmt.Errorf("%w: clock rollback detected", apperrors.ErrGraceExpired)
	}
	if now.After(stamped.Add(g.window)) {
		return fmt.Errorf("%w: offline window lapsed at %s",
			apperrors.ErrGraceExpired, stamped.Add(g.window).Format(time.RFC3339))
	}
	return nil
}

// writeToken persists a token owner-only via temp-and-rename, so a crash
// mid-stamp leaves the previous token intact instead of a torn file.
func (g *GraceKeeper) writeToken(path, token string) error {
	return atomicWriteFile(path, []byte(token), 0600)
}
