package license

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"tsagent/internal/security"
)

// State represents the position of the machine-local license in its
// lifecycle. Transitions are driven exclusively by validation and refresh
// outcomes; nothing else mutates state.
type State int

const (
	// StateUnlicensed means no trustworthy license artifact is installed.
	StateUnlicensed State = iota
	// StateVerifying is the transient state while a validation runs.
	StateVerifying
	// StateValid means the installed license passed every check.
	StateValid
	// StateExpired means the license is genuine and bound to this machine
	// but past its expiry (or past the offline grace window).
	StateExpired
	// StateRevoked means the license is bound to a different machine.
	StateRevoked
)

// String implements fmt.Stringer for log and API output.
func (s State) String() string {
	switch s {
	case StateUnlicensed:
		return "unlicensed"
	case StateVerifying:
		return "verifying"
	case StateValid:
		return "valid"
	case StateExpired:
		return "expired"
	case StateRevoked:
		return "revoked"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Record is the canonical license document sealed inside license.dat.
// A nil ExpiresAt means the license is perpetual and never expires.
type Record struct {
	ID          string     `json:"id"`
	Licensee    string     `json:"licensee"`
	Product     string     `json:"product"`
	Fingerprint string     `json:"fingerprint"`
	IssuedAt    time.Time  `json:"issued_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Features    []string   `json:"features"`
	Checksum    string     `json:"checksum"`
}

// canonicalRecord mirrors Record minus the checksum field. Field order is
// fixed and timestamps are canonicalized to UTC so issuer and agent hash
// identical bytes.
type canonicalRecord struct {
	ID          string     `json:"id"`
	Licensee    string     `json:"licensee"`
	Product     string     `json:"product"`
	Fingerprint string     `json:"fingerprint"`
	IssuedAt    time.Time  `json:"issued_at"`
	ExpiresAt   *time.Time `json:"expires_at"`
	Features    []string   `json:"features"`
}

// CanonicalBytes returns the deterministic serialization the checksum
// covers: every field except Checksum, features sorted, times in UTC.
func (r *Record) CanonicalBytes() ([]byte, error) {
	features := append([]string(nil), r.Features...)
	sort.Strings(features)

	canonical := canonicalRecord{
		ID:          r.ID,
		Licensee:    r.Licensee,
		Product:     r.Product,
		Fingerprint: r.Fingerprint,
		IssuedAt:    r.IssuedAt.UTC(),
		Features:    features,
	}
	if r.ExpiresAt != nil {
		utc := r.ExpiresAt.UTC()
		canonical.ExpiresAt = &utc
	}

	data, err := json.Marshal(canonical)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize canonical record: %w", err)
	}
	return data, nil
}

// ComputeChecksum hashes the canonical serialization.
func (r *Record) ComputeChecksum() (string, error) {
	data, err := r.CanonicalBytes()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyChecksum recomputes the canonical checksum and compares it in
// constant time. Any mutation of a hashed field invalidates the record.
func (r *Record) VerifyChecksum() bool {
	if r.Checksum == "" {
		return false
	}
	expected, err := r.ComputeChecksum()
	if err != nil {
		return false
	}
	return security.SecureCompare([]byte(expected), []byte(r.Checksum))
}

// Expired reports whether the record is past its expiry at the given
// instant. Perpetual records never expire.
func (r *Record) Expired(now time.Time) bool {
	if r.ExpiresAt == nil {
		return false
	}
	return now.UTC().After(r.ExpiresAt.UTC())
}

// Manifest lists the artifact files and their SHA-256 digests. Every file
// it names must verify before the sealed record is trusted.
type Manifest struct {
	Files       map[string]string `json:"files"`
	GeneratedAt time.Time         `json:"generated_at"`
	Licensee    string            `json:"licensee"`
}

// ValidationResult is the verdict of a full license validation. Err carries
// the taxonomy sentinel for routine invalidity and is nil when Valid;
// environmental faults are returned as ordinary errors by Validate itself.
type ValidationResult struct {
	State     State      `json:"state"`
	Licensee  string     `json:"licensee,omitempty"`
	Product   string     `json:"product,omitempty"`
	Features  []string   `json:"features,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Degraded  bool       `json:"degraded,omitempty"`
	CheckedAt time.Time  `json:"checked_at"`
	Err       error      `json:"-"`
}

// RefreshOutcome classifies a distributor refresh attempt.
type RefreshOutcome int

const (
	// RefreshUpdated means new artifacts were verified and installed.
	RefreshUpdated RefreshOutcome = iota
	// RefreshUpToDate means the source served the artifacts already installed.
	RefreshUpToDate
	// RefreshUnreachable means the source could not be contacted. Non-fatal.
	RefreshUnreachable
	// RefreshRejected means the source answered authoritatively and the
	// artifacts were refused, or verification failed. Local files untouched.
	RefreshRejected
)

// String implements fmt.Stringer for log and API output.
func (o RefreshOutcome) String() string {
	switch o {
	case RefreshUpdated:
		return "updated"
	case RefreshUpToDate:
		return "up_to_date"
	case RefreshUnreachable:
		return "unreachable"
	case RefreshRejected:
		return "rejected"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// RefreshResult describes one refresh attempt against the license source.
type RefreshResult struct {
	Outcome   RefreshOutcome `json:"outcome"`
	CheckedAt time.Time      `json:"checked_at"`
	Err       error          `json:"-"`
}

// sealNonceSize is the GCM nonce length prepended to sealed records.
const sealNonceSize = 12

// SealRecord encrypts the record JSON with AES-256-GCM under the
// distribution key. Layout: nonce || ciphertext.
func SealRecord(record *Record, key []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("seal key must be 32 bytes, got %d", len(key))
	}

	plaintext, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize record: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, sealNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return append(nonce, gcm.Seal(nil, nonce, plaintext, nil)...), nil
}

// OpenRecord authenticates and decrypts a sealed record. Any tampering with
// the sealed bytes fails GCM authentication.
func OpenRecord(data []byte, key []byte) (*Record, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("seal key must be 32 bytes, got %d", len(key))
	}
	if len(data) <= sealNonceSize {
		return nil, fmt.Errorf("sealed record too short: %d bytes", len(data))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, data[:sealNonceSize], data[sealNonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open sealed record: %w", err)
	}

	var record Record
	if err := json.Unmarshal(plaintext, &record); err != nil {
		return nil, fmt.Errorf("failed to parse sealed record: %w", err)
	}
	return &record, nil
}
