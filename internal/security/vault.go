package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"golang.org/x/crypto/scrypt"

	apperrors "tsagent/internal/errors"
)

// EnvelopePrefix marks a vault-encrypted value. Values without it are
// legacy plaintext and are only rewritten on the next save.
const EnvelopePrefix = "enc:v1:"

// EncryptionConfig defines encryption parameters following OWASP ASVS requirements
type EncryptionConfig struct {
	// SCRYPT parameters (OWASP recommended minimum)
	SCryptN      int // CPU/memory cost parameter (32768 minimum)
	SCryptR      int // Block size parameter (8 recommended)
	SCryptP      int // Parallelization parameter (1 recommended)
	SCryptKeyLen int // Key length in bytes (32 for AES-256)

	// AES-GCM parameters
	NonceSize int // 96-bit nonce size for GCM
}

// DefaultEncryptionConfig returns OWASP ASVS compliant encryption configuration
func DefaultEncryptionConfig() *EncryptionConfig {
	return &EncryptionConfig{
		SCryptN:      32768, // OWASP minimum for high security
		SCryptR:      8,     // Recommended block size
		SCryptP:      1,     // Single thread (secure for embedded use)
		SCryptKeyLen: 32,    // AES-256 key size
		NonceSize:    12,    // 96-bit nonce (GCM standard)
	}
}

// ValidateEncryptionConfig validates encryption configuration parameters
func ValidateEncryptionConfig(config *EncryptionConfig) error {
	if config == nil {
		return errors.New("encryption config cannot be nil")
	}

	if config.SCryptN < 32768 {
		return errors.New("SCryptN must be at least 32768 for high security")
	}

	if config.SCryptR < 8 {
		return errors.New("SCryptR must be at least 8")
	}

	if config.SCryptP < 1 {
		return errors.New("SCryptP must be at least 1")
	}

	if config.SCryptKeyLen != 32 {
		return errors.New("SCryptKeyLen must be 32 for AES-256")
	}

	if config.NonceSize != 12 {
		return errors.New("NonceSize must be 12 for AES-GCM")
	}

	return nil
}

// envelope is the serialized form of an encrypted value. The GCM
// authentication tag rides at the end of Ciphertext.
type envelope struct {
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Vault encrypts and decrypts credential values with AES-256-GCM. The
// per-value key is derived with SCRYPT from a master key that is created
// lazily and persisted owner-only next to the credentials it protects.
type Vault struct {
	keyPath string
	config  *EncryptionConfig

	mu        sync.Mutex
	masterKey []byte
}

// NewVault creates a vault backed by the master key at keyPath. The key
// file is not touched until the first encrypt or decrypt.
func NewVault(keyPath string) *Vault {
	return &Vault{
		keyPath: keyPath,
		config:  DefaultEncryptionConfig(),
	}
}

// IsEncrypted reports whether a value carries the vault envelope prefix
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, EnvelopePrefix)
}

// loadOrCreateKey returns the master key, generating and persisting it
// owner-only on first use
func (v *Vault) loadOrCreateKey() ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.masterKey != nil {
		return v.masterKey, nil
	}

	if data, err := os.ReadFile(v.keyPath); err == nil {
		if len(data) != 32 {
			return nil, fmt.Errorf("vault key file %s is corrupt: expected 32 bytes, got %d", v.keyPath, len(data))
		}
		v.masterKey = data
		return v.masterKey, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read vault key: %w", err)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate vault key: %w", err)
	}

	// Written via temp-and-rename: a crash mid-write must never leave a
	// torn key file, because a short key is rejected with no recovery path.
	if err := writeFileAtomic(v.keyPath, key, 0600); err != nil {
		return nil, fmt.Errorf("failed to persist vault key: %w", err)
	}

	v.masterKey = key
	return v.masterKey, nil
}

// deriveKey derives a per-value AES key from the master key and salt
func (v *Vault) deriveKey(masterKey, salt []byte) ([]byte, error) {
	return scrypt.Key(masterKey, salt, v.config.SCryptN, v.config.SCryptR, v.config.SCryptP, v.config.SCryptKeyLen)
}

// Encrypt seals a plaintext value into the vault envelope format.
// Already-encrypted values pass through unchanged, so re-encrypting a
// store is safe.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if IsEncrypted(plaintext) {
		return plaintext, nil
	}

	masterKey, err := v.loadOrCreateKey()
	if err != nil {
		return "", err
	}

	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	key, err := v.deriveKey(masterKey, salt)
	if err != nil {
		return "", fmt.Errorf("key derivation failed: %w", err)
	}
	defer wipe(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, v.config.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	env := envelope{
		Salt:       salt,
		Nonce:      nonce,
		Ciphertext: gcm.Seal(nil, nonce, []byte(plaintext), nil),
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to serialize envelope: %w", err)
	}

	return EnvelopePrefix + base64.StdEncoding.EncodeToString(raw), nil
}

// Decrypt opens a vault envelope. Legacy plaintext values (no envelope
// prefix) are returned unchanged; callers migrate them on the next save.
// A value that carries the prefix but fails to open is an error, never a
// plaintext passthrough.
func (v *Vault) Decrypt(value string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, EnvelopePrefix))
	if err != nil {
		return "", fmt.Errorf("%w: malformed envelope encoding", apperrors.ErrVaultDecryptionFailed)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", fmt.Errorf("%w: malformed envelope structure", apperrors.ErrVaultDecryptionFailed)
	}

	if len(env.Salt) == 0 || len(env.Nonce) != v.config.NonceSize || len(env.Ciphertext) == 0 {
		return "", fmt.Errorf("%w: envelope fields out of range", apperrors.ErrVaultDecryptionFailed)
	}

	masterKey, err := v.loadOrCreateKey()
	if err != nil {
		return "", err
	}

	key, err := v.deriveKey(masterKey, env.Salt)
	if err != nil {
		return "", fmt.Errorf("key derivation failed: %w", err)
	}
	defer wipe(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", apperrors.ErrVaultDecryptionFailed)
	}

	return string(plaintext), nil
}

// Close wipes the cached master key from memory
func (v *Vault) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()

	wipe(v.masterKey)
	v.masterKey = nil
}

// wipe overwrites key material before it is released
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// SecureCompare performs constant-time comparison to prevent timing attacks
func SecureCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
