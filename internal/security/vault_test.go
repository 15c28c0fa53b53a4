package security

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "tsagent/internal/errors"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	return NewVault(filepath.Join(t.TempDir(), "secret.key"))
}

// TestVaultRoundTrip tests encryption and decryption of credential values
func TestVaultRoundTrip(t *testing.T) {
	vault := newTestVault(t)

	tests := []struct {
		name      string
		plaintext string
	}{
		{name: "api token", plaintext: "tok_4f6a1b2c3d4e5f6a7b8c"},
		{name: "empty value", plaintext: ""},
		{name: "unicode value", plaintext: "pässwörd-ünïcode-日本語"},
		{name: "json blob", plaintext: `{"user":"svc-agent","password":"s3cret!"}`},
		{name: "large value", plaintext: strings.Repeat("x", 64*1024)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := vault.Encrypt(tt.plaintext)
			require.NoError(t, err)

			assert.True(t, IsEncrypted(sealed))
			if tt.plaintext != "" {
				assert.NotContains(t, sealed[len(EnvelopePrefix):], tt.plaintext)
			}

			opened, err := vault.Decrypt(sealed)
			require.NoError(t, err)
			assert.Equal(t, tt.plaintext, opened)
		})
	}
}

// TestVaultEncryptIdempotent verifies sealing a sealed value is a no-op
func TestVaultEncryptIdempotent(t *testing.T) {
	vault := newTestVault(t)

	sealed, err := vault.Encrypt("secret-value")
	require.NoError(t, err)

	sealedAgain, err := vault.Encrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, sealed, sealedAgain)

	opened, err := vault.Decrypt(sealedAgain)
	require.NoError(t, err)
	assert.Equal(t, "secret-value", opened)
}

// TestVaultLegacyPlaintext verifies unprefixed values pass through unchanged
func TestVaultLegacyPlaintext(t *testing.T) {
	vault := newTestVault(t)

	opened, err := vault.Decrypt("legacy-plaintext-password")
	require.NoError(t, err)
	assert.Equal(t, "legacy-plaintext-password", opened)

	assert.False(t, IsEncrypted("legacy-plaintext-password"))
}

// TestVaultDecryptFailures verifies that a value claiming to be sealed
// never falls back to plaintext on failure
func TestVaultDecryptFailures(t *testing.T) {
	vault := newTestVault(t)

	sealed, err := vault.Encrypt("secret")
	require.NoError(t, err)

	tests := []struct {
		name  string
		value string
	}{
		{
			name:  "malformed base64",
			value: EnvelopePrefix + "!!!not-base64!!!",
		},
		{
			name:  "malformed json",
			value: EnvelopePrefix + base64.StdEncoding.EncodeToString([]byte("not json")),
		},
		{
			name:  "empty envelope",
			value: EnvelopePrefix + base64.StdEncoding.EncodeToString([]byte("{}")),
		},
		{
			name: "tampered ciphertext",
			value: func() string {
				// Flip a character inside the base64 body
				body := []byte(sealed[len(EnvelopePrefix):])
				mid := len(body) / 2
				if body[mid] == 'A' {
					body[mid] = 'B'
				} else {
					body[mid] = 'A'
				}
				return EnvelopePrefix + string(body)
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opened, err := vault.Decrypt(tt.value)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrVaultDecryptionFailed)
			assert.Empty(t, opened, "failed decryption must not leak any value")
		})
	}
}

// TestVaultKeyLifecycle verifies lazy key creation and permissions
func TestVaultKeyLifecycle(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "nested", "secret.key")
	vault := NewVault(keyPath)

	// Key does not exist until first use
	_, statErr := os.Stat(keyPath)
	assert.True(t, os.IsNotExist(statErr))

	_, err := vault.Encrypt("value")
	require.NoError(t, err)

	info, err := os.Stat(keyPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	assert.Equal(t, int64(32), info.Size())

	// The atomic write leaves the key file and nothing else behind.
	entries, err := os.ReadDir(filepath.Dir(keyPath))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "secret.key", entries[0].Name())

	// A second vault on the same key file opens existing envelopes
	sealed, err := vault.Encrypt("shared-secret")
	require.NoError(t, err)

	vault2 := NewVault(keyPath)
	opened, err := vault2.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, "shared-secret", opened)
}

// TestVaultCorruptKeyFile verifies a wrong-size key file is rejected
func TestVaultCorruptKeyFile(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "secret.key")
	require.NoError(t, os.WriteFile(keyPath, []byte("too short"), 0600))

	vault := NewVault(keyPath)
	_, err := vault.Encrypt("value")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "corrupt")
}

// TestVaultKeyIsolation verifies envelopes do not open under a different key
func TestVaultKeyIsolation(t *testing.T) {
	vaultA := newTestVault(t)
	vaultB := newTestVault(t)

	sealed, err := vaultA.Encrypt("secret")
	require.NoError(t, err)

	_, err = vaultB.Decrypt(sealed)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrVaultDecryptionFailed)
}

// TestVaultUniqueEnvelopes verifies each seal uses fresh salt and nonce
func TestVaultUniqueEnvelopes(t *testing.T) {
	vault := newTestVault(t)

	sealed1, err := vault.Encrypt("same-value")
	require.NoError(t, err)
	sealed2, err := vault.Encrypt("same-value")
	require.NoError(t, err)

	assert.NotEqual(t, sealed1, sealed2)

	for _, sealed := range []string{sealed1, sealed2} {
		opened, err := vault.Decrypt(sealed)
		require.NoError(t, err)
		assert.Equal(t, "same-value", opened)
	}
}

// TestValidateEncryptionConfig verifies parameter bounds
func TestValidateEncryptionConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*EncryptionConfig)
		wantErr bool
	}{
		{name: "default config valid", mutate: func(c *EncryptionConfig) {}, wantErr: false},
		{name: "weak scrypt N", mutate: func(c *EncryptionConfig) { c.SCryptN = 1024 }, wantErr: true},
		{name: "weak scrypt r", mutate: func(c *EncryptionConfig) { c.SCryptR = 4 }, wantErr: true},
		{name: "zero scrypt p", mutate: func(c *EncryptionConfig) { c.SCryptP = 0 }, wantErr: true},
		{name: "wrong key length", mutate: func(c *EncryptionConfig) { c.SCryptKeyLen = 16 }, wantErr: true},
		{name: "wrong nonce size", mutate: func(c *EncryptionConfig) { c.NonceSize = 16 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultEncryptionConfig()
			tt.mutate(config)

			err := ValidateEncryptionConfig(config)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}

	t.Run("nil config rejected", func(t *testing.T) {
		assert.Error(t, ValidateEncryptionConfig(nil))
	})
}

// TestSecureCompare verifies constant-time comparison semantics
func TestSecureCompare(t *testing.T) {
	assert.True(t, SecureCompare([]byte("abc"), []byte("abc")))
	assert.False(t, SecureCompare([]byte("abc"), []byte("abd")))
	assert.False(t, SecureCompare([]byte("abc"), []byte("abcd")))
	assert.True(t, SecureCompare([]byte{}, []byte{}))
}
