package services

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"tsagent/internal/config"
	"tsagent/internal/security"
)

func vaultFixture(t *testing.T, paths *config.Paths) VaultService {
	t.Helper()

	vault := security.NewVault(paths.VaultKeyFile)
	t.Cleanup(vault.Close)
	store := security.NewCredentialStore(paths.CredentialsFile, vault)
	return NewVaultService(vault, store, paths, discardLogger())
}

// writeLegacyCredentials seeds a store file with bare plaintext values,
// the layout older installations left behind.
func writeLegacyCredentials(t *testing.T, paths *config.Paths, values map[string]string) {
	t.Helper()

	credentials := make(map[string]interface{}, len(values))
	for name, value := range values {
		credentials[name] = map[string]interface{}{
			"value":      value,
			"updated_at": time.Now().UTC(),
		}
	}
	raw, err := json.Marshal(map[string]interface{}{
		"version":     1,
		"updated_at":  time.Now().UTC(),
		"credentials": credentials,
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(paths.CredentialsFile, raw, 0o600))
}

func TestVaultServiceStatusEmpty(t *testing.T) {
	paths := servicePaths(t)
	svc := vaultFixture(t, paths)

	resp, err := svc.Status(context.Background())
	require.NoError(t, err)

	assert.False(t, resp.KeyPresent, "the vault key is created lazily on first use")
	assert.Zero(t, resp.CredentialCount)
	assert.Zero(t, resp.PendingMigration)
	assert.False(t, resp.Timestamp.IsZero())
}

func TestVaultServiceStatusCountsLegacy(t *testing.T) {
	paths := servicePaths(t)
	writeLegacyCredentials(t, paths, map[string]string{
		"broker_api_key": "plain-token-12345",
		"feed_password":  "plain-password",
	})
	svc := vaultFixture(t, paths)

	resp, err := svc.Status(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, resp.CredentialCount)
	assert.Equal(t, 2, resp.PendingMigration)
}

func TestVaultServiceMigrate(t *testing.T) {
	paths := servicePaths(t)
	writeLegacyCredentials(t, paths, map[string]string{
		"broker_api_key": "plain-token-12345",
		"feed_password":  "plain-password",
	})
	svc := vaultFixture(t, paths)

	resp, err := svc.Migrate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, resp.Migrated)
	assert.Equal(t, "Legacy credentials re-encrypted", resp.Message)

	raw, err := os.ReadFile(paths.CredentialsFile)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "plain-token-12345")
	assert.NotContains(t, string(raw), "plain-password")

	status, err := svc.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, status.CredentialCount)
	assert.Zero(t, status.PendingMigration)
	assert.True(t, status.KeyPresent, "sealing created the vault key")

	// A second pass has nothing left to do.
	resp, err = svc.Migrate(context.Background())
	require.NoError(t, err)
	assert.Zero(t, resp.Migrated)
	assert.Equal(t, "All credentials already encrypted", resp.Message)
}

func TestVaultServiceEncrypt(t *testing.T) {
	paths := servicePaths(t)
	svc := vaultFixture(t, paths)

	envelope, err := svc.Encrypt(context.Background(), "broker-secret")
	require.NoError(t, err)

	assert.NotEqual(t, "broker-secret", envelope)
	assert.True(t, security.IsEncrypted(envelope))

	// Encrypting an envelope again is a no-op.
	again, err := svc.Encrypt(context.Background(), envelope)
	require.NoError(t, err)
	assert.Equal(t, envelope, again)
}

func TestVaultServiceEncryptRejectsEmpty(t *testing.T) {
	paths := servicePaths(t)
	svc := vaultFixture(t, paths)

	_, err := svc.Encrypt(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidInput)
}
