package security

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*CredentialStore, string) {
	t.Helper()
	dir := t.TempDir()
	vault := NewVault(filepath.Join(dir, "secret.key"))
	path := filepath.Join(dir, "credentials.json")
	return NewCredentialStore(path, vault), path
}

// TestCredentialStoreLifecycle tests the set/get/save/load cycle
func TestCredentialStoreLifecycle(t *testing.T) {
	store, path := newTestStore(t)
	ctx := context.Background()

	t.Run("missing file is an empty store", func(t *testing.T) {
		require.NoError(t, store.Load(ctx))

		names, err := store.List(ctx)
		require.NoError(t, err)
		assert.Empty(t, names)
	})

	t.Run("set get round trip", func(t *testing.T) {
		require.NoError(t, store.Set(ctx, "broker_api_key", "tok_live_9f8e7d6c"))
		require.NoError(t, store.Set(ctx, "feed_password", "hunter2"))

		value, err := store.Get(ctx, "broker_api_key")
		require.NoError(t, err)
		assert.Equal(t, "tok_live_9f8e7d6c", value)

		names, err := store.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"broker_api_key", "feed_password"}, names)
	})

	t.Run("save writes sealed values owner-only", func(t *testing.T) {
		require.NoError(t, store.Save(ctx))

		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.NotContains(t, string(raw), "tok_live_9f8e7d6c")
		assert.NotContains(t, string(raw), "hunter2")
		assert.Contains(t, string(raw), EnvelopePrefix)
	})

	t.Run("fresh store reads persisted values back", func(t *testing.T) {
		vault := NewVault(filepath.Join(filepath.Dir(path), "secret.key"))
		store2 := NewCredentialStore(path, vault)
		require.NoError(t, store2.Load(ctx))

		value, err := store2.Get(ctx, "feed_password")
		require.NoError(t, err)
		assert.Equal(t, "hunter2", value)
	})

	t.Run("delete removes the record", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, "feed_password"))

		_, err := store.Get(ctx, "feed_password")
		assert.Error(t, err)

		assert.Error(t, store.Delete(ctx, "feed_password"))
	})
}

// TestCredentialStoreLegacyMigration tests reading and migrating plaintext records
func TestCredentialStoreLegacyMigration(t *testing.T) {
	store, path := newTestStore(t)
	ctx := context.Background()

	// Write a store file the way an older installation would have:
	// values in the clear
	legacy := credentialFile{
		Version:   1,
		UpdatedAt: time.Now().UTC(),
		Credentials: map[string]CredentialRecord{
			"broker_api_key": {Value: "plain-token-12345", UpdatedAt: time.Now().UTC()},
			"feed_password":  {Value: "plain-password", UpdatedAt: time.Now().UTC()},
		},
	}
	raw, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0600))

	require.NoError(t, store.Load(ctx))

	t.Run("legacy values readable before migration", func(t *testing.T) {
		value, err := store.Get(ctx, "broker_api_key")
		require.NoError(t, err)
		assert.Equal(t, "plain-token-12345", value)

		pending, err := store.PendingMigration(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, pending)
	})

	t.Run("migrate seals every legacy value", func(t *testing.T) {
		migrated, err := store.Migrate(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, migrated)

		pending, err := store.PendingMigration(ctx)
		require.NoError(t, err)
		assert.Zero(t, pending)

		// On disk nothing is in the clear anymore
		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.NotContains(t, string(raw), "plain-token-12345")
		assert.NotContains(t, string(raw), "plain-password")

		// Values still read back correctly
		value, err := store.Get(ctx, "feed_password")
		require.NoError(t, err)
		assert.Equal(t, "plain-password", value)
	})

	t.Run("second migrate is a no-op", func(t *testing.T) {
		migrated, err := store.Migrate(ctx)
		require.NoError(t, err)
		assert.Zero(t, migrated)
	})
}

// TestCredentialStoreSaveMigrates verifies a plain Save also seals legacy values
func TestCredentialStoreSaveMigrates(t *testing.T) {
	store, path := newTestStore(t)
	ctx := context.Background()

	legacy := credentialFile{
		Version: 1,
		Credentials: map[string]CredentialRecord{
			"token": {Value: "in-the-clear", UpdatedAt: time.Now().UTC()},
		},
	}
	raw, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0600))

	require.NoError(t, store.Load(ctx))
	require.NoError(t, store.Save(ctx))

	raw, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "in-the-clear")
}

// TestCredentialStoreCorruptFile verifies a malformed store is an error
func TestCredentialStoreCorruptFile(t *testing.T) {
	store, path := newTestStore(t)

	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0600))
	assert.Error(t, store.Load(context.Background()))
}

// TestCredentialStoreNewerVersion verifies forward-version files are refused
// on every load path, explicit or lazy
func TestCredentialStoreNewerVersion(t *testing.T) {
	writeNewerStore := func(t *testing.T) (*CredentialStore, string) {
		t.Helper()
		store, path := newTestStore(t)

		file := credentialFile{
			Version: 99,
			Credentials: map[string]CredentialRecord{
				"token": {Value: "from-the-future", UpdatedAt: time.Now().UTC()},
			},
		}
		raw, err := json.Marshal(file)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(path, raw, 0600))
		return store, path
	}

	t.Run("explicit load", func(t *testing.T) {
		store, _ := writeNewerStore(t)

		err := store.Load(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "newer than supported")
	})

	t.Run("lazy load via get", func(t *testing.T) {
		store, _ := writeNewerStore(t)

		_, err := store.Get(context.Background(), "token")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "newer than supported")
	})

	t.Run("lazy load via set", func(t *testing.T) {
		store, _ := writeNewerStore(t)

		err := store.Set(context.Background(), "other", "value")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "newer than supported")
	})
}

// TestCredentialStoreAtomicSave verifies saves leave no temp residue
func TestCredentialStoreAtomicSave(t *testing.T) {
	store, path := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "token", "value-one"))
	require.NoError(t, store.Save(ctx))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	for _, entry := range entries {
		assert.NotContains(t, entry.Name(), ".tmp-")
	}
}

// TestCredentialStoreMetrics verifies monitoring counters
func TestCredentialStoreMetrics(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "a", "1"))
	require.NoError(t, store.Set(ctx, "b", "2"))
	_, err := store.Get(ctx, "a")
	require.NoError(t, err)

	metrics := store.GetSecurityMetrics()
	assert.Equal(t, 2, metrics["records"])
	assert.Equal(t, 0, metrics["pending_migration"])
	assert.Equal(t, int64(1), metrics["access_count"])
}
