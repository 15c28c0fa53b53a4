package services

import (
	"context"
	"log/slog"
	"time"

	"tsagent/internal/config"
	"tsagent/internal/security"
)

// VaultService exposes credential-vault state, migration and the
// write-only credential surface. Plaintext and ciphertext never appear
// in logs or error messages, and no operation returns a stored value.
type VaultService interface {
	Status(ctx context.Context) (*VaultStatusResponse, error)
	Migrate(ctx context.Context) (*VaultMigrateResponse, error)
	ListCredentials(ctx context.Context) ([]string, error)
	SetCredential(ctx context.Context, name, value string) error
	DeleteCredential(ctx context.Context, name string) error
	Encrypt(ctx context.Context, plaintext string) (string, error)
}

// VaultStatusResponse is the wire shape of GET /api/vault/status.
type VaultStatusResponse struct {
	KeyPresent       bool      `json:"key_present"`
	CredentialCount  int       `json:"credential_count"`
	PendingMigration int       `json:"pending_migration"`
	TraceID          string    `json:"trace_id"`
	Timestamp        time.Time `json:"timestamp"`
}

// VaultMigrateResponse is the wire shape of POST /api/vault/migrate.
type VaultMigrateResponse struct {
	Migrated int    `json:"migrated"`
	Message  string `json:"message"`
	TraceID  string `json:"trace_id"`
}

type vaultService struct {
	vault  *security.Vault
	store  *security.CredentialStore
	paths  *config.Paths
	logger *slog.Logger
}

// NewVaultService creates the vault service.
func NewVaultService(vault *security.Vault, store *security.CredentialStore, paths *config.Paths, logger *slog.Logger) VaultService {
	if logger == nil {
		logger = slog.Default()
	}
	return &vaultService{
		vault:  vault,
		store:  store,
		paths:  paths,
		logger: logger.With(slog.String("service", "vault")),
	}
}

func (s *vaultService) Status(ctx context.Context) (*VaultStatusResponse, error) {
	count, err := s.store.Count(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := s.store.PendingMigration(ctx)
	if err != nil {
		return nil, err
	}

	return &VaultStatusResponse{
		KeyPresent:       config.FileExists(s.paths.VaultKeyFile),
		CredentialCount:  count,
		PendingMigration: pending,
		TraceID:          traceIDFromRequest(ctx),
		Timestamp:        time.Now().UTC(),
	}, nil
}

// Migrate re-encrypts legacy plaintext credentials in place.
func (s *vaultService) Migrate(ctx context.Context) (*VaultMigrateResponse, error) {
	migrated, err := s.store.Migrate(ctx)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "credential migration completed",
		slog.Int("migrated", migrated),
		slog.String("trace_id", traceIDFromRequest(ctx)),
	)

	message := "All credentials already encrypted"
	if migrated > 0 {
		message = "Legacy credentials re-encrypted"
	}

	return &VaultMigrateResponse{
		Migrated: migrated,
		Message:  message,
		TraceID:  traceIDFromRequest(ctx),
	}, nil
}

// ListCredentials returns the stored credential names, never values.
func (s *vaultService) ListCredentials(ctx context.Context) ([]string, error) {
	return s.store.List(ctx)
}

// SetCredential encrypts, stores and persists one credential. The value
// is accepted here, enveloped immediately, and never read back out over
// the control surface.
func (s *vaultService) SetCredential(ctx context.Context, name, value string) error {
	if name == "" || value == "" {
		return ErrInvalidInput
	}
	if err := s.store.Set(ctx, name, value); err != nil {
		return err
	}
	return s.store.Save(ctx)
}

// DeleteCredential removes one credential and persists the store.
func (s *vaultService) DeleteCredential(ctx context.Context, name string) error {
	if name == "" {
		return ErrInvalidInput
	}
	if err := s.store.Delete(ctx, name); err != nil {
		return err
	}
	return s.store.Save(ctx)
}

// Encrypt envelopes a single value for configuration files. Exposed to
// licensectl only; the HTTP surface stores credentials through the
// vault instead of returning ciphertext.
func (s *vaultService) Encrypt(ctx context.Context, plaintext string) (string, error) {
	if plaintext == "" {
		return "", ErrInvalidInput
	}
	return s.vault.Encrypt(plaintext)
}
