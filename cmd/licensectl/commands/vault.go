package commands

import (
	"context"
	"fmt"
	"net/url"

	"tsagent/internal/config"
	"tsagent/internal/security"
	"tsagent/internal/services"
)

type vaultListResponse struct {
	Credentials []string `json:"credentials"`
	Count       int      `json:"count"`
}

type vaultMutationResponse struct {
	Success bool   `json:"success"`
	Name    string `json:"name"`
	Message string `json:"message"`
}

// RunVaultEncrypt seals a value read from stdin with the local vault
// master key and prints the envelope. Useful for provisioning
// credential files out-of-band; the key is created on first use.
func RunVaultEncrypt(keyPath string, io IOTuple) error {
	plaintext, err := readSecret(io.Reader)
	if err != nil {
		return err
	}

	vault := security.NewVault(keyPath)
	sealed, err := vault.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("failed to encrypt value: %w", err)
	}

	_, _ = fmt.Fprintln(io.Writer, sealed)
	return nil
}

// RunVaultMigrate re-encrypts any legacy plaintext credentials the
// agent is holding.
func RunVaultMigrate(ctx context.Context, client *Client, format string, io IOTuple) error {
	var result services.VaultMigrateResponse
	if err := client.Post(ctx, config.VaultEndpoint+"/migrate", nil, &result); err != nil {
		return err
	}

	if format == "json" {
		return outputJSON(result, io.Writer)
	}

	if result.Message != "" {
		_, _ = fmt.Fprintln(io.Writer, result.Message)
		return nil
	}
	_, _ = fmt.Fprintf(io.Writer, "Migrated %d credential(s).\n", result.Migrated)
	return nil
}

// RunVaultList prints stored credential names. Values never leave the
// agent.
func RunVaultList(ctx context.Context, client *Client, format string, io IOTuple) error {
	var list vaultListResponse
	if err := client.Get(ctx, config.VaultEndpoint+"/credentials", &list); err != nil {
		return err
	}

	if format == "json" {
		return outputJSON(list, io.Writer)
	}

	if list.Count == 0 {
		_, _ = fmt.Fprintln(io.Writer, "No credentials stored.")
		return nil
	}
	_, _ = fmt.Fprintf(io.Writer, "%d credential(s):\n", list.Count)
	for _, name := range list.Credentials {
		_, _ = fmt.Fprintf(io.Writer, "  %s\n", name)
	}
	return nil
}

// RunVaultSet stores a credential under name, reading the value from
// stdin so it never appears in argv or shell history.
func RunVaultSet(ctx context.Context, client *Client, name string, io IOTuple) error {
	value, err := readSecret(io.Reader)
	if err != nil {
		return err
	}

	body := map[string]string{"name": name, "value": value}
	var result vaultMutationResponse
	if err := client.Post(ctx, config.VaultEndpoint+"/credentials", body, &result); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(io.Writer, "Credential %q stored.\n", result.Name)
	return nil
}

// RunVaultDelete removes a stored credential.
func RunVaultDelete(ctx context.Context, client *Client, name string, io IOTuple) error {
	var result vaultMutationResponse
	if err := client.Delete(ctx, config.VaultEndpoint+"/credentials/"+url.PathEscape(name), &result); err != nil {
		return err
	}

	_, _ = fmt.Fprintf(io.Writer, "Credential %q deleted.\n", result.Name)
	return nil
}
