package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// credentialFileVersion is bumped when the on-disk layout changes
const credentialFileVersion = 1

// ErrCredentialNotFound is returned for lookups and deletes of a name
// that is not in the store.
var ErrCredentialNotFound = errors.New("credential not found")

// CredentialRecord is one named secret as stored on disk. Value carries
// the vault envelope at rest; a bare value is a legacy record awaiting
// migration.
type CredentialRecord struct {
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// credentialFile is the on-disk layout of the store
type credentialFile struct {
	Version     int                         `json:"version"`
	UpdatedAt   time.Time                   `json:"updated_at"`
	Credentials map[string]CredentialRecord `json:"credentials"`
}

// CredentialAccessEvent represents a credential access audit event
type CredentialAccessEvent struct {
	Timestamp    time.Time `json:"timestamp"`
	EventType    string    `json:"event_type"` // "load", "get", "set", "save", "migrate", "error"
	Success      bool      `json:"success"`
	Name         string    `json:"name,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	ProcessID    int       `json:"process_id"`
	AccessCount  int64     `json:"access_count"`
}

// CredentialStore manages named secrets persisted in a single JSON file.
// Values are sealed by the vault before they touch disk; plaintext values
// from older installations are readable and rewritten sealed on the next
// save. Secret values never appear in logs.
type CredentialStore struct {
	path  string
	vault *Vault

	mutex       sync.Mutex
	records     map[string]CredentialRecord
	loaded      bool
	accessCount int64
	auditLogger *slog.Logger
}

// NewCredentialStore creates a store backed by the JSON file at path,
// sealed by the given vault
func NewCredentialStore(path string, vault *Vault) *CredentialStore {
	return &CredentialStore{
		path:        path,
		vault:       vault,
		records:     make(map[string]CredentialRecord),
		auditLogger: slog.Default().With(slog.String("component", "credential_store")),
	}
}

// Load reads the store from disk. A missing file is an empty store, not
// an error.
func (cs *CredentialStore) Load(ctx context.Context) error {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()

	if err := cs.loadLocked(); err != nil {
		cs.logAuditEvent(ctx, "load", false, "", err.Error())
		return err
	}

	cs.logAuditEvent(ctx, "load", true, "", "")
	slog.Debug("Credential store loaded",
		slog.Int("records", len(cs.records)),
		slog.Int("pending_migration", cs.pendingMigrationLocked()),
	)
	return nil
}

// loadLocked reads and parses the store file. Caller holds the mutex.
// Every load path goes through here so the version guard applies to
// lazy loads as well as explicit ones.
func (cs *CredentialStore) loadLocked() error {
	data, err := os.ReadFile(cs.path)
	if err != nil {
		if os.IsNotExist(err) {
			cs.records = make(map[string]CredentialRecord)
			cs.loaded = true
			return nil
		}
		return fmt.Errorf("failed to read credential store: %w", err)
	}

	var file credentialFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse credential store: %w", err)
	}

	if file.Version > credentialFileVersion {
		return fmt.Errorf("credential store version %d is newer than supported %d", file.Version, credentialFileVersion)
	}

	if file.Credentials == nil {
		file.Credentials = make(map[string]CredentialRecord)
	}
	cs.records = file.Credentials
	cs.loaded = true
	return nil
}

// Get returns the plaintext value of a named credential. Sealed values
// are opened by the vault; legacy plaintext values are returned as-is.
func (cs *CredentialStore) Get(ctx context.Context, name string) (string, error) {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()

	if err := cs.ensureLoadedLocked(ctx); err != nil {
		return "", err
	}

	record, ok := cs.records[name]
	if !ok {
		cs.logAuditEvent(ctx, "get", false, name, "not found")
		return "", fmt.Errorf("%w: %q", ErrCredentialNotFound, name)
	}

	plaintext, err := cs.vault.Decrypt(record.Value)
	if err != nil {
		cs.logAuditEvent(ctx, "get", false, name, err.Error())
		return "", fmt.Errorf("credential %q: %w", name, err)
	}

	cs.accessCount++
	cs.logAuditEvent(ctx, "get", true, name, "")
	return plaintext, nil
}

// Set stores a credential value. The value is sealed immediately so
// plaintext never waits in memory for a save.
func (cs *CredentialStore) Set(ctx context.Context, name, value string) error {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()

	if err := cs.ensureLoadedLocked(ctx); err != nil {
		return err
	}

	sealed, err := cs.vault.Encrypt(value)
	if err != nil {
		cs.logAuditEvent(ctx, "set", false, name, err.Error())
		return fmt.Errorf("failed to seal credential %q: %w", name, err)
	}

	cs.records[name] = CredentialRecord{
		Value:     sealed,
		UpdatedAt: time.Now().UTC(),
	}

	cs.logAuditEvent(ctx, "set", true, name, "")
	return nil
}

// Delete removes a named credential
func (cs *CredentialStore) Delete(ctx context.Context, name string) error {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()

	if err := cs.ensureLoadedLocked(ctx); err != nil {
		return err
	}

	if _, ok := cs.records[name]; !ok {
		return fmt.Errorf("%w: %q", ErrCredentialNotFound, name)
	}

	delete(cs.records, name)
	cs.logAuditEvent(ctx, "delete", true, name, "")
	return nil
}

// List returns the names of all stored credentials, sorted
func (cs *CredentialStore) List(ctx context.Context) ([]string, error) {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()

	if err := cs.ensureLoadedLocked(ctx); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(cs.records))
	for name := range cs.records {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Save writes the store to disk atomically. Every value is sealed on the
// way out, which migrates legacy plaintext records.
func (cs *CredentialStore) Save(ctx context.Context) error {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()

	if err := cs.ensureLoadedLocked(ctx); err != nil {
		return err
	}

	if _, err := cs.migrateLocked(ctx); err != nil {
		return err
	}

	file := credentialFile{
		Version:     credentialFileVersion,
		UpdatedAt:   time.Now().UTC(),
		Credentials: cs.records,
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		cs.logAuditEvent(ctx, "save", false, "", err.Error())
		return fmt.Errorf("failed to serialize credential store: %w", err)
	}

	if err := writeFileAtomic(cs.path, data, 0600); err != nil {
		cs.logAuditEvent(ctx, "save", false, "", err.Error())
		return fmt.Errorf("failed to write credential store: %w", err)
	}

	cs.logAuditEvent(ctx, "save", true, "", "")
	return nil
}

// Migrate seals all legacy plaintext values and persists the store.
// Returns how many records were migrated.
func (cs *CredentialStore) Migrate(ctx context.Context) (int, error) {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()

	if err := cs.ensureLoadedLocked(ctx); err != nil {
		return 0, err
	}

	migrated, err := cs.migrateLocked(ctx)
	if err != nil {
		return 0, err
	}

	if migrated == 0 {
		return 0, nil
	}

	file := credentialFile{
		Version:     credentialFileVersion,
		UpdatedAt:   time.Now().UTC(),
		Credentials: cs.records,
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("failed to serialize credential store: %w", err)
	}

	if err := writeFileAtomic(cs.path, data, 0600); err != nil {
		cs.logAuditEvent(ctx, "migrate", false, "", err.Error())
		return 0, fmt.Errorf("failed to write credential store: %w", err)
	}

	cs.logAuditEvent(ctx, "migrate", true, "", "")
	slog.Info("Credential store migrated",
		slog.Int("migrated", migrated),
		slog.String("path", cs.path),
	)
	return migrated, nil
}

// PendingMigration reports how many records are still legacy plaintext
func (cs *CredentialStore) PendingMigration(ctx context.Context) (int, error) {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()

	if err := cs.ensureLoadedLocked(ctx); err != nil {
		return 0, err
	}
	return cs.pendingMigrationLocked(), nil
}

// Count returns the number of stored credentials
func (cs *CredentialStore) Count(ctx context.Context) (int, error) {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()

	if err := cs.ensureLoadedLocked(ctx); err != nil {
		return 0, err
	}
	return len(cs.records), nil
}

// GetSecurityMetrics returns store metrics for monitoring
func (cs *CredentialStore) GetSecurityMetrics() map[string]interface{} {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()

	return map[string]interface{}{
		"records":           len(cs.records),
		"pending_migration": cs.pendingMigrationLocked(),
		"access_count":      cs.accessCount,
		"path":              cs.path,
	}
}

// migrateLocked seals legacy records in place. Caller holds the mutex.
func (cs *CredentialStore) migrateLocked(ctx context.Context) (int, error) {
	migrated := 0
	for name, record := range cs.records {
		if IsEncrypted(record.Value) {
			continue
		}
		sealed, err := cs.vault.Encrypt(record.Value)
		if err != nil {
			cs.logAuditEvent(ctx, "migrate", false, name, err.Error())
			return migrated, fmt.Errorf("failed to migrate credential %q: %w", name, err)
		}
		record.Value = sealed
		cs.records[name] = record
		migrated++
	}
	return migrated, nil
}

func (cs *CredentialStore) pendingMigrationLocked() int {
	pending := 0
	for _, record := range cs.records {
		if !IsEncrypted(record.Value) {
			pending++
		}
	}
	return pending
}

func (cs *CredentialStore) ensureLoadedLocked(ctx context.Context) error {
	if cs.loaded {
		return nil
	}

	if err := cs.loadLocked(); err != nil {
		cs.logAuditEvent(ctx, "load", false, "", err.Error())
		return err
	}

	cs.logAuditEvent(ctx, "load", true, "", "")
	return nil
}

// logAuditEvent logs credential access events for security auditing.
// Values are never included.
func (cs *CredentialStore) logAuditEvent(ctx context.Context, eventType string, success bool, name, errorMessage string) {
	event := CredentialAccessEvent{
		Timestamp:    time.Now(),
		EventType:    eventType,
		Success:      success,
		Name:         name,
		ErrorMessage: errorMessage,
		ProcessID:    os.Getpid(),
		AccessCount:  cs.accessCount,
	}

	logLevel := slog.LevelDebug
	if !success {
		logLevel = slog.LevelWarn
	}

	cs.auditLogger.Log(ctx, logLevel, "Credential access event",
		slog.String("event_type", event.EventType),
		slog.Bool("success", event.Success),
		slog.String("name", event.Name),
		slog.String("error_message", event.ErrorMessage),
		slog.Int("process_id", event.ProcessID),
		slog.Int64("access_count", event.AccessCount),
	)
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place, so a crash never leaves a torn store behind
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
