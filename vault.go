package keyforge

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"southwinds.dev/keyforge/audit"
	"southwinds.dev/keyforge/internal/crypto"
	"southwinds.dev/keyforge/internal/debug"
	"southwinds.dev/keyforge/internal/misc"
	"southwinds.dev/keyforge/persist"
)

// RotationPolicy controls interval-based rotation for a secret.
type RotationPolicy struct {
	Enabled          bool  `json:"enabled"`
	IntervalDays     int   `json:"interval_days,omitempty"`
	NotificationDays []int `json:"notification_days,omitempty"`
	AutoRotate       bool  `json:"auto_rotate,omitempty"`
}

// AccessControlSpec is the vault-tier access list attached to a secret:
// which roles may touch it and with which permissions. This is coarser than
// the RBAC tier, which gates the operations themselves.
type AccessControlSpec struct {
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// SecretMetadata describes a stored secret. It is owned by the vault and
// mutated only by rotate and delete operations.
type SecretMetadata struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Description    string            `json:"description,omitempty"`
	Type           string            `json:"type,omitempty"`
	Environment    string            `json:"environment,omitempty"`
	Created        time.Time         `json:"created"`
	LastRotated    time.Time         `json:"last_rotated"`
	ExpiresAt      *time.Time        `json:"expires_at,omitempty"`
	RotationPolicy RotationPolicy    `json:"rotation_policy"`
	AccessControl  AccessControlSpec `json:"access_control"`
	Tags           []string          `json:"tags,omitempty"`
	Version        string            `json:"version,omitempty"`
	AccessCount    int64             `json:"access_count,omitempty"`
	LastAccessed   *time.Time        `json:"last_accessed,omitempty"`
}

func copySecretMetadata(original *SecretMetadata) *SecretMetadata {
	if original == nil {
		return nil
	}
	metaCopy := *original
	metaCopy.Tags = append([]string(nil), original.Tags...)
	metaCopy.AccessControl.Roles = append([]string(nil), original.AccessControl.Roles...)
	metaCopy.AccessControl.Permissions = append([]string(nil), original.AccessControl.Permissions...)
	metaCopy.RotationPolicy.NotificationDays = append([]int(nil), original.RotationPolicy.NotificationDays...)
	if original.ExpiresAt != nil {
		expires := *original.ExpiresAt
		metaCopy.ExpiresAt = &expires
	}
	if original.LastAccessed != nil {
		accessed := *original.LastAccessed
		metaCopy.LastAccessed = &accessed
	}
	return &metaCopy
}

// Vault is the encrypted secret store. Every value is envelope-encrypted
// under the vault master key with a fresh IV per write and persisted through
// the abstract store contract; plaintext never reaches the backend.
type Vault struct {
	mu             sync.RWMutex
	store          persist.Store
	audit          audit.Logger
	events         *EventBus
	clock          Clock
	environment    string
	masterKey      *memguard.Enclave
	fingerprintKey *memguard.Enclave
	closed         bool
}

// NewVault derives the master key from the configured passphrase and the
// per-vault salt (loaded from the store, or generated and persisted on first
// use) and returns a ready vault. The fingerprint key is an independent
// HKDF expansion of the master key, so key fingerprints are keyed hashes
// without any key material embedded in source or configuration.
func NewVault(options Options, store persist.Store, auditLogger audit.Logger, events *EventBus, clock Clock) (*Vault, error) {
	if store == nil {
		return nil, &ConfigError{Field: "store", Message: "persist store is required"}
	}
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}
	if events == nil {
		events = NewEventBus(options.EventBufferSize)
	}
	if clock == nil {
		clock = SystemClock()
	}

	passphrase, err := options.Passphrase()
	if err != nil {
		return nil, err
	}

	salt, err := loadOrCreateSalt(store, options.DerivationSalt)
	if err != nil {
		return nil, err
	}

	debug.Print("Deriving master key for environment %s\n", options.Environment)
	masterBuffer, err := deriveMasterKey(passphrase, salt)
	if err != nil {
		return nil, fmt.Errorf("failed to derive master key: %w", err)
	}

	fpKey, err := deriveSubKey(masterBuffer.Bytes(), salt, "fingerprint")
	if err != nil {
		masterBuffer.Destroy()
		return nil, err
	}

	v := &Vault{
		store:          store,
		audit:          auditLogger,
		events:         events,
		clock:          clock,
		environment:    options.Environment,
		masterKey:      masterBuffer.Seal(),
		fingerprintKey: memguard.NewEnclave(fpKey),
	}

	_ = v.audit.Log("vault_opened", true, map[string]interface{}{
		"environment": options.Environment,
		"store_type":  store.GetType(),
	})
	return v, nil
}

// loadOrCreateSalt returns the provided salt, the stored salt, or a fresh
// random salt persisted through the store, in that order of preference.
func loadOrCreateSalt(store persist.Store, provided []byte) ([]byte, error) {
	if len(provided) > 0 {
		return provided, nil
	}

	exists, err := store.SaltExists()
	if err != nil {
		return nil, fmt.Errorf("failed to check salt: %w", err)
	}
	if exists {
		salt, err := store.LoadSalt()
		if err != nil {
			return nil, fmt.Errorf("failed to load salt: %w", err)
		}
		return salt, nil
	}

	debug.Print("No stored salt found, generating a fresh one\n")
	salt, err := crypto.RandomBytes(misc.SaltSize * 2)
	if err != nil {
		return nil, err
	}
	if err = store.SaveSalt(salt); err != nil {
		return nil, fmt.Errorf("failed to persist salt: %w", err)
	}
	return salt, nil
}

// withMasterKey runs fn with the master key bytes, destroying the unsealed
// buffer afterwards.
func (v *Vault) withMasterKey(fn func(key []byte) error) error {
	buffer, err := v.masterKey.Open()
	if err != nil {
		return fmt.Errorf("master key not available: %w", err)
	}
	defer buffer.Destroy()
	return fn(buffer.Bytes())
}

// withFingerprintKey runs fn with the fingerprint key bytes.
func (v *Vault) withFingerprintKey(fn func(key []byte) error) error {
	buffer, err := v.fingerprintKey.Open()
	if err != nil {
		return fmt.Errorf("fingerprint key not available: %w", err)
	}
	defer buffer.Destroy()
	return fn(buffer.Bytes())
}

// encryptValue seals value under the master key into the packed record form.
func (v *Vault) encryptValue(value []byte) (string, error) {
	var packed string
	err := v.withMasterKey(func(key []byte) error {
		var err error
		packed, err = encryptEnvelope(key, value)
		return err
	})
	return packed, err
}

// decryptValue opens a packed record value. Decryption errors propagate;
// they are never swallowed.
func (v *Vault) decryptValue(packed string) ([]byte, error) {
	var plaintext []byte
	err := v.withMasterKey(func(key []byte) error {
		var err error
		plaintext, err = decryptEnvelope(key, packed)
		return err
	})
	return plaintext, err
}

// fingerprint computes the keyed fingerprint over key material fields.
func (v *Vault) fingerprint(parts ...[]byte) (string, error) {
	var digest string
	err := v.withFingerprintKey(func(key []byte) error {
		var joined []byte
		for _, part := range parts {
			joined = append(joined, part...)
		}
		digest = crypto.KeyedDigest(key, nil, joined)
		return nil
	})
	return digest, err
}

// StoreSecret envelope-encrypts value and persists it under name. A nil
// metadata gets the defaults: rotation disabled, roles=[admin],
// permissions=[read].
func (v *Vault) StoreSecret(name string, value []byte, meta *SecretMetadata) (*SecretMetadata, error) {
	if err := validateSecretID(name); err != nil {
		return nil, err
	}
	if len(value) == 0 {
		return nil, fmt.Errorf("secret value cannot be empty")
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil, ErrClosed
	}

	now := v.clock.Now()
	if meta == nil {
		meta = &SecretMetadata{}
	} else {
		meta = copySecretMetadata(meta)
	}
	meta.ID = name
	if meta.Name == "" {
		meta.Name = name
	}
	if meta.Environment == "" {
		meta.Environment = v.environment
	}
	if meta.Created.IsZero() {
		meta.Created = now
	}
	meta.LastRotated = now
	meta.Tags = deduplicateTags(meta.Tags)
	if len(meta.AccessControl.Roles) == 0 {
		meta.AccessControl.Roles = []string{"admin"}
	}
	if len(meta.AccessControl.Permissions) == 0 {
		meta.AccessControl.Permissions = []string{"read"}
	}
	meta.Version = newVersionToken(v.clock)

	packed, err := v.encryptValue(value)
	if err != nil {
		_ = v.audit.Log("secret_store", false, map[string]interface{}{
			"secret_id": name, "error": err.Error(),
		})
		return nil, fmt.Errorf("failed to encrypt secret %s: %w", name, err)
	}

	record, err := buildRecord(name, packed, meta)
	if err != nil {
		return nil, err
	}
	if err = v.store.SaveSecret(name, record); err != nil {
		_ = v.audit.Log("secret_store", false, map[string]interface{}{
			"secret_id": name, "error": err.Error(),
		})
		return nil, fmt.Errorf("failed to persist secret %s: %w", name, err)
	}

	_ = v.audit.Log("secret_store", true, map[string]interface{}{
		"secret_id": name,
		"version":   meta.Version,
		"size":      len(value),
	})
	v.events.Publish(Event{Type: EventSecretStored, SecretID: name})
	return copySecretMetadata(meta), nil
}

func buildRecord(name, packed string, meta *SecretMetadata) (*persist.Record, error) {
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata for %s: %w", name, err)
	}
	return &persist.Record{
		Name:      name,
		Value:     packed,
		Version:   meta.Version,
		Encrypted: true,
		Metadata:  metaJSON,
	}, nil
}

// GetSecret loads, authorizes and decrypts the named secret for role.
// Fails with ErrNotFound when absent, ErrExpired past TTL, and
// AccessDeniedError when the role lacks vault-tier read access.
func (v *Vault) GetSecret(name, role string) ([]byte, *SecretMetadata, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil, nil, ErrClosed
	}

	record, meta, err := v.loadRecord(name)
	if err != nil {
		return nil, nil, err
	}

	if !hasAccess(meta.AccessControl, role, "read") {
		_ = v.audit.Log("secret_access", false, map[string]interface{}{
			"secret_id": name, "role": role, "reason": "vault access denied",
		})
		return nil, nil, &AccessDeniedError{UserID: role, Resource: string(ResourceSecret),
			Action: string(ActionRead), Reason: fmt.Sprintf("role %s has no read access to %s", role, name)}
	}

	if meta.ExpiresAt != nil && v.clock.Now().After(*meta.ExpiresAt) {
		_ = v.audit.Log("secret_access", false, map[string]interface{}{
			"secret_id": name, "role": role, "reason": "expired",
		})
		return nil, nil, fmt.Errorf("secret %s: %w", name, ErrExpired)
	}

	value, err := v.decryptValue(record.Value)
	if err != nil {
		_ = v.audit.Log("secret_access", false, map[string]interface{}{
			"secret_id": name, "error": err.Error(),
		})
		return nil, nil, fmt.Errorf("failed to decrypt secret %s: %w", name, err)
	}

	// Access bookkeeping is best-effort; a failed write must not block reads.
	now := v.clock.Now()
	meta.AccessCount++
	meta.LastAccessed = &now
	if record, err := buildRecord(name, record.Value, meta); err == nil {
		_ = v.store.SaveSecret(name, record)
	}

	_ = v.audit.Log("secret_access", true, map[string]interface{}{
		"secret_id": name, "role": role,
	})
	return value, copySecretMetadata(meta), nil
}

func (v *Vault) isClosed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.closed
}

// getSecretUnchecked loads and decrypts the named secret without the role or
// expiry checks. For in-package callers that have already authorized the
// operation and may legitimately touch expired material, such as rotation.
func (v *Vault) getSecretUnchecked(name string) ([]byte, *SecretMetadata, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil, nil, ErrClosed
	}

	record, meta, err := v.loadRecord(name)
	if err != nil {
		return nil, nil, err
	}
	value, err := v.decryptValue(record.Value)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decrypt secret %s: %w", name, err)
	}
	return value, copySecretMetadata(meta), nil
}

// loadRecord fetches the record and unmarshals its metadata. Callers hold v.mu.
func (v *Vault) loadRecord(name string) (*persist.Record, *SecretMetadata, error) {
	record, err := v.store.LoadSecret(name)
	if err != nil {
		// External store drivers may report absence without wrapping the
		// sentinel, so fall back to the textual check.
		if errors.Is(err, persist.ErrSecretNotFound) || misc.IsNotFoundError(err) {
			return nil, nil, fmt.Errorf("secret %s: %w", name, ErrNotFound)
		}
		return nil, nil, fmt.Errorf("failed to load secret %s: %w", name, err)
	}

	var meta SecretMetadata
	if len(record.Metadata) > 0 {
		if err = json.Unmarshal(record.Metadata, &meta); err != nil {
			return nil, nil, fmt.Errorf("failed to parse metadata for %s: %w", name, err)
		}
	}
	return record, &meta, nil
}

// RotateSecret re-encrypts the secret under a fresh IV with a new version
// tag, updating lastRotated and preserving all other metadata.
func (v *Vault) RotateSecret(name string, newValue []byte, role string) (*SecretMetadata, error) {
	return v.rotateSecret(name, newValue, role, nil)
}

// rotateSecret is the rotation core. A non-nil expiresAt replaces the stored
// expiry, which key rotation uses to restart the purpose lifetime.
func (v *Vault) rotateSecret(name string, newValue []byte, role string, expiresAt *time.Time) (*SecretMetadata, error) {
	if len(newValue) == 0 {
		return nil, fmt.Errorf("new secret value cannot be empty")
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil, ErrClosed
	}

	_, meta, err := v.loadRecord(name)
	if err != nil {
		return nil, err
	}

	if !hasAccess(meta.AccessControl, role, "rotate") {
		_ = v.audit.Log("secret_rotate", false, map[string]interface{}{
			"secret_id": name, "role": role, "reason": "vault access denied",
		})
		return nil, &AccessDeniedError{UserID: role, Resource: string(ResourceSecret),
			Action: string(ActionRotate), Reason: fmt.Sprintf("role %s has no rotate access to %s", role, name)}
	}

	packed, err := v.encryptValue(newValue)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt secret %s: %w", name, err)
	}

	meta.LastRotated = v.clock.Now()
	meta.Version = newVersionToken(v.clock)
	if expiresAt != nil {
		meta.ExpiresAt = expiresAt
	}

	record, err := buildRecord(name, packed, meta)
	if err != nil {
		return nil, err
	}
	if err = v.store.RotateSecret(name, record); err != nil {
		if errors.Is(err, persist.ErrSecretNotFound) || misc.IsNotFoundError(err) {
			return nil, fmt.Errorf("secret %s: %w", name, ErrNotFound)
		}
		_ = v.audit.Log("secret_rotate", false, map[string]interface{}{
			"secret_id": name, "error": err.Error(),
		})
		return nil, fmt.Errorf("failed to rotate secret %s: %w", name, err)
	}

	_ = v.audit.Log("secret_rotate", true, map[string]interface{}{
		"secret_id": name,
		"version":   meta.Version,
	})
	v.events.Publish(Event{Type: EventSecretRotated, SecretID: name})
	return copySecretMetadata(meta), nil
}

// DeleteSecret removes the named secret after a vault-tier access check.
func (v *Vault) DeleteSecret(name, role string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrClosed
	}

	_, meta, err := v.loadRecord(name)
	if err != nil {
		return err
	}
	if !hasAccess(meta.AccessControl, role, "delete") {
		return &AccessDeniedError{UserID: role, Resource: string(ResourceSecret),
			Action: string(ActionDelete), Reason: fmt.Sprintf("role %s has no delete access to %s", role, name)}
	}

	if err = v.store.DeleteSecret(name); err != nil {
		if errors.Is(err, persist.ErrSecretNotFound) || misc.IsNotFoundError(err) {
			return fmt.Errorf("secret %s: %w", name, ErrNotFound)
		}
		return fmt.Errorf("failed to delete secret %s: %w", name, err)
	}

	_ = v.audit.Log("secret_delete", true, map[string]interface{}{"secret_id": name})
	return nil
}

// ListSecrets returns the names of all stored secrets.
func (v *Vault) ListSecrets() ([]string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return nil, ErrClosed
	}
	return v.store.ListSecrets()
}

// GetSecretMetadata returns the metadata for name without decrypting.
func (v *Vault) GetSecretMetadata(name string) (*SecretMetadata, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return nil, ErrClosed
	}

	_, meta, err := v.loadRecord(name)
	if err != nil {
		return nil, err
	}
	return copySecretMetadata(meta), nil
}

// SecretExists reports whether a secret exists without touching its value.
func (v *Vault) SecretExists(name string) (bool, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return false, ErrClosed
	}
	return v.store.SecretExists(name)
}

// CheckRotationNeeded returns the metadata of every secret whose rotation
// policy is enabled and whose interval has elapsed since lastRotated.
func (v *Vault) CheckRotationNeeded() ([]*SecretMetadata, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.closed {
		return nil, ErrClosed
	}

	names, err := v.store.ListSecrets()
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}

	now := v.clock.Now()
	var due []*SecretMetadata
	for _, name := range names {
		_, meta, err := v.loadRecord(name)
		if err != nil {
			// One unreadable record must not abort the scan.
			continue
		}
		if !meta.RotationPolicy.Enabled || meta.RotationPolicy.IntervalDays <= 0 {
			continue
		}
		if daysBetween(meta.LastRotated, now) >= meta.RotationPolicy.IntervalDays {
			due = append(due, copySecretMetadata(meta))
		}
	}
	return due, nil
}

// hasAccess evaluates the vault-tier access list: the role must appear in
// the secret's role list, and the requested permission must be granted.
// The owning "admin" role implicitly holds every permission on secrets that
// list it.
func hasAccess(ac AccessControlSpec, role, permission string) bool {
	if !containsString(ac.Roles, role) {
		return false
	}
	if role == "admin" {
		return true
	}
	return containsString(ac.Permissions, permission)
}

// Close destroys key material and closes the store.
func (v *Vault) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true

	debug.Print("Closing vault, destroying key material\n")
	var errs []error
	if err := v.store.Close(); err != nil {
		errs = append(errs, err)
	}
	_ = v.audit.Log("vault_closed", true, nil)
	return combineErrs(errs)
}
