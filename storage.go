package keyforge

import (
	"bytes"
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"southwinds.dev/keyforge/audit"
	"southwinds.dev/keyforge/internal/crypto"
	"southwinds.dev/keyforge/internal/misc"
)

const (
	primaryContainer = "primary"
	backupContainer  = "backup"

	compressionThreshold = 1024
	maxStorageAccessLog  = 1000
)

// ContainerConfig describes one storage container.
type ContainerConfig struct {
	Name      string `json:"name"`
	Capacity  int    `json:"capacity"`
	Isolation string `json:"isolation"`
}

type container struct {
	config ContainerConfig
	keys   map[string]*StoredKey
}

// KeyWrapMetadata records the wrapping parameters of a stored key.
type KeyWrapMetadata struct {
	Algorithm          string `json:"algorithm"`
	KeyWrappingKeyID   string `json:"key_wrapping_key_id"`
	IV                 string `json:"iv"`
	AuthTag            string `json:"auth_tag"`
	Version            string `json:"version"`
	CompressionEnabled bool   `json:"compression_enabled"`
}

// IntegrityCheck is the salted keyed digest computed over the ciphertext at
// store time. It must be recomputed and compared before every decrypt.
type IntegrityCheck struct {
	Hash      string    `json:"hash"`
	Algorithm string    `json:"algorithm"`
	Salt      string    `json:"salt"`
	Timestamp time.Time `json:"timestamp"`
}

// StorageAccessEntry is one entry in a stored key's bounded access log.
type StorageAccessEntry struct {
	UserID    string    `json:"user_id"`
	Action    string    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
	Granted   bool      `json:"granted"`
	Reason    string    `json:"reason,omitempty"`
}

// StoredKey is a wrapped key at rest inside a container.
type StoredKey struct {
	KeyID          string               `json:"key_id"`
	Environment    string               `json:"environment"`
	EncryptedData  []byte               `json:"encrypted_data"`
	Metadata       KeyWrapMetadata      `json:"metadata"`
	IntegrityCheck IntegrityCheck       `json:"integrity_check"`
	AccessLog      []StorageAccessEntry `json:"access_log,omitempty"`
	AccessCount    int64                `json:"access_count"`
	LastAccessed   *time.Time           `json:"last_accessed,omitempty"`
	StoredAt       time.Time            `json:"stored_at"`
}

func copyStoredKey(k *StoredKey) *StoredKey {
	c := *k
	c.EncryptedData = append([]byte(nil), k.EncryptedData...)
	c.AccessLog = append([]StorageAccessEntry(nil), k.AccessLog...)
	if k.LastAccessed != nil {
		t := *k.LastAccessed
		c.LastAccessed = &t
	}
	return &c
}

// StorageConditions are the predicates attached to a storage permission.
// All set conditions must hold for the permission to grant.
type StorageConditions struct {
	StartHour       *int     `json:"start_hour,omitempty"`
	EndHour         *int     `json:"end_hour,omitempty"`
	RequireMFA      bool     `json:"require_mfa,omitempty"`
	RequireApproval bool     `json:"require_approval,omitempty"`
	AllowedIPs      []string `json:"allowed_ips,omitempty"`
}

// StoragePermission grants an action on key ids matching a pattern, subject
// to conditions.
type StoragePermission struct {
	Action     Action            `json:"action"`
	KeyPattern string            `json:"key_pattern"`
	Conditions StorageConditions `json:"conditions"`

	pattern *regexp.Regexp
}

// StoragePolicy attaches permissions to a user or role id.
type StoragePolicy struct {
	Subject     string              `json:"subject"`
	Permissions []StoragePermission `json:"permissions"`
}

// StorageRequest is the context a storage permission check evaluates
// against.
type StorageRequest struct {
	UserID      string
	Roles       []string
	IP          string
	MFAVerified bool
	Approved    bool

	// RequestID correlates the audit entries of one operation. Minted when
	// the caller does not supply one.
	RequestID string
}

func (r StorageRequest) requestID() string {
	if r.RequestID != "" {
		return r.RequestID
	}
	return newRequestID()
}

// RetrieveOptions tunes RetrieveKey behavior.
type RetrieveOptions struct {
	// SkipIntegrityCheck bypasses digest verification. Only for forensic
	// recovery of a record already known to be damaged.
	SkipIntegrityCheck bool
}

// DeleteOptions tunes DeleteKey behavior.
type DeleteOptions struct {
	SecureWipe       bool
	PreserveAuditLog bool
}

// SecureKeyStore wraps key material under per-environment KEKs inside named
// containers, with integrity digests verified before every decrypt and a
// synchronous mirror to the backup container.
type SecureKeyStore struct {
	audit  audit.Logger
	events *EventBus
	clock  Clock

	mu                sync.Mutex
	containers        map[string]*container
	keks              map[string]*memguard.Enclave
	kekIDs            map[string]string
	integrityKeys     map[string]*memguard.Enclave
	policies          map[string]*StoragePolicy
	serviceIdentities map[string]string
	preservedLogs     map[string][]StorageAccessEntry
}

// NewSecureKeyStore derives an independent KEK and integrity key for every
// listed environment from fresh random material.
func NewSecureKeyStore(environments []string, auditLogger audit.Logger, events *EventBus, clock Clock) (*SecureKeyStore, error) {
	if len(environments) == 0 {
		return nil, &ConfigError{Field: "environments", Message: "at least one environment is required"}
	}
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}
	if events == nil {
		events = NewEventBus(0)
	}
	if clock == nil {
		clock = SystemClock()
	}

	s := &SecureKeyStore{
		audit:  auditLogger,
		events: events,
		clock:  clock,
		containers: map[string]*container{
			primaryContainer: {config: ContainerConfig{Name: primaryContainer, Capacity: 10000, Isolation: "standard"}, keys: map[string]*StoredKey{}},
			backupContainer:  {config: ContainerConfig{Name: backupContainer, Capacity: 10000, Isolation: "standard"}, keys: map[string]*StoredKey{}},
		},
		keks:              make(map[string]*memguard.Enclave),
		kekIDs:            make(map[string]string),
		integrityKeys:     make(map[string]*memguard.Enclave),
		policies:          make(map[string]*StoragePolicy),
		serviceIdentities: make(map[string]string),
		preservedLogs:     make(map[string][]StorageAccessEntry),
	}

	for _, env := range environments {
		if err := s.provisionEnvironment(env); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// provisionEnvironment derives the environment's KEK with a slow KDF over
// random material, plus a separate integrity key.
func (s *SecureKeyStore) provisionEnvironment(env string) error {
	material, err := crypto.RandomBytes(32)
	if err != nil {
		return err
	}
	defer crypto.SecureWipe(material)

	salt, err := crypto.RandomBytes(misc.SaltSize)
	if err != nil {
		return err
	}
	saltEnclave := memguard.NewEnclave(salt)

	kek, err := crypto.DeriveKey(material, saltEnclave,
		misc.ArgonTime, misc.ArgonMemory, misc.ArgonThreads, misc.ArgonKeyLen)
	if err != nil {
		return fmt.Errorf("failed to derive wrapping key for %s: %w", env, err)
	}
	s.keks[env] = kek.Seal()
	s.kekIDs[env] = fmt.Sprintf("kek_%s_%s", env, randomHex(4))

	integrity, err := crypto.RandomBytes(32)
	if err != nil {
		return err
	}
	buf := memguard.NewBufferFromBytes(integrity)
	s.integrityKeys[env] = buf.Seal()
	return nil
}

// AddContainer registers an additional container.
func (s *SecureKeyStore) AddContainer(config ContainerConfig) error {
	if config.Name == "" {
		return &ConfigError{Field: "name", Message: "container name is required"}
	}
	if config.Capacity <= 0 {
		return &ConfigError{Field: "capacity", Message: "container capacity must be positive"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.containers[config.Name]; exists {
		return fmt.Errorf("container %s already exists", config.Name)
	}
	s.containers[config.Name] = &container{config: config, keys: map[string]*StoredKey{}}
	return nil
}

// GrantServiceIdentity registers an explicit storage-tier bypass for a
// non-human caller. Every grant and every use is audited.
func (s *SecureKeyStore) GrantServiceIdentity(identity, grantedBy string) {
	s.mu.Lock()
	s.serviceIdentities[identity] = grantedBy
	s.mu.Unlock()
	_ = s.audit.Log("storage_service_identity_grant", true, map[string]interface{}{
		"identity":   identity,
		"granted_by": grantedBy,
	})
}

// RevokeServiceIdentity removes a storage-tier bypass.
func (s *SecureKeyStore) RevokeServiceIdentity(identity, revokedBy string) {
	s.mu.Lock()
	delete(s.serviceIdentities, identity)
	s.mu.Unlock()
	_ = s.audit.Log("storage_service_identity_revoke", true, map[string]interface{}{
		"identity":   identity,
		"revoked_by": revokedBy,
	})
}

// SetPolicy attaches a permission list to a user or role. Patterns are
// compiled up front so a bad policy fails at set time, not at check time.
func (s *SecureKeyStore) SetPolicy(policy StoragePolicy) error {
	if policy.Subject == "" {
		return &ConfigError{Field: "subject", Message: "policy subject is required"}
	}
	for i := range policy.Permissions {
		pattern, err := regexp.Compile(policy.Permissions[i].KeyPattern)
		if err != nil {
			return &ConfigError{Field: "key_pattern",
				Message: fmt.Sprintf("invalid pattern %q: %v", policy.Permissions[i].KeyPattern, err)}
		}
		policy.Permissions[i].pattern = pattern
	}
	s.mu.Lock()
	s.policies[policy.Subject] = &policy
	s.mu.Unlock()
	return nil
}

// CheckPermission evaluates the storage-tier policy for an action on a key.
// Service identities bypass policy evaluation with an audited grant.
func (s *SecureKeyStore) CheckPermission(req StorageRequest, action Action, keyID string) AccessDecision {
	s.mu.Lock()
	grantedBy, isService := s.serviceIdentities[req.UserID]
	subjects := append([]string{req.UserID}, req.Roles...)
	var policies []*StoragePolicy
	for _, subject := range subjects {
		if p, ok := s.policies[subject]; ok {
			policies = append(policies, p)
		}
	}
	s.mu.Unlock()

	if isService {
		return AccessDecision{Granted: true,
			AuditTrail: []string{fmt.Sprintf("service identity %s (granted by %s)", req.UserID, grantedBy)}}
	}

	now := s.clock.Now()
	var trail []string
	for _, policy := range policies {
		for i := range policy.Permissions {
			perm := &policy.Permissions[i]
			if perm.Action != action || !perm.pattern.MatchString(keyID) {
				continue
			}
			if reason := s.checkConditions(perm.Conditions, req, now); reason != "" {
				trail = append(trail, fmt.Sprintf("policy %s: %s", policy.Subject, reason))
				continue
			}
			trail = append(trail, fmt.Sprintf("policy %s granted %s on %s", policy.Subject, action, keyID))
			return AccessDecision{Granted: true, AuditTrail: trail}
		}
	}
	return AccessDecision{Granted: false, Reason: "Insufficient permissions", AuditTrail: trail}
}

func (s *SecureKeyStore) checkConditions(c StorageConditions, req StorageRequest, now time.Time) string {
	if c.StartHour != nil && c.EndHour != nil {
		hour := now.Hour()
		if hour < *c.StartHour || hour >= *c.EndHour {
			return fmt.Sprintf("outside access window %02d:00-%02d:00", *c.StartHour, *c.EndHour)
		}
	}
	if c.RequireMFA && !req.MFAVerified {
		return "MFA verification required"
	}
	if c.RequireApproval && !req.Approved {
		return "approval required"
	}
	if len(c.AllowedIPs) > 0 && !containsString(c.AllowedIPs, req.IP) {
		return fmt.Sprintf("IP %s not in allow list", req.IP)
	}
	return ""
}

func (s *SecureKeyStore) withKEK(env string, fn func(kek []byte) error) error {
	s.mu.Lock()
	enclave, ok := s.keks[env]
	s.mu.Unlock()
	if !ok {
		return &ConfigError{Field: "environment",
			Message: fmt.Sprintf("no key wrapping key configured for environment %q", env)}
	}
	buf, err := enclave.Open()
	if err != nil {
		return fmt.Errorf("failed to open wrapping key: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

func (s *SecureKeyStore) withIntegrityKey(env string, fn func(key []byte) error) error {
	s.mu.Lock()
	enclave, ok := s.integrityKeys[env]
	s.mu.Unlock()
	if !ok {
		return &ConfigError{Field: "environment",
			Message: fmt.Sprintf("no integrity key configured for environment %q", env)}
	}
	buf, err := enclave.Open()
	if err != nil {
		return fmt.Errorf("failed to open integrity key: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

// StoreKey wraps material under the environment's KEK and records it in the
// primary container with a synchronous mirror to backup. Material over 1KB
// is gzip-compressed before encryption.
func (s *SecureKeyStore) StoreKey(keyID string, material []byte, env string, req StorageRequest) error {
	decision := s.CheckPermission(req, ActionWrite, keyID)
	if !decision.Granted {
		s.logAccess(keyID, req.UserID, "store", false, decision.Reason)
		return denyError(req.UserID, ResourceSecret, ActionWrite, decision)
	}
	if len(material) == 0 {
		return fmt.Errorf("key material cannot be empty")
	}

	plaintext := material
	compressed := false
	if len(material) > compressionThreshold {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(material); err != nil {
			return fmt.Errorf("compression failed: %w", err)
		}
		if err := zw.Close(); err != nil {
			return fmt.Errorf("compression failed: %w", err)
		}
		plaintext = buf.Bytes()
		compressed = true
	}

	var iv, ciphertext, authTag []byte
	err := s.withKEK(env, func(kek []byte) error {
		block, err := aes.NewCipher(kek)
		if err != nil {
			return err
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return err
		}
		iv, err = crypto.RandomBytes(gcm.NonceSize())
		if err != nil {
			return err
		}
		sealed := gcm.Seal(nil, iv, plaintext, nil)
		ciphertext = sealed[:len(sealed)-gcmTagSize]
		authTag = sealed[len(sealed)-gcmTagSize:]
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to wrap key %s: %w", keyID, err)
	}

	salt, err := crypto.RandomBytes(misc.SaltSize)
	if err != nil {
		return err
	}
	var digest string
	if err = s.withIntegrityKey(env, func(key []byte) error {
		digest = crypto.KeyedDigest(key, salt, ciphertext)
		return nil
	}); err != nil {
		return err
	}

	now := s.clock.Now()
	stored := &StoredKey{
		KeyID:         keyID,
		Environment:   env,
		EncryptedData: ciphertext,
		Metadata: KeyWrapMetadata{
			Algorithm:          "aes-256-gcm",
			KeyWrappingKeyID:   s.kekIDs[env],
			IV:                 hex.EncodeToString(iv),
			AuthTag:            hex.EncodeToString(authTag),
			Version:            newVersionToken(s.clock),
			CompressionEnabled: compressed,
		},
		IntegrityCheck: IntegrityCheck{
			Hash:      digest,
			Algorithm: "hmac-sha256",
			Salt:      hex.EncodeToString(salt),
			Timestamp: now,
		},
		StoredAt: now,
	}

	s.mu.Lock()
	primary := s.containers[primaryContainer]
	if len(primary.keys) >= primary.config.Capacity {
		s.mu.Unlock()
		return fmt.Errorf("container %s is full", primaryContainer)
	}
	primary.keys[keyID] = stored
	// Mirror before returning so a lost primary never loses the only copy.
	s.containers[backupContainer].keys[keyID] = copyStoredKey(stored)
	s.mu.Unlock()

	s.logAccess(keyID, req.UserID, "store", true, "")
	_ = s.audit.Log("storage_store", true, map[string]interface{}{
		"key_id":      keyID,
		"environment": env,
		"user_id":     req.UserID,
		"request_id":  req.requestID(),
		"compressed":  compressed,
	})
	return nil
}

// RetrieveKey verifies the integrity digest, unwraps and returns the
// material. A digest mismatch is fatal, logged critical and never silently
// trusted.
func (s *SecureKeyStore) RetrieveKey(keyID string, req StorageRequest, opts RetrieveOptions) ([]byte, error) {
	decision := s.CheckPermission(req, ActionRead, keyID)
	if !decision.Granted {
		s.logAccess(keyID, req.UserID, "retrieve", false, decision.Reason)
		return nil, denyError(req.UserID, ResourceSecret, ActionRead, decision)
	}

	s.mu.Lock()
	stored, ok := s.containers[primaryContainer].keys[keyID]
	if !ok {
		stored, ok = s.containers[backupContainer].keys[keyID]
	}
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("stored key %s: %w", keyID, ErrNotFound)
	}
	stored = copyStoredKey(stored)
	s.mu.Unlock()

	if !opts.SkipIntegrityCheck {
		salt, err := hex.DecodeString(stored.IntegrityCheck.Salt)
		if err != nil {
			return nil, fmt.Errorf("corrupt integrity salt for %s: %w", keyID, err)
		}
		var expected string
		if err = s.withIntegrityKey(stored.Environment, func(key []byte) error {
			expected = crypto.KeyedDigest(key, salt, stored.EncryptedData)
			return nil
		}); err != nil {
			return nil, err
		}
		if !crypto.DigestEqual(expected, stored.IntegrityCheck.Hash) {
			intErr := &IntegrityError{KeyID: keyID, Detail: "stored key digest mismatch"}
			_ = s.audit.LogSeverity(audit.SeverityCritical, "storage_integrity", false, map[string]interface{}{
				"key_id": keyID, "error": intErr.Error(),
			})
			s.events.Publish(Event{Type: EventIntegrityFailure, KeyID: keyID, Severity: "critical"})
			s.logAccess(keyID, req.UserID, "retrieve", false, "integrity check failed")
			return nil, intErr
		}
	}

	iv, err := hex.DecodeString(stored.Metadata.IV)
	if err != nil {
		return nil, fmt.Errorf("corrupt IV for %s: %w", keyID, err)
	}
	authTag, err := hex.DecodeString(stored.Metadata.AuthTag)
	if err != nil {
		return nil, fmt.Errorf("corrupt auth tag for %s: %w", keyID, err)
	}

	var plaintext []byte
	err = s.withKEK(stored.Environment, func(kek []byte) error {
		block, err := aes.NewCipher(kek)
		if err != nil {
			return err
		}
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return err
		}
		sealed := append(append([]byte(nil), stored.EncryptedData...), authTag...)
		plaintext, err = gcm.Open(nil, iv, sealed, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap key %s: %w", keyID, err)
	}

	if stored.Metadata.CompressionEnabled {
		zr, err := gzip.NewReader(bytes.NewReader(plaintext))
		if err != nil {
			return nil, fmt.Errorf("decompression failed for %s: %w", keyID, err)
		}
		decompressed, err := io.ReadAll(zr)
		if cerr := zr.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return nil, fmt.Errorf("decompression failed for %s: %w", keyID, err)
		}
		crypto.SecureWipe(plaintext)
		plaintext = decompressed
	}

	s.touchKey(keyID, req.UserID)
	_ = s.audit.Log("storage_retrieve", true, map[string]interface{}{
		"key_id": keyID, "user_id": req.UserID, "request_id": req.requestID(),
	})
	return plaintext, nil
}

// touchKey updates access bookkeeping on both copies of the key.
func (s *SecureKeyStore) touchKey(keyID, userID string) {
	now := s.clock.Now()
	entry := StorageAccessEntry{UserID: userID, Action: "retrieve", Timestamp: now, Granted: true}
	s.mu.Lock()
	for _, name := range []string{primaryContainer, backupContainer} {
		if stored, ok := s.containers[name].keys[keyID]; ok {
			stored.AccessCount++
			t := now
			stored.LastAccessed = &t
			stored.AccessLog = append(stored.AccessLog, entry)
			if len(stored.AccessLog) > maxStorageAccessLog {
				stored.AccessLog = stored.AccessLog[len(stored.AccessLog)-maxStorageAccessLog:]
			}
		}
	}
	s.mu.Unlock()
}

// logAccess records a denied or granted attempt against the stored key's
// access log when the key exists.
func (s *SecureKeyStore) logAccess(keyID, userID, action string, granted bool, reason string) {
	entry := StorageAccessEntry{
		UserID: userID, Action: action, Timestamp: s.clock.Now(),
		Granted: granted, Reason: reason,
	}
	s.mu.Lock()
	if stored, ok := s.containers[primaryContainer].keys[keyID]; ok {
		stored.AccessLog = append(stored.AccessLog, entry)
		if len(stored.AccessLog) > maxStorageAccessLog {
			stored.AccessLog = stored.AccessLog[len(stored.AccessLog)-maxStorageAccessLog:]
		}
	}
	s.mu.Unlock()
}

// DeleteKey removes a stored key from every container, optionally wiping
// the ciphertext in place and preserving the access log for audit.
func (s *SecureKeyStore) DeleteKey(keyID string, req StorageRequest, opts DeleteOptions) error {
	decision := s.CheckPermission(req, ActionDelete, keyID)
	if !decision.Granted {
		s.logAccess(keyID, req.UserID, "delete", false, decision.Reason)
		return denyError(req.UserID, ResourceSecret, ActionDelete, decision)
	}

	s.mu.Lock()
	found := false
	for _, name := range []string{primaryContainer, backupContainer} {
		stored, ok := s.containers[name].keys[keyID]
		if !ok {
			continue
		}
		found = true
		if opts.PreserveAuditLog && name == primaryContainer {
			s.preservedLogs[keyID] = append([]StorageAccessEntry(nil), stored.AccessLog...)
		}
		if opts.SecureWipe {
			crypto.SecureWipe(stored.EncryptedData)
		}
		delete(s.containers[name].keys, keyID)
	}
	s.mu.Unlock()

	if !found {
		return fmt.Errorf("stored key %s: %w", keyID, ErrNotFound)
	}

	_ = s.audit.Log("storage_delete", true, map[string]interface{}{
		"key_id":  keyID,
		"user_id": req.UserID,
		"wiped":   opts.SecureWipe,
	})
	return nil
}

// PreservedAccessLog returns the access log retained for a deleted key.
func (s *SecureKeyStore) PreservedAccessLog(keyID string) []StorageAccessEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]StorageAccessEntry(nil), s.preservedLogs[keyID]...)
}

// GetStoredKey returns a copy of the stored record without unwrapping it.
func (s *SecureKeyStore) GetStoredKey(keyID string) (*StoredKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stored, ok := s.containers[primaryContainer].keys[keyID]; ok {
		return copyStoredKey(stored), nil
	}
	return nil, fmt.Errorf("stored key %s: %w", keyID, ErrNotFound)
}

// ContainerStats reports per-container occupancy.
func (s *SecureKeyStore) ContainerStats() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := make(map[string]int, len(s.containers))
	for name, c := range s.containers {
		stats[name] = len(c.keys)
	}
	return stats
}

// VerifyMirror compares the backup copy of every primary key against the
// primary ciphertext by SHA-256 checksum and returns the ids that diverge
// or are missing from the backup container.
func (s *SecureKeyStore) VerifyMirror() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var diverged []string
	backup := s.containers[backupContainer].keys
	for keyID, stored := range s.containers[primaryContainer].keys {
		mirror, ok := backup[keyID]
		if !ok || crypto.Checksum(mirror.EncryptedData) != crypto.Checksum(stored.EncryptedData) {
			diverged = append(diverged, keyID)
		}
	}
	return diverged
}

// Close destroys every derived key enclave reference.
func (s *SecureKeyStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keks = make(map[string]*memguard.Enclave)
	s.integrityKeys = make(map[string]*memguard.Enclave)
}
