package keyforge

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"

	"southwinds.dev/keyforge/audit"
	"southwinds.dev/keyforge/internal/crypto"
	"southwinds.dev/keyforge/internal/misc"
)

// KeyType classifies the material a key spec produces.
type KeyType string

const (
	KeyTypeSymmetric  KeyType = "symmetric"
	KeyTypeAsymmetric KeyType = "asymmetric"
	KeyTypeSigning    KeyType = "signing"
	KeyTypeDerivation KeyType = "derivation"
)

// KeySpec fully determines generation behavior. It is caller-supplied,
// immutable, and never stored standalone.
type KeySpec struct {
	Type        KeyType `json:"type"`
	Algorithm   string  `json:"algorithm"`
	Purpose     string  `json:"purpose"`
	KeySize     int     `json:"key_size,omitempty"`
	Environment string  `json:"environment"`
}

// KeyDerivationData records the KDF parameters of a derivation key so the
// same derived output can be reproduced later.
type KeyDerivationData struct {
	Salt       []byte `json:"salt"`
	Iterations int    `json:"iterations"`
	Algorithm  string `json:"algorithm"`
}

// EntropyInfo describes the randomness source backing generated material.
type EntropyInfo struct {
	Source string `json:"source"`
	Bits   int    `json:"bits"`
}

// StorageInfo records where wrapped copies of the key live.
type StorageInfo struct {
	Container string `json:"container,omitempty"`
	WrappedBy string `json:"wrapped_by,omitempty"`
}

// RecoveryInfo flags whether recovery material exists for the key. Threshold
// secret sharing is intentionally not implemented; this only carries the
// marker so envelopes stay forward-compatible.
type RecoveryInfo struct {
	Method string `json:"method,omitempty"`
}

// KeyEnhancements groups the optional per-key annotations into explicit
// typed fields rather than an open metadata map.
type KeyEnhancements struct {
	Entropy  *EntropyInfo  `json:"entropy,omitempty"`
	Storage  *StorageInfo  `json:"storage,omitempty"`
	Recovery *RecoveryInfo `json:"recovery,omitempty"`
}

// GeneratedKey is a complete key envelope. The fingerprint is a keyed hash
// over whichever material fields are present and must re-verify equal on
// every load.
type GeneratedKey struct {
	ID             string             `json:"id"`
	Spec           KeySpec            `json:"spec"`
	SymmetricKey   []byte             `json:"symmetric_key,omitempty"`
	PublicKey      []byte             `json:"public_key,omitempty"`
	PrivateKey     []byte             `json:"private_key,omitempty"`
	DerivationData *KeyDerivationData `json:"key_derivation_data,omitempty"`
	Fingerprint    string             `json:"fingerprint"`
	Created        time.Time          `json:"created"`
	ExpiresAt      *time.Time         `json:"expires_at,omitempty"`
	Version        string             `json:"version"`
	Enhancements   *KeyEnhancements   `json:"enhancements,omitempty"`
}

// copyGeneratedKey deep-copies a key envelope, including all material
// slices, so wiping one copy never reaches the other.
func copyGeneratedKey(k *GeneratedKey) *GeneratedKey {
	c := *k
	c.SymmetricKey = append([]byte(nil), k.SymmetricKey...)
	c.PublicKey = append([]byte(nil), k.PublicKey...)
	c.PrivateKey = append([]byte(nil), k.PrivateKey...)
	if k.DerivationData != nil {
		d := *k.DerivationData
		d.Salt = append([]byte(nil), k.DerivationData.Salt...)
		c.DerivationData = &d
	}
	if k.ExpiresAt != nil {
		t := *k.ExpiresAt
		c.ExpiresAt = &t
	}
	if k.Enhancements != nil {
		e := *k.Enhancements
		if k.Enhancements.Entropy != nil {
			v := *k.Enhancements.Entropy
			e.Entropy = &v
		}
		if k.Enhancements.Storage != nil {
			v := *k.Enhancements.Storage
			e.Storage = &v
		}
		if k.Enhancements.Recovery != nil {
			v := *k.Enhancements.Recovery
			e.Recovery = &v
		}
		c.Enhancements = &e
	}
	return &c
}

// materialFields returns the fields the fingerprint covers, in a fixed order.
func (k *GeneratedKey) materialFields() [][]byte {
	var parts [][]byte
	if len(k.SymmetricKey) > 0 {
		parts = append(parts, k.SymmetricKey)
	}
	if len(k.PublicKey) > 0 {
		parts = append(parts, k.PublicKey)
	}
	if len(k.PrivateKey) > 0 {
		parts = append(parts, k.PrivateKey)
	}
	if k.DerivationData != nil && len(k.DerivationData.Salt) > 0 {
		parts = append(parts, k.DerivationData.Salt)
	}
	return parts
}

// RotationResult is the outcome of a key rotation. Rotation failures are
// captured as data rather than raised, so batch callers can continue past
// individual failures.
type RotationResult struct {
	OldKeyID     string    `json:"old_key_id"`
	NewKeyID     string    `json:"new_key_id,omitempty"`
	RotationTime time.Time `json:"rotation_time"`
	Success      bool      `json:"success"`
	Error        string    `json:"error,omitempty"`
}

// GenerateOptions carries optional generation settings.
type GenerateOptions struct {
	Description    string
	Tags           []string
	RotationPolicy *RotationPolicy
}

// DeriveOptions parameterizes DeriveKey. Zero values take defaults: a fresh
// random salt, a 100000 iteration budget, 32-byte output, scrypt.
type DeriveOptions struct {
	Salt       []byte
	Iterations int
	Length     int
	Algorithm  string
}

// DerivedKey is the deterministic output of a key derivation.
type DerivedKey struct {
	Key        []byte `json:"key"`
	Salt       []byte `json:"salt"`
	Iterations int    `json:"iterations"`
	Length     int    `json:"length"`
	Algorithm  string `json:"algorithm"`
}

// KeyFilter narrows ListKeys results.
type KeyFilter struct {
	Type        KeyType
	Purpose     string
	Environment string
}

// purposeExpiry maps key purpose to its lifetime.
var purposeExpiry = map[string]time.Duration{
	"jwt":        30 * 24 * time.Hour,
	"api":        90 * 24 * time.Hour,
	"database":   180 * 24 * time.Hour,
	"encryption": 365 * 24 * time.Hour,
}

const defaultExpiry = 90 * 24 * time.Hour

// symmetricKeySizes maps algorithms to material length in bytes.
var symmetricKeySizes = map[string]int{
	"aes-256-gcm":       32,
	"aes-128-gcm":       16,
	"chacha20-poly1305": 32,
	"hmac-sha256":       32,
	"hmac-sha512":       64,
}

// asymmetricAlgorithms lists algorithms that take the key-pair path even
// under a signing spec.
var asymmetricAlgorithms = map[string]bool{
	"rsa-2048":  true,
	"rsa-4096":  true,
	"ed25519":   true,
	"secp256k1": true,
}

// KeyManager generates, derives, rotates, lists and verifies cryptographic
// key material. Every operation is gated by the RBAC evaluator and persisted
// through the vault as an encrypted envelope.
type KeyManager struct {
	vault    *Vault
	access   *AccessControl
	rotation *RotationManager
	audit    audit.Logger
	events   *EventBus
	clock    Clock

	// keyLocks serializes rotation per key id so concurrent rotations of the
	// same key cannot interleave their read-then-write.
	mu       sync.Mutex
	keyLocks map[string]*sync.Mutex
}

func NewKeyManager(vault *Vault, access *AccessControl, rotation *RotationManager, auditLogger audit.Logger, events *EventBus, clock Clock) *KeyManager {
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}
	if events == nil {
		events = NewEventBus(0)
	}
	if clock == nil {
		clock = SystemClock()
	}
	km := &KeyManager{
		vault:    vault,
		access:   access,
		rotation: rotation,
		audit:    auditLogger,
		events:   events,
		clock:    clock,
		keyLocks: make(map[string]*sync.Mutex),
	}
	if rotation != nil {
		rotation.keys = km
	}
	return km
}

func (km *KeyManager) lockKey(keyID string) *sync.Mutex {
	km.mu.Lock()
	defer km.mu.Unlock()
	lock, ok := km.keyLocks[keyID]
	if !ok {
		lock = &sync.Mutex{}
		km.keyLocks[keyID] = lock
	}
	return lock
}

func (km *KeyManager) requestContext(spec KeySpec) map[string]interface{} {
	return map[string]interface{}{
		"environment": spec.Environment,
		"purpose":     spec.Purpose,
	}
}

// GenerateKey builds key material per spec and persists the encrypted
// envelope. Requires the create permission on resource secret.
func (km *KeyManager) GenerateKey(spec KeySpec, userID string, opts *GenerateOptions) (*GeneratedKey, error) {
	decision := km.access.CheckPermission(userID, ResourceSecret, ActionCreate, km.requestContext(spec))
	if !decision.Granted {
		_ = km.audit.Log("key_generate", false, map[string]interface{}{
			"user_id": userID, "reason": decision.Reason,
		})
		return nil, denyError(userID, ResourceSecret, ActionCreate, decision)
	}

	key, err := km.buildKey(spec)
	if err != nil {
		_ = km.audit.Log("key_generate", false, map[string]interface{}{
			"user_id": userID, "error": err.Error(),
		})
		return nil, err
	}

	meta := &SecretMetadata{
		Name:        key.ID,
		Type:        "key",
		Environment: spec.Environment,
		ExpiresAt:   key.ExpiresAt,
		AccessControl: AccessControlSpec{
			Roles:       []string{"admin"},
			Permissions: []string{"read", "rotate", "delete"},
		},
	}
	if opts != nil {
		meta.Description = opts.Description
		meta.Tags = opts.Tags
		if opts.RotationPolicy != nil {
			meta.RotationPolicy = *opts.RotationPolicy
		}
	}

	if err = km.persistKey(key.ID, key, meta); err != nil {
		return nil, err
	}

	if opts != nil && opts.RotationPolicy != nil && opts.RotationPolicy.Enabled && km.rotation != nil {
		if _, err = km.rotation.ScheduleRotation(key.ID, *opts.RotationPolicy, userID); err != nil {
			// The key exists; a failed schedule registration is reported but
			// does not undo generation.
			_ = km.audit.Log("rotation_schedule", false, map[string]interface{}{
				"key_id": key.ID, "error": err.Error(),
			})
		}
	}

	_ = km.audit.Log("key_generate", true, map[string]interface{}{
		"key_id":  key.ID,
		"user_id": userID,
		"type":    string(spec.Type),
	})
	km.events.Publish(Event{Type: EventKeyGenerated, KeyID: key.ID})
	return key, nil
}

// buildKey dispatches on spec.Type and assembles a fingerprinted envelope.
func (km *KeyManager) buildKey(spec KeySpec) (*GeneratedKey, error) {
	now := km.clock.Now()
	key := &GeneratedKey{
		ID:      newKeyIdentifier(spec, km.clock),
		Spec:    spec,
		Created: now,
		Version: newVersionToken(km.clock),
	}

	switch spec.Type {
	case KeyTypeSymmetric:
		material, err := km.symmetricMaterial(spec)
		if err != nil {
			return nil, err
		}
		key.SymmetricKey = material
		key.Enhancements = &KeyEnhancements{Entropy: &EntropyInfo{Source: "crypto/rand", Bits: len(material) * 8}}

	case KeyTypeAsymmetric:
		public, private, err := km.asymmetricMaterial(spec)
		if err != nil {
			return nil, err
		}
		key.PublicKey = public
		key.PrivateKey = private

	case KeyTypeSigning:
		if asymmetricAlgorithms[spec.Algorithm] {
			public, private, err := km.asymmetricMaterial(spec)
			if err != nil {
				return nil, err
			}
			key.PublicKey = public
			key.PrivateKey = private
		} else {
			material, err := km.symmetricMaterial(spec)
			if err != nil {
				return nil, err
			}
			key.SymmetricKey = material
		}

	case KeyTypeDerivation:
		master, err := crypto.RandomBytes(32)
		if err != nil {
			return nil, err
		}
		salt, err := crypto.RandomBytes(misc.SaltSize)
		if err != nil {
			return nil, err
		}
		algorithm := spec.Algorithm
		if algorithm == "" {
			algorithm = "scrypt"
		}
		key.SymmetricKey = master
		key.DerivationData = &KeyDerivationData{
			Salt:       salt,
			Iterations: misc.DeriveIterations,
			Algorithm:  algorithm,
		}

	default:
		return nil, fmt.Errorf("key type %q: %w", spec.Type, ErrUnsupportedSpec)
	}

	expiry := defaultExpiry
	if d, ok := purposeExpiry[spec.Purpose]; ok {
		expiry = d
	}
	expiresAt := now.Add(expiry)
	key.ExpiresAt = &expiresAt

	fingerprint, err := km.fingerprintKeyMaterial(key)
	if err != nil {
		return nil, err
	}
	key.Fingerprint = fingerprint
	return key, nil
}

func (km *KeyManager) symmetricMaterial(spec KeySpec) ([]byte, error) {
	size, ok := symmetricKeySizes[spec.Algorithm]
	if !ok {
		if spec.KeySize > 0 {
			size = spec.KeySize / 8
		} else {
			return nil, fmt.Errorf("symmetric algorithm %q: %w", spec.Algorithm, ErrUnsupportedSpec)
		}
	}

	material, err := crypto.RandomBytes(size)
	if err != nil {
		return nil, err
	}
	if size >= 32 && crypto.IsWeakKey(material) {
		crypto.SecureWipe(material)
		return nil, errors.New("generated key failed entropy check")
	}
	return material, nil
}

func (km *KeyManager) asymmetricMaterial(spec KeySpec) (public, private []byte, err error) {
	switch spec.Algorithm {
	case "rsa-2048", "rsa-4096":
		bits := 2048
		if spec.Algorithm == "rsa-4096" {
			bits = 4096
		}
		rsaKey, err := rsa.GenerateKey(rand.Reader, bits)
		if err != nil {
			return nil, nil, fmt.Errorf("RSA key generation failed: %w", err)
		}
		return marshalKeyPair(&rsaKey.PublicKey, rsaKey)

	case "ed25519":
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, nil, fmt.Errorf("ed25519 key generation failed: %w", err)
		}
		return marshalKeyPair(pub, priv)

	case "secp256k1":
		priv, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return nil, nil, fmt.Errorf("secp256k1 key generation failed: %w", err)
		}
		// secp256k1 keys are not covered by PKIX; store the raw serialized
		// forms (compressed public point, 32-byte scalar).
		return priv.PubKey().SerializeCompressed(), priv.Serialize(), nil

	default:
		return nil, nil, fmt.Errorf("asymmetric algorithm %q: %w", spec.Algorithm, ErrUnsupportedSpec)
	}
}

// marshalKeyPair PEM-encodes a PKIX public key and PKCS#8 private key.
func marshalKeyPair(pub interface{}, priv interface{}) (public, private []byte, err error) {
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	public = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	private = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER})
	return public, private, nil
}

func (km *KeyManager) fingerprintKeyMaterial(key *GeneratedKey) (string, error) {
	parts := key.materialFields()
	if len(parts) == 0 {
		return "", fmt.Errorf("key %s has no material to fingerprint", key.ID)
	}
	return km.vault.fingerprint(parts...)
}

// persistKey serializes the envelope and stores it through the vault.
func (km *KeyManager) persistKey(name string, key *GeneratedKey, meta *SecretMetadata) error {
	payload, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("failed to serialize key %s: %w", key.ID, err)
	}
	if _, err = km.vault.StoreSecret(name, payload, meta); err != nil {
		return err
	}
	return nil
}

// loadKey fetches and deserializes a key envelope by vault record name.
func (km *KeyManager) loadKey(name string) (*GeneratedKey, *SecretMetadata, error) {
	payload, meta, err := km.vault.GetSecret(name, "admin")
	if err != nil {
		return nil, nil, err
	}
	var key GeneratedKey
	if err = json.Unmarshal(payload, &key); err != nil {
		return nil, nil, fmt.Errorf("failed to parse key envelope %s: %w", name, err)
	}
	return &key, meta, nil
}

// GetKey returns the key envelope stored under keyID. Requires read.
func (km *KeyManager) GetKey(keyID, userID string) (*GeneratedKey, error) {
	decision := km.access.CheckPermission(userID, ResourceSecret, ActionRead, nil)
	if !decision.Granted {
		return nil, denyError(userID, ResourceSecret, ActionRead, decision)
	}
	key, _, err := km.loadKey(keyID)
	return key, err
}

// ListKeys decrypts every key-prefixed secret and filters in memory.
// Requires list.
func (km *KeyManager) ListKeys(userID string, filter KeyFilter) ([]*GeneratedKey, error) {
	decision := km.access.CheckPermission(userID, ResourceSecret, ActionList, nil)
	if !decision.Granted {
		return nil, denyError(userID, ResourceSecret, ActionList, decision)
	}

	names, err := km.vault.ListSecrets()
	if err != nil {
		return nil, err
	}

	var keys []*GeneratedKey
	for _, name := range names {
		if !strings.HasPrefix(name, keyIDPrefix) {
			continue
		}
		key, _, err := km.loadKey(name)
		if err != nil {
			// Skip unreadable envelopes; the listing reports what it can.
			continue
		}
		if filter.Type != "" && key.Spec.Type != filter.Type {
			continue
		}
		if filter.Purpose != "" && key.Spec.Purpose != filter.Purpose {
			continue
		}
		if filter.Environment != "" && key.Spec.Environment != filter.Environment {
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// DeleteKey removes a key envelope. Requires delete.
func (km *KeyManager) DeleteKey(keyID, userID string) error {
	decision := km.access.CheckPermission(userID, ResourceSecret, ActionDelete, nil)
	if !decision.Granted {
		return denyError(userID, ResourceSecret, ActionDelete, decision)
	}
	if err := km.vault.DeleteSecret(keyID, "admin"); err != nil {
		return err
	}
	_ = km.audit.Log("key_delete", true, map[string]interface{}{
		"key_id": keyID, "user_id": userID,
	})
	km.events.Publish(Event{Type: EventKeyDeleted, KeyID: keyID})
	return nil
}

// DeriveKey runs the recorded KDF of a derivation-capable master key.
// Identical (master, salt, iterations, length) inputs always produce
// identical output. Requires read.
func (km *KeyManager) DeriveKey(masterKeyID string, opts DeriveOptions, userID string) (*DerivedKey, error) {
	decision := km.access.CheckPermission(userID, ResourceSecret, ActionRead, nil)
	if !decision.Granted {
		return nil, denyError(userID, ResourceSecret, ActionRead, decision)
	}

	master, _, err := km.loadKey(masterKeyID)
	if err != nil {
		return nil, err
	}
	if len(master.SymmetricKey) == 0 {
		return nil, fmt.Errorf("key %s is not a symmetric master key: %w", masterKeyID, ErrUnsupportedSpec)
	}

	salt := opts.Salt
	if len(salt) == 0 {
		if salt, err = crypto.RandomBytes(misc.SaltSize); err != nil {
			return nil, err
		}
	}
	iterations := opts.Iterations
	if iterations <= 0 {
		iterations = misc.DeriveIterations
	}
	length := opts.Length
	if length <= 0 {
		length = 32
	}
	algorithm := opts.Algorithm
	if algorithm == "" {
		algorithm = "scrypt"
		if master.DerivationData != nil && master.DerivationData.Algorithm != "" {
			algorithm = master.DerivationData.Algorithm
		}
	}

	var derived []byte
	switch algorithm {
	case "pbkdf2-sha256":
		derived = pbkdf2.Key(master.SymmetricKey, salt, iterations, length, sha256.New)
	case "scrypt":
		// scrypt takes a power-of-two cost; round the iteration budget down.
		n := 1
		for n*2 <= iterations {
			n *= 2
		}
		derived, err = scrypt.Key(master.SymmetricKey, salt, n, 8, 1, length)
		if err != nil {
			return nil, fmt.Errorf("scrypt derivation failed: %w", err)
		}
	default:
		return nil, fmt.Errorf("derivation algorithm %q: %w", algorithm, ErrUnsupportedSpec)
	}

	_ = km.audit.Log("key_derive", true, map[string]interface{}{
		"key_id": masterKeyID, "user_id": userID, "algorithm": algorithm,
	})
	return &DerivedKey{
		Key:        derived,
		Salt:       salt,
		Iterations: iterations,
		Length:     length,
		Algorithm:  algorithm,
	}, nil
}

// RotateKey regenerates the key with an identical spec and commits the
// replacement under the original record name. It never returns an error:
// failures are reported in the result so batch callers continue.
func (km *KeyManager) RotateKey(keyID, userID string) *RotationResult {
	result := &RotationResult{RotationTime: km.clock.Now()}

	decision := km.access.CheckPermission(userID, ResourceSecret, ActionRotate, nil)
	if !decision.Granted {
		result.OldKeyID = keyID
		result.Error = denyError(userID, ResourceSecret, ActionRotate, decision).Error()
		return result
	}

	lock := km.lockKey(keyID)
	lock.Lock()
	defer lock.Unlock()

	// The unchecked load lets an already-expired key still be rotated.
	payload0, _, err := km.vault.getSecretUnchecked(keyID)
	if err != nil {
		result.OldKeyID = keyID
		result.Error = err.Error()
		return result
	}
	var current GeneratedKey
	if err = json.Unmarshal(payload0, &current); err != nil {
		result.OldKeyID = keyID
		result.Error = fmt.Sprintf("failed to parse key envelope: %v", err)
		return result
	}
	result.OldKeyID = current.ID

	replacement, err := km.buildKey(current.Spec)
	if err != nil {
		result.Error = err.Error()
		return result
	}

	// The vault record name stays stable so existing references keep
	// resolving; the envelope inside carries the new id, version and
	// material.
	payload, err := json.Marshal(replacement)
	if err != nil {
		result.Error = fmt.Sprintf("failed to serialize replacement key: %v", err)
		return result
	}
	if _, err = km.vault.rotateSecret(keyID, payload, "admin", replacement.ExpiresAt); err != nil {
		result.Error = err.Error()
		_ = km.audit.Log("key_rotate", false, map[string]interface{}{
			"key_id": keyID, "user_id": userID, "error": err.Error(),
		})
		return result
	}

	result.NewKeyID = replacement.ID
	result.Success = true

	_ = km.audit.Log("key_rotate", true, map[string]interface{}{
		"key_id":     keyID,
		"new_key_id": replacement.ID,
		"user_id":    userID,
	})
	km.events.Publish(Event{Type: EventKeyRotated, KeyID: keyID,
		Fields: map[string]interface{}{"new_key_id": replacement.ID}})
	return result
}

// VerifyKeyIntegrity recomputes the fingerprint from whichever material
// fields are present and compares it against the stored value. A mismatch is
// fatal and logged at critical severity; an already-expired key fails with
// ErrExpired before the fingerprint is checked.
func (km *KeyManager) VerifyKeyIntegrity(keyID, userID string) error {
	decision := km.access.CheckPermission(userID, ResourceSecret, ActionRead, nil)
	if !decision.Granted {
		return denyError(userID, ResourceSecret, ActionRead, decision)
	}

	key, _, err := km.loadKey(keyID)
	if err != nil {
		if errors.Is(err, ErrExpired) {
			return err
		}
		return err
	}

	if key.ExpiresAt != nil && km.clock.Now().After(*key.ExpiresAt) {
		return fmt.Errorf("key %s: %w", keyID, ErrExpired)
	}

	expected, err := km.fingerprintKeyMaterial(key)
	if err != nil {
		return err
	}
	if !crypto.DigestEqual(expected, key.Fingerprint) {
		intErr := &IntegrityError{KeyID: keyID, Detail: "fingerprint mismatch"}
		_ = km.audit.LogSeverity(audit.SeverityCritical, "key_integrity", false, map[string]interface{}{
			"key_id": keyID, "error": intErr.Error(),
		})
		km.events.Publish(Event{Type: EventIntegrityFailure, KeyID: keyID, Severity: "critical"})
		return intErr
	}

	_ = km.audit.Log("key_integrity", true, map[string]interface{}{"key_id": keyID})
	return nil
}
