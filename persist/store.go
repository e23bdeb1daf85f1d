package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrSecretNotFound is returned by stores when the named record is absent.
var ErrSecretNotFound = errors.New("secret not found")

// Record is the unit of persistence: one envelope-encrypted secret together
// with its version tag and serialized metadata. All data passed to a Store is
// assumed to be encrypted by the vault layer; stores never see plaintext.
type Record struct {
	// Name is the unique identifier of the secret within the store.
	Name string `json:"name"`

	// Value holds the packed envelope as "<ivHex>:<authTagHex>:<ciphertextHex>".
	Value string `json:"value"`

	// Version is a monotonically-informative token (timestamp plus random
	// suffix) assigned by the vault on every write. Versions are never reused.
	Version string `json:"version"`

	// Encrypted indicates the value is an envelope rather than raw data.
	// Always true for records written by the vault.
	Encrypted bool `json:"encrypted"`

	// Metadata carries the vault's SecretMetadata, serialized as JSON so the
	// store layer stays independent of the vault's types.
	Metadata json.RawMessage `json:"metadata,omitempty"`

	// UpdatedAt is set by the store on each save.
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so callers cannot mutate store-owned state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	if r.Metadata != nil {
		cp.Metadata = append(json.RawMessage(nil), r.Metadata...)
	}
	return &cp
}

// Store defines the abstract backend contract consumed by the vault layer.
// The core depends only on this interface; concrete backends (file-based
// default, in-memory, S3-compatible object storage) are interchangeable.
type Store interface {

	// Secrets

	// SaveSecret persists a new record or overwrites an existing one.
	SaveSecret(name string, record *Record) error

	// LoadSecret retrieves the record for name, or ErrSecretNotFound.
	LoadSecret(name string) (*Record, error)

	// RotateSecret replaces an existing record in place with a new version.
	// Fails with ErrSecretNotFound if the record does not already exist; a
	// rotation never creates a secret.
	RotateSecret(name string, record *Record) error

	// ListSecrets returns the names of all stored secrets.
	ListSecrets() ([]string, error)

	// DeleteSecret removes the record for name, or ErrSecretNotFound.
	DeleteSecret(name string) error

	// SecretExists reports whether a record exists for name.
	SecretExists(name string) (bool, error)

	// Derivation salt

	// SaveSalt persists the vault's master-key derivation salt.
	SaveSalt(salt []byte) error

	// LoadSalt retrieves the derivation salt, or an error if none exists.
	LoadSalt() ([]byte, error)

	// SaltExists reports whether a derivation salt has been stored.
	SaltExists() (bool, error)

	// Health and utilities

	// Ping tests connectivity for remote backends.
	Ping() error

	// Close releases any resources held by the store.
	Close() error

	// GetType identifies the backend kind ("filesystem", "memory", "s3").
	GetType() string
}

// StoreConfig selects and configures a concrete backend.
type StoreConfig struct {
	Type string    `json:"type" yaml:"type"` // "filesystem", "memory" or "s3"
	Path string    `json:"path,omitempty" yaml:"path,omitempty"`
	S3   *S3Config `json:"s3,omitempty" yaml:"s3,omitempty"`
}

// NewStore creates a store from configuration.
func NewStore(config StoreConfig) (Store, error) {
	switch config.Type {
	case "filesystem", "":
		return NewFileSystemStore(config.Path)
	case "memory":
		return NewMemoryStore(), nil
	case "s3":
		if config.S3 == nil {
			return nil, fmt.Errorf("s3 store requires s3 configuration")
		}
		return NewS3Store(*config.S3)
	default:
		return nil, fmt.Errorf("unknown store type: %s", config.Type)
	}
}
