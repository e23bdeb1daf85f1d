package keyforge

import (
	"fmt"
	"os"

	"southwinds.dev/keyforge/audit"
	"southwinds.dev/keyforge/internal/misc"
)

// Options configures a Platform and the components it wires together.
//
// Security-critical fields (passphrase, salt) carry `json:"-"` so they can
// never leak through serialized configuration. The passphrase may instead be
// delivered through the environment variable named by EnvPassphraseVar, which
// keeps it out of process argument lists.
type Options struct {
	// DerivationPassphrase is the master passphrase from which the vault's
	// encryption key is derived via Argon2id over a per-vault random salt.
	// Never serialized.
	DerivationPassphrase string `json:"-"`

	// DerivationSalt optionally supplies the derivation salt. When empty a
	// random salt is generated on first use and persisted through the store.
	// Never serialized.
	DerivationSalt []byte `json:"-"`

	// EnvPassphraseVar names an environment variable holding the passphrase.
	// Used when DerivationPassphrase is empty.
	EnvPassphraseVar string `json:"env_passphrase_var,omitempty"`

	// Environment is the deployment environment this platform serves
	// (development, staging, production). Used for key ids and audit scoping.
	Environment string `json:"environment"`

	// KeyWrappingEnvironments lists every environment the secure key store
	// must hold a key-wrapping key for. Defaults to [Environment]. Retrieving
	// a key for an environment outside this list is a configuration error.
	KeyWrappingEnvironments []string `json:"key_wrapping_environments,omitempty"`

	// EnableMemoryLock attempts to mlock process memory so key material is
	// never swapped to disk.
	EnableMemoryLock bool `json:"enable_memory_lock"`

	// GracePeriodDays is the default grace period applied by the scheduler
	// when a policy does not set its own.
	GracePeriodDays int `json:"grace_period_days,omitempty"`

	// EventBufferSize bounds the lifecycle event channel. Zero means the
	// default of 256.
	EventBufferSize int `json:"event_buffer_size,omitempty"`

	// Audit configures the audit logger when the platform constructs one
	// itself rather than being handed a logger.
	Audit *audit.Config `json:"audit,omitempty"`
}

// Passphrase resolves the effective passphrase, preferring the explicit
// option over the environment variable.
func (o Options) Passphrase() (string, error) {
	if o.DerivationPassphrase != "" {
		return o.DerivationPassphrase, nil
	}
	if o.EnvPassphraseVar != "" {
		if value := os.Getenv(o.EnvPassphraseVar); value != "" {
			return value, nil
		}
		return "", &ConfigError{Field: "EnvPassphraseVar",
			Message: fmt.Sprintf("environment variable %s is empty or unset", o.EnvPassphraseVar)}
	}
	return "", &ConfigError{Field: "DerivationPassphrase", Message: "no passphrase configured"}
}

// Validate checks the options for consistency before any component starts.
func (o Options) Validate() error {
	if _, err := o.Passphrase(); err != nil {
		return err
	}
	if o.DerivationPassphrase != "" && len(o.DerivationPassphrase) < 12 {
		return &ConfigError{Field: "DerivationPassphrase",
			Message: fmt.Sprintf("passphrase too short: %d characters, minimum 12", len(o.DerivationPassphrase))}
	}
	if len(o.DerivationSalt) > 0 && len(o.DerivationSalt) < misc.SaltSize {
		return &ConfigError{Field: "DerivationSalt",
			Message: fmt.Sprintf("salt too short: %d bytes, minimum %d", len(o.DerivationSalt), misc.SaltSize)}
	}
	if o.Environment == "" {
		return &ConfigError{Field: "Environment", Message: "environment cannot be empty"}
	}
	if o.GracePeriodDays < 0 {
		return &ConfigError{Field: "GracePeriodDays", Message: "grace period cannot be negative"}
	}
	if o.EventBufferSize < 0 {
		return &ConfigError{Field: "EventBufferSize", Message: "event buffer size cannot be negative"}
	}
	return nil
}

// environments returns the effective key-wrapping environment list.
func (o Options) environments() []string {
	if len(o.KeyWrappingEnvironments) > 0 {
		return o.KeyWrappingEnvironments
	}
	return []string{o.Environment}
}
