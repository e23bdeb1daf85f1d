package keyforge

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors shared across the module. Callers should test with errors.Is
// rather than comparing strings.
var (
	// ErrNotFound indicates the requested secret, key, role, user or schedule
	// does not exist in the backing store.
	ErrNotFound = errors.New("not found")

	// ErrExpired indicates the requested secret or key exists but is past its
	// expiry time and may no longer be used.
	ErrExpired = errors.New("expired")

	// ErrUnsupportedSpec indicates a key specification names a type or
	// algorithm the key manager cannot generate.
	ErrUnsupportedSpec = errors.New("unsupported key specification")

	// ErrClosed indicates an operation was attempted on a closed component.
	ErrClosed = errors.New("closed")
)

// AccessDeniedError is returned whenever a permission check fails. It carries
// the human-readable reason and the audit trail accumulated while evaluating
// the request, so callers can surface or log the full decision path.
//
// Access denials are never downgraded to warnings: they always propagate to
// the caller as errors.
type AccessDeniedError struct {
	UserID     string
	Resource   string
	Action     string
	Reason     string
	AuditTrail []string
}

func (e *AccessDeniedError) Error() string {
	if e.UserID == "" {
		return fmt.Sprintf("access denied: %s", e.Reason)
	}
	return fmt.Sprintf("access denied for %s on %s:%s: %s", e.UserID, e.Resource, e.Action, e.Reason)
}

// IntegrityError is returned when a fingerprint or integrity digest does not
// match the stored material. Integrity failures are fatal for the operation
// that detected them and are always logged at critical severity; they must
// never be silently trusted or retried against the same record.
type IntegrityError struct {
	KeyID  string
	Detail string
}

func (e *IntegrityError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("integrity check failed for %s", e.KeyID)
	}
	return fmt.Sprintf("integrity check failed for %s: %s", e.KeyID, e.Detail)
}

// ConfigError reports an invalid or missing configuration value, such as a
// missing key-wrapping key for an environment. A missing wrapping key is a
// hard error, never silently mapped to a default.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("configuration error: %s", e.Message)
	}
	return fmt.Sprintf("configuration error in %s: %s", e.Field, e.Message)
}

// combineErrs folds a list of errors into one, skipping nils. Used by Close
// paths that must attempt every cleanup step before reporting.
func combineErrs(errs []error) error {
	var msgs []string
	for _, err := range errs {
		if err != nil {
			msgs = append(msgs, err.Error())
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	return fmt.Errorf("multiple errors: %s", strings.Join(msgs, "; "))
}
