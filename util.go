package keyforge

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

var secretIDRegex = regexp.MustCompile(`^[a-zA-Z0-9\-_/.]+$`)

// Clock abstracts time for the rotation tiers so due-ness and grace periods
// can be tested deterministically.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns the real wall clock.
func SystemClock() Clock { return systemClock{} }

// randomHex returns n random bytes hex-encoded.
func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		// Fall back to timestamp if random fails
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

// newVersionToken builds a monotonically-informative version token from the
// current time plus a random suffix. Tokens are never reused; a later write
// always carries a later token.
func newVersionToken(clock Clock) string {
	return fmt.Sprintf("%d_%s", clock.Now().UnixMilli(), randomHex(4))
}

// newKeyIdentifier builds a globally unique key id of the form
// key_<type>_<purpose>_<environment>_<timestamp>_<random>.
func newKeyIdentifier(spec KeySpec, clock Clock) string {
	return fmt.Sprintf("key_%s_%s_%s_%d_%s",
		spec.Type, spec.Purpose, spec.Environment, clock.Now().UnixMilli(), randomHex(4))
}

// keyIDPrefix is the namespace under which key envelopes live in the vault.
const keyIDPrefix = "key_"

func newRequestID() string {
	return uuid.NewString()
}

func validateSecretID(secretID string) error {
	if secretID == "" {
		return fmt.Errorf("secret ID cannot be empty")
	}
	if len(secretID) > 256 {
		return fmt.Errorf("secret ID too long: %d characters", len(secretID))
	}
	if !secretIDRegex.MatchString(secretID) {
		return fmt.Errorf("secret ID contains invalid characters: %s", secretID)
	}
	if strings.HasPrefix(secretID, "/") || strings.Contains(secretID, "..") {
		return fmt.Errorf("secret ID contains invalid path elements: %s", secretID)
	}
	return nil
}

func deduplicateTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tags))
	var out []string
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
	}
	return out
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

// daysBetween returns whole days from a to b, negative when b precedes a.
func daysBetween(a, b time.Time) int {
	return int(b.Sub(a).Hours() / 24)
}
