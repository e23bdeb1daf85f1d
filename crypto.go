package keyforge

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/hkdf"

	"southwinds.dev/keyforge/internal/crypto"
	"southwinds.dev/keyforge/internal/misc"
)

const (
	// gcmTagSize is the authentication tag length appended by AES-GCM.
	gcmTagSize = 16

	// maxPlaintextSize bounds envelope inputs to prevent memory exhaustion.
	maxPlaintextSize = 10 * 1024 * 1024
)

// encryptEnvelope seals plaintext under key with AES-256-GCM and a fresh
// random IV, returning the packed record value "<ivHex>:<authTagHex>:<ctHex>".
// The auth tag is stored separately from the ciphertext in the packed form so
// tampering with either component is independently detectable.
func encryptEnvelope(key, plaintext []byte) (string, error) {
	if len(plaintext) == 0 {
		return "", errors.New("empty plaintext")
	}
	if len(plaintext) > maxPlaintextSize {
		return "", errors.New("plaintext too large")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	iv := make([]byte, aead.NonceSize())
	if _, err = io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("failed to generate IV: %w", err)
	}

	sealed := aead.Seal(nil, iv, plaintext, nil)

	// Seal appends the tag to the ciphertext; split them for the packed form.
	ciphertext := sealed[:len(sealed)-gcmTagSize]
	authTag := sealed[len(sealed)-gcmTagSize:]

	return fmt.Sprintf("%s:%s:%s",
		hex.EncodeToString(iv),
		hex.EncodeToString(authTag),
		hex.EncodeToString(ciphertext)), nil
}

// decryptEnvelope reverses encryptEnvelope. Authentication failure surfaces
// as an error from the AEAD open; callers translate it to IntegrityError
// where the failure concerns stored key material.
func decryptEnvelope(key []byte, packed string) ([]byte, error) {
	iv, authTag, ciphertext, err := parseEnvelope(packed)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	if len(iv) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid IV length: %d", len(iv))
	}

	sealed := append(append([]byte(nil), ciphertext...), authTag...)
	plaintext, err := aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	return plaintext, nil
}

// parseEnvelope splits the packed "<ivHex>:<authTagHex>:<ciphertextHex>" form.
func parseEnvelope(packed string) (iv, authTag, ciphertext []byte, err error) {
	parts := strings.Split(packed, ":")
	if len(parts) != 3 {
		return nil, nil, nil, fmt.Errorf("malformed envelope: expected 3 segments, got %d", len(parts))
	}
	if iv, err = hex.DecodeString(parts[0]); err != nil {
		return nil, nil, nil, fmt.Errorf("malformed envelope IV: %w", err)
	}
	if authTag, err = hex.DecodeString(parts[1]); err != nil {
		return nil, nil, nil, fmt.Errorf("malformed envelope auth tag: %w", err)
	}
	if len(authTag) != gcmTagSize {
		return nil, nil, nil, fmt.Errorf("malformed envelope auth tag: %d bytes", len(authTag))
	}
	if ciphertext, err = hex.DecodeString(parts[2]); err != nil {
		return nil, nil, nil, fmt.Errorf("malformed envelope ciphertext: %w", err)
	}
	return iv, authTag, ciphertext, nil
}

// deriveMasterKey stretches the passphrase into a 256-bit master key with
// Argon2id over the per-vault salt. The salt is random per vault, never a
// fixed constant.
func deriveMasterKey(passphrase string, salt []byte) (*memguard.LockedBuffer, error) {
	if len(salt) < misc.SaltSize {
		return nil, &ConfigError{Field: "DerivationSalt",
			Message: fmt.Sprintf("salt too short: %d bytes", len(salt))}
	}

	saltEnclave := memguard.NewEnclave(append([]byte(nil), salt...))
	passBytes := []byte(passphrase)
	defer memguard.WipeBytes(passBytes)

	return crypto.DeriveKey(passBytes, saltEnclave,
		misc.ArgonTime, misc.ArgonMemory, misc.ArgonThreads, misc.ArgonKeyLen)
}

// deriveSubKey expands an independent purpose-bound key from the master key
// via HKDF-SHA256. Used for the fingerprint key so that fingerprints are
// keyed hashes whose key is derived at runtime, never embedded in source.
func deriveSubKey(masterKey []byte, salt []byte, info string) ([]byte, error) {
	reader := hkdf.New(sha256.New, masterKey, salt, []byte(info))
	subKey := make([]byte, 32)
	if _, err := io.ReadFull(reader, subKey); err != nil {
		return nil, fmt.Errorf("failed to derive %s key: %w", info, err)
	}
	return subKey, nil
}
