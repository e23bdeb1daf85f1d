package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
)

const wipePasses = 3

// RandomBytes returns n cryptographically secure random bytes.
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return buf, nil
}

// DeriveKey derives a 256-bit key from password material and a salt enclave
// using Argon2id with the module's standard parameters. The returned buffer
// is memguard-protected; the caller owns its lifecycle.
func DeriveKey(password []byte, saltEnclave *memguard.Enclave, time, memory uint32, threads uint8, keyLen uint32) (*memguard.LockedBuffer, error) {
	saltBuffer, err := saltEnclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open salt enclave: %w", err)
	}
	defer saltBuffer.Destroy()

	saltBytes := make([]byte, len(saltBuffer.Bytes()))
	copy(saltBytes, saltBuffer.Bytes())
	defer memguard.WipeBytes(saltBytes)

	derivedKey := argon2.IDKey(password, saltBytes, time, memory, threads, keyLen)

	protectedKey := memguard.NewBufferFromBytes(derivedKey)
	memguard.WipeBytes(derivedKey)

	return protectedKey, nil
}

// KeyedDigest computes an HMAC-SHA256 digest over data with the supplied key
// and optional salt. Used for tamper-evident fingerprints and integrity
// checks; the key never appears in source or persisted records.
func KeyedDigest(key, salt, data []byte) string {
	mac := hmac.New(sha256.New, key)
	if len(salt) > 0 {
		mac.Write(salt)
	}
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// DigestEqual compares two hex digests in constant time.
func DigestEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}

// Checksum calculates the SHA-256 checksum of data.
func Checksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// SecureWipe overwrites the buffer with random bytes on each pass and zeroes
// it on the final pass. Used when retiring key material after rotation grace
// periods and on secure delete.
func SecureWipe(buf []byte) {
	if len(buf) == 0 {
		return
	}
	for pass := 0; pass < wipePasses; pass++ {
		if _, err := io.ReadFull(rand.Reader, buf); err != nil {
			break
		}
	}
	for i := range buf {
		buf[i] = 0
	}
}

// IsWeakKey performs basic entropy sanity checks on generated key material.
func IsWeakKey(key []byte) bool {
	if len(key) < 32 {
		return true
	}

	allZero := true
	for _, b := range key {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return true
	}

	firstByte := key[0]
	allSame := true
	for _, b := range key[1:] {
		if b != firstByte {
			allSame = false
			break
		}
	}
	if allSame {
		return true
	}

	// Basic entropy check - count unique bytes
	uniqueBytes := make(map[byte]bool)
	for _, b := range key {
		uniqueBytes[b] = true
	}

	return len(uniqueBytes) < 16
}
