package keyforge

import (
	"bytes"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"
)

func TestGenerateSymmetricKey(t *testing.T) {
	platform, _ := newTestPlatform(t)

	spec := KeySpec{Type: KeyTypeSymmetric, Algorithm: "aes-256-gcm", Purpose: "encryption", Environment: "development"}
	key, err := platform.Keys.GenerateKey(spec, "admin-user", nil)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	idPattern := regexp.MustCompile(`^key_symmetric_encryption_development_\d+_[0-9a-f]+$`)
	if !idPattern.MatchString(key.ID) {
		t.Errorf("unexpected key id format: %s", key.ID)
	}
	if len(key.SymmetricKey) != 32 {
		t.Errorf("expected 32-byte material, got %d", len(key.SymmetricKey))
	}
	if key.Fingerprint == "" {
		t.Error("fingerprint not set")
	}
	if key.ExpiresAt == nil {
		t.Fatal("expiresAt not set")
	}
	if want := key.Created.Add(365 * 24 * time.Hour); !key.ExpiresAt.Equal(want) {
		t.Errorf("encryption purpose expiry = %v, want %v", key.ExpiresAt, want)
	}
}

func TestGenerateKeyReadonlyDenied(t *testing.T) {
	platform, _ := newTestPlatform(t)

	spec := KeySpec{Type: KeyTypeSymmetric, Algorithm: "aes-256-gcm", Purpose: "api", Environment: "development"}
	_, err := platform.Keys.GenerateKey(spec, "reader", nil)

	var denied *AccessDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected AccessDeniedError, got %v", err)
	}
	if denied.Action != string(ActionCreate) {
		t.Errorf("denial should reference the create permission, got %s", denied.Action)
	}
}

func TestGenerateKeyPurposeExpiry(t *testing.T) {
	platform, _ := newTestPlatform(t)

	tests := []struct {
		purpose string
		days    int
	}{
		{"jwt", 30},
		{"api", 90},
		{"database", 180},
		{"encryption", 365},
		{"other", 90},
	}
	for _, tt := range tests {
		spec := KeySpec{Type: KeyTypeSymmetric, Algorithm: "aes-256-gcm", Purpose: tt.purpose, Environment: "development"}
		key, err := platform.Keys.GenerateKey(spec, "admin-user", nil)
		if err != nil {
			t.Fatalf("GenerateKey(%s) failed: %v", tt.purpose, err)
		}
		want := key.Created.Add(time.Duration(tt.days) * 24 * time.Hour)
		if !key.ExpiresAt.Equal(want) {
			t.Errorf("purpose %s: expiry %v, want %v", tt.purpose, key.ExpiresAt, want)
		}
	}
}

func TestGenerateAsymmetricKeys(t *testing.T) {
	platform, _ := newTestPlatform(t)

	for _, algorithm := range []string{"ed25519", "secp256k1"} {
		spec := KeySpec{Type: KeyTypeAsymmetric, Algorithm: algorithm, Purpose: "api", Environment: "development"}
		key, err := platform.Keys.GenerateKey(spec, "admin-user", nil)
		if err != nil {
			t.Fatalf("GenerateKey(%s) failed: %v", algorithm, err)
		}
		if len(key.PublicKey) == 0 || len(key.PrivateKey) == 0 {
			t.Errorf("%s: expected both halves of the key pair", algorithm)
		}
		if len(key.SymmetricKey) != 0 {
			t.Errorf("%s: asymmetric key should carry no symmetric material", algorithm)
		}
	}
}

func TestGenerateDerivationKey(t *testing.T) {
	platform, _ := newTestPlatform(t)

	spec := KeySpec{Type: KeyTypeDerivation, Purpose: "database", Environment: "development"}
	key, err := platform.Keys.GenerateKey(spec, "admin-user", nil)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	if key.DerivationData == nil {
		t.Fatal("derivation data not set")
	}
	if key.DerivationData.Iterations != 100000 {
		t.Errorf("iterations = %d, want 100000", key.DerivationData.Iterations)
	}
	if key.DerivationData.Algorithm != "scrypt" {
		t.Errorf("algorithm = %s, want scrypt", key.DerivationData.Algorithm)
	}
	if len(key.DerivationData.Salt) == 0 {
		t.Error("derivation salt not set")
	}
}

func TestGenerateKeyUnsupportedType(t *testing.T) {
	platform, _ := newTestPlatform(t)

	spec := KeySpec{Type: "quantum", Algorithm: "aes-256-gcm", Purpose: "api", Environment: "development"}
	_, err := platform.Keys.GenerateKey(spec, "admin-user", nil)
	if !errors.Is(err, ErrUnsupportedSpec) {
		t.Errorf("expected ErrUnsupportedSpec, got %v", err)
	}
}

func TestSameSpecProducesDistinctKeys(t *testing.T) {
	platform, _ := newTestPlatform(t)

	spec := KeySpec{Type: KeyTypeSymmetric, Algorithm: "aes-256-gcm", Purpose: "api", Environment: "development"}
	a, err := platform.Keys.GenerateKey(spec, "admin-user", nil)
	if err != nil {
		t.Fatalf("first GenerateKey failed: %v", err)
	}
	b, err := platform.Keys.GenerateKey(spec, "admin-user", nil)
	if err != nil {
		t.Fatalf("second GenerateKey failed: %v", err)
	}

	if a.ID == b.ID {
		t.Error("two keys share an id")
	}
	if a.Fingerprint == b.Fingerprint {
		t.Error("two keys share a fingerprint")
	}
	if bytes.Equal(a.SymmetricKey, b.SymmetricKey) {
		t.Error("two keys share material")
	}
}

func TestVerifyKeyIntegrity(t *testing.T) {
	platform, _ := newTestPlatform(t)

	spec := KeySpec{Type: KeyTypeSymmetric, Algorithm: "aes-256-gcm", Purpose: "api", Environment: "development"}
	key, err := platform.Keys.GenerateKey(spec, "admin-user", nil)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	if err = platform.Keys.VerifyKeyIntegrity(key.ID, "admin-user"); err != nil {
		t.Errorf("fresh key failed integrity verification: %v", err)
	}
}

func TestVerifyKeyIntegrityTampered(t *testing.T) {
	platform, _ := newTestPlatform(t)

	spec := KeySpec{Type: KeyTypeSymmetric, Algorithm: "aes-256-gcm", Purpose: "api", Environment: "development"}
	key, err := platform.Keys.GenerateKey(spec, "admin-user", nil)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	// Rewrite the envelope with flipped material but the original fingerprint.
	tampered := *key
	tampered.SymmetricKey = append([]byte(nil), key.SymmetricKey...)
	tampered.SymmetricKey[0] ^= 0xff
	payload, err := json.Marshal(&tampered)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if _, err = platform.Vault.RotateSecret(key.ID, payload, "admin"); err != nil {
		t.Fatalf("failed to plant tampered envelope: %v", err)
	}

	err = platform.Keys.VerifyKeyIntegrity(key.ID, "admin-user")
	var integrity *IntegrityError
	if !errors.As(err, &integrity) {
		t.Fatalf("expected IntegrityError, got %v", err)
	}
}

func TestVerifyKeyIntegrityExpired(t *testing.T) {
	platform, clock := newTestPlatform(t)

	spec := KeySpec{Type: KeyTypeSymmetric, Algorithm: "aes-256-gcm", Purpose: "jwt", Environment: "development"}
	key, err := platform.Keys.GenerateKey(spec, "admin-user", nil)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	clock.Advance(31 * 24 * time.Hour)
	if err = platform.Keys.VerifyKeyIntegrity(key.ID, "admin-user"); !errors.Is(err, ErrExpired) {
		t.Errorf("expected ErrExpired, got %v", err)
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	platform, _ := newTestPlatform(t)

	spec := KeySpec{Type: KeyTypeDerivation, Purpose: "database", Environment: "development"}
	master, err := platform.Keys.GenerateKey(spec, "admin-user", nil)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	salt := []byte("fixed-salt-16byt")
	opts := DeriveOptions{Salt: salt, Iterations: 1000, Length: 32}

	first, err := platform.Keys.DeriveKey(master.ID, opts, "admin-user")
	if err != nil {
		t.Fatalf("first DeriveKey failed: %v", err)
	}
	second, err := platform.Keys.DeriveKey(master.ID, opts, "admin-user")
	if err != nil {
		t.Fatalf("second DeriveKey failed: %v", err)
	}
	if !bytes.Equal(first.Key, second.Key) {
		t.Error("identical inputs produced different derived keys")
	}

	other, err := platform.Keys.DeriveKey(master.ID,
		DeriveOptions{Salt: []byte("other-salt-16byt"), Iterations: 1000, Length: 32}, "admin-user")
	if err != nil {
		t.Fatalf("third DeriveKey failed: %v", err)
	}
	if bytes.Equal(first.Key, other.Key) {
		t.Error("different salts produced identical derived keys")
	}
}

func TestDeriveKeyRequiresSymmetricMaster(t *testing.T) {
	platform, _ := newTestPlatform(t)

	spec := KeySpec{Type: KeyTypeAsymmetric, Algorithm: "ed25519", Purpose: "api", Environment: "development"}
	master, err := platform.Keys.GenerateKey(spec, "admin-user", nil)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	_, err = platform.Keys.DeriveKey(master.ID, DeriveOptions{}, "admin-user")
	if !errors.Is(err, ErrUnsupportedSpec) {
		t.Errorf("expected ErrUnsupportedSpec, got %v", err)
	}
}

func TestRotateKeyReplacesEverything(t *testing.T) {
	platform, _ := newTestPlatform(t)

	spec := KeySpec{Type: KeyTypeSymmetric, Algorithm: "aes-256-gcm", Purpose: "api", Environment: "development"}
	original, err := platform.Keys.GenerateKey(spec, "admin-user", nil)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	result := platform.Keys.RotateKey(original.ID, "admin-user")
	if !result.Success {
		t.Fatalf("rotation failed: %s", result.Error)
	}
	if result.OldKeyID != original.ID {
		t.Errorf("oldKeyID = %s, want %s", result.OldKeyID, original.ID)
	}
	if result.NewKeyID == original.ID {
		t.Error("rotation reused the old key id")
	}

	// The original record name still resolves, to the replacement envelope.
	current, err := platform.Keys.GetKey(original.ID, "admin-user")
	if err != nil {
		t.Fatalf("GetKey after rotation failed: %v", err)
	}
	if current.Version == original.Version {
		t.Error("version unchanged after rotation")
	}
	if current.Fingerprint == original.Fingerprint {
		t.Error("fingerprint unchanged after rotation")
	}
	if bytes.Equal(current.SymmetricKey, original.SymmetricKey) {
		t.Error("material unchanged after rotation")
	}
}

func TestRotateKeyNeverThrows(t *testing.T) {
	platform, _ := newTestPlatform(t)

	result := platform.Keys.RotateKey("key_missing", "admin-user")
	if result.Success {
		t.Error("rotation of a missing key reported success")
	}
	if result.Error == "" {
		t.Error("failure result carries no error message")
	}

	denied := platform.Keys.RotateKey("key_missing", "reader")
	if denied.Success || !strings.Contains(denied.Error, "denied") {
		t.Errorf("expected denial captured as data, got %+v", denied)
	}
}

func TestListKeysFiltering(t *testing.T) {
	platform, _ := newTestPlatform(t)

	specs := []KeySpec{
		{Type: KeyTypeSymmetric, Algorithm: "aes-256-gcm", Purpose: "api", Environment: "development"},
		{Type: KeyTypeSymmetric, Algorithm: "hmac-sha256", Purpose: "jwt", Environment: "development"},
		{Type: KeyTypeAsymmetric, Algorithm: "ed25519", Purpose: "api", Environment: "staging"},
	}
	for _, spec := range specs {
		if _, err := platform.Keys.GenerateKey(spec, "admin-user", nil); err != nil {
			t.Fatalf("GenerateKey failed: %v", err)
		}
	}
	// A plain secret must not appear in key listings.
	if _, err := platform.Vault.StoreSecret("plain-secret", []byte("v"), nil); err != nil {
		t.Fatalf("StoreSecret failed: %v", err)
	}

	all, err := platform.Keys.ListKeys("admin-user", KeyFilter{})
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("listed %d keys, want 3", len(all))
	}

	apiKeys, err := platform.Keys.ListKeys("admin-user", KeyFilter{Purpose: "api"})
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(apiKeys) != 2 {
		t.Errorf("listed %d api keys, want 2", len(apiKeys))
	}

	staging, err := platform.Keys.ListKeys("admin-user", KeyFilter{Environment: "staging"})
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(staging) != 1 {
		t.Errorf("listed %d staging keys, want 1", len(staging))
	}
}

func TestDeleteKeyRequiresPermission(t *testing.T) {
	platform, _ := newTestPlatform(t)

	spec := KeySpec{Type: KeyTypeSymmetric, Algorithm: "aes-256-gcm", Purpose: "api", Environment: "development"}
	key, err := platform.Keys.GenerateKey(spec, "admin-user", nil)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	var denied *AccessDeniedError
	if err = platform.Keys.DeleteKey(key.ID, "reader"); !errors.As(err, &denied) {
		t.Fatalf("expected AccessDeniedError, got %v", err)
	}
	if err = platform.Keys.DeleteKey(key.ID, "admin-user"); err != nil {
		t.Fatalf("admin delete failed: %v", err)
	}
	if _, err = platform.Keys.GetKey(key.ID, "admin-user"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}
