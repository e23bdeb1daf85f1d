package keyforge

import (
	"bytes"
	"errors"
	"testing"
)

func newTestKeyStore(t *testing.T) *SecureKeyStore {
	t.Helper()
	store, err := NewSecureKeyStore([]string{"development"}, nil, nil, newFakeClock())
	if err != nil {
		t.Fatalf("NewSecureKeyStore failed: %v", err)
	}
	t.Cleanup(store.Close)
	return store
}

func adminRequest() StorageRequest {
	return StorageRequest{UserID: "storage-admin"}
}

func withAdminIdentity(t *testing.T, store *SecureKeyStore) {
	t.Helper()
	store.GrantServiceIdentity("storage-admin", "test bootstrap")
}

func TestStoreAndRetrieveKeyRoundTrip(t *testing.T) {
	store := newTestKeyStore(t)
	withAdminIdentity(t, store)

	material := []byte("0123456789abcdef0123456789abcdef")
	if err := store.StoreKey("key_a", material, "development", adminRequest()); err != nil {
		t.Fatalf("StoreKey failed: %v", err)
	}

	got, err := store.RetrieveKey("key_a", adminRequest(), RetrieveOptions{})
	if err != nil {
		t.Fatalf("RetrieveKey failed: %v", err)
	}
	if !bytes.Equal(got, material) {
		t.Error("round trip mismatch")
	}
}

func TestStoreKeyCompressesLargeMaterial(t *testing.T) {
	store := newTestKeyStore(t)
	withAdminIdentity(t, store)

	material := bytes.Repeat([]byte("compressible "), 200)
	if err := store.StoreKey("key_big", material, "development", adminRequest()); err != nil {
		t.Fatalf("StoreKey failed: %v", err)
	}

	stored, err := store.GetStoredKey("key_big")
	if err != nil {
		t.Fatalf("GetStoredKey failed: %v", err)
	}
	if !stored.Metadata.CompressionEnabled {
		t.Error("material over the threshold was not compressed")
	}

	got, err := store.RetrieveKey("key_big", adminRequest(), RetrieveOptions{})
	if err != nil {
		t.Fatalf("RetrieveKey failed: %v", err)
	}
	if !bytes.Equal(got, material) {
		t.Error("compressed round trip mismatch")
	}
}

func TestRetrieveKeyTamperedCiphertext(t *testing.T) {
	store := newTestKeyStore(t)
	withAdminIdentity(t, store)

	if err := store.StoreKey("key_t", []byte("sensitive-material-here"), "development", adminRequest()); err != nil {
		t.Fatalf("StoreKey failed: %v", err)
	}

	// Flip one ciphertext byte in both containers.
	store.mu.Lock()
	for _, name := range []string{primaryContainer, backupContainer} {
		store.containers[name].keys["key_t"].EncryptedData[0] ^= 0x01
	}
	store.mu.Unlock()

	_, err := store.RetrieveKey("key_t", adminRequest(), RetrieveOptions{})
	var integrity *IntegrityError
	if !errors.As(err, &integrity) {
		t.Fatalf("expected IntegrityError, got %v", err)
	}
}

func TestStoreKeyMissingEnvironmentKEK(t *testing.T) {
	store := newTestKeyStore(t)
	withAdminIdentity(t, store)

	err := store.StoreKey("key_x", []byte("material"), "production", adminRequest())
	var cfg *ConfigError
	if !errors.As(err, &cfg) {
		t.Fatalf("expected ConfigError for unconfigured environment, got %v", err)
	}
}

func TestBackupMirrorSynchronous(t *testing.T) {
	store := newTestKeyStore(t)
	withAdminIdentity(t, store)

	if err := store.StoreKey("key_m", []byte("mirrored-material"), "development", adminRequest()); err != nil {
		t.Fatalf("StoreKey failed: %v", err)
	}

	stats := store.ContainerStats()
	if stats[primaryContainer] != 1 || stats[backupContainer] != 1 {
		t.Errorf("mirror out of sync: %v", stats)
	}
	if diverged := store.VerifyMirror(); len(diverged) != 0 {
		t.Errorf("fresh mirror reported diverged keys: %v", diverged)
	}
}

func TestVerifyMirrorDetectsDivergence(t *testing.T) {
	store := newTestKeyStore(t)
	withAdminIdentity(t, store)

	if err := store.StoreKey("key_d", []byte("mirrored-material"), "development", adminRequest()); err != nil {
		t.Fatalf("StoreKey failed: %v", err)
	}

	// Corrupt only the backup copy.
	store.mu.Lock()
	store.containers[backupContainer].keys["key_d"].EncryptedData[0] ^= 0x01
	store.mu.Unlock()

	diverged := store.VerifyMirror()
	if len(diverged) != 1 || diverged[0] != "key_d" {
		t.Errorf("diverged = %v, want [key_d]", diverged)
	}
}

func TestStorageRequestMintsRequestID(t *testing.T) {
	supplied := StorageRequest{UserID: "u", RequestID: "req-123"}
	if got := supplied.requestID(); got != "req-123" {
		t.Errorf("requestID = %s, want req-123", got)
	}

	minted := StorageRequest{UserID: "u"}
	a, b := minted.requestID(), minted.requestID()
	if a == "" || a == b {
		t.Errorf("expected distinct minted ids, got %q and %q", a, b)
	}
}

func TestStoragePolicyConditions(t *testing.T) {
	store := newTestKeyStore(t)
	withAdminIdentity(t, store)

	if err := store.StoreKey("key_guarded", []byte("material"), "development", adminRequest()); err != nil {
		t.Fatalf("StoreKey failed: %v", err)
	}

	err := store.SetPolicy(StoragePolicy{
		Subject: "operator",
		Permissions: []StoragePermission{{
			Action:     ActionRead,
			KeyPattern: "key_.*",
			Conditions: StorageConditions{RequireMFA: true, AllowedIPs: []string{"10.0.0.5"}},
		}},
	})
	if err != nil {
		t.Fatalf("SetPolicy failed: %v", err)
	}

	// Without MFA.
	_, err = store.RetrieveKey("key_guarded",
		StorageRequest{UserID: "operator", IP: "10.0.0.5"}, RetrieveOptions{})
	var denied *AccessDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected denial without MFA, got %v", err)
	}

	// Wrong IP.
	_, err = store.RetrieveKey("key_guarded",
		StorageRequest{UserID: "operator", IP: "10.9.9.9", MFAVerified: true}, RetrieveOptions{})
	if !errors.As(err, &denied) {
		t.Fatalf("expected denial from the wrong IP, got %v", err)
	}

	// All conditions satisfied.
	got, err := store.RetrieveKey("key_guarded",
		StorageRequest{UserID: "operator", IP: "10.0.0.5", MFAVerified: true}, RetrieveOptions{})
	if err != nil {
		t.Fatalf("conditioned retrieve failed: %v", err)
	}
	if string(got) != "material" {
		t.Error("wrong material returned")
	}
}

func TestStoragePolicyPatternScoping(t *testing.T) {
	store := newTestKeyStore(t)
	withAdminIdentity(t, store)

	for _, id := range []string{"key_app_1", "key_infra_1"} {
		if err := store.StoreKey(id, []byte("material"), "development", adminRequest()); err != nil {
			t.Fatalf("StoreKey failed: %v", err)
		}
	}
	err := store.SetPolicy(StoragePolicy{
		Subject:     "app-service",
		Permissions: []StoragePermission{{Action: ActionRead, KeyPattern: "^key_app_.*"}},
	})
	if err != nil {
		t.Fatalf("SetPolicy failed: %v", err)
	}

	if _, err = store.RetrieveKey("key_app_1", StorageRequest{UserID: "app-service"}, RetrieveOptions{}); err != nil {
		t.Errorf("in-pattern retrieve failed: %v", err)
	}
	var denied *AccessDeniedError
	if _, err = store.RetrieveKey("key_infra_1", StorageRequest{UserID: "app-service"}, RetrieveOptions{}); !errors.As(err, &denied) {
		t.Errorf("out-of-pattern retrieve granted, err=%v", err)
	}
}

func TestDeleteKeyPreservesAuditLog(t *testing.T) {
	store := newTestKeyStore(t)
	withAdminIdentity(t, store)

	if err := store.StoreKey("key_d", []byte("material"), "development", adminRequest()); err != nil {
		t.Fatalf("StoreKey failed: %v", err)
	}
	if _, err := store.RetrieveKey("key_d", adminRequest(), RetrieveOptions{}); err != nil {
		t.Fatalf("RetrieveKey failed: %v", err)
	}

	err := store.DeleteKey("key_d", adminRequest(), DeleteOptions{SecureWipe: true, PreserveAuditLog: true})
	if err != nil {
		t.Fatalf("DeleteKey failed: %v", err)
	}

	if _, err = store.GetStoredKey("key_d"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
	if log := store.PreservedAccessLog("key_d"); len(log) == 0 {
		t.Error("access log not preserved")
	}

	if err = store.DeleteKey("key_d", adminRequest(), DeleteOptions{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on double delete, got %v", err)
	}
}

func TestAccessCountersUpdated(t *testing.T) {
	store := newTestKeyStore(t)
	withAdminIdentity(t, store)

	if err := store.StoreKey("key_c", []byte("material"), "development", adminRequest()); err != nil {
		t.Fatalf("StoreKey failed: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := store.RetrieveKey("key_c", adminRequest(), RetrieveOptions{}); err != nil {
			t.Fatalf("RetrieveKey failed: %v", err)
		}
	}

	stored, err := store.GetStoredKey("key_c")
	if err != nil {
		t.Fatalf("GetStoredKey failed: %v", err)
	}
	if stored.AccessCount != 3 {
		t.Errorf("access count = %d, want 3", stored.AccessCount)
	}
	if stored.LastAccessed == nil {
		t.Error("lastAccessed not set")
	}
	// The store itself is the first log entry, then one per retrieve.
	if len(stored.AccessLog) != 4 {
		t.Errorf("access log holds %d entries, want 4", len(stored.AccessLog))
	}
}
