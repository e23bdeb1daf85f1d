package keyforge

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"southwinds.dev/keyforge/persist"
)

const testPassphrase = "test-passphrase-for-unit-tests"

// fakeClock is an advanceable clock for deterministic scheduling tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func testOptions() Options {
	return Options{
		DerivationPassphrase: testPassphrase,
		Environment:          "development",
	}
}

func newTestPlatform(t *testing.T) (*Platform, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	platform, err := NewPlatformWithClock(testOptions(), persist.NewMemoryStore(), nil, clock)
	if err != nil {
		t.Fatalf("failed to build platform: %v", err)
	}
	t.Cleanup(func() { platform.Close() })

	seedTestUsers(t, platform.Access)
	return platform, clock
}

func seedTestUsers(t *testing.T, access *AccessControl) {
	t.Helper()
	users := []User{
		{ID: "admin-user", Username: "admin-user", Roles: []string{"admin"}, IsActive: true},
		{ID: "reader", Username: "reader", Roles: []string{"readonly"}, IsActive: true},
	}
	for _, u := range users {
		if err := access.CreateUser(u); err != nil {
			t.Fatalf("failed to create user %s: %v", u.ID, err)
		}
	}
}

func newTestVault(t *testing.T) (*Vault, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	vault, err := NewVault(testOptions(), persist.NewMemoryStore(), nil, nil, clock)
	if err != nil {
		t.Fatalf("failed to build vault: %v", err)
	}
	t.Cleanup(func() { vault.Close() })
	return vault, clock
}

func TestStoreAndGetSecretRoundTrip(t *testing.T) {
	vault, _ := newTestVault(t)

	value := []byte("db-password-123")
	meta, err := vault.StoreSecret("db/password", value, nil)
	if err != nil {
		t.Fatalf("StoreSecret failed: %v", err)
	}
	if meta.Version == "" {
		t.Error("expected a version token")
	}

	got, gotMeta, err := vault.GetSecret("db/password", "admin")
	if err != nil {
		t.Fatalf("GetSecret failed: %v", err)
	}
	if !bytes.Equal(got, value) {
		t.Errorf("round trip mismatch: got %q, want %q", got, value)
	}
	if gotMeta.Version != meta.Version {
		t.Errorf("version mismatch: %s vs %s", gotMeta.Version, meta.Version)
	}
}

func TestGetSecretNotFound(t *testing.T) {
	vault, _ := newTestVault(t)

	_, _, err := vault.GetSecret("missing", "admin")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetSecretExpired(t *testing.T) {
	vault, clock := newTestVault(t)

	expires := clock.Now().Add(time.Hour)
	_, err := vault.StoreSecret("short-lived", []byte("v"), &SecretMetadata{ExpiresAt: &expires})
	if err != nil {
		t.Fatalf("StoreSecret failed: %v", err)
	}

	clock.Advance(2 * time.Hour)
	_, _, err = vault.GetSecret("short-lived", "admin")
	if !errors.Is(err, ErrExpired) {
		t.Errorf("expected ErrExpired, got %v", err)
	}
}

func TestGetSecretAccessDenied(t *testing.T) {
	vault, _ := newTestVault(t)

	_, err := vault.StoreSecret("restricted", []byte("v"), &SecretMetadata{
		AccessControl: AccessControlSpec{Roles: []string{"admin"}, Permissions: []string{"read"}},
	})
	if err != nil {
		t.Fatalf("StoreSecret failed: %v", err)
	}

	_, _, err = vault.GetSecret("restricted", "intern")
	var denied *AccessDeniedError
	if !errors.As(err, &denied) {
		t.Fatalf("expected AccessDeniedError, got %v", err)
	}
}

func TestRotateSecretChangesVersionAndValue(t *testing.T) {
	vault, _ := newTestVault(t)

	before, err := vault.StoreSecret("api-token", []byte("old-value"), nil)
	if err != nil {
		t.Fatalf("StoreSecret failed: %v", err)
	}

	after, err := vault.RotateSecret("api-token", []byte("new-value"), "admin")
	if err != nil {
		t.Fatalf("RotateSecret failed: %v", err)
	}
	if after.Version == before.Version {
		t.Error("rotation did not change the version token")
	}
	if after.LastRotated.IsZero() {
		t.Error("lastRotated not set")
	}

	got, _, err := vault.GetSecret("api-token", "admin")
	if err != nil {
		t.Fatalf("GetSecret failed: %v", err)
	}
	if string(got) != "new-value" {
		t.Errorf("expected rotated value, got %q", got)
	}
}

func TestRotateSecretMissing(t *testing.T) {
	vault, _ := newTestVault(t)

	_, err := vault.RotateSecret("missing", []byte("v"), "admin")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteSecret(t *testing.T) {
	vault, _ := newTestVault(t)

	if _, err := vault.StoreSecret("temp", []byte("v"), nil); err != nil {
		t.Fatalf("StoreSecret failed: %v", err)
	}
	if err := vault.DeleteSecret("temp", "admin"); err != nil {
		t.Fatalf("DeleteSecret failed: %v", err)
	}

	exists, err := vault.SecretExists("temp")
	if err != nil {
		t.Fatalf("SecretExists failed: %v", err)
	}
	if exists {
		t.Error("secret still exists after delete")
	}
}

func TestCheckRotationNeeded(t *testing.T) {
	vault, clock := newTestVault(t)

	_, err := vault.StoreSecret("rotates", []byte("v"), &SecretMetadata{
		RotationPolicy: RotationPolicy{Enabled: true, IntervalDays: 30},
	})
	if err != nil {
		t.Fatalf("StoreSecret failed: %v", err)
	}
	if _, err = vault.StoreSecret("static", []byte("v"), nil); err != nil {
		t.Fatalf("StoreSecret failed: %v", err)
	}

	due, err := vault.CheckRotationNeeded()
	if err != nil {
		t.Fatalf("CheckRotationNeeded failed: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("expected nothing due yet, got %d", len(due))
	}

	clock.Advance(31 * 24 * time.Hour)
	due, err = vault.CheckRotationNeeded()
	if err != nil {
		t.Fatalf("CheckRotationNeeded failed: %v", err)
	}
	if len(due) != 1 || due[0].Name != "rotates" {
		t.Errorf("expected [rotates] due, got %v", due)
	}
}

func TestVaultClosedOperationsFail(t *testing.T) {
	vault, _ := newTestVault(t)
	if err := vault.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	_, err := vault.StoreSecret("x", []byte("v"), nil)
	if !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestSaltPersistsAcrossReopen(t *testing.T) {
	basePath := t.TempDir()
	clock := newFakeClock()

	store1, err := persist.NewFileSystemStore(basePath)
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	v1, err := NewVault(testOptions(), store1, nil, nil, clock)
	if err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	if _, err = v1.StoreSecret("persisted", []byte("value"), nil); err != nil {
		t.Fatalf("StoreSecret failed: %v", err)
	}
	if err = v1.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	store2, err := persist.NewFileSystemStore(basePath)
	if err != nil {
		t.Fatalf("failed to rebuild store: %v", err)
	}
	v2, err := NewVault(testOptions(), store2, nil, nil, clock)
	if err != nil {
		t.Fatalf("second open failed: %v", err)
	}
	defer v2.Close()

	got, _, err := v2.GetSecret("persisted", "admin")
	if err != nil {
		t.Fatalf("GetSecret after reopen failed: %v", err)
	}
	if string(got) != "value" {
		t.Errorf("expected original value after reopen, got %q", got)
	}
}
