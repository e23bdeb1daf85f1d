package keyforge

import (
	"errors"
	"testing"

	"southwinds.dev/keyforge/persist"
)

func TestNewPlatformWiresComponents(t *testing.T) {
	platform, _ := newTestPlatform(t)

	if platform.Vault == nil || platform.Keys == nil || platform.Rotation == nil ||
		platform.Scheduler == nil || platform.Storage == nil || platform.Access == nil {
		t.Fatal("platform left a component nil")
	}

	// The scheduler identity must be provisioned so automated rotation can
	// pass access checks without a human user.
	decision := platform.Access.CheckPermission(schedulerIdentity, ResourceSecret, ActionRotate, nil)
	if !decision.Granted {
		t.Errorf("scheduler identity cannot rotate: %s", decision.Reason)
	}
}

func TestNewPlatformRejectsBadOptions(t *testing.T) {
	cases := []struct {
		name    string
		options Options
	}{
		{"no passphrase", Options{Environment: "development"}},
		{"short passphrase", Options{DerivationPassphrase: "short", Environment: "development"}},
		{"no environment", Options{DerivationPassphrase: testPassphrase}},
		{"negative grace", Options{DerivationPassphrase: testPassphrase, Environment: "development", GracePeriodDays: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewPlatform(tc.options, persist.NewMemoryStore(), nil)
			var cfgErr *ConfigError
			if !errors.As(err, &cfgErr) {
				t.Errorf("expected ConfigError, got %v", err)
			}
		})
	}
}

func TestNewPlatformRequiresStore(t *testing.T) {
	_, err := NewPlatform(testOptions(), nil, nil)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Errorf("expected ConfigError for nil store, got %v", err)
	}
}

func TestPlatformCloseIsIdempotent(t *testing.T) {
	platform, err := NewPlatform(testOptions(), persist.NewMemoryStore(), nil)
	if err != nil {
		t.Fatalf("failed to build platform: %v", err)
	}
	if err := platform.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := platform.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
}

func TestHealthCheckHealthyPlatform(t *testing.T) {
	platform, _ := newTestPlatform(t)

	report := platform.HealthCheck()
	if report.Status != HealthHealthy {
		t.Fatalf("fresh platform reports %s, want healthy: %+v", report.Status, report.Checks)
	}
	for _, name := range []string{"store", "vault", "events", "storage", "memory"} {
		if _, ok := report.Checks[name]; !ok {
			t.Errorf("missing %s check", name)
		}
	}
}

func TestHealthCheckClosedVaultIsCritical(t *testing.T) {
	platform, err := NewPlatformWithClock(testOptions(), persist.NewMemoryStore(), nil, newFakeClock())
	if err != nil {
		t.Fatalf("failed to build platform: %v", err)
	}
	defer platform.Close()

	if err := platform.Vault.Close(); err != nil {
		t.Fatalf("vault close failed: %v", err)
	}

	report := platform.HealthCheck()
	if report.Status != HealthCritical {
		t.Errorf("closed vault reports %s, want critical", report.Status)
	}
	if report.Checks["vault"].Status != CheckFail {
		t.Errorf("vault check is %s, want fail", report.Checks["vault"].Status)
	}
}

func TestHealthCheckDroppedEventsWarn(t *testing.T) {
	options := testOptions()
	options.EventBufferSize = 1
	platform, err := NewPlatformWithClock(options, persist.NewMemoryStore(), nil, newFakeClock())
	if err != nil {
		t.Fatalf("failed to build platform: %v", err)
	}
	defer platform.Close()

	platform.Events.Publish(Event{Type: EventSecretStored})
	platform.Events.Publish(Event{Type: EventSecretStored})

	report := platform.HealthCheck()
	if report.Status != HealthWarning {
		t.Errorf("dropped events report %s, want warning", report.Status)
	}
	if report.Checks["events"].Status != CheckWarning {
		t.Errorf("events check is %s, want warning", report.Checks["events"].Status)
	}
}
