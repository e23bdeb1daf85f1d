package keyforge

import (
	"fmt"

	"southwinds.dev/keyforge/audit"
	"southwinds.dev/keyforge/internal/mem"
	"southwinds.dev/keyforge/persist"
)

// schedulerIdentity is the service identity the rotation scheduler acts
// under. The platform grants it explicitly at construction so every bypass
// it performs traces back to an audited grant.
const schedulerIdentity = "rotation-scheduler"

// Platform wires every component of the key management system together: one
// explicit context object passed by reference, no hidden process-wide state.
type Platform struct {
	Options   Options
	Store     persist.Store
	Audit     audit.Logger
	Events    *EventBus
	Access    *AccessControl
	Vault     *Vault
	Keys      *KeyManager
	Rotation  *RotationManager
	Scheduler *RotationScheduler
	Storage   *SecureKeyStore

	clock    Clock
	memLevel mem.ProtectionLevel
	ownAudit bool
	closed   bool
}

// NewPlatform validates options and constructs the full component graph on
// top of the given store. A nil auditLogger makes the platform construct one
// from Options.Audit, or a no-op logger when that is absent too.
func NewPlatform(options Options, store persist.Store, auditLogger audit.Logger) (*Platform, error) {
	return NewPlatformWithClock(options, store, auditLogger, SystemClock())
}

// NewPlatformWithClock is NewPlatform with an injectable clock for
// deterministic tests.
func NewPlatformWithClock(options Options, store persist.Store, auditLogger audit.Logger, clock Clock) (*Platform, error) {
	if err := options.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, &ConfigError{Field: "store", Message: "a persistence store is required"}
	}
	if clock == nil {
		clock = SystemClock()
	}

	p := &Platform{Options: options, Store: store, clock: clock}

	if auditLogger == nil {
		if options.Audit != nil {
			logger, err := audit.NewLogger(options.Audit)
			if err != nil {
				return nil, fmt.Errorf("failed to construct audit logger: %w", err)
			}
			auditLogger = logger
			p.ownAudit = true
		} else {
			auditLogger = audit.NewNoOpLogger()
		}
	}
	p.Audit = auditLogger

	if options.EnableMemoryLock {
		level, err := mem.Lock()
		if err != nil {
			_ = auditLogger.LogSeverity(audit.SeverityWarning, "memory_lock", false, map[string]interface{}{
				"error": err.Error(),
			})
		}
		p.memLevel = level
	}

	bufferSize := options.EventBufferSize
	if bufferSize <= 0 {
		bufferSize = 256
	}
	p.Events = NewEventBus(bufferSize)

	p.Access = NewAccessControl(auditLogger, clock)

	vault, err := NewVault(options, store, auditLogger, p.Events, clock)
	if err != nil {
		p.Events.Close()
		return nil, err
	}
	p.Vault = vault

	p.Rotation = NewRotationManager(vault, p.Access, auditLogger, p.Events, clock)
	p.Keys = NewKeyManager(vault, p.Access, p.Rotation, auditLogger, p.Events, clock)

	storage, err := NewSecureKeyStore(options.environments(), auditLogger, p.Events, clock)
	if err != nil {
		p.Events.Close()
		_ = vault.Close()
		return nil, err
	}
	p.Storage = storage

	p.Scheduler = NewRotationScheduler(p.Keys, auditLogger, p.Events, clock, schedulerIdentity)
	p.Access.GrantServiceIdentity(schedulerIdentity, "platform")
	p.Storage.GrantServiceIdentity(schedulerIdentity, "platform")

	_ = auditLogger.Log("platform_start", true, map[string]interface{}{
		"environment":       options.Environment,
		"memory_protection": p.memLevel.String(),
	})
	return p, nil
}

// MemoryProtection reports the level achieved at startup.
func (p *Platform) MemoryProtection() mem.ProtectionLevel {
	return p.memLevel
}

// StartScheduler launches the hourly rotation loop.
func (p *Platform) StartScheduler() error {
	return p.Scheduler.Start()
}

// Close shuts components down in dependency order: the scheduling loop
// first so no rotation lands on a closing vault.
func (p *Platform) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true

	p.Scheduler.Stop()
	p.Storage.Close()

	var errs []error
	if err := p.Vault.Close(); err != nil {
		errs = append(errs, err)
	}
	p.Events.Close()

	_ = p.Audit.Log("platform_stop", true, nil)
	if p.ownAudit {
		if err := p.Audit.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if p.Options.EnableMemoryLock {
		if err := mem.Unlock(); err != nil {
			errs = append(errs, err)
		}
	}
	return combineErrs(errs)
}
