package keyforge

import (
	"fmt"
	"time"

	"southwinds.dev/keyforge/internal/mem"
)

// HealthStatus is the aggregate state of the platform.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
)

// CheckStatus is the state of one component check.
type CheckStatus string

const (
	CheckPass    CheckStatus = "pass"
	CheckWarning CheckStatus = "warning"
	CheckFail    CheckStatus = "fail"
)

// CheckResult is one component's health check outcome.
type CheckResult struct {
	Status  CheckStatus `json:"status"`
	Message string      `json:"message,omitempty"`
}

// HealthReport aggregates component checks; the overall status is the worst
// of all checks.
type HealthReport struct {
	Status    HealthStatus           `json:"status"`
	Checks    map[string]CheckResult `json:"checks"`
	CheckedAt time.Time              `json:"checked_at"`
}

// HealthCheck probes every component and aggregates worst-of.
func (p *Platform) HealthCheck() *HealthReport {
	checks := make(map[string]CheckResult)

	if err := p.Store.Ping(); err != nil {
		checks["store"] = CheckResult{Status: CheckFail, Message: err.Error()}
	} else {
		checks["store"] = CheckResult{Status: CheckPass, Message: fmt.Sprintf("%s store reachable", p.Store.GetType())}
	}

	if p.Vault.isClosed() {
		checks["vault"] = CheckResult{Status: CheckFail, Message: "vault is closed"}
	} else {
		checks["vault"] = CheckResult{Status: CheckPass}
	}

	if dropped := p.Events.Dropped(); dropped > 0 {
		checks["events"] = CheckResult{Status: CheckWarning,
			Message: fmt.Sprintf("%d events dropped, consumer falling behind", dropped)}
	} else {
		checks["events"] = CheckResult{Status: CheckPass}
	}

	stats := p.Storage.ContainerStats()
	if diverged := p.Storage.VerifyMirror(); len(diverged) > 0 {
		checks["storage"] = CheckResult{Status: CheckWarning,
			Message: fmt.Sprintf("backup mirror out of sync for %d of %d keys",
				len(diverged), stats[primaryContainer])}
	} else {
		checks["storage"] = CheckResult{Status: CheckPass,
			Message: fmt.Sprintf("%d keys stored", stats[primaryContainer])}
	}

	if p.Options.EnableMemoryLock && p.memLevel != mem.ProtectionFull {
		checks["memory"] = CheckResult{Status: CheckWarning,
			Message: fmt.Sprintf("memory lock requested but protection is %s", p.memLevel)}
	} else {
		checks["memory"] = CheckResult{Status: CheckPass, Message: p.memLevel.String()}
	}

	status := HealthHealthy
	for _, check := range checks {
		switch check.Status {
		case CheckFail:
			status = HealthCritical
		case CheckWarning:
			if status == HealthHealthy {
				status = HealthWarning
			}
		}
	}

	return &HealthReport{Status: status, Checks: checks, CheckedAt: p.clock.Now()}
}
