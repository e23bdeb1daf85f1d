package keyforge

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"southwinds.dev/keyforge/audit"
	"southwinds.dev/keyforge/internal/crypto"
)

// ScheduleStatus is the lifecycle state of a rotation schedule.
type ScheduleStatus string

const (
	ScheduleStatusScheduled  ScheduleStatus = "scheduled"
	ScheduleStatusInProgress ScheduleStatus = "in_progress"
	ScheduleStatusCompleted  ScheduleStatus = "completed"
	ScheduleStatusFailed     ScheduleStatus = "failed"
	ScheduleStatusCancelled  ScheduleStatus = "cancelled"
)

// RotationSchedule tracks one secret's interval-based rotation plan.
type RotationSchedule struct {
	ID           string         `json:"id"`
	SecretName   string         `json:"secret_name"`
	Policy       RotationPolicy `json:"policy"`
	NextRotation time.Time      `json:"next_rotation"`
	LastRotation *time.Time     `json:"last_rotation,omitempty"`
	Status       ScheduleStatus `json:"status"`
	CreatedBy    string         `json:"created_by"`
	Created      time.Time      `json:"created"`
}

func copySchedule(s *RotationSchedule) *RotationSchedule {
	if s == nil {
		return nil
	}
	c := *s
	c.Policy.NotificationDays = append([]int(nil), s.Policy.NotificationDays...)
	if s.LastRotation != nil {
		t := *s.LastRotation
		c.LastRotation = &t
	}
	return &c
}

// ValueFunc produces the replacement value for an automatic secret rotation.
type ValueFunc func(secretName string) ([]byte, error)

func randomValueFunc(string) ([]byte, error) {
	return crypto.RandomBytes(32)
}

// RotationManager implements the simple rotation tier: fixed intervals,
// advance notifications and sequential automatic processing. Interval and
// policy-driven scheduling with risk scoring lives in RotationScheduler.
type RotationManager struct {
	vault  *Vault
	access *AccessControl
	keys   *KeyManager
	audit  audit.Logger
	events *EventBus
	clock  Clock

	valueFunc ValueFunc

	mu        sync.RWMutex
	schedules map[string]*RotationSchedule
}

func NewRotationManager(vault *Vault, access *AccessControl, auditLogger audit.Logger, events *EventBus, clock Clock) *RotationManager {
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}
	if events == nil {
		events = NewEventBus(0)
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &RotationManager{
		vault:     vault,
		access:    access,
		audit:     auditLogger,
		events:    events,
		clock:     clock,
		valueFunc: randomValueFunc,
		schedules: make(map[string]*RotationSchedule),
	}
}

// SetValueFunc replaces the generator used to mint replacement values during
// automatic rotation.
func (rm *RotationManager) SetValueFunc(fn ValueFunc) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if fn != nil {
		rm.valueFunc = fn
	}
}

// ScheduleRotation registers an interval schedule for a secret. Requires
// write on the rotation resource.
func (rm *RotationManager) ScheduleRotation(secretName string, policy RotationPolicy, userID string) (*RotationSchedule, error) {
	decision := rm.access.CheckPermission(userID, ResourceRotation, ActionWrite, nil)
	if !decision.Granted {
		return nil, denyError(userID, ResourceRotation, ActionWrite, decision)
	}
	if policy.IntervalDays <= 0 {
		return nil, &ConfigError{Field: "interval_days", Message: "rotation interval must be positive"}
	}

	exists, err := rm.vault.SecretExists(secretName)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("secret %s: %w", secretName, ErrNotFound)
	}

	now := rm.clock.Now()
	schedule := &RotationSchedule{
		ID:           fmt.Sprintf("sched_%s", randomHex(8)),
		SecretName:   secretName,
		Policy:       policy,
		NextRotation: now.AddDate(0, 0, policy.IntervalDays),
		Status:       ScheduleStatusScheduled,
		CreatedBy:    userID,
		Created:      now,
	}

	rm.mu.Lock()
	rm.schedules[schedule.ID] = schedule
	rm.mu.Unlock()

	_ = rm.audit.Log("rotation_schedule", true, map[string]interface{}{
		"schedule_id": schedule.ID,
		"secret_id":   secretName,
		"user_id":     userID,
	})
	rm.events.Publish(Event{Type: EventRotationScheduled, SecretID: secretName, ScheduleID: schedule.ID})
	return copySchedule(schedule), nil
}

// CancelSchedule marks a schedule cancelled. Requires write on rotation.
func (rm *RotationManager) CancelSchedule(scheduleID, userID string) error {
	decision := rm.access.CheckPermission(userID, ResourceRotation, ActionWrite, nil)
	if !decision.Granted {
		return denyError(userID, ResourceRotation, ActionWrite, decision)
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	schedule, ok := rm.schedules[scheduleID]
	if !ok {
		return fmt.Errorf("schedule %s: %w", scheduleID, ErrNotFound)
	}
	schedule.Status = ScheduleStatusCancelled

	_ = rm.audit.Log("rotation_cancel", true, map[string]interface{}{
		"schedule_id": scheduleID, "user_id": userID,
	})
	return nil
}

// GetSchedule returns a copy of the named schedule.
func (rm *RotationManager) GetSchedule(scheduleID string) (*RotationSchedule, error) {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	schedule, ok := rm.schedules[scheduleID]
	if !ok {
		return nil, fmt.Errorf("schedule %s: %w", scheduleID, ErrNotFound)
	}
	return copySchedule(schedule), nil
}

// ListSchedules returns all schedules ordered by next rotation time.
func (rm *RotationManager) ListSchedules() []*RotationSchedule {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	out := make([]*RotationSchedule, 0, len(rm.schedules))
	for _, s := range rm.schedules {
		out = append(out, copySchedule(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRotation.Before(out[j].NextRotation) })
	return out
}

// RotateSecret rotates a secret to a caller-supplied value and advances its
// schedule. Requires rotate on the secret resource.
func (rm *RotationManager) RotateSecret(secretName string, newValue []byte, userID string) error {
	decision := rm.access.CheckPermission(userID, ResourceSecret, ActionRotate, nil)
	if !decision.Granted {
		return denyError(userID, ResourceSecret, ActionRotate, decision)
	}

	if _, err := rm.vault.RotateSecret(secretName, newValue, "admin"); err != nil {
		_ = rm.audit.Log("rotation_execute", false, map[string]interface{}{
			"secret_id": secretName, "user_id": userID, "error": err.Error(),
		})
		return err
	}

	rm.advanceSchedules(secretName)
	_ = rm.audit.Log("rotation_execute", true, map[string]interface{}{
		"secret_id": secretName, "user_id": userID,
	})
	rm.events.Publish(Event{Type: EventRotationCompleted, SecretID: secretName})
	return nil
}

// advanceSchedules resets every active schedule for the secret to its next
// interval.
func (rm *RotationManager) advanceSchedules(secretName string) {
	now := rm.clock.Now()
	rm.mu.Lock()
	defer rm.mu.Unlock()
	for _, s := range rm.schedules {
		if s.SecretName != secretName || s.Status == ScheduleStatusCancelled {
			continue
		}
		t := now
		s.LastRotation = &t
		s.NextRotation = now.AddDate(0, 0, s.Policy.IntervalDays)
		s.Status = ScheduleStatusScheduled
	}
}

// CheckRotationNeeded returns the schedules whose next rotation time has
// arrived.
func (rm *RotationManager) CheckRotationNeeded() []*RotationSchedule {
	now := rm.clock.Now()
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	var due []*RotationSchedule
	for _, s := range rm.schedules {
		if s.Status == ScheduleStatusCancelled || s.Status == ScheduleStatusInProgress {
			continue
		}
		if !s.NextRotation.After(now) {
			due = append(due, copySchedule(s))
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRotation.Before(due[j].NextRotation) })
	return due
}

// ScheduleResult reports one schedule's outcome from an automatic pass.
type ScheduleResult struct {
	ScheduleID string `json:"schedule_id"`
	SecretName string `json:"secret_name"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

// ProcessAutomaticRotations rotates every due auto-rotate schedule
// sequentially. Each schedule reports its own result; one failure never
// stops the pass, and a schedule already advanced earlier in the pass is not
// rotated twice.
func (rm *RotationManager) ProcessAutomaticRotations(userID string) []ScheduleResult {
	due := rm.CheckRotationNeeded()
	now := rm.clock.Now()

	var results []ScheduleResult
	for _, schedule := range due {
		if !schedule.Policy.AutoRotate || !schedule.Policy.Enabled {
			continue
		}

		rm.mu.Lock()
		live, ok := rm.schedules[schedule.ID]
		if !ok || live.Status == ScheduleStatusCancelled || live.NextRotation.After(now) {
			rm.mu.Unlock()
			continue
		}
		live.Status = ScheduleStatusInProgress
		rm.mu.Unlock()

		result := ScheduleResult{ScheduleID: schedule.ID, SecretName: schedule.SecretName}
		err := rm.rotateForSchedule(schedule, userID)
		if err != nil {
			result.Error = err.Error()
			rm.setStatus(schedule.ID, ScheduleStatusFailed)
			_ = rm.audit.Log("rotation_auto", false, map[string]interface{}{
				"schedule_id": schedule.ID, "secret_id": schedule.SecretName, "error": err.Error(),
			})
			rm.events.Publish(Event{Type: EventRotationFailed, SecretID: schedule.SecretName, ScheduleID: schedule.ID})
		} else {
			result.Success = true
			rm.advanceSchedules(schedule.SecretName)
			_ = rm.audit.Log("rotation_auto", true, map[string]interface{}{
				"schedule_id": schedule.ID, "secret_id": schedule.SecretName,
			})
			rm.events.Publish(Event{Type: EventRotationCompleted, SecretID: schedule.SecretName, ScheduleID: schedule.ID})
		}
		results = append(results, result)
	}
	return results
}

// rotateForSchedule rotates one secret. Key envelopes go through the key
// manager so material regenerates against the original spec; plain secrets
// take a value from the configured generator.
func (rm *RotationManager) rotateForSchedule(schedule *RotationSchedule, userID string) error {
	if strings.HasPrefix(schedule.SecretName, keyIDPrefix) && rm.keys != nil {
		result := rm.keys.RotateKey(schedule.SecretName, userID)
		if !result.Success {
			return fmt.Errorf("key rotation failed: %s", result.Error)
		}
		return nil
	}

	newValue, err := rm.valueFunc(schedule.SecretName)
	if err != nil {
		return fmt.Errorf("failed to generate replacement value: %w", err)
	}
	_, err = rm.vault.RotateSecret(schedule.SecretName, newValue, "admin")
	return err
}

func (rm *RotationManager) setStatus(scheduleID string, status ScheduleStatus) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	if s, ok := rm.schedules[scheduleID]; ok {
		s.Status = status
	}
}

// SendNotifications publishes upcoming, due and overdue rotation events for
// every active schedule inside its notification window.
func (rm *RotationManager) SendNotifications() {
	now := rm.clock.Now()
	rm.mu.RLock()
	schedules := make([]*RotationSchedule, 0, len(rm.schedules))
	for _, s := range rm.schedules {
		if s.Status != ScheduleStatusCancelled {
			schedules = append(schedules, copySchedule(s))
		}
	}
	rm.mu.RUnlock()

	for _, s := range schedules {
		until := s.NextRotation.Sub(now)

		var kinds []EventType
		switch {
		case until < -24*time.Hour:
			kinds = append(kinds, EventRotationOverdue)
		case until <= 0:
			kinds = append(kinds, EventRotationDue)
		default:
			// One upcoming notice per configured day offset whose window
			// covers the current distance to the rotation.
			for _, offset := range s.Policy.NotificationDays {
				window := time.Duration(offset) * 24 * time.Hour
				if until <= window && until > window-24*time.Hour {
					kinds = append(kinds, EventRotationUpcoming)
				}
			}
		}

		for _, eventType := range kinds {
			_ = rm.audit.Log("rotation_notify", true, map[string]interface{}{
				"schedule_id": s.ID,
				"secret_id":   s.SecretName,
				"kind":        string(eventType),
			})
			rm.events.Publish(Event{Type: eventType, SecretID: s.SecretName, ScheduleID: s.ID,
				Fields: map[string]interface{}{"next_rotation": s.NextRotation}})
		}
	}
}
