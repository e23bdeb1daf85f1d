package keyforge

import (
	"container/heap"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"southwinds.dev/keyforge/audit"
	"southwinds.dev/keyforge/internal/crypto"
)

// PolicyType selects how an advanced schedule decides a key is due.
type PolicyType string

const (
	PolicyTimeBased       PolicyType = "time_based"
	PolicyUsageBased      PolicyType = "usage_based"
	PolicyRiskBased       PolicyType = "risk_based"
	PolicyComplianceBased PolicyType = "compliance_based"
)

// AdvancedScheduleStatus is the lifecycle state of an advanced schedule.
type AdvancedScheduleStatus string

const (
	AdvancedStatusActive    AdvancedScheduleStatus = "active"
	AdvancedStatusPaused    AdvancedScheduleStatus = "paused"
	AdvancedStatusCompleted AdvancedScheduleStatus = "completed"
)

// SchedulePolicy parameterizes an advanced schedule. Only the fields for its
// type are consulted.
type SchedulePolicy struct {
	Type                  PolicyType `json:"type"`
	IntervalDays          int        `json:"interval_days,omitempty"`
	MaxUsageCount         int64      `json:"max_usage_count,omitempty"`
	RiskThreshold         int        `json:"risk_threshold,omitempty"`
	ComplianceRequirement string     `json:"compliance_requirement,omitempty"`
	GracePeriodDays       int        `json:"grace_period_days"`
	NotificationDays      []int      `json:"notification_days,omitempty"`
	AutoRotate            bool       `json:"auto_rotate"`
	RequireApproval       bool       `json:"require_approval"`
	MaxRotations          int        `json:"max_rotations,omitempty"`
}

// complianceIntervals maps regime names to their mandated rotation interval.
var complianceIntervals = map[string]int{
	"pci-dss": 365,
	"sox":     90,
}

// AdvancedSchedule matches key ids by regex and rotates them per its policy.
type AdvancedSchedule struct {
	ID            string                 `json:"id"`
	KeyPattern    string                 `json:"key_pattern"`
	Policy        SchedulePolicy         `json:"policy"`
	NextRotation  time.Time              `json:"next_rotation"`
	RotationCount int                    `json:"rotation_count"`
	Status        AdvancedScheduleStatus `json:"status"`
	Created       time.Time              `json:"created"`

	pattern *regexp.Regexp
}

func copyAdvancedSchedule(s *AdvancedSchedule) *AdvancedSchedule {
	c := *s
	c.Policy.NotificationDays = append([]int(nil), s.Policy.NotificationDays...)
	return &c
}

// RotationHistoryEntry records one rotation attempt.
type RotationHistoryEntry struct {
	ScheduleID string    `json:"schedule_id"`
	KeyID      string    `json:"key_id"`
	NewKeyID   string    `json:"new_key_id,omitempty"`
	Time       time.Time `json:"time"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
}

// ApprovalFunc decides whether a pending rotation may proceed. The default
// approves everything.
type ApprovalFunc func(schedule *AdvancedSchedule, keyID string) bool

func autoApprove(*AdvancedSchedule, string) bool { return true }

const maxHistoryEntries = 10000

// graceKey holds a superseded key that remains retrievable until its grace
// period ends.
type graceKey struct {
	key   *GeneratedKey
	until time.Time
}

// scheduler queue entries, ordered by due time.
type queueEntry struct {
	scheduleID string
	at         time.Time
}

type scheduleQueue []queueEntry

func (q scheduleQueue) Len() int           { return len(q) }
func (q scheduleQueue) Less(i, j int) bool { return q[i].at.Before(q[j].at) }
func (q scheduleQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }

func (q *scheduleQueue) Push(x interface{}) { *q = append(*q, x.(queueEntry)) }
func (q *scheduleQueue) Pop() interface{} {
	old := *q
	n := len(old)
	entry := old[n-1]
	*q = old[:n-1]
	return entry
}

// RotationScheduler is the advanced rotation tier. One driving loop, run
// hourly by cron, evaluates every active schedule from a priority queue
// keyed on next-due-time. There are no per-schedule timers; pausing a
// schedule simply makes its queue entries stale.
type RotationScheduler struct {
	keys     *KeyManager
	audit    audit.Logger
	events   *EventBus
	clock    Clock
	identity string

	approve ApprovalFunc

	mu           sync.Mutex
	schedules    map[string]*AdvancedSchedule
	queue        scheduleQueue
	usageCounts  map[string]int64
	compliant    map[string]bool
	graceKeys    map[string]graceKey
	history      []RotationHistoryEntry
	sentNotices  map[string]map[int]bool
	cron         *cron.Cron
	cronEntry    cron.EntryID
	running      bool
}

// NewRotationScheduler builds the advanced tier. identity is the service
// identity the scheduler acts under; the caller must grant it on the access
// control manager before starting the loop.
func NewRotationScheduler(keys *KeyManager, auditLogger audit.Logger, events *EventBus, clock Clock, identity string) *RotationScheduler {
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}
	if events == nil {
		events = NewEventBus(0)
	}
	if clock == nil {
		clock = SystemClock()
	}
	if identity == "" {
		identity = "rotation-scheduler"
	}
	return &RotationScheduler{
		keys:        keys,
		audit:       auditLogger,
		events:      events,
		clock:       clock,
		identity:    identity,
		approve:     autoApprove,
		schedules:   make(map[string]*AdvancedSchedule),
		queue:       scheduleQueue{},
		usageCounts: make(map[string]int64),
		compliant:   make(map[string]bool),
		graceKeys:   make(map[string]graceKey),
		sentNotices: make(map[string]map[int]bool),
	}
}

// SetApprovalFunc installs the approval hook consulted when a policy sets
// requireApproval.
func (s *RotationScheduler) SetApprovalFunc(fn ApprovalFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn != nil {
		s.approve = fn
	}
}

// Start launches the hourly driving loop.
func (s *RotationScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.cron = cron.New()
	entry, err := s.cron.AddFunc("@hourly", s.Tick)
	if err != nil {
		return fmt.Errorf("failed to register scheduler loop: %w", err)
	}
	s.cronEntry = entry
	s.cron.Start()
	s.running = true
	return nil
}

// Stop halts the loop and clears the registered cron entry so nothing
// dangles past shutdown.
func (s *RotationScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.cron.Remove(s.cronEntry)
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.cron = nil
	s.running = false
}

// AddSchedule registers an advanced schedule. The key pattern must compile.
func (s *RotationScheduler) AddSchedule(keyPattern string, policy SchedulePolicy) (*AdvancedSchedule, error) {
	pattern, err := regexp.Compile(keyPattern)
	if err != nil {
		return nil, &ConfigError{Field: "key_pattern", Message: fmt.Sprintf("invalid pattern: %v", err)}
	}
	if err = validatePolicy(policy); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	schedule := &AdvancedSchedule{
		ID:           fmt.Sprintf("asched_%s", randomHex(8)),
		KeyPattern:   keyPattern,
		Policy:       policy,
		NextRotation: s.initialDue(policy, now),
		Status:       AdvancedStatusActive,
		Created:      now,
		pattern:      pattern,
	}

	s.mu.Lock()
	s.schedules[schedule.ID] = schedule
	heap.Push(&s.queue, queueEntry{scheduleID: schedule.ID, at: schedule.NextRotation})
	s.mu.Unlock()

	_ = s.audit.Log("scheduler_add", true, map[string]interface{}{
		"schedule_id": schedule.ID,
		"pattern":     keyPattern,
		"policy_type": string(policy.Type),
	})
	return copyAdvancedSchedule(schedule), nil
}

func validatePolicy(policy SchedulePolicy) error {
	switch policy.Type {
	case PolicyTimeBased:
		if policy.IntervalDays <= 0 {
			return &ConfigError{Field: "interval_days", Message: "time_based policy requires a positive interval"}
		}
	case PolicyUsageBased:
		if policy.MaxUsageCount <= 0 {
			return &ConfigError{Field: "max_usage_count", Message: "usage_based policy requires a positive usage limit"}
		}
	case PolicyRiskBased:
		if policy.RiskThreshold <= 0 {
			return &ConfigError{Field: "risk_threshold", Message: "risk_based policy requires a positive threshold"}
		}
	case PolicyComplianceBased:
		if _, ok := complianceIntervals[policy.ComplianceRequirement]; !ok {
			return &ConfigError{Field: "compliance_requirement",
				Message: fmt.Sprintf("unknown compliance regime %q", policy.ComplianceRequirement)}
		}
	default:
		return &ConfigError{Field: "type", Message: fmt.Sprintf("unknown policy type %q", policy.Type)}
	}
	return nil
}

// initialDue picks the first evaluation time. Usage and risk policies cannot
// be predicted ahead, so they are re-evaluated every tick.
func (s *RotationScheduler) initialDue(policy SchedulePolicy, now time.Time) time.Time {
	switch policy.Type {
	case PolicyTimeBased:
		return now.AddDate(0, 0, policy.IntervalDays)
	case PolicyComplianceBased:
		return now.AddDate(0, 0, complianceIntervals[policy.ComplianceRequirement])
	default:
		return now
	}
}

// PauseSchedule stops a schedule from being evaluated; its queue entries go
// stale and are skipped.
func (s *RotationScheduler) PauseSchedule(scheduleID string) error {
	return s.setScheduleStatus(scheduleID, AdvancedStatusPaused)
}

// ResumeSchedule reactivates a paused schedule.
func (s *RotationScheduler) ResumeSchedule(scheduleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	schedule, ok := s.schedules[scheduleID]
	if !ok {
		return fmt.Errorf("schedule %s: %w", scheduleID, ErrNotFound)
	}
	if schedule.Status == AdvancedStatusCompleted {
		return fmt.Errorf("schedule %s already completed", scheduleID)
	}
	schedule.Status = AdvancedStatusActive
	heap.Push(&s.queue, queueEntry{scheduleID: schedule.ID, at: schedule.NextRotation})
	return nil
}

func (s *RotationScheduler) setScheduleStatus(scheduleID string, status AdvancedScheduleStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	schedule, ok := s.schedules[scheduleID]
	if !ok {
		return fmt.Errorf("schedule %s: %w", scheduleID, ErrNotFound)
	}
	schedule.Status = status
	return nil
}

// GetSchedule returns a copy of one schedule.
func (s *RotationScheduler) GetSchedule(scheduleID string) (*AdvancedSchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	schedule, ok := s.schedules[scheduleID]
	if !ok {
		return nil, fmt.Errorf("schedule %s: %w", scheduleID, ErrNotFound)
	}
	return copyAdvancedSchedule(schedule), nil
}

// ListSchedules returns every schedule ordered by next rotation.
func (s *RotationScheduler) ListSchedules() []*AdvancedSchedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*AdvancedSchedule, 0, len(s.schedules))
	for _, schedule := range s.schedules {
		out = append(out, copyAdvancedSchedule(schedule))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRotation.Before(out[j].NextRotation) })
	return out
}

// RecordUsage bumps the usage counter consulted by usage and risk policies.
func (s *RotationScheduler) RecordUsage(keyID string) {
	s.mu.Lock()
	s.usageCounts[keyID]++
	s.mu.Unlock()
}

// SetCompliance flags a key as satisfying its compliance regime. Unflagged
// keys carry the missing-compliance risk penalty.
func (s *RotationScheduler) SetCompliance(keyID string, compliant bool) {
	s.mu.Lock()
	s.compliant[keyID] = compliant
	s.mu.Unlock()
}

// History returns a copy of the bounded rotation history, newest last.
func (s *RotationScheduler) History() []RotationHistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RotationHistoryEntry(nil), s.history...)
}

// GetGraceKey returns a superseded key while its grace period lasts, and
// ErrNotFound once it has been purged.
func (s *RotationScheduler) GetGraceKey(oldKeyID string) (*GeneratedKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.graceKeys[oldKeyID]
	if !ok || s.clock.Now().After(entry.until) {
		return nil, fmt.Errorf("grace key %s: %w", oldKeyID, ErrNotFound)
	}
	// Copy so the purge wipe never zeroes material out from under a caller.
	return copyGeneratedKey(entry.key), nil
}

// AssessKeyRisk scores a single key using the scheduler's tracked usage and
// compliance state.
func (s *RotationScheduler) AssessKeyRisk(keyName string) (*RiskAssessment, error) {
	key, err := s.keys.GetKey(keyName, s.identity)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	input := RiskInput{
		Created:    key.Created,
		UsageCount: s.usageCounts[keyName],
		Algorithm:  key.Spec.Algorithm,
		Compliant:  s.compliant[keyName],
	}
	s.mu.Unlock()
	return ScoreKeyRisk(keyName, input, s.clock.Now()), nil
}

// Tick runs one evaluation pass. Failures inside a pass are recorded and
// never propagate out of the loop.
func (s *RotationScheduler) Tick() {
	defer func() {
		if r := recover(); r != nil {
			_ = s.audit.LogSeverity(audit.SeverityCritical, "scheduler_tick", false, map[string]interface{}{
				"error": fmt.Sprintf("tick panic: %v", r),
			})
		}
	}()

	now := s.clock.Now()
	s.purgeGraceKeys(now)

	for _, schedule := range s.popDue(now) {
		s.evaluateSchedule(schedule, now)
	}
	s.sendNotifications(now)
}

// popDue drains queue entries whose time has come, skipping stale ones, and
// returns the live schedules to evaluate.
func (s *RotationScheduler) popDue(now time.Time) []*AdvancedSchedule {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*AdvancedSchedule
	for s.queue.Len() > 0 && !s.queue[0].at.After(now) {
		entry := heap.Pop(&s.queue).(queueEntry)
		schedule, ok := s.schedules[entry.scheduleID]
		if !ok || schedule.Status != AdvancedStatusActive {
			continue
		}
		// Entries left behind by a reschedule are stale; only the entry
		// matching the schedule's current due time counts.
		if !schedule.NextRotation.Equal(entry.at) {
			continue
		}
		due = append(due, schedule)
	}
	return due
}

// evaluateSchedule flags an overdue schedule, auto-executes when the policy
// allows it, and requeues the next evaluation.
func (s *RotationScheduler) evaluateSchedule(schedule *AdvancedSchedule, now time.Time) {
	if now.Sub(schedule.NextRotation) > 24*time.Hour {
		_ = s.audit.LogSeverity(audit.SeverityWarning, "rotation_overdue", false, map[string]interface{}{
			"schedule_id": schedule.ID,
		})
		s.events.Publish(Event{Type: EventRotationOverdue, ScheduleID: schedule.ID})
	}

	if schedule.Policy.AutoRotate {
		s.ExecuteScheduledRotation(schedule.ID)
	}
	s.requeue(schedule, now)
}

// requeue computes the schedule's next evaluation time and pushes a fresh
// queue entry. Usage and risk policies re-evaluate every tick.
func (s *RotationScheduler) requeue(schedule *AdvancedSchedule, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if schedule.Status != AdvancedStatusActive {
		return
	}
	switch schedule.Policy.Type {
	case PolicyTimeBased:
		schedule.NextRotation = now.AddDate(0, 0, schedule.Policy.IntervalDays)
	case PolicyComplianceBased:
		schedule.NextRotation = now.AddDate(0, 0, complianceIntervals[schedule.Policy.ComplianceRequirement])
	default:
		schedule.NextRotation = now.Add(time.Hour)
	}
	delete(s.sentNotices, schedule.ID)
	heap.Push(&s.queue, queueEntry{scheduleID: schedule.ID, at: schedule.NextRotation})
}

// ExecuteScheduledRotation rotates every key matching the schedule's pattern
// that its policy deems due. Risk-based schedules stop after the first
// rotation per pass. Per-key failures are recorded and the batch continues.
func (s *RotationScheduler) ExecuteScheduledRotation(scheduleID string) []RotationHistoryEntry {
	s.mu.Lock()
	schedule, ok := s.schedules[scheduleID]
	if !ok || schedule.Status != AdvancedStatusActive {
		s.mu.Unlock()
		return nil
	}
	pattern := schedule.pattern
	policy := schedule.Policy
	s.mu.Unlock()

	names, err := s.keys.vault.ListSecrets()
	if err != nil {
		_ = s.audit.Log("scheduler_execute", false, map[string]interface{}{
			"schedule_id": scheduleID, "error": err.Error(),
		})
		return nil
	}

	now := s.clock.Now()
	var entries []RotationHistoryEntry
	for _, name := range names {
		if !strings.HasPrefix(name, keyIDPrefix) || !pattern.MatchString(name) {
			continue
		}

		due, err := s.keyDue(name, policy, now)
		if err != nil || !due {
			continue
		}

		if policy.RequireApproval && !s.approve(schedule, name) {
			_ = s.audit.Log("rotation_approval", false, map[string]interface{}{
				"schedule_id": scheduleID, "key_id": name, "reason": "approval withheld",
			})
			continue
		}

		entry := s.rotateScheduledKey(schedule, name, now)
		entries = append(entries, entry)
		s.recordHistory(entry)

		if !entry.Success {
			s.events.Publish(Event{Type: EventRotationFailed, KeyID: name, ScheduleID: scheduleID})
			continue
		}

		finished := s.noteRotation(schedule)
		if policy.Type == PolicyRiskBased || finished {
			break
		}
	}
	return entries
}

// keyDue applies the policy's dueness test to one key.
func (s *RotationScheduler) keyDue(name string, policy SchedulePolicy, now time.Time) (bool, error) {
	key, err := s.keys.GetKey(name, s.identity)
	if err != nil {
		// Expired keys are overdue by definition.
		if errors.Is(err, ErrExpired) {
			return true, nil
		}
		return false, err
	}

	switch policy.Type {
	case PolicyTimeBased:
		return now.Sub(key.Created) >= time.Duration(policy.IntervalDays)*24*time.Hour, nil
	case PolicyUsageBased:
		s.mu.Lock()
		count := s.usageCounts[name]
		s.mu.Unlock()
		return count >= policy.MaxUsageCount, nil
	case PolicyRiskBased:
		assessment, err := s.AssessKeyRisk(name)
		if err != nil {
			return false, err
		}
		return assessment.Score >= policy.RiskThreshold, nil
	case PolicyComplianceBased:
		interval := complianceIntervals[policy.ComplianceRequirement]
		return now.Sub(key.Created) >= time.Duration(interval)*24*time.Hour, nil
	default:
		return false, nil
	}
}

// rotateScheduledKey rotates one key and, on success, moves the superseded
// material into its grace period.
func (s *RotationScheduler) rotateScheduledKey(schedule *AdvancedSchedule, name string, now time.Time) RotationHistoryEntry {
	entry := RotationHistoryEntry{ScheduleID: schedule.ID, KeyID: name, Time: now}

	oldKey, err := s.loadKeyUnchecked(name)
	if err != nil {
		entry.Error = err.Error()
		return entry
	}

	result := s.keys.RotateKey(name, s.identity)
	if !result.Success {
		entry.Error = result.Error
		return entry
	}
	entry.NewKeyID = result.NewKeyID
	entry.Success = true

	s.mu.Lock()
	s.usageCounts[name] = 0
	if schedule.Policy.GracePeriodDays > 0 {
		s.graceKeys[oldKey.ID] = graceKey{
			key:   oldKey,
			until: now.AddDate(0, 0, schedule.Policy.GracePeriodDays),
		}
	}
	s.mu.Unlock()

	if schedule.Policy.GracePeriodDays > 0 {
		s.events.Publish(Event{Type: EventGracePeriodStarted, KeyID: oldKey.ID, ScheduleID: schedule.ID})
	}
	_ = s.audit.Log("scheduler_rotate", true, map[string]interface{}{
		"schedule_id": schedule.ID,
		"key_id":      name,
		"new_key_id":  result.NewKeyID,
	})
	return entry
}

// loadKeyUnchecked fetches a key envelope bypassing the expiry check, for
// grace-period capture of material that may already be past its TTL.
func (s *RotationScheduler) loadKeyUnchecked(name string) (*GeneratedKey, error) {
	payload, _, err := s.keys.vault.getSecretUnchecked(name)
	if err != nil {
		return nil, err
	}
	var key GeneratedKey
	if err = json.Unmarshal(payload, &key); err != nil {
		return nil, fmt.Errorf("failed to parse key envelope %s: %w", name, err)
	}
	return &key, nil
}

// noteRotation bumps the rotation counter and completes the schedule once
// maxRotations is reached. Returns true when the schedule finished.
func (s *RotationScheduler) noteRotation(schedule *AdvancedSchedule) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	schedule.RotationCount++
	if schedule.Policy.MaxRotations > 0 && schedule.RotationCount >= schedule.Policy.MaxRotations {
		schedule.Status = AdvancedStatusCompleted
		return true
	}
	return false
}

func (s *RotationScheduler) recordHistory(entry RotationHistoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, entry)
	if len(s.history) > maxHistoryEntries {
		s.history = s.history[len(s.history)-maxHistoryEntries:]
	}
}

// purgeGraceKeys wipes and drops every grace key past its deadline.
func (s *RotationScheduler) purgeGraceKeys(now time.Time) {
	s.mu.Lock()
	var ended []string
	for id, entry := range s.graceKeys {
		if now.After(entry.until) {
			crypto.SecureWipe(entry.key.SymmetricKey)
			crypto.SecureWipe(entry.key.PrivateKey)
			delete(s.graceKeys, id)
			ended = append(ended, id)
		}
	}
	s.mu.Unlock()

	for _, id := range ended {
		_ = s.audit.Log("grace_period_end", true, map[string]interface{}{"key_id": id})
		s.events.Publish(Event{Type: EventGracePeriodEnded, KeyID: id})
	}
}

// sendNotifications emits an upcoming notice at each configured day offset
// before a schedule's next rotation, once per offset per cycle.
func (s *RotationScheduler) sendNotifications(now time.Time) {
	s.mu.Lock()
	type notice struct {
		scheduleID string
		offset     int
		next       time.Time
	}
	var notices []notice
	for _, schedule := range s.schedules {
		if schedule.Status != AdvancedStatusActive {
			continue
		}
		until := schedule.NextRotation.Sub(now)
		for _, offset := range schedule.Policy.NotificationDays {
			window := time.Duration(offset) * 24 * time.Hour
			if until > window || until <= window-24*time.Hour {
				continue
			}
			sent := s.sentNotices[schedule.ID]
			if sent == nil {
				sent = make(map[int]bool)
				s.sentNotices[schedule.ID] = sent
			}
			if sent[offset] {
				continue
			}
			sent[offset] = true
			notices = append(notices, notice{schedule.ID, offset, schedule.NextRotation})
		}
	}
	s.mu.Unlock()

	for _, n := range notices {
		_ = s.audit.Log("rotation_notify", true, map[string]interface{}{
			"schedule_id": n.scheduleID,
			"days_before": n.offset,
		})
		s.events.Publish(Event{Type: EventRotationUpcoming, ScheduleID: n.scheduleID,
			Fields: map[string]interface{}{"days_before": n.offset, "next_rotation": n.next}})
	}
}
