package keyforge

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"southwinds.dev/keyforge/audit"
)

// Resource identifies the class of object an action targets.
type Resource string

const (
	ResourceSecret   Resource = "secret"
	ResourceVault    Resource = "vault"
	ResourceAudit    Resource = "audit"
	ResourceRotation Resource = "rotation"
)

// Action identifies an operation on a resource.
type Action string

const (
	ActionRead   Action = "read"
	ActionWrite  Action = "write"
	ActionDelete Action = "delete"
	ActionRotate Action = "rotate"
	ActionList   Action = "list"
	ActionCreate Action = "create"
)

// ConditionOperator names the predicate applied by a Condition.
type ConditionOperator string

const (
	OpEquals  ConditionOperator = "equals"
	OpIn      ConditionOperator = "in"
	OpNotIn   ConditionOperator = "not_in"
	OpBefore  ConditionOperator = "before"
	OpAfter   ConditionOperator = "after"
	OpBetween ConditionOperator = "between"
)

// Condition is an additional predicate that must hold for a matched
// permission to grant access. The field is looked up in the request context;
// every condition on a permission must pass.
type Condition struct {
	Field    string            `json:"field"`
	Operator ConditionOperator `json:"operator"`
	Value    interface{}       `json:"value"`
}

// Permission grants one action on one resource, optionally constrained by
// conditions evaluated against the request context.
type Permission struct {
	Resource   Resource    `json:"resource"`
	Action     Action      `json:"action"`
	Conditions []Condition `json:"conditions,omitempty"`
}

// Role groups permissions under a named identity scope.
type Role struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Permissions []Permission `json:"permissions"`
	Environment string       `json:"environment,omitempty"`
	IsActive    bool         `json:"is_active"`
}

// User binds an identity to a set of role ids.
type User struct {
	ID          string   `json:"id"`
	Username    string   `json:"username"`
	Roles       []string `json:"roles"`
	Environment string   `json:"environment,omitempty"`
	IsActive    bool     `json:"is_active"`
}

// AccessDecision is the outcome of a permission check, including the audit
// trail accumulated while evaluating roles and conditions.
type AccessDecision struct {
	Granted    bool     `json:"granted"`
	Reason     string   `json:"reason,omitempty"`
	AuditTrail []string `json:"audit_trail"`
}

// AccessLogEntry records one permission decision in the bounded access log.
type AccessLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"user_id"`
	Resource  Resource  `json:"resource"`
	Action    Action    `json:"action"`
	Granted   bool      `json:"granted"`
	Reason    string    `json:"reason,omitempty"`
}

const maxAccessLogEntries = 1000

// AccessControl is the RBAC evaluator every other component depends on.
// Roles, users and service identity grants live in memory guarded by one
// lock; the access log is a bounded ring.
type AccessControl struct {
	mu                sync.RWMutex
	roles             map[string]*Role
	users             map[string]*User
	serviceIdentities map[string]string // identity -> grant reason
	accessLog         []AccessLogEntry
	audit             audit.Logger
	clock             Clock
}

// NewAccessControl creates an evaluator seeded with the built-in "admin"
// (every action on every resource) and "readonly" (read and list only) roles.
func NewAccessControl(auditLogger audit.Logger, clock Clock) *AccessControl {
	if auditLogger == nil {
		auditLogger = audit.NewNoOpLogger()
	}
	if clock == nil {
		clock = SystemClock()
	}

	ac := &AccessControl{
		roles:             make(map[string]*Role),
		users:             make(map[string]*User),
		serviceIdentities: make(map[string]string),
		audit:             auditLogger,
		clock:             clock,
	}

	allResources := []Resource{ResourceSecret, ResourceVault, ResourceAudit, ResourceRotation}
	allActions := []Action{ActionRead, ActionWrite, ActionDelete, ActionRotate, ActionList, ActionCreate}

	var adminPerms []Permission
	for _, resource := range allResources {
		for _, action := range allActions {
			adminPerms = append(adminPerms, Permission{Resource: resource, Action: action})
		}
	}
	ac.roles["admin"] = &Role{ID: "admin", Name: "Administrator", Permissions: adminPerms, IsActive: true}

	var readonlyPerms []Permission
	for _, resource := range allResources {
		readonlyPerms = append(readonlyPerms,
			Permission{Resource: resource, Action: ActionRead},
			Permission{Resource: resource, Action: ActionList})
	}
	ac.roles["readonly"] = &Role{ID: "readonly", Name: "Read Only", Permissions: readonlyPerms, IsActive: true}

	return ac
}

// GrantServiceIdentity registers an identity that bypasses role evaluation.
// This replaces implicit string matching on reserved names: every grant is
// explicit, carries a reason, and every use is audited.
func (ac *AccessControl) GrantServiceIdentity(identity, reason string) error {
	if identity == "" {
		return fmt.Errorf("service identity cannot be empty")
	}
	ac.mu.Lock()
	ac.serviceIdentities[identity] = reason
	ac.mu.Unlock()

	ac.audit.Log("service_identity_granted", true, map[string]interface{}{
		"user_id": identity,
		"reason":  reason,
	})
	return nil
}

// RevokeServiceIdentity removes a service identity grant.
func (ac *AccessControl) RevokeServiceIdentity(identity string) {
	ac.mu.Lock()
	delete(ac.serviceIdentities, identity)
	ac.mu.Unlock()

	ac.audit.Log("service_identity_revoked", true, map[string]interface{}{
		"user_id": identity,
	})
}

// CheckPermission evaluates whether userID may perform action on resource
// given the request context. The first role whose permission matches
// resource+action with every condition satisfied grants access; exhausting
// all roles denies with "Insufficient permissions".
func (ac *AccessControl) CheckPermission(userID string, resource Resource, action Action, reqCtx map[string]interface{}) AccessDecision {
	ac.mu.Lock()
	defer ac.mu.Unlock()

	trail := []string{fmt.Sprintf("checking %s on %s:%s", userID, resource, action)}

	if reason, ok := ac.serviceIdentities[userID]; ok {
		trail = append(trail, fmt.Sprintf("service identity grant: %s", reason))
		decision := AccessDecision{Granted: true, AuditTrail: trail}
		ac.recordDecision(userID, resource, action, decision, true)
		return decision
	}

	user, ok := ac.users[userID]
	if !ok {
		decision := AccessDecision{Granted: false, Reason: "User not found",
			AuditTrail: append(trail, "user not found")}
		ac.recordDecision(userID, resource, action, decision, false)
		return decision
	}
	if !user.IsActive {
		decision := AccessDecision{Granted: false, Reason: "User is inactive",
			AuditTrail: append(trail, "user is inactive")}
		ac.recordDecision(userID, resource, action, decision, false)
		return decision
	}

	for _, roleID := range user.Roles {
		role, ok := ac.roles[roleID]
		if !ok || !role.IsActive {
			trail = append(trail, fmt.Sprintf("role %s missing or inactive", roleID))
			continue
		}
		trail = append(trail, fmt.Sprintf("evaluating role %s", roleID))

		for _, perm := range role.Permissions {
			if perm.Resource != resource || perm.Action != action {
				continue
			}

			satisfied := true
			for _, cond := range perm.Conditions {
				ok, detail := evaluateCondition(cond, reqCtx, ac.clock)
				trail = append(trail, detail)
				if !ok {
					satisfied = false
					break
				}
			}
			if satisfied {
				trail = append(trail, fmt.Sprintf("granted by role %s", roleID))
				decision := AccessDecision{Granted: true, AuditTrail: trail}
				ac.recordDecision(userID, resource, action, decision, false)
				return decision
			}
		}
	}

	decision := AccessDecision{Granted: false, Reason: "Insufficient permissions",
		AuditTrail: append(trail, "no matching permission")}
	ac.recordDecision(userID, resource, action, decision, false)
	return decision
}

// recordDecision appends to the bounded access log and the audit logger.
// Callers hold ac.mu.
func (ac *AccessControl) recordDecision(userID string, resource Resource, action Action, decision AccessDecision, serviceIdentity bool) {
	entry := AccessLogEntry{
		Timestamp: ac.clock.Now(),
		UserID:    userID,
		Resource:  resource,
		Action:    action,
		Granted:   decision.Granted,
		Reason:    decision.Reason,
	}
	ac.accessLog = append(ac.accessLog, entry)
	if len(ac.accessLog) > maxAccessLogEntries {
		ac.accessLog = ac.accessLog[len(ac.accessLog)-maxAccessLogEntries:]
	}

	metadata := map[string]interface{}{
		"user_id":  userID,
		"resource": string(resource),
		"action":   string(action),
	}
	if decision.Reason != "" {
		metadata["reason"] = decision.Reason
	}
	if serviceIdentity {
		metadata["service_identity"] = true
	}
	// Audit append failures must not block the permission decision.
	_ = ac.audit.Log("access_check", decision.Granted, metadata)
}

// AccessLog returns a copy of the bounded decision log, newest last.
func (ac *AccessControl) AccessLog() []AccessLogEntry {
	ac.mu.RLock()
	defer ac.mu.RUnlock()
	return append([]AccessLogEntry(nil), ac.accessLog...)
}

// CreateRole registers a new role. The id must be unused.
func (ac *AccessControl) CreateRole(role Role) error {
	if role.ID == "" {
		return fmt.Errorf("role ID cannot be empty")
	}
	ac.mu.Lock()
	defer ac.mu.Unlock()

	if _, exists := ac.roles[role.ID]; exists {
		return fmt.Errorf("role %s already exists", role.ID)
	}
	stored := role
	ac.roles[role.ID] = &stored

	_ = ac.audit.Log("role_created", true, map[string]interface{}{"role_id": role.ID})
	return nil
}

// CreateUser registers a new user. Every referenced role must pre-exist.
func (ac *AccessControl) CreateUser(user User) error {
	if user.ID == "" {
		return fmt.Errorf("user ID cannot be empty")
	}
	ac.mu.Lock()
	defer ac.mu.Unlock()

	if _, exists := ac.users[user.ID]; exists {
		return fmt.Errorf("user %s already exists", user.ID)
	}
	for _, roleID := range user.Roles {
		if _, ok := ac.roles[roleID]; !ok {
			return fmt.Errorf("role %s: %w", roleID, ErrNotFound)
		}
	}
	stored := user
	ac.users[user.ID] = &stored

	_ = ac.audit.Log("user_created", true, map[string]interface{}{"user_id": user.ID})
	return nil
}

// UpdateUserRoles replaces a user's role set. Every role must pre-exist.
func (ac *AccessControl) UpdateUserRoles(userID string, roles []string) error {
	ac.mu.Lock()
	defer ac.mu.Unlock()

	user, ok := ac.users[userID]
	if !ok {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	for _, roleID := range roles {
		if _, ok := ac.roles[roleID]; !ok {
			return fmt.Errorf("role %s: %w", roleID, ErrNotFound)
		}
	}
	user.Roles = append([]string(nil), roles...)

	_ = ac.audit.Log("user_roles_updated", true, map[string]interface{}{
		"user_id": userID,
		"roles":   roles,
	})
	return nil
}

// DeleteRole removes a role. Fails while any user still references it.
func (ac *AccessControl) DeleteRole(roleID string) error {
	ac.mu.Lock()
	defer ac.mu.Unlock()

	if _, ok := ac.roles[roleID]; !ok {
		return fmt.Errorf("role %s: %w", roleID, ErrNotFound)
	}
	for _, user := range ac.users {
		if containsString(user.Roles, roleID) {
			return fmt.Errorf("role %s is still assigned to user %s", roleID, user.ID)
		}
	}
	delete(ac.roles, roleID)

	_ = ac.audit.Log("role_deleted", true, map[string]interface{}{"role_id": roleID})
	return nil
}

// GetRole returns a copy of the role, or ErrNotFound.
func (ac *AccessControl) GetRole(roleID string) (Role, error) {
	ac.mu.RLock()
	defer ac.mu.RUnlock()

	role, ok := ac.roles[roleID]
	if !ok {
		return Role{}, fmt.Errorf("role %s: %w", roleID, ErrNotFound)
	}
	return *role, nil
}

// GetUser returns a copy of the user, or ErrNotFound.
func (ac *AccessControl) GetUser(userID string) (User, error) {
	ac.mu.RLock()
	defer ac.mu.RUnlock()

	user, ok := ac.users[userID]
	if !ok {
		return User{}, fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	return *user, nil
}

// denyError converts a decision into the error surfaced to callers.
func denyError(userID string, resource Resource, action Action, decision AccessDecision) error {
	return &AccessDeniedError{
		UserID:     userID,
		Resource:   string(resource),
		Action:     string(action),
		Reason:     decision.Reason,
		AuditTrail: decision.AuditTrail,
	}
}

// evaluateCondition applies one condition against the request context,
// returning the outcome and a trail line describing it.
func evaluateCondition(cond Condition, reqCtx map[string]interface{}, clock Clock) (bool, string) {
	value, present := reqCtx[cond.Field]
	if !present {
		return false, fmt.Sprintf("condition %s %s: field missing from context", cond.Field, cond.Operator)
	}

	ok := false
	switch cond.Operator {
	case OpEquals:
		ok = valuesEqual(value, cond.Value)
	case OpIn:
		ok = valueInList(value, cond.Value)
	case OpNotIn:
		ok = !valueInList(value, cond.Value)
	case OpBefore:
		ctxTime, err1 := toTime(value)
		condTime, err2 := toTime(cond.Value)
		ok = err1 == nil && err2 == nil && ctxTime.Before(condTime)
	case OpAfter:
		ctxTime, err1 := toTime(value)
		condTime, err2 := toTime(cond.Value)
		ok = err1 == nil && err2 == nil && ctxTime.After(condTime)
	case OpBetween:
		ok = valueBetween(value, cond.Value)
	default:
		return false, fmt.Sprintf("condition %s: unknown operator %s", cond.Field, cond.Operator)
	}

	outcome := "failed"
	if ok {
		outcome = "passed"
	}
	return ok, fmt.Sprintf("condition %s %s: %s", cond.Field, cond.Operator, outcome)
}

// valuesEqual compares scalars across numeric and string representations.
func valuesEqual(a, b interface{}) bool {
	if fa, err1 := toFloat(a); err1 == nil {
		if fb, err2 := toFloat(b); err2 == nil {
			return fa == fb
		}
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

// valueInList reports membership of value in list, which may be a []string,
// []interface{}, or []float64.
func valueInList(value, list interface{}) bool {
	switch items := list.(type) {
	case []string:
		for _, item := range items {
			if valuesEqual(value, item) {
				return true
			}
		}
	case []interface{}:
		for _, item := range items {
			if valuesEqual(value, item) {
				return true
			}
		}
	case []float64:
		for _, item := range items {
			if valuesEqual(value, item) {
				return true
			}
		}
	}
	return false
}

// valueBetween expects bounds as a two-element list and checks
// low <= value <= high numerically, falling back to time comparison.
func valueBetween(value, bounds interface{}) bool {
	items, ok := bounds.([]interface{})
	if !ok || len(items) != 2 {
		return false
	}

	if fv, err := toFloat(value); err == nil {
		low, err1 := toFloat(items[0])
		high, err2 := toFloat(items[1])
		return err1 == nil && err2 == nil && fv >= low && fv <= high
	}

	tv, err := toTime(value)
	if err != nil {
		return false
	}
	low, err1 := toTime(items[0])
	high, err2 := toTime(items[1])
	return err1 == nil && err2 == nil && !tv.Before(low) && !tv.After(high)
}

func toFloat(value interface{}) (float64, error) {
	switch v := value.(type) {
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case string:
		return strconv.ParseFloat(v, 64)
	default:
		return 0, fmt.Errorf("not a number: %T", value)
	}
}

func toTime(value interface{}) (time.Time, error) {
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t, nil
		}
		if t, err := time.Parse("15:04", v); err == nil {
			return t, nil
		}
		return time.Time{}, fmt.Errorf("not a time: %s", v)
	case int64:
		return time.Unix(v, 0).UTC(), nil
	case float64:
		return time.Unix(int64(v), 0).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("not a time: %T", value)
	}
}
