package keyforge

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func newTestAccessControl(t *testing.T) *AccessControl {
	t.Helper()
	access := NewAccessControl(nil, newFakeClock())
	seedTestUsers(t, access)
	return access
}

func TestCheckPermissionAdminGrantsAll(t *testing.T) {
	access := newTestAccessControl(t)

	resources := []Resource{ResourceSecret, ResourceVault, ResourceAudit, ResourceRotation}
	actions := []Action{ActionRead, ActionWrite, ActionDelete, ActionRotate, ActionList, ActionCreate}
	for _, resource := range resources {
		for _, action := range actions {
			decision := access.CheckPermission("admin-user", resource, action, nil)
			if !decision.Granted {
				t.Errorf("admin denied %s on %s: %s", action, resource, decision.Reason)
			}
		}
	}
}

func TestCheckPermissionReadonlyLimits(t *testing.T) {
	access := newTestAccessControl(t)

	for _, action := range []Action{ActionRead, ActionList} {
		decision := access.CheckPermission("reader", ResourceSecret, action, nil)
		if !decision.Granted {
			t.Errorf("readonly denied %s: %s", action, decision.Reason)
		}
	}
	for _, action := range []Action{ActionCreate, ActionRotate, ActionDelete, ActionWrite} {
		decision := access.CheckPermission("reader", ResourceSecret, action, nil)
		if decision.Granted {
			t.Errorf("readonly unexpectedly granted %s", action)
		}
		if decision.Reason != "Insufficient permissions" {
			t.Errorf("unexpected denial reason: %q", decision.Reason)
		}
	}
}

func TestCheckPermissionUnknownUser(t *testing.T) {
	access := newTestAccessControl(t)

	decision := access.CheckPermission("ghost", ResourceSecret, ActionRead, nil)
	if decision.Granted {
		t.Fatal("unknown user granted access")
	}
	if decision.Reason != "User not found" {
		t.Errorf("unexpected reason: %q", decision.Reason)
	}
}

func TestCheckPermissionInactiveUser(t *testing.T) {
	access := newTestAccessControl(t)
	if err := access.CreateUser(User{ID: "suspended", Username: "suspended", Roles: []string{"admin"}}); err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	decision := access.CheckPermission("suspended", ResourceSecret, ActionRead, nil)
	if decision.Granted {
		t.Fatal("inactive user granted access")
	}
	if decision.Reason != "User is inactive" {
		t.Errorf("unexpected reason: %q", decision.Reason)
	}
}

func TestCheckPermissionConditions(t *testing.T) {
	access := NewAccessControl(nil, newFakeClock())

	err := access.CreateRole(Role{
		ID: "env-scoped", Name: "env-scoped", IsActive: true,
		Permissions: []Permission{{
			Resource: ResourceSecret,
			Action:   ActionRead,
			Conditions: []Condition{
				{Field: "environment", Operator: OpEquals, Value: "production"},
			},
		}},
	})
	if err != nil {
		t.Fatalf("CreateRole failed: %v", err)
	}
	err = access.CreateUser(User{ID: "ops", Username: "ops", Roles: []string{"env-scoped"}, IsActive: true})
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}

	granted := access.CheckPermission("ops", ResourceSecret, ActionRead,
		map[string]interface{}{"environment": "production"})
	if !granted.Granted {
		t.Errorf("matching condition denied: %s", granted.Reason)
	}

	denied := access.CheckPermission("ops", ResourceSecret, ActionRead,
		map[string]interface{}{"environment": "staging"})
	if denied.Granted {
		t.Error("non-matching condition granted")
	}
}

func TestConditionOperators(t *testing.T) {
	access := NewAccessControl(nil, newFakeClock())

	tests := []struct {
		name      string
		condition Condition
		context   map[string]interface{}
		want      bool
	}{
		{"in match", Condition{Field: "region", Operator: OpIn, Value: []interface{}{"eu", "us"}},
			map[string]interface{}{"region": "eu"}, true},
		{"in miss", Condition{Field: "region", Operator: OpIn, Value: []interface{}{"eu", "us"}},
			map[string]interface{}{"region": "ap"}, false},
		{"not_in match", Condition{Field: "region", Operator: OpNotIn, Value: []interface{}{"blocked"}},
			map[string]interface{}{"region": "eu"}, true},
		{"before", Condition{Field: "time", Operator: OpBefore,
			Value: time.Date(2025, 6, 1, 17, 0, 0, 0, time.UTC)},
			map[string]interface{}{"time": time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}, true},
		{"after", Condition{Field: "time", Operator: OpAfter,
			Value: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)},
			map[string]interface{}{"time": time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}, true},
		{"between", Condition{Field: "hour", Operator: OpBetween, Value: []interface{}{8, 17}},
			map[string]interface{}{"hour": 12}, true},
		{"between miss", Condition{Field: "hour", Operator: OpBetween, Value: []interface{}{8, 17}},
			map[string]interface{}{"hour": 22}, false},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			roleID := fmt.Sprintf("cond-role-%d", i)
			userID := fmt.Sprintf("cond-user-%d", i)
			err := access.CreateRole(Role{
				ID: roleID, Name: roleID, IsActive: true,
				Permissions: []Permission{{Resource: ResourceSecret, Action: ActionRead,
					Conditions: []Condition{tt.condition}}},
			})
			if err != nil {
				t.Fatalf("CreateRole failed: %v", err)
			}
			err = access.CreateUser(User{ID: userID, Username: userID, Roles: []string{roleID}, IsActive: true})
			if err != nil {
				t.Fatalf("CreateUser failed: %v", err)
			}

			decision := access.CheckPermission(userID, ResourceSecret, ActionRead, tt.context)
			if decision.Granted != tt.want {
				t.Errorf("granted=%v, want %v (trail: %v)", decision.Granted, tt.want, decision.AuditTrail)
			}
		})
	}
}

func TestServiceIdentityBypass(t *testing.T) {
	access := newTestAccessControl(t)

	if err := access.GrantServiceIdentity("scheduler-svc", "platform bootstrap"); err != nil {
		t.Fatalf("GrantServiceIdentity failed: %v", err)
	}

	decision := access.CheckPermission("scheduler-svc", ResourceRotation, ActionWrite, nil)
	if !decision.Granted {
		t.Fatalf("service identity denied: %s", decision.Reason)
	}

	access.RevokeServiceIdentity("scheduler-svc")
	decision = access.CheckPermission("scheduler-svc", ResourceRotation, ActionWrite, nil)
	if decision.Granted {
		t.Error("revoked service identity still granted")
	}
}

func TestCreateUserRequiresExistingRoles(t *testing.T) {
	access := newTestAccessControl(t)

	err := access.CreateUser(User{ID: "newbie", Username: "newbie", Roles: []string{"no-such-role"}, IsActive: true})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing role, got %v", err)
	}
}

func TestUpdateUserRolesValidation(t *testing.T) {
	access := newTestAccessControl(t)

	if err := access.UpdateUserRoles("reader", []string{"admin"}); err != nil {
		t.Fatalf("valid role update failed: %v", err)
	}
	if err := access.UpdateUserRoles("reader", []string{"missing"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := access.UpdateUserRoles("ghost", []string{"admin"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown user, got %v", err)
	}
}

func TestDeleteRoleReferencedFails(t *testing.T) {
	access := newTestAccessControl(t)

	if err := access.DeleteRole("readonly"); err == nil {
		t.Error("expected delete of referenced role to fail")
	}

	if err := access.CreateRole(Role{ID: "orphan", Name: "orphan", IsActive: true}); err != nil {
		t.Fatalf("CreateRole failed: %v", err)
	}
	if err := access.DeleteRole("orphan"); err != nil {
		t.Errorf("delete of unreferenced role failed: %v", err)
	}
}

func TestAccessLogBounded(t *testing.T) {
	access := newTestAccessControl(t)

	for i := 0; i < maxAccessLogEntries+50; i++ {
		access.CheckPermission("reader", ResourceSecret, ActionRead, nil)
	}

	log := access.AccessLog()
	if len(log) != maxAccessLogEntries {
		t.Errorf("access log holds %d entries, want %d", len(log), maxAccessLogEntries)
	}
}
