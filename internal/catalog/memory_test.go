package catalog

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryRoleLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	role, err := m.CreateRole(ctx, "auditor", "read-only audit access")
	if err != nil {
		t.Fatalf("create role: %v", err)
	}
	if role.ID == "" || role.Name != "auditor" {
		t.Fatalf("unexpected role %+v", role)
	}

	if _, err := m.CreateRole(ctx, "auditor", ""); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate name, got %v", err)
	}

	name := "compliance"
	updated, err := m.UpdateRole(ctx, role.ID, RoleUpdate{Name: &name})
	if err != nil {
		t.Fatalf("update role: %v", err)
	}
	if updated.Name != "compliance" {
		t.Fatalf("rename not applied: %+v", updated)
	}
	if !updated.UpdatedAt.After(role.UpdatedAt) && !updated.UpdatedAt.Equal(role.UpdatedAt) {
		t.Fatalf("updated_at went backwards")
	}

	if _, err := m.GetRole(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	deleted, err := m.DeleteRole(ctx, role.ID)
	if err != nil {
		t.Fatalf("delete role: %v", err)
	}
	if deleted.Name != "compliance" {
		t.Fatalf("delete returned wrong role %+v", deleted)
	}
	if _, err := m.GetRole(ctx, role.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("role still readable after delete: %v", err)
	}
}

func TestMemoryDeleteRoleCascades(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	role, _ := m.CreateRole(ctx, "member", "")
	perm, _ := m.CreatePermission(ctx, "task.view", "")
	if _, err := m.BindPermission(ctx, role.ID, perm.ID); err != nil {
		t.Fatalf("bind permission: %v", err)
	}
	if _, err := m.BindRole(ctx, "user-1", role.ID); err != nil {
		t.Fatalf("bind role: %v", err)
	}

	if _, err := m.DeleteRole(ctx, role.ID); err != nil {
		t.Fatalf("delete role: %v", err)
	}

	snap, err := m.Snapshot(ctx, "user-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Roles) != 0 || len(snap.RolePermissions) != 0 {
		t.Fatalf("bindings survived role deletion: %+v", snap)
	}
}

func TestMemoryBindingConflicts(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	role, _ := m.CreateRole(ctx, "member", "")
	perm, _ := m.CreatePermission(ctx, "task.view", "")

	if _, err := m.BindRole(ctx, "user-1", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown role, got %v", err)
	}
	if _, err := m.BindRole(ctx, "user-1", role.ID); err != nil {
		t.Fatalf("bind role: %v", err)
	}
	if _, err := m.BindRole(ctx, "user-1", role.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate binding, got %v", err)
	}

	if _, err := m.BindPermission(ctx, role.ID, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown permission, got %v", err)
	}
	if _, err := m.BindPermission(ctx, role.ID, perm.ID); err != nil {
		t.Fatalf("bind permission: %v", err)
	}
	if _, err := m.BindPermission(ctx, role.ID, perm.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for duplicate binding, got %v", err)
	}

	if err := m.UnbindRole(ctx, "user-1", role.ID); err != nil {
		t.Fatalf("unbind role: %v", err)
	}
	if err := m.UnbindRole(ctx, "user-1", role.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing binding, got %v", err)
	}
}

func TestMemoryGrantUniqueness(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	perm, _ := m.CreatePermission(ctx, "task.edit", "")
	scope := Scope{"project_id": "p1"}

	first, err := m.Grant(ctx, "user-1", perm.ID, scope)
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if _, err := m.Grant(ctx, "user-1", perm.ID, Scope{"project_id": "p1"}); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for identical grant, got %v", err)
	}
	// Same permission under a different scope is a distinct grant.
	if _, err := m.Grant(ctx, "user-1", perm.ID, Scope{"project_id": "p2"}); err != nil {
		t.Fatalf("distinct scope grant: %v", err)
	}
	if _, err := m.Grant(ctx, "user-1", perm.ID, nil); err != nil {
		t.Fatalf("unscoped grant alongside scoped ones: %v", err)
	}

	revoked, err := m.Revoke(ctx, first.ID)
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if !revoked.Scope.Equal(scope) {
		t.Fatalf("revoke returned wrong grant %+v", revoked)
	}
	if _, err := m.Revoke(ctx, first.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for double revoke, got %v", err)
	}
}

func TestMemorySnapshot(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	viewer, _ := m.CreateRole(ctx, "viewer", "")
	taskView, _ := m.CreatePermission(ctx, "task.view", "")
	projView, _ := m.CreatePermission(ctx, "project.view", "")
	taskEdit, _ := m.CreatePermission(ctx, "task.edit", "")

	m.BindPermission(ctx, viewer.ID, taskView.ID)
	m.BindPermission(ctx, viewer.ID, projView.ID)
	m.BindRole(ctx, "user-1", viewer.ID)
	m.Grant(ctx, "user-1", taskEdit.ID, Scope{"project_id": "p1"})

	snap, err := m.Snapshot(ctx, "user-1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !snap.HasRole("viewer") {
		t.Fatalf("viewer role missing from snapshot: %+v", snap)
	}
	if _, ok := snap.RolePermissions["task.view"]; !ok {
		t.Fatalf("role permission missing: %+v", snap.RolePermissions)
	}
	if _, ok := snap.RolePermissions["project.view"]; !ok {
		t.Fatalf("role permission missing: %+v", snap.RolePermissions)
	}
	if len(snap.Grants) != 1 || snap.Grants[0].Permission != "task.edit" {
		t.Fatalf("unexpected grants %+v", snap.Grants)
	}

	empty, err := m.Snapshot(ctx, "user-2")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(empty.Roles) != 0 || len(empty.RolePermissions) != 0 || len(empty.Grants) != 0 {
		t.Fatalf("snapshot for unknown user must be empty: %+v", empty)
	}
}

func TestMemoryListOrdering(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	m.CreateRole(ctx, "viewer", "")
	m.CreateRole(ctx, "admin", "")
	m.CreateRole(ctx, "member", "")

	roles, err := m.ListRoles(ctx)
	if err != nil {
		t.Fatalf("list roles: %v", err)
	}
	if len(roles) != 3 || roles[0].Name != "admin" || roles[2].Name != "viewer" {
		t.Fatalf("roles not ordered by name: %+v", roles)
	}
}
