package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"planvault/internal/ids"
)

// Memory implements Store with a single lock, which gives every operation
// (including Snapshot) the snapshot-consistency the resolver relies on.
type Memory struct {
	mu          sync.RWMutex
	roles       map[string]Role       // by id
	permissions map[string]Permission // by id
	roleBinds   map[string]RoleBinding
	permBinds   map[string]PermissionBinding
	grants      map[string]DirectGrant // by id
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory catalog.
func NewMemory() *Memory {
	return &Memory{
		roles:       make(map[string]Role),
		permissions: make(map[string]Permission),
		roleBinds:   make(map[string]RoleBinding),
		permBinds:   make(map[string]PermissionBinding),
		grants:      make(map[string]DirectGrant),
	}
}

func bindKey(a, b string) string { return a + "\x00" + b }

func (m *Memory) CreateRole(ctx context.Context, name, description string) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.roles {
		if r.Name == name {
			return Role{}, fmt.Errorf("%w: role %s", ErrConflict, name)
		}
	}
	now := time.Now().UTC()
	role := Role{ID: ids.NewRole(), Name: name, Description: description, CreatedAt: now, UpdatedAt: now}
	m.roles[role.ID] = role
	return role, nil
}

func (m *Memory) GetRole(ctx context.Context, roleID string) (Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	role, ok := m.roles[roleID]
	if !ok {
		return Role{}, ErrNotFound
	}
	return role, nil
}

func (m *Memory) GetRoleByName(ctx context.Context, name string) (Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.roles {
		if r.Name == name {
			return r, nil
		}
	}
	return Role{}, ErrNotFound
}

func (m *Memory) ListRoles(ctx context.Context) ([]Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]Role, 0, len(m.roles))
	for _, r := range m.roles {
		res = append(res, r)
	}
	sortRoles(res)
	return res, nil
}

func (m *Memory) UpdateRole(ctx context.Context, roleID string, upd RoleUpdate) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	role, ok := m.roles[roleID]
	if !ok {
		return Role{}, ErrNotFound
	}
	if upd.Name != nil {
		for id, r := range m.roles {
			if id != roleID && r.Name == *upd.Name {
				return Role{}, fmt.Errorf("%w: role %s", ErrConflict, *upd.Name)
			}
		}
		role.Name = *upd.Name
	}
	if upd.Description != nil {
		role.Description = *upd.Description
	}
	role.UpdatedAt = time.Now().UTC()
	m.roles[roleID] = role
	return role, nil
}

func (m *Memory) DeleteRole(ctx context.Context, roleID string) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	role, ok := m.roles[roleID]
	if !ok {
		return Role{}, ErrNotFound
	}
	delete(m.roles, roleID)
	for k, b := range m.roleBinds {
		if b.RoleID == roleID {
			delete(m.roleBinds, k)
		}
	}
	for k, b := range m.permBinds {
		if b.RoleID == roleID {
			delete(m.permBinds, k)
		}
	}
	return role, nil
}

func (m *Memory) CreatePermission(ctx context.Context, name, description string) (Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.permissions {
		if p.Name == name {
			return Permission{}, fmt.Errorf("%w: permission %s", ErrConflict, name)
		}
	}
	perm := Permission{ID: ids.NewPermission(), Name: name, Description: description, CreatedAt: time.Now().UTC()}
	m.permissions[perm.ID] = perm
	return perm, nil
}

func (m *Memory) GetPermission(ctx context.Context, permissionID string) (Permission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	perm, ok := m.permissions[permissionID]
	if !ok {
		return Permission{}, ErrNotFound
	}
	return perm, nil
}

func (m *Memory) GetPermissionByName(ctx context.Context, name string) (Permission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.permissions {
		if p.Name == name {
			return p, nil
		}
	}
	return Permission{}, ErrNotFound
}

func (m *Memory) ListPermissions(ctx context.Context) ([]Permission, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]Permission, 0, len(m.permissions))
	for _, p := range m.permissions {
		res = append(res, p)
	}
	sortPermissions(res)
	return res, nil
}

func (m *Memory) BindRole(ctx context.Context, userID, roleID string) (RoleBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.roles[roleID]; !ok {
		return RoleBinding{}, ErrNotFound
	}
	key := bindKey(userID, roleID)
	if _, ok := m.roleBinds[key]; ok {
		return RoleBinding{}, fmt.Errorf("%w: role already bound", ErrConflict)
	}
	b := RoleBinding{UserID: userID, RoleID: roleID, CreatedAt: time.Now().UTC()}
	m.roleBinds[key] = b
	return b, nil
}

func (m *Memory) UnbindRole(ctx context.Context, userID, roleID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := bindKey(userID, roleID)
	if _, ok := m.roleBinds[key]; !ok {
		return ErrNotFound
	}
	delete(m.roleBinds, key)
	return nil
}

func (m *Memory) BindPermission(ctx context.Context, roleID, permissionID string) (PermissionBinding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.roles[roleID]; !ok {
		return PermissionBinding{}, ErrNotFound
	}
	if _, ok := m.permissions[permissionID]; !ok {
		return PermissionBinding{}, ErrNotFound
	}
	key := bindKey(roleID, permissionID)
	if _, ok := m.permBinds[key]; ok {
		return PermissionBinding{}, fmt.Errorf("%w: permission already bound", ErrConflict)
	}
	b := PermissionBinding{RoleID: roleID, PermissionID: permissionID, CreatedAt: time.Now().UTC()}
	m.permBinds[key] = b
	return b, nil
}

func (m *Memory) UnbindPermission(ctx context.Context, roleID, permissionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := bindKey(roleID, permissionID)
	if _, ok := m.permBinds[key]; !ok {
		return ErrNotFound
	}
	delete(m.permBinds, key)
	return nil
}

func (m *Memory) Grant(ctx context.Context, userID, permissionID string, scope Scope) (DirectGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.permissions[permissionID]; !ok {
		return DirectGrant{}, ErrNotFound
	}
	for _, g := range m.grants {
		if g.UserID == userID && g.PermissionID == permissionID && g.Scope.Equal(scope) {
			return DirectGrant{}, fmt.Errorf("%w: identical grant exists", ErrConflict)
		}
	}
	g := DirectGrant{
		ID:           ids.NewGrant(),
		UserID:       userID,
		PermissionID: permissionID,
		Scope:        scope,
		CreatedAt:    time.Now().UTC(),
	}
	m.grants[g.ID] = g
	return g, nil
}

func (m *Memory) Revoke(ctx context.Context, grantID string) (DirectGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.grants[grantID]
	if !ok {
		return DirectGrant{}, ErrNotFound
	}
	delete(m.grants, grantID)
	return g, nil
}

func (m *Memory) Snapshot(ctx context.Context, userID string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := Snapshot{
		UserID:          userID,
		RolePermissions: make(map[string]struct{}),
	}
	for _, b := range m.roleBinds {
		if b.UserID != userID {
			continue
		}
		role, ok := m.roles[b.RoleID]
		if !ok {
			continue
		}
		snap.Roles = append(snap.Roles, role.Name)
		for _, pb := range m.permBinds {
			if pb.RoleID != b.RoleID {
				continue
			}
			if perm, ok := m.permissions[pb.PermissionID]; ok {
				snap.RolePermissions[perm.Name] = struct{}{}
			}
		}
	}
	for _, g := range m.grants {
		if g.UserID != userID {
			continue
		}
		perm, ok := m.permissions[g.PermissionID]
		if !ok {
			continue
		}
		snap.Grants = append(snap.Grants, GrantedPermission{
			GrantID:    g.ID,
			Permission: perm.Name,
			Scope:      g.Scope,
		})
	}
	return snap, nil
}

func sortRoles(roles []Role) {
	sort.Slice(roles, func(i, j int) bool { return roles[i].Name < roles[j].Name })
}

func sortPermissions(perms []Permission) {
	sort.Slice(perms, func(i, j int) bool { return perms[i].Name < perms[j].Name })
}
