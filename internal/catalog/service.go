package catalog

import (
	"context"
	"fmt"
	"strings"

	"planvault/internal/audit"
	"planvault/internal/auth"
)

// systemActor attributes mutations performed outside a request context,
// such as seeding from the command line.
const systemActor = "system"

// Service fronts the catalog store and records every successful mutation in
// the audit ledger. Reads pass straight through.
type Service struct {
	store    Store
	recorder *audit.Recorder
}

// NewService wires a store with the audit gateway. The recorder may be nil
// only in tests that do not care about emission.
func NewService(store Store, recorder *audit.Recorder) *Service {
	return &Service{store: store, recorder: recorder}
}

func (s *Service) actor(ctx context.Context) string {
	if id, ok := auth.UserIDFromContext(ctx); ok {
		return id
	}
	return systemActor
}

func (s *Service) record(ctx context.Context, kind audit.OperationKind, subject string, details map[string]any) {
	if s.recorder == nil {
		return
	}
	// Audit failure must not roll back a committed mutation; the recorder
	// logs and counts failed appends, so the gap stays visible to operators.
	_, _ = s.recorder.Record(ctx, kind, s.actor(ctx), subject, details)
}

// CreateRole registers a new role with a unique name.
func (s *Service) CreateRole(ctx context.Context, name, description string) (Role, error) {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return Role{}, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	role, err := s.store.CreateRole(ctx, name, strings.TrimSpace(description))
	if err != nil {
		return Role{}, err
	}
	s.record(ctx, audit.OpRoleCreated, role.ID, map[string]any{"name": role.Name})
	return role, nil
}

func (s *Service) GetRole(ctx context.Context, roleID string) (Role, error) {
	return s.store.GetRole(ctx, roleID)
}

func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.store.ListRoles(ctx)
}

// UpdateRole applies partial changes and records old and new identifiers.
func (s *Service) UpdateRole(ctx context.Context, roleID string, upd RoleUpdate) (Role, error) {
	if upd.Name != nil {
		trimmed := strings.TrimSpace(strings.ToLower(*upd.Name))
		if trimmed == "" {
			return Role{}, fmt.Errorf("%w: role name cannot be empty", ErrInvalidInput)
		}
		upd.Name = &trimmed
	}
	before, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return Role{}, err
	}
	role, err := s.store.UpdateRole(ctx, roleID, upd)
	if err != nil {
		return Role{}, err
	}
	s.record(ctx, audit.OpRoleUpdated, role.ID, map[string]any{
		"old_name": before.Name,
		"new_name": role.Name,
	})
	return role, nil
}

// DeleteRole removes the role and cascades into its bindings.
func (s *Service) DeleteRole(ctx context.Context, roleID string) error {
	role, err := s.store.DeleteRole(ctx, roleID)
	if err != nil {
		return err
	}
	s.record(ctx, audit.OpRoleDeleted, role.ID, map[string]any{"name": role.Name})
	return nil
}

// CreatePermission registers a capability. Names follow the resource.action
// convention and are immutable once created.
func (s *Service) CreatePermission(ctx context.Context, name, description string) (Permission, error) {
	name = strings.TrimSpace(strings.ToLower(name))
	if err := validatePermissionName(name); err != nil {
		return Permission{}, err
	}
	perm, err := s.store.CreatePermission(ctx, name, strings.TrimSpace(description))
	if err != nil {
		return Permission{}, err
	}
	s.record(ctx, audit.OpPermissionCreated, perm.ID, map[string]any{"name": perm.Name})
	return perm, nil
}

func (s *Service) GetPermission(ctx context.Context, permissionID string) (Permission, error) {
	return s.store.GetPermission(ctx, permissionID)
}

func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.store.ListPermissions(ctx)
}

// BindRole assigns a role to a user.
func (s *Service) BindRole(ctx context.Context, userID, roleID string) (RoleBinding, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return RoleBinding{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return RoleBinding{}, err
	}
	binding, err := s.store.BindRole(ctx, userID, roleID)
	if err != nil {
		return RoleBinding{}, err
	}
	s.record(ctx, audit.OpRoleBound, userID, map[string]any{
		"role_id": role.ID,
		"role":    role.Name,
	})
	return binding, nil
}

// UnbindRole removes a user's role membership.
func (s *Service) UnbindRole(ctx context.Context, userID, roleID string) error {
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	if err := s.store.UnbindRole(ctx, userID, roleID); err != nil {
		return err
	}
	s.record(ctx, audit.OpRoleUnbound, userID, map[string]any{
		"role_id": role.ID,
		"role":    role.Name,
	})
	return nil
}

// BindPermission attaches a permission to a role.
func (s *Service) BindPermission(ctx context.Context, roleID, permissionID string) (PermissionBinding, error) {
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return PermissionBinding{}, err
	}
	perm, err := s.store.GetPermission(ctx, permissionID)
	if err != nil {
		return PermissionBinding{}, err
	}
	binding, err := s.store.BindPermission(ctx, roleID, permissionID)
	if err != nil {
		return PermissionBinding{}, err
	}
	s.record(ctx, audit.OpPermissionBound, role.ID, map[string]any{
		"role":       role.Name,
		"permission": perm.Name,
	})
	return binding, nil
}

// UnbindPermission detaches a permission from a role.
func (s *Service) UnbindPermission(ctx context.Context, roleID, permissionID string) error {
	role, err := s.store.GetRole(ctx, roleID)
	if err != nil {
		return err
	}
	perm, err := s.store.GetPermission(ctx, permissionID)
	if err != nil {
		return err
	}
	if err := s.store.UnbindPermission(ctx, roleID, permissionID); err != nil {
		return err
	}
	s.record(ctx, audit.OpPermissionUnbound, role.ID, map[string]any{
		"role":       role.Name,
		"permission": perm.Name,
	})
	return nil
}

// Grant gives a user a permission directly, optionally narrowed by scope.
func (s *Service) Grant(ctx context.Context, userID, permissionID string, scope Scope) (DirectGrant, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return DirectGrant{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if err := Validate(scope); err != nil {
		return DirectGrant{}, err
	}
	perm, err := s.store.GetPermission(ctx, permissionID)
	if err != nil {
		return DirectGrant{}, err
	}
	grant, err := s.store.Grant(ctx, userID, permissionID, scope)
	if err != nil {
		return DirectGrant{}, err
	}
	s.record(ctx, audit.OpGrantCreated, userID, map[string]any{
		"grant_id":   grant.ID,
		"permission": perm.Name,
		"scope":      scope.Document(),
	})
	return grant, nil
}

// Revoke removes one direct grant by id. Role-derived permissions are not
// affected.
func (s *Service) Revoke(ctx context.Context, grantID string) error {
	grant, err := s.store.Revoke(ctx, grantID)
	if err != nil {
		return err
	}
	perm, err := s.store.GetPermission(ctx, grant.PermissionID)
	permName := grant.PermissionID
	if err == nil {
		permName = perm.Name
	}
	s.record(ctx, audit.OpGrantRevoked, grant.UserID, map[string]any{
		"grant_id":   grant.ID,
		"permission": permName,
		"scope":      grant.Scope.Document(),
	})
	return nil
}

// Snapshot returns one consistent authorization view of a user.
func (s *Service) Snapshot(ctx context.Context, userID string) (Snapshot, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Snapshot{}, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	return s.store.Snapshot(ctx, userID)
}

// validatePermissionName enforces the resource.action convention: lowercase
// identifier segments separated by single dots, at least two segments.
func validatePermissionName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: permission name is required", ErrInvalidInput)
	}
	segments := strings.Split(name, ".")
	if len(segments) < 2 {
		return fmt.Errorf("%w: permission name must follow resource.action", ErrInvalidInput)
	}
	for _, seg := range segments {
		if seg == "" {
			return fmt.Errorf("%w: permission name must follow resource.action", ErrInvalidInput)
		}
		for _, r := range seg {
			if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' {
				return fmt.Errorf("%w: permission name must follow resource.action", ErrInvalidInput)
			}
		}
	}
	return nil
}
