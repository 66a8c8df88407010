package catalog

import "context"

// Store describes persistence for roles, permissions and their bindings.
// The catalog exclusively owns these records; every mutation validates
// referential integrity before writing.
type Store interface {
	CreateRole(ctx context.Context, name, description string) (Role, error)
	GetRole(ctx context.Context, roleID string) (Role, error)
	GetRoleByName(ctx context.Context, name string) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	UpdateRole(ctx context.Context, roleID string, upd RoleUpdate) (Role, error)
	// DeleteRole cascades into role and permission bindings; a role is
	// never silently deleted while leaving dangling references.
	DeleteRole(ctx context.Context, roleID string) (Role, error)

	CreatePermission(ctx context.Context, name, description string) (Permission, error)
	GetPermission(ctx context.Context, permissionID string) (Permission, error)
	GetPermissionByName(ctx context.Context, name string) (Permission, error)
	ListPermissions(ctx context.Context) ([]Permission, error)

	BindRole(ctx context.Context, userID, roleID string) (RoleBinding, error)
	UnbindRole(ctx context.Context, userID, roleID string) error
	BindPermission(ctx context.Context, roleID, permissionID string) (PermissionBinding, error)
	UnbindPermission(ctx context.Context, roleID, permissionID string) error

	Grant(ctx context.Context, userID, permissionID string, scope Scope) (DirectGrant, error)
	// Revoke returns the removed grant so the audit payload can record
	// what was revoked.
	Revoke(ctx context.Context, grantID string) (DirectGrant, error)

	// Snapshot returns one consistent view of a user's roles, role-derived
	// permissions and direct grants.
	Snapshot(ctx context.Context, userID string) (Snapshot, error)
}
