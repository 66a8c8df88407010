package catalog

import (
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("catalog: not found")
	ErrConflict     = errors.New("catalog: resource conflict")
	ErrInvalidInput = errors.New("catalog: invalid input")
	ErrInvalidScope = errors.New("catalog: invalid scope")
)

// Role is a named collection of permissions.
type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Permission is a named capability following the resource.action convention.
// Renaming a referenced permission would silently change the meaning of
// historical grants, so the catalog only supports create and delete.
type Permission struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// RoleBinding grants a user every permission attached to a role.
type RoleBinding struct {
	UserID    string    `json:"user_id"`
	RoleID    string    `json:"role_id"`
	CreatedAt time.Time `json:"created_at"`
}

// PermissionBinding attaches a permission to a role.
type PermissionBinding struct {
	RoleID       string    `json:"role_id"`
	PermissionID string    `json:"permission_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// DirectGrant assigns a permission to a user outside of role membership,
// optionally narrowed by a scope. The (user, permission, scope) triple is
// unique; the same permission may be held under several distinct scopes.
type DirectGrant struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	PermissionID string    `json:"permission_id"`
	Scope        Scope     `json:"scope"`
	CreatedAt    time.Time `json:"created_at"`
}

// RoleUpdate carries optional role field changes.
type RoleUpdate struct {
	Name        *string
	Description *string
}

// GrantedPermission is a direct grant resolved to its permission name.
type GrantedPermission struct {
	GrantID    string `json:"grant_id"`
	Permission string `json:"permission"`
	Scope      Scope  `json:"scope"`
}

// Snapshot is one consistent read of everything authorization needs to know
// about a user: role names, role-derived permission names (global, never
// scoped) and direct grants. A single snapshot never observes a
// half-applied mutation.
type Snapshot struct {
	UserID          string
	Roles           []string
	RolePermissions map[string]struct{}
	Grants          []GrantedPermission
}

// HasRole reports role membership by name.
func (s Snapshot) HasRole(name string) bool {
	for _, r := range s.Roles {
		if r == name {
			return true
		}
	}
	return false
}
