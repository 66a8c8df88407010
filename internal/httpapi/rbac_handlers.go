package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"planvault/internal/auth"
	"planvault/internal/catalog"
)

type createRoleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type updateRoleRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

type createPermissionRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type bindPermissionRequest struct {
	PermissionID string `json:"permission_id"`
}

type bindRoleRequest struct {
	RoleID string `json:"role_id"`
}

type grantRequest struct {
	PermissionID string            `json:"permission_id"`
	Scope        map[string]string `json:"scope"`
}

func (a *API) handleRolesCollection(w http.ResponseWriter, r *http.Request) {
	if a.catalog == nil {
		writeError(w, r, http.StatusServiceUnavailable, "catalog unavailable")
		return
	}
	switch r.Method {
	case http.MethodPost:
		if !a.ensurePermission(w, r, permManageCatalog, nil) {
			return
		}
		var req createRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := a.catalog.CreateRole(r.Context(), req.Name, req.Description)
		if err != nil {
			handleCatalogError(w, r, err)
			return
		}
		w.Header().Set("Location", fmt.Sprintf("/v1/roles/%s", role.ID))
		writeJSON(w, http.StatusCreated, role)
	case http.MethodGet:
		if !a.ensurePermission(w, r, permManageCatalog, nil) {
			return
		}
		roles, err := a.catalog.ListRoles(r.Context())
		if err != nil {
			handleCatalogError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": roles})
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) handleRoleResource(w http.ResponseWriter, r *http.Request) {
	if a.catalog == nil {
		writeError(w, r, http.StatusServiceUnavailable, "catalog unavailable")
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/roles/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	roleID := parts[0]

	switch {
	case len(parts) == 1:
		a.handleRole(w, r, roleID)
	case len(parts) == 2 && parts[1] == "permissions":
		a.handleRolePermissions(w, r, roleID)
	case len(parts) == 3 && parts[1] == "permissions":
		a.handleRolePermission(w, r, roleID, parts[2])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleRole(w http.ResponseWriter, r *http.Request, roleID string) {
	switch r.Method {
	case http.MethodGet:
		if !a.ensurePermission(w, r, permManageCatalog, nil) {
			return
		}
		role, err := a.catalog.GetRole(r.Context(), roleID)
		if err != nil {
			handleCatalogError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, role)
	case http.MethodPatch:
		if !a.ensurePermission(w, r, permManageCatalog, nil) {
			return
		}
		var req updateRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := a.catalog.UpdateRole(r.Context(), roleID, catalog.RoleUpdate{
			Name:        req.Name,
			Description: req.Description,
		})
		if err != nil {
			handleCatalogError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, role)
	case http.MethodDelete:
		if !a.ensurePermission(w, r, permManageCatalog, nil) {
			return
		}
		if err := a.catalog.DeleteRole(r.Context(), roleID); err != nil {
			handleCatalogError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPatch, http.MethodDelete)
	}
}

func (a *API) handleRolePermissions(w http.ResponseWriter, r *http.Request, roleID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.ensurePermission(w, r, permManageCatalog, nil) {
		return
	}
	var req bindPermissionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	binding, err := a.catalog.BindPermission(r.Context(), roleID, strings.TrimSpace(req.PermissionID))
	if err != nil {
		handleCatalogError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, binding)
}

func (a *API) handleRolePermission(w http.ResponseWriter, r *http.Request, roleID, permissionID string) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	if !a.ensurePermission(w, r, permManageCatalog, nil) {
		return
	}
	if err := a.catalog.UnbindPermission(r.Context(), roleID, permissionID); err != nil {
		handleCatalogError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handlePermissionsCollection(w http.ResponseWriter, r *http.Request) {
	if a.catalog == nil {
		writeError(w, r, http.StatusServiceUnavailable, "catalog unavailable")
		return
	}
	switch r.Method {
	case http.MethodPost:
		if !a.ensurePermission(w, r, permManageCatalog, nil) {
			return
		}
		var req createPermissionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		perm, err := a.catalog.CreatePermission(r.Context(), req.Name, req.Description)
		if err != nil {
			handleCatalogError(w, r, err)
			return
		}
		w.Header().Set("Location", fmt.Sprintf("/v1/permissions/%s", perm.ID))
		writeJSON(w, http.StatusCreated, perm)
	case http.MethodGet:
		if !a.ensurePermission(w, r, permManageCatalog, nil) {
			return
		}
		perms, err := a.catalog.ListPermissions(r.Context())
		if err != nil {
			handleCatalogError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": perms})
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) handlePermissionResource(w http.ResponseWriter, r *http.Request) {
	if a.catalog == nil {
		writeError(w, r, http.StatusServiceUnavailable, "catalog unavailable")
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/permissions/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.ensurePermission(w, r, permManageCatalog, nil) {
		return
	}
	perm, err := a.catalog.GetPermission(r.Context(), id)
	if err != nil {
		handleCatalogError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, perm)
}

func (a *API) handleUserResource(w http.ResponseWriter, r *http.Request) {
	if a.catalog == nil {
		writeError(w, r, http.StatusServiceUnavailable, "catalog unavailable")
		return
	}
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/users/"), "/")
	parts := strings.Split(path, "/")
	if path == "" || len(parts) < 2 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	userID := parts[0]

	switch {
	case len(parts) == 2 && parts[1] == "roles":
		a.handleUserRoles(w, r, userID)
	case len(parts) == 3 && parts[1] == "roles":
		a.handleUserRole(w, r, userID, parts[2])
	case len(parts) == 2 && parts[1] == "grants":
		a.handleUserGrants(w, r, userID)
	case len(parts) == 3 && parts[1] == "grants":
		a.handleUserGrant(w, r, userID, parts[2])
	case len(parts) == 2 && parts[1] == "permissions":
		a.handleUserPermissions(w, r, userID)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleUserRoles(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.ensurePermission(w, r, permManageCatalog, nil) {
		return
	}
	var req bindRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	binding, err := a.catalog.BindRole(r.Context(), userID, strings.TrimSpace(req.RoleID))
	if err != nil {
		handleCatalogError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, binding)
}

func (a *API) handleUserRole(w http.ResponseWriter, r *http.Request, userID, roleID string) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	if !a.ensurePermission(w, r, permManageCatalog, nil) {
		return
	}
	if err := a.catalog.UnbindRole(r.Context(), userID, roleID); err != nil {
		handleCatalogError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleUserGrants(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.ensurePermission(w, r, permManageCatalog, nil) {
		return
	}
	var req grantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	grant, err := a.catalog.Grant(r.Context(), userID, strings.TrimSpace(req.PermissionID), catalog.Scope(req.Scope))
	if err != nil {
		handleCatalogError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, grant)
}

func (a *API) handleUserGrant(w http.ResponseWriter, r *http.Request, userID, grantID string) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	if !a.ensurePermission(w, r, permManageCatalog, nil) {
		return
	}
	if err := a.catalog.Revoke(r.Context(), grantID); err != nil {
		handleCatalogError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleUserPermissions lists a user's effective permission set. Users may
// inspect their own; anyone else needs catalog management rights.
func (a *API) handleUserPermissions(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	caller, _ := auth.UserIDFromContext(r.Context())
	if caller != userID {
		if !a.ensurePermission(w, r, permManageCatalog, nil) {
			return
		}
	}
	if a.resolver == nil {
		writeError(w, r, http.StatusServiceUnavailable, "resolver unavailable")
		return
	}
	perms, err := a.resolver.Effective(r.Context(), userID)
	if err != nil {
		handleCatalogError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": perms})
}
