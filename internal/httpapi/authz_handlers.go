package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"planvault/internal/audit"
	"planvault/internal/auth"
	"planvault/internal/authz"
	"planvault/internal/catalog"
)

type checkRequest struct {
	User       string            `json:"user,omitempty"`
	Permission string            `json:"permission"`
	Scope      map[string]string `json:"scope,omitempty"`
}

type checkResponse struct {
	Allowed bool `json:"allowed"`
}

// handleAuthzCheck answers "may this user do X in scope Y". The response
// deliberately carries only the boolean; why a check was denied is never
// exposed to clients.
func (a *API) handleAuthzCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if a.resolver == nil {
		writeError(w, r, http.StatusServiceUnavailable, "resolver unavailable")
		return
	}

	caller, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	var req checkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	target := strings.TrimSpace(req.User)
	if target == "" {
		target = caller
	}
	// Checking someone else's access is itself a privileged operation.
	if target != caller {
		if !a.ensurePermission(w, r, permManageCatalog, nil) {
			return
		}
	}

	decision, err := a.resolver.Check(r.Context(), target, req.Permission, catalog.Scope(req.Scope))
	if err != nil {
		if errors.Is(err, authz.ErrInvalidCheck) {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, r, http.StatusInternalServerError, "authorization error")
		return
	}

	if a.recorder != nil {
		_, _ = a.recorder.Record(r.Context(), audit.OpAuthzChecked, caller, target, map[string]any{
			"permission": req.Permission,
			"scope":      catalog.Scope(req.Scope).Document(),
			"allowed":    decision.Allowed,
			"outcome":    string(decision.Outcome),
		})
	}

	writeJSON(w, http.StatusOK, checkResponse{Allowed: decision.Allowed})
}
