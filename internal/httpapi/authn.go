package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"planvault/internal/auth"
	"planvault/internal/catalog"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// Permissions gating the administrative surface. They live in the catalog
// like any other permission; the seed data registers them.
const (
	permManageCatalog = "rbac.manage"
	permAuditView     = "audit.view"
	permAuditPurge    = "audit.purge"
)

var publicPaths = []string{
	"/v1/auth/token",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}
		claims, err := auth.ParseAndValidate(token)
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := auth.ContextWithUser(r.Context(), claims.Subject, claims.Roles)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ensurePermission resolves the caller's permission through the catalog. It
// writes the response on failure and reports whether the handler may
// proceed. A missing permission is reported as a bare 403 with no reason.
func (a *API) ensurePermission(w http.ResponseWriter, r *http.Request, permission string, scope catalog.Scope) bool {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return false
	}
	if _, ok := a.superUsers[userID]; ok {
		return true
	}
	if a.resolver == nil {
		return true
	}
	allowed, err := a.resolver.IsAuthorized(r.Context(), userID, permission, scope)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "authorization error")
		return false
	}
	if !allowed {
		writeError(w, r, http.StatusForbidden, "forbidden")
		return false
	}
	return true
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}
