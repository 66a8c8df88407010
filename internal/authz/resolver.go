package authz

import (
	"context"
	"errors"
	"sort"
	"strings"

	"planvault/internal/catalog"
	"planvault/internal/obs"
)

// RoleSuperAdmin bypasses permission resolution entirely. Holders are
// authorized for every permission, including ones the catalog has never
// registered.
const RoleSuperAdmin = "super_admin"

// Outcome tags how a decision was reached.
type Outcome string

const (
	OutcomeBypassed Outcome = "bypassed"
	OutcomeRole     Outcome = "role"
	OutcomeGrant    Outcome = "grant"
	OutcomeDenied   Outcome = "denied"
)

// Decision is the result of resolving one permission check. Callers that
// face untrusted clients must expose only Allowed; the outcome tag and the
// matched grant are for logs and tests.
type Decision struct {
	Allowed bool    `json:"allowed"`
	Outcome Outcome `json:"outcome"`
	GrantID string  `json:"grant_id,omitempty"`
}

// ErrInvalidCheck rejects checks without a user or permission.
var ErrInvalidCheck = errors.New("authz: user and permission are required")

// Decide resolves a permission check against one catalog snapshot. The
// resolution order is fixed: super_admin bypass, then role-derived
// permissions (always global, scope is ignored), then direct grants with
// conjunctive scope matching.
func Decide(snap catalog.Snapshot, permission string, scope catalog.Scope) Decision {
	if snap.HasRole(RoleSuperAdmin) {
		return Decision{Allowed: true, Outcome: OutcomeBypassed}
	}
	if _, ok := snap.RolePermissions[permission]; ok {
		return Decision{Allowed: true, Outcome: OutcomeRole}
	}
	for _, g := range snap.Grants {
		if g.Permission != permission {
			continue
		}
		if g.Scope.Matches(scope) {
			return Decision{Allowed: true, Outcome: OutcomeGrant, GrantID: g.GrantID}
		}
	}
	return Decision{Outcome: OutcomeDenied}
}

// EffectivePermission is one entry of a user's resolved permission set.
type EffectivePermission struct {
	Permission string        `json:"permission"`
	Source     string        `json:"source"` // "role" or "direct"
	Scope      catalog.Scope `json:"scope,omitempty"`
	GrantID    string        `json:"grant_id,omitempty"`
}

// EffectivePermissions lists everything a snapshot entitles the user to,
// role-derived entries first, then direct grants. The same permission name
// may appear several times under distinct scopes.
func EffectivePermissions(snap catalog.Snapshot) []EffectivePermission {
	out := make([]EffectivePermission, 0, len(snap.RolePermissions)+len(snap.Grants))
	for name := range snap.RolePermissions {
		out = append(out, EffectivePermission{Permission: name, Source: "role"})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Permission < out[j].Permission })

	grants := make([]EffectivePermission, 0, len(snap.Grants))
	for _, g := range snap.Grants {
		grants = append(grants, EffectivePermission{
			Permission: g.Permission,
			Source:     "direct",
			Scope:      g.Scope,
			GrantID:    g.GrantID,
		})
	}
	sort.Slice(grants, func(i, j int) bool {
		if grants[i].Permission != grants[j].Permission {
			return grants[i].Permission < grants[j].Permission
		}
		return grants[i].Scope.Key() < grants[j].Scope.Key()
	})
	return append(out, grants...)
}

// SnapshotSource provides consistent per-user authorization views.
type SnapshotSource interface {
	Snapshot(ctx context.Context, userID string) (catalog.Snapshot, error)
}

// Resolver answers permission checks against a snapshot source.
type Resolver struct {
	source SnapshotSource
}

// NewResolver builds a resolver over the given source.
func NewResolver(source SnapshotSource) *Resolver {
	return &Resolver{source: source}
}

// Check loads one snapshot for the user and resolves the permission. All
// conditions within a single check are evaluated against that snapshot.
func (r *Resolver) Check(ctx context.Context, userID, permission string, scope catalog.Scope) (Decision, error) {
	userID = strings.TrimSpace(userID)
	permission = strings.TrimSpace(permission)
	if userID == "" || permission == "" {
		return Decision{}, ErrInvalidCheck
	}
	snap, err := r.source.Snapshot(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	d := Decide(snap, permission, scope)
	obs.ObserveDecision(string(d.Outcome))
	return d, nil
}

// IsAuthorized is the boolean form of Check.
func (r *Resolver) IsAuthorized(ctx context.Context, userID, permission string, scope catalog.Scope) (bool, error) {
	d, err := r.Check(ctx, userID, permission, scope)
	if err != nil {
		return false, err
	}
	return d.Allowed, nil
}

// Effective resolves the user's full permission set.
func (r *Resolver) Effective(ctx context.Context, userID string) ([]EffectivePermission, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, ErrInvalidCheck
	}
	snap, err := r.source.Snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}
	return EffectivePermissions(snap), nil
}
