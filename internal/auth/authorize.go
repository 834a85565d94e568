package auth

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"lostfound.org/authcore/internal/audit"
	"lostfound.org/authcore/internal/obs"
)

// Grant names reported by resource decisions.
const (
	GrantFullAccess    = "full_access"
	GrantOwner         = "owner"
	GrantBranchManager = "branch_manager"
)

// Resolver computes effective permissions and resource-level decisions.
// It keeps no state between requests.
type Resolver struct {
	roles       RoleStore
	permissions PermissionStore
	grants      BranchGrantStore
	logger      *slog.Logger
}

// NewResolver constructs a Resolver over store.
func NewResolver(store Store) *Resolver {
	return &Resolver{
		roles:       store.Roles(),
		permissions: store.Permissions(),
		grants:      store.BranchGrants(),
		logger:      obs.Logger(),
	}
}

// Grants is the authorization view of one principal, resolved once per request.
type Grants struct {
	user        *User
	role        *Role
	permissions map[string]struct{}
	universe    map[string]struct{}
	branches    map[string]struct{}
}

// Resolve loads the role permissions, the permission universe and branch grants of u.
func (r *Resolver) Resolve(ctx context.Context, u *User) (*Grants, error) {
	g := &Grants{
		user:        u,
		permissions: map[string]struct{}{},
		universe:    map[string]struct{}{},
		branches:    map[string]struct{}{},
	}
	if u == nil {
		return g, nil
	}

	role, err := findRole(ctx, r.roles, u.RoleID)
	if err != nil {
		return nil, fmt.Errorf("load role: %w", err)
	}
	g.role = role
	if role != nil {
		perms, err := r.permissions.ForRole(ctx, role.ID)
		if err != nil {
			return nil, fmt.Errorf("load role permissions: %w", err)
		}
		for _, p := range perms {
			g.permissions[p.Key] = struct{}{}
		}
	}

	all, err := r.permissions.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("load permissions: %w", err)
	}
	for _, p := range all {
		g.universe[p.Key] = struct{}{}
	}

	branches, err := r.grants.BranchesManagedBy(ctx, u.ID)
	if err != nil {
		return nil, fmt.Errorf("load branch grants: %w", err)
	}
	for _, b := range branches {
		g.branches[b] = struct{}{}
	}
	r.logger.Debug("grants resolved",
		"user_id", u.ID,
		"role_id", u.RoleID,
		"permissions", len(g.permissions),
		"branches", len(g.branches),
	)
	return g, nil
}

// EffectivePermissions returns the sorted permission keys of u's role.
func (r *Resolver) EffectivePermissions(ctx context.Context, u *User) ([]string, error) {
	g, err := r.Resolve(ctx, u)
	if err != nil {
		return nil, err
	}
	return g.Permissions(), nil
}

// HasFullAccess reports whether u's role holds every defined permission.
func (r *Resolver) HasFullAccess(ctx context.Context, u *User) (bool, error) {
	g, err := r.Resolve(ctx, u)
	if err != nil {
		return false, err
	}
	return g.HasFullAccess(), nil
}

// CanManageResource reports whether u may manage a resource owned by ownerID and
// located in branchIDs.
func (r *Resolver) CanManageResource(ctx context.Context, u *User, ownerID string, branchIDs []string) (bool, error) {
	g, err := r.Resolve(ctx, u)
	if err != nil {
		return false, err
	}
	d := g.CanManageResource(ctx, ownerID, branchIDs)
	r.logger.Debug("resource decision",
		"user_id", u.ID,
		"owner_id", ownerID,
		"allowed", d.Allowed,
		"grants", d.Matched,
	)
	return d.Allowed, nil
}

// Role returns the principal's role, or nil.
func (g *Grants) Role() *Role { return g.role }

// Permissions returns the sorted permission keys.
func (g *Grants) Permissions() []string {
	out := make([]string, 0, len(g.permissions))
	for k := range g.permissions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// HasPermission reports whether the role grants key.
func (g *Grants) HasPermission(key string) bool {
	_, ok := g.permissions[key]
	return ok
}

// HasFullAccess is true exactly when the role's permission set equals the set of all
// defined permissions. An empty universe grants nothing.
func (g *Grants) HasFullAccess() bool {
	if len(g.universe) == 0 || len(g.permissions) != len(g.universe) {
		return false
	}
	for k := range g.universe {
		if _, ok := g.permissions[k]; !ok {
			return false
		}
	}
	return true
}

// ManagesBranch reports whether the principal holds a manager grant for branchID.
func (g *Grants) ManagesBranch(branchID string) bool {
	_, ok := g.branches[branchID]
	return ok
}

// Decision is the outcome of a resource check with every grant that matched.
type Decision struct {
	Allowed  bool
	Matched  []string
	Branches []string
}

// CanManageResource evaluates the full-access, owner and branch-manager grants.
// All grants are evaluated so the audit trail names every reason access was given.
func (g *Grants) CanManageResource(ctx context.Context, ownerID string, branchIDs []string) Decision {
	var d Decision
	if g.HasFullAccess() {
		d.Matched = append(d.Matched, GrantFullAccess)
	}
	if g.user != nil && ownerID != "" && ownerID == g.user.ID {
		d.Matched = append(d.Matched, GrantOwner)
	}
	for _, b := range branchIDs {
		if g.ManagesBranch(b) {
			d.Branches = append(d.Branches, b)
		}
	}
	if len(d.Branches) > 0 {
		d.Matched = append(d.Matched, GrantBranchManager)
	}
	d.Allowed = len(d.Matched) > 0

	if !d.Allowed {
		obs.ObserveDecision("denied")
		return d
	}
	for _, m := range d.Matched {
		obs.ObserveDecision(m)
	}
	var userID string
	if g.user != nil {
		userID = g.user.ID
	}
	_ = audit.LogEvent(ctx, "authz.resource.granted", map[string]any{
		"user_id":  userID,
		"owner_id": ownerID,
		"grants":   d.Matched,
		"branches": d.Branches,
	})
	return d
}

// Principal is an authenticated caller together with its resolved grants.
type Principal struct {
	User   *User
	Grants *Grants
}

// HasPermission reports whether the principal's role grants key.
func (p Principal) HasPermission(key string) bool {
	return p.Grants != nil && p.Grants.HasPermission(key)
}

// Info returns the caller-facing view of the principal.
func (p Principal) Info() PrincipalInfo {
	info := PrincipalInfo{Permissions: []string{}}
	if p.User != nil {
		info.ID = p.User.ID
		info.Email = p.User.Email
		info.Username = p.User.Username
		info.FullName = p.User.FullName
		info.Kind = p.User.Kind
		info.RoleID = p.User.RoleID
	}
	if p.Grants != nil {
		if role := p.Grants.Role(); role != nil {
			info.Role = role.Name
		}
		info.Permissions = p.Grants.Permissions()
		info.FullAccess = p.Grants.HasFullAccess()
	}
	return info
}
