package auth

const (
	PermManageItems         = "items.manage"
	PermManageClaims        = "claims.manage"
	PermManageBranches      = "branches.manage"
	PermManageOrganizations = "organizations.manage"
	PermManageUsers         = "users.manage"
	PermManageRoles         = "roles.manage"
	PermManageNotifications = "notifications.manage"
	PermViewAuditLog        = "audit.view"
)

// BuiltinPermissions is the catalogue seeded at startup. Operators may add more;
// a role only keeps full access if it is linked to every one of them.
var BuiltinPermissions = []Permission{
	{Key: PermManageItems, Description: "Manage found items"},
	{Key: PermManageClaims, Description: "Review and resolve claims"},
	{Key: PermManageBranches, Description: "Manage branches"},
	{Key: PermManageOrganizations, Description: "Manage organizations"},
	{Key: PermManageUsers, Description: "Manage users"},
	{Key: PermManageRoles, Description: "Manage roles and permissions"},
	{Key: PermManageNotifications, Description: "Manage notifications"},
	{Key: PermViewAuditLog, Description: "View audit log"},
}
