package domain

import "fmt"

// Role is an actor's privilege level within its tenant.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

// Rank orders roles: admin > operator > viewer. Unknown roles rank zero.
func (r Role) Rank() int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleOperator:
		return 2
	case RoleViewer:
		return 1
	default:
		return 0
	}
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r.Rank() > 0
}

// ParseRole converts raw input into a Role.
func ParseRole(raw string) (Role, error) {
	r := Role(raw)
	if !r.Valid() {
		return "", &ValidationError{Field: "role", Reason: fmt.Sprintf("unknown role %q", raw)}
	}
	return r, nil
}

// Permission is a single capability granted by a role.
type Permission string

const (
	PermCreateProfile Permission = "create_profile"
	PermReadProfile   Permission = "read_profile"
	PermUpdateProfile Permission = "update_profile"
	PermDeleteProfile Permission = "delete_profile"
	PermDeployProfile Permission = "deploy_profile"
	PermMigrateDevice Permission = "migrate_device"
	PermManageUsers   Permission = "manage_users"
	PermViewAuditLogs Permission = "view_audit_logs"
	PermManageTenants Permission = "manage_tenants"
)

// RolePermissions is the static role to permission table.
var RolePermissions = map[Role][]Permission{
	RoleAdmin: {
		PermCreateProfile,
		PermReadProfile,
		PermUpdateProfile,
		PermDeleteProfile,
		PermDeployProfile,
		PermMigrateDevice,
		PermManageUsers,
		PermViewAuditLogs,
		PermManageTenants,
	},
	RoleOperator: {
		PermCreateProfile,
		PermReadProfile,
		PermUpdateProfile,
		PermDeployProfile,
		PermMigrateDevice,
		PermViewAuditLogs,
	},
	RoleViewer: {
		PermReadProfile,
		PermViewAuditLogs,
	},
}

// Actor is the authenticated identity performing an operation.
type Actor struct {
	ID       string
	TenantID string
	Role     Role
	Active   bool
}
